// Package unread は未読件数の共有カウンタを提供する。
package unread

import "sync"

// Counter は未読お知らせ件数を保持する共有カウンタ。
// 値は常に0以上に保たれる。増加はSetによる外部からの初期化のみで行う。
type Counter struct {
	mu    sync.Mutex
	value int
}

// NewCounter は初期値nのCounterを生成する。負の値は0に丸める。
func NewCounter(n int) *Counter {
	c := &Counter{}
	c.Set(n)
	return c
}

// Value は現在の値を返す。
func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set は値を上書きする。負の値は0に丸める。
func (c *Counter) Set(n int) {
	if n < 0 {
		n = 0
	}
	c.mu.Lock()
	c.value = n
	c.mu.Unlock()
}

// Decrement は値を1減らし、減算後の値を返す。0未満にはならない。
func (c *Counter) Decrement() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value > 0 {
		c.value--
	}
	return c.value
}
