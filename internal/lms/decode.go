package lms

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/coursefeed/internal/model"
)

// decodeList はLMS APIのリスト形レスポンスを要素のスライスに正規化する。
//
// 正規化ルール:
//   - 空ボディ・null は空リスト
//   - '[' で始まる場合は配列そのもの
//   - '{' で始まる場合は field キーの値（配列またはnull）。キーが無ければエラー
//   - それ以外はエラー
func decodeList(body []byte, field string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, fmt.Errorf("配列のデコードに失敗: %w", err)
		}
		return elems, nil

	case '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, fmt.Errorf("オブジェクトのデコードに失敗: %w", err)
		}
		inner, ok := wrapper[field]
		if !ok {
			return nil, fmt.Errorf("フィールド %q がありません", field)
		}
		inner = bytes.TrimSpace(inner)
		if bytes.Equal(inner, []byte("null")) {
			return nil, nil
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(inner, &elems); err != nil {
			return nil, fmt.Errorf("フィールド %q が配列ではありません: %w", field, err)
		}
		return elems, nil

	default:
		return nil, fmt.Errorf("予期しないレスポンス形式です（先頭文字 %q）", trimmed[0])
	}
}

// flexID は文字列・数値のどちらで表現されたIDも文字列として受け取る。
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	id, err := model.DecodeID(b)
	if err != nil {
		return err
	}
	*f = flexID(id)
	return nil
}

// timeLayouts はLMS APIが返す日時表現として受け付けるレイアウト。
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// flexTime は文字列または数値（Unixミリ秒）の日時を受け取る。
// 解釈できない値はゼロ時刻とし、エラーにはしない。
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*t = flexTime(time.Time{})
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		*t = flexTime(parseTime(s))
		return nil
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return nil
	}
	if ms, err := n.Int64(); err == nil {
		*t = flexTime(time.UnixMilli(ms).UTC())
	}
	return nil
}

// Time はtime.Timeに変換する。
func (t flexTime) Time() time.Time {
	return time.Time(t)
}

// parseTime はtimeLayoutsの順に解釈を試みる。タイムゾーンの無い表現はUTCとみなす。
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed
		}
	}
	return time.Time{}
}
