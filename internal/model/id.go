package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DecodeID はJSONの文字列・数値・nullをIDとして正規化する。
// 文字列は前後の空白を除去し、数値は10進表記（整数値の浮動小数点は整数表記）にする。
// nullは空文字を返す。
func DecodeID(raw []byte) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return NormalizeID(s), nil
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("IDは文字列または数値である必要があります: %s", raw)
	}
	return NumberID(n), nil
}

// NormalizeID は文字列IDの前後の空白を除去する。
func NormalizeID(s string) string {
	return strings.TrimSpace(s)
}

// NumberID は数値IDを文字列に正規化する。
func NumberID(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if fl, err := n.Float64(); err == nil && fl == float64(int64(fl)) {
		return strconv.FormatInt(int64(fl), 10)
	}
	return n.String()
}
