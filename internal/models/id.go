package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID 后端实体标识
// 后端返回数字 id，测试与部分事件使用字符串，两种 JSON 形式都接受，统一按字符串保存
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", string(b), err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }
