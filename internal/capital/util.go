package capital

import (
	"encoding/json"
	"strings"
)

func unmarshalJSON(data []byte, out interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// secretKeyMarkers 命中这些子串的字段在日志里打码
var secretKeyMarkers = []string{"password", "token", "key", "secret", "cst"}

// RedactSecrets 递归打码敏感字段，用于 debug 级请求/响应日志
func RedactSecrets(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if isSecretKey(k) {
			out[k] = "***REDACTED***"
			continue
		}
		switch t := v.(type) {
		case map[string]interface{}:
			out[k] = RedactSecrets(t)
		case []interface{}:
			items := make([]interface{}, len(t))
			for i, item := range t {
				if m, ok := item.(map[string]interface{}); ok {
					items[i] = RedactSecrets(m)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}

// redactedBody 请求体的日志安全表示：能转成对象的先打码再输出
func redactedBody(body interface{}) interface{} {
	b, err := json.Marshal(body)
	if err != nil {
		return "<unserializable>"
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return string(b)
	}
	return RedactSecrets(m)
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
