package capital

import "testing"

func TestRedactSecretsMasksSensitiveFields(t *testing.T) {
	in := map[string]interface{}{
		"identifier": "user@example.com",
		"password":   "hunter2",
		"cst":        "token-abc",
		"nested": map[string]interface{}{
			"apiKey": "k",
			"size":   1.5,
		},
	}

	out := RedactSecrets(in)
	if out["password"] != "***REDACTED***" || out["cst"] != "***REDACTED***" {
		t.Errorf("敏感字段未打码: %v", out)
	}
	if out["identifier"] != "user@example.com" {
		t.Errorf("普通字段不应改动: %v", out["identifier"])
	}
	nested, ok := out["nested"].(map[string]interface{})
	if !ok {
		t.Fatal("嵌套结构丢失")
	}
	if nested["apiKey"] != "***REDACTED***" {
		t.Errorf("嵌套敏感字段未打码: %v", nested)
	}
	if nested["size"] != 1.5 {
		t.Errorf("嵌套普通字段不应改动: %v", nested["size"])
	}

	// 原始 map 不被修改
	if in["password"] != "hunter2" {
		t.Error("打码应返回副本而不是原地修改")
	}
}

func TestRedactedBodyHandlesStructs(t *testing.T) {
	body := loginRequest{Identifier: "u", Password: "p", EncryptedPassword: false}
	out, ok := redactedBody(body).(map[string]interface{})
	if !ok {
		t.Fatal("结构体应转成打码后的 map")
	}
	if out["password"] != "***REDACTED***" {
		t.Errorf("password 未打码: %v", out)
	}
	if out["identifier"] != "u" {
		t.Errorf("identifier 不应改动: %v", out)
	}
}
