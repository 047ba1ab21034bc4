package schema

import (
	"encoding/json"
	"testing"
)

const patchSchema = `{
  "type": "object",
  "required": ["target", "op", "value"],
  "properties": {
    "target": {"type": "string", "minLength": 1},
    "op": {"enum": ["replace", "merge"]},
    "value": {},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

func TestValidateAcceptsConformingPayload(t *testing.T) {
	payload := json.RawMessage(`{"target":"POL-1","op":"replace","value":"text","confidence":0.9}`)
	if err := Validate("patch", []byte(patchSchema), payload); err != nil {
		t.Fatalf("expected payload to validate: %v", err)
	}
}

func TestValidateRejectsBadEnum(t *testing.T) {
	payload := []byte(`{"target":"POL-1","op":"delete","value":"text"}`)
	if err := Validate("patch", []byte(patchSchema), payload); err == nil {
		t.Fatal("expected enum violation")
	}
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	if err := Validate("patch", []byte(patchSchema), map[string]any{"op": "replace"}); err == nil {
		t.Fatal("expected missing-field violation")
	}
}

func TestValidateEmptySchema(t *testing.T) {
	if err := Validate("patch", nil, map[string]any{}); err == nil {
		t.Fatal("expected error for empty schema")
	}
}
