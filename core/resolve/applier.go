package resolve

import (
	"encoding/json"
	"fmt"

	"github.com/regsentinel/regsentinel/core/policy"
)

// Applier turns resolved changes into a concrete proposed policy text. It
// never writes to the store; the output feeds a proposal that a human still
// has to decide.
type Applier struct{}

// fields of a policy record that patches may address.
const (
	FieldText   = "text"
	FieldTitle  = "title"
	FieldDomain = "domain"
)

// Preview applies the changes for one policy to a copy of the record and
// returns the copy together with a diff and highlight spans for the text.
func (Applier) Preview(rec *policy.Record, changes []policy.Change) (*policy.Record, string, []policy.Span, error) {
	if rec == nil {
		return nil, "", nil, fmt.Errorf("policy record required")
	}
	next := *rec
	doc := map[string]any{
		FieldTitle:  rec.Title,
		FieldDomain: rec.Domain,
		FieldText:   rec.Text,
	}

	for _, ch := range changes {
		if ch.Target != rec.ID {
			continue
		}
		if err := applyChange(doc, ch); err != nil {
			return nil, "", nil, fmt.Errorf("apply change to %s: %w", rec.ID, err)
		}
	}

	next.Title = stringField(doc, FieldTitle, rec.Title)
	next.Domain = stringField(doc, FieldDomain, rec.Domain)
	next.Text = stringField(doc, FieldText, rec.Text)

	diff := UnifiedDiff(rec.Text, next.Text,
		fmt.Sprintf("%s@v%d", rec.ID, rec.Version),
		fmt.Sprintf("%s@proposed", rec.ID))
	spans := Spans(rec.Text, next.Text)
	return &next, diff, spans, nil
}

func applyChange(doc map[string]any, ch policy.Change) error {
	value, err := decodeValue(ch.Value)
	if err != nil {
		return err
	}
	if ch.Field == "" {
		// Whole-record changes need an object value; merge folds its keys
		// in, replace swaps all addressable fields.
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("record-level %s needs an object value", ch.Op)
		}
		switch ch.Op {
		case policy.OpMerge:
			for k, v := range obj {
				if !knownField(k) {
					return fmt.Errorf("unknown field %q", k)
				}
				doc[k] = v
			}
		case policy.OpReplace:
			for _, k := range []string{FieldTitle, FieldDomain, FieldText} {
				if v, ok := obj[k]; ok {
					doc[k] = v
				}
			}
		default:
			return fmt.Errorf("unsupported op %q", ch.Op)
		}
		return nil
	}

	if !knownField(ch.Field) {
		return fmt.Errorf("unknown field %q", ch.Field)
	}
	switch ch.Op {
	case policy.OpReplace:
		doc[ch.Field] = value
	case policy.OpMerge:
		text, ok := value.(string)
		if !ok {
			return fmt.Errorf("merge into %q needs a string value", ch.Field)
		}
		current := stringField(doc, ch.Field, "")
		if current == "" {
			doc[ch.Field] = text
		} else {
			doc[ch.Field] = current + "\n\n" + text
		}
	default:
		return fmt.Errorf("unsupported op %q", ch.Op)
	}
	return nil
}

func knownField(name string) bool {
	switch name {
	case FieldText, FieldTitle, FieldDomain:
		return true
	}
	return false
}

func stringField(doc map[string]any, key, fallback string) string {
	if v, ok := doc[key].(string); ok {
		return v
	}
	return fallback
}

func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty value")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}
