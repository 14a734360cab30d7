package bot

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

// Decode converts a loose Input into T, rejecting unknown fields, then applies
// SetDefaults and Validate when *T implements them.
func Decode[T any](kind Kind, raw Input) (T, error) {
	var out T
	if raw == nil {
		raw = Input{}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return out, &ValidationError{Kind: kind, Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, &ValidationError{Kind: kind, Err: err}
	}

	if d, ok := any(&out).(Defaulter); ok {
		d.SetDefaults()
	}
	if v, ok := any(&out).(Validator); ok {
		if err := v.Validate(); err != nil {
			return out, &ValidationError{Kind: kind, Err: err}
		}
	}
	return out, nil
}

// OneOf returns an error when v is not one of allowed.
func OneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %v, got %q", field, allowed, v)
}
