package codec

import (
	"encoding/json"
	"fmt"

	"go.catga.dev/result"
)

// JSON is the self-describing codec used for persisted payloads
// (outbox rows, stored idempotency responses, event streams). Field
// names survive type evolution, so it is the safe default across
// versions.
type JSON struct{}

// NewJSON returns the JSON codec.
func NewJSON() JSON { return JSON{} }

// Name implements Codec.
func (JSON) Name() string { return "json" }

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errEmpty("json")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return result.WrapError(result.KindValidation, fmt.Errorf("json unmarshal: %w", err))
	}
	return nil
}
