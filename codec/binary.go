package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"go.catga.dev/result"
)

// Binary is the compact codec recommended for transport payloads
// between instances running the same build. It is smaller and faster
// than JSON but not self-describing, so it is unsuitable for
// cross-version persistence; persisted stores should use JSON.
type Binary struct{}

// NewBinary returns the binary codec.
func NewBinary() Binary { return Binary{} }

// Name implements Codec.
func (Binary) Name() string { return "binary" }

// Marshal implements Codec.
func (Binary) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("binary marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal implements Codec.
func (Binary) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errEmpty("binary")
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return result.WrapError(result.KindValidation, fmt.Errorf("binary unmarshal: %w", err))
	}
	return nil
}
