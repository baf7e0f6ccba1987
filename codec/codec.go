// Package codec defines the byte-level serialization contract and the
// two shipped implementations: a self-describing JSON codec for
// cross-version persistence and a compact binary codec for transport
// framing.
package codec

import (
	"go.catga.dev/result"
)

// Codec encodes and decodes payloads. Implementations must be
// deterministic for fixed inputs and must never panic on empty input.
type Codec interface {
	// Name identifies the codec on the wire (e.g. "json", "binary")
	Name() string

	// Marshal encodes a value to bytes
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes bytes into the value pointed to by v.
	// Empty input fails with a Validation error.
	Unmarshal(data []byte, v any) error
}

// errEmpty is the shared empty-input failure.
func errEmpty(codec string) error {
	return result.NewError(result.KindValidation, "EMPTY_PAYLOAD", codec+": cannot decode empty input")
}
