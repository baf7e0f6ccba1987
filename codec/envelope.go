package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.catga.dev/result"
)

// Envelope is the wire record carried on external transports. The
// payload is whatever the configured Codec emitted; the envelope only
// frames it with routing metadata.
type Envelope struct {
	MsgID   int64     `json:"msgId"`
	CorrID  int64     `json:"corrId,omitempty"`
	Type    string    `json:"type"`
	SentAt  time.Time `json:"sentAt"`
	Payload []byte    `json:"payload"`
}

const (
	frameMagic   = 0xCA
	frameVersion = 1
)

// EncodeEnvelopeJSON frames the envelope as a tagged JSON record,
// readable by any consumer.
func EncodeEnvelopeJSON(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("envelope marshal: %w", err)
	}
	return data, nil
}

// DecodeEnvelopeJSON parses a tagged JSON envelope.
func DecodeEnvelopeJSON(data []byte) (Envelope, error) {
	var env Envelope
	if len(data) == 0 {
		return env, errEmpty("envelope")
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, result.WrapError(result.KindValidation, fmt.Errorf("envelope unmarshal: %w", err))
	}
	return env, nil
}

// EncodeEnvelopeBinary frames the envelope compactly:
// magic, version, msgId, corrId, sentAt (unix millis) as varints,
// then length-prefixed type and payload.
func EncodeEnvelopeBinary(env Envelope) ([]byte, error) {
	buf := make([]byte, 0, 2+3*binary.MaxVarintLen64+len(env.Type)+len(env.Payload)+2*binary.MaxVarintLen64)
	buf = append(buf, frameMagic, frameVersion)
	buf = binary.AppendVarint(buf, env.MsgID)
	buf = binary.AppendVarint(buf, env.CorrID)
	buf = binary.AppendVarint(buf, env.SentAt.UnixMilli())
	buf = binary.AppendUvarint(buf, uint64(len(env.Type)))
	buf = append(buf, env.Type...)
	buf = binary.AppendUvarint(buf, uint64(len(env.Payload)))
	buf = append(buf, env.Payload...)
	return buf, nil
}

// DecodeEnvelopeBinary parses a compact binary envelope frame.
func DecodeEnvelopeBinary(data []byte) (Envelope, error) {
	var env Envelope
	if len(data) == 0 {
		return env, errEmpty("envelope")
	}
	if len(data) < 2 || data[0] != frameMagic {
		return env, result.NewError(result.KindValidation, "BAD_FRAME", "not a catga binary envelope")
	}
	if data[1] != frameVersion {
		return env, result.NewError(result.KindValidation, "BAD_FRAME", fmt.Sprintf("unsupported frame version %d", data[1]))
	}
	rest := data[2:]

	readVarint := func() (int64, error) {
		v, n := binary.Varint(rest)
		if n <= 0 {
			return 0, result.NewError(result.KindValidation, "BAD_FRAME", "truncated varint")
		}
		rest = rest[n:]
		return v, nil
	}
	readBytes := func() ([]byte, error) {
		l, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, result.NewError(result.KindValidation, "BAD_FRAME", "truncated length")
		}
		rest = rest[n:]
		if uint64(len(rest)) < l {
			return nil, result.NewError(result.KindValidation, "BAD_FRAME", "truncated field")
		}
		b := rest[:l]
		rest = rest[l:]
		return b, nil
	}

	var err error
	if env.MsgID, err = readVarint(); err != nil {
		return env, err
	}
	if env.CorrID, err = readVarint(); err != nil {
		return env, err
	}
	var millis int64
	if millis, err = readVarint(); err != nil {
		return env, err
	}
	env.SentAt = time.UnixMilli(millis).UTC()

	typ, err := readBytes()
	if err != nil {
		return env, err
	}
	env.Type = string(typ)

	payload, err := readBytes()
	if err != nil {
		return env, err
	}
	env.Payload = append([]byte(nil), payload...)

	return env, nil
}
