// Package tsid generates time-sorted 64-bit message identifiers.
//
// Layout: 41 bits of milliseconds since the catga epoch, 10 bits of
// worker id, 12 bits of per-millisecond sequence. Identifiers are
// strictly positive, strictly increasing within a generator, and
// globally near-monotonic across workers.
package tsid

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// Epoch: 2020-01-01T00:00:00Z in Unix milliseconds
	epoch = 1577836800000

	// Bit lengths
	timestampBits = 41
	workerBits    = 10
	sequenceBits  = 12

	maxWorker   = (1 << workerBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	workerShift    = sequenceBits
	timestampShift = workerBits + sequenceBits

	// Crockford Base32 alphabet
	alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// ErrClockRegression is returned when the system clock moved backward
// past the configured tolerance.
var ErrClockRegression = errors.New("tsid: system clock moved backward")

// ErrInvalidCharacter is returned when decoding a string that is not
// valid Crockford Base32.
var ErrInvalidCharacter = errors.New("tsid: invalid character")

// Options configures a Generator.
type Options struct {
	// WorkerID identifies this process in the 10-bit worker field (0-1023)
	WorkerID int64

	// ClockTolerance is the largest backward clock step the generator
	// absorbs by waiting. Larger regressions fail with ErrClockRegression.
	ClockTolerance time.Duration

	// WaitForClock waits out regressions within ClockTolerance instead
	// of failing immediately
	WaitForClock bool

	// now is overridable for tests
	now func() time.Time
}

// DefaultOptions returns sensible defaults: worker 0, refuse any
// regression beyond 10ms, wait out smaller ones.
func DefaultOptions() Options {
	return Options{
		WorkerID:       0,
		ClockTolerance: 10 * time.Millisecond,
		WaitForClock:   true,
	}
}

// Generator produces message ids for a fixed worker id.
type Generator struct {
	mu       sync.Mutex
	opts     Options
	lastTime int64
	sequence int64
}

// NewGenerator creates a generator for the given options.
func NewGenerator(opts Options) (*Generator, error) {
	if opts.WorkerID < 0 || opts.WorkerID > maxWorker {
		return nil, fmt.Errorf("tsid: worker id %d out of range [0, %d]", opts.WorkerID, maxWorker)
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Generator{opts: opts}, nil
}

// Next returns the next message id. Ids from a single generator are
// strictly increasing.
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.opts.now().UnixMilli() - epoch

	if now < g.lastTime {
		drift := time.Duration(g.lastTime-now) * time.Millisecond
		if drift > g.opts.ClockTolerance || !g.opts.WaitForClock {
			return 0, fmt.Errorf("%w: drift %s", ErrClockRegression, drift)
		}
		// Small regression: reuse the last observed time so ids keep
		// increasing. The sequence field absorbs the burst.
		now = g.lastTime
	}

	if now == g.lastTime {
		g.sequence++
		if g.sequence > maxSequence {
			// Sequence exhausted for this millisecond, spin to the next
			for now <= g.lastTime {
				now = g.opts.now().UnixMilli() - epoch
			}
			g.sequence = 0
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = now

	id := (now << timestampShift) | (g.opts.WorkerID << workerShift) | g.sequence
	return id, nil
}

var (
	defaultGenerator *Generator
	defaultOnce      sync.Once
)

// NewMessageID returns an id from the process-default generator
// (worker 0). It never fails under a healthy clock; on regression it
// panics rather than hand out a non-monotonic id.
func NewMessageID() int64 {
	defaultOnce.Do(func() {
		defaultGenerator, _ = NewGenerator(DefaultOptions())
	})
	id, err := defaultGenerator.Next()
	if err != nil {
		panic(err)
	}
	return id
}

// Timestamp extracts the creation time embedded in an id.
func Timestamp(id int64) time.Time {
	ms := (id >> timestampShift) + epoch
	return time.UnixMilli(ms)
}

// Worker extracts the worker id embedded in an id.
func Worker(id int64) int64 {
	return (id >> workerShift) & maxWorker
}

// ToString encodes an id as a 13-character Crockford Base32 string,
// used for broker headers and store keys.
func ToString(id int64) string {
	value := uint64(id)
	result := make([]byte, 13)
	for i := 12; i >= 0; i-- {
		result[i] = alphabet[value&0x1F]
		value >>= 5
	}
	return string(result)
}

// FromString decodes a Crockford Base32 string back to an id.
func FromString(s string) (int64, error) {
	var result uint64
	for _, c := range s {
		idx := crockfordIndex(byte(c))
		if idx < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidCharacter, c)
		}
		result = (result << 5) | uint64(idx)
	}
	return int64(result), nil
}

// crockfordIndex returns the numeric value of a Crockford Base32 character
func crockfordIndex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'H':
		return int(c - 'A' + 10)
	case c >= 'a' && c <= 'h':
		return int(c - 'a' + 10)
	case c == 'I' || c == 'i' || c == 'L' || c == 'l':
		return 1 // I and L map to 1
	case c >= 'J' && c <= 'K':
		return int(c - 'J' + 18)
	case c >= 'j' && c <= 'k':
		return int(c - 'j' + 18)
	case c >= 'M' && c <= 'N':
		return int(c - 'M' + 20)
	case c >= 'm' && c <= 'n':
		return int(c - 'm' + 20)
	case c == 'O' || c == 'o':
		return 0 // O maps to 0
	case c >= 'P' && c <= 'T':
		return int(c - 'P' + 22)
	case c >= 'p' && c <= 't':
		return int(c - 'p' + 22)
	case c == 'U' || c == 'u':
		return 27
	case c >= 'V' && c <= 'Z':
		return int(c - 'V' + 27)
	case c >= 'v' && c <= 'z':
		return int(c - 'v' + 27)
	default:
		return -1
	}
}
