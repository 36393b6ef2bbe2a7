package correlation

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
)

// ID is the canonical string form of a request identifier. Numeric values
// are normalised so that 10, 10.0 and "10" share one ID.
type ID string

// IDOf canonicalises a wire value into an ID.
func IDOf(v any) (ID, bool) {
	switch val := v.(type) {
	case ID:
		return val, val != ""
	case string:
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return FromInt(n), true
		}
		return ID(val), val != ""
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return FromInt(n), true
		}
		if f, err := val.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
			return FromInt(int64(f)), true
		}
		return ID(val.String()), val != ""
	case int:
		return FromInt(int64(val)), true
	case int32:
		return FromInt(int64(val)), true
	case int64:
		return FromInt(val), true
	case uint32:
		return FromInt(int64(val)), true
	case uint64:
		if val > math.MaxInt64 {
			return ID(strconv.FormatUint(val, 10)), true
		}
		return FromInt(int64(val)), true
	case float64:
		if val != math.Trunc(val) || math.Abs(val) >= math.MaxInt64 {
			return "", false
		}
		return FromInt(int64(val)), true
	default:
		return "", false
	}
}

// FromInt returns the ID of an integer identifier.
func FromInt(n int64) ID {
	return ID(strconv.FormatInt(n, 10))
}

// String returns the ID as a string.
func (id ID) String() string {
	return string(id)
}

// Value returns the ID in its wire form: an int64 when numeric, else a string.
func (id ID) Value() any {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return n
	}
	return string(id)
}

// Generator allocates request identifiers. Each transport owns its own.
type Generator interface {
	Next() ID
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func() ID

// Next calls f.
func (f GeneratorFunc) Next() ID { return f() }

// Sequence hands out increasing integer identifiers.
type Sequence struct {
	n atomic.Int64
}

// NewSequence returns a Sequence whose first ID is start+1.
func NewSequence(start int64) *Sequence {
	s := &Sequence{}
	s.n.Store(start)
	return s
}

// Next returns the next identifier.
func (s *Sequence) Next() ID {
	return FromInt(s.n.Add(1))
}

// Random hands out 7-digit random identifiers, the venue's native style.
// Collisions are possible; callers retry on ErrDuplicateID.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom returns a seeded Random generator.
func NewRandom(seed uint64) *Random {
	return &Random{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Next returns a random identifier in [1, 10^7).
func (r *Random) Next() ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return FromInt(1 + r.rng.Int64N(9_999_999))
}
