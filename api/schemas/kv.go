package schemas

import (
	"fmt"
	"math"
	"time"
)

// ValueKind enumerates the value types allowed in criteria and parameter maps.
// Keeping the kinds explicit preserves the runtime flexibility of a string
// keyed map without giving up type safety at the boundaries.
type ValueKind string

const (
	KindString    ValueKind = "string"
	KindNumber    ValueKind = "number"
	KindBool      ValueKind = "bool"
	KindTimestamp ValueKind = "timestamp"
)

// KVValue is a tagged value carried inside a KVMap. Exactly one payload field
// is meaningful, selected by Kind.
type KVValue struct {
	Kind ValueKind `json:"kind"`
	Str  string    `json:"str,omitempty"`
	Num  float64   `json:"num,omitempty"`
	Bool bool      `json:"bool,omitempty"`
	Time time.Time `json:"time,omitempty"`
}

func StringValue(s string) KVValue  { return KVValue{Kind: KindString, Str: s} }
func NumberValue(n float64) KVValue { return KVValue{Kind: KindNumber, Num: n} }
func BoolValue(b bool) KVValue      { return KVValue{Kind: KindBool, Bool: b} }
func TimeValue(t time.Time) KVValue { return KVValue{Kind: KindTimestamp, Time: t.UTC()} }

// Validate checks that the value carries a known kind.
func (v KVValue) Validate() error {
	switch v.Kind {
	case KindString, KindBool:
		return nil
	case KindNumber:
		if math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
			return fmt.Errorf("number value must be finite")
		}
		return nil
	case KindTimestamp:
		if v.Time.IsZero() {
			return fmt.Errorf("timestamp value must be set")
		}
		return nil
	default:
		return fmt.Errorf("unknown value kind %q", v.Kind)
	}
}

// Equal reports structural equality. Values of different kinds never match.
func (v KVValue) Equal(o KVValue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num
	case KindBool:
		return v.Bool == o.Bool
	case KindTimestamp:
		return v.Time.Equal(o.Time)
	}
	return false
}

// Display renders the payload for logs and prompts.
func (v KVValue) Display() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return fmt.Sprintf("%g", v.Num)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindTimestamp:
		return v.Time.UTC().Format(time.RFC3339)
	}
	return ""
}

// KVMap is a schema-validated string keyed map used for both execution
// parameters and relevance criteria.
type KVMap map[string]KVValue

// Validate checks every entry; the map itself may be nil.
func (m KVMap) Validate() error {
	for k, v := range m {
		if k == "" {
			return fmt.Errorf("empty key")
		}
		if err := v.Validate(); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	return nil
}

// Clone returns an independent copy so functional updates never alias.
func (m KVMap) Clone() KVMap {
	if m == nil {
		return nil
	}
	out := make(KVMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
