package pool

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	// ValueAbsent means the device reported no data for the key.
	ValueAbsent ValueKind = iota

	// ValueNumber is a numeric scalar.
	ValueNumber

	// ValueString is a free-text scalar.
	ValueString

	// ValueComposite is a numeric state code with a descriptor, "3|PUMP_ANTI_FREEZE".
	ValueComposite
)

// String returns the kind label.
func (k ValueKind) String() string {
	switch k {
	case ValueAbsent:
		return "absent"
	case ValueNumber:
		return "number"
	case ValueString:
		return "string"
	case ValueComposite:
		return "composite"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// compositeSeparator splits a composite value into code and descriptor.
const compositeSeparator = "|"

// Value is one decoded device reading. The zero Value is Absent.
type Value struct {
	kind ValueKind
	num  float64
	str  string
}

// Absent returns the "no value present" reading.
func Absent() Value { return Value{} }

// Number returns a numeric reading.
func Number(f float64) Value { return Value{kind: ValueNumber, num: f} }

// Text returns a string reading.
func Text(s string) Value { return Value{kind: ValueString, str: s} }

// Composite returns a code|descriptor reading.
func Composite(code float64, descriptor string) Value {
	return Value{kind: ValueComposite, num: code, str: descriptor}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsAbsent() bool  { return v.kind == ValueAbsent }

// Float returns the numeric part of a Number or Composite.
func (v Value) Float() (float64, bool) {
	if v.kind == ValueNumber || v.kind == ValueComposite {
		return v.num, true
	}
	return 0, false
}

// Str returns the text of a String value.
func (v Value) Str() (string, bool) {
	if v.kind == ValueString {
		return v.str, true
	}
	return "", false
}

// Descriptor returns the descriptor of a Composite value.
func (v Value) Descriptor() (string, bool) {
	if v.kind == ValueComposite {
		return v.str, true
	}
	return "", false
}

// Equal reports whether v and o hold the same variant and payload.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.num == o.num && v.str == o.str
}

// String renders the value in the device's own notation.
func (v Value) String() string {
	switch v.kind {
	case ValueNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case ValueString:
		return v.str
	case ValueComposite:
		return strconv.FormatFloat(v.num, 'f', -1, 64) + compositeSeparator + v.str
	default:
		return ""
	}
}

type compositeJSON struct {
	Code       float64 `json:"code"`
	Descriptor string  `json:"descriptor"`
}

// MarshalJSON encodes Absent as null and Composite as {"code","descriptor"}.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ValueNumber:
		return json.Marshal(v.num)
	case ValueString:
		return json.Marshal(v.str)
	case ValueComposite:
		return json.Marshal(compositeJSON{Code: v.num, Descriptor: v.str})
	default:
		return []byte("null"), nil
	}
}

// DecodeReadings decodes a flat read-all body. The top level must be a JSON
// object; anything else is ErrDeviceProtocol. Individual fields never fail:
// unparseable or empty values become Absent or String.
func DecodeReadings(body []byte) (map[string]Value, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrDeviceProtocol)
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected JSON object, got %s", ErrDeviceProtocol, preview(trimmed))
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceProtocol, err)
	}

	out := make(map[string]Value, len(raw))
	for key, msg := range raw {
		if key == "" {
			continue
		}
		out[key] = decodeRaw(msg)
	}
	return out, nil
}

// decodeRaw maps one JSON field onto the Value union.
func decodeRaw(msg json.RawMessage) Value {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		return Absent()
	}

	switch msg[0] {
	case 'n':
		return Absent()
	case 't':
		return Number(1)
	case 'f':
		return Number(0)
	case '"':
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return Absent()
		}
		return ParseValue(s)
	case '[', '{':
		var container any
		if err := json.Unmarshal(msg, &container); err != nil {
			return Absent()
		}
		switch c := container.(type) {
		case []any:
			if len(c) == 0 {
				return Absent()
			}
		case map[string]any:
			if len(c) == 0 {
				return Absent()
			}
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, msg); err != nil {
			return Text(string(msg))
		}
		return Text(buf.String())
	default:
		f, err := strconv.ParseFloat(string(msg), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return Text(string(msg))
		}
		return Number(f)
	}
}

// ParseValue interprets a string field: empty and "[]" are Absent, "n|DESC"
// with a numeric left side is Composite, a finite number is Number, and
// anything else is String.
func ParseValue(s string) Value {
	s = strings.TrimSpace(s)
	switch s {
	case "", "[]", "{}":
		return Absent()
	}

	if code, desc, ok := strings.Cut(s, compositeSeparator); ok {
		if f, ok := parseFinite(strings.TrimSpace(code)); ok {
			desc = strings.TrimSpace(desc)
			if desc == "" {
				return Number(f)
			}
			return Composite(f, desc)
		}
		return Text(s)
	}

	if f, ok := parseFinite(s); ok {
		return Number(f)
	}
	return Text(s)
}

func parseFinite(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// preview returns a short quoted prefix of b for error messages.
func preview(b []byte) string {
	const limit = 32
	if len(b) > limit {
		return strconv.Quote(string(b[:limit])) + "..."
	}
	return strconv.Quote(string(b))
}
