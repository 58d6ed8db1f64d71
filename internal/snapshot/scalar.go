package snapshot

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"distsim/internal/types"
)

// decodeScalar turns a field's raw wire bytes into a JSON-friendly Go value,
// tagged by scalar kind so the document stays self-describing (spec §6:
// "scalars encoded by tag").
func decodeScalar(kind types.ScalarKind, raw []byte) (string, any, error) {
	switch kind {
	case types.Bool:
		if len(raw) < 1 {
			return "", nil, fmt.Errorf("snapshot: short bool value")
		}
		return "bool", raw[0] != 0, nil
	case types.Int64:
		if len(raw) < 8 {
			return "", nil, fmt.Errorf("snapshot: short int64 value")
		}
		return "i64", int64(binary.BigEndian.Uint64(raw)), nil
	case types.Float64:
		if len(raw) < 8 {
			return "", nil, fmt.Errorf("snapshot: short float64 value")
		}
		return "f64", math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
	case types.String:
		return "str", string(raw), nil
	case types.Bytes:
		return "bytes", base64.StdEncoding.EncodeToString(raw), nil
	default:
		return "", nil, fmt.Errorf("snapshot: unknown scalar kind %v", kind)
	}
}

// encodeScalar is decodeScalar's inverse, used by the initial-population
// loader and by convert's round trip.
func encodeScalar(kind types.ScalarKind, tag string, value any) ([]byte, error) {
	switch kind {
	case types.Bool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("snapshot: value for tag %q is not a bool", tag)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case types.Int64:
		f, ok := asFloat(value)
		if !ok {
			return nil, fmt.Errorf("snapshot: value for tag %q is not numeric", tag)
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(int64(f)))
		return buf, nil
	case types.Float64:
		f, ok := asFloat(value)
		if !ok {
			return nil, fmt.Errorf("snapshot: value for tag %q is not numeric", tag)
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(f))
		return buf, nil
	case types.String:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("snapshot: value for tag %q is not a string", tag)
		}
		return []byte(s), nil
	case types.Bytes:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("snapshot: value for tag %q is not base64 text", tag)
		}
		return base64.StdEncoding.DecodeString(s)
	default:
		return nil, fmt.Errorf("snapshot: unknown scalar kind %v", kind)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
