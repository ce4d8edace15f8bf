package boltkv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/roach88/localstore/internal/kv"
)

const (
	tagNumber byte = 0x10
	tagString byte = 0x20
)

// encodeKey renders a normalized key so that bytes.Compare agrees with
// kv.CompareKeys. Encodings are self-delimiting and can be concatenated.
func encodeKey(k kv.Key) ([]byte, error) {
	switch v := k.(type) {
	case int64:
		return encodeNumber(float64(v)), nil
	case float64:
		return encodeNumber(v), nil
	case string:
		buf := make([]byte, 0, len(v)+3)
		buf = append(buf, tagString)
		for i := 0; i < len(v); i++ {
			if v[i] == 0x00 {
				buf = append(buf, 0x00, 0xFF)
				continue
			}
			buf = append(buf, v[i])
		}
		return append(buf, 0x00, 0x00), nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", k)
	}
}

func encodeNumber(f float64) []byte {
	bits := math.Float64bits(f)
	if f >= 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	buf := make([]byte, 9)
	buf[0] = tagNumber
	binary.BigEndian.PutUint64(buf[1:], bits)
	return buf
}

// decodeKey decodes one key from the front of b and returns the remainder.
func decodeKey(b []byte) (kv.Key, []byte, error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("empty key encoding")
	}
	switch b[0] {
	case tagNumber:
		if len(b) < 9 {
			return nil, nil, fmt.Errorf("short number key encoding")
		}
		bits := binary.BigEndian.Uint64(b[1:9])
		if bits&(1<<63) != 0 {
			bits ^= 1 << 63
		} else {
			bits = ^bits
		}
		k, err := kv.NormalizeKey(math.Float64frombits(bits))
		return k, b[9:], err
	case tagString:
		var out []byte
		for i := 1; i < len(b); i++ {
			if b[i] != 0x00 {
				out = append(out, b[i])
				continue
			}
			if i+1 >= len(b) {
				return nil, nil, fmt.Errorf("truncated string key encoding")
			}
			if b[i+1] == 0xFF {
				out = append(out, 0x00)
				i++
				continue
			}
			return string(out), b[i+2:], nil
		}
		return nil, nil, fmt.Errorf("unterminated string key encoding")
	default:
		return nil, nil, fmt.Errorf("unknown key tag 0x%02x", b[0])
	}
}

// inRange reports whether encoded key e satisfies r's bounds, given the
// encoded bounds lo and hi (nil when unbounded).
func inRange(e, lo, hi []byte, r *kv.KeyRange) bool {
	if lo != nil {
		c := bytes.Compare(e, lo)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if hi != nil {
		c := bytes.Compare(e, hi)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}

func encodeBounds(r *kv.KeyRange) (lo, hi []byte, err error) {
	if r == nil {
		return nil, nil, nil
	}
	if r.Lower != nil {
		if lo, err = encodeKey(r.Lower); err != nil {
			return nil, nil, err
		}
	}
	if r.Upper != nil {
		if hi, err = encodeKey(r.Upper); err != nil {
			return nil, nil, err
		}
	}
	return lo, hi, nil
}
