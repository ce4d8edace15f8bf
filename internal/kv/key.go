package kv

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/roach88/localstore/internal/dberr"
)

// NormalizeKey converts a Go value into a Key.
// Integral numbers become int64, other numbers float64. Strings pass through.
func NormalizeKey(v any) (Key, error) {
	switch k := v.(type) {
	case string:
		return k, nil
	case int:
		return int64(k), nil
	case int32:
		return int64(k), nil
	case int64:
		return k, nil
	case uint32:
		return int64(k), nil
	case float32:
		return normalizeFloat(float64(k))
	case float64:
		return normalizeFloat(k)
	case json.Number:
		if i, err := k.Int64(); err == nil {
			return i, nil
		}
		f, err := k.Float64()
		if err != nil {
			return nil, dberr.Newf(dberr.CodeValidation, "normalize key", "invalid numeric key %q", k.String())
		}
		return normalizeFloat(f)
	case nil:
		return nil, dberr.New(dberr.CodeValidation, "normalize key", "key is null")
	default:
		return nil, dberr.Newf(dberr.CodeValidation, "normalize key", "unsupported key type %T", v)
	}
}

func normalizeFloat(f float64) (Key, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, dberr.Newf(dberr.CodeValidation, "normalize key", "invalid numeric key %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		return int64(f), nil
	}
	return f, nil
}

// CompareKeys orders two normalized keys: numbers before strings,
// numbers numerically, strings bytewise.
func CompareKeys(a, b Key) int {
	an, aNum := keyNumber(a)
	bn, bNum := keyNumber(b)
	switch {
	case aNum && bNum:
		ai, aInt := a.(int64)
		bi, bInt := b.(int64)
		if aInt && bInt {
			return cmp.Compare(ai, bi)
		}
		return cmp.Compare(an, bn)
	case aNum:
		return -1
	case bNum:
		return 1
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	return strings.Compare(as, bs)
}

func keyNumber(k Key) (float64, bool) {
	switch v := k.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// KeyRange bounds a key or index scan. A nil bound is unbounded.
type KeyRange struct {
	Lower     Key
	Upper     Key
	LowerOpen bool
	UpperOpen bool
}

// Only returns a range matching exactly one key.
func Only(k Key) *KeyRange {
	return &KeyRange{Lower: k, Upper: k}
}

// LowerBound returns a range of keys >= k (> k when open).
func LowerBound(k Key, open bool) *KeyRange {
	return &KeyRange{Lower: k, LowerOpen: open}
}

// UpperBound returns a range of keys <= k (< k when open).
func UpperBound(k Key, open bool) *KeyRange {
	return &KeyRange{Upper: k, UpperOpen: open}
}

// Bound returns a range between lower and upper.
func Bound(lower, upper Key, lowerOpen, upperOpen bool) *KeyRange {
	return &KeyRange{Lower: lower, Upper: upper, LowerOpen: lowerOpen, UpperOpen: upperOpen}
}

// Normalize returns a copy of r with normalized bounds.
func (r *KeyRange) Normalize() (*KeyRange, error) {
	if r == nil {
		return nil, nil
	}
	out := *r
	var err error
	if r.Lower != nil {
		if out.Lower, err = NormalizeKey(r.Lower); err != nil {
			return nil, err
		}
	}
	if r.Upper != nil {
		if out.Upper, err = NormalizeKey(r.Upper); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// Contains reports whether a normalized key lies within the range.
// A nil range contains every key.
func (r *KeyRange) Contains(k Key) bool {
	if r == nil {
		return true
	}
	if r.Lower != nil {
		c := CompareKeys(k, r.Lower)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if r.Upper != nil {
		c := CompareKeys(k, r.Upper)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}

var (
	namePattern    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	keyPathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// ValidateName checks a store or index name.
// Names are embedded in engine identifiers, so only [A-Za-z][A-Za-z0-9_]* is allowed.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return dberr.Newf(dberr.CodeValidation, "validate name", "invalid name %q", name)
	}
	return nil
}

// ValidateKeyPath checks a dotted key path such as "id" or "meta.owner".
func ValidateKeyPath(path string) error {
	if !keyPathPattern.MatchString(path) {
		return dberr.Newf(dberr.CodeValidation, "validate key path", "invalid key path %q", path)
	}
	return nil
}

// ExtractKey reads and normalizes the value at a dotted key path.
// Returns ok=false if any segment is missing or null.
func ExtractKey(rec Record, path string) (Key, bool, error) {
	var cur any = rec
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		cur, ok = m[seg]
		if !ok || cur == nil {
			return nil, false, nil
		}
	}
	k, err := NormalizeKey(cur)
	if err != nil {
		return nil, false, fmt.Errorf("key path %q: %w", path, err)
	}
	return k, true, nil
}

// InjectKey writes key at a dotted key path, creating intermediate objects.
func InjectKey(rec Record, path string, key Key) error {
	segs := strings.Split(path, ".")
	cur := rec
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok || next == nil {
			child := map[string]any{}
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return dberr.Newf(dberr.CodeValidation, "inject key", "key path %q crosses a non-object value", path)
		}
		cur = child
	}
	cur[segs[len(segs)-1]] = key
	return nil
}

// CloneRecord returns a deep copy of rec.
func CloneRecord(rec Record) Record {
	if rec == nil {
		return nil
	}
	return CloneValue(rec).(map[string]any)
}

// CloneValue deep-copies JSON-shaped values (maps, slices, scalars).
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = CloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = CloneValue(val)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}

// PrepareRecord clones rec for storage and resolves its primary key.
// For auto-increment stores with no key, next supplies one and it is injected.
func PrepareRecord(rec Record, keyPath string, next func() (int64, error)) (Record, Key, error) {
	if rec == nil {
		return nil, nil, dberr.New(dberr.CodeValidation, "prepare record", "record is nil")
	}
	out := CloneRecord(rec)
	key, ok, err := ExtractKey(out, keyPath)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		return out, key, nil
	}
	if next == nil {
		return nil, nil, dberr.Newf(dberr.CodeValidation, "prepare record", "record has no value at key path %q", keyPath)
	}
	n, err := next()
	if err != nil {
		return nil, nil, err
	}
	if err := InjectKey(out, keyPath, n); err != nil {
		return nil, nil, err
	}
	return out, n, nil
}
