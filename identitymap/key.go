package identitymap

import (
	"fmt"
	"math"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// Key identifies at most one live entity per transaction: the collection name
// plus the normalized primary key value. Keys are comparable and usable as
// map keys.
type Key struct {
	Collection string
	Value      any
}

func (k Key) String() string {
	if ck, ok := k.Value.(CompositeKey); ok {
		parts, err := ck.Parts()
		if err == nil {
			return fmt.Sprintf("%s%v", k.Collection, parts)
		}
	}
	return fmt.Sprintf("%s[%v]", k.Collection, k.Value)
}

// CompositeKey is the comparable form of a multi-column key: the msgpack
// encoding of its normalized parts.
type CompositeKey string

// Composite builds a CompositeKey from parts given in identity column order.
func Composite(parts ...any) (CompositeKey, error) {
	norm := make([]any, len(parts))
	for i, p := range parts {
		v, err := normalizeScalar(p)
		if err != nil {
			return "", fmt.Errorf("part %d: %w", i, err)
		}
		norm[i] = v
	}
	b, err := msgpack.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return CompositeKey(b), nil
}

// Parts decodes the key parts back into their normalized values.
func (k CompositeKey) Parts() ([]any, error) {
	var parts []any
	if err := msgpack.Unmarshal([]byte(k), &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	for i, p := range parts {
		v, err := normalizeScalar(p)
		if err != nil {
			return nil, err
		}
		parts[i] = v
	}
	return parts, nil
}

// NewKey normalizes id for this collection and returns its Key.
func (c *Collection) NewKey(id any) (Key, error) {
	v, err := c.NormalizeKey(id)
	if err != nil {
		return Key{}, err
	}
	return Key{Collection: c.name, Value: v}, nil
}

// NormalizeKey converts a raw key value into the canonical comparable form
// for the collection's key type: int64 for Int and Long, string for Text,
// CompositeKey for Composite. A []any is accepted for composite keys.
func (c *Collection) NormalizeKey(id any) (any, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: nil key for %s", ErrInvalidKey, c.name)
	}

	switch c.keyType {
	case KeyInt, KeyLong:
		n, ok := toInt64(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects an integer key, got %T", ErrInvalidKey, c.name, id)
		}
		if c.keyType == KeyInt && (n < math.MinInt32 || n > math.MaxInt32) {
			return nil, fmt.Errorf("%w: %d overflows int key of %s", ErrInvalidKey, n, c.name)
		}
		return n, nil
	case KeyText:
		switch v := id.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
		return nil, fmt.Errorf("%w: %s expects a text key, got %T", ErrInvalidKey, c.name, id)
	case KeyComposite:
		switch v := id.(type) {
		case CompositeKey:
			parts, err := v.Parts()
			if err != nil {
				return nil, err
			}
			if len(parts) != len(c.identity) {
				return nil, fmt.Errorf("%w: %s expects %d key parts, got %d", ErrInvalidKey, c.name, len(c.identity), len(parts))
			}
			return v, nil
		case []any:
			if len(v) != len(c.identity) {
				return nil, fmt.Errorf("%w: %s expects %d key parts, got %d", ErrInvalidKey, c.name, len(c.identity), len(v))
			}
			return Composite(v...)
		}
		return nil, fmt.Errorf("%w: %s expects a composite key, got %T", ErrInvalidKey, c.name, id)
	}
	return nil, fmt.Errorf("%w: unsupported key type %s", ErrInvalidKey, c.keyType)
}

// keyFromRow extracts the normalized key of a storage row.
func (c *Collection) keyFromRow(row Row) (Key, error) {
	if c.keyType != KeyComposite {
		return c.NewKey(row[c.identity[0]])
	}
	parts := make([]any, len(c.identity))
	for i, col := range c.identity {
		parts[i] = row[col]
	}
	return c.NewKey(parts)
}

// KeyColumns spreads a normalized key over the identity columns.
func (c *Collection) KeyColumns(key any) (Row, error) {
	if c.keyType != KeyComposite {
		return Row{c.identity[0]: key}, nil
	}
	ck, ok := key.(CompositeKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects a composite key, got %T", ErrInvalidKey, c.name, key)
	}
	parts, err := ck.Parts()
	if err != nil {
		return nil, err
	}
	if len(parts) != len(c.identity) {
		return nil, fmt.Errorf("%w: %s expects %d key parts, got %d", ErrInvalidKey, c.name, len(c.identity), len(parts))
	}
	row := make(Row, len(parts))
	for i, col := range c.identity {
		row[col] = parts[i]
	}
	return row, nil
}

func normalizeScalar(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil key part", ErrInvalidKey)
	case string, bool:
		return x, nil
	case []byte:
		return string(x), nil
	}
	if n, ok := toInt64(v); ok {
		return n, nil
	}
	return nil, fmt.Errorf("%w: unsupported key part %T", ErrInvalidKey, v)
}

func toInt64(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	}
	return 0, false
}

// KeyLess orders normalized key values: integers numerically, composite keys
// part by part, anything else by its printed form. Storage implementations
// scan in this order so "first matching row" means the same everywhere.
func KeyLess(a, b any) bool {
	if x, ok := a.(int64); ok {
		if y, ok := b.(int64); ok {
			return x < y
		}
	}
	if x, ok := a.(CompositeKey); ok {
		if y, ok := b.(CompositeKey); ok {
			xp, errX := x.Parts()
			yp, errY := y.Parts()
			if errX == nil && errY == nil {
				for i := 0; i < len(xp) && i < len(yp); i++ {
					if KeyLess(xp[i], yp[i]) {
						return true
					}
					if KeyLess(yp[i], xp[i]) {
						return false
					}
				}
				return len(xp) < len(yp)
			}
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}
