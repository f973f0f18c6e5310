package identitymap

import (
	"errors"
	"fmt"
	"slices"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// KeyType is the shape of a collection's primary key.
type KeyType int

const (
	KeyInt KeyType = iota + 1
	KeyLong
	KeyText
	KeyComposite
)

func (k KeyType) String() string {
	switch k {
	case KeyInt:
		return "int"
	case KeyLong:
		return "long"
	case KeyText:
		return "text"
	case KeyComposite:
		return "composite"
	default:
		return fmt.Sprintf("KeyType(%d)", int(k))
	}
}

// Reference declares that Column holds a foreign key into Target.
// TargetColumn is empty when the key points at Target's identity column.
type Reference struct {
	Column       string
	Target       *Collection
	TargetColumn string
	Optional     bool
}

func (r Reference) targetsIdentity() bool {
	return r.TargetColumn == "" || r.TargetColumn == r.Target.IdentityColumn()
}

// Collection describes a table-like source of entities: its stable name, the
// physical table, the identity column(s) and the columns entities carry.
// A Collection is immutable once built and safe to share.
type Collection struct {
	name       string
	table      string
	identity   []string
	keyType    KeyType
	columns    []string
	references []Reference
}

// CollectionOption configures a Collection under construction.
type CollectionOption func(*Collection)

// Table overrides the physical table name.
func Table(name string) CollectionOption {
	return func(c *Collection) {
		c.table = name
	}
}

// Identity declares a single identity column of the given key type. The
// column does not need to be called "id" nor come first in the table.
func Identity(column string, keyType KeyType) CollectionOption {
	return func(c *Collection) {
		c.identity = []string{column}
		c.keyType = keyType
	}
}

// CompositeIdentity declares an identity spanning several columns, in order.
func CompositeIdentity(columns ...string) CollectionOption {
	return func(c *Collection) {
		c.identity = append([]string(nil), columns...)
		c.keyType = KeyComposite
	}
}

// Columns declares plain value columns.
func Columns(names ...string) CollectionOption {
	return func(c *Collection) {
		c.columns = append(c.columns, names...)
	}
}

// References declares a required foreign key column pointing at target's identity.
func References(column string, target *Collection) CollectionOption {
	return func(c *Collection) {
		c.references = append(c.references, Reference{Column: column, Target: target})
	}
}

// OptionalReferences declares a nullable foreign key column pointing at target's identity.
func OptionalReferences(column string, target *Collection) CollectionOption {
	return func(c *Collection) {
		c.references = append(c.references, Reference{Column: column, Target: target, Optional: true})
	}
}

// ReferencesColumn declares a foreign key column that matches targetColumn of
// target rather than its identity. Resolution still yields the canonical entity.
func ReferencesColumn(column string, target *Collection, targetColumn string) CollectionOption {
	return func(c *Collection) {
		c.references = append(c.references, Reference{Column: column, Target: target, TargetColumn: targetColumn})
	}
}

// NewCollection builds and validates a collection descriptor. Identity
// defaults to an integer column named "id".
func NewCollection(name string, opts ...CollectionOption) (*Collection, error) {
	c := &Collection{name: name}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.identity) == 0 {
		c.identity = []string{"id"}
		c.keyType = KeyInt
	}
	if c.table == "" {
		c.table = tableName(name)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("collection %q: %w", name, err)
	}
	return c, nil
}

// MustCollection is NewCollection that panics on an invalid descriptor.
func MustCollection(name string, opts ...CollectionOption) *Collection {
	c, err := NewCollection(name, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Collection) validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.name, validation.Required),
		validation.Field(&c.table, validation.Required),
		validation.Field(&c.identity, validation.Required, validation.Each(validation.Required)),
		validation.Field(&c.keyType, validation.Required, validation.In(KeyInt, KeyLong, KeyText, KeyComposite)),
		validation.Field(&c.columns, validation.Each(validation.Required)),
	)
	if err != nil {
		return err
	}

	if (c.keyType == KeyComposite) != (len(c.identity) > 1) {
		return errors.New("composite key type requires more than one identity column")
	}

	seen := map[string]bool{}
	for _, col := range c.AllColumns() {
		if seen[col] {
			return fmt.Errorf("column %q declared twice", col)
		}
		seen[col] = true
	}

	for _, ref := range c.references {
		if ref.Column == "" {
			return errors.New("reference column is required")
		}
		if ref.Target == nil {
			return fmt.Errorf("reference %q has no target", ref.Column)
		}
		if ref.Target.keyType == KeyComposite {
			return fmt.Errorf("reference %q targets composite identity of %q", ref.Column, ref.Target.name)
		}
		if ref.TargetColumn != "" && !ref.Target.HasColumn(ref.TargetColumn) {
			return fmt.Errorf("reference %q targets unknown column %q of %q", ref.Column, ref.TargetColumn, ref.Target.name)
		}
	}
	return nil
}

// Name is the stable collection identifier used in keys.
func (c *Collection) Name() string { return c.name }

// TableName is the physical table name.
func (c *Collection) TableName() string { return c.table }

func (c *Collection) KeyType() KeyType { return c.keyType }

// IdentityColumns returns the identity columns in key order.
func (c *Collection) IdentityColumns() []string {
	return append([]string(nil), c.identity...)
}

// IdentityColumn returns the single identity column, or "" for composite keys.
func (c *Collection) IdentityColumn() string {
	if len(c.identity) != 1 {
		return ""
	}
	return c.identity[0]
}

// References returns the declared references.
func (c *Collection) References() []Reference {
	return append([]Reference(nil), c.references...)
}

// Reference returns the reference stored in column.
func (c *Collection) Reference(column string) (Reference, bool) {
	for _, ref := range c.references {
		if ref.Column == column {
			return ref, true
		}
	}
	return Reference{}, false
}

// AllColumns returns identity, value and reference columns.
func (c *Collection) AllColumns() []string {
	cols := make([]string, 0, len(c.identity)+len(c.columns)+len(c.references))
	cols = append(cols, c.identity...)
	cols = append(cols, c.columns...)
	for _, ref := range c.references {
		cols = append(cols, ref.Column)
	}
	return cols
}

func (c *Collection) HasColumn(column string) bool {
	return slices.Contains(c.AllColumns(), column)
}

func (c *Collection) isIdentity(column string) bool {
	return slices.Contains(c.identity, column)
}

func (c *Collection) String() string {
	return c.name
}
