package mardao

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/mattiaslevin/mardao/geo"
	"github.com/mattiaslevin/mardao/store"
)

// DefaultGeoboxesColumn holds the geobox hashes of located entities.
const DefaultGeoboxesColumn = "geoboxes"

// Property is a typed accessor pair for one column of T.
// A Property with nil Get or Set is absent.
type Property[T, V any] struct {
	Name string
	Get  func(T) V
	Set  func(T, V)
}

func (p Property[T, V]) present() bool { return p.Name != "" && p.Get != nil && p.Set != nil }

// Column erases p's value type. Set coerces store-widened values back to V.
func (p Property[T, V]) Column() Column[T] {
	return Column[T]{
		Name: p.Name,
		Get:  func(d T) any { return p.Get(d) },
		Set: func(d T, v any) error {
			cv, err := convert[V](v)
			if err != nil {
				return err
			}
			p.Set(d, cv)
			return nil
		},
	}
}

// Column is an untyped column accessor, as stored in Mapper.Columns.
type Column[T any] struct {
	Name string
	Get  func(T) any
	Set  func(T, any) error
}

// Field builds a Column from typed accessors.
func Field[T, V any](name string, get func(T) V, set func(T, V)) Column[T] {
	return Property[T, V]{Name: name, Get: get, Set: set}.Column()
}

// Mapper describes how a domain type T maps onto store records. ID is the
// type of the simple key; the zero ID means the key is not yet allocated.
type Mapper[T any, ID ~int64 | ~string] struct {
	Kind string
	New  func() T

	SimpleKey    func(T) ID
	SetSimpleKey func(T, ID)
	// Optional; entities without them are top-level.
	ParentKey    func(T) *store.Key
	SetParentKey func(T, *store.Key)

	Columns []Column[T]

	// Optional audit fields, stamped by ToCore.
	CreatedBy   Property[T, string]
	CreatedDate Property[T, time.Time]
	UpdatedBy   Property[T, string]
	UpdatedDate Property[T, time.Time]

	// Location reports where an entity is, if anywhere. Required for geo queries.
	Location       func(T) (geo.Point, bool)
	GeoboxesColumn string // "" => DefaultGeoboxesColumn
}

// Validate checks that the mapper can be used by a Dao.
func (m *Mapper[T, ID]) Validate() error {
	switch {
	case m.Kind == "":
		return fmt.Errorf("%w: mapper has no kind", ErrInvalidArgument)
	case m.New == nil:
		return fmt.Errorf("%w: %s mapper has no constructor", ErrInvalidArgument, m.Kind)
	case m.SimpleKey == nil || m.SetSimpleKey == nil:
		return fmt.Errorf("%w: %s mapper has no simple key accessors", ErrInvalidArgument, m.Kind)
	case (m.ParentKey == nil) != (m.SetParentKey == nil):
		return fmt.Errorf("%w: %s mapper has only one parent key accessor", ErrInvalidArgument, m.Kind)
	}
	seen := map[string]bool{m.geoboxesColumn(): true, store.KeyColumn: true}
	for _, c := range m.columns() {
		if c.Name == "" || c.Get == nil || c.Set == nil {
			return fmt.Errorf("%w: %s mapper has an incomplete column %q", ErrInvalidArgument, m.Kind, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: %s mapper declares column %q twice", ErrInvalidArgument, m.Kind, c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// columns is Columns followed by the present audit fields.
func (m *Mapper[T, ID]) columns() []Column[T] {
	out := make([]Column[T], 0, len(m.Columns)+4)
	out = append(out, m.Columns...)
	if m.CreatedBy.present() {
		out = append(out, m.CreatedBy.Column())
	}
	if m.CreatedDate.present() {
		out = append(out, m.CreatedDate.Column())
	}
	if m.UpdatedBy.present() {
		out = append(out, m.UpdatedBy.Column())
	}
	if m.UpdatedDate.present() {
		out = append(out, m.UpdatedDate.Column())
	}
	return out
}

// ColumnNames lists mapped columns in declaration order, audit fields last.
func (m *Mapper[T, ID]) ColumnNames() []string {
	cols := m.columns()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

func (m *Mapper[T, ID]) column(name string) (Column[T], error) {
	for _, c := range m.columns() {
		if c.Name == name {
			return c, nil
		}
	}
	return Column[T]{}, fmt.Errorf("%w: %s.%s", ErrUnknownProperty, m.Kind, name)
}

// Get reads a column by name.
func (m *Mapper[T, ID]) Get(d T, name string) (any, error) {
	c, err := m.column(name)
	if err != nil {
		return nil, err
	}
	return c.Get(d), nil
}

// Set writes a column by name, coercing v to the column type.
func (m *Mapper[T, ID]) Set(d T, name string, v any) error {
	c, err := m.column(name)
	if err != nil {
		return err
	}
	if err := c.Set(d, v); err != nil {
		return fmt.Errorf("mardao: set %s.%s: %w", m.Kind, name, err)
	}
	return nil
}

func (m *Mapper[T, ID]) geoboxesColumn() string {
	if m.GeoboxesColumn == "" {
		return DefaultGeoboxesColumn
	}
	return m.GeoboxesColumn
}

// Key returns the primary key of d, incomplete when d has no simple key yet.
func (m *Mapper[T, ID]) Key(d T) *store.Key {
	var parent *store.Key
	if m.ParentKey != nil {
		parent = m.ParentKey(d)
	}
	return keyOf(m.Kind, parent, m.SimpleKey(d))
}

// ToCore converts d into a record. Unset created fields are stamped with
// principal and now; updated fields are always overwritten. When hasher is set
// and d has a location, the geobox column holds every geobox of the location.
func (m *Mapper[T, ID]) ToCore(d T, principal string, now time.Time, hasher *geo.Hasher) *store.Record {
	if m.CreatedBy.present() && m.CreatedBy.Get(d) == "" {
		m.CreatedBy.Set(d, principal)
	}
	if m.CreatedDate.present() && m.CreatedDate.Get(d).IsZero() {
		m.CreatedDate.Set(d, now)
	}
	if m.UpdatedBy.present() {
		m.UpdatedBy.Set(d, principal)
	}
	if m.UpdatedDate.present() {
		m.UpdatedDate.Set(d, now)
	}

	rec := store.NewRecord(m.Key(d))
	rec.AllocName = stringID[ID]()
	for _, c := range m.columns() {
		rec.Properties[c.Name] = c.Get(d)
	}
	if hasher != nil && m.Location != nil {
		if p, ok := m.Location(d); ok {
			rec.Properties[m.geoboxesColumn()] = hasher.Boxes(p)
		}
	}
	return rec
}

// ToDomain rebuilds a domain value from rec. Columns missing from the record
// keep their zero value. Failures are *MappingError.
func (m *Mapper[T, ID]) ToDomain(rec *store.Record) (T, error) {
	var zero T
	if rec == nil || rec.Key == nil {
		return zero, &MappingError{Kind: m.Kind, Err: errors.New("record has no key")}
	}
	d := m.New()
	if rv := reflect.ValueOf(&d).Elem(); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return zero, &MappingError{Kind: m.Kind, Err: errors.New("constructor returned nil")}
	}
	m.SetSimpleKey(d, idOf[ID](rec.Key))
	if m.SetParentKey != nil {
		m.SetParentKey(d, rec.Key.Parent)
	}
	for _, c := range m.columns() {
		v, ok := rec.Properties[c.Name]
		if !ok {
			continue
		}
		if err := c.Set(d, v); err != nil {
			return zero, &MappingError{Kind: m.Kind, Column: c.Name, Err: err}
		}
	}
	return d, nil
}

func stringID[ID ~int64 | ~string]() bool {
	return reflect.TypeFor[ID]().Kind() == reflect.String
}

func keyOf[ID ~int64 | ~string](kind string, parent *store.Key, id ID) *store.Key {
	k := store.IncompleteKey(kind, parent)
	rv := reflect.ValueOf(id)
	if rv.Kind() == reflect.String {
		k.Name = rv.String()
	} else {
		k.ID = rv.Int()
	}
	return k
}

func idOf[ID ~int64 | ~string](k *store.Key) ID {
	var id ID
	rv := reflect.ValueOf(&id).Elem()
	if rv.Kind() == reflect.String {
		rv.SetString(k.Name)
	} else {
		rv.SetInt(k.ID)
	}
	return id
}
