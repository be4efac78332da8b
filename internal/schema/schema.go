// Package schema holds the declarative description of the relational model.
// Repositories and storage engines are generic over it: nothing outside this
// package knows table names, columns or relation wiring.
package schema

import (
	"fmt"
	"strings"
	"unicode"
)

type Kind int

const (
	KindInt Kind = iota
	KindString
	KindTime
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "Int"
	case KindString:
		return "String"
	case KindTime:
		return "DateTime"
	case KindJSON:
		return "Json"
	}
	return "Unknown"
}

// Numeric reports whether _avg and _sum apply to the kind.
func (k Kind) Numeric() bool { return k == KindInt }

// Ordered reports whether _min, _max and range filters apply to the kind.
func (k Kind) Ordered() bool { return k != KindJSON }

type OnDelete int

const (
	Restrict OnDelete = iota
	Cascade
	SetNull
)

func (o OnDelete) SQL() string {
	switch o {
	case Cascade:
		return "CASCADE"
	case SetNull:
		return "SET NULL"
	}
	return "RESTRICT"
}

type Field struct {
	Name       string
	Column     string
	Kind       Kind
	Nullable   bool
	Unique     bool
	Searchable bool
	ReadOnly   bool
	Primary    bool
	// CreatedStamp fields default to the insert time.
	CreatedStamp bool
	// UpdatedStamp fields are set on insert and advanced on every update.
	UpdatedStamp bool
}

// HasDefault reports whether create may omit the field.
func (f *Field) HasDefault() bool {
	return f.Primary || f.Nullable || f.CreatedStamp || f.UpdatedStamp
}

func Int(name string) *Field      { return newField(name, KindInt) }
func DateTime(name string) *Field { return newField(name, KindTime) }
func JSON(name string) *Field     { return newField(name, KindJSON) }

// String fields take part in full-text search.
func String(name string) *Field {
	f := newField(name, KindString)
	f.Searchable = true
	return f
}

// ID is the auto-incrementing integer primary key.
func ID() *Field {
	f := newField("id", KindInt)
	f.Primary = true
	f.Unique = true
	f.ReadOnly = true
	return f
}

func CreatedAt() *Field {
	f := newField("createdAt", KindTime)
	f.CreatedStamp = true
	return f
}

func UpdatedAt() *Field {
	f := newField("updatedAt", KindTime)
	f.UpdatedStamp = true
	return f
}

func newField(name string, kind Kind) *Field {
	return &Field{Name: name, Column: snake(name), Kind: kind}
}

func (f *Field) Optional() *Field {
	f.Nullable = true
	return f
}

func (f *Field) WithUnique() *Field {
	f.Unique = true
	return f
}

type RelationKind int

const (
	ToOne RelationKind = iota
	ToMany
)

// Relation is one side of a foreign key. When LocalField is set this model
// holds the key (belongs-to); otherwise RemoteField on Target points back at
// this model's primary key.
type Relation struct {
	Name        string
	Target      string
	Kind        RelationKind
	LocalField  string
	RemoteField string
	OnDelete    OnDelete
}

func (r *Relation) Owning() bool { return r.LocalField != "" }

// BelongsTo declares the owning side: field on this model references target.
func BelongsTo(name, target, field string, onDelete OnDelete) *Relation {
	return &Relation{Name: name, Target: target, Kind: ToOne, LocalField: field, OnDelete: onDelete}
}

func HasMany(name, target, remoteField string) *Relation {
	return &Relation{Name: name, Target: target, Kind: ToMany, RemoteField: remoteField}
}

func HasOne(name, target, remoteField string) *Relation {
	return &Relation{Name: name, Target: target, Kind: ToOne, RemoteField: remoteField}
}

type Model struct {
	Name      string
	Table     string
	Fields    []*Field
	Relations []*Relation
	// Immutable models reject updates once a row is created.
	Immutable bool

	schema    *Schema
	fields    map[string]*Field
	columns   map[string]*Field
	relations map[string]*Relation
}

func (m *Model) Schema() *Schema { return m.schema }

func (m *Model) Field(name string) (*Field, bool) {
	f, ok := m.fields[name]
	return f, ok
}

func (m *Model) FieldByColumn(column string) (*Field, bool) {
	f, ok := m.columns[column]
	return f, ok
}

func (m *Model) Relation(name string) (*Relation, bool) {
	r, ok := m.relations[name]
	return r, ok
}

func (m *Model) PrimaryKey() *Field {
	for _, f := range m.Fields {
		if f.Primary {
			return f
		}
	}
	return nil
}

func (m *Model) UniqueFields() []*Field {
	var out []*Field
	for _, f := range m.Fields {
		if f.Unique {
			out = append(out, f)
		}
	}
	return out
}

func (m *Model) FieldNames() []string {
	names := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		names[i] = f.Name
	}
	return names
}

func (m *Model) Columns() []string {
	cols := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		cols[i] = f.Column
	}
	return cols
}

// Target resolves the model on the other side of r.
func (m *Model) Target(r *Relation) *Model {
	return m.schema.models[r.Target]
}

func (m *Model) UpdatedStamp() *Field {
	for _, f := range m.Fields {
		if f.UpdatedStamp {
			return f
		}
	}
	return nil
}

// Reference is an owning relation on another model that points at a model.
type Reference struct {
	Model    *Model
	Relation *Relation
}

type Schema struct {
	models map[string]*Model
	order  []string
}

// New links the models and checks every relation resolves.
func New(models ...*Model) (*Schema, error) {
	s := &Schema{models: make(map[string]*Model, len(models))}
	for _, m := range models {
		if _, dup := s.models[m.Name]; dup {
			return nil, fmt.Errorf("duplicate model %s", m.Name)
		}
		m.schema = s
		m.fields = make(map[string]*Field, len(m.Fields))
		m.columns = make(map[string]*Field, len(m.Fields))
		m.relations = make(map[string]*Relation, len(m.Relations))
		for _, f := range m.Fields {
			m.fields[f.Name] = f
			m.columns[f.Column] = f
		}
		for _, r := range m.Relations {
			if _, clash := m.fields[r.Name]; clash {
				return nil, fmt.Errorf("%s.%s: relation name shadows a field", m.Name, r.Name)
			}
			m.relations[r.Name] = r
		}
		if m.PrimaryKey() == nil {
			return nil, fmt.Errorf("model %s has no primary key", m.Name)
		}
		s.models[m.Name] = m
		s.order = append(s.order, m.Name)
	}

	for _, m := range models {
		for _, r := range m.Relations {
			target, ok := s.models[r.Target]
			if !ok {
				return nil, fmt.Errorf("%s.%s: unknown target %s", m.Name, r.Name, r.Target)
			}
			if r.Owning() {
				f, ok := m.fields[r.LocalField]
				if !ok || f.Kind != KindInt {
					return nil, fmt.Errorf("%s.%s: foreign key %s must be an Int field", m.Name, r.Name, r.LocalField)
				}
				if r.OnDelete == SetNull && !f.Nullable {
					return nil, fmt.Errorf("%s.%s: SET NULL needs a nullable foreign key", m.Name, r.Name)
				}
				continue
			}
			back := target.owningRelationTo(m.Name, r.RemoteField)
			if back == nil {
				return nil, fmt.Errorf("%s.%s: %s.%s does not reference %s", m.Name, r.Name, r.Target, r.RemoteField, m.Name)
			}
		}
	}
	return s, nil
}

func MustNew(models ...*Model) *Schema {
	s, err := New(models...)
	if err != nil {
		panic(err)
	}
	return s
}

func (m *Model) owningRelationTo(target, field string) *Relation {
	for _, r := range m.Relations {
		if r.Owning() && r.Target == target && r.LocalField == field {
			return r
		}
	}
	return nil
}

func (s *Schema) Model(name string) (*Model, bool) {
	m, ok := s.models[name]
	return m, ok
}

// Models returns the models in declaration order.
func (s *Schema) Models() []*Model {
	out := make([]*Model, len(s.order))
	for i, name := range s.order {
		out[i] = s.models[name]
	}
	return out
}

// ReferencesTo lists the owning relations on all models that point at target.
func (s *Schema) ReferencesTo(target string) []Reference {
	var refs []Reference
	for _, name := range s.order {
		m := s.models[name]
		for _, r := range m.Relations {
			if r.Owning() && r.Target == target {
				refs = append(refs, Reference{Model: m, Relation: r})
			}
		}
	}
	return refs
}

func snake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
