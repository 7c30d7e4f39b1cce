// Package relation resolves foreign keys across a set of introspected
// tables into named bidirectional relations. The graph is built once,
// after every table catalog has been loaded, and is immutable afterwards.
package relation

import (
	"fmt"
	"slices"

	"github.com/tablekit/tablekit/pkg/catalog"
)

// Kind distinguishes the two directions of a foreign key.
type Kind string

const (
	// BelongsTo is the owning side: this table holds the FK column.
	BelongsTo Kind = "belongs_to"
	// HasMany is the referenced side: the remote table holds the FK.
	HasMany Kind = "has_many"
)

// Relation is one directed edge of the graph, attached to the table it
// is navigable from.
type Relation struct {
	// Name is the derived relation name, unique per table.
	Name string
	Kind Kind
	// Table is the schema-qualified table this relation hangs off.
	Table string
	// Column is the local column involved: the FK column for
	// BelongsTo, the referenced (usually primary key) column for HasMany.
	Column string
	// RefTable is the schema-qualified remote table.
	RefTable string
	// RefColumn is the remote column: the referenced column for
	// BelongsTo, the remote FK column for HasMany.
	RefColumn string
	// OnUpdate and OnDelete are the referential action rules as
	// declared in the database (NO ACTION, CASCADE, SET NULL, ...).
	OnUpdate string
	OnDelete string
}

// Self reports whether the relation points back at its own table.
func (r Relation) Self() bool {
	return r.Table == r.RefTable
}

// Options carries the per-table relation configuration supplied at
// registration time.
type Options struct {
	// Names maps a FK column to an explicit relation name, required
	// when two columns reference the same table.
	Names map[string]string
	// Hidden lists columns that must not be used as relation keys;
	// foreign keys on hidden columns are silently omitted.
	Hidden []string
}

// Graph holds the linked relations for every registered table.
type Graph struct {
	relations map[string][]Relation
}

// Relations returns the relations navigable from table (schema-qualified).
func (g *Graph) Relations(table string) []Relation {
	return g.relations[table]
}

// Relation looks up a single relation by table and derived name.
func (g *Graph) Relation(table, name string) (Relation, bool) {
	for _, r := range g.relations[table] {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// Link builds the relation graph for the full set of registered tables,
// keyed by schema-qualified name. A foreign key referencing a table
// outside the set, or two relations deriving the same name on one
// table, is a configuration error.
func Link(tables map[string]*catalog.Table, opts map[string]Options) (*Graph, error) {
	g := &Graph{relations: make(map[string][]Relation)}

	// Deterministic order so naming collisions surface the same way
	// on every start.
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, owner := range names {
		t := tables[owner]
		opt := opts[owner]
		for _, fk := range t.ForeignKeys {
			if slices.Contains(opt.Hidden, fk.Column) {
				continue
			}

			// information_schema reports the referenced table without
			// its schema; foreign keys are resolved within the owning
			// table's schema.
			refKey := t.Schema + "." + fk.ReferencedTable
			ref, ok := tables[refKey]
			if !ok {
				return nil, fmt.Errorf("table %s: foreign key %s references %s, which is not linked", owner, fk.Column, refKey)
			}

			owning, reverse := deriveNames(t, ref, fk, opt)

			if err := g.add(Relation{
				Name:      owning,
				Kind:      BelongsTo,
				Table:     owner,
				Column:    fk.Column,
				RefTable:  refKey,
				RefColumn: fk.ReferencedColumn,
				OnUpdate:  fk.OnUpdate,
				OnDelete:  fk.OnDelete,
			}); err != nil {
				return nil, err
			}

			if err := g.add(Relation{
				Name:      reverse,
				Kind:      HasMany,
				Table:     refKey,
				Column:    fk.ReferencedColumn,
				RefTable:  owner,
				RefColumn: fk.Column,
				OnUpdate:  fk.OnUpdate,
				OnDelete:  fk.OnDelete,
			}); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

func (g *Graph) add(r Relation) error {
	for _, existing := range g.relations[r.Table] {
		if existing.Name == r.Name {
			return fmt.Errorf("table %s: relation name %q is ambiguous (columns %s and %s); set an explicit name", r.Table, r.Name, existing.localKey(), r.localKey())
		}
	}
	g.relations[r.Table] = append(g.relations[r.Table], r)
	return nil
}

func (r Relation) localKey() string {
	if r.Kind == BelongsTo {
		return r.Column
	}
	return r.RefTable + "." + r.RefColumn
}

// deriveNames produces the owning-side and reverse relation names for
// one foreign key. Defaults: singular of the target for the owning
// side, plural of the owner for the reverse. An explicit name from the
// disambiguation map replaces the owning name and prefixes the reverse
// so that two FKs into the same table stay distinguishable both ways.
// Self-references default to parent/children.
func deriveNames(owner, ref *catalog.Table, fk catalog.ForeignKey, opt Options) (owning, reverse string) {
	explicit := opt.Names[fk.Column]

	if owner.FullName() == ref.FullName() {
		if explicit != "" {
			return explicit, Plural(explicit)
		}
		return "parent", "children"
	}

	if explicit != "" {
		return explicit, explicit + "_" + Plural(owner.Name)
	}
	return Singular(ref.Name), Plural(owner.Name)
}
