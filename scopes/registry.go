// Package scopes loads the closed vocabulary of the service: visibility
// scopes, entity types, relationship types, statuses, and log types.
//
// The vocabulary is read from the store exactly once at startup and is
// immutable for the process lifetime. Identifiers are opaque stable tokens;
// every identifier referenced elsewhere in the data model must exist here.
package scopes

import (
	"context"
	"database/sql"

	"github.com/gnosisgraph/gnosis/errors"
)

// Section identifies one of the five vocabulary sections.
type Section string

const (
	SectionStatus           Section = "status"
	SectionScope            Section = "scope"
	SectionEntityType       Section = "entity_type"
	SectionRelationshipType Section = "relationship_type"
	SectionLogType          Section = "log_type"
)

// Sections lists every vocabulary section, in load order.
var Sections = []Section{
	SectionStatus,
	SectionScope,
	SectionEntityType,
	SectionRelationshipType,
	SectionLogType,
}

// Registry holds the loaded vocabulary. Read-only after Load; safe for
// concurrent use without locking.
type Registry struct {
	byName map[Section]map[string]string
	byID   map[Section]map[string]string
}

// Load populates all five sections from the backing store. It fails, with
// no partial state, if any section is empty or contains a duplicate name.
func Load(ctx context.Context, db *sql.DB) (*Registry, error) {
	r := &Registry{
		byName: make(map[Section]map[string]string, len(Sections)),
		byID:   make(map[Section]map[string]string, len(Sections)),
	}

	rows, err := db.QueryContext(ctx, "SELECT section, name, id FROM vocabulary")
	if err != nil {
		return nil, errors.WrapStore(err, "load vocabulary")
	}
	defer rows.Close()

	for rows.Next() {
		var section, name, id string
		if err := rows.Scan(&section, &name, &id); err != nil {
			return nil, errors.WrapStore(err, "scan vocabulary row")
		}

		sec := Section(section)
		if r.byName[sec] == nil {
			r.byName[sec] = make(map[string]string)
			r.byID[sec] = make(map[string]string)
		}
		if _, dup := r.byName[sec][name]; dup {
			return nil, errors.Newf("duplicate vocabulary name %q in section %q", name, section)
		}
		r.byName[sec][name] = id
		r.byID[sec][id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStore(err, "iterate vocabulary rows")
	}

	for _, sec := range Sections {
		if len(r.byName[sec]) == 0 {
			return nil, errors.Newf("vocabulary section %q is empty", sec)
		}
	}

	return r, nil
}

// Resolve maps a section name to its identifier. An unknown name is a
// client input error, never a server fault.
func (r *Registry) Resolve(section Section, name string) (string, error) {
	id, ok := r.byName[section][name]
	if !ok {
		return "", errors.Wrapf(errors.ErrUnknownEnum, "%s %q", section, name)
	}
	return id, nil
}

// NameOf maps an identifier back to its name within a section.
func (r *Registry) NameOf(section Section, id string) (string, error) {
	name, ok := r.byID[section][id]
	if !ok {
		return "", errors.Wrapf(errors.ErrUnknownEnum, "%s id %q", section, id)
	}
	return name, nil
}

// Has reports whether an identifier exists in a section.
func (r *Registry) Has(section Section, id string) bool {
	_, ok := r.byID[section][id]
	return ok
}

// Names returns the names of a section, for introspection endpoints.
func (r *Registry) Names(section Section) []string {
	names := make([]string, 0, len(r.byName[section]))
	for name := range r.byName[section] {
		names = append(names, name)
	}
	return names
}

// ResolveScopes maps a list of scope names to identifiers, failing on the
// first unknown name.
func (r *Registry) ResolveScopes(names []string) ([]string, error) {
	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, err := r.Resolve(SectionScope, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
