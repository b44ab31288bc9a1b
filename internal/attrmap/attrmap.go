// Package attrmap holds the per-database attribute-slot bindings that
// translate directory entries into the wire fields nsld's handlers
// serialize to clients.
//
// Ported from nss-pam-ldapd's nslcd/attmap.c: that file keeps one
// switch-per-selector accessor (base_get_var, scope_get_var, ...) over
// a fixed enum of databases. Go expresses the same idea as a map
// keyed by Database, which also gives iteration for free where the C
// original needed a second parallel table.
package attrmap

import (
	"errors"
	"fmt"

	"github.com/nsld/nsld/internal/dictset"
	"github.com/nsld/nsld/internal/expr"
)

// Database names one of the eleven lookup spaces nsld serves.
type Database string

// Recognized databases, per spec GLOSSARY.
const (
	Aliases   Database = "aliases"
	Ethers    Database = "ethers"
	Group     Database = "group"
	Hosts     Database = "hosts"
	Netgroup  Database = "netgroup"
	Networks  Database = "networks"
	Passwd    Database = "passwd"
	Protocols Database = "protocols"
	RPC       Database = "rpc"
	Services  Database = "services"
	Shadow    Database = "shadow"
)

// Databases lists every recognized database, in the order attmap.c
// declares its per-database external tables.
var Databases = []Database{
	Aliases, Ethers, Group, Hosts, Netgroup, Networks,
	Passwd, Protocols, RPC, Services, Shadow,
}

// ErrUnknownDatabase is returned for an unrecognized Database value.
var ErrUnknownDatabase = errors.New("attrmap: unknown database")

// ErrExpressionNotAllowed is returned when binding an expression to a
// slot that must hold a bare attribute name (a key-lookup attribute).
var ErrExpressionNotAllowed = errors.New("attrmap: expression not allowed on this slot")

// ErrInvalidMemberSlot is returned when binding group/member to
// anything other than the empty-string sentinel.
var ErrInvalidMemberSlot = errors.New("attrmap: member slot accepts only \"\"")

// Entry is the minimal view attrmap needs over a directory result
// entry: its DN and the first value of a named attribute.
type Entry interface {
	DN() string
	First(attr string) string
}

// Slot holds either a bare attribute name or a parsed expression. Only
// one of the two is set at a time.
type Slot struct {
	name       string
	expression string
	isExpr     bool
}

// literalSlot returns a Slot bound to a bare attribute name.
func literalSlot(name string) Slot {
	return Slot{name: name}
}

// noFetchSlot is the sentinel meaning "don't fetch this attribute" —
// used for group/member when set to "".
var noFetchSlot = Slot{name: ""}

// slotKind describes whether a named slot may be bound to an
// expression, is restricted to the no-fetch sentinel, or is an
// ordinary literal-or-expression slot.
type slotKind int

const (
	kindLiteralOrExpr slotKind = iota
	kindKeyLookupOnly          // key-lookup attributes: never an expression
	kindMemberOnly             // group/member: literal name or "" only
)

// schema lists, per database, the recognized slot names and their
// binding kind. Key-lookup attributes (the ones a filter is built
// from) are always kindKeyLookupOnly, matching spec.md 4.D's rule
// that no key-lookup attribute may be bound to an expression.
var schema = map[Database]map[string]slotKind{
	Passwd: {
		"uid":            kindKeyLookupOnly,
		"userPassword":   kindLiteralOrExpr,
		"uidNumber":      kindKeyLookupOnly,
		"gidNumber":      kindKeyLookupOnly,
		"gecos":          kindLiteralOrExpr,
		"homeDirectory":  kindLiteralOrExpr,
		"loginShell":     kindLiteralOrExpr,
	},
	Shadow: {
		"uid":                    kindKeyLookupOnly,
		"userPassword":           kindLiteralOrExpr,
		"shadowLastChange":       kindLiteralOrExpr,
		"shadowMin":              kindLiteralOrExpr,
		"shadowMax":              kindLiteralOrExpr,
		"shadowWarning":          kindLiteralOrExpr,
		"shadowInactive":         kindLiteralOrExpr,
		"shadowExpire":           kindLiteralOrExpr,
		"shadowFlag":             kindLiteralOrExpr,
	},
	Group: {
		"cn":        kindKeyLookupOnly,
		"userPassword": kindLiteralOrExpr,
		"gidNumber": kindKeyLookupOnly,
		"member":    kindMemberOnly,
	},
	Hosts: {
		"cn":          kindKeyLookupOnly,
		"ipHostNumber": kindLiteralOrExpr,
	},
	Networks: {
		"cn":             kindKeyLookupOnly,
		"ipNetworkNumber": kindLiteralOrExpr,
	},
	Protocols: {
		"cn":                kindKeyLookupOnly,
		"ipProtocolNumber": kindKeyLookupOnly,
	},
	RPC: {
		"cn":           kindKeyLookupOnly,
		"oncRpcNumber": kindKeyLookupOnly,
	},
	Services: {
		"cn":                kindKeyLookupOnly,
		"ipServicePort":     kindKeyLookupOnly,
		"ipServiceProtocol": kindKeyLookupOnly,
	},
	Ethers: {
		"cn":              kindKeyLookupOnly,
		"macAddress":      kindKeyLookupOnly,
	},
	Aliases: {
		"cn":              kindKeyLookupOnly,
		"rfc822MailMember": kindLiteralOrExpr,
	},
	Netgroup: {
		"cn":              kindKeyLookupOnly,
		"nisNetgroupTriple": kindLiteralOrExpr,
		"memberNisNetgroup": kindLiteralOrExpr,
	},
}

// Map holds the bound slots for one database.
type Map struct {
	database Database
	slots    map[string]Slot
}

// NewMap returns a Map for database with every recognized slot bound
// to its conventional LDAP attribute name (the nss-pam-ldapd default
// schema mapping). Callers override individual slots with Bind as the
// configuration file's `map` keyword is parsed.
func NewMap(database Database) (*Map, error) {
	slotKinds, ok := schema[database]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDatabase, database)
	}
	m := &Map{database: database, slots: make(map[string]Slot, len(slotKinds))}
	for name, kind := range slotKinds {
		if kind == kindMemberOnly {
			m.slots[name] = literalSlot(name)
			continue
		}
		m.slots[name] = literalSlot(name)
	}
	return m, nil
}

// Bind assigns value (a bare attribute name, or a double-quoted
// expression) to slot. It rejects expressions on key-lookup slots and
// enforces the group/member "" sentinel.
func (m *Map) Bind(slot, value string) error {
	kind, ok := schema[m.database][slot]
	if !ok {
		return fmt.Errorf("attrmap: %s has no slot %q", m.database, slot)
	}

	quoted, expression := unquote(value)

	switch kind {
	case kindMemberOnly:
		if quoted && expression == "" {
			m.slots[slot] = noFetchSlot
			return nil
		}
		if !quoted {
			m.slots[slot] = literalSlot(value)
			return nil
		}
		return ErrInvalidMemberSlot

	case kindKeyLookupOnly:
		if quoted {
			return fmt.Errorf("%w: %s/%s", ErrExpressionNotAllowed, m.database, slot)
		}
		m.slots[slot] = literalSlot(value)
		return nil

	default: // kindLiteralOrExpr
		if quoted {
			if _, err := expr.VariablesOf(expression); err != nil {
				return fmt.Errorf("attrmap: %s/%s: %w", m.database, slot, err)
			}
			m.slots[slot] = Slot{expression: expression, isExpr: true}
			return nil
		}
		m.slots[slot] = literalSlot(value)
		return nil
	}
}

// unquote reports whether value is wrapped in double quotes and, if
// so, returns the interior text. Configuration-file values are
// double-quoted to mark them as expressions per spec.md 4.D.
func unquote(value string) (bool, string) {
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		return true, value[1 : len(value)-1]
	}
	return false, value
}

// entryExpander adapts an Entry into an expr.Expander: "dn" resolves
// to the entry's distinguished name, any other name to the entry's
// first value for that attribute.
func entryExpander(e Entry) expr.Expander {
	return func(name string) string {
		if name == "dn" {
			return e.DN()
		}
		return e.First(name)
	}
}

// GetValue returns the slot's value for entry: either the entry's
// first raw value for a literal slot, or the result of evaluating the
// slot's expression against entry. An unbound or no-fetch slot yields
// "", nil.
func (m *Map) GetValue(entry Entry, slot string) (string, error) {
	s, ok := m.slots[slot]
	if !ok || s.name == "" && !s.isExpr {
		return "", nil
	}
	if s.isExpr {
		return expr.Expand(s.expression, entryExpander(entry))
	}
	return entry.First(s.name), nil
}

// AddReferenced adds to set either slot's raw attribute name, or (for
// an expression slot) every variable its expression references. Used
// to build the attribute list requested from the directory for a
// search.
func (m *Map) AddReferenced(set *dictset.Set, slot string) error {
	s, ok := m.slots[slot]
	if !ok || (s.name == "" && !s.isExpr) {
		return nil
	}
	if !s.isExpr {
		set.Add(s.name)
		return nil
	}
	vars, err := expr.VariablesOf(s.expression)
	if err != nil {
		return err
	}
	for _, name := range vars.Keys() {
		if name != "dn" {
			set.Add(name)
		}
	}
	return nil
}

// RawName returns the bare attribute name bound to slot, or "" if the
// slot holds an expression or the no-fetch sentinel. Handlers that
// must know the literal wire attribute (e.g. to attach a dereference
// control for group/member) use this instead of GetValue.
func (m *Map) RawName(slot string) string {
	s, ok := m.slots[slot]
	if !ok || s.isExpr {
		return ""
	}
	return s.name
}

// IsNoFetch reports whether slot is bound to the "don't fetch"
// sentinel (only meaningful for group/member).
func (m *Map) IsNoFetch(slot string) bool {
	s, ok := m.slots[slot]
	return ok && !s.isExpr && s.name == "" && slot == "member"
}

// Database returns the database this Map is bound to.
func (m *Map) Database() Database {
	return m.database
}
