// Package handlers implements the per-database and per-operation
// request handlers dispatched by opcode: the 5-step skeleton of
// spec.md 4.H (validate, build filter, search each base, extract wire
// fields, stream back to the client).
//
// Each database lookup is expressed as a lookupSpec record
// {parseKey, keySlot, format} rather than a virtual-dispatch
// hierarchy, per spec.md 9's note on function-pointer-based
// polymorphism — ported from nslcd's per-database myldap_* C files,
// which are themselves one function-pointer struct per database.
package handlers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/nsld/nsld/internal/attrmap"
	"github.com/nsld/nsld/internal/config"
	"github.com/nsld/nsld/internal/dictset"
	"github.com/nsld/nsld/internal/directory"
	"github.com/nsld/nsld/internal/protocol"
	"github.com/nsld/nsld/internal/search"
)

// maxFanoutEntries bounds unbounded fan-outs (initgroups, nested group
// expansion) so a cyclic or enormous directory cannot hang a worker
// forever.
const maxFanoutEntries = 4096

// Context bundles the per-request dependencies a handler needs: the
// parsed configuration, the worker's directory session, and the wire
// stream to write the response to.
type Context struct {
	Cfg  *config.Config
	Dir  *directory.Session
	W    protocol.Writer
	R    protocol.Reader
}

// Func is the shape of every opcode handler.
type Func func(ctx *Context) error

// Table is the opcode-indexed dispatch table, built once at startup.
func Table() map[protocol.Opcode]Func {
	t := map[protocol.Opcode]Func{
		protocol.OpConfigGet: handleConfigGet,

		protocol.OpInitgroups:     handleInitgroups,
		protocol.OpGroupByMember:  handleGroupByMember,

		protocol.OpAuthenticate:   handleAuthenticate,
		protocol.OpAuthorize:      handleAuthorize,
		protocol.OpSessionOpen:    handleSessionOpen,
		protocol.OpSessionClose:   handleSessionClose,
		protocol.OpPasswordChange: handlePasswordChange,
		protocol.OpUserModify:     handleUserModify,
	}
	for op, spec := range lookupSpecs {
		t[op] = spec.handle
	}
	return t
}

// effectiveBase returns the per-database base if configured, else the
// global default.
func effectiveBase(cfg *config.Config, db attrmap.Database) string {
	if b, ok := cfg.Bases[db]; ok && b != "" {
		return b
	}
	return cfg.Base
}

// effectiveScope returns the per-database scope if configured, else
// the global default, translated to a search.Scope.
func effectiveScope(cfg *config.Config, db attrmap.Database) search.Scope {
	s := cfg.Scope
	if override, ok := cfg.Scopes[db]; ok && override != "" {
		s = override
	}
	switch s {
	case "one":
		return search.ScopeSingleLevel
	case "base":
		return search.ScopeBaseObject
	case "children":
		return search.ScopeChildren
	default:
		return search.ScopeWholeSubtree
	}
}

// lookupSpec is the {parse_request, build_filter, format_entry} record
// for one byname/bynumber/all opcode.
type lookupSpec struct {
	database attrmap.Database
	// keySlot is the attribute-map slot the filter matches against, or
	// "" for an "all entries" opcode.
	keySlot string
	// parseKey reads the opcode-specific request fields and returns the
	// literal value to match keySlot against.
	parseKey func(r protocol.Reader) (string, error)
	// slots lists the attribute-map slots fetched and, in order,
	// written to the client for each matching entry.
	slots []string
	// format writes one entry's fields (excluding the BEGIN marker) to w.
	format func(w protocol.Writer, cfg *config.Config, m *attrmap.Map, e *search.Entry) error
	// wantsDeref, if true, attaches a dereference control for the
	// group/member slot when it is bound and not the no-fetch sentinel.
	wantsDeref bool
}

func (s *lookupSpec) handle(ctx *Context) error {
	var keyValue string
	if s.parseKey != nil {
		v, err := s.parseKey(ctx.R)
		if err != nil {
			return err
		}
		keyValue = v
	}

	m := ctx.Cfg.AttrMaps[s.database]
	if m == nil {
		return protocol.WriteTerminator(ctx.W, protocol.ResultNotFound)
	}

	filter, err := buildFilter(ctx.Cfg, m, s.database, s.keySlot, keyValue)
	if err != nil {
		return writeEmpty(ctx.W, protocol.ResultNotFound)
	}

	attrs, derefAttr, err := wantedAttributes(m, s.slots, s.wantsDeref)
	if err != nil {
		return err
	}

	it, err := ctx.Dir.Search(effectiveBase(ctx.Cfg, s.database), effectiveScope(ctx.Cfg, s.database), filter, attrs, derefAttr)
	if err != nil {
		return writeEmpty(ctx.W, protocol.ResultUnavail)
	}

	return streamEntries(ctx.W, it, func(e *search.Entry) error {
		return s.format(ctx.W, ctx.Cfg, m, e)
	})
}

// streamEntries drains it, writing a BEGIN-prefixed frame per entry via
// emit, then the appropriate terminator.
func streamEntries(w protocol.Writer, it *search.Iterator, emit func(*search.Entry) error) error {
	count := 0
	for {
		entry, err := it.Next()
		if err == search.ErrDone {
			break
		}
		if err == search.ErrInvalidated {
			return err
		}
		if err != nil {
			if count == 0 {
				return writeEmpty(w, protocol.ResultUnavail)
			}
			return protocol.WriteTerminator(w, protocol.ResultUnavail)
		}
		if err := protocol.WriteBegin(w); err != nil {
			return err
		}
		if err := emit(entry); err != nil {
			return err
		}
		count++
	}
	if count == 0 {
		return protocol.WriteTerminator(w, protocol.ResultNotFound)
	}
	return protocol.WriteTerminator(w, protocol.ResultSuccess)
}

func writeEmpty(w protocol.Writer, result protocol.Result) error {
	return protocol.WriteTerminator(w, result)
}

// buildFilter combines the database's configured filter template with
// an escaped key-equality clause, or returns the template unmodified
// for "all entries" opcodes.
func buildFilter(cfg *config.Config, m *attrmap.Map, db attrmap.Database, keySlot, keyValue string) (string, error) {
	template := cfg.Filters[db]
	if template == "" {
		template = "(objectClass=*)"
	}
	if keySlot == "" {
		return template, nil
	}
	attrName := m.RawName(keySlot)
	if attrName == "" {
		return "", fmt.Errorf("handlers: %s/%s has no literal attribute to filter on", db, keySlot)
	}
	return fmt.Sprintf("(&%s(%s=%s))", template, attrName, ldap.EscapeFilter(keyValue)), nil
}

// wantedAttributes builds the attribute list to request from the
// directory for the given slots, and, if wantsDeref is set and the
// group/member slot is bound to a real attribute, the name of that
// attribute to attach a dereference control for.
func wantedAttributes(m *attrmap.Map, slots []string, wantsDeref bool) ([]string, string, error) {
	set := dictset.NewSet()
	for _, slot := range slots {
		if err := m.AddReferenced(set, slot); err != nil {
			return nil, "", err
		}
	}
	var derefAttr string
	if wantsDeref && !m.IsNoFetch("member") {
		if name := m.RawName("member"); name != "" {
			derefAttr = name
			set.Add(name)
		}
	}
	return set.Keys(), derefAttr, nil
}

func writeField(w protocol.Writer, value string) error {
	return protocol.WriteString(w, value)
}

func writeUint(w protocol.Writer, value string, offset int32) error {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		n = 0
	}
	return protocol.WriteUint32(w, uint32(n+int64(offset)))
}
