// Package search implements the search iterator: a lazy, paging- and
// referral-aware sequence of directory entries built on top of a
// directory session's retry logic.
//
// Grounded on nss-pam-ldapd's MYLDAP_SEARCH / myldap_get_entry (the
// submit/next split and the BINDONLY scope sentinel) and on
// go-ldap/v3's manual paging-control idiom, as used in the pack's
// croessner-ldapbench client.
package search

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Scope selects the LDAP search scope, plus the private BINDONLY
// sentinel used to run a session's bind as an operation without
// performing a real search.
type Scope int

// Recognized scopes.
const (
	ScopeBaseObject Scope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
	ScopeChildren
	ScopeBindOnly
)

func (s Scope) ldapScope() int {
	switch s {
	case ScopeSingleLevel:
		return ldap.ScopeSingleLevel
	case ScopeWholeSubtree:
		return ldap.ScopeWholeSubtree
	case ScopeChildren:
		return ldap.ScopeChildren
	default:
		return ldap.ScopeBaseObject
	}
}

// ErrDone is returned by Next when the iterator has no more entries.
var ErrDone = io.EOF

// ErrInvalidated is returned by Next on an iterator whose owning
// session has been closed or cleaned up.
var ErrInvalidated = errors.New("search: iterator invalidated")

// Directory is the subset of directory.Session a search iterator
// needs. Defined here (rather than imported from package directory)
// so directory can depend on search without a cycle.
type Directory interface {
	RetrySearch(op func(conn *ldap.Conn) error) error
	Touch()
	CloseIterator(it *Iterator)
}

// Entry is a borrowed view over one directory result entry,
// satisfying attrmap.Entry.
type Entry struct {
	dn    string
	attrs map[string][]string
}

// DN returns the entry's distinguished name.
func (e *Entry) DN() string { return e.dn }

// First returns the first value of attr, or "" if absent.
func (e *Entry) First(attr string) string {
	vs := e.attrs[attr]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// All returns every value of attr.
func (e *Entry) All(attr string) []string {
	return e.attrs[attr]
}

// Iterator is a lazy sequence of entries matching one search. At most
// MAX_SEARCHES_IN_SESSION iterators may be live per session; closing
// the owning session invalidates every iterator belonging to it.
type Iterator struct {
	dir       Directory
	base      string
	scope     Scope
	filter    string
	attrs     []string
	derefAttr string
	pageSize  int
	timelimit time.Duration

	cookie       []byte
	pending      []*ldap.Entry
	count        int
	valid        bool
	retryAllowed bool
	invalidated  bool
	closed       bool
}

// New builds an iterator. It does not contact the directory; the
// first Next call does.
func New(dir Directory, base string, scope Scope, filter string, attrs []string, derefAttr string, pageSize int, timelimit time.Duration) *Iterator {
	return &Iterator{
		dir:          dir,
		base:         base,
		scope:        scope,
		filter:       filter,
		attrs:        attrs,
		derefAttr:    derefAttr,
		pageSize:     pageSize,
		timelimit:    timelimit,
		retryAllowed: true,
	}
}

// Invalidate marks the iterator unusable; called by the owning
// session when it is closed or cleaned up.
func (it *Iterator) Invalidate() {
	it.invalidated = true
}

// Close releases the iterator from its session's outstanding-search
// table. Safe to call more than once.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.dir.CloseIterator(it)
}

// Next returns the next matching entry, ErrDone when the search is
// exhausted, ErrInvalidated if the owning session was closed, or any
// other error from the directory.
func (it *Iterator) Next() (*Entry, error) {
	if it.invalidated {
		return nil, ErrInvalidated
	}
	if it.closed {
		return nil, ErrDone
	}

	for len(it.pending) == 0 {
		if it.cookie != nil && len(it.cookie) == 0 && it.count > 0 {
			it.Close()
			return nil, ErrDone
		}
		if err := it.fetchPage(); err != nil {
			it.Close()
			if it.retryAllowed && isRetryableConnectionError(err) {
				it.retryAllowed = false
				if err2 := it.fetchPage(); err2 == nil {
					continue
				}
			}
			return nil, err
		}
		if len(it.pending) == 0 {
			it.Close()
			return nil, ErrDone
		}
	}

	raw := it.pending[0]
	it.pending = it.pending[1:]
	it.count++
	it.valid = true
	it.retryAllowed = false
	it.dir.Touch()

	return entryFromLDAP(raw), nil
}

// fetchPage runs one page (or, with paging disabled, the entire
// result) of the search through the session's retry logic.
func (it *Iterator) fetchPage() error {
	return it.dir.RetrySearch(func(conn *ldap.Conn) error {
		if it.scope == ScopeBindOnly {
			return nil
		}

		req := ldap.NewSearchRequest(
			it.base,
			it.scope.ldapScope(),
			ldap.NeverDerefAliases,
			0, int(it.timelimit/time.Second), false,
			it.filter,
			it.attrs,
			nil,
		)

		paging := it.pageSize > 0 && it.scope != ScopeBaseObject
		if paging {
			req.Controls = append(req.Controls, ldap.NewControlPaging(uint32(it.pageSize)).SetCookie(it.cookie))
		}
		if it.derefAttr != "" && !paging {
			// Dereference control for group/member: ask the server to
			// resolve each member reference's DN to its wire attribute
			// in a single round-trip, avoiding a per-member search.
			// Combining deref with paging is unspecified against
			// servers that don't support both at once, so paging wins
			// and the deref control is silently dropped, matching
			// nss-pam-ldapd's own behavior.
			req.Controls = append(req.Controls, &derefControl{attr: it.derefAttr})
		}

		res, err := conn.Search(req)
		if err != nil {
			return err
		}

		if it.pageSize > 0 && it.scope != ScopeBaseObject {
			page := ldap.FindControl(res.Controls, ldap.ControlTypePaging)
			if pc, ok := page.(*ldap.ControlPaging); ok && len(pc.Cookie) > 0 {
				it.cookie = pc.Cookie
			} else {
				it.cookie = []byte{}
			}
		} else {
			it.cookie = []byte{}
		}

		for _, entry := range res.Entries {
			if err := resolveRangedAttributes(conn, entry, it.attrs); err != nil {
				return err
			}
		}
		it.pending = res.Entries
		return nil
	})
}

// isRetryableConnectionError reports whether err belongs to the class
// of connection-type errors spec.md 4.G says should trigger one
// retry_search re-run: unavailable, server-down, timeout, protocol
// error, busy, unwilling, connect error, not-supported.
func isRetryableConnectionError(err error) bool {
	var le *ldap.Error
	if !errors.As(err, &le) {
		return true // dial/network errors arrive unwrapped
	}
	switch le.ResultCode {
	case ldap.LDAPResultUnavailable, ldap.LDAPResultBusy,
		ldap.LDAPResultUnwillingToPerform, ldap.LDAPResultProtocolError,
		ldap.LDAPResultUnavailableCriticalExtension,
		ldap.LDAPResultTimeLimitExceeded, ldap.LDAPResultOperationsError:
		return true
	default:
		return false
	}
}

func entryFromLDAP(raw *ldap.Entry) *Entry {
	attrs := make(map[string][]string, len(raw.Attributes))
	for _, a := range raw.Attributes {
		attrs[a.Name] = a.Values
	}
	return &Entry{dn: raw.DN, attrs: attrs}
}

// resolveRangedAttributes implements spec.md 4.G's ranged retrieval
// fallback: when the server returned "attr;range=N-M" instead of
// "attr" because the value list was truncated, issue repeated
// base-scope searches for "attr;range=M+1-*" until the range reaches
// its end, and union the results back onto the plain attribute name.
func resolveRangedAttributes(conn *ldap.Conn, entry *ldap.Entry, wanted []string) error {
	for _, attr := range wanted {
		rangedName, last, ok := findRangedAttribute(entry, attr)
		if !ok {
			continue
		}
		values := append([]string{}, entry.GetAttributeValues(rangedName)...)
		next := last + 1
		for {
			wantRange := fmt.Sprintf("%s;range=%d-*", attr, next)
			req := ldap.NewSearchRequest(entry.DN, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
				0, 0, false, "(objectClass=*)", []string{wantRange}, nil)
			res, err := conn.Search(req)
			if err != nil {
				return err
			}
			if len(res.Entries) == 0 {
				break
			}
			gotName, gotLast, more := findRangedAttribute(res.Entries[0], attr)
			if gotName == "" {
				// terminal range was returned as the plain attribute name
				values = append(values, res.Entries[0].GetAttributeValues(attr)...)
				break
			}
			values = append(values, res.Entries[0].GetAttributeValues(gotName)...)
			if !more {
				break
			}
			next = gotLast + 1
		}
		setAttributeValues(entry, attr, values)
	}
	return nil
}

// findRangedAttribute looks for an attribute on entry named
// "base;range=N-M" or "base;range=N-*" and returns its wire name and
// upper bound (0, false if M is "*", meaning this was the final
// chunk).
func findRangedAttribute(entry *ldap.Entry, base string) (name string, last int, hasMore bool) {
	prefix := base + ";range="
	for _, a := range entry.Attributes {
		if !strings.HasPrefix(a.Name, prefix) {
			continue
		}
		bounds := strings.TrimPrefix(a.Name, prefix)
		parts := strings.SplitN(bounds, "-", 2)
		if len(parts) != 2 {
			continue
		}
		if parts[1] == "*" {
			return a.Name, 0, false
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		return a.Name, n, true
	}
	return "", 0, false
}

// setAttributeValues replaces entry's stored values for attr with
// values, adding the attribute if absent.
func setAttributeValues(entry *ldap.Entry, attr string, values []string) {
	for i, a := range entry.Attributes {
		if a.Name == attr {
			entry.Attributes[i].Values = values
			return
		}
	}
	entry.Attributes = append(entry.Attributes, &ldap.EntryAttribute{Name: attr, Values: values})
}

// derefControl is a minimal LDAP dereference request control
// (draft-masarati-ldap-deref) asking the server to resolve DN-valued
// references in attr to the referenced entry's attributes inline.
type derefControl struct {
	attr string
}

const controlTypeDeref = "1.3.6.1.4.1.4203.666.5.16"

func (c *derefControl) GetControlType() string { return controlTypeDeref }

func (c *derefControl) String() string {
	return fmt.Sprintf("Dereference Control (attr=%s)", c.attr)
}

func (c *derefControl) Encode() *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, controlTypeDeref, "Control Type"))
	value := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Control Value")
	inner := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "DerefSpec")
	spec := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "DerefSpec")
	spec.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, c.attr, "derefAttr"))
	attrList := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "attributes")
	spec.AppendChild(attrList)
	inner.AppendChild(spec)
	value.Data.Write(inner.Bytes())
	packet.AppendChild(value)
	return packet
}
