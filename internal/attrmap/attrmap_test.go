package attrmap

import (
	"testing"

	"github.com/nsld/nsld/internal/dictset"
)

func newTestSet() *dictset.Set {
	return dictset.NewSet()
}

type fakeEntry struct {
	dn    string
	attrs map[string]string
}

func (e fakeEntry) DN() string { return e.dn }
func (e fakeEntry) First(attr string) string {
	return e.attrs[attr]
}

func TestNewMapDefaultBindings(t *testing.T) {
	m, err := NewMap(Passwd)
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	if got := m.RawName("uid"); got != "uid" {
		t.Fatalf("RawName(uid) = %q, want uid", got)
	}
}

func TestBindRejectsExpressionOnKeyLookup(t *testing.T) {
	m, _ := NewMap(Passwd)
	if err := m.Bind("uid", `"${uid}"`); err == nil {
		t.Fatalf("Bind(uid, expr) expected error")
	}
}

func TestBindLiteralOverride(t *testing.T) {
	m, _ := NewMap(Passwd)
	if err := m.Bind("uid", "sAMAccountName"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if got := m.RawName("uid"); got != "sAMAccountName" {
		t.Fatalf("RawName(uid) = %q, want sAMAccountName", got)
	}
}

func TestBindExpressionOnAllowedSlot(t *testing.T) {
	m, _ := NewMap(Passwd)
	if err := m.Bind("homeDirectory", `"/home/${uid}"`); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	entry := fakeEntry{dn: "uid=jdoe,ou=People,dc=test", attrs: map[string]string{"uid": "jdoe"}}
	got, err := m.GetValue(entry, "homeDirectory")
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if got != "/home/jdoe" {
		t.Fatalf("GetValue(homeDirectory) = %q, want /home/jdoe", got)
	}
}

func TestBindMemberSentinel(t *testing.T) {
	m, _ := NewMap(Group)
	if err := m.Bind("member", `""`); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !m.IsNoFetch("member") {
		t.Fatalf("IsNoFetch(member) = false, want true")
	}
}

func TestBindMemberRejectsNonEmptyExpression(t *testing.T) {
	m, _ := NewMap(Group)
	if err := m.Bind("member", `"uniqueMember"`); err == nil {
		t.Fatalf("Bind(member, quoted non-empty) expected error")
	}
}

func TestBindMemberAcceptsLiteralOverride(t *testing.T) {
	m, _ := NewMap(Group)
	if err := m.Bind("member", "uniqueMember"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if got := m.RawName("member"); got != "uniqueMember" {
		t.Fatalf("RawName(member) = %q, want uniqueMember", got)
	}
}

func TestGetValueLiteral(t *testing.T) {
	m, _ := NewMap(Passwd)
	entry := fakeEntry{dn: "uid=jdoe,ou=People,dc=test", attrs: map[string]string{"uid": "jdoe"}}
	got, err := m.GetValue(entry, "uid")
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if got != "jdoe" {
		t.Fatalf("GetValue(uid) = %q, want jdoe", got)
	}
}

func TestGetValueDNExpansion(t *testing.T) {
	m, _ := NewMap(Passwd)
	if err := m.Bind("gecos", `"${dn}"`); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	entry := fakeEntry{dn: "uid=jdoe,ou=People,dc=test"}
	got, err := m.GetValue(entry, "gecos")
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if got != entry.dn {
		t.Fatalf("GetValue(gecos) = %q, want %q", got, entry.dn)
	}
}

func TestAddReferencedLiteral(t *testing.T) {
	m, _ := NewMap(Passwd)
	set := newTestSet()
	if err := m.AddReferenced(set, "uid"); err != nil {
		t.Fatalf("AddReferenced: %v", err)
	}
	if !set.Contains("uid") {
		t.Fatalf("AddReferenced did not add uid")
	}
}

func TestAddReferencedExpressionVariables(t *testing.T) {
	m, _ := NewMap(Passwd)
	if err := m.Bind("homeDirectory", `"/home/${uid}/${gecos:-x}"`); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	set := newTestSet()
	if err := m.AddReferenced(set, "homeDirectory"); err != nil {
		t.Fatalf("AddReferenced: %v", err)
	}
	for _, want := range []string{"uid", "gecos"} {
		if !set.Contains(want) {
			t.Fatalf("AddReferenced missing %q", want)
		}
	}
}

func TestUnknownDatabase(t *testing.T) {
	if _, err := NewMap("bogus"); err == nil {
		t.Fatalf("NewMap(bogus) expected error")
	}
}
