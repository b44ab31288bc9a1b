package handlers

import (
	"bytes"
	"testing"

	"github.com/nsld/nsld/internal/attrmap"
	"github.com/nsld/nsld/internal/config"
	"github.com/nsld/nsld/internal/dictset"
	"github.com/nsld/nsld/internal/protocol"
	"github.com/nsld/nsld/internal/search"
)

// memWriter is a minimal protocol.Reader/Writer backed by a byte
// buffer, so a written field can be read back in the same test.
type memWriter struct {
	bytes.Buffer
}

func (w *memWriter) Write(p []byte) error {
	_, err := w.Buffer.Write(p)
	return err
}

func (w *memWriter) Read(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := w.Buffer.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

func TestBuildFilterAllEntries(t *testing.T) {
	cfg := config.DefaultConfig()
	m := cfg.AttrMaps[attrmap.Passwd]

	got, err := buildFilter(cfg, m, attrmap.Passwd, "", "")
	if err != nil {
		t.Fatalf("buildFilter: %v", err)
	}
	if want := "(objectClass=posixAccount)"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuildFilterByKey(t *testing.T) {
	cfg := config.DefaultConfig()
	m := cfg.AttrMaps[attrmap.Passwd]

	got, err := buildFilter(cfg, m, attrmap.Passwd, "uid", "alice")
	if err != nil {
		t.Fatalf("buildFilter: %v", err)
	}
	if want := "(&(objectClass=posixAccount)(uid=alice))"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuildFilterEscapesKeyValue(t *testing.T) {
	cfg := config.DefaultConfig()
	m := cfg.AttrMaps[attrmap.Passwd]

	got, err := buildFilter(cfg, m, attrmap.Passwd, "uid", "a*b(c)")
	if err != nil {
		t.Fatalf("buildFilter: %v", err)
	}
	if want := `(&(objectClass=posixAccount)(uid=a\2ab\28c\29))`; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuildFilterRejectsExpressionKeySlot(t *testing.T) {
	cfg := config.DefaultConfig()
	m := cfg.AttrMaps[attrmap.Passwd]
	if err := m.Bind("uid", `"$username"`); err == nil {
		t.Fatalf("Bind should reject an expression on a key-lookup slot")
	}
}

func TestWantedAttributesGroupDeref(t *testing.T) {
	cfg := config.DefaultConfig()
	m := cfg.AttrMaps[attrmap.Group]

	attrs, derefAttr, err := wantedAttributes(m, []string{"cn", "gidNumber"}, true)
	if err != nil {
		t.Fatalf("wantedAttributes: %v", err)
	}
	if derefAttr != "member" {
		t.Errorf("derefAttr = %q, want %q", derefAttr, "member")
	}

	found := dictset.NewSet()
	for _, a := range attrs {
		found.Add(a)
	}
	for _, want := range []string{"cn", "gidNumber", "member"} {
		if !found.Contains(want) {
			t.Errorf("attrs %v missing %q", attrs, want)
		}
	}
}

func TestWantedAttributesNoFetchMemberSkipsDeref(t *testing.T) {
	cfg := config.DefaultConfig()
	m := cfg.AttrMaps[attrmap.Group]
	if err := m.Bind("member", `""`); err != nil {
		t.Fatalf("Bind member no-fetch: %v", err)
	}

	_, derefAttr, err := wantedAttributes(m, []string{"cn"}, true)
	if err != nil {
		t.Fatalf("wantedAttributes: %v", err)
	}
	if derefAttr != "" {
		t.Errorf("derefAttr = %q, want empty", derefAttr)
	}
}

func TestWriteFieldAndWriteUint(t *testing.T) {
	w := &memWriter{}
	if err := writeField(w, "hello"); err != nil {
		t.Fatalf("writeField: %v", err)
	}
	got, err := protocol.ReadString(w)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}

	w2 := &memWriter{}
	if err := writeUint(w2, "41", 1); err != nil {
		t.Fatalf("writeUint: %v", err)
	}
	n, err := protocol.ReadUint32(w2)
	if err != nil {
		t.Fatalf("ReadUint32: %v", err)
	}
	if n != 42 {
		t.Errorf("got %d, want 42", n)
	}
}

func TestWriteUintFallsBackToZeroOnGarbage(t *testing.T) {
	w := &memWriter{}
	if err := writeUint(w, "not-a-number", 0); err != nil {
		t.Fatalf("writeUint: %v", err)
	}
	n, err := protocol.ReadUint32(w)
	if err != nil {
		t.Fatalf("ReadUint32: %v", err)
	}
	if n != 0 {
		t.Errorf("got %d, want 0", n)
	}
}

func TestEffectiveBaseAndScope(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Base = "dc=example,dc=com"
	cfg.Scope = "sub"
	cfg.Bases[attrmap.Group] = "ou=groups,dc=example,dc=com"
	cfg.Scopes[attrmap.Group] = "one"

	if got := effectiveBase(cfg, attrmap.Passwd); got != "dc=example,dc=com" {
		t.Errorf("passwd base = %q, want global default", got)
	}
	if got := effectiveBase(cfg, attrmap.Group); got != "ou=groups,dc=example,dc=com" {
		t.Errorf("group base = %q, want per-database override", got)
	}
	if got := effectiveScope(cfg, attrmap.Passwd); got != search.ScopeWholeSubtree {
		t.Errorf("passwd scope = %v, want ScopeWholeSubtree", got)
	}
	if got := effectiveScope(cfg, attrmap.Group); got != search.ScopeSingleLevel {
		t.Errorf("group scope = %v, want ScopeSingleLevel", got)
	}
}

func TestTableRegistersCoreOpcodes(t *testing.T) {
	table := Table()
	for _, op := range []protocol.Opcode{
		protocol.OpConfigGet,
		protocol.OpPasswdByName,
		protocol.OpPasswdByUID,
		protocol.OpPasswdAll,
		protocol.OpGroupByName,
		protocol.OpGroupByMember,
		protocol.OpInitgroups,
		protocol.OpAuthenticate,
		protocol.OpAuthorize,
		protocol.OpSessionOpen,
		protocol.OpSessionClose,
		protocol.OpPasswordChange,
		protocol.OpUserModify,
	} {
		if _, ok := table[op]; !ok {
			t.Errorf("Table() missing handler for %v", op)
		}
	}
}
