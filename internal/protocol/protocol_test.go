package protocol_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/nsld/nsld/internal/protocol"
)

// memBuffer is a minimal protocol.Reader/Writer backed by an in-memory
// buffer, standing in for wire.Stream in tests that only exercise the
// codec functions, not real buffering/deadline behavior.
type memBuffer struct {
	bytes.Buffer
}

func (b *memBuffer) Read(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := readFull(&b.Buffer, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *memBuffer) Write(p []byte) error {
	_, err := b.Buffer.Write(p)
	return err
}

func readFull(buf *bytes.Buffer, out []byte) (int, error) {
	return buf.Read(out)
}

func TestUint32RoundTrip(t *testing.T) {
	buf := &memBuffer{}
	if err := protocol.WriteUint32(buf, 0xdeadbeef); err != nil {
		t.Fatalf("WriteUint32: %v", err)
	}
	got, err := protocol.ReadUint32(buf)
	if err != nil {
		t.Fatalf("ReadUint32: %v", err)
	}
	if got != 0xdeadbeef {
		t.Errorf("got %#x, want %#x", got, 0xdeadbeef)
	}
}

func TestStringRoundTrip(t *testing.T) {
	cases := []string{"", "hello", "with spaces and 日本語"}
	for _, s := range cases {
		buf := &memBuffer{}
		if err := protocol.WriteString(buf, s); err != nil {
			t.Fatalf("WriteString(%q): %v", s, err)
		}
		got, err := protocol.ReadString(buf)
		if err != nil {
			t.Fatalf("ReadString(%q): %v", s, err)
		}
		if got != s {
			t.Errorf("got %q, want %q", got, s)
		}
	}
}

func TestStringListRoundTrip(t *testing.T) {
	list := []string{"a", "bb", "", "ccc"}
	buf := &memBuffer{}
	if err := protocol.WriteStringList(buf, list); err != nil {
		t.Fatalf("WriteStringList: %v", err)
	}
	got, err := protocol.ReadStringList(buf)
	if err != nil {
		t.Fatalf("ReadStringList: %v", err)
	}
	if len(got) != len(list) {
		t.Fatalf("got %d entries, want %d", len(got), len(list))
	}
	for i := range list {
		if got[i] != list[i] {
			t.Errorf("entry %d: got %q, want %q", i, got[i], list[i])
		}
	}
}

func TestReadStringRejectsOversizedLength(t *testing.T) {
	buf := &memBuffer{}
	if err := protocol.WriteUint32(buf, 1<<21); err != nil {
		t.Fatalf("WriteUint32: %v", err)
	}
	if _, err := protocol.ReadString(buf); !errors.Is(err, protocol.ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed", err)
	}
}

func TestAddressRoundTrip(t *testing.T) {
	addr := protocol.Address{Family: protocol.AddrFamilyIPv4, Bytes: []byte{127, 0, 0, 1}}
	buf := &memBuffer{}
	if err := protocol.WriteAddress(buf, addr); err != nil {
		t.Fatalf("WriteAddress: %v", err)
	}
	got, err := protocol.ReadAddress(buf)
	if err != nil {
		t.Fatalf("ReadAddress: %v", err)
	}
	if got.Family != addr.Family || !bytes.Equal(got.Bytes, addr.Bytes) {
		t.Errorf("got %+v, want %+v", got, addr)
	}
}

func TestReadAddressRejectsOversizedLength(t *testing.T) {
	buf := &memBuffer{}
	if err := protocol.WriteUint32(buf, uint32(protocol.AddrFamilyIPv4)); err != nil {
		t.Fatalf("WriteUint32(family): %v", err)
	}
	if err := protocol.WriteUint32(buf, 17); err != nil {
		t.Fatalf("WriteUint32(len): %v", err)
	}
	if _, err := protocol.ReadAddress(buf); !errors.Is(err, protocol.ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed", err)
	}
}

func TestRequestResponseHeaderRoundTrip(t *testing.T) {
	buf := &memBuffer{}
	if err := protocol.WriteResponseHeader(buf, protocol.OpPasswdByName); err != nil {
		t.Fatalf("WriteResponseHeader: %v", err)
	}
	// WriteResponseHeader and ReadRequestHeader share the same
	// version+opcode wire layout.
	op, err := protocol.ReadRequestHeader(buf)
	if err != nil {
		t.Fatalf("ReadRequestHeader: %v", err)
	}
	if op != protocol.OpPasswdByName {
		t.Errorf("got opcode %v, want %v", op, protocol.OpPasswdByName)
	}
}

func TestReadRequestHeaderRejectsWrongVersion(t *testing.T) {
	buf := &memBuffer{}
	if err := protocol.WriteUint32(buf, protocol.Version+1); err != nil {
		t.Fatalf("WriteUint32(version): %v", err)
	}
	if err := protocol.WriteUint32(buf, uint32(protocol.OpConfigGet)); err != nil {
		t.Fatalf("WriteUint32(opcode): %v", err)
	}
	if _, err := protocol.ReadRequestHeader(buf); !errors.Is(err, protocol.ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed", err)
	}
}

func TestOpcodeStringKnownAndUnknown(t *testing.T) {
	if got := protocol.OpConfigGet.String(); got != "ConfigGet" {
		t.Errorf("OpConfigGet.String() = %q, want %q", got, "ConfigGet")
	}
	if got, want := protocol.Opcode(999999).String(), "Opcode(999999)"; got != want {
		t.Errorf("unknown opcode String() = %q, want %q", got, want)
	}
}

func TestWriteBeginAndTerminator(t *testing.T) {
	buf := &memBuffer{}
	if err := protocol.WriteBegin(buf); err != nil {
		t.Fatalf("WriteBegin: %v", err)
	}
	if err := protocol.WriteTerminator(buf, protocol.ResultNotFound); err != nil {
		t.Fatalf("WriteTerminator: %v", err)
	}

	marker, err := protocol.ReadUint32(buf)
	if err != nil {
		t.Fatalf("ReadUint32(marker): %v", err)
	}
	if marker != protocol.BeginMarker {
		t.Errorf("marker = %#x, want %#x", marker, protocol.BeginMarker)
	}

	result, err := protocol.ReadUint32(buf)
	if err != nil {
		t.Fatalf("ReadUint32(result): %v", err)
	}
	if protocol.Result(result) != protocol.ResultNotFound {
		t.Errorf("result = %v, want %v", protocol.Result(result), protocol.ResultNotFound)
	}
}
