// Package protocol defines the nsld wire protocol: opcodes, result
// codes, and the length-prefixed field encoding shared by every
// request handler. It is deliberately transport-agnostic — callers
// supply their own wire.Stream (or any io.Reader/io.Writer-shaped
// helper) to read and write frames.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the protocol version exchanged at the start of every
// request and response frame.
const Version uint32 = 1

// Opcode identifies the requested operation. Values are stable across
// releases since they appear on the wire.
type Opcode uint32

// Recognized opcodes, grouped as in spec.md §6.
const (
	OpConfigGet Opcode = iota + 1

	OpPasswdByName
	OpPasswdByUID
	OpPasswdAll

	OpGroupByName
	OpGroupByGID
	OpGroupByMember
	OpGroupAll

	OpHostByName
	OpHostByAddr
	OpHostAll

	OpNetworkByName
	OpNetworkByAddr
	OpNetworkAll

	OpProtocolByName
	OpProtocolByNumber
	OpProtocolAll

	OpRPCByName
	OpRPCByNumber
	OpRPCAll

	OpServiceByName
	OpServiceByNumber
	OpServiceAll

	OpEtherByName
	OpEtherByAddr
	OpEtherAll

	OpShadowByName
	OpShadowAll

	OpNetgroupByName
	OpNetgroupAll

	OpAliasByName
	OpAliasAll

	OpInitgroups

	OpAuthenticate
	OpAuthorize
	OpSessionOpen
	OpSessionClose
	OpPasswordChange
	OpUserModify
)

// String returns a human-readable opcode name, used in log lines.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", uint32(o))
}

var opcodeNames = map[Opcode]string{
	OpConfigGet:       "ConfigGet",
	OpPasswdByName:    "PasswdByName",
	OpPasswdByUID:     "PasswdByUID",
	OpPasswdAll:       "PasswdAll",
	OpGroupByName:     "GroupByName",
	OpGroupByGID:      "GroupByGID",
	OpGroupByMember:   "GroupByMember",
	OpGroupAll:        "GroupAll",
	OpHostByName:      "HostByName",
	OpHostByAddr:      "HostByAddr",
	OpHostAll:         "HostAll",
	OpNetworkByName:   "NetworkByName",
	OpNetworkByAddr:   "NetworkByAddr",
	OpNetworkAll:      "NetworkAll",
	OpProtocolByName:  "ProtocolByName",
	OpProtocolByNumber: "ProtocolByNumber",
	OpProtocolAll:     "ProtocolAll",
	OpRPCByName:       "RPCByName",
	OpRPCByNumber:     "RPCByNumber",
	OpRPCAll:          "RPCAll",
	OpServiceByName:   "ServiceByName",
	OpServiceByNumber: "ServiceByNumber",
	OpServiceAll:      "ServiceAll",
	OpEtherByName:     "EtherByName",
	OpEtherByAddr:     "EtherByAddr",
	OpEtherAll:        "EtherAll",
	OpShadowByName:    "ShadowByName",
	OpShadowAll:       "ShadowAll",
	OpNetgroupByName:  "NetgroupByName",
	OpNetgroupAll:     "NetgroupAll",
	OpAliasByName:     "AliasByName",
	OpAliasAll:        "AliasAll",
	OpInitgroups:      "Initgroups",
	OpAuthenticate:    "Authenticate",
	OpAuthorize:       "Authorize",
	OpSessionOpen:     "SessionOpen",
	OpSessionClose:    "SessionClose",
	OpPasswordChange:  "PasswordChange",
	OpUserModify:      "UserModify",
}

// Result is the terminator code ending a response stream.
type Result uint32

// Recognized result codes, per spec.md §6.
const (
	ResultSuccess  Result = 0
	ResultNotFound Result = 1
	ResultUnavail  Result = 2
	ResultTryAgain Result = 3
)

// BeginMarker precedes every streamed entry in a response.
const BeginMarker uint32 = 0x42454749 // "BEGI"

// ErrMalformed indicates a frame violated the wire format (bad magic,
// truncated length, oversized string). Per spec.md §7 these are wire
// errors: the connection is closed silently, no response is sent.
var ErrMalformed = errors.New("protocol: malformed frame")

// maxStringLen bounds string/list lengths accepted from the wire to
// guard against a hostile or corrupt peer requesting an enormous
// allocation.
const maxStringLen = 1 << 20

// Reader decodes protocol-framed values from an underlying byte source.
// wire.Stream satisfies this with its Read method.
type Reader interface {
	Read(n int) ([]byte, error)
}

// Writer encodes protocol-framed values to an underlying byte sink.
// wire.Stream satisfies this with its Write method.
type Writer interface {
	Write(p []byte) error
}

// ReadUint32 reads one 32-bit network-byte-order integer.
func ReadUint32(r Reader) (uint32, error) {
	b, err := r.Read(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// WriteUint32 writes one 32-bit network-byte-order integer.
func WriteUint32(w Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return w.Write(b[:])
}

// ReadString reads a length-prefixed string (no trailing NUL on the wire).
func ReadString(r Reader) (string, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("%w: string length %d exceeds limit", ErrMalformed, n)
	}
	if n == 0 {
		return "", nil
	}
	b, err := r.Read(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteString writes a length-prefixed string.
func WriteString(w Writer, s string) error {
	if err := WriteUint32(w, uint32(len(s))); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	return w.Write([]byte(s))
}

// ReadStringList reads a count-prefixed list of length-prefixed strings.
func ReadStringList(r Reader) ([]string, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxStringLen {
		return nil, fmt.Errorf("%w: list length %d exceeds limit", ErrMalformed, n)
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// WriteStringList writes a count-prefixed list of length-prefixed strings.
func WriteStringList(w Writer, list []string) error {
	if err := WriteUint32(w, uint32(len(list))); err != nil {
		return err
	}
	for _, s := range list {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

// AddressFamily identifies the family of an Address (hosts/networks records).
type AddressFamily uint32

// Recognized address families.
const (
	AddrFamilyIPv4 AddressFamily = 2
	AddrFamilyIPv6 AddressFamily = 10
)

// Address is the wire representation of an IP address: {family, length, bytes}.
type Address struct {
	Family AddressFamily
	Bytes  []byte
}

// ReadAddress reads one {family, length, bytes} address triple.
func ReadAddress(r Reader) (Address, error) {
	family, err := ReadUint32(r)
	if err != nil {
		return Address{}, err
	}
	n, err := ReadUint32(r)
	if err != nil {
		return Address{}, err
	}
	if n > 16 {
		return Address{}, fmt.Errorf("%w: address length %d exceeds 16", ErrMalformed, n)
	}
	b, err := r.Read(int(n))
	if err != nil {
		return Address{}, err
	}
	return Address{Family: AddressFamily(family), Bytes: b}, nil
}

// WriteAddress writes one {family, length, bytes} address triple.
func WriteAddress(w Writer, a Address) error {
	if err := WriteUint32(w, uint32(a.Family)); err != nil {
		return err
	}
	if err := WriteUint32(w, uint32(len(a.Bytes))); err != nil {
		return err
	}
	if len(a.Bytes) == 0 {
		return nil
	}
	return w.Write(a.Bytes)
}

// ReadRequestHeader reads the version+opcode prefix of a request frame.
// It returns ErrMalformed if the version does not match.
func ReadRequestHeader(r Reader) (Opcode, error) {
	version, err := ReadUint32(r)
	if err != nil {
		return 0, err
	}
	if version != Version {
		return 0, fmt.Errorf("%w: version %d, want %d", ErrMalformed, version, Version)
	}
	op, err := ReadUint32(r)
	if err != nil {
		return 0, err
	}
	return Opcode(op), nil
}

// WriteResponseHeader writes the version+opcode echo prefix of a response frame.
func WriteResponseHeader(w Writer, op Opcode) error {
	if err := WriteUint32(w, Version); err != nil {
		return err
	}
	return WriteUint32(w, uint32(op))
}

// WriteBegin writes the BEGIN marker that precedes one streamed entry.
func WriteBegin(w Writer) error {
	return WriteUint32(w, BeginMarker)
}

// WriteTerminator writes the response-ending result code.
func WriteTerminator(w Writer, result Result) error {
	return WriteUint32(w, uint32(result))
}
