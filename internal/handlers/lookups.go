package handlers

import (
	"fmt"
	"net"
	"strconv"

	"github.com/nsld/nsld/internal/attrmap"
	"github.com/nsld/nsld/internal/config"
	"github.com/nsld/nsld/internal/protocol"
	"github.com/nsld/nsld/internal/search"
)

// addrToString renders a wire Address the way the directory's
// ipHostNumber/ipNetworkNumber attributes store it: dotted-quad for
// IPv4, canonical text for IPv6.
func addrToString(a protocol.Address) string {
	return net.IP(a.Bytes).String()
}

// applyValidNames checks name against the configured valid-names
// pattern, per spec.md 4.H step 1. An empty pattern means unrestricted.
func applyValidNames(cfg *config.Config, name string) bool {
	if cfg.ValidNames == nil {
		return true
	}
	return cfg.ValidNames.MatchString(name)
}

func readAddrValue(r protocol.Reader) (string, error) {
	a, err := protocol.ReadAddress(r)
	if err != nil {
		return "", err
	}
	return addrToString(a), nil
}

func readStringValue(r protocol.Reader) (string, error) {
	return protocol.ReadString(r)
}

func readUint32Value(r protocol.Reader) (string, error) {
	n, err := protocol.ReadUint32(r)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(n), 10), nil
}

// simpleFields writes the literal value of each slot as a string field
// and returns the values for callers needing numeric post-processing.
func fetchFields(cfg *config.Config, m *attrmap.Map, e *search.Entry, slots []string) ([]string, error) {
	out := make([]string, len(slots))
	for i, slot := range slots {
		v, err := m.GetValue(e, slot)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// --- passwd --------------------------------------------------------

func formatPasswd(w protocol.Writer, cfg *config.Config, m *attrmap.Map, e *search.Entry) error {
	vals, err := fetchFields(cfg, m, e, []string{"uid", "userPassword", "uidNumber", "gidNumber", "gecos", "homeDirectory", "loginShell"})
	if err != nil {
		return err
	}
	if !applyValidNames(cfg, vals[0]) {
		return fmt.Errorf("handlers: passwd entry name %q rejected by validnames", vals[0])
	}
	if err := writeField(w, vals[0]); err != nil {
		return err
	}
	if err := writeField(w, vals[1]); err != nil {
		return err
	}
	if err := writeUint(w, vals[2], cfg.NSS.UIDOffset); err != nil {
		return err
	}
	if err := writeUint(w, vals[3], cfg.NSS.GIDOffset); err != nil {
		return err
	}
	if err := writeField(w, vals[4]); err != nil {
		return err
	}
	if err := writeField(w, vals[5]); err != nil {
		return err
	}
	return writeField(w, vals[6])
}

// --- shadow ----------------------------------------------------------

func formatShadow(w protocol.Writer, cfg *config.Config, m *attrmap.Map, e *search.Entry) error {
	slots := []string{"uid", "userPassword", "shadowLastChange", "shadowMin", "shadowMax", "shadowWarning", "shadowInactive", "shadowExpire", "shadowFlag"}
	vals, err := fetchFields(cfg, m, e, slots)
	if err != nil {
		return err
	}
	if err := writeField(w, vals[0]); err != nil {
		return err
	}
	if err := writeField(w, vals[1]); err != nil {
		return err
	}
	for _, v := range vals[2:] {
		if err := writeUint(w, v, 0); err != nil {
			return err
		}
	}
	return nil
}

// --- group -----------------------------------------------------------

func formatGroup(w protocol.Writer, cfg *config.Config, m *attrmap.Map, e *search.Entry) error {
	cn, err := m.GetValue(e, "cn")
	if err != nil {
		return err
	}
	userPassword, err := m.GetValue(e, "userPassword")
	if err != nil {
		return err
	}
	gid, err := m.GetValue(e, "gidNumber")
	if err != nil {
		return err
	}
	if err := writeField(w, cn); err != nil {
		return err
	}
	if err := writeField(w, userPassword); err != nil {
		return err
	}
	if err := writeUint(w, gid, cfg.NSS.GIDOffset); err != nil {
		return err
	}
	if m.IsNoFetch("member") {
		return protocol.WriteStringList(w, nil)
	}
	return protocol.WriteStringList(w, e.All(m.RawName("member")))
}

// --- hosts -------------------------------------------------------------

func formatHost(w protocol.Writer, cfg *config.Config, m *attrmap.Map, e *search.Entry) error {
	cn, err := m.GetValue(e, "cn")
	if err != nil {
		return err
	}
	if err := writeField(w, cn); err != nil {
		return err
	}
	return protocol.WriteStringList(w, e.All(m.RawName("ipHostNumber")))
}

// --- networks ----------------------------------------------------------

func formatNetwork(w protocol.Writer, cfg *config.Config, m *attrmap.Map, e *search.Entry) error {
	cn, err := m.GetValue(e, "cn")
	if err != nil {
		return err
	}
	if err := writeField(w, cn); err != nil {
		return err
	}
	return protocol.WriteStringList(w, e.All(m.RawName("ipNetworkNumber")))
}

// --- protocols -----------------------------------------------------------

func formatProtocol(w protocol.Writer, cfg *config.Config, m *attrmap.Map, e *search.Entry) error {
	vals, err := fetchFields(cfg, m, e, []string{"cn", "ipProtocolNumber"})
	if err != nil {
		return err
	}
	if err := writeField(w, vals[0]); err != nil {
		return err
	}
	return writeUint(w, vals[1], 0)
}

// --- rpc -----------------------------------------------------------------

func formatRPC(w protocol.Writer, cfg *config.Config, m *attrmap.Map, e *search.Entry) error {
	vals, err := fetchFields(cfg, m, e, []string{"cn", "oncRpcNumber"})
	if err != nil {
		return err
	}
	if err := writeField(w, vals[0]); err != nil {
		return err
	}
	return writeUint(w, vals[1], 0)
}

// --- services --------------------------------------------------------------

func formatService(w protocol.Writer, cfg *config.Config, m *attrmap.Map, e *search.Entry) error {
	vals, err := fetchFields(cfg, m, e, []string{"cn", "ipServicePort", "ipServiceProtocol"})
	if err != nil {
		return err
	}
	if err := writeField(w, vals[0]); err != nil {
		return err
	}
	if err := writeUint(w, vals[1], 0); err != nil {
		return err
	}
	return writeField(w, vals[2])
}

// --- ethers ----------------------------------------------------------------

func formatEther(w protocol.Writer, cfg *config.Config, m *attrmap.Map, e *search.Entry) error {
	vals, err := fetchFields(cfg, m, e, []string{"cn", "macAddress"})
	if err != nil {
		return err
	}
	if err := writeField(w, vals[0]); err != nil {
		return err
	}
	return writeField(w, vals[1])
}

// --- aliases ---------------------------------------------------------------

func formatAlias(w protocol.Writer, cfg *config.Config, m *attrmap.Map, e *search.Entry) error {
	cn, err := m.GetValue(e, "cn")
	if err != nil {
		return err
	}
	if err := writeField(w, cn); err != nil {
		return err
	}
	return protocol.WriteStringList(w, e.All(m.RawName("rfc822MailMember")))
}

// --- netgroup ----------------------------------------------------------------

func formatNetgroup(w protocol.Writer, cfg *config.Config, m *attrmap.Map, e *search.Entry) error {
	cn, err := m.GetValue(e, "cn")
	if err != nil {
		return err
	}
	if err := writeField(w, cn); err != nil {
		return err
	}
	if err := protocol.WriteStringList(w, e.All(m.RawName("nisNetgroupTriple"))); err != nil {
		return err
	}
	return protocol.WriteStringList(w, e.All(m.RawName("memberNisNetgroup")))
}

// lookupSpecs is the opcode dispatch table for per-database
// byname/bynumber/all operations. GroupByMember and Initgroups are
// handled separately (ops.go) since they resolve a member's DN before
// searching rather than matching a literal key slot.
var lookupSpecs = map[protocol.Opcode]*lookupSpec{
	protocol.OpPasswdByName: {database: attrmap.Passwd, keySlot: "uid", parseKey: readStringValue, slots: passwdSlots, format: formatPasswd},
	protocol.OpPasswdByUID:  {database: attrmap.Passwd, keySlot: "uidNumber", parseKey: readUint32Value, slots: passwdSlots, format: formatPasswd},
	protocol.OpPasswdAll:    {database: attrmap.Passwd, slots: passwdSlots, format: formatPasswd},

	protocol.OpShadowByName: {database: attrmap.Shadow, keySlot: "uid", parseKey: readStringValue, slots: shadowSlots, format: formatShadow},
	protocol.OpShadowAll:    {database: attrmap.Shadow, slots: shadowSlots, format: formatShadow},

	protocol.OpGroupByName: {database: attrmap.Group, keySlot: "cn", parseKey: readStringValue, slots: groupSlots, format: formatGroup},
	protocol.OpGroupByGID:  {database: attrmap.Group, keySlot: "gidNumber", parseKey: readUint32Value, slots: groupSlots, format: formatGroup},
	protocol.OpGroupAll:    {database: attrmap.Group, slots: groupSlots, format: formatGroup},

	protocol.OpHostByName: {database: attrmap.Hosts, keySlot: "cn", parseKey: readStringValue, slots: hostSlots, format: formatHost},
	protocol.OpHostByAddr: {database: attrmap.Hosts, keySlot: "ipHostNumber", parseKey: readAddrValue, slots: hostSlots, format: formatHost},
	protocol.OpHostAll:    {database: attrmap.Hosts, slots: hostSlots, format: formatHost},

	protocol.OpNetworkByName: {database: attrmap.Networks, keySlot: "cn", parseKey: readStringValue, slots: networkSlots, format: formatNetwork},
	protocol.OpNetworkByAddr: {database: attrmap.Networks, keySlot: "ipNetworkNumber", parseKey: readAddrValue, slots: networkSlots, format: formatNetwork},
	protocol.OpNetworkAll:    {database: attrmap.Networks, slots: networkSlots, format: formatNetwork},

	protocol.OpProtocolByName:   {database: attrmap.Protocols, keySlot: "cn", parseKey: readStringValue, slots: protocolSlots, format: formatProtocol},
	protocol.OpProtocolByNumber: {database: attrmap.Protocols, keySlot: "ipProtocolNumber", parseKey: readUint32Value, slots: protocolSlots, format: formatProtocol},
	protocol.OpProtocolAll:      {database: attrmap.Protocols, slots: protocolSlots, format: formatProtocol},

	protocol.OpRPCByName:   {database: attrmap.RPC, keySlot: "cn", parseKey: readStringValue, slots: rpcSlots, format: formatRPC},
	protocol.OpRPCByNumber: {database: attrmap.RPC, keySlot: "oncRpcNumber", parseKey: readUint32Value, slots: rpcSlots, format: formatRPC},
	protocol.OpRPCAll:      {database: attrmap.RPC, slots: rpcSlots, format: formatRPC},

	protocol.OpServiceByName:   {database: attrmap.Services, keySlot: "cn", parseKey: readStringValue, slots: serviceSlots, format: formatService},
	protocol.OpServiceByNumber: {database: attrmap.Services, keySlot: "ipServicePort", parseKey: readUint32Value, slots: serviceSlots, format: formatService},
	protocol.OpServiceAll:      {database: attrmap.Services, slots: serviceSlots, format: formatService},

	protocol.OpEtherByName: {database: attrmap.Ethers, keySlot: "cn", parseKey: readStringValue, slots: etherSlots, format: formatEther},
	protocol.OpEtherByAddr: {database: attrmap.Ethers, keySlot: "macAddress", parseKey: readStringValue, slots: etherSlots, format: formatEther},
	protocol.OpEtherAll:    {database: attrmap.Ethers, slots: etherSlots, format: formatEther},

	protocol.OpAliasByName: {database: attrmap.Aliases, keySlot: "cn", parseKey: readStringValue, slots: aliasSlots, format: formatAlias},
	protocol.OpAliasAll:    {database: attrmap.Aliases, slots: aliasSlots, format: formatAlias},

	protocol.OpNetgroupByName: {database: attrmap.Netgroup, keySlot: "cn", parseKey: readStringValue, slots: netgroupSlots, format: formatNetgroup},
	protocol.OpNetgroupAll:    {database: attrmap.Netgroup, slots: netgroupSlots, format: formatNetgroup},
}

var (
	passwdSlots   = []string{"uid", "userPassword", "uidNumber", "gidNumber", "gecos", "homeDirectory", "loginShell"}
	shadowSlots   = []string{"uid", "userPassword", "shadowLastChange", "shadowMin", "shadowMax", "shadowWarning", "shadowInactive", "shadowExpire", "shadowFlag"}
	groupSlots    = []string{"cn", "userPassword", "gidNumber", "member"}
	hostSlots     = []string{"cn", "ipHostNumber"}
	networkSlots  = []string{"cn", "ipNetworkNumber"}
	protocolSlots = []string{"cn", "ipProtocolNumber"}
	rpcSlots      = []string{"cn", "oncRpcNumber"}
	serviceSlots  = []string{"cn", "ipServicePort", "ipServiceProtocol"}
	etherSlots    = []string{"cn", "macAddress"}
	aliasSlots    = []string{"cn", "rfc822MailMember"}
	netgroupSlots = []string{"cn", "nisNetgroupTriple", "memberNisNetgroup"}
)
