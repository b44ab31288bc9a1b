package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nsld/nsld/internal/attrmap"
)

// directive is one parsed, tokenized configuration-file line:
// keyword followed by its positional arguments.
type directive struct {
	keyword string
	args    []string
	line    int
}

// parseFile reads path and tokenizes it into directives, stripping
// comments and blank lines. Values may be double-quoted to preserve
// embedded whitespace or to mark an attribute-map value as an
// expression (attrmap.Bind inspects the quoting itself).
func parseFile(path string) ([]directive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var directives []directive
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens, err := tokenizeLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if len(tokens) == 0 {
			continue
		}
		directives = append(directives, directive{
			keyword: strings.ToLower(tokens[0]),
			args:    tokens[1:],
			line:    lineNo,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return directives, nil
}

// tokenizeLine splits line on whitespace, treating a double-quoted
// run (including its quotes, so callers can distinguish a quoted
// empty string from an absent argument) as a single token.
func tokenizeLine(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	hasToken := false

	flush := func() {
		if hasToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			hasToken = false
		}
	}

	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == '"':
			cur.WriteByte(c)
			hasToken = true
			inQuotes = !inQuotes
			i++
		case c == '\\' && inQuotes && i+1 < len(line) && line[i+1] == '"':
			cur.WriteByte('"')
			i += 2
		case !inQuotes && (c == ' ' || c == '\t'):
			flush()
			i++
		case !inQuotes && c == '#':
			i = len(line)
		default:
			cur.WriteByte(c)
			hasToken = true
			i++
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quoted value")
	}
	flush()
	return tokens, nil
}

// parseDatabase resolves a per-database keyword argument to a
// Database, returning an error for an unrecognized name.
func parseDatabase(name string) (attrmap.Database, error) {
	db := attrmap.Database(strings.ToLower(name))
	for _, known := range attrmap.Databases {
		if known == db {
			return db, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownDatabase, name)
}

// applyDirectives walks parsed directives in file order, mutating cfg
// in place. Later directives override earlier ones for scalar
// settings; "uri" and "map"/"filter"/"base"/"scope" accumulate.
func applyDirectives(cfg *Config, directives []directive) error {
	for _, d := range directives {
		if err := applyOne(cfg, d); err != nil {
			return fmt.Errorf("line %d (%s): %w", d.line, d.keyword, err)
		}
	}
	return nil
}

func applyOne(cfg *Config, d directive) error {
	switch d.keyword {
	case "threads":
		return setInt(&cfg.Threads, d.args)
	case "uid":
		return setString(&cfg.UID, d.args)
	case "gid":
		return setString(&cfg.GID, d.args)

	case "uri":
		if len(d.args) == 0 {
			return fmt.Errorf("uri requires at least one argument")
		}
		for _, arg := range d.args {
			uris, err := expandURI(arg)
			if err != nil {
				return err
			}
			cfg.URIs = append(cfg.URIs, uris...)
		}
		return nil

	case "ldap_version":
		return setInt(&cfg.LDAPVersion, d.args)
	case "binddn":
		return setString(&cfg.BindDN, d.args)
	case "bindpw":
		return setString(&cfg.BindPW, d.args)
	case "rootpwmoddn":
		return setString(&cfg.RootPwModDN, d.args)
	case "rootpwmodpw":
		return setString(&cfg.RootPwModPW, d.args)

	case "sasl_mech":
		return setString(&cfg.SASL.Mech, d.args)
	case "sasl_realm":
		return setString(&cfg.SASL.Realm, d.args)
	case "sasl_authcid":
		return setString(&cfg.SASL.Authcid, d.args)
	case "sasl_authzid":
		return setString(&cfg.SASL.Authzid, d.args)
	case "sasl_secprops":
		return setString(&cfg.SASL.Secprops, d.args)
	case "sasl_canonicalize":
		return setBool(&cfg.SASL.Canonicalize, d.args)
	case "krb5_ccname":
		return setString(&cfg.Krb5CCName, d.args)

	case "base":
		return applyBase(cfg, d.args)
	case "scope":
		return applyScope(cfg, d.args)
	case "deref":
		return setString(&cfg.Deref, d.args)
	case "referrals":
		return setBool(&cfg.Referrals, d.args)

	case "filter":
		return applyFilter(cfg, d.args)
	case "map":
		return applyMap(cfg, d.args)

	case "bind_timelimit":
		return setDuration(&cfg.BindTimelimit, d.args)
	case "timelimit":
		return setDuration(&cfg.Timelimit, d.args)
	case "idle_timelimit":
		return setDuration(&cfg.IdleTimelimit, d.args)
	case "reconnect_sleeptime":
		return setDuration(&cfg.ReconnectSleeptime, d.args)
	case "reconnect_retrytime":
		return setDuration(&cfg.ReconnectRetrytime, d.args)

	case "ssl":
		return setString(&cfg.SSL, d.args)
	case "tls_reqcert":
		return setString(&cfg.TLS.ReqCert, d.args)
	case "tls_reqsan":
		return setString(&cfg.TLS.ReqSan, d.args)
	case "tls_crlcheck":
		return setString(&cfg.TLS.CrlCheck, d.args)
	case "tls_cacertdir":
		return setString(&cfg.TLS.CaCertDir, d.args)
	case "tls_cacertfile":
		return setString(&cfg.TLS.CaCertFile, d.args)
	case "tls_randfile":
		return setString(&cfg.TLS.RandFile, d.args)
	case "tls_ciphers":
		return setString(&cfg.TLS.Ciphers, d.args)
	case "tls_cert":
		return setString(&cfg.TLS.Cert, d.args)
	case "tls_key":
		return setString(&cfg.TLS.Key, d.args)
	case "tls_crlfile":
		return setString(&cfg.TLS.CrlFile, d.args)

	case "pagesize":
		return setInt(&cfg.PageSize, d.args)

	case "nss_initgroups_ignoreusers":
		return applyIgnoreUsers(cfg, d.args)
	case "nss_min_uid":
		return setUint32(&cfg.NSS.MinUID, d.args)
	case "nss_uid_offset":
		return setInt32(&cfg.NSS.UIDOffset, d.args)
	case "nss_gid_offset":
		return setInt32(&cfg.NSS.GIDOffset, d.args)
	case "nss_nested_groups":
		return setBool(&cfg.NSS.NestedGroups, d.args)
	case "nss_getgrent_skipmembers":
		return setBool(&cfg.NSS.GetgrentSkipMembers, d.args)
	case "nss_disable_enumeration":
		return setBool(&cfg.NSS.DisableEnumeration, d.args)

	case "validnames":
		return setString(&cfg.validNamesSrc, d.args)
	case "ignorecase":
		return setBool(&cfg.IgnoreCase, d.args)

	case "pam_authc_ppolicy":
		return setBool(&cfg.PAM.AuthcPPolicy, d.args)
	case "pam_authc_search":
		return setString(&cfg.PAM.AuthcSearch, d.args)
	case "pam_authz_search":
		return setString(&cfg.PAM.AuthzSearch, d.args)
	case "pam_password_prohibit_message":
		return setString(&cfg.PAM.PasswordProhibitMessage, d.args)

	case "reconnect_invalidate":
		return applyReconnectInvalidate(cfg, d.args)
	case "invalidate_transport":
		return setString(&cfg.Invalidator.Transport, d.args)
	case "invalidate_command":
		return setString(&cfg.Invalidator.Command, d.args)

	case "cache":
		return applyCache(cfg, d.args)

	case "log":
		return applyLog(cfg, d.args)

	default:
		return fmt.Errorf("unrecognized keyword")
	}
}

func setString(dst *string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one argument")
	}
	*dst = args[0]
	return nil
}

func setInt(dst *int, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one argument")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", args[0], err)
	}
	*dst = n
	return nil
}

func setInt32(dst *int32, args []string) error {
	var n int
	if err := setInt(&n, args); err != nil {
		return err
	}
	*dst = int32(n)
	return nil
}

func setUint32(dst *uint32, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one argument")
	}
	n, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid unsigned integer %q: %w", args[0], err)
	}
	*dst = uint32(n)
	return nil
}

func setBool(dst *bool, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one argument")
	}
	v, err := parseBool(args[0])
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

// parseBool recognizes the boolean spellings spec.md documents:
// yes/no, on/off, true/false, 1/0 (case-insensitive).
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "on", "true", "1":
		return true, nil
	case "no", "off", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}

func setDuration(dst *time.Duration, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one argument")
	}
	d, err := parseDuration(args[0])
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// parseDuration accepts a bare integer (seconds) or an integer
// followed by one of s/m/h/d, per spec.md §6.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	unit := time.Second
	numeric := s
	switch s[len(s)-1] {
	case 's':
		unit, numeric = time.Second, s[:len(s)-1]
	case 'm':
		unit, numeric = time.Minute, s[:len(s)-1]
	case 'h':
		unit, numeric = time.Hour, s[:len(s)-1]
	case 'd':
		unit, numeric = 24*time.Hour, s[:len(s)-1]
	}
	if numeric == "" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	n, err := strconv.Atoi(numeric)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return time.Duration(n) * unit, nil
}

// expandURI resolves one "uri" argument. A literal of the form
// "dns" or "dns:domain" expands via a DNS SRV lookup for
// _ldap._tcp[.domain]; any other value is taken as a literal URI.
func expandURI(arg string) ([]string, error) {
	if arg != "dns" && !strings.HasPrefix(arg, "dns:") {
		return []string{arg}, nil
	}
	domain := strings.TrimPrefix(arg, "dns:")
	_, addrs, err := net.LookupSRV("ldap", "tcp", domain)
	if err != nil {
		return nil, fmt.Errorf("uri dns%s: srv lookup: %w", sraffix(domain), err)
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fmt.Sprintf("ldap://%s:%d/", strings.TrimSuffix(a.Target, "."), a.Port))
	}
	return out, nil
}

func sraffix(domain string) string {
	if domain == "" {
		return ""
	}
	return ":" + domain
}

// localDomainBase expands the "domain" literal for the "base"
// keyword into a DC-component base DN derived from the local FQDN.
func localDomainBase() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("base domain: hostname: %w", err)
	}
	fqdn := hostname
	if addrs, err := net.LookupCNAME(hostname); err == nil {
		fqdn = strings.TrimSuffix(addrs, ".")
	}
	parts := strings.Split(fqdn, ".")
	dcs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		dcs = append(dcs, "dc="+p)
	}
	if len(dcs) == 0 {
		return "", fmt.Errorf("base domain: could not derive a domain from hostname %q", hostname)
	}
	return strings.Join(dcs, ","), nil
}

func applyBase(cfg *Config, args []string) error {
	switch len(args) {
	case 1:
		base := args[0]
		if base == "domain" {
			resolved, err := localDomainBase()
			if err != nil {
				return err
			}
			base = resolved
		}
		cfg.Base = base
		return nil
	case 2:
		db, err := parseDatabase(args[0])
		if err != nil {
			return err
		}
		base := args[1]
		if base == "domain" {
			resolved, err := localDomainBase()
			if err != nil {
				return err
			}
			base = resolved
		}
		cfg.Bases[db] = base
		return nil
	default:
		return fmt.Errorf("expected \"base <dn>\" or \"base <database> <dn>\"")
	}
}

func applyScope(cfg *Config, args []string) error {
	switch len(args) {
	case 1:
		cfg.Scope = args[0]
		return nil
	case 2:
		db, err := parseDatabase(args[0])
		if err != nil {
			return err
		}
		cfg.Scopes[db] = args[1]
		return nil
	default:
		return fmt.Errorf("expected \"scope <value>\" or \"scope <database> <value>\"")
	}
}

func applyFilter(cfg *Config, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("expected \"filter <database> <expr>\"")
	}
	db, err := parseDatabase(args[0])
	if err != nil {
		return err
	}
	cfg.Filters[db] = args[1]
	return nil
}

func applyMap(cfg *Config, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("expected \"map <database> <slot> <name-or-expr>\"")
	}
	db, err := parseDatabase(args[0])
	if err != nil {
		return err
	}
	m, ok := cfg.AttrMaps[db]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDatabase, db)
	}
	return m.Bind(args[1], args[2])
}

func applyIgnoreUsers(cfg *Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one argument")
	}
	if args[0] == "alllocal" {
		cfg.NSS.InitgroupsIgnoreUsers = []string{"alllocal"}
		return nil
	}
	cfg.NSS.InitgroupsIgnoreUsers = strings.Split(args[0], ",")
	return nil
}

func applyReconnectInvalidate(cfg *Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one argument")
	}
	var dbs []attrmap.Database
	for _, name := range strings.Split(args[0], ",") {
		db, err := parseDatabase(name)
		if err != nil {
			return err
		}
		dbs = append(dbs, db)
	}
	cfg.ReconnectInvalidate = dbs
	return nil
}

func applyCache(cfg *Config, args []string) error {
	if len(args) != 3 || args[0] != "dn2uid" {
		return fmt.Errorf("expected \"cache dn2uid <pos> <neg>\"")
	}
	pos, err := parseDuration(args[1])
	if err != nil {
		return fmt.Errorf("positive ttl: %w", err)
	}
	neg, err := parseDuration(args[2])
	if err != nil {
		return fmt.Errorf("negative ttl: %w", err)
	}
	cfg.CacheDn2UID = CacheTTL{Positive: pos, Negative: neg}
	return nil
}

func applyLog(cfg *Config, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("expected \"log <target> [level]\"")
	}
	cfg.Log.Target = args[0]
	if len(args) == 2 {
		cfg.Log.Level = args[1]
	}
	return nil
}
