// Package config loads and validates nsld's configuration: the
// nslcd.conf-style keyword file plus environment overrides for the
// handful of ambient settings (worker count, privilege drop, logging)
// that operators commonly override per-deployment without touching
// the file.
//
// The on-disk format is a positional keyword grammar, not YAML or
// JSON, so koanf's bundled file parsers don't apply directly. Load
// tokenizes the file itself and assembles the structured Config
// (ordered URI list, per-database overrides) directly, then layers
// the scalar ambient settings through koanf's confmap and env
// providers so NSLD_-prefixed environment variables can still
// override them the way the teacher's GOBFD_ variables do.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/nsld/nsld/internal/attrmap"
)

// SASLConfig holds SASL bind tuning.
type SASLConfig struct {
	Mech         string
	Realm        string
	Authcid      string
	Authzid      string
	Secprops     string
	Canonicalize bool
}

// TLSConfig holds StartTLS/ldaps transport security tuning.
type TLSConfig struct {
	ReqCert    string
	ReqSan     string
	CrlCheck   string
	CaCertDir  string
	CaCertFile string
	RandFile   string
	Ciphers    string
	Cert       string
	Key        string
	CrlFile    string
}

// NSSConfig holds NSS-facing lookup behavior toggles.
type NSSConfig struct {
	InitgroupsIgnoreUsers []string
	MinUID                uint32
	UIDOffset             int32
	GIDOffset             int32
	NestedGroups          bool
	GetgrentSkipMembers   bool
	DisableEnumeration    bool
}

// PAMConfig holds PAM-facing authentication/authorization tuning.
type PAMConfig struct {
	AuthcPPolicy            bool
	AuthcSearch             string
	AuthzSearch             string
	PasswordProhibitMessage string
}

// CacheTTL holds the positive/negative TTLs for the dn-to-uid cache.
type CacheTTL struct {
	Positive time.Duration
	Negative time.Duration
}

// InvalidatorConfig controls how a recovered session signals the local
// nscd that a database's cached entries may be stale.
type InvalidatorConfig struct {
	// Transport selects how the invalidation is delivered: "exec" runs
	// Command through the shell once per configured database, "dbus"
	// calls org.freedesktop.nscd's Invalidate method directly.
	Transport string
	// Command is the exec transport's command template; "%s" is
	// replaced with the database name (nscd's own table name).
	Command string
}

// LogConfig selects where and how verbosely nsld logs.
type LogConfig struct {
	// Target is "none", "syslog", or an absolute file path.
	Target string
	// Level is one of debug/info/notice/warn/error (case-insensitive).
	Level string
}

// Config is the fully parsed, validated nsld configuration. It is
// built once at startup (and rebuilt wholesale on SIGHUP) and treated
// as read-only by every worker thereafter.
type Config struct {
	Threads int
	UID     string
	GID     string

	URIs        []string
	LDAPVersion int

	BindDN string
	BindPW string

	RootPwModDN string
	RootPwModPW string

	SASL      SASLConfig
	Krb5CCName string

	// Base and Scope are the global defaults; Bases/Scopes hold
	// per-database overrides keyed by attrmap.Database.
	Base   string
	Bases  map[attrmap.Database]string
	Scope  string
	Scopes map[attrmap.Database]string

	Deref      string
	Referrals  bool
	Filters    map[attrmap.Database]string
	AttrMaps   map[attrmap.Database]*attrmap.Map

	BindTimelimit      time.Duration
	Timelimit          time.Duration
	IdleTimelimit      time.Duration
	ReconnectSleeptime time.Duration
	ReconnectRetrytime time.Duration

	SSL string
	TLS TLSConfig

	PageSize int

	NSS NSSConfig
	PAM PAMConfig

	ValidNames   *regexp.Regexp
	validNamesSrc string
	IgnoreCase   bool

	ReconnectInvalidate []attrmap.Database
	Invalidator         InvalidatorConfig
	CacheDn2UID         CacheTTL

	Log LogConfig
}

// Validation errors.
var (
	ErrNoURIs             = errors.New("config: at least one uri is required")
	ErrInvalidThreads     = errors.New("config: threads must be >= 1")
	ErrInvalidSSL         = errors.New("config: ssl must be off, on, or start_tls")
	ErrInvalidDeref       = errors.New("config: deref must be never, searching, finding, or always")
	ErrInvalidScope       = errors.New("config: scope must be sub, one, base, or children")
	ErrInvalidValidNames  = errors.New("config: validnames is not a valid regular expression")
	ErrUnknownDatabase    = errors.New("config: unrecognized database in per-database directive")
	ErrInvalidInvalidatorTransport = errors.New("config: invalidator transport must be exec or dbus")
)

// DefaultConfig returns a Config populated with nss-pam-ldapd's
// conventional defaults. Load starts from this and overlays the
// keyword file and environment on top.
func DefaultConfig() *Config {
	return &Config{
		Threads:            5,
		LDAPVersion:        3,
		Base:               "",
		Bases:              make(map[attrmap.Database]string),
		Scope:              "sub",
		Scopes:             make(map[attrmap.Database]string),
		Deref:              "never",
		Referrals:          true,
		Filters:            defaultFilters(),
		AttrMaps:           defaultAttrMaps(),
		BindTimelimit:      10 * time.Second,
		Timelimit:          30 * time.Second,
		IdleTimelimit:      0,
		ReconnectSleeptime: 1 * time.Second,
		ReconnectRetrytime: 10 * time.Second,
		SSL:                "off",
		PageSize:           0,
		Invalidator: InvalidatorConfig{
			Transport: "exec",
			Command:   "nscd -i %s",
		},
		NSS: NSSConfig{
			MinUID: 0,
		},
		Log: LogConfig{
			Target: "none",
			Level:  "info",
		},
	}
}

func defaultFilters() map[attrmap.Database]string {
	return map[attrmap.Database]string{
		attrmap.Passwd:    "(objectClass=posixAccount)",
		attrmap.Shadow:    "(objectClass=shadowAccount)",
		attrmap.Group:     "(objectClass=posixGroup)",
		attrmap.Hosts:     "(objectClass=ipHost)",
		attrmap.Networks:  "(objectClass=ipNetwork)",
		attrmap.Protocols: "(objectClass=ipProtocol)",
		attrmap.RPC:       "(objectClass=oncRpc)",
		attrmap.Services:  "(objectClass=ipService)",
		attrmap.Ethers:    "(objectClass=ieee802Device)",
		attrmap.Aliases:   "(objectClass=nisMailAlias)",
		attrmap.Netgroup:  "(objectClass=nisNetgroup)",
	}
}

func defaultAttrMaps() map[attrmap.Database]*attrmap.Map {
	out := make(map[attrmap.Database]*attrmap.Map, len(attrmap.Databases))
	for _, db := range attrmap.Databases {
		m, err := attrmap.NewMap(db)
		if err != nil {
			// Every Database in attrmap.Databases has a schema entry;
			// this cannot happen outside of a programming error.
			panic(fmt.Sprintf("config: default attribute map for %s: %v", db, err))
		}
		out[db] = m
	}
	return out
}

// envPrefix is the environment variable prefix for nsld overrides of
// the ambient scalar settings (NSLD_THREADS, NSLD_LOG_LEVEL, ...).
const envPrefix = "NSLD_"

// Load reads the keyword file at path, overlays NSLD_-prefixed
// environment variables for ambient settings, merges everything on
// top of DefaultConfig(), and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	directives, err := parseFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := applyDirectives(cfg, directives); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment overrides: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides layers NSLD_-prefixed environment variables over
// the handful of scalar ambient settings using koanf's confmap+env
// providers, mirroring the teacher's GOBFD_ mechanism. Structural
// settings (URIs, per-database maps) are file-only: they have no flat
// scalar shape that an env var could sensibly override.
func applyEnvOverrides(cfg *Config) error {
	k := koanf.New(".")

	base := map[string]any{
		"threads":   cfg.Threads,
		"uid":       cfg.UID,
		"gid":       cfg.GID,
		"log.level": cfg.Log.Level,
	}
	if err := k.Load(confmap.Provider(base, "."), nil); err != nil {
		return fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	cfg.Threads = k.Int("threads")
	cfg.UID = k.String("uid")
	cfg.GID = k.String("gid")
	cfg.Log.Level = k.String("log.level")
	return nil
}

func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// Validate checks the configuration for logical errors. It returns
// the first validation error encountered.
func Validate(cfg *Config) error {
	if len(cfg.URIs) == 0 {
		return ErrNoURIs
	}
	if cfg.Threads < 1 {
		return ErrInvalidThreads
	}
	switch cfg.SSL {
	case "off", "on", "start_tls":
	default:
		return ErrInvalidSSL
	}
	switch cfg.Deref {
	case "never", "searching", "finding", "always":
	default:
		return ErrInvalidDeref
	}
	if err := validateScope(cfg.Scope); err != nil {
		return err
	}
	for db, scope := range cfg.Scopes {
		if _, ok := cfg.AttrMaps[db]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDatabase, db)
		}
		if err := validateScope(scope); err != nil {
			return fmt.Errorf("scope %s: %w", db, err)
		}
	}
	for db := range cfg.Bases {
		if _, ok := cfg.AttrMaps[db]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDatabase, db)
		}
	}
	for db := range cfg.Filters {
		if _, ok := cfg.AttrMaps[db]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDatabase, db)
		}
	}
	switch cfg.Invalidator.Transport {
	case "exec", "dbus":
	default:
		return ErrInvalidInvalidatorTransport
	}
	if cfg.validNamesSrc != "" {
		pattern, flags := splitValidNames(cfg.validNamesSrc)
		re, err := regexp.Compile(flags + pattern)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValidNames, err)
		}
		cfg.ValidNames = re
	}
	return nil
}

func validateScope(scope string) error {
	if scope == "" {
		return nil
	}
	switch scope {
	case "sub", "one", "base", "children":
		return nil
	default:
		return ErrInvalidScope
	}
}

// splitValidNames splits a delimited regular expression like
// "/^[a-z0-9]+$/i" into its pattern and an inline-flag prefix
// suitable for Go's regexp/syntax ("(?i)" form).
func splitValidNames(src string) (pattern string, flagPrefix string) {
	if len(src) < 2 {
		return src, ""
	}
	delim := src[0]
	rest := src[1:]
	end := strings.LastIndexByte(rest, delim)
	if end < 0 {
		return src, ""
	}
	pattern = rest[:end]
	trailer := rest[end+1:]
	if strings.Contains(trailer, "i") {
		flagPrefix = "(?i)"
	}
	return pattern, flagPrefix
}

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info", "notice":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
