package handlers

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/go-ldap/ldap/v3"

	"github.com/nsld/nsld/internal/attrmap"
	"github.com/nsld/nsld/internal/directory"
	"github.com/nsld/nsld/internal/expr"
	"github.com/nsld/nsld/internal/protocol"
	"github.com/nsld/nsld/internal/search"
)

// --- config get --------------------------------------------------------

// handleConfigGet reports the handful of configuration values the
// client-side library needs to interpret responses itself (it does
// not parse nsld's configuration file directly).
func handleConfigGet(ctx *Context) error {
	if err := protocol.WriteBegin(ctx.W); err != nil {
		return err
	}
	if err := writeField(ctx.W, ctx.Cfg.Log.Target); err != nil {
		return err
	}
	if err := protocol.WriteUint32(ctx.W, uint32(ctx.Cfg.NSS.MinUID)); err != nil {
		return err
	}
	if err := protocol.WriteUint32(ctx.W, boolToUint32(ctx.Cfg.NSS.DisableEnumeration)); err != nil {
		return err
	}
	if err := protocol.WriteUint32(ctx.W, boolToUint32(ctx.Cfg.IgnoreCase)); err != nil {
		return err
	}
	return protocol.WriteTerminator(ctx.W, protocol.ResultSuccess)
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// --- user DN resolution ------------------------------------------------

// resolveUserDN searches the passwd database for uid=username and
// returns the first matching entry's DN.
func resolveUserDN(ctx *Context, username string) (string, bool, error) {
	m := ctx.Cfg.AttrMaps[attrmap.Passwd]
	uidAttr := m.RawName("uid")
	filter, err := buildFilter(ctx.Cfg, m, attrmap.Passwd, "uid", username)
	if err != nil {
		return "", false, err
	}
	it, err := ctx.Dir.Search(effectiveBase(ctx.Cfg, attrmap.Passwd), effectiveScope(ctx.Cfg, attrmap.Passwd), filter, []string{uidAttr}, "")
	if err != nil {
		return "", false, err
	}
	defer it.Close()
	e, err := it.Next()
	if err == search.ErrDone {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return e.DN(), true, nil
}

// --- group-by-member / initgroups --------------------------------------

// groupsContainingMember searches the group database for every entry
// whose member slot includes memberDN, using the deref control when
// the member slot is a real attribute (spec.md 4.H's deref
// optimization for group-by-member).
func groupsContainingMember(ctx *Context, memberDN string) (*search.Iterator, error) {
	m := ctx.Cfg.AttrMaps[attrmap.Group]
	memberAttr := m.RawName("member")
	if memberAttr == "" {
		return nil, fmt.Errorf("handlers: group/member is unbound, cannot resolve membership")
	}
	filter, err := buildFilter(ctx.Cfg, m, attrmap.Group, "member", memberDN)
	if err != nil {
		return nil, err
	}
	attrs, derefAttr, err := wantedAttributes(m, []string{"cn", "gidNumber"}, true)
	if err != nil {
		return nil, err
	}
	return ctx.Dir.Search(effectiveBase(ctx.Cfg, attrmap.Group), effectiveScope(ctx.Cfg, attrmap.Group), filter, attrs, derefAttr)
}

func handleGroupByMember(ctx *Context) error {
	username, err := protocol.ReadString(ctx.R)
	if err != nil {
		return err
	}
	dn, ok, err := resolveUserDN(ctx, username)
	if err != nil {
		return writeEmpty(ctx.W, protocol.ResultUnavail)
	}
	if !ok {
		return writeEmpty(ctx.W, protocol.ResultNotFound)
	}
	it, err := groupsContainingMember(ctx, dn)
	if err != nil {
		return writeEmpty(ctx.W, protocol.ResultUnavail)
	}
	m := ctx.Cfg.AttrMaps[attrmap.Group]
	return streamEntries(ctx.W, it, func(e *search.Entry) error {
		cn, err := m.GetValue(e, "cn")
		if err != nil {
			return err
		}
		gid, err := m.GetValue(e, "gidNumber")
		if err != nil {
			return err
		}
		if err := writeField(ctx.W, cn); err != nil {
			return err
		}
		return writeUint(ctx.W, gid, ctx.Cfg.NSS.GIDOffset)
	})
}

// handleInitgroups implements the initgroups wire operation: every
// group GID the user belongs to (directly, or transitively through
// nested groups when nss_nested_groups is set), minus skipGID, up to
// maxFanoutEntries.
func handleInitgroups(ctx *Context) error {
	username, err := protocol.ReadString(ctx.R)
	if err != nil {
		return err
	}
	skipGID, err := protocol.ReadUint32(ctx.R)
	if err != nil {
		return err
	}

	if slices.Contains(ctx.Cfg.NSS.InitgroupsIgnoreUsers, username) {
		return protocol.WriteTerminator(ctx.W, protocol.ResultNotFound)
	}

	dn, ok, err := resolveUserDN(ctx, username)
	if err != nil {
		return writeEmpty(ctx.W, protocol.ResultUnavail)
	}
	if !ok {
		return writeEmpty(ctx.W, protocol.ResultNotFound)
	}

	m := ctx.Cfg.AttrMaps[attrmap.Group]
	memberAttr := m.RawName("member")

	gids := make(map[uint32]struct{})
	visitedDN := map[string]struct{}{dn: {}}
	frontier := []string{dn}

	for len(frontier) > 0 && len(gids) < maxFanoutEntries {
		next := frontier
		frontier = nil
		for _, memberDN := range next {
			it, err := groupsContainingMember(ctx, memberDN)
			if err != nil {
				continue
			}
			for {
				e, err := it.Next()
				if err == search.ErrDone {
					break
				}
				if err != nil {
					break
				}
				gidStr, _ := m.GetValue(e, "gidNumber")
				gid, convErr := strconv.ParseUint(gidStr, 10, 32)
				if convErr == nil && uint32(gid) != skipGID {
					gids[uint32(gid)] = struct{}{}
				}
				if ctx.Cfg.NSS.NestedGroups && memberAttr != "" {
					if _, seen := visitedDN[e.DN()]; !seen {
						visitedDN[e.DN()] = struct{}{}
						frontier = append(frontier, e.DN())
					}
				}
			}
		}
	}

	if err := protocol.WriteBegin(ctx.W); err != nil {
		return err
	}
	out := make([]uint32, 0, len(gids))
	for g := range gids {
		out = append(out, g+uint32(ctx.Cfg.NSS.GIDOffset))
	}
	if err := protocol.WriteUint32(ctx.W, uint32(len(out))); err != nil {
		return err
	}
	for _, g := range out {
		if err := protocol.WriteUint32(ctx.W, g); err != nil {
			return err
		}
	}
	return protocol.WriteTerminator(ctx.W, protocol.ResultSuccess)
}

// --- authenticate / authorize -------------------------------------------

// authFields are the variables pam_authc_search/pam_authz_search
// expressions may reference, per spec.md §6.
type authFields struct {
	username, service, ruser, rhost, tty, hostname, fqdn, domain, dn, uid string
}

func (f authFields) expand(name string) string {
	switch name {
	case "username":
		return f.username
	case "service":
		return f.service
	case "ruser":
		return f.ruser
	case "rhost":
		return f.rhost
	case "tty":
		return f.tty
	case "hostname":
		return f.hostname
	case "fqdn":
		return f.fqdn
	case "domain":
		return f.domain
	case "dn":
		return f.dn
	case "uid":
		return f.uid
	default:
		return ""
	}
}

func readAuthFields(r protocol.Reader) (authFields, error) {
	var f authFields
	var err error
	if f.username, err = protocol.ReadString(r); err != nil {
		return f, err
	}
	if f.service, err = protocol.ReadString(r); err != nil {
		return f, err
	}
	if f.ruser, err = protocol.ReadString(r); err != nil {
		return f, err
	}
	if f.rhost, err = protocol.ReadString(r); err != nil {
		return f, err
	}
	if f.tty, err = protocol.ReadString(r); err != nil {
		return f, err
	}
	return f, nil
}

// authResult mirrors spec.md §7's authentication-specific taxonomy.
type authResult uint32

const (
	authSuccess authResult = iota
	authPermissionDenied
	authAuthError
	authCredInsufficient
	authInfoUnavail
	authUserUnknown
	authMaxTries
	authNewTokenRequired
	authAccountExpired
	authSessionError
	authAuthtokError
	authAuthtokExpired
	authIgnore
	authAbort
)

func writeAuthResult(w protocol.Writer, result authResult, message string) error {
	if err := protocol.WriteBegin(w); err != nil {
		return err
	}
	if err := protocol.WriteUint32(w, uint32(result)); err != nil {
		return err
	}
	if err := writeField(w, message); err != nil {
		return err
	}
	return protocol.WriteTerminator(w, protocol.ResultSuccess)
}

func policyToAuthResult(p directory.PolicyResponse) authResult {
	switch p.Status {
	case directory.PolicyNewTokenRequired:
		return authNewTokenRequired
	case directory.PolicyAccountExpired:
		return authAccountExpired
	case directory.PolicyPermissionDenied:
		return authPermissionDenied
	default:
		return authSuccess
	}
}

// runPostAuthSearch evaluates expression against fields to obtain a
// filter string and requires at least one matching entry under the
// user's own bound identity; an empty configured expression is
// treated as "no post-authentication check".
func runPostAuthSearch(ctx *Context, expression string, fields authFields) (bool, error) {
	if expression == "" {
		return true, nil
	}
	filter, err := expr.Expand(expression, fields.expand)
	if err != nil {
		return false, err
	}
	it, err := ctx.Dir.Search(effectiveBase(ctx.Cfg, attrmap.Passwd), search.ScopeWholeSubtree, filter, nil, "")
	if err != nil {
		return false, err
	}
	defer it.Close()
	_, err = it.Next()
	if err == search.ErrDone {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func handleAuthenticate(ctx *Context) error {
	fields, err := readAuthFields(ctx.R)
	if err != nil {
		return err
	}
	password, err := protocol.ReadString(ctx.R)
	if err != nil {
		return err
	}

	dn, ok, err := resolveUserDN(ctx, fields.username)
	if err != nil {
		return writeAuthResult(ctx.W, authInfoUnavail, "directory unavailable")
	}
	if !ok {
		return writeAuthResult(ctx.W, authUserUnknown, "")
	}
	fields.dn = dn
	fields.uid = fields.username

	policy, bindErr := ctx.Dir.Bind(dn, password)
	if bindErr != nil {
		if _, is := asLDAPInvalidCredentials(bindErr); is {
			return writeAuthResult(ctx.W, authAuthError, policy.Message)
		}
		return writeAuthResult(ctx.W, authInfoUnavail, bindErr.Error())
	}
	if policy.Status != directory.PolicySuccess {
		return writeAuthResult(ctx.W, policyToAuthResult(policy), policy.Message)
	}

	ok, err = runPostAuthSearch(ctx, ctx.Cfg.PAM.AuthcSearch, fields)
	if err != nil {
		return writeAuthResult(ctx.W, authInfoUnavail, err.Error())
	}
	if !ok {
		return writeAuthResult(ctx.W, authPermissionDenied, "")
	}

	return writeAuthResult(ctx.W, authSuccess, "")
}

func asLDAPInvalidCredentials(err error) (*ldap.Error, bool) {
	var le *ldap.Error
	if errors.As(err, &le) && le.ResultCode == ldap.LDAPResultInvalidCredentials {
		return le, true
	}
	return nil, false
}

func handleAuthorize(ctx *Context) error {
	fields, err := readAuthFields(ctx.R)
	if err != nil {
		return err
	}

	dn, ok, err := resolveUserDN(ctx, fields.username)
	if err != nil {
		return writeAuthResult(ctx.W, authInfoUnavail, "directory unavailable")
	}
	if !ok {
		return writeAuthResult(ctx.W, authUserUnknown, "")
	}
	fields.dn = dn
	fields.uid = fields.username

	ok, err = runPostAuthSearch(ctx, ctx.Cfg.PAM.AuthzSearch, fields)
	if err != nil {
		return writeAuthResult(ctx.W, authInfoUnavail, err.Error())
	}
	if !ok {
		return writeAuthResult(ctx.W, authCredInsufficient, "")
	}
	return writeAuthResult(ctx.W, authSuccess, "")
}

// --- session open/close --------------------------------------------------

func handleSessionOpen(ctx *Context) error {
	if _, err := protocol.ReadString(ctx.R); err != nil { // username
		return err
	}
	return writeAuthResult(ctx.W, authSuccess, "")
}

func handleSessionClose(ctx *Context) error {
	if _, err := protocol.ReadString(ctx.R); err != nil { // username
		return err
	}
	return writeAuthResult(ctx.W, authSuccess, "")
}

// --- password change -------------------------------------------------------

func handlePasswordChange(ctx *Context) error {
	username, err := protocol.ReadString(ctx.R)
	if err != nil {
		return err
	}
	oldPassword, err := protocol.ReadString(ctx.R)
	if err != nil {
		return err
	}
	newPassword, err := protocol.ReadString(ctx.R)
	if err != nil {
		return err
	}

	if ctx.Cfg.PAM.PasswordProhibitMessage != "" {
		return writeAuthResult(ctx.W, authPermissionDenied, ctx.Cfg.PAM.PasswordProhibitMessage)
	}

	dn, ok, err := resolveUserDN(ctx, username)
	if err != nil {
		return writeAuthResult(ctx.W, authInfoUnavail, "directory unavailable")
	}
	if !ok {
		return writeAuthResult(ctx.W, authUserUnknown, "")
	}

	if err := ctx.Dir.PasswordChange(dn, oldPassword, newPassword); err != nil {
		if _, is := asLDAPInvalidCredentials(err); is {
			return writeAuthResult(ctx.W, authAuthtokError, "")
		}
		return writeAuthResult(ctx.W, authInfoUnavail, err.Error())
	}
	return writeAuthResult(ctx.W, authSuccess, "")
}

// --- user modify -----------------------------------------------------------

// handleUserModify applies a root-initiated attribute modification
// using the configured rootpwmoddn identity, per spec.md §6's
// "rootpwmoddn/rootpwmodpw: identity used for root-initiated password
// changes" — generalized here to arbitrary modify requests.
func handleUserModify(ctx *Context) error {
	username, err := protocol.ReadString(ctx.R)
	if err != nil {
		return err
	}
	attrName, err := protocol.ReadString(ctx.R)
	if err != nil {
		return err
	}
	values, err := protocol.ReadStringList(ctx.R)
	if err != nil {
		return err
	}

	dn, ok, err := resolveUserDN(ctx, username)
	if err != nil {
		return writeAuthResult(ctx.W, authInfoUnavail, "directory unavailable")
	}
	if !ok {
		return writeAuthResult(ctx.W, authUserUnknown, "")
	}

	rootDN := ctx.Cfg.RootPwModDN
	if rootDN != "" {
		if _, err := ctx.Dir.Bind(rootDN, ctx.Cfg.RootPwModPW); err != nil {
			return writeAuthResult(ctx.W, authInfoUnavail, err.Error())
		}
	}

	modlist := ldap.NewModifyRequest(dn, nil)
	if len(values) == 0 {
		modlist.Delete(attrName, nil)
	} else {
		modlist.Replace(attrName, values)
	}
	if err := ctx.Dir.Modify(dn, modlist); err != nil {
		return writeAuthResult(ctx.W, authPermissionDenied, err.Error())
	}
	return writeAuthResult(ctx.W, authSuccess, "")
}
