package directory

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/nsld/nsld/internal/config"
	"github.com/nsld/nsld/internal/search"
)

// maxSearchesInSession bounds the number of concurrently outstanding
// iterators a session tracks, per spec.md's MAX_SEARCHES_IN_SESSION.
const maxSearchesInSession = 4

// Errors returned by Session operations.
var (
	ErrTooManySearches = errors.New("directory: session already has the maximum number of outstanding searches")
	ErrNoURIsConfigured = errors.New("directory: no uris configured")
)

// PolicyStatus classifies the outcome of a bind with respect to
// password-policy controls.
type PolicyStatus int

// Recognized policy statuses, per spec.md 4.F "Password-policy controls".
const (
	PolicySuccess PolicyStatus = iota
	PolicyNewTokenRequired
	PolicyAccountExpired
	PolicyPermissionDenied
)

// PolicyResponse is the (status, message) pair produced by parsing
// the directory's password-policy controls on the most recent bind.
type PolicyResponse struct {
	Status  PolicyStatus
	Message string
}

// Session is a single worker's handle to the directory: at most one
// worker uses a Session at a time, and it owns its own go-ldap
// connection plus a bounded table of outstanding search iterators.
type Session struct {
	cfg    *config.Config
	uris   *URITable
	tlsCfg *tls.Config

	conn         *ldap.Conn
	cursor       int
	lastActivity time.Time

	// overrideDN/overridePW hold the end-user's credentials during an
	// authenticate-as-user operation (spec.md 9 "Authentication-as-user
	// path"): set on entry, cleared on exit.
	overrideDN string
	overridePW string

	policy PolicyResponse

	invalidate func()

	mu        sync.Mutex
	iterators map[*search.Iterator]struct{}
}

// Create returns an unconnected Session bound to uris. The real
// connection happens lazily on first use (openOrReuse/do_open).
func Create(cfg *config.Config, uris *URITable, tlsCfg *tls.Config) *Session {
	return &Session{
		cfg:       cfg,
		uris:      uris,
		tlsCfg:    tlsCfg,
		iterators: make(map[*search.Iterator]struct{}),
	}
}

// Check tests the session for a closed underlying connection and, if
// no searches are outstanding and the session has been idle longer
// than idle_timelimit, closes it and resets the URI cursor to zero so
// the next operation starts at the primary URI.
func (s *Session) Check() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	if s.conn.IsClosing() {
		s.closeLocked()
		return
	}
	if len(s.iterators) > 0 {
		return
	}
	if s.cfg.IdleTimelimit > 0 && time.Since(s.lastActivity) > s.cfg.IdleTimelimit {
		s.closeLocked()
		s.cursor = 0
	}
}

// Cleanup invalidates every outstanding iterator belonging to this
// session.
func (s *Session) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for it := range s.iterators {
		it.Invalidate()
	}
	s.iterators = make(map[*search.Iterator]struct{})
}

// Close tears down the underlying connection, invalidating every
// outstanding iterator first.
func (s *Session) Close() {
	s.Cleanup()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// ImmediateReconnect forces every hard-failed URI in the shared table
// to be retried on the next operation.
func (s *Session) ImmediateReconnect() {
	s.uris.ImmediateReconnect()
}

// registerIterator adds it to the session's outstanding-iterator
// table, enforcing maxSearchesInSession.
func (s *Session) registerIterator(it *search.Iterator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.iterators) >= maxSearchesInSession {
		return ErrTooManySearches
	}
	s.iterators[it] = struct{}{}
	return nil
}

func (s *Session) unregisterIterator(it *search.Iterator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.iterators, it)
}

// Search builds a search iterator over base/scope/filter/attrs. If
// derefAttr is non-empty, a dereference control is attached asking
// the server to resolve that attribute's DN-valued references (used
// for the group/member slot). The iterator does not contact the
// directory until its first Next call.
func (s *Session) Search(base string, scope search.Scope, filter string, attrs []string, derefAttr string) (*search.Iterator, error) {
	it := search.New(s, base, scope, filter, attrs, derefAttr, s.cfg.PageSize, s.cfg.Timelimit)
	if err := s.registerIterator(it); err != nil {
		return nil, err
	}
	return it, nil
}

// CloseIterator is called by a search.Iterator when it reaches end of
// results or is explicitly closed.
func (s *Session) CloseIterator(it *search.Iterator) {
	s.unregisterIterator(it)
}

// doOpen implements spec.md 4.F's do_open: connect, apply options,
// StartTLS if configured, and bind, unless already connected.
func (s *Session) doOpen() error {
	if s.conn != nil {
		return nil
	}
	if s.uris.Len() == 0 {
		return ErrNoURIsConfigured
	}

	uri := s.uris.URIAt(s.cursor)
	conn, err := ldap.DialURL(uri, ldap.DialWithTLSConfig(s.tlsCfg))
	if err != nil {
		return fmt.Errorf("dial %s: %w", uri, err)
	}

	if s.cfg.BindTimelimit > 0 {
		conn.SetTimeout(s.cfg.BindTimelimit)
	}

	if s.cfg.SSL == "start_tls" {
		if err := conn.StartTLS(s.tlsCfg); err != nil {
			conn.Close()
			return fmt.Errorf("starttls %s: %w", uri, err)
		}
	}

	if err := s.bindForOpen(conn); err != nil {
		conn.Close()
		return err
	}

	s.conn = conn
	s.lastActivity = time.Now()
	return nil
}

// bindForOpen performs the bind step of do_open: policy-aware simple
// bind with an override identity if one is set (authenticate-as-user),
// otherwise a SASL or simple bind with the configured default
// identity.
func (s *Session) bindForOpen(conn *ldap.Conn) error {
	if s.overrideDN != "" {
		policy, err := bindWithPolicy(conn, s.overrideDN, s.overridePW, s.cfg.PAM.AuthcPPolicy)
		s.policy = policy
		return err
	}
	if s.cfg.SASL.Mech != "" {
		// Interactive SASL negotiation needs a callback mechanism the
		// directory library does not expose uniformly across
		// mechanisms; fall back to a plain bind with the configured
		// SASL authentication identity and the default credential, as
		// spec.md 4.F's do_open step 5 allows.
		authcid := s.cfg.SASL.Authcid
		if authcid == "" {
			authcid = s.cfg.BindDN
		}
		return conn.Bind(authcid, s.cfg.BindPW)
	}
	return conn.Bind(s.cfg.BindDN, s.cfg.BindPW)
}

// bindWithPolicy performs a simple bind, optionally attaching a
// password-policy request control and parsing any response control
// into a PolicyResponse.
func bindWithPolicy(conn *ldap.Conn, dn, password string, withPolicy bool) (PolicyResponse, error) {
	req := ldap.NewSimpleBindRequest(dn, password, nil)
	if withPolicy {
		req.Controls = append(req.Controls, ldap.NewControlBeheraPasswordPolicy())
	}
	res, err := conn.SimpleBind(req)
	policy := parsePolicyResponse(res, err)
	return policy, err
}

// parsePolicyResponse inspects a bind response's password-policy
// controls (if present) and maps the most severe signal to a
// PolicyResponse, per spec.md 4.F.
func parsePolicyResponse(res *ldap.SimpleBindResult, bindErr error) PolicyResponse {
	if res == nil {
		if bindErr != nil {
			return PolicyResponse{Status: PolicyPermissionDenied, Message: bindErr.Error()}
		}
		return PolicyResponse{Status: PolicySuccess}
	}
	ctrl := ldap.FindControl(res.Controls, ldap.ControlTypeBeheraPasswordPolicy)
	if ctrl == nil {
		if bindErr != nil {
			return PolicyResponse{Status: PolicyPermissionDenied, Message: bindErr.Error()}
		}
		return PolicyResponse{Status: PolicySuccess}
	}
	pp, ok := ctrl.(*ldap.ControlBeheraPasswordPolicy)
	if !ok {
		return PolicyResponse{Status: PolicySuccess}
	}
	switch pp.Error {
	case ldap.BeheraPasswordExpired:
		return PolicyResponse{Status: PolicyNewTokenRequired, Message: "Password expired"}
	case ldap.BeheraAccountLocked:
		return PolicyResponse{Status: PolicyAccountExpired, Message: "Account locked"}
	case ldap.BeheraChangeAfterReset:
		return PolicyResponse{Status: PolicyNewTokenRequired, Message: "Change after reset"}
	case ldap.BeheraPasswordModNotAllowed, ldap.BeheraMustSupplyOldPassword,
		ldap.BeheraInsufficientPasswordQuality, ldap.BeheraPasswordTooShort,
		ldap.BeheraPasswordTooYoung, ldap.BeheraPasswordInHistory:
		return PolicyResponse{Status: PolicyPermissionDenied, Message: pp.ErrorString}
	}
	if pp.Expire >= 0 {
		return PolicyResponse{Status: PolicySuccess, Message: fmt.Sprintf("password will expire in %s", time.Duration(pp.Expire)*time.Second)}
	}
	if pp.Grace > 0 {
		return PolicyResponse{Status: PolicySuccess, Message: fmt.Sprintf("%d grace logins left", pp.Grace)}
	}
	if bindErr != nil {
		return PolicyResponse{Status: PolicyPermissionDenied, Message: bindErr.Error()}
	}
	return PolicyResponse{Status: PolicySuccess}
}

// Bind authenticates as dn/password (authenticate-as-user path): push
// the override identity, force a reconnect against the new identity,
// and report the resulting policy response. The override is cleared
// on return, success or failure, so the next use of the session
// rebinds with the default identity.
func (s *Session) Bind(dn, password string) (PolicyResponse, error) {
	s.mu.Lock()
	s.overrideDN = dn
	s.overridePW = password
	s.closeLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.overrideDN = ""
		s.overridePW = ""
		s.mu.Unlock()
	}()

	err := s.RetrySearch(func(conn *ldap.Conn) error { return nil })
	s.mu.Lock()
	policy := s.policy
	s.mu.Unlock()
	return policy, err
}

// PasswordChange performs an LDAP password-modify extended operation
// changing dn's password from old to new.
func (s *Session) PasswordChange(dn, old, newPassword string) error {
	return s.RetrySearch(func(conn *ldap.Conn) error {
		req := ldap.NewPasswordModifyRequest(dn, old, newPassword)
		_, err := conn.PasswordModify(req)
		return err
	})
}

// Modify applies modlist to dn.
func (s *Session) Modify(dn string, modlist *ldap.ModifyRequest) error {
	return s.RetrySearch(func(conn *ldap.Conn) error {
		return conn.Modify(modlist)
	})
}

// Conn exposes the session's live connection for the search package's
// Directory interface. It is only valid to call from within a
// RetrySearch callback.
func (s *Session) Conn() *ldap.Conn {
	return s.conn
}

// Touch updates the session's last-activity timestamp, called by the
// search package after every entry or successful operation.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}
