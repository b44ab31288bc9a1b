package directory

import (
	"errors"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// SetInvalidator installs the callback RetrySearch fires once after
// any operation that recovers from a prior failure (or on the very
// first successful operation ever). Wired to internal/invalidate by
// the daemon's startup code.
func (s *Session) SetInvalidator(fn func()) {
	s.mu.Lock()
	s.invalidate = fn
	s.mu.Unlock()
}

// neverHelpsRetrying reports whether err belongs to the class of LDAP
// errors that retrying the same URI (or, per do_retry_search, any
// other URI) will not fix: invalid credentials, insufficient access,
// or an unsupported auth method.
func neverHelpsRetrying(err error) bool {
	var le *ldap.Error
	if !errors.As(err, &le) {
		return false
	}
	switch le.ResultCode {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultAuthMethodNotSupported:
		return true
	default:
		return false
	}
}

func isInvalidCredentials(err error) bool {
	var le *ldap.Error
	return errors.As(err, &le) && le.ResultCode == ldap.LDAPResultInvalidCredentials
}

// RetrySearch implements spec.md 4.F's retry_search: it walks the
// shared URI table starting at the session's cursor, opening and
// running op against each non-hard-failed URI until one succeeds, all
// URIs are exhausted and the overall reconnect_retrytime deadline
// passes, or an authenticate-as-user bind fails with invalid
// credentials (which no other URI will fix).
func (s *Session) RetrySearch(op func(conn *ldap.Conn) error) error {
	overallDeadline := s.uris.beginRound()
	authAsUser := s.overrideDN != ""

	var lastErr error
	for {
		nextTry := overallDeadline
		startCursor := s.cursor
		for {
			if !s.uris.shouldSkip(s.cursor) {
				err := s.doOpen()
				if err == nil {
					err = op(s.conn)
				}

				if err == nil {
					recovered := s.uris.recordSuccess(s.cursor)
					if recovered && s.invalidate != nil {
						s.invalidate()
					}
					return nil
				}

				s.mu.Lock()
				s.closeLocked()
				s.mu.Unlock()

				if authAsUser && isInvalidCredentials(err) {
					return err
				}

				retryAt := s.uris.recordFailure(s.cursor, neverHelpsRetrying(err), authAsUser)
				if !retryAt.IsZero() && retryAt.Before(nextTry) {
					nextTry = retryAt
				}
				lastErr = err
			}

			s.cursor = (s.cursor + 1) % s.uris.Len()
			if s.cursor == startCursor {
				break
			}
		}

		if !nextTry.Before(overallDeadline) {
			return lastErr
		}
		if sleep := time.Until(nextTry); sleep > 0 {
			time.Sleep(sleep)
		}
	}
}
