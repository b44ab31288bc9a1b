// Package directory implements the directory session: a thin,
// retrying wrapper around a go-ldap connection that mirrors
// nss-pam-ldapd's myldap.c session/URI fail-over model.
package directory

import (
	"sync"
	"time"

	"github.com/nsld/nsld/internal/metrics"
)

// uriState tracks one configured URI's failure history. Both
// timestamps zero means healthy.
type uriState struct {
	uri          string
	firstFailure time.Time
	lastFailure  time.Time
	skip         bool // local to the current retry round
}

// URITable is the shared, mutex-guarded table of configured URIs and
// their failure history. One instance is shared by every Session
// built from the same configuration, matching spec.md's "URI entry
// (shared, guarded by a single mutex across all sessions)".
type URITable struct {
	mu                 sync.Mutex
	entries            []*uriState
	reconnectSleeptime time.Duration
	reconnectRetrytime time.Duration
	firstSearchDone    bool
	metrics            *metrics.Collector
}

// NewURITable builds a URITable from an ordered URI list. collector may
// be nil, in which case no per-URI failure metrics are recorded.
func NewURITable(uris []string, sleeptime, retrytime time.Duration, collector *metrics.Collector) *URITable {
	entries := make([]*uriState, len(uris))
	for i, u := range uris {
		entries[i] = &uriState{uri: u}
	}
	return &URITable{
		entries:            entries,
		reconnectSleeptime: sleeptime,
		reconnectRetrytime: retrytime,
		metrics:            collector,
	}
}

// Len returns the number of configured URIs.
func (t *URITable) Len() int {
	return len(t.entries)
}

// URIAt returns the URI string at index i.
func (t *URITable) URIAt(i int) string {
	return t.entries[i%len(t.entries)].uri
}

// beginRound resets the per-round skip bits and returns the round
// deadline.
func (t *URITable) beginRound() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		e.skip = false
	}
	return time.Now().Add(t.reconnectRetrytime)
}

// shouldSkip reports whether URI index i is in a hard-fail state that
// has not yet waited out reconnect_retrytime since its last failure.
func (t *URITable) shouldSkip(i int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[i%len(t.entries)]
	if e.skip {
		return true
	}
	if e.firstFailure.IsZero() {
		return false
	}
	now := time.Now()
	hardFail := e.lastFailure.Sub(e.firstFailure) > t.reconnectRetrytime
	return hardFail && now.Sub(e.lastFailure) < t.reconnectRetrytime
}

// recordSuccess clears a URI's failure timestamps and reports whether
// this was a recovery (the invalidator should fire) — either because
// the URI had failures recorded, or this is the very first successful
// search the table has ever seen.
func (t *URITable) recordSuccess(i int) (recovered bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[i%len(t.entries)]
	if !e.firstFailure.IsZero() || !t.firstSearchDone {
		recovered = true
	}
	t.firstSearchDone = true
	e.firstFailure = time.Time{}
	e.lastFailure = time.Time{}
	return recovered
}

// recordFailure updates a URI's failure timestamps (unless
// authenticating as a user, per spec.md's do_retry_search) and marks
// it skip-for-this-round if its error class will never be helped by
// retrying. It returns the earliest time a subsequent round should
// retry.
func (t *URITable) recordFailure(i int, neverHelps bool, skipTimestamps bool) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[i%len(t.entries)]
	if t.metrics != nil {
		t.metrics.IncURIFailure(e.uri)
	}
	now := time.Now()
	if !skipTimestamps {
		if e.firstFailure.IsZero() {
			e.firstFailure = now
		}
		e.lastFailure = now
	}
	if neverHelps {
		e.skip = true
		return time.Time{}
	}
	if skipTimestamps || now.Sub(e.firstFailure) <= t.reconnectRetrytime {
		return now.Add(t.reconnectSleeptime)
	}
	return time.Time{}
}

// ImmediateReconnect moves every hard-failed URI's last-failure time
// backwards so the next retry round attempts it immediately, per
// myldap_immediate_reconnect.
func (t *URITable) ImmediateReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for _, e := range t.entries {
		if e.lastFailure.IsZero() {
			continue
		}
		hardFail := e.lastFailure.Sub(e.firstFailure) > t.reconnectRetrytime
		if hardFail {
			e.lastFailure = now.Add(-t.reconnectRetrytime - time.Second)
			e.skip = false
		}
	}
}
