// Package history owns the per-account address records: the monotonically
// growing set of hashed addresses each account has ever used, and the single
// most-recent hashed address used for shallow matching.
package history

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Ledger is the address-history state container. All operations are atomic
// under an internal lock, so two simultaneous logins for the same account
// cannot lose an update.
type Ledger struct {
	mu     sync.RWMutex
	addrs  map[uuid.UUID]map[string]struct{} // account -> hashed addresses ever seen
	latest map[uuid.UUID]string              // account -> most recent hashed address
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		addrs:  make(map[uuid.UUID]map[string]struct{}),
		latest: make(map[uuid.UUID]string),
	}
}

// Record adds a hashed address to an account's history and overwrites the
// account's latest address. It reports whether the hash was new for the
// account.
func (l *Ledger) Record(account uuid.UUID, hashed string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, ok := l.addrs[account]
	if !ok {
		set = make(map[string]struct{})
		l.addrs[account] = set
	}
	_, seen := set[hashed]
	set[hashed] = struct{}{}
	l.latest[account] = hashed
	return !seen
}

// Latest returns the account's most recent hashed address.
func (l *Ledger) Latest(account uuid.UUID) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hashed, ok := l.latest[account]
	return hashed, ok
}

// SharedLatest returns every other account whose latest hashed address
// equals the target's. This is the shallow match: it deliberately ignores
// proxy classification, treating any shared most-recent address as a signal.
func (l *Ledger) SharedLatest(account uuid.UUID) []uuid.UUID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	target, ok := l.latest[account]
	if !ok {
		return nil
	}

	var matches []uuid.UUID
	for other, hashed := range l.latest {
		if other != account && hashed == target {
			matches = append(matches, other)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].String() < matches[j].String()
	})
	return matches
}

// Known reports whether the account has any recorded history.
func (l *Ledger) Known(account uuid.UUID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.addrs[account]
	return ok
}

// Accounts returns the number of accounts with recorded history.
func (l *Ledger) Accounts() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.addrs)
}

// Reset removes all recorded addresses for an account. Administrative only;
// the ingestion path never deletes history.
func (l *Ledger) Reset(account uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.addrs, account)
	delete(l.latest, account)
}

// SnapshotSets returns a deep copy of the history sets, safe to traverse
// without holding the ledger lock. Graph updates and rebuilds read this.
func (l *Ledger) SnapshotSets() map[uuid.UUID]map[string]struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[uuid.UUID]map[string]struct{}, len(l.addrs))
	for account, set := range l.addrs {
		cp := make(map[string]struct{}, len(set))
		for hashed := range set {
			cp[hashed] = struct{}{}
		}
		out[account] = cp
	}
	return out
}

// SnapshotHistory returns the history as account -> sorted hash list, the
// shape the persistent store writes.
func (l *Ledger) SnapshotHistory() map[uuid.UUID][]string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[uuid.UUID][]string, len(l.addrs))
	for account, set := range l.addrs {
		hashes := make([]string, 0, len(set))
		for hashed := range set {
			hashes = append(hashes, hashed)
		}
		sort.Strings(hashes)
		out[account] = hashes
	}
	return out
}

// SnapshotLatest returns a copy of the latest-address map.
func (l *Ledger) SnapshotLatest() map[uuid.UUID]string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[uuid.UUID]string, len(l.latest))
	for account, hashed := range l.latest {
		out[account] = hashed
	}
	return out
}

// Restore replaces ledger contents with loaded state.
func (l *Ledger) Restore(history map[uuid.UUID][]string, latest map[uuid.UUID]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.addrs = make(map[uuid.UUID]map[string]struct{}, len(history))
	for account, hashes := range history {
		set := make(map[string]struct{}, len(hashes))
		for _, hashed := range hashes {
			set[hashed] = struct{}{}
		}
		l.addrs[account] = set
	}
	l.latest = make(map[uuid.UUID]string, len(latest))
	for account, hashed := range latest {
		l.latest[account] = hashed
	}
}
