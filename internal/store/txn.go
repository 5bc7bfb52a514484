package store

import (
	"sync"

	"github.com/keelfs/keelfs/internal/keys"
)

type lockRef struct {
	store    *ObjectStore
	objectID uint64
}

// Transaction is an ephemeral staging area for record mutations plus the
// object locks they required. Committing applies each store's share
// atomically to that store's journal and mutable layer, then consumes the
// transaction. A transaction abandoned before commit is dropped with no
// effect beyond the object ids it burned.
//
// Cross-store transactions commit store by store in first-touch order; the
// spec deliberately leaves cross-store visibility ordering to an explicit
// sync barrier, so no two-phase machinery is needed here.
type Transaction struct {
	mu     sync.Mutex
	shares map[*ObjectStore][]*keys.Item
	order  []*ObjectStore
	locks  []lockRef
	done   bool
}

// NewTransaction returns an open transaction.
func NewTransaction() *Transaction {
	return &Transaction{shares: make(map[*ObjectStore][]*keys.Item)}
}

// Lock acquires the per-object lock for objectID in s, blocking while
// another transaction holds it. Acquiring the same lock twice in one
// transaction is a no-op.
func (t *Transaction) Lock(s *ObjectStore, objectID uint64) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrCommitted
	}
	for _, l := range t.locks {
		if l.store == s && l.objectID == objectID {
			t.mu.Unlock()
			return nil
		}
	}
	t.mu.Unlock()

	// Block outside t.mu so a waiting transaction can still be dropped by
	// its owner.
	s.locks.acquire(objectID)

	t.mu.Lock()
	t.locks = append(t.locks, lockRef{store: s, objectID: objectID})
	t.mu.Unlock()
	return nil
}

// Stage appends one record mutation to s's share of the transaction.
// Mutations apply in staging order at commit, so a later record for the
// same key wins.
func (t *Transaction) Stage(s *ObjectStore, item *keys.Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrCommitted
	}
	if _, seen := t.shares[s]; !seen {
		t.order = append(t.order, s)
	}
	t.shares[s] = append(t.shares[s], item)
	return nil
}

// Commit applies every store's share and consumes the transaction. Locks
// release whether or not the commit succeeded; on error the transaction is
// still consumed and the error surfaces to the caller.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrCommitted
	}
	t.done = true
	order := t.order
	shares := t.shares
	locks := t.locks
	t.mu.Unlock()

	var firstErr error
	for _, s := range order {
		if err := s.commitShare(shares[s]); err != nil {
			firstErr = err
			break
		}
	}
	releaseLocks(locks)
	return firstErr
}

// Drop abandons an uncommitted transaction, discarding staged mutations and
// releasing its locks. Dropping a consumed transaction is a no-op.
func (t *Transaction) Drop() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	locks := t.locks
	t.mu.Unlock()
	releaseLocks(locks)
}

func releaseLocks(locks []lockRef) {
	for _, l := range locks {
		l.store.locks.release(l.objectID)
	}
}
