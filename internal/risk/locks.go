package risk

import "sync"

// AccountLocks serializes the recompute-decide-mutate-persist sequence
// per account. Two concurrent valuation passes for the same account
// must not both liquidate or apply the same realized P&L twice;
// different accounts proceed in parallel.
type AccountLocks struct {
	locks sync.Map // accountID -> *sync.Mutex
}

// NewAccountLocks creates an empty lock registry.
func NewAccountLocks() *AccountLocks {
	return &AccountLocks{}
}

// Lock acquires the mutex for an account and returns the unlock func.
func (l *AccountLocks) Lock(accountID string) func() {
	v, _ := l.locks.LoadOrStore(accountID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
