package ledger

import "sort"

// PositionAuthorizer answers whether a caller may act on another account's
// position or balances. The position manager that owns delegation semantics
// is an external collaborator; the ledger only consumes this capability
// check.
type PositionAuthorizer interface {
	IsAuthorized(poolID, owner, caller string) bool
}

// DelegateRegistry is the default in-process authorizer: an owner is always
// authorized for itself and may whitelist delegate callers. Delegation is
// account-wide, not per pool.
type DelegateRegistry struct {
	delegates map[string]map[string]bool
}

func NewDelegateRegistry() *DelegateRegistry {
	return &DelegateRegistry{
		delegates: make(map[string]map[string]bool),
	}
}

// Approve whitelists caller to act on owner's positions and balances.
func (r *DelegateRegistry) Approve(owner, caller string) {
	if r.delegates[owner] == nil {
		r.delegates[owner] = make(map[string]bool)
	}
	r.delegates[owner][caller] = true
}

// Revoke removes a previously approved delegate.
func (r *DelegateRegistry) Revoke(owner, caller string) {
	delete(r.delegates[owner], caller)
}

func (r *DelegateRegistry) IsAuthorized(poolID, owner, caller string) bool {
	if owner == caller {
		return true
	}
	return r.delegates[owner][caller]
}

// Snapshot exports all approvals as owner -> delegate list.
func (r *DelegateRegistry) Snapshot() map[string][]string {
	out := make(map[string][]string, len(r.delegates))
	for owner, callers := range r.delegates {
		if len(callers) == 0 {
			continue
		}
		list := make([]string, 0, len(callers))
		for caller := range callers {
			list = append(list, caller)
		}
		sort.Strings(list)
		out[owner] = list
	}
	return out
}

// Restore replaces all approvals with a previously exported snapshot.
func (r *DelegateRegistry) Restore(approvals map[string][]string) {
	r.delegates = make(map[string]map[string]bool, len(approvals))
	for owner, callers := range approvals {
		for _, caller := range callers {
			r.Approve(owner, caller)
		}
	}
}
