package memledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/escrow/condition"
	"go.dedis.ch/escrow/ledger"
)

// SetBalance credits addr with amount, replacing its balance.
func (l *Ledger) SetBalance(addr common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.state.Put(balanceKey(addr), new(big.Int).Set(amount))
}

// Balance returns the balance of addr.
func (l *Ledger) Balance(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(addr)
}

// Submitted returns every call seen by Submit, in order.
func (l *Ledger) Submitted() []ledger.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ledger.Call, len(l.submitted))
	copy(out, l.submitted)
	return out
}

// SubmittedTo returns the calls sent to one contract.
func (l *Ledger) SubmittedTo(contract string) []ledger.Call {
	var out []ledger.Call
	for _, c := range l.Submitted() {
		if c.Contract == contract {
			out = append(out, c)
		}
	}
	return out
}

// FailNextSubmit makes the next call to contract fail with err before mining.
func (l *Ledger) FailNextSubmit(contract string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failSubmits[contract] = err
}

// FailQueries makes the next n FilterLogs calls drop their filter and fail.
func (l *Ledger) FailQueries(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failQueries = n
}

// ExpireFilters drops every installed filter, as a node restart would.
func (l *Ledger) ExpireFilters() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filters = make(map[string]ledger.LogQuery)
}

// Filters returns the number of installed filters.
func (l *Ledger) Filters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.filters)
}

// SetConditionState overwrites the state of a registered condition.
func (l *Ledger) SetConditionState(id common.Hash, state ledger.ConditionState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := l.getCondition(id)
	if err != nil {
		return err
	}
	c.State = state
	l.putCondition(c)
	return nil
}

// Fulfill marks condition k of an agreement fulfilled and mines the matching
// event, as if the counter-party's transaction had gone through.
func (l *Ledger) Fulfill(k condition.Kind, agreementID common.Hash, args map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	agr, err := l.getAgreement(agreementID)
	if err != nil {
		return err
	}
	c, err := l.getCondition(agr.Conditions.Of(k))
	if err != nil {
		return err
	}
	if c.State != ledger.Unfulfilled {
		return fmt.Errorf("condition %s already %s", c.ID.Hex(), c.State)
	}
	c.State = ledger.Fulfilled
	l.putCondition(c)

	all := map[string]interface{}{
		ledger.ArgAgreementID: agreementID,
		ledger.ArgConditionID: c.ID,
	}
	for key, v := range args {
		all[key] = v
	}
	l.mine([]ledger.Log{{Kind: k.Event(), Contract: l.conf.Template.Address(k), Args: all}})
	return nil
}

// StateRoot returns the world state hash stamped on block number.
func (l *Ledger) StateRoot(number uint64) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if number >= uint64(len(l.blocks)) {
		return "", false
	}
	return l.blocks[number].root, true
}

// Emit mines a block holding one arbitrary log.
func (l *Ledger) Emit(lg ledger.Log) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mine([]ledger.Log{lg})
}
