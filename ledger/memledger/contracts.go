package memledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/escrow/condition"
	"go.dedis.ch/escrow/ledger"
	"go.dedis.ch/escrow/wallet"
)

// createAgreement registers the agreement and its three conditions after
// checking the consumer's signature over the agreement hash.
func (l *Ledger) createAgreement(call ledger.Call) ([]ledger.Log, error) {
	c, err := ledger.DecodeCreateAgreement(call)
	if err != nil {
		return nil, err
	}
	if _, err := l.state.Get(agreementKey(c.AgreementID)); err == nil {
		return nil, fmt.Errorf("agreement %s already exists", c.AgreementID.Hex())
	}
	if len(c.ConditionIDs) != len(condition.Kinds) || len(c.TimeOuts) != len(condition.Kinds) ||
		len(c.TimeLocks) != len(condition.Kinds) {
		return nil, fmt.Errorf("agreement %s: want %d conditions", c.AgreementID.Hex(), len(condition.Kinds))
	}

	var ids condition.IDs
	copy(ids[:], c.ConditionIDs)
	tmpl := l.conf.Template
	for i := range condition.Kinds {
		tmpl.TimeOuts[i] = c.TimeOuts[i].Uint64()
		tmpl.TimeLocks[i] = c.TimeLocks[i].Uint64()
	}
	hash := condition.AgreementHash(tmpl, c.AgreementID, ids)
	signer, err := wallet.Recover(hash, c.Signature)
	if err != nil {
		return nil, fmt.Errorf("agreement %s: %w", c.AgreementID.Hex(), err)
	}
	if signer != c.Consumer {
		return nil, fmt.Errorf("agreement %s: signed by %s, not consumer %s",
			c.AgreementID.Hex(), signer.Hex(), c.Consumer.Hex())
	}
	for _, id := range ids {
		if _, err := l.state.Get(conditionKey(id)); err == nil {
			return nil, fmt.Errorf("condition %s already exists", id.Hex())
		}
	}

	now := l.now()
	for _, k := range condition.Kinds {
		l.putCondition(&conditionEntry{
			ID:          ids.Of(k),
			AgreementID: c.AgreementID,
			Kind:        k,
			State:       ledger.Unfulfilled,
			TimeOut:     tmpl.Timeout(k),
			CreatedAt:   now,
		})
	}
	_ = l.state.Put(agreementKey(c.AgreementID), &agreementEntry{
		ID:         c.AgreementID,
		DID:        c.DID,
		Consumer:   c.Consumer,
		Publisher:  c.Publisher,
		Conditions: ids,
		CreatedAt:  now,
	})

	return []ledger.Log{{
		Kind:     ledger.EventAgreementCreated,
		Contract: l.conf.Template.AgreementAddress,
		Args: map[string]interface{}{
			ledger.ArgAgreementID: c.AgreementID,
			ledger.ArgDID:         c.DID,
			ledger.ArgConsumer:    c.Consumer,
			ledger.ArgPublisher:   c.Publisher,
		},
	}}, nil
}

// fulfillable loads a condition that must still be open.
func (l *Ledger) fulfillable(id common.Hash) (*conditionEntry, error) {
	cond, err := l.getCondition(id)
	if err != nil {
		return nil, err
	}
	if cond.State != ledger.Unfulfilled {
		return nil, fmt.Errorf("condition %s already %s", id.Hex(), cond.State)
	}
	return cond, nil
}

func (l *Ledger) fulfillLockReward(call ledger.Call) ([]ledger.Log, error) {
	agreementID, err := call.ArgHash(0)
	if err != nil {
		return nil, err
	}
	rewardAddress, err := call.ArgAddress(1)
	if err != nil {
		return nil, err
	}
	amount, err := call.ArgAmount(2)
	if err != nil {
		return nil, err
	}

	id := condition.LockRewardID(agreementID, l.conf.Template.LockRewardAddress, rewardAddress, amount)
	cond, err := l.fulfillable(id)
	if err != nil {
		return nil, err
	}
	if l.timedOut(cond) {
		return nil, fmt.Errorf("condition %s timed out", id.Hex())
	}
	if err := l.transfer(call.From, rewardAddress, amount); err != nil {
		return nil, err
	}
	cond.State = ledger.Fulfilled
	l.putCondition(cond)

	return []ledger.Log{{
		Kind:     ledger.EventLockRewardFulfilled,
		Contract: l.conf.Template.LockRewardAddress,
		Args: map[string]interface{}{
			ledger.ArgAgreementID:   agreementID,
			ledger.ArgRewardAddress: rewardAddress,
			ledger.ArgConditionID:   id,
			ledger.ArgAmount:        amount,
		},
	}}, nil
}

func (l *Ledger) fulfillAccess(call ledger.Call) ([]ledger.Log, error) {
	agreementID, err := call.ArgHash(0)
	if err != nil {
		return nil, err
	}
	did, err := call.ArgHash(1)
	if err != nil {
		return nil, err
	}
	grantee, err := call.ArgAddress(2)
	if err != nil {
		return nil, err
	}

	agr, err := l.getAgreement(agreementID)
	if err != nil {
		return nil, err
	}
	if call.From != agr.Publisher {
		return nil, fmt.Errorf("only publisher %s may grant access, not %s", agr.Publisher.Hex(), call.From.Hex())
	}
	lock, err := l.getCondition(agr.Conditions.Of(condition.LockReward))
	if err != nil {
		return nil, err
	}
	if lock.State != ledger.Fulfilled {
		return nil, fmt.Errorf("lock condition %s is %s", lock.ID.Hex(), lock.State)
	}
	id := condition.AccessID(agreementID, l.conf.Template.AccessAddress, did, grantee)
	cond, err := l.fulfillable(id)
	if err != nil {
		return nil, err
	}
	if l.timedOut(cond) {
		return nil, fmt.Errorf("condition %s timed out", id.Hex())
	}
	cond.State = ledger.Fulfilled
	l.putCondition(cond)

	return []ledger.Log{{
		Kind:     ledger.EventAccessFulfilled,
		Contract: l.conf.Template.AccessAddress,
		Args: map[string]interface{}{
			ledger.ArgAgreementID: agreementID,
			ledger.ArgDID:         did,
			ledger.ArgGrantee:     grantee,
			ledger.ArgConditionID: id,
		},
	}}, nil
}

// fulfillEscrowReward pays receiver when the release condition is fulfilled.
// When the release condition is aborted or timed out it refunds sender if the
// lock went through, and aborts the escrow otherwise.
func (l *Ledger) fulfillEscrowReward(call ledger.Call) ([]ledger.Log, error) {
	agreementID, err := call.ArgHash(0)
	if err != nil {
		return nil, err
	}
	amount, err := call.ArgAmount(1)
	if err != nil {
		return nil, err
	}
	receiver, err := call.ArgAddress(2)
	if err != nil {
		return nil, err
	}
	sender, err := call.ArgAddress(3)
	if err != nil {
		return nil, err
	}
	lockID, err := call.ArgHash(4)
	if err != nil {
		return nil, err
	}
	releaseID, err := call.ArgHash(5)
	if err != nil {
		return nil, err
	}

	escrowAddress := l.conf.Template.EscrowRewardAddress
	id := condition.EscrowRewardID(agreementID, escrowAddress, amount, receiver, sender, lockID, releaseID)
	cond, err := l.fulfillable(id)
	if err != nil {
		return nil, err
	}
	lock, err := l.getCondition(lockID)
	if err != nil {
		return nil, err
	}
	release, err := l.getCondition(releaseID)
	if err != nil {
		return nil, err
	}

	var paid common.Address
	switch {
	case release.State == ledger.Fulfilled:
		if lock.State != ledger.Fulfilled {
			return nil, fmt.Errorf("lock condition %s is %s", lockID.Hex(), lock.State)
		}
		paid = receiver
	case release.State == ledger.Aborted || l.timedOut(release) ||
		(lock.State == ledger.Unfulfilled && l.timedOut(lock)):
		if release.State == ledger.Unfulfilled {
			release.State = ledger.Aborted
			l.putCondition(release)
		}
		if lock.State != ledger.Fulfilled {
			if lock.State == ledger.Unfulfilled {
				lock.State = ledger.Aborted
				l.putCondition(lock)
			}
			cond.State = ledger.Aborted
			l.putCondition(cond)
			return nil, nil
		}
		paid = sender
	default:
		return nil, fmt.Errorf("release condition %s is %s and has not timed out", releaseID.Hex(), release.State)
	}

	if err := l.transfer(escrowAddress, paid, amount); err != nil {
		return nil, err
	}
	cond.State = ledger.Fulfilled
	l.putCondition(cond)

	return []ledger.Log{{
		Kind:     ledger.EventEscrowRewardFulfilled,
		Contract: escrowAddress,
		Args: map[string]interface{}{
			ledger.ArgAgreementID: agreementID,
			ledger.ArgReceiver:    paid,
			ledger.ArgConditionID: id,
			ledger.ArgAmount:      amount,
		},
	}}, nil
}
