package agreement

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/escrow/condition"
	"go.dedis.ch/escrow/event"
	"go.dedis.ch/escrow/ledger"
	"go.dedis.ch/escrow/store"
)

// awaitCreation subscribes to the creation event. A receipt that already
// carries the event advances the agreement at once; the subscription then
// only cross-checks.
func (e *Engine) awaitCreation(t *tracked, receipt *ledger.Receipt) {
	id := t.agreement.ID
	d := e.dispatchers[ledger.EventAgreementCreated]
	_, err := d.AddFilterFrom(t.agreement.BlockNumber, ledger.ArgAgreementID, id, func(o event.Outcome) {
		e.spawn(func() { e.report(t, e.onCreated(context.Background(), t, o)) })
	}, nil, e.conf.OnboardingTimeout, t.agreement.StartTime)
	if err != nil {
		e.agreementLogger(t).Error().Err(err).Msg("failed to subscribe to creation")
	}
	if receipt.Confirms(ledger.EventAgreementCreated, id) {
		e.spawn(func() { e.report(t, e.onCreated(context.Background(), t, event.Outcome{})) })
	}
}

// watch subscribes to the fulfillment event of condition k, searching logs
// from the block the agreement was created at. The wait times out once the
// condition's timeout has elapsed since start.
func (e *Engine) watch(t *tracked, k condition.Kind, start time.Time) {
	d := e.dispatchers[k.Event()]
	_, err := d.AddFilterFrom(t.agreement.BlockNumber, ledger.ArgAgreementID, t.agreement.ID, func(o event.Outcome) {
		e.spawn(func() { e.report(t, e.onFulfilled(context.Background(), t, k, o)) })
	}, nil, e.waitTimeout(k), start)
	if err != nil {
		e.agreementLogger(t).Error().Err(err).Stringer("kind", k).Msg("failed to subscribe")
	}
}

// report logs a handler failure; FulfillmentErrors were logged with their
// context when they were built.
func (e *Engine) report(t *tracked, err error) {
	if err == nil {
		return
	}
	if _, ok := err.(*FulfillmentError); ok {
		return
	}
	e.agreementLogger(t).Error().Err(err).Msg("handler failed")
}

func (e *Engine) onFulfilled(ctx context.Context, t *tracked, k condition.Kind, o event.Outcome) error {
	switch k {
	case condition.LockReward:
		if o.TimedOut {
			return e.refund(ctx, t, StageLockPending, k)
		}
		if _, ok := e.transition(t.agreement.ID, StageLockPending, StageLockFulfilled); !ok {
			return nil
		}
		e.observe(t, k, OutcomeFulfilled)
		return e.startAccess(ctx, t)
	case condition.AccessGrant:
		if o.TimedOut {
			return e.refund(ctx, t, StageAccessPending, k)
		}
		if _, ok := e.transition(t.agreement.ID, StageAccessPending, StageAccessFulfilled); !ok {
			return nil
		}
		e.observe(t, k, OutcomeFulfilled)
		return e.startEscrow(ctx, t)
	case condition.EscrowReward:
		return e.onEscrow(ctx, t, o)
	}
	return fmt.Errorf("unknown condition kind %s", k)
}

func (e *Engine) onCreated(ctx context.Context, t *tracked, o event.Outcome) error {
	if o.TimedOut {
		if _, ok := e.transition(t.agreement.ID, StageCreated, StageAborted); !ok {
			return nil
		}
		e.agreementLogger(t).Warn().Dur("timeout", e.conf.OnboardingTimeout).
			Msg("agreement not created on the ledger in time")
		e.setStatus(ctx, t, store.StatusAborted)
		e.conf.Tracer.Event("agreement %s aborted before creation", t.agreement.ID.Hex())
		return nil
	}
	if _, ok := e.transition(t.agreement.ID, StageCreated, StageLockPending); !ok {
		return nil
	}
	e.agreementLogger(t).Info().Msg("agreement created on the ledger")
	return e.startLock(ctx, t)
}

// startLock locks the price as the consumer, then waits for the lock.
func (e *Engine) startLock(ctx context.Context, t *tracked) error {
	if e.conf.Role.Has(RoleConsumer) {
		call := ledger.LockRewardCall(t.agreement.ID, e.conf.Template.EscrowRewardAddress,
			t.agreement.Price, t.agreement.Consumer)
		if err := e.fulfill(ctx, t, condition.LockReward, call); err != nil {
			return err
		}
	}
	e.watch(t, condition.LockReward, t.agreement.StartTime)
	return nil
}

// startAccess grants access as the publisher once the lock is observed, then
// waits for the grant.
func (e *Engine) startAccess(ctx context.Context, t *tracked) error {
	if e.conf.Role.Has(RolePublisher) {
		if err := e.requireOutcomes(t, condition.AccessGrant, condition.LockReward); err != nil {
			return err
		}
		call := ledger.AccessCall(t.agreement.ID, t.params.DID, t.agreement.Consumer, t.agreement.Publisher)
		if err := e.fulfill(ctx, t, condition.AccessGrant, call); err != nil {
			return err
		}
	}
	if _, ok := e.transition(t.agreement.ID, StageLockFulfilled, StageAccessPending); !ok {
		return nil
	}
	e.watch(t, condition.AccessGrant, t.agreement.StartTime)
	return nil
}

// startEscrow fetches the asset and releases the price to the publisher as
// the consumer, then waits for the escrow.
func (e *Engine) startEscrow(ctx context.Context, t *tracked) error {
	if e.conf.Role.Has(RoleConsumer) {
		if e.conf.Gateway != nil {
			if err := e.conf.Gateway.Download(ctx, t.agreement); err != nil {
				e.agreementLogger(t).Warn().Err(err).Msg("download failed")
			}
		}
		if err := e.requireOutcomes(t, condition.EscrowReward, condition.LockReward, condition.AccessGrant); err != nil {
			return err
		}
		if err := e.fulfill(ctx, t, condition.EscrowReward, e.escrowCall(t, t.agreement.Consumer)); err != nil {
			return err
		}
	}
	if _, ok := e.transition(t.agreement.ID, StageAccessFulfilled, StageEscrowPending); !ok {
		return nil
	}
	e.watch(t, condition.EscrowReward, e.now())
	return nil
}

// refund runs the escrow's refund branch after the wait for k timed out. The
// ledger either pays the consumer back, when the lock went through, or aborts
// the escrow.
func (e *Engine) refund(ctx context.Context, t *tracked, from Stage, k condition.Kind) error {
	if _, ok := e.transition(t.agreement.ID, from, StageEscrowPending); !ok {
		return nil
	}
	e.update(t, func(t *tracked) {
		// a lock that timed out also settles the access it guarded
		for _, dep := range []condition.Kind{condition.LockReward, condition.AccessGrant} {
			if t.outcomes[dep] == OutcomeWaiting {
				t.outcomes[dep] = OutcomeTimedOut
			}
		}
	})
	e.agreementLogger(t).Warn().Stringer("kind", k).Dur("timeout", e.waitTimeout(k)).Msg("condition timed out, refunding")
	e.conf.Tracer.Event("agreement %s: %s timed out", t.agreement.ID.Hex(), k)

	if err := e.requireOutcomes(t, condition.EscrowReward, condition.LockReward, condition.AccessGrant); err != nil {
		return err
	}
	if err := e.fulfill(ctx, t, condition.EscrowReward, e.escrowCall(t, e.Address())); err != nil {
		return err
	}
	return e.settle(ctx, t)
}

// settle finishes an aborted escrow, and otherwise waits for the escrow event
// whose receiver tells which branch ran.
func (e *Engine) settle(ctx context.Context, t *tracked) error {
	id := t.agreement.ConditionIDs.Of(condition.EscrowReward)
	state, err := e.conf.Ledger.ConditionState(ctx, id)
	if err != nil {
		return e.failed(t, condition.EscrowReward, err)
	}
	if state == ledger.Aborted {
		e.finish(ctx, t, StageAborted)
		return nil
	}
	e.watch(t, condition.EscrowReward, e.now())
	return nil
}

func (e *Engine) onEscrow(ctx context.Context, t *tracked, o event.Outcome) error {
	if o.TimedOut {
		state, err := e.conf.Ledger.ConditionState(ctx, t.agreement.ConditionIDs.Of(condition.EscrowReward))
		if err != nil {
			return e.failed(t, condition.EscrowReward, err)
		}
		switch state {
		case ledger.Aborted:
			e.finish(ctx, t, StageAborted)
			return nil
		case ledger.Fulfilled:
			return e.settled(ctx, t)
		}
		err = fmt.Errorf("escrow still %s after %s", state, e.waitTimeout(condition.EscrowReward))
		e.update(t, func(t *tracked) { t.err = err })
		e.agreementLogger(t).Error().Err(err).Msg("agreement stalled")
		return nil
	}

	e.observe(t, condition.EscrowReward, OutcomeFulfilled)
	receiver, ok := o.Log.Address(ledger.ArgReceiver)
	if ok && receiver == t.agreement.Consumer && receiver != t.agreement.Publisher {
		e.update(t, func(t *tracked) { t.refund = true })
		e.finish(ctx, t, StageAborted)
		return nil
	}
	e.finish(ctx, t, StageCompleted)
	return nil
}

// settled finishes an agreement whose escrow is fulfilled on the ledger
// without its event in sight. The ledger pays the publisher only when access
// was granted and pays the consumer back otherwise.
func (e *Engine) settled(ctx context.Context, t *tracked) error {
	access, err := e.conf.Ledger.ConditionState(ctx, t.agreement.ConditionIDs.Of(condition.AccessGrant))
	if err != nil {
		return e.failed(t, condition.EscrowReward, err)
	}
	e.observe(t, condition.EscrowReward, OutcomeFulfilled)
	if access == ledger.Fulfilled {
		e.finish(ctx, t, StageCompleted)
		return nil
	}
	e.update(t, func(t *tracked) { t.refund = true })
	e.finish(ctx, t, StageAborted)
	return nil
}

func (e *Engine) finish(ctx context.Context, t *tracked, stage Stage) {
	if _, ok := e.transition(t.agreement.ID, StageEscrowPending, stage); !ok {
		return
	}
	status := store.StatusCompleted
	if stage == StageAborted {
		status = store.StatusAborted
	}
	e.setStatus(ctx, t, status)
	e.agreementLogger(t).Info().Str("status", string(status)).Msg("agreement finished")
	e.conf.Tracer.Event("agreement %s %s", t.agreement.ID.Hex(), status)
}

func (e *Engine) escrowCall(t *tracked, from common.Address) ledger.Call {
	ids := t.agreement.ConditionIDs
	return ledger.EscrowRewardCall(t.agreement.ID, t.agreement.Price, t.agreement.Publisher, t.agreement.Consumer,
		ids.Of(condition.LockReward), ids.Of(condition.AccessGrant), from)
}

// fulfill submits call for condition k unless the ledger already settled k
// or, for lock and access, its deadline has passed.
func (e *Engine) fulfill(ctx context.Context, t *tracked, k condition.Kind, call ledger.Call) error {
	logger := e.agreementLogger(t)
	id := t.agreement.ConditionIDs.Of(k)
	state, err := e.conf.Ledger.ConditionState(ctx, id)
	if err != nil {
		return e.failed(t, k, err)
	}
	if state.IsTerminal() {
		logger.Info().Str("condition", id.Hex()).Stringer("kind", k).Stringer("state", state).
			Msg("condition already settled, not submitting")
		return nil
	}
	if k != condition.EscrowReward && e.expired(t, k) {
		logger.Warn().Str("condition", id.Hex()).Stringer("kind", k).Msg("deadline passed, not submitting")
		return nil
	}

	receipt, err := e.conf.Ledger.Submit(ctx, call)
	if err != nil {
		return e.failed(t, k, err)
	}
	logger.Info().Str("condition", id.Hex()).Stringer("kind", k).Uint64("block", receipt.BlockNumber).
		Msg("fulfillment submitted")
	e.conf.Tracer.Event("agreement %s: %s submitted", t.agreement.ID.Hex(), k)
	return nil
}

func (e *Engine) failed(t *tracked, k condition.Kind, err error) error {
	ferr := &FulfillmentError{
		AgreementID: t.agreement.ID,
		ConditionID: t.agreement.ConditionIDs.Of(k),
		Kind:        k,
		Price:       t.agreement.Price,
		Consumer:    t.agreement.Consumer,
		Publisher:   t.agreement.Publisher,
		Err:         err,
	}
	e.update(t, func(t *tracked) { t.err = ferr })
	e.logger.Error().Err(err).
		Str("agreement", ferr.AgreementID.Hex()).
		Str("condition", ferr.ConditionID.Hex()).
		Stringer("kind", k).
		Str("price", ferr.Price.String()).
		Str("consumer", ferr.Consumer.Hex()).
		Str("publisher", ferr.Publisher.Hex()).
		Msg("fulfillment failed, agreement stalled")
	return ferr
}

// requireOutcomes checks that every dependency of k was observed settled.
func (e *Engine) requireOutcomes(t *tracked, k condition.Kind, deps ...condition.Kind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, dep := range deps {
		if t.outcomes[dep] == OutcomeWaiting {
			return fmt.Errorf("agreement %s: %s before %s settled", t.agreement.ID.Hex(), k, dep)
		}
	}
	return nil
}

func (e *Engine) observe(t *tracked, k condition.Kind, o Outcome) {
	e.update(t, func(t *tracked) { t.outcomes[k] = o })
}

func (e *Engine) waitTimeout(k condition.Kind) time.Duration {
	if d := e.conf.ConditionTimeouts[k]; d > 0 {
		return d
	}
	if d := e.conf.Template.Timeout(k); d > 0 {
		return d
	}
	return DefaultConditionTimeout
}

func (e *Engine) expired(t *tracked, k condition.Kind) bool {
	return e.now().Sub(t.agreement.StartTime) > e.waitTimeout(k)
}
