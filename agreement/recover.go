package agreement

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/escrow/condition"
	"go.dedis.ch/escrow/ledger"
	"go.dedis.ch/escrow/store"
	"golang.org/x/sync/errgroup"
)

// recoverWorkers bounds the agreements resumed concurrently.
const recoverWorkers = 8

// ReadStates reads the ledger state of the three conditions concurrently.
func ReadStates(ctx context.Context, client ledger.Client, ids condition.IDs) ([3]ledger.ConditionState, error) {
	var states [3]ledger.ConditionState
	g, gctx := errgroup.WithContext(ctx)
	for _, k := range condition.Kinds {
		k := k
		g.Go(func() error {
			st, err := client.ConditionState(gctx, ids.Of(k))
			if err != nil {
				return fmt.Errorf("read %s state error: %w", k, err)
			}
			states[k] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return states, err
	}
	return states, nil
}

// Frontier reads the ledger and returns the first condition of an agreement
// still open, along with the state of all three. ok is false once every
// condition is settled.
func (e *Engine) Frontier(ctx context.Context, id common.Hash) (k condition.Kind, states [3]ledger.ConditionState, ok bool, err error) {
	var a store.Agreement
	if t, tracked := e.lookup(id); tracked {
		a = t.agreement
	} else if a, err = e.conf.Store.Get(ctx, id); err != nil {
		return 0, states, false, fmt.Errorf("frontier %s: %w", id.Hex(), err)
	}
	states, err = ReadStates(ctx, e.conf.Ledger, a.ConditionIDs)
	if err != nil {
		return 0, states, false, fmt.Errorf("frontier %s: %w", id.Hex(), err)
	}
	for _, k := range condition.Kinds {
		if !states[k].IsTerminal() {
			return k, states, true, nil
		}
	}
	return 0, states, false, nil
}

// Recover resumes every pending agreement of the store. For each one it reads
// the conditions on the ledger and continues from the first one still open:
// no fulfilled condition is submitted again and only the next wait is
// registered. Agreements that fail to resume are logged and skipped; the
// number resumed is returned.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	pending, err := e.conf.Store.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: load pending error: %w", err)
	}

	resumed := make([]bool, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoverWorkers)
	for i, a := range pending {
		i, a := i, a
		g.Go(func() error {
			if err := e.resume(gctx, a); err != nil {
				e.logger.Error().Err(err).Str("agreement", a.ID.Hex()).Msg("failed to resume agreement")
				return gctx.Err()
			}
			resumed[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}

	n := 0
	for _, ok := range resumed {
		if ok {
			n++
		}
	}
	e.logger.Info().Int("pending", len(pending)).Int("resumed", n).Msg("recovered agreements")
	return n, nil
}

func (e *Engine) resume(ctx context.Context, a store.Agreement) error {
	t := &tracked{
		agreement: a,
		params: condition.Params{
			AgreementID: a.ID,
			DID:         condition.DIDToID(a.DID),
			Publisher:   a.Publisher,
			Consumer:    a.Consumer,
			Price:       a.Price,
		},
	}

	exists, err := e.conf.Ledger.AgreementExists(ctx, a.ID)
	if err != nil {
		return err
	}
	if !exists {
		t.stage = StageCreated
		if err := e.insert(t); err != nil {
			return err
		}
		e.awaitCreation(t, nil)
		return nil
	}

	states, err := ReadStates(ctx, e.conf.Ledger, a.ConditionIDs)
	if err != nil {
		return err
	}
	lock, access, escrow := states[condition.LockReward], states[condition.AccessGrant], states[condition.EscrowReward]
	for _, k := range condition.Kinds {
		if states[k] == ledger.Fulfilled {
			t.outcomes[k] = OutcomeFulfilled
		}
	}

	e.agreementLogger(t).Info().Stringer("lock", lock).Stringer("access", access).Stringer("escrow", escrow).
		Msg("resuming agreement")

	switch {
	case escrow.IsTerminal():
		t.stage = StageEscrowPending
		if err := e.insert(t); err != nil {
			return err
		}
		if escrow == ledger.Aborted {
			e.finish(ctx, t, StageAborted)
			return nil
		}
		e.watch(t, condition.EscrowReward, e.now())
		return nil

	case lock == ledger.Aborted:
		t.stage = StageLockPending
		if err := e.insert(t); err != nil {
			return err
		}
		return e.refund(ctx, t, StageLockPending, condition.LockReward)

	case lock == ledger.Unfulfilled:
		t.stage = StageLockPending
		if err := e.insert(t); err != nil {
			return err
		}
		return e.startLock(ctx, t)

	case access == ledger.Aborted:
		t.stage = StageAccessPending
		if err := e.insert(t); err != nil {
			return err
		}
		return e.refund(ctx, t, StageAccessPending, condition.AccessGrant)

	case access == ledger.Unfulfilled:
		t.stage = StageLockFulfilled
		if err := e.insert(t); err != nil {
			return err
		}
		return e.startAccess(ctx, t)

	default:
		t.stage = StageAccessFulfilled
		if err := e.insert(t); err != nil {
			return err
		}
		return e.startEscrow(ctx, t)
	}
}
