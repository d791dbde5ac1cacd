package memledger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/escrow/condition"
	"go.dedis.ch/escrow/ledger"
	"go.dedis.ch/escrow/wallet"
)

var testTemplate = condition.Template{
	ID:                  common.HexToHash("0x01"),
	AgreementAddress:    common.HexToAddress("0xa1"),
	LockRewardAddress:   common.HexToAddress("0xa2"),
	AccessAddress:       common.HexToAddress("0xa3"),
	EscrowRewardAddress: common.HexToAddress("0xa4"),
	TimeOuts:            [3]uint64{300, 300, 0},
}

type fixture struct {
	l         *Ledger
	now       time.Time
	consumer  *wallet.Wallet
	publisher *wallet.Wallet
	params    condition.Params
	ids       condition.IDs
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{now: time.Unix(1_700_000_000, 0)}
	f.l = NewLedger(LedgerConf{Template: testTemplate, Clock: func() time.Time { return f.now }})

	var err error
	f.consumer, err = wallet.Generate()
	require.NoError(t, err)
	f.publisher, err = wallet.Generate()
	require.NoError(t, err)

	f.params = condition.Params{
		AgreementID: common.HexToHash("0xaa"),
		DID:         condition.DIDToID("did:op:asset"),
		Publisher:   f.publisher.Address(),
		Consumer:    f.consumer.Address(),
		Price:       big.NewInt(100),
	}
	f.ids = condition.Generate(testTemplate, f.params)
	f.l.SetBalance(f.consumer.Address(), big.NewInt(1000))
	return f
}

func (f *fixture) create(t *testing.T) {
	sig, err := f.consumer.Sign(condition.AgreementHash(testTemplate, f.params.AgreementID, f.ids))
	require.NoError(t, err)
	call := ledger.CreateAgreement{
		AgreementID:  f.params.AgreementID,
		DID:          f.params.DID,
		ConditionIDs: f.ids.Slice(),
		TimeLocks:    testTemplate.TimeLocksBig(),
		TimeOuts:     testTemplate.TimeOutsBig(),
		Consumer:     f.consumer.Address(),
		Publisher:    f.publisher.Address(),
		Signature:    sig,
	}.Call(f.publisher.Address())
	receipt, err := f.l.Submit(context.Background(), call)
	require.NoError(t, err)
	require.True(t, receipt.Confirms(ledger.EventAgreementCreated, f.params.AgreementID))
}

func (f *fixture) lock() ledger.Call {
	return ledger.LockRewardCall(f.params.AgreementID, testTemplate.EscrowRewardAddress, f.params.Price, f.consumer.Address())
}

func (f *fixture) access() ledger.Call {
	return ledger.AccessCall(f.params.AgreementID, f.params.DID, f.consumer.Address(), f.publisher.Address())
}

func (f *fixture) escrow() ledger.Call {
	return ledger.EscrowRewardCall(f.params.AgreementID, f.params.Price, f.publisher.Address(), f.consumer.Address(),
		f.ids.Of(condition.LockReward), f.ids.Of(condition.AccessGrant), f.consumer.Address())
}

func (f *fixture) state(t *testing.T, k condition.Kind) ledger.ConditionState {
	st, err := f.l.ConditionState(context.Background(), f.ids.Of(k))
	require.NoError(t, err)
	return st
}

func TestLedger_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t)

	exists, err := f.l.AgreementExists(ctx, f.params.AgreementID)
	require.NoError(t, err)
	require.True(t, exists)

	_, err = f.l.Submit(ctx, f.lock())
	require.NoError(t, err)
	require.Equal(t, ledger.Fulfilled, f.state(t, condition.LockReward))
	require.Equal(t, big.NewInt(900), f.l.Balance(f.consumer.Address()))

	_, err = f.l.Submit(ctx, f.access())
	require.NoError(t, err)

	receipt, err := f.l.Submit(ctx, f.escrow())
	require.NoError(t, err)
	require.True(t, receipt.Confirms(ledger.EventEscrowRewardFulfilled, f.params.AgreementID))
	require.Equal(t, big.NewInt(100), f.l.Balance(f.publisher.Address()))
	require.Equal(t, ledger.Fulfilled, f.state(t, condition.EscrowReward))
}

func TestLedger_RejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	sig, err := f.publisher.Sign(condition.AgreementHash(testTemplate, f.params.AgreementID, f.ids))
	require.NoError(t, err)
	call := ledger.CreateAgreement{
		AgreementID:  f.params.AgreementID,
		DID:          f.params.DID,
		ConditionIDs: f.ids.Slice(),
		TimeLocks:    testTemplate.TimeLocksBig(),
		TimeOuts:     testTemplate.TimeOutsBig(),
		Consumer:     f.consumer.Address(),
		Publisher:    f.publisher.Address(),
		Signature:    sig,
	}.Call(f.publisher.Address())

	receipt, err := f.l.Submit(context.Background(), call)
	require.ErrorIs(t, err, ledger.ErrReverted)
	require.False(t, receipt.Succeeded())
}

func TestLedger_AccessNeedsLock(t *testing.T) {
	f := newFixture(t)
	f.create(t)

	_, err := f.l.Submit(context.Background(), f.access())
	require.ErrorIs(t, err, ledger.ErrReverted)
	require.Equal(t, ledger.Unfulfilled, f.state(t, condition.AccessGrant))
}

func TestLedger_DuplicateFulfillReverts(t *testing.T) {
	f := newFixture(t)
	f.create(t)

	_, err := f.l.Submit(context.Background(), f.lock())
	require.NoError(t, err)
	_, err = f.l.Submit(context.Background(), f.lock())
	require.ErrorIs(t, err, ledger.ErrReverted)
	require.Equal(t, big.NewInt(900), f.l.Balance(f.consumer.Address()))
}

func TestLedger_RefundAfterAccessTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t)
	_, err := f.l.Submit(ctx, f.lock())
	require.NoError(t, err)

	_, err = f.l.Submit(ctx, f.escrow())
	require.ErrorIs(t, err, ledger.ErrReverted)

	f.now = f.now.Add(301 * time.Second)
	receipt, err := f.l.Submit(ctx, f.escrow())
	require.NoError(t, err)
	require.Len(t, receipt.Logs, 1)
	receiver, _ := receipt.Logs[0].Address(ledger.ArgReceiver)
	require.Equal(t, f.consumer.Address(), receiver)
	require.Equal(t, big.NewInt(1000), f.l.Balance(f.consumer.Address()))
	require.Equal(t, ledger.Aborted, f.state(t, condition.AccessGrant))
}

func TestLedger_AbortWithoutLock(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	f.now = f.now.Add(301 * time.Second)

	receipt, err := f.l.Submit(context.Background(), f.escrow())
	require.NoError(t, err)
	require.Empty(t, receipt.Logs)
	require.Equal(t, ledger.Aborted, f.state(t, condition.LockReward))
	require.Equal(t, ledger.Aborted, f.state(t, condition.EscrowReward))
}

func TestLedger_FilterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t)

	q := ledger.LogQuery{
		Kind: ledger.EventAgreementCreated,
		Args: map[string]interface{}{ledger.ArgAgreementID: f.params.AgreementID},
	}
	id, err := f.l.InstallFilter(ctx, q)
	require.NoError(t, err)

	logs, err := f.l.FilterLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	f.l.ExpireFilters()
	_, err = f.l.FilterLogs(ctx, id)
	require.ErrorIs(t, err, ledger.ErrFilterNotFound)
	require.True(t, ledger.IsTransient(err))
}

func TestLedger_ManualModeRecordsOnly(t *testing.T) {
	f := newFixture(t)
	f.l.conf.Manual = true
	f.create(t)

	_, err := f.l.Submit(context.Background(), f.lock())
	require.NoError(t, err)
	require.Equal(t, ledger.Unfulfilled, f.state(t, condition.LockReward))
	require.Len(t, f.l.SubmittedTo(ledger.ContractLockReward), 1)

	require.NoError(t, f.l.Fulfill(condition.LockReward, f.params.AgreementID, nil))
	require.Equal(t, ledger.Fulfilled, f.state(t, condition.LockReward))
	require.Error(t, f.l.Fulfill(condition.LockReward, f.params.AgreementID, nil))
}

func TestLedger_BlocksCarryStateRoot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	genesis, ok := f.l.StateRoot(0)
	require.True(t, ok)
	require.NotEmpty(t, genesis)

	f.create(t)
	head, err := f.l.BlockNumber(ctx)
	require.NoError(t, err)
	created, ok := f.l.StateRoot(head)
	require.True(t, ok)
	require.NotEqual(t, genesis, created)

	_, err = f.l.Submit(ctx, f.lock())
	require.NoError(t, err)
	locked, ok := f.l.StateRoot(head + 1)
	require.True(t, ok)
	require.NotEqual(t, created, locked)

	// a reverted call mines a block without touching the state
	_, err = f.l.Submit(ctx, f.lock())
	require.ErrorIs(t, err, ledger.ErrReverted)
	reverted, ok := f.l.StateRoot(head + 2)
	require.True(t, ok)
	require.Equal(t, locked, reverted)

	_, ok = f.l.StateRoot(head + 3)
	require.False(t, ok)
}
