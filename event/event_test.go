package event

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/escrow/ledger"
	"go.dedis.ch/escrow/ledger/memledger"
)

type clock struct {
	sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.now = c.now.Add(d)
}

func created(id common.Hash) ledger.Log {
	return ledger.Log{
		Kind: ledger.EventAgreementCreated,
		Args: map[string]interface{}{ledger.ArgAgreementID: id},
	}
}

type recorder struct {
	sync.Mutex
	got []Outcome
}

func (r *recorder) cb(o Outcome) {
	r.Lock()
	defer r.Unlock()
	r.got = append(r.got, o)
}

func (r *recorder) outcomes() []Outcome {
	r.Lock()
	defer r.Unlock()
	return append([]Outcome(nil), r.got...)
}

func newDispatcher(l ledger.LogFilterer, c *clock) *Dispatcher {
	return NewDispatcher(DispatcherConf{
		Client:   l,
		Kind:     ledger.EventAgreementCreated,
		MatchKey: ledger.ArgAgreementID,
		Interval: 10 * time.Millisecond,
		Clock:    c.Now,
	})
}

func TestFilter_RecreatesExpiredHandle(t *testing.T) {
	l := memledger.NewLedger(memledger.LedgerConf{})
	id := common.HexToHash("0x01")
	l.Emit(created(id))

	f := NewFilter(FilterConf{
		Client: l,
		Query: ledger.LogQuery{
			Kind: ledger.EventAgreementCreated,
			Args: map[string]interface{}{ledger.ArgAgreementID: id},
		},
	})
	ctx := context.Background()

	l.FailQueries(2)
	logs, err := f.GetMatches(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	l.ExpireFilters()
	logs, err = f.GetMatches(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	require.NoError(t, f.Uninstall(ctx))
	require.Equal(t, 0, l.Filters())
}

func TestFilter_GivesUpAfterRetries(t *testing.T) {
	l := memledger.NewLedger(memledger.LedgerConf{})
	f := NewFilter(FilterConf{Client: l, Query: ledger.LogQuery{Kind: ledger.EventAgreementCreated}, Retries: 2})

	l.FailQueries(2)
	_, err := f.GetMatches(context.Background())
	require.ErrorIs(t, err, ledger.ErrFilterNotFound)

	logs, err := f.GetMatches(context.Background())
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestDispatcher_OnlyMatchingSubscriptionFires(t *testing.T) {
	l := memledger.NewLedger(memledger.LedgerConf{})
	c := &clock{now: time.Unix(0, 0)}
	d := newDispatcher(l, c)
	a, b := &recorder{}, &recorder{}

	_, err := d.AddFilter(ledger.ArgAgreementID, common.HexToHash("0x0a"), a.cb, nil, time.Minute, time.Time{})
	require.NoError(t, err)
	_, err = d.AddFilter(ledger.ArgAgreementID, common.HexToHash("0x0b"), b.cb, nil, time.Minute, time.Time{})
	require.NoError(t, err)

	l.Emit(created(common.HexToHash("0x0a")))
	d.Tick(context.Background())

	require.Len(t, a.outcomes(), 1)
	require.False(t, a.outcomes()[0].TimedOut)
	require.Equal(t, ledger.EventAgreementCreated, a.outcomes()[0].Log.Kind)
	require.Empty(t, b.outcomes())
	require.Equal(t, 1, d.Len())
}

func TestDispatcher_FiresAtMostOnce(t *testing.T) {
	l := memledger.NewLedger(memledger.LedgerConf{})
	c := &clock{now: time.Unix(0, 0)}
	d := newDispatcher(l, c)
	r := &recorder{}
	id := common.HexToHash("0x0a")

	_, err := d.AddFilter(ledger.ArgAgreementID, id, r.cb, nil, time.Minute, time.Time{})
	require.NoError(t, err)
	l.Emit(created(id))
	l.Emit(created(id))

	d.Tick(context.Background())
	c.Advance(time.Hour)
	d.Tick(context.Background())

	require.Len(t, r.outcomes(), 1)
	require.False(t, r.outcomes()[0].TimedOut)
	require.Equal(t, 0, d.Len())
	require.Equal(t, 0, l.Filters())
}

func TestDispatcher_TimesOutAfterDeadline(t *testing.T) {
	l := memledger.NewLedger(memledger.LedgerConf{})
	c := &clock{now: time.Unix(0, 0)}
	d := newDispatcher(l, c)
	r := &recorder{}
	timedOut := 0

	_, err := d.AddFilter(ledger.ArgAgreementID, common.HexToHash("0x0a"), r.cb,
		func() { timedOut++ }, time.Minute, time.Time{})
	require.NoError(t, err)

	c.Advance(time.Minute)
	d.Tick(context.Background())
	require.Equal(t, 0, timedOut)

	c.Advance(time.Second)
	d.Tick(context.Background())
	require.Equal(t, 1, timedOut)
	require.Empty(t, r.outcomes())

	l.Emit(created(common.HexToHash("0x0a")))
	d.Tick(context.Background())
	require.Empty(t, r.outcomes())
	require.Equal(t, 1, timedOut)
}

func TestDispatcher_TimeoutWithoutHandlerUsesCallback(t *testing.T) {
	l := memledger.NewLedger(memledger.LedgerConf{})
	c := &clock{now: time.Unix(100, 0)}
	d := newDispatcher(l, c)
	r := &recorder{}

	_, err := d.AddFilter(ledger.ArgAgreementID, common.HexToHash("0x0a"), r.cb, nil,
		time.Minute, time.Unix(0, 0))
	require.NoError(t, err)
	d.Tick(context.Background())

	require.Len(t, r.outcomes(), 1)
	require.True(t, r.outcomes()[0].TimedOut)
	require.Nil(t, r.outcomes()[0].Log)
}

func TestDispatcher_EventBeatsExpiredDeadline(t *testing.T) {
	l := memledger.NewLedger(memledger.LedgerConf{})
	c := &clock{now: time.Unix(0, 0)}
	d := newDispatcher(l, c)
	r := &recorder{}
	id := common.HexToHash("0x0a")

	_, err := d.AddFilter(ledger.ArgAgreementID, id, r.cb, nil, time.Minute, time.Time{})
	require.NoError(t, err)
	l.Emit(created(id))
	c.Advance(time.Hour)
	d.Tick(context.Background())

	require.Len(t, r.outcomes(), 1)
	require.False(t, r.outcomes()[0].TimedOut)
}

func TestDispatcher_AddDuringTickWaitsForNextTick(t *testing.T) {
	l := memledger.NewLedger(memledger.LedgerConf{})
	c := &clock{now: time.Unix(0, 0)}
	d := newDispatcher(l, c)
	first, second := common.HexToHash("0x0a"), common.HexToHash("0x0b")
	r := &recorder{}

	_, err := d.AddFilter(ledger.ArgAgreementID, first, func(Outcome) {
		_, err := d.AddFilter(ledger.ArgAgreementID, second, r.cb, nil, time.Minute, time.Time{})
		require.NoError(t, err)
	}, nil, time.Minute, time.Time{})
	require.NoError(t, err)

	l.Emit(created(first))
	l.Emit(created(second))

	d.Tick(context.Background())
	require.Empty(t, r.outcomes())
	require.Equal(t, 1, d.Len())

	d.Tick(context.Background())
	require.Len(t, r.outcomes(), 1)
	require.Equal(t, 0, d.Len())
}

func TestDispatcher_PanicIsContained(t *testing.T) {
	l := memledger.NewLedger(memledger.LedgerConf{})
	c := &clock{now: time.Unix(0, 0)}
	reg := prometheus.NewRegistry()
	d := NewDispatcher(DispatcherConf{Client: l, Kind: ledger.EventAgreementCreated, Clock: c.Now, Registerer: reg})
	bad, good := common.HexToHash("0x0a"), common.HexToHash("0x0b")
	r := &recorder{}

	_, err := d.AddFilter(ledger.ArgAgreementID, bad, func(Outcome) { panic("boom") }, nil, time.Minute, time.Time{})
	require.NoError(t, err)
	_, err = d.AddFilter(ledger.ArgAgreementID, good, r.cb, nil, time.Minute, time.Time{})
	require.NoError(t, err)

	l.Emit(created(bad))
	l.Emit(created(good))
	d.Tick(context.Background())

	require.Len(t, r.outcomes(), 1)
	require.Equal(t, 0, d.Len())
	require.Equal(t, float64(1), testutil.ToFloat64(d.metrics.panics))
	require.Equal(t, float64(2), testutil.ToFloat64(d.metrics.fired))
}

func TestDispatcher_PollErrorKeepsSubscription(t *testing.T) {
	l := memledger.NewLedger(memledger.LedgerConf{})
	c := &clock{now: time.Unix(0, 0)}
	d := newDispatcher(l, c)
	r := &recorder{}
	id := common.HexToHash("0x0a")

	_, err := d.AddFilter(ledger.ArgAgreementID, id, r.cb, nil, time.Minute, time.Time{})
	require.NoError(t, err)
	l.Emit(created(id))

	l.FailQueries(DefaultRetries)
	c.Advance(time.Hour)
	d.Tick(context.Background())
	require.Empty(t, r.outcomes())
	require.Equal(t, 1, d.Len())

	d.Tick(context.Background())
	require.Len(t, r.outcomes(), 1)
	require.False(t, r.outcomes()[0].TimedOut)
}

func TestDispatcher_RejectsOtherKey(t *testing.T) {
	d := newDispatcher(memledger.NewLedger(memledger.LedgerConf{}), &clock{})
	_, err := d.AddFilter(ledger.ArgDID, common.Hash{}, func(Outcome) {}, nil, time.Minute, time.Time{})
	require.ErrorIs(t, err, ErrKeyMismatch)

	_, err = d.AddFilter(ledger.ArgAgreementID, common.Hash{}, nil, nil, time.Minute, time.Time{})
	require.ErrorIs(t, err, ErrNilCallback)
}

func TestDispatcher_Cancel(t *testing.T) {
	l := memledger.NewLedger(memledger.LedgerConf{})
	c := &clock{now: time.Unix(0, 0)}
	d := newDispatcher(l, c)
	r := &recorder{}
	id := common.HexToHash("0x0a")

	sub, err := d.AddFilter(ledger.ArgAgreementID, id, r.cb, nil, time.Minute, time.Time{})
	require.NoError(t, err)
	require.True(t, d.Cancel(sub))
	require.False(t, d.Cancel(sub))

	l.Emit(created(id))
	d.Tick(context.Background())
	require.Empty(t, r.outcomes())
}

func TestDispatcher_WaitWithLoop(t *testing.T) {
	l := memledger.NewLedger(memledger.LedgerConf{})
	d := NewDispatcher(DispatcherConf{
		Client:   l,
		Kind:     ledger.EventAgreementCreated,
		Interval: 5 * time.Millisecond,
	})
	d.Start()
	d.Start()
	defer d.Stop()

	id := common.HexToHash("0x0a")
	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Emit(created(id))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := d.Wait(ctx, ledger.ArgAgreementID, id, time.Minute)
	require.NoError(t, err)
	require.False(t, out.TimedOut)
	got, ok := out.Log.Hash(ledger.ArgAgreementID)
	require.True(t, ok)
	require.Equal(t, id, got)
}

// Registrations racing the polling loop are each delivered exactly once.
func TestDispatcher_ConcurrentAddFilterFiresOnce(t *testing.T) {
	l := memledger.NewLedger(memledger.LedgerConf{})
	d := NewDispatcher(DispatcherConf{
		Client:   l,
		Kind:     ledger.EventAgreementCreated,
		MatchKey: ledger.ArgAgreementID,
		Interval: time.Millisecond,
	})
	d.Start()

	const n = 32
	var fired [n]int32
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := common.BigToHash(big.NewInt(int64(i + 1)))
			if i%2 == 0 {
				l.Emit(created(id))
			}
			_, err := d.AddFilter(ledger.ArgAgreementID, id, func(Outcome) {
				atomic.AddInt32(&fired[i], 1)
			}, nil, time.Minute, time.Time{})
			errs <- err
			if i%2 == 1 {
				l.Emit(created(id))
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		for i := range fired {
			if atomic.LoadInt32(&fired[i]) == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)
	d.Stop()

	d.Tick(context.Background())
	for i := range fired {
		require.Equal(t, int32(1), atomic.LoadInt32(&fired[i]), i)
	}
	require.Equal(t, 0, d.Len())
}

func TestDispatcher_WaitHonoursContext(t *testing.T) {
	d := newDispatcher(memledger.NewLedger(memledger.LedgerConf{}), &clock{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Wait(ctx, ledger.ArgAgreementID, common.Hash{}, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, d.Len())
}
