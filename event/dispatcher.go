package event

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.dedis.ch/escrow/ledger"
	"go.dedis.ch/escrow/logging"
)

// dispatcher state
const (
	KILL = iota
	ALIVE
)

// DefaultInterval is the polling period of a dispatcher.
const DefaultInterval = time.Second

var (
	// ErrKeyMismatch is returned by AddFilter when the dispatcher is pinned to
	// another match key.
	ErrKeyMismatch = errors.New("match key differs from the dispatcher's")
	// ErrNilCallback is returned by AddFilter without a callback.
	ErrNilCallback = errors.New("nil callback")
)

// Outcome is what a subscription resolves to: either the first matching log
// or a timeout.
type Outcome struct {
	Log      *ledger.Log
	TimedOut bool
}

// Callback receives the outcome of a subscription. When a subscription has no
// TimeoutCallback, its Callback is also invoked on timeout with TimedOut set.
type Callback func(Outcome)

// TimeoutCallback is invoked instead of the Callback when the subscription
// times out.
type TimeoutCallback func()

type DispatcherConf struct {
	Client ledger.LogFilterer
	Kind   ledger.EventKind
	// MatchKey pins every subscription to one argument name. Empty accepts
	// any key.
	MatchKey  string
	FromBlock uint64
	Interval  time.Duration
	Retries   int
	Clock     func() time.Time
	// Registerer receives the dispatcher metrics; nil keeps them unregistered.
	Registerer prometheus.Registerer
}

type subscription struct {
	id         xid.ID
	filter     *Filter
	matchKey   string
	matchValue interface{}
	callback   Callback
	onTimeout  TimeoutCallback
	timeout    time.Duration
	start      time.Time
}

// Dispatcher polls one event kind on behalf of many subscriptions. Every
// subscription resolves exactly once: to its first matching log, or to a
// timeout, whichever a tick observes first.
type Dispatcher struct {
	logger  zerolog.Logger
	conf    DispatcherConf
	metrics *metrics

	mu   sync.Mutex // protects subs
	subs map[xid.ID]*subscription

	stat int32
	done chan struct{}
}

func NewDispatcher(conf DispatcherConf) *Dispatcher {
	if conf.Interval <= 0 {
		conf.Interval = DefaultInterval
	}
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	d := &Dispatcher{conf: conf}
	d.subs = make(map[xid.ID]*subscription)
	d.metrics = newMetrics(conf.Registerer, conf.Kind)
	d.logger = logging.RootLogger.With().Str("Dispatcher", string(conf.Kind)).Logger()
	return d
}

// Kind is the event kind this dispatcher watches.
func (d *Dispatcher) Kind() ledger.EventKind {
	return d.conf.Kind
}

// AddFilter subscribes to the first log of the dispatcher's kind whose
// argument matchKey equals matchValue. The subscription times out once more
// than timeout has elapsed since start; a zero start means now and a
// non-positive timeout never expires. It is safe to call from a callback.
func (d *Dispatcher) AddFilter(matchKey string, matchValue interface{}, cb Callback,
	onTimeout TimeoutCallback, timeout time.Duration, start time.Time) (xid.ID, error) {

	return d.AddFilterFrom(d.conf.FromBlock, matchKey, matchValue, cb, onTimeout, timeout, start)
}

// AddFilterFrom is AddFilter for logs from fromBlock on, whatever the
// dispatcher's own starting block.
func (d *Dispatcher) AddFilterFrom(fromBlock uint64, matchKey string, matchValue interface{}, cb Callback,
	onTimeout TimeoutCallback, timeout time.Duration, start time.Time) (xid.ID, error) {

	if d.conf.MatchKey != "" && matchKey != d.conf.MatchKey {
		return xid.NilID(), fmt.Errorf("%w: got %q, want %q", ErrKeyMismatch, matchKey, d.conf.MatchKey)
	}
	if cb == nil {
		return xid.NilID(), ErrNilCallback
	}
	if start.IsZero() {
		start = d.conf.Clock()
	}

	s := &subscription{
		id:         xid.New(),
		matchKey:   matchKey,
		matchValue: matchValue,
		callback:   cb,
		onTimeout:  onTimeout,
		timeout:    timeout,
		start:      start,
	}
	s.filter = NewFilter(FilterConf{
		Client: d.conf.Client,
		Query: ledger.LogQuery{
			Kind:      d.conf.Kind,
			Args:      map[string]interface{}{matchKey: matchValue},
			FromBlock: fromBlock,
		},
		Retries: d.conf.Retries,
	})

	d.mu.Lock()
	d.subs[s.id] = s
	n := len(d.subs)
	d.mu.Unlock()

	d.metrics.active.Set(float64(n))
	d.logger.Debug().Str("sub", s.id.String()).Str(matchKey, fmt.Sprint(matchValue)).
		Dur("timeout", timeout).Msg("subscribed")
	return s.id, nil
}

// Cancel drops a subscription without invoking any of its callbacks. It
// returns false if the subscription already resolved or never existed.
func (d *Dispatcher) Cancel(id xid.ID) bool {
	s, ok := d.remove(id)
	if ok {
		d.release(context.Background(), s)
	}
	return ok
}

// Len is the number of pending subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Wait subscribes and blocks until the subscription resolves or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context, matchKey string, matchValue interface{},
	timeout time.Duration) (Outcome, error) {

	ch := make(chan Outcome, 1)
	id, err := d.AddFilter(matchKey, matchValue, func(o Outcome) { ch <- o }, nil, timeout, time.Time{})
	if err != nil {
		return Outcome{}, err
	}
	select {
	case o := <-ch:
		return o, nil
	case <-ctx.Done():
		d.Cancel(id)
		return Outcome{}, ctx.Err()
	}
}

// Start launches the polling loop. Starting a running dispatcher is a no-op.
func (d *Dispatcher) Start() {
	if !atomic.CompareAndSwapInt32(&d.stat, KILL, ALIVE) {
		return
	}
	d.done = make(chan struct{})
	go d.polld(d.done)
	d.logger.Info().Dur("interval", d.conf.Interval).Msg("dispatcher started")
}

// Stop ends the polling loop after the in-flight tick. Pending subscriptions
// are kept and resume on the next Start. Stop must not be called from a
// callback since it waits for the tick that runs it.
func (d *Dispatcher) Stop() {
	if !atomic.CompareAndSwapInt32(&d.stat, ALIVE, KILL) {
		return
	}
	<-d.done
	d.logger.Info().Int("pending", d.Len()).Msg("dispatcher stopped")
}

func (d *Dispatcher) isKilled() bool {
	return atomic.LoadInt32(&d.stat) == KILL
}

func (d *Dispatcher) polld(done chan struct{}) {
	defer close(done)
	for !d.isKilled() {
		d.Tick(context.Background())
		time.Sleep(d.conf.Interval)
	}
}

// Tick evaluates every subscription registered before it began. Subscriptions
// added during the tick wait for the next one.
func (d *Dispatcher) Tick(ctx context.Context) {
	for _, s := range d.snapshot() {
		if err := ctx.Err(); err != nil {
			return
		}
		d.evaluate(ctx, s)
	}
}

func (d *Dispatcher) snapshot() []*subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*subscription, 0, len(d.subs))
	for _, s := range d.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].id[:], out[j].id[:]) < 0
	})
	return out
}

// evaluate resolves s if its event arrived or its deadline passed. A panic in
// the query or a callback is contained to s.
func (d *Dispatcher) evaluate(ctx context.Context, s *subscription) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.panics.Inc()
			d.logger.Error().Str("sub", s.id.String()).Msgf("subscription panicked: %v", r)
		}
	}()

	logs, err := s.filter.GetMatches(ctx)
	if err != nil {
		d.metrics.pollErrors.Inc()
		d.logger.Warn().Err(err).Str("sub", s.id.String()).Msg("poll failed, keeping subscription")
		return
	}

	if len(logs) > 0 {
		if _, ok := d.remove(s.id); !ok {
			return
		}
		d.release(ctx, s)
		d.metrics.fired.Inc()
		lg := logs[0]
		d.logger.Debug().Str("sub", s.id.String()).Uint64("block", lg.BlockNumber).Msg("event observed")
		s.callback(Outcome{Log: &lg})
		return
	}

	if s.timeout <= 0 || d.conf.Clock().Sub(s.start) <= s.timeout {
		return
	}
	if _, ok := d.remove(s.id); !ok {
		return
	}
	d.release(ctx, s)
	d.metrics.timedOut.Inc()
	d.logger.Info().Str("sub", s.id.String()).Str(s.matchKey, fmt.Sprint(s.matchValue)).Msg("timed out")
	if s.onTimeout != nil {
		s.onTimeout()
		return
	}
	s.callback(Outcome{TimedOut: true})
}

// remove deletes the subscription; only the caller that gets ok == true may
// invoke its callbacks.
func (d *Dispatcher) remove(id xid.ID) (*subscription, bool) {
	d.mu.Lock()
	s, ok := d.subs[id]
	delete(d.subs, id)
	n := len(d.subs)
	d.mu.Unlock()
	if ok {
		d.metrics.active.Set(float64(n))
	}
	return s, ok
}

func (d *Dispatcher) release(ctx context.Context, s *subscription) {
	if err := s.filter.Uninstall(ctx); err != nil {
		d.logger.Debug().Err(err).Msg("uninstall failed")
	}
}
