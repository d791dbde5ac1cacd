package agreement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.dedis.ch/escrow/condition"
	"go.dedis.ch/escrow/event"
	"go.dedis.ch/escrow/ledger"
	"go.dedis.ch/escrow/logging"
	"go.dedis.ch/escrow/store"
	"go.dedis.ch/escrow/trace"
	"go.dedis.ch/escrow/wallet"
)

const (
	// DefaultOnboardingTimeout bounds the wait for the creation event.
	DefaultOnboardingTimeout = 60 * time.Second
	// DefaultConditionTimeout applies to conditions the template leaves
	// without a timeout.
	DefaultConditionTimeout = 300 * time.Second
)

type EngineConf struct {
	Ledger   ledger.Client
	Store    store.Store
	Wallet   wallet.Signer
	Template condition.Template
	Role     Role
	// Gateway, when set, receives creation requests instead of the ledger.
	Gateway Gateway

	Interval          time.Duration
	Retries           int
	FromBlock         uint64
	OnboardingTimeout time.Duration
	// ConditionTimeouts override the template's timeouts for local waits,
	// indexed by condition.Kind. Zero entries fall back to the template.
	ConditionTimeouts [3]time.Duration

	Clock      func() time.Time
	Tracer     *trace.Tracer
	Registerer prometheus.Registerer
}

type tracked struct {
	agreement store.Agreement
	params    condition.Params

	// guarded by Engine.mu
	stage    Stage
	outcomes [3]Outcome
	refund   bool
	err      error
}

func (t *tracked) state() State {
	return State{Agreement: t.agreement, Stage: t.stage, Outcomes: t.outcomes, Refund: t.refund, Err: t.err}
}

// Engine runs the condition chain of every agreement it tracks.
type Engine struct {
	logger      zerolog.Logger
	conf        EngineConf
	dispatchers map[ledger.EventKind]*event.Dispatcher

	mu         sync.Mutex
	agreements map[common.Hash]*tracked

	// in-flight handlers
	wg sync.WaitGroup
}

func NewEngine(conf EngineConf) (*Engine, error) {
	if conf.Ledger == nil || conf.Store == nil || conf.Wallet == nil {
		return nil, errors.New("engine needs a ledger, a store and a wallet")
	}
	if conf.Role == 0 {
		conf.Role = RoleBoth
	}
	if conf.Interval <= 0 {
		conf.Interval = event.DefaultInterval
	}
	if conf.OnboardingTimeout <= 0 {
		conf.OnboardingTimeout = DefaultOnboardingTimeout
	}
	if conf.Clock == nil {
		conf.Clock = time.Now
	}

	e := &Engine{conf: conf}
	e.agreements = make(map[common.Hash]*tracked)
	e.dispatchers = make(map[ledger.EventKind]*event.Dispatcher, len(ledger.EventKinds))
	for _, kind := range ledger.EventKinds {
		e.dispatchers[kind] = event.NewDispatcher(event.DispatcherConf{
			Client:     conf.Ledger,
			Kind:       kind,
			MatchKey:   ledger.ArgAgreementID,
			FromBlock:  conf.FromBlock,
			Interval:   conf.Interval,
			Retries:    conf.Retries,
			Clock:      conf.Clock,
			Registerer: conf.Registerer,
		})
	}
	e.logger = logging.RootLogger.With().Str("Engine", conf.Wallet.Address().Hex()).
		Str("role", conf.Role.String()).Logger()
	return e, nil
}

// Address is the account this engine signs with.
func (e *Engine) Address() common.Address {
	return e.conf.Wallet.Address()
}

// Start launches the dispatcher loops.
func (e *Engine) Start() {
	for _, kind := range ledger.EventKinds {
		e.dispatchers[kind].Start()
	}
	e.logger.Info().Msg("engine started")
}

// Stop ends the dispatcher loops and waits for in-flight handlers. A handler
// blocked on a ledger submission is not interrupted.
func (e *Engine) Stop() {
	for _, kind := range ledger.EventKinds {
		e.dispatchers[kind].Stop()
	}
	e.wg.Wait()
	e.conf.Tracer.Flush()
	e.logger.Info().Msg("engine stopped")
}

// Tick runs one polling round of every dispatcher in condition order and
// waits for the handlers it triggered. It drives the engine when the loops
// are not started.
func (e *Engine) Tick(ctx context.Context) {
	e.wg.Wait()
	for _, kind := range ledger.EventKinds {
		e.dispatchers[kind].Tick(ctx)
		e.wg.Wait()
	}
}

// Subscriptions is the number of pending waits per event kind.
func (e *Engine) Subscriptions() map[ledger.EventKind]int {
	out := make(map[ledger.EventKind]int, len(e.dispatchers))
	for kind, d := range e.dispatchers {
		out[kind] = d.Len()
	}
	return out
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) now() time.Time {
	return e.conf.Clock()
}

// NewAgreementID returns 32 random bytes made of two UUIDs.
func NewAgreementID() common.Hash {
	a, b := uuid.New(), uuid.New()
	var id common.Hash
	copy(id[:16], a[:])
	copy(id[16:], b[:])
	return id
}

// Create starts an agreement as its consumer: it signs the agreement hash,
// records the agreement and has it created on the ledger, directly or through
// the gateway. The returned id is tracked until the agreement completes or
// aborts. ErrAgreementExists is returned before anything is recorded if the
// id is already in use.
func (e *Engine) Create(ctx context.Context, req Request) (common.Hash, error) {
	if !e.conf.Role.Has(RoleConsumer) {
		return common.Hash{}, fmt.Errorf("create: %w %s", ErrRole, e.conf.Role)
	}
	if req.Price == nil || req.Price.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("create: invalid price %v", req.Price)
	}
	req.Consumer = e.conf.Wallet.Address()
	if req.AgreementID == (common.Hash{}) {
		req.AgreementID = NewAgreementID()
	}
	if err := e.checkUnused(ctx, req.AgreementID); err != nil {
		return common.Hash{}, err
	}

	ids := condition.Generate(e.conf.Template, req.params())
	sig, err := e.conf.Wallet.Sign(condition.AgreementHash(e.conf.Template, req.AgreementID, ids))
	if err != nil {
		return common.Hash{}, fmt.Errorf("create: sign agreement error: %w", err)
	}
	req.Signature = sig

	t, err := e.adopt(ctx, req, ids)
	if err != nil {
		return common.Hash{}, err
	}
	e.conf.Tracer.Event("agreement %s created for %s", req.AgreementID.Hex(), req.DID)

	if e.conf.Gateway != nil {
		req.Trace = e.conf.Tracer.Send("initialize "+req.AgreementID.Hex(), req.AgreementID.Hex())
		ok, err := e.conf.Gateway.Initialize(ctx, req)
		if err == nil && !ok {
			err = ErrGatewayRefused
		}
		if err != nil {
			e.abandon(ctx, t)
			return common.Hash{}, fmt.Errorf("create %s: initialize error: %w", req.AgreementID.Hex(), err)
		}
		e.awaitCreation(t, nil)
		return req.AgreementID, nil
	}

	receipt, err := e.conf.Ledger.Submit(ctx, e.creationCall(t, sig, req.Consumer))
	if err != nil {
		e.abandon(ctx, t)
		return common.Hash{}, fmt.Errorf("create %s: submit error: %w", req.AgreementID.Hex(), err)
	}
	e.awaitCreation(t, receipt)
	return req.AgreementID, nil
}

// Execute creates on the ledger an agreement the consumer signed, as its
// publisher. It is what a gateway calls on the publisher side.
func (e *Engine) Execute(ctx context.Context, req Request) error {
	if !e.conf.Role.Has(RolePublisher) {
		return fmt.Errorf("execute: %w %s", ErrRole, e.conf.Role)
	}
	if req.Price == nil || req.Price.Sign() < 0 {
		return fmt.Errorf("execute: invalid price %v", req.Price)
	}
	var traced string
	e.conf.Tracer.Receive("initialize "+req.AgreementID.Hex(), req.Trace, &traced)

	ids := condition.Generate(e.conf.Template, req.params())
	signer, err := wallet.Recover(condition.AgreementHash(e.conf.Template, req.AgreementID, ids), req.Signature)
	if err != nil || signer != req.Consumer {
		return fmt.Errorf("execute %s: %w", req.AgreementID.Hex(), ErrBadSignature)
	}
	if err := e.checkUnused(ctx, req.AgreementID); err != nil {
		return err
	}

	t, err := e.adopt(ctx, req, ids)
	if err != nil {
		return err
	}
	receipt, err := e.conf.Ledger.Submit(ctx, e.creationCall(t, req.Signature, req.Publisher))
	if err != nil {
		e.abandon(ctx, t)
		return fmt.Errorf("execute %s: submit error: %w", req.AgreementID.Hex(), err)
	}
	e.conf.Tracer.Event("agreement %s executed", req.AgreementID.Hex())
	e.awaitCreation(t, receipt)
	return nil
}

func (e *Engine) checkUnused(ctx context.Context, id common.Hash) error {
	e.mu.Lock()
	_, known := e.agreements[id]
	e.mu.Unlock()
	if known {
		return fmt.Errorf("%s: %w", id.Hex(), ErrAgreementExists)
	}
	exists, err := e.conf.Ledger.AgreementExists(ctx, id)
	if err != nil {
		return fmt.Errorf("check agreement %s error: %w", id.Hex(), err)
	}
	if exists {
		return fmt.Errorf("%s: %w", id.Hex(), ErrAgreementExists)
	}
	return nil
}

func (e *Engine) creationCall(t *tracked, sig []byte, from common.Address) ledger.Call {
	return ledger.CreateAgreement{
		AgreementID:  t.agreement.ID,
		DID:          t.params.DID,
		ConditionIDs: t.agreement.ConditionIDs.Slice(),
		TimeLocks:    e.conf.Template.TimeLocksBig(),
		TimeOuts:     e.conf.Template.TimeOutsBig(),
		Consumer:     t.agreement.Consumer,
		Publisher:    t.agreement.Publisher,
		Signature:    sig,
	}.Call(from)
}

// adopt starts tracking a new agreement and records it as pending. A store
// failure is logged only: the agreement is still driven, but a restart will
// not find it.
func (e *Engine) adopt(ctx context.Context, req Request, ids condition.IDs) (*tracked, error) {
	block, err := e.conf.Ledger.BlockNumber(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to read block number")
	}
	t := &tracked{
		agreement: store.Agreement{
			ID:                  req.AgreementID,
			DID:                 req.DID,
			ServiceDefinitionID: req.ServiceIndex,
			Price:               req.Price,
			Files:               req.Files,
			StartTime:           e.now(),
			Status:              store.StatusPending,
			Consumer:            req.Consumer,
			Publisher:           req.Publisher,
			ConditionIDs:        ids,
			BlockNumber:         block,
		},
		params: req.params(),
		stage:  StageCreated,
	}
	if err := e.insert(t); err != nil {
		return nil, err
	}
	if err := e.conf.Store.Record(ctx, t.agreement); err != nil {
		e.agreementLogger(t).Error().Err(err).Msg("failed to record agreement")
	}
	e.agreementLogger(t).Info().Str("did", req.DID).Str("price", req.Price.String()).
		Str("consumer", req.Consumer.Hex()).Str("publisher", req.Publisher.Hex()).Msg("agreement tracked")
	return t, nil
}

func (e *Engine) insert(t *tracked) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.agreements[t.agreement.ID]; ok {
		return fmt.Errorf("%s: %w", t.agreement.ID.Hex(), ErrAgreementExists)
	}
	e.agreements[t.agreement.ID] = t
	return nil
}

// abandon aborts an agreement whose creation never reached the ledger.
func (e *Engine) abandon(ctx context.Context, t *tracked) {
	if _, ok := e.transition(t.agreement.ID, StageCreated, StageAborted); ok {
		e.setStatus(ctx, t, store.StatusAborted)
	}
}

// State returns a snapshot of a tracked agreement.
func (e *Engine) State(id common.Hash) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.agreements[id]
	if !ok {
		return State{}, fmt.Errorf("%s: %w", id.Hex(), ErrUnknownAgreement)
	}
	return t.state(), nil
}

// States returns every tracked agreement, oldest first.
func (e *Engine) States() []State {
	e.mu.Lock()
	out := make([]State, 0, len(e.agreements))
	for _, t := range e.agreements {
		out = append(out, t.state())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Agreement.StartTime.Equal(out[j].Agreement.StartTime) {
			return out[i].Agreement.StartTime.Before(out[j].Agreement.StartTime)
		}
		return out[i].Agreement.ID.Hex() < out[j].Agreement.ID.Hex()
	})
	return out
}

// transition moves an agreement from one stage to the next. Only the caller
// that sees ok == true acts on the transition, so each step runs once even
// when several events race for it.
func (e *Engine) transition(id common.Hash, from, to Stage) (*tracked, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.agreements[id]
	if !ok || t.stage != from {
		return nil, false
	}
	t.stage = to
	t.err = nil
	return t, true
}

func (e *Engine) update(t *tracked, fn func(t *tracked)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(t)
}

func (e *Engine) lookup(id common.Hash) (*tracked, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.agreements[id]
	return t, ok
}

func (e *Engine) agreementLogger(t *tracked) *zerolog.Logger {
	l := e.logger.With().Str("agreement", t.agreement.ID.Hex()).Logger()
	return &l
}

func (e *Engine) setStatus(ctx context.Context, t *tracked, status store.Status) {
	if err := e.conf.Store.UpdateStatus(ctx, t.agreement.ID, status); err != nil {
		e.agreementLogger(t).Error().Err(err).Str("status", string(status)).Msg("failed to update agreement status")
	}
}
