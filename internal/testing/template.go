package testing

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/escrow/agreement"
	"go.dedis.ch/escrow/condition"
	"go.dedis.ch/escrow/ledger/memledger"
	"go.dedis.ch/escrow/store"
	"go.dedis.ch/escrow/wallet"
)

// Template is the condition template used by tests: lock and access time out
// after 300s, the escrow never does.
var Template = condition.Template{
	ID:                  common.HexToHash("0x7e"),
	AgreementAddress:    common.HexToAddress("0x1001"),
	LockRewardAddress:   common.HexToAddress("0x1002"),
	AccessAddress:       common.HexToAddress("0x1003"),
	EscrowRewardAddress: common.HexToAddress("0x1004"),
	TimeOuts:            [3]uint64{300, 300, 0},
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Unix(1_700_000_000, 0)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type configTemplate struct {
	ledger   *memledger.Ledger
	store    store.Store
	wallet   *wallet.Wallet
	template condition.Template
	role     agreement.Role
	gateway  agreement.Gateway
	clock    *Clock
	interval time.Duration
	manual   bool
	from     uint64
	timeouts [3]time.Duration
}

func newConfigTemplate() configTemplate {
	return configTemplate{
		template: Template,
		role:     agreement.RoleBoth,
		interval: 10 * time.Millisecond,
	}
}

// Option is a type to change the default parameters of a test engine.
type Option func(*configTemplate)

// WithLedger shares a ledger between engines.
func WithLedger(l *memledger.Ledger) Option {
	return func(ct *configTemplate) {
		ct.ledger = l
	}
}

// WithStore sets the agreement store. The default is a sqlite file in a
// temporary directory.
func WithStore(s store.Store) Option {
	return func(ct *configTemplate) {
		ct.store = s
	}
}

func WithWallet(w *wallet.Wallet) Option {
	return func(ct *configTemplate) {
		ct.wallet = w
	}
}

func WithRole(r agreement.Role) Option {
	return func(ct *configTemplate) {
		ct.role = r
	}
}

func WithGateway(g agreement.Gateway) Option {
	return func(ct *configTemplate) {
		ct.gateway = g
	}
}

func WithClock(c *Clock) Option {
	return func(ct *configTemplate) {
		ct.clock = c
	}
}

func WithInterval(d time.Duration) Option {
	return func(ct *configTemplate) {
		ct.interval = d
	}
}

// WithManualLedger makes the default ledger record fulfillments without
// executing them, so the test decides when each condition is fulfilled.
func WithManualLedger() Option {
	return func(ct *configTemplate) {
		ct.manual = true
	}
}

// WithFromBlock sets the block the engine's dispatchers start from.
func WithFromBlock(n uint64) Option {
	return func(ct *configTemplate) {
		ct.from = n
	}
}

// WithConditionTimeouts sets the local waits, indexed by condition kind. Zero
// entries fall back to the template's timeouts.
func WithConditionTimeouts(d [3]time.Duration) Option {
	return func(ct *configTemplate) {
		ct.timeouts = d
	}
}
