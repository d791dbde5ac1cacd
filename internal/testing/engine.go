package testing

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/escrow/agreement"
	"go.dedis.ch/escrow/ledger/memledger"
	"go.dedis.ch/escrow/store"
	"go.dedis.ch/escrow/wallet"
)

// TestEngine bundles an engine with the collaborators a test inspects.
type TestEngine struct {
	*agreement.Engine
	Ledger *memledger.Ledger
	Store  store.Store
	Wallet *wallet.Wallet
	Clock  *Clock
}

// NewTestLedger returns an in-memory ledger on the test template.
func NewTestLedger(clock *Clock, manual bool) *memledger.Ledger {
	return memledger.NewLedger(memledger.LedgerConf{
		Template: Template,
		Clock:    clock.Now,
		Manual:   manual,
	})
}

// NewTestStore returns a sqlite store in a temporary directory.
func NewTestStore(t *testing.T) store.Store {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "agreements.db"))
	require.NoError(t, err)
	return s
}

// NewTestEngine builds an engine for testing purpose. The engine is not
// started; drive it with Tick.
func NewTestEngine(t *testing.T, opts ...Option) *TestEngine {
	template := newConfigTemplate()
	for _, opt := range opts {
		opt(&template)
	}

	if template.clock == nil {
		template.clock = NewClock()
	}
	if template.ledger == nil {
		template.ledger = NewTestLedger(template.clock, template.manual)
	}
	if template.store == nil {
		template.store = NewTestStore(t)
	}
	if template.wallet == nil {
		w, err := wallet.Generate()
		require.NoError(t, err)
		template.wallet = w
	}

	e, err := agreement.NewEngine(agreement.EngineConf{
		Ledger:   template.ledger,
		Store:    template.store,
		Wallet:   template.wallet,
		Template: template.template,
		Role:     template.role,
		Gateway:  template.gateway,
		Interval: template.interval,
		Clock:    template.clock.Now,

		FromBlock:         template.from,
		ConditionTimeouts: template.timeouts,
	})
	require.NoError(t, err)

	return &TestEngine{
		Engine: e,
		Ledger: template.ledger,
		Store:  template.store,
		Wallet: template.wallet,
		Clock:  template.clock,
	}
}
