// Package memledger is an in-process ledger: an append-only chain of blocks
// carrying decoded logs, plus the lock/access/escrow condition contracts
// executed against a key/value world state. It backs the tests and the
// `--ledger memory` mode of the CLI.
package memledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"go.dedis.ch/escrow/condition"
	"go.dedis.ch/escrow/ledger"
	"go.dedis.ch/escrow/logging"
	"go.dedis.ch/escrow/storage"
)

type LedgerConf struct {
	Template condition.Template
	Clock    func() time.Time
	// Manual records condition fulfillments without executing them; tests
	// then drive the chain with Fulfill. Agreement creation always executes.
	Manual    bool
	KVFactory storage.KVFactory
}

type block struct {
	number uint64
	time   time.Time
	logs   []ledger.Log
	// root is the world state hash once the block's calls ran.
	root string
}

type agreementEntry struct {
	ID         common.Hash
	DID        common.Hash
	Consumer   common.Address
	Publisher  common.Address
	Conditions condition.IDs
	CreatedAt  time.Time
}

type conditionEntry struct {
	ID          common.Hash
	AgreementID common.Hash
	Kind        condition.Kind
	State       ledger.ConditionState
	TimeOut     time.Duration
	CreatedAt   time.Time
}

// Ledger implements ledger.Client in memory.
type Ledger struct {
	logger zerolog.Logger
	conf   LedgerConf

	mu          sync.Mutex // protects everything below
	blocks      []*block
	state       storage.KV
	filters     map[string]ledger.LogQuery
	nextFilter  uint64
	txCount     uint64
	submitted   []ledger.Call
	failSubmits map[string]error
	failQueries int
}

var _ ledger.Client = (*Ledger)(nil)

func NewLedger(conf LedgerConf) *Ledger {
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	if conf.KVFactory == nil {
		conf.KVFactory = storage.CreateSimpleKV
	}
	l := &Ledger{conf: conf}
	l.state = conf.KVFactory()
	l.filters = make(map[string]ledger.LogQuery)
	l.failSubmits = make(map[string]error)
	l.blocks = []*block{{number: 0, time: conf.Clock(), root: l.state.Hash()}}
	l.logger = logging.RootLogger.With().Str("MemLedger", conf.Template.AgreementAddress.Hex()).Logger()
	return l
}

// Submit implements ledger.Client. Every call mines one block.
func (l *Ledger) Submit(ctx context.Context, call ledger.Call) (*ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.submitted = append(l.submitted, call)
	if err, ok := l.failSubmits[call.Contract]; ok {
		delete(l.failSubmits, call.Contract)
		return nil, fmt.Errorf("submit %s error: %w", call, err)
	}

	logs, err := l.execute(call)
	if err != nil {
		logs = nil
	}
	b := l.mine(logs)
	receipt := &ledger.Receipt{
		TxHash:      b.txHash,
		BlockNumber: b.number,
		Status:      ledger.ReceiptStatusSuccessful,
		Logs:        b.logs,
	}
	if err != nil {
		receipt.Status = 0
		l.logger.Debug().Str("call", call.String()).Err(err).Msg("reverted")
		return receipt, fmt.Errorf("%s: %w: %v", call, ledger.ErrReverted, err)
	}
	l.logger.Debug().Str("call", call.String()).Uint64("block", b.number).Msg("mined")
	return receipt, nil
}

func (l *Ledger) execute(call ledger.Call) ([]ledger.Log, error) {
	if call.Contract == ledger.ContractAgreementTemplate && call.Method == ledger.MethodCreateAgreement {
		return l.createAgreement(call)
	}
	if call.Method != ledger.MethodFulfill {
		return nil, fmt.Errorf("unknown method %s", call.Method)
	}
	if l.conf.Manual {
		return nil, nil
	}
	switch call.Contract {
	case ledger.ContractLockReward:
		return l.fulfillLockReward(call)
	case ledger.ContractAccess:
		return l.fulfillAccess(call)
	case ledger.ContractEscrowReward:
		return l.fulfillEscrowReward(call)
	}
	return nil, fmt.Errorf("unknown contract %s", call.Contract)
}

type minedBlock struct {
	*block
	txHash common.Hash
}

func (l *Ledger) mine(logs []ledger.Log) minedBlock {
	l.txCount++
	txHash := crypto.Keccak256Hash(new(big.Int).SetUint64(l.txCount).Bytes())
	b := &block{number: uint64(len(l.blocks)), time: l.conf.Clock(), root: l.state.Hash()}
	for i, lg := range logs {
		lg.BlockNumber = b.number
		lg.TxHash = txHash
		lg.Index = uint(i)
		b.logs = append(b.logs, lg)
	}
	l.blocks = append(l.blocks, b)
	return minedBlock{block: b, txHash: txHash}
}

func (l *Ledger) now() time.Time {
	return l.conf.Clock()
}

func (l *Ledger) timedOut(c *conditionEntry) bool {
	return c.TimeOut > 0 && !l.now().Before(c.CreatedAt.Add(c.TimeOut))
}

// InstallFilter implements ledger.LogFilterer.
func (l *Ledger) InstallFilter(ctx context.Context, q ledger.LogQuery) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextFilter++
	id := hexutil.EncodeUint64(l.nextFilter)
	l.filters[id] = q
	return id, nil
}

// FilterLogs implements ledger.LogFilterer.
func (l *Ledger) FilterLogs(ctx context.Context, id string) ([]ledger.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failQueries > 0 {
		l.failQueries--
		delete(l.filters, id)
		return nil, fmt.Errorf("filter %s: %w", id, ledger.ErrFilterNotFound)
	}
	q, ok := l.filters[id]
	if !ok {
		return nil, fmt.Errorf("filter %s: %w", id, ledger.ErrFilterNotFound)
	}
	var out []ledger.Log
	for _, b := range l.blocks {
		if b.number < q.FromBlock {
			continue
		}
		for _, lg := range b.logs {
			if q.Matches(lg) {
				out = append(out, lg)
			}
		}
	}
	return out, nil
}

// UninstallFilter implements ledger.LogFilterer.
func (l *Ledger) UninstallFilter(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.filters, id)
	return nil
}

// ConditionState implements ledger.Client.
func (l *Ledger) ConditionState(ctx context.Context, id common.Hash) (ledger.ConditionState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := l.getCondition(id)
	if err != nil {
		return ledger.Unfulfilled, err
	}
	return c.State, nil
}

// AgreementExists implements ledger.Client.
func (l *Ledger) AgreementExists(ctx context.Context, id common.Hash) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.state.Get(agreementKey(id))
	return err == nil, nil
}

// BlockNumber implements ledger.Client.
func (l *Ledger) BlockNumber(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.blocks) - 1), nil
}

func agreementKey(id common.Hash) string { return "agreement:" + id.Hex() }

func conditionKey(id common.Hash) string { return "condition:" + id.Hex() }

func balanceKey(addr common.Address) string { return "balance:" + addr.Hex() }

func (l *Ledger) putCondition(c *conditionEntry) {
	_ = l.state.Put(conditionKey(c.ID), c)
}

func (l *Ledger) getAgreement(id common.Hash) (*agreementEntry, error) {
	v, err := l.state.Get(agreementKey(id))
	if err != nil {
		return nil, fmt.Errorf("agreement %s does not exist", id.Hex())
	}
	a, ok := v.(*agreementEntry)
	if !ok {
		return nil, fmt.Errorf("agreement %s is corrupted: %v", id.Hex(), v)
	}
	return a, nil
}

func (l *Ledger) getCondition(id common.Hash) (*conditionEntry, error) {
	v, err := l.state.Get(conditionKey(id))
	if err != nil {
		return nil, fmt.Errorf("condition %s: %w", id.Hex(), ledger.ErrUnknownCondition)
	}
	c, ok := v.(*conditionEntry)
	if !ok {
		return nil, fmt.Errorf("condition %s is corrupted: %v", id.Hex(), v)
	}
	return c, nil
}

func (l *Ledger) balance(addr common.Address) *big.Int {
	v, err := l.state.Get(balanceKey(addr))
	if err != nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.(*big.Int))
}

func (l *Ledger) transfer(from, to common.Address, amount *big.Int) error {
	have := l.balance(from)
	if have.Cmp(amount) < 0 {
		return fmt.Errorf("balance of %s is %s, cannot cover %s", from.Hex(), have, amount)
	}
	_ = l.state.Put(balanceKey(from), have.Sub(have, amount))
	_ = l.state.Put(balanceKey(to), l.balance(to).Add(l.balance(to), amount))
	return nil
}
