// Package ethledger implements ledger.Client over an Ethereum JSON-RPC
// endpoint against the deployed escrow contracts.
package ethledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"go.dedis.ch/escrow/ledger"
	"go.dedis.ch/escrow/logging"
	"golang.org/x/xerrors"
)

type LedgerConf struct {
	URL       string
	Contracts ContractSet
	// Keys sign submissions; a call is sent with the key of its From.
	Keys []*ecdsa.PrivateKey
}

type filter struct {
	query    ledger.LogQuery
	contract *contract
}

// Ledger talks to a node through go-ethereum's ethclient.
type Ledger struct {
	logger    zerolog.Logger
	client    *ethclient.Client
	chainID   *big.Int
	contracts map[string]*contract
	keys      map[common.Address]*ecdsa.PrivateKey

	mu      sync.Mutex
	filters map[string]filter
}

var _ ledger.Client = (*Ledger)(nil)

// Dial connects to the node at conf.URL and parses the contract ABIs.
func Dial(ctx context.Context, conf LedgerConf) (*Ledger, error) {
	contracts, err := conf.Contracts.parse()
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, conf.URL)
	if err != nil {
		return nil, xerrors.Errorf("dial %s: %v", conf.URL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, xerrors.Errorf("chain id: %v", err)
	}

	l := &Ledger{
		client:    client,
		chainID:   chainID,
		contracts: contracts,
		keys:      make(map[common.Address]*ecdsa.PrivateKey, len(conf.Keys)),
		filters:   make(map[string]filter),
	}
	for _, k := range conf.Keys {
		l.keys[crypto.PubkeyToAddress(k.PublicKey)] = k
	}
	l.logger = logging.RootLogger.With().Str("EthLedger", conf.URL).Logger()
	l.logger.Info().Str("chain", chainID.String()).Int("signers", len(l.keys)).Msg("connected")
	return l, nil
}

// Close releases the connection.
func (l *Ledger) Close() {
	l.client.Close()
}

func (l *Ledger) bound(c *contract) *bind.BoundContract {
	return bind.NewBoundContract(c.address, c.abi, l.client, l.client, l.client)
}

func (l *Ledger) contract(name string) (*contract, error) {
	c, ok := l.contracts[name]
	if !ok {
		return nil, xerrors.Errorf("unknown contract %s", name)
	}
	return c, nil
}

// Submit implements ledger.Client. It waits until the transaction is mined.
func (l *Ledger) Submit(ctx context.Context, call ledger.Call) (*ledger.Receipt, error) {
	c, err := l.contract(call.Contract)
	if err != nil {
		return nil, err
	}
	key, ok := l.keys[call.From]
	if !ok {
		return nil, xerrors.Errorf("%s: no key for %s", call, call.From.Hex())
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, l.chainID)
	if err != nil {
		return nil, xerrors.Errorf("%s: transactor: %v", call, err)
	}
	opts.Context = ctx

	tx, err := l.bound(c).Transact(opts, call.Method, call.Args...)
	if err != nil {
		return nil, xerrors.Errorf("%s: send: %w", call, err)
	}
	l.logger.Debug().Str("call", call.String()).Str("tx", tx.Hash().Hex()).Msg("sent")

	mined, err := bind.WaitMined(ctx, l.client, tx)
	if err != nil {
		return nil, xerrors.Errorf("%s: wait mined: %w", call, err)
	}
	receipt := &ledger.Receipt{
		TxHash:      mined.TxHash,
		BlockNumber: mined.BlockNumber.Uint64(),
		Status:      mined.Status,
	}
	for _, raw := range mined.Logs {
		if lg, ok := l.decode(*raw); ok {
			receipt.Logs = append(receipt.Logs, lg)
		}
	}
	if mined.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s in tx %s: %w", call, mined.TxHash.Hex(), ledger.ErrReverted)
	}
	return receipt, nil
}

// decode turns a raw log of a known contract into a ledger.Log.
func (l *Ledger) decode(raw types.Log) (ledger.Log, bool) {
	if len(raw.Topics) == 0 {
		return ledger.Log{}, false
	}
	for _, kind := range ledger.EventKinds {
		c := l.contracts[ledger.EventContract(kind)]
		if c == nil || c.address != raw.Address {
			continue
		}
		ev, err := c.event(kind)
		if err != nil || ev.ID != raw.Topics[0] {
			continue
		}
		lg, err := decodeLog(kind, ev, raw)
		if err != nil {
			l.logger.Warn().Err(err).Str("tx", raw.TxHash.Hex()).Msg("undecodable log")
			return ledger.Log{}, false
		}
		return lg, true
	}
	return ledger.Log{}, false
}

func decodeLog(kind ledger.EventKind, ev abi.Event, raw types.Log) (ledger.Log, error) {
	args := make(map[string]interface{})
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, raw.Topics[1:]); err != nil {
		return ledger.Log{}, xerrors.Errorf("topics of %s: %v", kind, err)
	}
	if len(raw.Data) > 0 {
		if err := ev.Inputs.NonIndexed().UnpackIntoMap(args, raw.Data); err != nil {
			return ledger.Log{}, xerrors.Errorf("data of %s: %v", kind, err)
		}
	}
	return ledger.Log{
		Kind:        kind,
		Contract:    raw.Address,
		BlockNumber: raw.BlockNumber,
		TxHash:      raw.TxHash,
		Index:       raw.Index,
		Args:        args,
	}, nil
}

// InstallFilter implements ledger.LogFilterer with eth_newFilter. Indexed
// arguments narrow the node-side filter; the rest are matched on decode.
func (l *Ledger) InstallFilter(ctx context.Context, q ledger.LogQuery) (string, error) {
	c, err := l.contract(ledger.EventContract(q.Kind))
	if err != nil {
		return "", err
	}
	ev, err := c.event(q.Kind)
	if err != nil {
		return "", err
	}
	arg := map[string]interface{}{
		"address":   c.address,
		"fromBlock": hexutil.EncodeUint64(q.FromBlock),
		"toBlock":   "latest",
		"topics":    topics(ev, q.Args),
	}
	if q.ToBlock != nil {
		arg["toBlock"] = hexutil.EncodeUint64(*q.ToBlock)
	}

	var id string
	if err := l.client.Client().CallContext(ctx, &id, "eth_newFilter", arg); err != nil {
		return "", xerrors.Errorf("new filter: %v", err)
	}
	l.mu.Lock()
	l.filters[id] = filter{query: q, contract: c}
	l.mu.Unlock()
	return id, nil
}

// FilterLogs implements ledger.LogFilterer with eth_getFilterLogs.
func (l *Ledger) FilterLogs(ctx context.Context, id string) ([]ledger.Log, error) {
	l.mu.Lock()
	f, ok := l.filters[id]
	l.mu.Unlock()
	if !ok {
		return nil, xerrors.Errorf("filter %s: %w", id, ledger.ErrFilterNotFound)
	}

	var raws []types.Log
	err := l.client.Client().CallContext(ctx, &raws, "eth_getFilterLogs", id)
	if err != nil {
		if isFilterNotFound(err) {
			l.mu.Lock()
			delete(l.filters, id)
			l.mu.Unlock()
			return nil, xerrors.Errorf("filter %s: %w", id, ledger.ErrFilterNotFound)
		}
		return nil, xerrors.Errorf("filter logs: %v", err)
	}

	var out []ledger.Log
	for _, raw := range raws {
		if raw.Removed {
			continue
		}
		lg, ok := l.decode(raw)
		if ok && f.query.Matches(lg) {
			out = append(out, lg)
		}
	}
	return out, nil
}

// UninstallFilter implements ledger.LogFilterer.
func (l *Ledger) UninstallFilter(ctx context.Context, id string) error {
	l.mu.Lock()
	delete(l.filters, id)
	l.mu.Unlock()

	var ok bool
	err := l.client.Client().CallContext(ctx, &ok, "eth_uninstallFilter", id)
	if err != nil && !isFilterNotFound(err) {
		return xerrors.Errorf("uninstall filter: %v", err)
	}
	return nil
}

func isFilterNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "filter not found")
}

// ConditionState implements ledger.Client.
func (l *Ledger) ConditionState(ctx context.Context, id common.Hash) (ledger.ConditionState, error) {
	c, err := l.contract(ContractConditionStore)
	if err != nil {
		return 0, err
	}
	var out []interface{}
	err = l.bound(c).Call(&bind.CallOpts{Context: ctx}, &out, "getConditionState", [32]byte(id))
	if err != nil {
		return 0, xerrors.Errorf("condition %s state: %v", id.Hex(), err)
	}
	if len(out) != 1 {
		return 0, xerrors.Errorf("condition %s state: %d results", id.Hex(), len(out))
	}
	state, ok := out[0].(uint8)
	if !ok {
		return 0, xerrors.Errorf("condition %s state: unexpected %T", id.Hex(), out[0])
	}
	return ledger.ConditionState(state), nil
}

// AgreementExists implements ledger.Client. A stored agreement has a
// non-zero template.
func (l *Ledger) AgreementExists(ctx context.Context, id common.Hash) (bool, error) {
	c, err := l.contract(ContractAgreementStore)
	if err != nil {
		return false, err
	}
	method, ok := c.abi.Methods["getAgreement"]
	if !ok {
		return false, xerrors.Errorf("contract %s has no getAgreement", c.name)
	}
	var out []interface{}
	err = l.bound(c).Call(&bind.CallOpts{Context: ctx}, &out, "getAgreement", [32]byte(id))
	if err != nil {
		return false, xerrors.Errorf("agreement %s: %v", id.Hex(), err)
	}
	for i, o := range method.Outputs {
		if o.Name == "templateId" && i < len(out) {
			addr, ok := out[i].(common.Address)
			return ok && addr != (common.Address{}), nil
		}
	}
	return false, xerrors.Errorf("agreement %s: getAgreement has no templateId output", id.Hex())
}

// BlockNumber implements ledger.Client.
func (l *Ledger) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := l.client.BlockNumber(ctx)
	if err != nil {
		return 0, xerrors.Errorf("block number: %v", err)
	}
	return n, nil
}
