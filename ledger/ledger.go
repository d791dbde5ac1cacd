// Package ledger defines what the agreement engine needs from the ledger: log
// queries through filter handles, transaction submission and reads of
// condition state. Implementations live in memledger (in-process) and
// ethledger (JSON-RPC).
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrFilterNotFound is returned by FilterLogs when the remote node dropped
	// the filter handle. Callers recreate the filter and retry.
	ErrFilterNotFound = errors.New("filter not found")
	// ErrReverted is returned by Submit when the transaction was mined but failed.
	ErrReverted = errors.New("transaction reverted")
	// ErrUnknownCondition is returned when a condition id was never registered.
	ErrUnknownCondition = errors.New("unknown condition")
)

// IsTransient tells whether a query error is worth a retry with a fresh filter.
func IsTransient(err error) bool {
	return errors.Is(err, ErrFilterNotFound)
}

// ConditionState mirrors the on-ledger condition state.
type ConditionState uint8

const (
	Unfulfilled ConditionState = iota
	Fulfilled
	Aborted
)

func (s ConditionState) String() string {
	switch s {
	case Unfulfilled:
		return "unfulfilled"
	case Fulfilled:
		return "fulfilled"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// IsTerminal is true for Fulfilled and Aborted.
func (s ConditionState) IsTerminal() bool {
	return s == Fulfilled || s == Aborted
}

// LogFilterer is the pull-based event interface of the ledger. A filter is a
// server-side handle that may expire at any time.
type LogFilterer interface {
	InstallFilter(ctx context.Context, q LogQuery) (string, error)
	FilterLogs(ctx context.Context, id string) ([]Log, error)
	UninstallFilter(ctx context.Context, id string) error
}

// Client is the full ledger collaborator used by the agreement engine.
type Client interface {
	LogFilterer

	// Submit signs and sends the call as call.From and blocks until a receipt
	// is available. A failed receipt is reported as ErrReverted.
	Submit(ctx context.Context, call Call) (*Receipt, error)
	ConditionState(ctx context.Context, id common.Hash) (ConditionState, error)
	AgreementExists(ctx context.Context, id common.Hash) (bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// LogQuery selects logs of one event kind whose decoded arguments equal the
// given values. ToBlock == nil means "latest".
type LogQuery struct {
	Kind      EventKind
	Args      map[string]interface{}
	FromBlock uint64
	ToBlock   *uint64
}

// Matches reports whether l satisfies the query.
func (q LogQuery) Matches(l Log) bool {
	if l.Kind != q.Kind {
		return false
	}
	if l.BlockNumber < q.FromBlock {
		return false
	}
	if q.ToBlock != nil && l.BlockNumber > *q.ToBlock {
		return false
	}
	for key, want := range q.Args {
		got, ok := l.Args[key]
		if !ok || !ArgEqual(got, want) {
			return false
		}
	}
	return true
}

// Log is one decoded ledger event.
type Log struct {
	Kind        EventKind
	Contract    common.Address
	BlockNumber uint64
	TxHash      common.Hash
	Index       uint
	Args        map[string]interface{}
}

func (l Log) String() string {
	return fmt.Sprintf("{%s block=%d tx=%s args=%v}", l.Kind, l.BlockNumber, l.TxHash.Hex(), l.Args)
}

// Hash returns the named argument as a 32-byte value.
func (l Log) Hash(name string) (common.Hash, bool) {
	switch v := l.Args[name].(type) {
	case common.Hash:
		return v, true
	case [32]byte:
		return common.Hash(v), true
	}
	return common.Hash{}, false
}

// Address returns the named argument as an account address.
func (l Log) Address(name string) (common.Address, bool) {
	v, ok := l.Args[name].(common.Address)
	return v, ok
}

// Amount returns the named argument as an integer amount.
func (l Log) Amount(name string) (*big.Int, bool) {
	v, ok := l.Args[name].(*big.Int)
	return v, ok
}

// ArgEqual compares two decoded argument values, normalizing the byte-array
// and big-integer representations the decoders may produce.
func ArgEqual(a, b interface{}) bool {
	na, nb := normalizeArg(a), normalizeArg(b)
	if ia, ok := na.(*big.Int); ok {
		ib, ok := nb.(*big.Int)
		return ok && ia.Cmp(ib) == 0
	}
	if ba, ok := na.([]byte); ok {
		bb, ok := nb.([]byte)
		return ok && bytes.Equal(ba, bb)
	}
	if _, ok := nb.([]byte); ok {
		return false
	}
	return na == nb
}

func normalizeArg(v interface{}) interface{} {
	switch x := v.(type) {
	case [32]byte:
		return common.Hash(x)
	case [20]byte:
		return common.Address(x)
	case int:
		return big.NewInt(int64(x))
	case int64:
		return big.NewInt(x)
	case uint64:
		return new(big.Int).SetUint64(x)
	}
	return v
}

// Call is a contract method invocation to be signed by From.
type Call struct {
	Contract string
	Method   string
	Args     []interface{}
	From     common.Address
}

func (c Call) String() string {
	return fmt.Sprintf("%s.%s from=%s", c.Contract, c.Method, c.From.Hex())
}

// ReceiptStatusSuccessful mirrors the ledger's receipt status for a successful transaction.
const ReceiptStatusSuccessful = 1

// Receipt is the mined outcome of a submitted call.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Status      uint64
	Logs        []Log
}

// Succeeded is true if the transaction was mined without failure.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == ReceiptStatusSuccessful
}

// Confirms reports whether the receipt already carries an event of the given
// kind for the agreement.
func (r *Receipt) Confirms(kind EventKind, agreementID common.Hash) bool {
	if !r.Succeeded() {
		return false
	}
	for _, l := range r.Logs {
		if l.Kind != kind {
			continue
		}
		if id, ok := l.Hash(ArgAgreementID); ok && id == agreementID {
			return true
		}
	}
	return false
}
