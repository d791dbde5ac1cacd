// Package agreement drives escrow agreements through the lock, access and
// escrow conditions. An Engine creates agreements, watches the ledger for
// each condition's fulfillment through event dispatchers, submits the next
// fulfillment when its side is responsible for it, and keeps the local store
// in step so a restarted engine resumes where it left off.
package agreement

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/escrow/condition"
	"go.dedis.ch/escrow/store"
)

var (
	// ErrAgreementExists is returned synchronously when the agreement id is
	// already in use on the ledger or in this engine.
	ErrAgreementExists = errors.New("agreement already exists")
	// ErrUnknownAgreement is returned for ids this engine does not track.
	ErrUnknownAgreement = errors.New("unknown agreement")
	// ErrBadSignature is returned when a creation request is not signed by
	// its consumer.
	ErrBadSignature = errors.New("agreement not signed by consumer")
	// ErrRole is returned when the engine's role cannot perform an operation.
	ErrRole = errors.New("operation not allowed for role")
	// ErrGatewayRefused is returned when the gateway declines to initialize
	// an agreement.
	ErrGatewayRefused = errors.New("gateway refused agreement")
)

// Role says which fulfillments an engine submits. Every role observes every
// condition so its local state advances.
type Role int

const (
	// RoleConsumer creates agreements, locks the price and releases escrow.
	RoleConsumer Role = 1 << iota
	// RolePublisher executes gateway requests and grants access.
	RolePublisher
	RoleBoth = RoleConsumer | RolePublisher
)

// Has reports whether r includes o.
func (r Role) Has(o Role) bool {
	return r&o == o
}

func (r Role) String() string {
	switch r {
	case RoleConsumer:
		return "consumer"
	case RolePublisher:
		return "publisher"
	case RoleBoth:
		return "both"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, error) {
	for _, r := range []Role{RoleConsumer, RolePublisher, RoleBoth} {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Stage is the local position of an agreement in the condition chain.
type Stage int

const (
	StageCreated Stage = iota
	StageLockPending
	StageLockFulfilled
	StageAccessPending
	StageAccessFulfilled
	StageEscrowPending
	StageCompleted
	StageAborted
)

var stageNames = [...]string{
	StageCreated:         "created",
	StageLockPending:     "lockPending",
	StageLockFulfilled:   "lockFulfilled",
	StageAccessPending:   "accessPending",
	StageAccessFulfilled: "accessFulfilled",
	StageEscrowPending:   "escrowPending",
	StageCompleted:       "completed",
	StageAborted:         "aborted",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// IsTerminal is true for Completed and Aborted.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageAborted
}

// Outcome is what the engine observed for one condition.
type Outcome int

const (
	OutcomeWaiting Outcome = iota
	OutcomeFulfilled
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWaiting:
		return "waiting"
	case OutcomeFulfilled:
		return "fulfilled"
	case OutcomeTimedOut:
		return "timedOut"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// State is a snapshot of one tracked agreement.
type State struct {
	Agreement store.Agreement
	Stage     Stage
	Outcomes  [3]Outcome
	// Refund is set once the escrow is fulfilled through its refund branch.
	Refund bool
	// Err is the last fulfillment failure; the agreement is stalled while set.
	Err error
}

// Request describes an agreement to create. The consumer signs the
// agreement hash; the signature travels with the request when a gateway asks
// the publisher to submit the creation.
type Request struct {
	AgreementID  common.Hash
	DID          string
	ServiceIndex int
	Consumer     common.Address
	Publisher    common.Address
	Price        *big.Int
	Files        string
	Signature    []byte
	// Trace carries the consumer's vector clock, if tracing.
	Trace []byte
}

func (r Request) params() condition.Params {
	return condition.Params{
		AgreementID: r.AgreementID,
		DID:         condition.DIDToID(r.DID),
		Publisher:   r.Publisher,
		Consumer:    r.Consumer,
		Price:       r.Price,
	}
}

// Gateway is the publisher-side service a consumer talks to instead of the
// ledger when creating agreements, and from which it downloads the asset once
// access is granted.
type Gateway interface {
	Initialize(ctx context.Context, req Request) (bool, error)
	Download(ctx context.Context, a store.Agreement) error
}

// FulfillmentError is a failed ledger submission with its agreement context.
type FulfillmentError struct {
	AgreementID common.Hash
	ConditionID common.Hash
	Kind        condition.Kind
	Price       *big.Int
	Consumer    common.Address
	Publisher   common.Address
	Err         error
}

func (e *FulfillmentError) Error() string {
	return fmt.Sprintf("fulfill %s of agreement %s (condition %s, price %s, consumer %s, publisher %s): %v",
		e.Kind, e.AgreementID.Hex(), e.ConditionID.Hex(), e.Price, e.Consumer.Hex(), e.Publisher.Hex(), e.Err)
}

func (e *FulfillmentError) Unwrap() error {
	return e.Err
}
