package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names a ledger event type.
type EventKind string

const (
	EventAgreementCreated      EventKind = "AgreementCreated"
	EventLockRewardFulfilled   EventKind = "LockRewardFulfilled"
	EventAccessFulfilled       EventKind = "AccessFulfilled"
	EventEscrowRewardFulfilled EventKind = "EscrowRewardFulfilled"
)

// EventKinds lists the kinds the engine watches, in protocol order.
var EventKinds = []EventKind{
	EventAgreementCreated,
	EventLockRewardFulfilled,
	EventAccessFulfilled,
	EventEscrowRewardFulfilled,
}

// Decoded event argument names.
const (
	ArgAgreementID   = "_agreementId"
	ArgDID           = "_did"
	ArgConsumer      = "_accessConsumer"
	ArgPublisher     = "_accessProvider"
	ArgConditionID   = "_conditionId"
	ArgRewardAddress = "_rewardAddress"
	ArgGrantee       = "_grantee"
	ArgReceiver      = "_receiver"
	ArgAmount        = "_amount"
)

// Contract names used in Call.Contract.
const (
	ContractAgreementTemplate = "EscrowAccessTemplate"
	ContractLockReward        = "LockRewardCondition"
	ContractAccess            = "AccessCondition"
	ContractEscrowReward      = "EscrowReward"
)

// Contracts lists every contract a ledger client must know about.
var Contracts = []string{
	ContractAgreementTemplate,
	ContractLockReward,
	ContractAccess,
	ContractEscrowReward,
}

// Method names.
const (
	MethodCreateAgreement = "createAgreement"
	MethodFulfill         = "fulfill"
)

// EventContract maps an event kind to the contract that emits it.
func EventContract(kind EventKind) string {
	switch kind {
	case EventAgreementCreated:
		return ContractAgreementTemplate
	case EventLockRewardFulfilled:
		return ContractLockReward
	case EventAccessFulfilled:
		return ContractAccess
	case EventEscrowRewardFulfilled:
		return ContractEscrowReward
	}
	return ""
}

// EventName is the name of the event in the emitting contract's ABI.
func EventName(kind EventKind) string {
	if kind == EventAgreementCreated {
		return "AgreementCreated"
	}
	return "Fulfilled"
}

// CreateAgreement is the argument set of the template's createAgreement.
type CreateAgreement struct {
	AgreementID  common.Hash
	DID          common.Hash
	ConditionIDs []common.Hash
	TimeLocks    []*big.Int
	TimeOuts     []*big.Int
	Consumer     common.Address
	Publisher    common.Address
	Signature    []byte
}

// Call builds the ledger call; from is the submitting account.
func (c CreateAgreement) Call(from common.Address) Call {
	ids := make([][32]byte, len(c.ConditionIDs))
	for i, id := range c.ConditionIDs {
		ids[i] = id
	}
	return Call{
		Contract: ContractAgreementTemplate,
		Method:   MethodCreateAgreement,
		Args: []interface{}{[32]byte(c.AgreementID), [32]byte(c.DID), ids,
			c.TimeLocks, c.TimeOuts, c.Consumer, c.Publisher, c.Signature},
		From: from,
	}
}

// DecodeCreateAgreement is the inverse of CreateAgreement.Call.
func DecodeCreateAgreement(call Call) (CreateAgreement, error) {
	var c CreateAgreement
	if len(call.Args) != 8 {
		return c, fmt.Errorf("createAgreement: want 8 args, got %d", len(call.Args))
	}
	var ok [8]bool
	var id, did [32]byte
	var ids [][32]byte
	id, ok[0] = call.Args[0].([32]byte)
	did, ok[1] = call.Args[1].([32]byte)
	ids, ok[2] = call.Args[2].([][32]byte)
	c.TimeLocks, ok[3] = call.Args[3].([]*big.Int)
	c.TimeOuts, ok[4] = call.Args[4].([]*big.Int)
	c.Consumer, ok[5] = call.Args[5].(common.Address)
	c.Publisher, ok[6] = call.Args[6].(common.Address)
	c.Signature, ok[7] = call.Args[7].([]byte)
	for i, good := range ok {
		if !good {
			return c, fmt.Errorf("createAgreement: bad arg %d: %T", i, call.Args[i])
		}
	}
	c.AgreementID, c.DID = id, did
	for _, cid := range ids {
		c.ConditionIDs = append(c.ConditionIDs, cid)
	}
	return c, nil
}

// LockRewardCall transfers and locks amount at the reward (escrow) address.
func LockRewardCall(agreementID common.Hash, rewardAddress common.Address, amount *big.Int, from common.Address) Call {
	return Call{
		Contract: ContractLockReward,
		Method:   MethodFulfill,
		Args:     []interface{}{[32]byte(agreementID), rewardAddress, amount},
		From:     from,
	}
}

// AccessCall grants grantee access to the asset.
func AccessCall(agreementID, did common.Hash, grantee common.Address, from common.Address) Call {
	return Call{
		Contract: ContractAccess,
		Method:   MethodFulfill,
		Args:     []interface{}{[32]byte(agreementID), [32]byte(did), grantee},
		From:     from,
	}
}

// EscrowRewardCall releases the locked amount to receiver, or back to sender
// when the release condition was aborted on the ledger.
func EscrowRewardCall(agreementID common.Hash, amount *big.Int, receiver, sender common.Address,
	lockCondition, releaseCondition common.Hash, from common.Address) Call {
	return Call{
		Contract: ContractEscrowReward,
		Method:   MethodFulfill,
		Args: []interface{}{[32]byte(agreementID), amount, receiver, sender,
			[32]byte(lockCondition), [32]byte(releaseCondition)},
		From: from,
	}
}

// ArgHash reads positional argument i of a call as a 32-byte value.
func (c Call) ArgHash(i int) (common.Hash, error) {
	if i >= len(c.Args) {
		return common.Hash{}, fmt.Errorf("%s: missing arg %d", c, i)
	}
	switch v := c.Args[i].(type) {
	case [32]byte:
		return v, nil
	case common.Hash:
		return v, nil
	}
	return common.Hash{}, fmt.Errorf("%s: arg %d is %T, not bytes32", c, i, c.Args[i])
}

// ArgAddress reads positional argument i of a call as an address.
func (c Call) ArgAddress(i int) (common.Address, error) {
	if i >= len(c.Args) {
		return common.Address{}, fmt.Errorf("%s: missing arg %d", c, i)
	}
	v, ok := c.Args[i].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: arg %d is %T, not address", c, i, c.Args[i])
	}
	return v, nil
}

// ArgAmount reads positional argument i of a call as an integer amount.
func (c Call) ArgAmount(i int) (*big.Int, error) {
	if i >= len(c.Args) {
		return nil, fmt.Errorf("%s: missing arg %d", c, i)
	}
	v, ok := c.Args[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: arg %d is %T, not uint256", c, i, c.Args[i])
	}
	return v, nil
}
