// Package condition derives the identifiers of the three escrow conditions
// and the agreement hash. Every function here is pure: the same inputs always
// produce the same ids on the consumer, the publisher and the ledger.
package condition

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.dedis.ch/escrow/ledger"
)

// Kind is one slot of the fixed lock -> access -> escrow chain.
type Kind int

const (
	LockReward Kind = iota
	AccessGrant
	EscrowReward
)

// Kinds in dependency order.
var Kinds = []Kind{LockReward, AccessGrant, EscrowReward}

func (k Kind) String() string {
	switch k {
	case LockReward:
		return "lockReward"
	case AccessGrant:
		return "access"
	case EscrowReward:
		return "escrowReward"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Contract is the ledger contract fulfilling this kind.
func (k Kind) Contract() string {
	switch k {
	case LockReward:
		return ledger.ContractLockReward
	case AccessGrant:
		return ledger.ContractAccess
	case EscrowReward:
		return ledger.ContractEscrowReward
	}
	return ""
}

// Event is the event kind emitted when this condition is fulfilled.
func (k Kind) Event() ledger.EventKind {
	switch k {
	case LockReward:
		return ledger.EventLockRewardFulfilled
	case AccessGrant:
		return ledger.EventAccessFulfilled
	case EscrowReward:
		return ledger.EventEscrowRewardFulfilled
	}
	return ""
}

// Template is the externally supplied protocol data: contract addresses,
// timeouts and timelocks of one agreement template. Timeouts are in seconds.
type Template struct {
	ID                  common.Hash    `json:"templateId"`
	AgreementAddress    common.Address `json:"agreementTemplate"`
	LockRewardAddress   common.Address `json:"lockRewardCondition"`
	AccessAddress       common.Address `json:"accessCondition"`
	EscrowRewardAddress common.Address `json:"escrowReward"`
	TimeLocks           [3]uint64      `json:"timeLocks"`
	TimeOuts            [3]uint64      `json:"timeOuts"`
}

// Address of the contract fulfilling kind k.
func (t Template) Address(k Kind) common.Address {
	switch k {
	case LockReward:
		return t.LockRewardAddress
	case AccessGrant:
		return t.AccessAddress
	case EscrowReward:
		return t.EscrowRewardAddress
	}
	return common.Address{}
}

// ContractAddress resolves a ledger contract name to its template address.
func (t Template) ContractAddress(name string) (common.Address, bool) {
	switch name {
	case ledger.ContractAgreementTemplate:
		return t.AgreementAddress, true
	case ledger.ContractLockReward:
		return t.LockRewardAddress, true
	case ledger.ContractAccess:
		return t.AccessAddress, true
	case ledger.ContractEscrowReward:
		return t.EscrowRewardAddress, true
	}
	return common.Address{}, false
}

// Timeout of kind k; zero means no timeout.
func (t Template) Timeout(k Kind) time.Duration {
	return time.Duration(t.TimeOuts[k]) * time.Second
}

func (t Template) bigs(v [3]uint64) []*big.Int {
	out := make([]*big.Int, len(v))
	for i, x := range v {
		out[i] = new(big.Int).SetUint64(x)
	}
	return out
}

// TimeLocksBig returns the timelocks as ledger integers.
func (t Template) TimeLocksBig() []*big.Int { return t.bigs(t.TimeLocks) }

// TimeOutsBig returns the timeouts as ledger integers.
func (t Template) TimeOutsBig() []*big.Int { return t.bigs(t.TimeOuts) }

// Params are the inputs every condition id is derived from.
type Params struct {
	AgreementID common.Hash
	DID         common.Hash
	Publisher   common.Address
	Consumer    common.Address
	Price       *big.Int
}

// IDs holds the condition ids in (lock, access, escrow) order.
type IDs [3]common.Hash

// Of returns the id of kind k.
func (ids IDs) Of(k Kind) common.Hash {
	return ids[k]
}

// Slice returns the ids as a slice, in order.
func (ids IDs) Slice() []common.Hash {
	return []common.Hash{ids[0], ids[1], ids[2]}
}

// KindOf returns the kind whose id is id.
func (ids IDs) KindOf(id common.Hash) (Kind, bool) {
	for _, k := range Kinds {
		if ids[k] == id {
			return k, true
		}
	}
	return 0, false
}

// Generate derives the three condition ids of an agreement.
func Generate(t Template, p Params) IDs {
	var ids IDs
	ids[LockReward] = LockRewardID(p.AgreementID, t.LockRewardAddress, t.EscrowRewardAddress, p.Price)
	ids[AccessGrant] = AccessID(p.AgreementID, t.AccessAddress, p.DID, p.Consumer)
	ids[EscrowReward] = EscrowRewardID(p.AgreementID, t.EscrowRewardAddress, p.Price,
		p.Publisher, p.Consumer, ids[LockReward], ids[AccessGrant])
	return ids
}

func uint256(x *big.Int) []byte {
	if x == nil {
		x = new(big.Int)
	}
	return common.BigToHash(x).Bytes()
}

// ID is keccak256(agreementId ‖ conditionAddress ‖ valueHash).
func ID(agreementID common.Hash, conditionAddress common.Address, valueHash common.Hash) common.Hash {
	return crypto.Keccak256Hash(agreementID.Bytes(), conditionAddress.Bytes(), valueHash.Bytes())
}

func LockRewardID(agreementID common.Hash, lockAddress, rewardAddress common.Address, amount *big.Int) common.Hash {
	value := crypto.Keccak256Hash(rewardAddress.Bytes(), uint256(amount))
	return ID(agreementID, lockAddress, value)
}

func AccessID(agreementID common.Hash, accessAddress common.Address, did common.Hash, grantee common.Address) common.Hash {
	value := crypto.Keccak256Hash(did.Bytes(), grantee.Bytes())
	return ID(agreementID, accessAddress, value)
}

func EscrowRewardID(agreementID common.Hash, escrowAddress common.Address, amount *big.Int,
	receiver, sender common.Address, lockID, releaseID common.Hash) common.Hash {
	value := crypto.Keccak256Hash(uint256(amount), receiver.Bytes(), sender.Bytes(), lockID.Bytes(), releaseID.Bytes())
	return ID(agreementID, escrowAddress, value)
}

// AgreementHash is the digest the consumer signs to authorize creation:
// keccak256(templateId ‖ conditionIds ‖ timeLocks ‖ timeOuts ‖ agreementId).
func AgreementHash(t Template, agreementID common.Hash, ids IDs) common.Hash {
	parts := [][]byte{t.ID.Bytes()}
	for _, id := range ids {
		parts = append(parts, id.Bytes())
	}
	for _, v := range t.TimeLocksBig() {
		parts = append(parts, uint256(v))
	}
	for _, v := range t.TimeOutsBig() {
		parts = append(parts, uint256(v))
	}
	parts = append(parts, agreementID.Bytes())
	return crypto.Keccak256Hash(parts...)
}

const didPrefix = "did:op:"

// DIDToID maps an asset identifier to 32 bytes. A did:op: identifier carrying
// 32 hex bytes maps to those bytes, anything else to its keccak256.
func DIDToID(did string) common.Hash {
	if strings.HasPrefix(did, didPrefix) {
		raw := strings.TrimPrefix(did, didPrefix)
		if len(raw) == 2*common.HashLength {
			if b := common.FromHex(raw); len(b) == common.HashLength {
				return common.BytesToHash(b)
			}
		}
	}
	return crypto.Keccak256Hash([]byte(did))
}
