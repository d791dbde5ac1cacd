package ethledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/escrow/ledger"
)

// Store contracts read for condition and agreement state.
const (
	ContractConditionStore = "ConditionStoreManager"
	ContractAgreementStore = "AgreementStoreManager"
)

// ContractInfo locates one deployed contract.
type ContractInfo struct {
	Address common.Address  `json:"address"`
	ABI     json.RawMessage `json:"abi"`
}

// ContractSet is the deployment file: one entry per contract name.
type ContractSet map[string]ContractInfo

// LoadContracts reads a JSON contract set and checks that every contract the
// engine needs is present.
func LoadContracts(path string) (ContractSet, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contracts error: %w", err)
	}
	var set ContractSet
	if err := json.Unmarshal(buf, &set); err != nil {
		return nil, fmt.Errorf("decode contracts %s error: %w", path, err)
	}
	return set, set.check()
}

func (s ContractSet) check() error {
	names := append([]string{ContractConditionStore, ContractAgreementStore}, ledger.Contracts...)
	for _, name := range names {
		info, ok := s[name]
		if !ok {
			return fmt.Errorf("contract %s missing", name)
		}
		if info.Address == (common.Address{}) {
			return fmt.Errorf("contract %s has no address", name)
		}
	}
	return nil
}

type contract struct {
	name    string
	address common.Address
	abi     abi.ABI
}

func (s ContractSet) parse() (map[string]*contract, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make(map[string]*contract, len(s))
	for name, info := range s {
		parsed, err := abi.JSON(bytes.NewReader(info.ABI))
		if err != nil {
			return nil, fmt.Errorf("parse %s abi error: %w", name, err)
		}
		out[name] = &contract{name: name, address: info.Address, abi: parsed}
	}
	return out, nil
}

// event returns the ABI event emitted for kind.
func (c *contract) event(kind ledger.EventKind) (abi.Event, error) {
	name := ledger.EventName(kind)
	ev, ok := c.abi.Events[name]
	if !ok {
		return abi.Event{}, fmt.Errorf("contract %s has no event %s", c.name, name)
	}
	return ev, nil
}

// topics builds the positional topic filter of a query: the event signature,
// then one entry per indexed input, wildcard unless the query pins it.
func topics(ev abi.Event, args map[string]interface{}) [][]common.Hash {
	out := [][]common.Hash{{ev.ID}}
	for _, in := range ev.Inputs {
		if !in.Indexed {
			continue
		}
		var topic []common.Hash
		switch v := args[in.Name].(type) {
		case common.Hash:
			topic = []common.Hash{v}
		case [32]byte:
			topic = []common.Hash{v}
		case common.Address:
			topic = []common.Hash{common.BytesToHash(v.Bytes())}
		}
		out = append(out, topic)
	}
	// trailing wildcards are implicit
	for len(out) > 1 && out[len(out)-1] == nil {
		out = out[:len(out)-1]
	}
	return out
}
