package ethledger

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/escrow/ledger"
)

const escrowABI = `[{"anonymous":false,"name":"Fulfilled","type":"event","inputs":[
	{"indexed":true,"name":"_agreementId","type":"bytes32"},
	{"indexed":false,"name":"_conditionId","type":"bytes32"},
	{"indexed":true,"name":"_receiver","type":"address"},
	{"indexed":false,"name":"_amount","type":"uint256"}]}]`

func escrowEvent(t *testing.T) abi.Event {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	require.NoError(t, err)
	return parsed.Events["Fulfilled"]
}

func TestDecodeLog(t *testing.T) {
	ev := escrowEvent(t)
	agreementID := common.HexToHash("0xa1")
	conditionID := common.HexToHash("0xc3")
	receiver := common.HexToAddress("0xb0b")

	data, err := ev.Inputs.NonIndexed().Pack([32]byte(conditionID), big.NewInt(100))
	require.NoError(t, err)
	raw := types.Log{
		Address:     common.HexToAddress("0x1004"),
		Topics:      []common.Hash{ev.ID, agreementID, common.BytesToHash(receiver.Bytes())},
		Data:        data,
		BlockNumber: 7,
		Index:       2,
	}

	lg, err := decodeLog(ledger.EventEscrowRewardFulfilled, ev, raw)
	require.NoError(t, err)
	require.Equal(t, ledger.EventEscrowRewardFulfilled, lg.Kind)
	require.Equal(t, uint64(7), lg.BlockNumber)

	id, ok := lg.Hash(ledger.ArgAgreementID)
	require.True(t, ok)
	require.Equal(t, agreementID, id)
	cid, ok := lg.Hash(ledger.ArgConditionID)
	require.True(t, ok)
	require.Equal(t, conditionID, cid)
	got, ok := lg.Address(ledger.ArgReceiver)
	require.True(t, ok)
	require.Equal(t, receiver, got)
	amount, ok := lg.Amount(ledger.ArgAmount)
	require.True(t, ok)
	require.Equal(t, int64(100), amount.Int64())

	q := ledger.LogQuery{Kind: ledger.EventEscrowRewardFulfilled,
		Args: map[string]interface{}{ledger.ArgAgreementID: agreementID}}
	require.True(t, q.Matches(lg))
}

func TestTopics(t *testing.T) {
	ev := escrowEvent(t)
	agreementID := common.HexToHash("0xa1")
	receiver := common.HexToAddress("0xb0b")

	require.Equal(t, [][]common.Hash{{ev.ID}}, topics(ev, nil))
	require.Equal(t, [][]common.Hash{{ev.ID}, {agreementID}},
		topics(ev, map[string]interface{}{ledger.ArgAgreementID: agreementID}))
	require.Equal(t, [][]common.Hash{{ev.ID}, nil, {common.BytesToHash(receiver.Bytes())}},
		topics(ev, map[string]interface{}{ledger.ArgReceiver: receiver}))
}

func TestLoadContracts(t *testing.T) {
	set := ContractSet{}
	names := append([]string{ContractConditionStore, ContractAgreementStore}, ledger.Contracts...)
	for i, name := range names {
		set[name] = ContractInfo{
			Address: common.BigToAddress(big.NewInt(int64(0x1001 + i))),
			ABI:     json.RawMessage(escrowABI),
		}
	}
	buf, err := json.Marshal(set)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "contracts.json")
	require.NoError(t, os.WriteFile(path, buf, 0o600))

	loaded, err := LoadContracts(path)
	require.NoError(t, err)
	parsed, err := loaded.parse()
	require.NoError(t, err)
	require.Len(t, parsed, len(names))
	_, err = parsed[ledger.ContractEscrowReward].event(ledger.EventEscrowRewardFulfilled)
	require.NoError(t, err)
	_, err = parsed[ledger.ContractAgreementTemplate].event(ledger.EventAgreementCreated)
	require.Error(t, err)

	delete(set, ContractConditionStore)
	buf, err = json.Marshal(set)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	_, err = LoadContracts(path)
	require.ErrorContains(t, err, ContractConditionStore)
}

func TestIsFilterNotFound(t *testing.T) {
	require.True(t, isFilterNotFound(xerr("filter not found")))
	require.True(t, isFilterNotFound(xerr("Filter Not Found")))
	require.False(t, isFilterNotFound(xerr("connection refused")))
	require.False(t, isFilterNotFound(nil))
}

type xerr string

func (e xerr) Error() string { return string(e) }
