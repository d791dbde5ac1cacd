package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/escrow/condition"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	require.Equal(t, time.Second, c.PollInterval)
	require.Equal(t, 60*time.Second, c.OnboardingTimeout)
	require.Equal(t, [3]time.Duration{300 * time.Second, 300 * time.Second, 300 * time.Second}, c.ConditionTimeouts())
	require.Equal(t, 3, c.Retries)
}

func TestValidate(t *testing.T) {
	c := Default()
	c.PollInterval = 0
	c.Role = "auditor"
	c.Ledger = "ws://localhost:8546"
	c.Retries = 0

	err := c.Validate()
	require.ErrorContains(t, err, "poll interval")
	require.ErrorContains(t, err, "auditor")
	require.ErrorContains(t, err, "contracts file")
	require.ErrorContains(t, err, "retries")

	c = Default()
	c.Ledger = "ws://localhost:8546"
	c.Contracts = "contracts.json"
	require.NoError(t, c.Validate())
}

func TestLoadTemplate(t *testing.T) {
	tmpl, err := LoadTemplate("")
	require.NoError(t, err)
	require.Equal(t, DefaultTemplate, tmpl)

	path := filepath.Join(t.TempDir(), "template.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"templateId": "0x00000000000000000000000000000000000000000000000000000000000000aa",
		"agreementTemplate": "0x0000000000000000000000000000000000001001",
		"lockRewardCondition": "0x0000000000000000000000000000000000001002",
		"accessCondition": "0x0000000000000000000000000000000000001003",
		"escrowReward": "0x0000000000000000000000000000000000001004",
		"timeLocks": [0, 0, 0],
		"timeOuts": [600, 900, 0]
	}`), 0o600))

	tmpl, err = LoadTemplate(path)
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0xaa"), tmpl.ID)
	require.Equal(t, common.HexToAddress("0x1004"), tmpl.EscrowRewardAddress)
	require.Equal(t, 600*time.Second, tmpl.Timeout(condition.LockReward))
	require.Equal(t, 900*time.Second, tmpl.Timeout(condition.AccessGrant))

	require.NoError(t, os.WriteFile(path, []byte(`{"agreementTemplate": "0x0000000000000000000000000000000000001001"}`), 0o600))
	_, err = LoadTemplate(path)
	require.ErrorContains(t, err, "lock reward")

	_, err = LoadTemplate(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
