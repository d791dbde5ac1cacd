// Package config holds the settings of an escrow daemon and loads the
// condition template it runs agreements on.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/escrow/agreement"
	"go.dedis.ch/escrow/condition"
	"go.dedis.ch/escrow/event"
)

// MemoryLedger selects the in-process ledger instead of a node URL.
const MemoryLedger = "memory"

type Config struct {
	Ledger    string // MemoryLedger or a ws/http node URL
	Contracts string // contract set file, required with a node URL
	Template  string // condition template file; empty uses the built-in template
	Store     string // store DSN, see store.Open
	Key       string // hex private key file
	Role      string
	LogLevel  string
	Trace     string // vector clock log prefix, empty disables tracing
	Metrics   string // listen address of /metrics, empty disables it

	PollInterval      time.Duration
	OnboardingTimeout time.Duration
	LockTimeout       time.Duration
	AccessTimeout     time.Duration
	EscrowTimeout     time.Duration
	Retries           int
	FromBlock         uint64
}

// Default returns the settings used when no flag overrides them.
func Default() Config {
	return Config{
		Ledger:            MemoryLedger,
		Store:             "escrow.db",
		Key:               "escrow.key",
		Role:              agreement.RoleBoth.String(),
		LogLevel:          "info",
		PollInterval:      event.DefaultInterval,
		OnboardingTimeout: agreement.DefaultOnboardingTimeout,
		LockTimeout:       agreement.DefaultConditionTimeout,
		AccessTimeout:     agreement.DefaultConditionTimeout,
		EscrowTimeout:     agreement.DefaultConditionTimeout,
		Retries:           event.DefaultRetries,
	}
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Ledger == "" {
		errs = append(errs, errors.New("ledger is empty"))
	}
	if c.Ledger != MemoryLedger && c.Contracts == "" {
		errs = append(errs, fmt.Errorf("ledger %s needs a contracts file", c.Ledger))
	}
	if c.Store == "" {
		errs = append(errs, errors.New("store is empty"))
	}
	if _, err := agreement.ParseRole(c.Role); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"poll interval":      c.PollInterval,
		"onboarding timeout": c.OnboardingTimeout,
		"lock timeout":       c.LockTimeout,
		"access timeout":     c.AccessTimeout,
		"escrow timeout":     c.EscrowTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Retries < 1 {
		errs = append(errs, fmt.Errorf("retries must be at least 1, got %d", c.Retries))
	}
	return errors.Join(errs...)
}

// ConditionTimeouts returns the local waits indexed by condition.Kind.
func (c Config) ConditionTimeouts() [3]time.Duration {
	var out [3]time.Duration
	out[condition.LockReward] = c.LockTimeout
	out[condition.AccessGrant] = c.AccessTimeout
	out[condition.EscrowReward] = c.EscrowTimeout
	return out
}

// DefaultTemplate is used when no template file is given: timeouts match the
// default condition timeouts and addresses are those of the in-process ledger.
var DefaultTemplate = condition.Template{
	ID:                  common.HexToHash("0x01"),
	AgreementAddress:    common.HexToAddress("0xa001"),
	LockRewardAddress:   common.HexToAddress("0xa002"),
	AccessAddress:       common.HexToAddress("0xa003"),
	EscrowRewardAddress: common.HexToAddress("0xa004"),
	TimeOuts:            [3]uint64{300, 300, 0},
}

// LoadTemplate reads a JSON condition template and validates it.
func LoadTemplate(path string) (condition.Template, error) {
	if path == "" {
		return DefaultTemplate, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return condition.Template{}, fmt.Errorf("read template error: %w", err)
	}
	var t condition.Template
	if err := json.Unmarshal(buf, &t); err != nil {
		return condition.Template{}, fmt.Errorf("decode template %s error: %w", path, err)
	}
	if err := ValidateTemplate(t); err != nil {
		return condition.Template{}, fmt.Errorf("template %s: %w", path, err)
	}
	return t, nil
}

// ValidateTemplate checks that every contract address is set.
func ValidateTemplate(t condition.Template) error {
	zero := common.Address{}
	switch {
	case t.AgreementAddress == zero:
		return errors.New("missing agreement template address")
	case t.LockRewardAddress == zero:
		return errors.New("missing lock reward address")
	case t.AccessAddress == zero:
		return errors.New("missing access address")
	case t.EscrowRewardAddress == zero:
		return errors.New("missing escrow reward address")
	}
	return nil
}
