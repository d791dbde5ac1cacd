// Package store keeps the local record of agreements so an engine can pick up
// in-flight agreements after a restart. The ledger stays authoritative; rows
// here are a recovery aid.
//
// Both backends open a fresh connection for every operation, so concurrent
// callers never share a connection or a transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/escrow/condition"
	"golang.org/x/xerrors"
)

// ErrNotFound is returned when no row has the requested agreement id.
var ErrNotFound = errors.New("agreement not found")

// Status is the locally tracked outcome of an agreement.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Valid is true for the three known statuses.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusCompleted || s == StatusAborted
}

// Agreement is one row of the service_agreements table.
type Agreement struct {
	ID                  common.Hash
	DID                 string
	ServiceDefinitionID int
	Price               *big.Int
	Files               string
	StartTime           time.Time
	Status              Status
	Consumer            common.Address
	Publisher           common.Address
	ConditionIDs        condition.IDs
	// BlockNumber is the ledger height when the agreement was created.
	BlockNumber uint64
}

// Store is the durable agreement record.
type Store interface {
	// Record inserts a, replacing any row with the same id.
	Record(ctx context.Context, a Agreement) error
	UpdateStatus(ctx context.Context, id common.Hash, status Status) error
	Get(ctx context.Context, id common.Hash) (Agreement, error)
	// Pending returns the agreements that still need watching, oldest first.
	Pending(ctx context.Context) ([]Agreement, error)
	// CompletedSince returns completed agreements created at or after minBlock.
	CompletedSince(ctx context.Context, minBlock uint64) ([]Agreement, error)
	List(ctx context.Context) ([]Agreement, error)
	// Prune deletes completed rows started before the cutoff and returns how
	// many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

const table = "service_agreements"

// Open selects a backend from the dsn: postgres:// and postgresql:// URLs go
// to Postgres, sqlite:// URLs and plain paths to SQLite.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(dsn, "sqlite://"))
	case dsn == "":
		return nil, xerrors.New("empty store dsn")
	default:
		return NewSQLiteStore(dsn)
	}
}

// row is the column layout shared by both backends.
type row struct {
	ID                  string `db:"id"`
	DID                 string `db:"did"`
	ServiceDefinitionID int    `db:"service_definition_id"`
	Price               string `db:"price"`
	Files               string `db:"files"`
	StartTime           int64  `db:"start_time"`
	Status              string `db:"status"`
	Consumer            string `db:"consumer"`
	Publisher           string `db:"publisher"`
	ConditionIDs        string `db:"condition_ids"`
	BlockNumber         int64  `db:"block_number"`
}

func toRow(a Agreement) (row, error) {
	if !a.Status.Valid() {
		return row{}, fmt.Errorf("invalid status %q", a.Status)
	}
	price := "0"
	if a.Price != nil {
		price = a.Price.String()
	}
	ids := make([]string, len(a.ConditionIDs))
	for i, id := range a.ConditionIDs {
		ids[i] = id.Hex()
	}
	return row{
		ID:                  a.ID.Hex(),
		DID:                 a.DID,
		ServiceDefinitionID: a.ServiceDefinitionID,
		Price:               price,
		Files:               a.Files,
		StartTime:           a.StartTime.UnixNano(),
		Status:              string(a.Status),
		Consumer:            a.Consumer.Hex(),
		Publisher:           a.Publisher.Hex(),
		ConditionIDs:        strings.Join(ids, ","),
		BlockNumber:         int64(a.BlockNumber),
	}, nil
}

func (r row) agreement() (Agreement, error) {
	price, ok := new(big.Int).SetString(r.Price, 10)
	if !ok {
		return Agreement{}, fmt.Errorf("agreement %s: bad price %q", r.ID, r.Price)
	}
	var ids condition.IDs
	if r.ConditionIDs != "" {
		parts := strings.Split(r.ConditionIDs, ",")
		if len(parts) != len(ids) {
			return Agreement{}, fmt.Errorf("agreement %s: want %d condition ids, got %d", r.ID, len(ids), len(parts))
		}
		for i, p := range parts {
			ids[i] = common.HexToHash(p)
		}
	}
	return Agreement{
		ID:                  common.HexToHash(r.ID),
		DID:                 r.DID,
		ServiceDefinitionID: r.ServiceDefinitionID,
		Price:               price,
		Files:               r.Files,
		StartTime:           time.Unix(0, r.StartTime),
		Status:              Status(r.Status),
		Consumer:            common.HexToAddress(r.Consumer),
		Publisher:           common.HexToAddress(r.Publisher),
		ConditionIDs:        ids,
		BlockNumber:         uint64(r.BlockNumber),
	}, nil
}

func fromRows(rows []row) ([]Agreement, error) {
	out := make([]Agreement, 0, len(rows))
	for _, r := range rows {
		a, err := r.agreement()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
