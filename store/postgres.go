package store

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"go.dedis.ch/escrow/logging"
	"golang.org/x/xerrors"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS ` + table + ` (
	id TEXT PRIMARY KEY,
	did TEXT NOT NULL,
	service_definition_id BIGINT NOT NULL,
	price TEXT NOT NULL,
	files TEXT NOT NULL,
	start_time BIGINT NOT NULL,
	status TEXT NOT NULL,
	consumer TEXT NOT NULL,
	publisher TEXT NOT NULL,
	condition_ids TEXT NOT NULL,
	block_number BIGINT NOT NULL DEFAULT 0
)`

// PostgresStore keeps agreements in a Postgres table.
type PostgresStore struct {
	logger zerolog.Logger
	dsn    string
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates the table if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	s := &PostgresStore{dsn: dsn}
	s.logger = logging.RootLogger.With().Str("PostgresStore", table).Logger()

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, postgresSchema); err != nil {
		return nil, xerrors.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return nil, xerrors.Errorf("connect: %w", err)
	}
	return conn, nil
}

// Record implements Store.
func (s *PostgresStore) Record(ctx context.Context, a Agreement) error {
	r, err := toRow(a)
	if err != nil {
		return err
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, `INSERT INTO `+table+` (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			did = EXCLUDED.did,
			service_definition_id = EXCLUDED.service_definition_id,
			price = EXCLUDED.price,
			files = EXCLUDED.files,
			start_time = EXCLUDED.start_time,
			status = EXCLUDED.status,
			consumer = EXCLUDED.consumer,
			publisher = EXCLUDED.publisher,
			condition_ids = EXCLUDED.condition_ids,
			block_number = EXCLUDED.block_number`,
		r.ID, r.DID, r.ServiceDefinitionID, r.Price, r.Files, r.StartTime, r.Status,
		r.Consumer, r.Publisher, r.ConditionIDs, r.BlockNumber)
	if err != nil {
		return xerrors.Errorf("record %s: %w", r.ID, err)
	}
	s.logger.Debug().Str("agreement", r.ID).Str("status", r.Status).Msg("recorded")
	return nil
}

// UpdateStatus implements Store.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id common.Hash, status Status) error {
	if !status.Valid() {
		return xerrors.Errorf("invalid status %q", status)
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	tag, err := conn.Exec(ctx, `UPDATE `+table+` SET status = $1 WHERE id = $2`, string(status), id.Hex())
	if err != nil {
		return xerrors.Errorf("update %s: %w", id.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.Errorf("update %s: %w", id.Hex(), ErrNotFound)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id common.Hash) (Agreement, error) {
	rows, err := s.query(ctx, `SELECT `+columns+` FROM `+table+` WHERE id = $1`, id.Hex())
	if err != nil {
		return Agreement{}, err
	}
	if len(rows) == 0 {
		return Agreement{}, xerrors.Errorf("get %s: %w", id.Hex(), ErrNotFound)
	}
	return rows[0], nil
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]Agreement, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Errorf("query: %w", err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[row])
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.Errorf("scan: %w", err)
	}
	return fromRows(collected)
}

// Pending implements Store.
func (s *PostgresStore) Pending(ctx context.Context) ([]Agreement, error) {
	return s.query(ctx, `SELECT `+columns+` FROM `+table+
		` WHERE status = $1 ORDER BY start_time, id`, string(StatusPending))
}

// CompletedSince implements Store.
func (s *PostgresStore) CompletedSince(ctx context.Context, minBlock uint64) ([]Agreement, error) {
	return s.query(ctx, `SELECT `+columns+` FROM `+table+
		` WHERE status = $1 AND block_number >= $2 ORDER BY block_number, id`, string(StatusCompleted), int64(minBlock))
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]Agreement, error) {
	return s.query(ctx, `SELECT `+columns+` FROM `+table+` ORDER BY start_time, id`)
}

// Prune implements Store.
func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close(ctx)

	tag, err := conn.Exec(ctx, `DELETE FROM `+table+` WHERE status = $1 AND start_time < $2`,
		string(StatusCompleted), before.UnixNano())
	if err != nil {
		return 0, xerrors.Errorf("prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
