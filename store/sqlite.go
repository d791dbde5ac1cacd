package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.dedis.ch/escrow/logging"
	"golang.org/x/xerrors"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS ` + table + ` (
	id TEXT PRIMARY KEY,
	did TEXT NOT NULL,
	service_definition_id INTEGER NOT NULL,
	price TEXT NOT NULL,
	files TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	status TEXT NOT NULL,
	consumer TEXT NOT NULL,
	publisher TEXT NOT NULL,
	condition_ids TEXT NOT NULL,
	block_number INTEGER NOT NULL DEFAULT 0
)`

const columns = `id, did, service_definition_id, price, files, start_time, status,
	consumer, publisher, condition_ids, block_number`

// SQLiteStore keeps agreements in a SQLite file.
type SQLiteStore struct {
	logger zerolog.Logger
	path   string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the table in the file at path if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" || path == ":memory:" {
		return nil, xerrors.Errorf("sqlite store needs a file, got %q", path)
	}
	s := &SQLiteStore{path: path}
	s.logger = logging.RootLogger.With().Str("SQLiteStore", path).Logger()

	db, err := s.connect()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, xerrors.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) connect() (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", "file:"+s.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, xerrors.Errorf("open %s: %w", s.path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Record implements Store.
func (s *SQLiteStore) Record(ctx context.Context, a Agreement) error {
	r, err := toRow(a)
	if err != nil {
		return err
	}
	db, err := s.connect()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.NamedExecContext(ctx, `INSERT OR REPLACE INTO `+table+` (`+columns+`) VALUES
		(:id, :did, :service_definition_id, :price, :files, :start_time, :status,
		 :consumer, :publisher, :condition_ids, :block_number)`, r)
	if err != nil {
		return xerrors.Errorf("record %s: %w", r.ID, err)
	}
	s.logger.Debug().Str("agreement", r.ID).Str("status", r.Status).Msg("recorded")
	return nil
}

// UpdateStatus implements Store.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id common.Hash, status Status) error {
	if !status.Valid() {
		return xerrors.Errorf("invalid status %q", status)
	}
	db, err := s.connect()
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := db.ExecContext(ctx, `UPDATE `+table+` SET status = ? WHERE id = ?`, string(status), id.Hex())
	if err != nil {
		return xerrors.Errorf("update %s: %w", id.Hex(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Errorf("update %s: %w", id.Hex(), err)
	}
	if n == 0 {
		return xerrors.Errorf("update %s: %w", id.Hex(), ErrNotFound)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id common.Hash) (Agreement, error) {
	db, err := s.connect()
	if err != nil {
		return Agreement{}, err
	}
	defer db.Close()

	var r row
	err = db.GetContext(ctx, &r, `SELECT `+columns+` FROM `+table+` WHERE id = ?`, id.Hex())
	if errors.Is(err, sql.ErrNoRows) {
		return Agreement{}, xerrors.Errorf("get %s: %w", id.Hex(), ErrNotFound)
	}
	if err != nil {
		return Agreement{}, xerrors.Errorf("get %s: %w", id.Hex(), err)
	}
	return r.agreement()
}

func (s *SQLiteStore) selectRows(ctx context.Context, query string, args ...interface{}) ([]Agreement, error) {
	db, err := s.connect()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var rows []row
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, xerrors.Errorf("select: %w", err)
	}
	return fromRows(rows)
}

// Pending implements Store.
func (s *SQLiteStore) Pending(ctx context.Context) ([]Agreement, error) {
	return s.selectRows(ctx, `SELECT `+columns+` FROM `+table+
		` WHERE status = ? ORDER BY start_time, id`, string(StatusPending))
}

// CompletedSince implements Store.
func (s *SQLiteStore) CompletedSince(ctx context.Context, minBlock uint64) ([]Agreement, error) {
	return s.selectRows(ctx, `SELECT `+columns+` FROM `+table+
		` WHERE status = ? AND block_number >= ? ORDER BY block_number, id`, string(StatusCompleted), int64(minBlock))
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Agreement, error) {
	return s.selectRows(ctx, `SELECT `+columns+` FROM `+table+` ORDER BY start_time, id`)
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	db, err := s.connect()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	res, err := db.ExecContext(ctx, `DELETE FROM `+table+` WHERE status = ? AND start_time < ?`,
		string(StatusCompleted), before.UnixNano())
	if err != nil {
		return 0, xerrors.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}
