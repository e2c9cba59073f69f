package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"zkpay/internal/zerocash"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_snapshots (
		id         SMALLINT PRIMARY KEY,
		record     JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS wallets (
		name   TEXT PRIMARY KEY,
		wallet JSONB NOT NULL
	)`,
}

// ledgerSnapshotID is the row holding the current ledger record.
const ledgerSnapshotID = 1

// writerLockKey identifies the session-level advisory lock writers hold.
const writerLockKey int64 = 0x7a6b706179

// PostgresStore keeps the ledger record as one JSONB row and wallets in
// their own table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, wrap(err, "connect postgres")
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrap(err, "ping postgres")
	}

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, wrap(err, "create schema")
		}
	}
	return &PostgresStore{pool: pool}, nil
}

// Lock takes the advisory writer lock on a dedicated connection, which it
// keeps until unlock.
func (s *PostgresStore) Lock(ctx context.Context) (func() error, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, wrap(err, "acquire connection")
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", writerLockKey); err != nil {
		conn.Release()
		return nil, wrap(err, "lock ledger")
	}
	return func() error {
		defer conn.Release()
		_, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", writerLockKey)
		return wrap(err, "unlock ledger")
	}, nil
}

func (s *PostgresStore) LoadLedger(ctx context.Context) (*zerocash.LedgerRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, "SELECT record FROM ledger_snapshots WHERE id = $1", ledgerSnapshotID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, "load ledger")
	}
	var rec zerocash.LedgerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, wrap(err, "decode ledger")
	}
	return &rec, nil
}

func (s *PostgresStore) SaveLedger(ctx context.Context, rec *zerocash.LedgerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return wrap(err, "encode ledger")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	var stored recordSize
	err = tx.QueryRow(ctx, `
		SELECT `+arrayLength("commitments")+`, `+arrayLength("nullifiers")+`, `+arrayLength("transactions")+`
		FROM ledger_snapshots WHERE id = $1 FOR UPDATE
	`, ledgerSnapshotID).Scan(&stored.commitments, &stored.nullifiers, &stored.transactions)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return wrap(err, "read ledger size")
	default:
		if err := checkNotBehind(stored, sizeOf(rec)); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO ledger_snapshots (id, record, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, updated_at = now()
	`
	if _, err := tx.Exec(ctx, query, ledgerSnapshotID, data); err != nil {
		return wrap(err, "save ledger")
	}
	return wrap(tx.Commit(ctx), "commit ledger")
}

// arrayLength is the SQL length of a top-level array of the record, 0 when
// the field is null.
func arrayLength(field string) string {
	return "CASE jsonb_typeof(record->'" + field + "') WHEN 'array' THEN jsonb_array_length(record->'" + field + "') ELSE 0 END"
}

func (s *PostgresStore) LoadKeystore(ctx context.Context) (map[string]*zerocash.Wallet, error) {
	rows, err := s.pool.Query(ctx, "SELECT name, wallet FROM wallets ORDER BY name")
	if err != nil {
		return nil, wrap(err, "load wallets")
	}
	defer rows.Close()

	wallets := make(map[string]*zerocash.Wallet)
	for rows.Next() {
		var name string
		var data []byte
		if err := rows.Scan(&name, &data); err != nil {
			return nil, wrap(err, "scan wallet")
		}
		var w zerocash.Wallet
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, wrapf(err, "decode wallet %q", name)
		}
		wallets[name] = &w
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "load wallets")
	}
	return wallets, nil
}

func (s *PostgresStore) SaveKeystore(ctx context.Context, wallets map[string]*zerocash.Wallet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	names := make([]string, 0, len(wallets))
	for name := range wallets {
		names = append(names, name)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM wallets WHERE NOT (name = ANY($1))", names); err != nil {
		return wrap(err, "prune wallets")
	}

	query := `
		INSERT INTO wallets (name, wallet) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET wallet = EXCLUDED.wallet
	`
	for name, w := range wallets {
		data, err := json.Marshal(w)
		if err != nil {
			return wrapf(err, "encode wallet %q", name)
		}
		if _, err := tx.Exec(ctx, query, name, data); err != nil {
			return wrapf(err, "save wallet %q", name)
		}
	}
	return wrap(tx.Commit(ctx), "commit keystore")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrap(s.pool.Ping(ctx), "ping postgres")
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
