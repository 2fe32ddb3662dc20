package translog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/mod/sumdb/tlog"

	"github.com/dicej/cargo-component/pkg/protocol"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent appends. The value is arbitrary but must be consistent across
// all registry instances sharing a database.
const advisoryLockKey = int64(1_159_876_544)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists the log to PostgreSQL. It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// AppendLeaves implements Store.
// It acquires an advisory lock, reads the tree size, and inserts the leaves
// and their tlog hashes in one transaction.
func (s *PostgresStore) AppendLeaves(ctx context.Context, leaves []Leaf) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The lock is released when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return 0, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var start int64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM log_leaves").Scan(&start); err != nil {
		return 0, fmt.Errorf("read tree size: %w", err)
	}

	reader := tlog.HashReaderFunc(func(indexes []int64) ([]tlog.Hash, error) {
		return readHashes(ctx, tx, indexes)
	})
	for i, leaf := range leaves {
		idx := start + int64(i)
		hashes, err := tlog.StoredHashes(idx, leaf.Data, reader)
		if err != nil {
			return 0, fmt.Errorf("compute stored hashes for leaf %d: %w", idx, err)
		}
		base := tlog.StoredHashIndex(0, idx)
		for j, h := range hashes {
			if _, err := tx.Exec(ctx,
				"INSERT INTO log_hashes (idx, hash) VALUES ($1, $2)",
				base+int64(j), h[:],
			); err != nil {
				return 0, fmt.Errorf("insert hash: %w", err)
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO log_leaves (idx, package, sequence, data)
			 VALUES ($1, $2, $3, $4)`,
			idx, string(leaf.Package), int64(leaf.Sequence), leaf.Data,
		); err != nil {
			return 0, fmt.Errorf("insert leaf %d: %w", idx, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit log tx: %w", err)
	}

	s.logger.Debug("log leaves appended",
		zap.Int64("start", start),
		zap.Int("count", len(leaves)),
	)
	return start, nil
}

// Size implements Store.
func (s *PostgresStore) Size(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM log_leaves").Scan(&n); err != nil {
		return 0, fmt.Errorf("count log leaves: %w", err)
	}
	return n, nil
}

// ReadHashes implements Store.
func (s *PostgresStore) ReadHashes(ctx context.Context, indexes []int64) ([]tlog.Hash, error) {
	return readHashes(ctx, s.pool, indexes)
}

func readHashes(ctx context.Context, q querier, indexes []int64) ([]tlog.Hash, error) {
	if len(indexes) == 0 {
		return nil, nil
	}
	rows, err := q.Query(ctx, "SELECT idx, hash FROM log_hashes WHERE idx = ANY($1)", indexes)
	if err != nil {
		return nil, fmt.Errorf("query hashes: %w", err)
	}
	defer rows.Close()

	found := make(map[int64]tlog.Hash, len(indexes))
	for rows.Next() {
		var idx int64
		var raw []byte
		if err := rows.Scan(&idx, &raw); err != nil {
			return nil, fmt.Errorf("scan hash row: %w", err)
		}
		if len(raw) != tlog.HashSize {
			return nil, fmt.Errorf("hash %d has length %d", idx, len(raw))
		}
		var h tlog.Hash
		copy(h[:], raw)
		found[idx] = h
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]tlog.Hash, len(indexes))
	for i, x := range indexes {
		h, ok := found[x]
		if !ok {
			return nil, fmt.Errorf("hash %d: %w", x, ErrNotFound)
		}
		out[i] = h
	}
	return out, nil
}

// Leaf implements Store.
func (s *PostgresStore) Leaf(ctx context.Context, index int64) (*Leaf, error) {
	l := &Leaf{}
	var seq int64
	var pkg string
	err := s.pool.QueryRow(ctx,
		"SELECT idx, package, sequence, data FROM log_leaves WHERE idx = $1", index,
	).Scan(&l.Index, &pkg, &seq, &l.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("leaf %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get leaf %d: %w", index, err)
	}
	l.Package = protocol.PackageID(pkg)
	l.Sequence = uint64(seq)
	return l, nil
}

// PackageLeaves implements Store.
func (s *PostgresStore) PackageLeaves(ctx context.Context, pkg protocol.PackageID, fromSeq uint64, size int64) ([]Leaf, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT idx, sequence, data FROM log_leaves
		 WHERE package = $1 AND sequence >= $2 AND idx < $3
		 ORDER BY sequence ASC`,
		string(pkg), int64(fromSeq), size,
	)
	if err != nil {
		return nil, fmt.Errorf("query package leaves: %w", err)
	}
	defer rows.Close()

	var out []Leaf
	for rows.Next() {
		l := Leaf{Package: pkg}
		var seq int64
		if err := rows.Scan(&l.Index, &seq, &l.Data); err != nil {
			return nil, fmt.Errorf("scan leaf row: %w", err)
		}
		l.Sequence = uint64(seq)
		out = append(out, l)
	}
	return out, rows.Err()
}

// PackageHead implements Store.
func (s *PostgresStore) PackageHead(ctx context.Context, pkg protocol.PackageID) (*Leaf, error) {
	l := &Leaf{Package: pkg}
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT idx, sequence, data FROM log_leaves
		 WHERE package = $1 ORDER BY sequence DESC LIMIT 1`,
		string(pkg),
	).Scan(&l.Index, &seq, &l.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("package %s: %w", pkg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get package head: %w", err)
	}
	l.Sequence = uint64(seq)
	return l, nil
}

// PackageHeads implements Store.
func (s *PostgresStore) PackageHeads(ctx context.Context, size int64) ([]Leaf, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (package) idx, package, sequence, data FROM log_leaves
		 WHERE idx < $1
		 ORDER BY package, sequence DESC`,
		size,
	)
	if err != nil {
		return nil, fmt.Errorf("query package heads: %w", err)
	}
	defer rows.Close()

	var out []Leaf
	for rows.Next() {
		var l Leaf
		var pkg string
		var seq int64
		if err := rows.Scan(&l.Index, &pkg, &seq, &l.Data); err != nil {
			return nil, fmt.Errorf("scan package head row: %w", err)
		}
		l.Package = protocol.PackageID(pkg)
		l.Sequence = uint64(seq)
		out = append(out, l)
	}
	return out, rows.Err()
}

// Packages implements Store.
func (s *PostgresStore) Packages(ctx context.Context) ([]protocol.PackageID, error) {
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT package FROM log_leaves ORDER BY package")
	if err != nil {
		return nil, fmt.Errorf("query packages: %w", err)
	}
	defer rows.Close()

	var out []protocol.PackageID
	for rows.Next() {
		var pkg string
		if err := rows.Scan(&pkg); err != nil {
			return nil, fmt.Errorf("scan package row: %w", err)
		}
		out = append(out, protocol.PackageID(pkg))
	}
	return out, rows.Err()
}

// PutCheckpoint implements Store.
func (s *PostgresStore) PutCheckpoint(ctx context.Context, cp *protocol.SignedCheckpoint) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO log_checkpoints (length, note, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (length) DO NOTHING`,
		cp.Checkpoint.Length, cp.Note, cp.Checkpoint.Timestamp,
	); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint implements Store. The note is re-parsed without signature
// verification; the Log verifies it against its own key on startup.
func (s *PostgresStore) LatestCheckpoint(ctx context.Context) (*protocol.SignedCheckpoint, error) {
	var msg string
	err := s.pool.QueryRow(ctx,
		"SELECT note FROM log_checkpoints ORDER BY length DESC LIMIT 1",
	).Scan(&msg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest checkpoint: %w", err)
	}
	return parseStoredCheckpoint(msg)
}
