package crmsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresConnectionTableName = "relaycrm_connections"
	postgresSegmentTableName    = "relaycrm_segments"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type postgresCore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newPostgresCore(dsn string) (*postgresCore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &postgresCore{dsn: dsn, openDB: sql.Open}, nil
}

func (c *postgresCore) ensureReady(schema string) error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			c.initErr = err
			return
		}
		c.db = db
	})
	return c.initErr
}

func (c *postgresCore) close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// PostgresConnectionStore persists Connection records as JSON keyed by
// network id.
type PostgresConnectionStore struct {
	core *postgresCore
}

func NewPostgresConnectionStore(dsn string) (*PostgresConnectionStore, error) {
	core, err := newPostgresCore(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresConnectionStore{core: core}, nil
}

func (s *PostgresConnectionStore) ensureReady() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			network_id TEXT PRIMARY KEY,
			record TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, postgresQuoteIdentifier(postgresConnectionTableName))
	return s.core.ensureReady(schema)
}

func (s *PostgresConnectionStore) Get(ctx context.Context, networkID string) (*Connection, error) {
	if s == nil {
		return nil, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT record FROM %s WHERE network_id = $1", postgresQuoteIdentifier(postgresConnectionTableName))
	var payload string
	err := s.core.db.QueryRowContext(ctx, query, networkID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var conn Connection
	if err := json.Unmarshal([]byte(payload), &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *PostgresConnectionStore) Upsert(ctx context.Context, conn *Connection) error {
	if s == nil || conn == nil || strings.TrimSpace(conn.NetworkID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(conn)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (network_id, record, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (network_id)
		DO UPDATE SET record = EXCLUDED.record, updated_at = NOW()`, postgresQuoteIdentifier(postgresConnectionTableName))
	_, err = s.core.db.ExecContext(ctx, query, conn.NetworkID, string(payload))
	return err
}

func (s *PostgresConnectionStore) Delete(ctx context.Context, networkID string) error {
	if s == nil {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE network_id = $1", postgresQuoteIdentifier(postgresConnectionTableName))
	_, err := s.core.db.ExecContext(ctx, query, networkID)
	return err
}

func (s *PostgresConnectionStore) Close() error {
	if s == nil {
		return nil
	}
	return s.core.close()
}

// PostgresSegmentCache maps (network_id, space_id) to a CRM segment id.
// The upsert is a plain last-writer-wins replace; concurrent duplicate
// creations settle on whichever write lands last.
type PostgresSegmentCache struct {
	core *postgresCore
}

func NewPostgresSegmentCache(dsn string) (*PostgresSegmentCache, error) {
	core, err := newPostgresCore(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresSegmentCache{core: core}, nil
}

func (c *PostgresSegmentCache) ensureReady() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			network_id TEXT NOT NULL,
			space_id TEXT NOT NULL,
			segment_id TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (network_id, space_id)
		)`, postgresQuoteIdentifier(postgresSegmentTableName))
	return c.core.ensureReady(schema)
}

func (c *PostgresSegmentCache) Get(ctx context.Context, networkID, spaceID string) (string, error) {
	if c == nil {
		return "", nil
	}
	if err := c.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT segment_id FROM %s WHERE network_id = $1 AND space_id = $2",
		postgresQuoteIdentifier(postgresSegmentTableName),
	)
	var segmentID string
	err := c.core.db.QueryRowContext(ctx, query, networkID, spaceID).Scan(&segmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return segmentID, nil
}

func (c *PostgresSegmentCache) Put(ctx context.Context, networkID, spaceID, segmentID string) error {
	if c == nil {
		return ErrInvalidInput
	}
	if strings.TrimSpace(networkID) == "" || strings.TrimSpace(spaceID) == "" || strings.TrimSpace(segmentID) == "" {
		return ErrInvalidInput
	}
	if err := c.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (network_id, space_id, segment_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (network_id, space_id)
		DO UPDATE SET segment_id = EXCLUDED.segment_id, updated_at = NOW()`, postgresQuoteIdentifier(postgresSegmentTableName))
	_, err := c.core.db.ExecContext(ctx, query, networkID, spaceID, segmentID)
	return err
}

func (c *PostgresSegmentCache) DeleteAll(ctx context.Context, networkID string) error {
	if c == nil {
		return nil
	}
	if err := c.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE network_id = $1", postgresQuoteIdentifier(postgresSegmentTableName))
	_, err := c.core.db.ExecContext(ctx, query, networkID)
	return err
}

func (c *PostgresSegmentCache) Close() error {
	if c == nil {
		return nil
	}
	return c.core.close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
