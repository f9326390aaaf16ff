package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openmux/modelgate/internal/config"
	log "github.com/openmux/modelgate/internal/logging"
	"github.com/openmux/modelgate/internal/telemetry"
)

const (
	defaultSQLitePath = "~/.modelgate/usage.db"
	queueBufferSize   = 1000
)

// SQLiteSink persists outcomes to a local SQLite database with async
// batched writes and daily retention cleanup.
type SQLiteSink struct {
	db            *sql.DB
	queue         chan telemetry.Outcome
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	retentionDays int
}

// NewSQLiteSink opens (or creates) the database and starts the writer.
func NewSQLiteSink(cfg config.UsageConfig) (*SQLiteSink, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = defaultSQLitePath
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("usage: resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("usage: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("usage: open database: %w", err)
	}
	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err = db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("usage: initialize schema: %w", err)
	}

	s := &SQLiteSink{
		db:            db,
		queue:         make(chan telemetry.Outcome, queueBufferSize),
		flushTicker:   time.NewTicker(cfg.FlushInterval.Std()),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		batchSize:     cfg.BatchSize,
		retentionDays: cfg.RetentionDays,
	}
	s.wg.Add(2)
	go s.writeLoop()
	go s.cleanupLoop()
	return s, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS call_outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	credential_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	error_kind TEXT NOT NULL DEFAULT '',
	requested_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_outcomes_requested_at ON call_outcomes(requested_at);
CREATE INDEX IF NOT EXISTS idx_outcomes_provider_model ON call_outcomes(provider, model);
CREATE INDEX IF NOT EXISTS idx_outcomes_credential ON call_outcomes(credential_id);
`

// Enqueue implements Sink. Drops the record when the queue is full.
func (s *SQLiteSink) Enqueue(outcome telemetry.Outcome) {
	if s == nil {
		return
	}
	select {
	case s.queue <- outcome:
	default:
		log.Warnf("usage queue full, dropping outcome for %s/%s", outcome.Provider, outcome.Model)
	}
}

func (s *SQLiteSink) writeLoop() {
	defer s.wg.Done()

	batch := make([]telemetry.Outcome, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writeBatch(batch); err != nil {
			log.WithError(err).Error("usage batch write failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case outcome := <-s.queue:
			batch = append(batch, outcome)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-s.flushTicker.C:
			flush()
		case <-s.stopChan:
			for {
				select {
				case outcome := <-s.queue:
					batch = append(batch, outcome)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *SQLiteSink) writeBatch(batch []telemetry.Outcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO call_outcomes (
			credential_id, provider, model, success, latency_ms,
			tokens_used, cost, error_kind, requested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, outcome := range batch {
		if _, err = stmt.ExecContext(ctx,
			outcome.CredentialID,
			outcome.Provider,
			outcome.Model,
			outcome.Success,
			outcome.Latency.Milliseconds(),
			outcome.TokensUsed,
			outcome.Cost,
			outcome.ErrorKind,
			outcome.Timestamp,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert outcome: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteSink) cleanupLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.cleanupTicker.C:
			if err := s.cleanup(); err != nil {
				log.WithError(err).Error("usage retention cleanup failed")
			}
		case <-s.stopChan:
			return
		}
	}
}

func (s *SQLiteSink) cleanup() error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM call_outcomes WHERE requested_at < ?`, cutoff)
	if err != nil {
		return err
	}
	if removed, _ := result.RowsAffected(); removed > 0 {
		log.Infof("usage: removed %d outcomes older than %d days", removed, s.retentionDays)
	}
	return nil
}

// Stop implements Sink: drains the queue, flushes and closes the db.
func (s *SQLiteSink) Stop() error {
	if s == nil {
		return nil
	}
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.flushTicker.Stop()
		s.cleanupTicker.Stop()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}
