package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openmux/modelgate/internal/config"
	log "github.com/openmux/modelgate/internal/logging"
	"github.com/openmux/modelgate/internal/telemetry"
)

// PostgresSink persists outcomes to Postgres for deployments where several
// gateway instances share one usage store.
type PostgresSink struct {
	pool        *pgxpool.Pool
	queue       chan telemetry.Outcome
	flushTicker *time.Ticker
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	batchSize   int
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS call_outcomes (
	id BIGSERIAL PRIMARY KEY,
	credential_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	tokens_used BIGINT NOT NULL DEFAULT 0,
	cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_kind TEXT NOT NULL DEFAULT '',
	requested_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_outcomes_requested_at ON call_outcomes(requested_at);
CREATE INDEX IF NOT EXISTS idx_outcomes_provider_model ON call_outcomes(provider, model);
`

// NewPostgresSink connects, ensures the schema and starts the writer.
func NewPostgresSink(cfg config.UsageConfig) (*PostgresSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("usage: connect postgres: %w", err)
	}
	if _, err = pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage: initialize postgres schema: %w", err)
	}

	s := &PostgresSink{
		pool:        pool,
		queue:       make(chan telemetry.Outcome, queueBufferSize),
		flushTicker: time.NewTicker(cfg.FlushInterval.Std()),
		stopChan:    make(chan struct{}),
		batchSize:   cfg.BatchSize,
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Enqueue implements Sink. Drops the record when the queue is full.
func (s *PostgresSink) Enqueue(outcome telemetry.Outcome) {
	if s == nil {
		return
	}
	select {
	case s.queue <- outcome:
	default:
		log.Warnf("usage queue full, dropping outcome for %s/%s", outcome.Provider, outcome.Model)
	}
}

func (s *PostgresSink) writeLoop() {
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

func (s *PostgresSink) writeBatch(batch []telemetry.Outcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows := make([][]any, len(batch))
	for i, outcome := range batch {
		rows[i] = []any{
			outcome.CredentialID,
			outcome.Provider,
			outcome.Model,
			outcome.Success,
			outcome.Latency.Milliseconds(),
			outcome.TokensUsed,
			outcome.Cost,
			outcome.ErrorKind,
			outcome.Timestamp,
		}
	}
	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"call_outcomes"},
		[]string{"credential_id", "provider", "model", "success", "latency_ms", "tokens_used", "cost", "error_kind", "requested_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// Stop implements Sink: drains the queue, flushes and closes the pool.
func (s *PostgresSink) Stop() error {
	if s == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.flushTicker.Stop()
		s.wg.Wait()
		s.pool.Close()
	})
	return nil
}
