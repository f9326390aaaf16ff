package usage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/openmux/modelgate/internal/config"
	"github.com/openmux/modelgate/internal/telemetry"
)

func testUsageConfig(t *testing.T) config.UsageConfig {
	t.Helper()
	return config.UsageConfig{
		Enabled:       true,
		Backend:       "sqlite",
		SQLitePath:    filepath.Join(t.TempDir(), "usage.db"),
		BatchSize:     10,
		FlushInterval: config.Duration(10 * time.Millisecond),
		RetentionDays: 30,
	}
}

func TestSQLiteSinkPersistsOutcomes(t *testing.T) {
	cfg := testUsageConfig(t)
	sink, err := NewSQLiteSink(cfg)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 25; i++ {
		sink.Enqueue(telemetry.Outcome{
			CredentialID: "a",
			Provider:     "openai",
			Model:        "gpt-x",
			Success:      i%5 != 0,
			Latency:      100 * time.Millisecond,
			TokensUsed:   10,
			Cost:         0.0001,
			Timestamp:    time.Now(),
		})
	}
	// Stop drains the queue before closing.
	if err = sink.Stop(); err != nil {
		t.Fatal(err)
	}

	// The handle is closed; reopen through a fresh sink to count rows.
	verify, err := NewSQLiteSink(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = verify.Stop() }()

	var count int
	row := verify.db.QueryRow(`SELECT COUNT(*) FROM call_outcomes`)
	if err = row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 25 {
		t.Fatalf("expected 25 persisted outcomes, got %d", count)
	}
}

func TestSQLiteSinkStopIdempotent(t *testing.T) {
	sink, err := NewSQLiteSink(testUsageConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err = sink.Stop(); err != nil {
		t.Fatal(err)
	}
	if err = sink.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}
}

func TestNewSinkDisabled(t *testing.T) {
	sink, err := NewSink(config.UsageConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if sink != nil {
		t.Fatal("disabled usage must yield a nil sink")
	}
}

func TestNilSinkEnqueueSafe(t *testing.T) {
	var sink *SQLiteSink
	// Must not panic.
	sink.Enqueue(telemetry.Outcome{})
	if err := sink.Stop(); err != nil {
		t.Fatal(err)
	}
}
