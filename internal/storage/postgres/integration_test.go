//go:build integration

package postgres

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/checkbench/internal/history"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunRepository_Postgres(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	session := "it-" + uuid.NewString()[:8]
	start := time.Now().UTC().Truncate(time.Millisecond)

	for i := range 3 {
		err := db.Runs().Record(ctx, history.Run{
			SessionID:     session,
			PythonVersion: "3.12",
			Tools:         []string{"mypy", "ty"},
			Results: []history.ToolSummary{
				{Tool: "mypy", ReturnCode: i},
				{Tool: "ty", ReturnCode: 0},
			},
			StartedAt: start.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	runs, err := db.Runs().List(ctx, session, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	if runs[0].Results[0].ReturnCode != 2 {
		t.Errorf("newest first violated: %+v", runs[0])
	}
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
