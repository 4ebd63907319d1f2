package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kinetrace/internal/config"
	"kinetrace/internal/telemetry"
)

func testSubmission(id string) Submission {
	return Submission{
		SessionID:   id,
		SubmittedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Record: telemetry.Record{
			MouseAverageVelocity:     "50.00",
			MouseAverageAcceleration: "50.00",
			MouseTotalMovement:       "100.00",
			AverageDwellTime:         "50.0",
			AverageTypingSpeed:       "184.6",
		},
	}
}

func TestCSVSinkWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "submissions.csv")
	s, err := NewCSVSink(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Submit(ctx, testSubmission("s1")))
	require.NoError(t, s.Submit(ctx, testSubmission("s2")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3)

	assert.Equal(t, "sessionId,submittedAt,mouseAverageVelocity,mouseAverageAcceleration,mouseTotalMovement,averageDwellTime,averageTypingSpeed", lines[0])
	assert.Equal(t, `"s1","2026-03-01T12:00:00Z","50.00","50.00","100.00","50.0","184.6"`, lines[1])
	assert.True(t, strings.HasPrefix(lines[2], `"s2",`))
}

func TestCSVSinkAppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "submissions.csv")

	first, err := NewCSVSink(path)
	require.NoError(t, err)
	require.NoError(t, first.Submit(context.Background(), testSubmission("a")))
	require.NoError(t, first.Close())

	second, err := NewCSVSink(path)
	require.NoError(t, err)
	require.NoError(t, second.Submit(context.Background(), testSubmission("b")))

	data, _ := os.ReadFile(path)
	assert.Equal(t, 1, strings.Count(string(data), "sessionId,"))
	assert.Equal(t, 3, strings.Count(string(data), "\n"))
}

func TestCSVQuoting(t *testing.T) {
	assert.Equal(t, `"plain"`, quoteField("plain"))
	assert.Equal(t, `"say ""hi"""`, quoteField(`say "hi"`))
	assert.Equal(t, `"a,b"`, quoteField("a,b"))
	assert.Equal(t, "\"x\",\"\"\n", formatRow([]string{"x", ""}))
}

func TestCSVSinkConcurrentSubmits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "submissions.csv")
	s, err := NewCSVSink(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Submit(context.Background(), testSubmission(fmt.Sprintf("s%d", i))))
		}(i)
	}
	wg.Wait()

	data, _ := os.ReadFile(path)
	assert.Equal(t, 1, strings.Count(string(data), "sessionId,"))
	assert.Equal(t, 21, strings.Count(string(data), "\n"))
}

func TestCSVSinkClosed(t *testing.T) {
	s, err := NewCSVSink(filepath.Join(t.TempDir(), "x.csv"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Submit(context.Background(), testSubmission("x")), ErrClosed)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "kinetrace.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	for _, id := range []string{"one", "two", "three"} {
		require.NoError(t, store.Submit(ctx, testSubmission(id)))
	}

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	latest, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "three", latest[0].SessionID)
	assert.Equal(t, "two", latest[1].SessionID)
	assert.Equal(t, testSubmission("three").Record, latest[0].Record)
	assert.True(t, testSubmission("x").SubmittedAt.Equal(latest[0].SubmittedAt))

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kinetrace.db")
	ctx := context.Background()

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	v, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion(), v)
	require.NoError(t, store.Submit(ctx, testSubmission("kept")))
	require.NoError(t, store.Close())

	store, err = OpenSQLite(path)
	require.NoError(t, err)
	defer store.Close()
	v, err = store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion(), v)

	var applied int
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, len(migrations), applied)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteInMemory(t *testing.T) {
	store, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Submit(context.Background(), testSubmission("m")))
	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemorySink(t *testing.T) {
	m := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, testSubmission("a")))

	boom := errors.New("boom")
	m.SetFailure(boom)
	assert.ErrorIs(t, m.Submit(ctx, testSubmission("b")), boom)
	m.SetFailure(nil)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, m.Submit(cancelled, testSubmission("c")), context.Canceled)

	subs := m.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "a", subs[0].SessionID)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Submit(ctx, testSubmission("d")), ErrClosed)
}

func TestMergeLogs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "2026"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("h\n\"2\"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("h\n\"1\"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026", "c.csv"), []byte("h\n\"3\"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	var out strings.Builder
	n, err := MergeLogs(dir, &out)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	want := "\n\n--- 2026/c.csv ---\nh\n\"3\"\n" +
		"\n\n--- a.csv ---\nh\n\"1\"\n" +
		"\n\n--- b.csv ---\nh\n\"2\"\n"
	assert.Equal(t, want, out.String())
}

func TestMergeLogsMissingDir(t *testing.T) {
	var out strings.Builder
	_, err := MergeLogs(filepath.Join(t.TempDir(), "nope"), &out)
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		cfg  config.SinkConfig
		want any
	}{
		{config.SinkConfig{Type: config.SinkCSV, Path: filepath.Join(dir, "s.csv")}, &CSVSink{}},
		{config.SinkConfig{Type: config.SinkSQLite, Path: filepath.Join(dir, "s.db")}, &SQLiteStore{}},
		{config.SinkConfig{Type: config.SinkMemory}, &MemorySink{}},
		{config.SinkConfig{Type: config.SinkNone}, Nop{}},
	}
	for _, tt := range tests {
		t.Run(tt.cfg.Type, func(t *testing.T) {
			s, err := Open(tt.cfg)
			require.NoError(t, err)
			defer s.Close()
			assert.IsType(t, tt.want, s)
		})
	}

	_, err := Open(config.SinkConfig{Type: "kafka"})
	assert.ErrorIs(t, err, ErrUnknownSink)
}

func TestSubmissionValuesMatchFields(t *testing.T) {
	assert.Len(t, testSubmission("x").Values(), len(Fields()))
}
