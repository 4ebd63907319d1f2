package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kinetrace/internal/config"
	"kinetrace/internal/health"
	"kinetrace/internal/input"
	"kinetrace/internal/logging"
	"kinetrace/internal/session"
	"kinetrace/internal/sink"
	"kinetrace/internal/watcher"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	cfg := logging.DefaultConfig()
	cfg.Writer = io.Discard
	log, err := logging.New(cfg)
	require.NoError(t, err)
	return log
}

func setFlag(t *testing.T, p *string, v string) {
	t.Helper()
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

func TestApplyFlags(t *testing.T) {
	setFlag(t, inputFlag, "events.jsonl")
	setFlag(t, addrFlag, ":9000")
	setFlag(t, logLevel, "debug")

	cfg := config.DefaultConfig()
	applyFlags(cfg)
	assert.Equal(t, config.InputFile, cfg.Input.Source)
	assert.Equal(t, "events.jsonl", cfg.Input.Path)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)

	*inputFlag = "-"
	applyFlags(cfg)
	assert.Equal(t, config.InputStdin, cfg.Input.Source)

	*inputFlag = "none"
	applyFlags(cfg)
	assert.Equal(t, config.InputNone, cfg.Input.Source)

	dir := t.TempDir()
	*inputFlag = dir
	applyFlags(cfg)
	assert.Equal(t, config.InputDir, cfg.Input.Source)
	assert.Equal(t, dir, cfg.Input.Path)
}

func TestOpenSource(t *testing.T) {
	log := testLogger(t)

	src, closeFn, err := openSource(config.InputConfig{Source: config.InputNone}, log)
	require.NoError(t, err)
	assert.Nil(t, src)
	closeFn()

	_, _, err = openSource(config.InputConfig{Source: config.InputFile, Path: filepath.Join(t.TempDir(), "missing")}, log)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"kind":"move","x":1,"y":2,"timestamp":5}`+"\n"), 0644))
	src, closeFn, err = openSource(config.InputConfig{Source: config.InputDir, Path: t.TempDir()}, log)
	require.NoError(t, err)
	assert.IsType(t, &watcher.Source{}, src)
	closeFn()

	src, closeFn, err = openSource(config.InputConfig{Source: config.InputFile, Path: path}, log)
	require.NoError(t, err)
	defer closeFn()

	var got []input.Event
	require.NoError(t, src.Stream(context.Background(), func(ev input.Event) error {
		got = append(got, ev)
		return nil
	}))
	assert.Equal(t, []input.Event{input.Move(1, 2, 5)}, got)
}

func TestSubmitSkipsEmptySession(t *testing.T) {
	mem := sink.NewMemorySink()
	log := testLogger(t)
	lc := session.New(session.WithSink(mem), session.WithLogger(log))
	lc.Start()

	submit(context.Background(), lc, log)
	assert.Empty(t, mem.Submissions())

	require.NoError(t, lc.Dispatch(input.Move(1, 1, 1)))
	submit(context.Background(), lc, log)
	assert.Len(t, mem.Submissions(), 1)

	// idle lifecycles are ignored quietly
	lc.Teardown()
	submit(context.Background(), lc, log)
	assert.Len(t, mem.Submissions(), 1)
}

func TestRegisterChecks(t *testing.T) {
	csvSink, err := sink.NewCSVSink(filepath.Join(t.TempDir(), "s.csv"))
	require.NoError(t, err)
	lc := session.New(session.WithLogger(testLogger(t)))

	c := health.NewChecker()
	registerChecks(c, csvSink, lc)
	assert.Equal(t, []string{"capture", "sink"}, c.Names())

	results := c.Check(context.Background())
	assert.Equal(t, health.StatusHealthy, results["sink"].Status)
	assert.Equal(t, health.StatusUnhealthy, results["capture"].Status)
	assert.Equal(t, health.StatusDegraded, c.OverallStatus())

	lc.Start()
	c.Check(context.Background())
	assert.Equal(t, health.StatusHealthy, c.OverallStatus())
}

func TestLister(t *testing.T) {
	assert.Nil(t, lister(sink.Nop{}))

	store, err := sink.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer store.Close()
	assert.NotNil(t, lister(store))
}

func TestOpenAudit(t *testing.T) {
	cfg := config.DefaultConfig().Logging
	cfg.Audit = false
	audit, err := openAudit(cfg)
	require.NoError(t, err)
	assert.Nil(t, audit)
	assert.NoError(t, audit.LogStartup(context.Background(), "test", nil))

	cfg.Audit = true
	cfg.AuditPath = filepath.Join(t.TempDir(), "audit", "audit.log")
	audit, err = openAudit(cfg)
	require.NoError(t, err)
	require.NoError(t, audit.LogStartup(context.Background(), "test", nil))
	require.NoError(t, audit.Close())

	data, err := os.ReadFile(cfg.AuditPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event_type":"startup"`)
}
