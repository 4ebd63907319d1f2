// kinetracectl is the control CLI for kinetraced.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"kinetrace/internal/config"
	"kinetrace/internal/input"
	"kinetrace/internal/logging"
	"kinetrace/internal/session"
	"kinetrace/internal/sink"
)

var version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	addrFlag   = flag.String("addr", "", "daemon HTTP address (default: server.addr from config)")
	jsonOutput = flag.Bool("json", false, "print JSON instead of text")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "replay":
		err = cmdReplay(flag.Args()[1:])
	case "logs":
		err = cmdLogs(flag.Args()[1:])
	case "history":
		err = cmdHistory(flag.Args()[1:])
	case "config":
		err = cmdConfig(flag.Args()[1:])
	case "status":
		err = cmdStatus()
	case "summary":
		err = cmdSummary()
	case "submit":
		err = cmdPost("/submit")
	case "start":
		err = cmdPost("/session/start")
	case "reset":
		err = cmdPost("/session/reset")
	case "stop":
		err = cmdPost("/session/stop")
	case "version":
		fmt.Printf("kinetracectl %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `kinetracectl - Control utility for kinetraced

Usage: kinetracectl [options] <command> [args]

Offline commands:
  replay <file> [-submit]   Summarize a recorded JSONL event file
  logs [dir]                Concatenate every CSV log under dir (default: data dir)
  history [-n N]            List stored submissions from the SQLite sink
  config init|show          Write the default config, or print the effective one

Daemon commands (HTTP):
  status                    Show daemon and session status
  summary                   Show the current session summary
  submit                    Submit the current session
  start | reset | stop      Start, reset or stop the capture session

Other:
  version                   Print version
  help                      Show this help message

Options:
  -config <path>  Path to config file
  -addr <addr>    Daemon HTTP address
  -json           Print JSON output`)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// cmdReplay runs a recorded event file through a fresh session.
func cmdReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	doSubmit := fs.Bool("submit", false, "store the result in the configured sink")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: kinetracectl replay <file> [-submit]")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	cfg := loadConfig()
	logCfg := logging.DefaultConfig()
	logCfg.Writer = io.Discard
	log, err := logging.New(logCfg)
	if err != nil {
		return err
	}

	var out sink.Sink = sink.NewMemorySink()
	if *doSubmit {
		if out, err = sink.Open(cfg.Sink); err != nil {
			return err
		}
	}
	defer out.Close()

	lc := session.New(
		session.WithCapacities(cfg.Capture.MouseCapacity, cfg.Capture.KeyCapacity),
		session.WithSink(out),
		session.WithLogger(log),
	)
	lc.Start()
	defer lc.Teardown()

	src := input.NewReaderSource(f)
	skipped := 0
	src.OnDrop = func(line int, err error) {
		skipped++
		fmt.Fprintf(os.Stderr, "line %d: %v\n", line, err)
	}

	ctx := context.Background()
	sub, err := lc.Attach(ctx, src)
	if err != nil {
		return err
	}
	<-sub.Done()
	if err := sub.Err(); err != nil {
		return fmt.Errorf("read %s: %w", fs.Arg(0), err)
	}

	status := lc.Status()
	submission, err := lc.Submit(ctx)
	if err != nil {
		return err
	}

	if *jsonOutput {
		return printJSON(submission)
	}
	fmt.Printf("Events:  %d applied, %d skipped\n", status.Events, skipped+int(status.Dropped))
	printRecord(submission)
	if *doSubmit {
		fmt.Printf("\nStored in %s sink.\n", cfg.Sink.Type)
	}
	return nil
}

func printRecord(sub sink.Submission) {
	fields := sink.Fields()
	values := sub.Values()
	width := 0
	for _, f := range fields {
		width = max(width, len(f))
	}
	for i, f := range fields {
		fmt.Printf("  %-*s  %s\n", width, f, values[i])
	}
}

// cmdLogs merges CSV logs the same way the dashboard download does.
func cmdLogs(args []string) error {
	dir := config.DataDir()
	if len(args) > 0 {
		dir = args[0]
	}
	n, err := sink.MergeLogs(dir, os.Stdout)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintf(os.Stderr, "No CSV logs under %s\n", dir)
	}
	return nil
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 20, "number of submissions to show (0 for all)")
	fs.Parse(args)

	cfg := loadConfig()
	if cfg.Sink.Type != config.SinkSQLite {
		return fmt.Errorf("history needs the sqlite sink (configured: %s); use 'kinetracectl logs' for CSV", cfg.Sink.Type)
	}
	if _, err := os.Stat(cfg.Sink.Path); os.IsNotExist(err) {
		fmt.Println("No database found")
		return nil
	}

	store, err := sink.OpenSQLite(cfg.Sink.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	subs, err := store.List(ctx, *limit)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(subs)
	}

	total, err := store.Count(ctx)
	if err != nil {
		return err
	}
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Submissions: %d total, showing %d (schema v%d)\n\n", total, len(subs), version)
	for _, s := range subs {
		r := s.Record
		fmt.Printf("%s  %s  v=%s a=%s d=%s dwell=%s wpm=%s\n",
			s.SubmittedAt.Local().Format(time.DateTime), s.SessionID,
			r.MouseAverageVelocity, r.MouseAverageAcceleration, r.MouseTotalMovement,
			r.AverageDwellTime, r.AverageTypingSpeed)
	}
	return nil
}

func cmdConfig(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: kinetracectl config init|show")
	}
	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}

	switch args[0] {
	case "init":
		_, created, err := config.LoadOrCreate(path)
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("Wrote default configuration to %s\n", path)
		} else {
			fmt.Printf("Configuration already exists at %s\n", path)
		}
		return nil
	case "show":
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		return printJSON(cfg)
	default:
		return fmt.Errorf("unknown config action %q", args[0])
	}
}

func cmdStatus() error {
	fmt.Println("=== kinetraced Status ===")
	fmt.Println()

	pidPath := filepath.Join(config.DataDir(), "kinetraced.pid")
	if data, err := os.ReadFile(pidPath); err != nil {
		fmt.Println("Daemon: NOT RUNNING")
	} else {
		pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
		if processExists(pid) {
			fmt.Printf("Daemon: RUNNING (PID %d)\n", pid)
		} else {
			fmt.Printf("Daemon: STALE PID FILE (PID %d not found)\n", pid)
		}
	}

	var st session.Status
	if err := newClient().get("/status", &st); err != nil {
		fmt.Printf("HTTP:   unavailable (%v)\n", err)
		return nil
	}
	if *jsonOutput {
		return printJSON(st)
	}

	fmt.Println()
	fmt.Printf("Phase:          %s\n", st.Phase)
	if st.SessionID != "" {
		fmt.Printf("Session:        %s (%s)\n", st.SessionID, st.Duration.Round(time.Second))
	}
	fmt.Printf("Events:         %d applied, %d dropped\n", st.Events, st.Dropped)
	fmt.Printf("Mouse buffer:   %d / %d\n", st.Buffers.MouseSamples, st.Buffers.MouseCapacity)
	fmt.Printf("Key buffer:     %d / %d\n", st.Buffers.KeySamples, st.Buffers.KeyCapacity)
	fmt.Printf("Pending keys:   %d\n", st.Buffers.PendingKeys)
	fmt.Printf("Position:       (%g, %g)\n", st.Position.X, st.Position.Y)
	fmt.Printf("Sources:        %d\n", st.Subscriptions)
	return nil
}

func cmdSummary() error {
	var resp struct {
		SessionID string          `json:"sessionId"`
		Record    json.RawMessage `json:"record"`
	}
	if err := newClient().get("/summary", &resp); err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(resp)
	}

	var sub sink.Submission
	sub.SessionID = resp.SessionID
	if err := json.Unmarshal(resp.Record, &sub.Record); err != nil {
		return err
	}
	fmt.Printf("Session %s\n", resp.SessionID)
	fields := sink.Fields()[2:]
	values := sub.Record.Values()
	for i, f := range fields {
		fmt.Printf("  %-26s %s\n", f, values[i])
	}
	return nil
}

func cmdPost(path string) error {
	var resp json.RawMessage
	if err := newClient().post(path, &resp); err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(resp)
	}
	fmt.Println("OK")
	return nil
}

func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
