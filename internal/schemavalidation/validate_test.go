package schemavalidation

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"kinetrace/internal/input"
	"kinetrace/internal/sink"
	"kinetrace/internal/telemetry"
)

type schemaCase struct {
	name         string
	schemaPath   string
	instancePath string
}

func TestSchemaValidation(t *testing.T) {
	repoRoot := repoRoot(t)
	eventSchema := filepath.Join(repoRoot, "internal", "input", "event.schema.json")
	submissionSchema := filepath.Join(repoRoot, "docs", "schema", "submission-v1.schema.json")

	cases := []schemaCase{
		{
			name:         "submission",
			schemaPath:   submissionSchema,
			instancePath: filepath.Join(repoRoot, "docs", "fixtures", "submission-v1.json"),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			validateInstance(t, compile(t, tc.schemaPath), readInstance(t, tc.instancePath))
		})
	}

	t.Run("events", func(t *testing.T) {
		schema := compile(t, eventSchema)
		events, ok := readInstance(t, filepath.Join(repoRoot, "docs", "fixtures", "events-v1.json")).([]any)
		if !ok {
			t.Fatal("events fixture is not an array")
		}
		for _, ev := range events {
			validateInstance(t, schema, ev)
		}
	})
}

// TestEventFixtureParses checks the decoder accepts what the schema accepts.
func TestEventFixtureParses(t *testing.T) {
	data, err := os.ReadFile(filepath.Join(repoRoot(t), "docs", "fixtures", "events-v1.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	events, dropped, err := input.ParseBatch(data)
	if err != nil {
		t.Fatalf("parse batch: %v", err)
	}
	if dropped != 0 || len(events) != 6 {
		t.Fatalf("got %d events, %d dropped; want 6, 0", len(events), dropped)
	}
	if events[4].Timestamp != 80 {
		t.Errorf("fractional timestamp = %d, want 80", events[4].Timestamp)
	}
}

// TestSubmissionsMatchSchema marshals real submissions, including edge
// values, and validates them against the published schema.
func TestSubmissionsMatchSchema(t *testing.T) {
	schema := compile(t, filepath.Join(repoRoot(t), "docs", "schema", "submission-v1.schema.json"))

	summaries := []telemetry.Summary{
		{},
		{AverageVelocity: 50, AverageAcceleration: 50, TotalMovement: 100, AverageDwellTime: 50, TypingSpeed: 184.6153},
		{AverageVelocity: -12.345, AverageAcceleration: -0.001, TotalMovement: 1e6, AverageDwellTime: -3.25, TypingSpeed: 0.04},
	}
	for _, s := range summaries {
		sub := sink.Submission{
			SessionID:   "s-1",
			SubmittedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Record:      s.Record(),
		}
		data, err := json.Marshal(sub)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var instance any
		if err := json.Unmarshal(data, &instance); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		validateInstance(t, schema, instance)
	}
}

func compile(t *testing.T, schemaPath string) *jsonschema.Schema {
	t.Helper()
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(schemaPath, bytes.NewReader(schemaData)); err != nil {
		t.Fatalf("add schema resource: %v", err)
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	return schema
}

func readInstance(t *testing.T, path string) any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read instance: %v", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}
	return instance
}

func validateInstance(t *testing.T, schema *jsonschema.Schema, instance any) {
	t.Helper()
	if err := schema.Validate(instance); err != nil {
		t.Fatalf("schema validation failed: %v", err)
	}
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("unable to resolve caller path")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
