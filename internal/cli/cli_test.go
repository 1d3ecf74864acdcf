package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sbenjam1n/tutorsim/internal/casebook"
	"github.com/sbenjam1n/tutorsim/internal/config"
	"github.com/sbenjam1n/tutorsim/internal/generation"
	"github.com/sbenjam1n/tutorsim/internal/logger"
	"github.com/sbenjam1n/tutorsim/internal/prompts"
	"github.com/sbenjam1n/tutorsim/internal/sim"
	"github.com/sbenjam1n/tutorsim/internal/store"
)

func intp(n int) *int { return &n }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Store:      config.StoreSQLite,
		SQLitePath: filepath.Join(dir, "runs.db"),
		OutputDir:  filepath.Join(dir, "out"),
		ImagesDir:  filepath.Join(dir, "images"),
		APIKey:     "sk-test",
		Models: map[string]string{
			"student": "m", "teacher": "m", "patient": "m", "expert": "m", "supervisor": "m",
		},
		Simulation: config.Simulation{
			MaxRounds:         2,
			RoundChoices:      []int{1},
			MaxReviewAttempts: 2,
			MaxRetries:        1,
		},
	}
}

func templates() prompts.Set {
	set := make(prompts.Set, len(prompts.Required))
	for _, name := range prompts.Required {
		set[name] = "instruction for " + name
	}
	return set
}

func library() *casebook.Library {
	female := &sim.Demographics{Gender: "female", Age: intp(40)}
	return &casebook.Library{
		Cases: []sim.Case{
			{ID: "C1", PatientScript: sim.PatientScript{Metadata: sim.ScriptMetadata{Demographics: female}}},
			{ID: "C2", PatientScript: sim.PatientScript{Metadata: sim.ScriptMetadata{Demographics: &sim.Demographics{Gender: "male", Age: intp(50)}}}},
			{ID: "C3"},
		},
		Personas: []sim.Persona{
			{ID: "P1", Demographics: sim.Demographics{Gender: "female", Age: intp(35)}},
		},
		Students: []sim.StudentProfile{{ID: "S1"}, {ID: "S2"}, {ID: "S3"}, {ID: "S4"}},
	}
}

// downPort fails every call; runs still complete with placeholders.
var downPort = generation.PortFunc(func(context.Context, generation.Request) generation.Result {
	return generation.Fail(1, "backend down")
})

func newTestRunner(t *testing.T) *runner {
	t.Helper()
	c := testConfig(t)
	repo, err := openStore(context.Background(), c)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return &runner{
		cfg:        c,
		log:        logger.Nop(),
		port:       downPort,
		tmpl:       templates(),
		lib:        library(),
		sel:        casebook.NewSelector(7),
		repo:       repo,
		exportLogs: true,
	}
}

func TestOpenStore(t *testing.T) {
	c := testConfig(t)

	repo, err := openStore(context.Background(), c)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if _, ok := repo.(*store.SQLiteStore); !ok {
		t.Errorf("sqlite store type = %T", repo)
	}
	repo.Close()

	c.Store = config.StoreNone
	repo, err = openStore(context.Background(), c)
	if err != nil || repo != nil {
		t.Errorf("none store = %v, %v", repo, err)
	}
}

func TestNewPortBuildsEveryRole(t *testing.T) {
	c := testConfig(t)
	router, err := newPort(c, logger.Nop())
	if err != nil {
		t.Fatalf("newPort: %v", err)
	}
	for _, role := range sim.Roles {
		if router[string(role)] == nil {
			t.Errorf("no handle for %s", role)
		}
	}

	c.APIKey = ""
	if _, err := newPort(c, logger.Nop()); err == nil {
		t.Error("expected error without api key")
	}
}

func TestSimulateDeliversTranscript(t *testing.T) {
	r := newTestRunner(t)
	c, _ := r.lib.Case("C1")

	tr, err := r.simulate(context.Background(), c, 1)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if tr.Rounds != 1 || len(tr.Turns) == 0 {
		t.Fatalf("transcript = %d rounds, %d turns", tr.Rounds, len(tr.Turns))
	}

	stored, err := r.repo.GetRun(context.Background(), tr.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if len(stored.Turns) != len(tr.Turns) {
		t.Errorf("stored turns = %d, want %d", len(stored.Turns), len(tr.Turns))
	}

	entries, err := os.ReadDir(r.cfg.OutputDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("output dir entries = %v, %v", entries, err)
	}
	if !strings.HasPrefix(entries[0].Name(), "C1_") {
		t.Errorf("export dir = %s", entries[0].Name())
	}
}

func TestRunBatchSkipsAndResumes(t *testing.T) {
	r := newTestRunner(t)
	progressPath := filepath.Join(t.TempDir(), "progress.txt")

	progress, err := casebook.OpenProgress(progressPath)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := runBatch(context.Background(), r, progress, 1, 1)
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	// C2 has no male persona; C1 and C3 complete.
	if sum.completed != 2 || sum.skipped != 1 || sum.failed != 0 {
		t.Errorf("summary = %+v", sum)
	}

	progress, err = casebook.OpenProgress(progressPath)
	if err != nil {
		t.Fatal(err)
	}
	sum, err = runBatch(context.Background(), r, progress, 1, 1)
	if err != nil {
		t.Fatalf("second runBatch: %v", err)
	}
	if sum.resumed != 2 || sum.completed != 0 || sum.skipped != 1 {
		t.Errorf("resumed summary = %+v", sum)
	}
}

func TestRunBatchStopsOnCancel(t *testing.T) {
	r := newTestRunner(t)
	progress, err := casebook.OpenProgress(filepath.Join(t.TempDir(), "progress.txt"))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := runBatch(ctx, r, progress, 1, 1); err == nil {
		t.Error("expected context error")
	}
	if progress.Len() != 0 {
		t.Errorf("progress marked %d cases", progress.Len())
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    sim.Role
		wantErr bool
	}{
		{"", "", false},
		{"patient", sim.RolePatient, false},
		{"Teacher", sim.RoleTeacher, false},
		{"janitor", "", true},
	}
	for _, tt := range tests {
		got, err := parseRole(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseRole(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestPrintTurnsGroupsByRound(t *testing.T) {
	var buf bytes.Buffer
	printTurns(&buf, []sim.Turn{
		{Round: 1, Speaker: "Patient", Content: "hello", Visibility: sim.VisibleStudentPatient},
		{Round: 1, Speaker: "Teacher", Content: "ask about pain", Visibility: sim.VisibleTeacherStudent, Status: sim.GuidanceApproved},
		{Round: 2, Speaker: "Patient", Content: "it hurts", Visibility: sim.VisibleStudentPatient},
	})
	out := buf.String()
	if strings.Count(out, "=== Round") != 2 {
		t.Errorf("round headers missing:\n%s", out)
	}
	if !strings.Contains(out, "Teacher [approved]: ask about pain") {
		t.Errorf("status missing:\n%s", out)
	}
}
