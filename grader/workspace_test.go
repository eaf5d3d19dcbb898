package grader

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/klauspost/compress/gzip"

	"github.com/omegaup/autotest/common"
	"github.com/omegaup/autotest/container"
)

var errTestScoreOutOfRange = errors.New("score out of range")

func newTestRuntime() *container.Runtime {
	log := log15.New()
	log.SetHandler(log15.DiscardHandler())
	return container.NewRuntime(
		container.NewProcessDriver(),
		log,
		container.RuntimeOptions{GracePeriod: 200 * time.Millisecond},
	)
}

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws := NewWorkspace(path.Join(t.TempDir(), "workspace"))
	if err := ws.Init(); err != nil {
		t.Fatalf("Failed to initialize workspace: %v", err)
	}
	return ws
}

func runScript(t *testing.T, ws *Workspace, script string) (*GradeResult, error) {
	t.Helper()
	c, err := newTestRuntime().Create(context.Background(), &container.Options{
		Image:   "/bin/sh",
		Command: []string{"-c", script},
		Env:     map[string]string{"KEEP": ws.KeepDir},
	})
	if err != nil {
		t.Fatalf("Failed to create container: %v", err)
	}
	defer c.Remove(context.Background())
	return ws.Grade(context.Background(), c, 10*time.Second)
}

func TestInitWorkspace(t *testing.T) {
	ws := newTestWorkspace(t)
	for _, dir := range []string{ws.AssignmentDir, ws.SolutionDir, ws.KeepDir} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("%s should be a directory: %v", dir, err)
		}
	}
	if err := ws.Init(); err != nil {
		t.Errorf("Init should be idempotent: %v", err)
	}

	notADir := path.Join(t.TempDir(), "file")
	if err := os.WriteFile(notADir, []byte{}, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	err := NewWorkspace(path.Join(notADir, "workspace")).Init()
	if !IsIOError(err) {
		t.Errorf("err == %v, want an IOError", err)
	}
}

func TestGrade(t *testing.T) {
	ws := newTestWorkspace(t)
	result, err := runScript(
		t,
		ws,
		`echo grading; echo '{"scoreOverall": 80, "feedback": "Nice work", "passNames": ["a", "b"]}' > "$KEEP/report.json"`,
	)
	if err != nil {
		t.Fatalf("Grade failed: %v", err)
	}
	if result.ExitCode != 0 || result.TimedOut {
		t.Errorf("unexpected result %+v", result)
	}
	if result.Report.ScoreOverall != 80 {
		t.Errorf("ScoreOverall == %v, want %v", result.Report.ScoreOverall, 80)
	}
	if result.Report.Feedback != "Nice work" || len(result.Report.PassNames) != 2 {
		t.Errorf("unexpected report %+v", result.Report)
	}
	transcript, err := os.ReadFile(path.Join(ws.KeepDir, TranscriptFilename))
	if err != nil {
		t.Fatalf("Failed to read transcript: %v", err)
	}
	if string(transcript) != "grading\n" {
		t.Errorf("transcript == %q, want %q", string(transcript), "grading\n")
	}
}

func TestGradeMissingReport(t *testing.T) {
	ws := newTestWorkspace(t)
	result, err := runScript(t, ws, "echo nothing to see; exit 2")
	if !IsGradingError(err) {
		t.Fatalf("err == %v, want a GradingError", err)
	}
	if gradingErr := err.(*GradingError); !gradingErr.Missing {
		t.Errorf("GradingError should report a missing file")
	}
	if result == nil || result.ExitCode != 2 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestGradeInvalidReport(t *testing.T) {
	ws := newTestWorkspace(t)
	_, err := runScript(t, ws, `echo '{"scoreOverall": ' > "$KEEP/report.json"`)
	if !IsGradingError(err) {
		t.Fatalf("err == %v, want a GradingError", err)
	}
	if gradingErr := err.(*GradingError); gradingErr.Missing {
		t.Errorf("GradingError should not report a missing file")
	}
}

func TestGradeValidationHook(t *testing.T) {
	ws := newTestWorkspace(t)
	ws.Validate = func(report *common.GradeReport) error {
		if report.ScoreOverall > 100 {
			return errTestScoreOutOfRange
		}
		return nil
	}
	_, err := runScript(t, ws, `echo '{"scoreOverall": 120}' > "$KEEP/report.json"`)
	if !IsGradingError(err) {
		t.Fatalf("err == %v, want a GradingError", err)
	}
}

func TestArchiveGradingArtifacts(t *testing.T) {
	ws := newTestWorkspace(t)
	files := map[string]string{
		"report.json": `{"scoreOverall": 1}`,
		"stdio.txt":   strings.Repeat("output\n", 100),
	}
	for name, contents := range files {
		if err := os.WriteFile(path.Join(ws.KeepDir, name), []byte(contents), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	if err := os.MkdirAll(path.Join(ws.KeepDir, "coverage"), 0755); err != nil {
		t.Fatalf("Failed to create subdirectory: %v", err)
	}

	dest := path.Join(t.TempDir(), "archives")
	archives, err := ws.ArchiveGradingArtifacts(dest)
	if err != nil {
		t.Fatalf("ArchiveGradingArtifacts failed: %v", err)
	}
	if len(archives) != len(files) {
		t.Fatalf("archives == %v, want %d entries", archives, len(files))
	}
	for _, archive := range archives {
		name := strings.TrimSuffix(path.Base(archive), ".gz")
		f, err := os.Open(archive)
		if err != nil {
			t.Fatalf("Failed to open %s: %v", archive, err)
		}
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			t.Fatalf("Failed to read %s: %v", archive, err)
		}
		contents, err := io.ReadAll(zr)
		f.Close()
		if err != nil {
			t.Fatalf("Failed to decompress %s: %v", archive, err)
		}
		if string(contents) != files[name] {
			t.Errorf("%s == %q, want %q", name, string(contents), files[name])
		}
	}

	notADir := path.Join(t.TempDir(), "file")
	if err := os.WriteFile(notADir, []byte{}, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := ws.ArchiveGradingArtifacts(path.Join(notADir, "archives")); !IsIOError(err) {
		t.Errorf("err == %v, want an IOError", err)
	}
}

func TestClearWorkspace(t *testing.T) {
	ws := newTestWorkspace(t)
	if err := os.WriteFile(path.Join(ws.KeepDir, "report.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to write report: %v", err)
	}
	if err := ws.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := os.Stat(ws.Root); !os.IsNotExist(err) {
		t.Errorf("workspace root should be gone: %v", err)
	}
}
