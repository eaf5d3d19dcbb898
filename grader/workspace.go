package grader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/omegaup/autotest/common"
	"github.com/omegaup/autotest/container"
)

const (
	// TranscriptFilename is the name of the file in the keep directory that
	// holds the container output.
	TranscriptFilename = "stdio.txt"

	// ReportFilename is the name of the file in the keep directory the grading
	// container must write its report to.
	ReportFilename = "report.json"
)

// A Workspace is the directory tree a single grading run operates on.
type Workspace struct {
	Root          string
	AssignmentDir string
	SolutionDir   string
	KeepDir       string

	// Validate, if set, is called on every parsed report. A non-nil error turns
	// the report into a GradingError.
	Validate func(report *common.GradeReport) error
}

// NewWorkspace returns a Workspace rooted at root. Nothing is created until
// Init is called.
func NewWorkspace(root string) *Workspace {
	return &Workspace{
		Root:          root,
		AssignmentDir: path.Join(root, "assn"),
		SolutionDir:   path.Join(root, "solution"),
		KeepDir:       path.Join(root, "keep"),
	}
}

// Init creates the assignment, solution and keep directories. It can be
// called more than once.
func (w *Workspace) Init() error {
	for _, dir := range []string{w.AssignmentDir, w.SolutionDir, w.KeepDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &IOError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return nil
}

// GradeResult is the outcome of a single Grade call.
type GradeResult struct {
	ExitCode   int
	TimedOut   bool
	Duration   time.Duration
	Transcript string
	Report     *common.GradeReport
}

// Grade runs c with the provided time limit, saves its output as the
// transcript and reads the report it left in the keep directory. The
// GradeResult is returned whenever the container ran, even if the report was
// missing or invalid, in which case the error is a GradingError.
func (w *Workspace) Grade(ctx context.Context, c *container.Container, timeLimit time.Duration) (*GradeResult, error) {
	start := time.Now()
	exitCode, err := c.Start(ctx, timeLimit)
	if err != nil {
		return nil, err
	}
	result := &GradeResult{
		ExitCode: exitCode,
		Duration: time.Since(start),
	}
	if status, err := c.Inspect(); err == nil {
		result.TimedOut = status.TimedOut
	}

	transcript, err := c.Logs(0)
	if err != nil {
		return result, err
	}
	result.Transcript = transcript
	transcriptPath := path.Join(w.KeepDir, TranscriptFilename)
	if err := writeAtomically(transcriptPath, []byte(transcript)); err != nil {
		return result, &IOError{Op: "write", Path: transcriptPath, Err: err}
	}

	report, err := w.readReport()
	if err != nil {
		return result, err
	}
	result.Report = report
	return result, nil
}

func (w *Workspace) readReport() (*common.GradeReport, error) {
	reportPath := path.Join(w.KeepDir, ReportFilename)
	f, err := os.Open(reportPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &GradingError{Missing: true, Path: reportPath, Err: err}
		}
		return nil, &GradingError{Path: reportPath, Err: err}
	}
	defer f.Close()

	var report common.GradeReport
	if err := json.NewDecoder(f).Decode(&report); err != nil {
		return nil, &GradingError{Path: reportPath, Err: err}
	}
	if w.Validate != nil {
		if err := w.Validate(&report); err != nil {
			return nil, &GradingError{Path: reportPath, Err: err}
		}
	}
	return &report, nil
}

// ArchiveGradingArtifacts compresses every top-level regular file of the keep
// directory into its own gzip archive under dest and returns the paths of the
// archives.
func (w *Workspace) ArchiveGradingArtifacts(dest string) ([]string, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: dest, Err: err}
	}
	entries, err := os.ReadDir(w.KeepDir)
	if err != nil {
		return nil, &IOError{Op: "readdir", Path: w.KeepDir, Err: err}
	}

	var archives []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		src := path.Join(w.KeepDir, entry.Name())
		archivePath := path.Join(dest, entry.Name()+".gz")
		if err := gzipFile(src, archivePath); err != nil {
			return archives, &IOError{Op: "archive", Path: archivePath, Err: err}
		}
		archives = append(archives, archivePath)
	}
	return archives, nil
}

// Clear removes the whole workspace.
func (w *Workspace) Clear() error {
	if err := os.RemoveAll(w.Root); err != nil {
		return &IOError{Op: "remove", Path: w.Root, Err: err}
	}
	return nil
}

func gzipFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer in.Close()

	out, err := newAtomicFile(dest)
	if err != nil {
		return fmt.Errorf("new: %w", err)
	}
	defer out.cleanup()

	zw, err := gzip.NewWriterLevel(out.f, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	zw.Name = path.Base(src)
	if _, err := io.Copy(zw, in); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	return out.commit()
}

func writeAtomically(filename string, contents []byte) error {
	f, err := newAtomicFile(filename)
	if err != nil {
		return fmt.Errorf("new: %w", err)
	}
	defer f.cleanup()
	if _, err := f.f.Write(contents); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return f.commit()
}
