package grader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	"github.com/vincent-petithory/dataurl"

	"github.com/omegaup/autotest/common"
	"github.com/omegaup/autotest/container"
)

const (
	// transcriptExcerptLines is the number of trailing transcript lines that
	// are inlined into the CommitRecord.
	transcriptExcerptLines = 40
)

// A DeliverableConfigSource knows how each deliverable is graded.
type DeliverableConfigSource interface {
	GetDeliverableConfig(ctx context.Context, courseID, deliverableID string) (*common.DeliverableConfig, error)
}

// An Executor turns a JobInput into a CommitRecord by grading it in a
// container.
type Executor struct {
	runtime   *container.Runtime
	configs   DeliverableConfigSource
	artifacts ArtifactStore
	log       log15.Logger

	runtimePath        string
	preserveWorkspaces bool
	containerConfig    common.ContainerConfig
}

// NewExecutor returns a new Executor.
func NewExecutor(
	ctx *common.Context,
	runtime *container.Runtime,
	configs DeliverableConfigSource,
	artifacts ArtifactStore,
) *Executor {
	return &Executor{
		runtime:            runtime,
		configs:            configs,
		artifacts:          artifacts,
		log:                ctx.Log,
		runtimePath:        ctx.Config.AutoTest.RuntimePath,
		preserveWorkspaces: ctx.Config.AutoTest.PreserveWorkspaces,
		containerConfig:    ctx.Config.Container,
	}
}

// Execute grades job. Failures of the grading run itself are reported through
// the state of the returned record. An error is only returned if the
// workspace could not be initialized, in which case it is an IOError.
func (e *Executor) Execute(ctx context.Context, job *common.JobInput) (*common.CommitRecord, error) {
	runID := uuid.NewString()
	log := e.log.New("job", job.String(), "run", runID)
	record := &common.CommitRecord{
		CommitSHA: job.PushInfo.CommitSHA,
		CommitURL: job.PushInfo.CommitURL,
		Input:     job,
		Output: &common.CommitOutput{
			State:    common.ExecutionStateFail,
			ExitCode: -1,
		},
	}

	ws := NewWorkspace(path.Join(e.runtimePath, "workspaces", runID))
	if err := ws.Init(); err != nil {
		return nil, err
	}
	defer func() {
		if e.preserveWorkspaces {
			log.Info("preserving workspace", "path", ws.Root)
			return
		}
		if err := ws.Clear(); err != nil {
			log.Error("failed to clear workspace", "err", err)
		}
	}()

	deliverable, err := e.configs.GetDeliverableConfig(ctx, job.CourseID, job.DeliverableID)
	if err != nil {
		log.Error("failed to get deliverable config", "err", err)
		return finishRecord(record, fmt.Sprintf("Unable to load the configuration for deliverable %s.", job.DeliverableID)), nil
	}

	pushPath := path.Join(ws.AssignmentDir, "push.json")
	pushContents, err := json.MarshalIndent(job, "", "  ")
	if err == nil {
		err = writeAtomically(pushPath, pushContents)
	}
	if err != nil {
		return nil, &IOError{Op: "write", Path: pushPath, Err: err}
	}

	c, err := e.runtime.Create(ctx, e.containerOptions(job, deliverable, ws))
	if err != nil {
		log.Error("failed to create container", "image", deliverable.Image, "err", err)
		return finishRecord(record, fmt.Sprintf("Unable to start the grading container: %v", err)), nil
	}
	defer func() {
		if err := c.Remove(context.Background()); err != nil {
			log.Error("failed to remove container", "container", c.Name(), "err", err)
		}
	}()

	timeLimit := deliverable.TimeLimit
	if timeLimit <= 0 {
		timeLimit = time.Duration(e.containerConfig.DefaultTimeLimit)
	}
	log.Info("grading", "image", deliverable.Image, "container", c.Name(), "timeLimit", timeLimit)
	result, err := ws.Grade(ctx, c, timeLimit)
	if result == nil {
		log.Error("failed to run container", "err", err)
		return finishRecord(record, fmt.Sprintf("The grading container could not be run: %v", err)), nil
	}

	output := record.Output
	output.ExitCode = result.ExitCode
	output.Report = result.Report
	output.State, output.FeedbackText = classify(result, err)
	if result.Report != nil {
		output.PostbackOnComplete = result.Report.PostbackOnComplete
	}
	log.Info(
		"graded",
		"state", output.State,
		"exitCode", result.ExitCode,
		"duration", result.Duration,
		"err", err,
	)

	if excerpt := excerptTranscript(result.Transcript); excerpt != "" {
		output.Attachments = append(output.Attachments, common.Attachment{
			Name:        TranscriptFilename,
			URL:         dataurl.New([]byte(excerpt), "text/plain", "charset", "utf-8").String(),
			ContentType: "text/plain",
		})
	}
	output.Attachments = append(output.Attachments, e.uploadArtifacts(ctx, log, job, runID, ws)...)

	output.Timestamp = time.Now()
	return record, nil
}

func (e *Executor) containerOptions(
	job *common.JobInput,
	deliverable *common.DeliverableConfig,
	ws *Workspace,
) *container.Options {
	assnDir, solutionDir, keepDir := ws.AssignmentDir, ws.SolutionDir, ws.KeepDir
	if e.runtime.Driver().Isolated() {
		assnDir = e.containerConfig.AssignmentPath
		solutionDir = e.containerConfig.SolutionPath
		keepDir = e.containerConfig.KeepPath
	}

	env := make(map[string]string)
	for k, v := range deliverable.Env {
		env[k] = v
	}
	env["AUTOTEST_COURSE_ID"] = job.CourseID
	env["AUTOTEST_DELIV_ID"] = job.DeliverableID
	env["AUTOTEST_BRANCH"] = job.PushInfo.Branch
	env["AUTOTEST_COMMIT_SHA"] = job.PushInfo.CommitSHA
	env["AUTOTEST_COMMIT_URL"] = job.PushInfo.CommitURL
	env["AUTOTEST_PROJECT_URL"] = job.PushInfo.ProjectURL
	env["AUTOTEST_ASSN_DIR"] = assnDir
	env["AUTOTEST_SOLUTION_DIR"] = solutionDir
	env["AUTOTEST_KEEP_DIR"] = keepDir

	return &container.Options{
		Image:   deliverable.Image,
		Command: deliverable.Command,
		Env:     env,
		EnvFile: deliverable.EnvFile,
		Volumes: []container.Volume{
			{Source: ws.AssignmentDir, Target: assnDir},
			{Source: ws.SolutionDir, Target: solutionDir, ReadOnly: true},
			{Source: ws.KeepDir, Target: keepDir},
		},
	}
}

func (e *Executor) uploadArtifacts(
	ctx context.Context,
	log log15.Logger,
	job *common.JobInput,
	runID string,
	ws *Workspace,
) []common.Attachment {
	if e.artifacts == nil {
		return nil
	}
	archives, err := ws.ArchiveGradingArtifacts(path.Join(ws.Root, "archives"))
	if err != nil {
		log.Error("failed to archive grading artifacts", "err", err)
	}
	var attachments []common.Attachment
	for _, archive := range archives {
		name := path.Base(archive)
		key := path.Join(job.CourseID, job.DeliverableID, job.PushInfo.CommitSHA, runID, name)
		url, err := e.artifacts.Put(ctx, key, archive)
		if err != nil {
			log.Error("failed to store artifact", "name", name, "err", err)
			continue
		}
		attachments = append(attachments, common.Attachment{
			Name:        name,
			URL:         url,
			ContentType: artifactContentType(name),
		})
	}
	return attachments
}

func finishRecord(record *common.CommitRecord, feedback string) *common.CommitRecord {
	record.Output.FeedbackText = feedback
	record.Output.Timestamp = time.Now()
	return record
}

// classify maps the outcome of a Grade call to the state of the record and
// the feedback shown to the student.
func classify(result *GradeResult, err error) (common.ExecutionState, string) {
	var gradingErr *GradingError
	switch {
	case result.TimedOut:
		feedback := "The grading run exceeded its time limit and was terminated."
		if result.Report != nil && result.Report.Feedback != "" {
			feedback = result.Report.Feedback + "\n\n" + feedback
		}
		return common.ExecutionStateTimeout, feedback
	case errors.As(err, &gradingErr) && gradingErr.Missing:
		return common.ExecutionStateNoReport, fmt.Sprintf(
			"The grading run finished (exit code %d) without producing a report.",
			result.ExitCode,
		)
	case errors.As(err, &gradingErr):
		return common.ExecutionStateInvalidReport, "The grading run produced a report that could not be read."
	case err != nil:
		return common.ExecutionStateFail, "The grading run could not be completed."
	case result.ExitCode != 0:
		feedback := fmt.Sprintf("The grading run exited with code %d.", result.ExitCode)
		if result.Report.Feedback != "" {
			feedback = result.Report.Feedback + "\n\n" + feedback
		}
		return common.ExecutionStateFail, feedback
	}
	return common.ExecutionStateSuccess, result.Report.Feedback
}

func excerptTranscript(transcript string) string {
	if transcript == "" {
		return ""
	}
	lines := strings.SplitAfter(transcript, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > transcriptExcerptLines {
		lines = lines[len(lines)-transcriptExcerptLines:]
	}
	return strings.Join(lines, "")
}
