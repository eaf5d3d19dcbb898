package common

import (
	"errors"
	"fmt"
	"time"
)

// PushInfo describes the commit that a push event refers to.
type PushInfo struct {
	Branch      string    `json:"branch"`
	RepoID      string    `json:"repoId"`
	CommitSHA   string    `json:"commitSHA"`
	CommitURL   string    `json:"commitURL"`
	ProjectURL  string    `json:"projectURL"`
	PostbackURL string    `json:"postbackURL"`
	OrgID       string    `json:"orgId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// JobKey identifies a job within the scheduler. A commit may be graded for
// several deliverables, so the commit URL alone is not enough.
type JobKey struct {
	CommitURL     string
	DeliverableID string
}

func (k JobKey) String() string {
	return fmt.Sprintf("%s#%s", k.CommitURL, k.DeliverableID)
}

// JobInput is a request to grade a single commit for a single deliverable. It
// is immutable once created.
type JobInput struct {
	CourseID      string   `json:"courseId"`
	DeliverableID string   `json:"delivId"`
	PushInfo      PushInfo `json:"pushInfo"`
}

// Key returns the identity of the job.
func (j *JobInput) Key() JobKey {
	return JobKey{
		CommitURL:     j.PushInfo.CommitURL,
		DeliverableID: j.DeliverableID,
	}
}

func (j *JobInput) String() string {
	sha := j.PushInfo.CommitSHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return fmt.Sprintf(
		"{course=%s deliv=%s sha=%s}",
		j.CourseID, j.DeliverableID, sha,
	)
}

// Validate checks that the JobInput can be scheduled.
func (j *JobInput) Validate() error {
	if j.DeliverableID == "" {
		return errors.New("missing delivId")
	}
	if j.PushInfo.CommitURL == "" {
		return errors.New("missing pushInfo.commitURL")
	}
	if j.PushInfo.CommitSHA == "" {
		return errors.New("missing pushInfo.commitSHA")
	}
	return nil
}

// CommentEvent is a comment left on a commit. It never becomes a job on its
// own, it only acts upon an existing or hypothetical one.
type CommentEvent struct {
	CourseID      string    `json:"courseId"`
	CommitURL     string    `json:"commitURL"`
	DeliverableID string    `json:"delivId,omitempty"`
	UserName      string    `json:"userName"`
	BotMentioned  bool      `json:"botMentioned"`
	Timestamp     time.Time `json:"timestamp"`
}

// Key returns the identity of the job the comment refers to.
func (c *CommentEvent) Key() JobKey {
	return JobKey{
		CommitURL:     c.CommitURL,
		DeliverableID: c.DeliverableID,
	}
}

// ExecutionState is the outcome of a grading run.
type ExecutionState string

const (
	// ExecutionStateSuccess means the container exited normally and produced a
	// report.
	ExecutionStateSuccess ExecutionState = "SUCCESS"
	// ExecutionStateFail means the run could not be completed.
	ExecutionStateFail ExecutionState = "FAIL"
	// ExecutionStateTimeout means the container was terminated after exceeding
	// its time limit.
	ExecutionStateTimeout ExecutionState = "TIMEOUT"
	// ExecutionStateNoReport means the container did not write a report.
	ExecutionStateNoReport ExecutionState = "NO_REPORT"
	// ExecutionStateInvalidReport means the report could not be parsed.
	ExecutionStateInvalidReport ExecutionState = "INVALID_REPORT"
)

// Attachment is a file produced by a grading run.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
}

// GradeReport is the report a grading container writes into its keep
// directory.
type GradeReport struct {
	ScoreOverall       float64                `json:"scoreOverall"`
	ScoreTest          *float64               `json:"scoreTest,omitempty"`
	ScoreCover         *float64               `json:"scoreCover,omitempty"`
	PassNames          []string               `json:"passNames,omitempty"`
	FailNames          []string               `json:"failNames,omitempty"`
	ErrorNames         []string               `json:"errorNames,omitempty"`
	SkipNames          []string               `json:"skipNames,omitempty"`
	Feedback           string                 `json:"feedback"`
	Result             string                 `json:"result,omitempty"`
	PostbackOnComplete bool                   `json:"postbackOnComplete,omitempty"`
	Custom             map[string]interface{} `json:"custom,omitempty"`
}

// CommitOutput is the result of grading a JobInput.
type CommitOutput struct {
	Timestamp          time.Time      `json:"timestamp"`
	Report             *GradeReport   `json:"report"`
	FeedbackText       string         `json:"feedback"`
	PostbackOnComplete bool           `json:"postbackOnComplete"`
	State              ExecutionState `json:"state"`
	ExitCode           int            `json:"exitCode"`
	Attachments        []Attachment   `json:"attachments"`
}

// CommitRecord is a completed execution. It is never mutated after being
// persisted.
type CommitRecord struct {
	CommitSHA string        `json:"commitSHA"`
	CommitURL string        `json:"commitURL"`
	Input     *JobInput     `json:"input"`
	Output    *CommitOutput `json:"output"`
}

// Validate checks that all required fields are present.
func (r *CommitRecord) Validate() error {
	if r == nil {
		return errors.New("nil record")
	}
	if r.CommitSHA == "" {
		return errors.New("missing commitSHA")
	}
	if r.CommitURL == "" {
		return errors.New("missing commitURL")
	}
	if r.Input == nil {
		return errors.New("missing input")
	}
	if r.Output == nil {
		return errors.New("missing output")
	}
	return nil
}

// FeedbackRequestRecord is written every time feedback is delivered to a
// non-staff user.
type FeedbackRequestRecord struct {
	CourseID      string    `json:"courseId"`
	DeliverableID string    `json:"delivId"`
	UserName      string    `json:"userName"`
	CommitURL     string    `json:"commitURL"`
	Timestamp     time.Time `json:"timestamp"`
}

// DeliverableConfig describes how a deliverable is graded.
type DeliverableConfig struct {
	ID        string            `json:"id" yaml:"id"`
	Image     string            `json:"image" yaml:"image"`
	Command   []string          `json:"command,omitempty" yaml:"command,omitempty"`
	TimeLimit time.Duration     `json:"timeLimit" yaml:"timeLimit"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	EnvFile   string            `json:"envFile,omitempty" yaml:"envFile,omitempty"`
	Custom    map[string]string `json:"custom,omitempty" yaml:"custom,omitempty"`
}
