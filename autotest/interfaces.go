package autotest

import (
	"context"

	"github.com/omegaup/autotest/common"
)

// A DataStore persists the events and results of a course. Getters return a
// nil value and a nil error when nothing was found.
type DataStore interface {
	SavePush(ctx context.Context, job *common.JobInput) error
	SaveComment(ctx context.Context, comment *common.CommentEvent) error
	SaveOutputRecord(ctx context.Context, record *common.CommitRecord) error
	SaveFeedbackRequestRecord(ctx context.Context, record *common.FeedbackRequestRecord) error

	// GetPushRecord returns the most recent push for the commit.
	GetPushRecord(ctx context.Context, commitURL string) (*common.JobInput, error)

	// GetOutputRecord returns the most recent result of grading the commit for
	// the deliverable.
	GetOutputRecord(ctx context.Context, commitURL, deliverableID string) (*common.CommitRecord, error)

	// GetLatestComment returns the most recent comment on the commit that
	// refers to the deliverable.
	GetLatestComment(ctx context.Context, commitURL, deliverableID string) (*common.CommentEvent, error)

	GetLatestFeedbackRequestRecord(
		ctx context.Context,
		courseID, deliverableID, userName string,
	) (*common.FeedbackRequestRecord, error)
	GetFeedbackRequestRecordForCommit(
		ctx context.Context,
		courseID, deliverableID, userName, commitURL string,
	) (*common.FeedbackRequestRecord, error)
}

// A ClassPortal provides the roster and the course configuration.
type ClassPortal interface {
	IsStaff(ctx context.Context, courseID, userName string) (bool, error)
	GetFeedbackDelaySeconds(ctx context.Context, courseID string) (int, error)
	GetDefaultDeliverableID(ctx context.Context, courseID, commitURL string) (string, error)
	GetDeliverableConfig(ctx context.Context, courseID, deliverableID string) (*common.DeliverableConfig, error)
}

// A Notifier delivers feedback back to the code hosting service.
type Notifier interface {
	PostFeedback(ctx context.Context, commitURL string, markdown string) error
}

// An Executor grades a single job. Failures of the grading run must be
// reported through the returned record; an error means that no run was even
// attempted.
type Executor interface {
	Execute(ctx context.Context, job *common.JobInput) (*common.CommitRecord, error)
}

// An ExecutionProcessor is invoked once the record of every completed
// execution has been persisted.
type ExecutionProcessor interface {
	ProcessExecution(ctx context.Context, record *common.CommitRecord) error
}

// ExecutionProcessorFunc adapts a function into an ExecutionProcessor.
type ExecutionProcessorFunc func(ctx context.Context, record *common.CommitRecord) error

// ProcessExecution calls f(ctx, record).
func (f ExecutionProcessorFunc) ProcessExecution(ctx context.Context, record *common.CommitRecord) error {
	return f(ctx, record)
}
