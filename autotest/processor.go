package autotest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/omegaup/autotest/common"
)

// FormatFeedback renders a CommitRecord as the markdown comment posted back
// to the student.
func FormatFeedback(record *common.CommitRecord) string {
	var sb strings.Builder
	sha := record.CommitSHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	fmt.Fprintf(&sb, "### AutoTest results for %s (%s)\n\n", record.Input.DeliverableID, sha)
	if record.Output.Report != nil && record.Output.State == common.ExecutionStateSuccess {
		fmt.Fprintf(&sb, "**Score:** %g\n\n", record.Output.Report.ScoreOverall)
	} else {
		fmt.Fprintf(&sb, "**Status:** %s\n\n", record.Output.State)
	}
	if record.Output.FeedbackText != "" {
		sb.WriteString(record.Output.FeedbackText)
		sb.WriteString("\n")
	}
	var links []string
	for _, attachment := range record.Output.Attachments {
		if strings.HasPrefix(attachment.URL, "data:") {
			continue
		}
		links = append(links, fmt.Sprintf("* [%s](%s)", attachment.Name, attachment.URL))
	}
	if len(links) > 0 {
		sb.WriteString("\n")
		sb.WriteString(strings.Join(links, "\n"))
		sb.WriteString("\n")
	}
	return sb.String()
}

// A FeedbackProcessor is the default ExecutionProcessor. It posts the results
// of runs that request it and serves the feedback request that was pending
// on the commit, if any.
type FeedbackProcessor struct {
	store    DataStore
	notifier Notifier
	throttle *FeedbackThrottle
	log      log15.Logger
	now      func() time.Time
}

var _ ExecutionProcessor = &FeedbackProcessor{}

// NewFeedbackProcessor returns a new FeedbackProcessor.
func NewFeedbackProcessor(
	store DataStore,
	notifier Notifier,
	throttle *FeedbackThrottle,
	log log15.Logger,
) *FeedbackProcessor {
	return &FeedbackProcessor{
		store:    store,
		notifier: notifier,
		throttle: throttle,
		log:      log,
		now:      time.Now,
	}
}

// ProcessExecution delivers the feedback of the record.
func (p *FeedbackProcessor) ProcessExecution(ctx context.Context, record *common.CommitRecord) error {
	input := record.Input
	if record.Output.PostbackOnComplete {
		if err := p.notifier.PostFeedback(ctx, record.CommitURL, FormatFeedback(record)); err != nil {
			return fmt.Errorf("postback %s: %w", record.CommitURL, err)
		}
		return nil
	}

	comment, err := p.store.GetLatestComment(ctx, record.CommitURL, input.DeliverableID)
	if err != nil {
		return fmt.Errorf("get latest comment: %w", err)
	}
	if comment == nil || !comment.BotMentioned {
		return nil
	}

	now := p.now()
	decision, err := p.throttle.Check(ctx, input.CourseID, input.DeliverableID, comment.UserName, record.CommitURL, now)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		p.log.Info(
			"feedback request still throttled",
			"user", comment.UserName,
			"deliv", input.DeliverableID,
			"wait", decision.Wait,
		)
		return nil
	}
	if err := p.notifier.PostFeedback(ctx, record.CommitURL, FormatFeedback(record)); err != nil {
		return fmt.Errorf("post feedback %s: %w", record.CommitURL, err)
	}
	if !decision.Charged() {
		return nil
	}
	if err := p.throttle.Record(ctx, input.CourseID, input.DeliverableID, comment.UserName, record.CommitURL, now); err != nil {
		return fmt.Errorf("save feedback request: %w", err)
	}
	return nil
}
