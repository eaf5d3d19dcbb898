package autotest

import (
	"context"
	"fmt"
	"time"

	"github.com/omegaup/autotest/common"
)

// A FeedbackDecision is the answer of the FeedbackThrottle.
type FeedbackDecision struct {
	Allowed bool
	// Staff is set when the user is privileged and never throttled.
	Staff bool
	// Free is set when the feedback for this commit was already delivered to
	// the user, so serving it again does not count against the quota.
	Free bool
	// Wait is the remaining time before the user may request feedback again.
	// Only meaningful when Allowed is false.
	Wait time.Duration
}

// Charged returns whether delivering the feedback must be recorded.
func (d *FeedbackDecision) Charged() bool {
	return d.Allowed && !d.Staff && !d.Free
}

// WaitSeconds returns the user-visible remaining wait, rounded up.
func (d *FeedbackDecision) WaitSeconds() int {
	seconds := int((d.Wait + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// Message returns the text shown to a user whose request was refused.
func (d *FeedbackDecision) Message(userName, deliverableID string) string {
	return fmt.Sprintf(
		"@%s, you must wait %d more seconds before requesting feedback for %s again.",
		userName,
		d.WaitSeconds(),
		deliverableID,
	)
}

// A FeedbackThrottle decides whether a user may receive feedback right now.
type FeedbackThrottle struct {
	store  DataStore
	portal ClassPortal
}

// NewFeedbackThrottle returns a new FeedbackThrottle.
func NewFeedbackThrottle(store DataStore, portal ClassPortal) *FeedbackThrottle {
	return &FeedbackThrottle{
		store:  store,
		portal: portal,
	}
}

// Check returns whether userName may receive feedback for the deliverable on
// commitURL at time now.
func (t *FeedbackThrottle) Check(
	ctx context.Context,
	courseID, deliverableID, userName, commitURL string,
	now time.Time,
) (*FeedbackDecision, error) {
	staff, err := t.portal.IsStaff(ctx, courseID, userName)
	if err != nil {
		return nil, fmt.Errorf("is staff %s: %w", userName, err)
	}
	if staff {
		return &FeedbackDecision{Allowed: true, Staff: true}, nil
	}

	previous, err := t.store.GetFeedbackRequestRecordForCommit(ctx, courseID, deliverableID, userName, commitURL)
	if err != nil {
		return nil, fmt.Errorf("get feedback record for commit: %w", err)
	}
	if previous != nil {
		return &FeedbackDecision{Allowed: true, Free: true}, nil
	}

	latest, err := t.store.GetLatestFeedbackRequestRecord(ctx, courseID, deliverableID, userName)
	if err != nil {
		return nil, fmt.Errorf("get latest feedback record: %w", err)
	}
	if latest == nil {
		return &FeedbackDecision{Allowed: true}, nil
	}

	delaySeconds, err := t.portal.GetFeedbackDelaySeconds(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("get feedback delay: %w", err)
	}
	delay := time.Duration(delaySeconds) * time.Second
	elapsed := now.Sub(latest.Timestamp)
	if elapsed > delay {
		return &FeedbackDecision{Allowed: true}, nil
	}
	return &FeedbackDecision{Wait: delay - elapsed}, nil
}

// Record writes the FeedbackRequestRecord that charges a delivery to the
// user.
func (t *FeedbackThrottle) Record(
	ctx context.Context,
	courseID, deliverableID, userName, commitURL string,
	now time.Time,
) error {
	return t.store.SaveFeedbackRequestRecord(ctx, &common.FeedbackRequestRecord{
		CourseID:      courseID,
		DeliverableID: deliverableID,
		UserName:      userName,
		CommitURL:     commitURL,
		Timestamp:     now,
	})
}
