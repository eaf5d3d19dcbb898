package autotest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/omegaup/autotest/common"
)

func TestStandardJobCompletes(t *testing.T) {
	executor := newGatedExecutor()
	h := newTestAutoTest(executor, nil)
	var events []EventType
	var eventsMu sync.Mutex
	h.autotest.AddListener(func(event *Event) {
		eventsMu.Lock()
		events = append(events, event.Type)
		eventsMu.Unlock()
	})

	job := newJob("C1", "d1")
	if err := h.autotest.AddStandardJob(job); err != nil {
		t.Fatalf("AddStandardJob failed: %v", err)
	}
	h.autotest.Tick()
	if started := executor.waitStarted(t); started != job {
		t.Fatalf("started %v, want %v", started, job)
	}
	if !h.autotest.IsCommitExecuting(job.PushInfo.CommitURL, "d1") {
		t.Errorf("job should be executing")
	}
	if status := h.autotest.Status(); status.Lanes[LaneStandard].Executing != job {
		t.Errorf("standard slot == %v, want %v", status.Lanes[LaneStandard].Executing, job)
	}

	executor.release()
	h.autotest.Wait()

	record, err := h.store.GetOutputRecord(context.Background(), job.PushInfo.CommitURL, "d1")
	if err != nil || record == nil {
		t.Fatalf("GetOutputRecord == %v, %v", record, err)
	}
	if record.Output.Report.ScoreOverall != 80 {
		t.Errorf("ScoreOverall == %v, want %v", record.Output.Report.ScoreOverall, 80)
	}
	if h.autotest.IsCommitExecuting(job.PushInfo.CommitURL, "d1") {
		t.Errorf("standard slot should have been cleared")
	}
	if h.autotest.Status().Lanes[LaneStandard].Executing != nil {
		t.Errorf("standard slot should have been cleared")
	}

	eventsMu.Lock()
	defer eventsMu.Unlock()
	expected := []EventType{EventEnqueued, EventStarted, EventCompleted}
	if fmt.Sprint(events) != fmt.Sprint(expected) {
		t.Errorf("events == %v, want %v", events, expected)
	}
}

func TestSingleSlotPerLane(t *testing.T) {
	executor := newGatedExecutor()
	h := newTestAutoTest(executor, nil)
	var jobs []*common.JobInput
	for i := 0; i < 4; i++ {
		job := newJob(fmt.Sprintf("c%d", i), "d1")
		jobs = append(jobs, job)
		if err := h.autotest.AddStandardJob(job); err != nil {
			t.Fatalf("AddStandardJob failed: %v", err)
		}
	}

	for i, job := range jobs {
		h.autotest.Tick()
		h.autotest.Tick()
		if started := executor.waitStarted(t); started != job {
			t.Fatalf("job #%d: started %v, want %v", i, started, job)
		}
		executor.assertNoneStarted(t)
		executor.release()
	}
	h.autotest.Wait()

	if executor.maxSeen != 1 {
		t.Errorf("maxSeen == %d, want %d", executor.maxSeen, 1)
	}
	if count := h.store.recordCount(); count != len(jobs) {
		t.Errorf("recordCount() == %d, want %d", count, len(jobs))
	}
}

func TestLanesRunConcurrently(t *testing.T) {
	executor := newGatedExecutor()
	h := newTestAutoTest(executor, nil)
	h.autotest.AddStandardJob(newJob("s", "d1"))
	h.autotest.AddExpressJob(newJob("e", "d1"))
	h.autotest.AddRegressionJob(newJob("r", "d1"))
	h.autotest.AddStandardJob(newJob("s2", "d1"))
	h.autotest.Tick()

	for i := 0; i < 3; i++ {
		executor.waitStarted(t)
	}
	executor.assertNoneStarted(t)
	// The second standard job only starts once the first one is done.
	for i := 0; i < 4; i++ {
		executor.release()
	}
	h.autotest.Wait()
	if executor.maxSeen != 3 {
		t.Errorf("maxSeen == %d, want %d", executor.maxSeen, 3)
	}
}

func TestCompletionReleasesOnlyItsLane(t *testing.T) {
	executor := newJobGatedExecutor()
	h := newTestAutoTest(executor, nil)
	x := newJob("x", "d1")
	first := newJob("a", "d1")
	second := newJob("a", "d1")
	for _, job := range []*common.JobInput{x, first, second} {
		h.autotest.AddStandardJob(job)
	}
	if !h.autotest.PromoteIfNeeded(context.Background(), &common.CommentEvent{
		CommitURL:     first.PushInfo.CommitURL,
		DeliverableID: "d1",
		UserName:      "student",
	}) {
		t.Fatalf("the first copy should have been promoted")
	}

	h.autotest.Tick()
	executor.waitStartedAll(t, x, first)

	executor.release(x)
	executor.waitStarted(t, second)
	waitForSlot(t, h.autotest, LaneStandard, second)

	executor.release(first)
	waitForSlot(t, h.autotest, LaneExpress, nil)
	if executing := h.autotest.Status().Lanes[LaneStandard].Executing; executing != second {
		t.Fatalf("standard slot == %v, want %v", executing, second)
	}

	y := newJob("y", "d1")
	h.autotest.AddStandardJob(y)
	h.autotest.Tick()
	executor.assertNoneStarted(t)

	executor.release(second)
	executor.waitStarted(t, y)
	executor.release(y)
	h.autotest.Wait()
	if count := h.store.recordCount(); count != 4 {
		t.Errorf("recordCount() == %d, want %d", count, 4)
	}
}

func TestStopHaltsScheduling(t *testing.T) {
	executor := newGatedExecutor()
	h := newTestAutoTest(executor, nil)
	h.autotest.AddStandardJob(newJob("c1", "d1"))
	h.autotest.AddStandardJob(newJob("c2", "d1"))
	h.autotest.Tick()
	executor.waitStarted(t)

	h.autotest.Stop()
	executor.release()
	h.autotest.Wait()
	h.autotest.Tick()
	executor.assertNoneStarted(t)

	if count := h.store.recordCount(); count != 1 {
		t.Errorf("recordCount() == %d, want %d", count, 1)
	}
	status := h.autotest.Status()
	if status.Lanes[LaneStandard].Executing != nil {
		t.Errorf("standard slot == %v, want nil", status.Lanes[LaneStandard].Executing)
	}
	if queued := status.Lanes[LaneStandard].Queued; len(queued) != 1 {
		t.Errorf("queued == %v, want the second job to stay queued", queued)
	}
}

func TestPromoteIfNeeded(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name          string
		position      int
		expressLength int
		promoted      bool
	}{
		{"promotes when express is shorter", 5, 2, true},
		{"no-op when express is longer", 1, 3, false},
		{"no-op when express is as long", 2, 2, false},
		{"head of an idle lane", 0, 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestAutoTest(newGatedExecutor(), nil)
			for i := 0; i <= tc.position; i++ {
				h.autotest.AddStandardJob(newJob(fmt.Sprintf("s%d", i), "d1"))
			}
			for i := 0; i < tc.expressLength; i++ {
				h.autotest.AddExpressJob(newJob(fmt.Sprintf("e%d", i), "d1"))
			}
			target := newJob(fmt.Sprintf("s%d", tc.position), "d1")

			promoted := h.autotest.PromoteIfNeeded(ctx, &common.CommentEvent{
				CommitURL:     target.PushInfo.CommitURL,
				DeliverableID: "d1",
				UserName:      "student",
			})
			if promoted != tc.promoted {
				t.Fatalf("promoted == %v, want %v", promoted, tc.promoted)
			}

			status := h.autotest.Status()
			inStandard := h.autotest.queues[LaneStandard].Contains(target.Key())
			inExpress := h.autotest.queues[LaneExpress].Contains(target.Key())
			if inStandard == inExpress {
				t.Fatalf("job must be in exactly one queue: standard=%v express=%v", inStandard, inExpress)
			}
			if tc.promoted {
				queued := status.Lanes[LaneExpress].Queued
				if queued[len(queued)-1].Key() != target.Key() {
					t.Errorf("promoted job should be at the tail of the express queue")
				}
			}
		})
	}
}

func TestPromoteFromRegression(t *testing.T) {
	h := newTestAutoTest(newGatedExecutor(), nil)
	for i := 0; i < 3; i++ {
		h.autotest.AddRegressionJob(newJob(fmt.Sprintf("r%d", i), "d1"))
	}
	target := newJob("r2", "d1")
	promoted := h.autotest.PromoteIfNeeded(context.Background(), &common.CommentEvent{
		CommitURL: target.PushInfo.CommitURL,
		UserName:  "student",
	})
	if !promoted {
		t.Fatalf("job should have been promoted")
	}
	if h.autotest.queues[LaneRegression].Contains(target.Key()) {
		t.Errorf("job should no longer be in the regression queue")
	}
	if !h.autotest.queues[LaneExpress].Contains(target.Key()) {
		t.Errorf("job should be in the express queue")
	}
}

func TestPromoteExecutingJob(t *testing.T) {
	executor := newGatedExecutor()
	h := newTestAutoTest(executor, nil)
	job := newJob("c1", "d1")
	h.autotest.AddStandardJob(job)
	h.autotest.Tick()
	executor.waitStarted(t)

	if h.autotest.PromoteIfNeeded(context.Background(), &common.CommentEvent{
		CommitURL:     job.PushInfo.CommitURL,
		DeliverableID: "d1",
	}) {
		t.Errorf("executing jobs should not be promoted")
	}
	executor.release()
	h.autotest.Wait()
}

func TestNoDuplicateMembership(t *testing.T) {
	h := newTestAutoTest(newGatedExecutor(), nil)
	job := newJob("c1", "d1")
	h.autotest.AddStandardJob(job)

	if added, err := h.autotest.AddExpressJob(newJob("c1", "d1")); err != nil || added {
		t.Errorf("AddExpressJob == %v, %v; the job is already queued", added, err)
	}
	if added, err := h.autotest.AddRegressionJob(newJob("c1", "d1")); err != nil || added {
		t.Errorf("AddRegressionJob == %v, %v; the job is already queued", added, err)
	}
	if added, err := h.autotest.AddExpressJob(newJob("c1", "d2")); err != nil || !added {
		t.Errorf("AddExpressJob == %v, %v; other deliverables are different jobs", added, err)
	}
	if _, err := h.autotest.AddExpressJob(&common.JobInput{DeliverableID: "d1"}); err == nil {
		t.Errorf("invalid jobs should be refused")
	}
}

func TestIsOnQueueIgnoresRegression(t *testing.T) {
	h := newTestAutoTest(newGatedExecutor(), nil)
	standard := newJob("s", "d1")
	express := newJob("e", "d1")
	regression := newJob("r", "d1")
	h.autotest.AddStandardJob(standard)
	h.autotest.AddExpressJob(express)
	h.autotest.AddRegressionJob(regression)

	if !h.autotest.IsOnQueue(standard.PushInfo.CommitURL, "d1") {
		t.Errorf("standard job should be on queue")
	}
	if !h.autotest.IsOnQueue(express.PushInfo.CommitURL, "d1") {
		t.Errorf("express job should be on queue")
	}
	if h.autotest.IsOnQueue(regression.PushInfo.CommitURL, "d1") {
		t.Errorf("regression jobs are not part of the on-queue check")
	}
	if h.autotest.IsOnQueue(standard.PushInfo.CommitURL, "d2") {
		t.Errorf("other deliverables should not be on queue")
	}
}

func TestHandlePushEvent(t *testing.T) {
	executor := newGatedExecutor()
	h := newTestAutoTest(executor, nil)
	ctx := context.Background()
	job := newJob("c1", "d1")
	if err := h.autotest.HandlePushEvent(ctx, job); err != nil {
		t.Fatalf("HandlePushEvent failed: %v", err)
	}
	executor.waitStarted(t)

	if err := h.autotest.HandlePushEvent(ctx, newJob("c1", "d1")); err != nil {
		t.Fatalf("HandlePushEvent failed: %v", err)
	}
	if queued := h.autotest.Status().Lanes[LaneStandard].Queued; len(queued) != 0 {
		t.Errorf("duplicate push should not be queued: %v", queued)
	}
	if push, _ := h.store.GetPushRecord(ctx, job.PushInfo.CommitURL); push == nil {
		t.Errorf("push should have been saved")
	}
	if err := h.autotest.HandlePushEvent(ctx, &common.JobInput{}); err == nil {
		t.Errorf("invalid pushes should be refused")
	}
	executor.release()
	h.autotest.Wait()
}

func TestExecutorErrorProducesFailRecord(t *testing.T) {
	h := newTestAutoTest(immediateExecutor(func(job *common.JobInput) (*common.CommitRecord, error) {
		return nil, errTestExecutor
	}), nil)
	job := newJob("c1", "d1")
	h.autotest.AddStandardJob(job)
	h.autotest.Tick()
	h.autotest.Wait()

	record, _ := h.store.GetOutputRecord(context.Background(), job.PushInfo.CommitURL, "d1")
	if record == nil {
		t.Fatalf("a record should have been persisted")
	}
	if record.Output.State != common.ExecutionStateFail {
		t.Errorf("State == %v, want %v", record.Output.State, common.ExecutionStateFail)
	}
	if h.autotest.IsCommitExecuting(job.PushInfo.CommitURL, "d1") {
		t.Errorf("slot should have been released")
	}
}

func TestMalformedRecordReleasesSlot(t *testing.T) {
	var mu sync.Mutex
	var executed []string
	h := newTestAutoTest(immediateExecutor(func(job *common.JobInput) (*common.CommitRecord, error) {
		mu.Lock()
		executed = append(executed, job.PushInfo.CommitSHA)
		mu.Unlock()
		record := newRecord(job, 10)
		if strings.HasPrefix(job.PushInfo.CommitSHA, "bad") {
			record.CommitSHA = ""
		}
		return record, nil
	}), nil)
	var dropped int
	h.autotest.AddListener(func(event *Event) {
		if event.Type == EventDropped {
			dropped++
		}
	})

	h.autotest.AddStandardJob(newJob("bad", "d1"))
	h.autotest.AddStandardJob(newJob("good", "d1"))
	h.autotest.Tick()
	h.autotest.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(executed) != 2 {
		t.Fatalf("executed == %v, the lane should keep moving", executed)
	}
	if dropped != 1 {
		t.Errorf("dropped == %d, want %d", dropped, 1)
	}
	if count := h.store.recordCount(); count != 1 {
		t.Errorf("recordCount() == %d, want %d", count, 1)
	}
	if err := h.autotest.HandleExecutionComplete(nil); err == nil {
		t.Errorf("nil records should be refused")
	}
}

func TestProcessorFailuresAreContained(t *testing.T) {
	calls := 0
	h := newTestAutoTest(
		immediateExecutor(func(job *common.JobInput) (*common.CommitRecord, error) {
			return newRecord(job, 50), nil
		}),
		ExecutionProcessorFunc(func(ctx context.Context, record *common.CommitRecord) error {
			calls++
			if calls == 1 {
				panic("processor exploded")
			}
			return errTestExecutor
		}),
	)
	h.autotest.AddStandardJob(newJob("c1", "d1"))
	h.autotest.AddStandardJob(newJob("c2", "d1"))
	h.autotest.Tick()
	h.autotest.Wait()

	if calls != 2 {
		t.Errorf("calls == %d, want %d", calls, 2)
	}
	if count := h.store.recordCount(); count != 2 {
		t.Errorf("recordCount() == %d, want %d", count, 2)
	}
}

func TestPostbackOnComplete(t *testing.T) {
	h := newTestAutoTest(immediateExecutor(func(job *common.JobInput) (*common.CommitRecord, error) {
		record := newRecord(job, 100)
		record.Output.PostbackOnComplete = true
		return record, nil
	}), nil)
	h.autotest.AddStandardJob(newJob("c1", "d1"))
	h.autotest.Tick()
	h.autotest.Wait()

	messages := h.notifier.messages()
	if len(messages) != 1 || !strings.Contains(messages[0].markdown, "**Score:** 100") {
		t.Errorf("messages == %v, want the results", messages)
	}
	if count := h.store.feedbackRequestCount(); count != 0 {
		t.Errorf("postbacks should not be charged, found %d requests", count)
	}
}

func TestCommentOnQueuedJob(t *testing.T) {
	executor := newGatedExecutor()
	h := newTestAutoTest(executor, nil)
	ctx := context.Background()
	running := newJob("c0", "d1")
	job := newJob("c1", "d1")
	h.autotest.HandlePushEvent(ctx, running)
	executor.waitStarted(t)
	h.autotest.HandlePushEvent(ctx, job)

	err := h.autotest.HandleCommentEvent(ctx, &common.CommentEvent{
		CommitURL:    job.PushInfo.CommitURL,
		UserName:     "student",
		BotMentioned: true,
	})
	if err != nil {
		t.Fatalf("HandleCommentEvent failed: %v", err)
	}
	if len(h.notifier.messages()) != 0 {
		t.Errorf("nothing should be posted until the job completes")
	}
	// The job is already at the head of the standard queue.
	if queued := h.autotest.Status().Lanes[LaneStandard].Queued; len(queued) != 1 || queued[0] != job {
		t.Fatalf("standard queue == %v, want %v", queued, job)
	}

	executor.release()
	executor.waitStarted(t)
	executor.release()
	h.autotest.Wait()

	messages := h.notifier.messages()
	if len(messages) != 1 || messages[0].commitURL != job.PushInfo.CommitURL {
		t.Fatalf("messages == %v, want the results for %s", messages, job.PushInfo.CommitURL)
	}
	if count := h.store.feedbackRequestCount(); count != 1 {
		t.Errorf("feedbackRequestCount() == %d, want %d", count, 1)
	}
}

func TestCommentSchedulesExpressJob(t *testing.T) {
	executor := newGatedExecutor()
	h := newTestAutoTest(executor, nil)
	ctx := context.Background()
	job := newJob("c1", "d1")
	if err := h.store.SavePush(ctx, job); err != nil {
		t.Fatalf("SavePush failed: %v", err)
	}

	err := h.autotest.HandleCommentEvent(ctx, &common.CommentEvent{
		CommitURL:    job.PushInfo.CommitURL,
		UserName:     "student",
		BotMentioned: true,
	})
	if err != nil {
		t.Fatalf("HandleCommentEvent failed: %v", err)
	}
	started := executor.waitStarted(t)
	if started.Key() != job.Key() {
		t.Fatalf("started %v, want %v", started, job)
	}
	if status := h.autotest.Status(); status.Lanes[LaneExpress].Executing == nil {
		t.Errorf("job should run on the express lane")
	}
	executor.release()
	h.autotest.Wait()
	if len(h.notifier.messages()) != 1 {
		t.Errorf("the pending request should have been served")
	}
}

func TestCommentThrottled(t *testing.T) {
	h := newTestAutoTest(newGatedExecutor(), nil)
	ctx := context.Background()
	now := time.Now()
	if err := h.store.SaveFeedbackRequestRecord(ctx, &common.FeedbackRequestRecord{
		CourseID:      "cs310",
		DeliverableID: "d1",
		UserName:      "student",
		CommitURL:     newJob("old", "d1").PushInfo.CommitURL,
		Timestamp:     now.Add(-10 * time.Minute),
	}); err != nil {
		t.Fatalf("SaveFeedbackRequestRecord failed: %v", err)
	}
	job := newJob("c1", "d1")
	h.store.SaveOutputRecord(ctx, newRecord(job, 80))

	err := h.autotest.HandleCommentEvent(ctx, &common.CommentEvent{
		CommitURL:    job.PushInfo.CommitURL,
		UserName:     "student",
		BotMentioned: true,
		Timestamp:    now,
	})
	if err != nil {
		t.Fatalf("HandleCommentEvent failed: %v", err)
	}
	messages := h.notifier.messages()
	if len(messages) != 1 || !strings.Contains(messages[0].markdown, "3000 more seconds") {
		t.Fatalf("messages == %v, want a wait message", messages)
	}
	if count := h.store.feedbackRequestCount(); count != 1 {
		t.Errorf("refused requests should not be charged, found %d requests", count)
	}

	err = h.autotest.HandleCommentEvent(ctx, &common.CommentEvent{
		CommitURL:    job.PushInfo.CommitURL,
		UserName:     "prof",
		BotMentioned: true,
		Timestamp:    now,
	})
	if err != nil {
		t.Fatalf("HandleCommentEvent failed: %v", err)
	}
	if messages := h.notifier.messages(); len(messages) != 2 || !strings.Contains(messages[1].markdown, "**Score:** 80") {
		t.Errorf("staff should always get feedback: %v", messages)
	}
	if count := h.store.feedbackRequestCount(); count != 1 {
		t.Errorf("staff requests should not be charged, found %d requests", count)
	}
}

func TestCommentWithoutMention(t *testing.T) {
	h := newTestAutoTest(newGatedExecutor(), nil)
	ctx := context.Background()
	job := newJob("c1", "d1")
	h.store.SaveOutputRecord(ctx, newRecord(job, 80))
	if err := h.autotest.HandleCommentEvent(ctx, &common.CommentEvent{
		CommitURL: job.PushInfo.CommitURL,
		UserName:  "student",
	}); err != nil {
		t.Fatalf("HandleCommentEvent failed: %v", err)
	}
	if len(h.notifier.messages()) != 0 {
		t.Errorf("comments that do not mention the bot get no answer")
	}
	if comment, _ := h.store.GetLatestComment(ctx, job.PushInfo.CommitURL, "d1"); comment == nil {
		t.Errorf("the comment should have been saved with the default deliverable")
	}
}

func TestRun(t *testing.T) {
	executor := newGatedExecutor()
	h := newTestAutoTest(executor, nil)
	h.autotest.AddStandardJob(newJob("c1", "d1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.autotest.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	executor.waitStarted(t)
	cancel()
	<-done
	executor.release()
	h.autotest.Wait()
}
