// Package autotest schedules the grading of student submissions for a course.
package autotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/omegaup/autotest/common"
)

// Collaborators are the external services an AutoTest depends on.
type Collaborators struct {
	Store    DataStore
	Portal   ClassPortal
	Notifier Notifier
	Executor Executor

	// Processor is invoked after every persisted execution. A
	// FeedbackProcessor is used when nil.
	Processor ExecutionProcessor
}

// An AutoTest is the scheduler of a single course. It owns one queue and one
// execution slot per Lane: every lane runs at most one job at a time.
type AutoTest struct {
	courseID string
	ctx      *common.Context
	log      log15.Logger

	store     DataStore
	portal    ClassPortal
	notifier  Notifier
	executor  Executor
	processor ExecutionProcessor
	throttle  *FeedbackThrottle
	now       func() time.Time

	mu        sync.Mutex
	stopped   bool
	queues    [laneCount]*Queue
	slots     [laneCount]*common.JobInput
	listeners []EventListener

	running sync.WaitGroup
}

// New returns the AutoTest for courseID.
func New(ctx *common.Context, courseID string, collaborators Collaborators) *AutoTest {
	log := ctx.Log.New("course", courseID)
	throttle := NewFeedbackThrottle(collaborators.Store, collaborators.Portal)
	processor := collaborators.Processor
	if processor == nil {
		processor = NewFeedbackProcessor(collaborators.Store, collaborators.Notifier, throttle, log)
	}
	a := &AutoTest{
		courseID:  courseID,
		ctx:       ctx,
		log:       log,
		store:     collaborators.Store,
		portal:    collaborators.Portal,
		notifier:  collaborators.Notifier,
		executor:  collaborators.Executor,
		processor: processor,
		throttle:  throttle,
		now:       time.Now,
	}
	for _, lane := range Lanes {
		a.queues[lane] = NewQueue(lane.String())
	}
	return a
}

// CourseID returns the course this AutoTest schedules.
func (a *AutoTest) CourseID() string {
	return a.courseID
}

// AddListener registers a listener for all future events.
func (a *AutoTest) AddListener(listener EventListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, listener)
}

// emit must be called with a.mu held.
func (a *AutoTest) emit(event *Event) {
	event.CourseID = a.courseID
	event.Timestamp = a.now()
	for _, listener := range a.listeners {
		listener(event)
	}
}

// updateGauges must be called with a.mu held.
func (a *AutoTest) updateGauges() {
	for _, lane := range Lanes {
		a.ctx.Metrics.GaugeSet(fmt.Sprintf("autotest_%s_queue_length", lane), float64(a.queues[lane].Len()))
	}
}

// recoverScheduling turns a panic in the bookkeeping into a logged
// SchedulingError. It must be deferred after the lock is taken so that it
// runs before the lock is released.
func (a *AutoTest) recoverScheduling(op string) {
	if r := recover(); r != nil {
		err := &SchedulingError{Op: op, Err: fmt.Errorf("panic: %v", r)}
		a.log.Error("scheduling error", "err", err)
		a.ctx.Metrics.CounterAdd("autotest_scheduling_errors_total", 1)
	}
}

// enqueue must be called with a.mu held.
func (a *AutoTest) enqueue(lane Lane, job *common.JobInput) {
	a.queues[lane].Push(job)
	a.log.Info("job enqueued", "lane", lane, "job", job, "position", a.queues[lane].Len()-1)
	a.ctx.Metrics.CounterAdd(fmt.Sprintf("autotest_%s_enqueued_total", lane), 1)
	a.emit(&Event{Type: EventEnqueued, Lane: lane, Job: job})
	a.updateGauges()
}

// isExecuting must be called with a.mu held.
func (a *AutoTest) isExecuting(key common.JobKey) bool {
	for _, job := range a.slots {
		if job != nil && job.Key() == key {
			return true
		}
	}
	return false
}

// isPresent must be called with a.mu held.
func (a *AutoTest) isPresent(key common.JobKey) bool {
	if a.isExecuting(key) {
		return true
	}
	for _, queue := range a.queues {
		if queue.Contains(key) {
			return true
		}
	}
	return false
}

// AddStandardJob appends job to the standard queue. It does not deduplicate:
// callers use IsOnQueue to avoid enqueuing the same job twice.
func (a *AutoTest) AddStandardJob(job *common.JobInput) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enqueue(LaneStandard, job)
	return nil
}

func (a *AutoTest) addUniqueJob(lane Lane, job *common.JobInput) (bool, error) {
	if err := job.Validate(); err != nil {
		return false, fmt.Errorf("invalid job: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isPresent(job.Key()) {
		a.log.Debug("job already scheduled", "lane", lane, "job", job)
		return false, nil
	}
	a.enqueue(lane, job)
	return true, nil
}

// AddExpressJob appends job to the express queue unless it is already
// executing or queued in any lane. It returns whether the job was added.
func (a *AutoTest) AddExpressJob(job *common.JobInput) (bool, error) {
	return a.addUniqueJob(LaneExpress, job)
}

// AddRegressionJob appends job to the regression queue unless it is already
// executing or queued in any lane. It returns whether the job was added.
func (a *AutoTest) AddRegressionJob(job *common.JobInput) (bool, error) {
	return a.addUniqueJob(LaneRegression, job)
}

// HandlePushEvent persists the push and schedules it on the standard lane,
// unless that commit is already known to the scheduler.
func (a *AutoTest) HandlePushEvent(ctx context.Context, job *common.JobInput) error {
	if job.CourseID == "" {
		job.CourseID = a.courseID
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid push: %w", err)
	}
	if err := a.store.SavePush(ctx, job); err != nil {
		return fmt.Errorf("save push: %w", err)
	}
	if a.IsOnQueue(job.PushInfo.CommitURL, job.DeliverableID) {
		a.log.Info("push already scheduled", "job", job)
	} else if err := a.AddStandardJob(job); err != nil {
		return err
	}
	a.Tick()
	return nil
}

// Tick starts the head of every lane whose slot is free. It returns without
// waiting for the executions to finish, and does nothing after Stop.
func (a *AutoTest) Tick() {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.recoverScheduling("tick")
	if a.stopped {
		return
	}

	for _, lane := range Lanes {
		if a.slots[lane] != nil {
			continue
		}
		job, ok := a.queues[lane].Pop()
		if !ok {
			continue
		}
		a.slots[lane] = job
		a.log.Info("job started", "lane", lane, "job", job)
		a.emit(&Event{Type: EventStarted, Lane: lane, Job: job})
		a.running.Add(1)
		go a.execute(lane, job)
	}
	a.updateGauges()
}

func (a *AutoTest) execute(lane Lane, job *common.JobInput) {
	defer a.running.Done()

	start := time.Now()
	record, err := a.runExecutor(job)
	a.ctx.Metrics.SummaryObserve("autotest_execution_duration_seconds", time.Since(start).Seconds())
	if err != nil {
		a.log.Error("execution could not be started", "lane", lane, "job", job, "err", err)
		record = &common.CommitRecord{
			CommitSHA: job.PushInfo.CommitSHA,
			CommitURL: job.PushInfo.CommitURL,
			Input:     job,
			Output: &common.CommitOutput{
				Timestamp:    a.now(),
				State:        common.ExecutionStateFail,
				ExitCode:     -1,
				FeedbackText: "The grading environment could not be prepared.",
			},
		}
	}

	if err := a.complete(record, &slotRef{lane: lane, job: job}); err != nil {
		// The record could not identify its job, so the slot is released
		// explicitly to keep the lane moving.
		a.releaseSlot(lane, job)
		a.Tick()
	}
}

func (a *AutoTest) runExecutor(job *common.JobInput) (record *common.CommitRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			record = nil
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return a.executor.Execute(a.ctx.Context, job)
}

func (a *AutoTest) releaseSlot(lane Lane, job *common.JobInput) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.slots[lane] == job {
		a.slots[lane] = nil
	}
}

// slotRef identifies the exact slot an execution was started on.
type slotRef struct {
	lane Lane
	job  *common.JobInput
}

// HandleExecutionComplete persists record, runs the ExecutionProcessor,
// releases every slot holding the record's job and ticks again. Malformed
// records are dropped and reported as a SchedulingError.
func (a *AutoTest) HandleExecutionComplete(record *common.CommitRecord) error {
	return a.complete(record, nil)
}

// complete releases only the slot ref points to when it is not nil, so that
// another lane running a job with the same key keeps its slot.
func (a *AutoTest) complete(record *common.CommitRecord, ref *slotRef) error {
	if err := record.Validate(); err != nil {
		schedErr := &SchedulingError{Op: "complete", Err: err}
		a.log.Error("dropping malformed record", "err", schedErr)
		a.mu.Lock()
		event := &Event{Type: EventDropped}
		if record != nil {
			event.Job = record.Input
		}
		a.emit(event)
		a.mu.Unlock()
		a.ctx.Metrics.CounterAdd("autotest_records_dropped_total", 1)
		return schedErr
	}

	ctx := a.ctx.Context
	if err := a.store.SaveOutputRecord(ctx, record); err != nil {
		a.log.Error("failed to persist record", "job", record.Input, "err", err)
	}
	a.processExecution(ctx, record)

	key := record.Input.Key()
	a.mu.Lock()
	for _, lane := range Lanes {
		job := a.slots[lane]
		if job == nil {
			continue
		}
		if ref != nil {
			if lane != ref.lane || job != ref.job {
				continue
			}
		} else if job.Key() != key {
			continue
		}
		a.slots[lane] = nil
		a.emit(&Event{Type: EventCompleted, Lane: lane, Job: job, State: record.Output.State})
	}
	a.mu.Unlock()
	a.log.Info("job completed", "job", record.Input, "state", record.Output.State)
	a.ctx.Metrics.CounterAdd(fmt.Sprintf("autotest_%s_total", record.Output.State), 1)

	a.Tick()
	return nil
}

func (a *AutoTest) processExecution(ctx context.Context, record *common.CommitRecord) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("execution processor panicked", "job", record.Input, "err", r)
		}
	}()
	if err := a.processor.ProcessExecution(ctx, record); err != nil {
		a.log.Error("failed to process execution", "job", record.Input, "err", err)
	}
}

// IsCommitExecuting returns whether any slot holds the job.
func (a *AutoTest) IsCommitExecuting(commitURL, deliverableID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.recoverScheduling("is executing")
	return a.isExecuting(common.JobKey{CommitURL: commitURL, DeliverableID: deliverableID})
}

// IsOnQueue returns whether the job is executing or waiting in the standard
// or express queues. The regression queue is not considered.
func (a *AutoTest) IsOnQueue(commitURL, deliverableID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.recoverScheduling("is on queue")
	key := common.JobKey{CommitURL: commitURL, DeliverableID: deliverableID}
	return a.isExecuting(key) ||
		a.queues[LaneStandard].Contains(key) ||
		a.queues[LaneExpress].Contains(key)
}

// PromoteIfNeeded moves the job the comment refers to into the express queue
// if that would make it start earlier, that is, if the express queue is
// shorter than the job's position in its current queue. It returns whether
// the job was promoted.
func (a *AutoTest) PromoteIfNeeded(ctx context.Context, comment *common.CommentEvent) bool {
	deliverableID, err := a.resolveDeliverable(ctx, comment)
	if err != nil {
		a.log.Error("failed to resolve deliverable", "commit", comment.CommitURL, "err", err)
		return false
	}
	key := common.JobKey{CommitURL: comment.CommitURL, DeliverableID: deliverableID}

	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.recoverScheduling("promote")

	if a.isExecuting(key) {
		return false
	}
	for _, lane := range []Lane{LaneStandard, LaneRegression} {
		position := a.queues[lane].PositionOf(key)
		if position < 0 {
			continue
		}
		expressLength := a.queues[LaneExpress].Len()
		if expressLength >= position {
			a.log.Debug(
				"promotion would not help",
				"job", key,
				"lane", lane,
				"position", position,
				"express", expressLength,
			)
			return false
		}
		job, _ := a.queues[lane].Remove(key)
		a.queues[LaneExpress].Push(job)
		a.log.Info("job promoted", "job", job, "from", lane, "position", position, "express", expressLength)
		a.ctx.Metrics.CounterAdd("autotest_promotions_total", 1)
		from := lane
		a.emit(&Event{Type: EventPromoted, Lane: LaneExpress, From: &from, Job: job})
		a.updateGauges()
		return true
	}
	return false
}

func (a *AutoTest) resolveDeliverable(ctx context.Context, comment *common.CommentEvent) (string, error) {
	if comment.DeliverableID != "" {
		return comment.DeliverableID, nil
	}
	courseID := comment.CourseID
	if courseID == "" {
		courseID = a.courseID
	}
	deliverableID, err := a.portal.GetDefaultDeliverableID(ctx, courseID, comment.CommitURL)
	if err != nil {
		return "", err
	}
	if deliverableID == "" {
		return "", errors.New("no default deliverable")
	}
	return deliverableID, nil
}

// HandleCommentEvent records the comment, promotes the job it refers to and,
// if the bot was mentioned, serves the feedback request: right away when a
// result exists and the throttle allows it, or once the job completes.
func (a *AutoTest) HandleCommentEvent(ctx context.Context, comment *common.CommentEvent) error {
	if comment.CommitURL == "" {
		return errors.New("invalid comment: missing commitURL")
	}
	if comment.CourseID == "" {
		comment.CourseID = a.courseID
	}
	if comment.Timestamp.IsZero() {
		comment.Timestamp = a.now()
	}
	deliverableID, err := a.resolveDeliverable(ctx, comment)
	if err != nil {
		return fmt.Errorf("resolve deliverable: %w", err)
	}
	comment.DeliverableID = deliverableID

	if err := a.store.SaveComment(ctx, comment); err != nil {
		return fmt.Errorf("save comment: %w", err)
	}
	a.PromoteIfNeeded(ctx, comment)
	if !comment.BotMentioned {
		return nil
	}

	log := a.log.New("user", comment.UserName, "commit", comment.CommitURL, "deliv", deliverableID)
	decision, err := a.throttle.Check(
		ctx,
		comment.CourseID,
		deliverableID,
		comment.UserName,
		comment.CommitURL,
		comment.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("check throttle: %w", err)
	}
	if !decision.Allowed {
		log.Info("feedback request throttled", "wait", decision.Wait)
		return a.notifier.PostFeedback(ctx, comment.CommitURL, decision.Message(comment.UserName, deliverableID))
	}

	record, err := a.store.GetOutputRecord(ctx, comment.CommitURL, deliverableID)
	if err != nil {
		return fmt.Errorf("get output record: %w", err)
	}
	if record != nil {
		if err := a.notifier.PostFeedback(ctx, comment.CommitURL, FormatFeedback(record)); err != nil {
			return fmt.Errorf("post feedback: %w", err)
		}
		if decision.Charged() {
			if err := a.throttle.Record(
				ctx,
				comment.CourseID,
				deliverableID,
				comment.UserName,
				comment.CommitURL,
				comment.Timestamp,
			); err != nil {
				return fmt.Errorf("save feedback request: %w", err)
			}
		}
		log.Info("feedback delivered", "free", decision.Free, "staff", decision.Staff)
		return nil
	}

	if a.IsOnQueue(comment.CommitURL, deliverableID) {
		log.Info("feedback request pending execution")
		return nil
	}

	push, err := a.store.GetPushRecord(ctx, comment.CommitURL)
	if err != nil {
		return fmt.Errorf("get push record: %w", err)
	}
	if push == nil {
		log.Warn("feedback requested for an unknown commit")
		return nil
	}
	job := &common.JobInput{
		CourseID:      comment.CourseID,
		DeliverableID: deliverableID,
		PushInfo:      push.PushInfo,
	}
	if _, err := a.AddExpressJob(job); err != nil {
		return err
	}
	a.Tick()
	return nil
}

// LaneStatus is a snapshot of a single lane.
type LaneStatus struct {
	Lane      Lane               `json:"lane"`
	Executing *common.JobInput   `json:"executing"`
	Queued    []*common.JobInput `json:"queued"`
}

// Status is a snapshot of the scheduler.
type Status struct {
	CourseID string       `json:"courseId"`
	Lanes    []LaneStatus `json:"lanes"`
}

// Status returns a snapshot of all the lanes.
func (a *AutoTest) Status() *Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	status := &Status{CourseID: a.courseID}
	for _, lane := range Lanes {
		status.Lanes = append(status.Lanes, LaneStatus{
			Lane:      lane,
			Executing: a.slots[lane],
			Queued:    a.queues[lane].Jobs(),
		})
	}
	return status
}

// Run ticks periodically until ctx is done.
func (a *AutoTest) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick()
		}
	}
}

// Stop prevents any further job from starting. Executions already started
// run to completion and queued jobs stay queued.
func (a *AutoTest) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
}

// Wait blocks until every execution that has been started finishes.
func (a *AutoTest) Wait() {
	a.running.Wait()
}
