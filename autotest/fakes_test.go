package autotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/omegaup/autotest/common"
)

type memoryStore struct {
	mu               sync.Mutex
	pushes           []*common.JobInput
	comments         []*common.CommentEvent
	records          []*common.CommitRecord
	feedbackRequests []*common.FeedbackRequestRecord
}

var _ DataStore = &memoryStore{}

func (s *memoryStore) SavePush(ctx context.Context, job *common.JobInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, job)
	return nil
}

func (s *memoryStore) SaveComment(ctx context.Context, comment *common.CommentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments = append(s.comments, comment)
	return nil
}

func (s *memoryStore) SaveOutputRecord(ctx context.Context, record *common.CommitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *memoryStore) SaveFeedbackRequestRecord(ctx context.Context, record *common.FeedbackRequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedbackRequests = append(s.feedbackRequests, record)
	return nil
}

func (s *memoryStore) GetPushRecord(ctx context.Context, commitURL string) (*common.JobInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.pushes) - 1; i >= 0; i-- {
		if s.pushes[i].PushInfo.CommitURL == commitURL {
			return s.pushes[i], nil
		}
	}
	return nil, nil
}

func (s *memoryStore) GetOutputRecord(ctx context.Context, commitURL, deliverableID string) (*common.CommitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].CommitURL == commitURL && s.records[i].Input.DeliverableID == deliverableID {
			return s.records[i], nil
		}
	}
	return nil, nil
}

func (s *memoryStore) GetLatestComment(ctx context.Context, commitURL, deliverableID string) (*common.CommentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.comments) - 1; i >= 0; i-- {
		if s.comments[i].CommitURL == commitURL && s.comments[i].DeliverableID == deliverableID {
			return s.comments[i], nil
		}
	}
	return nil, nil
}

func (s *memoryStore) GetLatestFeedbackRequestRecord(
	ctx context.Context,
	courseID, deliverableID, userName string,
) (*common.FeedbackRequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.feedbackRequests) - 1; i >= 0; i-- {
		r := s.feedbackRequests[i]
		if r.CourseID == courseID && r.DeliverableID == deliverableID && r.UserName == userName {
			return r, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) GetFeedbackRequestRecordForCommit(
	ctx context.Context,
	courseID, deliverableID, userName, commitURL string,
) (*common.FeedbackRequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.feedbackRequests) - 1; i >= 0; i-- {
		r := s.feedbackRequests[i]
		if r.CourseID == courseID && r.DeliverableID == deliverableID && r.UserName == userName && r.CommitURL == commitURL {
			return r, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *memoryStore) feedbackRequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feedbackRequests)
}

type fakePortal struct {
	staff        map[string]bool
	delaySeconds int
}

var _ ClassPortal = &fakePortal{}

func (p *fakePortal) IsStaff(ctx context.Context, courseID, userName string) (bool, error) {
	return p.staff[userName], nil
}

func (p *fakePortal) GetFeedbackDelaySeconds(ctx context.Context, courseID string) (int, error) {
	return p.delaySeconds, nil
}

func (p *fakePortal) GetDefaultDeliverableID(ctx context.Context, courseID, commitURL string) (string, error) {
	return "d1", nil
}

func (p *fakePortal) GetDeliverableConfig(ctx context.Context, courseID, deliverableID string) (*common.DeliverableConfig, error) {
	return &common.DeliverableConfig{ID: deliverableID, Image: "grader"}, nil
}

type postedFeedback struct {
	commitURL string
	markdown  string
}

type fakeNotifier struct {
	mu     sync.Mutex
	posted []postedFeedback
}

var _ Notifier = &fakeNotifier{}

func (n *fakeNotifier) PostFeedback(ctx context.Context, commitURL string, markdown string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posted = append(n.posted, postedFeedback{commitURL, markdown})
	return nil
}

func (n *fakeNotifier) messages() []postedFeedback {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]postedFeedback(nil), n.posted...)
}

// gatedExecutor blocks every execution until the test releases it.
type gatedExecutor struct {
	started chan *common.JobInput
	gate    chan struct{}
	result  func(job *common.JobInput) (*common.CommitRecord, error)

	mu      sync.Mutex
	running int
	maxSeen int
}

var _ Executor = &gatedExecutor{}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{
		started: make(chan *common.JobInput, 100),
		gate:    make(chan struct{}),
		result: func(job *common.JobInput) (*common.CommitRecord, error) {
			return newRecord(job, 80), nil
		},
	}
}

func (e *gatedExecutor) Execute(ctx context.Context, job *common.JobInput) (*common.CommitRecord, error) {
	e.mu.Lock()
	e.running++
	if e.running > e.maxSeen {
		e.maxSeen = e.running
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()

	e.started <- job
	<-e.gate
	return e.result(job)
}

// release lets exactly one execution finish.
func (e *gatedExecutor) release() {
	e.gate <- struct{}{}
}

func (e *gatedExecutor) waitStarted(t *testing.T) *common.JobInput {
	t.Helper()
	select {
	case job := <-e.started:
		return job
	case <-time.After(5 * time.Second):
		t.Fatalf("no job was started")
	}
	return nil
}

func (e *gatedExecutor) assertNoneStarted(t *testing.T) {
	t.Helper()
	select {
	case job := <-e.started:
		t.Fatalf("unexpected job started: %v", job)
	case <-time.After(50 * time.Millisecond):
	}
}

// jobGatedExecutor blocks every execution until the test releases that
// exact job.
type jobGatedExecutor struct {
	started chan *common.JobInput

	mu    sync.Mutex
	gates map[*common.JobInput]chan struct{}
}

var _ Executor = &jobGatedExecutor{}

func newJobGatedExecutor() *jobGatedExecutor {
	return &jobGatedExecutor{
		started: make(chan *common.JobInput, 100),
		gates:   make(map[*common.JobInput]chan struct{}),
	}
}

func (e *jobGatedExecutor) gate(job *common.JobInput) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	gate, ok := e.gates[job]
	if !ok {
		gate = make(chan struct{})
		e.gates[job] = gate
	}
	return gate
}

func (e *jobGatedExecutor) Execute(ctx context.Context, job *common.JobInput) (*common.CommitRecord, error) {
	e.started <- job
	<-e.gate(job)
	return newRecord(job, 80), nil
}

func (e *jobGatedExecutor) release(job *common.JobInput) {
	close(e.gate(job))
}

func (e *jobGatedExecutor) waitStarted(t *testing.T, expected *common.JobInput) {
	t.Helper()
	select {
	case job := <-e.started:
		if job != expected {
			t.Fatalf("started %v, want %v", job, expected)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%v was never started", expected)
	}
}

// waitStartedAll waits for every job to start, in any order.
func (e *jobGatedExecutor) waitStartedAll(t *testing.T, jobs ...*common.JobInput) {
	t.Helper()
	pending := make(map[*common.JobInput]bool)
	for _, job := range jobs {
		pending[job] = true
	}
	for len(pending) > 0 {
		select {
		case job := <-e.started:
			if !pending[job] {
				t.Fatalf("unexpected job started: %v", job)
			}
			delete(pending, job)
		case <-time.After(5 * time.Second):
			t.Fatalf("%d jobs were never started", len(pending))
		}
	}
}

func (e *jobGatedExecutor) assertNoneStarted(t *testing.T) {
	t.Helper()
	select {
	case job := <-e.started:
		t.Fatalf("unexpected job started: %v", job)
	case <-time.After(50 * time.Millisecond):
	}
}

// waitForSlot polls until the lane's slot holds job.
func waitForSlot(t *testing.T, a *AutoTest, lane Lane, job *common.JobInput) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a.Status().Lanes[lane].Executing == job {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%v slot == %v, want %v", lane, a.Status().Lanes[lane].Executing, job)
}

type immediateExecutor func(job *common.JobInput) (*common.CommitRecord, error)

func (f immediateExecutor) Execute(ctx context.Context, job *common.JobInput) (*common.CommitRecord, error) {
	return f(job)
}

func newRecord(job *common.JobInput, score float64) *common.CommitRecord {
	return &common.CommitRecord{
		CommitSHA: job.PushInfo.CommitSHA,
		CommitURL: job.PushInfo.CommitURL,
		Input:     job,
		Output: &common.CommitOutput{
			Timestamp:    time.Now(),
			Report:       &common.GradeReport{ScoreOverall: score, Feedback: "feedback"},
			FeedbackText: "feedback",
			State:        common.ExecutionStateSuccess,
		},
	}
}

func newJob(commit string, deliverableID string) *common.JobInput {
	return &common.JobInput{
		CourseID:      "cs310",
		DeliverableID: deliverableID,
		PushInfo: common.PushInfo{
			Branch:    "main",
			CommitSHA: commit + "0000000",
			CommitURL: fmt.Sprintf("https://github.com/cs310/repo/commit/%s", commit),
			Timestamp: time.Unix(1600000000, 0),
		},
	}
}

func newTestContext() *common.Context {
	log := log15.New()
	log.SetHandler(log15.DiscardHandler())
	return &common.Context{
		Context: context.Background(),
		Config:  common.DefaultConfig(),
		Log:     log,
		Metrics: &common.NoOpMetrics{},
	}
}

type testHarness struct {
	autotest *AutoTest
	store    *memoryStore
	portal   *fakePortal
	notifier *fakeNotifier
}

func newTestAutoTest(executor Executor, processor ExecutionProcessor) *testHarness {
	h := &testHarness{
		store:    &memoryStore{},
		portal:   &fakePortal{staff: map[string]bool{"prof": true}, delaySeconds: 3600},
		notifier: &fakeNotifier{},
	}
	h.autotest = New(newTestContext(), "cs310", Collaborators{
		Store:     h.store,
		Portal:    h.portal,
		Notifier:  h.notifier,
		Executor:  executor,
		Processor: processor,
	})
	return h
}

var errTestExecutor = errors.New("workspace unavailable")
