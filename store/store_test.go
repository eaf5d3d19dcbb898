package store

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/omegaup/autotest/common"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), &common.DbConfig{
		Driver:         "sqlite3",
		DataSourceName: path.Join(t.TempDir(), "autotest.db"),
	})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestJob(commit, deliverableID string) *common.JobInput {
	return &common.JobInput{
		CourseID:      "cs310",
		DeliverableID: deliverableID,
		PushInfo: common.PushInfo{
			Branch:    "main",
			CommitSHA: commit + "abcdef",
			CommitURL: "https://github.com/cs310/repo/commit/" + commit,
			Timestamp: time.Unix(1600000000, 0),
		},
	}
}

func TestPushes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if push, err := s.GetPushRecord(ctx, "https://github.com/cs310/repo/commit/c1"); err != nil || push != nil {
		t.Fatalf("GetPushRecord == %v, %v; want nil, nil", push, err)
	}
	job := newTestJob("c1", "d1")
	if err := s.SavePush(ctx, job); err != nil {
		t.Fatalf("SavePush failed: %v", err)
	}
	push, err := s.GetPushRecord(ctx, job.PushInfo.CommitURL)
	if err != nil || push == nil {
		t.Fatalf("GetPushRecord == %v, %v", push, err)
	}
	if push.Key() != job.Key() || push.PushInfo.CommitSHA != job.PushInfo.CommitSHA {
		t.Errorf("push == %v, want %v", push, job)
	}
}

func TestOutputRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := newTestJob("c1", "d1")

	for _, score := range []float64{10, 80} {
		err := s.SaveOutputRecord(ctx, &common.CommitRecord{
			CommitSHA: job.PushInfo.CommitSHA,
			CommitURL: job.PushInfo.CommitURL,
			Input:     job,
			Output: &common.CommitOutput{
				Timestamp: time.Now(),
				Report:    &common.GradeReport{ScoreOverall: score},
				State:     common.ExecutionStateSuccess,
			},
		})
		if err != nil {
			t.Fatalf("SaveOutputRecord failed: %v", err)
		}
	}
	if err := s.SaveOutputRecord(ctx, &common.CommitRecord{CommitURL: "x"}); err == nil {
		t.Errorf("invalid records should be refused")
	}

	record, err := s.GetOutputRecord(ctx, job.PushInfo.CommitURL, "d1")
	if err != nil || record == nil {
		t.Fatalf("GetOutputRecord == %v, %v", record, err)
	}
	if record.Output.Report.ScoreOverall != 80 {
		t.Errorf("ScoreOverall == %v, want the latest record", record.Output.Report.ScoreOverall)
	}
	if record, err := s.GetOutputRecord(ctx, job.PushInfo.CommitURL, "d2"); err != nil || record != nil {
		t.Errorf("GetOutputRecord(d2) == %v, %v; want nil, nil", record, err)
	}
}

func TestComments(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	commitURL := newTestJob("c1", "d1").PushInfo.CommitURL

	for i, user := range []string{"first", "second"} {
		err := s.SaveComment(ctx, &common.CommentEvent{
			CourseID:      "cs310",
			CommitURL:     commitURL,
			DeliverableID: "d1",
			UserName:      user,
			BotMentioned:  i == 1,
			Timestamp:     time.Unix(1600000000+int64(i), 0),
		})
		if err != nil {
			t.Fatalf("SaveComment failed: %v", err)
		}
	}
	comment, err := s.GetLatestComment(ctx, commitURL, "d1")
	if err != nil || comment == nil {
		t.Fatalf("GetLatestComment == %v, %v", comment, err)
	}
	if comment.UserName != "second" || !comment.BotMentioned {
		t.Errorf("comment == %+v, want the latest one", comment)
	}
}

func TestFeedbackRequests(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Unix(1600000000, 0)

	for i, commit := range []string{"a", "b"} {
		err := s.SaveFeedbackRequestRecord(ctx, &common.FeedbackRequestRecord{
			CourseID:      "cs310",
			DeliverableID: "d1",
			UserName:      "student",
			CommitURL:     commit,
			Timestamp:     base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("SaveFeedbackRequestRecord failed: %v", err)
		}
	}

	latest, err := s.GetLatestFeedbackRequestRecord(ctx, "cs310", "d1", "student")
	if err != nil || latest == nil {
		t.Fatalf("GetLatestFeedbackRequestRecord == %v, %v", latest, err)
	}
	if latest.CommitURL != "b" || !latest.Timestamp.Equal(base.Add(time.Hour)) {
		t.Errorf("latest == %+v", latest)
	}

	forCommit, err := s.GetFeedbackRequestRecordForCommit(ctx, "cs310", "d1", "student", "a")
	if err != nil || forCommit == nil || !forCommit.Timestamp.Equal(base) {
		t.Errorf("GetFeedbackRequestRecordForCommit(a) == %v, %v", forCommit, err)
	}
	if none, err := s.GetFeedbackRequestRecordForCommit(ctx, "cs310", "d1", "student", "c"); err != nil || none != nil {
		t.Errorf("GetFeedbackRequestRecordForCommit(c) == %v, %v; want nil, nil", none, err)
	}
	if none, err := s.GetLatestFeedbackRequestRecord(ctx, "cs310", "d1", "other"); err != nil || none != nil {
		t.Errorf("GetLatestFeedbackRequestRecord(other) == %v, %v; want nil, nil", none, err)
	}
}

func TestDollarRebind(t *testing.T) {
	query := dollarRebind("SELECT a FROM t WHERE b = ? AND c = ?")
	if query != "SELECT a FROM t WHERE b = $1 AND c = $2" {
		t.Errorf("dollarRebind == %q", query)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(context.Background(), nil, "oracle"); err == nil {
		t.Errorf("unsupported drivers should be refused")
	}
}
