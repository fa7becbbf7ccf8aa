package session

import (
	"context"
	"testing"
	"time"

	"github.com/pavelanni/gradeflow/internal/apperr"
	"github.com/pavelanni/gradeflow/internal/model"
	"github.com/pavelanni/gradeflow/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, "")
}

func validInput() CreateInput {
	return CreateInput{
		Title:         "Final exam",
		Subject:       "Chemistry",
		ExamYear:      "2026",
		NumStudents:   3,
		GradingRubric: `{"q1":{"max":5}}`,
	}
}

func createSession(t *testing.T, svc *Service, names ...string) (*model.GradingSession, []model.Student) {
	t.Helper()
	ctx := context.Background()
	sess, err := svc.Create(ctx, validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var in AddStudentsInput
	for _, n := range names {
		in.Students = append(in.Students, StudentInput{Name: n, FileName: n + ".pdf"})
	}
	if len(names) == 0 {
		return sess, nil
	}
	students, err := svc.AddStudents(ctx, sess.ID, in)
	if err != nil {
		t.Fatalf("AddStudents: %v", err)
	}
	return sess, students
}

func setStatus(t *testing.T, svc *Service, id string, from, to model.GradingStatus) {
	t.Helper()
	ok, err := svc.Store().TransitionStudent(context.Background(), id, from, to, time.Now())
	if err != nil || !ok {
		t.Fatalf("TransitionStudent %s->%s: ok=%v err=%v", from, to, ok, err)
	}
}

func logCount(t *testing.T, svc *Service, sessionID string) int {
	t.Helper()
	n, err := svc.Store().CountLogs(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("CountLogs: %v", err)
	}
	return n
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		name   string
		mutate func(*CreateInput)
		field  string
	}{
		{"missing title", func(in *CreateInput) { in.Title = "" }, "title"},
		{"long subject", func(in *CreateInput) { in.Subject = string(make([]byte, 101)) }, "subject"},
		{"short year", func(in *CreateInput) { in.ExamYear = "26" }, "examYear"},
		{"zero students", func(in *CreateInput) { in.NumStudents = 0 }, "numStudents"},
		{"too many students", func(in *CreateInput) { in.NumStudents = 1001 }, "numStudents"},
		{"bad rubric", func(in *CreateInput) { in.GradingRubric = "{oops" }, "gradingRubric"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			_, err := svc.Create(context.Background(), in)
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			var details map[string]string
			if e, ok := err.(*apperr.Error); ok {
				details, _ = e.Details.(map[string]string)
			}
			if _, ok := details[tt.field]; !ok {
				t.Errorf("expected detail for %q, got %v", tt.field, details)
			}
		})
	}
}

func TestCreateAndList(t *testing.T) {
	svc := newTestService(t)
	sess, _ := createSession(t, svc, "Bob", "Alice")

	if sess.Status != model.SessionPending {
		t.Errorf("expected PENDING, got %q", sess.Status)
	}
	list, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Counts.Students != 2 {
		t.Errorf("unexpected list %+v", list)
	}

	view, err := svc.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(view.Students) != 2 || view.Students[0].Name != "Alice" {
		t.Errorf("expected students ordered by name, got %+v", view.Students)
	}
	// One entry for the session, one per student.
	if view.Counts.Logs != 3 {
		t.Errorf("expected 3 logs, got %d", view.Counts.Logs)
	}
}

func TestUpdateSession(t *testing.T) {
	svc := newTestService(t)
	sess, _ := createSession(t, svc)
	ctx := context.Background()

	title := "Renamed"
	got, err := svc.Update(ctx, sess.ID, UpdateInput{Title: &title})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Title != "Renamed" || got.Subject != "Chemistry" {
		t.Errorf("unexpected session %+v", got)
	}

	empty := ""
	if _, err := svc.Update(ctx, sess.ID, UpdateInput{Title: &empty}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for empty title, got %v", err)
	}
	if _, err := svc.Update(ctx, "missing", UpdateInput{Title: &title}); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestAggregation(t *testing.T) {
	tests := []struct {
		name     string
		statuses []model.GradingStatus
		want     model.SessionStatus
	}{
		{"all pending", []model.GradingStatus{model.GradingPending, model.GradingPending}, model.SessionPending},
		{"one processing", []model.GradingStatus{model.GradingProcessing, model.GradingPending}, model.SessionInProgress},
		{"one completed", []model.GradingStatus{model.GradingCompleted, model.GradingPending}, model.SessionInProgress},
		{"only failed and pending", []model.GradingStatus{model.GradingFailed, model.GradingPending}, model.SessionPending},
		{"all completed", []model.GradingStatus{model.GradingCompleted, model.GradingCompleted}, model.SessionCompleted},
		{"completed and failed", []model.GradingStatus{model.GradingCompleted, model.GradingFailed}, model.SessionCompleted},
		{"all failed", []model.GradingStatus{model.GradingFailed, model.GradingFailed}, model.SessionCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t)
			sess, students := createSession(t, svc, "A", "B")
			for i, status := range tt.statuses {
				if status != model.GradingPending {
					setStatus(t, svc, students[i].ID, model.GradingPending, status)
				}
			}
			got, err := svc.CheckAndUpdateSessionStatus(context.Background(), sess.ID)
			if err != nil {
				t.Fatalf("CheckAndUpdateSessionStatus: %v", err)
			}
			if got.Status != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got.Status)
			}
			if tt.want == model.SessionInProgress && got.StartedAt == nil {
				t.Error("expected started_at on IN_PROGRESS")
			}
		})
	}
}

func TestAggregationCompareAndSkip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, students := createSession(t, svc, "A", "B")
	setStatus(t, svc, students[0].ID, model.GradingPending, model.GradingProcessing)

	if _, err := svc.CheckAndUpdateSessionStatus(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	before := logCount(t, svc, sess.ID)
	got, err := svc.CheckAndUpdateSessionStatus(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.SessionInProgress {
		t.Errorf("expected IN_PROGRESS, got %q", got.Status)
	}
	if after := logCount(t, svc, sess.ID); after != before {
		t.Errorf("expected no new logs, got %d -> %d", before, after)
	}
}

func TestCompletionStatistics(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, students := createSession(t, svc, "A", "B", "C")

	grade := func(id string, score, max float64) {
		_, err := svc.UpdateStudentGrading(ctx, id, GradingInput{
			TaskID: "t-" + id,
			Status: model.GradingCompleted,
			Scores: []ScoreInput{{QuestionID: "q1", Score: score, MaxScore: max}},
		})
		if err != nil {
			t.Fatalf("UpdateStudentGrading: %v", err)
		}
	}
	grade(students[0].ID, 8, 10)
	grade(students[1].ID, 3, 10)
	if _, err := svc.UpdateStudentGrading(ctx, students[2].ID, GradingInput{Status: model.GradingFailed}); err != nil {
		t.Fatalf("UpdateStudentGrading failed: %v", err)
	}

	got, err := svc.Store().GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.SessionCompleted {
		t.Fatalf("expected COMPLETED, got %q", got.Status)
	}
	if got.PassingRate == nil || *got.PassingRate != 50 {
		t.Errorf("expected passing rate 50 over completed students, got %v", got.PassingRate)
	}
	if got.AverageScore == nil || *got.AverageScore != 55 {
		t.Errorf("expected average 55, got %v", got.AverageScore)
	}
	if *got.HighestScore != 80 || *got.LowestScore != 30 {
		t.Errorf("unexpected high/low %v/%v", *got.HighestScore, *got.LowestScore)
	}
}

func logsWithContext(t *testing.T, svc *Service, sessionID, logContext string) []model.SessionLog {
	t.Helper()
	logs, err := svc.Logs(context.Background(), sessionID, MaxLogLimit)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	var out []model.SessionLog
	for _, l := range logs {
		if l.Context == logContext {
			out = append(out, l)
		}
	}
	return out
}

func TestStatisticsRecordedOnceOnCompletion(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, students := createSession(t, svc, "A")

	_, err := svc.UpdateStudentGrading(ctx, students[0].ID, GradingInput{
		Status: model.GradingCompleted,
		Scores: []ScoreInput{{QuestionID: "q1", Score: 9, MaxScore: 10}},
	})
	if err != nil {
		t.Fatalf("UpdateStudentGrading: %v", err)
	}
	if got := logsWithContext(t, svc, sess.ID, "statistics"); len(got) != 1 {
		t.Errorf("expected one statistics entry, got %d", len(got))
	}

	// Regrading a student of a completed session refreshes the statistics.
	_, err = svc.UpdateStudentGrading(ctx, students[0].ID, GradingInput{
		Status: model.GradingCompleted,
		Scores: []ScoreInput{{QuestionID: "q1", Score: 5, MaxScore: 10}},
	})
	if err != nil {
		t.Fatalf("UpdateStudentGrading again: %v", err)
	}
	got, _ := svc.Store().GetSession(ctx, sess.ID)
	if got.AverageScore == nil || *got.AverageScore != 50 {
		t.Errorf("expected refreshed average 50, got %v", got.AverageScore)
	}
	if n := len(logsWithContext(t, svc, sess.ID, "statistics")); n != 2 {
		t.Errorf("expected two statistics entries after regrading, got %d", n)
	}
}

func TestAddStudentsReopensCompletedSession(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, students := createSession(t, svc, "A")

	_, err := svc.UpdateStudentGrading(ctx, students[0].ID, GradingInput{
		Status: model.GradingCompleted,
		Scores: []ScoreInput{{QuestionID: "q1", Score: 7, MaxScore: 10}},
	})
	if err != nil {
		t.Fatalf("UpdateStudentGrading: %v", err)
	}
	if got, _ := svc.Store().GetSession(ctx, sess.ID); got.Status != model.SessionCompleted {
		t.Fatalf("expected COMPLETED, got %q", got.Status)
	}

	if _, err := svc.AddStudents(ctx, sess.ID, AddStudentsInput{Students: []StudentInput{{Name: "B"}}}); err != nil {
		t.Fatalf("AddStudents: %v", err)
	}
	got, err := svc.Store().GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.SessionInProgress {
		t.Errorf("expected IN_PROGRESS after adding a student, got %q", got.Status)
	}
	if got.CompletedAt != nil || got.AverageScore != nil {
		t.Errorf("expected completion stamp and statistics cleared, got %v %v", got.CompletedAt, got.AverageScore)
	}

	if _, err := svc.RecheckActiveSessions(ctx); err != nil {
		t.Fatalf("RecheckActiveSessions: %v", err)
	}
	if got, _ := svc.Store().GetSession(ctx, sess.ID); got.Status != model.SessionInProgress {
		t.Errorf("expected IN_PROGRESS after recheck, got %q", got.Status)
	}
}

func TestAddStudentsBatchLog(t *testing.T) {
	svc := newTestService(t)
	sess, _ := createSession(t, svc, "A", "B", "C")

	logs := logsWithContext(t, svc, sess.ID, "students")
	if len(logs) != 4 {
		t.Fatalf("expected three per-student entries and one summary, got %d", len(logs))
	}
	found := false
	for _, l := range logs {
		if l.Message == "3 students added" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected summary entry, got %+v", logs)
	}
}

func TestUpdateStudentGradingZeroMax(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, students := createSession(t, svc, "A")

	st, err := svc.UpdateStudentGrading(ctx, students[0].ID, GradingInput{
		Status: model.GradingCompleted,
		Scores: []ScoreInput{{QuestionID: "q1", Score: 0, MaxScore: 0}},
	})
	if err != nil {
		t.Fatalf("UpdateStudentGrading: %v", err)
	}
	if st.Percentage == nil || *st.Percentage != 0 {
		t.Errorf("expected percentage 0, got %v", st.Percentage)
	}
}

func TestUpdateStudentGradingValidation(t *testing.T) {
	svc := newTestService(t)
	_, students := createSession(t, svc, "A")
	conf := 1.5

	_, err := svc.UpdateStudentGrading(context.Background(), students[0].ID, GradingInput{
		Status:   model.GradingCompleted,
		Feedback: []FeedbackInput{{QuestionID: "q1", Feedback: "ok", Confidence: &conf}},
	})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}

	_, err = svc.UpdateStudentGrading(context.Background(), students[0].ID, GradingInput{Status: "DONE"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for status, got %v", err)
	}
}

func TestSetStatus(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, students := createSession(t, svc, "A")

	if _, err := svc.SetStatus(ctx, sess.ID, StatusInput{Status: model.SessionCompleted}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	got, err := svc.SetStatus(ctx, sess.ID, StatusInput{Status: model.SessionCancelled})
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if got.Status != model.SessionCancelled || got.CompletedAt == nil {
		t.Errorf("unexpected session %+v", got)
	}

	// Cancelled sessions are not re-aggregated.
	setStatus(t, svc, students[0].ID, model.GradingPending, model.GradingCompleted)
	got, _ = svc.CheckAndUpdateSessionStatus(ctx, sess.ID)
	if got.Status != model.SessionCancelled {
		t.Errorf("expected CANCELLED to stick, got %q", got.Status)
	}
}

func TestRetry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, students := createSession(t, svc, "A", "B")
	setStatus(t, svc, students[0].ID, model.GradingPending, model.GradingCompleted)
	setStatus(t, svc, students[1].ID, model.GradingPending, model.GradingFailed)
	if got, _ := svc.CheckAndUpdateSessionStatus(ctx, sess.ID); got.Status != model.SessionCompleted {
		t.Fatalf("expected COMPLETED before retry, got %q", got.Status)
	}

	got, err := svc.Retry(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got.Status != model.SessionInProgress {
		t.Errorf("expected IN_PROGRESS after retry, got %q", got.Status)
	}
	st, _ := svc.Store().GetStudent(ctx, students[1].ID)
	if st.Status != model.GradingPending {
		t.Errorf("expected failed student reset, got %q", st.Status)
	}
}

func TestLogs(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, students := createSession(t, svc, "A")

	entry, err := svc.AddLog(ctx, sess.ID, LogInput{
		Level:     model.LogWarning,
		Message:   "manual note",
		StudentID: students[0].ID,
		Metadata:  []byte(`{"k":1}`),
	})
	if err != nil {
		t.Fatalf("AddLog: %v", err)
	}
	if entry.StudentID == nil || *entry.StudentID != students[0].ID {
		t.Errorf("expected student reference, got %v", entry.StudentID)
	}

	if _, err := svc.AddLog(ctx, sess.ID, LogInput{Level: "LOUD", Message: "x"}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for level, got %v", err)
	}

	logs, err := svc.Logs(ctx, sess.ID, 1)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "manual note" {
		t.Errorf("expected newest entry, got %+v", logs)
	}

	if _, err := svc.Logs(ctx, "missing", 10); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestClampLogLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultLogLimit},
		{-5, DefaultLogLimit},
		{20, 20},
		{10000, MaxLogLimit},
	}
	for _, tt := range tests {
		if got := clampLogLimit(tt.in); got != tt.want {
			t.Errorf("clampLogLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRecordSwallowsErrors(t *testing.T) {
	svc := newTestService(t)
	svc.Store().Close()
	// Must not panic or propagate.
	svc.Record(context.Background(), model.SessionLog{SessionID: "x", Message: "lost"})
}
