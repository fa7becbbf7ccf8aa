package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/gradeflow/internal/model"
)

// GetStudentView returns a student with its question scores and feedback.
func (q *queries) GetStudentView(ctx context.Context, id string) (*model.StudentView, error) {
	st, err := q.GetStudent(ctx, id)
	if err != nil {
		return nil, err
	}
	return q.studentView(ctx, *st)
}

func (q *queries) studentView(ctx context.Context, st model.Student) (*model.StudentView, error) {
	scores, err := q.ListQuestionScores(ctx, st.ID)
	if err != nil {
		return nil, fmt.Errorf("list scores of %s: %w", st.ID, err)
	}
	feedback, err := q.ListFeedback(ctx, st.ID)
	if err != nil {
		return nil, fmt.Errorf("list feedback of %s: %w", st.ID, err)
	}
	return &model.StudentView{
		Student:        st,
		QuestionScores: nonNil(scores),
		Feedback:       nonNil(feedback),
	}, nil
}

// GetSessionView returns a session with its students (ordered by name, with
// scores and feedback) and the newest logLimit log entries.
func (q *queries) GetSessionView(ctx context.Context, id string, logLimit int) (*model.SessionView, error) {
	sess, err := q.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	students, err := q.ListStudents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	view := &model.SessionView{GradingSession: *sess, Students: []model.StudentView{}}
	for _, st := range students {
		sv, err := q.studentView(ctx, st)
		if err != nil {
			return nil, err
		}
		view.Students = append(view.Students, *sv)
	}
	logs, err := q.ListLogs(ctx, id, logLimit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	view.Logs = nonNil(logs)
	view.Counts.Students = len(students)
	if view.Counts.Logs, err = q.CountLogs(ctx, id); err != nil {
		return nil, fmt.Errorf("count logs: %w", err)
	}
	return view, nil
}

// ExportSession builds export-ready results for every student of a session.
func (q *queries) ExportSession(ctx context.Context, id string) (*model.SessionExport, error) {
	view, err := q.GetSessionView(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	exp := &model.SessionExport{
		SessionID:   view.ID,
		Title:       view.Title,
		Subject:     view.Subject,
		ExamYear:    view.ExamYear,
		Status:      view.Status,
		StartedAt:   view.StartedAt,
		CompletedAt: view.CompletedAt,
		ExportedAt:  now(),
		Results:     []model.StudentResult{},
	}
	if view.AverageScore != nil {
		exp.Statistics = &model.SessionStatistics{
			Average:     deref(view.AverageScore),
			Highest:     deref(view.HighestScore),
			Lowest:      deref(view.LowestScore),
			PassingRate: deref(view.PassingRate),
		}
	}

	for _, sv := range view.Students {
		feedback := make(map[string]model.StudentFeedback, len(sv.Feedback))
		for _, fb := range sv.Feedback {
			feedback[fb.QuestionID] = fb
		}
		questions := []model.QuestionResult{}
		for _, sc := range sv.QuestionScores {
			qr := model.QuestionResult{QuestionID: sc.QuestionID, Score: sc.Score, MaxScore: sc.MaxScore}
			if fb, ok := feedback[sc.QuestionID]; ok {
				qr.Feedback = fb.Feedback
				qr.Confidence = fb.Confidence
				qr.Keywords = fb.Keywords
			}
			questions = append(questions, qr)
		}
		res := model.StudentResult{
			Name:          sv.Name,
			StudentNumber: sv.StudentNumber,
			Status:        sv.Status,
			TotalScore:    deref(sv.TotalScore),
			MaxScore:      deref(sv.MaxScore),
			Percentage:    deref(sv.Percentage),
			GradedAt:      sv.GradedAt,
			Questions:     questions,
		}
		if sv.TaskID != nil {
			res.TaskID = *sv.TaskID
		}
		exp.Results = append(exp.Results, res)
	}
	return exp, nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
