package model

import "time"

// SessionExport is the top-level JSON structure for session result export.
type SessionExport struct {
	SessionID   string             `json:"session_id"`
	Title       string             `json:"title"`
	Subject     string             `json:"subject"`
	ExamYear    string             `json:"exam_year"`
	Status      SessionStatus      `json:"status"`
	Statistics  *SessionStatistics `json:"statistics,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	ExportedAt  time.Time          `json:"exported_at"`
	Results     []StudentResult    `json:"results"`
}

// StudentResult holds one student's grading outcome for export.
type StudentResult struct {
	Name          string           `json:"name"`
	StudentNumber string           `json:"student_number,omitempty"`
	TaskID        string           `json:"task_id,omitempty"`
	Status        GradingStatus    `json:"status"`
	TotalScore    float64          `json:"total_score"`
	MaxScore      float64          `json:"max_score"`
	Percentage    float64          `json:"percentage"`
	GradedAt      *time.Time       `json:"graded_at,omitempty"`
	Questions     []QuestionResult `json:"questions"`
}
