package session

import (
	"encoding/json"

	"github.com/pavelanni/gradeflow/internal/model"
)

// CreateInput is the payload for a new grading session.
type CreateInput struct {
	Title         string `json:"title" validate:"required,max=255"`
	Subject       string `json:"subject" validate:"required,max=100"`
	ExamYear      string `json:"examYear" validate:"required,len=4"`
	NumStudents   int    `json:"numStudents" validate:"min=1,max=1000"`
	GradingRubric string `json:"gradingRubric" validate:"required,json"`
}

// UpdateInput changes the editable fields of a session. Nil fields are kept.
type UpdateInput struct {
	Title         *string `json:"title" validate:"omitnil,min=1,max=255"`
	Subject       *string `json:"subject" validate:"omitnil,min=1,max=100"`
	ExamYear      *string `json:"examYear" validate:"omitnil,len=4"`
	NumStudents   *int    `json:"numStudents" validate:"omitnil,min=1,max=1000"`
	GradingRubric *string `json:"gradingRubric" validate:"omitnil,json"`
}

// StudentInput describes one student to add to a session.
type StudentInput struct {
	Name          string `json:"name" validate:"required,max=255"`
	StudentNumber string `json:"studentId" validate:"max=100"`
	FileName      string `json:"fileName" validate:"max=255"`
	FileSize      int64  `json:"fileSize" validate:"min=0"`
}

// AddStudentsInput is a batch of students.
type AddStudentsInput struct {
	Students []StudentInput `json:"students" validate:"required,min=1,max=1000,dive"`
}

// ScoreInput is one question score of a manual grading update.
type ScoreInput struct {
	QuestionID string  `json:"questionId" validate:"required"`
	Score      float64 `json:"score" validate:"min=0"`
	MaxScore   float64 `json:"maxScore" validate:"min=0"`
}

// FeedbackInput is one feedback entry of a manual grading update.
type FeedbackInput struct {
	QuestionID string             `json:"questionId" validate:"required"`
	Feedback   string             `json:"feedback" validate:"required"`
	Type       model.FeedbackType `json:"type" validate:"omitempty,oneof=GENERAL STRENGTH IMPROVEMENT SUGGESTION"`
	Confidence *float64           `json:"confidence" validate:"omitempty,min=0,max=1"`
	Keywords   []string           `json:"keywords"`
}

// GradingInput replaces a student's grading state. Scores and feedback are
// only replaced when non-empty.
type GradingInput struct {
	TaskID   string              `json:"taskId"`
	Status   model.GradingStatus `json:"status" validate:"required,gradingstatus"`
	Scores   []ScoreInput        `json:"scores" validate:"dive"`
	Feedback []FeedbackInput     `json:"feedback" validate:"dive"`
}

// LogInput is a client-supplied audit entry.
type LogInput struct {
	Level     model.LogLevel  `json:"level" validate:"required,oneof=INFO SUCCESS WARNING ERROR DEBUG"`
	Message   string          `json:"message" validate:"required,max=2000"`
	Context   string          `json:"context" validate:"max=100"`
	StudentID string          `json:"studentId"`
	Metadata  json.RawMessage `json:"metadata"`
}

// StatusInput is a manual session status change.
type StatusInput struct {
	Status model.SessionStatus `json:"status" validate:"required,sessionstatus"`
}
