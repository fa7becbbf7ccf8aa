package model

import (
	"encoding/json"
	"time"
)

// SessionStatus is the aggregate status of a grading session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "PENDING"
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionFailed     SessionStatus = "FAILED"
	SessionCancelled  SessionStatus = "CANCELLED"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPending, SessionInProgress, SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// Active reports whether the session may still change status on its own.
func (s SessionStatus) Active() bool {
	return s == SessionPending || s == SessionInProgress
}

// GradingStatus is the grading status of a single student.
type GradingStatus string

const (
	GradingPending    GradingStatus = "PENDING"
	GradingProcessing GradingStatus = "PROCESSING"
	GradingCompleted  GradingStatus = "COMPLETED"
	GradingFailed     GradingStatus = "FAILED"
)

// Valid reports whether s is a known grading status.
func (s GradingStatus) Valid() bool {
	switch s {
	case GradingPending, GradingProcessing, GradingCompleted, GradingFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected.
func (s GradingStatus) Terminal() bool {
	return s == GradingCompleted || s == GradingFailed
}

// LogLevel is the severity of a session log entry.
type LogLevel string

const (
	LogInfo    LogLevel = "INFO"
	LogSuccess LogLevel = "SUCCESS"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
	LogDebug   LogLevel = "DEBUG"
)

// FeedbackType classifies a feedback entry.
type FeedbackType string

const (
	FeedbackGeneral     FeedbackType = "GENERAL"
	FeedbackStrength    FeedbackType = "STRENGTH"
	FeedbackImprovement FeedbackType = "IMPROVEMENT"
	FeedbackSuggestion  FeedbackType = "SUGGESTION"
)

// User owns grading sessions. Authentication is out of scope, so a single
// default user is created on first use.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// GradingSession is a batch grading job containing many students.
type GradingSession struct {
	ID           string        `json:"id"`
	UserID       string        `json:"userId"`
	Title        string        `json:"title"`
	Subject      string        `json:"subject"`
	ExamYear     string        `json:"examYear"`
	NumStudents  int           `json:"numStudents"`
	Rubric       string        `json:"gradingRubric"`
	Status       SessionStatus `json:"status"`
	AverageScore *float64      `json:"averageScore,omitempty"`
	HighestScore *float64      `json:"highestScore,omitempty"`
	LowestScore  *float64      `json:"lowestScore,omitempty"`
	PassingRate  *float64      `json:"passingRate,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
}

// Student is one exam submission within a session.
type Student struct {
	ID               string          `json:"id"`
	SessionID        string          `json:"gradingSessionId"`
	Name             string          `json:"name"`
	StudentNumber    string          `json:"studentId,omitempty"`
	FileName         string          `json:"fileName,omitempty"`
	FileSize         int64           `json:"fileSize,omitempty"`
	TaskID           *string         `json:"taskId,omitempty"`
	Status           GradingStatus   `json:"status"`
	TotalScore       *float64        `json:"totalScore,omitempty"`
	MaxScore         *float64        `json:"maxScore,omitempty"`
	Percentage       *float64        `json:"percentage,omitempty"`
	RawGradingOutput json.RawMessage `json:"rawGradingOutput,omitempty"`
	UploadedAt       *time.Time      `json:"uploadedAt,omitempty"`
	GradedAt         *time.Time      `json:"gradedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// QuestionScore holds the score for one question of a student's exam.
type QuestionScore struct {
	ID         string  `json:"id"`
	StudentID  string  `json:"studentId"`
	QuestionID string  `json:"questionId"`
	Score      float64 `json:"score"`
	MaxScore   float64 `json:"maxScore"`
}

// StudentFeedback is AI-generated feedback for one question.
type StudentFeedback struct {
	ID         string       `json:"id"`
	StudentID  string       `json:"studentId"`
	QuestionID string       `json:"questionId"`
	Feedback   string       `json:"feedback"`
	Type       FeedbackType `json:"type"`
	Confidence *float64     `json:"confidence,omitempty"`
	Keywords   []string     `json:"keywords,omitempty"`
}

// SessionLog is an append-only audit entry.
type SessionLog struct {
	ID        string          `json:"id"`
	SessionID string          `json:"gradingSessionId"`
	StudentID *string         `json:"studentId,omitempty"`
	UserID    *string         `json:"userId,omitempty"`
	Level     LogLevel        `json:"level"`
	Message   string          `json:"message"`
	Context   string          `json:"context,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// StudentView combines a student with its scores and feedback.
type StudentView struct {
	Student
	QuestionScores []QuestionScore   `json:"questionScores"`
	Feedback       []StudentFeedback `json:"feedback"`
}

// SessionView combines session data with students and recent logs for display.
type SessionView struct {
	GradingSession
	Students []StudentView `json:"students"`
	Logs     []SessionLog  `json:"logs"`
	Counts   SessionCounts `json:"_count"`
}

// SessionCounts holds child row counts of a session.
type SessionCounts struct {
	Students int `json:"students"`
	Logs     int `json:"logs"`
}

// SessionSummary is a session row in list views.
type SessionSummary struct {
	GradingSession
	Counts SessionCounts `json:"_count"`
}

// StatusCounts is the distribution of student statuses within a session.
type StatusCounts struct {
	Total      int `json:"totalStudents"`
	Pending    int `json:"pendingStudents"`
	Processing int `json:"processingStudents"`
	Completed  int `json:"completedStudents"`
	Failed     int `json:"failedStudents"`
}

// AddN counts n students with status s.
func (c *StatusCounts) AddN(s GradingStatus, n int) {
	c.Total += n
	switch s {
	case GradingPending:
		c.Pending += n
	case GradingProcessing:
		c.Processing += n
	case GradingCompleted:
		c.Completed += n
	case GradingFailed:
		c.Failed += n
	}
}

// OldestPendingTask describes the longest-waiting pending task.
type OldestPendingTask struct {
	TaskID      string    `json:"taskId"`
	StudentName string    `json:"studentName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MonitoringStats is a snapshot of outstanding grading work.
type MonitoringStats struct {
	TotalPendingTasks    int                `json:"totalPendingTasks"`
	TotalProcessingTasks int                `json:"totalProcessingTasks"`
	TotalActiveSessions  int                `json:"totalActiveSessions"`
	OldestPendingTask    *OldestPendingTask `json:"oldestPendingTask,omitempty"`
}
