package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// QuestionResult is one graded question as reported by the grading server.
type QuestionResult struct {
	QuestionID string   `json:"question_id"`
	Score      float64  `json:"score"`
	MaxScore   float64  `json:"max_score"`
	Feedback   string   `json:"feedback"`
	Confidence *float64 `json:"confidence,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
}

// ScoreSheet is the canonical form of a grading result.
type ScoreSheet struct {
	TotalScore float64          `json:"total_score"`
	MaxScore   float64          `json:"max_score"`
	Questions  []QuestionResult `json:"feedback"`
}

// GradingOutput is a normalized grading payload: the raw object to persist
// verbatim plus the scores extracted from it.
type GradingOutput struct {
	Raw   json.RawMessage
	Sheet ScoreSheet
}

type payloadEnvelope struct {
	Result  json.RawMessage `json:"result"`
	Results json.RawMessage `json:"results"`
}

// NormalizeResult accepts the grading server's result payload in any of the
// shapes it emits and returns one canonical output:
//
//	{"result": {"results": {...}}}  nested
//	{"results": {...}}              flat
//	{"total_score": ..., ...}       bare score sheet
//
// A nil result is returned for an empty or null payload.
func NormalizeResult(payload json.RawMessage) (*GradingOutput, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var env payloadEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode grading payload: %w", err)
	}

	raw := json.RawMessage(trimmed)
	sheetJSON := raw
	if isObject(env.Result) {
		var inner payloadEnvelope
		if err := json.Unmarshal(env.Result, &inner); err == nil && isObject(inner.Results) {
			raw = env.Result
			sheetJSON = inner.Results
		}
	}
	if bytes.Equal(sheetJSON, raw) && isObject(env.Results) {
		sheetJSON = env.Results
	}

	var sheet ScoreSheet
	if err := json.Unmarshal(sheetJSON, &sheet); err != nil {
		return nil, fmt.Errorf("decode score sheet: %w", err)
	}
	return &GradingOutput{Raw: append(json.RawMessage(nil), raw...), Sheet: sheet}, nil
}

func isObject(b json.RawMessage) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}

// Totals returns the total and maximum score and the percentage. Per-question
// rows win over the sheet's own totals when present.
func (s ScoreSheet) Totals() (total, maxScore, percentage float64) {
	if len(s.Questions) > 0 {
		for _, q := range s.Questions {
			total += q.Score
			maxScore += q.MaxScore
		}
	} else {
		total, maxScore = s.TotalScore, s.MaxScore
	}
	return total, maxScore, Percentage(total, maxScore)
}

// Percentage returns total/max*100, or 0 when max is not positive.
func Percentage(total, maxScore float64) float64 {
	if maxScore <= 0 {
		return 0
	}
	return total / maxScore * 100
}

// PassingPercentage is the minimum percentage counted as a pass.
const PassingPercentage = 50.0

// SessionStatistics are aggregate results over completed students.
type SessionStatistics struct {
	Average     float64 `json:"averageScore"`
	Highest     float64 `json:"highestScore"`
	Lowest      float64 `json:"lowestScore"`
	PassingRate float64 `json:"passingRate"`
}

// ComputeStatistics summarizes the percentages of completed students.
// It returns false when there is nothing to summarize.
func ComputeStatistics(percentages []float64) (SessionStatistics, bool) {
	if len(percentages) == 0 {
		return SessionStatistics{}, false
	}
	st := SessionStatistics{Highest: math.Inf(-1), Lowest: math.Inf(1)}
	var sum float64
	var passed int
	for _, p := range percentages {
		sum += p
		st.Highest = math.Max(st.Highest, p)
		st.Lowest = math.Min(st.Lowest, p)
		if p >= PassingPercentage {
			passed++
		}
	}
	n := float64(len(percentages))
	st.Average = sum / n
	st.PassingRate = float64(passed) / n * 100
	return st, true
}
