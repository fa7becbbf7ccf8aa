package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/gradeflow/internal/grading"
	"github.com/pavelanni/gradeflow/internal/model"
	"github.com/pavelanni/gradeflow/internal/monitor"
	"github.com/pavelanni/gradeflow/internal/session"
	"github.com/pavelanni/gradeflow/internal/store"
)

type testServer struct {
	srv      *httptest.Server
	store    *store.Store
	sessions *session.Service
	uploads  [][]byte
}

// newTestServer wires the API against an in-memory store. grader is the
// fake grading server; nil leaves the grading client unconfigured.
func newTestServer(t *testing.T, grader http.Handler) *testServer {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	cfg := grading.Config{FetchTimeout: time.Second, UploadTimeout: time.Second}
	if grader != nil {
		gs := httptest.NewServer(grader)
		t.Cleanup(gs.Close)
		cfg.BaseURL = gs.URL
	}
	client := grading.New(cfg)
	svc := session.New(st, "")
	mon := monitor.New(st, svc, client, monitor.Config{})

	r := chi.NewRouter()
	New(svc, mon, client).Routes(r)
	ts := &testServer{srv: httptest.NewServer(r), store: st, sessions: svc}
	t.Cleanup(func() {
		ts.srv.Close()
		mon.Close()
		st.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp, out
}

const createBody = `{"title":"Midterm","subject":"Physics","examYear":"2026","numStudents":2,"gradingRubric":"{\"questions\":[]}"}`

func (ts *testServer) createSession(t *testing.T) string {
	t.Helper()
	resp, out := ts.do(t, http.MethodPost, "/api/sessions", createBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d, body %v", resp.StatusCode, out)
	}
	return out["id"].(string)
}

// addStudentWithTask adds one student to a new session and assigns taskID.
func (ts *testServer) addStudentWithTask(t *testing.T, taskID string) (sessionID, studentID string) {
	t.Helper()
	sessionID = ts.createSession(t)
	students, err := ts.sessions.AddStudents(context.Background(), sessionID,
		session.AddStudentsInput{Students: []session.StudentInput{{Name: "Alice"}}})
	if err != nil {
		t.Fatalf("AddStudents: %v", err)
	}
	if err := ts.store.AssignTask(context.Background(), students[0].ID, taskID); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	return sessionID, students[0].ID
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, out := ts.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if out["status"] != "ok" || out["gradingServer"] != false {
		t.Errorf("unexpected body %v", out)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", createBody, http.StatusCreated},
		{"malformed json", `{"title":`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
		{"missing title", `{"subject":"Physics","examYear":"2026","numStudents":2,"gradingRubric":"{}"}`, http.StatusBadRequest},
		{"bad year", `{"title":"T","subject":"Physics","examYear":"26","numStudents":2,"gradingRubric":"{}"}`, http.StatusBadRequest},
		{"rubric not json", `{"title":"T","subject":"Physics","examYear":"2026","numStudents":2,"gradingRubric":"nope"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := ts.do(t, http.MethodPost, "/api/sessions", tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.want, out)
			}
			if tt.want == http.StatusBadRequest && out["error"] == nil {
				t.Errorf("expected error body, got %v", out)
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createSession(t)

	resp, out := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/students",
		`[{"name":"Alice","fileName":"alice.pdf"},{"name":"Bob"}]`)
	if resp.StatusCode != http.StatusCreated || out["count"] != float64(2) {
		t.Fatalf("add students: %d %v", resp.StatusCode, out)
	}
	resp, out = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/students", `{"students":[{"name":"Carol"}]}`)
	if resp.StatusCode != http.StatusCreated || out["count"] != float64(1) {
		t.Fatalf("add wrapped students: %d %v", resp.StatusCode, out)
	}

	resp, out = ts.do(t, http.MethodGet, "/api/sessions/"+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d", resp.StatusCode)
	}
	if students, _ := out["students"].([]any); len(students) != 3 {
		t.Errorf("expected 3 students, got %v", out["students"])
	}

	resp, out = ts.do(t, http.MethodPatch, "/api/sessions/"+id, `{"title":"Final"}`)
	if resp.StatusCode != http.StatusOK || out["title"] != "Final" {
		t.Errorf("update: %d %v", resp.StatusCode, out)
	}

	resp, out = ts.do(t, http.MethodGet, "/api/sessions/"+id+"/status", "")
	if resp.StatusCode != http.StatusOK || out["status"] != "PENDING" {
		t.Errorf("status: %d %v", resp.StatusCode, out)
	}
	counts, _ := out["counts"].(map[string]any)
	if counts["totalStudents"] != float64(3) || counts["pendingStudents"] != float64(3) {
		t.Errorf("unexpected counts %v", counts)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/sessions", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("list: %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/sessions/"+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete: %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/sessions/"+id, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: %d", resp.StatusCode)
	}
}

func TestSetSessionStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createSession(t)

	resp, _ := ts.do(t, http.MethodPatch, "/api/sessions/"+id+"/status", `{"status":"COMPLETED"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("manual COMPLETED: got %d, want 400", resp.StatusCode)
	}
	resp, out := ts.do(t, http.MethodPatch, "/api/sessions/"+id+"/status", `{"status":"CANCELLED"}`)
	if resp.StatusCode != http.StatusOK || out["status"] != "CANCELLED" {
		t.Fatalf("cancel: %d %v", resp.StatusCode, out)
	}
	resp, _ = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/retry", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("retry cancelled: got %d, want 409", resp.StatusCode)
	}
}

func TestLogs(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createSession(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/logs", `{"level":"LOUD","message":"x"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad level: got %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/logs", `{"level":"WARNING","message":"scanner jammed"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add log: %d", resp.StatusCode)
	}
	resp, out := ts.do(t, http.MethodGet, "/api/sessions/"+id+"/logs?limit=1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list logs: %d", resp.StatusCode)
	}
	logs, _ := out["logs"].([]any)
	if len(logs) != 1 || logs[0].(map[string]any)["message"] != "scanner jammed" {
		t.Errorf("unexpected logs %v", logs)
	}
}

func TestCheckTaskWithoutGradingServer(t *testing.T) {
	ts := newTestServer(t, nil)
	_, studentID := ts.addStudentWithTask(t, "t-1")

	resp, out := ts.do(t, http.MethodPost, "/api/tasks/t-1/check", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if out["status"] != "ERROR" || !strings.Contains(out["error"].(string), "GRADING_SERVER_URL") {
		t.Errorf("expected in-body error, got %v", out)
	}
	st, err := ts.store.GetStudent(context.Background(), studentID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != model.GradingPending {
		t.Errorf("student changed to %q", st.Status)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/tasks/missing/check", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown task: got %d, want 404", resp.StatusCode)
	}
}

func TestTaskUpdateStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	sessionID, studentID := ts.addStudentWithTask(t, "t-push")

	resp, _ := ts.do(t, http.MethodPost, "/api/tasks/t-push/update-status", `{"result":{}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing status: got %d", resp.StatusCode)
	}

	resp, out := ts.do(t, http.MethodPost, "/api/tasks/t-push/update-status",
		`{"status":"SUCCESS","result":{"total_score":7,"max_score":10}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %v", resp.StatusCode, out)
	}

	resp, out = ts.do(t, http.MethodGet, "/api/tasks/t-push/student", "")
	if resp.StatusCode != http.StatusOK || out["id"] != studentID || out["status"] != "COMPLETED" {
		t.Errorf("task student: %d %v", resp.StatusCode, out)
	}
	if out["percentage"] != float64(70) {
		t.Errorf("percentage = %v, want 70", out["percentage"])
	}

	resp, out = ts.do(t, http.MethodGet, "/api/tasks/t-push/verify-results", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: %d", resp.StatusCode)
	}
	if st := out["student"].(map[string]any); st["hasRawGradingOutput"] != true {
		t.Errorf("expected raw output, got %v", st)
	}

	resp, out = ts.do(t, http.MethodGet, "/api/tasks/t-push/logs", "")
	if resp.StatusCode != http.StatusOK || len(out["logs"].([]any)) == 0 {
		t.Errorf("task logs: %d %v", resp.StatusCode, out)
	}

	resp, out = ts.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/status", "")
	if out["status"] != "COMPLETED" {
		t.Errorf("session status = %v, want COMPLETED", out["status"])
	}
}

func TestCronStatusCheck(t *testing.T) {
	grader := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"PROCESSING","progress":40}`)
	})
	ts := newTestServer(t, grader)
	ts.addStudentWithTask(t, "t-cron")

	resp, out := ts.do(t, http.MethodGet, "/api/cron/status-check", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d %v", resp.StatusCode, out)
	}
	summary := out["summary"].(map[string]any)
	if summary["processed"] != float64(1) || summary["updated"] != float64(1) {
		t.Errorf("unexpected summary %v", summary)
	}
	stats := out["stats"].(map[string]any)
	if stats["totalProcessingTasks"] != float64(1) || stats["totalActiveSessions"] != float64(1) {
		t.Errorf("unexpected stats %v", stats)
	}

	resp, out = ts.do(t, http.MethodGet, "/api/monitoring/stats", "")
	if resp.StatusCode != http.StatusOK || out["stats"] == nil {
		t.Errorf("monitoring stats: %d %v", resp.StatusCode, out)
	}
}

func multipartBody(t *testing.T, withFile bool, guide string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if withFile {
		fw, err := mw.CreateFormFile("pdf_file", "exam.pdf")
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(fw, "%PDF-1.4")
	}
	if guide != "" {
		mw.WriteField("grading_guide_json_str", guide)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestGradeUpload(t *testing.T) {
	var forwarded []byte
	grader := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/grade/upload/" {
			http.NotFound(w, r)
			return
		}
		forwarded, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"task_id":"up-1"}`)
	})
	ts := newTestServer(t, grader)

	tests := []struct {
		name     string
		withFile bool
		guide    string
		want     int
	}{
		{"valid", true, `{"questions":[]}`, http.StatusAccepted},
		{"missing file", false, `{}`, http.StatusBadRequest},
		{"missing guide", true, "", http.StatusBadRequest},
		{"guide not json", true, "{nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forwarded = nil
			body, ct := multipartBody(t, tt.withFile, tt.guide)
			sent := append([]byte(nil), body.Bytes()...)
			resp, err := http.Post(ts.srv.URL+"/api/grade/upload", ct, body)
			if err != nil {
				t.Fatal(err)
			}
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.want, raw)
			}
			if tt.want != http.StatusAccepted {
				if forwarded != nil {
					t.Error("invalid upload was forwarded")
				}
				return
			}
			if !bytes.Equal(forwarded, sent) {
				t.Error("upload body was not forwarded verbatim")
			}
			if !strings.Contains(string(raw), "up-1") {
				t.Errorf("unexpected response %s", raw)
			}
		})
	}
}

func TestGradeStatusProxy(t *testing.T) {
	grader := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/grade/status/known/" {
			io.WriteString(w, `{"status":"SUCCESS","progress":100}`)
			return
		}
		http.Error(w, `{"detail":"no such task"}`, http.StatusNotFound)
	})
	ts := newTestServer(t, grader)

	resp, out := ts.do(t, http.MethodGet, "/api/grade/status/known", "")
	if resp.StatusCode != http.StatusOK || out["status"] != "SUCCESS" {
		t.Errorf("known: %d %v", resp.StatusCode, out)
	}
	resp, out = ts.do(t, http.MethodGet, "/api/grade/status/unknown", "")
	if resp.StatusCode != http.StatusNotFound || out["details"] == nil {
		t.Errorf("unknown: %d %v", resp.StatusCode, out)
	}
}

func TestGradeStatusWithoutServer(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, out := ts.do(t, http.MethodGet, "/api/grade/status/x", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if !strings.Contains(out["error"].(string), "GRADING_SERVER_URL") {
		t.Errorf("unexpected error %v", out)
	}
}
