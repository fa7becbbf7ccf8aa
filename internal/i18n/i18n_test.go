package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	loc := NewLocalizer(lang)
	return WithLocalizer(context.Background(), loc)
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "SessionCancelled")
	if got != "Grading session cancelled" {
		t.Errorf("T(SessionCancelled) = %q", got)
	}

	got = Td(ctx, "SessionStatusChanged", map[string]any{"From": "PENDING", "To": "IN_PROGRESS"})
	if got != "Session status changed from PENDING to IN_PROGRESS" {
		t.Errorf("Td(SessionStatusChanged) = %q", got)
	}
}

func TestTranslateRussian(t *testing.T) {
	ctx := initLang(t, "ru")

	got := T(ctx, "SessionCancelled")
	if got != "Сессия проверки отменена" {
		t.Errorf("T(SessionCancelled) = %q", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	tests := []struct {
		count int
		want  string
	}{
		{1, "1 student added"},
		{3, "3 students added"},
	}
	for _, tt := range tests {
		if got := Tp(ctx, "StudentsAdded", tt.count); got != tt.want {
			t.Errorf("Tp(StudentsAdded, %d) = %q, want %q", tt.count, got, tt.want)
		}
	}

	ctx = initLang(t, "ru")
	if got := Tp(ctx, "StudentsAdded", 5); got != "Добавлено 5 студентов" {
		t.Errorf("Tp(StudentsAdded, 5) ru = %q", got)
	}
}

func TestMissingTranslationReturnsID(t *testing.T) {
	ctx := initLang(t, "en")
	if got := T(ctx, "NoSuchMessage"); got != "NoSuchMessage" {
		t.Errorf("expected message id back, got %q", got)
	}
}

func TestFallbackWithoutLocalizer(t *testing.T) {
	initLang(t, "en")
	got := T(context.Background(), "SessionUpdated")
	if got != "Grading session details updated" {
		t.Errorf("T without localizer = %q", got)
	}
}

func TestMiddlewareAcceptLanguage(t *testing.T) {
	initLang(t, "en")

	var got string
	h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "SessionCancelled")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "Сессия проверки отменена" {
		t.Errorf("expected Russian from Accept-Language, got %q", got)
	}
}
