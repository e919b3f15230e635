package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

func TestLogger_LevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	r := chi.NewRouter()
	r.Use(Logger(zerolog.New(&buf).Level(zerolog.DebugLevel)))
	r.Get("/v1/reviews/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/reviews/9", nil)
	req.Header.Set(headerDevice, "dev-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line not JSON: %q", buf.String())
	}
	if line["level"] != "warn" || line["route"] != "/v1/reviews/{id}" || line["owner"] != "dev-1" {
		t.Fatalf("unexpected log line: %v", line)
	}
	if line["bytes"].(float64) == 0 {
		t.Fatalf("bytes not recorded: %v", line)
	}
}

func TestTimeout_ProblemBody(t *testing.T) {
	h := Timeout(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"title":"Request Timeout"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestTimeout_KeepsHandlerContentType(t *testing.T) {
	h := Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestRecorder_Flushes(t *testing.T) {
	rr := httptest.NewRecorder()
	var w http.ResponseWriter = &srw{ResponseWriter: rr}
	f, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("recorder must implement http.Flusher")
	}
	_, _ = w.Write([]byte("data: x\n\n"))
	f.Flush()
	if !rr.Flushed {
		t.Fatal("flush not forwarded")
	}
}
