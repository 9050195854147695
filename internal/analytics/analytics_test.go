package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sidecoach/sidecoach/internal/log"
)

func TestLogInteractionPostsWithBearerToken(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Token: "secret"}, log.NewNop())
	err := c.LogInteraction(context.Background(), "tab-1", Interaction{
		Timestamp: time.Now(),
		Type:      "request_hint",
		Mode:      "practice",
	})
	if err != nil {
		t.Fatalf("LogInteraction: %v", err)
	}
	if gotPath != "/v1/interactions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotBody["conversationKey"] != "tab-1" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestSaveInterviewReport(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL}, log.NewNop())
	err := c.SaveInterviewReport(context.Background(), "tab-1", "iv-1", map[string]any{"overallScore": 80})
	if err != nil {
		t.Fatalf("SaveInterviewReport: %v", err)
	}
	if gotPath != "/v1/reports" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestNonSuccessStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL}, log.NewNop())
	if err := c.LogInteraction(context.Background(), "tab-1", Interaction{Type: "x"}); err == nil {
		t.Fatal("expected error on 403")
	}
}

func TestDisabledClientIsANoOp(t *testing.T) {
	c := New(Config{}, log.NewNop())
	if c.Enabled() {
		t.Fatal("client with no endpoint reports enabled")
	}
	if err := c.LogInteraction(context.Background(), "tab-1", Interaction{Type: "x"}); err != nil {
		t.Fatalf("disabled LogInteraction: %v", err)
	}
	if err := c.SyncProgress(context.Background(), "tab-1", nil); err != nil {
		t.Fatalf("disabled SyncProgress: %v", err)
	}
}
