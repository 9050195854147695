package generate

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/sidecoach/sidecoach/internal/log"
	"github.com/sidecoach/sidecoach/internal/ratelimit"
)

// fakeCaller stands in for the genai Models surface.
type fakeCaller struct {
	resp *genai.GenerateContentResponse
	err  error

	calls      int
	lastModel  string
	lastConfig *genai.GenerateContentConfig
	lastPrompt string
}

func (f *fakeCaller) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.lastModel = model
	f.lastConfig = config
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.lastPrompt = contents[0].Parts[0].Text
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{{Text: text}}}},
		},
	}
}

func testClient(caller contentCaller) *Client {
	return newWithCaller(caller, ratelimit.New(100, time.Minute), log.NewNop())
}

func TestGenerateSuccess(t *testing.T) {
	caller := &fakeCaller{resp: textResponse(
		"Think about what data structure gives O(1) lookups.\n```json\n{\"type\": \"nudge\", \"followUp\": \"What are you scanning twice?\"}\n```",
	)}
	c := testClient(caller)

	res, err := c.Generate(context.Background(), "hint prompt", Options{})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if res.Text != "Think about what data structure gives O(1) lookups." {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Metadata == nil || res.Metadata["type"] != "nudge" {
		t.Errorf("Metadata = %v", res.Metadata)
	}
	if caller.lastPrompt != "hint prompt" {
		t.Errorf("prompt passed through = %q", caller.lastPrompt)
	}
}

func TestGenerateNotConfigured(t *testing.T) {
	c := newWithCaller(nil, ratelimit.New(100, time.Minute), log.NewNop())

	_, err := c.Generate(context.Background(), "p", Options{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestGenerateRateLimited(t *testing.T) {
	caller := &fakeCaller{resp: textResponse("ok")}
	c := newWithCaller(caller, ratelimit.New(1, time.Minute), log.NewNop())

	if _, err := c.Generate(context.Background(), "p", Options{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := c.Generate(context.Background(), "p", Options{})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
	if caller.calls != 1 {
		t.Errorf("backend called %d times, want 1 (no network on rejection)", caller.calls)
	}
}

func TestGenerateBackendError(t *testing.T) {
	caller := &fakeCaller{err: genai.APIError{Code: 503, Message: "model overloaded"}}
	c := testClient(caller)

	_, err := c.Generate(context.Background(), "p", Options{})
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BackendError", err)
	}
	if be.Status != 503 || be.Message != "model overloaded" {
		t.Errorf("BackendError = %+v", be)
	}
}

func TestGenerateTimeout(t *testing.T) {
	caller := &fakeCaller{err: context.DeadlineExceeded}
	c := testClient(caller)

	_, err := c.Generate(context.Background(), "p", Options{})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestGenerateEmptyResponse(t *testing.T) {
	caller := &fakeCaller{resp: &genai.GenerateContentResponse{}}
	c := testClient(caller)

	_, err := c.Generate(context.Background(), "p", Options{})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestGenerateOptionOverrides(t *testing.T) {
	caller := &fakeCaller{resp: textResponse("ok")}
	c := testClient(caller)

	temp := float32(0.1)
	maxTok := int32(64)
	_, err := c.Generate(context.Background(), "p", Options{
		System:      "be brief",
		Temperature: &temp,
		MaxTokens:   &maxTok,
	})
	if err != nil {
		t.Fatalf("Generate(): %v", err)
	}

	cfg := caller.lastConfig
	if cfg.Temperature == nil || *cfg.Temperature != 0.1 {
		t.Errorf("temperature override not applied: %v", cfg.Temperature)
	}
	if cfg.MaxOutputTokens != 64 {
		t.Errorf("MaxOutputTokens = %d, want 64", cfg.MaxOutputTokens)
	}
	if cfg.SystemInstruction == nil {
		t.Error("system instruction missing")
	}
	if cfg.TopP == nil || *cfg.TopP != DefaultTopP {
		t.Errorf("TopP default not applied: %v", cfg.TopP)
	}
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureReason
	}{
		{"quota status", &BackendError{Status: 429, Message: "x"}, ReasonQuotaExhausted},
		{"quota text", &BackendError{Message: "RESOURCE_EXHAUSTED: quota exceeded"}, ReasonQuotaExhausted},
		{"bad key status", &BackendError{Status: 401, Message: "x"}, ReasonInvalidCredential},
		{"bad key text", &BackendError{Message: "API key not valid"}, ReasonInvalidCredential},
		{"server error", &BackendError{Status: 500, Message: "internal"}, ReasonUnknown},
		{"not a backend error", errors.New("boom"), ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyFailure(tt.err); got != tt.want {
				t.Errorf("ClassifyFailure() = %v, want %v", got, tt.want)
			}
		})
	}
}
