package coach

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sidecoach/sidecoach/internal/analytics"
	"github.com/sidecoach/sidecoach/internal/generate"
	"github.com/sidecoach/sidecoach/internal/interview"
	"github.com/sidecoach/sidecoach/internal/log"
	"github.com/sidecoach/sidecoach/internal/prompt"
	"github.com/sidecoach/sidecoach/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedGen pops queued responses and falls back to a fixed reply. Safe
// for concurrent use.
type scriptedGen struct {
	mu      sync.Mutex
	err     error
	queue   []string
	prompts []string
}

func (g *scriptedGen) Generate(_ context.Context, promptText string, _ generate.Options) (*generate.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, promptText)
	if g.err != nil {
		return nil, g.err
	}
	raw := "Coaching response."
	if len(g.queue) > 0 {
		raw = g.queue[0]
		g.queue = g.queue[1:]
	}
	return &generate.Result{
		Text:     prompt.StripMetadataBlock(raw),
		Metadata: prompt.ExtractMetadata(raw),
		RawText:  raw,
	}, nil
}

type fakeReports struct {
	mu    sync.Mutex
	saved []string // interview ids
}

func (f *fakeReports) SaveReport(_ context.Context, _, interviewID string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, interviewID)
	return nil
}

func newTestRouter(gen Generator) (*Router, *session.Store) {
	logger := log.NewNop()
	store := session.NewStore(nil, logger)
	engine := interview.NewEngine(gen, logger)
	return NewRouter(store, gen, engine, nil, analytics.New(analytics.Config{}, logger), logger), store
}

func dispatch(t *testing.T, r *Router, typ RequestType, key string, data any) Response {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	return r.Dispatch(context.Background(), Request{Type: typ, ConversationKey: key, Data: raw})
}

func loadProblem(t *testing.T, r *Router, key string) {
	t.Helper()
	resp := dispatch(t, r, TypeExtractProblem, key, map[string]any{
		"platform": "leetcode",
		"problemData": map[string]any{
			"title":       "Two Sum",
			"difficulty":  "easy",
			"description": "Find two numbers adding to target.",
			"tags":        []string{"array", "hash-table"},
		},
	})
	if resp["success"] != true {
		t.Fatalf("extract_problem failed: %v", resp["error"])
	}
}

func TestDispatchUnknownTypeIsTypedFailure(t *testing.T) {
	r, _ := newTestRouter(&scriptedGen{})

	resp := dispatch(t, r, "reboot_universe", "tab-1", nil)
	if resp["success"] != false {
		t.Fatal("unknown type did not fail")
	}
	if resp["error"] == "" {
		t.Error("no error message")
	}
}

func TestDispatchRequiresConversationKey(t *testing.T) {
	r, _ := newTestRouter(&scriptedGen{})
	if resp := dispatch(t, r, TypeRequestHint, "", nil); resp["success"] != false {
		t.Fatal("missing key accepted")
	}
}

func TestExtractProblemStoresSnapshot(t *testing.T) {
	gen := &scriptedGen{queue: []string{"A classic hash map lookup problem."}}
	r, store := newTestRouter(gen)

	loadProblem(t, r, "tab-1")

	sess := store.Get("tab-1")
	if sess.CurrentProblem == nil || sess.CurrentProblem.Title != "Two Sum" {
		t.Fatalf("problem not stored: %+v", sess.CurrentProblem)
	}
}

func TestExtractProblemValidatesPayload(t *testing.T) {
	r, store := newTestRouter(&scriptedGen{})

	resp := dispatch(t, r, TypeExtractProblem, "tab-1", map[string]any{
		"platform":    "leetcode",
		"problemData": map[string]any{"title": ""},
	})
	if resp["success"] != false {
		t.Fatal("empty problem accepted")
	}
	if store.Get("tab-1").CurrentProblem != nil {
		t.Error("invalid problem was stored")
	}
}

func TestRequestHintAppendsAndReportsBudget(t *testing.T) {
	gen := &scriptedGen{queue: []string{
		"", // extract analysis
		"What data structure gives O(1) lookup?\n```json\n{\"type\": \"guiding_question\", \"followUp\": \"What are the trade-offs?\"}\n```",
	}}
	r, store := newTestRouter(gen)
	loadProblem(t, r, "tab-1")

	resp := dispatch(t, r, TypeRequestHint, "tab-1", map[string]any{
		"userCode":     "func twoSum() {}",
		"userQuestion": "where do I start?",
	})
	if resp["success"] != true {
		t.Fatalf("request_hint failed: %v", resp["error"])
	}
	hint := resp["hint"].(Response)
	if hint["type"] != "guiding_question" {
		t.Errorf("hint type = %v", hint["type"])
	}
	if resp["remainingHints"] != session.UnlimitedHints {
		t.Errorf("remainingHints = %v, want unlimited in practice mode", resp["remainingHints"])
	}
	if got := store.Get("tab-1").Hints; len(got) != 1 {
		t.Errorf("hints = %d, want 1", len(got))
	}
}

func TestRequestHintWithoutProblem(t *testing.T) {
	r, store := newTestRouter(&scriptedGen{})

	resp := dispatch(t, r, TypeRequestHint, "tab-1", map[string]any{"userQuestion": "help"})
	if resp["success"] != false {
		t.Fatal("hint without problem accepted")
	}
	if len(store.Get("tab-1").Hints) != 0 {
		t.Error("failed hint request appended a record")
	}
}

func TestRequestHintWithoutCredential(t *testing.T) {
	gen := &scriptedGen{}
	r, store := newTestRouter(gen)
	loadProblem(t, r, "tab-1")

	gen.err = generate.ErrNotConfigured
	resp := dispatch(t, r, TypeRequestHint, "tab-1", map[string]any{"userQuestion": "help"})
	if resp["success"] != false {
		t.Fatal("hint without credential accepted")
	}
	if msg := resp["error"].(string); msg != "configure your API credential in settings" {
		t.Errorf("error = %q", msg)
	}
	if len(store.Get("tab-1").Hints) != 0 {
		t.Error("failed hint request appended a record")
	}
}

func TestAnalyzeCodeConcurrentCallsLoseNothing(t *testing.T) {
	gen := &scriptedGen{}
	r, store := newTestRouter(gen)
	loadProblem(t, r, "tab-1")

	var wg sync.WaitGroup
	for _, code := range []string{"attempt one", "attempt two"} {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			resp := dispatch(t, r, TypeAnalyzeCode, "tab-1", map[string]any{
				"code": code, "language": "go",
			})
			if resp["success"] != true {
				t.Errorf("analyze_code failed: %v", resp["error"])
			}
		}(code)
	}
	wg.Wait()

	if got := store.Get("tab-1").CodeIterations; len(got) != 2 {
		t.Fatalf("codeIterations = %d, want both racing calls recorded", len(got))
	}
}

func TestInterviewLifecycle(t *testing.T) {
	gen := &scriptedGen{queue: []string{
		"", // extract analysis
		"First question?",
		"Fine answer.\n```json\n{\"score\": 80, \"clarity\": 80, \"confidence\": 80, \"technicalDepth\": 80, \"feedback\": \"ok\"}\n```",
		"Second question?",
		"Overall good.\n```json\n{\"overallScore\": 81, \"readiness\": \"interview_ready\"}\n```",
	}}
	reports := &fakeReports{}
	logger := log.NewNop()
	store := session.NewStore(nil, logger)
	engine := interview.NewEngine(gen, logger)
	r := NewRouter(store, gen, engine, reports, analytics.New(analytics.Config{}, logger), logger)
	loadProblem(t, r, "tab-1")

	start := dispatch(t, r, TypeStartInterview, "tab-1", map[string]any{"durationMinutes": 30})
	if start["success"] != true {
		t.Fatalf("start_interview failed: %v", start["error"])
	}
	if start["firstQuestion"] != "First question?" {
		t.Errorf("firstQuestion = %v", start["firstQuestion"])
	}

	turn := dispatch(t, r, TypeInterviewQuestion, "tab-1", map[string]any{
		"userResponse": "I'd use a map.",
		"currentCode":  "func twoSum() {}",
		"turnToken":    "t1",
	})
	if turn["success"] != true {
		t.Fatalf("interview_question failed: %v", turn["error"])
	}
	if turn["shouldEnd"] != false {
		t.Error("shouldEnd = true inside the budget")
	}
	if turn["nextQuestion"] != "Second question?" {
		t.Errorf("nextQuestion = %v", turn["nextQuestion"])
	}
	eval := turn["evaluation"].(session.Evaluation)
	if eval.Score != 80 {
		t.Errorf("evaluation score = %d", eval.Score)
	}

	end := dispatch(t, r, TypeEndInterview, "tab-1", nil)
	if end["success"] != true {
		t.Fatalf("end_interview failed: %v", end["error"])
	}
	report := end["report"].(*interview.Report)
	if report.OverallScore != 81 {
		t.Errorf("overallScore = %d", report.OverallScore)
	}
	if len(reports.saved) != 1 {
		t.Errorf("reports persisted = %d, want 1", len(reports.saved))
	}

	sess := store.Get("tab-1")
	if sess.Interview == nil || !sess.Interview.Ended() {
		t.Error("ending the interview erased or failed to stamp the sub-record")
	}
}

func TestStartInterviewWithoutProblem(t *testing.T) {
	r, _ := newTestRouter(&scriptedGen{})
	resp := dispatch(t, r, TypeStartInterview, "tab-1", nil)
	if resp["success"] != false {
		t.Fatal("interview started without a problem")
	}
}

func TestInterviewTurnWithoutInterview(t *testing.T) {
	r, _ := newTestRouter(&scriptedGen{})
	resp := dispatch(t, r, TypeInterviewQuestion, "tab-1", map[string]any{"userResponse": "hi"})
	if resp["success"] != false {
		t.Fatal("turn accepted without an interview")
	}
	if resp["error"] != "no active interview for this tab" {
		t.Errorf("error = %v", resp["error"])
	}
}

func TestExplainConcept(t *testing.T) {
	gen := &scriptedGen{queue: []string{
		"A hash map stores key-value pairs.\n```json\n{\"relatedProblems\": [\"Two Sum\", \"Group Anagrams\"]}\n```",
	}}
	r, _ := newTestRouter(gen)

	resp := dispatch(t, r, TypeExplainConcept, "tab-1", map[string]any{"concept": "hash maps"})
	if resp["success"] != true {
		t.Fatalf("explain_concept failed: %v", resp["error"])
	}
	related := resp["relatedProblems"].([]any)
	if len(related) != 2 {
		t.Errorf("relatedProblems = %v", related)
	}

	if resp := dispatch(t, r, TypeExplainConcept, "tab-1", nil); resp["success"] != false {
		t.Error("empty concept accepted")
	}
}

func TestGetRecommendations(t *testing.T) {
	gen := &scriptedGen{queue: []string{
		"Practice more graphs.\n```json\n{\"recommendations\": [{\"topic\": \"graphs\", \"reason\": \"untouched\"}]}\n```",
	}}
	r, _ := newTestRouter(gen)

	resp := dispatch(t, r, TypeGetRecommendations, "tab-1", nil)
	if resp["success"] != true {
		t.Fatalf("get_recommendations failed: %v", resp["error"])
	}
	recs := resp["recommendations"].([]any)
	if len(recs) != 1 {
		t.Errorf("recommendations = %v", recs)
	}
}

func TestSyncProgress(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	logger := log.NewNop()
	store := session.NewStore(nil, logger)
	gen := &scriptedGen{}
	sink := analytics.New(analytics.Config{Endpoint: srv.URL}, logger)
	r := NewRouter(store, gen, interview.NewEngine(gen, logger), nil, sink, logger)
	defer sink.CloseIdleConnections()
	defer r.Flush()

	resp := dispatch(t, r, TypeSyncProgress, "tab-1", nil)
	if resp["success"] != true {
		t.Fatalf("sync_progress failed: %v", resp["error"])
	}
	r.Flush()
	if got["conversationKey"] != "tab-1" {
		t.Errorf("sink payload = %v", got)
	}
}

func TestSyncProgressUnconfigured(t *testing.T) {
	r, _ := newTestRouter(&scriptedGen{})
	if resp := dispatch(t, r, TypeSyncProgress, "tab-1", nil); resp["success"] != false {
		t.Fatal("sync succeeded with no sink configured")
	}
}

func TestClearSessionRemovesState(t *testing.T) {
	gen := &scriptedGen{}
	r, store := newTestRouter(gen)
	loadProblem(t, r, "tab-1")

	resp := dispatch(t, r, TypeClearSession, "tab-1", nil)
	if resp["success"] != true {
		t.Fatalf("clear_session failed: %v", resp["error"])
	}
	// Idempotent.
	if resp := dispatch(t, r, TypeClearSession, "tab-1", nil); resp["success"] != true {
		t.Fatalf("second clear_session failed: %v", resp["error"])
	}
	if store.Get("tab-1").CurrentProblem != nil {
		t.Error("problem survived clear_session")
	}
}

func TestInterviewBudgetAdvisoryAtZero(t *testing.T) {
	gen := &scriptedGen{}
	r, store := newTestRouter(gen)
	loadProblem(t, r, "tab-1")

	// Switch the session into interview mode without an interview protocol,
	// then burn the advisory allowance.
	_, err := store.Update(context.Background(), "tab-1", func(sess *session.Session) error {
		sess.Mode = session.ModeInterview
		now := time.Now()
		for i := 0; i < session.InterviewHintAllowance; i++ {
			sess.Hints = append(sess.Hints, session.HintRecord{
				Timestamp: now.Add(-10 * time.Minute), Question: "q",
			})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed hints: %v", err)
	}

	resp := dispatch(t, r, TypeRequestHint, "tab-1", map[string]any{"userQuestion": "one more"})
	if resp["success"] != true {
		t.Fatalf("advisory budget rejected the hint: %v", resp["error"])
	}
	if resp["remainingHints"] != 0 {
		t.Errorf("remainingHints = %v, want 0", resp["remainingHints"])
	}
}
