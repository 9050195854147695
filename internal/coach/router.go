// Package coach is the top-level dispatcher. It receives typed request
// envelopes from the content script, resolves the session for the request's
// conversation key, orchestrates the generation backend and the interview
// engine, and returns tagged results.
//
// The router is the only layer allowed to convert errors into the
// {success:false, error} shape; everything below it propagates typed
// failures.
package coach

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sidecoach/sidecoach/internal/analytics"
	"github.com/sidecoach/sidecoach/internal/generate"
	"github.com/sidecoach/sidecoach/internal/interview"
	"github.com/sidecoach/sidecoach/internal/prompt"
	"github.com/sidecoach/sidecoach/internal/session"
)

// RequestType identifies one operation of the closed request set.
type RequestType string

const (
	TypeExtractProblem     RequestType = "extract_problem"
	TypeRequestHint        RequestType = "request_hint"
	TypeAnalyzeCode        RequestType = "analyze_code"
	TypeStartInterview     RequestType = "start_interview"
	TypeInterviewQuestion  RequestType = "interview_question"
	TypeEndInterview       RequestType = "end_interview"
	TypeExplainConcept     RequestType = "explain_concept"
	TypeSyncProgress       RequestType = "sync_progress"
	TypeGetRecommendations RequestType = "get_recommendations"

	// TypeClearSession is sent by the tab-close collaborator. Full removal,
	// not a mode change.
	TypeClearSession RequestType = "clear_session"
)

// Request is the inbound envelope.
type Request struct {
	Type            RequestType     `json:"type"`
	ConversationKey string          `json:"conversationKey"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// Response is the tagged result envelope. Fields beyond success/error are
// type-specific and live in the flat map.
type Response map[string]any

// Generator is the slice of the generation client the router needs.
// Satisfied by *generate.Client.
type Generator interface {
	Generate(ctx context.Context, promptText string, opts generate.Options) (*generate.Result, error)
}

// ReportStore persists finished interview reports. Satisfied by
// *storage.SQLite.
type ReportStore interface {
	SaveReport(ctx context.Context, key, interviewID string, report any) error
}

// ValidationError rejects a malformed request before any network call. The
// message is surfaced to the caller verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func badRequest(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Router dispatches request envelopes.
type Router struct {
	store   *session.Store
	gen     Generator
	engine  *interview.Engine
	reports ReportStore // nil = reports not persisted locally
	sink    *analytics.Client
	logger  *slog.Logger
	now     func() time.Time

	wg sync.WaitGroup // in-flight analytics sends
}

// NewRouter creates the dispatcher. reports may be nil.
func NewRouter(store *session.Store, gen Generator, engine *interview.Engine, reports ReportStore, sink *analytics.Client, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:   store,
		gen:     gen,
		engine:  engine,
		reports: reports,
		sink:    sink,
		logger:  logger,
		now:     time.Now,
	}
}

// Dispatch routes one envelope to its handler and always returns a tagged
// result. Unknown types yield a typed failure, never a panic or an HTTP-level
// error.
func (r *Router) Dispatch(ctx context.Context, req Request) Response {
	if req.ConversationKey == "" {
		return failure(badRequest("conversationKey is required"))
	}

	// First touch after a restart rehydrates from the durable mirror. A
	// no-op when the key is already live in memory.
	r.store.Recover(ctx, req.ConversationKey)

	var resp Response
	switch req.Type {
	case TypeExtractProblem:
		resp = r.extractProblem(ctx, req)
	case TypeRequestHint:
		resp = r.requestHint(ctx, req)
	case TypeAnalyzeCode:
		resp = r.analyzeCode(ctx, req)
	case TypeStartInterview:
		resp = r.startInterview(ctx, req)
	case TypeInterviewQuestion:
		resp = r.interviewTurn(ctx, req)
	case TypeEndInterview:
		resp = r.endInterview(ctx, req)
	case TypeExplainConcept:
		resp = r.explainConcept(ctx, req)
	case TypeSyncProgress:
		resp = r.syncProgress(ctx, req)
	case TypeGetRecommendations:
		resp = r.recommendations(ctx, req)
	case TypeClearSession:
		resp = r.clearSession(ctx, req)
	default:
		return failure(badRequest("unrecognized request type %q", req.Type))
	}

	// Clearing is excluded: its lazy session read would resurrect the
	// record that was just removed.
	if ok, _ := resp["success"].(bool); ok && req.Type != TypeClearSession {
		r.logInteraction(req)
	}
	return resp
}

// Flush blocks until in-flight analytics sends finish. Shutdown path.
func (r *Router) Flush() {
	r.wg.Wait()
}

func (r *Router) extractProblem(ctx context.Context, req Request) Response {
	var payload struct {
		Platform    string `json:"platform"`
		ProblemData struct {
			Title       string   `json:"title"`
			Difficulty  string   `json:"difficulty"`
			Description string   `json:"description"`
			Constraints string   `json:"constraints"`
			Examples    []string `json:"examples"`
			Tags        []string `json:"tags"`
		} `json:"problemData"`
	}
	if err := decode(req.Data, &payload); err != nil {
		return failure(err)
	}
	if payload.ProblemData.Title == "" || payload.ProblemData.Description == "" {
		return failure(badRequest("problem title and description are required"))
	}

	problem := &session.Problem{
		Platform:    payload.Platform,
		Title:       payload.ProblemData.Title,
		Difficulty:  payload.ProblemData.Difficulty,
		Description: payload.ProblemData.Description,
		Constraints: payload.ProblemData.Constraints,
		Examples:    payload.ProblemData.Examples,
		Tags:        payload.ProblemData.Tags,
		ExtractedAt: r.now(),
	}

	var analysis string
	snap, err := r.store.Update(ctx, req.ConversationKey, func(sess *session.Session) error {
		tmpl, err := prompt.Template(prompt.TemplateProblemAnalysis)
		if err != nil {
			return err
		}
		p := prompt.Build(tmpl, map[string]string{
			"platform":    problem.Platform,
			"title":       problem.Title,
			"difficulty":  problem.Difficulty,
			"tags":        strings.Join(problem.Tags, ", "),
			"description": problem.Description,
			"constraints": orNone(problem.Constraints),
			"examples":    orNone(strings.Join(problem.Examples, "\n")),
		})
		res, err := r.gen.Generate(ctx, p, generate.Options{System: r.systemFor(sess)})
		if err != nil {
			return err
		}
		analysis = res.Text

		// A new extraction overwrites the previous snapshot wholesale.
		sess.CurrentProblem = problem
		return nil
	})
	if err != nil {
		return failure(err)
	}
	return Response{
		"success":  true,
		"problem":  snap.CurrentProblem,
		"analysis": analysis,
	}
}

func (r *Router) requestHint(ctx context.Context, req Request) Response {
	var payload struct {
		UserCode            string `json:"userCode"`
		UserQuestion        string `json:"userQuestion"`
		ConversationHistory string `json:"conversationHistory"`
		ActionType          string `json:"actionType"`
	}
	if err := decode(req.Data, &payload); err != nil {
		return failure(err)
	}
	if payload.ActionType == "" {
		payload.ActionType = "hint"
	}

	hint := Response{}
	snap, err := r.store.Update(ctx, req.ConversationKey, func(sess *session.Session) error {
		if sess.CurrentProblem == nil {
			return interview.ErrNoProblem
		}

		tmpl, err := prompt.Template(prompt.TemplateHint)
		if err != nil {
			return err
		}
		p := prompt.Build(tmpl, map[string]string{
			"problem_title":        sess.CurrentProblem.Title,
			"difficulty":           sess.CurrentProblem.Difficulty,
			"problem_description":  sess.CurrentProblem.Description,
			"user_code":            orNone(payload.UserCode),
			"user_question":        orNone(payload.UserQuestion),
			"conversation_history": historyFor(sess, payload.ConversationHistory),
		})
		res, err := r.gen.Generate(ctx, p, generate.Options{System: r.systemFor(sess)})
		if err != nil {
			return err
		}

		hint["question"] = res.Text
		if res.Metadata != nil {
			hint["type"], _ = res.Metadata["type"].(string)
			hint["followUp"], _ = res.Metadata["followUp"].(string)
		}

		sess.Hints = append(sess.Hints, session.HintRecord{
			Timestamp:    r.now(),
			Question:     res.Text,
			ActionType:   payload.ActionType,
			CodeSnapshot: session.TruncateCode(payload.UserCode),
		})
		return nil
	})
	if err != nil {
		return failure(err)
	}
	return Response{
		"success":        true,
		"hint":           hint,
		"remainingHints": session.RemainingHints(snap.Hints, snap.Mode, r.now()),
	}
}

func (r *Router) analyzeCode(ctx context.Context, req Request) Response {
	var payload struct {
		Code     string `json:"code"`
		Language string `json:"language"`
	}
	if err := decode(req.Data, &payload); err != nil {
		return failure(err)
	}
	if strings.TrimSpace(payload.Code) == "" {
		return failure(badRequest("code is required"))
	}

	analysis := Response{}
	_, err := r.store.Update(ctx, req.ConversationKey, func(sess *session.Session) error {
		if sess.CurrentProblem == nil {
			return interview.ErrNoProblem
		}

		tmpl, err := prompt.Template(prompt.TemplateCodeAnalysis)
		if err != nil {
			return err
		}
		p := prompt.Build(tmpl, map[string]string{
			"problem_title": sess.CurrentProblem.Title,
			"language":      orNone(payload.Language),
			"code":          payload.Code,
		})
		res, err := r.gen.Generate(ctx, p, generate.Options{System: r.systemFor(sess)})
		if err != nil {
			return err
		}

		analysis["reasoning"] = res.Text
		if res.Metadata != nil {
			for _, k := range []string{"complexity", "approach", "considerations", "questions"} {
				if v, ok := res.Metadata[k]; ok {
					analysis[k] = v
				}
			}
		}

		sess.CodeIterations = append(sess.CodeIterations, session.CodeIteration{
			Timestamp:       r.now(),
			CodeHash:        hashCode(payload.Code),
			FeedbackSummary: firstLine(res.Text),
		})
		return nil
	})
	if err != nil {
		return failure(err)
	}
	return Response{"success": true, "analysis": analysis}
}

func (r *Router) startInterview(ctx context.Context, req Request) Response {
	var payload struct {
		DurationMinutes int `json:"durationMinutes"`
	}
	if err := decode(req.Data, &payload); err != nil {
		return failure(err)
	}

	var firstQuestion string
	snap, err := r.store.Update(ctx, req.ConversationKey, func(sess *session.Session) error {
		q, err := r.engine.Start(ctx, sess, time.Duration(payload.DurationMinutes)*time.Minute)
		if err != nil {
			return err
		}
		firstQuestion = q
		return nil
	})
	if err != nil {
		return failure(err)
	}
	return Response{
		"success":          true,
		"interviewSession": snap.Interview,
		"firstQuestion":    firstQuestion,
	}
}

func (r *Router) interviewTurn(ctx context.Context, req Request) Response {
	var payload struct {
		UserResponse string `json:"userResponse"`
		CurrentCode  string `json:"currentCode"`
		TurnToken    string `json:"turnToken"`
	}
	if err := decode(req.Data, &payload); err != nil {
		return failure(err)
	}
	if strings.TrimSpace(payload.UserResponse) == "" {
		return failure(badRequest("userResponse is required"))
	}

	var result *interview.TurnResult
	_, err := r.store.Update(ctx, req.ConversationKey, func(sess *session.Session) error {
		res, err := r.engine.SubmitTurn(ctx, sess, payload.UserResponse, payload.CurrentCode, payload.TurnToken)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return failure(err)
	}

	var next any
	if result.NextQuestion != "" {
		next = result.NextQuestion
	}
	return Response{
		"success":      true,
		"evaluation":   result.Evaluation,
		"nextQuestion": next,
		"shouldEnd":    result.ShouldEnd,
		"phase":        result.Phase,
	}
}

func (r *Router) endInterview(ctx context.Context, req Request) Response {
	var report *interview.Report
	_, err := r.store.Update(ctx, req.ConversationKey, func(sess *session.Session) error {
		rep, err := r.engine.End(ctx, sess)
		if err != nil {
			return err
		}
		report = rep
		return nil
	})
	if err != nil {
		return failure(err)
	}

	// The report is handed to the persistence collaborators best-effort; the
	// caller gets it back either way.
	if r.reports != nil {
		if err := r.reports.SaveReport(ctx, req.ConversationKey, report.InterviewID, report); err != nil {
			r.logger.Warn("persisting interview report",
				"interview_id", report.InterviewID, "error", err)
		}
	}
	if r.sink != nil && r.sink.Enabled() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), analytics.DefaultTimeout)
			defer cancel()
			if err := r.sink.SaveInterviewReport(ctx, req.ConversationKey, report.InterviewID, report); err != nil {
				r.logger.Warn("uploading interview report",
					"interview_id", report.InterviewID, "error", err)
			}
		}()
	}

	return Response{"success": true, "report": report}
}

func (r *Router) explainConcept(ctx context.Context, req Request) Response {
	var payload struct {
		Concept      string `json:"concept"`
		VideoContext string `json:"videoContext"`
	}
	if err := decode(req.Data, &payload); err != nil {
		return failure(err)
	}
	if strings.TrimSpace(payload.Concept) == "" {
		return failure(badRequest("concept is required"))
	}

	sess := r.store.Get(req.ConversationKey)
	tmpl, err := prompt.Template(prompt.TemplateConceptExplanation)
	if err != nil {
		return failure(err)
	}
	p := prompt.Build(tmpl, map[string]string{
		"concept": payload.Concept,
		"context": orNone(payload.VideoContext),
	})
	res, err := r.gen.Generate(ctx, p, generate.Options{System: r.systemFor(sess)})
	if err != nil {
		return failure(err)
	}

	var related any = []string{}
	if res.Metadata != nil {
		if v, ok := res.Metadata["relatedProblems"]; ok {
			related = v
		}
	}
	return Response{
		"success":         true,
		"explanation":     res.Text,
		"relatedProblems": related,
	}
}

func (r *Router) syncProgress(ctx context.Context, req Request) Response {
	if r.sink == nil || !r.sink.Enabled() {
		return failure(badRequest("progress sync is not configured"))
	}

	sess := r.store.Get(req.ConversationKey)
	snapshot := progressSnapshot(sess)
	if err := r.sink.SyncProgress(ctx, req.ConversationKey, snapshot); err != nil {
		return failure(err)
	}
	return Response{"success": true, "synced": snapshot}
}

func (r *Router) recommendations(ctx context.Context, req Request) Response {
	sess := r.store.Get(req.ConversationKey)

	tmpl, err := prompt.Template(prompt.TemplateRecommendations)
	if err != nil {
		return failure(err)
	}
	p := prompt.Build(tmpl, map[string]string{
		"history_summary": historySummary(sess),
		"tags":            orNone(strings.Join(problemTags(sess), ", ")),
	})
	res, err := r.gen.Generate(ctx, p, generate.Options{System: r.systemFor(sess)})
	if err != nil {
		return failure(err)
	}

	var recs any = []any{}
	if res.Metadata != nil {
		if v, ok := res.Metadata["recommendations"]; ok {
			recs = v
		}
	}
	return Response{
		"success":         true,
		"text":            res.Text,
		"recommendations": recs,
	}
}

func (r *Router) clearSession(ctx context.Context, req Request) Response {
	r.store.Remove(ctx, req.ConversationKey)
	return Response{"success": true}
}

// logInteraction records the event with the analytics sink, asynchronously
// and best-effort.
func (r *Router) logInteraction(req Request) {
	if r.sink == nil || !r.sink.Enabled() {
		return
	}
	sess := r.store.Get(req.ConversationKey)
	in := analytics.Interaction{
		Timestamp: r.now(),
		Type:      string(req.Type),
		Mode:      string(sess.Mode),
	}
	if sess.CurrentProblem != nil {
		in.Problem = sess.CurrentProblem.Title
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), analytics.DefaultTimeout)
		defer cancel()
		if err := r.sink.LogInteraction(ctx, req.ConversationKey, in); err != nil {
			r.logger.Warn("logging interaction", "type", req.Type, "error", err)
		}
	}()
}

func (r *Router) systemFor(sess *session.Session) string {
	tmpl, err := prompt.Template(prompt.TemplateSystem)
	if err != nil {
		return ""
	}
	return prompt.Build(tmpl, map[string]string{"mode": string(sess.Mode)})
}

// failure converts any error into the tagged failure shape with a short,
// actionable message. This is the single error-conversion boundary.
func failure(err error) Response {
	return Response{"success": false, "error": userMessage(err)}
}

// userMessage maps internal failures to what the panel shows the user.
func userMessage(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}

	switch {
	case errors.Is(err, generate.ErrNotConfigured):
		return "configure your API credential in settings"
	case errors.Is(err, generate.ErrRateLimited):
		return "too many requests, wait a moment and try again"
	case errors.Is(err, generate.ErrTimeout):
		return "the coaching backend timed out, try again"
	case errors.Is(err, generate.ErrEmptyResponse):
		return "the coaching backend returned nothing, try again"
	case errors.Is(err, interview.ErrNoProblem):
		return "problem not detected, refresh the page and try again"
	case errors.Is(err, interview.ErrNoInterview):
		return "no active interview for this tab"
	case errors.Is(err, interview.ErrInterviewEnded):
		return "this interview already ended"
	}

	var be *generate.BackendError
	if errors.As(err, &be) {
		switch generate.ClassifyFailure(err) {
		case generate.ReasonQuotaExhausted:
			return "backend quota exhausted, try again later"
		case generate.ReasonInvalidCredential:
			return "your API credential was rejected, check it in settings"
		}
		return "coaching backend error: " + be.Message
	}
	return err.Error()
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return badRequest("malformed request payload: %v", err)
	}
	return nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:6])
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return strings.TrimSpace(text[:i])
	}
	return strings.TrimSpace(text)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

// historyFor prefers the caller-supplied transcript, falling back to the
// questions of previously granted hints.
func historyFor(sess *session.Session, supplied string) string {
	if strings.TrimSpace(supplied) != "" {
		return supplied
	}
	if len(sess.Hints) == 0 {
		return "(none)"
	}
	lines := make([]string, 0, len(sess.Hints))
	for _, h := range sess.Hints {
		lines = append(lines, "- "+firstLine(h.Question))
	}
	return strings.Join(lines, "\n")
}

func historySummary(sess *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode: %s\n", sess.Mode)
	if sess.CurrentProblem != nil {
		fmt.Fprintf(&b, "current problem: %s (%s)\n",
			sess.CurrentProblem.Title, sess.CurrentProblem.Difficulty)
	}
	fmt.Fprintf(&b, "hints granted: %d\n", len(sess.Hints))
	fmt.Fprintf(&b, "code iterations: %d\n", len(sess.CodeIterations))
	if iv := sess.Interview; iv != nil {
		fmt.Fprintf(&b, "interview: phase %s, %d questions answered\n",
			iv.CurrentPhase, len(iv.Questions))
	}
	return b.String()
}

func problemTags(sess *session.Session) []string {
	if sess.CurrentProblem == nil {
		return nil
	}
	return sess.CurrentProblem.Tags
}

func progressSnapshot(sess *session.Session) map[string]any {
	snap := map[string]any{
		"sessionId":      sess.ID,
		"mode":           sess.Mode,
		"startTime":      sess.StartTime,
		"hintCount":      len(sess.Hints),
		"iterationCount": len(sess.CodeIterations),
	}
	if sess.CurrentProblem != nil {
		snap["problem"] = sess.CurrentProblem.Title
		snap["platform"] = sess.CurrentProblem.Platform
	}
	if iv := sess.Interview; iv != nil {
		snap["interviewPhase"] = iv.CurrentPhase.String()
		snap["interviewEnded"] = iv.Ended()
	}
	return snap
}
