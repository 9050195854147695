// Package interview drives the mock-interview protocol: an ordered phase
// machine with adaptive progression, a per-round evaluate-then-ask loop, and
// a final report.
//
// The engine mutates the interview sub-state of the Session it is handed and
// never persists anything itself; callers run it inside a session store
// Update so a failed round leaves no trace.
package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sidecoach/sidecoach/internal/generate"
	"github.com/sidecoach/sidecoach/internal/prompt"
	"github.com/sidecoach/sidecoach/internal/session"
)

// DefaultDuration is the interview budget when the caller does not pick one.
const DefaultDuration = 45 * time.Minute

// Progression thresholds. A phase advances when the rolling answer quality
// clears qualityBar after at least minQuestionsPerPhase answers overall.
const (
	qualityBar            = 70
	qualityWindow         = 3
	neutralQuality        = 50
	minQuestionsToAdvance = 2
)

// Sentinel errors checked by the router boundary.
var (
	// ErrNoInterview indicates an interview-scoped request arrived for a
	// session with no active interview.
	ErrNoInterview = errors.New("no active interview")

	// ErrInterviewEnded indicates a turn was submitted after termination.
	ErrInterviewEnded = errors.New("interview already ended")

	// ErrNoProblem indicates no problem snapshot exists to interview on.
	ErrNoProblem = errors.New("no problem loaded")
)

// Generator is the slice of the generation client the engine needs.
// Satisfied by *generate.Client.
type Generator interface {
	Generate(ctx context.Context, promptText string, opts generate.Options) (*generate.Result, error)
}

// Decision is the outcome of one progression check.
type Decision struct {
	End   bool
	Phase session.Phase // meaningful only when End is false
}

// Advance applies the progression rules to the interview state at time now.
//
// The hard timeout always wins: past the duration budget the decision is End
// no matter how strong the scores are. Otherwise the mean score of the last
// up-to-three evaluations (neutral 50 when none exist) gates the move to the
// next phase, which also requires at least two answered questions. Phases
// never regress and never skip.
func Advance(iv *session.InterviewState, now time.Time) Decision {
	if now.Sub(iv.StartTime) > iv.DurationBudget {
		return Decision{End: true}
	}

	avg := recentQuality(iv.Evaluations)
	if avg > qualityBar && len(iv.Questions) >= minQuestionsToAdvance {
		if next, ok := iv.CurrentPhase.Next(); ok {
			return Decision{Phase: next}
		}
	}
	return Decision{Phase: iv.CurrentPhase}
}

// recentQuality is the mean score of the last qualityWindow evaluations,
// or neutralQuality when none exist.
func recentQuality(evals []session.Evaluation) float64 {
	if len(evals) == 0 {
		return neutralQuality
	}
	start := len(evals) - qualityWindow
	if start < 0 {
		start = 0
	}
	sum := 0
	for _, ev := range evals[start:] {
		sum += ev.Score
	}
	return float64(sum) / float64(len(evals)-start)
}

// TurnResult is the outcome of one submitted interview turn.
type TurnResult struct {
	Evaluation   session.Evaluation `json:"evaluation"`
	NextQuestion string             `json:"nextQuestion,omitempty"`
	ShouldEnd    bool               `json:"shouldEnd"`
	Phase        string             `json:"phase"`
}

// Report is the comprehensive assessment produced at interview end.
type Report struct {
	InterviewID    string         `json:"interviewId"`
	OverallScore   int            `json:"overallScore"`
	CategoryScores map[string]int `json:"categoryScores,omitempty"`
	Strengths      []string       `json:"strengths,omitempty"`
	Improvements   []string       `json:"improvements,omitempty"`
	Readiness      string         `json:"readiness"`
	NextSteps      []string       `json:"nextSteps,omitempty"`
	Narrative      string         `json:"narrative"`
	TotalDuration  time.Duration  `json:"totalDuration"`
	QuestionCount  int            `json:"questionCount"`
}

// Engine runs interviews. It holds no per-interview state of its own.
type Engine struct {
	gen    Generator
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an interview engine.
func NewEngine(gen Generator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{gen: gen, logger: logger, now: time.Now}
}

// Start begins an interview on the session's current problem and returns the
// first question. When an interview is already running, Start is a retry: the
// existing state is kept and only the question is regenerated, so blind
// caller retries never reset progress.
func (e *Engine) Start(ctx context.Context, sess *session.Session, duration time.Duration) (string, error) {
	if sess.CurrentProblem == nil {
		return "", ErrNoProblem
	}
	if duration <= 0 {
		duration = DefaultDuration
	}

	if sess.Interview == nil || sess.Interview.Ended() {
		sess.Interview = &session.InterviewState{
			ID:             uuid.NewString(),
			StartTime:      e.now(),
			DurationBudget: duration,
			CurrentPhase:   session.PhaseProblemUnderstanding,
		}
		sess.Mode = session.ModeInterview
	}

	question, err := e.askQuestion(ctx, sess, nil)
	if err != nil {
		return "", err
	}
	sess.Interview.CurrentQuestion = question
	e.logger.Info("interview started",
		"interview_id", sess.Interview.ID,
		"duration", sess.Interview.DurationBudget)
	return question, nil
}

// SubmitTurn records one answer, evaluates it, and either asks the next
// question or signals that the interview should end.
//
// turnToken is the caller's idempotency token. Resubmitting the token of the
// most recent round returns that round's evaluation again instead of
// appending a duplicate.
func (e *Engine) SubmitTurn(ctx context.Context, sess *session.Session, userResponse, currentCode, turnToken string) (*TurnResult, error) {
	iv := sess.Interview
	if iv == nil {
		return nil, ErrNoInterview
	}
	if iv.Ended() {
		return nil, ErrInterviewEnded
	}

	if turnToken != "" && len(iv.Questions) > 0 &&
		iv.Questions[len(iv.Questions)-1].TurnToken == turnToken {
		last := len(iv.Evaluations) - 1
		e.logger.Info("duplicate turn token, replaying last round",
			"interview_id", iv.ID, "token", turnToken)
		return &TurnResult{
			Evaluation: iv.Evaluations[last],
			ShouldEnd:  Advance(iv, e.now()).End,
			Phase:      iv.CurrentPhase.String(),
		}, nil
	}

	asked := iv.CurrentQuestion

	// Evaluate before mutating: a failed backend call must leave the
	// question/evaluation sequences untouched and index-aligned.
	eval, err := e.evaluate(ctx, sess, asked, userResponse, currentCode)
	if err != nil {
		return nil, err
	}

	iv.Questions = append(iv.Questions, session.InterviewQuestion{
		Timestamp:    e.now(),
		Question:     asked,
		UserResponse: userResponse,
		CodeSnapshot: session.TruncateCode(currentCode),
		TurnToken:    turnToken,
	})
	iv.Evaluations = append(iv.Evaluations, eval)

	decision := Advance(iv, e.now())
	result := &TurnResult{Evaluation: eval, Phase: iv.CurrentPhase.String()}

	if decision.End {
		result.ShouldEnd = true
		e.logger.Info("interview hit its budget or terminal state",
			"interview_id", iv.ID, "questions", len(iv.Questions))
		return result, nil
	}

	if decision.Phase != iv.CurrentPhase {
		e.logger.Info("interview phase advanced",
			"interview_id", iv.ID,
			"from", iv.CurrentPhase.String(),
			"to", decision.Phase.String())
		iv.CurrentPhase = decision.Phase
	}

	next, err := e.askQuestion(ctx, sess, &eval)
	if err != nil {
		// The evaluation already committed to the working copy; losing
		// the follow-up question is recoverable, failing the round is not.
		e.logger.Warn("generating next question failed", "error", err)
		result.NextQuestion = ""
		result.Phase = iv.CurrentPhase.String()
		return result, nil
	}
	iv.CurrentQuestion = next
	result.NextQuestion = next
	result.Phase = iv.CurrentPhase.String()
	return result, nil
}

// End terminates the interview and produces the final report. EndTime is
// stamped exactly once; calling End again regenerates the report from the
// already-stamped state.
func (e *Engine) End(ctx context.Context, sess *session.Session) (*Report, error) {
	iv := sess.Interview
	if iv == nil {
		return nil, ErrNoInterview
	}

	if !iv.Ended() {
		iv.EndTime = e.now()
		iv.TotalDuration = iv.EndTime.Sub(iv.StartTime)
	}

	report, err := e.buildReport(ctx, sess)
	if err != nil {
		return nil, err
	}
	e.logger.Info("interview ended",
		"interview_id", iv.ID,
		"duration", iv.TotalDuration,
		"questions", len(iv.Questions),
		"overall_score", report.OverallScore)
	return report, nil
}

// askQuestion generates the next interviewer question for the current phase,
// carrying forward the latest evaluation's observations when present.
func (e *Engine) askQuestion(ctx context.Context, sess *session.Session, lastEval *session.Evaluation) (string, error) {
	iv := sess.Interview
	strengths, weaknesses := "(first question, none yet)", "(first question, none yet)"
	if lastEval != nil {
		strengths = joinOrPlaceholder(lastEval.Strengths)
		weaknesses = joinOrPlaceholder(lastEval.Weaknesses)
	}

	tmpl, err := prompt.Template(prompt.TemplateInterviewQuestion)
	if err != nil {
		return "", err
	}
	p := prompt.Build(tmpl, map[string]string{
		"phase":               iv.CurrentPhase.String(),
		"phase_goal":          iv.CurrentPhase.Goal(),
		"problem_title":       sess.CurrentProblem.Title,
		"problem_description": sess.CurrentProblem.Description,
		"strengths":           strengths,
		"weaknesses":          weaknesses,
		"question_number":     fmt.Sprintf("%d", len(iv.Questions)+1),
	})

	res, err := e.gen.Generate(ctx, p, generate.Options{System: systemInstruction(sess)})
	if err != nil {
		return "", fmt.Errorf("generating interview question: %w", err)
	}
	return strings.TrimSpace(res.Text), nil
}

// evaluate scores one answer. Metadata extraction failure never fails the
// round; it degrades to a neutral score with the model's prose as feedback.
func (e *Engine) evaluate(ctx context.Context, sess *session.Session, question, userResponse, code string) (session.Evaluation, error) {
	tmpl, err := prompt.Template(prompt.TemplateInterviewEvaluate)
	if err != nil {
		return session.Evaluation{}, err
	}
	p := prompt.Build(tmpl, map[string]string{
		"phase":         sess.Interview.CurrentPhase.String(),
		"question":      question,
		"user_response": userResponse,
		"code":          session.TruncateCode(code),
	})

	res, err := e.gen.Generate(ctx, p, generate.Options{System: systemInstruction(sess)})
	if err != nil {
		return session.Evaluation{}, fmt.Errorf("evaluating answer: %w", err)
	}

	if raw, ok := prompt.MetadataBlock(res.RawText); ok {
		var eval session.Evaluation
		jsonErr := json.Unmarshal(raw, &eval)
		if jsonErr == nil {
			eval.Score = clampScore(eval.Score)
			eval.Clarity = clampScore(eval.Clarity)
			eval.Confidence = clampScore(eval.Confidence)
			eval.TechnicalDepth = clampScore(eval.TechnicalDepth)
			if eval.Feedback == "" {
				eval.Feedback = res.Text
			}
			return eval, nil
		}
		e.logger.Warn("evaluation metadata unparseable, using neutral score",
			"interview_id", sess.Interview.ID, "error", jsonErr)
	}

	return session.Evaluation{
		Score:          neutralQuality,
		Clarity:        neutralQuality,
		Confidence:     neutralQuality,
		TechnicalDepth: neutralQuality,
		Feedback:       res.Text,
	}, nil
}

// buildReport asks the backend for the comprehensive report, falling back to
// locally computed aggregates when the metadata block is unusable.
func (e *Engine) buildReport(ctx context.Context, sess *session.Session) (*Report, error) {
	iv := sess.Interview

	evalsJSON, err := json.Marshal(iv.Evaluations)
	if err != nil {
		return nil, fmt.Errorf("encoding evaluations: %w", err)
	}
	iterations := make([]string, 0, len(sess.CodeIterations))
	for _, it := range sess.CodeIterations {
		iterations = append(iterations, it.FeedbackSummary)
	}

	tmpl, err := prompt.Template(prompt.TemplateInterviewReport)
	if err != nil {
		return nil, err
	}
	p := prompt.Build(tmpl, map[string]string{
		"duration_minutes": fmt.Sprintf("%.0f", iv.TotalDuration.Minutes()),
		"question_count":   fmt.Sprintf("%d", len(iv.Questions)),
		"final_phase":      iv.CurrentPhase.String(),
		"evaluations":      string(evalsJSON),
		"code_iterations":  joinOrPlaceholder(iterations),
	})

	res, err := e.gen.Generate(ctx, p, generate.Options{System: systemInstruction(sess)})
	if err != nil {
		return nil, fmt.Errorf("generating report: %w", err)
	}

	report := &Report{
		InterviewID:   iv.ID,
		Narrative:     res.Text,
		TotalDuration: iv.TotalDuration,
		QuestionCount: len(iv.Questions),
	}
	if raw, ok := prompt.MetadataBlock(res.RawText); ok {
		var meta Report
		if jsonErr := json.Unmarshal(raw, &meta); jsonErr == nil {
			report.OverallScore = clampScore(meta.OverallScore)
			report.CategoryScores = meta.CategoryScores
			report.Strengths = meta.Strengths
			report.Improvements = meta.Improvements
			report.Readiness = meta.Readiness
			report.NextSteps = meta.NextSteps
			return report, nil
		}
	}

	// Metadata missing: aggregate what we have rather than failing.
	report.OverallScore = int(meanScore(iv.Evaluations))
	report.Readiness = "needs_practice"
	return report, nil
}

func meanScore(evals []session.Evaluation) float64 {
	if len(evals) == 0 {
		return neutralQuality
	}
	sum := 0
	for _, ev := range evals {
		sum += ev.Score
	}
	return float64(sum) / float64(len(evals))
}

func systemInstruction(sess *session.Session) string {
	tmpl, err := prompt.Template(prompt.TemplateSystem)
	if err != nil {
		return ""
	}
	return prompt.Build(tmpl, map[string]string{"mode": string(sess.Mode)})
}

func joinOrPlaceholder(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, "; ")
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
