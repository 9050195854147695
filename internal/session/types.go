// Package session owns the per-conversation state of the coaching core: the
// problem snapshot, the hint trail, code iterations, and the mock-interview
// sub-state, together with the Store that serializes access to them.
//
// One Session exists per ConversationKey (historically one per browser tab).
// All mutation goes read-modify-write through the Store; nothing in this
// package talks to the network.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CodeSnapshotMaxLen is the fixed prefix length kept when snapshotting user
// code into hint and interview records. Full code never enters the session.
const CodeSnapshotMaxLen = 500

// Mode informs hint policy. It does not partition the data model: a session
// keeps its hints and iterations across mode changes.
type Mode string

const (
	ModePractice  Mode = "practice"
	ModeInterview Mode = "interview"
	ModeLearning  Mode = "learning"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModePractice, ModeInterview, ModeLearning:
		return true
	}
	return false
}

// Phase is one stage of the mock-interview protocol. Phases are totally
// ordered and only ever advance forward, one step at a time.
type Phase int

const (
	PhaseProblemUnderstanding Phase = iota
	PhaseCoding
	PhaseOptimization
	PhaseEdgeCases
)

var phaseNames = map[Phase]string{
	PhaseProblemUnderstanding: "problem_understanding",
	PhaseCoding:               "coding",
	PhaseOptimization:         "optimization",
	PhaseEdgeCases:            "edge_cases",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Next returns the following phase in order. ok is false when p is the last
// phase; the last phase has no successor and an interview parked there stays
// until it is explicitly ended.
func (p Phase) Next() (next Phase, ok bool) {
	if p >= PhaseEdgeCases {
		return p, false
	}
	return p + 1, true
}

// Goal describes what the interviewer is probing for during p. Used as
// prompt context.
func (p Phase) Goal() string {
	switch p {
	case PhaseProblemUnderstanding:
		return "confirm the candidate understands the problem, its inputs, outputs and constraints"
	case PhaseCoding:
		return "watch the candidate translate their approach into working code"
	case PhaseOptimization:
		return "push the candidate to improve time and space complexity"
	case PhaseEdgeCases:
		return "probe boundary conditions, failure modes and testing instincts"
	}
	return ""
}

// MarshalText persists phases by name so stored sessions survive reordering
// of the enum.
func (p Phase) MarshalText() ([]byte, error) {
	name, ok := phaseNames[p]
	if !ok {
		return nil, fmt.Errorf("unknown phase %d", int(p))
	}
	return []byte(name), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for phase, name := range phaseNames {
		if name == string(text) {
			*p = phase
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", string(text))
}

// Problem is a snapshot of the practice problem scraped by the content
// script. A new extraction overwrites the previous snapshot wholesale.
type Problem struct {
	Platform    string    `json:"platform"`
	Title       string    `json:"title"`
	Difficulty  string    `json:"difficulty"`
	Description string    `json:"description"`
	Constraints string    `json:"constraints,omitempty"`
	Examples    []string  `json:"examples,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	ExtractedAt time.Time `json:"extractedAt"`
}

// HintRecord is one granted hint. The hints slice is append-only for the
// life of a session.
type HintRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Question     string    `json:"question"`
	ActionType   string    `json:"actionType"`
	CodeSnapshot string    `json:"codeSnapshot,omitempty"`
}

// CodeIteration records one analyzed revision of the user's code.
type CodeIteration struct {
	Timestamp       time.Time `json:"timestamp"`
	CodeHash        string    `json:"codeHash"`
	FeedbackSummary string    `json:"feedbackSummary"`
}

// Evaluation is the scored assessment of one interview answer. Evaluations
// align by index with InterviewState.Questions.
type Evaluation struct {
	Score          int      `json:"score"` // 0-100
	Clarity        int      `json:"clarity"`
	Confidence     int      `json:"confidence"`
	TechnicalDepth int      `json:"technicalDepth"`
	Strengths      []string `json:"strengths,omitempty"`
	Weaknesses     []string `json:"weaknesses,omitempty"`
	Feedback       string   `json:"feedback,omitempty"`
}

// InterviewQuestion is one asked-and-answered interview exchange.
type InterviewQuestion struct {
	Timestamp    time.Time `json:"timestamp"`
	Question     string    `json:"question,omitempty"`
	UserResponse string    `json:"userResponse"`
	CodeSnapshot string    `json:"codeSnapshot,omitempty"`

	// TurnToken is the caller-supplied idempotency token for this round.
	// A resubmitted token must not double-append.
	TurnToken string `json:"turnToken,omitempty"`
}

// InterviewState is the mock-interview sub-record of a Session. It exists
// only while an interview is active or ended-but-not-cleared; "end
// interview" stamps EndTime, it does not erase the record.
type InterviewState struct {
	ID             string              `json:"id"`
	StartTime      time.Time           `json:"startTime"`
	DurationBudget time.Duration       `json:"durationBudget"`
	CurrentPhase   Phase               `json:"currentPhase"`
	Questions      []InterviewQuestion `json:"questions,omitempty"`
	Evaluations    []Evaluation        `json:"evaluations,omitempty"`

	// CurrentQuestion is the question asked but not yet answered. The next
	// submitted turn is the answer to it.
	CurrentQuestion string `json:"currentQuestion,omitempty"`

	// Set exactly once at termination.
	EndTime       time.Time     `json:"endTime,omitzero"`
	TotalDuration time.Duration `json:"totalDuration,omitempty"`
}

// Ended reports whether the interview has been terminated.
func (iv *InterviewState) Ended() bool {
	return !iv.EndTime.IsZero()
}

// Session is the full mutable state owned by one ConversationKey.
type Session struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"startTime"`
	Mode      Mode      `json:"mode"`

	CurrentProblem *Problem        `json:"currentProblem,omitempty"`
	Hints          []HintRecord    `json:"hints,omitempty"`
	CodeIterations []CodeIteration `json:"codeIterations,omitempty"`
	Interview      *InterviewState `json:"interview,omitempty"`
}

// NewSession creates a default session. Creation requires no I/O.
func NewSession(now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartTime: now,
		Mode:      ModePractice,
	}
}

// Clone returns a deep copy. The Store hands out and persists clones so no
// caller ever aliases the live in-memory record.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.CurrentProblem != nil {
		p := *s.CurrentProblem
		p.Examples = cloneStrings(s.CurrentProblem.Examples)
		p.Tags = cloneStrings(s.CurrentProblem.Tags)
		cp.CurrentProblem = &p
	}
	cp.Hints = append([]HintRecord(nil), s.Hints...)
	cp.CodeIterations = append([]CodeIteration(nil), s.CodeIterations...)
	if s.Interview != nil {
		iv := *s.Interview
		iv.Questions = append([]InterviewQuestion(nil), s.Interview.Questions...)
		iv.Evaluations = make([]Evaluation, len(s.Interview.Evaluations))
		for i, ev := range s.Interview.Evaluations {
			evCopy := ev
			evCopy.Strengths = cloneStrings(ev.Strengths)
			evCopy.Weaknesses = cloneStrings(ev.Weaknesses)
			iv.Evaluations[i] = evCopy
		}
		cp.Interview = &iv
	}
	return &cp
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

// TruncateCode returns the fixed-length prefix of code kept in snapshots.
func TruncateCode(code string) string {
	if len(code) <= CodeSnapshotMaxLen {
		return code
	}
	return code[:CodeSnapshotMaxLen]
}
