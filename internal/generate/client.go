// Package generate wraps the Gemini generation backend behind the one call
// the rest of sidecoach is allowed to make.
//
// Every call passes local admission control first, carries a client-side
// deadline, and returns a tagged result of display text plus optional
// structured metadata. The client performs no retries; callers decide
// whether a failure is worth retrying.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/sidecoach/sidecoach/internal/prompt"
)

// Default generation parameters. All are pass-through knobs; the backend
// applies its own semantics.
const (
	DefaultModel       = "gemini-2.5-flash"
	DefaultTemperature = float32(0.7)
	DefaultTopP        = float32(0.95)
	DefaultTopK        = float32(40)
	DefaultMaxTokens   = int32(2048)

	// DefaultTimeout bounds one backend call. The upstream SDK has no
	// default deadline of its own.
	DefaultTimeout = 30 * time.Second
)

// Limiter is the admission-control dependency. Satisfied by
// *ratelimit.SlidingWindow.
type Limiter interface {
	Allow() bool
	RetryAfter() time.Duration
}

// contentCaller is the slice of the genai SDK the client uses.
// Satisfied by *genai.Models; tests substitute a fake.
type contentCaller interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config contains construction parameters for Client.
type Config struct {
	APIKey  string
	Model   string
	Limiter Limiter
	Logger  *slog.Logger

	// Generation defaults; zero values fall back to package defaults.
	Temperature float32
	TopP        float32
	TopK        float32
	MaxTokens   int32
	Timeout     time.Duration
}

// Options are per-call overrides. Nil pointer fields inherit the client's
// defaults.
type Options struct {
	System      string // system instruction text, empty = none
	Temperature *float32
	TopP        *float32
	TopK        *float32
	MaxTokens   *int32
}

// Result is the tagged outcome of one generation call.
type Result struct {
	Text     string         // display text with the metadata block removed
	Metadata map[string]any // parsed metadata block, nil when absent or unparseable
	RawText  string         // full model text including any metadata block
}

// Client issues single calls to the Gemini backend.
//
// Client is safe for concurrent use; all mutable state lives in the limiter.
type Client struct {
	caller  contentCaller
	limiter Limiter
	logger  *slog.Logger

	configured bool
	model      string

	temperature float32
	topP        float32
	topK        float32
	maxTokens   int32
	timeout     time.Duration
}

// New creates a generation client. A missing API key is not a construction
// error: the client is built unconfigured and every Generate call fails with
// ErrNotConfigured until the daemon is restarted with a key. This mirrors
// the product behavior of surfacing "configure your credential" per request.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Limiter == nil {
		return nil, errors.New("limiter is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		limiter:     cfg.Limiter,
		logger:      cfg.Logger,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
		topK:        cfg.TopK,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.temperature == 0 {
		c.temperature = DefaultTemperature
	}
	if c.topP == 0 {
		c.topP = DefaultTopP
	}
	if c.topK == 0 {
		c.topK = DefaultTopK
	}
	if c.maxTokens == 0 {
		c.maxTokens = DefaultMaxTokens
	}
	if c.timeout == 0 {
		c.timeout = DefaultTimeout
	}

	if cfg.APIKey == "" {
		c.logger.Warn("no API key configured, generation calls will fail until one is set")
		return c, nil
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	c.caller = gc.Models
	c.configured = true
	return c, nil
}

// newWithCaller builds a client around an injected caller. Tests only.
func newWithCaller(caller contentCaller, limiter Limiter, logger *slog.Logger) *Client {
	return &Client{
		caller:      caller,
		limiter:     limiter,
		logger:      logger,
		configured:  caller != nil,
		model:       DefaultModel,
		temperature: DefaultTemperature,
		topP:        DefaultTopP,
		topK:        DefaultTopK,
		maxTokens:   DefaultMaxTokens,
		timeout:     DefaultTimeout,
	}
}

// Generate issues one backend call with the given prompt.
//
// Order of checks matters and is part of the contract: admission control
// first (so an unconfigured client still consumes no budget on a granted
// call path), then credential, then the network call.
func (c *Client) Generate(ctx context.Context, promptText string, opts Options) (*Result, error) {
	if !c.limiter.Allow() {
		retry := c.limiter.RetryAfter()
		c.logger.Warn("generation call rejected by rate limiter", "retry_after", retry)
		return nil, fmt.Errorf("%w: retry after %s", ErrRateLimited, retry.Round(time.Second))
	}

	if !c.configured {
		return nil, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(c.temperature),
		TopP:            genai.Ptr(c.topP),
		TopK:            genai.Ptr(c.topK),
		MaxOutputTokens: c.maxTokens,
	}
	if opts.Temperature != nil {
		cfg.Temperature = opts.Temperature
	}
	if opts.TopP != nil {
		cfg.TopP = opts.TopP
	}
	if opts.TopK != nil {
		cfg.TopK = opts.TopK
	}
	if opts.MaxTokens != nil {
		cfg.MaxOutputTokens = *opts.MaxTokens
	}
	if opts.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(opts.System, genai.RoleUser)
	}

	start := time.Now()
	resp, err := c.caller.GenerateContent(ctx, c.model, genai.Text(promptText), cfg)
	if err != nil {
		return nil, c.mapCallError(ctx, err)
	}

	text := firstCandidateText(resp)
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyResponse
	}

	c.logger.Debug("generation call completed",
		"model", c.model,
		"prompt_len", len(promptText),
		"response_len", len(text),
		"elapsed", time.Since(start))

	return &Result{
		Text:     prompt.StripMetadataBlock(text),
		Metadata: prompt.ExtractMetadata(text),
		RawText:  text,
	}, nil
}

// mapCallError converts SDK failures into the package taxonomy.
func (c *Client) mapCallError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &BackendError{Status: apiErr.Code, Message: apiErr.Message}
	}
	return &BackendError{Message: err.Error()}
}

// firstCandidateText extracts the text of the first candidate, joining its
// parts. The response shape beyond this is not relied upon anywhere.
func firstCandidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
