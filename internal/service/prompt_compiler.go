package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/prompts"
)

const maxCompilerInput = 2000

var (
	compilerModes     = map[string]bool{"image": true, "t2v": true, "i2v": true, "universal": true}
	compilerAspects   = map[string]bool{"1:1": true, "9:16": true, "16:9": true, "4:5": true}
	compilerStyles    = map[string]bool{"realistic": true, "cinematic": true, "anime": true, "3d": true, "illustration": true, "product": true, "ugc_ad": true}
	compilerQualities = map[string]bool{"draft": true, "high": true, "ultra": true}
)

// PromptCompilerService turns a free-form description into a structured
// generation prompt using an OpenAI-compatible chat model. Each call is charged.
type PromptCompilerService struct {
	client   *resty.Client
	model    string
	endpoint string
	enabled  bool
	cost     int
	ledger   *LedgerService
	logger   *logger.Logger
}

// PromptCompilerConfig holds configuration for the prompt compiler
type PromptCompilerConfig struct {
	Enabled    bool
	Model      string
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	CreditCost int
}

// NewPromptCompilerService creates a new prompt compiler. A disabled compiler
// rejects every request with domain.ErrProviderUnavailable.
func NewPromptCompilerService(cfg *PromptCompilerConfig, ledger *LedgerService, log *logger.Logger) *PromptCompilerService {
	if cfg == nil || !cfg.Enabled {
		return &PromptCompilerService{enabled: false, ledger: ledger, logger: log}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &PromptCompilerService{
		client:   client,
		model:    cfg.Model,
		endpoint: baseURL + "/chat/completions",
		enabled:  true,
		cost:     cfg.CreditCost,
		ledger:   ledger,
		logger:   log,
	}
}

func (s *PromptCompilerService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// IsEnabled returns whether the compiler is configured
func (s *PromptCompilerService) IsEnabled() bool {
	return s.enabled
}

// CreditCost returns the credits charged per compilation.
func (s *PromptCompilerService) CreditCost() int {
	return s.cost
}

// CompileRequest is the API request for a compilation.
type CompileRequest struct {
	UserID         string `json:"-"`
	Input          string `json:"input"`
	Mode           string `json:"mode"`
	AspectRatio    string `json:"aspect_ratio"`
	Style          string `json:"style"`
	Quality        string `json:"quality"`
	NoIdentity     *bool  `json:"no_identity"`
	Action         string `json:"action"`
	PreviousPrompt string `json:"previous_prompt"`
}

// CompiledSettings are the generation settings the model inferred.
type CompiledSettings struct {
	Mode        string   `json:"mode"`
	AspectRatio string   `json:"aspect_ratio"`
	Style       string   `json:"style"`
	Quality     string   `json:"quality"`
	Camera      string   `json:"camera"`
	Lighting    string   `json:"lighting"`
	Environment string   `json:"environment"`
	Subject     string   `json:"subject"`
	Actions     string   `json:"actions"`
	Constraints []string `json:"constraints"`
}

// CompiledPrompt is the structured compiler output.
type CompiledPrompt struct {
	MasterPrompt   string           `json:"master_prompt_en"`
	NegativePrompt string           `json:"negative_prompt_en"`
	Settings       CompiledSettings `json:"settings"`
	Summary        []string         `json:"tr_summary"`
	Variants       []string         `json:"variants_en"`
}

// CompileResult is the compiler output plus the charge.
type CompileResult struct {
	Prompt      *CompiledPrompt `json:"prompt"`
	CreditsUsed int             `json:"credits_used"`
	Balance     int             `json:"balance"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float32           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *PromptCompilerService) normalize(req *CompileRequest) (prompts.CompilerInput, error) {
	in := prompts.CompilerInput{
		Input:          strings.TrimSpace(req.Input),
		Mode:           withDefault(req.Mode, "image"),
		AspectRatio:    withDefault(req.AspectRatio, "1:1"),
		Style:          withDefault(req.Style, "realistic"),
		Quality:        withDefault(req.Quality, "high"),
		NoIdentity:     req.NoIdentity == nil || *req.NoIdentity,
		Action:         withDefault(req.Action, prompts.ActionCompile),
		PreviousPrompt: req.PreviousPrompt,
	}

	switch {
	case strings.TrimSpace(req.UserID) == "":
		return in, fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	case in.Input == "":
		return in, fmt.Errorf("%w: input is required", domain.ErrInvalidRequest)
	case utf8.RuneCountInString(in.Input) > maxCompilerInput:
		return in, fmt.Errorf("%w: input exceeds %d characters", domain.ErrInvalidRequest, maxCompilerInput)
	case !compilerModes[in.Mode]:
		return in, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidRequest, in.Mode)
	case !compilerAspects[in.AspectRatio]:
		return in, fmt.Errorf("%w: unsupported aspect ratio %q", domain.ErrInvalidRequest, in.AspectRatio)
	case !compilerStyles[in.Style]:
		return in, fmt.Errorf("%w: unknown style %q", domain.ErrInvalidRequest, in.Style)
	case !compilerQualities[in.Quality]:
		return in, fmt.Errorf("%w: unknown quality %q", domain.ErrInvalidRequest, in.Quality)
	case !prompts.IsCompilerAction(in.Action):
		return in, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidRequest, in.Action)
	}
	return in, nil
}

// Compile charges the user, asks the model for a structured prompt and
// refunds the charge when the model call fails or returns an unusable answer.
func (s *PromptCompilerService) Compile(ctx context.Context, req *CompileRequest) (*CompileResult, error) {
	if !s.enabled {
		return nil, fmt.Errorf("%w: prompt compiler is not configured", domain.ErrProviderUnavailable)
	}
	in, err := s.normalize(req)
	if err != nil {
		return nil, err
	}

	compileID := uuid.New().String()
	balance := 0
	if s.cost > 0 {
		balance, err = s.ledger.Debit(ctx, req.UserID, s.cost, "prompt compiler: "+in.Action, "")
		if err != nil {
			return nil, err
		}
	}

	start := time.Now()
	out, err := s.call(ctx, in)
	if err != nil {
		s.log(ctx).WithError(err).WithField(logger.FieldUserID, req.UserID).Warn("Prompt compilation failed")
		if s.cost > 0 {
			if _, rerr := s.ledger.Refund(context.WithoutCancel(ctx), RefundRequest{
				UserID: req.UserID,
				Amount: s.cost,
				Reason: "refund: prompt compiler failed",
				Key:    domain.RefundKey("compile:" + compileID),
			}); rerr != nil {
				s.log(ctx).WithError(rerr).Error("Failed to refund prompt compiler charge")
			}
		}
		return nil, err
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldUserID:     req.UserID,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		"action":               in.Action,
	}).Info("Prompt compiled")

	return &CompileResult{Prompt: out, CreditsUsed: s.cost, Balance: balance}, nil
}

func (s *PromptCompilerService) call(ctx context.Context, in prompts.CompilerInput) (*CompiledPrompt, error) {
	system, user := prompts.CompilerMessages(in)
	body := chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    0.7,
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: prompt compiler request failed: %v", domain.ErrProviderUnavailable, err)
	}

	var resp chatResponse
	decodeErr := json.Unmarshal(httpResp.Body(), &resp)
	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		if resp.Error != nil {
			return nil, fmt.Errorf("%w: prompt compiler API error: %s", domain.ErrProviderUnavailable, resp.Error.Message)
		}
		return nil, fmt.Errorf("%w: prompt compiler API error: status %d", domain.ErrProviderUnavailable, httpResp.StatusCode())
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("%w: undecodable prompt compiler response: %v", domain.ErrMalformedResponse, decodeErr)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("%w: empty prompt compiler response", domain.ErrMalformedResponse)
	}

	var out CompiledPrompt
	if err := json.Unmarshal([]byte(stripCodeFence(resp.Choices[0].Message.Content)), &out); err != nil {
		return nil, fmt.Errorf("%w: prompt compiler returned invalid JSON: %v", domain.ErrMalformedResponse, err)
	}
	if strings.TrimSpace(out.MasterPrompt) == "" {
		return nil, fmt.Errorf("%w: prompt compiler returned no master prompt", domain.ErrMalformedResponse)
	}
	return &out, nil
}

// stripCodeFence removes a ```json fence some models wrap around JSON output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func withDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
