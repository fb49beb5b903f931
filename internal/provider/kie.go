package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

// KieMarketAdapter talks to the KIE market jobs API (createTask / recordInfo),
// which fronts most image models and several video models.
type KieMarketAdapter struct {
	client     *resty.Client
	strategies []ExtractionStrategy
}

// NewKieMarketAdapter creates an adapter for the KIE market jobs API.
func NewKieMarketAdapter(cfg Config) *KieMarketAdapter {
	client := newHTTPClient(cfg)
	client.SetAuthToken(cfg.APIKey)
	return &KieMarketAdapter{client: client, strategies: DefaultStrategies}
}

// Name returns the adapter identifier.
func (a *KieMarketAdapter) Name() string { return "kie_market" }

type kieEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type kieCreateRequest struct {
	Model string         `json:"model"`
	Input kieCreateInput `json:"input"`
}

type kieCreateInput struct {
	Prompt       string   `json:"prompt"`
	AspectRatio  string   `json:"aspect_ratio,omitempty"`
	Resolution   string   `json:"resolution,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
	ImageInput   []string `json:"image_input,omitempty"`
	Duration     string   `json:"duration,omitempty"`
}

type kieRecord struct {
	TaskID     string          `json:"taskId"`
	State      string          `json:"state"`
	ResultJSON json.RawMessage `json:"resultJson"`
	FailCode   json.RawMessage `json:"failCode"`
	FailMsg    string          `json:"failMsg"`
}

// CreateTask submits a market task and returns its taskId.
func (a *KieMarketAdapter) CreateTask(ctx context.Context, input *CreateTaskInput) (string, error) {
	body := kieCreateRequest{
		Model: input.Model,
		Input: kieCreateInput{
			Prompt:       input.Prompt,
			AspectRatio:  input.AspectRatio,
			Resolution:   input.Resolution,
			OutputFormat: input.OutputFormat,
			ImageInput:   input.ReferenceAssets,
		},
	}
	if input.DurationSeconds > 0 {
		body.Input.Duration = fmt.Sprintf("%d", input.DurationSeconds)
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("/api/v1/jobs/createTask")
	if err != nil {
		return "", transportError(a.Name(), err)
	}

	data, perr := decodeKieEnvelope(a.Name(), resp)
	if perr != nil {
		return "", perr
	}

	var created struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return "", malformed(a.Name(), "decode createTask data", err)
	}
	if created.TaskID == "" {
		return "", malformed(a.Name(), "createTask response has no taskId", nil)
	}
	return created.TaskID, nil
}

// GetTaskStatus polls recordInfo and normalizes the task state.
func (a *KieMarketAdapter) GetTaskStatus(ctx context.Context, externalTaskID string) (*TaskStatus, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("taskId", externalTaskID).
		Get("/api/v1/jobs/recordInfo")
	if err != nil {
		return nil, transportError(a.Name(), err)
	}

	data, perr := decodeKieEnvelope(a.Name(), resp)
	if perr != nil {
		return nil, perr
	}

	var rec kieRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, malformed(a.Name(), "decode recordInfo data", err)
	}

	status := &TaskStatus{Raw: data}
	switch strings.ToLower(rec.State) {
	case "waiting", "queuing":
		status.State = TaskStateQueued
	case "generating":
		status.State = TaskStateProcessing
	case "success":
		status.State = TaskStateSuccess
		payload, err := DecodeResultPayload(rec.ResultJSON)
		if err != nil {
			return nil, malformed(a.Name(), "decode resultJson", err)
		}
		// an unmatched payload is reported as success with no URLs
		status.ResultURLs, _ = ExtractResultURLs(payload, a.strategies)
	case "fail":
		status.State = TaskStateFail
		status.FailureReason = rec.FailMsg
		if status.FailureReason == "" {
			status.FailureReason = "provider reported failure"
		}
	default:
		return nil, malformed(a.Name(), fmt.Sprintf("unknown task state %q", rec.State), nil)
	}
	return status, nil
}

// decodeKieEnvelope validates the HTTP status and the envelope code shared by KIE endpoints
// and returns the raw data member.
func decodeKieEnvelope(provider string, resp *resty.Response) (json.RawMessage, *Error) {
	var env kieEnvelope
	decodeErr := json.Unmarshal(resp.Body(), &env)

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		msg := env.Msg
		if msg == "" {
			msg = truncate(string(resp.Body()), 200)
		}
		return nil, classifyStatus(provider, resp.StatusCode(), msg)
	}
	if decodeErr != nil {
		return nil, malformed(provider, "decode response envelope", decodeErr)
	}
	if env.Code == 0 {
		return nil, malformed(provider, "response envelope has no code", nil)
	}
	if env.Code != http.StatusOK {
		return nil, classifyStatus(provider, env.Code, env.Msg)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, malformed(provider, "response has no data", nil)
	}
	return env.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
