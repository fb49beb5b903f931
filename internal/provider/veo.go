package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// KieVeoAdapter talks to the dedicated Veo endpoints, which use a different
// status shape (successFlag) from the market jobs API.
type KieVeoAdapter struct {
	client *resty.Client
}

// NewKieVeoAdapter creates an adapter for the Veo generate / record-info endpoints.
func NewKieVeoAdapter(cfg Config) *KieVeoAdapter {
	client := newHTTPClient(cfg)
	client.SetAuthToken(cfg.APIKey)
	return &KieVeoAdapter{client: client}
}

// Name returns the adapter identifier.
func (a *KieVeoAdapter) Name() string { return "kie_veo" }

type veoGenerateRequest struct {
	Prompt            string   `json:"prompt"`
	Model             string   `json:"model"`
	AspectRatio       string   `json:"aspectRatio"`
	ImageURLs         []string `json:"imageUrls,omitempty"`
	EnableTranslation bool     `json:"enableTranslation"`
}

type veoRecord struct {
	TaskID      string          `json:"taskId"`
	SuccessFlag int             `json:"successFlag"`
	ResultURLs  json.RawMessage `json:"resultUrls"`
	Response    *struct {
		ResultURLs []string `json:"resultUrls"`
	} `json:"response"`
	ErrorCode    json.RawMessage `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
}

// CreateTask submits a Veo generation.
func (a *KieVeoAdapter) CreateTask(ctx context.Context, input *CreateTaskInput) (string, error) {
	body := veoGenerateRequest{
		Prompt:            input.Prompt,
		Model:             input.Model,
		AspectRatio:       veoAspectRatio(input.AspectRatio),
		ImageURLs:         input.ReferenceAssets,
		EnableTranslation: true,
	}
	if len(body.ImageURLs) > 3 {
		return "", invalid(a.Name(), 0, "veo accepts at most 3 reference images")
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("/api/v1/veo/generate")
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
		return "", malformed(a.Name(), "decode generate data", err)
	}
	if created.TaskID == "" {
		return "", malformed(a.Name(), "generate response has no taskId", nil)
	}
	return created.TaskID, nil
}

// GetTaskStatus polls record-info. successFlag 0 is processing, 1 success, anything else failed.
func (a *KieVeoAdapter) GetTaskStatus(ctx context.Context, externalTaskID string) (*TaskStatus, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("taskId", externalTaskID).
		Get("/api/v1/veo/record-info")
	if err != nil {
		return nil, transportError(a.Name(), err)
	}

	data, perr := decodeKieEnvelope(a.Name(), resp)
	if perr != nil {
		return nil, perr
	}

	var rec veoRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, malformed(a.Name(), "decode record-info data", err)
	}

	status := &TaskStatus{Raw: data}
	switch rec.SuccessFlag {
	case 0:
		status.State = TaskStateProcessing
	case 1:
		status.State = TaskStateSuccess
		urls, err := veoResultURLs(&rec)
		if err != nil {
			return nil, malformed(a.Name(), "decode resultUrls", err)
		}
		status.ResultURLs = urls
	default:
		status.State = TaskStateFail
		status.FailureReason = rec.ErrorMessage
		if status.FailureReason == "" {
			status.FailureReason = fmt.Sprintf("generation failed (flag %d)", rec.SuccessFlag)
		}
	}
	return status, nil
}

// veoResultURLs prefers response.resultUrls and falls back to the legacy
// top-level resultUrls, which is a JSON-encoded string of an array.
func veoResultURLs(rec *veoRecord) ([]string, error) {
	if rec.Response != nil && len(rec.Response.ResultURLs) > 0 {
		return rec.Response.ResultURLs, nil
	}
	if len(rec.ResultURLs) == 0 || string(rec.ResultURLs) == "null" {
		return nil, nil
	}

	var urls []string
	if err := json.Unmarshal(rec.ResultURLs, &urls); err == nil {
		return urls, nil
	}
	var encoded string
	if err := json.Unmarshal(rec.ResultURLs, &encoded); err != nil {
		return nil, err
	}
	if encoded == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(encoded), &urls); err != nil {
		return nil, err
	}
	return urls, nil
}

func veoAspectRatio(ratio string) string {
	switch ratio {
	case "9:16", "portrait":
		return "9:16"
	case "1:1", "square", "Auto", "auto":
		return "Auto"
	default:
		return "16:9"
	}
}
