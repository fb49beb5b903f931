package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	klingModeText2Video  = "text2video"
	klingModeImage2Video = "image2video"
)

// KlingConfig adds the access/secret key pair used to sign Kling API tokens.
type KlingConfig struct {
	Config
	AccessKey string
	SecretKey string
}

// KlingAdapter talks to the official Kling video API.
// External task IDs are stored as "<mode>:<task_id>" because the status
// endpoint differs between text and image input.
type KlingAdapter struct {
	client    *resty.Client
	accessKey string
	secretKey string
	now       func() time.Time
}

// NewKlingAdapter creates a Kling adapter.
func NewKlingAdapter(cfg KlingConfig) *KlingAdapter {
	return &KlingAdapter{
		client:    newHTTPClient(cfg.Config),
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		now:       time.Now,
	}
}

// Name returns the adapter identifier.
func (a *KlingAdapter) Name() string { return "kling" }

type klingCreateRequest struct {
	ModelName   string `json:"model_name"`
	Prompt      string `json:"prompt"`
	Image       string `json:"image,omitempty"`
	Duration    string `json:"duration,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

type klingEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type klingTask struct {
	TaskID        string `json:"task_id"`
	TaskStatus    string `json:"task_status"`
	TaskStatusMsg string `json:"task_status_msg"`
	TaskResult    struct {
		Videos []struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		} `json:"videos"`
	} `json:"task_result"`
}

// CreateTask submits a text2video or image2video task.
func (a *KlingAdapter) CreateTask(ctx context.Context, input *CreateTaskInput) (string, error) {
	mode := klingModeText2Video
	body := klingCreateRequest{
		ModelName:   input.Model,
		Prompt:      input.Prompt,
		AspectRatio: input.AspectRatio,
	}
	if len(input.ReferenceAssets) > 0 {
		mode = klingModeImage2Video
		body.Image = input.ReferenceAssets[0]
		body.AspectRatio = ""
	}
	if input.DurationSeconds > 0 {
		body.Duration = strconv.Itoa(input.DurationSeconds)
	}

	task, err := a.do(ctx, a.client.R().SetBody(body), "POST", "/v1/videos/"+mode)
	if err != nil {
		return "", err
	}
	if task.TaskID == "" {
		return "", malformed(a.Name(), "create response has no task_id", nil)
	}
	return mode + ":" + task.TaskID, nil
}

// GetTaskStatus polls the task and normalizes submitted/processing/succeed/failed.
func (a *KlingAdapter) GetTaskStatus(ctx context.Context, externalTaskID string) (*TaskStatus, error) {
	mode, taskID := klingModeImage2Video, externalTaskID
	if m, id, ok := strings.Cut(externalTaskID, ":"); ok {
		mode, taskID = m, id
	}

	task, err := a.do(ctx, a.client.R(), "GET", "/v1/videos/"+mode+"/"+taskID)
	if err != nil {
		return nil, err
	}

	status := &TaskStatus{}
	switch task.TaskStatus {
	case "submitted":
		status.State = TaskStateQueued
	case "processing":
		status.State = TaskStateProcessing
	case "succeed":
		status.State = TaskStateSuccess
		for _, v := range task.TaskResult.Videos {
			if isURL(v.URL) {
				status.ResultURLs = append(status.ResultURLs, v.URL)
			}
		}
	case "failed":
		status.State = TaskStateFail
		status.FailureReason = task.TaskStatusMsg
		if status.FailureReason == "" {
			status.FailureReason = "provider reported failure"
		}
	default:
		return nil, malformed(a.Name(), "unknown task_status "+task.TaskStatus, nil)
	}
	return status, nil
}

func (a *KlingAdapter) do(ctx context.Context, req *resty.Request, method, path string) (*klingTask, error) {
	token, err := a.signToken()
	if err != nil {
		return nil, invalid(a.Name(), 0, "sign token: "+err.Error())
	}

	resp, err := req.SetContext(ctx).SetAuthToken(token).Execute(method, path)
	if err != nil {
		return nil, transportError(a.Name(), err)
	}

	var env klingEnvelope
	decodeErr := json.Unmarshal(resp.Body(), &env)
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		msg := env.Message
		if msg == "" {
			msg = truncate(string(resp.Body()), 200)
		}
		return nil, classifyStatus(a.Name(), resp.StatusCode(), msg)
	}
	if decodeErr != nil {
		return nil, malformed(a.Name(), "decode response envelope", decodeErr)
	}
	if env.Code != 0 {
		// 1xxx codes are request / account errors except the rate limits; 5xxx are service-side
		if env.Code >= 5000 || env.Code == 1302 || env.Code == 1303 {
			return nil, unavailable(a.Name(), env.Code, env.Message, nil)
		}
		return nil, invalid(a.Name(), env.Code, env.Message)
	}

	var task klingTask
	if err := json.Unmarshal(env.Data, &task); err != nil {
		return nil, malformed(a.Name(), "decode task data", err)
	}
	return &task, nil
}

// signToken builds the short-lived HS256 JWT Kling expects as a bearer token.
func (a *KlingAdapter) signToken() (string, error) {
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	now := a.now().Unix()
	payload, err := json.Marshal(map[string]interface{}{
		"iss": a.accessKey,
		"exp": now + 1800,
		"nbf": now - 5,
	})
	if err != nil {
		return "", err
	}

	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
