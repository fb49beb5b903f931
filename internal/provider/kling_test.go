package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/timmy/genflow/internal/domain"
)

func TestKlingStatusAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		parts := strings.Split(auth, ".")
		if len(parts) != 3 {
			t.Errorf("token should be a JWT, got %q", auth)
		} else {
			payload, _ := base64.RawURLEncoding.DecodeString(parts[1])
			if !strings.Contains(string(payload), `"iss":"ak"`) {
				t.Errorf("token payload = %s", payload)
			}
		}

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/videos/image2video":
			w.Write([]byte(`{"code":0,"data":{"task_id":"k1","task_status":"submitted"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/videos/image2video/k1":
			w.Write([]byte(`{"code":0,"data":{"task_id":"k1","task_status":"succeed","task_result":{"videos":[{"id":"a","url":"https://k/v.mp4"}]}}}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	adapter := NewKlingAdapter(KlingConfig{
		Config:    Config{BaseURL: srv.URL, Timeout: time.Second},
		AccessKey: "ak",
		SecretKey: "sk",
	})

	id, err := adapter.CreateTask(context.Background(), &CreateTaskInput{Model: "kling-v2-master", Prompt: "p", ReferenceAssets: []string{"https://ref/a.png"}})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if id != "image2video:k1" {
		t.Fatalf("external id = %q", id)
	}

	status, err := adapter.GetTaskStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTaskStatus: %v", err)
	}
	if status.State != TaskStateSuccess || len(status.ResultURLs) != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestKlingGetTaskStatus(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		wantState  TaskState
		wantReason string
		wantURLs   int
		wantErr    error
	}{
		{name: "submitted", body: `{"code":0,"data":{"task_id":"k1","task_status":"submitted"}}`, wantState: TaskStateQueued},
		{name: "processing", body: `{"code":0,"data":{"task_id":"k1","task_status":"processing"}}`, wantState: TaskStateProcessing},
		{name: "succeed drops non urls", body: `{"code":0,"data":{"task_id":"k1","task_status":"succeed","task_result":{"videos":[{"url":"https://k/a.mp4"},{"url":"not a url"}]}}}`,
			wantState: TaskStateSuccess, wantURLs: 1},
		{name: "failed with message", body: `{"code":0,"data":{"task_id":"k1","task_status":"failed","task_status_msg":"content rejected"}}`,
			wantState: TaskStateFail, wantReason: "content rejected"},
		{name: "failed without message", body: `{"code":0,"data":{"task_id":"k1","task_status":"failed"}}`,
			wantState: TaskStateFail, wantReason: "provider reported failure"},
		{name: "unknown status", body: `{"code":0,"data":{"task_id":"k1","task_status":"paused"}}`, wantErr: domain.ErrMalformedResponse},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/videos/text2video/k1" {
					t.Errorf("path = %s", r.URL.Path)
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			adapter := NewKlingAdapter(KlingConfig{
				Config:    Config{BaseURL: srv.URL, Timeout: time.Second},
				AccessKey: "ak",
				SecretKey: "sk",
			})
			status, err := adapter.GetTaskStatus(context.Background(), "text2video:k1")
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetTaskStatus: %v", err)
			}
			if status.State != tc.wantState || status.FailureReason != tc.wantReason || len(status.ResultURLs) != tc.wantURLs {
				t.Errorf("status = %+v", status)
			}
		})
	}
}
