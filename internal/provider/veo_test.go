package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

func TestVeoGetTaskStatus(t *testing.T) {
	testCases := []struct {
		name      string
		data      string
		wantState TaskState
		wantURLs  []string
	}{
		{name: "processing", data: `{"taskId":"v","successFlag":0}`, wantState: TaskStateProcessing},
		{
			name:      "response urls",
			data:      `{"taskId":"v","successFlag":1,"response":{"resultUrls":["https://v/1.mp4"]}}`,
			wantState: TaskStateSuccess,
			wantURLs:  []string{"https://v/1.mp4"},
		},
		{
			name:      "legacy string urls",
			data:      `{"taskId":"v","successFlag":1,"resultUrls":"[\"https://v/legacy.mp4\"]"}`,
			wantState: TaskStateSuccess,
			wantURLs:  []string{"https://v/legacy.mp4"},
		},
		{name: "failed", data: `{"taskId":"v","successFlag":2,"errorMessage":"policy"}`, wantState: TaskStateFail},
		{name: "failed other flag", data: `{"taskId":"v","successFlag":3}`, wantState: TaskStateFail},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/v1/veo/record-info" {
					t.Errorf("path = %s", r.URL.Path)
				}
				w.Write([]byte(`{"code":200,"data":` + tc.data + `}`))
			}))
			defer srv.Close()

			adapter := NewKieVeoAdapter(Config{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second})
			status, err := adapter.GetTaskStatus(context.Background(), "v")
			if err != nil {
				t.Fatalf("GetTaskStatus: %v", err)
			}
			if status.State != tc.wantState {
				t.Errorf("state = %s, want %s", status.State, tc.wantState)
			}
			if tc.wantURLs != nil && !reflect.DeepEqual(status.ResultURLs, tc.wantURLs) {
				t.Errorf("urls = %v, want %v", status.ResultURLs, tc.wantURLs)
			}
			if status.State == TaskStateFail && status.FailureReason == "" {
				t.Error("failed status must carry a reason")
			}
		})
	}
}

func TestVeoCreateTaskMapsAspectRatio(t *testing.T) {
	var body veoGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"code":200,"data":{"taskId":"veo-1"}}`))
	}))
	defer srv.Close()

	adapter := NewKieVeoAdapter(Config{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second})
	id, err := adapter.CreateTask(context.Background(), &CreateTaskInput{Model: "veo3_fast", Prompt: "waves", AspectRatio: "portrait"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if id != "veo-1" || body.AspectRatio != "9:16" || body.Model != "veo3_fast" {
		t.Errorf("id=%q body=%+v", id, body)
	}
}
