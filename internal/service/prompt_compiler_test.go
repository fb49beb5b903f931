package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
)

const compiledJSON = `{
  "master_prompt_en": "A woman walking between fairy chimneys at sunset, drone shot",
  "negative_prompt_en": "watermark, text, extra limbs",
  "settings": {"mode": "t2v", "aspect_ratio": "9:16", "style": "cinematic", "quality": "ultra",
    "camera": "drone", "lighting": "golden hour", "environment": "Cappadocia", "subject": "woman",
    "actions": "walking", "constraints": ["no real identity"]},
  "tr_summary": ["Kapadokya", "gün batımı"],
  "variants_en": ["variant one"]
}`

func chatServer(t *testing.T, status int, content string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.ResponseFormat["type"] != "json_object" {
			t.Errorf("request = %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(`{"error":{"message":"rate limited"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestCompiler(t *testing.T, env *testEnv, baseURL string) *PromptCompilerService {
	t.Helper()
	return NewPromptCompilerService(&PromptCompilerConfig{
		Enabled:    true,
		Model:      "test-model",
		APIKey:     "test-key",
		BaseURL:    baseURL,
		CreditCost: 2,
	}, env.ledger, logger.GetDefault())
}

func TestCompilePrompt(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, 10)
	srv, calls := chatServer(t, http.StatusOK, "```json\n"+compiledJSON+"\n```")
	compiler := newTestCompiler(t, env, srv.URL)

	res, err := compiler.Compile(context.Background(), &CompileRequest{
		UserID:      testUser,
		Input:       "Kapadokya'da gün batımında yürüyen bir kadın",
		Mode:        "t2v",
		AspectRatio: "9:16",
		Style:       "cinematic",
		Quality:     "ultra",
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !strings.Contains(res.Prompt.MasterPrompt, "fairy chimneys") || res.Prompt.Settings.Camera != "drone" {
		t.Errorf("prompt = %+v", res.Prompt)
	}
	if res.CreditsUsed != 2 || res.Balance != 8 || env.balance(t) != 8 {
		t.Errorf("charge: used %d, balance %d / %d", res.CreditsUsed, res.Balance, env.balance(t))
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Errorf("calls = %d", *calls)
	}
	env.assertLedgerConsistent(t)
}

func TestCompilePromptIgnoresResponseContentType(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": compiledJSON}}},
		})
	}))
	t.Cleanup(srv.Close)

	res, err := newTestCompiler(t, env, srv.URL).Compile(context.Background(), &CompileRequest{UserID: testUser, Input: "bir kedi"})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if res.Prompt.MasterPrompt == "" || env.balance(t) != 8 {
		t.Errorf("prompt = %+v, balance = %d", res.Prompt, env.balance(t))
	}
}

func TestCompilePromptRefundsOnFailure(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		content string
		wantErr error
	}{
		{name: "upstream error", status: http.StatusTooManyRequests, wantErr: domain.ErrProviderUnavailable},
		{name: "empty content", status: http.StatusOK, content: "", wantErr: domain.ErrMalformedResponse},
		{name: "not json", status: http.StatusOK, content: "Sure! Here is your prompt", wantErr: domain.ErrMalformedResponse},
		{name: "no master prompt", status: http.StatusOK, content: `{"negative_prompt_en":"x"}`, wantErr: domain.ErrMalformedResponse},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.grant(t, 10)
			srv, _ := chatServer(t, tc.status, tc.content)
			compiler := newTestCompiler(t, env, srv.URL)

			_, err := compiler.Compile(context.Background(), &CompileRequest{UserID: testUser, Input: "bir kedi"})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if b := env.balance(t); b != 10 {
				t.Errorf("balance = %d, want 10 after refund", b)
			}
			if n := env.countRefunds(t); n != 1 {
				t.Errorf("refunds = %d, want 1", n)
			}
			env.assertLedgerConsistent(t)
		})
	}
}

func TestCompilePromptRejectsBeforeCharging(t *testing.T) {
	env := newTestEnv(t)
	srv, calls := chatServer(t, http.StatusOK, compiledJSON)
	compiler := newTestCompiler(t, env, srv.URL)
	ctx := context.Background()

	testCases := []struct {
		name    string
		req     CompileRequest
		wantErr error
	}{
		{name: "empty input", req: CompileRequest{UserID: testUser, Input: "  "}, wantErr: domain.ErrInvalidRequest},
		{name: "bad mode", req: CompileRequest{UserID: testUser, Input: "x", Mode: "gif"}, wantErr: domain.ErrInvalidRequest},
		{name: "bad aspect", req: CompileRequest{UserID: testUser, Input: "x", AspectRatio: "3:2"}, wantErr: domain.ErrInvalidRequest},
		{name: "bad action", req: CompileRequest{UserID: testUser, Input: "x", Action: "translate"}, wantErr: domain.ErrInvalidRequest},
		{name: "too long", req: CompileRequest{UserID: testUser, Input: strings.Repeat("a", maxCompilerInput+1)}, wantErr: domain.ErrInvalidRequest},
		{name: "no credits", req: CompileRequest{UserID: testUser, Input: "x"}, wantErr: domain.ErrInsufficientCredits},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := compiler.Compile(ctx, &tc.req); !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
	if n := atomic.LoadInt32(calls); n != 0 {
		t.Errorf("model called %d times for rejected requests", n)
	}

	disabled := NewPromptCompilerService(nil, env.ledger, logger.GetDefault())
	if _, err := disabled.Compile(ctx, &CompileRequest{UserID: testUser, Input: "x"}); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("disabled compiler: err = %v", err)
	}
}
