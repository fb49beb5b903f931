package provider

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/timmy/genflow/internal/domain"
)

func TestDecodeResultPayload(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		wantKey string
		wantErr bool
	}{
		{name: "object", raw: `{"resultUrls":["https://a/1.png"]}`, wantKey: "resultUrls"},
		{name: "json string", raw: `"{\"resultUrls\":[\"https://a/1.png\"]}"`, wantKey: "resultUrls"},
		{name: "empty", raw: ``},
		{name: "null", raw: `null`},
		{name: "empty string", raw: `""`},
		{name: "broken string", raw: `"{not json"`, wantErr: true},
		{name: "array", raw: `[1,2]`, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := DecodeResultPayload(json.RawMessage(tc.raw))
			if (err != nil) != tc.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}
			if payload == nil {
				t.Fatal("payload must not be nil")
			}
			if tc.wantKey != "" {
				if _, ok := payload[tc.wantKey]; !ok {
					t.Errorf("payload missing %q: %v", tc.wantKey, payload)
				}
			}
		})
	}
}

func TestExtractResultURLsOrder(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		want    []string
		wantErr error
	}{
		{
			name:    "resultUrls wins over url",
			payload: `{"url":"https://x/single.png","resultUrls":["https://x/1.png","https://x/2.png"]}`,
			want:    []string{"https://x/1.png", "https://x/2.png"},
		},
		{
			name:    "images before output",
			payload: `{"output":["https://x/out.png"],"images":["https://x/img.png"]}`,
			want:    []string{"https://x/img.png"},
		},
		{
			name:    "objects with url",
			payload: `{"videos":[{"url":"https://x/v.mp4"},{"id":"no-url"}]}`,
			want:    []string{"https://x/v.mp4"},
		},
		{
			name:    "single field fallback",
			payload: `{"imageUrl":"https://x/only.png"}`,
			want:    []string{"https://x/only.png"},
		},
		{
			name:    "empty arrays fall through",
			payload: `{"resultUrls":[],"output_url":"https://x/o.png"}`,
			want:    []string{"https://x/o.png"},
		},
		{
			name:    "non url strings ignored",
			payload: `{"result":["not a url"]}`,
			wantErr: domain.ErrNoResultArtifact,
		},
		{
			name:    "nothing",
			payload: `{}`,
			wantErr: domain.ErrNoResultArtifact,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := DecodeResultPayload(json.RawMessage(tc.payload))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			got, err := ExtractResultURLs(payload, DefaultStrategies)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("urls = %v, want %v", got, tc.want)
			}
		})
	}
}
