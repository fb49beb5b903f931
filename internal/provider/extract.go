package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/timmy/genflow/internal/domain"
)

// ExtractionStrategy pulls artifact URLs out of a decoded result payload.
// An empty result means the strategy did not match.
type ExtractionStrategy struct {
	Name    string
	Extract func(payload map[string]interface{}) []string
}

// DefaultStrategies is the ordered list applied to provider result payloads:
// array fields first, then single-URL fields.
var DefaultStrategies = []ExtractionStrategy{
	ArrayField("resultUrls"),
	ArrayField("images"),
	ArrayField("output"),
	ArrayField("result"),
	ArrayField("videos"),
	SingleField("url"),
	SingleField("imageUrl"),
	SingleField("output_url"),
	SingleField("video_url"),
}

// ArrayField matches a list of URL strings (or objects carrying a "url" key) under name.
func ArrayField(name string) ExtractionStrategy {
	return ExtractionStrategy{
		Name: "array:" + name,
		Extract: func(payload map[string]interface{}) []string {
			items, ok := payload[name].([]interface{})
			if !ok {
				return nil
			}
			var urls []string
			for _, item := range items {
				switch v := item.(type) {
				case string:
					if isURL(v) {
						urls = append(urls, v)
					}
				case map[string]interface{}:
					if u, ok := v["url"].(string); ok && isURL(u) {
						urls = append(urls, u)
					}
				}
			}
			return urls
		},
	}
}

// SingleField matches one URL string under name.
func SingleField(name string) ExtractionStrategy {
	return ExtractionStrategy{
		Name: "field:" + name,
		Extract: func(payload map[string]interface{}) []string {
			if u, ok := payload[name].(string); ok && isURL(u) {
				return []string{u}
			}
			return nil
		},
	}
}

// ExtractResultURLs applies strategies in order and returns the first non-empty match.
// Returns domain.ErrNoResultArtifact when no strategy matches.
func ExtractResultURLs(payload map[string]interface{}, strategies []ExtractionStrategy) ([]string, error) {
	for _, s := range strategies {
		if urls := s.Extract(payload); len(urls) > 0 {
			return urls, nil
		}
	}
	return nil, domain.ErrNoResultArtifact
}

// DecodeResultPayload decodes a result document that may be either a JSON object
// or a string containing JSON-encoded text of an object.
// An empty or null document decodes to an empty map.
func DecodeResultPayload(raw json.RawMessage) (map[string]interface{}, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]interface{}{}, nil
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("decode result string: %w", err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return map[string]interface{}{}, nil
		}
		raw = json.RawMessage(text)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode result object: %w", err)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return payload, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}
