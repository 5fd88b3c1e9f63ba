package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/c360studio/nanoclaw/plan"
)

// runImageToText forwards the image to the configured transcription endpoint.
func (e *Executor) runImageToText(ctx context.Context, a *plan.Action) (string, error) {
	if e.cfg.ImageEndpointURL == "" {
		return "", fmt.Errorf("no image transcription endpoint configured")
	}
	body := map[string]string{"imageUrl": a.ImageURL}
	if a.Prompt != "" {
		body["prompt"] = a.Prompt
	}
	return e.postMedia(ctx, e.cfg.ImageEndpointURL, body)
}

// runVoiceToText forwards the audio clip to the configured transcription
// endpoint.
func (e *Executor) runVoiceToText(ctx context.Context, a *plan.Action) (string, error) {
	if e.cfg.VoiceEndpointURL == "" {
		return "", fmt.Errorf("no voice transcription endpoint configured")
	}
	language := a.Language
	if language == "" {
		language = "auto"
	}
	return e.postMedia(ctx, e.cfg.VoiceEndpointURL, map[string]string{
		"audioUrl": a.AudioURL,
		"language": language,
	})
}

// postMedia POSTs a JSON body with the bearer token and returns the response
// body truncated to the fetch limit.
func (e *Executor) postMedia(ctx context.Context, endpoint string, payload map[string]string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.MediaBearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.MediaBearerToken)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, fetchReadLimit))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, truncateHead(string(respBody), 500))
	}
	return truncateHead(string(respBody), FetchBodyLimit), nil
}
