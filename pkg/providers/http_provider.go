// chat-with-ai - autonomous persona conversation scheduler
// License: MIT
//
// Copyright (c) 2026 chat-with-ai contributors

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "google/gemini-2.5-flash"
	defaultHTTPTimeout       = 120 * time.Second
)

// HTTPProvider talks to an OpenAI-compatible chat completions endpoint
// (OpenRouter by default).
type HTTPProvider struct {
	name       string
	apiKey     string
	apiBase    string
	model      string
	httpClient *http.Client
}

func NewHTTPProvider(name, apiKey, apiBase, model, proxy string) (*HTTPProvider, error) {
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", name)
	}
	client := &http.Client{Timeout: defaultHTTPTimeout}
	if proxy = strings.TrimSpace(proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", name, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	if strings.TrimSpace(model) == "" {
		model = defaultOpenRouterModel
	}
	return &HTTPProvider{
		name:       name,
		apiKey:     apiKey,
		apiBase:    apiBase,
		model:      strings.TrimSpace(model),
		httpClient: client,
	}, nil
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) GenerateText(ctx context.Context, prompt string, temperature float64) (string, error) {
	requestBody := map[string]interface{}{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": temperature,
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", newError(p.name, ErrProvider, err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", newError(p.name, ErrProvider, err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", newError(p.name, ErrProvider, err, "send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", newError(p.name, ErrProvider, err, "read response")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", newError(p.name, ErrRateLimited, nil, "status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", newError(p.name, classify(string(body)), nil, "status %d: %s", resp.StatusCode, truncate(string(body), 512))
	}

	return p.parseResponse(body)
}

func (p *HTTPProvider) parseResponse(body []byte) (string, error) {
	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
				Refusal string `json:"refusal"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Error *struct {
			Message string          `json:"message"`
			Code    json.RawMessage `json:"code"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", newError(p.name, ErrInvalidResponse, err, "unmarshal response")
	}
	if apiResponse.Error != nil {
		msg := apiResponse.Error.Message + " " + string(apiResponse.Error.Code)
		return "", newError(p.name, classify(msg), nil, "%s", strings.TrimSpace(apiResponse.Error.Message))
	}
	if len(apiResponse.Choices) == 0 {
		return "", newError(p.name, ErrInvalidResponse, nil, "no choices in response")
	}

	choice := apiResponse.Choices[0]
	if choice.FinishReason == "content_filter" || choice.Message.Refusal != "" {
		return "", newError(p.name, ErrContentBlocked, nil, "finish reason %q", choice.FinishReason)
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return "", newError(p.name, ErrInvalidResponse, nil, "no text in response")
	}
	return content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
