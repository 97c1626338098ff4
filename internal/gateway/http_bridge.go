package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/webrunner-ai/webrunner/internal/circuitbreaker"
)

// BrowserBridge drives a browser automation service over HTTP. Each action
// type maps to one endpoint; the session token rides along as session_id so
// the driver can keep one browser alive per task.
type BrowserBridge struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// NewBrowserBridge creates a bridge for the driver at baseURL.
func NewBrowserBridge(baseURL string, timeout time.Duration, logger *zap.Logger) *BrowserBridge {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BrowserBridge{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New("browser-bridge", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}
}

// driverResponse is the browser driver's wire envelope.
type driverResponse struct {
	Success    bool                   `json:"success"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Screenshot string                 `json:"screenshot,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
}

// Invoke implements Bridge for the browser action types.
func (b *BrowserBridge) Invoke(ctx context.Context, action Action, token string) (Result, error) {
	switch action.Type {
	case ActionNavigate, ActionExtract, ActionClick, ActionFill, ActionScreenshot, ActionClose:
	default:
		return Result{}, fmt.Errorf("browser bridge cannot handle action type %q", action.Type)
	}

	body := make(map[string]interface{}, len(action.Params)+1)
	for k, v := range action.Params {
		body[k] = v
	}
	if token != "" {
		body["session_id"] = token
	}

	var dr driverResponse
	err := b.breaker.Execute(func() error {
		return postJSON(ctx, b.client, b.baseURL+"/"+string(action.Type), body, &dr)
	})
	if err != nil {
		return Result{}, err
	}
	if !dr.Success {
		if dr.Error == "" {
			dr.Error = "browser driver reported failure"
		}
		return Fail("%s", dr.Error), nil
	}

	data := dr.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	if dr.Screenshot != "" {
		data["screenshot"] = dr.Screenshot
	}
	if dr.SessionID != "" {
		data["session_id"] = dr.SessionID
	}
	return Ok(data), nil
}

// LLMBridge calls a text-completion service over HTTP.
type LLMBridge struct {
	baseURL string
	model   string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// NewLLMBridge creates a bridge for the completion service at baseURL. model
// is the default model identifier when an action names none.
func NewLLMBridge(baseURL, model string, timeout time.Duration, logger *zap.Logger) *LLMBridge {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLMBridge{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New("llm-bridge", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}
}

type completionResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Invoke implements Bridge for complete_text.
func (b *LLMBridge) Invoke(ctx context.Context, action Action, _ string) (Result, error) {
	if action.Type != ActionCompleteText {
		return Result{}, fmt.Errorf("llm bridge cannot handle action type %q", action.Type)
	}
	prompt := action.StringParam("prompt")
	if prompt == "" {
		return Result{}, fmt.Errorf("complete_text requires a prompt")
	}
	model := action.StringParam("model")
	if model == "" {
		model = b.model
	}

	var cr completionResponse
	err := b.breaker.Execute(func() error {
		return postJSON(ctx, b.client, b.baseURL+"/completions", map[string]interface{}{
			"prompt": prompt,
			"model":  model,
		}, &cr)
	})
	if err != nil {
		return Result{}, err
	}
	if cr.Error != "" {
		return Fail("%s", cr.Error), nil
	}
	return Ok(map[string]interface{}{"text": cr.Text, "model": model}), nil
}

// postJSON posts body and decodes the JSON response into out, treating any
// non-2xx status as an error carrying the response body.
func postJSON(ctx context.Context, client *http.Client, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}
