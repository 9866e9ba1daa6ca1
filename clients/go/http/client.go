// Package http provides an HTTP client for the togglr feature flag service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	togglr "github.com/matt-riley/togglr/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the togglr server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements togglr.Evaluator, togglr.FlagManager,
// togglr.AnalyticsReader, and togglr.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ togglr.Evaluator       = (*Client)(nil)
	_ togglr.FlagManager     = (*Client)(nil)
	_ togglr.AnalyticsReader = (*Client)(nil)
	_ togglr.Streamer        = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client for the togglr service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	// Code is the machine-readable error code, e.g. "not_found".
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("togglr: HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("togglr: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// -- helpers -----------------------------------------------------------------

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("togglr: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("togglr: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("togglr: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

// doJSON performs the request and decodes the response body into out.
// A nil out discards the body.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("togglr: decode response: %w", err)
	}
	return nil
}

// decodeAPIError reads the {"error","code"} envelope, falling back to the
// raw body for responses produced outside the API (proxies, auth).
func decodeAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var envelope struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		apiErr.Message = envelope.Error
		apiErr.Code = envelope.Code
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	return apiErr
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) EvaluateAll(ctx context.Context, user togglr.UserContext) (togglr.Evaluation, error) {
	var out togglr.Evaluation
	if err := c.doJSON(ctx, http.MethodPost, "/v1/evaluate", user, &out); err != nil {
		return togglr.Evaluation{}, err
	}
	return out, nil
}

func (c *Client) EvaluateFlag(ctx context.Context, name string, user togglr.UserContext) (togglr.EvaluationDetail, bool, error) {
	var out togglr.Evaluation
	if err := c.doJSON(ctx, http.MethodPost, "/v1/evaluate/"+url.PathEscape(name), user, &out); err != nil {
		return togglr.EvaluationDetail{}, false, err
	}
	detail, ok := out.Details[name]
	return detail, ok, nil
}

// -- FlagManager -------------------------------------------------------------

func (c *Client) CreateFlag(ctx context.Context, flag togglr.Flag) (togglr.Flag, error) {
	body := struct {
		Name              string `json:"name"`
		Description       string `json:"description"`
		Enabled           bool   `json:"enabled"`
		RolloutPercentage int    `json:"rolloutPercentage"`
	}{flag.Name, flag.Description, flag.Enabled, flag.RolloutPercentage}

	var out togglr.Flag
	if err := c.doJSON(ctx, http.MethodPost, "/v1/flags", body, &out); err != nil {
		return togglr.Flag{}, err
	}
	return out, nil
}

func (c *Client) GetFlag(ctx context.Context, id string) (togglr.Flag, error) {
	var out togglr.Flag
	if err := c.doJSON(ctx, http.MethodGet, "/v1/flags/"+url.PathEscape(id), nil, &out); err != nil {
		return togglr.Flag{}, err
	}
	return out, nil
}

func (c *Client) GetFlagByName(ctx context.Context, name string) (togglr.Flag, error) {
	var out togglr.Flag
	path := "/v1/flags?" + url.Values{"name": {name}}.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return togglr.Flag{}, err
	}
	return out, nil
}

func (c *Client) ListFlags(ctx context.Context) ([]togglr.Flag, error) {
	var out []togglr.Flag
	if err := c.doJSON(ctx, http.MethodGet, "/v1/flags", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateFlag(ctx context.Context, id string, update togglr.FlagUpdate) (togglr.Flag, error) {
	var out togglr.Flag
	if err := c.doJSON(ctx, http.MethodPut, "/v1/flags/"+url.PathEscape(id), update, &out); err != nil {
		return togglr.Flag{}, err
	}
	return out, nil
}

func (c *Client) ToggleFlag(ctx context.Context, id string) (togglr.Flag, error) {
	var out togglr.Flag
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/flags/"+url.PathEscape(id)+"/toggle", nil, &out); err != nil {
		return togglr.Flag{}, err
	}
	return out, nil
}

func (c *Client) DeleteFlag(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/flags/"+url.PathEscape(id), nil, nil)
}

func (c *Client) AddRule(ctx context.Context, flagID string, rule togglr.Rule) (togglr.Rule, error) {
	body := struct {
		RuleType  string `json:"ruleType"`
		RuleValue string `json:"ruleValue"`
		Enabled   bool   `json:"enabled"`
		Priority  int    `json:"priority"`
	}{rule.Type, rule.Value, rule.Enabled, rule.Priority}

	var out togglr.Rule
	if err := c.doJSON(ctx, http.MethodPost, "/v1/flags/"+url.PathEscape(flagID)+"/rules", body, &out); err != nil {
		return togglr.Rule{}, err
	}
	return out, nil
}

func (c *Client) ListRules(ctx context.Context, flagID string) ([]togglr.Rule, error) {
	var out []togglr.Rule
	if err := c.doJSON(ctx, http.MethodGet, "/v1/flags/"+url.PathEscape(flagID)+"/rules", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ToggleRule(ctx context.Context, id string) (togglr.Rule, error) {
	var out togglr.Rule
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/rules/"+url.PathEscape(id)+"/toggle", nil, &out); err != nil {
		return togglr.Rule{}, err
	}
	return out, nil
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/rules/"+url.PathEscape(id), nil, nil)
}

// -- AnalyticsReader ---------------------------------------------------------

// Analytics returns the report for flagID over the last hours; hours <= 0
// uses the server default.
func (c *Client) Analytics(ctx context.Context, flagID string, hours int) (togglr.Analytics, error) {
	path := "/v1/flags/" + url.PathEscape(flagID) + "/analytics"
	if hours > 0 {
		path += "?hours=" + strconv.Itoa(hours)
	}
	var out togglr.Analytics
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return togglr.Analytics{}, err
	}
	return out, nil
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits FlagEvents on the returned channel.
// The channel is closed when ctx is cancelled or the connection drops. A
// server-side failure is delivered as a final event of type togglr.EventError.
func (c *Client) Stream(ctx context.Context, opts togglr.StreamOptions) (<-chan togglr.FlagEvent, error) {
	path := "/v1/stream"
	if opts.FlagName != "" {
		path += "?" + url.Values{"flag": {opts.FlagName}}.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if opts.LastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(opts.LastEventID, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("togglr: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	ch := make(chan togglr.FlagEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE frames from r and sends parsed FlagEvents to ch.
// It handles the id, event, and data fields used by the togglr server;
// the last seen id carries over to frames without one.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- togglr.FlagEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				ev := newFlagEvent(eventID, eventType, strings.Join(dataLines, "\n"))
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}

// newFlagEvent builds an event from an SSE frame. Flag payloads carry the
// flag itself and rule payloads carry the owning flag's id.
func newFlagEvent(eventID int64, eventType, data string) togglr.FlagEvent {
	if eventType == "" {
		eventType = "message"
	}
	ev := togglr.FlagEvent{EventID: eventID, EventType: eventType, Payload: json.RawMessage(data)}
	if !json.Valid(ev.Payload) {
		ev.Payload = nil
		return ev
	}

	var ref struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		FlagID string `json:"flagId"`
	}
	if err := json.Unmarshal(ev.Payload, &ref); err != nil {
		return ev
	}
	switch eventType {
	case togglr.EventFlagCreated, togglr.EventFlagUpdated, togglr.EventFlagDeleted:
		ev.FlagID = ref.ID
		ev.FlagName = ref.Name
	case togglr.EventRuleAdded, togglr.EventRuleUpdated, togglr.EventRuleDeleted:
		ev.FlagID = ref.FlagID
	}
	return ev
}
