package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/togglr/internal/core"
	"github.com/matt-riley/togglr/internal/logging"
	"github.com/matt-riley/togglr/internal/middleware"
	"github.com/matt-riley/togglr/internal/repository"
	"github.com/matt-riley/togglr/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
	defaultAnalyticsHours     = 24

	transportSSE = "sse"
)

const (
	codeInvalidRequest       = "invalid_request"
	codeNotFound             = "not_found"
	codeConflict             = "conflict"
	codeFlagStoreUnavailable = "flag_store_unavailable"
	codeAnalyticsUnavailable = "analytics_unavailable"
	codeRequestTooLarge      = "request_too_large"
	codeRequestCanceled      = "request_canceled"
	codeInternal             = "internal"
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPObserver records per-request measurements. *metrics.Metrics satisfies it.
type HTTPObserver interface {
	Observer
	ObserveHTTPRequest(method, route string, statusCode int, duration time.Duration)
}

type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	maxBodyBytes       int64
	metricsHandler     http.Handler
	observer           HTTPObserver
}

// HTTPOption configures the HTTP handler.
type HTTPOption func(*HTTPServer)

// WithStreamPollInterval sets how often /v1/stream polls for new events.
func WithStreamPollInterval(d time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if d > 0 {
			s.streamPollInterval = d
		}
	}
}

// WithMaxBodyBytes caps JSON request bodies.
func WithMaxBodyBytes(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.metricsHandler = h }
}

// WithHTTPObserver reports request counts, latencies and open streams to o.
func WithHTTPObserver(o HTTPObserver) HTTPOption {
	return func(s *HTTPServer) {
		if o != nil {
			s.observer = o
		}
	}
}

type createFlagJSONRequest struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	Enabled           bool   `json:"enabled"`
	RolloutPercentage int    `json:"rolloutPercentage"`
}

type updateFlagJSONRequest struct {
	Description       *string `json:"description"`
	Enabled           *bool   `json:"enabled"`
	RolloutPercentage *int    `json:"rolloutPercentage"`
}

type addRuleJSONRequest struct {
	RuleType  string `json:"ruleType"`
	RuleValue string `json:"ruleValue"`
	Enabled   *bool  `json:"enabled"`
	Priority  int    `json:"priority"`
}

type errorJSONResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewHTTPHandler returns the JSON API. Authentication is applied by the caller.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxBodyBytes:       defaultMaxJSONBodyBytes,
		observer:           nopHTTPObserver{},
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("GET /v1/evaluate", server.handleEvaluateQuery)
	mux.HandleFunc("POST /v1/evaluate/{name}", server.handleEvaluateFlag)

	mux.HandleFunc("POST /v1/flags", server.handleCreateFlag)
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/flags/{id}", server.handleGetFlag)
	mux.HandleFunc("PUT /v1/flags/{id}", server.handleUpdateFlag)
	mux.HandleFunc("DELETE /v1/flags/{id}", server.handleDeleteFlag)
	mux.HandleFunc("PATCH /v1/flags/{id}/toggle", server.handleToggleFlag)
	mux.HandleFunc("POST /v1/flags/{id}/rules", server.handleAddRule)
	mux.HandleFunc("GET /v1/flags/{id}/rules", server.handleListRules)
	mux.HandleFunc("GET /v1/flags/{id}/analytics", server.handleAnalytics)
	mux.HandleFunc("PATCH /v1/rules/{id}/toggle", server.handleToggleRule)
	mux.HandleFunc("DELETE /v1/rules/{id}", server.handleDeleteRule)

	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metricsHandler != nil {
		mux.Handle("GET /metrics", server.metricsHandler)
	}

	return server.withObserver(mux)
}

func (s *HTTPServer) withObserver(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)
		// ServeMux records the matched pattern on r.
		s.observer.ObserveHTTPRequest(r.Method, r.Pattern, recorder.statusCode, time.Since(start))
	})
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var user core.UserContext
	if err := s.decodeJSONBody(w, r, &user); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	s.evaluateAll(w, r, user)
}

func (s *HTTPServer) handleEvaluateQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	s.evaluateAll(w, r, core.UserContext{
		UserID:    query.Get("userId"),
		UserEmail: query.Get("userEmail"),
		Country:   query.Get("country"),
	})
}

func (s *HTTPServer) evaluateAll(w http.ResponseWriter, r *http.Request, user core.UserContext) {
	result, err := s.service.EvaluateAll(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleEvaluateFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, codeInvalidRequest, "name is required")
		return
	}

	var user core.UserContext
	if err := s.decodeJSONBody(w, r, &user); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	detail, found, err := s.service.EvaluateFlag(r.Context(), name, user)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	// Unknown flags are absent from the result rather than an error.
	result := core.Evaluation{
		Flags:   map[string]bool{},
		Details: map[string]core.EvaluationDetail{},
	}
	if found {
		result.Flags[name] = detail.Result
		result.Details[name] = detail
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var request createFlagJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	createdBy, _ := middleware.APIKeyIDFromContext(r.Context())
	created, err := s.service.CreateFlag(r.Context(), service.CreateFlagRequest{
		Name:              request.Name,
		Description:       request.Description,
		Enabled:           request.Enabled,
		RolloutPercentage: request.RolloutPercentage,
		CreatedBy:         createdBy,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("name") {
		name := strings.TrimSpace(r.URL.Query().Get("name"))
		if name == "" {
			writeJSONError(w, http.StatusBadRequest, codeInvalidRequest, "name is required")
			return
		}

		flag, err := s.service.GetFlagByName(r.Context(), name)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, flag)
		return
	}

	flags, err := s.service.ListFlags(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	flag, err := s.service.GetFlag(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	var request updateFlagJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.UpdateFlag(r.Context(), r.PathValue("id"), repository.FlagUpdate{
		Description:       request.Description,
		Enabled:           request.Enabled,
		RolloutPercentage: request.RolloutPercentage,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteFlag(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleToggleFlag(w http.ResponseWriter, r *http.Request) {
	flag, err := s.service.ToggleFlag(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var request addRuleJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	enabled := true
	if request.Enabled != nil {
		enabled = *request.Enabled
	}

	rule, err := s.service.AddRule(r.Context(), r.PathValue("id"), service.AddRuleRequest{
		Type:     request.RuleType,
		Value:    request.RuleValue,
		Enabled:  enabled,
		Priority: request.Priority,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, rule)
}

func (s *HTTPServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.service.ListRules(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rules)
}

func (s *HTTPServer) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.service.ToggleRule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteRule(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	hours, err := parseAnalyticsHours(r.URL.Query().Get("hours"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, codeInvalidRequest, "hours must be a positive integer")
		return
	}

	report, err := s.service.Analytics(r.Context(), r.PathValue("id"), hours)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, codeInvalidRequest, "invalid Last-Event-ID")
		return
	}

	listEventsSince := s.service.ListEventsSince
	if r.URL.Query().Has("flag") {
		name := strings.TrimSpace(r.URL.Query().Get("flag"))
		listEventsSince = func(ctx context.Context, eventID int64) ([]repository.FlagEvent, error) {
			return s.service.ListEventsSinceForFlag(ctx, eventID, name)
		}
	}

	initialEvents, err := listEventsSince(r.Context(), lastEventID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	controller := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = controller.SetWriteDeadline(time.Time{})

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := controller.Flush(); err != nil {
		return
	}

	s.observer.StreamOpened(transportSSE)
	defer s.observer.StreamClosed(transportSSE)

	currentEventID := lastEventID
	writeEvents := func(events []repository.FlagEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			if err := writeSSEEvent(w, event.EventID, eventName, event.Payload); err != nil {
				return err
			}
			if err := controller.Flush(); err != nil {
				return err
			}
		}

		return nil
	}

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := listEventsSince(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				logging.FromContext(r.Context()).ErrorContext(r.Context(), "stream poll failed", slog.Any("error", err))
				writeSSEError(w, controller, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := s.service.Health(r.Context())

	statusCode := http.StatusOK
	if health.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, health)
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func parseAnalyticsHours(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultAnalyticsHours, nil
	}

	hours, err := strconv.Atoi(value)
	if err != nil || hours <= 0 {
		return 0, errors.New("invalid hours")
	}

	return hours, nil
}

func toSSEEventName(eventType string) string {
	switch eventType {
	case repository.EventTypeFlagCreated,
		repository.EventTypeFlagUpdated,
		repository.EventTypeFlagDeleted,
		repository.EventTypeRuleAdded,
		repository.EventTypeRuleUpdated,
		repository.EventTypeRuleDeleted:
		return eventType
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode, code := classifyServiceError(err)
	if statusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).ErrorContext(r.Context(), "request failed",
			slog.String("code", code),
			slog.Any("error", err),
		)
	}
	writeJSONError(w, statusCode, code, serviceErrorMessage(err))
}

func classifyServiceError(err error) (int, string) {
	switch {
	case isInvalidRequest(err):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, service.ErrFlagNotFound), errors.Is(err, service.ErrRuleNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, service.ErrDuplicateFlag), errors.Is(err, service.ErrDuplicateRule):
		return http.StatusConflict, codeConflict
	case errors.Is(err, service.ErrSnapshotUnavailable):
		return http.StatusServiceUnavailable, codeFlagStoreUnavailable
	case errors.Is(err, service.ErrAnalyticsUnavailable):
		return http.StatusServiceUnavailable, codeAnalyticsUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, codeRequestCanceled
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func isInvalidRequest(err error) bool {
	return errors.Is(err, core.ErrInvalidUserContext) ||
		errors.Is(err, service.ErrInvalidFlag) ||
		errors.Is(err, service.ErrInvalidRule) ||
		errors.Is(err, service.ErrInvalidAnalyticsWindow)
}

// serviceErrorMessage exposes validation details but never internal errors.
func serviceErrorMessage(err error) string {
	switch {
	case isInvalidRequest(err):
		return err.Error()
	case errors.Is(err, service.ErrFlagNotFound):
		return "flag not found"
	case errors.Is(err, service.ErrRuleNotFound):
		return "rule not found"
	case errors.Is(err, service.ErrDuplicateFlag):
		return "flag already exists"
	case errors.Is(err, service.ErrDuplicateRule):
		return "rule already exists"
	case errors.Is(err, service.ErrSnapshotUnavailable):
		return "flag store unavailable"
	case errors.Is(err, service.ErrAnalyticsUnavailable):
		return "analytics unavailable"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, controller *http.ResponseController, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	_ = controller.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range compactSSEPayload(payload) {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

// compactSSEPayload keeps valid JSON on one data line and splits anything
// else on newlines so it cannot terminate the event early.
func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(string(payload), "\n")
}

func writeJSONError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorJSONResponse{Error: message, Code: code})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, codeRequestTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

type nopHTTPObserver struct {
	nopObserver
}

func (nopHTTPObserver) ObserveHTTPRequest(string, string, int, time.Duration) {}
