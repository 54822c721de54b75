package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"multiai-chat/internal/domain"
	"multiai-chat/internal/metrics"
	"multiai-chat/internal/orchestrator"
)

const (
	correlationHeader       = "X-Correlation-Id"
	defaultMaxMessageLength = 8000
)

// Panel is the orchestrator surface the handler exposes over HTTP.
type Panel interface {
	RunTurn(ctx context.Context, in orchestrator.TurnInput) (orchestrator.TurnResult, error)
	Backends() []domain.BackendID
	SystemHealth() metrics.HealthSummary
	BackendHealth(id domain.BackendID) metrics.BackendHealth
	DigestHealth(ctx context.Context, sessionID string) (domain.Health, error)
	Digest(ctx context.Context, sessionID string) (domain.DigestData, error)
	ResetDigest(ctx context.Context, sessionID string) error
}

type Handler struct {
	panel        Panel
	logger       *zap.Logger
	maxMessage   int
	displayNames func(domain.BackendID) string
}

type Option func(*Handler)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMaxMessageLength caps the user message, in characters.
func WithMaxMessageLength(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxMessage = n
		}
	}
}

// WithDisplayNames labels responses with human backend names.
func WithDisplayNames(fn func(domain.BackendID) string) Option {
	return func(h *Handler) {
		if fn != nil {
			h.displayNames = fn
		}
	}
}

func NewHandler(panel Panel, opts ...Option) (*Handler, error) {
	if panel == nil {
		return nil, errors.New("handler: panel must not be nil")
	}
	h := &Handler{
		panel:        panel,
		logger:       zap.NewNop(),
		maxMessage:   defaultMaxMessageLength,
		displayNames: func(id domain.BackendID) string { return string(id) },
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("component", "handler"))
	return h, nil
}

type turnRequest struct {
	SessionID      string   `json:"sessionId"`
	Message        string   `json:"message"`
	ActiveBackends []string `json:"activeBackends,omitempty"`
	Persona        string   `json:"persona,omitempty"`
}

type responseView struct {
	Backend     string    `json:"backend"`
	DisplayName string    `json:"displayName"`
	Text        string    `json:"text"`
	Failed      bool      `json:"failed"`
	LatencyMs   float64   `json:"latencyMs"`
	Timestamp   time.Time `json:"timestamp"`
}

type turnResponse struct {
	TurnID       string         `json:"turnId"`
	TurnNumber   int            `json:"turnNumber"`
	Participants []string       `json:"participants"`
	Responses    []responseView `json:"responses"`
	Dropped      []string       `json:"dropped"`
}

type backendHealthView struct {
	Backend string `json:"backend"`
	metrics.BackendHealth
}

type healthResponse struct {
	System   metrics.HealthSummary `json:"system"`
	Backends []backendHealthView   `json:"backends"`
	Digest   *domain.Health        `json:"digest,omitempty"`
}

type digestResponse struct {
	SessionID string            `json:"sessionId"`
	Digest    domain.DigestData `json:"digest"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Handle routes an API Gateway proxy request:
//
//	POST   /turns                  run one panel turn
//	GET    /health[?sessionId=]    system, backend and digest health
//	GET    /digest?sessionId=      current digest of a session
//	DELETE /digest?sessionId=      reset the digest of a session
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With(
		zap.String("correlation_id", correlationID),
		zap.String("method", event.HTTPMethod),
		zap.String("path", event.Path))

	path := strings.TrimSuffix(event.Path, "/")
	var resp events.APIGatewayProxyResponse
	switch {
	case path == "/turns" && event.HTTPMethod == http.MethodPost:
		resp = h.handleTurn(ctx, event, logger)
	case path == "/health" && event.HTTPMethod == http.MethodGet:
		resp = h.handleHealth(ctx, event, logger)
	case path == "/digest" && event.HTTPMethod == http.MethodGet:
		resp = h.handleDigest(ctx, event, logger)
	case path == "/digest" && event.HTTPMethod == http.MethodDelete:
		resp = h.handleResetDigest(ctx, event, logger)
	case path == "/turns" || path == "/health" || path == "/digest":
		resp = jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"})
	default:
		resp = jsonResponse(http.StatusNotFound, errorResponse{Error: "NOT_FOUND"})
	}
	resp.Headers[correlationHeader] = correlationID
	return resp, nil
}

func (h *Handler) handleTurn(ctx context.Context, event events.APIGatewayProxyRequest, logger *zap.Logger) events.APIGatewayProxyResponse {
	var req turnRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return invalidInput("invalid_json", "request body must be a JSON object")
	}
	if utf8.RuneCountInString(req.Message) > h.maxMessage {
		return invalidInput("message_too_long", "message exceeds the maximum length")
	}

	in := orchestrator.TurnInput{
		SessionID: req.SessionID,
		Text:      req.Message,
		Persona:   orchestrator.Persona(req.Persona),
	}
	for _, id := range req.ActiveBackends {
		in.ActiveBackends = append(in.ActiveBackends, domain.BackendID(strings.ToLower(strings.TrimSpace(id))))
	}

	res, err := h.panel.RunTurn(ctx, in)
	if err != nil {
		return h.errorFor(err, logger)
	}

	out := turnResponse{
		TurnID:       res.Turn.ID,
		TurnNumber:   res.Turn.Number,
		Participants: ids(res.Turn.Participants),
		Responses:    make([]responseView, 0, len(res.Responses)),
		Dropped:      ids(res.Routing.Dropped),
	}
	for _, r := range res.Responses {
		out.Responses = append(out.Responses, responseView{
			Backend:     string(r.BackendID),
			DisplayName: h.displayNames(r.BackendID),
			Text:        r.Text,
			Failed:      r.Failed(),
			LatencyMs:   r.LatencyMs,
			Timestamp:   r.Timestamp,
		})
	}
	logger.Info("turn completed",
		zap.String("session_id", res.Turn.SessionID),
		zap.Int("turn", res.Turn.Number),
		zap.Int("responses", len(res.Responses)),
		zap.Int("dropped", len(res.Routing.Dropped)))
	return jsonResponse(http.StatusOK, out)
}

func (h *Handler) handleHealth(ctx context.Context, event events.APIGatewayProxyRequest, logger *zap.Logger) events.APIGatewayProxyResponse {
	out := healthResponse{System: h.panel.SystemHealth()}
	for _, id := range h.panel.Backends() {
		out.Backends = append(out.Backends, backendHealthView{Backend: string(id), BackendHealth: h.panel.BackendHealth(id)})
	}
	if sessionID := strings.TrimSpace(event.QueryStringParameters["sessionId"]); sessionID != "" {
		dh, err := h.panel.DigestHealth(ctx, sessionID)
		if err != nil {
			logger.Warn("digest health unavailable", zap.String("session_id", sessionID), zap.Error(err))
		}
		out.Digest = &dh
	}
	return jsonResponse(http.StatusOK, out)
}

func (h *Handler) handleDigest(ctx context.Context, event events.APIGatewayProxyRequest, logger *zap.Logger) events.APIGatewayProxyResponse {
	sessionID := strings.TrimSpace(event.QueryStringParameters["sessionId"])
	if sessionID == "" {
		return invalidInput("missing_session_id", "sessionId query parameter is required")
	}
	d, err := h.panel.Digest(ctx, sessionID)
	if err != nil {
		return h.errorFor(err, logger)
	}
	return jsonResponse(http.StatusOK, digestResponse{SessionID: sessionID, Digest: d})
}

func (h *Handler) handleResetDigest(ctx context.Context, event events.APIGatewayProxyRequest, logger *zap.Logger) events.APIGatewayProxyResponse {
	sessionID := strings.TrimSpace(event.QueryStringParameters["sessionId"])
	if sessionID == "" {
		return invalidInput("missing_session_id", "sessionId query parameter is required")
	}
	if err := h.panel.ResetDigest(ctx, sessionID); err != nil {
		return h.errorFor(err, logger)
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent, Headers: map[string]string{}}
}

func (h *Handler) errorFor(err error, logger *zap.Logger) events.APIGatewayProxyResponse {
	var oe *orchestrator.Error
	if errors.As(err, &oe) {
		switch oe.Code {
		case orchestrator.ErrorInvalidInput:
			logger.Info("request rejected", zap.String("reason", oe.Reason), zap.Error(err))
			return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(oe.Code), Reason: oe.Reason})
		default:
			logger.Error("request failed", zap.String("reason", oe.Reason), zap.Error(err))
			return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(oe.Code), Reason: oe.Reason})
		}
	}
	logger.Error("request failed", zap.Error(err))
	return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(orchestrator.ErrorInternal)})
}

func invalidInput(reason, message string) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, errorResponse{
		Error:   string(orchestrator.ErrorInvalidInput),
		Reason:  reason,
		Message: message,
	})
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

// headerValue looks up name case-insensitively; API Gateway passes headers
// through as the client sent them.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func ids(in []domain.BackendID) []string {
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = string(id)
	}
	return out
}
