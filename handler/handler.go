// Package handler adapts RelayService to its inbound transports: a Lambda
// function URL with response streaming, and a gin HTTP server.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"coach-relay/internal/domain"
	"coach-relay/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// Relayer is the use case behind both adapters.
type Relayer interface {
	Relay(ctx context.Context, in usecase.RelayInput) (usecase.RelayOutput, error)
}

type chatRequest struct {
	Messages       []domain.ChatMessage `json:"messages"`
	CoachName      string               `json:"coachName"`
	ConversationID string               `json:"conversationId,omitempty"`
	CoachID        string               `json:"coachId,omitempty"`
}

func (r chatRequest) input(correlationID string) usecase.RelayInput {
	return usecase.RelayInput{
		Messages:       r.Messages,
		CoachName:      r.CoachName,
		ConversationID: r.ConversationID,
		CoachID:        r.CoachID,
		CorrelationID:  correlationID,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func corsHeaders() map[string]string {
	return map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Headers": "authorization, x-client-info, apikey, content-type",
	}
}

// correlationID returns the caller's id, looked up case-insensitively, or a
// fresh one.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}

// errorStatus maps an error returned by Relay to an HTTP status and body.
func errorStatus(err error) (int, errorResponse) {
	var relayErr *usecase.Error
	if !errors.As(err, &relayErr) {
		return http.StatusInternalServerError, errorResponse{Error: "Internal error", Code: string(usecase.ErrorInternal)}
	}
	status := http.StatusInternalServerError
	switch relayErr.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorRateLimited:
		status = http.StatusTooManyRequests
	case usecase.ErrorQuotaExceeded:
		status = http.StatusPaymentRequired
	}
	return status, errorResponse{Error: relayErr.Message(), Code: string(relayErr.Code)}
}

func invalidBody(err error) error {
	return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err}
}

// Handler serves the relay from a Lambda function URL configured with
// response streaming.
type Handler struct {
	relayer Relayer
	logger  *slog.Logger
}

func NewHandler(relayer Relayer, logger *slog.Logger) (*Handler, error) {
	if relayer == nil {
		return nil, errors.New("handler: relayer must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{relayer: relayer, logger: logger}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	corrID := correlationID(req.Headers)
	headers := corsHeaders()
	headers[correlationHeader] = corrID

	if req.RequestContext.HTTP.Method == http.MethodOptions {
		return &events.LambdaFunctionURLStreamingResponse{
			StatusCode: http.StatusOK,
			Headers:    headers,
			Body:       strings.NewReader(""),
		}, nil
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return h.errorResponse(headers, invalidBody(err)), nil
		}
		body = decoded
	}

	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return h.errorResponse(headers, invalidBody(err)), nil
	}

	out, err := h.relayer.Relay(ctx, in.input(corrID))
	if err != nil {
		return h.errorResponse(headers, err), nil
	}

	headers["Content-Type"] = "text/event-stream"
	headers["Cache-Control"] = "no-cache"
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: http.StatusOK,
		Headers:    headers,
		Body:       &awaitReader{ctx: ctx, body: out.Stream, done: out.Done},
	}, nil
}

func (h *Handler) errorResponse(headers map[string]string, err error) *events.LambdaFunctionURLStreamingResponse {
	status, body := errorStatus(err)
	h.logger.Warn("chat request rejected", "status", status, "code", body.Code, "correlation_id", headers[correlationHeader])
	raw, _ := json.Marshal(body)
	headers["Content-Type"] = "application/json"
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       strings.NewReader(string(raw)),
	}
}

// awaitReader holds back the end of the stream until the accumulator is
// done. The runtime may freeze the sandbox once the body ends, and the
// reply must be saved before that.
type awaitReader struct {
	ctx  context.Context
	body io.ReadCloser
	done <-chan struct{}
}

func (r *awaitReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if err != nil && r.done != nil {
		select {
		case <-r.done:
		case <-r.ctx.Done():
		}
	}
	return n, err
}

func (r *awaitReader) Close() error {
	return r.body.Close()
}
