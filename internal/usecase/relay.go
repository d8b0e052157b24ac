package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	openai "github.com/sashabaranov/go-openai"

	"coach-relay/internal/domain"
	"coach-relay/internal/integrations/gateway"
	"coach-relay/internal/metrics"
	"coach-relay/internal/sse"
	"coach-relay/internal/streamtee"
)

const (
	DefaultModel          = "google/gemini-2.5-flash"
	defaultPersistTimeout = 10 * time.Second
)

var inputValidate *validator.Validate

func init() {
	inputValidate = validator.New()
	_ = inputValidate.RegisterValidation("notblank", validators.NotBlank)
}

type LLMStreamer interface {
	Ready(ctx context.Context) error
	Stream(ctx context.Context, model string, messages []openai.ChatCompletionMessage) (io.ReadCloser, error)
}

type MessageWriter interface {
	Ready(ctx context.Context) error
	InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// RelayInput is one chat turn. ConversationID and CoachID are only used to
// persist the assistant reply.
type RelayInput struct {
	Messages       []domain.ChatMessage `validate:"required,min=1,dive"`
	CoachName      string
	ConversationID string
	CoachID        string
	CorrelationID  string
}

// RelayOutput carries the caller's copy of the upstream event stream. Done
// is closed once the background accumulator has finished, including its
// store write.
type RelayOutput struct {
	Stream io.ReadCloser
	Done   <-chan struct{}
}

type RelayService struct {
	llm            LLMStreamer
	store          MessageWriter
	model          string
	persistTimeout time.Duration
	logger         *slog.Logger

	wg sync.WaitGroup
}

type Option func(*RelayService)

func WithModel(model string) Option {
	return func(s *RelayService) {
		if m := strings.TrimSpace(model); m != "" {
			s.model = m
		}
	}
}

func WithPersistTimeout(d time.Duration) Option {
	return func(s *RelayService) {
		if d > 0 {
			s.persistTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *RelayService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewRelayService(llm LLMStreamer, store MessageWriter, opts ...Option) (*RelayService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm streamer must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	s := &RelayService{
		llm:            llm,
		store:          store,
		model:          DefaultModel,
		persistTimeout: defaultPersistTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Relay forwards a chat turn to the gateway and returns the caller's copy of
// the stream. A second copy is decoded in the background and the assistant's
// reply is stored once the stream ends. Errors are returned only before any
// byte has been streamed; everything after that is logged.
func (s *RelayService) Relay(ctx context.Context, in RelayInput) (RelayOutput, error) {
	log := s.logger.With(
		"coach", in.CoachName,
		"messages", len(in.Messages),
		"conversation_id", in.ConversationID,
		"correlation_id", in.CorrelationID,
	)

	if err := inputValidate.Struct(in); err != nil {
		return RelayOutput{}, s.fail(log, newError(ErrorInvalidInput, validationReason(err), err))
	}
	if err := s.llm.Ready(ctx); err != nil {
		return RelayOutput{}, s.fail(log, newError(ErrorConfiguration, "gateway_not_configured", err))
	}
	if err := s.store.Ready(ctx); err != nil {
		return RelayOutput{}, s.fail(log, newError(ErrorConfiguration, "store_not_configured", err))
	}

	log.Info("relaying chat turn")

	// The upstream body outlives the caller: if the client goes away the
	// accumulator still drains it.
	upstreamCtx := context.WithoutCancel(ctx)
	body, err := s.llm.Stream(upstreamCtx, s.model, buildPromptMessages(in.CoachName, in.Messages))
	if err != nil {
		return RelayOutput{}, s.fail(log, classifyUpstreamError(err))
	}

	clientCopy, accumulatorCopy := streamtee.New(body)
	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.accumulateAndPersist(upstreamCtx, log, accumulatorCopy, in)
	}()

	metrics.ObserveRequest(metrics.OutcomeStreamed)
	log.Info("streaming response from gateway")
	return RelayOutput{Stream: clientCopy, Done: done}, nil
}

// Wait blocks until every background accumulator has finished or ctx ends.
func (s *RelayService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RelayService) accumulateAndPersist(ctx context.Context, log *slog.Logger, r io.ReadCloser, in RelayInput) {
	defer func() { _ = r.Close() }()
	defer func() {
		if p := recover(); p != nil {
			log.Error("accumulator panicked", "panic", fmt.Sprint(p))
			metrics.ObservePersist(metrics.PersistFailed)
		}
	}()

	start := time.Now()
	text, sawDone, err := sse.Accumulate(r)
	metrics.ObserveAccumulation(time.Since(start))
	if err != nil {
		log.Error("accumulator read failed, reply not saved", "err", err, "partial_bytes", len(text))
		metrics.ObservePersist(metrics.PersistAborted)
		return
	}

	conversationID := strings.TrimSpace(in.ConversationID)
	coachID := strings.TrimSpace(in.CoachID)
	if text == "" || conversationID == "" || coachID == "" {
		log.Debug("assistant reply not persisted", "has_content", text != "", "saw_done", sawDone)
		metrics.ObservePersist(metrics.PersistSkipped)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()
	msg, err := s.store.InsertMessage(writeCtx, domain.Message{
		ConversationID: conversationID,
		SenderID:       coachID,
		Content:        text,
		ContentType:    domain.ContentText,
	})
	if err != nil {
		log.Error("failed to save assistant message", "err", err)
		metrics.ObservePersist(metrics.PersistFailed)
		return
	}
	log.Info("assistant message saved", "message_id", msg.ID, "bytes", len(text), "saw_done", sawDone)
	metrics.ObservePersist(metrics.PersistSaved)
}

func (s *RelayService) fail(log *slog.Logger, e *Error) *Error {
	metrics.ObserveRequest(string(e.Code))
	log.Error("relay request failed", "code", e.Code, "reason", e.Reason, "err", e.Err)
	return e
}

func classifyUpstreamError(err error) *Error {
	if errors.Is(err, gateway.ErrMissingCredential) {
		return newError(ErrorConfiguration, "gateway_not_configured", err)
	}
	if errors.Is(err, gateway.ErrNoBody) {
		return newError(ErrorUpstream, "no_stream_body", err)
	}
	status, ok := upstreamStatusCode(err)
	if !ok {
		return newError(ErrorUpstream, "gateway_request_failed", err)
	}
	switch status {
	case http.StatusTooManyRequests:
		return newError(ErrorRateLimited, "gateway_rate_limited", err)
	case http.StatusPaymentRequired:
		return newError(ErrorQuotaExceeded, "gateway_payment_required", err)
	}
	e := newError(ErrorUpstream, "gateway_status", err)
	e.Status = status
	return e
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid_input"
	}
	if verrs[0].StructField() == "Role" {
		return "message_role_required"
	}
	return "messages_required"
}
