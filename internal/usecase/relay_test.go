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
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"coach-relay/internal/domain"
	"coach-relay/internal/integrations/gateway"
	"coach-relay/internal/repository"
)

type mockLLM struct {
	readyErr  error
	streamErr error
	body      func() io.ReadCloser

	mu        sync.Mutex
	calls     int
	model     string
	messages  []openai.ChatCompletionMessage
	streamCtx context.Context
}

func (m *mockLLM) Ready(_ context.Context) error {
	return m.readyErr
}

func (m *mockLLM) Stream(ctx context.Context, model string, messages []openai.ChatCompletionMessage) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.model = model
	m.messages = messages
	m.streamCtx = ctx
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return m.body(), nil
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockStore struct {
	readyErr  error
	insertErr error

	mu       sync.Mutex
	inserted []domain.Message
}

func (m *mockStore) Ready(_ context.Context) error {
	return m.readyErr
}

func (m *mockStore) InsertMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, msg)
	if m.insertErr != nil {
		return domain.Message{}, m.insertErr
	}
	msg.ID = fmt.Sprintf("msg-%d", len(m.inserted))
	return msg, nil
}

func (m *mockStore) inserts() []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Message(nil), m.inserted...)
}

func deltaLine(s string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", s)
}

func completion(parts ...string) string {
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(deltaLine(p))
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

func bodyOf(s string) func() io.ReadCloser {
	return func() io.ReadCloser { return io.NopCloser(strings.NewReader(s)) }
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, llm LLMStreamer, store MessageWriter) *RelayService {
	t.Helper()
	svc, err := NewRelayService(llm, store, WithLogger(quietLogger()))
	require.NoError(t, err)
	return svc
}

func validInput() RelayInput {
	return RelayInput{
		Messages:       []domain.ChatMessage{{Role: "user", Content: "How do I build a running habit?"}},
		CoachName:      "Mary",
		ConversationID: "conv-1",
		CoachID:        "coach-mary",
	}
}

func waitDone(t *testing.T, out RelayOutput) {
	t.Helper()
	select {
	case <-out.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("accumulator did not finish")
	}
}

func expectRelayError(t *testing.T, err error, code ErrorCode, reason string) *Error {
	t.Helper()
	var relayErr *Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, code, relayErr.Code)
	require.Equal(t, reason, relayErr.Reason)
	return relayErr
}

func TestNewRelayService_ValidatesDependencies(t *testing.T) {
	_, err := NewRelayService(nil, &mockStore{})
	require.Error(t, err)

	_, err = NewRelayService(&mockLLM{}, nil)
	require.Error(t, err)

	svc, err := NewRelayService(&mockLLM{}, &mockStore{}, WithModel(" "), WithPersistTimeout(-1))
	require.NoError(t, err)
	require.Equal(t, DefaultModel, svc.model)
	require.Equal(t, defaultPersistTimeout, svc.persistTimeout)
}

func TestRelay_HappyPath(t *testing.T) {
	stream := completion("Start ", "with ", "ten minutes.")
	llm := &mockLLM{body: bodyOf(stream)}
	store := &mockStore{}
	svc, err := NewRelayService(llm, store, WithLogger(quietLogger()), WithModel("test-model"))
	require.NoError(t, err)

	out, err := svc.Relay(context.Background(), validInput())
	require.NoError(t, err)

	got, err := io.ReadAll(out.Stream)
	require.NoError(t, err)
	require.Equal(t, stream, string(got))
	require.NoError(t, out.Stream.Close())
	waitDone(t, out)

	inserted := store.inserts()
	require.Len(t, inserted, 1)
	require.Equal(t, "Start with ten minutes.", inserted[0].Content)
	require.Equal(t, "conv-1", inserted[0].ConversationID)
	require.Equal(t, "coach-mary", inserted[0].SenderID)

	require.Equal(t, "test-model", llm.model)
	require.Len(t, llm.messages, 2)
	require.Equal(t, openai.ChatMessageRoleSystem, llm.messages[0].Role)
	require.Contains(t, llm.messages[0].Content, "You are Mary, a professional coach.")
	require.Equal(t, "How do I build a running habit?", llm.messages[1].Content)
}

func TestRelay_ChunkedUpstreamPersistsFullText(t *testing.T) {
	stream := completion("Con", "sist", "ency ", "wins 🏃")
	for _, size := range []int{1, 3, 7, 64} {
		t.Run(fmt.Sprintf("chunk=%d", size), func(t *testing.T) {
			pr, pw := io.Pipe()
			go func() {
				for i := 0; i < len(stream); i += size {
					end := min(i+size, len(stream))
					if _, err := pw.Write([]byte(stream[i:end])); err != nil {
						return
					}
				}
				_ = pw.Close()
			}()

			store := &mockStore{}
			svc := newTestService(t, &mockLLM{body: func() io.ReadCloser { return pr }}, store)
			out, err := svc.Relay(context.Background(), validInput())
			require.NoError(t, err)

			got, err := io.ReadAll(out.Stream)
			require.NoError(t, err)
			require.Equal(t, stream, string(got))
			waitDone(t, out)

			inserted := store.inserts()
			require.Len(t, inserted, 1)
			require.Equal(t, "Consistency wins 🏃", inserted[0].Content)
		})
	}
}

func TestRelay_ValidationErrors(t *testing.T) {
	llm := &mockLLM{body: bodyOf(completion("x"))}
	svc := newTestService(t, llm, &mockStore{})

	in := validInput()
	in.Messages = nil
	_, err := svc.Relay(context.Background(), in)
	expectRelayError(t, err, ErrorInvalidInput, "messages_required")

	in.Messages = []domain.ChatMessage{}
	_, err = svc.Relay(context.Background(), in)
	expectRelayError(t, err, ErrorInvalidInput, "messages_required")

	in.Messages = []domain.ChatMessage{{Role: "user", Content: "a"}, {Role: "  ", Content: "b"}}
	_, err = svc.Relay(context.Background(), in)
	expectRelayError(t, err, ErrorInvalidInput, "message_role_required")

	require.Zero(t, llm.callCount())
}

func TestRelay_ConfigurationErrorsMakeNoUpstreamCall(t *testing.T) {
	llm := &mockLLM{readyErr: gateway.ErrMissingCredential, body: bodyOf(completion("x"))}
	svc := newTestService(t, llm, &mockStore{})
	_, err := svc.Relay(context.Background(), validInput())
	relayErr := expectRelayError(t, err, ErrorConfiguration, "gateway_not_configured")
	require.ErrorIs(t, relayErr, gateway.ErrMissingCredential)
	require.Zero(t, llm.callCount())

	llm = &mockLLM{body: bodyOf(completion("x"))}
	svc = newTestService(t, llm, repository.Unconfigured{Reason: "RELAY_STORE_URL is not set"})
	_, err = svc.Relay(context.Background(), validInput())
	expectRelayError(t, err, ErrorConfiguration, "store_not_configured")
	require.Zero(t, llm.callCount())
}

func TestRelay_UpstreamErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   ErrorCode
		reason string
		status int
	}{
		{name: "rate limited", err: &gateway.HTTPStatusError{StatusCode: http.StatusTooManyRequests}, code: ErrorRateLimited, reason: "gateway_rate_limited"},
		{name: "payment required", err: &gateway.HTTPStatusError{StatusCode: http.StatusPaymentRequired}, code: ErrorQuotaExceeded, reason: "gateway_payment_required"},
		{name: "server error", err: &gateway.HTTPStatusError{StatusCode: http.StatusServiceUnavailable}, code: ErrorUpstream, reason: "gateway_status", status: http.StatusServiceUnavailable},
		{name: "no body", err: gateway.ErrNoBody, code: ErrorUpstream, reason: "no_stream_body"},
		{name: "transport", err: errors.New("dial tcp: connection refused"), code: ErrorUpstream, reason: "gateway_request_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &mockStore{}
			svc := newTestService(t, &mockLLM{streamErr: tc.err}, store)

			out, err := svc.Relay(context.Background(), validInput())
			relayErr := expectRelayError(t, err, tc.code, tc.reason)
			require.Equal(t, tc.status, relayErr.Status)
			require.Nil(t, out.Stream)
			require.Nil(t, out.Done)

			require.NoError(t, svc.Wait(context.Background()))
			require.Empty(t, store.inserts())
		})
	}
}

func TestRelay_NoPersistenceWithoutIdentifiers(t *testing.T) {
	store := &mockStore{}
	svc := newTestService(t, &mockLLM{body: bodyOf(completion("hello"))}, store)

	in := validInput()
	in.CoachID = ""
	out, err := svc.Relay(context.Background(), in)
	require.NoError(t, err)
	_, _ = io.ReadAll(out.Stream)
	waitDone(t, out)

	in = validInput()
	in.ConversationID = " "
	out, err = svc.Relay(context.Background(), in)
	require.NoError(t, err)
	_, _ = io.ReadAll(out.Stream)
	waitDone(t, out)

	require.Empty(t, store.inserts())
}

func TestRelay_NoPersistenceForEmptyReply(t *testing.T) {
	store := &mockStore{}
	// Upstream closes before any content and without a sentinel.
	svc := newTestService(t, &mockLLM{body: bodyOf(": processing\n\n")}, store)

	out, err := svc.Relay(context.Background(), validInput())
	require.NoError(t, err)
	got, err := io.ReadAll(out.Stream)
	require.NoError(t, err)
	require.Equal(t, ": processing\n\n", string(got))
	waitDone(t, out)

	require.Empty(t, store.inserts())
}

func TestRelay_TruncatedStreamIsNotPersisted(t *testing.T) {
	reset := errors.New("connection reset by peer")
	body := func() io.ReadCloser {
		return io.NopCloser(io.MultiReader(strings.NewReader(deltaLine("half an ans")), &failingReader{err: reset}))
	}
	store := &mockStore{}
	svc := newTestService(t, &mockLLM{body: body}, store)

	out, err := svc.Relay(context.Background(), validInput())
	require.NoError(t, err)
	_, err = io.ReadAll(out.Stream)
	require.ErrorIs(t, err, reset)
	waitDone(t, out)

	require.Empty(t, store.inserts())
}

func TestRelay_EOFWithoutSentinelStillPersists(t *testing.T) {
	store := &mockStore{}
	svc := newTestService(t, &mockLLM{body: bodyOf(deltaLine("done") + "data: {\"choices\":[{\"delta\":{\"content\":\"!\"}}]}")}, store)

	out, err := svc.Relay(context.Background(), validInput())
	require.NoError(t, err)
	_, _ = io.ReadAll(out.Stream)
	waitDone(t, out)

	inserted := store.inserts()
	require.Len(t, inserted, 1)
	require.Equal(t, "done!", inserted[0].Content)
}

func TestRelay_ClientDisconnectStillPersists(t *testing.T) {
	pr, pw := io.Pipe()
	store := &mockStore{}
	llm := &mockLLM{body: func() io.ReadCloser { return pr }}
	svc := newTestService(t, llm, store)

	ctx, cancel := context.WithCancel(context.Background())
	out, err := svc.Relay(ctx, validInput())
	require.NoError(t, err)

	_, err = pw.Write([]byte(deltaLine("You ")))
	require.NoError(t, err)

	// The client reads a little, then goes away.
	buf := make([]byte, 8)
	_, err = out.Stream.Read(buf)
	require.NoError(t, err)
	require.NoError(t, out.Stream.Close())
	cancel()

	require.NoError(t, llm.streamCtx.Err(), "upstream context must survive the caller")

	_, err = pw.Write([]byte(deltaLine("can ") + deltaLine("do it.") + "data: [DONE]\n\n"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	waitDone(t, out)
	inserted := store.inserts()
	require.Len(t, inserted, 1)
	require.Equal(t, "You can do it.", inserted[0].Content)
}

func TestRelay_PersistenceFailureDoesNotAffectStream(t *testing.T) {
	stream := completion("ok")
	store := &mockStore{insertErr: errors.New("db unavailable")}
	svc := newTestService(t, &mockLLM{body: bodyOf(stream)}, store)

	out, err := svc.Relay(context.Background(), validInput())
	require.NoError(t, err)
	got, err := io.ReadAll(out.Stream)
	require.NoError(t, err)
	require.Equal(t, stream, string(got))
	waitDone(t, out)

	require.Len(t, store.inserts(), 1, "a failed write is not retried")
}

func TestRelay_WaitBlocksUntilAccumulatorsFinish(t *testing.T) {
	pr, pw := io.Pipe()
	store := &mockStore{}
	svc := newTestService(t, &mockLLM{body: func() io.ReadCloser { return pr }}, store)

	out, err := svc.Relay(context.Background(), validInput())
	require.NoError(t, err)
	require.NoError(t, out.Stream.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, svc.Wait(ctx), context.DeadlineExceeded)

	_, err = pw.Write([]byte(completion("late")))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	require.NoError(t, svc.Wait(context.Background()))
	require.Len(t, store.inserts(), 1)
}

type failingReader struct {
	err error
}

func (f *failingReader) Read(_ []byte) (int, error) {
	return 0, f.err
}
