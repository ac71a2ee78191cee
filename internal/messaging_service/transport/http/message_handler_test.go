package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/app"
	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/repository/memory"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	httptransport "github.com/aradsms/messaging_core/internal/messaging_service/transport/http"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRetryController struct {
	mock.Mock
}

func (m *mockRetryController) RetryNow(ctx context.Context, scope tenant.Scope, id uuid.UUID) error {
	return m.Called(ctx, scope, id).Error(0)
}

func (m *mockRetryController) MoveToDeadLetter(ctx context.Context, scope tenant.Scope, id uuid.UUID, reason string) error {
	return m.Called(ctx, scope, id, reason).Error(0)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type apiTestComponents struct {
	server   *httptest.Server
	store    *memory.Store
	retries  *mockRetryController
	resolver *tenant.TokenResolver
	scopeA   tenant.Scope
	scopeB   tenant.Scope
	channel  *domain.Channel
}

func setupAPITest(t *testing.T) apiTestComponents {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	scopeA := tenant.Scope{TenantID: uuid.New()}
	scopeB := tenant.Scope{TenantID: uuid.New()}
	ch := &domain.Channel{
		ID: uuid.New(), TenantID: scopeA.TenantID, PhoneNumber: "+14155550000",
		Status: domain.ChannelActive, RateLimitTier: domain.RateLimitStandard,
	}
	store.AddChannel(ch)

	svc, err := app.NewMessageService(store, app.NewOutboxPublisher(nil), nil, logger, app.ServiceConfig{})
	require.NoError(t, err)
	window := app.NewConversationWindow(store, nil, logger)
	retries := &mockRetryController{}
	resolver := tenant.NewTokenResolver("test-secret", "messaging-test")

	handler := httptransport.NewMessageHandler(svc, window, retries, logger)
	server := httptest.NewServer(httptransport.NewRouter(handler, resolver, logger))
	t.Cleanup(server.Close)

	return apiTestComponents{
		server: server, store: store, retries: retries, resolver: resolver,
		scopeA: scopeA, scopeB: scopeB, channel: ch,
	}
}

func (c apiTestComponents) do(t *testing.T, scope *tenant.Scope, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.server.URL+path, reader)
	require.NoError(t, err)
	if scope != nil {
		token, err := c.resolver.Issue(*scope, "test", time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestMessageHandler_SendAndRead(t *testing.T) {
	c := setupAPITest(t)
	sendPath := "/v1/channels/" + c.channel.ID.String() + "/messages"
	body := httptransport.SendMessageRequest{
		To:          "+14155550100",
		MessageType: "text",
		Content:     map[string]any{"body": "hello"},
	}
	key := map[string]string{httptransport.IdempotencyKeyHeader: "order-1"}

	resp := c.do(t, &c.scopeA, http.MethodPost, sendPath, body, key)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	sent := decodeBody[httptransport.SendMessageResponse](t, resp)
	assert.Equal(t, domain.StatusQueued, sent.Status)
	assert.False(t, sent.Duplicate)

	resp = c.do(t, &c.scopeA, http.MethodPost, sendPath, body, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dup := decodeBody[httptransport.SendMessageResponse](t, resp)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, sent.MessageID, dup.MessageID)
	assert.Equal(t, domain.StatusQueued, dup.Status)

	resp = c.do(t, &c.scopeA, http.MethodPut, "/v1/messages/"+sent.MessageID+"/status",
		httptransport.UpdateStatusRequest{Status: "SENT"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = c.do(t, &c.scopeA, http.MethodGet, sendPath+"?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[httptransport.MessageListResponse](t, resp)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, domain.StatusSent, list.Messages[0].Status)
	assert.Equal(t, "hello", list.Messages[0].Content["body"])
	assert.Equal(t, "+14155550100", list.Messages[0].Counterpart)

	start := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	end := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp = c.do(t, &c.scopeA, http.MethodGet,
		"/v1/channels/"+c.channel.ID.String()+"/sessions/%2B14155550100/messages?start="+start+"&end="+end, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list = decodeBody[httptransport.MessageListResponse](t, resp)
	assert.Len(t, list.Messages, 1)
}

func TestMessageHandler_Errors(t *testing.T) {
	c := setupAPITest(t)
	sendPath := "/v1/channels/" + c.channel.ID.String() + "/messages"
	valid := httptransport.SendMessageRequest{To: "+14155550100", MessageType: "text", Content: map[string]any{"body": "x"}}

	tests := []struct {
		name     string
		scope    *tenant.Scope
		method   string
		path     string
		body     any
		wantCode int
		wantTag  string
	}{
		{name: "NoToken", method: http.MethodPost, path: sendPath, body: valid, wantCode: http.StatusUnauthorized},
		{name: "BadPhone", scope: &c.scopeA, method: http.MethodPost, path: sendPath,
			body: httptransport.SendMessageRequest{To: "0800", MessageType: "text", Content: map[string]any{"body": "x"}},
			wantCode: http.StatusBadRequest, wantTag: "ValidationError"},
		{name: "MissingFields", scope: &c.scopeA, method: http.MethodPost, path: sendPath,
			body: map[string]any{"to": "+14155550100"}, wantCode: http.StatusBadRequest, wantTag: "ValidationError"},
		{name: "ForeignChannel", scope: &c.scopeB, method: http.MethodPost, path: sendPath, body: valid,
			wantCode: http.StatusForbidden, wantTag: "TenantMismatch"},
		{name: "BadChannelID", scope: &c.scopeA, method: http.MethodGet, path: "/v1/channels/nope/messages",
			wantCode: http.StatusBadRequest, wantTag: "ValidationError"},
		{name: "UnknownMessage", scope: &c.scopeA, method: http.MethodPut, path: "/v1/messages/" + uuid.NewString() + "/status",
			body: httptransport.UpdateStatusRequest{Status: "sent"}, wantCode: http.StatusNotFound, wantTag: "NotFound"},
		{name: "UnknownStatus", scope: &c.scopeA, method: http.MethodPut, path: "/v1/messages/" + uuid.NewString() + "/status",
			body: httptransport.UpdateStatusRequest{Status: "bounced"}, wantCode: http.StatusBadRequest, wantTag: "ValidationError"},
		{name: "WindowWithoutBounds", scope: &c.scopeA, method: http.MethodGet,
			path: "/v1/channels/" + c.channel.ID.String() + "/sessions/%2B14155550100/messages",
			wantCode: http.StatusBadRequest, wantTag: "ValidationError"},
		{name: "NegativeLimit", scope: &c.scopeA, method: http.MethodGet, path: sendPath + "?limit=-1",
			wantCode: http.StatusBadRequest, wantTag: "ValidationError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := c.do(t, tt.scope, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			if tt.wantTag != "" {
				assert.Equal(t, tt.wantTag, decodeBody[httptransport.ErrorResponse](t, resp).Code)
			}
		})
	}
	assert.Zero(t, c.store.MessageCount())
}

func TestMessageHandler_IllegalTransition(t *testing.T) {
	c := setupAPITest(t)
	resp := c.do(t, &c.scopeA, http.MethodPost, "/v1/channels/"+c.channel.ID.String()+"/messages",
		httptransport.SendMessageRequest{To: "+14155550100", MessageType: "text", Content: map[string]any{"body": "x"}}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	sent := decodeBody[httptransport.SendMessageResponse](t, resp)

	resp = c.do(t, &c.scopeA, http.MethodPut, "/v1/messages/"+sent.MessageID+"/status",
		httptransport.UpdateStatusRequest{Status: "read"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "IllegalTransition", decodeBody[httptransport.ErrorResponse](t, resp).Code)
}

func TestMessageHandler_RetryEndpoints(t *testing.T) {
	c := setupAPITest(t)
	id := uuid.New()

	c.retries.On("RetryNow", mock.Anything, c.scopeA, id).Return(nil).Once()
	resp := c.do(t, &c.scopeA, http.MethodPost, "/v1/messages/"+id.String()+"/retry", nil, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	c.retries.On("RetryNow", mock.Anything, c.scopeA, id).Return(domain.ErrNotEligible).Once()
	resp = c.do(t, &c.scopeA, http.MethodPost, "/v1/messages/"+id.String()+"/retry", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	c.retries.On("MoveToDeadLetter", mock.Anything, c.scopeA, id, "operator").Return(nil).Once()
	resp = c.do(t, &c.scopeA, http.MethodPost, "/v1/messages/"+id.String()+"/dead-letter",
		httptransport.DeadLetterRequest{Reason: "operator"}, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	c.retries.On("MoveToDeadLetter", mock.Anything, c.scopeA, id, "").Return(domain.ErrAlreadyDeadLettered).Once()
	resp = c.do(t, &c.scopeA, http.MethodPost, "/v1/messages/"+id.String()+"/dead-letter", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	c.retries.On("RetryNow", mock.Anything, c.scopeA, id).Return(errors.New("boom")).Once()
	resp = c.do(t, &c.scopeA, http.MethodPost, "/v1/messages/"+id.String()+"/retry", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal error", decodeBody[httptransport.ErrorResponse](t, resp).Error)

	c.retries.AssertExpectations(t)
}

func TestOpsRouter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	healthy := httptest.NewServer(httptransport.NewOpsRouter(pingFunc(func(context.Context) error { return nil }), logger))
	defer healthy.Close()
	resp, err := http.Get(healthy.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metrics, err := http.Get(healthy.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)

	down := httptest.NewServer(httptransport.NewOpsRouter(pingFunc(func(context.Context) error { return domain.ErrStorageUnavailable }), logger))
	defer down.Close()
	resp2, err := http.Get(down.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}
