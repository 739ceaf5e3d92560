package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// --- Mocks ---

type mockCoordinator struct {
	mock.Mock
}

func (m *mockCoordinator) Claim(ctx context.Context, channel string, req presence.LeaseRequest) (*presence.LeaseRecord, error) {
	args := m.Called(ctx, channel, req)
	var record *presence.LeaseRecord
	if val, ok := args.Get(0).(*presence.LeaseRecord); ok {
		record = val
	}
	return record, args.Error(1)
}

func (m *mockCoordinator) Heartbeat(ctx context.Context, channel, instanceID string, ttl time.Duration) (*presence.LeaseRecord, error) {
	args := m.Called(ctx, channel, instanceID, ttl)
	var record *presence.LeaseRecord
	if val, ok := args.Get(0).(*presence.LeaseRecord); ok {
		record = val
	}
	return record, args.Error(1)
}

func (m *mockCoordinator) Release(ctx context.Context, channel, instanceID string) error {
	args := m.Called(ctx, channel, instanceID)
	return args.Error(0)
}

func (m *mockCoordinator) Status(ctx context.Context, channel string) (*presence.LeaseStatus, error) {
	args := m.Called(ctx, channel)
	var status *presence.LeaseStatus
	if val, ok := args.Get(0).(*presence.LeaseStatus); ok {
		status = val
	}
	return status, args.Error(1)
}

type stubStatusReader struct {
	records map[string]presence.Record
	err     error
}

func (s *stubStatusReader) GetStatuses(_ context.Context, userIDs []string) (map[string]presence.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]presence.Record, len(userIDs))
	for _, id := range userIDs {
		if rec, ok := s.records[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

type stubWatcher struct {
	events    chan presence.Event
	cancelled bool
}

func (s *stubWatcher) SubscribePresence() (<-chan presence.Event, func()) {
	return s.events, func() { s.cancelled = true }
}

// --- Fixture ---

type apiFixture struct {
	api         *API
	coordinator *mockCoordinator
	watcher     *stubWatcher
	router      chi.Router
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	coordinator := new(mockCoordinator)
	watcher := &stubWatcher{events: make(chan presence.Event, 8)}
	statuses := &stubStatusReader{records: map[string]presence.Record{}}

	handler, err := NewAPI(coordinator, statuses, watcher, zerolog.Nop())
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Get("/api/leadership/{channel}", handler.LeadershipStatusHandler)
	router.Post("/api/leadership/{channel}/claim", handler.LeadershipClaimHandler)
	router.Post("/api/leadership/{channel}/heartbeat", handler.LeadershipHeartbeatHandler)
	router.Post("/api/leadership/{channel}/release", handler.LeadershipReleaseHandler)

	return &apiFixture{api: handler, coordinator: coordinator, watcher: watcher, router: router}
}

func (fx *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(payload)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func decodeLeaseResponse(t *testing.T, rec *httptest.ResponseRecorder) leaseResponse {
	t.Helper()
	var resp leaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// --- Tests ---

func TestLeadershipClaimHandler_Success(t *testing.T) {
	fx := setupAPI(t)
	record := &presence.LeaseRecord{Channel: "video-call-7", InstanceID: "inst-a", TabID: "tab-1"}
	fx.coordinator.On("Claim", mock.Anything, "video-call-7", mock.MatchedBy(func(req presence.LeaseRequest) bool {
		return req.InstanceID == "inst-a" && req.TabID == "tab-1" && req.TTL == 45*time.Second
	})).Return(record, nil).Once()

	rec := fx.do(t, http.MethodPost, "/api/leadership/video-call-7/claim", map[string]any{
		"instanceId": "inst-a",
		"tabId":      "tab-1",
		"ttlSeconds": 45,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeLeaseResponse(t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "video-call-7", resp.Channel)
	require.NotNil(t, resp.Leader)
	assert.Equal(t, "inst-a", resp.Leader.InstanceID)
	fx.coordinator.AssertExpectations(t)
}

func TestLeadershipClaimHandler_Occupied(t *testing.T) {
	fx := setupAPI(t)
	holder := &presence.LeaseRecord{Channel: "video-call-7", InstanceID: "inst-b"}
	fx.coordinator.On("Claim", mock.Anything, "video-call-7", mock.Anything).
		Return(nil, presence.ErrOccupied).Once()
	fx.coordinator.On("Status", mock.Anything, "video-call-7").
		Return(&presence.LeaseStatus{Channel: "video-call-7", Leader: holder}, nil).Once()

	rec := fx.do(t, http.MethodPost, "/api/leadership/video-call-7/claim", map[string]any{
		"instanceId": "inst-a",
	})

	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeLeaseResponse(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, reasonOccupied, resp.Reason)
	require.NotNil(t, resp.Leader)
	assert.Equal(t, "inst-b", resp.Leader.InstanceID)
}

func TestLeadershipHeartbeatHandler_NotHolder(t *testing.T) {
	fx := setupAPI(t)
	fx.coordinator.On("Heartbeat", mock.Anything, "doc-edit-1", "inst-a", mock.Anything).
		Return(nil, presence.ErrNotHolder).Once()
	fx.coordinator.On("Status", mock.Anything, "doc-edit-1").
		Return(&presence.LeaseStatus{Channel: "doc-edit-1"}, nil).Once()

	rec := fx.do(t, http.MethodPost, "/api/leadership/doc-edit-1/heartbeat", map[string]any{
		"instanceId": "inst-a",
	})

	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeLeaseResponse(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, reasonNotHolder, resp.Reason)
}

func TestLeadershipClaimHandler_ArbitrationUnavailable(t *testing.T) {
	fx := setupAPI(t)
	fx.coordinator.On("Claim", mock.Anything, "doc-edit-1", mock.Anything).
		Return(nil, presence.ErrArbitrationUnavailable).Once()

	rec := fx.do(t, http.MethodPost, "/api/leadership/doc-edit-1/claim", map[string]any{
		"instanceId": "inst-a",
	})

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeLeaseResponse(t, rec)
	assert.Equal(t, reasonArbitrationUnavailable, resp.Reason)
	fx.coordinator.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)
}

func TestLeadershipReleaseHandler_Success(t *testing.T) {
	fx := setupAPI(t)
	fx.coordinator.On("Release", mock.Anything, "doc-edit-1", "inst-a").Return(nil).Once()

	rec := fx.do(t, http.MethodPost, "/api/leadership/doc-edit-1/release", map[string]any{
		"instanceId": "inst-a",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeLeaseResponse(t, rec)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Leader)
}

func TestLeadershipStatusHandler(t *testing.T) {
	fx := setupAPI(t)
	status := &presence.LeaseStatus{
		Channel: "doc-edit-1",
		Leader:  &presence.LeaseRecord{Channel: "doc-edit-1", InstanceID: "inst-a"},
		History: []presence.ClaimHistory{{InstanceID: "inst-a"}},
	}
	fx.coordinator.On("Status", mock.Anything, "doc-edit-1").Return(status, nil).Once()

	rec := fx.do(t, http.MethodGet, "/api/leadership/doc-edit-1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeLeaseResponse(t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "doc-edit-1", resp.Channel)
	require.NotNil(t, resp.Leader)
	assert.Equal(t, "inst-a", resp.Leader.InstanceID)
	assert.Len(t, resp.History, 1)
}

func TestLeadershipHandlers_BadRequests(t *testing.T) {
	fx := setupAPI(t)

	t.Run("missing instanceId", func(t *testing.T) {
		rec := fx.do(t, http.MethodPost, "/api/leadership/doc-edit-1/claim", map[string]any{
			"tabId": "tab-1",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/leadership/doc-edit-1/claim",
			bytes.NewBufferString("not json"))
		rec := httptest.NewRecorder()
		fx.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	fx.coordinator.AssertNotCalled(t, "Claim", mock.Anything, mock.Anything, mock.Anything)
}
