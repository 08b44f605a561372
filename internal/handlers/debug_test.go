package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"dm-service/internal/mocks"
	"dm-service/internal/telemetry"
)

type staticRooms map[string][]string

func (s staticRooms) Rooms() map[string][]string { return s }

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, testSecret, nil, staticRooms{}, false)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/rooms", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugRooms(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, testSecret, nil, staticRooms{"5:alice-bob": {"alice", "bob"}}, true)

	req := httptest.NewRequest(http.MethodGet, "/debug/rooms", nil)
	req.Header.Set("Authorization", bearer(t, "alice", "Alice"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"rooms":{"5:alice-bob":["alice","bob"]}}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil)
	req.Header.Set("Authorization", bearer(t, "alice", "Alice"))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDebugRoutesRequireToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, testSecret, nil, staticRooms{"5:alice-bob": {"alice", "bob"}}, true)

	for _, path := range []string{"/debug/rooms", "/debug/audit-test"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.NotContains(t, rec.Body.String(), "alice", path)
	}
}

func TestDebugAuditTest(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	emitter := telemetry.NewAuditEmitter(publisher, "dm-service", "test", zap.NewNop())
	publisher.On("Publish", mock.Anything, telemetry.AuditRoutingKey, mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.RequestID == "req-7" && env.UserID == "alice" && env.Payload.Text == "audit test"
	})).Return(nil).Once()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, testSecret, emitter, staticRooms{}, true)

	req := httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil)
	req.Header.Set("X-Request-Id", "req-7")
	req.Header.Set("Authorization", bearer(t, "alice", "Alice"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	publisher.AssertExpectations(t)
}

func TestHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	healthy := true
	r.GET("/healthz", Healthz(func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("store down")
	}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
