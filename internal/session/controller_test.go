package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dm-service/internal/auth"
	"dm-service/internal/handlers"
	"dm-service/internal/middleware"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
	"dm-service/internal/services"
	"dm-service/internal/ws"
)

const testSecret = "test-secret"

type stack struct {
	srv *httptest.Server
	svc *services.MessageService
}

func newStack(t *testing.T) *stack {
	t.Helper()
	bdb, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close() })

	messages, err := repositories.NewBadgerMessageRepo(bdb)
	require.NoError(t, err)
	users := repositories.NewBadgerUserRepo(bdb)
	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := users.UpsertUser(context.Background(), models.User{ID: id})
		require.NoError(t, err)
	}

	logger := zap.NewNop()
	hub := ws.NewHub(nil, nil, logger)
	svc := services.NewMessageService(messages, users, hub, nil, logger)
	messageHandler := handlers.NewMessageHandler(svc)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", ws.NewHandler(hub, svc, testSecret, 32, nil, logger).Handle)
	authed := router.Group("/", middleware.AuthMiddleware(testSecret))
	authed.GET("/history/:userA/:userB", messageHandler.GetHistory)
	authed.POST("/messages", messageHandler.PostMessage)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &stack{srv: srv, svc: svc}
}

func newTestController(t *testing.T, baseURL, userID string) *Controller {
	t.Helper()
	token, err := auth.GenerateToken(userID, "", "", testSecret, time.Hour)
	require.NoError(t, err)
	return NewController(Config{
		BaseURL:    baseURL,
		Token:      token,
		UserID:     userID,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	}, zap.NewNop())
}

func run(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)
}

func bodies(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message.Body)
	}
	return out
}

func TestSelectLoadsHistory(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	for _, in := range []services.SendInput{
		{SenderID: "alice", ReceiverID: "bob", Body: "one"},
		{SenderID: "bob", ReceiverID: "alice", Body: "two"},
		{SenderID: "alice", ReceiverID: "carol", Body: "elsewhere"},
	} {
		_, err := s.svc.Send(ctx, in)
		require.NoError(t, err)
	}

	c := newTestController(t, s.srv.URL, "alice")
	require.NoError(t, c.Select(ctx, "bob"))

	transcript := c.Transcript()
	assert.Equal(t, []string{"one", "two"}, bodies(transcript))
	for _, e := range transcript {
		assert.Equal(t, StatusConfirmed, e.Status)
	}
}

func TestSelectRejectsSelf(t *testing.T) {
	c := newTestController(t, "http://127.0.0.1:1", "alice")
	assert.Error(t, c.Select(context.Background(), "alice"))
}

func TestSendOverRESTWhenDisconnected(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	c := newTestController(t, s.srv.URL, "alice")
	require.NoError(t, c.Select(ctx, "bob"))

	clientID, err := c.Send(ctx, "hello")
	require.NoError(t, err)

	transcript := c.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, StatusConfirmed, transcript[0].Status)
	assert.Equal(t, clientID, transcript[0].Message.ClientID)
	assert.NotZero(t, transcript[0].Message.ID)
}

func TestSendWithoutConversation(t *testing.T) {
	c := newTestController(t, "http://127.0.0.1:1", "alice")
	_, err := c.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoConversation)
}

func TestRealtimeSendConfirmsOnceAndReachesPartner(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	alice := newTestController(t, s.srv.URL, "alice")
	bob := newTestController(t, s.srv.URL, "bob")
	run(t, alice)
	run(t, bob)
	require.NoError(t, alice.Select(ctx, "bob"))
	require.NoError(t, bob.Select(ctx, "alice"))
	require.Eventually(t, func() bool { return alice.Room() != "" && bob.Room() != "" }, 2*time.Second, 10*time.Millisecond)

	_, err := alice.Send(ctx, "hi bob")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tr := alice.Transcript()
		return len(tr) == 1 && tr[0].Status == StatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		tr := bob.Transcript()
		return len(tr) == 1 && tr[0].Message.Body == "hi bob"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, alice.Transcript()[0].Message.ID, bob.Transcript()[0].Message.ID)
}

func TestReceiveForOtherRoomIsDiscarded(t *testing.T) {
	c := newTestController(t, "http://127.0.0.1:1", "alice")
	c.partner = "bob"

	c.handleEvent(models.ReceiveEvent(models.Message{ID: 1, SenderID: "carol", ReceiverID: "alice", Body: "psst"}))
	assert.Empty(t, c.Transcript())

	c.handleEvent(models.ReceiveEvent(models.Message{ID: 2, SenderID: "bob", ReceiverID: "alice", Body: "hey"}))
	c.handleEvent(models.ReceiveEvent(models.Message{ID: 2, SenderID: "bob", ReceiverID: "alice", Body: "hey"}))
	assert.Equal(t, []string{"hey"}, bodies(c.Transcript()))
}

func TestReceiveDuringHistoryLoadIsAppliedAfter(t *testing.T) {
	c := newTestController(t, "http://127.0.0.1:1", "alice")
	c.partner = "bob"
	c.buffering = true

	c.handleEvent(models.ReceiveEvent(models.Message{ID: 3, SenderID: "bob", ReceiverID: "alice", Body: "live"}))
	assert.Empty(t, c.Transcript())

	c.mu.Lock()
	c.mergeHistoryLocked([]models.Message{
		{ID: 1, SenderID: "alice", ReceiverID: "bob", Body: "old"},
		{ID: 3, SenderID: "bob", ReceiverID: "alice", Body: "live"},
	})
	for _, msg := range c.buffered {
		c.reconcileLocked(msg)
	}
	c.buffering = false
	c.mu.Unlock()

	assert.Equal(t, []string{"old", "live"}, bodies(c.Transcript()))
}

func TestDedupeHeuristic(t *testing.T) {
	c := newTestController(t, "http://127.0.0.1:1", "alice")
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	c.partner = "bob"
	c.entries = []Entry{{
		Message: models.Message{SenderID: "alice", ReceiverID: "bob", Body: "hi", ClientID: "local"},
		Status:  StatusPending,
		LocalAt: base,
	}}

	// Echo without clientId inside the window confirms the pending entry.
	c.handleEvent(models.ReceiveEvent(models.Message{ID: 5, SenderID: "alice", ReceiverID: "bob", Body: "hi", CreatedAt: base.Add(2 * time.Second)}))
	tr := c.Transcript()
	require.Len(t, tr, 1)
	assert.Equal(t, StatusConfirmed, tr[0].Status)
	assert.Equal(t, int64(5), tr[0].Message.ID)

	// Same body outside the window is a separate message.
	c.entries = append(c.entries, Entry{
		Message: models.Message{SenderID: "alice", ReceiverID: "bob", Body: "hi", ClientID: "local-2"},
		Status:  StatusPending,
		LocalAt: base,
	})
	c.handleEvent(models.ReceiveEvent(models.Message{ID: 6, SenderID: "alice", ReceiverID: "bob", Body: "hi", CreatedAt: base.Add(time.Minute)}))
	tr = c.Transcript()
	require.Len(t, tr, 3)
	assert.Equal(t, StatusConfirmed, tr[0].Status)
	assert.Equal(t, StatusConfirmed, tr[1].Status)
	assert.Equal(t, StatusPending, tr[2].Status)
}

func TestErrorEventMarksEntryFailed(t *testing.T) {
	c := newTestController(t, "http://127.0.0.1:1", "alice")
	c.partner = "bob"
	c.entries = []Entry{{Message: models.Message{ClientID: "c-1", Body: "x"}, Status: StatusPending}}

	c.handleEvent(models.ServerEvent{Type: models.EventError, ClientID: "c-1", Error: "validation failed", Code: "validation"})

	tr := c.Transcript()
	assert.Equal(t, StatusFailed, tr[0].Status)
	assert.Equal(t, "validation failed", tr[0].Err)
}

func TestMergeHistoryKeepsUnconfirmedAtTail(t *testing.T) {
	c := newTestController(t, "http://127.0.0.1:1", "alice")
	c.entries = []Entry{
		{Message: models.Message{ID: 1, Body: "old"}, Status: StatusConfirmed},
		{Message: models.Message{ClientID: "c-1", Body: "made it"}, Status: StatusPending},
		{Message: models.Message{ClientID: "c-2", Body: "lost"}, Status: StatusFailed},
	}

	c.mergeHistoryLocked([]models.Message{
		{ID: 1, Body: "old"},
		{ID: 2, Body: "made it", ClientID: "c-1"},
	})

	tr := c.Transcript()
	assert.Equal(t, []string{"old", "made it", "lost"}, bodies(tr))
	assert.Equal(t, StatusConfirmed, tr[1].Status)
	assert.Equal(t, StatusFailed, tr[2].Status)
}

func TestRetryAfterFailedRESTSend(t *testing.T) {
	var posts atomic.Int32
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/history/:userA/:userB", func(c *gin.Context) {
		c.JSON(http.StatusOK, []models.Message{})
	})
	router.POST("/messages", func(c *gin.Context) {
		var req struct {
			ClientID string `json:"clientId"`
		}
		_ = c.ShouldBindJSON(&req)
		if posts.Add(1) == 1 {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusCreated, models.Message{ID: 1, SenderID: "alice", ReceiverID: "bob", Body: "hi", ClientID: req.ClientID})
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx := context.Background()
	c := newTestController(t, srv.URL, "alice")
	require.NoError(t, c.Select(ctx, "bob"))

	clientID, err := c.Send(ctx, "hi")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Equal(t, StatusFailed, c.Transcript()[0].Status)

	require.NoError(t, c.Retry(ctx, clientID))
	tr := c.Transcript()
	require.Len(t, tr, 1)
	assert.Equal(t, StatusConfirmed, tr[0].Status)
	assert.Equal(t, clientID, tr[0].Message.ClientID)

	assert.ErrorIs(t, c.Retry(ctx, clientID), ErrUnknownEntry)
}

func TestRunReconnectsAndRejoins(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	c := newTestController(t, s.srv.URL, "alice")
	run(t, c)
	require.NoError(t, c.Select(ctx, "bob"))

	require.Eventually(t, func() bool { return c.Room() != "" }, 2*time.Second, 10*time.Millisecond)

	c.connMu.Lock()
	old := c.conn
	c.connMu.Unlock()
	require.NoError(t, old.Close())

	require.Eventually(t, func() bool {
		c.connMu.Lock()
		cur := c.conn
		c.connMu.Unlock()
		return cur != nil && cur != old && c.Room() != ""
	}, 3*time.Second, 10*time.Millisecond)

	_, err := s.svc.Send(ctx, services.SendInput{SenderID: "bob", ReceiverID: "alice", Body: "after reconnect"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tr := c.Transcript()
		return len(tr) == 1 && tr[0].Message.Body == "after reconnect"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLateRESTReplyForPreviousPartnerIsDropped(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/history/:userA/:userB", func(c *gin.Context) {
		c.JSON(http.StatusOK, []models.Message{})
	})
	router.POST("/messages", func(c *gin.Context) {
		var req struct {
			ClientID string `json:"clientId"`
		}
		_ = c.ShouldBindJSON(&req)
		close(arrived)
		<-release
		c.JSON(http.StatusCreated, models.Message{ID: 1, SenderID: "alice", ReceiverID: "bob", Body: "for bob", ClientID: req.ClientID})
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx := context.Background()
	c := newTestController(t, srv.URL, "alice")
	require.NoError(t, c.Select(ctx, "bob"))

	sent := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, "for bob")
		sent <- err
	}()
	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("POST /messages never arrived")
	}

	require.NoError(t, c.Select(ctx, "carol"))
	close(release)
	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return")
	}

	assert.Equal(t, "carol", c.Partner())
	assert.Empty(t, c.Transcript())
}

func TestOverlappingResyncKeepsLiveReceive(t *testing.T) {
	var fetches atomic.Int32
	release := make(chan []models.Message)
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/history/:userA/:userB", func(c *gin.Context) {
		fetches.Add(1)
		c.JSON(http.StatusOK, <-release)
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx := context.Background()
	c := newTestController(t, srv.URL, "alice")
	c.partner = "bob"

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { done <- c.resync(ctx, false) }()
	}
	require.Eventually(t, func() bool { return fetches.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	old := models.Message{ID: 1, SenderID: "alice", ReceiverID: "bob", Body: "old"}
	select {
	case <-c.Updates():
	default:
	}
	release <- []models.Message{old}
	select {
	case <-c.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("first resync did not finish")
	}

	// Stored after both history snapshots were taken.
	c.handleEvent(models.ReceiveEvent(models.Message{ID: 2, SenderID: "bob", ReceiverID: "alice", Body: "live"}))
	release <- []models.Message{old}

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("resync did not return")
		}
	}
	assert.Equal(t, []string{"old", "live"}, bodies(c.Transcript()))
}
