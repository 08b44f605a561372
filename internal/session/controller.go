// Package session is the client side of a conversation: it keeps the visible
// transcript for the active partner consistent across history loads, optimistic
// sends and realtime receives.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dm-service/internal/errs"
	"dm-service/internal/models"
)

var (
	ErrNoConversation = errors.New("no active conversation")
	ErrUnknownEntry   = errors.New("no such local entry")
	ErrNotConnected   = errors.New("realtime channel not connected")
)

const (
	defaultDedupeWindow = 5 * time.Second
	defaultMinBackoff   = 250 * time.Millisecond
	defaultMaxBackoff   = 10 * time.Second
	requestTimeout      = 10 * time.Second
)

// Config describes where and as whom the controller connects.
type Config struct {
	BaseURL      string
	WSURL        string
	Token        string
	UserID       string
	DedupeWindow time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	HTTPClient   *http.Client
}

func (c *Config) applyDefaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.WSURL == "" {
		c.WSURL = "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/ws"
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = defaultDedupeWindow
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
}

// Controller owns the transcript of the active conversation.
type Controller struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	partner   string
	room      string
	gen       int
	syncSeq   uint64
	entries   []Entry
	buffering bool
	buffered  []models.Message

	connMu sync.Mutex
	conn   *websocket.Conn

	updates chan struct{}
}

func NewController(cfg Config, logger *zap.Logger) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		updates: make(chan struct{}, 1),
	}
}

// Updates signals after every transcript change. Signals coalesce.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

// Transcript returns a snapshot of the visible transcript.
func (c *Controller) Transcript() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Partner returns the active partner, or "".
func (c *Controller) Partner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partner
}

// Room returns the room acknowledged by the server for the active partner.
func (c *Controller) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Connected reports whether the realtime channel is up.
func (c *Controller) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Select makes partner the active conversation: it joins the room and loads the
// history concurrently. Receives arriving during the load are applied after it.
func (c *Controller) Select(ctx context.Context, partner string) error {
	if partner == "" || partner == c.cfg.UserID {
		return fmt.Errorf("%w: invalid partner %q", errs.ErrValidation, partner)
	}

	c.mu.Lock()
	c.partner = partner
	c.room = ""
	c.entries = nil
	c.buffered = nil
	c.gen++
	c.mu.Unlock()
	c.notify()

	return c.resync(ctx, true)
}

// resync joins the active room (when asked and connected) and reloads its history.
// Runs may overlap; only the most recently started one merges its history and
// ends buffering, an overtaken run returns nil.
func (c *Controller) resync(ctx context.Context, join bool) error {
	c.mu.Lock()
	partner, gen := c.partner, c.gen
	if partner == "" {
		c.mu.Unlock()
		return nil
	}
	c.syncSeq++
	seq := c.syncSeq
	if !c.buffering {
		c.buffering = true
		c.buffered = nil
	}
	c.mu.Unlock()

	var history []models.Message
	g, gctx := errgroup.WithContext(ctx)
	if join {
		g.Go(func() error {
			err := c.write(models.ClientEvent{Type: models.EventJoin, SenderID: c.cfg.UserID, ReceiverID: partner})
			if errors.Is(err, ErrNotConnected) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		var err error
		history, err = c.fetchHistory(gctx, partner)
		return err
	})
	err := g.Wait()

	c.mu.Lock()
	defer c.notify()
	defer c.mu.Unlock()
	if gen != c.gen || seq != c.syncSeq {
		return nil
	}
	if err == nil {
		c.mergeHistoryLocked(history)
	}
	buffered := c.buffered
	c.buffering = false
	c.buffered = nil
	for _, msg := range buffered {
		c.applyLocked(msg)
	}
	return err
}

// mergeHistoryLocked replaces confirmed entries with history. Local entries whose
// clientId is in history are dropped; the rest stay at the tail.
func (c *Controller) mergeHistoryLocked(history []models.Message) {
	seen := make(map[string]struct{}, len(history))
	entries := make([]Entry, 0, len(history)+len(c.entries))
	for _, msg := range history {
		if msg.ClientID != "" {
			seen[msg.ClientID] = struct{}{}
		}
		entries = append(entries, Entry{Message: msg, Status: StatusConfirmed, LocalAt: msg.CreatedAt})
	}
	for _, e := range c.entries {
		if !e.isLocal() {
			continue
		}
		if _, ok := seen[e.Message.ClientID]; ok {
			continue
		}
		entries = append(entries, e)
	}
	c.entries = entries
}

// Send appends an optimistic entry and delivers it over the realtime channel, or
// over REST when disconnected. It returns the entry's clientId.
func (c *Controller) Send(ctx context.Context, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", fmt.Errorf("%w: message is required", errs.ErrValidation)
	}

	c.mu.Lock()
	partner := c.partner
	if partner == "" {
		c.mu.Unlock()
		return "", ErrNoConversation
	}
	now := c.now()
	entry := Entry{
		Message: models.Message{
			SenderID:   c.cfg.UserID,
			ReceiverID: partner,
			Body:       body,
			ClientID:   uuid.NewString(),
			CreatedAt:  now,
		},
		Status:  StatusPending,
		LocalAt: now,
	}
	c.entries = append(c.entries, entry)
	c.mu.Unlock()
	c.notify()

	return entry.Message.ClientID, c.deliver(ctx, entry.Message)
}

// Retry resends a failed or pending entry with its original clientId.
func (c *Controller) Retry(ctx context.Context, clientID string) error {
	c.mu.Lock()
	idx := c.findLocalLocked(clientID)
	if idx < 0 {
		c.mu.Unlock()
		return ErrUnknownEntry
	}
	c.entries[idx].Status = StatusPending
	c.entries[idx].Err = ""
	msg := c.entries[idx].Message
	c.mu.Unlock()
	c.notify()

	return c.deliver(ctx, msg)
}

func (c *Controller) deliver(ctx context.Context, msg models.Message) error {
	err := c.write(models.ClientEvent{
		Type:       models.EventSend,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Message:    msg.Body,
		ClientID:   msg.ClientID,
	})
	if err == nil {
		return nil
	}
	c.logger.Debug("realtime send unavailable, using rest", zap.Error(err))

	stored, err := c.postMessage(ctx, msg)
	if err != nil {
		c.markFailed(msg.ClientID, err.Error())
		return err
	}
	c.mu.Lock()
	applied := c.applyLocked(stored)
	c.mu.Unlock()
	if applied {
		c.notify()
	}
	return nil
}

// Run keeps the realtime channel connected until ctx is done, reconnecting with
// exponential backoff. After each connect it rejoins the active room and reloads
// its history.
func (c *Controller) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.MinBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		conn, err := c.dial(ctx)
		if err == nil {
			b.Reset()
			c.serve(ctx, conn)
		} else {
			c.logger.Debug("realtime dial failed", zap.Error(err))
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
	}
}

func (c *Controller) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.cfg.WSURL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.WSURL, err)
	}
	return conn, nil
}

// serve owns conn until it fails or ctx ends.
func (c *Controller) serve(ctx context.Context, conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		_ = conn.Close()
		c.mu.Lock()
		c.room = ""
		c.mu.Unlock()
		c.notify()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	go func() {
		if err := c.resync(ctx, true); err != nil {
			c.logger.Warn("resync after connect failed", zap.Error(err))
		}
	}()

	for {
		var evt models.ServerEvent
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("realtime read failed", zap.Error(err))
			}
			return
		}
		c.handleEvent(evt)
	}
}

func (c *Controller) handleEvent(evt models.ServerEvent) {
	switch evt.Type {
	case models.EventReceive:
		c.mu.Lock()
		applied := c.applyLocked(evt.AsMessage())
		c.mu.Unlock()
		if applied {
			c.notify()
		}
	case models.EventJoined:
		c.mu.Lock()
		if c.partner != "" && evt.RoomID == models.ConversationID(c.cfg.UserID, c.partner) {
			c.room = evt.RoomID
		}
		c.mu.Unlock()
		c.notify()
	case models.EventError:
		if evt.ClientID != "" {
			c.markFailed(evt.ClientID, evt.Error)
			return
		}
		c.logger.Warn("server error", zap.String("code", evt.Code), zap.String("error", evt.Error))
	}
}

// applyLocked reconciles a server-confirmed message into the transcript when it
// belongs to the active conversation. While a history load is in flight the
// message is buffered instead. It reports whether the transcript changed.
func (c *Controller) applyLocked(msg models.Message) bool {
	if c.partner == "" || models.ConversationID(msg.SenderID, msg.ReceiverID) != models.ConversationID(c.cfg.UserID, c.partner) {
		return false
	}
	if c.buffering {
		c.buffered = append(c.buffered, msg)
		return false
	}
	c.reconcileLocked(msg)
	return true
}

// reconcileLocked applies a server-confirmed message: ignored when already present
// by id, otherwise it confirms the matching local entry or is inserted in order.
func (c *Controller) reconcileLocked(msg models.Message) {
	for _, e := range c.entries {
		if e.Status == StatusConfirmed && e.Message.ID == msg.ID {
			return
		}
	}

	idx := -1
	if msg.ClientID != "" {
		idx = c.findLocalLocked(msg.ClientID)
	}
	if idx < 0 && msg.SenderID == c.cfg.UserID {
		idx = c.findSimilarPendingLocked(msg)
	}
	if idx >= 0 {
		c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
	}
	c.insertConfirmedLocked(msg)
}

func (c *Controller) findLocalLocked(clientID string) int {
	for i, e := range c.entries {
		if e.isLocal() && e.Message.ClientID == clientID {
			return i
		}
	}
	return -1
}

// findSimilarPendingLocked matches a pending entry by sender, body and time window.
func (c *Controller) findSimilarPendingLocked(msg models.Message) int {
	for i, e := range c.entries {
		if e.Status != StatusPending || e.Message.SenderID != msg.SenderID || e.Message.Body != msg.Body {
			continue
		}
		delta := msg.CreatedAt.Sub(e.LocalAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= c.cfg.DedupeWindow {
			return i
		}
	}
	return -1
}

// insertConfirmedLocked keeps confirmed entries in id order ahead of local ones.
func (c *Controller) insertConfirmedLocked(msg models.Message) {
	pos := len(c.entries)
	for i, e := range c.entries {
		if e.isLocal() || e.Message.ID > msg.ID {
			pos = i
			break
		}
	}
	entry := Entry{Message: msg, Status: StatusConfirmed, LocalAt: msg.CreatedAt}
	c.entries = append(c.entries, Entry{})
	copy(c.entries[pos+1:], c.entries[pos:])
	c.entries[pos] = entry
}

func (c *Controller) markFailed(clientID, reason string) {
	c.mu.Lock()
	idx := c.findLocalLocked(clientID)
	if idx >= 0 {
		c.entries[idx].Status = StatusFailed
		c.entries[idx].Err = reason
	}
	c.mu.Unlock()
	if idx >= 0 {
		c.notify()
	}
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Controller) write(evt models.ClientEvent) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(requestTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(evt)
}

func (c *Controller) fetchHistory(ctx context.Context, partner string) ([]models.Message, error) {
	path := "/history/" + url.PathEscape(c.cfg.UserID) + "/" + url.PathEscape(partner)
	var history []models.Message
	if err := c.doJSON(ctx, http.MethodGet, path, nil, http.StatusOK, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func (c *Controller) postMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	body := map[string]string{
		"senderId":   msg.SenderID,
		"receiverId": msg.ReceiverID,
		"message":    msg.Body,
		"clientId":   msg.ClientID,
	}
	var stored models.Message
	if err := c.doJSON(ctx, http.MethodPost, "/messages", body, http.StatusCreated, &stored); err != nil {
		return models.Message{}, err
	}
	return stored, nil
}

// StatusError is a non-success REST response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

func (c *Controller) doJSON(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &StatusError{Code: resp.StatusCode, Message: apiErr.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
