package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"dm-service/internal/errs"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
	"dm-service/internal/telemetry"
)

// Broadcaster delivers a server event to every member of a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID string, event models.ServerEvent)
}

// Auditor records persisted messages.
type Auditor interface {
	MessageSent(ctx context.Context, requestID, senderID, receiverID, roomID string, messageID int64)
}

// SendInput is one send request, from REST or the realtime channel.
type SendInput struct {
	SenderID   string
	ReceiverID string
	Body       string
	ClientID   string
	RequestID  string
}

// Conversation is a ConversationSummary with the partner's display metadata.
type Conversation struct {
	Partner     models.User    `json:"partner"`
	LastMessage models.Message `json:"lastMessage"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// MessageService owns the history and send flows.
type MessageService struct {
	messages    repositories.MessageRepository
	users       repositories.UserRepository
	broadcaster Broadcaster
	auditor     Auditor
	logger      *zap.Logger
}

func NewMessageService(messages repositories.MessageRepository, users repositories.UserRepository, broadcaster Broadcaster, auditor Auditor, logger *zap.Logger) *MessageService {
	return &MessageService{
		messages:    messages,
		users:       users,
		broadcaster: broadcaster,
		auditor:     auditor,
		logger:      logger,
	}
}

// History returns the conversation between userA and userB, oldest first.
func (s *MessageService) History(ctx context.Context, userA, userB string) ([]models.Message, error) {
	if userA == "" || userB == "" {
		return nil, fmt.Errorf("%w: both user ids are required", errs.ErrValidation)
	}
	if err := s.requireUsers(ctx, userA, userB); err != nil {
		return nil, err
	}
	return s.messages.History(ctx, userA, userB)
}

// Send persists a message and, only once it is stored, pushes it to the room.
func (s *MessageService) Send(ctx context.Context, in SendInput) (models.Message, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "MessageService.Send")
	defer span.End()
	span.SetAttributes(
		attribute.String("dm.sender_id", in.SenderID),
		attribute.String("dm.receiver_id", in.ReceiverID),
	)

	msg, err := s.send(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errs.Code(err))
		return models.Message{}, err
	}
	span.SetAttributes(attribute.Int64("dm.message_id", msg.ID))
	return msg, nil
}

func (s *MessageService) send(ctx context.Context, in SendInput) (models.Message, error) {
	if err := repositories.ValidateNewMessage(in.SenderID, in.ReceiverID, in.Body); err != nil {
		return models.Message{}, err
	}
	if len(in.ClientID) > 64 {
		return models.Message{}, fmt.Errorf("%w: clientId is too long", errs.ErrValidation)
	}
	if err := s.requireUsers(ctx, in.SenderID, in.ReceiverID); err != nil {
		return models.Message{}, err
	}

	msg, err := s.messages.Append(ctx, in.SenderID, in.ReceiverID, in.Body, in.ClientID)
	if err != nil {
		s.logger.Warn("append message failed",
			zap.String("sender_id", in.SenderID),
			zap.String("receiver_id", in.ReceiverID),
			zap.Error(err),
		)
		return models.Message{}, err
	}
	observability.IncMessagePersisted()

	roomID := models.ConversationID(msg.SenderID, msg.ReceiverID)
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(ctx, roomID, models.ReceiveEvent(msg))
	}
	if s.auditor != nil {
		s.auditor.MessageSent(ctx, in.RequestID, msg.SenderID, msg.ReceiverID, roomID, msg.ID)
	}
	return msg, nil
}

// Conversations lists the caller's conversations, newest first, with partner metadata.
// Partners missing from the directory are returned with only their id.
func (s *MessageService) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	summaries, err := s.messages.Partners(ctx, userID)
	if err != nil {
		return nil, err
	}

	ids := lo.Uniq(lo.Map(summaries, func(sum models.ConversationSummary, _ int) string {
		return sum.PartnerID
	}))
	users, err := s.users.BulkUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := lo.KeyBy(users, func(u models.User) string { return u.ID })

	return lo.Map(summaries, func(sum models.ConversationSummary, _ int) Conversation {
		partner, ok := byID[sum.PartnerID]
		if !ok {
			partner = models.User{ID: sum.PartnerID}
		}
		return Conversation{Partner: partner, LastMessage: sum.LastMessage, UpdatedAt: sum.UpdatedAt}
	}), nil
}

// requireUsers fails with ErrUserNotFound naming the first id absent from the directory.
func (s *MessageService) requireUsers(ctx context.Context, ids ...string) error {
	ids = lo.Uniq(ids)
	users, err := s.users.BulkUsers(ctx, ids)
	if err != nil {
		return err
	}
	known := lo.SliceToMap(users, func(u models.User) (string, struct{}) { return u.ID, struct{}{} })
	missing := lo.Filter(ids, func(id string, _ int) bool {
		_, ok := known[id]
		return !ok
	})
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", errs.ErrUserNotFound, strings.Join(missing, ", "))
	}
	return nil
}
