package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/jmoiron/sqlx"

	"dm-service/internal/models"
)

// MessageRepository is the conversation store: append-only direct messages.
type MessageRepository interface {
	Append(ctx context.Context, senderID, receiverID, body, clientID string) (models.Message, error)
	History(ctx context.Context, userA, userB string) ([]models.Message, error)
	Partners(ctx context.Context, userID string) ([]models.ConversationSummary, error)
}

const messageColumns = `id, sender_id, receiver_id, body, COALESCE(client_id, '') AS client_id, created_at`

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Append stores a message. A repeated (senderID, clientID) returns the row created first.
func (r *MessageRepo) Append(ctx context.Context, senderID, receiverID, body, clientID string) (models.Message, error) {
	if err := ValidateNewMessage(senderID, receiverID, body); err != nil {
		return models.Message{}, err
	}

	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `INSERT INTO messages (sender_id, receiver_id, body, client_id)
        VALUES ($1, $2, $3, NULLIF($4, ''))
        ON CONFLICT (sender_id, client_id) WHERE client_id IS NOT NULL DO NOTHING
        RETURNING `+messageColumns, senderID, receiverID, body, clientID)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, storeErr("insert message", err)
	}

	// The conflict branch returns nothing; load the original row.
	err = r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE sender_id=$1 AND client_id=$2`, senderID, clientID)
	if err != nil {
		return models.Message{}, storeErr("load message by client id", err)
	}
	return msg, nil
}

// History returns the messages exchanged between two users, oldest first.
func (r *MessageRepo) History(ctx context.Context, userA, userB string) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + `
        FROM messages
        WHERE (sender_id=$1 AND receiver_id=$2) OR (sender_id=$2 AND receiver_id=$1)
        ORDER BY created_at ASC, id ASC`
	msgs := []models.Message{}
	if err := r.db.SelectContext(ctx, &msgs, query, userA, userB); err != nil {
		return nil, storeErr("select history", err)
	}
	return msgs, nil
}

type partnerRow struct {
	PartnerID string `db:"partner_id"`
	models.Message
}

// Partners returns one summary per counterpart of userID, most recent conversation first.
func (r *MessageRepo) Partners(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	query := `SELECT DISTINCT ON (partner_id) partner_id, ` + messageColumns + `
        FROM (
            SELECT CASE WHEN sender_id=$1 THEN receiver_id ELSE sender_id END AS partner_id,
                id, sender_id, receiver_id, body, client_id, created_at
            FROM messages
            WHERE sender_id=$1 OR receiver_id=$1
        ) m
        ORDER BY partner_id, created_at DESC, id DESC`
	var rows []partnerRow
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, storeErr("select partners", err)
	}

	result := make([]models.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		result = append(result, models.ConversationSummary{
			PartnerID:   row.PartnerID,
			LastMessage: row.Message,
			UpdatedAt:   row.Message.CreatedAt,
		})
	}
	sortSummaries(result)
	return result, nil
}

func sortSummaries(list []models.ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].LastMessage.ID > list[j].LastMessage.ID
		}
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}
