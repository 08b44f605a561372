package repositories

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"dm-service/internal/errs"
	"dm-service/internal/models"
)

// Key layout:
//
//	msg:{hex(conversation)}:{id:019d}  -> message JSON, sorted by id inside a conversation
//	cid:{hex(sender)}:{hex(clientId)}  -> message id
//	cnv:{hex(user)}:{hex(partner)}     -> "{hex(conversation)}:{id}" of the last message
//	usr:{hex(user)}                    -> user JSON
const (
	prefixMessage      = "msg:"
	prefixClientID     = "cid:"
	prefixConversation = "cnv:"
	prefixUser         = "usr:"
	messageSequenceKey = "seq:messages"
)

func messageKey(conversation string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d", prefixMessage, hex.EncodeToString([]byte(conversation)), id))
}

func conversationPrefix(conversation string) []byte {
	return []byte(prefixMessage + hex.EncodeToString([]byte(conversation)) + ":")
}

func clientIDKey(senderID, clientID string) []byte {
	return []byte(prefixClientID + hex.EncodeToString([]byte(senderID)) + ":" + hex.EncodeToString([]byte(clientID)))
}

func partnerKey(userID, partnerID string) []byte {
	return []byte(prefixConversation + hex.EncodeToString([]byte(userID)) + ":" + hex.EncodeToString([]byte(partnerID)))
}

func userKey(userID string) []byte {
	return []byte(prefixUser + hex.EncodeToString([]byte(userID)))
}

// BadgerMessageRepo stores messages in an embedded BadgerDB.
type BadgerMessageRepo struct {
	db  *badger.DB
	seq *badger.Sequence
	now func() time.Time

	// mu makes id and createdAt assignment plus the write one step, so that
	// id order and createdAt order never disagree.
	mu   sync.Mutex
	last time.Time
}

// NewBadgerMessageRepo leases the message id sequence from db.
func NewBadgerMessageRepo(db *badger.DB) (*BadgerMessageRepo, error) {
	seq, err := db.GetSequence([]byte(messageSequenceKey), 128)
	if err != nil {
		return nil, fmt.Errorf("lease message sequence: %w", err)
	}
	return &BadgerMessageRepo{db: db, seq: seq, now: time.Now}, nil
}

// Close returns unused sequence ids to the store.
func (r *BadgerMessageRepo) Close() error {
	return r.seq.Release()
}

// Append stores a message. A repeated (senderID, clientID) returns the row created first.
func (r *BadgerMessageRepo) Append(ctx context.Context, senderID, receiverID, body, clientID string) (models.Message, error) {
	if err := ValidateNewMessage(senderID, receiverID, body); err != nil {
		return models.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Message{}, storeErr("append message", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if clientID != "" {
		existing, found, err := r.findByClientID(senderID, clientID)
		if err != nil {
			return models.Message{}, storeErr("load message by client id", err)
		}
		if found {
			return existing, nil
		}
	}

	next, err := r.seq.Next()
	if err != nil {
		return models.Message{}, storeErr("next message id", err)
	}
	createdAt := r.now().UTC()
	if createdAt.Before(r.last) {
		createdAt = r.last
	}

	conversation := models.ConversationID(senderID, receiverID)
	msg := models.Message{
		ID:         int64(next) + 1,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Body:       body,
		ClientID:   clientID,
		CreatedAt:  createdAt,
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("encode message: %w", err)
	}
	pointer := []byte(hex.EncodeToString([]byte(conversation)) + ":" + strconv.FormatInt(msg.ID, 10))

	err = r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(conversation, msg.ID), value); err != nil {
			return err
		}
		if clientID != "" {
			if err := txn.Set(clientIDKey(senderID, clientID), pointer); err != nil {
				return err
			}
		}
		if err := txn.Set(partnerKey(senderID, receiverID), pointer); err != nil {
			return err
		}
		return txn.Set(partnerKey(receiverID, senderID), pointer)
	})
	if err != nil {
		return models.Message{}, storeErr("write message", err)
	}
	r.last = createdAt
	return msg, nil
}

func (r *BadgerMessageRepo) findByClientID(senderID, clientID string) (models.Message, bool, error) {
	var msg models.Message
	found := false
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(clientIDKey(senderID, clientID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		pointer, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		msg, err = loadPointer(txn, pointer)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return msg, found, err
}

// loadPointer resolves a "{hex(conversation)}:{id}" pointer to its message.
func loadPointer(txn *badger.Txn, pointer []byte) (models.Message, error) {
	var msg models.Message
	sep := -1
	for i := len(pointer) - 1; i >= 0; i-- {
		if pointer[i] == ':' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return msg, fmt.Errorf("malformed message pointer %q", pointer)
	}
	id, err := strconv.ParseInt(string(pointer[sep+1:]), 10, 64)
	if err != nil {
		return msg, fmt.Errorf("malformed message pointer %q: %w", pointer, err)
	}
	key := []byte(fmt.Sprintf("%s%s:%019d", prefixMessage, pointer[:sep], id))
	item, err := txn.Get(key)
	if err != nil {
		return msg, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	})
	return msg, err
}

// History returns the messages exchanged between two users, oldest first.
func (r *BadgerMessageRepo) History(ctx context.Context, userA, userB string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("select history", err)
	}
	prefix := conversationPrefix(models.ConversationID(userA, userB))
	msgs := []models.Message{}
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg models.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("select history", err)
	}
	return msgs, nil
}

// Partners returns one summary per counterpart of userID, most recent conversation first.
func (r *BadgerMessageRepo) Partners(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("select partners", err)
	}
	prefix := []byte(prefixConversation + hex.EncodeToString([]byte(userID)) + ":")
	result := []models.ConversationSummary{}
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			pointer, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			msg, err := loadPointer(txn, pointer)
			if err != nil {
				return err
			}
			result = append(result, models.ConversationSummary{
				PartnerID:   msg.Counterpart(userID),
				LastMessage: msg,
				UpdatedAt:   msg.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("select partners", err)
	}
	sortSummaries(result)
	return result, nil
}

// BadgerUserRepo is the user directory backed by BadgerDB.
type BadgerUserRepo struct {
	db  *badger.DB
	now func() time.Time
}

// NewBadgerUserRepo constructs a BadgerUserRepo.
func NewBadgerUserRepo(db *badger.DB) *BadgerUserRepo {
	return &BadgerUserRepo{db: db, now: time.Now}
}

// GetUser fetches a user by id.
func (r *BadgerUserRepo) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		user, err = getUser(txn, userID)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.User{}, fmt.Errorf("%w: %s", errs.ErrUserNotFound, userID)
	}
	if err != nil {
		return models.User{}, storeErr("get user", err)
	}
	return user, nil
}

func getUser(txn *badger.Txn, userID string) (models.User, error) {
	var user models.User
	item, err := txn.Get(userKey(userID))
	if err != nil {
		return user, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &user)
	})
	return user, err
}

// BulkUsers fetches the known users among ids. Unknown ids are skipped.
func (r *BadgerUserRepo) BulkUsers(ctx context.Context, ids []string) ([]models.User, error) {
	users := []models.User{}
	err := r.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			user, err := getUser(txn, id)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			users = append(users, user)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("bulk users", err)
	}
	return users, nil
}

// UpsertUser creates or refreshes a directory entry, keeping the original creation time.
func (r *BadgerUserRepo) UpsertUser(ctx context.Context, user models.User) (models.User, error) {
	if user.ID == "" {
		return models.User{}, fmt.Errorf("%w: user id is required", errs.ErrValidation)
	}
	err := r.db.Update(func(txn *badger.Txn) error {
		existing, err := getUser(txn, user.ID)
		switch {
		case err == nil:
			user.CreatedAt = existing.CreatedAt
		case errors.Is(err, badger.ErrKeyNotFound):
			user.CreatedAt = r.now().UTC()
		default:
			return err
		}
		value, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return txn.Set(userKey(user.ID), value)
	})
	if err != nil {
		return models.User{}, storeErr("upsert user", err)
	}
	return user, nil
}
