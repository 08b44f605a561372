package repositories

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/errs"
	"dm-service/internal/models"
)

func openTestBadger(t *testing.T) *badger.DB {
	t.Helper()
	bdb, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close() })
	return bdb
}

func newTestMessageRepo(t *testing.T) *BadgerMessageRepo {
	t.Helper()
	repo, err := NewBadgerMessageRepo(openTestBadger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestBadgerAppendAssignsIDAndTimestamp(t *testing.T) {
	repo := newTestMessageRepo(t)
	ctx := context.Background()

	before := time.Now().UTC()
	msg, err := repo.Append(ctx, "u1", "u2", "hi", "")
	require.NoError(t, err)

	assert.Positive(t, msg.ID)
	assert.False(t, msg.CreatedAt.Before(before.Add(-time.Second)))
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, "u2", msg.ReceiverID)
	assert.Equal(t, "hi", msg.Body)

	history, err := repo.History(ctx, "u1", "u2")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
}

func TestBadgerAppendValidation(t *testing.T) {
	repo := newTestMessageRepo(t)
	ctx := context.Background()

	cases := []struct{ sender, receiver, body string }{
		{"", "u2", "hi"},
		{"u1", "", "hi"},
		{"u1", "u2", ""},
		{"u1", "u2", "   "},
		{"u1", "u1", "hi"},
	}
	for _, tc := range cases {
		_, err := repo.Append(ctx, tc.sender, tc.receiver, tc.body, "")
		assert.ErrorIs(t, err, errs.ErrValidation, "%+v", tc)
	}

	history, err := repo.History(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestBadgerHistoryIsSymmetricAndOrdered(t *testing.T) {
	repo := newTestMessageRepo(t)
	ctx := context.Background()

	_, err := repo.Append(ctx, "u1", "u2", "one", "")
	require.NoError(t, err)
	_, err = repo.Append(ctx, "u2", "u1", "two", "")
	require.NoError(t, err)
	_, err = repo.Append(ctx, "u1", "u3", "elsewhere", "")
	require.NoError(t, err)
	_, err = repo.Append(ctx, "u1", "u2", "three", "")
	require.NoError(t, err)

	ab, err := repo.History(ctx, "u1", "u2")
	require.NoError(t, err)
	ba, err := repo.History(ctx, "u2", "u1")
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
	require.Len(t, ab, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{ab[0].Body, ab[1].Body, ab[2].Body})
	for i := 1; i < len(ab); i++ {
		assert.False(t, ab[i].CreatedAt.Before(ab[i-1].CreatedAt))
		assert.Greater(t, ab[i].ID, ab[i-1].ID)
	}
}

func TestBadgerHistoryEmptyIsNotNil(t *testing.T) {
	repo := newTestMessageRepo(t)

	history, err := repo.History(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestBadgerHistoryKeepsHyphenatedPairsApart(t *testing.T) {
	repo := newTestMessageRepo(t)
	ctx := context.Background()

	_, err := repo.Append(ctx, "a-b", "c", "for a-b and c", "")
	require.NoError(t, err)
	_, err = repo.Append(ctx, "a", "b-c", "for a and b-c", "")
	require.NoError(t, err)

	history, err := repo.History(ctx, "a", "b-c")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "for a and b-c", history[0].Body)

	history, err = repo.History(ctx, "c", "a-b")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "for a-b and c", history[0].Body)
}

func TestBadgerConcurrentAppends(t *testing.T) {
	repo := newTestMessageRepo(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.Append(ctx, "u1", "u2", fmt.Sprintf("m%d", i), "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := repo.History(ctx, "u1", "u2")
	require.NoError(t, err)
	require.Len(t, history, n)

	seen := map[string]bool{}
	for i, msg := range history {
		assert.False(t, seen[msg.Body], "duplicate %s", msg.Body)
		seen[msg.Body] = true
		if i > 0 {
			assert.False(t, msg.CreatedAt.Before(history[i-1].CreatedAt))
			assert.Greater(t, msg.ID, history[i-1].ID)
		}
	}
}

func TestBadgerAppendIsIdempotentPerClientID(t *testing.T) {
	repo := newTestMessageRepo(t)
	ctx := context.Background()

	first, err := repo.Append(ctx, "u1", "u2", "hi", "c-1")
	require.NoError(t, err)
	again, err := repo.Append(ctx, "u1", "u2", "hi", "c-1")
	require.NoError(t, err)
	other, err := repo.Append(ctx, "u2", "u1", "hi", "c-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "c-1", again.ClientID)
	assert.NotEqual(t, first.ID, other.ID)

	history, err := repo.History(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestBadgerAppendKeepsTimestampsMonotonic(t *testing.T) {
	repo := newTestMessageRepo(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(-time.Minute)}
	repo.now = func() time.Time {
		next := clock[0]
		clock = clock[1:]
		return next
	}

	first, err := repo.Append(context.Background(), "u1", "u2", "a", "")
	require.NoError(t, err)
	second, err := repo.Append(context.Background(), "u1", "u2", "b", "")
	require.NoError(t, err)

	assert.Equal(t, base, first.CreatedAt)
	assert.Equal(t, base, second.CreatedAt)
	assert.Greater(t, second.ID, first.ID)
}

func TestBadgerPartners(t *testing.T) {
	repo := newTestMessageRepo(t)
	ctx := context.Background()

	_, err := repo.Append(ctx, "u1", "u2", "to u2", "")
	require.NoError(t, err)
	_, err = repo.Append(ctx, "u3", "u1", "from u3", "")
	require.NoError(t, err)
	last, err := repo.Append(ctx, "u2", "u1", "back from u2", "")
	require.NoError(t, err)

	partners, err := repo.Partners(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, partners, 2)
	assert.Equal(t, "u2", partners[0].PartnerID)
	assert.Equal(t, last.ID, partners[0].LastMessage.ID)
	assert.Equal(t, "u3", partners[1].PartnerID)

	none, err := repo.Partners(ctx, "u9")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBadgerUserRepo(t *testing.T) {
	repo := NewBadgerUserRepo(openTestBadger(t))
	ctx := context.Background()

	_, err := repo.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, errs.ErrUserNotFound)

	created, err := repo.UpsertUser(ctx, models.User{ID: "u1", DisplayName: "Ada"})
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	updated, err := repo.UpsertUser(ctx, models.User{ID: "u1", DisplayName: "Ada L."})
	require.NoError(t, err)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)

	got, err := repo.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", got.DisplayName)

	users, err := repo.BulkUsers(ctx, []string{"u1", "ghost"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].ID)

	_, err = repo.UpsertUser(ctx, models.User{})
	assert.ErrorIs(t, err, errs.ErrValidation)
}
