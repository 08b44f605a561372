package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"dm-service/internal/errs"
	"dm-service/internal/models"
)

// UserRepository is the user directory consulted to resolve chat participants.
type UserRepository interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
	BulkUsers(ctx context.Context, ids []string) ([]models.User, error)
	UpsertUser(ctx context.Context, user models.User) (models.User, error)
}

const userColumns = `id, display_name, email, profile_pic, created_at`

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetUser fetches a user by id.
func (r *UserRepo) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, fmt.Errorf("%w: %s", errs.ErrUserNotFound, userID)
	}
	if err != nil {
		return models.User{}, storeErr("get user", err)
	}
	return user, nil
}

// BulkUsers fetches the known users among ids. Unknown ids are skipped.
func (r *UserRepo) BulkUsers(ctx context.Context, ids []string) ([]models.User, error) {
	if len(ids) == 0 {
		return []models.User{}, nil
	}
	query, args, err := sqlx.In(`SELECT `+userColumns+` FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build bulk users query: %w", err)
	}
	users := []models.User{}
	if err := r.db.SelectContext(ctx, &users, r.db.Rebind(query), args...); err != nil {
		return nil, storeErr("bulk users", err)
	}
	return users, nil
}

// UpsertUser creates or refreshes a directory entry.
func (r *UserRepo) UpsertUser(ctx context.Context, user models.User) (models.User, error) {
	if user.ID == "" {
		return models.User{}, fmt.Errorf("%w: user id is required", errs.ErrValidation)
	}
	var stored models.User
	err := r.db.GetContext(ctx, &stored, `INSERT INTO users (id, display_name, email, profile_pic) VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, email = EXCLUDED.email, profile_pic = EXCLUDED.profile_pic
        RETURNING `+userColumns, user.ID, user.DisplayName, user.Email, user.ProfilePic)
	if err != nil {
		return models.User{}, storeErr("upsert user", err)
	}
	return stored, nil
}
