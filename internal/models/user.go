package models

import "time"

// User is the directory projection needed to render chat participants.
type User struct {
	ID          string    `db:"id" json:"id"`
	DisplayName string    `db:"display_name" json:"displayName"`
	Email       string    `db:"email" json:"email"`
	ProfilePic  string    `db:"profile_pic" json:"profilePic"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}
