package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/middleware"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

// UserHandler exposes the user directory.
type UserHandler struct {
	users repositories.UserRepository
}

func NewUserHandler(users repositories.UserRepository) *UserHandler {
	return &UserHandler{users: users}
}

// GetUser returns display metadata for :id.
func (h *UserHandler) GetUser(c *gin.Context) {
	user, err := h.users.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// PutMe creates or refreshes the caller's directory entry. Empty fields fall back
// to the token claims.
func (h *UserHandler) PutMe(c *gin.Context) {
	var req struct {
		DisplayName string `json:"displayName"`
		Email       string `json:"email" binding:"omitempty,email"`
		ProfilePic  string `json:"profilePic" binding:"omitempty,url"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	user := models.User{
		ID:          middleware.GetUserID(c),
		DisplayName: req.DisplayName,
		Email:       req.Email,
		ProfilePic:  req.ProfilePic,
	}
	if claims, ok := middleware.GetClaims(c); ok {
		if user.DisplayName == "" {
			user.DisplayName = claims.Name
		}
		if user.Email == "" {
			user.Email = claims.Email
		}
		if user.ProfilePic == "" {
			user.ProfilePic = claims.Picture
		}
	}

	stored, err := h.users.UpsertUser(c.Request.Context(), user)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}
