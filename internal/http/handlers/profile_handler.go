// Profile HTTP handlers.
//
//   - GET   /me   (caller's profile, created on first access)
//   - PATCH /me   (change display name)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// UpdateProfileRequest is the JSON payload for PATCH /me.
type UpdateProfileRequest struct {
	// Name is the new display name (1–80 chars after trimming).
	Name string `json:"name" binding:"required" example:"Ada Lovelace"`
}

// GetProfile godoc
// @ID          getProfile
// @Summary     Get the caller's profile
// @Tags        Profile
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object} domain.User
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /me [get]
func (h *Handlers) GetProfile(c *gin.Context) {
	u, err := h.profile.Get(c.Request.Context(), owner(c))
	if err != nil {
		failService(c, err, ErrCodeProfileFailed)
		return
	}
	ok(c, http.StatusOK, u)
}

// UpdateProfile godoc
// @ID          updateProfile
// @Summary     Update the caller's display name
// @Tags        Profile
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.UpdateProfileRequest  true  "New display name"
// @Success     200  {object} domain.User
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /me [patch]
func (h *Handlers) UpdateProfile(c *gin.Context) {
	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name required")
		return
	}
	u, err := h.profile.UpdateName(c.Request.Context(), owner(c), req.Name)
	if err != nil {
		failService(c, err, ErrCodeProfileFailed)
		return
	}
	ok(c, http.StatusOK, u)
}
