package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/users"
	"github.com/gin-gonic/gin"
)

type updateUserRequest struct {
	Username       *string `json:"username"`
	Name           *string `json:"name"`
	NewPassword    *string `json:"newPassword"`
	ProfilePicture *string `json:"profilePicture"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var input users.RegisterInput
	if !h.bindJSON(c, &input) {
		return
	}
	profile, err := h.users.Register(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusCreated, profile)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var input users.LoginInput
	if !h.bindJSON(c, &input) {
		return
	}
	session, err := h.users.Login(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, session)
}

func (h *httpHandler) handleListUsers(c *gin.Context) {
	profiles, err := h.users.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, profiles)
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	userID, ok := h.pathID(c, "userId")
	if !ok {
		return
	}
	profile, err := h.users.Get(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, profile)
}

func (h *httpHandler) handleUpdateUser(c *gin.Context) {
	credentials, ok := h.accountOwner(c)
	if !ok {
		return
	}
	var request updateUserRequest
	if !h.bindJSON(c, &request) {
		return
	}
	profile, err := h.users.Update(c.Request.Context(), users.UpdateInput{
		UserID:         credentials.UserID,
		Secret:         credentials.Secret,
		Username:       request.Username,
		Name:           request.Name,
		NewSecret:      request.NewPassword,
		ProfilePicture: request.ProfilePicture,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, profile)
}

func (h *httpHandler) handleDeleteUser(c *gin.Context) {
	credentials, ok := h.accountOwner(c)
	if !ok {
		return
	}
	if err := h.users.Delete(c.Request.Context(), credentials.UserID, credentials.Secret); err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"deleted": true, "userId": credentials.UserID})
}

// accountOwner checks that the path user is the credentialed user.
func (h *httpHandler) accountOwner(c *gin.Context) (auth.Credentials, bool) {
	userID, ok := h.pathID(c, "userId")
	if !ok {
		return auth.Credentials{}, false
	}
	credentials, ok := h.credentials(c)
	if !ok {
		return auth.Credentials{}, false
	}
	if credentials.UserID != userID {
		h.rejectRequest(c, http.StatusUnauthorized, "request.not_account_owner", "credentials do not match the account")
		return auth.Credentials{}, false
	}
	return credentials, true
}
