package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/posts"
	"github.com/gin-gonic/gin"
)

type createCaptionRequest struct {
	PostID int64  `json:"postId"`
	Text   string `json:"text"`
}

type addCommentRequest struct {
	Text string `json:"text"`
}

func (h *httpHandler) handleListCaptions(c *gin.Context) {
	views, err := h.posts.ListCaptions(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, views)
}

func (h *httpHandler) handleGetCaption(c *gin.Context) {
	captionID, ok := h.pathID(c, "captionId")
	if !ok {
		return
	}
	view, err := h.posts.GetCaption(c.Request.Context(), captionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, view)
}

func (h *httpHandler) handleListCaptionComments(c *gin.Context) {
	captionID, ok := h.pathID(c, "captionId")
	if !ok {
		return
	}
	views, err := h.posts.ListCaptionComments(c.Request.Context(), captionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, views)
}

func (h *httpHandler) handleCreateCaption(c *gin.Context) {
	credentials, ok := h.credentials(c)
	if !ok {
		return
	}
	var request createCaptionRequest
	if !h.bindJSON(c, &request) {
		return
	}
	created, err := h.posts.CreateCaption(c.Request.Context(), posts.CreateCaptionInput{
		PostID: request.PostID,
		UserID: credentials.UserID,
		Secret: credentials.Secret,
		Text:   request.Text,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusCreated, created)
}

func (h *httpHandler) handleDeleteCaption(c *gin.Context) {
	captionID, ok := h.pathID(c, "captionId")
	if !ok {
		return
	}
	credentials, ok := h.credentials(c)
	if !ok {
		return
	}
	deleted, err := h.posts.DeleteCaption(c.Request.Context(), captionID, credentials.UserID, credentials.Secret)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, deleted)
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	captionID, ok := h.pathID(c, "captionId")
	if !ok {
		return
	}
	credentials, ok := h.credentials(c)
	if !ok {
		return
	}
	var request addCommentRequest
	if !h.bindJSON(c, &request) {
		return
	}
	created, err := h.posts.AddComment(c.Request.Context(), posts.AddCommentInput{
		CaptionID: captionID,
		UserID:    credentials.UserID,
		Secret:    credentials.Secret,
		Text:      request.Text,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusCreated, created)
}
