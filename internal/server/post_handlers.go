package server

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/posts"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	imageFormField   = "image"
	captionFormField = "caption"
	sniffLength      = 512
)

var sniffedExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

func (h *httpHandler) handleListPosts(c *gin.Context) {
	var ownerID int64
	if raw := strings.TrimSpace(c.Query("userId")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			h.rejectRequest(c, http.StatusBadRequest, "request.invalid_userId", "userId must be a positive integer")
			return
		}
		ownerID = parsed
	}
	views, err := h.posts.ListPosts(c.Request.Context(), ownerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, views)
}

func (h *httpHandler) handleGetPost(c *gin.Context) {
	postID, ok := h.pathID(c, "postId")
	if !ok {
		return
	}
	view, err := h.posts.GetPost(c.Request.Context(), postID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, view)
}

func (h *httpHandler) handleListPostCaptions(c *gin.Context) {
	postID, ok := h.pathID(c, "postId")
	if !ok {
		return
	}
	views, err := h.posts.ListPostCaptions(c.Request.Context(), postID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, views)
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	credentials, ok := h.credentials(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverheadBytes)

	file, header, err := c.Request.FormFile(imageFormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.rejectRequest(c, http.StatusRequestEntityTooLarge, "request.upload_too_large", "upload exceeds the size limit")
			return
		}
		h.rejectRequest(c, http.StatusBadRequest, "request.missing_image", "multipart field \"image\" is required")
		return
	}
	defer file.Close()

	image := bufio.NewReaderSize(file, sniffLength)
	ext := imageExtension(header.Filename, image)

	created, err := h.posts.CreatePost(c.Request.Context(), posts.CreatePostInput{
		UserID:      credentials.UserID,
		Secret:      credentials.Secret,
		Image:       image,
		ImageExt:    ext,
		CaptionText: c.Request.FormValue(captionFormField),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusCreated, created)
}

// imageExtension prefers the uploaded file name and falls back to sniffing the content.
func imageExtension(filename string, content *bufio.Reader) string {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		return ext
	}
	head, err := content.Peek(sniffLength)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return ""
	}
	return sniffedExtensions[http.DetectContentType(head)]
}

func (h *httpHandler) handleDeletePost(c *gin.Context) {
	postID, ok := h.pathID(c, "postId")
	if !ok {
		return
	}
	credentials, ok := h.credentials(c)
	if !ok {
		return
	}
	if err := h.posts.DeletePost(c.Request.Context(), postID, credentials.UserID, credentials.Secret); err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"deleted": true, "postId": postID})
}

func (h *httpHandler) handleTogglePostLike(c *gin.Context) {
	h.toggleLike(c, posts.KindPost, "postId")
}

func (h *httpHandler) handleToggleCaptionLike(c *gin.Context) {
	h.toggleLike(c, posts.KindCaption, "captionId")
}

func (h *httpHandler) toggleLike(c *gin.Context, kind posts.LikeKind, param string) {
	targetID, ok := h.pathID(c, param)
	if !ok {
		return
	}
	credentials, ok := h.credentials(c)
	if !ok {
		return
	}
	outcome, err := h.posts.ToggleLike(c.Request.Context(), kind, targetID, credentials.UserID, credentials.Secret)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.metrics.ObserveLikeToggle(string(kind), outcome.Liked)
	respondData(c, http.StatusOK, outcome)
}

func (h *httpHandler) handleImage(c *gin.Context) {
	imageRef := c.Param("imageRef")
	file, size, err := h.blobs.Open(imageRef)
	if err != nil {
		switch {
		case errors.Is(err, blobstore.ErrInvalidRef):
			h.rejectRequest(c, http.StatusBadRequest, "images.invalid_ref", "image reference is malformed")
		case errors.Is(err, blobstore.ErrNotFound):
			h.metrics.ObserveFailure("not_found")
			c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: "not_found", Code: "images.not_found", Message: "image not found"})
		default:
			h.logger.Error("image read failed", zap.String("image_ref", imageRef), zap.Error(err))
			h.metrics.ObserveFailure("internal")
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: "internal", Code: "images.read_failed"})
		}
		return
	}
	defer file.Close()
	c.Header("Cache-Control", "public, max-age=86400, immutable")
	c.DataFromReader(http.StatusOK, size, blobstore.ContentType(imageRef), file, nil)
}
