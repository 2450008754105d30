package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data})
}

func statusForError(err error) int {
	switch apperror.KindOf(err) {
	case apperror.ErrInvalid:
		return http.StatusBadRequest
	case apperror.ErrUnauthorized:
		return http.StatusUnauthorized
	case apperror.ErrNotFound:
		return http.StatusNotFound
	case apperror.ErrConflict:
		return http.StatusConflict
	case apperror.ErrTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError renders a service failure. Services already logged it; only unclassified errors are logged here.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	kindName := apperror.KindName(err)
	h.metrics.ObserveFailure(kindName)

	body := errorResponse{Error: kindName}
	var serviceErr *apperror.ServiceError
	if errors.As(err, &serviceErr) {
		body.Code = serviceErr.Code()
		body.Message = serviceErr.Detail()
	} else {
		h.logger.Error("unclassified request failure", zap.String("route", c.FullPath()), zap.Error(err))
		body.Message = "internal error"
	}
	status := statusForError(err)
	if status == http.StatusServiceUnavailable || status == http.StatusConflict {
		c.Header("Retry-After", "1")
	}
	c.AbortWithStatusJSON(status, body)
}

func (h *httpHandler) rejectRequest(c *gin.Context, status int, code, message string) {
	kindName := apperror.ErrInvalid.Error()
	if status == http.StatusUnauthorized {
		kindName = apperror.ErrUnauthorized.Error()
	}
	h.metrics.ObserveFailure(kindName)
	c.AbortWithStatusJSON(status, errorResponse{Error: kindName, Code: code, Message: message})
}

func (h *httpHandler) pathID(c *gin.Context, param string) (int64, bool) {
	value, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || value <= 0 {
		h.rejectRequest(c, http.StatusBadRequest, "request.invalid_"+param, param+" must be a positive integer")
		return 0, false
	}
	return value, true
}

func (h *httpHandler) credentials(c *gin.Context) (auth.Credentials, bool) {
	credentials, err := auth.CredentialsFromRequest(c.Request)
	switch {
	case err == nil:
		return credentials, true
	case errors.Is(err, auth.ErrMalformedUserID):
		h.rejectRequest(c, http.StatusBadRequest, "request.invalid_user_id", err.Error())
	default:
		h.rejectRequest(c, http.StatusUnauthorized, "request.missing_credentials", err.Error())
	}
	return auth.Credentials{}, false
}

func (h *httpHandler) bindJSON(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		h.rejectRequest(c, http.StatusBadRequest, "request.invalid_body", "request body must be valid JSON")
		return false
	}
	return true
}
