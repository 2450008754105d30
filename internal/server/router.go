package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/posts"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	serviceName              = "caprank-api"
	defaultMaxUploadBytes    = 10 << 20
	defaultHeartbeatInterval = 25 * time.Second
	// multipartOverheadBytes leaves room for form fields and part headers around the image.
	multipartOverheadBytes = 1 << 20
)

var (
	errMissingUsersService = errors.New("users service dependency required")
	errMissingPostsService = errors.New("posts service dependency required")
	errMissingBlobStore    = errors.New("blob store dependency required")
)

// Dependencies wires the HTTP handler. Activity and Metrics are optional.
type Dependencies struct {
	Users             *users.Service
	Posts             *posts.Service
	Blobs             *blobstore.Store
	Activity          *ActivityDispatcher
	Metrics           *metrics.Collector
	AllowedOrigins    []string
	MaxUploadBytes    int64
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router serving the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Posts == nil {
		return nil, errMissingPostsService
	}
	if deps.Blobs == nil {
		return nil, errMissingBlobStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUploadBytes := deps.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(accessLogMiddleware(logger, deps.Metrics))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		users:          deps.Users,
		posts:          deps.Posts,
		blobs:          deps.Blobs,
		activity:       deps.Activity,
		metrics:        deps.Metrics,
		maxUploadBytes: maxUploadBytes,
		heartbeat:      heartbeat,
		logger:         logger,
	}

	router.GET("/", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	router.POST("/register", handler.handleRegister)
	router.POST("/login", handler.handleLogin)
	router.GET("/users", handler.handleListUsers)
	router.GET("/users/:userId", handler.handleGetUser)
	router.PATCH("/users/:userId", handler.handleUpdateUser)
	router.DELETE("/users/:userId", handler.handleDeleteUser)

	router.GET("/posts", handler.handleListPosts)
	router.POST("/posts", handler.handleCreatePost)
	router.GET("/posts/:postId", handler.handleGetPost)
	router.DELETE("/posts/:postId", handler.handleDeletePost)
	router.GET("/posts/:postId/captions", handler.handleListPostCaptions)
	router.POST("/posts/:postId/like", handler.handleTogglePostLike)
	router.GET("/posts/:postId/events", handler.handleActivityStream)
	router.GET("/images/:imageRef", handler.handleImage)

	router.GET("/captions", handler.handleListCaptions)
	router.POST("/captions", handler.handleCreateCaption)
	router.GET("/captions/:captionId", handler.handleGetCaption)
	router.DELETE("/captions/:captionId", handler.handleDeleteCaption)
	router.POST("/captions/:captionId/like", handler.handleToggleCaptionLike)
	router.GET("/captions/:captionId/comments", handler.handleListCaptionComments)
	router.POST("/captions/:captionId/comments", handler.handleAddComment)

	return router, nil
}

type httpHandler struct {
	users          *users.Service
	posts          *posts.Service
	blobs          *blobstore.Store
	activity       *ActivityDispatcher
	metrics        *metrics.Collector
	maxUploadBytes int64
	heartbeat      time.Duration
	logger         *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:  []string{"Authorization", "Content-Type", auth.UserIDHeader, requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}
