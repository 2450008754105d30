package posts

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/database"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/validation"
	"go.uber.org/zap"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingVerifier = errors.New("credential verifier is required")
	errMissingBlobs    = errors.New("blob store is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew        = "posts.service.new"
	opCreatePost        = "posts.create_post"
	opCreateCaption     = "posts.create_caption"
	opToggleLike        = "posts.toggle_like"
	opDeleteCaption     = "posts.delete_caption"
	opDeletePost        = "posts.delete_post"
	opPurgePost         = "posts.purge_post"
	opAddComment        = "posts.add_comment"
	opGetPost           = "posts.get_post"
	opListPosts         = "posts.list_posts"
	opListPostCaptions  = "posts.list_post_captions"
	opGetCaption        = "posts.get_caption"
	opListCaptions      = "posts.list_captions"
	opListComments      = "posts.list_caption_comments"
	opRefreshTopCaption = "posts.refresh_top_caption"
	opRefreshAll        = "posts.refresh_all_top_captions"
	opRecount           = "posts.recount"
	opPrune             = "posts.prune"
)

// CredentialVerifier is the credential gate. Verify returns nil iff secret authenticates userID.
type CredentialVerifier interface {
	Verify(ctx context.Context, userID int64, secret string) error
}

// ServiceConfig describes the dependencies of the post service. Activity is optional.
type ServiceConfig struct {
	Store     *database.Store
	Verifier  CredentialVerifier
	Blobs     *blobstore.Store
	Activity  ActivityPublisher
	Validator *validation.Validator
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service owns posts, captions, comments and the like ledger.
type Service struct {
	store     *database.Store
	verifier  CredentialVerifier
	blobs     *blobstore.Store
	activity  ActivityPublisher
	validator *validation.Validator
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService validates dependencies and constructs the post service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil || cfg.Store.DB() == nil {
		return nil, apperror.New(opServiceNew, "missing_database", nil, "", errMissingDatabase)
	}
	if cfg.Verifier == nil {
		return nil, apperror.New(opServiceNew, "missing_verifier", nil, "", errMissingVerifier)
	}
	if cfg.Blobs == nil {
		return nil, apperror.New(opServiceNew, "missing_blob_store", nil, "", errMissingBlobs)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	validator := cfg.Validator
	if validator == nil {
		validator = validation.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:     cfg.Store,
		verifier:  cfg.Verifier,
		blobs:     cfg.Blobs,
		activity:  cfg.Activity,
		validator: validator,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Purger returns the account-deletion collaborator backed by this service's blob store.
func (s *Service) Purger() *Purger {
	return NewPurger(s.blobs, s.logger)
}

func (s *Service) nowMillis() int64 {
	return s.clock().UTC().UnixMilli()
}

func (s *Service) ready(operation string) error {
	if s == nil || s.store == nil || s.store.DB() == nil {
		return apperror.New(operation, "missing_database", nil, "", errMissingDatabase)
	}
	return nil
}

// gate runs the credential check. It must be called before the unit of work opens.
func (s *Service) gate(ctx context.Context, operation string, userID int64, secret string) error {
	if s.verifier == nil {
		return s.fail(operation, "missing_verifier", nil, "", errMissingVerifier)
	}
	if err := s.verifier.Verify(ctx, userID, secret); err != nil {
		switch kind := apperror.KindOf(err); kind {
		case apperror.ErrTransient, apperror.ErrConflict, nil:
			return s.fail(operation, "verify_failed", kind, retryDetail(kind), err, zap.Int64("user_id", userID))
		default:
			return s.fail(operation, "unauthorized", apperror.ErrUnauthorized, "credentials rejected", err,
				zap.Int64("user_id", userID))
		}
	}
	return nil
}

func (s *Service) validate(operation string, input any) error {
	validator := s.validator
	if validator == nil {
		validator = validation.New()
	}
	if err := validator.Struct(input); err != nil {
		return s.fail(operation, "invalid_input", apperror.ErrInvalid, err.Error(), err)
	}
	return nil
}

// fail logs a failure at its origin and returns it as a ServiceError.
func (s *Service) fail(operation, reason string, kind error, detail string, cause error, fields ...zap.Field) error {
	logFailure(s.logger, operation, reason, kind, cause, fields...)
	return apperror.New(operation, reason, kind, detail, cause)
}

// settle converts an error that escaped a unit of work. ServiceErrors raised inside the callback
// keep their code; store failures are classified.
func (s *Service) settle(operation, reason string, err error, fields ...zap.Field) error {
	var serviceErr *apperror.ServiceError
	if errors.As(err, &serviceErr) {
		logFailure(s.logger, serviceErr.Operation(), serviceErr.Reason(), serviceErr.Kind(), err, fields...)
		return serviceErr
	}
	kind := database.KindOf(err)
	return s.fail(operation, reason, kind, retryDetail(kind), err, fields...)
}

func logFailure(logger *zap.Logger, operation, reason string, kind error, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("kind", apperror.KindName(kind)),
		zap.Error(err),
	}, fields...)
	switch kind {
	case nil:
		logger.Error("post service failure", allFields...)
	case apperror.ErrConflict, apperror.ErrTransient:
		logger.Warn("post service failure", allFields...)
	default:
		logger.Info("post service rejected request", allFields...)
	}
}

func retryDetail(kind error) string {
	switch kind {
	case apperror.ErrTransient:
		return "store is busy, retry the request"
	case apperror.ErrConflict:
		return "concurrent update, retry the request"
	case apperror.ErrNotFound:
		return "not found"
	default:
		return ""
	}
}

func notFound(operation, reason, detail string) error {
	return apperror.New(operation, reason, apperror.ErrNotFound, detail, nil)
}

func int64Ptr(value int64) *int64 {
	return &value
}

func boolPtr(value bool) *bool {
	return &value
}
