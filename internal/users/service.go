package users

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/database"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/validation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingHasher   = errors.New("password hasher is required")
	errMissingPurger   = errors.New("content purger is required")
	errBadCredentials  = errors.New("credentials rejected")
)

const (
	opServiceNew = "users.service.new"
	opRegister   = "users.register"
	opLogin      = "users.login"
	opVerify     = "users.verify"
	opGet        = "users.get"
	opList       = "users.list"
	opUpdate     = "users.update"
	opDelete     = "users.delete"
)

// ContentPurger removes everything an account authored. PurgeAuthorContent runs inside the
// account deletion unit of work and returns the image refs to release after commit.
type ContentPurger interface {
	PurgeAuthorContent(tx *gorm.DB, userID int64) ([]string, error)
	ReleaseImages(ctx context.Context, imageRefs []string)
}

// ServiceConfig describes the dependencies of the account service.
type ServiceConfig struct {
	Store     *database.Store
	Hasher    *auth.PasswordHasher
	Tokens    *auth.TokenIssuer
	Purger    ContentPurger
	Validator *validation.Validator
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service manages accounts and implements the credential gate.
type Service struct {
	store     *database.Store
	hasher    *auth.PasswordHasher
	tokens    *auth.TokenIssuer
	purger    ContentPurger
	validator *validation.Validator
	now       func() time.Time
	logger    *zap.Logger
}

// NewService validates dependencies and constructs the account service. Tokens is optional;
// without it Login returns no session token and Verify accepts passwords only.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil || cfg.Store.DB() == nil {
		return nil, apperror.New(opServiceNew, "missing_database", nil, "", errMissingDatabase)
	}
	if cfg.Hasher == nil {
		return nil, apperror.New(opServiceNew, "missing_hasher", nil, "", errMissingHasher)
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
		logger = zap.NewNop()
	}
	return &Service{
		store:     cfg.Store,
		hasher:    cfg.Hasher,
		tokens:    cfg.Tokens,
		purger:    cfg.Purger,
		validator: validator,
		now:       clock,
		logger:    logger,
	}, nil
}

// Register creates an account. A taken username is a Conflict.
func (s *Service) Register(ctx context.Context, input RegisterInput) (Profile, error) {
	if err := s.ready(opRegister); err != nil {
		return Profile{}, err
	}
	input.Username = strings.TrimSpace(input.Username)
	input.Name = strings.TrimSpace(input.Name)
	input.ProfilePicture = strings.TrimSpace(input.ProfilePicture)
	if err := s.validator.Struct(input); err != nil {
		return Profile{}, s.fail(opRegister, "invalid_input", apperror.ErrInvalid, err.Error(), err)
	}

	hash, err := s.hasher.Hash(input.Secret)
	if err != nil {
		return Profile{}, s.fail(opRegister, "hash_failed", apperror.ErrInvalid, err.Error(), err)
	}

	user := User{
		Username:        input.Username,
		Name:            input.Name,
		SecretHash:      hash,
		ProfilePicture:  input.ProfilePicture,
		CreatedAtMillis: s.now().UTC().UnixMilli(),
	}
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(&user).Error
	})
	if err != nil {
		kind := database.KindOf(err)
		if kind == apperror.ErrConflict {
			return Profile{}, s.fail(opRegister, "username_taken", kind, "username already exists", err,
				zap.String("username", input.Username))
		}
		return Profile{}, s.fail(opRegister, "insert_failed", kind, "", err, zap.String("username", input.Username))
	}

	s.logger.Info("user registered", zap.Int64("user_id", user.ID), zap.String("username", user.Username))
	return user.Profile(), nil
}

// Login checks a username and password and issues a session token when an issuer is configured.
func (s *Service) Login(ctx context.Context, input LoginInput) (Session, error) {
	if err := s.ready(opLogin); err != nil {
		return Session{}, err
	}
	input.Username = strings.TrimSpace(input.Username)
	if err := s.validator.Struct(input); err != nil {
		return Session{}, s.fail(opLogin, "invalid_input", apperror.ErrInvalid, err.Error(), err)
	}

	var user User
	err := s.store.Query(ctx, func(db *gorm.DB) error {
		return db.Where("username = ?", input.Username).Take(&user).Error
	})
	if err != nil {
		kind := database.KindOf(err)
		if kind == apperror.ErrNotFound {
			return Session{}, s.fail(opLogin, "invalid_credentials", apperror.ErrUnauthorized,
				"username or password is incorrect", errBadCredentials)
		}
		return Session{}, s.fail(opLogin, "user_select_failed", kind, "", err)
	}
	if err := s.hasher.Compare(user.SecretHash, input.Secret); err != nil {
		return Session{}, s.fail(opLogin, "invalid_credentials", apperror.ErrUnauthorized,
			"username or password is incorrect", errBadCredentials, zap.Int64("user_id", user.ID))
	}

	session := Session{User: user.Profile()}
	if s.tokens != nil {
		token, expiresIn, err := s.tokens.IssueSessionToken(user.ID, user.Username, auth.SecretVersion(user.SecretHash))
		if err != nil {
			return Session{}, s.fail(opLogin, "token_issue_failed", nil, "", err, zap.Int64("user_id", user.ID))
		}
		session.Token = token
		session.ExpiresIn = expiresIn
	}
	return session, nil
}

// Verify is the credential gate: nil iff secret authenticates userID. secret may be the
// account password or a session token issued to the same user since its last secret change.
func (s *Service) Verify(ctx context.Context, userID int64, secret string) error {
	if err := s.ready(opVerify); err != nil {
		return err
	}
	if userID <= 0 || secret == "" {
		return apperror.New(opVerify, "missing_credentials", apperror.ErrUnauthorized,
			"user id and secret are required", errBadCredentials)
	}

	var user User
	err := s.store.Query(ctx, func(db *gorm.DB) error {
		return db.Select("id", "secret_hash").Take(&user, userID).Error
	})
	if err != nil {
		kind := database.KindOf(err)
		if kind == apperror.ErrNotFound {
			return apperror.New(opVerify, "unknown_user", apperror.ErrUnauthorized, "credentials rejected", errBadCredentials)
		}
		return s.fail(opVerify, "user_select_failed", kind, "", err, zap.Int64("user_id", userID))
	}

	if s.tokens != nil && auth.LooksLikeToken(secret) {
		claims, tokenErr := s.tokens.ValidateToken(secret)
		if tokenErr == nil && claims.UserID == userID && claims.SecretVersion == auth.SecretVersion(user.SecretHash) {
			return nil
		}
	}
	if err := s.hasher.Compare(user.SecretHash, secret); err != nil {
		if errors.Is(err, auth.ErrSecretMismatch) {
			return apperror.New(opVerify, "secret_mismatch", apperror.ErrUnauthorized, "credentials rejected", errBadCredentials)
		}
		return apperror.New(opVerify, "secret_mismatch", apperror.ErrUnauthorized, "credentials rejected", err)
	}
	return nil
}

// Get returns one profile.
func (s *Service) Get(ctx context.Context, userID int64) (Profile, error) {
	if err := s.ready(opGet); err != nil {
		return Profile{}, err
	}
	var user User
	err := s.store.Query(ctx, func(db *gorm.DB) error {
		return db.Take(&user, userID).Error
	})
	if err != nil {
		kind := database.KindOf(err)
		if kind == apperror.ErrNotFound {
			return Profile{}, apperror.New(opGet, "not_found", kind, "no such user", err)
		}
		return Profile{}, s.fail(opGet, "user_select_failed", kind, "", err, zap.Int64("user_id", userID))
	}
	return user.Profile(), nil
}

// List returns every profile ordered by id.
func (s *Service) List(ctx context.Context) ([]Profile, error) {
	if err := s.ready(opList); err != nil {
		return nil, err
	}
	var rows []User
	err := s.store.Query(ctx, func(db *gorm.DB) error {
		return db.Order("id ASC").Find(&rows).Error
	})
	if err != nil {
		return nil, s.fail(opList, "user_select_failed", database.KindOf(err), "", err)
	}
	profiles := make([]Profile, 0, len(rows))
	for _, row := range rows {
		profiles = append(profiles, row.Profile())
	}
	return profiles, nil
}

// Update applies the non-nil fields of input after checking the current secret.
func (s *Service) Update(ctx context.Context, input UpdateInput) (Profile, error) {
	if err := s.ready(opUpdate); err != nil {
		return Profile{}, err
	}
	trimPointer(input.Username)
	trimPointer(input.Name)
	trimPointer(input.ProfilePicture)
	if err := s.validator.Struct(input); err != nil {
		return Profile{}, s.fail(opUpdate, "invalid_input", apperror.ErrInvalid, err.Error(), err)
	}
	if err := s.Verify(ctx, input.UserID, input.Secret); err != nil {
		return Profile{}, err
	}

	updates := map[string]any{}
	if input.Username != nil {
		updates["username"] = *input.Username
	}
	if input.Name != nil {
		updates["name"] = *input.Name
	}
	if input.ProfilePicture != nil {
		updates["profile_picture"] = *input.ProfilePicture
	}
	if input.NewSecret != nil {
		hash, err := s.hasher.Hash(*input.NewSecret)
		if err != nil {
			return Profile{}, s.fail(opUpdate, "hash_failed", apperror.ErrInvalid, err.Error(), err)
		}
		updates["secret_hash"] = hash
	}

	var user User
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		if len(updates) > 0 {
			result := tx.Model(&User{}).Where("id = ?", input.UserID).Updates(updates)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return gorm.ErrRecordNotFound
			}
		}
		return tx.Take(&user, input.UserID).Error
	})
	if err != nil {
		kind := database.KindOf(err)
		if kind == apperror.ErrConflict {
			return Profile{}, s.fail(opUpdate, "username_taken", kind, "username already exists", err,
				zap.Int64("user_id", input.UserID))
		}
		return Profile{}, s.fail(opUpdate, "update_failed", kind, "", err, zap.Int64("user_id", input.UserID))
	}
	return user.Profile(), nil
}

// Delete removes the account and everything it authored in one unit of work, then releases
// the images of the removed posts.
func (s *Service) Delete(ctx context.Context, userID int64, secret string) error {
	if err := s.ready(opDelete); err != nil {
		return err
	}
	if s.purger == nil {
		return s.fail(opDelete, "missing_purger", nil, "", errMissingPurger)
	}
	if err := s.Verify(ctx, userID, secret); err != nil {
		return err
	}

	var imageRefs []string
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		refs, err := s.purger.PurgeAuthorContent(tx, userID)
		if err != nil {
			return err
		}
		result := tx.Where("id = ?", userID).Delete(&User{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		imageRefs = refs
		return nil
	})
	if err != nil {
		return s.fail(opDelete, "delete_failed", database.KindOf(err), "", err, zap.Int64("user_id", userID))
	}

	s.purger.ReleaseImages(ctx, imageRefs)
	s.logger.Info("user deleted", zap.Int64("user_id", userID), zap.Int("images_released", len(imageRefs)))
	return nil
}

func (s *Service) ready(operation string) error {
	if s == nil || s.store == nil || s.store.DB() == nil {
		return apperror.New(operation, "missing_database", nil, "", errMissingDatabase)
	}
	if s.hasher == nil {
		return apperror.New(operation, "missing_hasher", nil, "", errMissingHasher)
	}
	return nil
}

func (s *Service) fail(operation, reason string, kind error, detail string, cause error, fields ...zap.Field) error {
	s.logError(operation, reason, kind, cause, fields...)
	return apperror.New(operation, reason, kind, detail, cause)
}

func (s *Service) logError(operation, reason string, kind error, err error, fields ...zap.Field) {
	if s == nil || s.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	switch kind {
	case nil:
		s.logger.Error("user service failure", allFields...)
	case apperror.ErrConflict, apperror.ErrTransient:
		s.logger.Warn("user service failure", allFields...)
	default:
		s.logger.Info("user service rejected request", allFields...)
	}
}

func trimPointer(value *string) {
	if value != nil {
		*value = strings.TrimSpace(*value)
	}
}
