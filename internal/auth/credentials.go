package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// UserIDHeader carries the acting user's id on mutating requests.
const UserIDHeader = "X-User-ID"

const bearerPrefix = "bearer "

var (
	ErrMissingCredentials = errors.New("credentials: user id and secret required")
	ErrMalformedUserID    = errors.New("credentials: user id must be a positive integer")
)

// Credentials is the (user id, secret) pair presented with a request. Secret is either the
// account password or a session token.
type Credentials struct {
	UserID int64
	Secret string
}

// CredentialsFromRequest reads X-User-ID and "Authorization: Bearer <secret>".
func CredentialsFromRequest(r *http.Request) (Credentials, error) {
	if r == nil {
		return Credentials{}, ErrMissingCredentials
	}
	rawUserID := strings.TrimSpace(r.Header.Get(UserIDHeader))
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if rawUserID == "" || len(authorization) <= len(bearerPrefix) ||
		!strings.EqualFold(authorization[:len(bearerPrefix)], bearerPrefix) {
		return Credentials{}, ErrMissingCredentials
	}
	userID, err := strconv.ParseInt(rawUserID, 10, 64)
	if err != nil || userID <= 0 {
		return Credentials{}, ErrMalformedUserID
	}
	secret := strings.TrimSpace(authorization[len(bearerPrefix):])
	if secret == "" {
		return Credentials{}, ErrMissingCredentials
	}
	return Credentials{UserID: userID, Secret: secret}, nil
}
