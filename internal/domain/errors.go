package domain

import (
	"errors"
	"net/http"
)

// APIError is a client-facing error from the fixed error-code table.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// NewAPIError builds an APIError.
func NewAPIError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

// Error-code table.
var (
	ErrInvalidEmailOrPassword   = NewAPIError(http.StatusUnauthorized, "INVALID_EMAIL_OR_PASSWORD", "Invalid email or password")
	ErrInvalidPassword          = NewAPIError(http.StatusBadRequest, "INVALID_PASSWORD", "Invalid password")
	ErrInvalidEmail             = NewAPIError(http.StatusBadRequest, "INVALID_EMAIL", "Invalid email")
	ErrPasswordTooShort         = NewAPIError(http.StatusBadRequest, "PASSWORD_TOO_SHORT", "Password too short")
	ErrPasswordTooLong          = NewAPIError(http.StatusBadRequest, "PASSWORD_TOO_LONG", "Password too long")
	ErrUserAlreadyExists        = NewAPIError(http.StatusUnprocessableEntity, "USER_ALREADY_EXISTS", "User already exists")
	ErrUserNotFound             = NewAPIError(http.StatusBadRequest, "USER_NOT_FOUND", "User not found")
	ErrSessionExpired           = NewAPIError(http.StatusUnauthorized, "SESSION_EXPIRED", "Session expired. Re-authenticate to perform this action.")
	ErrSessionNotFresh          = NewAPIError(http.StatusForbidden, "SESSION_NOT_FRESH", "Session is not fresh")
	ErrUnauthorized             = NewAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
	ErrFailedToCreateSession    = NewAPIError(http.StatusInternalServerError, "FAILED_TO_CREATE_SESSION", "Failed to create session")
	ErrFailedToCreateUser       = NewAPIError(http.StatusUnprocessableEntity, "FAILED_TO_CREATE_USER", "Failed to create user")
	ErrFailedToUnlinkLast       = NewAPIError(http.StatusBadRequest, "FAILED_TO_UNLINK_LAST_ACCOUNT", "You can't unlink your last account")
	ErrAccountNotFound          = NewAPIError(http.StatusBadRequest, "ACCOUNT_NOT_FOUND", "Account not found")
	ErrCredentialAccountMissing = NewAPIError(http.StatusBadRequest, "CREDENTIAL_ACCOUNT_NOT_FOUND", "Credential account not found")
	ErrInvalidToken             = NewAPIError(http.StatusBadRequest, "INVALID_TOKEN", "Invalid token")
	ErrProviderNotFound         = NewAPIError(http.StatusNotFound, "PROVIDER_NOT_FOUND", "Provider not found")
	ErrFailedToGetAccessToken   = NewAPIError(http.StatusBadRequest, "FAILED_TO_GET_ACCESS_TOKEN", "Failed to get a valid access token")
	ErrFailedToRefreshToken     = NewAPIError(http.StatusBadRequest, "FAILED_TO_REFRESH_ACCESS_TOKEN", "Failed to refresh access token")
	ErrInvalidOrigin            = NewAPIError(http.StatusForbidden, "INVALID_ORIGIN", "Invalid origin")
	ErrInvalidCallbackURL       = NewAPIError(http.StatusForbidden, "INVALID_CALLBACK_URL", "Invalid callbackURL")
	ErrSocialAccountLinked      = NewAPIError(http.StatusUnprocessableEntity, "SOCIAL_ACCOUNT_ALREADY_LINKED", "Social account already linked")
	ErrEmailNotVerified         = NewAPIError(http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Email not verified")
	ErrSignUpDisabled           = NewAPIError(http.StatusBadRequest, "SIGN_UP_DISABLED", "Sign up is disabled")
	ErrInvalidRequest           = NewAPIError(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
	ErrInternal                 = NewAPIError(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
)

// AsAPIError unwraps err into an APIError when one is present in its chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
