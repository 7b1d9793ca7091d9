package oauth

import "errors"

var (
	// ErrProviderNotFound signals a provider id with no registered implementation.
	ErrProviderNotFound = errors.New("oauth: provider not found")
	// ErrUnsupported is returned by providers lacking an optional capability.
	ErrUnsupported = errors.New("oauth: capability not supported")
	// ErrInvalidState indicates the state is missing, expired, consumed or mismatched.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrTokenInvalid indicates malformed or unverifiable provider tokens.
	ErrTokenInvalid = errors.New("oauth: token invalid")
)

// Reconciliation outcomes. The message is the tagged error string the
// callback turns into a redirect error code via ErrorCode.
var (
	ErrAccountNotLinked      = errors.New("account not linked")
	ErrSignUpDisabled        = errors.New("signup disabled")
	ErrUnableToCreateUser    = errors.New("unable to create user")
	ErrUnableToCreateSession = errors.New("unable to create session")
	ErrUnableToLinkAccount   = errors.New("unable to link account")
	ErrEmailDoesntMatch      = errors.New("email doesn't match")
	ErrAccountAlreadyLinked  = errors.New("account already linked to different user")
	ErrEmailNotFound         = errors.New("email not found")
)

// Redirect error codes.
const (
	CodeStateMismatch   = "state_mismatch"
	CodeInvalidCode     = "invalid_code"
	CodeUnableToGetUser = "unable_to_get_user_info"
	CodeInternal        = "internal_server_error"
)

// ErrorCode maps a reconciliation error to its redirect error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAccountNotLinked):
		return "account_not_linked"
	case errors.Is(err, ErrSignUpDisabled):
		return "signup_disabled"
	case errors.Is(err, ErrUnableToCreateUser):
		return "unable_to_create_user"
	case errors.Is(err, ErrUnableToCreateSession):
		return "unable_to_create_session"
	case errors.Is(err, ErrUnableToLinkAccount):
		return "unable_to_link_account"
	case errors.Is(err, ErrEmailDoesntMatch):
		return "email_doesn't_match"
	case errors.Is(err, ErrAccountAlreadyLinked):
		return "account_already_linked_to_different_user"
	case errors.Is(err, ErrEmailNotFound):
		return "email_not_found"
	case errors.Is(err, ErrInvalidState):
		return CodeStateMismatch
	default:
		return CodeInternal
	}
}
