package sessionclient

import "errors"

// Sentinel errors exposed by the session client.
var (
	// ErrInvalidCredentials indicates the login exchange rejected the supplied credentials.
	ErrInvalidCredentials = errors.New("session.client.invalid_credentials")
	// ErrNetwork indicates a transient transport failure, timeout, or server-side error.
	ErrNetwork = errors.New("session.client.network")
	// ErrTokenInvalid indicates a locally stored access token failed the format or expiry check.
	ErrTokenInvalid = errors.New("session.client.token_invalid")
	// ErrRefreshRejected indicates the server rejected the refresh token or none is stored.
	ErrRefreshRejected = errors.New("session.client.refresh_rejected")
	// ErrReauthRequired indicates the session cannot be recovered and the user must log in again.
	ErrReauthRequired = errors.New("session.client.reauth_required")
	// ErrNotAuthenticated indicates there is no usable session.
	ErrNotAuthenticated = errors.New("session.client.not_authenticated")
	// ErrSessionSuperseded indicates the session was ended or replaced while an exchange was in flight.
	ErrSessionSuperseded = errors.New("session.client.session_superseded")
	// ErrUnauthorized indicates the server answered an authenticated exchange with 401.
	ErrUnauthorized = errors.New("session.client.unauthorized")

	// ErrMissingBaseURL indicates Config.BaseURL was not provided.
	ErrMissingBaseURL = errors.New("session.client.missing_base_url")
	// ErrInvalidInterval indicates a negative duration in Config.
	ErrInvalidInterval = errors.New("session.client.invalid_interval")
)
