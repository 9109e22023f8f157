package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	loginPath    = "/auth/login"
	refreshPath  = "/auth/refresh"
	validatePath = "/auth/validate"
	rolesPath    = "/auth/roles"
	logoutPath   = "/auth/logout"

	errorCodeInvalidGrant = "invalid_grant"
	errorCodeInvalidToken = "invalid_token"
)

type tokenResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenType    string     `json:"token_type"`
	ExpiresIn    int64      `json:"expires_in"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	User         *User      `json:"user,omitempty"`
}

type rolesResponse struct {
	Roles       []string        `json:"roles"`
	Permissions map[string]bool `json:"permissions"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// HTTPAuthAPI speaks the JSON auth exchanges served under /auth.
type HTTPAuthAPI struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewHTTPAuthAPI builds a client rooted at baseURL.
func NewHTTPAuthAPI(baseURL string, httpClient *http.Client) (*HTTPAuthAPI, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, ErrMissingBaseURL
	}
	parsed, parseErr := url.Parse(trimmed)
	if parseErr != nil {
		return nil, fmt.Errorf("session.client.auth_api: %w", parseErr)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("session.client.auth_api: base url %q must be absolute", trimmed)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPAuthAPI{baseURL: parsed, httpClient: httpClient}, nil
}

// Login posts credentials. 400, 401 and 403 are ErrInvalidCredentials.
func (api *HTTPAuthAPI) Login(ctx context.Context, credentials Credentials) (LoginResult, error) {
	status, body, err := api.exchange(ctx, http.MethodPost, loginPath, credentials, "")
	if err != nil {
		return LoginResult{}, err
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusBadRequest, status == http.StatusUnauthorized, status == http.StatusForbidden:
		return LoginResult{}, fmt.Errorf("session.client.auth_api.login: %s: %w", describeFailure(status, body), ErrInvalidCredentials)
	default:
		return LoginResult{}, transientFailure("login", status, body)
	}
	decoded, decodeErr := decodeTokenResponse(body)
	if decodeErr != nil {
		return LoginResult{}, fmt.Errorf("session.client.auth_api.login: %w", decodeErr)
	}
	result := LoginResult{TokenGrant: decoded.grant()}
	if decoded.User != nil {
		result.User = *decoded.User
	}
	return result, nil
}

// Refresh exchanges a refresh token. A 401, 403, or an invalid_grant/invalid_token error body is
// ErrRefreshRejected; everything else that fails is ErrNetwork.
func (api *HTTPAuthAPI) Refresh(ctx context.Context, refreshToken string) (TokenGrant, error) {
	status, body, err := api.exchange(ctx, http.MethodPost, refreshPath, refreshRequest{RefreshToken: refreshToken}, "")
	if err != nil {
		return TokenGrant{}, err
	}
	if status != http.StatusOK {
		if isRejection(status, body) {
			return TokenGrant{}, fmt.Errorf("session.client.auth_api.refresh: %s: %w", describeFailure(status, body), ErrRefreshRejected)
		}
		return TokenGrant{}, transientFailure("refresh", status, body)
	}
	decoded, decodeErr := decodeTokenResponse(body)
	if decodeErr != nil {
		return TokenGrant{}, fmt.Errorf("session.client.auth_api.refresh: %v: %w", decodeErr, ErrNetwork)
	}
	return decoded.grant(), nil
}

// Validate asks the server whether accessToken is still honored.
func (api *HTTPAuthAPI) Validate(ctx context.Context, accessToken string) error {
	status, body, err := api.exchange(ctx, http.MethodGet, validatePath, nil, accessToken)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("session.client.auth_api.validate: %s: %w", describeFailure(status, body), ErrUnauthorized)
	default:
		return transientFailure("validate", status, body)
	}
}

// Roles fetches the role list and permission map for accessToken.
func (api *HTTPAuthAPI) Roles(ctx context.Context, accessToken string) (RoleGrant, error) {
	status, body, err := api.exchange(ctx, http.MethodGet, rolesPath, nil, accessToken)
	if err != nil {
		return RoleGrant{}, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return RoleGrant{}, fmt.Errorf("session.client.auth_api.roles: %s: %w", describeFailure(status, body), ErrUnauthorized)
	default:
		return RoleGrant{}, transientFailure("roles", status, body)
	}
	var decoded rolesResponse
	if decodeErr := json.Unmarshal(body, &decoded); decodeErr != nil {
		return RoleGrant{}, fmt.Errorf("session.client.auth_api.roles: %w", decodeErr)
	}
	return RoleGrant{Roles: decoded.Roles, Permissions: decoded.Permissions}, nil
}

// Logout revokes refreshToken on the server.
func (api *HTTPAuthAPI) Logout(ctx context.Context, refreshToken string) error {
	status, body, err := api.exchange(ctx, http.MethodPost, logoutPath, refreshRequest{RefreshToken: refreshToken}, "")
	if err != nil {
		return err
	}
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		return nil
	}
	return fmt.Errorf("session.client.auth_api.logout: %s", describeFailure(status, body))
}

func (api *HTTPAuthAPI) exchange(ctx context.Context, method string, path string, payload any, bearer string) (int, []byte, error) {
	var requestBody io.Reader
	if payload != nil {
		encoded, encodeErr := json.Marshal(payload)
		if encodeErr != nil {
			return 0, nil, fmt.Errorf("session.client.auth_api: %w", encodeErr)
		}
		requestBody = bytes.NewReader(encoded)
	}
	request, buildErr := http.NewRequestWithContext(ctx, method, api.baseURL.JoinPath(path).String(), requestBody)
	if buildErr != nil {
		return 0, nil, fmt.Errorf("session.client.auth_api: %w", buildErr)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}

	response, doErr := api.httpClient.Do(request)
	if doErr != nil {
		return 0, nil, fmt.Errorf("session.client.auth_api %s %s: %v: %w", method, path, doErr, ErrNetwork)
	}
	defer func() { _ = response.Body.Close() }()

	body, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return 0, nil, fmt.Errorf("session.client.auth_api %s %s: %v: %w", method, path, readErr, ErrNetwork)
	}
	return response.StatusCode, body, nil
}

func decodeTokenResponse(body []byte) (tokenResponse, error) {
	var decoded tokenResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return tokenResponse{}, err
	}
	if strings.TrimSpace(decoded.AccessToken) == "" {
		return tokenResponse{}, errors.New("response carries no access_token")
	}
	return decoded, nil
}

func (response tokenResponse) grant() TokenGrant {
	grant := TokenGrant{
		AccessToken:  response.AccessToken,
		RefreshToken: response.RefreshToken,
		TokenType:    response.TokenType,
		ExpiresIn:    time.Duration(response.ExpiresIn) * time.Second,
	}
	if response.ExpiresAt != nil {
		grant.ExpiresAt = *response.ExpiresAt
	}
	return grant
}

func isRejection(status int, body []byte) bool {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return true
	}
	var decoded errorResponse
	if json.Unmarshal(body, &decoded) != nil {
		return false
	}
	return decoded.Error == errorCodeInvalidGrant || decoded.Error == errorCodeInvalidToken
}

func transientFailure(operation string, status int, body []byte) error {
	return fmt.Errorf("session.client.auth_api.%s: %s: %w", operation, describeFailure(status, body), ErrNetwork)
}

func describeFailure(status int, body []byte) string {
	var decoded errorResponse
	if json.Unmarshal(body, &decoded) == nil && decoded.Error != "" {
		if decoded.ErrorDescription != "" {
			return fmt.Sprintf("status %d: %s: %s", status, decoded.Error, decoded.ErrorDescription)
		}
		return fmt.Sprintf("status %d: %s", status, decoded.Error)
	}
	return fmt.Sprintf("status %d", status)
}
