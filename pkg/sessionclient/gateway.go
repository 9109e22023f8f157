package sessionclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RequestIDHeader carries a per-dispatch identifier.
const RequestIDHeader = "X-Request-ID"

// Request describes an authenticated call relative to the API base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the response body.
func (response *Response) DecodeJSON(target any) error {
	if response == nil {
		return errors.New("session.client.response.nil")
	}
	return json.Unmarshal(response.Body, target)
}

func (response *Response) clone() *Response {
	return &Response{
		StatusCode: response.StatusCode,
		Header:     response.Header.Clone(),
		Body:       bytes.Clone(response.Body),
	}
}

// RequestGateway is the only path collaborators use for authenticated calls. Identical calls in
// flight share one exchange; a 401 is retried once with a renewed token.
type RequestGateway struct {
	baseURL          *url.URL
	httpClient       *http.Client
	timeout          time.Duration
	store            *TokenStore
	validToken       func(ctx context.Context) (string, error)
	forceRefresh     func(ctx context.Context, staleToken string) (string, error)
	onReauthRequired func(cause error)
	logger           *zap.Logger
	metrics          MetricsRecorder

	inFlight singleflight.Group
}

// Call performs request with the session's token attached.
func (gateway *RequestGateway) Call(ctx context.Context, request Request) (*Response, error) {
	request.Method = strings.ToUpper(strings.TrimSpace(request.Method))
	if request.Method == "" {
		request.Method = http.MethodGet
	}
	resultChannel := gateway.inFlight.DoChan(request.dedupKey(), func() (interface{}, error) {
		return gateway.execute(context.WithoutCancel(ctx), request)
	})
	select {
	case result := <-resultChannel:
		if result.Shared {
			gateway.metrics.Increment(EventGatewayShared)
		}
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*Response).clone(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("session.client.call: %w", ctx.Err())
	}
}

func (gateway *RequestGateway) execute(ctx context.Context, request Request) (*Response, error) {
	accessToken, tokenErr := gateway.validToken(ctx)
	if tokenErr != nil {
		if errors.Is(tokenErr, ErrNotAuthenticated) {
			return nil, gateway.reauthRequired(request, tokenErr)
		}
		return nil, fmt.Errorf("session.client.call: %w", tokenErr)
	}

	response, dispatchErr := gateway.dispatch(ctx, request, accessToken)
	if dispatchErr != nil {
		return nil, dispatchErr
	}
	if response.StatusCode != http.StatusUnauthorized {
		return response, nil
	}

	gateway.metrics.Increment(EventGatewayRetry)
	gateway.logger.Info("request unauthorized, renewing token",
		zap.String("code", "session.gateway.retry"),
		zap.String("method", request.Method),
		zap.String("path", request.Path))

	renewedToken, refreshErr := gateway.forceRefresh(ctx, accessToken)
	if refreshErr != nil {
		if errors.Is(refreshErr, ErrRefreshRejected) {
			return nil, gateway.reauthRequired(request, refreshErr)
		}
		return nil, fmt.Errorf("session.client.call.retry: %w", refreshErr)
	}

	retried, retryErr := gateway.dispatch(ctx, request, renewedToken)
	if retryErr != nil {
		return nil, retryErr
	}
	if retried.StatusCode == http.StatusUnauthorized {
		return nil, gateway.reauthRequired(request, fmt.Errorf("second unauthorized response: %w", ErrUnauthorized))
	}
	return retried, nil
}

func (gateway *RequestGateway) reauthRequired(request Request, cause error) error {
	gateway.metrics.Increment(EventGatewayReauth)
	gateway.logger.Warn("reauthentication required",
		zap.String("code", "session.gateway.reauth_required"),
		zap.String("method", request.Method),
		zap.String("path", request.Path),
		zap.Error(cause))
	if gateway.onReauthRequired != nil {
		gateway.onReauthRequired(cause)
	}
	return fmt.Errorf("session.client.call: %w: %w", ErrReauthRequired, cause)
}

func (gateway *RequestGateway) dispatch(ctx context.Context, request Request, accessToken string) (*Response, error) {
	exchangeCtx, cancel := context.WithTimeout(ctx, gateway.timeout)
	defer cancel()

	target := gateway.baseURL.JoinPath(request.Path)
	target.RawQuery = request.Query.Encode()

	var body io.Reader
	if len(request.Body) > 0 {
		body = bytes.NewReader(request.Body)
	}
	httpRequest, buildErr := http.NewRequestWithContext(exchangeCtx, request.Method, target.String(), body)
	if buildErr != nil {
		return nil, fmt.Errorf("session.client.dispatch: %w", buildErr)
	}
	for name, values := range request.Header {
		for _, value := range values {
			httpRequest.Header.Add(name, value)
		}
	}
	if len(request.Body) > 0 && httpRequest.Header.Get("Content-Type") == "" {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	if httpRequest.Header.Get(RequestIDHeader) == "" {
		httpRequest.Header.Set(RequestIDHeader, uuid.NewString())
	}
	httpRequest.Header.Set("Authorization", gateway.store.TokenType(ctx)+" "+accessToken)

	gateway.metrics.Increment(EventGatewayDispatch)
	httpResponse, doErr := gateway.httpClient.Do(httpRequest)
	if doErr != nil {
		return nil, transportError(exchangeCtx, doErr)
	}
	defer func() { _ = httpResponse.Body.Close() }()

	payload, readErr := io.ReadAll(httpResponse.Body)
	if readErr != nil {
		return nil, transportError(exchangeCtx, readErr)
	}
	return &Response{
		StatusCode: httpResponse.StatusCode,
		Header:     httpResponse.Header,
		Body:       payload,
	}, nil
}

// transportError marks cause as ErrNetwork and, when the exchange ran out of time, also as
// context.DeadlineExceeded so callers can tell a slow upstream from an unreachable one.
func transportError(exchangeCtx context.Context, cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(exchangeCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("session.client.dispatch: %v: %w: %w", cause, ErrNetwork, context.DeadlineExceeded)
	}
	return fmt.Errorf("session.client.dispatch: %v: %w", cause, ErrNetwork)
}

// dedupKey identifies a logical request: method, path, canonical query, headers, and body digest.
func (request Request) dedupKey() string {
	var builder strings.Builder
	builder.WriteString(request.Method)
	builder.WriteString(" ")
	builder.WriteString(request.Path)
	if len(request.Query) > 0 {
		builder.WriteString("?")
		builder.WriteString(request.Query.Encode())
	}
	if len(request.Header) > 0 {
		canonical := make(http.Header, len(request.Header))
		for name, values := range request.Header {
			key := http.CanonicalHeaderKey(name)
			canonical[key] = append(canonical[key], values...)
		}
		for _, name := range slices.Sorted(maps.Keys(canonical)) {
			builder.WriteString("\n")
			builder.WriteString(name)
			builder.WriteString(": ")
			builder.WriteString(strings.Join(canonical[name], ", "))
		}
	}
	if len(request.Body) > 0 {
		digest := sha256.Sum256(request.Body)
		builder.WriteString("#")
		builder.WriteString(hex.EncodeToString(digest[:]))
	}
	return builder.String()
}
