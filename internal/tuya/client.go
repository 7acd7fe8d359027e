package tuya

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/telemetry"
)

// Provider result codes that signal an invalid or expired access token.
// Distinct from generic request failures and from rate limiting.
const (
	codeTokenInvalid = 1010
	codeTokenExpired = 1011
)

// Credential is the API client id plus HMAC signing secret. Injected, never
// read from process-global state, and never written to logs.
type Credential struct {
	ClientID string
	Secret   string
}

// BackoffConfig controls exponential backoff behaviour for transient errors.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Client talks to the telemetry provider's open API. Every request carries an
// HMAC-SHA256 signature over (client id, access token, timestamp, canonical
// request); the access token is refreshed lazily when the provider signals
// expiry. Token state is mutex-guarded so a refresh is single-flight:
// concurrent callers wait for the one in progress instead of churning tokens.
type Client struct {
	baseURL string
	cred    Credential
	http    *http.Client
	backoff BackoffConfig
	circuit *gobreaker.CircuitBreaker

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a client against baseURL (e.g. https://openapi.tuyacn.com).
// The http.Client's timeout bounds every individual request.
func NewClient(httpClient *http.Client, baseURL string, cred Credential, backoff BackoffConfig) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tuya",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})

	// A non-positive interval would spin the retry loop with zero delay.
	if backoff.InitialInterval <= 0 {
		backoff.InitialInterval = 500 * time.Millisecond
	}
	if backoff.MaxRetries < 0 {
		backoff.MaxRetries = 0
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		cred:    cred,
		http:    httpClient,
		backoff: backoff,
		circuit: cb,
	}
}

// envelope is the provider's uniform response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Result  json.RawMessage `json:"result"`
}

// Get performs a signed GET against path with the given query parameters and
// returns the decoded result payload.
//
// Transient failures (timeouts, 5xx, 429) are retried with exponential
// backoff behind a circuit breaker. An auth failure triggers exactly one
// token refresh followed by one more attempt; a second auth failure is
// returned as-is, never backoff-retried.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	result, err := c.do(ctx, http.MethodGet, path, query)
	if telemetry.IsAuth(err) {
		log.Debug("access token rejected, refreshing once")
		c.invalidateToken()
		result, err = c.do(ctx, http.MethodGet, path, query)
	}
	return result, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values) (json.RawMessage, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	buildRequest := func() (*http.Request, error) {
		return c.signedRequest(ctx, method, path, query, token)
	}

	return c.withResilience(ctx, buildRequest)
}

// withResilience executes the request with retries, exponential backoff and
// the circuit breaker. Only transient errors are retried; auth and
// validation-class failures propagate immediately.
func (c *Client) withResilience(ctx context.Context, buildRequest func() (*http.Request, error)) (json.RawMessage, error) {
	var attempt int
	var lastErr error

	for {
		if ctx.Err() != nil {
			return nil, &telemetry.TransientError{Err: ctx.Err()}
		}

		// Rebuilt every attempt: the signature embeds the timestamp.
		req, err := buildRequest()
		if err != nil {
			return nil, err
		}

		result, err := c.circuit.Execute(func() (interface{}, error) {
			return c.roundTrip(req)
		})
		if err == nil {
			payload, ok := result.(json.RawMessage)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return payload, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &telemetry.TransientError{Err: err}
		}
		if !telemetry.IsTransient(err) {
			return nil, err
		}

		lastErr = err
		if attempt >= c.backoff.MaxRetries {
			return nil, lastErr
		}

		delay := c.backoff.InitialInterval << attempt
		if c.backoff.MaxInterval > 0 && delay > c.backoff.MaxInterval {
			delay = c.backoff.MaxInterval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &telemetry.TransientError{Err: ctx.Err()}
		case <-timer.C:
		}

		attempt++
	}
}

// roundTrip executes one HTTP exchange and classifies the outcome into the
// error taxonomy.
func (c *Client) roundTrip(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &telemetry.TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &telemetry.AuthError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &telemetry.TransientError{Err: fmt.Errorf("rate limited")}
	case resp.StatusCode >= 500:
		return nil, &telemetry.TransientError{Err: fmt.Errorf("server error %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &telemetry.TransientError{Err: err}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		if env.Code == codeTokenInvalid || env.Code == codeTokenExpired {
			return nil, &telemetry.AuthError{Err: fmt.Errorf("code %d: %s", env.Code, env.Msg)}
		}
		return nil, fmt.Errorf("provider error %d: %s", env.Code, env.Msg)
	}

	return env.Result, nil
}

// signedRequest builds a request carrying the provider's v2 signature headers.
func (c *Client) signedRequest(ctx context.Context, method, path string, query url.Values, token string) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}

	t := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sign := Sign(c.cred, token, t, method, req.URL.RequestURI(), nil)

	req.Header.Set("client_id", c.cred.ClientID)
	req.Header.Set("sign", sign)
	req.Header.Set("sign_method", "HMAC-SHA256")
	req.Header.Set("t", t)
	if token != "" {
		req.Header.Set("access_token", token)
	}
	return req, nil
}

// Sign computes the provider signature: uppercase hex HMAC-SHA256 over
// clientID + accessToken + timestamp + canonical request, where the canonical
// request is method, SHA-256 hash of the body, a blank headers line and the
// request path with query, joined by newlines.
func Sign(cred Credential, token, timestamp, method, requestURI string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	stringToSign := method + "\n" + hex.EncodeToString(bodyHash[:]) + "\n" + "\n" + requestURI

	mac := hmac.New(sha256.New, []byte(cred.Secret))
	mac.Write([]byte(cred.ClientID + token + timestamp + stringToSign))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// accessToken returns a valid token, fetching one if the cached token is
// missing or expired. Callers racing on an expired token serialize here.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	token, expiresIn, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	c.token = token
	// Refresh a minute early so in-flight requests don't race expiry.
	c.tokenExpiry = time.Now().Add(time.Duration(expiresIn)*time.Second - time.Minute)
	log.Info("access token refreshed")
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// fetchToken requests a fresh access token. The token endpoint is signed
// without an access token.
func (c *Client) fetchToken(ctx context.Context) (string, int64, error) {
	query := url.Values{}
	query.Set("grant_type", "1")

	buildRequest := func() (*http.Request, error) {
		return c.signedRequest(ctx, http.MethodGet, "/v1.0/token", query, "")
	}

	result, err := c.withResilience(ctx, buildRequest)
	if err != nil {
		if telemetry.IsAuth(err) {
			return "", 0, err
		}
		if !telemetry.IsTransient(err) {
			// A rejected token request means the credential itself is bad.
			return "", 0, &telemetry.AuthError{Err: err}
		}
		return "", 0, err
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpireTime  int64  `json:"expire_time"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", 0, &telemetry.AuthError{Err: fmt.Errorf("empty access token in response")}
	}
	if payload.ExpireTime <= 0 {
		payload.ExpireTime = 3600
	}
	return payload.AccessToken, payload.ExpireTime, nil
}
