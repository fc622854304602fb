package kite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"folio/internal/domain"
)

const apiVersion = "3"

// Client talks to the brokerage REST API. It covers the login exchange and
// the handful of read-only portfolio endpoints the dashboard needs.
type Client struct {
	BaseURL    string
	LoginURL   string
	HTTPClient *http.Client
}

func NewClient(baseURL, loginURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		LoginURL:   loginURL,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Session is the result of a successful request-token exchange.
type Session struct {
	AccessToken string
	UserID      string
	LoginTime   time.Time
}

type envelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// BuildLoginURL returns the provider login page for apiKey. state comes back
// untouched on the redirect to the callback.
func (c *Client) BuildLoginURL(apiKey, state string) (string, error) {
	if c.LoginURL == "" || apiKey == "" {
		return "", errors.New("kite login config missing")
	}
	u, err := url.Parse(c.LoginURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("v", apiVersion)
	q.Set("api_key", apiKey)
	if state != "" {
		q.Set("redirect_params", url.Values{"state": {state}}.Encode())
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) Exchange(ctx context.Context, acct domain.Account, requestToken string) (Session, error) {
	sum := sha256.Sum256([]byte(acct.APIKey + requestToken + acct.APISecret))
	values := url.Values{}
	values.Set("api_key", acct.APIKey)
	values.Set("request_token", requestToken)
	values.Set("checksum", hex.EncodeToString(sum[:]))

	var data struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"user_id"`
		LoginTime   string `json:"login_time"`
	}
	if err := c.do(ctx, http.MethodPost, "/session/token", "", values, &data); err != nil {
		return Session{}, err
	}
	if data.AccessToken == "" {
		return Session{}, domain.NewFetchError(domain.ErrorMalformedResponse, errors.New("token response missing access_token"))
	}
	out := Session{AccessToken: data.AccessToken, UserID: data.UserID}
	if t, err := time.Parse(time.DateTime, data.LoginTime); err == nil {
		out.LoginTime = t
	}
	return out, nil
}

// Validate reports whether the provider still accepts accessToken. A
// rejection is (false, nil); transport trouble is returned as an error.
func (c *Client) Validate(ctx context.Context, acct domain.Account, accessToken string) (bool, error) {
	var profile struct {
		UserID string `json:"user_id"`
	}
	err := c.do(ctx, http.MethodGet, "/user/profile", auth(acct, accessToken), nil, &profile)
	if domain.IsAuthExpired(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) Holdings(ctx context.Context, acct domain.Account, accessToken string) ([]domain.Row, error) {
	return c.rows(ctx, "/portfolio/holdings", acct, accessToken)
}

func (c *Client) MFHoldings(ctx context.Context, acct domain.Account, accessToken string) ([]domain.Row, error) {
	return c.rows(ctx, "/mf/holdings", acct, accessToken)
}

func (c *Client) SIPs(ctx context.Context, acct domain.Account, accessToken string) ([]domain.Row, error) {
	return c.rows(ctx, "/mf/sips", acct, accessToken)
}

func (c *Client) rows(ctx context.Context, path string, acct domain.Account, accessToken string) ([]domain.Row, error) {
	var out []domain.Row
	if err := c.do(ctx, http.MethodGet, path, auth(acct, accessToken), nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Row{}
	}
	return out, nil
}

func auth(acct domain.Account, accessToken string) string {
	return "token " + acct.APIKey + ":" + accessToken
}

func (c *Client) do(ctx context.Context, method, path, authorization string, form url.Values, out any) error {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return domain.NewFetchError(domain.ErrorMalformedResponse, err)
	}
	req.Header.Set("X-Kite-Version", apiVersion)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return domain.NewFetchError(domain.ErrorUpstreamUnavailable, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	var env envelope
	dec := json.NewDecoder(io.LimitReader(resp.Body, 8<<20))
	dec.UseNumber()
	decodeErr := dec.Decode(&env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || env.Status == "error" {
		return classify(resp.StatusCode, env, path)
	}
	if decodeErr != nil {
		return domain.NewFetchError(domain.ErrorMalformedResponse, fmt.Errorf("decode %s: %w", path, decodeErr))
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	dataDec := json.NewDecoder(strings.NewReader(string(env.Data)))
	dataDec.UseNumber()
	if err := dataDec.Decode(out); err != nil {
		return domain.NewFetchError(domain.ErrorMalformedResponse, fmt.Errorf("decode %s data: %w", path, err))
	}
	return nil
}

func classify(status int, env envelope, path string) error {
	msg := env.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	err := fmt.Errorf("%s: %s (status %d)", path, msg, status)
	switch {
	case status == http.StatusForbidden || status == http.StatusUnauthorized || env.ErrorType == "TokenException":
		return domain.NewFetchError(domain.ErrorAuthExpired, err)
	case status == http.StatusTooManyRequests:
		return domain.NewFetchError(domain.ErrorRateLimited, err)
	case status >= 500 || env.ErrorType == "NetworkException":
		return domain.NewFetchError(domain.ErrorUpstreamUnavailable, err)
	default:
		return domain.NewFetchError(domain.ErrorMalformedResponse, err)
	}
}
