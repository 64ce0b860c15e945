// Package redpocket provides a client for the RedPocket Mobile account API
package redpocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
)

const (
	DefaultBaseURL = "https://www.redpocket.com"
	DefaultTimeout = 30 * time.Second

	loginPath   = "/login"
	linesPath   = "/account/get-other-lines"
	detailsPath = "/account/get-details"

	returnCodeOK             = 1
	returnCodeSessionExpired = 11
)

var (
	// ErrAuth is returned when the account credentials are rejected
	ErrAuth = errors.New("redpocket: invalid credentials")

	errSessionExpired = errors.New("session expired")
)

// Error is a generic client failure (transport, HTTP status, unexpected payload)
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "redpocket: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config holds client configuration
type Config struct {
	Username   string
	Password   string
	BaseURL    string        // Optional; DefaultBaseURL if empty
	Timeout    time.Duration // Optional; DefaultTimeout if zero
	HTTPClient *http.Client  // Optional; a cookie jar is attached if it has none
}

// Client is an authenticated RedPocket session
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string

	loginMu sync.Mutex
}

// envelope is the common response wrapper of the account API
type envelope struct {
	ReturnCode flexInt         `json:"return_code"`
	ReturnText string          `json:"return_text"`
	ReturnData json.RawMessage `json:"return_data"`
}

// New creates a client and logs in
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrAuth)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, &Error{Op: "init", Err: err}
	}

	var hc http.Client
	if cfg.HTTPClient != nil {
		hc = *cfg.HTTPClient
	}
	if hc.Jar == nil {
		hc.Jar = jar
	}
	if hc.Timeout == 0 {
		hc.Timeout = cfg.Timeout
		if hc.Timeout == 0 {
			hc.Timeout = DefaultTimeout
		}
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	c := &Client{
		httpClient: &hc,
		baseURL:    baseURL,
		username:   cfg.Username,
		password:   cfg.Password,
	}

	if err := c.login(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Username returns the account user name the session was opened with
func (c *Client) Username() string {
	return c.username
}

// GetLines returns all confirmed lines on the account
func (c *Client) GetLines(ctx context.Context) ([]Line, error) {
	var data struct {
		ConfirmedLines []apiLine `json:"confirmedLines"`
	}
	if err := c.get(ctx, linesPath, &data); err != nil {
		return nil, err
	}

	lines := make([]Line, 0, len(data.ConfirmedLines))
	for _, l := range data.ConfirmedLines {
		line, err := l.toLine()
		if err != nil {
			return nil, &Error{Op: "get lines", Err: err}
		}
		line.client = c
		lines = append(lines, line)
	}
	return lines, nil
}

// GetLineDetails returns the details snapshot of the line identified by hash
func (c *Client) GetLineDetails(ctx context.Context, hash string) (*LineDetails, error) {
	if hash == "" {
		return nil, &Error{Op: "get details", Err: errors.New("line hash is empty")}
	}

	q := url.Values{}
	q.Set("id", hash)
	q.Set("type", "api")

	var raw apiLineDetails
	if err := c.get(ctx, detailsPath+"?"+q.Encode(), &raw); err != nil {
		return nil, err
	}

	details, err := raw.toDetails()
	if err != nil {
		return nil, &Error{Op: "get details", Err: err}
	}
	details.Hash = hash
	return details, nil
}

// login opens a new session: fetch CSRF token, then post the credentials
func (c *Client) login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	resp, err := c.request(ctx, http.MethodGet, loginPath, nil, "")
	if err != nil {
		return &Error{Op: "login", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &Error{Op: "login", Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	csrf, err := extractCSRF(resp.Body)
	if err != nil {
		return &Error{Op: "login", Err: err}
	}

	form := url.Values{}
	form.Set("mdn", c.username)
	form.Set("password", c.password)
	form.Set("remember_me", "1")
	form.Set("csrf", csrf)

	loginResp, err := c.request(ctx, http.MethodPost, loginPath, strings.NewReader(form.Encode()),
		"application/x-www-form-urlencoded")
	if err != nil {
		return &Error{Op: "login", Err: err}
	}
	defer loginResp.Body.Close()
	io.Copy(io.Discard, loginResp.Body)

	if loginResp.StatusCode >= 400 {
		return &Error{Op: "login", Err: fmt.Errorf("HTTP %d", loginResp.StatusCode)}
	}

	// A rejected login lands back on the login page
	if isLoginPage(loginResp) {
		return ErrAuth
	}

	return nil
}

// get performs an authenticated GET and decodes return_data into result.
// The session is re-established once if it has expired.
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	for attempt := 0; ; attempt++ {
		env, err := c.getEnvelope(ctx, path)
		if errors.Is(err, errSessionExpired) && attempt == 0 {
			if err := c.login(ctx); err != nil {
				return err
			}
			continue
		}
		if errors.Is(err, errSessionExpired) {
			return ErrAuth
		}
		if err != nil {
			return err
		}

		if len(env.ReturnData) == 0 || string(env.ReturnData) == "null" {
			return &Error{Op: path, Err: errors.New("empty return_data")}
		}
		if err := json.Unmarshal(env.ReturnData, result); err != nil {
			return &Error{Op: path, Err: fmt.Errorf("decode return_data: %w", err)}
		}
		return nil
	}
}

// getEnvelope fetches path and validates the response envelope
func (c *Client) getEnvelope(ctx context.Context, path string) (*envelope, error) {
	resp, err := c.request(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, &Error{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if isLoginPage(resp) {
		return nil, errSessionExpired
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &Error{Op: path, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &Error{Op: path, Err: fmt.Errorf("decode response: %w", err)}
	}

	switch int(env.ReturnCode) {
	case returnCodeOK:
		return &env, nil
	case returnCodeSessionExpired:
		return nil, errSessionExpired
	default:
		return nil, &Error{Op: path, Err: fmt.Errorf("return code %d: %s", int(env.ReturnCode), env.ReturnText)}
	}
}

// request makes HTTP request to the account API
func (c *Client) request(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", "redpocket2mqtt")
	return c.httpClient.Do(req)
}

// isLoginPage reports whether the (redirected) response is the login form
func isLoginPage(resp *http.Response) bool {
	if resp.Request == nil || resp.Request.URL == nil {
		return false
	}
	return strings.TrimRight(resp.Request.URL.Path, "/") == loginPath
}

// extractCSRF finds the hidden csrf input of the login form
func extractCSRF(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parse login page: %w", err)
	}

	var token string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if token != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "input" {
			var name, value string
			for _, a := range n.Attr {
				switch a.Key {
				case "name":
					name = a.Val
				case "value":
					value = a.Val
				}
			}
			if name == "csrf" && value != "" {
				token = value
				return
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	if token == "" {
		return "", errors.New("csrf token not found on login page")
	}
	return token, nil
}
