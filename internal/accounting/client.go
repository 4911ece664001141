// Package accounting is the HTTP client for the smart-accounting server.
// It performs the classification submit plus the small account-management
// surface around it (login, book listing, reachability probe), and turns
// transport failures into typed errors the delivery pipeline can map.
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "ledgerbot/pkg/logx"
)

const submitPath = "/api/ai/smart-accounting/direct"

type Config struct {
	ServerURL string
	// Token is the bearer credential. May start empty when Login is used.
	Token         string
	AccountBookID string
	// Timeout bounds each call. Default 30s; classification is slow.
	Timeout time.Duration
}

type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client

	mu    sync.RWMutex
	token string
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if base == "" {
		return nil, errors.New("accounting server_url is empty")
	}
	cfg.ServerURL = base
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:   cfg,
		log:   log,
		http:  &http.Client{Timeout: cfg.Timeout},
		token: strings.TrimSpace(cfg.Token),
	}, nil
}

// Token returns the bearer credential currently in use.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) setToken(t string) {
	c.mu.Lock()
	c.token = t
	c.mu.Unlock()
}

// AccountBookID returns the configured default book.
func (c *Client) AccountBookID() string { return c.cfg.AccountBookID }

// SubmitDirect sends one message for classification. The default account
// book is filled in when the request leaves it empty. A non-2xx status
// comes back as *StatusError; network failures as ErrTimeout/ErrConnect;
// an unparseable or empty success body as ErrBadResponse.
func (c *Client) SubmitDirect(ctx context.Context, req SubmitRequest) (*Result, error) {
	if req.AccountBookID == "" {
		req.AccountBookID = c.cfg.AccountBookID
	}
	status, body, err := c.do(ctx, http.MethodPost, submitPath, req)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &StatusError{Code: status, Body: truncate(body)}
	}
	var env submitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if env.SmartAccountingResult == nil {
		return nil, fmt.Errorf("%w: missing smartAccountingResult", ErrBadResponse)
	}
	return env.SmartAccountingResult, nil
}

// Login exchanges credentials for a bearer token and adopts it for
// subsequent calls.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	payload := map[string]string{"email": email, "password": password}
	status, body, err := c.do(ctx, http.MethodPost, "/api/auth/login", payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &StatusError{Code: status, Body: truncate(body)}
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if s.Token == "" {
		return nil, fmt.Errorf("%w: login returned no token", ErrBadResponse)
	}
	c.setToken(s.Token)
	c.log.Info("accounting login ok", logx.String("user", s.User.Email))
	return &s, nil
}

// AccountBooks lists the books visible to the current token. The server
// answers either a bare array or an {accountBooks: [...]} wrapper.
func (c *Client) AccountBooks(ctx context.Context) ([]AccountBook, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/account-books", nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &StatusError{Code: status, Body: truncate(body)}
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var books []AccountBook
		if err := json.Unmarshal(trimmed, &books); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
		return books, nil
	}
	var wrapped struct {
		AccountBooks []AccountBook `json:"accountBooks"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return wrapped.AccountBooks, nil
}

// TestConnection probes server reachability and credential validity with
// the cheapest authenticated read.
func (c *Client) TestConnection(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, "/api/account-books", nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &StatusError{Code: status, Body: truncate(body)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var rd io.Reader
	if payload != nil {
		jb, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		rd = bytes.NewReader(jb)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, rd)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, classifyNetErr(err)
	}
	return resp.StatusCode, body, nil
}

// classifyNetErr folds the transport error zoo into the two sentinels the
// pipeline distinguishes.
func classifyNetErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrConnect, err)
}

func truncate(b []byte) string {
	const max = 512
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max]
	}
	return s
}
