// Package wechat implements transport.Provider over the desktop automation
// sidecar's local HTTP API.
//
// The sidecar owns the actual chat client window; this bridge only speaks
// JSON to it. Every call carries the sidecar's X-API-Key header and the
// sidecar answers with a {code, message, data} envelope where code 0 means
// the UI action succeeded.
package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ledgerbot/internal/transport"
	logx "ledgerbot/pkg/logx"
)

type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds each bridge call. Default 10s.
	Timeout time.Duration

	// SendRatePerSec throttles outbound sends; the sidecar replays them
	// through UI automation and cannot keep up with bursts. Default 0.5
	// (one send per two seconds), burst 1.
	SendRatePerSec float64
	SendBurst      int
}

type Bridge struct {
	cfg     Config
	log     logx.Logger
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Bridge, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("wechat bridge base_url is empty")
	}
	cfg.BaseURL = base
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SendRatePerSec <= 0 {
		cfg.SendRatePerSec = 0.5
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{
		cfg:     cfg,
		log:     log,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendBurst),
	}, nil
}

// envelope is the sidecar's uniform response shape.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// bridgeMessage is one observed message as the sidecar reports it.
// Type values mirror the automation library's row kinds.
type bridgeMessage struct {
	Type         string `json:"type"`
	Content      string `json:"content"`
	Sender       string `json:"sender"`
	SenderRemark string `json:"sender_remark"`
}

func (b *Bridge) AddListenChannel(ctx context.Context, channel string) error {
	_, err := b.post(ctx, "/api/chat-window/listen/add", map[string]string{"who": channel})
	return err
}

func (b *Bridge) RemoveListenChannel(ctx context.Context, channel string) error {
	_, err := b.post(ctx, "/api/chat-window/listen/remove", map[string]string{"who": channel})
	return err
}

func (b *Bridge) PollNewMessages(ctx context.Context, channel string) ([]transport.RawMessage, error) {
	data, err := b.post(ctx, "/api/chat-window/listen/poll", map[string]string{"who": channel})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Messages []bridgeMessage `json:"messages"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("poll payload: %w", err)
		}
	}
	out := make([]transport.RawMessage, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		out = append(out, transport.RawMessage{
			Category:    mapCategory(m.Type),
			Content:     m.Content,
			Sender:      m.Sender,
			SenderAlias: m.SenderRemark,
		})
	}
	return out, nil
}

func (b *Bridge) SendMessage(ctx context.Context, channel string, text string) error {
	// Pace sends so the automation layer never queues more than it can type.
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.post(ctx, "/api/chat-window/message/send", map[string]string{
		"who":     channel,
		"message": text,
	})
	return err
}

func (b *Bridge) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	jb, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+path, bytes.NewReader(jb))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", b.cfg.APIKey)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: %w", path, err)
	}
	defer resp.Body.Close()

	rb, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("bridge %s: read: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge %s: http %d", path, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(rb, &env); err != nil {
		return nil, fmt.Errorf("bridge %s: decode: %w", path, err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("bridge %s: code %d: %s", path, env.Code, env.Message)
	}
	return env.Data, nil
}

// mapCategory resolves the sidecar's row kind once, at ingestion.
func mapCategory(t string) transport.MessageCategory {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "friend":
		return transport.CategoryPeer
	case "sys":
		return transport.CategorySystem
	case "time":
		return transport.CategoryTimestamp
	case "recall":
		return transport.CategoryRecalled
	case "self":
		return transport.CategorySelf
	default:
		return transport.CategoryUnknown
	}
}
