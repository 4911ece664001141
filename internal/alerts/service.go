// Package alerts forwards noteworthy bus events to a Telegram operator
// chat: accounting API health flips, poller errors, auth and quota
// failures. It is a one-way channel; the bot never reads that chat.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"ledgerbot/internal/delivery"
	"ledgerbot/internal/eventbus"
	"ledgerbot/internal/health"
	"ledgerbot/internal/monitor"
	rtsup "ledgerbot/internal/runtime/supervisor"
	logx "ledgerbot/pkg/logx"
)

// Sender delivers one alert text to one chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Config configures the alert channel.
//
// Token and ChatID are fixed at boot (the sender is built once); the other
// fields apply live on reload.
type Config struct {
	Enabled bool
	ChatID  int64
	// MinPriority drops alerts below this priority (1 low .. 10 high).
	MinPriority int // default 5
	// RatePerMin caps outbound alerts; excess alerts are counted and dropped.
	RatePerMin int // default 6
}

func (c *Config) normalize() {
	if c.MinPriority <= 0 {
		c.MinPriority = 5
	}
	if c.RatePerMin <= 0 {
		c.RatePerMin = 6
	}
}

// Service consumes bus events and relays the alert-worthy ones.
//
// It is safe for concurrent use.
type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	sender Sender

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sup     *rtsup.Supervisor
	unsub   func()

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus, sender: sender}
	s.applyLocked(cfg)
	return s
}

func (s *Service) applyLocked(cfg Config) {
	cfg.normalize()
	s.cfg = cfg
	// Burst = per-minute cap, so a quiet period earns one full salvo.
	s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), cfg.RatePerMin)
}

// Apply updates priorities and rate live. Enabling works only if a sender
// was configured at boot.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(cfg)
}

// Start subscribes to the bus and runs the relay worker. Without a sender
// this is a no-op; enable/disable flips are handled live by Apply.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender == nil || s.bus == nil || s.sup != nil {
		return
	}
	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "alerts"))),
		// alert failures must not take down the app; best-effort only
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("alerts.relay", func(c context.Context) error {
		return s.relay(c, ch)
	})
	s.log.Info("alerts started", logx.Int64("chat", s.cfg.ChatID))
}

// Stop unsubscribes and waits for the relay to finish.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	unsub := s.unsub
	s.sup = nil
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub() // closes the event channel; the relay drains and exits
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

// Sent reports alerts delivered so far.
func (s *Service) Sent() uint64 { return s.sent.Load() }

// Dropped reports alerts discarded by the rate cap.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

func (s *Service) relay(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	pri, text := formatEvent(ev)
	if text == "" {
		return
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if !cfg.Enabled || cfg.ChatID == 0 || pri < cfg.MinPriority {
		return
	}
	if lim != nil && !lim.Allow() {
		s.dropped.Add(1)
		return
	}
	if err := s.sender.Send(ctx, cfg.ChatID, prefixForPriority(pri)+text); err != nil {
		s.log.Debug("alert send failed", logx.Any("err", err))
		return
	}
	s.sent.Add(1)
}

// formatEvent maps a bus event to an alert priority and text. Empty text
// means not alert-worthy.
func formatEvent(ev eventbus.Event) (int, string) {
	switch ev.Type {
	case health.EventChanged:
		chg, ok := ev.Data.(health.Change)
		if !ok {
			return 0, ""
		}
		if chg.Healthy {
			return 5, "accounting API reachable again"
		}
		return 9, "accounting API unreachable: " + chg.Err

	case monitor.EventError:
		e, ok := ev.Data.(monitor.ErrorEvent)
		if !ok {
			return 0, ""
		}
		return 7, fmt.Sprintf("channel %q %s error: %s", e.Channel, e.Stage, e.Err)

	case monitor.EventStatusChanged:
		st, ok := ev.Data.(monitor.StatusChange)
		if !ok {
			return 0, ""
		}
		if st.Running {
			return 5, "monitoring started"
		}
		return 7, "monitoring stopped"

	case delivery.EventDelivered:
		rep, ok := ev.Data.(delivery.Report)
		if !ok {
			return 0, ""
		}
		switch rep.Kind {
		case delivery.KindAuthFailed:
			return 9, fmt.Sprintf("accounting auth failed (channel %q); check the token", rep.Channel)
		case delivery.KindQuotaExceeded:
			return 7, fmt.Sprintf("accounting quota exhausted (channel %q)", rep.Channel)
		}
		return 0, ""
	}
	return 0, ""
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}

// NewTelegramSender dials the Telegram API and returns a send-only bot.
func NewTelegramSender(token string) (Sender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b}, nil
}

type telegramSender struct{ bot *tele.Bot }

func (t *telegramSender) Send(ctx context.Context, chatID int64, text string) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
