// Package delivery forwards validated chat messages to the smart-accounting
// classifier and posts the formatted verdict back into the originating
// channel. Every failure mode folds into an Outcome; nothing here returns an
// error to the caller, because a delivery that went wrong is still a result
// the channel loop has to account for.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledgerbot/internal/accounting"
	"ledgerbot/internal/eventbus"
	logx "ledgerbot/pkg/logx"
)

// EventDelivered carries a Report for every completed delivery attempt.
const EventDelivered = "delivery.result"

// Classifier is the slice of the accounting client the pipeline needs.
type Classifier interface {
	SubmitDirect(ctx context.Context, req accounting.SubmitRequest) (*accounting.Result, error)
}

// Sender posts a reply into a channel. A nil error is the only success
// signal the provider offers.
type Sender interface {
	SendMessage(ctx context.Context, channel, text string) error
}

// Report is the full record of one delivery attempt.
type Report struct {
	Outcome
	Channel    string        `json:"channel"`
	Sender     string        `json:"sender"`
	ReplySent  bool          `json:"replySent"`
	ReplyError string        `json:"replyError,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

type Pipeline struct {
	classifier Classifier
	sender     Sender
	bus        eventbus.Bus
	log        logx.Logger
}

func NewPipeline(classifier Classifier, sender Sender, bus eventbus.Bus, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{classifier: classifier, sender: sender, bus: bus, log: log}
}

// Deliver classifies one message and, unless the verdict is irrelevant,
// posts the formatted reply back into the channel. Send failures are
// recorded but never retried and never alter the classification outcome.
func (p *Pipeline) Deliver(ctx context.Context, channel, sender, content string) Report {
	start := time.Now()

	out := p.classify(ctx, sender, content)
	rep := Report{Outcome: out, Channel: channel, Sender: sender}

	if out.ShouldReply {
		if err := p.sender.SendMessage(ctx, channel, out.Message); err != nil {
			rep.ReplyError = err.Error()
			p.log.Warn("reply send failed",
				logx.String("channel", channel),
				logx.String("kind", string(out.Kind)),
				logx.Err(err))
		} else {
			rep.ReplySent = true
		}
	}
	rep.Elapsed = time.Since(start)

	p.log.Info("delivery completed",
		logx.String("channel", channel),
		logx.String("sender", sender),
		logx.String("kind", string(rep.Kind)),
		logx.Bool("success", rep.Success),
		logx.Bool("reply_sent", rep.ReplySent),
		logx.Duration("elapsed", rep.Elapsed))

	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: EventDelivered, Data: rep})
	}
	return rep
}

func (p *Pipeline) classify(ctx context.Context, sender, content string) Outcome {
	res, err := p.classifier.SubmitDirect(ctx, accounting.SubmitRequest{
		Description: content,
		UserName:    sender,
	})
	if err != nil {
		return outcomeForError(err)
	}
	return outcomeForResult(res)
}

// outcomeForError maps client-side failures. Each transport failure and
// each HTTP status lands in exactly one kind.
func outcomeForError(err error) Outcome {
	var se *accounting.StatusError
	switch {
	case errors.As(err, &se):
		return newOutcome(kindForStatus(se.Code, se.Body), formatStatusFailure(se.Code))
	case errors.Is(err, accounting.ErrTimeout):
		return newOutcome(KindTimeout, "⏰ 记账服务请求超时，请稍后再试")
	case errors.Is(err, accounting.ErrConnect):
		return newOutcome(KindConnectionError, "🌐 无法连接到记账服务，请检查网络和server_url配置")
	case errors.Is(err, accounting.ErrBadResponse):
		return newOutcome(KindMalformedResponse, fmt.Sprintf("📄 记账服务响应格式错误: %v", err))
	default:
		return newOutcome(KindUnknownFailure, fmt.Sprintf("❌ 记账服务调用失败: %v", err))
	}
}
