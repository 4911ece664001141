package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"ledgerbot/internal/accounting"
	logx "ledgerbot/pkg/logx"
)

type fakeClassifier struct {
	res *accounting.Result
	err error
}

func (f *fakeClassifier) SubmitDirect(ctx context.Context, req accounting.SubmitRequest) (*accounting.Result, error) {
	return f.res, f.err
}

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) SendMessage(ctx context.Context, channel, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func fptr(v float64) *float64 { return &v }
func bptr(v bool) *bool       { return &v }

func TestDeliverAccounted(t *testing.T) {
	t.Parallel()
	cl := &fakeClassifier{res: &accounting.Result{
		Amount:              fptr(4),
		CategoryName:        "Food",
		OriginalDescription: "coffee, 4 yuan",
		Date:                "2025-06-16T00:00:00Z",
		Type:                "EXPENSE",
	}}
	snd := &fakeSender{}
	p := NewPipeline(cl, snd, nil, logx.Nop())

	rep := p.Deliver(context.Background(), "family", "Alice", "coffee, 4 yuan")
	if rep.Kind != KindAccounted {
		t.Fatalf("Kind = %q, want %q", rep.Kind, KindAccounted)
	}
	if !rep.Success {
		t.Fatalf("Success = false, want true")
	}
	if !rep.ReplySent {
		t.Fatalf("ReplySent = false, want true")
	}
	if len(snd.sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(snd.sent))
	}
	reply := snd.sent[0]
	if !strings.Contains(reply, "4") {
		t.Fatalf("reply %q does not contain amount", reply)
	}
	if !strings.Contains(reply, "2025-06-16") {
		t.Fatalf("reply %q does not contain date portion", reply)
	}
	if strings.Contains(reply, "2025-06-16T") {
		t.Fatalf("reply %q kept the full timestamp", reply)
	}
}

func TestDeliverIrrelevantStaysSilent(t *testing.T) {
	t.Parallel()
	cl := &fakeClassifier{res: &accounting.Result{IsRelevant: bptr(false)}}
	snd := &fakeSender{}
	p := NewPipeline(cl, snd, nil, logx.Nop())

	rep := p.Deliver(context.Background(), "family", "Alice", "how was your day")
	if rep.Kind != KindIrrelevant {
		t.Fatalf("Kind = %q, want %q", rep.Kind, KindIrrelevant)
	}
	if rep.ShouldReply {
		t.Fatalf("ShouldReply = true, want false")
	}
	if len(snd.sent) != 0 {
		t.Fatalf("sent %d replies, want 0", len(snd.sent))
	}
}

func TestDeliverAuthFailureReplies(t *testing.T) {
	t.Parallel()
	cl := &fakeClassifier{err: &accounting.StatusError{Code: 401}}
	snd := &fakeSender{}
	p := NewPipeline(cl, snd, nil, logx.Nop())

	rep := p.Deliver(context.Background(), "family", "Alice", "lunch 30")
	if rep.Kind != KindAuthFailed {
		t.Fatalf("Kind = %q, want %q", rep.Kind, KindAuthFailed)
	}
	if !rep.ShouldReply {
		t.Fatalf("ShouldReply = false, want true")
	}
	if len(snd.sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(snd.sent))
	}
}

func TestDeliverSendFailureKeepsOutcome(t *testing.T) {
	t.Parallel()
	cl := &fakeClassifier{res: &accounting.Result{Amount: fptr(10)}}
	snd := &fakeSender{err: errors.New("window gone")}
	p := NewPipeline(cl, snd, nil, logx.Nop())

	rep := p.Deliver(context.Background(), "family", "Alice", "taxi 10")
	if rep.Kind != KindAccounted || !rep.Success {
		t.Fatalf("outcome changed by send failure: %+v", rep.Outcome)
	}
	if rep.ReplySent {
		t.Fatalf("ReplySent = true, want false")
	}
	if rep.ReplyError == "" {
		t.Fatalf("ReplyError empty, want recorded failure")
	}
}

func TestOutcomeForErrorCompleteness(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want OutcomeKind
	}{
		{"status 401", &accounting.StatusError{Code: 401}, KindAuthFailed},
		{"status 402", &accounting.StatusError{Code: 402}, KindQuotaExceeded},
		{"status 404", &accounting.StatusError{Code: 404}, KindNotFound},
		{"status 429", &accounting.StatusError{Code: 429}, KindRateLimited},
		{"status 500", &accounting.StatusError{Code: 500, Body: "internal"}, KindUnknownFailure},
		{"status 503 rate text", &accounting.StatusError{Code: 503, Body: "rate limit upstream"}, KindRateLimited},
		{"timeout", fmt.Errorf("%w: deadline", accounting.ErrTimeout), KindTimeout},
		{"connect", fmt.Errorf("%w: refused", accounting.ErrConnect), KindConnectionError},
		{"bad response", fmt.Errorf("%w: not json", accounting.ErrBadResponse), KindMalformedResponse},
		{"other", errors.New("boom"), KindUnknownFailure},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := outcomeForError(tt.err)
			if out.Kind != tt.want {
				t.Fatalf("Kind = %q, want %q", out.Kind, tt.want)
			}
			if out.Success {
				t.Fatalf("Success = true for %q", tt.want)
			}
			if !out.ShouldReply {
				t.Fatalf("ShouldReply = false for %q", tt.want)
			}
		})
	}
}

func TestOutcomeForResultEmbeddedError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  string
		want OutcomeKind
	}{
		{"quota english", "token usage limit reached", KindQuotaExceeded},
		{"quota chinese", "token使用已达限制", KindQuotaExceeded},
		{"rate english", "too many requests", KindRateLimited},
		{"rate chinese", "请求过于频繁", KindRateLimited},
		{"generic", "model unavailable", KindUnknownFailure},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := outcomeForResult(&accounting.Result{Error: tt.msg})
			if out.Kind != tt.want {
				t.Fatalf("Kind = %q, want %q", out.Kind, tt.want)
			}
			if !out.ShouldReply {
				t.Fatalf("ShouldReply = false, want true")
			}
		})
	}
}

func TestOutcomeForResultNoAmount(t *testing.T) {
	t.Parallel()
	out := outcomeForResult(&accounting.Result{Message: "nothing recognized"})
	if out.Kind != KindUnknownFailure {
		t.Fatalf("Kind = %q, want %q", out.Kind, KindUnknownFailure)
	}
	if !strings.Contains(out.Message, "nothing recognized") {
		t.Fatalf("Message %q does not echo server message", out.Message)
	}
}

func TestReplyGating(t *testing.T) {
	t.Parallel()
	for _, kind := range AllKinds() {
		out := newOutcome(kind, "x")
		wantReply := kind != KindIrrelevant
		if out.ShouldReply != wantReply {
			t.Fatalf("kind %q: ShouldReply = %v, want %v", kind, out.ShouldReply, wantReply)
		}
		if out.Success != (kind == KindAccounted) {
			t.Fatalf("kind %q: Success = %v", kind, out.Success)
		}
	}
}

func TestAllKindsDistinct(t *testing.T) {
	t.Parallel()
	seen := map[OutcomeKind]bool{}
	for _, k := range AllKinds() {
		if seen[k] {
			t.Fatalf("kind %q listed twice", k)
		}
		seen[k] = true
	}
	if len(seen) != 10 {
		t.Fatalf("len(AllKinds()) = %d, want 10", len(seen))
	}
}
