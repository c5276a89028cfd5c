package correspond

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/orderflow/internal/mailer"
	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/resilience"
)

// Outcome is the result of one dispatch of an email.
type Outcome struct {
	// Attempts is how many send attempts were made.
	Attempts int
	Delivery model.DeliveryInfo
	// Err is the final error, nil when the email was sent.
	Err error
}

// Sent reports whether the email was delivered to the transport.
func (o Outcome) Sent() bool { return o.Err == nil }

// Dispatcher sends emails through a mailer.Sender with retries and a global
// send rate.
type Dispatcher struct {
	sender  mailer.Sender
	from    string
	retry   resilience.RetryConfig
	limiter *rate.Limiter
}

// NewDispatcher creates a Dispatcher. ratePerSecond <= 0 disables rate
// limiting.
func NewDispatcher(sender mailer.Sender, from string, retry resilience.RetryConfig, ratePerSecond float64) *Dispatcher {
	lim := rate.NewLimiter(rate.Inf, 1)
	if ratePerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("mailer", "send")
	}
	return &Dispatcher{sender: sender, from: from, retry: retry, limiter: lim}
}

// Dispatch sends e. Transient failures are retried with backoff; the
// outcome reports the attempts made either way. It never mutates e.
func (d *Dispatcher) Dispatch(ctx context.Context, e model.EmailCommunication) Outcome {
	msg := mailer.Message{
		From:    d.from,
		To:      e.Recipient,
		Subject: e.Subject,
		Body:    e.Content,
		Headers: map[string]string{
			"X-Order-ID": e.OrderID,
			"X-Email-ID": e.ID,
		},
	}
	if e.Priority == model.PriorityUrgent {
		msg.Headers["X-Priority"] = "1"
	}
	if err := msg.Validate(); err != nil {
		return Outcome{Attempts: 0, Err: err}
	}

	info, a := resilience.DoCounted(ctx, d.retry, func(ctx context.Context) (model.DeliveryInfo, error) {
		if err := d.limiter.Wait(ctx); err != nil {
			return model.DeliveryInfo{}, resilience.Permanent(eris.Wrap(err, "correspond: send rate limit"))
		}
		return d.sender.Send(ctx, msg)
	})
	out := Outcome{Attempts: a.Count, Delivery: info, Err: a.Last}
	if out.Err != nil {
		zap.L().Warn("correspond: email send failed",
			zap.String("order_id", e.OrderID),
			zap.String("email_id", e.ID),
			zap.Int("attempts", out.Attempts),
			zap.Error(out.Err),
		)
		return out
	}
	zap.L().Info("correspond: email sent",
		zap.String("order_id", e.OrderID),
		zap.String("email_id", e.ID),
		zap.String("message_id", info.MessageID),
		zap.Int("attempts", out.Attempts),
	)
	return out
}
