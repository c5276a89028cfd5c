package engine

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sells-group/orderflow/internal/model"
)

const meterName = "github.com/sells-group/orderflow/internal/engine"

type metrics struct {
	stageRuns     metric.Int64Counter
	stageDuration metric.Float64Histogram
	score         metric.Float64Histogram
	busy          metric.Int64Counter
	emails        metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName, metric.WithInstrumentationVersion("1.0.0"))

	var m metrics
	var err error
	m.stageRuns, err = meter.Int64Counter("orderflow.stage.runs",
		metric.WithDescription("Pipeline stage executions by category and outcome"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, eris.Wrap(err, "engine: create stage counter")
	}
	m.stageDuration, err = meter.Float64Histogram("orderflow.stage.duration",
		metric.WithDescription("Pipeline stage execution time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300))
	if err != nil {
		return nil, eris.Wrap(err, "engine: create stage histogram")
	}
	m.score, err = meter.Float64Histogram("orderflow.validation.score",
		metric.WithDescription("Validation scores"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.5, 0.7, 0.9, 1))
	if err != nil {
		return nil, eris.Wrap(err, "engine: create score histogram")
	}
	m.busy, err = meter.Int64Counter("orderflow.order.busy",
		metric.WithDescription("Operations rejected because the order was locked"),
		metric.WithUnit("{rejection}"))
	if err != nil {
		return nil, eris.Wrap(err, "engine: create busy counter")
	}
	m.emails, err = meter.Int64Counter("orderflow.email.dispatch",
		metric.WithDescription("Email dispatch outcomes"),
		metric.WithUnit("{email}"))
	if err != nil {
		return nil, eris.Wrap(err, "engine: create email counter")
	}
	return &m, nil
}

func (m *metrics) stage(ctx context.Context, c model.StepCategory, halt Halt, err error, d time.Duration) {
	outcome := "completed"
	switch {
	case err != nil:
		outcome = "error"
	case halt == HaltFailed:
		outcome = "failed"
	case halt == HaltWaitingUser:
		outcome = "waiting_user"
	case halt == HaltAIThread:
		outcome = "ai_thread"
	}
	cat := attribute.String("category", string(c))
	m.stageRuns.Add(ctx, 1, metric.WithAttributes(cat, attribute.String("outcome", outcome)))
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(cat))
}

func (m *metrics) validation(ctx context.Context, res model.ValidationResult) {
	m.score.Record(ctx, res.Score, metric.WithAttributes(attribute.String("band", string(res.Band))))
}

func (m *metrics) email(ctx context.Context, t model.EmailType, sent bool) {
	outcome := "sent"
	if !sent {
		outcome = "failed"
	}
	m.emails.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(t)), attribute.String("outcome", outcome)))
}
