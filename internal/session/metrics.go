package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentation = "github.com/loqalabs/loqa-listen/session"

type sessionMetrics struct {
	frames   metric.Int64Counter
	audio    metric.Int64Counter
	events   metric.Int64Counter
	inits    metric.Int64Counter
	feedTime metric.Float64Histogram
}

func newMetrics(c *Controller) (*sessionMetrics, error) {
	meter := otel.Meter(instrumentation)
	m := &sessionMetrics{}
	var err error
	if m.frames, err = meter.Int64Counter("loqa.listen.frames", metric.WithDescription("Audio frames fed to the recognizer")); err != nil {
		return nil, err
	}
	if m.audio, err = meter.Int64Counter("loqa.listen.audio.duration", metric.WithUnit("ms"), metric.WithDescription("Captured audio fed to the recognizer")); err != nil {
		return nil, err
	}
	if m.events, err = meter.Int64Counter("loqa.listen.events", metric.WithDescription("Events delivered to listeners")); err != nil {
		return nil, err
	}
	if m.inits, err = meter.Int64Counter("loqa.listen.initializations", metric.WithDescription("Initialization attempts by result")); err != nil {
		return nil, err
	}
	if m.feedTime, err = meter.Float64Histogram("loqa.listen.feed.duration", metric.WithUnit("ms"), metric.WithDescription("Recognizer feed latency")); err != nil {
		return nil, err
	}
	state, err := meter.Int64ObservableGauge("loqa.listen.state", metric.WithDescription("Current session state"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(state, int64(c.State()))
		return nil
	}, state)
	return m, err
}

func (m *sessionMetrics) frame(ctx context.Context, feedMS float64, audioMS int) {
	if m == nil {
		return
	}
	m.frames.Add(ctx, 1)
	m.audio.Add(ctx, int64(audioMS))
	m.feedTime.Record(ctx, feedMS)
}

func (m *sessionMetrics) event(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *sessionMetrics) initialized(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.inits.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
