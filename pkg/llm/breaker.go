package llm

import (
	"context"
	"time"

	"github.com/lectio-ai/lectio/pkg/conversation"
	"github.com/lectio-ai/lectio/pkg/metrics"
	"github.com/lectio-ai/lectio/pkg/resilience"
)

// CircuitBreakerAdapter wraps an Adapter with rate-limit circuit breaking so
// consecutive turns fail fast while the vendor is throttling us.
type CircuitBreakerAdapter struct {
	inner   Adapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
}

func NewCircuitBreakerAdapter(inner Adapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker, obs: metrics.NoopObserver{}}
}

func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) {
	if obs != nil {
		a.obs = obs
	}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

func (a *CircuitBreakerAdapter) Generate(ctx context.Context, messages []conversation.Message) (Response, error) {
	if !a.breaker.Allow() {
		a.record(metrics.EventBreakerDenied)
		return Response{}, resilience.RateLimitError{Provider: a.Name(), Message: "circuit open"}
	}
	resp, err := a.inner.Generate(ctx, messages)
	if err != nil {
		a.onError(err)
		return Response{}, err
	}
	a.breaker.OnSuccess()
	return resp, nil
}

func (a *CircuitBreakerAdapter) Stream(ctx context.Context, messages []conversation.Message) (<-chan string, error) {
	if !a.breaker.Allow() {
		a.record(metrics.EventBreakerDenied)
		return nil, resilience.RateLimitError{Provider: a.Name(), Message: "circuit open"}
	}
	ch, err := a.inner.Stream(ctx, messages)
	if err != nil {
		a.onError(err)
		return nil, err
	}
	a.breaker.OnSuccess()
	return ch, nil
}

func (a *CircuitBreakerAdapter) onError(err error) {
	if resilience.IsRateLimit(err) {
		a.record(metrics.EventRateLimit)
	}
	a.breaker.OnError(err)
}

func (a *CircuitBreakerAdapter) record(name string) {
	a.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{"provider": a.Name()},
	})
}
