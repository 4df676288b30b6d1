package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"pulsecrm/internal/health"
	"pulsecrm/internal/metrics"
	"pulsecrm/internal/models"
	"pulsecrm/internal/registry"
)

// Options configures the dispatcher
type Options struct {
	DefaultTimeout time.Duration // per provider call when the request has none
	CacheTTL       time.Duration
	MaxRetries     int           // extra attempts for retryable failures
	RetryBaseDelay time.Duration // first backoff interval

	// Outbound throttling, calls per second
	GlobalRate      float64
	PerProviderRate float64
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		DefaultTimeout:  60 * time.Second,
		CacheTTL:        5 * time.Minute,
		MaxRetries:      2,
		RetryBaseDelay:  500 * time.Millisecond,
		GlobalRate:      20,
		PerProviderRate: 5,
	}
}

// Dispatcher routes requests to providers. Routed mode resolves exactly
// one provider; compare mode fans the identical request out to a named
// set concurrently and settles only after every member has finished.
type Dispatcher struct {
	registry *registry.Registry
	monitor  *health.Monitor
	client   *providerClient
	cache    *resultCache
	limiter  *outboundLimiter
	metrics  *metrics.Metrics
	opts     Options
}

// New creates a dispatcher. metrics may be nil in tests.
func New(reg *registry.Registry, monitor *health.Monitor, m *metrics.Metrics, opts Options) *Dispatcher {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultOptions().DefaultTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultOptions().CacheTTL
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultOptions().RetryBaseDelay
	}
	if opts.GlobalRate <= 0 {
		opts.GlobalRate = DefaultOptions().GlobalRate
	}
	if opts.PerProviderRate <= 0 {
		opts.PerProviderRate = DefaultOptions().PerProviderRate
	}

	return &Dispatcher{
		registry: reg,
		monitor:  monitor,
		client:   newProviderClient(),
		cache:    newResultCache(opts.CacheTTL),
		limiter:  newOutboundLimiter(opts.GlobalRate, opts.PerProviderRate),
		metrics:  m,
		opts:     opts,
	}
}

// Dispatch routes one request to exactly one resolved provider.
// Provider-level failures come back as a failed entry on the result,
// never as an error; errors are reserved for the caller taxonomy
// (ErrInvalidRequest, ErrNoProviderAvailable).
func (d *Dispatcher) Dispatch(ctx context.Context, req models.DispatchRequest) (*models.DispatchResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	// Insight generation feeds an append-only record, so a memoized
	// response would re-append the same content under fresh ids.
	cacheable := req.Operation != models.OpInsight
	if cacheable {
		if cached, found := d.cache.get(req); found {
			cached.RequestID = req.ID
			d.countCacheHit()
			return cached, nil
		}
	}

	desc, err := d.resolve(req)
	if err != nil {
		return nil, err
	}

	log := slog.With("request_id", req.ID, "operation", req.Operation, "provider", desc.Name)

	result := &models.DispatchResult{
		RequestID: req.ID,
		Summary:   models.DispatchSummary{Total: 1},
	}

	callResult, callErr := d.callProvider(ctx, desc, req)
	if callErr != nil {
		result.Failed = append(result.Failed, models.CallFailure{
			Provider: desc.Name,
			Kind:     callErr.Kind,
			Message:  callErr.Message,
		})
		result.Summary.FailureCount = 1
		log.Warn("dispatch failed", "error_kind", callErr.Kind, "message", callErr.Message)
		return result, nil
	}

	result.Successful = append(result.Successful, callResult)
	result.Summary.SuccessCount = 1
	if cacheable {
		d.cache.put(req, *result)
	}
	log.Debug("dispatch succeeded", "latency_ms", callResult.LatencyMs)
	return result, nil
}

// DispatchAll fans the identical request out to every named provider
// concurrently. An empty set means every active provider capable of the
// operation. Each call times out independently; one failure never
// cancels or delays the others. The summary total is fixed at entry.
// When every member fails the result is still returned alongside
// ErrAllProvidersFailed so callers can inspect the partitions.
func (d *Dispatcher) DispatchAll(ctx context.Context, req models.DispatchRequest, providerSet []string) (*models.BatchDispatchResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if len(providerSet) == 0 {
		for _, desc := range d.registry.ListActive(req.Operation.RequiredCategory()) {
			if desc.Supports(req.Operation) {
				providerSet = append(providerSet, desc.Name)
			}
		}
	}
	if len(providerSet) == 0 {
		return nil, fmt.Errorf("%w: category %s", ErrNoProviderAvailable, req.Operation.RequiredCategory())
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	total := len(providerSet)

	type outcome struct {
		success *models.CallResult
		failure *models.CallFailure
	}
	outcomes := make(chan outcome, total)

	var wg sync.WaitGroup
	for _, name := range providerSet {
		wg.Add(1)
		go func(provider string) {
			defer wg.Done()

			desc, ok := d.registry.Get(provider)
			if !ok {
				outcomes <- outcome{failure: &models.CallFailure{
					Provider: provider,
					Kind:     models.ErrKindUnknown,
					Message:  "provider not registered",
				}}
				return
			}
			if !desc.Active {
				outcomes <- outcome{failure: &models.CallFailure{
					Provider: provider,
					Kind:     models.ErrKindUnknown,
					Message:  "provider inactive",
				}}
				return
			}

			callResult, callErr := d.callProvider(ctx, desc, req)
			if callErr != nil {
				outcomes <- outcome{failure: &models.CallFailure{
					Provider: provider,
					Kind:     callErr.Kind,
					Message:  callErr.Message,
				}}
				return
			}
			outcomes <- outcome{success: &callResult}
		}(name)
	}

	wg.Wait()
	close(outcomes)

	result := &models.BatchDispatchResult{
		RequestID: req.ID,
		Summary:   models.DispatchSummary{Total: total},
	}
	for o := range outcomes {
		if o.success != nil {
			result.Successful = append(result.Successful, *o.success)
			result.Summary.SuccessCount++
		} else {
			result.Failed = append(result.Failed, *o.failure)
			result.Summary.FailureCount++
		}
	}

	if result.Summary.SuccessCount == 0 {
		return result, ErrAllProvidersFailed
	}
	return result, nil
}

// resolve picks the target provider for a routed request. An explicit
// provider is honored even when its last probe failed; the health
// advisory only steers intelligent routing.
func (d *Dispatcher) resolve(req models.DispatchRequest) (models.ServiceDescriptor, error) {
	if req.ExplicitProvider != "" {
		desc, ok := d.registry.Get(req.ExplicitProvider)
		if !ok || !desc.Active {
			return models.ServiceDescriptor{}, fmt.Errorf("%w: %s", ErrNoProviderAvailable, req.ExplicitProvider)
		}
		return desc, nil
	}

	category := req.Operation.RequiredCategory()
	candidates := d.registry.ListActive(category)

	var capable []models.ServiceDescriptor
	for _, desc := range candidates {
		if desc.Supports(req.Operation) {
			capable = append(capable, desc)
		}
	}
	if len(capable) == 0 {
		return models.ServiceDescriptor{}, fmt.Errorf("%w: category %s", ErrNoProviderAvailable, category)
	}

	for _, desc := range capable {
		if d.monitor.IsHealthy(desc.Name) {
			return desc, nil
		}
	}

	// Nothing healthy: attempt the highest-priority provider anyway and
	// let the real failure surface.
	slog.Warn("no healthy provider, attempting best-effort dispatch",
		"category", category, "provider", capable[0].Name)
	return capable[0], nil
}

// callProvider runs one provider call under the outbound limiter, the
// per-call timeout, and the retry policy, then records health/metrics.
func (d *Dispatcher) callProvider(ctx context.Context, desc models.ServiceDescriptor, req models.DispatchRequest) (models.CallResult, *CallError) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}

	if err := d.limiter.wait(ctx, desc.Name); err != nil {
		return models.CallResult{}, asCallError(err)
	}

	operation := func() (models.CallResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		result, err := d.client.call(callCtx, desc, req)
		if err != nil {
			callErr := asCallError(err)
			if !retryable(callErr) {
				return models.CallResult{}, backoff.Permanent(callErr)
			}
			return models.CallResult{}, callErr
		}
		return result, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.opts.RetryBaseDelay
	start := time.Now()

	result, err := backoff.RetryWithData(operation, backoff.WithMaxRetries(policy, uint64(d.opts.MaxRetries)))
	if err != nil {
		callErr := asCallError(err)
		d.monitor.MarkResult(desc.Name, false, time.Since(start).Milliseconds(), callErr.Message)
		d.countDispatch(desc.Name, string(callErr.Kind), time.Since(start))
		return models.CallResult{}, callErr
	}

	d.monitor.MarkResult(desc.Name, true, result.LatencyMs, "")
	d.countDispatch(desc.Name, "success", time.Since(start))
	return result, nil
}

func validate(req models.DispatchRequest) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if !req.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, req.Operation)
	}
	return nil
}

func (d *Dispatcher) countDispatch(provider, outcome string, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.Dispatches.WithLabelValues(provider, outcome).Inc()
	d.metrics.DispatchLatency.Observe(elapsed.Seconds())
}

func (d *Dispatcher) countCacheHit() {
	if d.metrics == nil {
		return
	}
	d.metrics.CacheHits.Inc()
}
