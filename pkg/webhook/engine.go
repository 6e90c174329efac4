// Package webhook delivers domain events to subscriber URLs over HTTP.
//
// Every matching active subscription gets one Delivery record per event.
// The first attempt is due immediately; failures are retried per the
// subscription's RetryPolicy until a 2xx arrives or attempts run out.
// Attempts never exceed MaxRetries+1 and delivery failures are never
// reported back to the publisher.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/aosgate/internal/observability"
	"github.com/harun/aosgate/pkg/eventbus"
	"github.com/harun/aosgate/pkg/events"
	"github.com/harun/aosgate/pkg/faults"
)

const maxResponseDrain = 64 << 10

// Options configures an Engine.
type Options struct {
	Repository Repository
	Client     *http.Client
	Workers    int           // default 8
	Timeout    time.Duration // per attempt, default 10s
	UserAgent  string
	Logger     zerolog.Logger
}

// Engine matches events to subscriptions and runs deliveries.
type Engine struct {
	repo      Repository
	client    *http.Client
	workers   int
	timeout   time.Duration
	userAgent string
	logger    zerolog.Logger

	sched *scheduler
	jobs  chan string
	stats *statsTracker

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates an engine. Call Start to begin delivering.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Repository == nil {
		return nil, fmt.Errorf("webhook repository is required")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "aosgate-webhook/1.0"
	}

	observability.EnsureRegistered()

	return &Engine{
		repo:      opts.Repository,
		client:    opts.Client,
		workers:   opts.Workers,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		logger:    opts.Logger.With().Str("component", "webhook").Logger(),
		sched:     newScheduler(),
		jobs:      make(chan string),
		stats:     newStatsTracker(),
		inflight:  make(map[string]struct{}),
	}, nil
}

// Start reloads unfinished deliveries and starts the scheduler and workers.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.running {
		return fmt.Errorf("webhook engine already running")
	}

	pending, err := e.repo.PendingDeliveries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending deliveries: %w", err)
	}
	now := time.Now()
	for _, d := range pending {
		due := now
		if d.NextAttemptAt != nil {
			due = *d.NextAttemptAt
		}
		e.sched.schedule(d.ID, due)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(runCtx)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sched.run(runCtx, e.jobs)
	}()

	e.logger.Info().
		Int("workers", e.workers).
		Int("recovered", len(pending)).
		Msg("Webhook engine started")
	return nil
}

// Stop cancels backoff waits and waits for in-flight attempts to return.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.runMu.Unlock()

	cancel()
	e.wg.Wait()
	e.logger.Info().Int("scheduled", e.sched.len()).Msg("Webhook engine stopped")
}

// Subscribe attaches the engine to every event published on bus.
func (e *Engine) Subscribe(bus *eventbus.Bus) func() {
	return eventbus.SubscribeAll(bus, func(ctx context.Context, event interface{}) error {
		evt, ok := event.(events.Event)
		if !ok {
			return nil
		}
		_, err := e.Handle(ctx, evt)
		return err
	})
}

// Handle creates a delivery for each matching subscription and schedules its
// first attempt. It returns the created delivery ids.
func (e *Engine) Handle(ctx context.Context, event events.Event) ([]string, error) {
	eventType := event.EventType()

	subs, err := e.repo.ListActive(ctx, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for %s: %w", eventType, err)
	}
	if len(subs) == 0 {
		return nil, nil
	}

	fields := stringFields(event.Fields())
	var payload []byte
	var ids []string
	for _, sub := range subs {
		if !sub.Matches(eventType, fields) {
			continue
		}
		if payload == nil {
			payload, err = json.Marshal(event)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s: %w", eventType, err)
			}
		}

		id, err := gonanoid.New()
		if err != nil {
			return ids, fmt.Errorf("failed to generate delivery id: %w", err)
		}
		now := time.Now()
		d := Delivery{
			ID:             id,
			SubscriptionID: sub.ID,
			EventType:      eventType,
			Payload:        payload,
			Status:         StatusPending,
			FirstAttemptAt: now,
			NextAttemptAt:  &now,
		}
		if err := e.repo.SaveDelivery(ctx, d); err != nil {
			e.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("Failed to record delivery")
			continue
		}
		e.sched.schedule(id, now)
		ids = append(ids, id)

		e.logger.Debug().
			Str("delivery_id", id).
			Str("subscription_id", sub.ID).
			Str("event_type", eventType).
			Msg("Delivery scheduled")
	}
	return ids, nil
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.jobs:
			e.attempt(ctx, id)
		}
	}
}

func (e *Engine) claim(id string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.inflightMu.Lock()
	delete(e.inflight, id)
	e.inflightMu.Unlock()
}

func (e *Engine) attempt(ctx context.Context, id string) {
	if !e.claim(id) {
		return
	}
	defer e.release(id)

	d, err := e.repo.GetDelivery(ctx, id)
	if err != nil {
		if !faults.Is(err, faults.KindNotFound) {
			e.logger.Error().Err(err).Str("delivery_id", id).Msg("Failed to load delivery")
		}
		return
	}
	if d.Status.Terminal() {
		return
	}

	sub, err := e.repo.GetSubscription(ctx, d.SubscriptionID)
	if err != nil {
		if !faults.Is(err, faults.KindNotFound) {
			e.logger.Error().Err(err).Str("delivery_id", id).Msg("Failed to load subscription")
		}
		return
	}

	attempt := d.Attempts + 1
	if !sub.Active || attempt > sub.Retry.MaxAttempts() {
		reason := "subscription inactive"
		if sub.Active {
			reason = "attempts exhausted"
		}
		now := time.Now()
		d.Status = StatusFailed
		d.LastError = reason
		d.CompletedAt = &now
		d.NextAttemptAt = nil
		e.save(ctx, d)
		return
	}

	start := time.Now()
	code, postErr := e.post(ctx, sub, d, attempt)
	duration := time.Since(start)

	// Stop interrupted the call; the attempt does not count.
	if ctx.Err() != nil {
		return
	}

	success := postErr == nil
	now := time.Now()
	e.stats.track(sub.ID, success, duration, now)
	observability.RecordWebhookAttempt(d.EventType, duration, success)

	d.Attempts = attempt
	d.LastStatusCode = code
	d.LastError = ""
	if postErr != nil {
		d.LastError = postErr.Error()
	}

	switch {
	case success:
		d.Status = StatusDelivered
		d.CompletedAt = &now
		d.NextAttemptAt = nil
		e.save(ctx, d)
		e.recordOutcome(ctx, sub.ID, true, now)
		observability.RecordWebhookOutcome(string(StatusDelivered))

		e.logger.Info().
			Str("delivery_id", d.ID).
			Str("subscription_id", sub.ID).
			Int("attempt", attempt).
			Int("status_code", code).
			Msg("Webhook delivered")

	case attempt <= sub.Retry.MaxRetries:
		next := now.Add(sub.Retry.Backoff(attempt))
		d.Status = StatusRetrying
		d.NextAttemptAt = &next
		if e.save(ctx, d) {
			e.sched.schedule(d.ID, next)
		}

		e.logger.Warn().
			Err(postErr).
			Str("delivery_id", d.ID).
			Str("subscription_id", sub.ID).
			Int("attempt", attempt).
			Time("next_attempt_at", next).
			Msg("Webhook attempt failed, retrying")

	default:
		d.Status = StatusFailed
		d.CompletedAt = &now
		d.NextAttemptAt = nil
		e.save(ctx, d)
		e.recordOutcome(ctx, sub.ID, false, now)
		observability.RecordWebhookOutcome(string(StatusFailed))

		e.logger.Error().
			Err(faults.DeliveryExhausted(d.ID, attempt)).
			Str("subscription_id", sub.ID).
			Str("url", sub.URL).
			Str("last_error", d.LastError).
			Msg("Webhook delivery failed")
	}
}

func (e *Engine) save(ctx context.Context, d Delivery) bool {
	if err := e.repo.SaveDelivery(ctx, d); err != nil {
		// deleted subscriptions take their deliveries with them
		if !faults.Is(err, faults.KindNotFound) {
			e.logger.Error().Err(err).Str("delivery_id", d.ID).Msg("Failed to save delivery")
		}
		return false
	}
	return true
}

func (e *Engine) recordOutcome(ctx context.Context, subscriptionID string, success bool, at time.Time) {
	if err := e.repo.RecordOutcome(ctx, subscriptionID, success, at); err != nil && !faults.Is(err, faults.KindNotFound) {
		e.logger.Error().Err(err).Str("subscription_id", subscriptionID).Msg("Failed to record delivery outcome")
	}
}

// post makes one HTTP call. A nil error means a 2xx response.
func (e *Engine) post(ctx context.Context, sub Subscription, d Delivery, attempt int) (int, error) {
	body, err := json.Marshal(Envelope{
		ID:          d.ID,
		EventType:   d.EventType,
		Payload:     d.Payload,
		DeliveredAt: time.Now().UTC(),
		Attempt:     attempt,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode envelope: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set(HeaderEvent, d.EventType)
	req.Header.Set(HeaderDelivery, d.ID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, sub.Secret))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// AddSubscription validates and stores a new subscription.
func (e *Engine) AddSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	if err := ValidateSubscription(sub); err != nil {
		return Subscription{}, err
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if err := e.repo.SaveSubscription(ctx, sub); err != nil {
		return Subscription{}, err
	}

	e.logger.Info().
		Str("subscription_id", sub.ID).
		Str("event_type", sub.EventType).
		Str("url", sub.URL).
		Bool("signed", sub.Secret != "").
		Msg("Webhook subscription added")
	return sub, nil
}

// RemoveSubscription deletes a subscription and its delivery history.
func (e *Engine) RemoveSubscription(ctx context.Context, id string) error {
	if err := e.repo.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	e.stats.forget(id)
	e.logger.Info().Str("subscription_id", id).Msg("Webhook subscription removed")
	return nil
}

// SetActive pauses or resumes a subscription.
func (e *Engine) SetActive(ctx context.Context, id string, active bool) error {
	sub, err := e.repo.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	sub.Active = active
	return e.repo.SaveSubscription(ctx, sub)
}

func (e *Engine) Subscriptions(ctx context.Context) ([]Subscription, error) {
	return e.repo.ListSubscriptions(ctx)
}

func (e *Engine) Deliveries(ctx context.Context, q DeliveryQuery) ([]Delivery, error) {
	return e.repo.ListDeliveries(ctx, q)
}

// Stats returns per-subscription attempt statistics since start.
func (e *Engine) Stats() []AttemptStats {
	return e.stats.all()
}

// StatsFor returns attempt statistics for one subscription.
func (e *Engine) StatsFor(subscriptionID string) (AttemptStats, bool) {
	return e.stats.get(subscriptionID)
}

// ValidateSubscription checks the fields a subscription needs to be deliverable.
func ValidateSubscription(sub Subscription) error {
	if strings.TrimSpace(sub.EventType) == "" {
		return faults.InvalidInput("event type is required")
	}
	u, err := url.Parse(sub.URL)
	if err != nil || u.Host == "" {
		return faults.InvalidInput("invalid webhook url %q", sub.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return faults.InvalidInput("webhook url must be http or https, got %q", u.Scheme)
	}
	if sub.Retry.MaxRetries < 0 {
		return faults.InvalidInput("max retries must not be negative")
	}
	if sub.Retry.BaseBackoff < 0 {
		return faults.InvalidInput("base backoff must not be negative")
	}
	if sub.Retry.MaxBackoff < 0 {
		return faults.InvalidInput("max backoff must not be negative")
	}
	return nil
}

func stringFields(fields map[string]interface{}) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		switch value := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = value
		case float64:
			out[k] = strconv.FormatFloat(value, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(value)
		case time.Time:
			out[k] = value.UTC().Format(time.RFC3339)
		default:
			out[k] = fmt.Sprint(value)
		}
	}
	return out
}
