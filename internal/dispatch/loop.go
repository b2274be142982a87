// Package dispatch runs the periodic send loop: promote due items, claim a
// batch, pick a sending number per item, send, and record the outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/dripline/internal/drip"
	"github.com/lalithlochan/dripline/internal/events"
	"github.com/lalithlochan/dripline/internal/metrics"
	"github.com/lalithlochan/dripline/internal/numbers"
	"github.com/lalithlochan/dripline/internal/phone"
	"github.com/lalithlochan/dripline/internal/retry"
	"github.com/lalithlochan/dripline/internal/transport"
)

// GlobalRateKey is the limiter key shared by every dispatcher process.
const GlobalRateKey = "dispatch:global"

// writeTimeout bounds queue writes made after a send, which run detached
// from the tick context so shutdown cannot strand an item in SENDING.
const writeTimeout = 10 * time.Second

// Skip reasons reported in TickResult.Skipped.
const (
	SkipBusy       = "busy"
	SkipQuietHours = "quiet_hours"
	SkipGlobalRate = "global_rate"
)

type Queue interface {
	Promote(ctx context.Context, limit int) (drip.PromoteResult, error)
	ClaimReady(ctx context.Context, limit int) ([]*drip.Item, error)
	AssignNumber(ctx context.Context, id, number string) error
	MarkSent(ctx context.Context, id, providerMessageID string) error
	MarkRetry(ctx context.Context, id string, nextSendAt time.Time, reason string) (drip.Status, error)
	MarkFailed(ctx context.Context, id, reason string) error
	Release(ctx context.Context, id string, nextSendAt time.Time, reason string) error
	Throttle(ctx context.Context, id string, nextSendAt time.Time, reason string) error
	CountByStatus(ctx context.Context) (map[drip.Status]int, error)
}

type Pool interface {
	Lock(number string) func()
	SelectNumber(ctx context.Context, market string) (*numbers.Number, error)
	Eligible(ctx context.Context, number string) (*numbers.Number, error)
	TryConsume(ctx context.Context, number string) (numbers.ConsumeResult, error)
	Release(ctx context.Context, number string) error
}

type QuietHours interface {
	IsQuiet(now time.Time) bool
	NextAllowed(now time.Time) time.Time
}

type RetryPolicy interface {
	Decide(err error, retryCount int, now time.Time) retry.Decision
}

// Limiter grants up to n units from a shared window. Release hands back
// units that were granted but not used.
type Limiter interface {
	Reserve(ctx context.Context, key string, n int) (int, error)
	Release(ctx context.Context, key string, n int) error
}

type Config struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	SendTimeout time.Duration

	// Jitter is the upper bound of the random delay used when a number was
	// taken by a concurrent worker.
	Jitter time.Duration

	// NoNumberRequeue delays an item when its market has no quota left.
	NoNumberRequeue time.Duration

	// PromoteLimit caps promotions per tick. Zero means ten batches.
	PromoteLimit int

	Now func() time.Time
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.Jitter <= 0 {
		c.Jitter = 2 * time.Second
	}
	if c.NoNumberRequeue <= 0 {
		c.NoNumberRequeue = 5 * time.Minute
	}
	if c.PromoteLimit <= 0 {
		c.PromoteLimit = c.BatchSize * 10
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Deps are the loop's collaborators. Quiet, Limiter and Sink are optional.
type Deps struct {
	Queue     Queue
	Pool      Pool
	Transport transport.Transport
	Retry     RetryPolicy
	Quiet     QuietHours
	Limiter   Limiter
	Sink      events.Sink
}

// Loop is safe to Tick from several goroutines; overlapping ticks are
// skipped rather than queued.
type Loop struct {
	deps    Deps
	cfg     Config
	logger  *zap.Logger
	running atomic.Bool

	// admitted counts items handed to the transport in the current tick.
	admitted atomic.Int64
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Loop {
	cfg.defaults()
	return &Loop{deps: deps, cfg: cfg, logger: logger}
}

// TickResult summarizes one tick.
type TickResult struct {
	Skipped     string    `json:"skipped,omitempty"`
	NextAllowed time.Time `json:"next_allowed,omitempty"`
	Promoted    int       `json:"promoted"`
	Exhausted   int       `json:"exhausted"`
	Claimed     int       `json:"claimed"`
	Sent        int       `json:"sent"`
	Retried     int       `json:"retried"`
	Failed      int       `json:"failed"`
	Deferred    int       `json:"deferred"`
	Throttled   int       `json:"throttled"`
	Errors      int       `json:"errors"`
}

func (r *TickResult) add(k events.Kind) {
	switch k {
	case events.KindSent:
		r.Sent++
	case events.KindRetry:
		r.Retried++
	case events.KindFailed:
		r.Failed++
	case events.KindDeferred:
		r.Deferred++
	case events.KindThrottled:
		r.Throttled++
	case events.KindError:
		r.Errors++
	}
}

// Start ticks every Interval until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.logger.Info("dispatch loop started",
		zap.Duration("interval", l.cfg.Interval),
		zap.Int("batch_size", l.cfg.BatchSize),
		zap.Int("concurrency", l.cfg.Concurrency),
	)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("dispatch loop stopping")
			return
		case <-ticker.C:
			if _, err := l.Tick(ctx); err != nil && ctx.Err() == nil {
				l.logger.Error("dispatch tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one dispatch pass. A failing item never fails the tick; only
// errors reaching the queue or the global limiter do.
func (l *Loop) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult

	if !l.running.CompareAndSwap(false, true) {
		metrics.RecordTickSkipped(SkipBusy)
		res.Skipped = SkipBusy
		return res, nil
	}
	defer l.running.Store(false)

	started := time.Now()
	defer func() { metrics.RecordTick(time.Since(started)) }()

	now := l.cfg.Now().UTC()
	if l.deps.Quiet != nil && l.deps.Quiet.IsQuiet(now) {
		metrics.RecordTickSkipped(SkipQuietHours)
		res.Skipped = SkipQuietHours
		res.NextAllowed = l.deps.Quiet.NextAllowed(now)
		l.logger.Debug("quiet hours, skipping tick", zap.Time("next_allowed", res.NextAllowed))
		return res, nil
	}

	promoted, err := l.deps.Queue.Promote(ctx, l.cfg.PromoteLimit)
	if err != nil {
		return res, fmt.Errorf("promote: %w", err)
	}
	res.Promoted = promoted.Ready
	res.Exhausted = promoted.Exhausted

	l.admitted.Store(0)
	want := l.cfg.BatchSize
	if l.deps.Limiter != nil {
		granted, err := l.deps.Limiter.Reserve(ctx, GlobalRateKey, want)
		if err != nil {
			return res, fmt.Errorf("global rate limit: %w", err)
		}
		if granted == 0 {
			metrics.RecordTickSkipped(SkipGlobalRate)
			res.Skipped = SkipGlobalRate
			l.logger.Debug("global dispatch rate reached, skipping tick")
			return res, nil
		}
		want = granted
		defer l.releaseUnused(ctx, granted)
	}

	items, err := l.deps.Queue.ClaimReady(ctx, want)
	if err != nil {
		return res, fmt.Errorf("claim: %w", err)
	}
	res.Claimed = len(items)

	if len(items) > 0 {
		kinds := l.dispatchAll(ctx, items)
		for _, k := range kinds {
			res.add(k)
		}
	}

	l.reportDepth(ctx)

	if res.Claimed > 0 || res.Promoted > 0 || res.Exhausted > 0 {
		l.logger.Info("dispatch tick complete",
			zap.Int("promoted", res.Promoted),
			zap.Int("exhausted", res.Exhausted),
			zap.Int("claimed", res.Claimed),
			zap.Int("sent", res.Sent),
			zap.Int("retried", res.Retried),
			zap.Int("failed", res.Failed),
			zap.Int("deferred", res.Deferred),
			zap.Int("throttled", res.Throttled),
			zap.Duration("took", time.Since(started)),
		)
	}
	return res, nil
}

// dispatchAll runs items on a pool of min(len(items), Concurrency) workers.
func (l *Loop) dispatchAll(ctx context.Context, items []*drip.Item) []events.Kind {
	kinds := make([]events.Kind, len(items))

	var g errgroup.Group
	g.SetLimit(min(len(items), l.cfg.Concurrency))
	for i, it := range items {
		g.Go(func() error {
			kinds[i] = l.dispatchItem(ctx, it)
			return nil
		})
	}
	_ = g.Wait()

	return kinds
}

// releaseUnused returns global window slots reserved for this tick but not
// spent on a send.
func (l *Loop) releaseUnused(ctx context.Context, granted int) {
	unused := granted - int(l.admitted.Load())
	if unused <= 0 {
		return
	}
	wctx, cancel := l.writeContext(ctx)
	defer cancel()
	if err := l.deps.Limiter.Release(wctx, GlobalRateKey, unused); err != nil {
		l.logger.Warn("failed to release global rate slots", zap.Int("unused", unused), zap.Error(err))
	}
}

func (l *Loop) dispatchItem(ctx context.Context, it *drip.Item) events.Kind {
	out := events.Outcome{
		ItemID:     it.ID,
		FromNumber: it.FromNumber,
		Market:     it.Market,
		CampaignID: it.CampaignID,
		RetryCount: it.RetryCount,
	}

	// Quiet hours may begin while a long tick is still running.
	if l.deps.Quiet != nil {
		if now := l.cfg.Now().UTC(); l.deps.Quiet.IsQuiet(now) {
			return l.requeue(ctx, it, &out, l.deps.Quiet.NextAllowed(now).Sub(now), "quiet hours")
		}
	}

	number, err := l.pickNumber(ctx, it)
	switch {
	case errors.Is(err, numbers.ErrNoCapacity):
		return l.requeue(ctx, it, &out, l.cfg.NoNumberRequeue, "no sending number available")
	case errors.Is(err, numbers.ErrNotFound) && it.FromNumber != "":
		return l.fail(ctx, it, &out, fmt.Sprintf("sending number %s is not provisioned", it.FromNumber))
	case err != nil:
		l.logger.Error("number selection failed", zap.String("item_id", it.ID), zap.Error(err))
		return l.requeue(ctx, it, &out, l.jitter(), "number selection failed")
	}
	out.FromNumber = number

	unlock := l.deps.Pool.Lock(number)
	defer unlock()

	if ctx.Err() != nil {
		out.FromNumber = it.FromNumber
		return l.requeue(ctx, it, &out, 0, "dispatcher shutting down")
	}

	consumed, err := l.deps.Pool.TryConsume(ctx, number)
	if err != nil {
		metrics.RecordNumberConsumption("error")
		l.logger.Error("quota consumption failed", zap.String("item_id", it.ID), zap.String("number", number), zap.Error(err))
		return l.requeue(ctx, it, &out, l.jitter(), "quota consumption failed")
	}
	metrics.RecordNumberConsumption(string(consumed.Reason))

	switch consumed.Reason {
	case numbers.ConsumeOK:
	case numbers.ConsumeRate:
		return l.throttle(ctx, it, &out, consumed.RetryAfter)
	default:
		// Lost the last unit of quota to another worker; try again shortly,
		// possibly on another number.
		out.FromNumber = it.FromNumber
		return l.requeue(ctx, it, &out, l.jitter(), "sending number "+string(consumed.Reason))
	}

	wctx, cancel := l.writeContext(ctx)
	defer cancel()

	if it.FromNumber == "" {
		if err := l.deps.Queue.AssignNumber(wctx, it.ID, number); err != nil {
			l.logger.Error("failed to bind sending number", zap.String("item_id", it.ID), zap.Error(err))
			l.releaseNumber(wctx, it, number)
			out.FromNumber = ""
			return l.requeue(ctx, it, &out, l.jitter(), "number binding failed")
		}
	}

	if ctx.Err() != nil {
		l.releaseNumber(wctx, it, number)
		return l.requeue(ctx, it, &out, 0, "dispatcher shutting down")
	}

	providerID, sendErr := l.send(ctx, it, number)
	if sendErr == nil {
		return l.sent(wctx, it, &out, providerID)
	}
	return l.sendFailed(wctx, it, &out, sendErr)
}

// releaseNumber returns quota consumed for an item that will not be sent.
func (l *Loop) releaseNumber(ctx context.Context, it *drip.Item, number string) {
	if err := l.deps.Pool.Release(ctx, number); err != nil {
		l.logger.Warn("failed to release sending number quota",
			zap.String("item_id", it.ID),
			zap.String("number", number),
			zap.Error(err),
		)
	}
}

func (l *Loop) pickNumber(ctx context.Context, it *drip.Item) (string, error) {
	if it.FromNumber != "" {
		if _, err := l.deps.Pool.Eligible(ctx, it.FromNumber); err != nil {
			return "", err
		}
		return it.FromNumber, nil
	}
	n, err := l.deps.Pool.SelectNumber(ctx, it.Market)
	if err != nil {
		return "", err
	}
	return n.Number, nil
}

func (l *Loop) send(ctx context.Context, it *drip.Item, number string) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, l.cfg.SendTimeout)
	defer cancel()

	// Every retry of an item reuses its id as the key.
	msg := transport.Message{
		From:           number,
		To:             it.Phone,
		Body:           it.Body,
		IdempotencyKey: it.ID,
	}

	l.admitted.Add(1)

	start := time.Now()
	id, err := l.deps.Transport.Send(sendCtx, msg)
	metrics.RecordTransportSend(l.deps.Transport.Name(), time.Since(start))
	return id, err
}

func (l *Loop) sent(ctx context.Context, it *drip.Item, out *events.Outcome, providerID string) events.Kind {
	if err := l.deps.Queue.MarkSent(ctx, it.ID, providerID); err != nil {
		// The provider has the message; retrying would send it twice.
		l.logger.Error("failed to record sent item",
			zap.String("item_id", it.ID),
			zap.String("provider_message_id", providerID),
			zap.Error(err),
		)
	}

	out.Status = string(drip.StatusSent)
	out.ProviderMessageID = providerID
	l.logger.Info("drip item sent",
		zap.String("item_id", it.ID),
		zap.String("from", out.FromNumber),
		zap.String("to", phone.Last4(it.Phone)),
		zap.String("provider_message_id", providerID),
	)
	return l.emit(ctx, out, events.KindSent)
}

func (l *Loop) sendFailed(ctx context.Context, it *drip.Item, out *events.Outcome, sendErr error) events.Kind {
	now := l.cfg.Now().UTC()
	d := l.deps.Retry.Decide(sendErr, it.RetryCount, now)
	out.Reason = d.Reason

	if d.Class == retry.Permanent {
		return l.fail(ctx, it, out, d.Reason)
	}

	status, err := l.deps.Queue.MarkRetry(ctx, it.ID, d.NextSendAt, d.Reason)
	if err != nil {
		l.logger.Error("failed to record retry", zap.String("item_id", it.ID), zap.Error(err))
		out.Reason = retry.Truncate("retry not recorded: " + err.Error())
		return l.emit(ctx, out, events.KindError)
	}

	out.RetryCount = it.RetryCount + 1
	out.Status = string(status)
	if status == drip.StatusFailed {
		l.logger.Warn("drip item failed, retries exhausted",
			zap.String("item_id", it.ID),
			zap.Int("retry_count", out.RetryCount),
			zap.String("reason", d.Reason),
		)
		return l.emit(ctx, out, events.KindFailed)
	}

	out.NextSendAt = d.NextSendAt
	l.logger.Info("drip item scheduled for retry",
		zap.String("item_id", it.ID),
		zap.Int("retry_count", out.RetryCount),
		zap.Time("next_send_at", d.NextSendAt),
		zap.String("reason", d.Reason),
	)
	return l.emit(ctx, out, events.KindRetry)
}

func (l *Loop) fail(ctx context.Context, it *drip.Item, out *events.Outcome, reason string) events.Kind {
	wctx, cancel := l.writeContext(ctx)
	defer cancel()

	reason = retry.Truncate(reason)
	if err := l.deps.Queue.MarkFailed(wctx, it.ID, reason); err != nil {
		l.logger.Error("failed to record failed item", zap.String("item_id", it.ID), zap.Error(err))
	}
	out.Status = string(drip.StatusFailed)
	out.Reason = reason
	l.logger.Warn("drip item failed permanently", zap.String("item_id", it.ID), zap.String("reason", reason))
	return l.emit(wctx, out, events.KindFailed)
}

// requeue hands the item back to READY after delay.
func (l *Loop) requeue(ctx context.Context, it *drip.Item, out *events.Outcome, delay time.Duration, reason string) events.Kind {
	wctx, cancel := l.writeContext(ctx)
	defer cancel()

	next := l.cfg.Now().UTC().Add(delay)
	if err := l.deps.Queue.Release(wctx, it.ID, next, reason); err != nil {
		l.logger.Error("failed to release item", zap.String("item_id", it.ID), zap.Error(err))
	}
	out.Status = string(drip.StatusReady)
	out.Reason = reason
	out.NextSendAt = next
	l.logger.Debug("drip item deferred",
		zap.String("item_id", it.ID),
		zap.String("reason", reason),
		zap.Time("next_send_at", next),
	)
	return l.emit(wctx, out, events.KindDeferred)
}

func (l *Loop) throttle(ctx context.Context, it *drip.Item, out *events.Outcome, wait time.Duration) events.Kind {
	wctx, cancel := l.writeContext(ctx)
	defer cancel()

	if wait <= 0 {
		wait = time.Second
	}
	next := l.cfg.Now().UTC().Add(wait)
	reason := "sending number rate limited"
	if err := l.deps.Queue.Throttle(wctx, it.ID, next, reason); err != nil {
		l.logger.Error("failed to throttle item", zap.String("item_id", it.ID), zap.Error(err))
	}
	out.FromNumber = it.FromNumber
	out.Status = string(drip.StatusThrottled)
	out.Reason = reason
	out.NextSendAt = next
	l.logger.Debug("drip item throttled",
		zap.String("item_id", it.ID),
		zap.Duration("retry_after", wait),
	)
	return l.emit(wctx, out, events.KindThrottled)
}

func (l *Loop) emit(ctx context.Context, out *events.Outcome, kind events.Kind) events.Kind {
	out.Kind = kind
	out.Timestamp = l.cfg.Now().UTC()
	metrics.RecordDispatchOutcome(string(kind))

	if l.deps.Sink != nil {
		if err := l.deps.Sink.Publish(ctx, *out); err != nil {
			l.logger.Warn("failed to publish dispatch outcome",
				zap.String("item_id", out.ItemID),
				zap.String("outcome", string(kind)),
				zap.Error(err),
			)
		}
	}
	return kind
}

func (l *Loop) reportDepth(ctx context.Context) {
	counts, err := l.deps.Queue.CountByStatus(ctx)
	if err != nil {
		l.logger.Debug("queue depth unavailable", zap.Error(err))
		return
	}
	for _, s := range drip.AllStatuses {
		metrics.SetQueueDepth(string(s), counts[s])
	}
}

// jitter is a random delay in [1s, Jitter].
func (l *Loop) jitter() time.Duration {
	secs := int(l.cfg.Jitter / time.Second)
	if secs <= 1 {
		return time.Second
	}
	return time.Duration(1+rand.IntN(secs)) * time.Second
}

func (l *Loop) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}
