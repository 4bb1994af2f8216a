package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule names a sliding-window limit.
type Rule struct {
	// Prefix namespaces keys so rules never share a window.
	Prefix string
	// Limit is the number of events allowed per Window. Zero denies all.
	Limit int
	Window time.Duration
}

// Result is the outcome of one Window.Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders returns the X-RateLimit-* headers for r.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Window is a sliding-log limiter. With a Redis client every replica sees the
// same window, stored as a sorted set per key. Without one the log is kept
// in process.
type Window struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
	seq    atomic.Uint64

	mu   sync.Mutex
	logs map[string][]time.Time
}

// NewWindow creates a Window. client may be nil.
func NewWindow(client *redis.Client, logger *slog.Logger) *Window {
	return &Window{
		client: client,
		logger: logger,
		now:    time.Now,
		logs:   make(map[string][]time.Time),
	}
}

// Shared reports whether the window is backed by Redis.
func (w *Window) Shared() bool { return w.client != nil }

// Allow records one event for key under rule if the window has room. A
// Redis failure fails open and is logged.
func (w *Window) Allow(ctx context.Context, rule Rule, key string) Result {
	now := w.now()
	if rule.Limit <= 0 {
		return Result{Allowed: false, Limit: 0, Remaining: 0, ResetAt: now.Add(rule.Window)}
	}
	if w.client == nil {
		return w.allowLocal(rule, key, now)
	}
	res, err := w.allowRedis(ctx, rule, key, now)
	if err != nil {
		w.logger.Warn("ratelimit: redis window failed, allowing", "prefix", rule.Prefix, "key", key, "error", err)
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: now.Add(rule.Window)}
	}
	return res
}

func (w *Window) allowLocal(rule Rule, key string, now time.Time) Result {
	k := rule.Prefix + ":" + key
	cutoff := now.Add(-rule.Window)

	w.mu.Lock()
	defer w.mu.Unlock()
	log := w.logs[k]
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	log = log[i:]

	res := Result{Limit: rule.Limit}
	if len(log) < rule.Limit {
		log = append(log, now)
		res.Allowed = true
	}
	res.Remaining = max(0, rule.Limit-len(log))
	res.ResetAt = now.Add(rule.Window)
	if len(log) > 0 {
		res.ResetAt = log[0].Add(rule.Window)
	}
	if len(log) == 0 {
		delete(w.logs, k)
	} else {
		w.logs[k] = log
	}
	return res
}

func (w *Window) allowRedis(ctx context.Context, rule Rule, key string, now time.Time) (Result, error) {
	k := "kizuna:rl:" + rule.Prefix + ":" + key
	nowUS := now.UnixMicro()
	cutoff := now.Add(-rule.Window).UnixMicro()
	member := strconv.FormatInt(nowUS, 10) + "-" + strconv.FormatUint(w.seq.Add(1), 10)

	var card *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := w.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff, 10))
		p.ZAdd(ctx, k, redis.Z{Score: float64(nowUS), Member: member})
		card = p.ZCard(ctx, k)
		oldest = p.ZRangeWithScores(ctx, k, 0, 0)
		p.PExpire(ctx, k, rule.Window)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: pipeline: %w", err)
	}

	count := int(card.Val())
	res := Result{Limit: rule.Limit, ResetAt: now.Add(rule.Window)}
	if zs := oldest.Val(); len(zs) > 0 {
		res.ResetAt = time.UnixMicro(int64(zs[0].Score)).Add(rule.Window)
	}
	if count > rule.Limit {
		// Over the limit: this event does not count.
		if err := w.client.ZRem(ctx, k, member).Err(); err != nil {
			return Result{}, fmt.Errorf("ratelimit: zrem: %w", err)
		}
		res.Remaining = 0
		return res, nil
	}
	res.Allowed = true
	res.Remaining = rule.Limit - count
	return res, nil
}
