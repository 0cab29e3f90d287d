package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/pkg/audit"
	"github.com/securebridge/dicom-bridge/pkg/metrics"
)

// WindowStore counts hits inside a sliding window
type WindowStore interface {
	// Hit records a request at now and returns the number of requests in
	// (now-window, now] plus the time of the oldest one
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, time.Time, error)
}

// RedisWindowStore keeps one sorted set per key, scored by request time
type RedisWindowStore struct {
	client *redis.Client
	prefix string
	seq    uint64
}

// NewRedisWindowStore stores windows under <prefix>:ratelimit:<key>
func NewRedisWindowStore(client *redis.Client, prefix string) *RedisWindowStore {
	return &RedisWindowStore{client: client, prefix: prefix}
}

func (s *RedisWindowStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, time.Time, error) {
	redisKey := s.prefix + ":ratelimit:" + key
	nowMs := now.UnixMilli()
	floor := nowMs - window.Milliseconds()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(atomic.AddUint64(&s.seq, 1), 10)

	var card *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(floor, 10))
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(nowMs), Member: member})
		card = pipe.ZCard(ctx, redisKey)
		oldest = pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
		pipe.PExpire(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("rate limit store: %w", err)
	}

	oldestAt := now
	if z := oldest.Val(); len(z) > 0 {
		oldestAt = time.UnixMilli(int64(z[0].Score))
	}
	return card.Val(), oldestAt, nil
}

// MemoryWindowStore is a single-process WindowStore
type MemoryWindowStore struct {
	mu    sync.Mutex
	hits  map[string][]time.Time
	calls int
}

// NewMemoryWindowStore creates an empty store
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{hits: make(map[string][]time.Time)}
}

func (s *MemoryWindowStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	floor := now.Add(-window)
	s.calls++
	if s.calls%256 == 0 {
		// drop sources that have been quiet for a whole window
		for k, hits := range s.hits {
			if len(hits) == 0 || !hits[len(hits)-1].After(floor) {
				delete(s.hits, k)
			}
		}
	}

	kept := s.hits[key][:0]
	for _, t := range s.hits[key] {
		if t.After(floor) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.hits[key] = kept
	return int64(len(kept)), kept[0], nil
}

// Decision is the outcome of one rate-limit check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	// Degraded means the store failed and the request was let through
	Degraded bool
}

// RateLimiterOptions configures a RateLimiter
type RateLimiterOptions struct {
	Store       WindowStore
	Window      time.Duration
	MaxRequests int
	FailOpen    bool
	AuditLog    audit.Logger
	Logger      *logrus.Logger
	Clock       func() time.Time
}

// RateLimiter enforces a per-source sliding window. Rejected requests count
// toward the window, so a source must back off to recover.
type RateLimiter struct {
	opts RateLimiterOptions
}

// NewRateLimiter validates opts and creates a limiter
func NewRateLimiter(opts RateLimiterOptions) (*RateLimiter, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("rate limiter requires a window store")
	}
	if opts.Window <= 0 || opts.MaxRequests <= 0 {
		return nil, fmt.Errorf("rate limiter window and max_requests must be positive")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &RateLimiter{opts: opts}, nil
}

// Allow records one request from key and decides whether to admit it
func (l *RateLimiter) Allow(ctx context.Context, key string) Decision {
	now := l.opts.Clock()
	count, oldest, err := l.opts.Store.Hit(ctx, key, now, l.opts.Window)
	if err != nil {
		return l.degraded(ctx, key, err)
	}

	d := Decision{Limit: l.opts.MaxRequests}
	if count <= int64(l.opts.MaxRequests) {
		d.Allowed = true
		d.Remaining = l.opts.MaxRequests - int(count)
		return d
	}

	d.RetryAfter = oldest.Add(l.opts.Window).Sub(now)
	if d.RetryAfter < time.Second {
		d.RetryAfter = time.Second
	}
	return d
}

func (l *RateLimiter) degraded(ctx context.Context, key string, err error) Decision {
	l.opts.Logger.WithError(err).WithField("source_ip", key).Warn("Rate limit store unavailable")
	metrics.RecordDegraded("rate_limit")
	if l.opts.AuditLog != nil {
		l.opts.AuditLog.Log(ctx, "webhook.security.rate_limit_degraded", map[string]interface{}{
			"source_ip": key,
			"fail_open": l.opts.FailOpen,
			"error":     err.Error(),
		})
	}
	if l.opts.FailOpen {
		return Decision{Allowed: true, Limit: l.opts.MaxRequests, Degraded: true}
	}
	return Decision{Limit: l.opts.MaxRequests, RetryAfter: time.Second, Degraded: true}
}

// Middleware rejects requests over the limit with 429 and Retry-After
func (l *RateLimiter) Middleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, trustProxy)
			d := l.Allow(r.Context(), ip)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			if d.Allowed {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				next.ServeHTTP(w, r)
				return
			}

			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.Itoa(retry))

			reason := string(ReasonRateLimitExceeded)
			if d.Degraded {
				reason = string(ReasonRateLimitUnavailable)
			} else {
				metrics.RecordValidationFailure(reason)
				if l.opts.AuditLog != nil {
					l.opts.AuditLog.Log(r.Context(), "webhook.security."+reason, map[string]interface{}{
						"source_ip":   ip,
						"limit":       d.Limit,
						"window":      l.opts.Window.String(),
						"retry_after": retry,
						"path":        r.URL.Path,
					})
				}
			}

			status := http.StatusTooManyRequests
			if d.Degraded {
				status = http.StatusServiceUnavailable
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
		})
	}
}

// ClientIP returns the first X-Forwarded-For entry when proxy headers are
// trusted, otherwise the connection's remote address
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if first != "" {
				return first
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
