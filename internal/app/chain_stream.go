package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"copybot/clients/logstream"

	"go.uber.org/zap"
)

// StreamConn is one log-subscription connection. *logstream.Conn satisfies it.
type StreamConn interface {
	Subscribe(filter logstream.FilterQuery) (uint64, error)
	Unsubscribe(subID string) (uint64, error)
	Messages() <-chan logstream.Message
	Done() <-chan struct{}
	Err() error
	Close() error
}

// StreamDialer opens a StreamConn to url.
type StreamDialer func(ctx context.Context, url string) (StreamConn, error)

// LogStreamDialer dials real WebSocket connections.
func LogStreamDialer(logger *zap.Logger, pingInterval time.Duration) StreamDialer {
	return func(ctx context.Context, url string) (StreamConn, error) {
		conn, err := logstream.Dial(ctx, logger, url, pingInterval)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// streamHandler receives a chainStream's lifecycle callbacks. All three run on
// the stream's own goroutine.
type streamHandler interface {
	onConnected(conn StreamConn)
	onMessage(msg logstream.Message)
	onDisconnected()
}

// StreamConfig is the reconnect policy shared by both subscription managers.
type StreamConfig struct {
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	RateLimitMaxRetries int // Past this many rate-limit errors the chain stops reconnecting
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		BackoffBase:         1 * time.Second,
		BackoffMax:          60 * time.Second,
		RateLimitMaxRetries: 5,
	}
}

// backoffDelay is base * 2^attempt, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// rateLimitState is the rate-limit history of one chain's upstream. Streams
// use the running count; the explorer uses the cooldown expiry.
type rateLimitState struct {
	mu     sync.Mutex
	count  int
	lastAt time.Time
	until  time.Time
}

// hit records a rate-limit response. A positive cooldown pushes the expiry
// out to now+cooldown. Returns the running count.
func (r *rateLimitState) hit(now time.Time, cooldown time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	r.lastAt = now
	if cooldown > 0 {
		r.until = now.Add(cooldown)
	}
	return r.count
}

// active reports whether a cooldown is still running.
func (r *rateLimitState) active(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Before(r.until)
}

func (r *rateLimitState) snapshot() (count int, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count, r.until
}

// chainStream keeps one connection to a chain alive: dial, hand messages to
// the handler, and reconnect with backoff until stopped or rate-limited out.
type chainStream struct {
	logger  *zap.Logger
	manager string
	chain   string
	url     string
	dial    StreamDialer
	handler streamHandler
	cfg     StreamConfig
	metrics *Metrics

	cancel context.CancelFunc
	done   chan struct{}

	stopped   atomic.Bool // Intentional close, never reconnect
	fellBack  atomic.Bool
	connected atomic.Bool

	rate rateLimitState
}

func newChainStream(
	logger *zap.Logger,
	manager, chain, url string,
	dial StreamDialer,
	handler streamHandler,
	cfg StreamConfig,
	metrics *Metrics,
) *chainStream {
	return &chainStream{
		logger:  logger.With(zap.String("chain", chain)),
		manager: manager,
		chain:   chain,
		url:     url,
		dial:    dial,
		handler: handler,
		cfg:     cfg,
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

func (s *chainStream) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	go s.run(ctx)
}

// stop closes the connection intentionally and waits for the loop to exit.
// It must not be called from a handler callback.
func (s *chainStream) stop() {
	s.stopped.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *chainStream) isConnected() bool {
	return s.connected.Load() && !s.fellBack.Load()
}

func (s *chainStream) run(ctx context.Context) {
	defer close(s.done)
	defer s.metrics.streamConnected(s.manager, s.chain, false)

	attempt := 0
	for {
		if ctx.Err() != nil || s.stopped.Load() {
			return
		}

		if attempt > 0 {
			s.metrics.streamReconnect(s.manager, s.chain)
		}

		conn, err := s.dial(ctx, s.url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.noteError(err) {
				return
			}
			if !s.wait(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		s.connected.Store(true)
		s.metrics.streamConnected(s.manager, s.chain, true)
		s.logger.Info("log stream connected")

		s.handler.onConnected(conn)
		fellBack := s.pump(ctx, conn)

		s.connected.Store(false)
		s.metrics.streamConnected(s.manager, s.chain, false)
		s.handler.onDisconnected()
		_ = conn.Close()

		if fellBack || ctx.Err() != nil || s.stopped.Load() {
			return
		}

		if err := conn.Err(); err != nil {
			if s.noteError(err) {
				return
			}
		}
		s.logger.Warn("log stream disconnected, reconnecting", zap.Error(conn.Err()))

		if !s.wait(ctx, attempt) {
			return
		}
		attempt++
	}
}

// pump forwards messages until the connection ends. Returns true when a
// rate-limit rejection pushed the chain past its retry ceiling.
func (s *chainStream) pump(ctx context.Context, conn StreamConn) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-conn.Done():
			return false
		case msg := <-conn.Messages():
			if msg.Kind == logstream.KindRejection && msg.Err.IsRateLimit() {
				if s.noteError(msg.Err) {
					return true
				}
			}
			s.handler.onMessage(msg)
		}
	}
}

// noteError counts rate-limit errors and reports whether the chain is now
// past its retry ceiling. Other errors only trigger the normal backoff.
func (s *chainStream) noteError(err error) bool {
	if !logstream.IsRateLimited(err) {
		s.logger.Warn("log stream error", zap.Error(err))
		return false
	}

	s.metrics.rateLimited("stream-"+s.manager, s.chain)
	n := s.rate.hit(time.Now(), 0)
	if n <= s.cfg.RateLimitMaxRetries {
		s.logger.Warn("log stream rate limited",
			zap.Int("count", n),
			zap.Int("max", s.cfg.RateLimitMaxRetries),
			zap.Error(err),
		)
		return false
	}

	s.fellBack.Store(true)
	s.logger.Error("log stream rate limited past retry ceiling, falling back to polling until restart",
		zap.Int("count", n),
	)
	return true
}

func (s *chainStream) wait(ctx context.Context, attempt int) bool {
	d := backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffMax, attempt)
	s.logger.Debug("log stream backoff", zap.Duration("delay", d), zap.Int("attempt", attempt))

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
