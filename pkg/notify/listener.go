// Package notify wraps Postgres LISTEN/NOTIFY so idle workers can block on
// a wakeup signal instead of polling the outbox table.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Listener subscribes to one notification channel. The underlying connection
// is opened lazily on the first Wait and re-established after failures, so a
// broken channel degrades the caller to timed polling instead of crashing it.
type Listener struct {
	dsn          string
	channel      string
	logger       *zap.Logger
	minReconnect time.Duration
	maxReconnect time.Duration

	mu sync.Mutex
	pl *pq.Listener
}

func NewListener(dsn, channel string, logger *zap.Logger) *Listener {
	return &Listener{
		dsn:          dsn,
		channel:      channel,
		logger:       logger,
		minReconnect: time.Second,
		maxReconnect: 30 * time.Second,
	}
}

// Channel returns the notification channel name.
func (l *Listener) Channel() string { return l.channel }

// Wait blocks until a notification arrives on the channel, max elapses, or
// ctx is done. A non-nil error means the channel could not be established;
// callers should fall back to timed polling and try again on the next idle
// opportunity.
func (l *Listener) Wait(ctx context.Context, max time.Duration) error {
	pl, err := l.ensure()
	if err != nil {
		return err
	}

	timer := time.NewTimer(max)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case n := <-pl.Notify:
		// A nil notification signals a connection reset; either way the
		// queue state is unknown, so the caller re-claims.
		if n != nil {
			l.logger.Debug("notification received",
				zap.String("channel", n.Channel), zap.String("payload", n.Extra))
		}
	}
	return nil
}

func (l *Listener) ensure() (*pq.Listener, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pl != nil {
		return l.pl, nil
	}

	pl := pq.NewListener(l.dsn, l.minReconnect, l.maxReconnect, l.logEvent)
	if err := pl.Listen(l.channel); err != nil {
		pl.Close()
		return nil, fmt.Errorf("listen on channel %q: %w", l.channel, err)
	}
	l.pl = pl
	l.logger.Info("listening for wakeups", zap.String("channel", l.channel))
	return pl, nil
}

func (l *Listener) logEvent(ev pq.ListenerEventType, err error) {
	if err != nil {
		l.logger.Warn("notification listener event",
			zap.Int("event_type", int(ev)), zap.Error(err))
	}
}

func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pl == nil {
		return nil
	}
	pl := l.pl
	l.pl = nil
	return pl.Close()
}
