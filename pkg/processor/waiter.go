package processor

import (
	"context"
	"time"
)

// Waiter blocks a worker between batch cycles. Both implementations return
// early when ctx is done.
type Waiter interface {
	Wait(ctx context.Context)
}

// PollWaiter sleeps a fixed interval regardless of queue state.
type PollWaiter struct {
	Interval time.Duration
}

func (w PollWaiter) Wait(ctx context.Context) {
	timer := time.NewTimer(w.Interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// IdleListener is the notification channel surface NotifyWaiter blocks on.
// *notify.Listener satisfies it.
type IdleListener interface {
	Wait(ctx context.Context, max time.Duration) error
}

// NotifyWaiter blocks on the notification channel for up to IdleWait; any
// publish interrupts the wait early. If the channel cannot be established it
// falls back to a timed poll and retries the channel on the next idle cycle.
type NotifyWaiter struct {
	Listener IdleListener
	IdleWait time.Duration
	Fallback time.Duration
}

func (w *NotifyWaiter) Wait(ctx context.Context) {
	if err := w.Listener.Wait(ctx, w.IdleWait); err != nil {
		PollWaiter{Interval: w.Fallback}.Wait(ctx)
	}
}
