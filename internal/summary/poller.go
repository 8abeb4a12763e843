package summary

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/securetalk/securetalk-go/internal/models"
	"github.com/securetalk/securetalk-go/internal/rest"
	"github.com/securetalk/securetalk-go/internal/session"
)

// DefaultInterval is the poll period for the chat summary list.
const DefaultInterval = 10 * time.Second

// Poller refreshes the conversation list on a fixed period. Each
// response replaces the whole list; summaries are never merged
// incrementally, so a slow overlapping response simply loses to a
// later one.
type Poller struct {
	rest     *rest.Client
	interval time.Duration
	logger   *slog.Logger

	onUpdate  func([]models.ChatSummary)
	onExpired func()

	// Overlapping polls can observe the dead session at the same time;
	// the expiry signal still fires once.
	expireOnce sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a Poller delivering list replacements to onUpdate.
// onExpired fires when a poll fails because the session died, so the
// shell can drop to re-authentication. A zero interval uses
// DefaultInterval.
func New(client *rest.Client, interval time.Duration, onUpdate func([]models.ChatSummary), onExpired func(), logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		rest:      client,
		interval:  interval,
		logger:    logger,
		onUpdate:  onUpdate,
		onExpired: onExpired,
	}
}

// Start issues an immediate fetch and then repeats on the fixed
// period. Calling Start on a running poller restarts it.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop cancels the repeating poll.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
}

func (p *Poller) run(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// The ticker keeps its fixed period regardless of how long
			// a poll takes; overlap is allowed and the latest response
			// wins by full replacement.
			go p.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	summaries, err := p.rest.Chats(ctx)
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			return
		}
		if sessionDead(err) {
			p.expireOnce.Do(func() {
				p.logger.Warn("summary poll: session expired")
				p.Stop()
				if p.onExpired != nil {
					p.onExpired()
				}
			})
			return
		}
		// One failed poll does not cancel the next tick.
		p.logger.Warn("summary poll failed", slog.String("error", err.Error()))
		return
	}

	p.onUpdate(summaries)
}

// sessionDead reports whether a poll failure means the session is gone
// rather than a transient network problem.
func sessionDead(err error) bool {
	var authErr *session.AuthError
	return errors.Is(err, rest.ErrSessionExpired) ||
		errors.Is(err, session.ErrLoggedOut) ||
		errors.As(err, &authErr)
}
