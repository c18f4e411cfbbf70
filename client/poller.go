package client

import (
	"context"
	"time"

	"github.com/mustafarec/KulturaX-sub003/internal/logging"
)

// DefaultPollInterval paces the request/response fallback loop.
const DefaultPollInterval = 5 * time.Second

// ActivityProbe reports whether the realtime channel currently delivers
// events, making the polling loop redundant.
type ActivityProbe interface {
	IsActive() bool
}

// PollerConfig carries the polling fallback settings.
type PollerConfig struct {
	Store       MessageStore
	Reconciler  *Reconciler
	Transport   ActivityProbe
	OtherUserID int64
	Interval    time.Duration
	Logger      *logging.Logger

	// OnTyping receives the peer's polled typing state.
	OnTyping func(isTyping bool)
}

// Poller keeps a conversation current while the realtime channel is down:
// each tick refreshes the newest message page, re-reads the peer's typing
// state and acknowledges unread messages. Ticks are skipped entirely while
// the transport is Active.
type Poller struct {
	cfg    PollerConfig
	log    *logging.Logger
	ticker *time.Ticker
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller constructs a poller; Start begins the loop.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	log := cfg.Logger
	if log == nil {
		log = logging.L()
	}
	return &Poller{cfg: cfg, log: log}
}

// Start launches the polling loop. It is a no-op if already running.
func (p *Poller) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.ticker = time.NewTicker(p.cfg.Interval)
	go p.loop(ctx)
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.ticker.Stop()
	<-p.done
	p.cancel = nil
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.ticker.C:
			if p.cfg.Transport != nil && p.cfg.Transport.IsActive() {
				continue
			}
			p.Tick(ctx)
		}
	}
}

// Tick runs one fallback cycle immediately. Fetch errors leave the current
// view untouched; the next tick retries.
func (p *Poller) Tick(ctx context.Context) {
	records, err := p.cfg.Store.FetchMessages(ctx, p.cfg.OtherUserID, 1)
	if err != nil {
		p.log.Debug("poll fetch failed", logging.Error(err))
	} else {
		p.cfg.Reconciler.BatchFetched(records, true)
		if err := p.cfg.Store.MarkRead(ctx, p.cfg.OtherUserID); err != nil {
			p.log.Debug("poll mark read failed", logging.Error(err))
		}
	}
	if p.cfg.OnTyping != nil {
		typing, err := p.cfg.Store.GetTyping(ctx, p.cfg.OtherUserID)
		if err != nil {
			p.log.Debug("poll typing failed", logging.Error(err))
			return
		}
		p.cfg.OnTyping(typing)
	}
}
