// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Poller drives Engine.Tick on a fixed interval, matching the teacher's
// transfer service's own start/stop ticker lifecycle (service.go's
// Start/Stop pair).
type Poller struct {
	eng      *Engine
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller constructs a Poller over eng, ticking every interval.
func NewPoller(eng *Engine, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = PollInterval
	}
	return &Poller{eng: eng, interval: interval}
}

// Start begins the poll loop in a background goroutine. Calling Start
// twice without an intervening Stop is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(loopCtx)
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", p.interval).Msg("[POLLER] started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("[POLLER] stopped")
			return
		case <-ticker.C:
			p.eng.Tick(ctx)
		}
	}
}

// Stop signals the loop to exit and blocks until it has. Safe to call more
// than once or before Start.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
