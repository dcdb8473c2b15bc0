package wallet

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CheckFunc is called on every tick of the poller. Returning done stops
// the poller with err as its result. An error with done false is
// logged and the poller keeps going.
type CheckFunc func(ctx context.Context) (done bool, err error)

type pollHandle struct {
	cancel context.CancelFunc
}

// QuotePoller checks the state of quotes at an interval
// for a bounded number of times.
type QuotePoller struct {
	mu            sync.Mutex
	polls         map[string]*pollHandle
	interval      time.Duration
	maxIterations int
	logger        *slog.Logger
}

func NewQuotePoller(interval time.Duration, maxIterations int, logger *slog.Logger) *QuotePoller {
	return &QuotePoller{
		polls:         make(map[string]*pollHandle),
		interval:      interval,
		maxIterations: maxIterations,
		logger:        logger,
	}
}

// Start polls the quote with check. A poller already running for
// the same quote is stopped first. The returned channel gets the result
// once: nil when done, ErrPollTimeout if the iterations run out or
// the context error if it gets canceled.
func (p *QuotePoller) Start(ctx context.Context, quoteId string, check CheckFunc) <-chan error {
	ctx, cancel := context.WithCancel(ctx)
	handle := &pollHandle{cancel: cancel}

	p.mu.Lock()
	if previous, ok := p.polls[quoteId]; ok {
		previous.cancel()
	}
	p.polls[quoteId] = handle
	p.mu.Unlock()

	result := make(chan error, 1)
	go func() {
		defer func() {
			p.mu.Lock()
			if p.polls[quoteId] == handle {
				delete(p.polls, quoteId)
			}
			p.mu.Unlock()
			cancel()
			close(result)
		}()
		result <- p.run(ctx, quoteId, check)
	}()

	return result
}

func (p *QuotePoller) run(ctx context.Context, quoteId string, check CheckFunc) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for i := 0; i < p.maxIterations; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		done, err := check(ctx)
		if done {
			return err
		}
		if err != nil {
			p.logger.Debug("error checking quote", slog.String("quote", quoteId), slog.String("error", err.Error()))
		}
	}
	return ErrPollTimeout
}

// Stop cancels the poller for the quote if there is one running.
func (p *QuotePoller) Stop(quoteId string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if handle, ok := p.polls[quoteId]; ok {
		handle.cancel()
		delete(p.polls, quoteId)
	}
}

func (p *QuotePoller) IsPolling(quoteId string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.polls[quoteId]
	return ok
}

func (p *QuotePoller) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for quoteId, handle := range p.polls {
		handle.cancel()
		delete(p.polls, quoteId)
	}
}
