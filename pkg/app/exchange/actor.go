package exchange

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/uhyunpark/bazaar/pkg/app/core/auction"
	"github.com/uhyunpark/bazaar/pkg/app/core/matching"
	"github.com/uhyunpark/bazaar/pkg/metrics"
)

// Market is what an operation routed to a market sees. Operations run one at
// a time on the market's actor and may use both engines freely.
type Market struct {
	ID       string
	Matching *matching.Engine
	Auction  *auction.Engine
}

// Op is an operation executed on a market actor.
type Op func(ctx context.Context, m *Market) error

type envelope struct {
	ctx    context.Context
	op     Op
	result chan error
}

// actor is the single writer of one market. mu is held for writing while an
// operation runs so snapshot readers see a consistent state between
// operations.
type actor struct {
	market  *Market
	mu      sync.RWMutex
	mailbox chan envelope
	metrics *metrics.Collectors
	logger  *zap.SugaredLogger
}

func newActor(m *Market, mailbox int, mc *metrics.Collectors, logger *zap.SugaredLogger) *actor {
	return &actor{
		market:  m,
		mailbox: make(chan envelope, mailbox),
		metrics: mc,
		logger:  logger,
	}
}

func (a *actor) run(ctx context.Context) error {
	a.logger.Infow("market_actor_started", "market", a.market.ID)
	for {
		select {
		case <-ctx.Done():
			a.logger.Infow("market_actor_stopped", "market", a.market.ID, "queued", len(a.mailbox))
			return ctx.Err()
		case env := <-a.mailbox:
			a.metrics.SetMailboxDepth(a.market.ID, len(a.mailbox))
			env.result <- a.exec(env)
		}
	}
}

func (a *actor) exec(env envelope) (err error) {
	// abandoned before it started: skip it
	if err := env.ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Errorw("market_op_panic", "market", a.market.ID, "panic", r)
			err = errors.Errorf("market %s: operation panicked: %v", a.market.ID, r)
		}
	}()

	// once started an operation runs to completion
	return env.op(context.WithoutCancel(env.ctx), a.market)
}

// read runs fn under the read lock, concurrently with other readers but
// never during an operation.
func (a *actor) read(fn func(m *Market)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fn(a.market)
}
