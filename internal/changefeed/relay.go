package changefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arkilian/dicomindex/internal/indexstore"
	"github.com/arkilian/dicomindex/internal/logging"
	"github.com/arkilian/dicomindex/internal/notify"
	"github.com/arkilian/dicomindex/internal/observability"
	"github.com/arkilian/dicomindex/pkg/types"
)

// Publisher delivers messages to a broker. Publish returns once the broker
// has accepted the message.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg Message) error
	Close() error
}

// RelayConfig holds relay settings.
type RelayConfig struct {
	// Name identifies the durable cursor of the relay.
	Name         string
	Shards       int
	PollInterval time.Duration
	PageSize     int
}

// Relay publishes the feed in sequence order. Its cursor moves only past
// entries the broker accepted, so delivery is at least once: entries after
// a crash or publish failure are published again.
type Relay struct {
	cfg   RelayConfig
	store indexstore.ChangeFeedStore
	pub   Publisher
	wake  <-chan notify.Event
	log   zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRelay creates a relay.
func NewRelay(cfg RelayConfig, store indexstore.ChangeFeedStore, pub Publisher) *Relay {
	if cfg.Name == "" {
		cfg.Name = "amqp"
	}
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PageSize < 1 || cfg.PageSize > MaxLimit {
		cfg.PageSize = DefaultLimit
	}
	return &Relay{cfg: cfg, store: store, pub: pub, log: logging.Component("changefeed")}
}

// WithWake makes the relay poll as soon as an event arrives on c instead
// of waiting for the next tick.
func (r *Relay) WithWake(c <-chan notify.Event) *Relay {
	r.wake = c
	return r
}

// Start begins relaying. It runs until the context is cancelled or Stop is called.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("changefeed: relay is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.done = make(chan struct{})
	go r.run(ctx)
	return nil
}

// Stop stops relaying and closes the publisher.
func (r *Relay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.cancel()
	<-r.done
	r.running = false
	return r.pub.Close()
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("relay failed")
		}
		// A full page means the relay is behind; keep going without waiting.
		if err == nil && n == r.cfg.PageSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// RelayOnce publishes one page after the cursor and returns how many
// entries it published.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	cursor, err := r.store.GetChangeFeedCursor(ctx, r.cfg.Name)
	if err != nil {
		return 0, err
	}
	entries, err := r.store.GetChangeFeedPage(ctx, types.TimeRange{}, cursor, int64(r.cfg.PageSize), types.OrderSequence)
	if err != nil {
		return 0, err
	}

	published := 0
	var last int64
	for _, e := range entries {
		key := RoutingKey(Shard(e.Identifier, r.cfg.Shards))
		if err = r.pub.Publish(ctx, key, NewMessage(e)); err != nil {
			err = fmt.Errorf("changefeed: publish sequence %d: %w", e.Sequence, err)
			break
		}
		observability.ChangeFeedPublished.WithLabelValues(e.Action.String()).Inc()
		last = e.Sequence
		published++
	}

	if published > 0 {
		if cerr := r.store.SetChangeFeedCursor(context.WithoutCancel(ctx), r.cfg.Name, last); cerr != nil {
			return published, fmt.Errorf("changefeed: advance cursor to %d: %w", last, cerr)
		}
		r.log.Debug().Int("published", published).Int64("cursor", last).Msg("feed relayed")
	}
	return published, err
}
