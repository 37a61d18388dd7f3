// Package pipeline bridges the durable stream store and the in-process
// bus. One consumption loop per event kind pulls batches from the
// store, validates them, publishes onto the bus, and acknowledges only
// after the bus accepted the event. A full bus queue pauses the loop
// for that kind until the queue drains below the low-water mark.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/bus"
	"tradecore/internal/event"
	"tradecore/internal/observability"
	"tradecore/internal/stream"
)

// Config holds the pipeline parameters. Zero values take defaults.
type Config struct {
	// Consumer is this instance's name within the shared consumer group.
	// Default "core-1".
	Consumer string
	// Kinds limits which kinds this pipeline consumes. Default: all.
	Kinds []event.Kind
	// MaxBatch is the per-pull batch size. Default 100.
	MaxBatch int
	// MaxWait bounds each blocking pull. Default 500ms.
	MaxWait time.Duration
	// LowWater is the queue fill fraction below which a paused kind
	// resumes. Default 0.5.
	LowWater float64
	// PauseRecheck is how often a paused loop re-inspects the queue
	// depth. Default 25ms.
	PauseRecheck time.Duration
	// CheckpointEvery is the time cadence for advisory checkpoints.
	// Default 60s.
	CheckpointEvery time.Duration
	// CheckpointAcks is the ack-count cadence for advisory checkpoints;
	// whichever of the two cadences fires first wins. Default 1000.
	CheckpointAcks int
	// UnavailableBackoff is the sleep after the store reports itself
	// unavailable beyond its own retries. Default 1s.
	UnavailableBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Consumer == "" {
		c.Consumer = "core-1"
	}
	if len(c.Kinds) == 0 {
		c.Kinds = event.Kinds()
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 100
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 500 * time.Millisecond
	}
	if c.LowWater <= 0 || c.LowWater >= 1 {
		c.LowWater = 0.5
	}
	if c.PauseRecheck <= 0 {
		c.PauseRecheck = 25 * time.Millisecond
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 60 * time.Second
	}
	if c.CheckpointAcks <= 0 {
		c.CheckpointAcks = 1000
	}
	if c.UnavailableBackoff <= 0 {
		c.UnavailableBackoff = time.Second
	}
	return c
}

// KindStats is a point-in-time view of one kind's consumption loop.
// Checkpoint is the last advisory position, seeded from the checkpoint
// store on Start.
type KindStats struct {
	Acked      uint64
	Paused     bool
	Checkpoint stream.Position
}

type kindState struct {
	acked      atomic.Uint64
	paused     atomic.Bool
	checkpoint atomic.Uint64
}

// Pipeline runs the consumption loops. Construct with New, then Start.
type Pipeline struct {
	cfg         Config
	store       stream.Store
	bus         *bus.Bus
	checkpoints CheckpointStore
	metrics     *observability.Metrics
	log         zerolog.Logger

	states map[event.Kind]*kindState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a pipeline. checkpoints may be nil to disable advisory
// checkpointing.
func New(
	cfg Config,
	store stream.Store,
	b *bus.Bus,
	checkpoints CheckpointStore,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Pipeline {
	cfg = cfg.withDefaults()

	states := make(map[event.Kind]*kindState, len(cfg.Kinds))
	for _, kind := range cfg.Kinds {
		states[kind] = &kindState{}
	}

	return &Pipeline{
		cfg:         cfg,
		store:       store,
		bus:         b,
		checkpoints: checkpoints,
		metrics:     metrics,
		log:         log,
		states:      states,
	}
}

// Start loads the advisory checkpoints and launches one consumption
// loop per configured kind.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.loadCheckpoints(ctx)

	for _, kind := range p.cfg.Kinds {
		p.wg.Add(1)
		go p.consumeLoop(ctx, kind)
	}

	p.log.Info().
		Str("consumer", p.cfg.Consumer).
		Int("kinds", len(p.cfg.Kinds)).
		Msg("pipeline started")
}

// Stop cancels the loops and waits for in-flight batches to finish.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info().Msg("pipeline stopped")
}

// Ingest is the local producer path: it validates the event and appends
// it to the durable store, from where the consumption loops will carry
// it onto the bus. Handlers that emit new events use this.
func (p *Pipeline) Ingest(ctx context.Context, ev event.Event) (stream.Position, error) {
	return p.store.Publish(ctx, ev)
}

// Stats snapshots the per-kind loop counters.
func (p *Pipeline) Stats() map[event.Kind]KindStats {
	out := make(map[event.Kind]KindStats, len(p.states))
	for kind, st := range p.states {
		out[kind] = KindStats{
			Acked:      st.acked.Load(),
			Paused:     st.paused.Load(),
			Checkpoint: stream.Position(st.checkpoint.Load()),
		}
	}
	return out
}

// loadCheckpoints reads the positions saved by a previous run, for warm
// start visibility. They are advisory: resume progress itself comes
// from the store's consumer-group ack state.
func (p *Pipeline) loadCheckpoints(ctx context.Context) {
	if p.checkpoints == nil {
		return
	}
	for _, kind := range p.cfg.Kinds {
		pos, ok, err := p.checkpoints.Load(ctx, kind)
		if err != nil {
			p.log.Warn().Err(err).Str("kind", kind.String()).Msg("checkpoint load failed")
			continue
		}
		if !ok {
			continue
		}
		p.states[kind].checkpoint.Store(uint64(pos))
		if p.metrics != nil {
			p.metrics.CheckpointPosition.WithLabelValues(kind.String()).Set(float64(pos))
		}
		p.log.Info().
			Str("kind", kind.String()).
			Uint64("position", uint64(pos)).
			Msg("resuming past checkpoint")
	}
}

func (p *Pipeline) consumeLoop(ctx context.Context, kind event.Kind) {
	defer p.wg.Done()

	st := p.states[kind]
	log := p.log.With().Str("kind", kind.String()).Logger()

	acksSinceCheckpoint := 0
	lastCheckpoint := time.Now()
	var lastPos stream.Position
	var havePos bool

	for ctx.Err() == nil {
		entries, err := p.store.Consume(ctx, []event.Kind{kind}, p.cfg.Consumer, p.cfg.MaxWait, p.cfg.MaxBatch)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, stream.ErrUnavailable) {
				if p.metrics != nil {
					p.metrics.StoreErrors.WithLabelValues("consume").Inc()
				}
				log.Warn().Err(err).Msg("store unavailable, backing off")
				sleepCtx(ctx, p.cfg.UnavailableBackoff)
				continue
			}
			log.Error().Err(err).Msg("consume failed")
			sleepCtx(ctx, p.cfg.UnavailableBackoff)
			continue
		}

		for _, entry := range entries {
			if err := entry.Ev.Validate(); err != nil {
				// Poison entry: acknowledging keeps it from cycling
				// through redelivery forever. Producers see the count
				// via metrics.
				p.ack(ctx, kind, st, entry.Pos)
				if p.metrics != nil {
					p.metrics.PipelineValidation.WithLabelValues(kind.String()).Inc()
				}
				log.Error().
					Err(err).
					Str("event_id", entry.Ev.EventID().String()).
					Msg("invalid entry acked and dropped")
				acksSinceCheckpoint++
				lastPos, havePos = entry.Pos, true
				continue
			}

			if !p.publishWithBackpressure(ctx, kind, st, entry.Ev) {
				// Shutdown mid-batch: the unacked remainder redelivers.
				return
			}

			p.ack(ctx, kind, st, entry.Pos)
			acksSinceCheckpoint++
			lastPos, havePos = entry.Pos, true

			if acksSinceCheckpoint >= p.cfg.CheckpointAcks {
				p.saveCheckpoint(ctx, kind, lastPos)
				acksSinceCheckpoint = 0
				lastCheckpoint = time.Now()
			}
		}

		if havePos && acksSinceCheckpoint > 0 && time.Since(lastCheckpoint) >= p.cfg.CheckpointEvery {
			p.saveCheckpoint(ctx, kind, lastPos)
			acksSinceCheckpoint = 0
			lastCheckpoint = time.Now()
		}
	}

	if havePos && acksSinceCheckpoint > 0 {
		// Final checkpoint on shutdown, best effort.
		p.saveCheckpoint(context.Background(), kind, lastPos)
	}
}

// publishWithBackpressure pushes one event onto the bus, pausing this
// kind's consumption while the queue is full. It returns false only on
// shutdown; the caller must then exit without acknowledging.
func (p *Pipeline) publishWithBackpressure(ctx context.Context, kind event.Kind, st *kindState, ev event.Event) bool {
	lowWater := int(float64(p.bus.Capacity(kind)) * p.cfg.LowWater)

	for {
		err := p.bus.Publish(ctx, ev)
		switch {
		case err == nil:
			return true
		case errors.Is(err, bus.ErrQueueFull):
			if !st.paused.Load() {
				st.paused.Store(true)
				if p.metrics != nil {
					p.metrics.PipelinePaused.WithLabelValues(kind.String()).Set(1)
				}
				p.log.Warn().Str("kind", kind.String()).Msg("bus queue full, pausing consumption")
			}
			for p.bus.Depth(kind) > lowWater {
				if !sleepCtx(ctx, p.cfg.PauseRecheck) {
					return false
				}
			}
			st.paused.Store(false)
			if p.metrics != nil {
				p.metrics.PipelinePaused.WithLabelValues(kind.String()).Set(0)
			}
		case errors.Is(err, bus.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return false
		default:
			p.log.Error().Err(err).Str("kind", kind.String()).Msg("bus publish failed")
			return false
		}
	}
}

func (p *Pipeline) ack(ctx context.Context, kind event.Kind, st *kindState, pos stream.Position) {
	if err := p.store.Ack(ctx, kind, pos); err != nil {
		if p.metrics != nil {
			p.metrics.StoreErrors.WithLabelValues("ack").Inc()
		}
		p.log.Warn().
			Err(err).
			Str("kind", kind.String()).
			Uint64("position", uint64(pos)).
			Msg("ack failed, entry will redeliver")
		return
	}
	st.acked.Add(1)
	if p.metrics != nil {
		p.metrics.PipelineAcked.WithLabelValues(kind.String()).Inc()
	}
}

func (p *Pipeline) saveCheckpoint(ctx context.Context, kind event.Kind, pos stream.Position) {
	if p.checkpoints == nil {
		return
	}
	if err := p.checkpoints.Save(ctx, kind, pos); err != nil {
		p.log.Warn().Err(err).Str("kind", kind.String()).Msg("checkpoint save failed")
		return
	}
	p.states[kind].checkpoint.Store(uint64(pos))
	if p.metrics != nil {
		p.metrics.CheckpointsSaved.Inc()
		p.metrics.CheckpointPosition.WithLabelValues(kind.String()).Set(float64(pos))
	}
}

// sleepCtx sleeps for d or until ctx is done. Returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
