// Package subscription keeps the sensor's streams matched to what subscribers want.
//
// The Gate polls subscriber counts on a ticker. Buses that report subscription changes
// (bus.Notifier) also trigger an immediate refresh, so the ticker is then only needed to
// retry stream requests that failed.
package subscription

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.viam.com/multisense/bus"
	"go.viam.com/multisense/channel"
	"go.viam.com/multisense/logging"
	"go.viam.com/multisense/metrics"
	"go.viam.com/multisense/utils"
)

// Defaults for Options.
const (
	DefaultPeriod                 = time.Second
	DefaultPersistentFailureTicks = 5
)

// Options configure a Gate. Zero values select the defaults.
type Options struct {
	Period time.Duration
	Clock  clock.Clock
	// PersistentFailureTicks is how many consecutive ticks with a failed stream request it takes
	// to report a persistent failure.
	PersistentFailureTicks int
	Metrics                *metrics.Pipeline
}

// Stream is an output and the data sources it needs.
type Stream struct {
	Name   string
	Inputs channel.DataSource
	// Enabled, when set, is consulted on every tick. A disabled output is never active, whatever
	// its subscribers.
	Enabled func() bool
}

// OutputState is the subscription state of one output.
type OutputState struct {
	Subscribers int
	Active      bool
}

// State is a copy of the gate's state.
type State struct {
	Outputs map[string]OutputState
	// Desired are the sources active outputs need; Streaming the ones the sensor confirmed.
	Desired   channel.DataSource
	Streaming channel.DataSource
}

// Gate enables sensor streams only while an output that needs them has subscribers.
type Gate struct {
	ch      channel.Channel
	bus     bus.Bus
	logger  logging.Logger
	opts    Options
	streams []Stream

	mu      sync.RWMutex
	outputs map[string]OutputState

	// tickMu serializes reconciliation.
	tickMu    sync.Mutex
	desired   channel.DataSource
	streaming channel.DataSource
	failures  int
	reported  bool

	workerMu    sync.Mutex
	workers     utils.StoppableWorkers
	cancelWatch func()
}

// New returns a Gate for streams. Nothing is started until Start or Tick.
func New(ch channel.Channel, b bus.Bus, streams []Stream, logger logging.Logger, opts Options) *Gate {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PersistentFailureTicks <= 0 {
		opts.PersistentFailureTicks = DefaultPersistentFailureTicks
	}
	g := &Gate{
		ch:      ch,
		bus:     b,
		logger:  logger,
		opts:    opts,
		streams: slices.Clone(streams),
		outputs: make(map[string]OutputState, len(streams)),
	}
	for _, s := range streams {
		g.outputs[s.Name] = OutputState{}
	}
	return g
}

// Wants reports whether the output has subscribers.
func (g *Gate) Wants(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.outputs[name].Active
}

// ActiveOutputs returns the names of the outputs with subscribers, sorted.
func (g *Gate) ActiveOutputs() []string {
	g.mu.RLock()
	names := lo.Keys(lo.PickBy(g.outputs, func(_ string, s OutputState) bool { return s.Active }))
	g.mu.RUnlock()
	slices.Sort(names)
	return names
}

// State returns a copy of the current state.
func (g *Gate) State() State {
	g.tickMu.Lock()
	defer g.tickMu.Unlock()
	return g.stateLocked()
}

func (g *Gate) stateLocked() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	outputs := make(map[string]OutputState, len(g.outputs))
	for k, v := range g.outputs {
		outputs[k] = v
	}
	return State{Outputs: outputs, Desired: g.desired, Streaming: g.streaming}
}

// Tick polls subscriber counts and starts or stops sensor streams to match. Stream requests
// that fail are retried on the next tick.
func (g *Gate) Tick(ctx context.Context) State {
	g.tickMu.Lock()
	defer g.tickMu.Unlock()

	updated := make(map[string]OutputState, len(g.streams))
	desired := channel.SourceNone
	for _, s := range g.streams {
		n := g.bus.SubscriberCount(s.Name)
		active := n > 0 && (s.Enabled == nil || s.Enabled())
		updated[s.Name] = OutputState{Subscribers: n, Active: active}
		if active {
			desired |= s.Inputs
		}
	}
	g.mu.Lock()
	g.outputs = updated
	g.mu.Unlock()
	g.desired = desired
	g.opts.Metrics.SetActiveOutputs(lo.CountBy(lo.Values(updated), func(s OutputState) bool { return s.Active }))

	failed := false
	for _, source := range (desired &^ g.streaming).Split() {
		if ctx.Err() != nil {
			break
		}
		if err := g.ch.StartStreams(source); err != nil {
			failed = true
			g.opts.Metrics.StreamFailure()
			g.logger.Debugw("cannot start stream", "source", source, "error", err)
			continue
		}
		g.streaming |= source
		g.logger.Debugw("stream started", "source", source)
	}
	for _, source := range (g.streaming &^ desired).Split() {
		if ctx.Err() != nil {
			break
		}
		if err := g.ch.StopStreams(source); err != nil {
			failed = true
			g.opts.Metrics.StreamFailure()
			g.logger.Debugw("cannot stop stream", "source", source, "error", err)
			continue
		}
		g.streaming &^= source
		g.logger.Debugw("stream stopped", "source", source)
	}

	switch {
	case failed:
		g.failures++
		if g.failures >= g.opts.PersistentFailureTicks && !g.reported {
			g.reported = true
			g.logger.Errorw("stream control keeps failing",
				"ticks", g.failures, "desired", g.desired, "streaming", g.streaming)
		}
	case g.reported:
		g.logger.Infow("stream control recovered", "streaming", g.streaming)
		fallthrough
	default:
		g.failures, g.reported = 0, false
	}
	return g.stateLocked()
}

// Start runs Tick now, then periodically, and on every subscription change if the bus
// reports them.
func (g *Gate) Start() {
	g.workerMu.Lock()
	defer g.workerMu.Unlock()
	if g.workers != nil {
		return
	}
	if n, ok := g.bus.(bus.Notifier); ok {
		g.cancelWatch = n.Watch(func(topic string, _ int) {
			if g.isStream(topic) {
				g.Tick(context.Background())
			}
		})
	}
	g.Tick(context.Background())
	g.workers = utils.NewStoppableWorkers(g.tickWorker())
}

func (g *Gate) isStream(topic string) bool {
	return lo.ContainsBy(g.streams, func(s Stream) bool { return s.Name == topic })
}

func (g *Gate) tickWorker() func(context.Context) {
	return utils.TickerWorker(g.opts.Clock, g.opts.Period, func(ctx context.Context) { g.Tick(ctx) })
}

// SetPeriod changes the polling period of a started gate.
func (g *Gate) SetPeriod(period time.Duration) {
	if period <= 0 {
		return
	}
	g.workerMu.Lock()
	defer g.workerMu.Unlock()
	if g.opts.Period == period {
		return
	}
	g.opts.Period = period
	if g.workers != nil {
		g.workers.Stop()
		g.workers = utils.NewStoppableWorkers(g.tickWorker())
	}
}

// Close stops polling and every stream the gate started.
func (g *Gate) Close() error {
	g.workerMu.Lock()
	if g.cancelWatch != nil {
		g.cancelWatch()
		g.cancelWatch = nil
	}
	if g.workers != nil {
		g.workers.Stop()
		g.workers = nil
	}
	g.workerMu.Unlock()

	g.tickMu.Lock()
	defer g.tickMu.Unlock()
	g.mu.Lock()
	for name := range g.outputs {
		g.outputs[name] = OutputState{}
	}
	g.mu.Unlock()

	var err error
	for _, source := range g.streaming.Split() {
		if stopErr := g.ch.StopStreams(source); stopErr != nil {
			err = multierr.Combine(err, stopErr)
			continue
		}
		g.streaming &^= source
	}
	g.desired = channel.SourceNone
	return err
}
