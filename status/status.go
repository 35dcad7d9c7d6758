// Package status publishes the sensor's health telemetry while someone is listening.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/multisense/bus"
	"go.viam.com/multisense/channel"
	"go.viam.com/multisense/logging"
	"go.viam.com/multisense/ros"
	"go.viam.com/multisense/utils"
)

// Topics the publisher writes to.
const (
	Topic    = "status"
	PtpTopic = "ptp_status"
)

// Create queries an up to date status from the sensor. The query can take time, so it can be
// cancelled by the given context.
func Create(ctx context.Context, ch channel.Channel, clk clock.Clock, frameID string) (*ros.DeviceStatus, error) {
	st, err := ch.QueryStatus(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "error querying device status")
	}
	return &ros.DeviceStatus{Header: ros.Header{Stamp: clk.Now(), FrameID: frameID}, DeviceStatus: st}, nil
}

// Publisher polls the sensor status on a ticker, only while one of its topics has subscribers.
// PTP status is no longer queried once the unit reports it does not support it.
type Publisher struct {
	ch      channel.Channel
	bus     bus.Bus
	clock   clock.Clock
	frameID string
	logger  logging.Logger

	mu     sync.Mutex
	seq    int64
	ptpSeq int64

	ptpUnsupported atomic.Bool

	// runMu guards the ticker lifecycle.
	runMu   sync.Mutex
	period  time.Duration
	workers utils.StoppableWorkers
	closed  bool
}

// NewPublisher returns a stopped Publisher.
func NewPublisher(
	ch channel.Channel, b bus.Bus, clk clock.Clock, period time.Duration, frameID string, logger logging.Logger,
) *Publisher {
	if clk == nil {
		clk = clock.New()
	}
	return &Publisher{ch: ch, bus: b, clock: clk, period: period, frameID: frameID, logger: logger}
}

// Poll publishes a status message on every topic that has subscribers. It reports whether it
// published anything.
func (p *Publisher) Poll(ctx context.Context) (bool, error) {
	var published bool
	var errs error
	if p.bus.SubscriberCount(Topic) > 0 {
		if msg, err := Create(ctx, p.ch, p.clock, p.frameID); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			p.mu.Lock()
			p.seq++
			msg.Seq = p.seq
			p.mu.Unlock()
			p.bus.Publish(Topic, msg)
			published = true
		}
	}
	if p.bus.SubscriberCount(PtpTopic) > 0 && !p.ptpUnsupported.Load() {
		ok, err := p.pollPtp(ctx)
		errs = multierr.Append(errs, err)
		published = published || ok
	}
	return published, errs
}

func (p *Publisher) pollPtp(ctx context.Context) (bool, error) {
	st, err := p.ch.QueryPtpStatus(ctx)
	if errors.Is(err, channel.ErrNotSupported) {
		if !p.ptpUnsupported.Swap(true) {
			p.logger.Infow("sensor does not support PTP, not publishing ptp status")
		}
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "error querying ptp status")
	}
	p.mu.Lock()
	p.ptpSeq++
	seq := p.ptpSeq
	p.mu.Unlock()
	p.bus.Publish(PtpTopic, &ros.PtpStatus{
		Header:    ros.Header{Seq: seq, Stamp: p.clock.Now(), FrameID: p.frameID},
		PtpStatus: st,
	})
	return true, nil
}

// Start polls every period until Close. It does nothing once closed.
func (p *Publisher) Start() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.closed || p.workers != nil {
		return
	}
	p.workers = p.startWorkers()
}

func (p *Publisher) startWorkers() utils.StoppableWorkers {
	return utils.NewStoppableWorkers(utils.TickerWorker(p.clock, p.period, func(ctx context.Context) {
		if _, err := p.Poll(ctx); err != nil {
			p.logger.Warnw("cannot publish device status", "error", err)
		}
	}))
}

// SetPeriod changes the polling period, restarting the ticker if it runs.
func (p *Publisher) SetPeriod(period time.Duration) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.period == period {
		return
	}
	p.period = period
	if p.workers != nil {
		p.workers.Stop()
		p.workers = p.startWorkers()
	}
}

// Running reports whether the ticker runs.
func (p *Publisher) Running() bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.workers != nil
}

// Close stops polling for good.
func (p *Publisher) Close() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	p.closed = true
	if p.workers != nil {
		p.workers.Stop()
		p.workers = nil
	}
}
