// Package gradient periodically publishes this node's resource gradient
// (uptime, bandwidth, CPU load, free memory) and exposes the same reading
// through Sample, which cmd/enrd feeds into the election engine's
// self-candidacy metrics, implementing the
// ResourceGradient producer the envelope protocol otherwise leaves as a
// bare input.
package gradient

import (
	"context"
	"runtime"
	"time"

	"github.com/pbnjay/memory"

	"github.com/vudo/enr/internal/logger"
	"github.com/vudo/enr/pkg/envelope"
	"github.com/vudo/enr/pkg/identity"
	"github.com/vudo/enr/pkg/transport"
)

// Defaults for the self-report cadence and the uptime warm-up window.
const (
	DefaultInterval     = 30 * time.Second
	DefaultWarmupWindow = 30 * time.Second
)

// Config configures a Producer.
type Config struct {
	Key     *identity.NodeKey
	Publish transport.Publisher

	// BandwidthMbps is the node operator's configured uplink capacity.
	// No example repo in the pack wires a live network-throughput
	// sampler, so this is a static operator setting rather than a
	// measured quantity, same as a Meshtastic node's configured radio
	// power.
	BandwidthMbps float64

	Interval     time.Duration
	WarmupWindow time.Duration

	Log *logger.Logger
}

// Producer periodically samples and gossips this node's resource
// gradient over envelope.GradientTopic.
type Producer struct {
	key           *identity.NodeKey
	publish       transport.Publisher
	bandwidthMbps float64
	interval      time.Duration
	warmup        time.Duration
	startedAt     time.Time
	log           *logger.Logger
}

// New constructs a Producer. The process start time anchors the
// uptime_ratio warm-up window.
func New(cfg Config) *Producer {
	interval, warmup := cfg.Interval, cfg.WarmupWindow
	if interval <= 0 {
		interval = DefaultInterval
	}
	if warmup <= 0 {
		warmup = DefaultWarmupWindow
	}
	return &Producer{
		key:           cfg.Key,
		publish:       cfg.Publish,
		bandwidthMbps: cfg.BandwidthMbps,
		interval:      interval,
		warmup:        warmup,
		startedAt:     time.Now(),
		log:           cfg.Log,
	}
}

// Interval returns the configured sampling cadence, so a caller that
// also needs to refresh the election engine's metrics from the same
// sample can share one ticker period.
func (p *Producer) Interval() time.Duration { return p.interval }

// Sample reads the current resource gradient. CPU load is approximated
// from live goroutine pressure against GOMAXPROCS, since the pack wires
// no cross-platform load-average library; memory is read live via
// github.com/pbnjay/memory.
func (p *Producer) Sample() envelope.ResourceGradient {
	uptime := float64(time.Since(p.startedAt)) / float64(p.warmup)
	if uptime > 1 {
		uptime = 1
	}

	cpuLoad := float64(runtime.NumGoroutine()) / float64(runtime.GOMAXPROCS(0)*100)
	if cpuLoad > 1 {
		cpuLoad = 1
	}

	memAvailableMB := float64(memory.FreeMemory()) / (1024 * 1024)

	return envelope.ResourceGradient{
		UptimeRatio:   uptime,
		BandwidthMbps: p.bandwidthMbps,
		CPULoad:       cpuLoad,
		MemAvailable:  memAvailableMB,
	}
}

// PublishOnce samples and gossips a single gradient update.
func (p *Producer) PublishOnce(ctx context.Context) error {
	body := envelope.GradientUpdate{
		Source:    p.key.NodeId(),
		Gradient:  p.Sample(),
		Timestamp: time.Now().Unix(),
	}
	env, err := envelope.NewGradientUpdate(body)
	if err != nil {
		return err
	}
	if err := env.Sign(p.key); err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return p.publish.Publish(ctx, envelope.GradientTopic, data)
}

// Run publishes the gradient at the configured interval until ctx is
// cancelled.
func (p *Producer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PublishOnce(ctx); err != nil {
				p.log.WithError(err).Warn("gradient: failed to publish resource gradient")
			}
		}
	}
}
