package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// QueueStatsProvider supplies backlog statistics for the channels this
// process listens to. Implementations must not take row locks.
type QueueStatsProvider interface {
	QueueLength() int64
	OldestPendingAge(now time.Time) float64
}

// MetricsCollector periodically reads queue statistics and updates the
// queue gauges. It runs on its own lightweight read path so it never
// starves the listener loop.
type MetricsCollector struct {
	provider QueueStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider QueueStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	QueueLength.Set(float64(mc.provider.QueueLength()))
	ProcessingLagMS.Set(mc.provider.OldestPendingAge(time.Now()))
}

// StoreStatsProvider adapts a notification store to QueueStatsProvider
type StoreStatsProvider struct {
	Stats    func(ctx context.Context, channels []string) (length int64, oldest *time.Time, err error)
	Channels []string
	Timeout  time.Duration

	mu     sync.Mutex
	length int64
	oldest *time.Time
}

// QueueLength refreshes and returns the backlog length
func (p *StoreStatsProvider) QueueLength() int64 {
	p.refresh()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.length
}

// OldestPendingAge returns the backlog lag in milliseconds at now
func (p *StoreStatsProvider) OldestPendingAge(now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.oldest == nil {
		return 0
	}
	return float64(now.Sub(*p.oldest)) / float64(time.Millisecond)
}

func (p *StoreStatsProvider) refresh() {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	length, oldest, err := p.Stats(ctx, p.Channels)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read queue stats")
		return
	}
	p.mu.Lock()
	p.length = length
	p.oldest = oldest
	p.mu.Unlock()
}
