package hardware

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/iontrap-lab/backend/internal/models"
)

// CounterSampler emits photon-count samples once per integration window
// while enabled. Counts are drawn around the configured mean rates with
// shot noise.
type CounterSampler struct {
	mu          sync.Mutex
	enabled     bool
	rates       []float64
	integration time.Duration
	rng         *rand.Rand
	sink        func(models.CounterSample)
}

// NewCounterSampler creates a disabled sampler delivering to sink.
func NewCounterSampler(integration time.Duration, sink func(models.CounterSample)) *CounterSampler {
	return &CounterSampler{
		integration: integration,
		rates:       make([]float64, models.MaxCounterChannels),
		rng:         rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x10ad)),
		sink:        sink,
	}
}

// Enable starts or pauses sample delivery.
func (c *CounterSampler) Enable(on bool) {
	c.mu.Lock()
	c.enabled = on
	c.mu.Unlock()
}

// Enabled reports whether samples are being delivered.
func (c *CounterSampler) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetRate sets the mean count rate (counts per second) of a channel.
func (c *CounterSampler) SetRate(channel int, rate float64) {
	if channel < 0 || channel >= models.MaxCounterChannels {
		return
	}
	c.mu.Lock()
	c.rates[channel] = rate
	c.mu.Unlock()
}

// Sample draws one window of counts.
func (c *CounterSampler) Sample() models.CounterSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := make([]int, len(c.rates))
	secs := c.integration.Seconds()
	for i, r := range c.rates {
		mean := r * secs
		if mean <= 0 {
			continue
		}
		n := mean + math.Sqrt(mean)*c.rng.NormFloat64()
		if n < 0 {
			n = 0
		}
		counts[i] = int(math.Round(n))
	}
	return models.CounterSample{Counts: counts, IntegrationTime: c.integration}
}

// Run delivers samples until ctx is cancelled.
func (c *CounterSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.integration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.Enabled() && c.sink != nil {
				c.sink(c.Sample())
			}
		}
	}
}
