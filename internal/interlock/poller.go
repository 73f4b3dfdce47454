package interlock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/iontrap-lab/backend/internal/metrics"
	"github.com/iontrap-lab/backend/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBackoff is the pause after a failed fetch.
const DefaultBackoff = 20 * time.Second

// serverReading is the per-channel JSON object served by a wavemeter.
// Time is seconds since the Unix epoch.
type serverReading struct {
	Freq             float64 `json:"freq"`
	Time             float64 `json:"time"`
	Active           bool    `json:"active"`
	InterlockEnabled bool    `json:"interlock_enabled"`
	InterlockInRange bool    `json:"interlock_inrange"`
}

func (r serverReading) toModel() models.ChannelReading {
	sec, frac := math.Modf(r.Time)
	return models.ChannelReading{
		Freq:              r.Freq,
		ServerTime:        time.Unix(int64(sec), int64(frac*1e9)).UTC(),
		ServerActive:      r.Active,
		ServerRangeActive: r.InterlockEnabled,
		ServerInRange:     r.InterlockInRange,
	}
}

// PollerConfig describes one wavemeter server.
type PollerConfig struct {
	Name     string
	URL      string
	Interval time.Duration
	Backoff  time.Duration
	Timeout  time.Duration
}

// Poller periodically fetches all channel readings of one wavemeter server
// and feeds them to an Evaluator.
type Poller struct {
	cfg     PollerConfig
	eval    *Evaluator
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewPoller creates a poller for cfg. Zero Interval polls as fast as the
// server answers, paced to at most ten requests per second.
func NewPoller(logger *zap.Logger, cfg PollerConfig, eval *Evaluator) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	limit := rate.Limit(10)
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	return &Poller{
		cfg:     cfg,
		eval:    eval,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		log:     logger.Named("wavemeter").With(zap.String("wavemeter", cfg.Name)),
	}
}

// Run polls until ctx is cancelled. Failures are logged, the evaluator's
// stale channels are demoted to NoData and the next fetch waits Backoff.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("wavemeter poller started", zap.String("url", p.cfg.URL))
	defer p.log.Info("wavemeter poller stopped")

	failing := false
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}
		n, err := p.Poll(ctx)
		if err == nil {
			if failing {
				p.log.Info("wavemeter server reachable again", zap.Int("channels", n))
				failing = false
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if !failing {
			p.log.Warn("wavemeter fetch failed, backing off", zap.Duration("backoff", p.cfg.Backoff), zap.Error(err))
			failing = true
		} else {
			p.log.Debug("wavemeter fetch still failing", zap.Error(err))
		}
		p.eval.Refresh()

		t := time.NewTimer(p.cfg.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Poll performs one fetch and returns how many configured channels were
// updated.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	start := time.Now()
	readings, err := p.fetch(ctx)
	metrics.RecordWavemeterFetch(p.cfg.Name, time.Since(start).Seconds(), err)
	if err != nil {
		return 0, err
	}

	updated := 0
	for key, r := range readings {
		ch, err := strconv.Atoi(key)
		if err != nil {
			p.log.Debug("skipping non-numeric channel key", zap.String("key", key))
			continue
		}
		if p.eval.Update(p.cfg.Name, ch, r.toModel()) {
			updated++
		}
	}
	return updated, nil
}

func (p *Poller) fetch(ctx context.Context) (map[string]serverReading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", p.cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("wavemeter returned %d: %s", resp.StatusCode, body)
	}

	var readings map[string]serverReading
	if err := json.NewDecoder(resp.Body).Decode(&readings); err != nil {
		return nil, fmt.Errorf("decoding readings: %w", err)
	}
	return readings, nil
}
