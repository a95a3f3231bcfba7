package exporter

import (
	"context"
	"sync"
	"time"

	"github.com/cam3ron2/pr-insights/internal/enhance"
)

// CacheConfig configures the coverage cache used by /metrics rendering.
type CacheConfig struct {
	RefreshInterval time.Duration
	Now             func() time.Time
}

type cachedCoverageReader struct {
	source          CoverageReader
	refreshInterval time.Duration
	now             func() time.Time

	mu          sync.Mutex
	initialized bool
	lastRefresh time.Time
	status      enhance.DataStatus
	err         error
	duration    time.Duration
}

// NewCachedCoverageReader wraps a coverage reader so scrapes re-read the record
// files at most once per refresh interval.
func NewCachedCoverageReader(source CoverageReader, cfg CacheConfig) CoverageReader {
	if _, alreadyCached := source.(*cachedCoverageReader); alreadyCached {
		return source
	}

	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	refreshInterval := cfg.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}

	return &cachedCoverageReader{
		source:          source,
		refreshInterval: refreshInterval,
		now:             nowFn,
	}
}

func (c *cachedCoverageReader) CheckExistingDataStatus(ctx context.Context) (enhance.DataStatus, error) {
	if c.source == nil {
		return enhance.DataStatus{}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.initialized && now.Sub(c.lastRefresh) < c.refreshInterval {
		return c.status, c.err
	}

	started := time.Now()
	status, err := c.source.CheckExistingDataStatus(ctx)
	c.duration = time.Since(started)
	c.lastRefresh = now
	c.initialized = true
	c.err = err
	if err == nil {
		c.status = status
	}
	return c.status, c.err
}

// RefreshDuration reports how long the last refresh took.
func (c *cachedCoverageReader) RefreshDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}
