package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docsrv/ingest/internal/common"
	"github.com/docsrv/ingest/internal/logging"
	"github.com/docsrv/ingest/internal/upload/models"
)

// Config tunes the per-tier TTLs and the background machinery.
type Config struct {
	L1TTL time.Duration
	L2TTL time.Duration
	L3TTL time.Duration
	// WriteQueueSize bounds the async write backlog; further writes are
	// dropped (the next transition re-populates the outer tiers anyway).
	WriteQueueSize int
	// StatsInterval is how often hit ratios are logged. Zero disables it.
	StatsInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.L1TTL <= 0 {
		c.L1TTL = 5 * time.Minute
	}
	if c.L2TTL <= 0 {
		c.L2TTL = 15 * time.Minute
	}
	if c.L3TTL <= 0 {
		c.L3TTL = time.Hour
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = 256
	}
}

// Stats are cumulative hit counters per tier.
type Stats struct {
	L1Hits int64
	L2Hits int64
	L3Hits int64
	Misses int64
}

type writeOp struct {
	key   string
	value []byte
}

// Cache reads through three tiers and back-populates the faster ones on a
// hit. Put updates the in-process tier before returning; the Redis and
// Postgres tiers follow from a single background writer.
type Cache struct {
	cfg    Config
	l1     *MemoryTier
	l2     Tier
	l3     Tier
	logger logging.Logger

	writes chan writeOp
	wg     sync.WaitGroup

	l1Hits atomic.Int64
	l2Hits atomic.Int64
	l3Hits atomic.Int64
	misses atomic.Int64
}

// New builds the cache. l2 and l3 may be nil; the cache degrades to the
// tiers it has.
func New(cfg Config, l2, l3 Tier, logger logging.Logger) *Cache {
	cfg.setDefaults()
	return &Cache{
		cfg:    cfg,
		l1:     NewMemoryTier(),
		l2:     l2,
		l3:     l3,
		logger: logger.With("module", "progress_cache"),
		writes: make(chan writeOp, cfg.WriteQueueSize),
	}
}

// Start launches the background writer, the L1 janitor and the stats logger.
// They stop when ctx is cancelled; Wait blocks until they are gone.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runWriter(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runJanitor(ctx)
	}()
}

func (c *Cache) Wait() {
	c.wg.Wait()
}

func key(sessionID string) string {
	return "progress:" + sessionID
}

// Put stores the projection. The in-process tier is updated synchronously so
// a read on the same instance sees the write; outer tiers follow async.
func (c *Cache) Put(ctx context.Context, rec *models.ProgressRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	k := key(rec.SessionID)
	if err := c.l1.Set(ctx, k, value, c.cfg.L1TTL); err != nil {
		return err
	}

	if c.l2 == nil && c.l3 == nil {
		return nil
	}
	select {
	case c.writes <- writeOp{key: k, value: value}:
	default:
		c.logger.Warn(ctx, "write backlog full, dropping outer-tier update", "sessionID", rec.SessionID)
	}
	return nil
}

// Get reads through the tiers. A hit on a slower tier back-populates the
// faster ones; a total miss is common.ErrNotFound.
func (c *Cache) Get(ctx context.Context, sessionID string) (*models.ProgressRecord, error) {
	k := key(sessionID)

	if value, err := c.l1.Get(ctx, k); err == nil {
		c.l1Hits.Add(1)
		return decode(value)
	}

	if c.l2 != nil {
		if value, err := c.l2.Get(ctx, k); err == nil {
			c.l2Hits.Add(1)
			_ = c.l1.Set(ctx, k, value, c.cfg.L1TTL)
			return decode(value)
		} else if !isMiss(err) {
			c.logger.Warn(ctx, "shared tier read failed", "error", err)
		}
	}

	if c.l3 != nil {
		if value, err := c.l3.Get(ctx, k); err == nil {
			c.l3Hits.Add(1)
			_ = c.l1.Set(ctx, k, value, c.cfg.L1TTL)
			if c.l2 != nil {
				if err := c.l2.Set(ctx, k, value, c.cfg.L2TTL); err != nil {
					c.logger.Warn(ctx, "shared tier backfill failed", "error", err)
				}
			}
			return decode(value)
		} else if !isMiss(err) {
			c.logger.Warn(ctx, "durable tier read failed", "error", err)
		}
	}

	c.misses.Add(1)
	return nil, common.ErrNotFound
}

// Invalidate removes the session from every tier, e.g. after deletion.
func (c *Cache) Invalidate(ctx context.Context, sessionID string) {
	k := key(sessionID)
	_ = c.l1.Delete(ctx, k)
	if c.l2 != nil {
		if err := c.l2.Delete(ctx, k); err != nil {
			c.logger.Warn(ctx, "shared tier delete failed", "error", err)
		}
	}
	if c.l3 != nil {
		if err := c.l3.Delete(ctx, k); err != nil {
			c.logger.Warn(ctx, "durable tier delete failed", "error", err)
		}
	}
}

func (c *Cache) Stats() Stats {
	return Stats{
		L1Hits: c.l1Hits.Load(),
		L2Hits: c.l2Hits.Load(),
		L3Hits: c.l3Hits.Load(),
		Misses: c.misses.Load(),
	}
}

func decode(value []byte) (*models.ProgressRecord, error) {
	rec := &models.ProgressRecord{}
	if err := json.Unmarshal(value, rec); err != nil {
		return nil, fmt.Errorf("unmarshal progress: %w", err)
	}
	return rec, nil
}

func isMiss(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}

func (c *Cache) runWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-c.writes:
			// detached context: cancellation of the server context must not
			// abort an in-flight cache write mid-protocol
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if c.l2 != nil {
				if err := c.l2.Set(writeCtx, op.key, op.value, c.cfg.L2TTL); err != nil {
					c.logger.Warn(ctx, "shared tier write failed", "error", err)
				}
			}
			if c.l3 != nil {
				if err := c.l3.Set(writeCtx, op.key, op.value, c.cfg.L3TTL); err != nil {
					c.logger.Warn(ctx, "durable tier write failed", "error", err)
				}
			}
			cancel()
		}
	}
}

func (c *Cache) runJanitor(ctx context.Context) {
	sweep := time.NewTicker(c.cfg.L1TTL)
	defer sweep.Stop()

	var stats *time.Ticker
	var statsC <-chan time.Time
	if c.cfg.StatsInterval > 0 {
		stats = time.NewTicker(c.cfg.StatsInterval)
		defer stats.Stop()
		statsC = stats.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if dropped := c.l1.SweepExpired(); dropped > 0 {
				c.logger.Debug(ctx, "swept expired entries", "count", dropped)
			}
		case <-statsC:
			s := c.Stats()
			c.logger.Info(ctx, "cache stats",
				"l1Hits", s.L1Hits, "l2Hits", s.L2Hits, "l3Hits", s.L3Hits,
				"misses", s.Misses, "l1Entries", c.l1.Len())
		}
	}
}
