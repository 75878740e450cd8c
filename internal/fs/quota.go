package fs

import (
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/ajaxzhan/simfs/pkg/types"
)

// QuotaTracker accounts stored bytes per group against optional limits.
// Usage is kept for every group, configured or not.
type QuotaTracker struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	config map[uint32]types.QuotaConfiguration
	usage  map[uint32]*types.UsageStatistics
}

// NewQuotaTracker creates an empty tracker. clock may be nil.
func NewQuotaTracker(clock clockwork.Clock) *QuotaTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &QuotaTracker{
		clock:  clock,
		config: make(map[uint32]types.QuotaConfiguration),
		usage:  make(map[uint32]*types.UsageStatistics),
	}
}

func (q *QuotaTracker) stats(gid uint32) *types.UsageStatistics {
	s, ok := q.usage[gid]
	if !ok {
		s = &types.UsageStatistics{}
		q.usage[gid] = s
	}
	return s
}

// SetQuota installs or replaces the configuration of a group.
func (q *QuotaTracker) SetQuota(cfg types.QuotaConfiguration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.config[cfg.GroupID] = cfg
}

// Quota returns the configuration of a group.
func (q *QuotaTracker) Quota(gid uint32) (types.QuotaConfiguration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cfg, ok := q.config[gid]
	return cfg, ok
}

// Quotas returns all configurations sorted by group id.
func (q *QuotaTracker) Quotas() []types.QuotaConfiguration {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.QuotaConfiguration, 0, len(q.config))
	for _, cfg := range q.config {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// CheckAndReserve adds delta bytes to gid's usage, or fails without
// changing anything if an enabled quota would be exceeded.
func (q *QuotaTracker) CheckAndReserve(gid uint32, delta int64) error {
	if delta <= 0 {
		q.Release(gid, -delta)
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reserveLocked(gid, delta)
}

// Check reports whether delta more bytes would exceed gid's quota,
// recording the rejection like CheckAndReserve, but reserves nothing.
func (q *QuotaTracker) Check(gid uint32, delta int64) error {
	if delta <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.checkLocked(gid, delta)
}

func (q *QuotaTracker) reserveLocked(gid uint32, delta int64) error {
	if err := q.checkLocked(gid, delta); err != nil {
		return err
	}
	s := q.stats(gid)
	s.CurrentUsageBytes += delta
	if s.CurrentUsageBytes > s.PeakUsageBytes {
		s.PeakUsageBytes = s.CurrentUsageBytes
		s.PeakUsageTime = q.clock.Now()
	}
	return nil
}

func (q *QuotaTracker) checkLocked(gid uint32, delta int64) error {
	s := q.stats(gid)
	if cfg, ok := q.config[gid]; ok && cfg.Enabled && s.CurrentUsageBytes > cfg.QuotaBytes-delta {
		s.QuotaExceededCount++
		s.LastExceededTime = q.clock.Now()
		return &types.QuotaError{
			GroupID:   gid,
			Requested: delta,
			Usage:     s.CurrentUsageBytes,
			Limit:     cfg.QuotaBytes,
		}
	}
	return nil
}

// Release returns delta bytes to gid. Usage never drops below zero.
func (q *QuotaTracker) Release(gid uint32, delta int64) {
	if delta <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(gid, delta)
}

func (q *QuotaTracker) releaseLocked(gid uint32, delta int64) {
	s := q.stats(gid)
	s.CurrentUsageBytes -= delta
	if s.CurrentUsageBytes < 0 {
		s.CurrentUsageBytes = 0
	}
}

// CurrentUsage returns the bytes attributed to gid.
func (q *QuotaTracker) CurrentUsage(gid uint32) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.usage[gid]; ok {
		return s.CurrentUsageBytes
	}
	return 0
}

// Stats returns a copy of gid's usage statistics.
func (q *QuotaTracker) Stats(gid uint32) types.UsageStatistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.usage[gid]; ok {
		return *s
	}
	return types.UsageStatistics{}
}

// Rebuild replaces current usage with totals recomputed from the tree,
// keeping the historical peak and exceeded counters.
func (q *QuotaTracker) Rebuild(totals map[uint32]int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, s := range q.usage {
		s.CurrentUsageBytes = 0
	}
	now := q.clock.Now()
	for gid, total := range totals {
		s := q.stats(gid)
		s.CurrentUsageBytes = total
		if total > s.PeakUsageBytes {
			s.PeakUsageBytes = total
			s.PeakUsageTime = now
		}
	}
}

// restoreStats puts persisted statistics back before Rebuild runs.
func (q *QuotaTracker) restoreStats(gid uint32, s types.UsageStatistics) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := s
	q.usage[gid] = &cp
}
