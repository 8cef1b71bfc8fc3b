package carecache

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/mackerelio/go-osstat/memory"
	"go.uber.org/zap"
)

type statsCollector struct {
	bySource [4]atomic.Uint64 // indexed by sourceIndex
	misses   atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func sourceIndex(src Source) int {
	switch src {
	case SourceNetwork:
		return 0
	case SourceCache:
		return 1
	case SourceFallback:
		return 2
	default:
		return 3
	}
}

func (s *statsCollector) Observe(resp Response) {
	s.bySource[sourceIndex(resp.Source)].Add(1)

	n := uint64(len(resp.Body))
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)
	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

// NoResponse counts fetches that could not be answered at all.
func (s *statsCollector) NoResponse() { s.misses.Add(1) }

type statsSnapshot struct {
	Network, Cache, Fallback, Offline, NoResponse uint64

	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	ss := statsSnapshot{
		Network:    s.bySource[0].Load(),
		Cache:      s.bySource[1].Load(),
		Fallback:   s.bySource[2].Load(),
		Offline:    s.bySource[3].Load(),
		NoResponse: s.misses.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return ss
	}
	ss.TotalResponses = count
	ss.TotalRespBytes = s.totalRespBytes.Load()
	ss.MinRespBytes = s.minRespBytes.Load()
	ss.MaxRespBytes = s.maxRespBytes.Load()
	ss.AvgRespBytes = ss.TotalRespBytes / count
	return ss
}

func (w *Worker) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			w.logStats()
		}
	}
}

func (w *Worker) logStats() {
	ss := w.stats.Snapshot()
	fields := []zap.Field{
		zap.Uint64("network", ss.Network),
		zap.Uint64("cache", ss.Cache),
		zap.Uint64("fallback", ss.Fallback),
		zap.Uint64("offline", ss.Offline),
		zap.Uint64("noResponse", ss.NoResponse),
		zap.String("respMinAvgMax", formatBytes(ss.MinRespBytes)+"/"+formatBytes(ss.AvgRespBytes)+"/"+formatBytes(ss.MaxRespBytes)),
	}
	if f, ok := w.store.(*RAMFront); ok {
		fields = append(fields, zap.String("ram", formatBytes(uint64(f.TotalSize()))))
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	if mem, err := memory.Get(); err == nil && mem.Total > 0 {
		fields = append(fields, zap.Float64("hostMemUsedPercent", float64(mem.Used)/float64(mem.Total)*100))
	}
	w.log.Info("stats", fields...)
}
