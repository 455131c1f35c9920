package ops

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// SystemStats contains overall process statistics.
type SystemStats struct {
	Version   string
	Commit    string
	Uptime    time.Duration
	StartTime time.Time

	GoVersion       string
	NumGoroutines   int
	MemAllocMB      float64
	MemTotalAllocMB float64
	MemSysMB        float64
	NumGC           uint32
}

// StorageHealth is a narrow view of internal/storage used only for
// diagnostics, kept here rather than imported to avoid a dependency cycle
// between ops and the packages it reports on.
type StorageHealth interface {
	Ping(ctx context.Context) error
	CountEvents(ctx context.Context) (int64, error)
	CountEntities(ctx context.Context) (int64, error)
	DatabaseSizeMB(ctx context.Context) (float64, error)
}

// CacheHealth is a narrow view of internal/cache.
type CacheHealth interface {
	Ping(ctx context.Context) error
	Len() int
}

// TransportHealth is a narrow view of internal/transport.
type TransportHealth interface {
	SessionCount() int
}

// StorageStats summarizes the event/state store.
type StorageStats struct {
	Reachable      bool
	TotalEvents    int64
	TotalEntities  int64
	DatabaseSizeMB float64
	Error          string
}

// CacheStats summarizes the event-id cache.
type CacheStats struct {
	Reachable bool
	Size      int
	Error     string
}

// TransportStats summarizes the session layer.
type TransportStats struct {
	OpenSessions int
}

// Diagnostics is a point-in-time health snapshot of a running node.
type Diagnostics struct {
	CollectedAt time.Time
	System      *SystemStats
	Storage     *StorageStats
	Cache       *CacheStats
	Transport   *TransportStats
}

// DiagnosticsCollector gathers a Diagnostics snapshot from its collaborators.
type DiagnosticsCollector struct {
	version   string
	commit    string
	startTime time.Time
	storage   StorageHealth
	cache     CacheHealth
	transport TransportHealth
}

// NewDiagnosticsCollector wires a collector to its health-reporting collaborators.
func NewDiagnosticsCollector(version, commit string, storage StorageHealth, cache CacheHealth, transport TransportHealth) *DiagnosticsCollector {
	return &DiagnosticsCollector{
		version:   version,
		commit:    commit,
		startTime: time.Now(),
		storage:   storage,
		cache:     cache,
		transport: transport,
	}
}

func (d *DiagnosticsCollector) collectSystemStats() *SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemStats{
		Version:   d.version,
		Commit:    d.commit,
		Uptime:    time.Since(d.startTime),
		StartTime: d.startTime,

		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		MemAllocMB:      float64(m.Alloc) / 1024 / 1024,
		MemTotalAllocMB: float64(m.TotalAlloc) / 1024 / 1024,
		MemSysMB:        float64(m.Sys) / 1024 / 1024,
		NumGC:           m.NumGC,
	}
}

func (d *DiagnosticsCollector) collectStorageStats(ctx context.Context) *StorageStats {
	stats := &StorageStats{}
	if d.storage == nil {
		return stats
	}
	if err := d.storage.Ping(ctx); err != nil {
		stats.Error = err.Error()
		return stats
	}
	stats.Reachable = true

	if n, err := d.storage.CountEvents(ctx); err == nil {
		stats.TotalEvents = n
	}
	if n, err := d.storage.CountEntities(ctx); err == nil {
		stats.TotalEntities = n
	}
	if mb, err := d.storage.DatabaseSizeMB(ctx); err == nil {
		stats.DatabaseSizeMB = mb
	}
	return stats
}

func (d *DiagnosticsCollector) collectCacheStats(ctx context.Context) *CacheStats {
	stats := &CacheStats{}
	if d.cache == nil {
		return stats
	}
	if err := d.cache.Ping(ctx); err != nil {
		stats.Error = err.Error()
		return stats
	}
	stats.Reachable = true
	stats.Size = d.cache.Len()
	return stats
}

func (d *DiagnosticsCollector) collectTransportStats() *TransportStats {
	stats := &TransportStats{}
	if d.transport != nil {
		stats.OpenSessions = d.transport.SessionCount()
	}
	return stats
}

// CollectAll gathers a full Diagnostics snapshot.
func (d *DiagnosticsCollector) CollectAll(ctx context.Context) (*Diagnostics, error) {
	return &Diagnostics{
		CollectedAt: time.Now(),
		System:      d.collectSystemStats(),
		Storage:     d.collectStorageStats(ctx),
		Cache:       d.collectCacheStats(ctx),
		Transport:   d.collectTransportStats(),
	}, nil
}

// FormatAsText formats diagnostics as plain text for the CLI/log startup banner.
func (d *Diagnostics) FormatAsText() string {
	out := "=== causalnet diagnostics ===\n"
	out += fmt.Sprintf("collected: %s\n\n", d.CollectedAt.Format(time.RFC3339))

	out += "--- system ---\n"
	out += fmt.Sprintf("version: %s (%s)\n", d.System.Version, d.System.Commit)
	out += fmt.Sprintf("uptime: %s\n", d.System.Uptime.Round(time.Second))
	out += fmt.Sprintf("go version: %s\n", d.System.GoVersion)
	out += fmt.Sprintf("goroutines: %d\n", d.System.NumGoroutines)
	out += fmt.Sprintf("memory: %.2f MB allocated, %.2f MB system\n\n", d.System.MemAllocMB, d.System.MemSysMB)

	out += "--- storage ---\n"
	out += fmt.Sprintf("reachable: %v\n", d.Storage.Reachable)
	if d.Storage.Error != "" {
		out += fmt.Sprintf("error: %s\n", d.Storage.Error)
	} else {
		out += fmt.Sprintf("events: %d, entities: %d, size: %.2f MB\n", d.Storage.TotalEvents, d.Storage.TotalEntities, d.Storage.DatabaseSizeMB)
	}
	out += "\n"

	out += "--- cache ---\n"
	out += fmt.Sprintf("reachable: %v, size: %d\n\n", d.Cache.Reachable, d.Cache.Size)

	out += "--- transport ---\n"
	out += fmt.Sprintf("open sessions: %d\n", d.Transport.OpenSessions)

	return out
}
