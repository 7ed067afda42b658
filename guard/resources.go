package guard

import (
	"runtime"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Health summarizes resource pressure for diagnostics.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// ResourceConfig sets the process-wide limits. Zero fields take defaults.
type ResourceConfig struct {
	MaxSessions   int
	MaxOperations int
	MemWarningMiB uint64
	MemCriticalMiB uint64
}

func (c ResourceConfig) withDefaults() ResourceConfig {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 100
	}
	if c.MaxOperations <= 0 {
		c.MaxOperations = 50
	}
	if c.MemWarningMiB == 0 {
		c.MemWarningMiB = 512
	}
	if c.MemCriticalMiB == 0 {
		c.MemCriticalMiB = 768
	}
	return c
}

// Resources is the global admission controller for sessions and operations.
type Resources struct {
	cfg ResourceConfig
	log *zap.Logger

	// memoryMiB is injectable for tests; defaults to the Go heap estimate.
	memoryMiB func() uint64
	// gcHook runs when memory crosses the critical threshold.
	gcHook func()

	mu         sync.Mutex
	sessions   map[string]struct{}
	operations map[string]struct{}
}

// NewResources builds the guard with defaults applied.
func NewResources(cfg ResourceConfig, log *zap.Logger) *Resources {
	return &Resources{
		cfg:        cfg.withDefaults(),
		log:        log,
		memoryMiB:  heapMiB,
		gcHook:     func() { debug.FreeOSMemory() },
		sessions:   make(map[string]struct{}),
		operations: make(map[string]struct{}),
	}
}

func heapMiB() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc / (1 << 20)
}

// AddSession reserves a session slot. Returns false when the fleet is full.
func (r *Resources) AddSession(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.cfg.MaxSessions {
		return false
	}
	r.sessions[id] = struct{}{}
	return true
}

// RemoveSession releases a session slot. Idempotent.
func (r *Resources) RemoveSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// CanStartOperation reports whether a new operation would be admitted.
func (r *Resources) CanStartOperation() bool {
	mem := r.memoryMiB()
	r.mu.Lock()
	defer r.mu.Unlock()
	if mem >= r.cfg.MemCriticalMiB {
		return false
	}
	if len(r.operations) >= r.cfg.MaxOperations {
		return false
	}
	if r.fdEstimateLocked() >= maxFDEstimate {
		return false
	}
	return true
}

// StartOperation atomically reserves an operation slot. Under critical memory
// pressure the GC hook runs and admission is refused.
func (r *Resources) StartOperation(id string) bool {
	mem := r.memoryMiB()
	if mem >= r.cfg.MemCriticalMiB {
		r.log.Warn("memory critical, refusing operation",
			zap.Uint64("memMiB", mem), zap.Uint64("criticalMiB", r.cfg.MemCriticalMiB))
		if r.gcHook != nil {
			r.gcHook()
		}
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.operations) >= r.cfg.MaxOperations {
		return false
	}
	if r.fdEstimateLocked() >= maxFDEstimate {
		return false
	}
	r.operations[id] = struct{}{}
	return true
}

// FinishOperation releases an operation slot. Idempotent.
func (r *Resources) FinishOperation(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.operations, id)
}

// maxFDEstimate bounds the derived file descriptor estimate: every session
// holds a backend pipe pair plus bookkeeping, every operation a stream.
const maxFDEstimate = 512

func (r *Resources) fdEstimateLocked() int {
	return 3*len(r.sessions) + 2*len(r.operations) + 8
}

// HealthStatus derives overall health from memory thresholds and slot usage.
func (r *Resources) HealthStatus() Health {
	mem := r.memoryMiB()
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case mem >= r.cfg.MemCriticalMiB,
		len(r.operations) >= r.cfg.MaxOperations,
		len(r.sessions) >= r.cfg.MaxSessions:
		return HealthCritical
	case mem >= r.cfg.MemWarningMiB,
		len(r.operations) >= r.cfg.MaxOperations*8/10,
		len(r.sessions) >= r.cfg.MaxSessions*8/10:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// Snapshot reports current usage for the diagnostics surface.
func (r *Resources) Snapshot() (sessions, operations int, memMiB uint64) {
	mem := r.memoryMiB()
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), len(r.operations), mem
}
