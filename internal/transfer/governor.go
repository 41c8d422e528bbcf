package transfer

import (
	"sync"

	"github.com/FabeYT/smartshare/internal/metrics"
)

const (
	// MaxMemoryBytes is the hard cap on bytes held by transfer buffers.
	MaxMemoryBytes int64 = 500 * 1024 * 1024
	// WarningMemoryBytes triggers a normal sweep of aged transfers.
	WarningMemoryBytes int64 = 400 * 1024 * 1024
	// MaxConcurrentTransfers bounds simultaneous streaming transfers.
	MaxConcurrentTransfers = 5
)

// Governor is the in-memory admission authority for active transfers: it
// accounts bytes held by transfer buffers and caps concurrent streams.
type Governor struct {
	mu            sync.Mutex
	maxMemory     int64
	warningMemory int64
	maxTransfers  int

	memoryInFlight int64
	activeCount    int
}

// NewGovernor creates a Governor with the given thresholds in bytes.
func NewGovernor(maxMemory, warningMemory int64, maxTransfers int) *Governor {
	return &Governor{
		maxMemory:     maxMemory,
		warningMemory: warningMemory,
		maxTransfers:  maxTransfers,
	}
}

// HeapBytes returns current bytes accounted in flight, for admission checks
// on new connections (spec: reject handshake if heapBytes > MAX_MEMORY).
func (g *Governor) HeapBytes() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.memoryInFlight
}

// CanStartTransfer reports whether a new streaming transfer may begin.
func (g *Governor) CanStartTransfer() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeCount < g.maxTransfers
}

// BeginStreaming increments the active-transfer count.
func (g *Governor) BeginStreaming() {
	g.mu.Lock()
	g.activeCount++
	g.mu.Unlock()
	metrics.ActiveTransfers.Set(float64(g.activeCountLocked()))
}

func (g *Governor) activeCountLocked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeCount
}

// Reserve accounts size bytes against the budget when the first chunk of a
// transfer arrives.
func (g *Governor) Reserve(size int64) {
	g.mu.Lock()
	g.memoryInFlight += size
	inFlight := g.memoryInFlight
	g.mu.Unlock()
	metrics.MemoryInFlightBytes.Set(float64(inFlight))
}

// Release frees size bytes and decrements the active-transfer count. Callers
// must ensure this runs exactly once per transfer (terminal transition).
func (g *Governor) Release(size int64) {
	g.mu.Lock()
	g.memoryInFlight -= size
	if g.memoryInFlight < 0 {
		g.memoryInFlight = 0
	}
	if g.activeCount > 0 {
		g.activeCount--
	}
	inFlight := g.memoryInFlight
	active := g.activeCount
	g.mu.Unlock()
	metrics.MemoryInFlightBytes.Set(float64(inFlight))
	metrics.ActiveTransfers.Set(float64(active))
}

// OverBudget reports whether memoryInFlight exceeds the hard cap.
func (g *Governor) OverBudget() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.memoryInFlight > g.maxMemory
}

// OverWarning reports whether memoryInFlight exceeds the warning threshold.
func (g *Governor) OverWarning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.memoryInFlight > g.warningMemory
}
