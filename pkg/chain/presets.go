package chain

import (
	"sync"
	"time"
)

// Preset defines the default sync parameters for a network the options
// protocol is deployed on. Config may override any field per deployment.
type Preset struct {
	ChainID string
	// BlockTime is the average block interval, used to derive polling defaults.
	BlockTime time.Duration
	// OverlapMargin is how many blocks each scan re-reads below the cursor
	// to tolerate reorgs and late confirmations.
	OverlapMargin uint64
	// EventWindow is the default block span per per-contract event fetch.
	EventWindow uint64
	// BlockWindow is the default span for the full-block Exercise/Expire scan.
	BlockWindow uint64
	// PollInterval is the default timer tick for sync jobs on this network.
	PollInterval time.Duration
}

var (
	registry = make(map[string]Preset)
	mu       sync.RWMutex
)

// Register adds a network preset to the global registry.
func Register(name string, p Preset) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = p
}

// Get retrieves a preset by network name.
func Get(name string) (Preset, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// Built-in presets for the networks the protocol runs on.
func init() {
	Register("polygon-mainnet", Preset{
		ChainID:       "137",
		BlockTime:     2 * time.Second,
		OverlapMargin: 10, // Polygon reorgs run deeper than most chains
		EventWindow:   1000,
		BlockWindow:   200,
		PollInterval:  5 * time.Second,
	})

	Register("arbitrum-one", Preset{
		ChainID:       "42161",
		BlockTime:     250 * time.Millisecond,
		OverlapMargin: 5,
		EventWindow:   1000,
		BlockWindow:   500,
		PollInterval:  2 * time.Second,
	})

	Register("bsc-mainnet", Preset{
		ChainID:       "56",
		BlockTime:     3 * time.Second,
		OverlapMargin: 8,
		EventWindow:   1000,
		BlockWindow:   200,
		PollInterval:  5 * time.Second,
	})
}
