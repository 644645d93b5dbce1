package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// Purpose identifies what a provider handle is used for. Each purpose keeps
// its own active endpoint so a rate-limited event-sync read does not rotate
// the handle a transaction broadcast is using.
type Purpose string

const (
	PurposeGeneral   Purpose = "general"
	PurposeEventSync Purpose = "event-sync"
	PurposeBlockSync Purpose = "block-sync"
)

var ErrNoEndpoints = errors.New("rpc: no endpoints configured")

// Endpoints maps a purpose to its fixed candidate endpoint list.
type Endpoints map[Purpose][]NodeConfig

// Dialer creates a live client for an endpoint. Swapped out in tests.
type Dialer func(ctx context.Context, cfg NodeConfig) (Client, error)

type activeNode struct {
	idx    int
	client Client
}

// Manager holds the active RPC handle per (network, purpose) and rotates
// round-robin through the candidate list when a caller reports a failure.
// Rotation does not retry in line; callers come back on their next tick.
type Manager struct {
	mu        sync.Mutex
	dial      Dialer
	endpoints map[string]Endpoints
	active    map[string]map[Purpose]*activeNode
}

// NewManager creates a Manager that dials real nodes.
func NewManager(endpoints map[string]Endpoints) *Manager {
	return NewManagerWithDialer(endpoints, func(ctx context.Context, cfg NodeConfig) (Client, error) {
		return NewNode(ctx, cfg)
	})
}

// NewManagerWithDialer creates a Manager with a custom dialer (Testing/DI).
func NewManagerWithDialer(endpoints map[string]Endpoints, dial Dialer) *Manager {
	return &Manager{
		dial:      dial,
		endpoints: endpoints,
		active:    make(map[string]map[Purpose]*activeNode),
	}
}

// Get returns the live handle for (network, purpose), dialing the first
// candidate lazily on first use.
func (m *Manager) Get(ctx context.Context, network string, purpose Purpose) (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if slot := m.active[network][purpose]; slot != nil {
		return slot.client, nil
	}

	cands := m.candidates(network, purpose)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: network=%s purpose=%s", ErrNoEndpoints, network, purpose)
	}

	client, err := m.dial(ctx, cands[0])
	if err != nil {
		return nil, err
	}
	m.store(network, purpose, &activeNode{idx: 0, client: client})
	return client, nil
}

// Rotate advances to the next candidate endpoint for (network, purpose),
// replacing the stored handle. The caller retries on its next scheduled
// tick, which bounds the retry rate to one attempt per polling interval.
func (m *Manager) Rotate(ctx context.Context, network string, purpose Purpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cands := m.candidates(network, purpose)
	if len(cands) == 0 {
		return fmt.Errorf("%w: network=%s purpose=%s", ErrNoEndpoints, network, purpose)
	}

	next := 0
	if slot := m.active[network][purpose]; slot != nil {
		next = (slot.idx + 1) % len(cands)
		slot.client.Close()
	}

	client, err := m.dial(ctx, cands[next])
	if err != nil {
		// Leave the slot empty; the next Get starts over from candidate 0.
		m.store(network, purpose, nil)
		return err
	}
	m.store(network, purpose, &activeNode{idx: next, client: client})

	log.Info("Rotated RPC endpoint", "network", network, "purpose", purpose, "url", cands[next].URL)
	return nil
}

// Close closes every live handle.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, byPurpose := range m.active {
		for _, slot := range byPurpose {
			if slot != nil {
				slot.client.Close()
			}
		}
	}
	m.active = make(map[string]map[Purpose]*activeNode)
}

func (m *Manager) candidates(network string, purpose Purpose) []NodeConfig {
	eps, ok := m.endpoints[network]
	if !ok {
		return nil
	}
	cands := eps[purpose]
	if len(cands) == 0 {
		// Fall back to the general pool when a purpose has no dedicated list.
		cands = eps[PurposeGeneral]
	}
	return cands
}

func (m *Manager) store(network string, purpose Purpose, slot *activeNode) {
	if m.active[network] == nil {
		m.active[network] = make(map[Purpose]*activeNode)
	}
	m.active[network][purpose] = slot
}
