package crypto

import "sync"

// Manager memoizes device key pairs per identity for the lifetime of
// the process. RSA-4096 generation is expensive, so concurrent first
// callers for the same identity share one in-flight load instead of
// each hitting the keystore.
type Manager struct {
	ks Keystore

	mu    sync.Mutex
	loads map[string]*keyLoad
}

type keyLoad struct {
	done chan struct{}
	pair *DeviceKeyPair
	err  error
}

// NewManager creates a Manager on top of the given keystore.
func NewManager(ks Keystore) *Manager {
	return &Manager{
		ks:    ks,
		loads: make(map[string]*keyLoad),
	}
}

// DeviceKeyPair returns the key pair for identity, loading or
// generating it on first call. Repeated calls return the same key
// material. A failed load is not cached so the next caller retries.
func (m *Manager) DeviceKeyPair(identity string) (*DeviceKeyPair, error) {
	m.mu.Lock()
	if load, ok := m.loads[identity]; ok {
		m.mu.Unlock()
		<-load.done
		return load.pair, load.err
	}

	load := &keyLoad{done: make(chan struct{})}
	m.loads[identity] = load
	m.mu.Unlock()

	load.pair, load.err = m.ks.LoadOrCreate(identity)
	if load.err != nil {
		m.mu.Lock()
		delete(m.loads, identity)
		m.mu.Unlock()
	}
	close(load.done)

	return load.pair, load.err
}
