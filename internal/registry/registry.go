// Package registry is the operator's session table: a concurrency-safe map
// from agent address to session record.
package registry

import (
	"sync"

	"github.com/duskline/meridian/internal/fabric"
	"github.com/duskline/meridian/internal/lifecycle"
	"github.com/duskline/meridian/internal/osadapt"
)

// Session is one live agent connection, plus the cached summary gathered
// right after capability exchange and the table of active proxy listeners
// bound to it.
type Session struct {
	Addr   string
	Mux    *fabric.Mux
	Agent  *fabric.TypedChannel      // remote handle to the agent's capability server
	Broker *fabric.ByteChannelBroker // matches byte-channel substreams for this session's tunnels

	mu   sync.Mutex
	info *osadapt.SystemInfo

	Disconnect *lifecycle.Signal

	proxyMu sync.Mutex
	proxies map[string]*lifecycle.Signal
}

// NewSession builds a session record for a freshly exchanged connection.
func NewSession(addr string, mux *fabric.Mux, agent *fabric.TypedChannel, broker *fabric.ByteChannelBroker) *Session {
	return &Session{
		Addr:       addr,
		Mux:        mux,
		Agent:      agent,
		Broker:     broker,
		Disconnect: lifecycle.NewSignal(),
		proxies:    make(map[string]*lifecycle.Signal),
	}
}

// Info returns the cached system summary, or nil if not yet populated.
func (s *Session) Info() *osadapt.SystemInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// SetInfo stores the system summary gathered during session setup.
func (s *Session) SetInfo(info *osadapt.SystemInfo) {
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
}

// AddProxy registers a new proxy listener's disconnect signal under its
// local address. It reports false if one is already registered there, so
// opening an already-open address stays idempotent.
func (s *Session) AddProxy(localAddr string, sig *lifecycle.Signal) bool {
	s.proxyMu.Lock()
	defer s.proxyMu.Unlock()
	if _, exists := s.proxies[localAddr]; exists {
		return false
	}
	s.proxies[localAddr] = sig
	return true
}

// ProxySignal returns the disconnect signal registered for localAddr, or
// nil if none exists.
func (s *Session) ProxySignal(localAddr string) *lifecycle.Signal {
	s.proxyMu.Lock()
	defer s.proxyMu.Unlock()
	return s.proxies[localAddr]
}

// RemoveProxy consumes and removes the signal registered for localAddr,
// firing it. It reports false if none was registered.
func (s *Session) RemoveProxy(localAddr string) bool {
	s.proxyMu.Lock()
	sig, exists := s.proxies[localAddr]
	if exists {
		delete(s.proxies, localAddr)
	}
	s.proxyMu.Unlock()
	if exists {
		sig.Fire(nil)
	}
	return exists
}

// ProxyAddrs returns the local addresses of every active proxy listener, in
// no particular order.
func (s *Session) ProxyAddrs() []string {
	s.proxyMu.Lock()
	defer s.proxyMu.Unlock()
	addrs := make([]string, 0, len(s.proxies))
	for addr := range s.proxies {
		addrs = append(addrs, addr)
	}
	return addrs
}

// DrainProxies fires and removes every proxy signal. Called once on
// session teardown.
func (s *Session) DrainProxies() {
	s.proxyMu.Lock()
	proxies := s.proxies
	s.proxies = make(map[string]*lifecycle.Signal)
	s.proxyMu.Unlock()
	for _, sig := range proxies {
		sig.Fire(nil)
	}
}

// Registry is the operator's table of live sessions, keyed by agent
// address. Every method is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Insert adds (or replaces) the session for addr. A reconnect from the same
// address replaces the prior entry, last writer wins; Insert itself fires
// the replaced session's Disconnect signal so its mux task (selecting on
// that signal) tears itself down instead of leaking. The caller never needs
// to tear down a replaced session by hand.
func (r *Registry) Insert(addr string, s *Session) {
	r.mu.Lock()
	prev := r.sessions[addr]
	r.sessions[addr] = s
	r.mu.Unlock()
	if prev != nil && prev != s {
		prev.Disconnect.Fire(nil)
	}
}

// Lookup returns the session for addr, or nil if none exists.
func (r *Registry) Lookup(addr string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[addr]
}

// Remove deletes addr's entry only if it still points at s, guarding
// against removing a session that Insert already replaced with a newer
// reconnect.
func (r *Registry) Remove(addr string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[addr] == s {
		delete(r.sessions, addr)
	}
}

// Addrs returns every connected agent's address, in no particular order.
func (r *Registry) Addrs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addrs := make([]string, 0, len(r.sessions))
	for addr := range r.sessions {
		addrs = append(addrs, addr)
	}
	return addrs
}

// All returns a snapshot slice of every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
