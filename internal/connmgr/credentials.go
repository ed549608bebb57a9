package connmgr

import (
	"sort"
	"strings"
	"sync"

	"connq/internal/transport"
)

// credentialStore maps hosts to credentials and keeps the trusted host set.
// A nil store behaves as empty.
type credentialStore struct {
	mu      sync.RWMutex
	creds   map[string]transport.Credential
	trusted map[string]struct{}
}

func newCredentialStore() *credentialStore {
	return &credentialStore{
		creds:   map[string]transport.Credential{},
		trusted: map[string]struct{}{},
	}
}

func normHost(host string) string { return strings.ToLower(strings.TrimSpace(host)) }

func (s *credentialStore) credential(host string) (transport.Credential, bool) {
	if s == nil {
		return transport.Credential{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[normHost(host)]
	return c, ok
}

// setCredential stores c for host; a nil c removes the entry.
func (s *credentialStore) setCredential(c *transport.Credential, host string) {
	h := normHost(host)
	if h == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == nil {
		delete(s.creds, h)
		return
	}
	s.creds[h] = *c
}

func (s *credentialStore) isTrusted(host string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.trusted[normHost(host)]
	return ok
}

func (s *credentialStore) trust(host string, on bool) {
	h := normHost(host)
	if h == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.trusted[h] = struct{}{}
	} else {
		delete(s.trusted, h)
	}
}

func (s *credentialStore) replaceTrusted(hosts []string) {
	next := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		if h = normHost(h); h != "" {
			next[h] = struct{}{}
		}
	}
	s.mu.Lock()
	s.trusted = next
	s.mu.Unlock()
}

func (s *credentialStore) trustedHosts() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.trusted))
	for h := range s.trusted {
		out = append(out, h)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ---- Manager accessors ----

// Credential returns the stored credential for host.
func (m *Manager) Credential(host string) (transport.Credential, bool) {
	return m.creds.credential(host)
}

// SetCredential stores (or, with nil, removes) the credential used for host.
func (m *Manager) SetCredential(c *transport.Credential, host string) {
	m.creds.setCredential(c, host)
}

func (m *Manager) TrustHost(host string)   { m.creds.trust(host, true) }
func (m *Manager) UntrustHost(host string) { m.creds.trust(host, false) }

// SetTrustedHosts replaces the trusted host set.
func (m *Manager) SetTrustedHosts(hosts []string) { m.creds.replaceTrusted(hosts) }

// TrustedHosts returns the trusted hosts, sorted.
func (m *Manager) TrustedHosts() []string { return m.creds.trustedHosts() }
