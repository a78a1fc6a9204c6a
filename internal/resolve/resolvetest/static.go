// Package resolvetest provides an in-memory resolver for tests.
package resolvetest

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/ksdme/mta/internal/resolve"
)

// A resolver that answers from fixed tables. Names are matched case
// insensitively and without the trailing dot.
type Static struct {
	MX  map[string][]resolve.MX
	TXT map[string][]string
	A   map[string][]net.IP
	PTR map[string][]string

	// Lookups of these names fail with the given error.
	Errors map[string]error

	// Lookups of these names block until the context is done.
	Stall map[string]bool

	mu      sync.Mutex
	queries []string
}

func key(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// Returns the names looked up so far, prefixed with the record type.
func (s *Static) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func (s *Static) lookup(ctx context.Context, kind string, name string) error {
	s.mu.Lock()
	s.queries = append(s.queries, kind+" "+key(name))
	s.mu.Unlock()

	if s.Stall[key(name)] {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.Errors[key(name)]
}

func (s *Static) LookupMX(ctx context.Context, domain string) ([]resolve.MX, error) {
	if err := s.lookup(ctx, "MX", domain); err != nil {
		return nil, err
	}
	return s.MX[key(domain)], nil
}

func (s *Static) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if err := s.lookup(ctx, "TXT", name); err != nil {
		return nil, err
	}
	return s.TXT[key(name)], nil
}

func (s *Static) LookupIPv4(ctx context.Context, host string) ([]net.IP, error) {
	if err := s.lookup(ctx, "A", host); err != nil {
		return nil, err
	}
	return s.A[key(host)], nil
}

func (s *Static) LookupPTR(ctx context.Context, ip net.IP) ([]string, error) {
	if err := s.lookup(ctx, "PTR", ip.String()); err != nil {
		return nil, err
	}
	return s.PTR[ip.String()], nil
}

var _ resolve.Resolver = (*Static)(nil)
