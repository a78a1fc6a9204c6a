package delivery

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/ksdme/mta/internal/resolve"
)

// Works out the name we greet remote servers with.
//
// The reverse name of our public address is what receivers check the
// greeting against, but discovering it takes two lookups, so it is
// resolved once per process and then reused, even when it could not
// be resolved.
type Identity struct {
	configured string
	resolver   resolve.Resolver
	publicIP   func(ctx context.Context) (net.IP, error)

	mu       sync.Mutex
	resolved bool
	reverse  string
}

func NewIdentity(
	configured string,
	resolver resolve.Resolver,
	publicIP func(ctx context.Context) (net.IP, error),
) *Identity {
	return &Identity{
		configured: configured,
		resolver:   resolver,
		publicIP:   publicIP,
	}
}

// Returns the configured name, then the reverse name of our public
// address, and falls back to the sender domain.
func (i *Identity) HeloName(ctx context.Context, senderDomain string) string {
	if i.configured != "" {
		return i.configured
	}
	if name := i.Reverse(ctx); name != "" {
		return name
	}
	return senderDomain
}

// Returns the cached reverse name of our public address, resolving
// it on first use. It is empty when it could not be resolved.
func (i *Identity) Reverse(ctx context.Context) string {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.resolved {
		i.reverse = i.lookup(ctx)
		i.resolved = true
	}
	return i.reverse
}

func (i *Identity) lookup(ctx context.Context) string {
	if i.publicIP == nil || i.resolver == nil {
		return ""
	}

	ip, err := i.publicIP(ctx)
	if err != nil {
		slog.Warn("could not discover public address", "err", err)
		return ""
	}

	names, err := i.resolver.LookupPTR(ctx, ip)
	if err != nil || len(names) == 0 {
		slog.Warn("could not resolve reverse name", "ip", ip, "err", err)
		return ""
	}

	name := strings.TrimSuffix(names[0], ".")
	slog.Info("resolved server identity", "ip", ip, "name", name)
	return name
}
