package resolve

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// OpenDNS answers this name with the address the query came from.
const myIPName = "myip.opendns.com"

// Discovers the public IPv4 address of this host. The resolver must
// point at the OpenDNS resolvers.
func PublicIPv4(ctx context.Context, resolver Resolver) (net.IP, error) {
	ips, err := resolver.LookupIPv4(ctx, myIPName)
	if err != nil {
		return nil, errors.Wrap(err, "could not query public address")
	}
	if len(ips) == 0 {
		return nil, errors.New("no public address returned")
	}
	return ips[0], nil
}
