// Package core wires the workers of the server together from the
// configuration.
package core

import (
	"context"
	"net"

	"github.com/ksdme/mta/internal/config"
	"github.com/ksdme/mta/internal/delivery"
	"github.com/ksdme/mta/internal/dkim"
	"github.com/ksdme/mta/internal/models"
	"github.com/ksdme/mta/internal/resolve"
	"github.com/ksdme/mta/internal/verify"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

type Services struct {
	Store    *models.Store
	Resolver resolve.Resolver
	Identity *delivery.Identity
	Sender   *delivery.Sender
	Verifier *verify.Verifier

	// Resolves names against the OpenDNS resolvers, only used to
	// discover our own public address.
	public resolve.Resolver
}

func NewServices(db *bun.DB) (*Services, error) {
	resolver, err := resolve.New(config.Delivery.DNSServers, config.Delivery.DNSTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "could not set up resolver")
	}

	public, err := resolve.New(config.Delivery.PublicIPResolvers, config.Delivery.DNSTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "could not set up public address resolver")
	}

	services := &Services{
		Store:    models.NewStore(db),
		Resolver: resolver,
		Verifier: verify.NewVerifier(resolver, config.Delivery.DNSTimeout),
		public:   public,
	}

	services.Identity = delivery.NewIdentity(
		config.Delivery.HeloHostname,
		resolver,
		services.PublicIP,
	)
	services.Sender = delivery.NewSender(
		delivery.NewComposer(config.Delivery.DefaultFromEmail, config.Delivery.DefaultFromName),
		dkim.NewSigner(services.Store),
		delivery.NewMXTransport(
			resolver,
			services.Identity,
			config.Delivery.SMTPPort,
			config.Delivery.DialTimeout,
			config.Delivery.CommandTimeout,
		),
	)

	return services, nil
}

// Discovers the public address of this host.
func (s *Services) PublicIP(ctx context.Context) (net.IP, error) {
	return resolve.PublicIPv4(ctx, s.public)
}

// The address the DNS records of our domains should point at. It is
// the configured one, or our discovered public address.
func (s *Services) ExpectedIP(ctx context.Context) (string, error) {
	if config.Verify.ServerIP != "" {
		return config.Verify.ServerIP, nil
	}

	ip, err := s.PublicIP(ctx)
	if err != nil {
		return "", err
	}
	return ip.String(), nil
}
