// Package resolve performs the DNS lookups needed for routing mail and
// checking the records published for a domain.
//
// Lookups go straight to the configured recursive resolvers over the
// DNS wire protocol. This keeps MX records in the order the resolver
// returned them within a preference level, and lets every query carry
// its own timeout.
package resolve

import (
	"context"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

const DefaultTimeout = 5 * time.Second

// A mail exchanger of a domain.
type MX struct {
	Host string
	Pref uint16
}

type Resolver interface {
	// Returns the mail exchangers of a domain ordered by ascending
	// preference. Ties keep the order of the DNS answer.
	LookupMX(ctx context.Context, domain string) ([]MX, error)

	// Returns each TXT record at a name, with its strings joined.
	LookupTXT(ctx context.Context, name string) ([]string, error)

	LookupIPv4(ctx context.Context, host string) ([]net.IP, error)

	LookupPTR(ctx context.Context, ip net.IP) ([]string, error)
}

// A resolver that talks to a fixed set of recursive name servers.
type Client struct {
	servers []string
	timeout time.Duration

	udp *dns.Client
	tcp *dns.Client
}

// Creates a client for the given name servers. Servers can be given
// with or without a port. When no servers are given, the ones in
// /etc/resolv.conf are used.
func New(servers []string, timeout time.Duration) (*Client, error) {
	if len(servers) == 0 {
		config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, errors.Wrap(err, "could not read system resolvers")
		}
		for _, server := range config.Servers {
			servers = append(servers, net.JoinHostPort(server, config.Port))
		}
	}
	if len(servers) == 0 {
		return nil, errors.New("no name servers configured")
	}

	normalized := make([]string, 0, len(servers))
	for _, server := range servers {
		server = strings.TrimSpace(server)
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		normalized = append(normalized, server)
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		servers: normalized,
		timeout: timeout,
		udp:     &dns.Client{Net: "udp", Timeout: timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: timeout},
	}, nil
}

func (c *Client) LookupMX(ctx context.Context, domain string) ([]MX, error) {
	answer, err := c.query(ctx, domain, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	var records []MX
	for _, rr := range answer {
		if mx, ok := rr.(*dns.MX); ok {
			records = append(records, MX{
				Host: strings.TrimSuffix(mx.Mx, "."),
				Pref: mx.Preference,
			})
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})
	return records, nil
}

func (c *Client) LookupTXT(ctx context.Context, name string) ([]string, error) {
	answer, err := c.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	var records []string
	for _, rr := range answer {
		// Long records are split into multiple strings of 255 bytes.
		if txt, ok := rr.(*dns.TXT); ok {
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}
	return records, nil
}

func (c *Client) LookupIPv4(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return []net.IP{ip4}, nil
		}
		return nil, nil
	}

	answer, err := c.query(ctx, host, dns.TypeA)
	if err != nil {
		return nil, err
	}

	// The answer may start with the CNAME chain of the host.
	var ips []net.IP
	for _, rr := range answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.To4())
		}
	}
	return ips, nil
}

func (c *Client) LookupPTR(ctx context.Context, ip net.IP) ([]string, error) {
	name, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return nil, errors.Wrap(err, "could not build reverse name")
	}

	answer, err := c.query(ctx, name, dns.TypePTR)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, rr := range answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	return names, nil
}

// Runs a single question against the servers in order until one of
// them answers. A name that does not exist is not an error, it just
// has no records.
func (c *Client) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true
	msg.SetEdns0(4096, false)

	var lastErr error
	for _, server := range c.servers {
		in, _, err := c.udp.ExchangeContext(ctx, msg, server)
		if err == nil && in.Truncated {
			in, _, err = c.tcp.ExchangeContext(ctx, msg, server)
		}
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		switch in.Rcode {
		case dns.RcodeSuccess, dns.RcodeNameError:
			return in.Answer, nil
		default:
			lastErr = errors.Errorf("server %s answered %s", server, dns.RcodeToString[in.Rcode])
		}
	}

	return nil, errors.Wrapf(lastErr, "lookup %s %s failed", dns.TypeToString[qtype], name)
}
