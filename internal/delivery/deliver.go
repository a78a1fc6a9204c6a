// Package delivery turns queued messages into signed wire messages
// and hands them directly to the mail exchangers of the recipient.
package delivery

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/ksdme/mta/internal/metrics"
	"github.com/ksdme/mta/internal/resolve"
	"github.com/pkg/errors"
)

var (
	ErrNoMX   = errors.New("no mx records found")
	ErrNoIPv4 = errors.New("no ipv4 address found")
)

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type HeloNamer interface {
	HeloName(ctx context.Context, senderDomain string) string
}

// Delivers envelopes to the exchangers of the recipient domain, one
// exchanger at a time, in preference order.
type MXTransport struct {
	resolver resolve.Resolver
	identity HeloNamer

	Port           int
	CommandTimeout time.Duration
	Dial           DialFunc
}

func NewMXTransport(
	resolver resolve.Resolver,
	identity HeloNamer,
	port int,
	dialTimeout time.Duration,
	commandTimeout time.Duration,
) *MXTransport {
	dialer := &net.Dialer{Timeout: dialTimeout}
	return &MXTransport{
		resolver:       resolver,
		identity:       identity,
		Port:           port,
		CommandTimeout: commandTimeout,
		Dial:           dialer.DialContext,
	}
}

// Tries every exchanger of the recipient domain until one of them
// accepts the message. The error of the last exchanger tried is
// returned when none do.
func (t *MXTransport) Send(ctx context.Context, envelope *Envelope) error {
	domain := domainOf(envelope.To)
	if domain == "" {
		return errors.Errorf("recipient %q has no domain", envelope.To)
	}

	exchangers, err := t.resolver.LookupMX(ctx, domain)
	if err != nil {
		return errors.Wrapf(err, "could not resolve exchangers of %s", domain)
	}
	if len(exchangers) == 0 {
		return errors.Wrap(ErrNoMX, domain)
	}

	helo := t.identity.HeloName(ctx, envelope.SenderDomain)

	var lastErr error
	for _, mx := range exchangers {
		if err := ctx.Err(); err != nil {
			return err
		}

		ips, err := t.resolver.LookupIPv4(ctx, mx.Host)
		if err != nil {
			slog.Warn("could not resolve exchanger", "host", mx.Host, "err", err)
			lastErr = errors.Wrapf(err, "could not resolve %s", mx.Host)
			metrics.ExchangerFailures.Inc()
			continue
		}
		if len(ips) == 0 {
			slog.Warn("exchanger has no ipv4 address, skipping", "host", mx.Host)
			lastErr = errors.Wrap(ErrNoIPv4, mx.Host)
			metrics.ExchangerFailures.Inc()
			continue
		}

		slog.Debug("attempting delivery", "host", mx.Host, "ip", ips[0], "to", envelope.To)
		if err := t.deliver(ctx, mx.Host, ips[0], helo, envelope); err != nil {
			slog.Warn("delivery to exchanger failed", "host", mx.Host, "ip", ips[0], "err", err)
			lastErr = errors.Wrapf(err, "delivery to %s (%s) failed", mx.Host, ips[0])
			metrics.ExchangerFailures.Inc()
			continue
		}

		slog.Info("delivered message", "host", mx.Host, "ip", ips[0], "to", envelope.To)
		return nil
	}

	return lastErr
}

// Runs a single smtp transaction against one exchanger.
func (t *MXTransport) deliver(ctx context.Context, host string, ip net.IP, helo string, envelope *Envelope) error {
	conn, err := t.Dial(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(t.Port)))
	if err != nil {
		return errors.Wrap(err, "could not connect")
	}

	// Abort the session when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client := smtp.NewClient(conn)
	client.CommandTimeout = t.CommandTimeout
	client.SubmissionTimeout = t.CommandTimeout
	defer client.Close()

	if err := client.Hello(helo); err != nil {
		return errors.Wrap(err, "greeting failed")
	}

	// We connect to an address rather than a name, so the certificate
	// cannot be checked. Encryption is still better than none.
	if ok, _ := client.Extension("STARTTLS"); ok {
		config := &tls.Config{ServerName: host, InsecureSkipVerify: true}
		if err := client.StartTLS(config); err != nil {
			return errors.Wrap(err, "starttls failed")
		}
	}

	if err := client.Mail(envelope.From, nil); err != nil {
		return errors.Wrap(err, "sender rejected")
	}
	if err := client.Rcpt(envelope.To, nil); err != nil {
		return errors.Wrap(err, "recipient rejected")
	}

	w, err := client.Data()
	if err != nil {
		return errors.Wrap(err, "data rejected")
	}
	if _, err := w.Write(envelope.Data); err != nil {
		w.Close()
		return errors.Wrap(err, "could not write message")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "message rejected")
	}

	// The message is accepted at this point.
	if err := client.Quit(); err != nil {
		slog.Debug("quit failed", "host", host, "err", err)
	}
	return nil
}
