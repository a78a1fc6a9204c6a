// Package inbound accepts mail for the managed domains over smtp and
// queues a forwarded copy for every matching alias.
package inbound

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-smtp"
	"github.com/ksdme/mta/internal/bus"
	"github.com/ksdme/mta/internal/metrics"
	"github.com/ksdme/mta/internal/models"
	"github.com/ksdme/mta/internal/queue"
	"github.com/pkg/errors"
)

type Registry interface {
	FindDomain(ctx context.Context, name string) (*models.Domain, error)
	FindAlias(ctx context.Context, domainID int64, localPart string) (*models.EmailAlias, error)
}

type Store interface {
	EnqueueMessages(ctx context.Context, messages []*models.EmailMessage) error
}

var (
	errBadAddress = &smtp.SMTPError{
		Code:         501,
		EnhancedCode: smtp.EnhancedCode{5, 1, 3},
		Message:      "Bad recipient address syntax",
	}
	errUnknownRecipient = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such user here",
	}
	errTransactionFailed = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Requested action aborted: local error in processing",
	}
)

func NewBackend(
	registry Registry,
	store Store,
	wake *bus.SignalBus[struct{}],
	forwardLocalPart string,
) *backend {
	if forwardLocalPart == "" {
		forwardLocalPart = "forward"
	}

	return &backend{
		registry:         registry,
		store:            store,
		wake:             wake,
		forwardLocalPart: forwardLocalPart,
	}
}

// The SMTP server backend. It only accepts mail addressed to one of
// the aliases of the managed domains.
type backend struct {
	registry         Registry
	store            Store
	wake             *bus.SignalBus[struct{}]
	forwardLocalPart string
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b, remote: c.Conn().RemoteAddr().String()}, nil
}

// A session on the backend.
type session struct {
	backend    *backend
	remote     string
	from       string
	recipients []string
}

// Handles the MAIL command. Every sender is accepted, the recipient
// list is what keeps unwanted mail out.
func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	slog.Debug("> MAIL", "from", from, "remote", s.remote)
	s.from = from
	return nil
}

// Handles the RCPT command. Each instance of this command specifies a
// recipient email address. Addresses on domains we don't manage, or
// without an active alias, are rejected here, before any data.
func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	slog.Debug("> RCPT", "to", to, "remote", s.remote)
	ctx := context.Background()

	local, domainName, ok := splitAddress(to)
	if !ok {
		metrics.InboundRecipients.WithLabelValues("rejected").Inc()
		return errBadAddress
	}

	domain, err := s.backend.registry.FindDomain(ctx, domainName)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			slog.Info("rejected recipient on unmanaged domain", "to", to, "remote", s.remote)
			metrics.InboundRecipients.WithLabelValues("rejected").Inc()
			return errUnknownRecipient
		}
		slog.Error("could not look up domain", "domain", domainName, "err", err)
		metrics.InboundRecipients.WithLabelValues("error").Inc()
		return errTransactionFailed
	}

	alias, err := s.backend.registry.FindAlias(ctx, domain.ID, local)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			slog.Info("rejected recipient without alias", "to", to, "remote", s.remote)
			metrics.InboundRecipients.WithLabelValues("rejected").Inc()
			return errUnknownRecipient
		}
		slog.Error("could not look up alias", "to", to, "err", err)
		metrics.InboundRecipients.WithLabelValues("error").Inc()
		return errTransactionFailed
	}

	slog.Debug("accepted recipient", "to", to, "catch_all", alias.IsCatchAll())
	metrics.InboundRecipients.WithLabelValues("accepted").Inc()
	s.recipients = append(s.recipients, to)
	return nil
}

// Handles the DATA command. The message is parsed once and a forwarded
// copy is queued for every accepted recipient. The copies are stored
// together, so the sender either gets all of them queued or a failure
// it will retry.
func (s *session) Data(r io.Reader) error {
	ctx := context.Background()

	parsed, err := parseMessage(r)
	if err == nil {
		// Parts we skip might not have been read, the size limit only
		// trips once everything is consumed.
		_, err = io.Copy(io.Discard, r)
	}
	if err != nil {
		slog.Error("could not parse inbound message", "from", s.from, "remote", s.remote, "err", err)
		return dataError(err)
	}

	var messages []*models.EmailMessage
	var failures int
	for _, recipient := range s.recipients {
		message, err := s.forward(ctx, parsed, recipient)
		if err != nil {
			slog.Error("could not forward to recipient", "to", recipient, "err", err)
			metrics.InboundRecipients.WithLabelValues("dropped").Inc()
			failures++
			continue
		}
		messages = append(messages, message)
	}

	// Nothing would be queued for mail we already accepted.
	if len(messages) == 0 && failures > 0 {
		return errTransactionFailed
	}

	if err := s.backend.store.EnqueueMessages(ctx, messages); err != nil {
		slog.Error("could not queue forwarded messages", "from", s.from, "err", err)
		return errTransactionFailed
	}

	for _, message := range messages {
		slog.Info(
			"queued forwarded message",
			"from", parsed.FromEmail,
			"to", message.To,
			"message", message.ID,
		)
	}
	metrics.ForwardedMessages.Add(float64(len(messages)))

	if s.backend.wake != nil && len(messages) > 0 {
		s.backend.wake.Emit(queue.WakeTopic, struct{}{})
	}

	return nil
}

// Errors raised by the smtp data reader, like an oversized message,
// are permanent and go back to the client as they are.
func dataError(err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr
	}
	return errTransactionFailed
}

// Resolves the alias of a recipient again and builds its copy.
func (s *session) forward(ctx context.Context, parsed *parsedMessage, recipient string) (*models.EmailMessage, error) {
	local, domainName, _ := splitAddress(recipient)

	domain, err := s.backend.registry.FindDomain(ctx, domainName)
	if err != nil {
		return nil, err
	}
	alias, err := s.backend.registry.FindAlias(ctx, domain.ID, local)
	if err != nil {
		return nil, err
	}

	return forwardMessage(parsed, recipient, domain, alias, s.backend.forwardLocalPart), nil
}

// Perform clean up on this session.
func (s *session) Logout() error {
	return nil
}

// Handles the RSET command. It is typically useful for aborting the current
// mail transaction. This allows the sender to reuse the connection for sending
// another email.
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

func splitAddress(address string) (string, string, bool) {
	address = strings.Trim(strings.TrimSpace(address), "<>")
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", "", false
	}
	return address[:at], models.NormalizeDomain(address[at+1:]), true
}
