package delivery

import (
	"context"
	"log/slog"

	"github.com/ksdme/mta/internal/metrics"
	"github.com/ksdme/mta/internal/models"
	"github.com/pkg/errors"
)

type MessageSigner interface {
	Sign(ctx context.Context, msg []byte) ([]byte, error)
}

type Transport interface {
	Send(ctx context.Context, envelope *Envelope) error
}

// The outbound pipeline for a queued message: compose, sign and hand
// it to a transport.
type Sender struct {
	composer  *Composer
	signer    MessageSigner
	transport Transport
}

func NewSender(composer *Composer, signer MessageSigner, transport Transport) *Sender {
	return &Sender{
		composer:  composer,
		signer:    signer,
		transport: transport,
	}
}

func (s *Sender) Deliver(ctx context.Context, message *models.EmailMessage) error {
	envelope, err := s.composer.Compose(message)
	if err != nil {
		return errors.Wrap(err, "could not compose message")
	}

	data, id, err := EnsureMessageID(envelope.Data, envelope.SenderDomain)
	if err != nil {
		return err
	}
	envelope.Data, envelope.MessageID = data, id

	// Mail from a domain we cannot sign for still goes out unsigned.
	if s.signer != nil {
		signed, err := s.signer.Sign(ctx, envelope.Data)
		if err != nil {
			slog.Warn(
				"could not sign message, sending unsigned",
				"message", message.ID,
				"domain", envelope.SenderDomain,
				"err", err,
			)
			metrics.UnsignedMessages.Inc()
		} else {
			envelope.Data = signed
		}
	}

	return s.transport.Send(ctx, envelope)
}
