// Package dkim signs outgoing messages on behalf of the managed
// domains and manages their signing keys.
package dkim

import (
	"bufio"
	"bytes"
	"context"
	"crypto"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/ksdme/mta/internal/models"
	"github.com/pkg/errors"
)

var ErrUnmanagedDomain = errors.New("sender domain is not managed")

// The headers covered by every signature.
var SignedHeaders = []string{"From", "Subject", "To", "Date", "Message-Id"}

type DomainFinder interface {
	FindDomain(ctx context.Context, name string) (*models.Domain, error)
}

type Signer struct {
	domains DomainFinder
}

func NewSigner(domains DomainFinder) *Signer {
	return &Signer{domains: domains}
}

// Signs a complete message with the key of the domain in its From
// header and returns the message with the DKIM-Signature prepended.
// It fails with ErrUnmanagedDomain when the domain is not ours.
func (s *Signer) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	domain, err := senderDomain(msg)
	if err != nil {
		return nil, err
	}

	record, err := s.domains.FindDomain(ctx, domain)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, errors.Wrap(ErrUnmanagedDomain, domain)
		}
		return nil, errors.Wrap(err, "could not look up sender domain")
	}

	canonical, err := NormalizePrivateKey(record.DKIMPrivateKey)
	if err != nil {
		return nil, errors.Wrapf(err, "bad signing key for %s", record.Name)
	}
	key, err := ParsePrivateKey(canonical)
	if err != nil {
		return nil, errors.Wrapf(err, "bad signing key for %s", record.Name)
	}

	selector := record.DKIMSelector
	if selector == "" {
		selector = models.DefaultDKIMSelector
	}

	var signed bytes.Buffer
	err = dkim.Sign(&signed, bytes.NewReader(msg), &dkim.SignOptions{
		Domain:                 record.Name,
		Selector:               selector,
		Identifier:             "@" + record.Name,
		Signer:                 key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             SignedHeaders,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not sign message")
	}

	return signed.Bytes(), nil
}

// Reads the domain of the first From address of a message.
func senderDomain(msg []byte) (string, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(msg)))
	if err != nil {
		return "", errors.Wrap(err, "could not read message header")
	}

	header := mail.Header{Header: message.Header{Header: h}}
	from, err := header.AddressList("From")
	if err != nil {
		return "", errors.Wrap(err, "could not parse from address")
	}
	if len(from) == 0 {
		return "", errors.New("message has no from address")
	}

	at := strings.LastIndex(from[0].Address, "@")
	if at < 0 {
		return "", errors.Errorf("from address %q has no domain", from[0].Address)
	}

	return models.NormalizeDomain(from[0].Address[at+1:]), nil
}
