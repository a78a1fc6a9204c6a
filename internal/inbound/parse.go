package inbound

import (
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

const unknownSender = "unknown@unknown.com"

// The parts of a received message that survive forwarding.
type parsedMessage struct {
	FromEmail string
	FromName  string
	Subject   string

	HTML string
	Text string
}

// How do we select the relevant bodies?
//
// 1. Nested multiparts are flattened by the reader, we only see leaves.
// 2. Attachments, and inline parts that carry a filename, are ignored.
// 3. The first text/plain and the first text/html leaf are kept.
// 4. Parts in a charset we cannot decode are kept as they are.
func parseMessage(r io.Reader) (*parsedMessage, error) {
	reader, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, errors.Wrap(err, "could not read message")
	}
	if reader == nil {
		return nil, errors.New("could not read message")
	}
	defer reader.Close()

	parsed := &parsedMessage{FromEmail: unknownSender}
	if from, err := reader.Header.AddressList("From"); err == nil && len(from) > 0 {
		parsed.FromEmail = from[0].Address
		parsed.FromName = from[0].Name
	} else if err != nil {
		slog.Debug("could not parse from header", "err", err)
	}
	if parsed.FromName == "" {
		parsed.FromName = parsed.FromEmail
	}

	subject, err := reader.Header.Subject()
	if err != nil {
		subject = reader.Header.Get("Subject")
	}
	parsed.Subject = strings.TrimSpace(subject)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		} else if err != nil && !message.IsUnknownCharset(err) {
			return nil, errors.Wrap(err, "could not read message part")
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			slog.Debug("found an attachment, ignoring")
			continue
		}
		if _, params, err := header.ContentDisposition(); err == nil {
			if _, ok := params["filename"]; ok {
				slog.Debug("found a filename, assuming attachment, ignoring")
				continue
			}
		}

		mediaType, _, err := header.ContentType()
		if err != nil {
			// A part without a usable content type is plain text.
			mediaType = "text/plain"
		}

		switch mediaType {
		case "text/plain":
			if parsed.Text != "" {
				continue
			}
			value, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, errors.Wrap(err, "could not continue reading body")
			}
			parsed.Text = string(value)

		case "text/html":
			if parsed.HTML != "" {
				continue
			}
			value, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, errors.Wrap(err, "could not continue reading body")
			}
			parsed.HTML = string(value)

		default:
			slog.Debug("found an unrecognized part, ignoring", "type", mediaType)
		}
	}

	return parsed, nil
}
