package delivery

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"github.com/k3a/html2text"
	"github.com/ksdme/mta/internal/models"
	"github.com/pkg/errors"
)

// A composed message ready to be put on the wire.
type Envelope struct {
	From         string
	To           string
	SenderDomain string
	MessageID    string
	Data         []byte
}

// Builds wire messages out of queued messages.
type Composer struct {
	DefaultFromEmail string
	DefaultFromName  string

	now func() time.Time
}

func NewComposer(defaultFromEmail, defaultFromName string) *Composer {
	return &Composer{
		DefaultFromEmail: defaultFromEmail,
		DefaultFromName:  defaultFromName,
		now:              time.Now,
	}
}

// Renders a message as multipart/alternative with a text part derived
// from the html body.
func (c *Composer) Compose(message *models.EmailMessage) (*Envelope, error) {
	fromEmail, fromName := message.FromEmail, message.FromName
	if fromEmail == "" {
		fromEmail = c.DefaultFromEmail
		if fromName == "" {
			fromName = c.DefaultFromName
		}
	}

	from, err := mail.ParseAddress(fromEmail)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid sender address %q", fromEmail)
	}
	to, err := mail.ParseAddress(message.To)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid recipient address %q", message.To)
	}
	if fromName != "" {
		from.Name = fromName
	}

	domain := domainOf(from.Address)
	envelope := &Envelope{
		From:         from.Address,
		To:           to.Address,
		SenderDomain: domain,
		MessageID:    newMessageID(domain),
	}

	var h mail.Header
	h.SetDate(c.now())
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(message.Subject)
	h.SetMessageID(envelope.MessageID)

	var buf bytes.Buffer
	mw, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, errors.Wrap(err, "could not create message writer")
	}

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain", PlainText(message.Body)},
		{"text/html", message.Body},
	}
	for _, part := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(part.contentType, map[string]string{"charset": "utf-8"})
		ph.Set("Content-Transfer-Encoding", "quoted-printable")

		w, err := mw.CreatePart(ph)
		if err != nil {
			return nil, errors.Wrap(err, "could not create message part")
		}
		if _, err := io.WriteString(w, part.body); err != nil {
			return nil, errors.Wrap(err, "could not write message part")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, "could not close message part")
		}
	}

	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "could not finish message")
	}

	envelope.Data = buf.Bytes()
	return envelope, nil
}

var (
	scriptBlock = regexp.MustCompile(`(?is)<script\b.*?</script\s*>`)
	styleBlock  = regexp.MustCompile(`(?is)<style\b.*?</style\s*>`)
)

// Converts an html body into the text/plain alternative. Script and
// style blocks are dropped, block elements become line breaks, and
// runs of blank lines are collapsed.
func PlainText(html string) string {
	html = scriptBlock.ReplaceAllString(html, "")
	html = styleBlock.ReplaceAllString(html, "")

	text := html2text.HTML2TextWithOptions(
		html,
		html2text.WithLinksInnerText(),
		html2text.WithListSupport(),
	)

	var lines []string
	blank := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(lines) > 0 {
				lines = append(lines, "")
			}
			blank = true
			continue
		}
		lines = append(lines, line)
		blank = false
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Prepends a Message-Id scoped to the sender domain when the message
// does not carry one.
func EnsureMessageID(data []byte, domain string) ([]byte, string, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, "", errors.Wrap(err, "could not read message header")
	}

	header := mail.Header{}
	header.Header.Header = h
	if id, err := header.MessageID(); err == nil && id != "" {
		return data, id, nil
	}

	id := newMessageID(domain)
	line := fmt.Sprintf("Message-Id: <%s>\r\n", id)
	return append([]byte(line), data...), id, nil
}

func newMessageID(domain string) string {
	return fmt.Sprintf("%s@%s", uuid.NewString(), domain)
}

func domainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return ""
	}
	return models.NormalizeDomain(address[at+1:])
}
