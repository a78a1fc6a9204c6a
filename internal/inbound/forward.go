package inbound

import (
	"fmt"
	"html"
	"strings"

	"github.com/ksdme/mta/internal/models"
)

// Builds the outbound copy of a received message for one alias.
func forwardMessage(
	parsed *parsedMessage,
	recipient string,
	domain *models.Domain,
	alias *models.EmailAlias,
	forwardLocalPart string,
) *models.EmailMessage {
	subject := parsed.Subject
	if subject == "" {
		subject = "(No Subject)"
	}

	return &models.EmailMessage{
		To:        alias.ForwardTo,
		Subject:   fmt.Sprintf("[Fwd: %s] %s", recipient, subject),
		Body:      provenance(parsed, recipient) + forwardedBody(parsed),
		FromEmail: fmt.Sprintf("%s@%s", forwardLocalPart, domain.Name),
		FromName:  fmt.Sprintf("Fwd: %s", parsed.FromName),
	}
}

// The box on top of a forwarded message telling who sent it to which
// of our addresses, with a link to reply to the sender.
func provenance(parsed *parsedMessage, recipient string) string {
	email := html.EscapeString(parsed.FromEmail)
	name := html.EscapeString(parsed.FromName)

	return fmt.Sprintf(`<div style="background:#f5f5f5;border:1px solid #ddd;padding:12px;margin-bottom:15px;border-radius:6px;font-family:sans-serif;">
<div style="font-size:14px;color:#333;font-weight:bold;margin-bottom:8px;">Forwarded Email</div>
<table style="font-size:13px;color:#333;">
<tr><td style="padding:2px 8px 2px 0;color:#666;"><strong>To:</strong></td><td>%s</td></tr>
<tr><td style="padding:2px 8px 2px 0;color:#666;"><strong>From:</strong></td><td><a href="mailto:%s" style="color:#0066cc;text-decoration:none;">%s &lt;%s&gt;</a></td></tr>
</table>
</div>
`, html.EscapeString(recipient), email, name, email)
}

func forwardedBody(parsed *parsedMessage) string {
	if parsed.HTML != "" {
		return parsed.HTML
	}

	text := html.EscapeString(parsed.Text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\n", "<br>\n")
}
