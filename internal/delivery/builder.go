// Package delivery turns queued messages into SMTP conversations with the
// recipients' mail exchangers: render, sign, connect, classify, retry.
package delivery

import (
	"bytes"
	"fmt"
	"io"
	"regexp"

	"github.com/emersion/go-message/mail"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/tracking"
)

// Builder renders a stored message into RFC 5322 wire format for one
// recipient. Per-recipient rendering is what makes tracking URLs
// recipient-specific.
type Builder struct {
	hostname string
	urls     *tracking.URLBuilder
	clock    domain.Clock
}

func NewBuilder(hostname string, urls *tracking.URLBuilder, clock domain.Clock) *Builder {
	return &Builder{hostname: hostname, urls: urls, clock: clock}
}

var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// Build renders the message for one recipient, applying open and click
// tracking when the message asks for them.
func (b *Builder) Build(msg *domain.Message, rcpt *domain.Recipient) ([]byte, error) {
	htmlBody := msg.HTMLBody
	if htmlBody != "" && b.urls != nil {
		if msg.TrackClicks {
			htmlBody = b.rewriteLinks(htmlBody, msg.ID, rcpt.Address)
		}
		if msg.TrackOpens {
			pixel, err := b.urls.PixelURL(msg.ID, rcpt.Address)
			if err != nil {
				return nil, fmt.Errorf("pixel url: %w", err)
			}
			htmlBody += fmt.Sprintf(`<img src="%s" width="1" height="1" alt="">`, pixel)
		}
	}

	var h mail.Header
	h.SetDate(b.clock.Now().UTC())
	h.SetAddressList("From", []*mail.Address{{Address: msg.FromAddress}})
	h.SetAddressList("To", []*mail.Address{{Address: rcpt.Address}})
	h.SetSubject(msg.Subject)
	h.SetMessageID(msg.ID + "@" + b.hostname)
	if msg.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: msg.ReplyTo}})
	}
	for k, v := range msg.Headers {
		h.Set(k, v)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline: %w", err)
	}
	if msg.TextBody != "" {
		if err := writePart(iw, "text/plain", msg.TextBody); err != nil {
			return nil, err
		}
	}
	if htmlBody != "" {
		if err := writePart(iw, "text/html", htmlBody); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("close inline: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}

func (b *Builder) rewriteLinks(html, messageID, recipient string) string {
	return hrefPattern.ReplaceAllStringFunc(html, func(match string) string {
		sub := hrefPattern.FindStringSubmatch(match)
		tracked, err := b.urls.ClickURL(messageID, recipient, sub[1])
		if err != nil {
			return match
		}
		return fmt.Sprintf(`href="%s"`, tracked)
	})
}
