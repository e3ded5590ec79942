package smtpd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"

	"github.com/ultrazend/ultrazend/internal/submission"
)

// parseSubmission converts an authenticated DATA payload into a pipeline
// request. The envelope wins over the headers for sender and recipients;
// the message content supplies subject, bodies, and custom X- headers.
func parseSubmission(r io.Reader, from string, rcpts []string) (*submission.Request, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}

	req := &submission.Request{
		From:       from,
		Recipients: rcpts,
		Subject:    entity.Header.Get("Subject"),
		ReplyTo:    strings.Trim(entity.Header.Get("Reply-To"), "<> "),
	}

	fields := entity.Header.Fields()
	for fields.Next() {
		if strings.HasPrefix(strings.ToLower(fields.Key()), "x-") {
			if req.Headers == nil {
				req.Headers = make(map[string]string)
			}
			req.Headers[fields.Key()] = fields.Value()
		}
	}

	if err := collectBodies(entity, req); err != nil {
		return nil, err
	}
	return req, nil
}

// collectBodies walks the MIME tree keeping the first text/plain and
// text/html parts found.
func collectBodies(entity *message.Entity, req *submission.Request) error {
	mr := entity.MultipartReader()
	if mr == nil {
		return readLeaf(entity, req)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read part: %w", err)
		}
		if err := collectBodies(part, req); err != nil {
			return err
		}
	}
}

func readLeaf(entity *message.Entity, req *submission.Request) error {
	mediaType, _, _ := entity.Header.ContentType()
	switch mediaType {
	case "text/plain", "":
		if req.TextBody != "" {
			return nil
		}
		body, err := io.ReadAll(entity.Body)
		if err != nil {
			return fmt.Errorf("read text body: %w", err)
		}
		req.TextBody = string(body)
	case "text/html":
		if req.HTMLBody != "" {
			return nil
		}
		body, err := io.ReadAll(entity.Body)
		if err != nil {
			return fmt.Errorf("read html body: %w", err)
		}
		req.HTMLBody = string(body)
	}
	return nil
}
