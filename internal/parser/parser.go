// Package parser turns raw RFC 5322 messages into email.Email values,
// walking MIME multipart trees for bodies and attachments.
package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/shineum/ews-relay/internal/email"
)

// ErrMissingBoundary is returned for a multipart message without a boundary.
var ErrMissingBoundary = errors.New("multipart message missing boundary")

var wordDecoder = new(mime.WordDecoder)

// Parse parses a raw message. Plain and HTML bodies keep the first part of
// each type found; parts with an attachment disposition or a file name become
// attachments. Parts that fit neither are logged and dropped.
func Parse(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	out := &email.Email{
		RawHeaders: maps.Clone(map[string][]string(msg.Header)),
		Subject:    decodeHeader(msg.Header.Get("Subject")),
		MessageID:  msg.Header.Get("Message-Id"),
		To:         parseAddressList(msg.Header.Get("To")),
		Cc:         parseAddressList(msg.Header.Get("Cc")),
		Bcc:        parseAddressList(msg.Header.Get("Bcc")),
	}
	if from := parseAddressList(msg.Header.Get("From")); len(from) > 0 {
		out.From = from[0]
	}

	mediaType, params, err := mime.ParseMediaType(lo.CoalesceOrEmpty(msg.Header.Get("Content-Type"), "text/plain"))
	if err != nil {
		slog.Warn("unparseable Content-Type, reading body as text", "error", err)
		mediaType, params = "text/plain", nil
	}

	c := collector{msg: out}
	if strings.HasPrefix(mediaType, "multipart/") {
		if params["boundary"] == "" {
			return nil, ErrMissingBoundary
		}
		if err := c.walk(msg.Body, params["boundary"]); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return out, nil
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	if mediaType == "text/html" {
		out.HtmlBody = string(body)
	} else {
		if mediaType != "text/plain" {
			slog.Warn("treating top-level body as text", "content_type", mediaType)
		}
		out.TextBody = string(body)
	}
	return out, nil
}

// collector accumulates bodies and attachments while walking MIME parts.
type collector struct {
	msg *email.Email
}

// walk visits every part below boundary. Errors inside nested parts are
// logged and skipped; only a broken outer structure fails the walk.
func (c *collector) walk(body io.Reader, boundary string) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}
		c.visit(part)
	}
}

func (c *collector) visit(part *multipart.Part) {
	contentType := lo.CoalesceOrEmpty(part.Header.Get("Content-Type"), "text/plain")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("skipping part with bad Content-Type", "content_type", contentType, "error", err)
		return
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if params["boundary"] == "" {
			slog.Warn("skipping nested multipart without boundary", "content_type", mediaType)
			return
		}
		if err := c.walk(part, params["boundary"]); err != nil {
			slog.Warn("failed to parse nested multipart", "error", err)
		}
		return
	}

	content, err := decodePart(part)
	if err != nil {
		slog.Warn("skipping undecodable part", "content_type", mediaType, "error", err)
		return
	}

	disposition := part.Header.Get("Content-Disposition")
	switch {
	case strings.HasPrefix(strings.ToLower(disposition), "attachment"):
		c.attach(part, mediaType, params, content)
	case mediaType == "text/plain":
		c.msg.TextBody = lo.CoalesceOrEmpty(c.msg.TextBody, string(content))
	case mediaType == "text/html":
		c.msg.HtmlBody = lo.CoalesceOrEmpty(c.msg.HtmlBody, string(content))
	case filename(part, params) != "":
		c.attach(part, mediaType, params, content)
	default:
		slog.Warn("dropping unrecognized MIME part",
			"content_type", mediaType,
			"disposition", disposition,
		)
	}
}

func (c *collector) attach(part *multipart.Part, mediaType string, params map[string]string, content []byte) {
	name := filename(part, params)
	if name == "" {
		name = fallbackFilename(mediaType)
	}
	c.msg.Attachments = append(c.msg.Attachments, email.Attachment{
		Filename:    name,
		ContentType: mediaType,
		Content:     content,
	})
}

// decodePart reads a part body, undoing base64 transfer encoding.
// multipart.Reader already strips quoted-printable.
func decodePart(part *multipart.Part) ([]byte, error) {
	raw, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")), "base64") {
		return raw, nil
	}

	compact := strings.Join(strings.Fields(string(raw)), "")
	decoded, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(compact)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// filename returns the name from Content-Disposition or the Content-Type
// "name" parameter, or "" when neither is set.
func filename(part *multipart.Part, params map[string]string) string {
	return lo.CoalesceOrEmpty(part.FileName(), params["name"])
}

// fallbackFilename names an unnamed attachment after its subtype, since
// Exchange and Graph both require a name.
func fallbackFilename(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// decodeHeader decodes RFC 2047 encoded words, returning the input unchanged
// when it cannot be decoded.
func decodeHeader(raw string) string {
	decoded, err := wordDecoder.DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// parseAddressList splits a comma-separated address list into individual
// mailboxes, keeping display names.
func parseAddressList(raw string) []email.Address {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	addresses, err := (&mail.AddressParser{WordDecoder: wordDecoder}).ParseList(raw)
	if err != nil {
		// Not RFC 5322; keep whatever sits between the commas.
		parts := lo.Compact(lo.Map(strings.Split(raw, ","), func(p string, _ int) string {
			return strings.TrimSpace(p)
		}))
		return lo.Filter(lo.Map(parts, func(p string, _ int) email.Address {
			return fallbackAddress(p)
		}), func(a email.Address, _ int) bool {
			return a.Email != ""
		})
	}

	return lo.Map(addresses, func(a *mail.Address, _ int) email.Address {
		return email.Address{Email: a.Address, Name: a.Name}
	})
}

// fallbackAddress splits "name <addr>" without RFC 5322 rules. The address
// is taken from the last angle-bracket pair; a name that is not valid UTF-8
// is dropped.
func fallbackAddress(p string) email.Address {
	open := strings.LastIndex(p, "<")
	if open < 0 {
		return email.Address{Email: p}
	}
	end := strings.Index(p[open:], ">")
	if end < 0 {
		return email.Address{Email: strings.TrimSpace(p[open+1:])}
	}

	name := strings.Trim(strings.TrimSpace(p[:open]), `"`)
	if !utf8.ValidString(name) {
		name = ""
	}
	return email.Address{
		Email: strings.TrimSpace(p[open+1 : open+end]),
		Name:  strings.TrimSpace(name),
	}
}
