// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/sethvargo/go-retry"

	"github.com/shineum/ews-relay/internal/email"
)

// Name is the transport name the provider is registered under.
const Name = "ses"

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// SESProvider sends emails via the AWS SES v2 API.
type SESProvider struct {
	sender    string
	client    SendEmailAPI
	retryBase time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender:    sender,
		client:    client,
		retryBase: baseRetryDelay,
	}
}

// Send delivers an email message via AWS SES v2 and returns the number of
// recipients. For emails with attachments, it builds a raw MIME message.
// For simple emails, it uses the SES simple email format.
func (s *SESProvider) Send(ctx context.Context, msg *email.Email) (int, error) {
	var input *sesv2.SendEmailInput

	if len(msg.Attachments) > 0 {
		raw, err := buildRawMessage(s.sender, msg)
		if err != nil {
			return 0, fmt.Errorf("failed to build raw message: %w", err)
		}
		input = &sesv2.SendEmailInput{
			Destination: destination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{
					Data: raw,
				},
			},
		}
	} else {
		input = buildSimpleInput(s.sender, msg)
	}

	b := retry.WithMaxRetries(maxRetries, retry.NewExponential(s.retryBase))

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}
		_, err := s.client.SendEmail(ctx, input)
		if err != nil {
			slog.Warn("SES API error",
				"attempt", attempt,
				"error", err,
			)
			attempt++
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("context cancelled during SES send: %w", err)
		}
		return 0, fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, err)
	}

	return msg.RecipientCount(), nil
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return Name
}

func destination(msg *email.Email) *types.Destination {
	return &types.Destination{
		ToAddresses:  email.Strings(msg.To),
		CcAddresses:  email.Strings(msg.Cc),
		BccAddresses: email.Strings(msg.Bcc),
	}
}

func utf8Content(data string) *types.Content {
	return &types.Content{Data: aws.String(data), Charset: aws.String("UTF-8")}
}

// buildSimpleInput creates a SES SendEmailInput for emails without attachments.
// Empty bodies are left nil.
func buildSimpleInput(sender string, msg *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}
	if msg.HtmlBody != "" {
		body.Html = utf8Content(msg.HtmlBody)
	}
	if msg.TextBody != "" {
		body.Text = utf8Content(msg.TextBody)
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      destination(msg),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: utf8Content(msg.Subject),
				Body:    body,
			},
		},
	}
}

// buildRawMessage constructs a multipart/mixed MIME message for emails with
// attachments. Bcc is carried by the destination, never by the headers.
func buildRawMessage(sender string, msg *email.Email) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	headers := [][2]string{
		{"From", sender},
		{"To", strings.Join(email.Strings(msg.To), ", ")},
		{"Cc", strings.Join(email.Strings(msg.Cc), ", ")},
		{"Subject", mime.QEncoding.Encode("UTF-8", msg.Subject)},
		{"Message-ID", msg.MessageID},
		{"MIME-Version", "1.0"},
		{"Content-Type", mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": writer.Boundary()})},
	}
	for _, h := range headers {
		if h[1] != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", h[0], h[1])
		}
	}
	buf.WriteString("\r\n")

	if body, mediaType := rawBody(msg); body != "" {
		part, err := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type": {mediaType + "; charset=UTF-8"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create body part: %w", err)
		}
		if _, err := io.WriteString(part, body); err != nil {
			return nil, fmt.Errorf("failed to write body part: %w", err)
		}
	}

	for _, att := range msg.Attachments {
		part, err := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {att.ContentType},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {"attachment; filename=" + mime.QEncoding.Encode("UTF-8", att.Filename)},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := io.WriteString(part, encodeBase64WithLineBreaks(att.Content)); err != nil {
			return nil, fmt.Errorf("failed to write attachment %s: %w", att.Filename, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// rawBody picks the HTML body over the text body.
func rawBody(msg *email.Email) (string, string) {
	if msg.HtmlBody != "" {
		return msg.HtmlBody, "text/html"
	}
	return msg.TextBody, "text/plain"
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character lines
// per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	lines := make([]string, 0, len(encoded)/76+1)
	for len(encoded) > 76 {
		lines = append(lines, encoded[:76])
		encoded = encoded[76:]
	}
	lines = append(lines, encoded)
	return strings.Join(lines, "\r\n")
}
