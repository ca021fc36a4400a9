// Package ews is a minimal Exchange Web Services client covering the item
// operations needed to send mail: CreateItem, CreateAttachment and SendItem.
package ews

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/go-ntlmssp"
)

// DefaultVersion is the RequestServerVersion sent when none is configured.
const DefaultVersion = "Exchange2010_SP2"

// defaultTimeout bounds a single SOAP round trip.
const defaultTimeout = 30 * time.Second

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 10 << 20

// Config holds the settings for a Client.
type Config struct {
	// Endpoint is the EWS URL, or a bare host name which expands to
	// https://<host>/EWS/Exchange.asmx.
	Endpoint string
	Username string
	Password string

	// Version is the RequestServerVersion header value.
	Version string

	// TLSConfig customises certificate verification for on-premises servers.
	TLSConfig *tls.Config
	Timeout   time.Duration

	// HTTPClient replaces the NTLM-capable default client when set.
	HTTPClient *http.Client
}

// Client talks SOAP to an Exchange server. It is safe for concurrent use.
type Client struct {
	endpoint   string
	username   string
	password   string
	version    string
	httpClient *http.Client
}

// NewClient creates a Client. The endpoint must be set; credentials are
// checked by the server, not here.
func NewClient(cfg Config) (*Client, error) {
	endpoint, err := normalizeEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	version := cfg.Version
	if version == "" {
		version = DefaultVersion
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.TLSConfig != nil {
			transport.TLSClientConfig = cfg.TLSConfig
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: ntlmssp.Negotiator{RoundTripper: transport},
		}
	}

	return &Client{
		endpoint:   endpoint,
		username:   cfg.Username,
		password:   cfg.Password,
		version:    version,
		httpClient: httpClient,
	}, nil
}

// Endpoint returns the resolved EWS URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// CreateItem submits a CreateItem request.
func (c *Client) CreateItem(ctx context.Context, req *CreateItemRequest) (*CreateItemResponse, error) {
	var resp CreateItemResponse
	if err := c.call(ctx, "CreateItem", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateAttachment submits a CreateAttachment request.
func (c *Client) CreateAttachment(ctx context.Context, req *CreateAttachmentRequest) (*CreateAttachmentResponse, error) {
	var resp CreateAttachmentResponse
	if err := c.call(ctx, "CreateAttachment", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendItem submits a SendItem request.
func (c *Client) SendItem(ctx context.Context, req *SendItemRequest) (*SendItemResponse, error) {
	var resp SendItemResponse
	if err := c.call(ctx, "SendItem", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// call performs one SOAP round trip, decoding the body element into out.
func (c *Client) call(ctx context.Context, action string, body any, out any) error {
	payload, err := marshalEnvelope(c.version, body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("Accept", "text/xml")
	req.Header.Set("SOAPAction", soapActionBase+action)
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	slog.Debug("EWS request", "action", action, "endpoint", c.endpoint)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", action, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", action, err)
	}

	// Exchange reports SOAP faults with HTTP 500, so try the envelope first.
	fault, decodeErr := unmarshalEnvelope(data, out)
	if decodeErr == nil && fault != nil {
		return fault
	}
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}
	if decodeErr != nil {
		return fmt.Errorf("failed to decode %s response: %w", action, decodeErr)
	}
	return nil
}

// normalizeEndpoint turns a configured host into a full EWS URL.
func normalizeEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("ews: endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + strings.TrimSuffix(raw, "/") + "/EWS/Exchange.asmx"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("ews: invalid endpoint: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("ews: endpoint %q has no host", raw)
	}
	return u.String(), nil
}

// Fault is a SOAP fault returned instead of a response body.
type Fault struct {
	Code    string `xml:"faultcode"`
	Message string `xml:"faultstring"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("EWS fault %s: %s", f.Code, f.Message)
}

// HTTPError is a non-200 reply that carried no SOAP fault.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("EWS HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("EWS HTTP %d: %s", e.StatusCode, e.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
