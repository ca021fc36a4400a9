package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/shineum/ews-relay/internal/email"
	"github.com/shineum/ews-relay/internal/metrics"
	"github.com/shineum/ews-relay/internal/parser"
	"github.com/shineum/ews-relay/internal/provider"
)

// deliveryTimeout bounds a single provider hand-off.
const deliveryTimeout = 2 * time.Minute

var (
	errAuthRequired = &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errParse = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Failed to process message",
	}
	errDeliveryFailed = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary failure, please try again later",
	}
	errShuttingDown = &gosmtp.SMTPError{
		Code:         421,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 2},
		Message:      "Service shutting down",
	}
)

// Backend creates sessions for accepted connections and tracks deliveries
// that are still in flight.
type Backend struct {
	auth     *Authenticator
	provider provider.Provider

	// ctx is the server lifetime; deliveries detach from its cancellation so
	// shutdown can drain them.
	ctx context.Context

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

// NewBackend returns a backend delivering through p.
func NewBackend(auth *Authenticator, p provider.Provider) *Backend {
	return &Backend{
		auth:     auth,
		provider: p,
		ctx:      context.Background(),
	}
}

// Login implements go-smtp's Backend for AUTH PLAIN and AUTH LOGIN.
func (b *Backend) Login(state *gosmtp.ConnectionState, username, password string) (gosmtp.Session, error) {
	if !b.auth.Enabled() {
		return nil, gosmtp.ErrAuthUnsupported
	}
	if err := b.auth.Verify(username, password); err != nil {
		metrics.AuthFailure.Inc()
		slog.Warn("SMTP authentication failed",
			"remote", remoteAddr(state),
			"username", username,
		)
		return nil, err
	}
	return b.newSession(state), nil
}

// AnonymousLogin implements go-smtp's Backend for clients that skip AUTH.
func (b *Backend) AnonymousLogin(state *gosmtp.ConnectionState) (gosmtp.Session, error) {
	if b.auth.Enabled() {
		return nil, errAuthRequired
	}
	return b.newSession(state), nil
}

func (b *Backend) newSession(state *gosmtp.ConnectionState) *Session {
	return &Session{backend: b, remote: remoteAddr(state)}
}

// begin registers a delivery unless the backend is draining.
func (b *Backend) begin() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return false
	}
	b.inflight.Add(1)
	return true
}

// drain refuses new deliveries and waits up to timeout for running ones.
// It reports whether all of them finished.
func (b *Backend) drain(timeout time.Duration) bool {
	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Session holds the envelope of one SMTP transaction.
type Session struct {
	backend *Backend
	remote  string

	from string
	rcpt []string

	// delivering is set while a DATA transaction holds the backend's
	// in-flight count. go-smtp calls Reset only after the reply to DATA has
	// been written, so releasing there keeps shutdown from cutting it off.
	delivering bool
}

// Reset discards the current envelope.
func (s *Session) Reset() {
	s.from = ""
	s.rcpt = nil
	s.release()
}

// Logout is called when the client disconnects.
func (s *Session) Logout() error {
	s.release()
	return nil
}

func (s *Session) release() {
	if s.delivering {
		s.delivering = false
		s.backend.inflight.Done()
	}
}

// Mail records the envelope sender.
func (s *Session) Mail(from string, _ gosmtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt records an envelope recipient.
func (s *Session) Rcpt(to string) error {
	s.rcpt = append(s.rcpt, to)
	return nil
}

// Data reads the message, parses it, and hands it to the provider.
func (s *Session) Data(r io.Reader) error {
	if !s.backend.begin() {
		return errShuttingDown
	}
	s.delivering = true

	raw, err := io.ReadAll(r)
	if err != nil {
		var smtpErr *gosmtp.SMTPError
		if errors.As(err, &smtpErr) {
			return smtpErr
		}
		return err
	}

	metrics.MessagesReceived.Inc()
	id := uuid.NewString()
	logger := slog.With("delivery_id", id, "remote", s.remote)

	msg, err := parser.Parse(raw)
	if err != nil {
		logger.Error("failed to parse message", "error", err)
		return errParse
	}
	applyEnvelope(msg, s.from, s.rcpt)

	p := s.backend.provider
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.backend.ctx), deliveryTimeout)
	defer cancel()

	n, err := p.Send(ctx, msg)
	metrics.ObserveDelivery(p.Name(), n, err)
	if err != nil {
		logger.Error("provider send failed",
			"provider", p.Name(),
			"error", err,
		)
		return errDeliveryFailed
	}

	logger.Info("message delivered",
		"provider", p.Name(),
		"recipients", n,
		"subject", msg.Subject,
	)
	return nil
}

// applyEnvelope fills gaps in the parsed headers from the SMTP envelope. The
// envelope sender is used when there is no From header. Envelope recipients
// become To when the headers name nobody; otherwise recipients the headers
// do not mention are added as Bcc.
func applyEnvelope(msg *email.Email, from string, rcpt []string) {
	if msg.From.Email == "" && from != "" {
		msg.From = email.Address{Email: from}
	}

	envelope := lo.Map(rcpt, func(addr string, _ int) email.Address {
		return email.Address{Email: addr}
	})

	if msg.RecipientCount() == 0 {
		msg.To = envelope
		return
	}

	known := make(map[string]struct{}, msg.RecipientCount())
	for _, addr := range email.Emails(slices.Concat(msg.To, msg.Cc, msg.Bcc)) {
		known[strings.ToLower(addr)] = struct{}{}
	}

	for _, a := range envelope {
		key := strings.ToLower(a.Email)
		if _, ok := known[key]; ok {
			continue
		}
		known[key] = struct{}{}
		msg.Bcc = append(msg.Bcc, a)
	}
}

func remoteAddr(state *gosmtp.ConnectionState) string {
	if state == nil || state.RemoteAddr == nil {
		return ""
	}
	return state.RemoteAddr.String()
}
