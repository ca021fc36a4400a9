// Package exchange implements a Provider that delivers mail through Exchange
// Web Services by creating a draft, attaching files and sending the draft.
package exchange

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/shineum/ews-relay/internal/email"
	"github.com/shineum/ews-relay/internal/ews"
	"github.com/shineum/ews-relay/internal/metrics"
)

// Name is the transport name the provider is registered under.
const Name = "exchange"

// Stage identifies the EWS operation that failed.
type Stage string

const (
	StageCreateItem       Stage = "create_item"
	StageCreateAttachment Stage = "create_attachment"
	StageSendItem         Stage = "send_item"
)

// ErrUnexpectedResponse is wrapped when a response does not carry exactly
// the one item that was submitted.
var ErrUnexpectedResponse = errors.New("unexpected EWS response")

// RemoteOperationError reports a failed EWS operation. Message is the
// server's text, returned verbatim by Error.
type RemoteOperationError struct {
	Stage   Stage
	Code    string
	Message string
	Err     error
}

func (e *RemoteOperationError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Code != "":
		return e.Code
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s failed", e.Stage)
	}
}

func (e *RemoteOperationError) Unwrap() error {
	return e.Err
}

// Client is the part of the EWS client the pipeline uses.
type Client interface {
	CreateItem(ctx context.Context, req *ews.CreateItemRequest) (*ews.CreateItemResponse, error)
	CreateAttachment(ctx context.Context, req *ews.CreateAttachmentRequest) (*ews.CreateAttachmentResponse, error)
	SendItem(ctx context.Context, req *ews.SendItemRequest) (*ews.SendItemResponse, error)
}

// Config holds the settings for creating a Provider.
type Config struct {
	Host        string
	Username    string
	Password    string
	Disposition ews.MessageDisposition

	// From is the sender of every message; the message's own From is ignored.
	From email.Address

	Version   string
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// Provider sends messages as the configured mailbox.
type Provider struct {
	client      Client
	from        email.Address
	disposition ews.MessageDisposition
}

// itemHandle references one version of a server-side item.
type itemHandle struct {
	id        string
	changeKey string
}

// attachmentResult is the parent item's new version after attachments were
// added, plus the ids of the attachments.
type attachmentResult struct {
	item          itemHandle
	attachmentIDs []string
}

// New creates a Provider backed by an EWS client for cfg.Host.
func New(cfg Config) (*Provider, error) {
	client, err := ews.NewClient(ews.Config{
		Endpoint:  cfg.Host,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Version:   cfg.Version,
		TLSConfig: cfg.TLSConfig,
		Timeout:   cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create EWS client: %w", err)
	}

	return NewWithClient(client, cfg.From, cfg.Disposition), nil
}

// NewWithClient creates a Provider around an existing client. An empty
// disposition means SendAndSaveCopy.
func NewWithClient(client Client, from email.Address, disposition ews.MessageDisposition) *Provider {
	if disposition == "" {
		disposition = ews.SendAndSaveCopy
	}
	return &Provider{
		client:      client,
		from:        from,
		disposition: disposition,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return Name
}

// Send creates the message as a draft, attaches any files and sends it. It
// returns the number of To, Cc and Bcc entries. The first failing operation
// aborts the send; a draft created before the failure stays in the mailbox.
func (p *Provider) Send(ctx context.Context, msg *email.Email) (int, error) {
	item, err := p.createItem(ctx, msg)
	if err != nil {
		return 0, p.fail(err)
	}

	if len(msg.Attachments) > 0 {
		res, err := p.createAttachments(ctx, item, msg.Attachments)
		if err != nil {
			return 0, p.fail(err)
		}
		slog.Debug("attachments added",
			"item_id", res.item.id,
			"attachments", len(res.attachmentIDs),
		)
		item = res.item
	}

	if err := p.sendItem(ctx, item); err != nil {
		return 0, p.fail(err)
	}

	return msg.RecipientCount(), nil
}

func (p *Provider) fail(err error) error {
	var opErr *RemoteOperationError
	if errors.As(err, &opErr) {
		metrics.ExchangeStageFailure.WithLabelValues(string(opErr.Stage)).Inc()
		slog.Warn("EWS operation failed",
			"stage", opErr.Stage,
			"code", opErr.Code,
			"error", opErr.Error(),
		)
	}
	return err
}

// compose builds the EWS message. The body is always sent as HTML.
func (p *Provider) compose(msg *email.Email) ews.Message {
	return ews.Message{
		Subject:       msg.Subject,
		Body:          ews.Body{BodyType: ews.BodyTypeHTML, Content: msg.Body()},
		ToRecipients:  recipients(msg.To),
		CcRecipients:  recipients(msg.Cc),
		BccRecipients: recipients(msg.Bcc),
		From:          &ews.SingleRecipient{Mailbox: mailbox(p.from)},
	}
}

func (p *Provider) createItem(ctx context.Context, msg *email.Email) (itemHandle, error) {
	req := &ews.CreateItemRequest{
		MessageDisposition: ews.SaveOnly,
		Items:              ews.Items{Messages: []ews.Message{p.compose(msg)}},
	}

	resp, err := p.client.CreateItem(ctx, req)
	if err != nil {
		return itemHandle{}, transportError(StageCreateItem, err)
	}

	statuses := lo.Map(resp.Messages, func(m ews.CreateItemResponseMessage, _ int) ews.ResponseMessage {
		return m.ResponseMessage
	})
	if err := firstFailure(StageCreateItem, statuses); err != nil {
		return itemHandle{}, err
	}

	if len(resp.Messages) != 1 {
		return itemHandle{}, unexpected(StageCreateItem, "expected 1 response message, got %d", len(resp.Messages))
	}
	ids := resp.Messages[0].ItemIDs()
	if len(ids) != 1 {
		return itemHandle{}, unexpected(StageCreateItem, "expected 1 created item, got %d", len(ids))
	}

	slog.Debug("draft item created", "item_id", ids[0].ID)
	return itemHandle{id: ids[0].ID, changeKey: ids[0].ChangeKey}, nil
}

// createAttachments adds all parts in one request. The returned handle comes
// from the root item fields of the last attachment, since each addition
// bumps the parent's change key.
func (p *Provider) createAttachments(ctx context.Context, item itemHandle, parts []email.Attachment) (attachmentResult, error) {
	req := &ews.CreateAttachmentRequest{
		ParentItemID: ews.ItemID{ID: item.id},
		Attachments: ews.Attachments{
			Files: lo.Map(parts, func(a email.Attachment, _ int) ews.FileAttachment {
				return ews.NewFileAttachment(a.Filename, a.ContentType, a.Content)
			}),
		},
	}

	resp, err := p.client.CreateAttachment(ctx, req)
	if err != nil {
		return attachmentResult{}, transportError(StageCreateAttachment, err)
	}

	statuses := lo.Map(resp.Messages, func(m ews.CreateAttachmentResponseMessage, _ int) ews.ResponseMessage {
		return m.ResponseMessage
	})
	if err := firstFailure(StageCreateAttachment, statuses); err != nil {
		return attachmentResult{}, err
	}

	var res attachmentResult
	for _, m := range resp.Messages {
		for _, id := range m.AttachmentIDs() {
			res.item = itemHandle{id: id.RootItemID, changeKey: id.RootItemChangeKey}
			res.attachmentIDs = append(res.attachmentIDs, id.ID)
		}
	}
	if res.item.id == "" {
		return attachmentResult{}, unexpected(StageCreateAttachment, "response carried no attachment ids")
	}

	return res, nil
}

// sendItem sends the item. The disposition only decides whether a copy is
// kept in Sent Items; SaveOnly and SendOnly both send without one.
func (p *Provider) sendItem(ctx context.Context, item itemHandle) error {
	req := &ews.SendItemRequest{
		ItemIDs: ews.ItemIDs{Items: []ews.ItemID{{ID: item.id, ChangeKey: item.changeKey}}},
	}
	if p.disposition == ews.SendAndSaveCopy {
		req.SaveItemToFolder = true
		req.SavedItemFolderID = &ews.TargetFolderID{
			DistinguishedFolderID: ews.DistinguishedFolderID{ID: ews.DistinguishedFolderSentItems},
		}
	}

	resp, err := p.client.SendItem(ctx, req)
	if err != nil {
		return transportError(StageSendItem, err)
	}

	statuses := lo.Map(resp.Messages, func(m ews.SendItemResponseMessage, _ int) ews.ResponseMessage {
		return m.ResponseMessage
	})
	if err := firstFailure(StageSendItem, statuses); err != nil {
		return err
	}
	if len(resp.Messages) != 1 {
		return unexpected(StageSendItem, "expected 1 response message, got %d", len(resp.Messages))
	}
	return nil
}

// firstFailure returns the first non-success status as an error.
func firstFailure(stage Stage, statuses []ews.ResponseMessage) error {
	for _, s := range statuses {
		if f, ok := s.Outcome().(ews.Failure); ok {
			return &RemoteOperationError{Stage: stage, Code: f.Code, Message: f.Text}
		}
	}
	return nil
}

func transportError(stage Stage, err error) error {
	return &RemoteOperationError{Stage: stage, Message: err.Error(), Err: err}
}

func unexpected(stage Stage, format string, args ...any) error {
	return &RemoteOperationError{
		Stage:   stage,
		Message: fmt.Sprintf(format, args...),
		Err:     ErrUnexpectedResponse,
	}
}

// recipients translates a list address by address. An empty list yields nil
// so the element is omitted.
func recipients(list []email.Address) *ews.Recipients {
	if len(list) == 0 {
		return nil
	}
	return &ews.Recipients{Mailboxes: lo.Map(list, func(a email.Address, _ int) ews.Mailbox {
		return mailbox(a)
	})}
}

func mailbox(a email.Address) ews.Mailbox {
	return ews.Mailbox{EmailAddress: a.Email, Name: a.Name}
}
