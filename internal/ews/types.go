package ews

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
)

// MessageDisposition controls what Exchange does with a created message.
type MessageDisposition string

const (
	SaveOnly        MessageDisposition = "SaveOnly"
	SendOnly        MessageDisposition = "SendOnly"
	SendAndSaveCopy MessageDisposition = "SendAndSaveCopy"
)

// ParseMessageDisposition validates a configured disposition name.
func ParseMessageDisposition(s string) (MessageDisposition, error) {
	switch d := MessageDisposition(s); d {
	case SaveOnly, SendOnly, SendAndSaveCopy:
		return d, nil
	default:
		return "", fmt.Errorf("unknown message disposition %q", s)
	}
}

// BodyType is the format of a message body.
type BodyType string

const (
	BodyTypeHTML BodyType = "HTML"
	BodyTypeText BodyType = "Text"
)

// DistinguishedFolderSentItems is the well-known Sent Items folder.
const DistinguishedFolderSentItems = "sentitems"

// ResponseClass is the status attribute of every EWS response message.
type ResponseClass string

const (
	ResponseClassSuccess ResponseClass = "Success"
	ResponseClassWarning ResponseClass = "Warning"
	ResponseClassError   ResponseClass = "Error"
)

// CreateItemRequest creates items in the mailbox.
type CreateItemRequest struct {
	XMLName            xml.Name           `xml:"m:CreateItem"`
	MessageDisposition MessageDisposition `xml:"MessageDisposition,attr,omitempty"`
	SavedItemFolderID  *TargetFolderID    `xml:"m:SavedItemFolderId,omitempty"`
	Items              Items              `xml:"m:Items"`
}

// Items is the list of items carried by CreateItem.
type Items struct {
	Messages []Message `xml:"t:Message"`
}

// Message is an outgoing e-mail item. Element order follows the EWS schema.
type Message struct {
	Subject       string           `xml:"t:Subject"`
	Body          Body             `xml:"t:Body"`
	ToRecipients  *Recipients      `xml:"t:ToRecipients,omitempty"`
	CcRecipients  *Recipients      `xml:"t:CcRecipients,omitempty"`
	BccRecipients *Recipients      `xml:"t:BccRecipients,omitempty"`
	From          *SingleRecipient `xml:"t:From,omitempty"`
}

// Body is a message body with its format.
type Body struct {
	BodyType BodyType `xml:"BodyType,attr"`
	Content  string   `xml:",chardata"`
}

// Recipients is a list of mailboxes.
type Recipients struct {
	Mailboxes []Mailbox `xml:"t:Mailbox"`
}

// SingleRecipient wraps one mailbox, as used by From.
type SingleRecipient struct {
	Mailbox Mailbox `xml:"t:Mailbox"`
}

// Mailbox is an address with an optional display name.
type Mailbox struct {
	Name         string `xml:"t:Name,omitempty"`
	EmailAddress string `xml:"t:EmailAddress"`
}

// CreateAttachmentRequest adds attachments to an existing item.
type CreateAttachmentRequest struct {
	XMLName      xml.Name    `xml:"m:CreateAttachment"`
	ParentItemID ItemID      `xml:"m:ParentItemId"`
	Attachments  Attachments `xml:"m:Attachments"`
}

// Attachments is the attachment list of CreateAttachment.
type Attachments struct {
	Files []FileAttachment `xml:"t:FileAttachment"`
}

// FileAttachment is a file attachment. Content holds base64 data; use
// NewFileAttachment to build one from raw bytes.
type FileAttachment struct {
	Name        string `xml:"t:Name"`
	ContentType string `xml:"t:ContentType,omitempty"`
	Content     string `xml:"t:Content"`
}

// NewFileAttachment encodes raw content for the wire.
func NewFileAttachment(name, contentType string, content []byte) FileAttachment {
	return FileAttachment{
		Name:        name,
		ContentType: contentType,
		Content:     base64.StdEncoding.EncodeToString(content),
	}
}

// SendItemRequest sends existing draft items.
type SendItemRequest struct {
	XMLName           xml.Name        `xml:"m:SendItem"`
	SaveItemToFolder  bool            `xml:"SaveItemToFolder,attr"`
	ItemIDs           ItemIDs         `xml:"m:ItemIds"`
	SavedItemFolderID *TargetFolderID `xml:"m:SavedItemFolderId,omitempty"`
}

// ItemIDs is the item list of SendItem.
type ItemIDs struct {
	Items []ItemID `xml:"t:ItemId"`
}

// ItemID references an item at a specific version.
type ItemID struct {
	ID        string `xml:"Id,attr"`
	ChangeKey string `xml:"ChangeKey,attr,omitempty"`
}

// TargetFolderID points at a folder by well-known name.
type TargetFolderID struct {
	DistinguishedFolderID DistinguishedFolderID `xml:"t:DistinguishedFolderId"`
}

// DistinguishedFolderID names a well-known folder such as sentitems.
type DistinguishedFolderID struct {
	ID string `xml:"Id,attr"`
}

// ResponseMessage carries the status of one item-level operation.
type ResponseMessage struct {
	ResponseClass ResponseClass `xml:"ResponseClass,attr"`
	MessageText   string        `xml:"MessageText"`
	ResponseCode  string        `xml:"ResponseCode"`
}

// Outcome is either Success or Failure.
type Outcome interface {
	outcome()
}

// Success is the outcome of a message whose class is Success.
type Success struct{}

// Failure is the outcome of any other class. Text is the server's message.
type Failure struct {
	Code string
	Text string
}

func (Success) outcome() {}
func (Failure) outcome() {}

// Outcome reports whether the operation succeeded. Warning is treated as a
// failure.
func (m ResponseMessage) Outcome() Outcome {
	if m.ResponseClass == ResponseClassSuccess {
		return Success{}
	}
	return Failure{Code: m.ResponseCode, Text: m.MessageText}
}

// CreateItemResponse is the reply to CreateItem.
type CreateItemResponse struct {
	Messages []CreateItemResponseMessage `xml:"ResponseMessages>CreateItemResponseMessage"`
}

// CreateItemResponseMessage is the per-item reply to CreateItem.
type CreateItemResponseMessage struct {
	ResponseMessage
	Items CreatedItems `xml:"Items"`
}

// ItemIDs returns the ids of the created messages in document order.
func (m CreateItemResponseMessage) ItemIDs() []ItemID {
	ids := make([]ItemID, 0, len(m.Items.Messages))
	for _, msg := range m.Items.Messages {
		ids = append(ids, msg.ItemID)
	}
	return ids
}

// CreatedItems holds the items returned by CreateItem.
type CreatedItems struct {
	Messages []CreatedMessage `xml:"Message"`
}

// CreatedMessage is a created message reduced to its id.
type CreatedMessage struct {
	ItemID ItemID `xml:"ItemId"`
}

// CreateAttachmentResponse is the reply to CreateAttachment.
type CreateAttachmentResponse struct {
	Messages []CreateAttachmentResponseMessage `xml:"ResponseMessages>CreateAttachmentResponseMessage"`
}

// CreateAttachmentResponseMessage is the per-item reply to CreateAttachment.
type CreateAttachmentResponseMessage struct {
	ResponseMessage
	Attachments CreatedAttachments `xml:"Attachments"`
}

// AttachmentIDs returns the ids of the created attachments in document order.
func (m CreateAttachmentResponseMessage) AttachmentIDs() []AttachmentID {
	ids := make([]AttachmentID, 0, len(m.Attachments.Files))
	for _, f := range m.Attachments.Files {
		ids = append(ids, f.AttachmentID)
	}
	return ids
}

// CreatedAttachments holds the attachments returned by CreateAttachment.
type CreatedAttachments struct {
	Files []CreatedAttachment `xml:"FileAttachment"`
}

// CreatedAttachment is a created file attachment reduced to its id.
type CreatedAttachment struct {
	AttachmentID AttachmentID `xml:"AttachmentId"`
}

// AttachmentID identifies an attachment and the new version of its parent item.
type AttachmentID struct {
	ID                string `xml:"Id,attr"`
	RootItemID        string `xml:"RootItemId,attr"`
	RootItemChangeKey string `xml:"RootItemChangeKey,attr"`
}

// SendItemResponse is the reply to SendItem.
type SendItemResponse struct {
	Messages []SendItemResponseMessage `xml:"ResponseMessages>SendItemResponseMessage"`
}

// SendItemResponseMessage is the per-item reply to SendItem.
type SendItemResponseMessage struct {
	ResponseMessage
}
