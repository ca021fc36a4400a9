// Package email defines the core email data model used throughout the relay.
package email

import (
	"net/mail"

	"github.com/samber/lo"
)

// Email represents a parsed email message with all its components.
type Email struct {
	From        Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string
}

// Address is a single mailbox. An empty Name means no display name was given.
type Address struct {
	Email string
	Name  string
}

// String formats the address as an RFC 5322 mailbox.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// RecipientCount returns the number of To, Cc and Bcc entries. Duplicates
// are counted.
func (e *Email) RecipientCount() int {
	return len(e.To) + len(e.Cc) + len(e.Bcc)
}

// Body returns the HTML body, or the text body when no HTML part exists.
func (e *Email) Body() string {
	if e.HtmlBody != "" {
		return e.HtmlBody
	}
	return e.TextBody
}

// Emails returns the bare addresses of list in order.
func Emails(list []Address) []string {
	return lo.Map(list, func(a Address, _ int) string {
		return a.Email
	})
}

// Strings returns the formatted mailboxes of list in order.
func Strings(list []Address) []string {
	return lo.Map(list, func(a Address, _ int) string {
		return a.String()
	})
}
