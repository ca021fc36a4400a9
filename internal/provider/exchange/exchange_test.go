package exchange

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/ews-relay/internal/email"
	"github.com/shineum/ews-relay/internal/ews"
	"github.com/shineum/ews-relay/internal/metrics"
)

// fakeClient records requests and replies with canned responses.
type fakeClient struct {
	createItemResp       *ews.CreateItemResponse
	createItemErr        error
	createAttachmentResp *ews.CreateAttachmentResponse
	createAttachmentErr  error
	sendItemResp         *ews.SendItemResponse
	sendItemErr          error

	createItemReqs       []*ews.CreateItemRequest
	createAttachmentReqs []*ews.CreateAttachmentRequest
	sendItemReqs         []*ews.SendItemRequest
}

func (f *fakeClient) CreateItem(_ context.Context, req *ews.CreateItemRequest) (*ews.CreateItemResponse, error) {
	f.createItemReqs = append(f.createItemReqs, req)
	return f.createItemResp, f.createItemErr
}

func (f *fakeClient) CreateAttachment(_ context.Context, req *ews.CreateAttachmentRequest) (*ews.CreateAttachmentResponse, error) {
	f.createAttachmentReqs = append(f.createAttachmentReqs, req)
	return f.createAttachmentResp, f.createAttachmentErr
}

func (f *fakeClient) SendItem(_ context.Context, req *ews.SendItemRequest) (*ews.SendItemResponse, error) {
	f.sendItemReqs = append(f.sendItemReqs, req)
	return f.sendItemResp, f.sendItemErr
}

func success() ews.ResponseMessage {
	return ews.ResponseMessage{ResponseClass: ews.ResponseClassSuccess, ResponseCode: "NoError"}
}

func failure(code, text string) ews.ResponseMessage {
	return ews.ResponseMessage{ResponseClass: ews.ResponseClassError, ResponseCode: code, MessageText: text}
}

func created(id, changeKey string) *ews.CreateItemResponse {
	return &ews.CreateItemResponse{Messages: []ews.CreateItemResponseMessage{{
		ResponseMessage: success(),
		Items: ews.CreatedItems{Messages: []ews.CreatedMessage{
			{ItemID: ews.ItemID{ID: id, ChangeKey: changeKey}},
		}},
	}}}
}

func attached(ids ...ews.AttachmentID) *ews.CreateAttachmentResponse {
	files := make([]ews.CreatedAttachment, 0, len(ids))
	for _, id := range ids {
		files = append(files, ews.CreatedAttachment{AttachmentID: id})
	}
	return &ews.CreateAttachmentResponse{Messages: []ews.CreateAttachmentResponseMessage{{
		ResponseMessage: success(),
		Attachments:     ews.CreatedAttachments{Files: files},
	}}}
}

func sent() *ews.SendItemResponse {
	return &ews.SendItemResponse{Messages: []ews.SendItemResponseMessage{{ResponseMessage: success()}}}
}

func newFake() *fakeClient {
	return &fakeClient{
		createItemResp:       created("I1", "K1"),
		createAttachmentResp: attached(ews.AttachmentID{ID: "A1", RootItemID: "I1", RootItemChangeKey: "K2"}),
		sendItemResp:         sent(),
	}
}

var relayFrom = email.Address{Email: "relay@x.com", Name: "Relay"}

func hiMessage() *email.Email {
	return &email.Email{
		From:     email.Address{Email: "app@x.com", Name: "App"},
		To:       []email.Address{{Email: "a@x.com", Name: "A"}},
		Subject:  "Hi",
		HtmlBody: "<b>hi</b>",
	}
}

func TestSend_NoAttachments(t *testing.T) {
	t.Parallel()

	client := newFake()
	p := NewWithClient(client, relayFrom, "")

	n, err := p.Send(context.Background(), hiMessage())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Len(t, client.createItemReqs, 1)
	assert.Empty(t, client.createAttachmentReqs, "attach stage must not run")
	require.Len(t, client.sendItemReqs, 1)
	assert.Equal(t, []ews.ItemID{{ID: "I1", ChangeKey: "K1"}}, client.sendItemReqs[0].ItemIDs.Items)
}

func TestSend_WithAttachmentUsesRootItemHandle(t *testing.T) {
	t.Parallel()

	client := newFake()
	p := NewWithClient(client, relayFrom, "")

	msg := hiMessage()
	msg.Attachments = []email.Attachment{{Filename: "f.txt", ContentType: "text/plain", Content: []byte("hello")}}

	n, err := p.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, client.createAttachmentReqs, 1)
	req := client.createAttachmentReqs[0]
	assert.Equal(t, ews.ItemID{ID: "I1"}, req.ParentItemID)
	require.Len(t, req.Attachments.Files, 1)
	assert.Equal(t, "f.txt", req.Attachments.Files[0].Name)
	assert.Equal(t, "text/plain", req.Attachments.Files[0].ContentType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")), req.Attachments.Files[0].Content)

	require.Len(t, client.sendItemReqs, 1)
	assert.Equal(t, []ews.ItemID{{ID: "I1", ChangeKey: "K2"}}, client.sendItemReqs[0].ItemIDs.Items)
}

func TestSend_MultipleAttachmentsLastRootWins(t *testing.T) {
	t.Parallel()

	client := newFake()
	client.createAttachmentResp = attached(
		ews.AttachmentID{ID: "A1", RootItemID: "I1", RootItemChangeKey: "K2"},
		ews.AttachmentID{ID: "A2", RootItemID: "I1", RootItemChangeKey: "K3"},
	)
	p := NewWithClient(client, relayFrom, "")

	msg := hiMessage()
	msg.Attachments = []email.Attachment{
		{Filename: "a.txt", ContentType: "text/plain", Content: []byte("a")},
		{Filename: "b.pdf", ContentType: "application/pdf", Content: []byte("%PDF")},
	}

	_, err := p.Send(context.Background(), msg)
	require.NoError(t, err)

	require.Len(t, client.createAttachmentReqs, 1, "all parts go in one request")
	assert.Len(t, client.createAttachmentReqs[0].Attachments.Files, 2)
	require.Len(t, client.sendItemReqs, 1)
	assert.Equal(t, "K3", client.sendItemReqs[0].ItemIDs.Items[0].ChangeKey)
}

func TestSend_ComposedMessage(t *testing.T) {
	t.Parallel()

	client := newFake()
	p := NewWithClient(client, relayFrom, "")

	msg := &email.Email{
		From:     email.Address{Email: "ignored@x.com"},
		To:       []email.Address{{Email: "a@x.com", Name: "A"}, {Email: "b@x.com"}},
		Cc:       []email.Address{{Email: "c@x.com"}},
		Bcc:      []email.Address{{Email: "d@x.com", Name: "D"}},
		Subject:  "Report",
		TextBody: "plain text only",
	}

	_, err := p.Send(context.Background(), msg)
	require.NoError(t, err)

	require.Len(t, client.createItemReqs, 1)
	req := client.createItemReqs[0]
	assert.Equal(t, ews.SaveOnly, req.MessageDisposition, "create must never send")
	require.Len(t, req.Items.Messages, 1)

	m := req.Items.Messages[0]
	assert.Equal(t, "Report", m.Subject)
	assert.Equal(t, ews.BodyTypeHTML, m.Body.BodyType)
	assert.Equal(t, "plain text only", m.Body.Content)
	assert.Equal(t, &ews.SingleRecipient{Mailbox: ews.Mailbox{Name: "Relay", EmailAddress: "relay@x.com"}}, m.From)

	require.NotNil(t, m.ToRecipients)
	assert.Equal(t, []ews.Mailbox{
		{Name: "A", EmailAddress: "a@x.com"},
		{EmailAddress: "b@x.com"},
	}, m.ToRecipients.Mailboxes)
	require.NotNil(t, m.CcRecipients)
	assert.Equal(t, []ews.Mailbox{{EmailAddress: "c@x.com"}}, m.CcRecipients.Mailboxes)
	require.NotNil(t, m.BccRecipients)
	assert.Equal(t, []ews.Mailbox{{Name: "D", EmailAddress: "d@x.com"}}, m.BccRecipients.Mailboxes)
}

func TestSend_BodyAlwaysHTML(t *testing.T) {
	t.Parallel()

	for _, msg := range []*email.Email{
		{HtmlBody: "<p>x</p>"},
		{TextBody: "x"},
		{HtmlBody: "<p>x</p>", TextBody: "x"},
		{},
	} {
		client := newFake()
		p := NewWithClient(client, relayFrom, "")

		_, err := p.Send(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, ews.BodyTypeHTML, client.createItemReqs[0].Items.Messages[0].Body.BodyType)
	}
}

func TestSend_RecipientCount(t *testing.T) {
	t.Parallel()

	addr := func(n int) []email.Address {
		list := make([]email.Address, n)
		for i := range list {
			list[i] = email.Address{Email: "dup@x.com"}
		}
		return list
	}

	tests := []struct {
		name        string
		to, cc, bcc int
	}{
		{name: "all empty", to: 0, cc: 0, bcc: 0},
		{name: "to only", to: 1},
		{name: "cc only", cc: 2},
		{name: "bcc only", bcc: 3},
		{name: "duplicates counted", to: 2, cc: 2, bcc: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := NewWithClient(newFake(), relayFrom, "")
			n, err := p.Send(context.Background(), &email.Email{
				To: addr(tt.to), Cc: addr(tt.cc), Bcc: addr(tt.bcc),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.to+tt.cc+tt.bcc, n)
		})
	}
}

func TestSend_CreateFailure(t *testing.T) {
	t.Parallel()

	client := newFake()
	client.createItemResp = &ews.CreateItemResponse{Messages: []ews.CreateItemResponseMessage{
		{ResponseMessage: failure("ErrorInvalidPropertySet", "Bad subject")},
	}}
	p := NewWithClient(client, relayFrom, "")

	msg := hiMessage()
	msg.Attachments = []email.Attachment{{Filename: "f.txt"}}

	n, err := p.Send(context.Background(), msg)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "Bad subject", err.Error())

	var opErr *RemoteOperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, StageCreateItem, opErr.Stage)
	assert.Equal(t, "ErrorInvalidPropertySet", opErr.Code)

	assert.Empty(t, client.createAttachmentReqs)
	assert.Empty(t, client.sendItemReqs)
}

func TestSend_CreateFirstFailureReported(t *testing.T) {
	t.Parallel()

	client := newFake()
	client.createItemResp = &ews.CreateItemResponse{Messages: []ews.CreateItemResponseMessage{
		{ResponseMessage: success()},
		{ResponseMessage: failure("ErrorA", "first")},
		{ResponseMessage: failure("ErrorB", "second")},
	}}
	p := NewWithClient(client, relayFrom, "")

	_, err := p.Send(context.Background(), hiMessage())
	require.Error(t, err)
	assert.Equal(t, "first", err.Error())
}

func TestSend_WarningIsFailure(t *testing.T) {
	t.Parallel()

	client := newFake()
	client.sendItemResp = &ews.SendItemResponse{Messages: []ews.SendItemResponseMessage{{
		ResponseMessage: ews.ResponseMessage{ResponseClass: ews.ResponseClassWarning, MessageText: "quota"},
	}}}
	p := NewWithClient(client, relayFrom, "")

	_, err := p.Send(context.Background(), hiMessage())
	require.Error(t, err)
	assert.Equal(t, "quota", err.Error())
}

func TestSend_AttachFailureSkipsSend(t *testing.T) {
	t.Parallel()

	client := newFake()
	client.createAttachmentResp = &ews.CreateAttachmentResponse{Messages: []ews.CreateAttachmentResponseMessage{
		{ResponseMessage: failure("ErrorAttachmentSizeLimitExceeded", "Attachment too large")},
	}}
	p := NewWithClient(client, relayFrom, "")

	msg := hiMessage()
	msg.Attachments = []email.Attachment{{Filename: "big.bin"}}

	_, err := p.Send(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, "Attachment too large", err.Error())

	var opErr *RemoteOperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, StageCreateAttachment, opErr.Stage)
	assert.Empty(t, client.sendItemReqs)
}

func TestSend_SendFailure(t *testing.T) {
	t.Parallel()

	client := newFake()
	client.sendItemResp = &ews.SendItemResponse{Messages: []ews.SendItemResponseMessage{
		{ResponseMessage: failure("ErrorMessageSizeExceeded", "Message too big")},
	}}
	p := NewWithClient(client, relayFrom, "")

	before := testutil.ToFloat64(metrics.ExchangeStageFailure.WithLabelValues(string(StageSendItem)))

	n, err := p.Send(context.Background(), hiMessage())
	require.Error(t, err)
	assert.Zero(t, n)

	var opErr *RemoteOperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, StageSendItem, opErr.Stage)
	assert.Equal(t, "Message too big", opErr.Message)

	after := testutil.ToFloat64(metrics.ExchangeStageFailure.WithLabelValues(string(StageSendItem)))
	assert.GreaterOrEqual(t, after-before, float64(1))
}

func TestSend_TransportErrorWrapped(t *testing.T) {
	t.Parallel()

	fault := &ews.Fault{Code: "a:ErrorSchemaValidation", Message: "schema"}
	client := newFake()
	client.createItemErr = fault
	p := NewWithClient(client, relayFrom, "")

	_, err := p.Send(context.Background(), hiMessage())
	require.Error(t, err)

	var opErr *RemoteOperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, StageCreateItem, opErr.Stage)

	var got *ews.Fault
	require.True(t, errors.As(err, &got))
	assert.Same(t, fault, got)
	assert.Empty(t, client.sendItemReqs)
}

func TestSend_UnexpectedCreateResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp *ews.CreateItemResponse
	}{
		{name: "no messages", resp: &ews.CreateItemResponse{}},
		{name: "two messages", resp: &ews.CreateItemResponse{Messages: []ews.CreateItemResponseMessage{
			created("I1", "K1").Messages[0],
			created("I2", "K2").Messages[0],
		}}},
		{name: "no items", resp: &ews.CreateItemResponse{Messages: []ews.CreateItemResponseMessage{
			{ResponseMessage: success()},
		}}},
		{name: "two items", resp: &ews.CreateItemResponse{Messages: []ews.CreateItemResponseMessage{{
			ResponseMessage: success(),
			Items: ews.CreatedItems{Messages: []ews.CreatedMessage{
				{ItemID: ews.ItemID{ID: "I1"}}, {ItemID: ews.ItemID{ID: "I2"}},
			}},
		}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := newFake()
			client.createItemResp = tt.resp
			p := NewWithClient(client, relayFrom, "")

			_, err := p.Send(context.Background(), hiMessage())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnexpectedResponse)
			assert.Empty(t, client.sendItemReqs)
		})
	}
}

func TestSend_UnexpectedSendResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp *ews.SendItemResponse
	}{
		{name: "no messages", resp: &ews.SendItemResponse{}},
		{name: "two messages", resp: &ews.SendItemResponse{Messages: []ews.SendItemResponseMessage{
			{ResponseMessage: success()},
			{ResponseMessage: success()},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := newFake()
			client.sendItemResp = tt.resp
			p := NewWithClient(client, relayFrom, "")

			n, err := p.Send(context.Background(), hiMessage())
			require.Error(t, err)
			assert.Zero(t, n)
			assert.ErrorIs(t, err, ErrUnexpectedResponse)

			var opErr *RemoteOperationError
			require.True(t, errors.As(err, &opErr))
			assert.Equal(t, StageSendItem, opErr.Stage)
		})
	}
}

func TestSend_AttachmentResponseWithoutIDs(t *testing.T) {
	t.Parallel()

	client := newFake()
	client.createAttachmentResp = attached()
	p := NewWithClient(client, relayFrom, "")

	msg := hiMessage()
	msg.Attachments = []email.Attachment{{Filename: "f.txt"}}

	_, err := p.Send(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
	assert.Empty(t, client.sendItemReqs, "stale create handle must not be sent")
}

func TestSend_Dispositions(t *testing.T) {
	t.Parallel()

	t.Run("send and save copy", func(t *testing.T) {
		t.Parallel()

		client := newFake()
		p := NewWithClient(client, relayFrom, ews.SendAndSaveCopy)

		n, err := p.Send(context.Background(), hiMessage())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		req := client.sendItemReqs[0]
		assert.True(t, req.SaveItemToFolder)
		require.NotNil(t, req.SavedItemFolderID)
		assert.Equal(t, "sentitems", req.SavedItemFolderID.DistinguishedFolderID.ID)
	})

	t.Run("send only", func(t *testing.T) {
		t.Parallel()

		client := newFake()
		p := NewWithClient(client, relayFrom, ews.SendOnly)

		n, err := p.Send(context.Background(), hiMessage())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		req := client.sendItemReqs[0]
		assert.False(t, req.SaveItemToFolder)
		assert.Nil(t, req.SavedItemFolderID)
	})

	t.Run("save only still sends", func(t *testing.T) {
		t.Parallel()

		client := newFake()
		p := NewWithClient(client, relayFrom, ews.SaveOnly)

		n, err := p.Send(context.Background(), hiMessage())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Len(t, client.createItemReqs, 1)
		require.Len(t, client.sendItemReqs, 1)

		req := client.sendItemReqs[0]
		assert.Equal(t, "I1", req.ItemIDs.Items[0].ID)
		assert.False(t, req.SaveItemToFolder)
		assert.Nil(t, req.SavedItemFolderID)
	})
}

func TestSend_ReusableAcrossCalls(t *testing.T) {
	t.Parallel()

	client := newFake()
	p := NewWithClient(client, relayFrom, "")

	withAttachment := hiMessage()
	withAttachment.Attachments = []email.Attachment{{Filename: "f.txt"}}

	_, err := p.Send(context.Background(), withAttachment)
	require.NoError(t, err)
	_, err = p.Send(context.Background(), hiMessage())
	require.NoError(t, err)

	assert.Len(t, client.createAttachmentReqs, 1, "attachments must not leak into the next send")
	require.Len(t, client.sendItemReqs, 2)
	assert.Equal(t, "K1", client.sendItemReqs[1].ItemIDs.Items[0].ChangeKey)
}

func TestRemoteOperationError_Message(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")

	tests := []struct {
		name string
		err  *RemoteOperationError
		want string
	}{
		{name: "message", err: &RemoteOperationError{Stage: StageSendItem, Code: "E", Message: "text"}, want: "text"},
		{name: "code only", err: &RemoteOperationError{Stage: StageSendItem, Code: "ErrorX"}, want: "ErrorX"},
		{name: "cause only", err: &RemoteOperationError{Stage: StageSendItem, Err: cause}, want: "connection refused"},
		{name: "empty", err: &RemoteOperationError{Stage: StageSendItem}, want: "send_item failed"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error(), tt.name)
	}
}

func TestNew_RequiresHost(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Username: "u", Password: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint is required")
}

func TestName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "exchange", NewWithClient(newFake(), relayFrom, "").Name())
}
