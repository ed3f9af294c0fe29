package remote

import "github.com/matheus3301/bluedesk/internal/store"

// toStoreMessage converts a wire message into a store row. The server's
// original ROWID is the per-chat sequence token.
func (m *messageDTO) toStoreMessage(chatGUID string) *store.Message {
	status := store.MessageReceived
	if m.IsFromMe {
		status = store.MessageDelivered
	}
	switch {
	case m.DateRead > 0:
		status = store.MessageRead
	case m.DateDelivered > 0 && m.IsFromMe:
		status = store.MessageDelivered
	}

	sender := ""
	if m.Handle != nil {
		sender = m.Handle.Address
	}

	return &store.Message{
		ChatGUID:    chatGUID,
		GUID:        m.GUID,
		Seq:         m.OriginalROWID,
		Sender:      sender,
		Body:        m.Text,
		Status:      status,
		IsFromMe:    m.IsFromMe,
		DateCreated: m.DateCreated,
	}
}

// toStoreAttachments converts the message's attachment references.
func (m *messageDTO) toStoreAttachments(chatGUID string) []*store.Attachment {
	if len(m.Attachments) == 0 {
		return nil
	}
	atts := make([]*store.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		atts = append(atts, &store.Attachment{
			GUID:         a.GUID,
			MessageGUID:  m.GUID,
			ChatGUID:     chatGUID,
			TransferName: a.TransferName,
			MimeType:     a.MimeType,
			TotalBytes:   a.TotalBytes,
			State:        store.AttachmentNotFetched,
		})
	}
	return atts
}

// chatOf returns the owning chat GUID of a pushed message, preferring the
// embedded chats list.
func (m *messageDTO) chatOf() string {
	if len(m.Chats) > 0 {
		return m.Chats[0].GUID
	}
	return ""
}

func (c *chatDTO) toStoreChat() *store.Chat {
	chat := &store.Chat{
		GUID:        c.GUID,
		DisplayName: c.DisplayName,
		Identifier:  c.ChatIdentifier,
		Service:     serviceOf(c.GUID),
		IsGroup:     c.Style == 43,
		Archived:    c.IsArchived,
	}
	if c.LastMessage != nil {
		chat.LastSeq = c.LastMessage.OriginalROWID
		chat.LastPreview = c.LastMessage.Text
	}
	return chat
}

// serviceOf extracts the service prefix from a chat GUID of the form
// "iMessage;-;+15551234567".
func serviceOf(guid string) string {
	for i := 0; i < len(guid); i++ {
		if guid[i] == ';' {
			return guid[:i]
		}
	}
	return "iMessage"
}
