package core

import (
	"context"
	"strings"

	"courier/internal/notifications/email"
	"courier/internal/types"
)

// SenderIdentity is the From/Reply-To applied to every outgoing message.
// A payload ReplyTo overrides the default.
type SenderIdentity struct {
	Address string
	Name    string
	ReplyTo string
}

func (s SenderIdentity) input(msg *types.QueueMessage) types.SendInput {
	p := msg.Payload
	replyTo := p.ReplyTo
	if replyTo == "" {
		replyTo = s.ReplyTo
	}
	return types.SendInput{
		To:          p.Recipient,
		From:        s.Address,
		FromName:    s.Name,
		Subject:     p.Subject,
		HTML:        p.HTML,
		Text:        p.Text,
		CC:          p.CC,
		BCC:         p.BCC,
		ReplyTo:     replyTo,
		Attachments: p.Attachments,
		ReferenceID: msg.ID,
	}
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// errRecipientBounced is recorded on rows failed because their recipient is
// suppressed.
var errRecipientBounced = types.NewAppError(types.ErrCodeEmailBounced, "recipient is on the bounce list", nil)

// ignoreSettled drops the errors a transition returns when another path
// already settled the row.
func ignoreSettled(err error) error {
	if types.IsCode(err, types.ErrCodeConflictMessageTerminal) || types.IsCode(err, types.ErrCodeNotFoundMessage) {
		return nil
	}
	return err
}

type nopEvents struct{}

func (nopEvents) LogEvent(context.Context, types.EmailEvent) {}

func redact(addr string) string { return email.RedactAddress(addr) }
