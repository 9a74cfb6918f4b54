package external

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/gomail.v2"

	"courier/internal/types"
)

var validate = validator.New()

// MaxAttachmentBytes caps the combined attachment size. SES rejects raw
// messages over 10MB after base64 expansion.
const MaxAttachmentBytes = 7 * 1024 * 1024

// ValidateInput rejects messages no transport could deliver. It runs before
// any network call so the caller gets a permanent kind without spending an
// attempt.
func ValidateInput(input types.SendInput) error {
	if err := validate.Var(input.To, "required,email"); err != nil {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidEmail,
			"recipient address is invalid", err, map[string]any{"field": "to"})
	}
	for _, addr := range append(append([]string{}, input.CC...), input.BCC...) {
		if err := validate.Var(addr, "email"); err != nil {
			return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidEmail,
				fmt.Sprintf("copy address %q is invalid", addr), err, map[string]any{"field": "cc"})
		}
	}
	if input.ReplyTo != "" {
		if err := validate.Var(input.ReplyTo, "email"); err != nil {
			return types.NewAppError(types.ErrCodeValidationInvalidEmail, "reply-to address is invalid", err)
		}
	}
	if err := validate.Var(input.From, "required,email"); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidMessage, "sender address is invalid", err)
	}
	if strings.TrimSpace(input.Subject) == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "subject is required", nil)
	}
	if input.HTML == "" && input.Text == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "message has no body", nil)
	}

	total := 0
	for i, a := range input.Attachments {
		if a.Filename == "" || len(a.Content) == 0 {
			return types.NewAppErrorWithDetails(types.ErrCodeValidationAttachment,
				"attachment must have a filename and content", nil, map[string]any{"index": i})
		}
		total += len(a.Content)
	}
	if total > MaxAttachmentBytes {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationAttachment,
			"attachments exceed size limit", nil, map[string]any{"bytes": total, "limit": MaxAttachmentBytes})
	}
	return nil
}

// buildMIME assembles input into a gomail message. SMTP sends it directly;
// SES uses its serialized form as raw content when attachments are present.
// BCC never becomes a header; both callers pass it as an envelope recipient.
func buildMIME(input types.SendInput) *gomail.Message {
	m := gomail.NewMessage()
	if input.FromName != "" {
		m.SetAddressHeader("From", input.From, input.FromName)
	} else {
		m.SetHeader("From", input.From)
	}
	m.SetHeader("To", input.To)
	if len(input.CC) > 0 {
		m.SetHeader("Cc", input.CC...)
	}
	if input.ReplyTo != "" {
		m.SetHeader("Reply-To", input.ReplyTo)
	}
	m.SetHeader("Subject", input.Subject)
	if input.ReferenceID != "" {
		m.SetHeader("X-Courier-Reference", input.ReferenceID)
	}

	switch {
	case input.Text != "" && input.HTML != "":
		m.SetBody("text/plain", input.Text)
		m.AddAlternative("text/html", input.HTML)
	case input.HTML != "":
		m.SetBody("text/html", input.HTML)
	default:
		m.SetBody("text/plain", input.Text)
	}

	for _, a := range input.Attachments {
		content := a.Content
		settings := []gomail.FileSetting{gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(content)
			return err
		})}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}))
		}
		m.Attach(a.Filename, settings...)
	}
	return m
}

func formatFrom(input types.SendInput) string {
	if input.FromName == "" {
		return input.From
	}
	return fmt.Sprintf("%s <%s>", input.FromName, input.From)
}

var (
	_ types.Provider = (*SESClient)(nil)
	_ types.Provider = (*SendGridClient)(nil)
	_ types.Provider = (*SMTPClient)(nil)
	_ types.Provider = (*StubProvider)(nil)
)
