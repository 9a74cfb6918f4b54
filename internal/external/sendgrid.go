package external

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"courier/internal/types"
)

// sendGridAPIBase is overridable in tests via SendGridClientConfig.BaseURL.
const sendGridAPIBase = "https://api.sendgrid.com"

type SendGridClientConfig struct {
	APIKey  string
	BaseURL string
	Logger  types.Logger
}

// SendGridClient calls the SendGrid v3 Mail Send API through BaseClient with
// pre-rendered content.
type SendGridClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  types.Logger
}

// NewSendGridClient creates a client whose BaseClient retries 429 only. The
// httpClient should carry a timeout no longer than the dispatcher's
// SendTimeout.
func NewSendGridClient(httpClient *http.Client, cfg SendGridClientConfig) *SendGridClient {
	base := NewBaseClient(httpClient, "sendgrid", DefaultRetryPolicy(), "Courier/1.0")
	return NewSendGridClientWithBase(base, cfg)
}

// NewSendGridClientWithBase lets tests control the BaseClient.
func NewSendGridClientWithBase(base *BaseClient, cfg SendGridClientConfig) *SendGridClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &SendGridClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// Send posts input to /v3/mail/send and returns the X-Message-Id header.
//
// Error mapping:
//   - 400 -> ErrCodeEmailRejected, or ErrCodeValidationInvalidEmail when
//     SendGrid names a recipient field
//   - 403 -> ErrCodeEmailBlocked (suppression list)
//   - 413 -> ErrCodeValidationAttachment
//   - 429, 5xx, transport -> mapped by BaseClient
//   - Other 4xx -> ErrCodeUpstreamEmailProvider
func (s *SendGridClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	if err := ValidateInput(input); err != nil {
		return "", err
	}

	body, err := json.Marshal(s.buildMailPayload(input))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal SendGrid mail payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create SendGrid request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return resp.Header.Get("X-Message-Id"), nil
	}
	return "", s.handleErrorResponse(resp)
}

// ---------------------------------------------------------------------------
// Payload Construction
// ---------------------------------------------------------------------------

type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	ReplyTo          *sendGridAddress          `json:"reply_to,omitempty"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	Attachments      []sendGridAttachment      `json:"attachments,omitempty"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
}

type sendGridPersonalization struct {
	To  []sendGridAddress `json:"to"`
	CC  []sendGridAddress `json:"cc,omitempty"`
	BCC []sendGridAddress `json:"bcc,omitempty"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridAttachment struct {
	Content     string `json:"content"`
	Filename    string `json:"filename"`
	Type        string `json:"type,omitempty"`
	Disposition string `json:"disposition"`
}

func addresses(list []string) []sendGridAddress {
	if len(list) == 0 {
		return nil
	}
	out := make([]sendGridAddress, len(list))
	for i, a := range list {
		out[i] = sendGridAddress{Email: a}
	}
	return out
}

func (s *SendGridClient) buildMailPayload(input types.SendInput) sendGridMailPayload {
	payload := sendGridMailPayload{
		Personalizations: []sendGridPersonalization{{
			To:  []sendGridAddress{{Email: input.To}},
			CC:  addresses(input.CC),
			BCC: addresses(input.BCC),
		}},
		From:    sendGridAddress{Email: input.From, Name: input.FromName},
		Subject: input.Subject,
	}
	if input.ReplyTo != "" {
		payload.ReplyTo = &sendGridAddress{Email: input.ReplyTo}
	}

	// SendGrid requires text/plain before text/html.
	if input.Text != "" {
		payload.Content = append(payload.Content, sendGridContent{Type: "text/plain", Value: input.Text})
	}
	if input.HTML != "" {
		payload.Content = append(payload.Content, sendGridContent{Type: "text/html", Value: input.HTML})
	}

	for _, a := range input.Attachments {
		payload.Attachments = append(payload.Attachments, sendGridAttachment{
			Content:     base64.StdEncoding.EncodeToString(a.Content),
			Filename:    a.Filename,
			Type:        a.ContentType,
			Disposition: "attachment",
		})
	}

	if input.ReferenceID != "" {
		payload.CustomArgs = map[string]string{"reference_id": input.ReferenceID}
	}
	return payload
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

type sendGridErrorResponse struct {
	Errors []sendGridErrorDetail `json:"errors"`
}

type sendGridErrorDetail struct {
	Message string `json:"message"`
	Field   string `json:"field"`
	Help    string `json:"help"`
}

func (s *SendGridClient) handleErrorResponse(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("SendGrid returned status %d and response body was unreadable", resp.StatusCode),
			readErr,
		)
	}

	var detail sendGridErrorDetail
	var sgErr sendGridErrorResponse
	if jsonErr := json.Unmarshal(body, &sgErr); jsonErr == nil && len(sgErr.Errors) > 0 {
		detail = sgErr.Errors[0]
	} else {
		detail.Message = string(body)
	}
	return mapSendGridError(resp.StatusCode, detail)
}

func mapSendGridError(statusCode int, detail sendGridErrorDetail) error {
	switch {
	case statusCode == http.StatusBadRequest && isRecipientField(detail.Field):
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidEmail,
			fmt.Sprintf("SendGrid rejected recipient: %s", detail.Message), nil,
			map[string]any{"field": detail.Field})
	case statusCode == http.StatusBadRequest:
		return types.NewAppError(types.ErrCodeEmailRejected,
			fmt.Sprintf("SendGrid rejected message: %s", detail.Message), nil)
	case statusCode == http.StatusForbidden:
		return types.NewAppError(types.ErrCodeEmailBlocked,
			fmt.Sprintf("SendGrid blocked delivery: %s", detail.Message), nil)
	case statusCode == http.StatusRequestEntityTooLarge:
		return types.NewAppError(types.ErrCodeValidationAttachment,
			fmt.Sprintf("SendGrid payload too large: %s", detail.Message), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("SendGrid error (%d): %s", statusCode, detail.Message), nil)
	}
}

func isRecipientField(field string) bool {
	return strings.Contains(field, ".to") || strings.Contains(field, ".cc") || strings.Contains(field, ".bcc")
}
