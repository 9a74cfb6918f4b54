package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"courier/internal/types"
)

// SESAPI is the subset of the SES v2 client used by SESClient.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESClientConfig struct {
	// ConfigSetName routes bounce/complaint feedback to SNS. Optional.
	ConfigSetName string
	Logger        types.Logger
}

// SESClient delivers through AWS SES v2. Credentials come from the IAM role.
type SESClient struct {
	api           SESAPI
	configSetName string
	logger        types.Logger
}

func NewSESClient(awsCfg aws.Config, cfg SESClientConfig) *SESClient {
	return NewSESClientWithAPI(sesv2.NewFromConfig(awsCfg), cfg)
}

// NewSESClientWithAPI is used by tests to inject a fake SESAPI.
func NewSESClientWithAPI(api SESAPI, cfg SESClientConfig) *SESClient {
	logger := cfg.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &SESClient{
		api:           api,
		configSetName: cfg.ConfigSetName,
		logger:        logger,
	}
}

// Send transmits input. Messages without attachments use Simple content;
// attachments force a Raw MIME message.
//
// Error mapping:
//   - MessageRejected, MailFromDomainNotVerified -> ErrCodeEmailRejected
//   - BadRequest -> ErrCodeValidationInvalidMessage
//   - TooManyRequests, LimitExceeded -> ErrCodeUpstreamRateLimited
//   - SendingPaused, AccountSuspended -> ErrCodeUpstreamUnavailable
//   - net errors -> ErrCodeUpstreamNetwork
//   - Other -> ErrCodeUpstreamEmailProvider
func (s *SESClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	if err := ValidateInput(input); err != nil {
		return "", err
	}

	emailInput := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatFrom(input)),
		Destination: &sestypes.Destination{
			ToAddresses:  []string{input.To},
			CcAddresses:  input.CC,
			BccAddresses: input.BCC,
		},
	}
	if input.ReplyTo != "" {
		emailInput.ReplyToAddresses = []string{input.ReplyTo}
	}

	if len(input.Attachments) > 0 {
		var raw bytes.Buffer
		if _, err := buildMIME(input).WriteTo(&raw); err != nil {
			return "", types.NewAppError(types.ErrCodeValidationAttachment, "failed to encode MIME message", err)
		}
		emailInput.Content = &sestypes.EmailContent{Raw: &sestypes.RawMessage{Data: raw.Bytes()}}
	} else {
		emailInput.Content = &sestypes.EmailContent{Simple: simpleMessage(input)}
	}

	if s.configSetName != "" {
		emailInput.ConfigurationSetName = aws.String(s.configSetName)
	}
	if input.ReferenceID != "" {
		emailInput.EmailTags = []sestypes.MessageTag{
			{Name: aws.String("ReferenceID"), Value: aws.String(input.ReferenceID)},
		}
	}

	result, err := s.api.SendEmail(ctx, emailInput)
	if err != nil {
		mapped := mapSESError(err)
		s.logger.Warn("ses send failed", "reference_id", input.ReferenceID, "code", mapped.Code)
		return "", mapped
	}
	return aws.ToString(result.MessageId), nil
}

func simpleMessage(input types.SendInput) *sestypes.Message {
	msg := &sestypes.Message{
		Subject: &sestypes.Content{Data: aws.String(input.Subject), Charset: aws.String("UTF-8")},
		Body:    &sestypes.Body{},
	}
	if input.HTML != "" {
		msg.Body.Html = &sestypes.Content{Data: aws.String(input.HTML), Charset: aws.String("UTF-8")}
	}
	if input.Text != "" {
		msg.Body.Text = &sestypes.Content{Data: aws.String(input.Text), Charset: aws.String("UTF-8")}
	}
	return msg
}

func mapSESError(err error) *types.AppError {
	var (
		rejected   *sestypes.MessageRejected
		mailFrom   *sestypes.MailFromDomainNotVerifiedException
		badRequest *sestypes.BadRequestException
		tooMany    *sestypes.TooManyRequestsException
		limit      *sestypes.LimitExceededException
		paused     *sestypes.SendingPausedException
		suspended  *sestypes.AccountSuspendedException
	)
	switch {
	case errors.As(err, &rejected), errors.As(err, &mailFrom):
		return types.NewAppError(types.ErrCodeEmailRejected, fmt.Sprintf("SES rejected message: %v", err), err)
	case errors.As(err, &badRequest):
		return types.NewAppError(types.ErrCodeValidationInvalidMessage, fmt.Sprintf("SES bad request: %v", err), err)
	case errors.As(err, &tooMany), errors.As(err, &limit):
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, fmt.Sprintf("SES rate limit exceeded: %v", err), err)
	case errors.As(err, &paused), errors.As(err, &suspended):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("SES sending disabled: %v", err), err)
	}
	return networkError(fmt.Sprintf("SES error: %v", err), err)
}
