package external

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"courier/internal/types"
)

// SMTPDialer opens an authenticated SMTP session. *gomail.Dialer satisfies it.
type SMTPDialer interface {
	Dial() (gomail.SendCloser, error)
}

type SMTPClientConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// DialRetries bounds reconnect attempts within one Send. Defaults to 3.
	DialRetries uint64
	// DialBackoff is the first reconnect delay. Defaults to 500ms.
	DialBackoff time.Duration
	Logger      types.Logger
}

// SMTPClient delivers over SMTP with gomail. Only the dial is retried in
// place; a failed transaction is returned to the caller with its kind.
type SMTPClient struct {
	dialer      SMTPDialer
	dialRetries uint64
	dialBackoff time.Duration
	logger      types.Logger
}

func NewSMTPClient(cfg SMTPClientConfig) *SMTPClient {
	return NewSMTPClientWithDialer(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg)
}

func NewSMTPClientWithDialer(d SMTPDialer, cfg SMTPClientConfig) *SMTPClient {
	c := &SMTPClient{
		dialer:      d,
		dialRetries: cfg.DialRetries,
		dialBackoff: cfg.DialBackoff,
		logger:      cfg.Logger,
	}
	if c.dialRetries == 0 {
		c.dialRetries = 3
	}
	if c.dialBackoff <= 0 {
		c.dialBackoff = 500 * time.Millisecond
	}
	if c.logger == nil {
		c.logger = types.NopLogger{}
	}
	return c
}

func (c *SMTPClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	if err := ValidateInput(input); err != nil {
		return "", err
	}

	msgID := uuid.NewString()
	msg := buildMIME(input)
	msg.SetHeader("Message-ID", fmt.Sprintf("<%s@courier>", msgID))

	sc, err := c.dial(ctx)
	if err != nil {
		return "", mapSMTPError("smtp dial failed", err)
	}
	defer sc.Close()

	rcpts := make([]string, 0, 1+len(input.CC)+len(input.BCC))
	rcpts = append(rcpts, input.To)
	rcpts = append(rcpts, input.CC...)
	rcpts = append(rcpts, input.BCC...)

	if err := sc.Send(input.From, rcpts, msg); err != nil {
		return "", mapSMTPError("smtp send failed", err)
	}
	return msgID, nil
}

func (c *SMTPClient) dial(ctx context.Context) (gomail.SendCloser, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.dialBackoff
	b.MaxElapsedTime = 0

	var sc gomail.SendCloser
	attempt := 0
	op := func() error {
		attempt++
		var err error
		sc, err = c.dialer.Dial()
		if err == nil {
			return nil
		}
		if isAuthFailure(err) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("smtp dial failed", "attempt", attempt, "error", err)
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.dialRetries), ctx)); err != nil {
		return nil, err
	}
	return sc, nil
}

func isAuthFailure(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code == 530 || tpErr.Code == 534 || tpErr.Code == 535
	}
	return false
}

// mapSMTPError classifies SMTP reply codes: 4xx are transient, 550/551/553
// reject a mailbox, 552 is a size limit, other 5xx reject the message.
func mapSMTPError(msg string, err error) error {
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return networkError(msg, err)
	}
	text := fmt.Sprintf("%s: %d %s", msg, tpErr.Code, tpErr.Msg)
	switch {
	case tpErr.Code == 421 || tpErr.Code == 450 || tpErr.Code == 451:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, text, err)
	case tpErr.Code == 452:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, text, err)
	case tpErr.Code >= 400 && tpErr.Code < 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, text, err)
	case tpErr.Code == 550 || tpErr.Code == 551 || tpErr.Code == 553:
		return types.NewAppError(types.ErrCodeEmailRecipientInvalid, text, err)
	case tpErr.Code == 552:
		return types.NewAppError(types.ErrCodeValidationAttachment, text, err)
	case isAuthFailure(err):
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider, text, err)
	default:
		return types.NewAppError(types.ErrCodeEmailRejected, text, err)
	}
}
