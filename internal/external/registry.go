package external

import (
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"courier/internal/config"
	"courier/internal/types"
)

// NewProvider builds the Provider selected by EMAIL_PROVIDER. APP_ENV=local
// always gets the stub so the engine boots without credentials. awsCfg is
// only read for the ses provider.
func NewProvider(cfg config.EmailConfig, env string, awsCfg aws.Config, httpTimeout time.Duration, logger types.Logger) (types.Provider, error) {
	if logger == nil {
		logger = types.NopLogger{}
	}

	name := cfg.Provider
	if env == "local" {
		name = "stub"
	}
	logger.Info("initializing email provider", "provider", name, "environment", env)

	switch name {
	case "stub":
		return NewStubProvider(logger.With("client", "stub")), nil
	case "ses":
		return NewSESClient(awsCfg, SESClientConfig{
			ConfigSetName: cfg.SESConfigurationSet,
			Logger:        logger.With("client", "ses"),
		}), nil
	case "sendgrid":
		return NewSendGridClient(&http.Client{Timeout: httpTimeout}, SendGridClientConfig{
			APIKey:  cfg.SendGridAPIKey.Unmask(),
			BaseURL: cfg.SendGridBaseURL,
			Logger:  logger.With("client", "sendgrid"),
		}), nil
	case "smtp":
		return NewSMTPClient(SMTPClientConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword.Unmask(),
			Logger:   logger.With("client", "smtp"),
		}), nil
	}
	return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
		"unknown email provider", nil, map[string]any{"provider": name})
}
