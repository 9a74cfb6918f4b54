package external

import (
	"context"

	"github.com/google/uuid"

	"courier/internal/types"
)

// StubProvider logs sends and returns a fake ID. Used when EMAIL_PROVIDER=stub
// or APP_ENV=local.
type StubProvider struct {
	logger types.Logger
}

func NewStubProvider(logger types.Logger) *StubProvider {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &StubProvider{logger: logger}
}

func (s *StubProvider) Send(_ context.Context, input types.SendInput) (string, error) {
	if err := ValidateInput(input); err != nil {
		return "", err
	}
	s.logger.Info("stub: send email", "subject", input.Subject, "reference_id", input.ReferenceID)
	return "stub-" + uuid.NewString(), nil
}
