package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
)

// ValidationResult is the outcome of one check, phrased for the operator.
type ValidationResult struct {
	Valid   bool
	Message string
}

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DatabaseConnector opens and immediately closes a connection.
type DatabaseConnector interface {
	Connect(ctx context.Context, dsn string) error
}

// PgxConnector verifies a DSN with a real pgx connection.
type PgxConnector struct{}

func (PgxConnector) Connect(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

// Validator carries the clients the active probes use.
type Validator struct {
	httpClient      HTTPClient
	dbConn          DatabaseConnector
	fields          *validator.Validate
	sendGridBaseURL string
}

func NewValidator() *Validator {
	return NewValidatorWithDeps(&http.Client{Timeout: 10 * time.Second}, PgxConnector{})
}

func NewValidatorWithDeps(httpClient HTTPClient, dbConn DatabaseConnector) *Validator {
	return &Validator{
		httpClient:      httpClient,
		dbConn:          dbConn,
		fields:          validator.New(),
		sendGridBaseURL: "https://api.sendgrid.com",
	}
}

const validateTimeout = 15 * time.Second

// ValidateDatabaseURL checks the scheme and then connects.
func (v *Validator) ValidateDatabaseURL(ctx context.Context, rawURL string) ValidationResult {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("invalid URL format: %v", err)}
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return ValidationResult{Message: fmt.Sprintf("expected postgres:// or postgresql:// scheme, got %q", parsed.Scheme)}
	}
	if parsed.Hostname() == "" {
		return ValidationResult{Message: "database URL has no host"}
	}
	if v.dbConn == nil {
		return ValidationResult{Valid: true, Message: "format accepted (connection not checked)"}
	}

	connCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	if err := v.dbConn.Connect(connCtx, rawURL); err != nil {
		return ValidationResult{Message: fmt.Sprintf("connection failed: %v", err)}
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("database connection verified (host=%s)", parsed.Hostname())}
}

// ValidateEmailAddress applies the same rule config uses for the sender.
func (v *Validator) ValidateEmailAddress(_ context.Context, input string) ValidationResult {
	if err := v.fields.Var(strings.TrimSpace(input), "required,email"); err != nil {
		return ValidationResult{Message: fmt.Sprintf("%q is not a valid email address", input)}
	}
	return ValidationResult{Valid: true, Message: "address format accepted"}
}

// ValidateQueueURL accepts https SQS queue URLs.
func (v *Validator) ValidateQueueURL(_ context.Context, input string) ValidationResult {
	u, err := url.Parse(strings.TrimSpace(input))
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return ValidationResult{Message: "expected an https:// queue URL"}
	}
	if !strings.HasPrefix(u.Host, "sqs.") {
		return ValidationResult{Message: fmt.Sprintf("host %q does not look like an SQS endpoint", u.Host)}
	}
	if strings.Count(strings.Trim(u.Path, "/"), "/") != 1 {
		return ValidationResult{Message: "expected /<account-id>/<queue-name> path"}
	}
	return ValidationResult{Valid: true, Message: "queue URL format accepted"}
}

// ValidateSendGridKey calls GET /v3/scopes and requires the mail.send scope.
func (v *Validator) ValidateSendGridKey(ctx context.Context, key string) ValidationResult {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, "SG.") {
		return ValidationResult{Message: "SendGrid API key should start with 'SG.'"}
	}
	if v.httpClient == nil {
		return ValidationResult{Valid: true, Message: "format accepted (key not checked)"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, v.sendGridBaseURL+"/v3/scopes", nil)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("User-Agent", "courier-bootstrap/1.0")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("SendGrid API probe failed: %v", err)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ValidationResult{Message: fmt.Sprintf("SendGrid API returned HTTP %d: key is invalid or revoked", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return ValidationResult{Message: fmt.Sprintf("SendGrid API returned HTTP %d: %s", resp.StatusCode, truncateBody(body, 200))}
	}

	var scopes struct {
		Scopes []string `json:"scopes"`
	}
	if err := json.Unmarshal(body, &scopes); err != nil {
		return ValidationResult{Message: "SendGrid API returned an unreadable scope list"}
	}
	if !slices.Contains(scopes.Scopes, "mail.send") {
		return ValidationResult{Message: "key is valid but lacks the mail.send scope"}
	}
	return ValidationResult{Valid: true, Message: "SendGrid API key verified (mail.send granted)"}
}

func truncateBody(body []byte, n int) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
