package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeConnector struct {
	err  error
	dsns []string
}

func (f *fakeConnector) Connect(_ context.Context, dsn string) error {
	f.dsns = append(f.dsns, dsn)
	return f.err
}

func TestValidateDatabaseURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		connErr  error
		valid    bool
		wantMsg  string
		connects bool
	}{
		{name: "valid", input: "postgres://u:p@db.internal:5432/courier", valid: true, connects: true},
		{name: "postgresql scheme", input: "postgresql://u:p@db.internal/courier", valid: true, connects: true},
		{name: "wrong scheme", input: "mysql://u:p@db/courier", wantMsg: "scheme"},
		{name: "no host", input: "postgres:///courier", wantMsg: "no host"},
		{name: "connection refused", input: "postgres://u:p@db:5432/c", connErr: errors.New("connection refused"), wantMsg: "connection refused", connects: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConnector{err: tt.connErr}
			v := NewValidatorWithDeps(nil, conn)

			res := v.ValidateDatabaseURL(context.Background(), tt.input)
			if res.Valid != tt.valid {
				t.Errorf("Valid = %v (%s)", res.Valid, res.Message)
			}
			if tt.wantMsg != "" && !strings.Contains(res.Message, tt.wantMsg) {
				t.Errorf("message %q should mention %q", res.Message, tt.wantMsg)
			}
			if (len(conn.dsns) > 0) != tt.connects {
				t.Errorf("connect attempted = %v, want %v", len(conn.dsns) > 0, tt.connects)
			}
		})
	}
}

func TestValidateEmailAddress(t *testing.T) {
	v := NewValidatorWithDeps(nil, nil)
	if !v.ValidateEmailAddress(context.Background(), "notifications@example.com").Valid {
		t.Error("expected valid address")
	}
	if v.ValidateEmailAddress(context.Background(), "notifications").Valid {
		t.Error("expected invalid address")
	}
}

func TestValidateQueueURL(t *testing.T) {
	v := NewValidatorWithDeps(nil, nil)
	tests := map[string]bool{
		"https://sqs.us-east-1.amazonaws.com/123456789012/courier-dispatch.fifo": true,
		"http://sqs.us-east-1.amazonaws.com/123456789012/courier-dispatch":       false,
		"https://example.com/123456789012/courier-dispatch":                      false,
		"https://sqs.us-east-1.amazonaws.com/courier-dispatch":                   false,
	}
	for input, want := range tests {
		if got := v.ValidateQueueURL(context.Background(), input).Valid; got != want {
			t.Errorf("ValidateQueueURL(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestValidateSendGridKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		status  int
		body    string
		valid   bool
		wantMsg string
	}{
		{name: "mail.send granted", key: "SG.good", status: 200, body: `{"scopes":["mail.send","stats.read"]}`, valid: true},
		{name: "missing scope", key: "SG.readonly", status: 200, body: `{"scopes":["stats.read"]}`, wantMsg: "mail.send"},
		{name: "revoked", key: "SG.bad", status: 401, body: `{}`, wantMsg: "invalid or revoked"},
		{name: "server error", key: "SG.x", status: 503, body: "down", wantMsg: "HTTP 503"},
		{name: "bad prefix", key: "sk_live_x", wantMsg: "'SG.'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAuth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v3/scopes" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				gotAuth = r.Header.Get("Authorization")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			v := NewValidatorWithDeps(srv.Client(), nil)
			v.sendGridBaseURL = srv.URL

			res := v.ValidateSendGridKey(context.Background(), tt.key)
			if res.Valid != tt.valid {
				t.Errorf("Valid = %v (%s)", res.Valid, res.Message)
			}
			if tt.wantMsg != "" && !strings.Contains(res.Message, tt.wantMsg) {
				t.Errorf("message %q should mention %q", res.Message, tt.wantMsg)
			}
			if tt.status != 0 && gotAuth != "Bearer "+tt.key {
				t.Errorf("Authorization = %q", gotAuth)
			}
		})
	}
}

func TestTruncateBody(t *testing.T) {
	if got := truncateBody([]byte("  short "), 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncateBody([]byte("abcdefghij"), 4); got != "abcd..." {
		t.Errorf("got %q", got)
	}
}
