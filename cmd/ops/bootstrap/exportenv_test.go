package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joho/godotenv"
)

func TestExportEnvFile_RoundTripsThroughGodotenv(t *testing.T) {
	f := newFakeSSM(map[string]string{
		"/dev/courier/database/url": "postgres://u:p@db:5432/courier?sslmode=require",
	})
	f.params["/dev/courier/email/from_address"] = storedParam{value: "Ops Team <ops@example.com>", typ: "String"}

	out := filepath.Join(t.TempDir(), ".env")
	stderr := &bytes.Buffer{}
	err := ExportEnvFile(context.Background(), ExportEnvConfig{
		OutputPath:           out,
		SSM:                  newTestManager(f),
		Inventory:            twoSteps(),
		Stderr:               stderr,
		IncludeLocalDefaults: true,
	})
	if err != nil {
		t.Fatalf("ExportEnvFile: %v", err)
	}

	env, err := godotenv.Read(out)
	if err != nil {
		t.Fatalf("godotenv.Read: %v", err)
	}
	if env["DATABASE_URL"] != "postgres://u:p@db:5432/courier?sslmode=require" {
		t.Errorf("DATABASE_URL = %q", env["DATABASE_URL"])
	}
	if env["EMAIL_FROM_ADDRESS"] != "Ops Team <ops@example.com>" {
		t.Errorf("EMAIL_FROM_ADDRESS = %q", env["EMAIL_FROM_ADDRESS"])
	}
	if env["APP_ENV"] != "local" || env["EMAIL_PROVIDER"] != "stub" {
		t.Errorf("local defaults missing: %v", env)
	}
	if f.decrypts != 1 {
		t.Errorf("only the SecureString should be decrypted, got %d", f.decrypts)
	}

	info, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
}

func TestExportEnvFile_MissingParameterIsCommented(t *testing.T) {
	f := newFakeSSM(map[string]string{"/dev/courier/database/url": "postgres://x"})
	out := filepath.Join(t.TempDir(), ".env")

	err := ExportEnvFile(context.Background(), ExportEnvConfig{
		OutputPath: out,
		SSM:        newTestManager(f),
		Inventory:  twoSteps(),
	})
	if err != nil {
		t.Fatalf("ExportEnvFile: %v", err)
	}

	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "# EMAIL_FROM_ADDRESS not set (/dev/courier/email/from_address)") {
		t.Errorf("missing parameter comment:\n%s", b)
	}
	if strings.Contains(string(b), "APP_ENV=") {
		t.Error("local defaults should only be written on request")
	}
}

func TestExportEnvFile_FailureLeavesNoFile(t *testing.T) {
	f := newFakeSSM(nil)
	f.getErr = errors.New("AccessDenied")
	dir := t.TempDir()
	out := filepath.Join(dir, ".env")

	err := ExportEnvFile(context.Background(), ExportEnvConfig{OutputPath: out, SSM: newTestManager(f), Inventory: twoSteps()})
	if err == nil {
		t.Fatal("expected error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("no file should be left behind, found %d", len(entries))
	}
}

func TestQuoteEnvValue(t *testing.T) {
	tests := map[string]string{
		"plain":      "plain",
		"has space":  `"has space"`,
		`q"uote`:     `"q\"uote"`,
		"pa$$":       `"pa\$\$"`,
		"line\nnext": `"line\nnext"`,
	}
	for in, want := range tests {
		if got := quoteEnvValue(in); got != want {
			t.Errorf("quoteEnvValue(%q) = %q, want %q", in, got, want)
		}
	}
}
