package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ExportEnvConfig controls ExportEnvFile.
type ExportEnvConfig struct {
	OutputPath string
	SSM        *SSMManager
	Inventory  []BootstrapStep
	Stderr     io.Writer
	// IncludeLocalDefaults appends settings that make the file runnable
	// against a local stack.
	IncludeLocalDefaults bool
}

// localDefaults run the daemon locally with the stub provider.
var localDefaults = [][2]string{
	{"APP_ENV", "local"},
	{"APP_BASE_URL", "http://localhost:3000"},
	{"EMAIL_PROVIDER", "stub"},
	{"DEDUP_BACKEND", "postgres"},
	{"DB_AUTO_MIGRATE", "true"},
	{"METRICS_BACKEND", "prometheus"},
	{"LOG_LEVEL", "debug"},
}

// ExportEnvFile reads each inventory parameter back from SSM and writes a
// .env file with 0600 permissions. Parameters that do not exist are left out
// with a comment. The file is written to a temp path and renamed so a failed
// export never leaves a partial file behind.
func ExportEnvFile(ctx context.Context, cfg ExportEnvConfig) error {
	if cfg.SSM == nil {
		return errors.New("export: SSM manager is required")
	}
	if cfg.OutputPath == "" {
		return errors.New("export: output path is required")
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Generated by courier bootstrap from %s\n", ssmPrefix(cfg.SSM.env))
	fmt.Fprintf(&b, "# Contains secrets. Do not commit.\n\n")

	exported := 0
	for _, step := range cfg.Inventory {
		path := cfg.SSM.SSMPath(step.SSMCategoryKey)
		value, err := cfg.SSM.GetParameterValue(ctx, path, step.ParamType == ParamSecureString)
		if err != nil {
			var notFound *ssmtypes.ParameterNotFound
			if errors.As(err, &notFound) {
				fmt.Fprintf(&b, "# %s not set (%s)\n", step.EnvVar, path)
				fmt.Fprintf(stderr, "  missing: %s\n", path)
				continue
			}
			return err
		}
		fmt.Fprintf(&b, "%s=%s\n", step.EnvVar, quoteEnvValue(value))
		exported++
	}

	if cfg.IncludeLocalDefaults {
		b.WriteString("\n# Local development defaults\n")
		for _, kv := range localDefaults {
			fmt.Fprintf(&b, "%s=%s\n", kv[0], kv[1])
		}
	}

	dir := filepath.Dir(cfg.OutputPath)
	tmp, err := os.CreateTemp(dir, ".env.tmp-*")
	if err != nil {
		return fmt.Errorf("export: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("export: chmod: %w", err)
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("export: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("export: close: %w", err)
	}
	if err := os.Rename(tmpName, cfg.OutputPath); err != nil {
		return fmt.Errorf("export: rename: %w", err)
	}

	fmt.Fprintf(stderr, "  exported %d of %d parameters to %s\n", exported, len(cfg.Inventory), cfg.OutputPath)
	return nil
}

// quoteEnvValue double-quotes values godotenv would otherwise split or
// expand.
func quoteEnvValue(v string) string {
	if !strings.ContainsAny(v, " #\"'$\\\n") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "$", `\$`)
	return `"` + r.Replace(v) + `"`
}
