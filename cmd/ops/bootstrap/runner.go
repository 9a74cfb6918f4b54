package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const maxRetries = 5

var errSkipped = errors.New("parameter skipped by operator")

// BootstrapRunner walks the inventory against one environment.
type BootstrapRunner struct {
	SSM       *SSMManager
	Validator *Validator
	Stdin     io.Reader
	Stderr    io.Writer

	inventory []BootstrapStep
	scanner   *bufio.Scanner
}

func NewBootstrapRunner(bctx *BootstrapContext) *BootstrapRunner {
	return &BootstrapRunner{
		SSM:       NewSSMManager(bctx),
		Validator: NewValidator(),
		Stdin:     os.Stdin,
		Stderr:    os.Stderr,
	}
}

type stepResult struct {
	Label  string
	Action string // written, overwritten, skipped
	Path   string
}

// Run processes every step in order and prints a summary.
func (r *BootstrapRunner) Run(ctx context.Context) error {
	inventory := r.inventory
	if inventory == nil {
		inventory = BuildInventory(r.Validator)
	}

	var (
		phase   string
		results []stepResult
	)
	for i, step := range inventory {
		if step.Phase != phase {
			phase = step.Phase
			fmt.Fprintf(r.Stderr, "\n== %s ==\n", phase)
		}
		fmt.Fprintf(r.Stderr, "\n[%d/%d] %s\n", i+1, len(inventory), step.HumanLabel)

		res, err := r.processStep(ctx, step)
		if err != nil {
			return fmt.Errorf("step %q failed: %w", step.HumanLabel, err)
		}
		results = append(results, res)
	}

	r.printSummary(results)
	return nil
}

func (r *BootstrapRunner) processStep(ctx context.Context, step BootstrapStep) (stepResult, error) {
	path := r.SSM.SSMPath(step.SSMCategoryKey)
	res := stepResult{Label: step.HumanLabel, Path: path}

	exists, err := r.SSM.ParameterExists(ctx, path)
	if err != nil {
		return res, err
	}
	if exists {
		fmt.Fprintf(r.Stderr, "  Parameter already exists: %s\n", path)
		overwrite, err := r.askOverwrite()
		if err != nil {
			return res, fmt.Errorf("reading skip/overwrite choice: %w", err)
		}
		if !overwrite {
			fmt.Fprintf(r.Stderr, "  Skipped.\n")
			res.Action = "skipped"
			return res, nil
		}
	}

	value, err := r.promptAndValidate(ctx, step)
	if errors.Is(err, errSkipped) {
		fmt.Fprintf(r.Stderr, "  Skipped.\n")
		res.Action = "skipped"
		return res, nil
	}
	if err != nil {
		return res, err
	}

	if step.ParamType == ParamSecureString {
		err = r.SSM.PutSecret(ctx, path, value, exists)
	} else {
		err = r.SSM.PutString(ctx, path, value)
	}
	if err != nil {
		return res, err
	}

	res.Action = "written"
	if exists {
		res.Action = "overwritten"
	}
	fmt.Fprintf(r.Stderr, "  Stored: %s\n", path)
	return res, nil
}

// promptAndValidate reads a value and retries failed validation up to
// maxRetries times. Empty input skips an optional step; for a required step
// the operator chooses between skipping and retrying.
func (r *BootstrapRunner) promptAndValidate(ctx context.Context, step BootstrapStep) (string, error) {
	fmt.Fprintf(r.Stderr, "\n  %s\n\n", step.Prompt)

	for attempt := 1; attempt <= maxRetries; {
		read := r.readInput
		if step.IsSecret {
			read = r.readSecretInput
		}
		input, err := read("  > ")
		if err != nil {
			return "", fmt.Errorf("reading input for %s: %w", step.HumanLabel, err)
		}
		input = strings.TrimSpace(input)

		if input == "" {
			if step.Optional {
				return "", errSkipped
			}
			skip, err := r.askSkip()
			if err != nil {
				return "", err
			}
			if skip {
				return "", errSkipped
			}
			continue
		}

		if step.IsSecret {
			fmt.Fprintf(r.Stderr, "  Received %d chars.\n", len(input))
		}
		if step.ValidateFn == nil {
			return input, nil
		}
		vr := step.ValidateFn(ctx, input)
		if vr.Valid {
			fmt.Fprintf(r.Stderr, "  Validated: %s\n", vr.Message)
			return input, nil
		}
		fmt.Fprintf(r.Stderr, "  Validation failed: %s\n", vr.Message)
		if attempt < maxRetries {
			fmt.Fprintf(r.Stderr, "  Try again (%d/%d).\n", attempt, maxRetries)
		}
		attempt++
	}
	return "", fmt.Errorf("maximum retries (%d) exceeded for %s", maxRetries, step.HumanLabel)
}

func (r *BootstrapRunner) scanLine() (string, error) {
	if r.scanner == nil {
		r.scanner = bufio.NewScanner(r.Stdin)
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *BootstrapRunner) readInput(prompt string) (string, error) {
	fmt.Fprint(r.Stderr, prompt)
	return r.scanLine()
}

// readSecretInput disables echo on a terminal and falls back to plain line
// reading for piped input.
func (r *BootstrapRunner) readSecretInput(prompt string) (string, error) {
	fmt.Fprint(r.Stderr, prompt)
	if f, ok := r.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(r.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret input: %w", err)
		}
		return string(b), nil
	}
	return r.scanLine()
}

func (r *BootstrapRunner) askOverwrite() (bool, error) {
	return r.choose("  [S]kip or [O]verwrite? ", "o", "overwrite", "s", "skip")
}

func (r *BootstrapRunner) askSkip() (bool, error) {
	return r.choose("  No input received. [S]kip this parameter or [R]etry? ", "s", "skip", "r", "retry")
}

// choose loops until the answer matches yes or no (short or long form).
func (r *BootstrapRunner) choose(prompt, yesShort, yesLong, noShort, noLong string) (bool, error) {
	for {
		fmt.Fprint(r.Stderr, prompt)
		line, err := r.scanLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case yesShort, yesLong:
			return true, nil
		case noShort, noLong:
			return false, nil
		}
		fmt.Fprintf(r.Stderr, "  Please answer %q or %q.\n", strings.ToUpper(yesShort), strings.ToUpper(noShort))
	}
}

func (r *BootstrapRunner) printSummary(results []stepResult) {
	counts := map[string]int{}
	fmt.Fprintf(r.Stderr, "\n== Summary ==\n")
	for _, res := range results {
		counts[res.Action]++
		fmt.Fprintf(r.Stderr, "  %-13s %s\n", "["+strings.ToUpper(res.Action)+"]", res.Label)
	}
	fmt.Fprintf(r.Stderr, "  Written: %d | Overwritten: %d | Skipped: %d\n",
		counts["written"], counts["overwritten"], counts["skipped"])
	fmt.Fprintf(r.Stderr, "\n  Next: set the variables from --print-params on each function.\n\n")
}
