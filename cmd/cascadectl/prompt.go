package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/developingchet/cascade-guard/internal/verification"
)

// maxStepFailures is how many wrong answers a step accepts before the
// workflow is cancelled.
const maxStepFailures = 3

// prompter answers verification steps from a line-oriented terminal.
type prompter struct {
	in       io.Reader
	out      io.Writer
	password string // tried once before prompting

	r *bufio.Reader
}

func (p *prompter) ask(prompt string) (string, error) {
	if p.r == nil {
		p.r = bufio.NewReader(p.in)
	}
	fmt.Fprint(p.out, prompt)
	line, err := p.r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read answer: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// confirm drives wf to approval and returns the issued token value.
func (p *prompter) confirm(ctx context.Context, wf *verification.Workflow) (string, error) {
	req := wf.Request()
	failures := 0
	for {
		st := wf.State()
		switch {
		case st.Phase == verification.PhaseApproved:
			tok, _ := wf.Token()
			fmt.Fprintln(p.out, "verification complete")
			return tok.Value, nil
		case st.Phase.Terminal():
			return "", fmt.Errorf("verification %s", st.Phase)
		}

		var err error
		switch st.Current() {
		case verification.StepPassword:
			pw := p.password
			p.password = ""
			if pw == "" {
				if pw, err = p.ask("Password: "); err != nil {
					break
				}
			}
			err = wf.SubmitPassword(ctx, pw)

		case verification.StepTypedName:
			var typed string
			if typed, err = p.ask(fmt.Sprintf("Type %q to confirm: ", req.DisplayName)); err != nil {
				break
			}
			err = wf.SubmitTypedName(typed)

		case verification.StepImpact:
			var checked []string
			if len(req.ImpactItems) > 0 {
				fmt.Fprintln(p.out, "This deletion also removes:")
			}
			for _, item := range req.ImpactItems {
				var ans string
				if ans, err = p.ask(fmt.Sprintf("  %s [y/N]: ", item)); err != nil {
					break
				}
				if a := strings.ToLower(strings.TrimSpace(ans)); a == "y" || a == "yes" {
					checked = append(checked, item)
				}
			}
			if err == nil {
				err = wf.Acknowledge(checked)
			}

		case verification.StepBiometric:
			fmt.Fprintln(p.out, "Waiting for biometric scan...")
			err = wf.SubmitBiometric(ctx)
		}

		if err == nil {
			failures = 0
			continue
		}
		if errors.Is(err, verification.ErrExpired) || errors.Is(err, verification.ErrCancelled) {
			return "", err
		}
		failures++
		if failures >= maxStepFailures || !isStepRejection(err) {
			_ = wf.Cancel()
			return "", fmt.Errorf("verification abandoned: %w", err)
		}
		fmt.Fprintf(p.out, "%v, try again\n", err)
	}
}

// isStepRejection reports whether err is a wrong answer the user may retry.
func isStepRejection(err error) bool {
	return errors.Is(err, verification.ErrPasswordRejected) ||
		errors.Is(err, verification.ErrNameMismatch) ||
		errors.Is(err, verification.ErrImpactIncomplete) ||
		errors.Is(err, verification.ErrBiometricRejected)
}
