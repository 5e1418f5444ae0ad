// Package termpass reads a password from the controlling terminal
// with echo disabled, restoring the terminal's prior mode on every
// exit path (§9: "scoped acquisition of the terminal mode with
// guaranteed restoration").
package termpass

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"transproxify/internal/errs"
)

// Prompt writes label to stderr, reads a line from the terminal with
// echo suppressed, and returns it. Fails with ConfigError if stdin is
// not a terminal or the read itself fails.
func Prompt(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errs.NewConfigError("stdin is not a terminal; cannot prompt for a password", nil)
	}

	fmt.Fprint(os.Stderr, label)
	state, err := term.GetState(fd)
	if err != nil {
		return "", errs.NewConfigError("save terminal state", err)
	}
	defer func() { _ = term.Restore(fd, state) }()

	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", errs.NewConfigError("read password", err)
	}
	return string(b), nil
}
