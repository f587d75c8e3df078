package term

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

const Prompt = "(dbgapi) "

var ErrNotTerminal = errors.New("stdin and stdout must be terminals")

// Run puts the controlling terminal in raw mode and runs an interactive
// session against c until the user quits.
func Run(ctx context.Context, c Caller, initCmd string) error {
	in, out := int(os.Stdin.Fd()), int(os.Stdout.Fd())
	if !term.IsTerminal(in) || !term.IsTerminal(out) {
		return ErrNotTerminal
	}

	st, err := term.MakeRaw(in)
	if err != nil {
		return fmt.Errorf("failed to get terminal mode: %w", err)
	}
	defer term.Restore(in, st)

	screen := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	return New(screen, Prompt, c).Run(ctx, initCmd)
}
