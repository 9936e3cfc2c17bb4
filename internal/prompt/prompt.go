// Package prompt asks the operator yes/no questions during reconciliation.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"

	"github.com/JakeFAU/keyboxer/internal/crawler"
)

// New returns an interactive prompter when in is a terminal and a
// line-oriented one otherwise.
func New(in io.Reader, out io.Writer) crawler.Prompter {
	if f, ok := in.(*os.File); ok && isTerminal(f) {
		return &Form{in: in, out: out}
	}
	return NewLine(in, out)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Line reads one answer per line. Only "y" or "Y" confirms; anything else,
// including end of input, declines. A Line is not safe for concurrent use.
type Line struct {
	reader  *bufio.Reader
	out     io.Writer
	pending chan answer
}

type answer struct {
	line string
	err  error
}

// NewLine builds a Line prompter.
func NewLine(in io.Reader, out io.Writer) *Line {
	if out == nil {
		out = io.Discard
	}
	return &Line{reader: bufio.NewReader(in), out: out}
}

// Confirm writes question and waits for the answer. If ctx ends first the
// read stays blocked on the input; a later Confirm picks up that same read
// rather than starting a second one on the shared reader.
func (l *Line) Confirm(ctx context.Context, question string) (bool, error) {
	if _, err := fmt.Fprint(l.out, question); err != nil {
		return false, fmt.Errorf("write prompt: %w", err)
	}

	if l.pending == nil {
		done := make(chan answer, 1)
		go func() {
			line, err := l.reader.ReadString('\n')
			done <- answer{line: line, err: err}
		}()
		l.pending = done
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-l.pending:
		l.pending = nil
		if a.err != nil && !errors.Is(a.err, io.EOF) {
			return false, fmt.Errorf("read answer: %w", a.err)
		}
		return affirmative(a.line), nil
	}
}

func affirmative(line string) bool {
	return strings.EqualFold(strings.TrimRight(line, "\r\n"), "y")
}

// Form renders the question as a terminal confirm widget.
type Form struct {
	in  io.Reader
	out io.Writer
}

// Confirm runs a single-field form. Aborting the form declines.
func (f *Form) Confirm(ctx context.Context, question string) (bool, error) {
	var ok bool
	field := huh.NewConfirm().
		Title(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(question), "(y/N):"))).
		Affirmative("Delete").
		Negative("Keep").
		Value(&ok)

	form := huh.NewForm(huh.NewGroup(field)).
		WithInput(f.in).
		WithOutput(f.out).
		WithShowHelp(false)
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, fmt.Errorf("confirm form: %w", err)
	}
	return ok, nil
}
