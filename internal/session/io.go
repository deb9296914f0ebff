package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// TerminalIO implements workflow.UserIO over a line-oriented reader/writer
// pair, the plain-text contract of the driver's I/O surface.
type TerminalIO struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalIO creates terminal-style user I/O.
func NewTerminalIO(in io.Reader, out io.Writer) *TerminalIO {
	return &TerminalIO{in: bufio.NewReader(in), out: out}
}

func (t *TerminalIO) SelectDataset(ctx context.Context, datasets []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprintf(t.out, "Select a dataset (1-%d or name): ", len(datasets))
	return t.readLine()
}

func (t *TerminalIO) AskTask(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(t.out, "What would you like to analyze? ")
	return t.readLine()
}

func (t *TerminalIO) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(t.out, text)
	return err
}

func (t *TerminalIO) readLine() (string, error) {
	line, err := t.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
