// Package prompt reads first-run answers from a terminal.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

type Prompter interface {
	Line(label string) (string, error)
	Password(label string) (string, error)
	Choose(label string, options []string) (int, error)
}

type Terminal struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
	tty bool
}

func New(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{in: bufio.NewReader(in), out: out, fd: -1}
	if f, ok := in.(*os.File); ok {
		t.fd = int(f.Fd())
		t.tty = term.IsTerminal(t.fd)
	}
	return t
}

func (t *Terminal) Line(label string) (string, error) {
	for {
		_, _ = fmt.Fprintf(t.out, "%s: ", label)
		line, err := t.readLine()
		if err != nil {
			return "", err
		}
		if line != "" {
			return line, nil
		}
	}
}

// Password hides input when reading from a terminal.
func (t *Terminal) Password(label string) (string, error) {
	if !t.tty {
		return t.Line(label)
	}
	for {
		_, _ = fmt.Fprintf(t.out, "%s: ", label)
		raw, err := term.ReadPassword(t.fd)
		_, _ = fmt.Fprintln(t.out)
		if err != nil {
			return "", err
		}
		if value := strings.TrimSpace(string(raw)); value != "" {
			return value, nil
		}
	}
}

// Choose lists options numbered from 1 and returns the zero-based index picked.
func (t *Terminal) Choose(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, errors.New("prompt: no options to choose from")
	}
	for {
		_, _ = fmt.Fprintln(t.out, label)
		for i, option := range options {
			_, _ = fmt.Fprintf(t.out, "  %d) %s\n", i+1, option)
		}
		_, _ = fmt.Fprintf(t.out, "Select 1-%d: ", len(options))
		line, err := t.readLine()
		if err != nil {
			return -1, err
		}
		n, err := strconv.Atoi(line)
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		_, _ = fmt.Fprintf(t.out, "%q is not a valid choice\n", line)
	}
}

func (t *Terminal) readLine() (string, error) {
	line, err := t.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
