// Package cli provides terminal prompts for the setup wizard and the token
// command.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In. When In is
// exhausted every question resolves to its default.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	r   *bufio.Reader
	eof bool
}

// DefaultPrompter returns a Prompter on stdin and stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) printf(format string, a ...any) {
	_, _ = fmt.Fprintf(p.Out, format, a...)
}

// line reads one trimmed answer.
func (p *Prompter) line() string {
	if p.eof {
		return ""
	}
	if p.r == nil {
		p.r = bufio.NewReader(p.In)
	}
	s, err := p.r.ReadString('\n')
	if errors.Is(err, io.EOF) {
		p.eof = true
	}
	return strings.TrimSpace(s)
}

// AskValid repeats question until valid accepts the answer. An empty answer
// selects def, which is not validated.
func (p *Prompter) AskValid(question, def string, valid func(string) error) string {
	for {
		if def != "" {
			p.printf("%s [%s]: ", question, def)
		} else {
			p.printf("%s: ", question)
		}
		ans := p.line()
		if ans == "" {
			return def
		}
		if valid == nil {
			return ans
		}
		if err := valid(ans); err != nil {
			p.printf("  %v\n", err)
			if p.eof {
				return def
			}
			continue
		}
		return ans
	}
}

// Ask returns the answer to question, or def for an empty answer.
func (p *Prompter) Ask(question, def string) string {
	return p.AskValid(question, def, nil)
}

// AskSecret reads an answer without echo when In is a terminal.
func (p *Prompter) AskSecret(question string) string {
	p.printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

// AskInt asks for a positive integer.
func (p *Prompter) AskInt(question string, def int) int {
	ans := p.AskValid(question, strconv.Itoa(def), func(s string) error {
		if n, err := strconv.Atoi(s); err != nil || n <= 0 {
			return errors.New("please enter a positive number")
		}
		return nil
	})
	n, _ := strconv.Atoi(ans)
	return n
}

// AskDuration asks for a Go duration such as "720h" or "30m".
func (p *Prompter) AskDuration(question string, def time.Duration) time.Duration {
	ans := p.AskValid(question, def.String(), func(s string) error {
		if d, err := time.ParseDuration(s); err != nil || d <= 0 {
			return errors.New("please enter a duration like 24h or 90m")
		}
		return nil
	})
	d, _ := time.ParseDuration(ans)
	return d
}

// Choose lists options and returns the selected one.
func (p *Prompter) Choose(question string, options []string, def int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		mark := " "
		if i == def {
			mark = "*"
		}
		p.printf(" %s %d) %s\n", mark, i+1, opt)
	}
	ans := p.AskValid("Choice", strconv.Itoa(def+1), func(s string) error {
		if n, err := strconv.Atoi(s); err != nil || n < 1 || n > len(options) {
			return fmt.Errorf("please enter a number between 1 and %d", len(options))
		}
		return nil
	})
	n, _ := strconv.Atoi(ans)
	return options[n-1]
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defYes bool) bool {
	hint := "y/N"
	if defYes {
		hint = "Y/n"
	}
	switch strings.ToLower(p.Ask(question+" ("+hint+")", "")) {
	case "":
		return defYes
	case "y", "yes":
		return true
	default:
		return false
	}
}
