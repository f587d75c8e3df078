// Package term is an interactive line-oriented front end for a dbgapi
// server.
package term

import (
	"bufio"
	"bytes"
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keyCtrlA     = 1
	keyCtrlC     = 3
	keyCtrlD     = 4
	keyCtrlE     = 5
	keyTab       = 9
	keyCtrlU     = 21
	keyEscape    = 27
	keyBackspace = 127

	maxHistory = 100
)

var (
	escRed      = []byte{keyEscape, '[', '3', '1', 'm'}
	escReset    = []byte{keyEscape, '[', '0', 'm'}
	escEraseEOL = []byte{keyEscape, '[', 'K'}
	escDelChar  = []byte{keyEscape, '[', 'P'}

	keyUp     = []byte{keyEscape, '[', 'A'}
	keyDown   = []byte{keyEscape, '[', 'B'}
	keyLeft   = []byte{keyEscape, '[', 'D'}
	keyRight  = []byte{keyEscape, '[', 'C'}
	keyHome   = []byte{keyEscape, '[', 'H'}
	keyEnd    = []byte{keyEscape, '[', 'F'}
	keyDelete = []byte{keyEscape, '[', '3', '~'}

	crlf = []byte{'\r', '\n'}
)

// Term reads commands from a raw-mode terminal and prints their results.
type Term struct {
	rw          io.ReadWriter
	prompt      string
	cmd         *Commands
	r           *bufio.Reader
	history     *list.List
	historyCurr *list.Element

	// line is the input being edited; pos is the cursor's index in it.
	line []rune
	pos  int
}

func New(rw io.ReadWriter, prompt string, c Caller) *Term {
	t := &Term{
		rw:      rw,
		prompt:  prompt,
		r:       bufio.NewReaderSize(rw, 256),
		history: list.New(),
	}
	t.cmd = DebuggerCommands(c, crlfWriter{rw})
	t.historyCurr = t.history.PushBack("") // dummy element
	return t
}

// Run processes initCmd, if any, then reads commands until quit, Ctrl-C,
// Ctrl-D on an empty line or end of input.
func (t *Term) Run(ctx context.Context, initCmd string) error {
	if initCmd != "" {
		if err := t.cmd.Process(ctx, initCmd); err != nil {
			return err
		}
	}
	for ctx.Err() == nil {
		line, err := t.readLine()
		if err == io.EOF {
			t.rw.Write(crlf)
			return nil
		}
		if err != nil {
			t.errorf("Error reading line: %s", err)
			t.r.Reset(t.rw)
			continue
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		if err := t.cmd.Process(ctx, line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			t.errorf("Command failed: %s", err)
		}
	}
	return ctx.Err()
}

func (t *Term) errorf(format string, args ...interface{}) {
	t.rw.Write(escRed)
	fmt.Fprintf(crlfWriter{t.rw}, format, args...)
	t.rw.Write(escReset)
	t.rw.Write(crlf)
}

// crlfWriter expands newlines for a terminal in raw mode.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, crlf)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *Term) readLine() (string, error) {
	if _, err := io.WriteString(t.rw, t.prompt); err != nil {
		return "", err
	}
	t.line = t.line[:0]
	t.pos = 0
	for {
		b, err := t.r.Peek(1)
		if err != nil {
			return "", err
		}
		if b[0] == keyEscape {
			if err := t.handleEscape(); err != nil {
				return "", err
			}
			continue
		}

		r, _, err := t.r.ReadRune()
		if err != nil {
			return "", err
		}
		switch r {
		case keyCtrlC:
			return "", io.EOF
		case keyCtrlD:
			if len(t.line) == 0 {
				return "", io.EOF
			}
		case keyCtrlA:
			err = t.moveCursor(0)
		case keyCtrlE:
			err = t.moveCursor(len(t.line))
		case keyCtrlU:
			t.line = t.line[:0]
			err = t.replaceLine()
		case keyTab:
			err = t.complete()
		case keyBackspace:
			if t.pos == 0 {
				err = t.doBeep()
			} else if err = t.moveCursor(t.pos - 1); err == nil {
				err = t.eraseChar()
			}
		case '\r':
		case '\n':
			if _, err := t.rw.Write(crlf); err != nil {
				return "", err
			}
			line := string(t.line)
			t.appendHistory(line)
			return line, nil
		default:
			err = t.insert([]rune{r})
		}
		if err != nil {
			return "", err
		}
	}
}

func (t *Term) handleEscape() error {
	var seq []byte
	for {
		c, err := t.r.ReadByte()
		if err != nil {
			return err
		}
		seq = append(seq, c)
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '~' {
			break
		}
	}

	switch {
	case bytes.Equal(seq, keyUp):
		if t.historyCurr == t.history.Front() {
			return t.doBeep()
		}
		t.historyCurr = t.historyCurr.Prev()
	case bytes.Equal(seq, keyDown):
		if t.historyCurr == t.history.Back() {
			return t.doBeep()
		}
		t.historyCurr = t.historyCurr.Next()
	case bytes.Equal(seq, keyLeft):
		return t.moveCursor(t.pos - 1)
	case bytes.Equal(seq, keyRight):
		return t.moveCursor(t.pos + 1)
	case bytes.Equal(seq, keyHome):
		return t.moveCursor(0)
	case bytes.Equal(seq, keyEnd):
		return t.moveCursor(len(t.line))
	case bytes.Equal(seq, keyDelete):
		return t.eraseChar()
	default:
		return t.doBeep()
	}
	t.line = append(t.line[:0], []rune(t.historyCurr.Value.(string))...)
	return t.replaceLine()
}

func (t *Term) appendHistory(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	t.history.InsertBefore(line, t.history.Back())
	t.historyCurr = t.history.Back()
	if t.history.Len() > maxHistory {
		t.history.Remove(t.history.Front())
	}
}

// insert puts rs at the cursor and redraws the rest of the line.
func (t *Term) insert(rs []rune) error {
	tail := append(append([]rune{}, rs...), t.line[t.pos:]...)
	t.line = append(t.line[:t.pos], tail...)
	if _, err := io.WriteString(t.rw, string(tail)); err != nil {
		return err
	}
	t.pos += len(tail)
	return t.moveCursor(t.pos - len(tail) + len(rs))
}

// complete extends a partial command name when it has one match.
func (t *Term) complete() error {
	prefix := string(t.line)
	if t.pos != len(t.line) || strings.ContainsRune(prefix, ' ') {
		return t.doBeep()
	}
	matches := t.cmd.complete(prefix)
	if len(matches) != 1 {
		return t.doBeep()
	}
	return t.insert([]rune(matches[0][len(prefix):] + " "))
}

// replaceLine redraws the whole line with the cursor at its end.
func (t *Term) replaceLine() error {
	if err := t.moveCursor(0); err != nil {
		return err
	}
	if _, err := t.rw.Write(escEraseEOL); err != nil {
		return err
	}
	if _, err := io.WriteString(t.rw, string(t.line)); err != nil {
		return err
	}
	t.pos = len(t.line)
	return nil
}

func (t *Term) moveCursor(pos int) error {
	if pos < 0 {
		pos = 0
	}
	if pos > len(t.line) {
		pos = len(t.line)
	}
	diff := pos - t.pos
	if diff == 0 {
		return nil
	}

	var err error
	if diff < 0 {
		_, err = fmt.Fprintf(t.rw, "\x1b[%dD", -diff)
	} else {
		_, err = fmt.Fprintf(t.rw, "\x1b[%dC", diff)
	}
	if err == nil {
		t.pos = pos
	}
	return err
}

// eraseChar deletes the character under the cursor.
func (t *Term) eraseChar() error {
	if t.pos == len(t.line) {
		return nil
	}
	if _, err := t.rw.Write(escDelChar); err != nil {
		return err
	}
	t.line = append(t.line[:t.pos], t.line[t.pos+1:]...)
	return nil
}

func (t *Term) doBeep() error {
	_, err := t.rw.Write([]byte{'\a'})
	return err
}
