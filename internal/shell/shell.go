// Package shell is an interactive front end to a kvdb.Database. Each line is
// one command; mutations accumulate in a session that is opened on first use
// and ended with commit or rollback.
package shell

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"kvram/internal/checkpoint"
	"kvram/internal/kv"
	"kvram/internal/kvdb"
	"kvram/internal/logging"
)

var logger = logging.For("shell")

// LineReader yields input lines. *term.Terminal satisfies it.
type LineReader interface {
	ReadLine() (string, error)
}

type prompter interface {
	SetPrompt(prompt string)
}

// Options configures a Shell.
type Options struct {
	Account  string
	Database kvdb.DatabaseID
	// Checkpoint saves the database; nil disables the checkpoint command.
	Checkpoint func() (checkpoint.Stats, error)
}

// Shell drives one Database from command lines. It is not safe for
// concurrent use.
type Shell struct {
	db       *kvdb.Database
	opts     Options
	commands *CommandRegistry

	session *kvdb.Session
	ranges  map[kvdb.Handle]*kv.Range
}

// New creates a Shell with the built-in commands registered.
func New(db *kvdb.Database, opts Options) *Shell {
	sh := &Shell{
		db:       db,
		opts:     opts,
		commands: NewCommandRegistry(),
	}
	sh.registerBuiltins()
	sh.commands.Freeze()
	return sh
}

// Exec runs one command line, writing its output to out. It returns true
// when the line asked the shell to exit.
func (sh *Shell) Exec(line string, out io.Writer) bool {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return false
	}
	return sh.commands.Dispatch(line, sh, out)
}

// Run reads lines from in until EOF or quit, then closes the shell.
func (sh *Shell) Run(in LineReader, out io.Writer) error {
	p, _ := in.(prompter)
	for {
		if p != nil {
			p.SetPrompt(sh.prompt())
		}
		line, err := in.ReadLine()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = sh.Close()
			return fmt.Errorf("reading command: %w", err)
		}
		if sh.Exec(line, out) {
			break
		}
	}
	return sh.Close()
}

// Close commits a session left open.
func (sh *Shell) Close() error {
	if sh.session == nil {
		return nil
	}
	logger.Info("committing open session on exit", "session", sh.session.ID().String())
	return sh.end(sh.session.Commit)
}

// Account returns the account new sessions are opened for.
func (sh *Shell) Account() string {
	return sh.opts.Account
}

// Database returns the database commands address.
func (sh *Shell) Database() kvdb.DatabaseID {
	return sh.opts.Database
}

// Session returns the open session, opening one if needed.
func (sh *Shell) Session() (*kvdb.Session, error) {
	if sh.session != nil {
		return sh.session, nil
	}
	s, err := sh.db.Begin(sh.opts.Account)
	if err != nil {
		return nil, err
	}
	sh.session = s
	sh.ranges = make(map[kvdb.Handle]*kv.Range)
	return s, nil
}

// end finishes the open session with fn and forgets its ranges.
func (sh *Shell) end(fn func() error) error {
	err := fn()
	sh.session = nil
	sh.ranges = nil
	return err
}

func (sh *Shell) prompt() string {
	mark := ""
	if sh.session != nil {
		mark = "*"
	}
	return fmt.Sprintf("kvram[%s@%s%s]> ", sh.opts.Account, sh.opts.Database, mark)
}

// StreamReader adapts a plain byte stream to LineReader for non-interactive
// input. Lines have no length limit.
type StreamReader struct {
	r *bufio.Reader
}

// NewStreamReader reads lines from r.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: bufio.NewReader(r)}
}

// ReadLine returns the next line without its terminator, or io.EOF. A final
// line without a newline is still returned.
func (r *StreamReader) ReadLine() (string, error) {
	line, err := r.r.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
