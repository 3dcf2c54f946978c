package shell

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"kvram/internal/kv"
	"kvram/internal/kvdb"
)

var errNoSession = errors.New("no open session")

// registerBuiltins registers the store commands.
func (sh *Shell) registerBuiltins() {
	r := sh.commands

	r.Register("get", Command{
		Usage:   "get <key>",
		Help:    "print the value at key",
		MinArgs: 1,
		Handler: withSession(func(ctx CommandContext, s *kvdb.Session) error {
			key, err := parseBytes(ctx.Args[0])
			if err != nil {
				return err
			}
			v, ok, err := s.Get(ctx.Shell.Database(), key)
			if err != nil {
				return err
			}
			if !ok {
				_, _ = fmt.Fprintln(ctx.Out, "(absent)")
				return nil
			}
			_, _ = fmt.Fprintln(ctx.Out, formatBytes(v))
			return nil
		}),
	})

	r.Register("set", Command{
		Usage:   "set <key> <value>",
		Help:    "create or overwrite key",
		MinArgs: 2,
		Handler: withSession(func(ctx CommandContext, s *kvdb.Session) error {
			key, err := parseBytes(ctx.Args[0])
			if err != nil {
				return err
			}
			value, err := parseBytes(ctx.Args[1])
			if err != nil {
				return err
			}
			return s.Set(ctx.Shell.Database(), key, value)
		}),
	})

	r.Register("erase", Command{
		Usage:   "erase <key>",
		Help:    "remove key",
		MinArgs: 1,
		Handler: withSession(func(ctx CommandContext, s *kvdb.Session) error {
			key, err := parseBytes(ctx.Args[0])
			if err != nil {
				return err
			}
			return s.Erase(ctx.Shell.Database(), key)
		}),
	})

	r.Register("setmany", Command{
		Usage:   "setmany <key>=<value>...",
		Help:    "set several keys; nothing is written if one fails",
		MinArgs: 1,
		Handler: withSession(func(ctx CommandContext, s *kvdb.Session) error {
			entries := make([]kv.Entry, 0, len(ctx.Args))
			for _, arg := range ctx.Args {
				k, v, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("expected key=value, got %q", arg)
				}
				key, err := parseBytes(k)
				if err != nil {
					return err
				}
				value, err := parseBytes(v)
				if err != nil {
					return err
				}
				entries = append(entries, kv.Entry{Key: key, Value: value})
			}
			return s.SetMany(ctx.Shell.Database(), entries)
		}),
	})

	scan := func(reverse bool) CommandHandler {
		return withSession(func(ctx CommandContext, s *kvdb.Session) error {
			prefix, err := parseBytes(ctx.Args[0])
			if err != nil {
				return err
			}
			var lower []byte
			if len(ctx.Args) > 1 && ctx.Args[1] != "-" {
				if lower, err = parseBytes(ctx.Args[1]); err != nil {
					return err
				}
			}
			limit := -1
			if len(ctx.Args) > 2 {
				if limit, err = strconv.Atoi(ctx.Args[2]); err != nil || limit < 0 {
					return fmt.Errorf("bad limit %q", ctx.Args[2])
				}
			}

			var (
				h   kvdb.Handle
				rng *kv.Range
			)
			if reverse {
				h, rng, err = s.ScanRev(ctx.Shell.Database(), prefix, lower)
			} else {
				h, rng, err = s.Scan(ctx.Shell.Database(), prefix, lower)
			}
			if err != nil {
				return err
			}
			ctx.Shell.ranges[h] = rng
			_, _ = fmt.Fprintf(ctx.Out, "cursor %d\n", h)
			return drain(ctx.Out, rng, limit)
		})
	}
	r.Register("scan", Command{
		Usage:   "scan <prefix> [lower|-] [limit]",
		Help:    "list keys with prefix in ascending order",
		MinArgs: 1,
		Handler: scan(false),
	})
	r.Register("scanrev", Command{
		Usage:   "scanrev <prefix> [lower|-] [limit]",
		Help:    "list keys with prefix in descending order",
		MinArgs: 1,
		Handler: scan(true),
	})

	r.Register("next", Command{
		Usage:   "next <cursor> [count]",
		Help:    "continue a scan",
		MinArgs: 1,
		Handler: withRange(func(ctx CommandContext, _ kvdb.Handle, rng *kv.Range) error {
			count := 1
			if len(ctx.Args) > 1 {
				n, err := strconv.Atoi(ctx.Args[1])
				if err != nil || n < 1 {
					return fmt.Errorf("bad count %q", ctx.Args[1])
				}
				count = n
			}
			return drain(ctx.Out, rng, count)
		}),
	})

	r.Register("prev", Command{
		Usage:   "prev <cursor>",
		Help:    "step a cursor backwards",
		MinArgs: 1,
		Handler: withRange(func(ctx CommandContext, _ kvdb.Handle, rng *kv.Range) error {
			if _, err := rng.Cursor().Prev(); err != nil {
				return err
			}
			return printPosition(ctx.Out, rng.Cursor())
		}),
	})

	r.Register("cursor", Command{
		Usage:   "cursor <cursor>",
		Help:    "print the entry under a cursor",
		MinArgs: 1,
		Handler: withRange(func(ctx CommandContext, _ kvdb.Handle, rng *kv.Range) error {
			return printPosition(ctx.Out, rng.Cursor())
		}),
	})

	r.Register("status", Command{
		Usage:   "status <cursor>",
		Help:    "check that a cursor is still valid",
		MinArgs: 1,
		Handler: withRange(func(ctx CommandContext, h kvdb.Handle, _ *kv.Range) error {
			s := ctx.Shell.session
			if err := s.CheckCursor(h); err != nil {
				return err
			}
			st, err := s.CursorStatus(h)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(ctx.Out, st)
			return nil
		}),
	})

	r.Register("close", Command{
		Usage:   "close <cursor>",
		Help:    "release a cursor",
		MinArgs: 1,
		Handler: withRange(func(ctx CommandContext, h kvdb.Handle, _ *kv.Range) error {
			delete(ctx.Shell.ranges, h)
			return ctx.Shell.session.CloseCursor(h)
		}),
	})

	r.Register("usage", Command{
		Help: "print bytes billed to the account",
		Handler: func(ctx CommandContext) bool {
			sh := ctx.Shell
			_, _ = fmt.Fprintf(ctx.Out, "%s/%s %d\n", sh.Database(), sh.Account(), sh.db.Usage(sh.Database(), sh.Account()))
			return false
		},
	})

	r.Register("account", Command{
		Usage: "account [name]",
		Help:  "print or switch the account",
		Handler: func(ctx CommandContext) bool {
			sh := ctx.Shell
			if len(ctx.Args) == 0 {
				_, _ = fmt.Fprintln(ctx.Out, sh.Account())
				return false
			}
			if sh.session != nil {
				printError(ctx.Out, kvdb.ErrSessionActive)
				return false
			}
			sh.opts.Account = ctx.Args[0]
			return false
		},
	})

	r.Register("db", Command{
		Usage: "db [id]",
		Help:  "print or switch the database",
		Handler: func(ctx CommandContext) bool {
			sh := ctx.Shell
			if len(ctx.Args) == 0 {
				_, _ = fmt.Fprintln(ctx.Out, sh.Database())
				return false
			}
			// Unsupported ids are accepted here and rejected per call.
			sh.opts.Database = kvdb.DatabaseID(ctx.Args[0])
			return false
		},
	})

	r.Register("commit", Command{
		Help: "keep the session's changes",
		Handler: func(ctx CommandContext) bool {
			endSession(ctx, "committed", (*kvdb.Session).Commit)
			return false
		},
	})

	r.Register("rollback", Command{
		Help: "undo the session's changes",
		Handler: func(ctx CommandContext) bool {
			endSession(ctx, "rolled back", (*kvdb.Session).Rollback)
			return false
		},
	})

	r.Register("checkpoint", Command{
		Help: "save committed state to the checkpoint file",
		Handler: func(ctx CommandContext) bool {
			sh := ctx.Shell
			if sh.opts.Checkpoint == nil {
				_, _ = fmt.Fprintln(ctx.Out, "checkpointing is disabled")
				return false
			}
			stats, err := sh.opts.Checkpoint()
			if err != nil {
				printError(ctx.Out, err)
				return false
			}
			_, _ = fmt.Fprintf(ctx.Out, "saved %d scopes, %d entries\n", stats.Scopes, stats.Entries)
			return false
		},
	})

	r.Register("help", Command{
		Help: "show this help",
		Handler: func(ctx CommandContext) bool {
			_, _ = fmt.Fprint(ctx.Out, r.HelpText())
			return false
		},
	})

	r.Register("quit", Command{
		Help: "commit any open session and exit",
		Handler: func(ctx CommandContext) bool {
			return true
		},
	})
}

// withSession adapts a handler that needs the open session, opening one if
// necessary. Errors are printed; they never end the shell.
func withSession(fn func(ctx CommandContext, s *kvdb.Session) error) CommandHandler {
	return func(ctx CommandContext) bool {
		s, err := ctx.Shell.Session()
		if err == nil {
			err = fn(ctx, s)
		}
		if err != nil {
			printError(ctx.Out, err)
		}
		return false
	}
}

// withRange adapts a handler addressing a cursor by its handle in Args[0].
func withRange(fn func(ctx CommandContext, h kvdb.Handle, rng *kv.Range) error) CommandHandler {
	return func(ctx CommandContext) bool {
		err := func() error {
			if ctx.Shell.session == nil {
				return errNoSession
			}
			n, err := strconv.ParseUint(ctx.Args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("bad cursor %q", ctx.Args[0])
			}
			h := kvdb.Handle(n)
			rng, ok := ctx.Shell.ranges[h]
			if !ok {
				return kvdb.ErrBadIterator
			}
			return fn(ctx, h, rng)
		}()
		if err != nil {
			printError(ctx.Out, err)
		}
		return false
	}
}

func endSession(ctx CommandContext, verb string, fn func(*kvdb.Session) error) {
	sh := ctx.Shell
	if sh.session == nil {
		printError(ctx.Out, errNoSession)
		return
	}
	s := sh.session
	if err := sh.end(func() error { return fn(s) }); err != nil {
		printError(ctx.Out, err)
		return
	}
	_, _ = fmt.Fprintln(ctx.Out, verb)
}

// drain prints up to limit entries of rng (all of them when limit < 0).
func drain(out io.Writer, rng *kv.Range, limit int) error {
	for i := 0; limit < 0 || i < limit; i++ {
		e, ok, err := rng.Next()
		if err != nil {
			return err
		}
		if !ok {
			_, _ = fmt.Fprintln(out, "(end)")
			return nil
		}
		_, _ = fmt.Fprintf(out, "%s = %s\n", formatBytes(e.Key), formatBytes(e.Value))
	}
	return nil
}

func printPosition(out io.Writer, c *kv.Cursor) error {
	e, err := c.Entry()
	if errors.Is(err, kv.ErrNoCurrentElement) {
		_, _ = fmt.Fprintf(out, "(%s)\n", c.Status())
		return nil
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%s = %s\n", formatBytes(e.Key), formatBytes(e.Value))
	return nil
}

func printError(out io.Writer, err error) {
	_, _ = fmt.Fprintf(out, "error: %v\n", err)
}

// parseBytes decodes a hex argument; "" denotes the empty string.
func parseBytes(arg string) ([]byte, error) {
	if arg == `""` {
		return []byte{}, nil
	}
	b, err := hex.DecodeString(arg)
	if err != nil {
		return nil, fmt.Errorf("bad hex %q: %w", arg, err)
	}
	return b, nil
}

func formatBytes(b []byte) string {
	if len(b) == 0 {
		return `""`
	}
	return hex.EncodeToString(b)
}
