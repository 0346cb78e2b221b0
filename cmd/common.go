package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/term"

	"github.com/alantheprice/commentgen/pkg/changetracker"
	"github.com/alantheprice/commentgen/pkg/configuration"
	"github.com/alantheprice/commentgen/pkg/events"
	"github.com/alantheprice/commentgen/pkg/gateway"
	"github.com/alantheprice/commentgen/pkg/session"
	"github.com/alantheprice/commentgen/pkg/utils"
)

// newGenerator builds the generation backend; tests replace it.
var newGenerator = gateway.NewFromConfig

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// colorEnabled reports whether w is a terminal that should get ANSI colors.
func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// sessionFactory returns a constructor for sessions sharing one generator.
func sessionFactory(cfg *configuration.Config, gen gateway.Generator) func(events.Notifier) (*session.Session, error) {
	return func(n events.Notifier) (*session.Session, error) {
		return session.New(cfg, gen, n, session.WithLogger(utils.GetLogger()))
	}
}

// noticePrinter writes notices as single lines.
type noticePrinter struct {
	mu     sync.Mutex
	w      io.Writer
	color  bool
	errors atomic.Int32
}

func newNoticePrinter(w io.Writer) *noticePrinter {
	return &noticePrinter{w: w, color: colorEnabled(w)}
}

func (p *noticePrinter) Notify(n events.Notice) {
	p.print("", n)
}

// forFile returns a notifier that prefixes every line with name.
func (p *noticePrinter) forFile(name string) events.Notifier {
	return events.NotifierFunc(func(n events.Notice) { p.print(name, n) })
}

func (p *noticePrinter) print(prefix string, n events.Notice) {
	if n.Level == events.LevelError {
		p.errors.Add(1)
	}
	line := n.String()
	if p.color {
		switch n.Level {
		case events.LevelError:
			line = changetracker.RedColor + line + changetracker.ResetColor
		case events.LevelWarn:
			line = changetracker.YellowColor + line + changetracker.ResetColor
		}
	}
	if prefix != "" {
		line = prefix + ": " + line
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

// printf writes a line under the same lock as notices.
func (p *noticePrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}
