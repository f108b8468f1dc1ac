package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
)

var Default = New(os.Stderr, true)

var (
	bold    = color.New(color.Bold)
	boldred = color.New(color.Bold, color.FgRed)
)

var levels = [...]string{
	log.DebugLevel: "DEBUG",
	log.InfoLevel:  " INFO",
	log.WarnLevel:  " WARN",
	log.ErrorLevel: "ERROR",
	log.FatalLevel: "FATAL",
}

// Handler writes human readable log lines to a terminal, with an attached
// error field expanded into a full stacktrace underneath the line that
// carried it.
type Handler struct {
	mu     sync.Mutex
	Writer io.Writer
}

// New returns a handler writing to w. Color output is only wired up when w
// is a real terminal file and the caller asked for it.
func New(w io.Writer, useColors bool) *Handler {
	if f, ok := w.(*os.File); ok && useColors {
		return &Handler{Writer: colorable.NewColorable(f)}
	}
	return &Handler{Writer: colorable.NewNonColorable(w)}
}

// HandleLog implements log.Handler.
func (h *Handler) HandleLog(e *log.Entry) error {
	c := cli.Colors[e.Level]

	h.mu.Lock()
	defer h.mu.Unlock()

	c.Fprintf(h.Writer, "%s: [%s] %-25s", bold.Sprint(levels[e.Level]), time.Now().Format(time.StampMilli), e.Message)
	for _, name := range e.Fields.Names() {
		fmt.Fprintf(h.Writer, " %s=%v", c.Sprint(name), e.Fields.Get(name))
	}
	fmt.Fprintln(h.Writer)

	// An error field also gets its stacktrace dumped below the line, the
	// chain that produced it should never be lost to a one line summary.
	if err, ok := e.Fields.Get("error").(error); ok {
		// Attach the stacktrace if it is missing at this point, but don't
		// point it specifically to this line since that is irrelevant.
		err = errors.WithStackDepthIf(err, 1)
		fmt.Fprintf(h.Writer, "\n%s\n%+v\n\n", boldred.Sprintf("Stacktrace:"), err)
	}

	return nil
}
