package app

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/botcall/internal/voice"
)

// printer renders controller views as terminal lines: state changes,
// finalized transcript entries, tool activity and errors.
type printer struct {
	mu  sync.Mutex
	w   io.Writer
	eol string

	state   voice.State
	seen    map[string]bool
	tool    string
	lastErr string
}

// newPrinter returns a printer writing to w. In raw terminal mode lines need
// an explicit carriage return.
func newPrinter(w io.Writer, raw bool) *printer {
	eol := "\n"
	if raw {
		eol = "\r\n"
	}
	return &printer{w: w, eol: eol, seen: make(map[string]bool)}
}

// run prints views until ctx is done. It returns the session error once the
// call has ended because of it.
func (p *printer) run(ctx context.Context, views <-chan voice.View) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-views:
			if !ok {
				return nil
			}
			if err := p.render(v); err != nil {
				return err
			}
		}
	}
}

// render prints what changed since the previous view.
func (p *printer) render(v voice.View) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.State != p.state {
		p.state = v.State
		p.linef("* %s", v.State)
	}

	if len(v.Transcripts) < len(p.seen) {
		clear(p.seen)
	}
	for _, e := range v.Transcripts {
		if p.seen[e.ID] {
			continue
		}
		p.seen[e.ID] = true
		p.linef("[%s] %s", e.Role, e.Text)
	}

	tool := ""
	if tc, ok := v.LatestToolCall(); ok {
		tool = tc.Tool
	}
	if tool != "" && tool != p.tool {
		p.linef("  using %s...", tool)
	}
	p.tool = tool

	errText := ""
	if v.Error != nil {
		errText = v.Error.Error()
	}
	if errText != "" && errText != p.lastErr {
		p.linef("! %s", errText)
	}
	p.lastErr = errText

	if v.State == voice.StateDisconnected && v.Error != nil && v.Error.Fatal {
		return v.Error
	}
	return nil
}

// notice prints a one-off message such as a toggled setting.
func (p *printer) notice(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linef(format, args...)
}

func (p *printer) linef(format string, args ...any) {
	fmt.Fprintf(p.w, format+p.eol, args...)
}
