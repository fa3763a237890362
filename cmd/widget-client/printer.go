package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/omochice/chatwidget/internal/chat"
	"github.com/omochice/chatwidget/internal/session"
)

// printer writes assistant messages to a terminal as they are revealed.
// The visitor's own lines are already on screen, so only replies and
// notices are printed.
type printer struct {
	out       io.Writer
	assistant *color.Color
	notice    *color.Color
	dim       *color.Color

	mu         sync.Mutex
	next       int  // first message not yet fully printed
	written    int  // bytes of messages[next] already printed
	open       bool // a reply line is in progress
	lastNotice string
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:       out,
		assistant: color.New(color.FgCyan, color.Bold),
		notice:    color.New(color.FgYellow),
		dim:       color.New(color.Faint),
	}
}

func (p *printer) info(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dim.Fprintln(p.out, msg)
}

// reset forgets printed state after the session log is cleared.
func (p *printer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLine()
	p.next = 0
	p.written = 0
}

func (p *printer) render(s session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Notice != p.lastNotice {
		if s.Notice != "" {
			p.closeLine()
			p.notice.Fprintln(p.out, "! "+s.Notice)
		}
		p.lastNotice = s.Notice
	}

	if len(s.Messages) < p.next {
		p.closeLine()
		p.next = 0
		p.written = 0
	}

	for i := p.next; i < len(s.Messages); i++ {
		msg := s.Messages[i]
		if msg.Placeholder {
			return
		}
		if msg.Role == chat.RoleUser {
			p.next = i + 1
			continue
		}

		if !p.open {
			p.assistant.Fprint(p.out, "bot> ")
			p.open = true
			p.written = 0
		}
		if len(msg.Content) > p.written {
			fmt.Fprint(p.out, msg.Content[p.written:])
			p.written = len(msg.Content)
		}
		if i == s.Revealing {
			return
		}
		p.closeLine()
		p.next = i + 1
	}
}

func (p *printer) closeLine() {
	if p.open {
		fmt.Fprintln(p.out)
		p.open = false
	}
	p.written = 0
}
