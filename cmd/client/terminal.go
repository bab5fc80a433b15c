package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gookit/color"

	"wardenchat/pkg/protocol"
)

var (
	infoStyle   = color.New(color.FgCyan)
	errorStyle  = color.New(color.FgRed, color.OpBold)
	noticeStyle = color.New(color.FgYellow)
	rosterStyle = color.New(color.BgBlack, color.FgGreen)
)

// terminal renders the room on a text stream. It implements
// transcript.Presenter.
type terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out}
}

func (t *terminal) OnRosterChanged(names []string) {
	t.print(rosterStyle.Render(fmt.Sprintf("[online: %s]", strings.Join(names, ", "))))
}

func (t *terminal) OnLineAppended(line string) {
	line = strings.TrimSuffix(line, "\n")
	if isAnnouncement(line) {
		t.print(noticeStyle.Render(line))
		return
	}
	t.print(line)
}

func (t *terminal) Info(msg string) {
	t.print(infoStyle.Render(msg))
}

func (t *terminal) Error(msg string) {
	t.print(errorStyle.Render(msg))
}

func (t *terminal) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, "\033[H\033[2J")
}

func (t *terminal) print(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, s)
}

// isAnnouncement tells server notices from chat. Names carry no colon, so
// every chat line has one and no announcement does.
func isAnnouncement(line string) bool {
	msg := protocol.MessagePart(line)
	if strings.ContainsRune(msg, ':') {
		return false
	}
	return strings.HasSuffix(msg, " has connected") || strings.HasSuffix(msg, " has disconnected")
}
