package client

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	realtimeTypes "github.com/ricochet1k/concordia/pkg/realtime"
)

// Renderer prints server messages for a human.
type Renderer struct {
	out io.Writer

	mu     sync.Mutex
	invite string

	system  *color.Color
	party   *color.Color
	errs    *color.Color
	batch   *color.Color
	invites *color.Color
	stderr  *color.Color
}

func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{
		out:     out,
		system:  color.New(color.FgHiBlack),
		party:   color.New(color.FgCyan),
		errs:    color.New(color.FgRed, color.Bold),
		batch:   color.New(color.FgYellow),
		invites: color.New(color.FgGreen),
		stderr:  color.New(color.FgMagenta),
	}
}

// Invite returns the last invite code received.
func (r *Renderer) Invite() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invite
}

func (r *Renderer) Render(msg realtimeTypes.ServerEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Type {
	case realtimeTypes.ServerMessageTypeOutput:
		if msg.Stream == "stderr" {
			r.stderr.Fprintln(r.out, msg.Text)
			return
		}
		fmt.Fprintln(r.out, msg.Text)
	case realtimeTypes.ServerMessageTypeSystem:
		r.system.Fprintf(r.out, "[system] %s\n", msg.Message)
	case realtimeTypes.ServerMessageTypeParticipants:
		r.party.Fprintf(r.out, "[party] main=%s users=%s\n", msg.MainUser, strings.Join(msg.Users, ", "))
	case realtimeTypes.ServerMessageTypeError:
		r.errs.Fprintf(r.out, "[error] %s\n", msg.Message)
	case realtimeTypes.ServerMessageTypeBatch:
		r.batch.Fprintf(r.out, "[batch] from %s\n", strings.Join(msg.Authors, ", "))
		fmt.Fprintln(r.out, msg.Text)
	case realtimeTypes.ServerMessageTypeInvite:
		r.invite = msg.Code
		r.invites.Fprintf(r.out, "[invite] %s\n", msg.Code)
	case realtimeTypes.ServerMessageTypePong:
	default:
		fmt.Fprintf(r.out, "[info] %+v\n", msg)
	}
}

// Notice prints a local message that did not come from the party.
func (r *Renderer) Notice(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.system.Fprintf(r.out, format+"\n", args...)
}

// Raw prints text as is.
func (r *Renderer) Raw(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, text)
}
