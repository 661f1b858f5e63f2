package process

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// TokenPlaceholder is substituted with the resume token in ResumeArgs and
// SessionIDArgs.
const TokenPlaceholder = "{token}"

// Launcher starts fresh or resumed instances of one configured command.
type Launcher struct {
	Config Config
	// ResumeArgs are appended when a resume token is known, e.g.
	// ["--resume", "{token}"].
	ResumeArgs []string
	// SessionIDArgs are appended on a fresh start together with a generated
	// token, e.g. ["--session-id", "{token}"]. When empty, a fresh start
	// carries no token and one must be learned from the process output.
	SessionIDArgs []string
}

// Launch starts the command. A non-empty resumeToken selects ResumeArgs.
func (l *Launcher) Launch(ctx context.Context, resumeToken string) (*Manager, error) {
	cfg := l.Config
	args, token := l.buildArgs(resumeToken)
	cfg.Args = args

	m, err := Start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m.resumeToken = token
	return m, nil
}

func (l *Launcher) buildArgs(resumeToken string) ([]string, string) {
	args := append([]string(nil), l.Config.Args...)
	switch {
	case resumeToken != "" && len(l.ResumeArgs) > 0:
		return append(args, expandToken(l.ResumeArgs, resumeToken)...), resumeToken
	case resumeToken == "" && len(l.SessionIDArgs) > 0:
		token := uuid.NewString()
		return append(args, expandToken(l.SessionIDArgs, token)...), token
	default:
		return args, resumeToken
	}
}

func expandToken(args []string, token string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, TokenPlaceholder, token)
	}
	return out
}
