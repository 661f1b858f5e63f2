package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ricochet1k/concordia/internal/provider/common/claude"
)

// LineKind is the classification of one stdout line.
type LineKind int

const (
	NormalOutput LineKind = iota
	EndOfResponse
)

func (k LineKind) String() string {
	switch k {
	case NormalOutput:
		return "output"
	case EndOfResponse:
		return "end_of_response"
	default:
		return "unknown"
	}
}

// Line is a classified stdout line.
type Line struct {
	Kind LineKind
	// Display is what participants see. Empty means the raw line.
	Display string
	// ResumeToken is set when the line announces the session's continuity id.
	ResumeToken string
}

// Protocol frames requests for the session's stdin and recognises the end
// of a response on its stdout.
type Protocol interface {
	Name() string
	Encode(text string) ([]byte, error)
	Classify(line string) Line
}

const (
	ProtocolStreamJSON = "stream-json"
	ProtocolMarker     = "marker"
	ProtocolEOF        = "eof"
)

var ErrUnknownProtocol = errors.New("unknown session protocol")

// ProtocolConfig selects and parameterises a Protocol.
type ProtocolConfig struct {
	Name string
	// EndMarker is the full-line marker used by the marker protocol.
	EndMarker string
	// LineTerminator is appended to encoded requests. Defaults to "\n".
	LineTerminator string
}

func NewProtocol(cfg ProtocolConfig) (Protocol, error) {
	term := cfg.LineTerminator
	if term == "" {
		term = "\n"
	}
	switch cfg.Name {
	case ProtocolStreamJSON, "":
		return streamJSONProtocol{terminator: term}, nil
	case ProtocolMarker:
		marker := strings.TrimSpace(cfg.EndMarker)
		if marker == "" {
			return nil, fmt.Errorf("marker protocol requires an end marker")
		}
		return markerProtocol{marker: marker, terminator: term}, nil
	case ProtocolEOF:
		return eofProtocol{terminator: term}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, cfg.Name)
	}
}

// streamJSONProtocol speaks the CLI's NDJSON framing. The "result" message
// is the out-of-band end-of-turn signal.
type streamJSONProtocol struct {
	terminator string
}

func (streamJSONProtocol) Name() string { return ProtocolStreamJSON }

func (p streamJSONProtocol) Encode(text string) ([]byte, error) {
	b, err := claude.FormatUserMessage(text)
	if err != nil {
		return nil, err
	}
	return append(b, p.terminator...), nil
}

func (streamJSONProtocol) Classify(line string) Line {
	msg, err := claude.ParseMessage([]byte(strings.TrimSpace(line)))
	if err != nil {
		return Line{Kind: NormalOutput}
	}
	display, end := claude.Describe(msg)
	out := Line{Kind: NormalOutput, Display: display, ResumeToken: msg.SessionID()}
	if end {
		out.Kind = EndOfResponse
	}
	return out
}

// markerProtocol ends a response on a line that is exactly the marker after
// trimming. Substrings never match.
type markerProtocol struct {
	marker     string
	terminator string
}

func (markerProtocol) Name() string { return ProtocolMarker }

func (p markerProtocol) Encode(text string) ([]byte, error) {
	return []byte(text + p.terminator), nil
}

func (p markerProtocol) Classify(line string) Line {
	if strings.TrimSpace(line) == p.marker {
		return Line{Kind: EndOfResponse}
	}
	return Line{Kind: NormalOutput}
}

// eofProtocol has no in-band completion signal; a response ends only when
// the process closes stdout.
type eofProtocol struct {
	terminator string
}

func (eofProtocol) Name() string { return ProtocolEOF }

func (p eofProtocol) Encode(text string) ([]byte, error) {
	return []byte(text + p.terminator), nil
}

func (eofProtocol) Classify(string) Line {
	return Line{Kind: NormalOutput}
}
