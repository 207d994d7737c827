package recognition

import "errors"

// ErrUnsupported is returned by an Engine that cannot provide speech
// recognition on this host.
var ErrUnsupported = errors.New("speech recognition unsupported")

// ErrAlreadyStarted is returned by an engine session asked to start while it
// is already listening.
var ErrAlreadyStarted = errors.New("recognition session already started")

// Settings configure an engine session.
type Settings struct {
	Continuous     bool
	InterimResults bool
	Language       string
}

// EventKind identifies a raw engine event.
type EventKind int

const (
	EventStart EventKind = iota
	EventEnd
	EventResult
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventEnd:
		return "end"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Alternative is one recognized segment of a raw update.
type Alternative struct {
	Transcript string
	Confidence float64
	Final      bool
}

// Update is the engine's running result list. Segments before ResultIndex
// were already reported by earlier updates.
type Update struct {
	ResultIndex int
	Results     []Alternative
}

// Event is a raw engine event. Update is set for EventResult, Code for
// EventError.
type Event struct {
	Kind   EventKind
	Update Update
	Code   string
}

// Engine is the host speech-to-text capability. NewSession wires the handler
// that receives the session's raw events, in delivery order, and returns
// ErrUnsupported when the host cannot recognize speech.
type Engine interface {
	NewSession(settings Settings, handle func(Event)) (EngineSession, error)
}

// EngineSession controls one continuous recognition session.
type EngineSession interface {
	Start() error
	Stop() error
}

type unsupportedEngine struct{}

func (unsupportedEngine) NewSession(Settings, func(Event)) (EngineSession, error) {
	return nil, ErrUnsupported
}

// Unsupported is an Engine for hosts without speech recognition.
var Unsupported Engine = unsupportedEngine{}
