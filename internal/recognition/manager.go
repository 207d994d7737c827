// Package recognition wraps a continuous speech recognition session and
// normalizes its raw events into result, error and lifecycle callbacks.
package recognition

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// DefaultLanguage is the recognition language when none is configured.
const DefaultLanguage = "en-US"

// Fixed messages reported through OnError.
const (
	MsgNotSupported = "Speech recognition is not supported in this environment"
	MsgStartFailed  = "Failed to start speech recognition"
	MsgStopFailed   = "Failed to stop speech recognition"
	MsgNoSpeech     = "No speech detected"
	MsgAudioCapture = "Audio capture failed"
	MsgNotAllowed   = "Microphone access denied"
	MsgNetwork      = "Network error"
	errorCodePrefix = "Error: "
)

// Result is a normalized recognition result. Interim results always carry a
// confidence of 0.
type Result struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"isFinal"`
}

// Callbacks receive normalized session events. Nil functions are ignored.
type Callbacks struct {
	OnResult func(Result)
	OnError  func(message string)
	OnStart  func()
	OnEnd    func()
}

func (c Callbacks) withDefaults() Callbacks {
	if c.OnResult == nil {
		c.OnResult = func(Result) {}
	}
	if c.OnError == nil {
		c.OnError = func(string) {}
	}
	if c.OnStart == nil {
		c.OnStart = func() {}
	}
	if c.OnEnd == nil {
		c.OnEnd = func() {}
	}
	return c
}

// State is the manager's view of the engine session.
type State int

const (
	Idle State = iota
	Listening
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLanguage sets the recognition language.
func WithLanguage(lang string) Option {
	return func(m *Manager) {
		if lang != "" {
			m.settings.Language = lang
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// Manager owns one engine session. Callbacks are invoked in the order the
// engine delivers events and never while the manager's lock is held, so they
// may call Start or Stop.
type Manager struct {
	cb       Callbacks
	log      *slog.Logger
	settings Settings
	session  EngineSession

	mu    sync.Mutex
	state State
}

// New binds a manager to engine. A nil engine, or one reporting an error from
// NewSession, leaves the manager unsupported.
func New(engine Engine, cb Callbacks, opts ...Option) *Manager {
	m := &Manager{
		cb:  cb.withDefaults(),
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		settings: Settings{
			Continuous:     true,
			InterimResults: true,
			Language:       DefaultLanguage,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(slog.String("component", "recognition"))

	if engine == nil {
		m.log.Warn("no speech engine available")
		return m
	}
	session, err := engine.NewSession(m.settings, m.handle)
	if err != nil {
		if !errors.Is(err, ErrUnsupported) {
			m.log.Warn("speech engine unavailable", slog.String("error", err.Error()))
		}
		return m
	}
	m.session = session
	return m
}

// Supported reports whether a speech engine is bound.
func (m *Manager) Supported() bool {
	return m.session != nil
}

// Settings returns the fixed session configuration.
func (m *Manager) Settings() Settings {
	return m.settings
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start asks the engine to begin listening. Failures are reported through
// OnError; Start itself never fails or panics.
func (m *Manager) Start() {
	if m.session == nil {
		m.cb.OnError(MsgNotSupported)
		return
	}
	if err := safeCall(m.session.Start); err != nil {
		m.log.Warn("engine start failed", slog.String("error", err.Error()))
		m.cb.OnError(MsgStartFailed)
	}
}

// Stop asks the engine to stop listening. Results already in flight may still
// be delivered.
func (m *Manager) Stop() {
	if m.session == nil {
		return
	}
	m.mu.Lock()
	prev := m.state
	if m.state == Listening {
		m.state = Stopping
	}
	m.mu.Unlock()

	if err := safeCall(m.session.Stop); err != nil {
		m.log.Warn("engine stop failed", slog.String("error", err.Error()))
		m.mu.Lock()
		if m.state == Stopping {
			m.state = prev
		}
		m.mu.Unlock()
		m.cb.OnError(MsgStopFailed)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) handle(ev Event) {
	switch ev.Kind {
	case EventStart:
		m.setState(Listening)
		m.cb.OnStart()
	case EventEnd:
		m.setState(Idle)
		m.cb.OnEnd()
	case EventResult:
		if r, ok := Normalize(ev.Update); ok {
			m.cb.OnResult(r)
		}
	case EventError:
		msg := ErrorMessage(ev.Code)
		m.log.Debug("engine error", slog.String("code", ev.Code))
		m.cb.OnError(msg)
	default:
		m.log.Warn("unknown engine event", slog.Int("kind", int(ev.Kind)))
	}
}

// Normalize folds the new segments of an update into at most one result.
// Final text wins over interim text from the same update.
func Normalize(u Update) (Result, bool) {
	var final, interim strings.Builder
	for i := max(u.ResultIndex, 0); i < len(u.Results); i++ {
		alt := u.Results[i]
		if alt.Final {
			final.WriteString(alt.Transcript)
		} else {
			interim.WriteString(alt.Transcript)
		}
	}
	switch {
	case final.Len() > 0:
		return Result{
			Transcript: final.String(),
			Confidence: u.Results[len(u.Results)-1].Confidence,
			IsFinal:    true,
		}, true
	case interim.Len() > 0:
		return Result{Transcript: interim.String()}, true
	default:
		return Result{}, false
	}
}

// ErrorMessage maps an engine error code to the message reported to callers.
func ErrorMessage(code string) string {
	switch code {
	case "no-speech":
		return MsgNoSpeech
	case "audio-capture":
		return MsgAudioCapture
	case "not-allowed":
		return MsgNotAllowed
	case "network":
		return MsgNetwork
	default:
		return errorCodePrefix + code
	}
}

// IsPermissionError reports whether msg signals denied microphone access.
func IsPermissionError(msg string) bool {
	return msg == MsgNotAllowed
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return fn()
}
