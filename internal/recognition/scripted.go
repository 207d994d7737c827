package recognition

import "sync"

// ScriptedEngine replays a fixed event sequence each time a session starts.
// It backs the mock recognition mode and tests.
type ScriptedEngine struct {
	mu       sync.Mutex
	events   []Event
	startErr error
	stopErr  error
	settings Settings
	handle   func(Event)
	starts   int
	stops    int
}

// NewScriptedEngine returns an engine that emits start, then events, on every
// Start and end on every Stop.
func NewScriptedEngine(events ...Event) *ScriptedEngine {
	return &ScriptedEngine{events: events}
}

// NewMockEngine returns a scripted engine producing one interim and one final
// transcript per session.
func NewMockEngine() *ScriptedEngine {
	return NewScriptedEngine(
		ResultEvent(0, Alternative{Transcript: "mock"}),
		ResultEvent(0, Alternative{Transcript: "mock transcript", Confidence: 1, Final: true}),
	)
}

// ResultEvent builds a result event.
func ResultEvent(index int, results ...Alternative) Event {
	return Event{Kind: EventResult, Update: Update{ResultIndex: index, Results: results}}
}

// ErrorEvent builds an error event carrying code.
func ErrorEvent(code string) Event {
	return Event{Kind: EventError, Code: code}
}

// FailStart makes subsequent Start calls return err.
func (e *ScriptedEngine) FailStart(err error) {
	e.mu.Lock()
	e.startErr = err
	e.mu.Unlock()
}

// FailStop makes subsequent Stop calls return err.
func (e *ScriptedEngine) FailStop(err error) {
	e.mu.Lock()
	e.stopErr = err
	e.mu.Unlock()
}

// Settings returns the settings of the last session created.
func (e *ScriptedEngine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// Calls returns how many times Start and Stop succeeded.
func (e *ScriptedEngine) Calls() (starts, stops int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts, e.stops
}

// Emit delivers ev to the current session handler, if any.
func (e *ScriptedEngine) Emit(ev Event) {
	e.mu.Lock()
	handle := e.handle
	e.mu.Unlock()
	if handle != nil {
		handle(ev)
	}
}

func (e *ScriptedEngine) NewSession(settings Settings, handle func(Event)) (EngineSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = settings
	e.handle = handle
	return scriptedSession{engine: e}, nil
}

type scriptedSession struct {
	engine *ScriptedEngine
}

func (s scriptedSession) Start() error {
	e := s.engine
	e.mu.Lock()
	if e.startErr != nil {
		err := e.startErr
		e.mu.Unlock()
		return err
	}
	e.starts++
	events := append([]Event(nil), e.events...)
	e.mu.Unlock()

	e.Emit(Event{Kind: EventStart})
	for _, ev := range events {
		e.Emit(ev)
	}
	return nil
}

func (s scriptedSession) Stop() error {
	e := s.engine
	e.mu.Lock()
	if e.stopErr != nil {
		err := e.stopErr
		e.mu.Unlock()
		return err
	}
	e.stops++
	e.mu.Unlock()

	e.Emit(Event{Kind: EventEnd})
	return nil
}
