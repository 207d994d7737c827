package recognition

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/mindstore/internal/bus"
	"github.com/loqalabs/mindstore/internal/protocol"
	"github.com/nats-io/nats.go"
)

// DefaultStopGrace bounds how long a stopping session waits for the STT side
// to flush its final transcript before ending on its own.
const DefaultStopGrace = 3 * time.Second

// BusEngine drives recognition sessions served by the STT service over NATS.
// All session events, including start and end, arrive through one
// subscription so they are delivered in order.
type BusEngine struct {
	bus   *bus.Client
	log   *slog.Logger
	grace time.Duration
}

func NewBusEngine(client *bus.Client, log *slog.Logger) *BusEngine {
	return &BusEngine{bus: client, log: log, grace: DefaultStopGrace}
}

// WithStopGrace overrides DefaultStopGrace.
func (e *BusEngine) WithStopGrace(d time.Duration) *BusEngine {
	if d > 0 {
		e.grace = d
	}
	return e
}

func (e *BusEngine) NewSession(settings Settings, handle func(Event)) (EngineSession, error) {
	if e == nil || !e.bus.Healthy() {
		return nil, ErrUnsupported
	}
	log := e.log
	if log == nil {
		log = e.bus.Logger()
	}
	return &busSession{
		bus:      e.bus,
		log:      log.With(slog.String("component", "bus-engine")),
		settings: settings,
		handle:   handle,
		grace:    e.grace,
	}, nil
}

type busSession struct {
	bus      *bus.Client
	log      *slog.Logger
	settings Settings
	handle   func(Event)
	grace    time.Duration

	mu      sync.Mutex
	id      string
	sub     *nats.Subscription
	results []Alternative
	timer   *time.Timer
}

// ID returns the active session id, or "" when idle.
func (s *busSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *busSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" {
		return ErrAlreadyStarted
	}

	sub, err := s.bus.Conn().Subscribe("stt.>", s.dispatch)
	if err != nil {
		return fmt.Errorf("subscribe stt: %w", err)
	}
	id := uuid.NewString()
	ctl := protocol.RecognitionControl{
		SessionID:      id,
		Language:       s.settings.Language,
		Continuous:     s.settings.Continuous,
		InterimResults: s.settings.InterimResults,
		Timestamp:      time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectSessionStart, ctl); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	s.id = id
	s.sub = sub
	s.results = nil
	s.log.Debug("session start requested", slog.String("session_id", id))
	return nil
}

func (s *busSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		return nil
	}
	return s.bus.PublishJSON(protocol.SubjectSessionStop, protocol.RecognitionControl{
		SessionID: s.id,
		Timestamp: time.Now().UTC(),
	})
}

// dispatch runs on the subscription's delivery goroutine and never holds the
// lock while calling the handler.
func (s *busSession) dispatch(msg *nats.Msg) {
	current := s.ID()
	if current == "" {
		return
	}

	switch msg.Subject {
	case protocol.SubjectSessionStart:
		var ctl protocol.RecognitionControl
		if !s.decode(msg, &ctl) || ctl.SessionID != current {
			return
		}
		s.handle(Event{Kind: EventStart})

	case protocol.SubjectSessionStop:
		var ctl protocol.RecognitionControl
		if !s.decode(msg, &ctl) || ctl.SessionID != current {
			return
		}
		s.armGrace(current)

	case protocol.SubjectSessionEnded:
		var ctl protocol.RecognitionControl
		if !s.decode(msg, &ctl) || ctl.SessionID != current {
			return
		}
		s.finish(current)
		s.handle(Event{Kind: EventEnd})

	case protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal:
		var t protocol.Transcript
		if !s.decode(msg, &t) || t.SessionID != current {
			return
		}
		if t.Partial && !s.settings.InterimResults {
			return
		}
		s.handle(Event{Kind: EventResult, Update: s.apply(t)})

	case protocol.SubjectRecognitionError:
		var re protocol.RecognitionError
		if !s.decode(msg, &re) || re.SessionID != current {
			return
		}
		s.handle(Event{Kind: EventError, Code: re.Code})
		if re.Terminal {
			s.finish(current)
			s.handle(Event{Kind: EventEnd})
		}
	}
}

func (s *busSession) decode(msg *nats.Msg, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		s.log.Warn("failed to decode stt message",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// apply folds a transcript into the running result list. A partial replaces
// the trailing non-final segment; a final closes it.
func (s *busSession) apply(t protocol.Transcript) Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	alt := Alternative{Transcript: t.Text, Confidence: t.Confidence, Final: !t.Partial}
	idx := len(s.results)
	if idx > 0 && !s.results[idx-1].Final {
		idx--
		s.results[idx] = alt
	} else {
		s.results = append(s.results, alt)
	}
	return Update{ResultIndex: idx, Results: append([]Alternative(nil), s.results...)}
}

// armGrace ends the session through the subscription if the STT side does
// not report it ended in time.
func (s *busSession) armGrace(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != id || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.grace, func() {
		err := s.bus.PublishJSON(protocol.SubjectSessionEnded, protocol.RecognitionControl{
			SessionID: id,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			s.log.Warn("failed to end session", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	})
}

func (s *busSession) finish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != id {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.id = ""
	s.sub = nil
	s.results = nil
}
