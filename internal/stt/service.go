// Package stt turns audio frames published on the bus into transcripts for
// the recognition session they belong to.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/mindstore/internal/bus"
	"github.com/loqalabs/mindstore/internal/config"
	"github.com/loqalabs/mindstore/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Error codes published on protocol.SubjectRecognitionError.
const (
	CodeNoSpeech     = "no-speech"
	CodeAudioCapture = "audio-capture"
	CodeNetwork      = "network"
)

const (
	transcribeTimeout = 45 * time.Second
	inboxSize         = 4096
)

type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	log        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
	subs     []*nats.Subscription
	ready    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type sessionState struct {
	language     string
	interim      bool
	buffer       []byte
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
	stopped      bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		log:        log.With(slog.String("component", "stt")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to audio frames and session control. All three subjects
// feed one channel so frames and control messages are handled in the order
// they were published. It is a no-op when the service is disabled.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	ch := make(chan *nats.Msg, inboxSize)
	subjects := []string{
		protocol.SubjectSessionStart,
		protocol.SubjectAudioFramePrefix + ".>",
		protocol.SubjectSessionStop,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subject := range subjects {
		sub, err := s.bus.Conn().ChanSubscribe(subject, ch)
		if err != nil {
			for _, existing := range s.subs {
				_ = existing.Unsubscribe()
			}
			s.subs = nil
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.wg.Add(1)
	go s.loop(ch)
	s.ready = true
	s.log.Info("stt service started", slog.String("mode", s.cfg.Mode))
	return nil
}

func (s *Service) loop(ch <-chan *nats.Msg) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-ch:
			switch msg.Subject {
			case protocol.SubjectSessionStart:
				s.handleSessionStart(msg)
			case protocol.SubjectSessionStop:
				s.handleSessionStop(msg)
			default:
				s.handleFrame(msg)
			}
		}
	}
}

func (s *Service) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.ready = false
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Sessions returns the number of sessions with buffered or expected audio.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) handleSessionStart(msg *nats.Msg) {
	var ctl protocol.RecognitionControl
	if err := json.Unmarshal(msg.Data, &ctl); err != nil || ctl.SessionID == "" {
		s.log.Warn("invalid session start", slog.Any("error", err))
		return
	}
	lang := ctl.Language
	if lang == "" {
		lang = s.cfg.Language
	}
	s.mu.Lock()
	s.sessions[ctl.SessionID] = &sessionState{
		language: lang,
		interim:  ctl.InterimResults && s.cfg.PublishInterim,
	}
	s.mu.Unlock()
	s.log.Debug("session opened", slog.String("session_id", ctl.SessionID), slog.String("language", lang))
}

// handleSessionStop flushes the session's audio through a final pass and
// reports the session ended once nothing more will be published for it.
func (s *Service) handleSessionStop(msg *nats.Msg) {
	var ctl protocol.RecognitionControl
	if err := json.Unmarshal(msg.Data, &ctl); err != nil || ctl.SessionID == "" {
		s.log.Warn("invalid session stop", slog.Any("error", err))
		return
	}
	s.mu.Lock()
	state := s.sessions[ctl.SessionID]
	silent := state != nil && len(state.buffer) == 0 && !state.inflight
	if state != nil {
		state.stopped = true
	}
	if silent {
		delete(s.sessions, ctl.SessionID)
	}
	s.mu.Unlock()

	switch {
	case state == nil:
		s.publishEnded(ctl.SessionID)
	case silent:
		s.publishError(ctl.SessionID, CodeNoSpeech, false)
		s.publishEnded(ctl.SessionID)
	default:
		s.scheduleTranscription(ctl.SessionID, true)
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if len(frame.PCM)%2 != 0 {
		s.mu.Lock()
		delete(s.sessions, frame.SessionID)
		s.mu.Unlock()
		s.log.Warn("dropping session with unaligned audio", slog.String("session_id", frame.SessionID))
		s.publishError(frame.SessionID, CodeAudioCapture, true)
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{language: s.cfg.Language, interim: s.cfg.PublishInterim}
		s.sessions[frame.SessionID] = state
	}
	state.buffer = append(state.buffer, frame.PCM...)
	interim := state.interim
	s.mu.Unlock()

	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
		return
	}
	if interim && s.shouldSchedulePartial(frame.SessionID) {
		s.scheduleTranscription(frame.SessionID, false)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.inflight {
		return false
	}
	if state.lastPartial.IsZero() {
		state.lastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.lastPartial) >= interval {
		state.lastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.inflight {
		if final {
			state.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	req := Request{
		PCM:        append([]byte(nil), state.buffer...),
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Language:   state.language,
		Final:      final,
	}
	state.inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.transcribe(sessionID, req)
	}()
}

func (s *Service) transcribe(sessionID string, req Request) {
	ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
	defer cancel()

	result, err := s.recognizer.Transcribe(ctx, req)
	switch {
	case errors.Is(err, ErrUnalignedPCM):
		s.log.Warn("stt rejected audio", slogError(err))
		s.publishError(sessionID, CodeAudioCapture, req.Final)
	case err != nil:
		s.log.Warn("stt transcription failed", slogError(err))
		s.publishError(sessionID, CodeNetwork, req.Final)
	case req.Final && result.Text == "":
		s.publishError(sessionID, CodeNoSpeech, false)
	default:
		s.publishTranscript(sessionID, result, req.Final)
	}

	s.mu.Lock()
	var pendingFinal, ended bool
	if state := s.sessions[sessionID]; state != nil {
		state.inflight = false
		pendingFinal = state.pendingFinal
		if req.Final {
			ended = state.stopped
			delete(s.sessions, sessionID)
		} else {
			state.lastPartial = time.Now()
		}
	}
	s.mu.Unlock()

	if ended {
		s.publishEnded(sessionID)
	}
	if pendingFinal && !req.Final {
		s.scheduleTranscription(sessionID, true)
	}
}

func (s *Service) publishTranscript(sessionID string, result TranscriptResult, final bool) {
	if result.Text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       result.Text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) publishError(sessionID, code string, terminal bool) {
	msg := protocol.RecognitionError{
		SessionID: sessionID,
		Code:      code,
		Terminal:  terminal,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectRecognitionError, msg); err != nil {
		s.log.Warn("failed to publish recognition error", slogError(err))
	}
}

func (s *Service) publishEnded(sessionID string) {
	msg := protocol.RecognitionControl{SessionID: sessionID, Timestamp: time.Now().UTC()}
	if err := s.bus.PublishJSON(protocol.SubjectSessionEnded, msg); err != nil {
		s.log.Warn("failed to publish session end", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
