package protocol

import "time"

// AudioFrame represents PCM audio data streamed from capture devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// RecognitionControl asks the STT side to begin or end a listening session.
type RecognitionControl struct {
	SessionID      string    `json:"session_id"`
	Language       string    `json:"language,omitempty"`
	Continuous     bool      `json:"continuous"`
	InterimResults bool      `json:"interim_results"`
	Timestamp      time.Time `json:"timestamp"`
}

// RecognitionError carries a categorical engine error code such as
// "no-speech", "audio-capture", "not-allowed" or "network". Terminal errors
// end the session.
type RecognitionError struct {
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	Terminal  bool      `json:"terminal,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EntryEvent announces a change to the diary.
type EntryEvent struct {
	ID         string    `json:"id"`
	Content    string    `json:"content,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence *float64  `json:"confidence,omitempty"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectRecognitionError  = "stt.error"
	SubjectSessionStart      = "stt.session.start"
	SubjectSessionStop       = "stt.session.stop"
	SubjectSessionEnded      = "stt.session.ended"
	SubjectEntrySaved        = "diary.entry.saved"
	SubjectEntryDeleted      = "diary.entry.deleted"
)

// AudioFrameSubject returns the subject audio frames for a session are published on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
