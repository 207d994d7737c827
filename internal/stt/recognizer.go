package stt

import (
	"context"
	"errors"
)

// ErrUnalignedPCM is returned for PCM payloads that are not whole 16-bit samples.
var ErrUnalignedPCM = errors.New("pcm payload not aligned")

// Request is one transcription pass over a session's buffered audio.
type Request struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Language   string
	Final      bool
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (TranscriptResult, error)
}
