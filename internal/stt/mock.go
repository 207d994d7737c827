package stt

import (
	"context"
	"fmt"
	"time"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that describes the audio it was given
// instead of transcribing it.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, req Request) (TranscriptResult, error) {
	if len(req.PCM)%2 != 0 {
		return TranscriptResult{}, ErrUnalignedPCM
	}
	if len(req.PCM) == 0 {
		return TranscriptResult{}, nil
	}
	res := TranscriptResult{Text: fmt.Sprintf("recorded %s of audio", duration(req).Round(10*time.Millisecond))}
	if req.Final {
		res.Confidence = 1
	}
	return res, nil
}

func duration(req Request) time.Duration {
	if req.SampleRate <= 0 || req.Channels <= 0 {
		return 0
	}
	samples := len(req.PCM) / 2 / req.Channels
	return time.Duration(samples) * time.Second / time.Duration(req.SampleRate)
}
