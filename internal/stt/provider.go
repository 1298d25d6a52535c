package stt

import (
	"context"
	"fmt"
	"io"
)

// TranscriptionRequest holds the audio payload for transcription. The audio
// arrives as a reader because artifacts live in blob storage, not on disk.
type TranscriptionRequest struct {
	Audio    io.Reader
	Filename string
	Language string // optional hint; empty lets the provider detect
}

// TranscriptionResponse holds the transcription result. Language is the
// detected source language as reported by the provider.
type TranscriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResponse, error)
	Name() string
}

// ProviderError is a non-2xx response from an STT backend, kept typed so the
// transcribe stage can classify it as retryable or not.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("stt provider returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the failure is worth another attempt.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
