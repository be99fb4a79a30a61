// Package stt provides the speech-to-text backend.
package stt

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Transcriber converts an audio file to text in whatever language was
// spoken. An empty result with a nil error means no speech was recognized;
// a non-nil error means the backend itself failed.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// WhisperTranscriber implements Transcriber using the OpenAI transcription
// API. Language detection happens server-side.
type WhisperTranscriber struct {
	client *openai.Client
	model  string
}

// Ensure WhisperTranscriber implements Transcriber.
var _ Transcriber = (*WhisperTranscriber)(nil)

// NewWhisperTranscriber creates a transcriber backed by the given client and
// model (typically whisper-1).
func NewWhisperTranscriber(client *openai.Client, model string) *WhisperTranscriber {
	return &WhisperTranscriber{client: client, model: model}
}

// Transcribe sends the audio file for transcription and returns the
// recognized text, trimmed. Unrecognizable audio yields an empty string.
func (t *WhisperTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: audioPath,
	})
	if err != nil {
		return "", fmt.Errorf("create transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
