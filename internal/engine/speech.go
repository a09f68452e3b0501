package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

var (
	_ Transcriber = (*SpeechClient)(nil)
	_ Synthesizer = (*SpeechClient)(nil)
)

// SpeechClient calls self-hosted speech services over HTTP: a Whisper-style
// transcription endpoint taking multipart audio, and a synthesis endpoint
// taking JSON and returning audio bytes. Either URL may be empty, in which
// case that capability returns ErrUnsupported.
type SpeechClient struct {
	transcribeURL   string
	synthesizeURL   string
	transcribeModel string
	httpClient      *http.Client
}

func NewSpeechClient(transcribeURL, synthesizeURL, transcribeModel string) *SpeechClient {
	return &SpeechClient{
		transcribeURL:   strings.TrimSpace(transcribeURL),
		synthesizeURL:   strings.TrimSpace(synthesizeURL),
		transcribeModel: transcribeModel,
		httpClient:      &http.Client{Timeout: 0},
	}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func (s *SpeechClient) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	if s.transcribeURL == "" {
		return "", fmt.Errorf("transcribe: %w", ErrUnsupported)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(audio); err != nil {
		return "", err
	}
	if s.transcribeModel != "" {
		_ = mw.WriteField("model", s.transcribeModel)
	}
	if language != "" {
		_ = mw.WriteField("language", language)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.transcribeURL, &body)
	if err != nil {
		return "", fmt.Errorf("creating transcription request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcribe: %w", &StatusError{Code: resp.StatusCode})
	}

	var result transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding transcription: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

type synthesisRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Voice    string `json:"voice,omitempty"`
}

func (s *SpeechClient) Synthesize(ctx context.Context, text, language, voice string) ([]byte, error) {
	if s.synthesizeURL == "" {
		return nil, fmt.Errorf("synthesize: %w", ErrUnsupported)
	}

	body, err := json.Marshal(synthesisRequest{Text: text, Language: language, Voice: voice})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.synthesizeURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("synthesize: %w", &StatusError{Code: resp.StatusCode})
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading synthesized audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("synthesize: empty audio")
	}
	return audio, nil
}
