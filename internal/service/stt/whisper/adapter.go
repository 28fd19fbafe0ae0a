// Package whisper transcribes chunks through an OpenAI-compatible
// /audio/transcriptions endpoint, such as a local faster-whisper server.
package whisper

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/basita512/Conversational-IVR/internal/service/audio"
)

// Config holds the endpoint and model.
type Config struct {
	BaseURL  string
	APIKey   string
	Model    string
	Language string // ISO-639-1, e.g. "en"
	Format   audio.Format
}

// Adapter implements stt.Transcriber.
type Adapter struct {
	client openai.Client
	cfg    Config
}

// New creates a whisper adapter. The client does not retry on its own;
// retries belong to the stt.Fallback chain.
func New(cfg Config, opts ...option.RequestOption) *Adapter {
	clientOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		clientOpts = append(clientOpts, option.WithBaseURL(base))
	}
	clientOpts = append(clientOpts, opts...)

	return &Adapter{
		client: openai.NewClient(clientOpts...),
		cfg:    cfg,
	}
}

// Name returns the provider name.
func (a *Adapter) Name() string {
	return "whisper"
}

// Transcribe uploads the chunk as a WAV file.
func (a *Adapter) Transcribe(ctx context.Context, pcm []byte) ([]string, error) {
	wav := audio.EncodeWAV(pcm, a.cfg.Format)

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wav), "chunk.wav", "audio/wav"),
		Model: openai.AudioModel(a.cfg.Model),
	}
	if a.cfg.Language != "" {
		params.Language = openai.String(a.cfg.Language)
	}

	resp, err := a.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("whisper transcribe: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, nil
	}
	return []string{text}, nil
}

// LanguageFromCode turns a BCP-47 code such as "en-US" into the ISO-639-1
// form whisper expects.
func LanguageFromCode(code string) string {
	lang, _, _ := strings.Cut(code, "-")
	return strings.ToLower(lang)
}
