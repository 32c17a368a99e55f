package provider

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/book-expert/audio-service/internal/classify"
	"github.com/book-expert/audio-service/internal/core"
	"github.com/sashabaranov/go-openai"
)

// DefaultOpenAIVoices maps the service voices onto OpenAI speech voices.
var DefaultOpenAIVoices = map[core.Voice]openai.SpeechVoice{
	core.VoiceIvy:      openai.VoiceShimmer,
	core.VoiceJoanna:   openai.VoiceNova,
	core.VoiceJoey:     openai.VoiceEcho,
	core.VoiceJustin:   openai.VoiceFable,
	core.VoiceKendra:   openai.VoiceAlloy,
	core.VoiceKimberly: openai.VoiceShimmer,
	core.VoiceMatthew:  openai.VoiceOnyx,
	core.VoiceSalli:    openai.VoiceNova,
}

// OpenAIConfig configures the OpenAI speech synthesizer.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAISynthesizer implements core.Synthesizer on the OpenAI speech API.
type OpenAISynthesizer struct {
	client *openai.Client
	model  openai.SpeechModel
	voices map[core.Voice]openai.SpeechVoice
}

// NewOpenAI creates a synthesizer. An empty model selects tts-1.
func NewOpenAI(cfg OpenAIConfig) *OpenAISynthesizer {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	model := openai.TTSModel1
	if cfg.Model != "" {
		model = openai.SpeechModel(cfg.Model)
	}

	return &OpenAISynthesizer{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		voices: DefaultOpenAIVoices,
	}
}

// Synthesize requests MP3 speech for text.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string, voice core.Voice) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &classify.ServiceError{Op: opSynthesize, Kind: classify.KindInvalidInput, Err: ErrTextEmpty}
	}

	speechVoice, ok := s.voices[voice]
	if !ok {
		return nil, &classify.ServiceError{
			Op:   opSynthesize,
			Code: "invalid_voice",
			Kind: classify.KindInvalidInput,
			Err:  fmt.Errorf("%w: '%s'", core.ErrUnsupportedVoice, voice),
		}
	}

	response, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          speechVoice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech request failed: %w", err)
	}
	defer response.Close()

	audioData, err := io.ReadAll(response)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, &classify.ServiceError{Op: opSynthesize, Kind: classify.KindServiceUnavailable, Err: ErrEmptyAudio}
	}

	return audioData, nil
}
