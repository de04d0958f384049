package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// SessionConfig is the StartSession payload sent to the dialogue service.
// The JSON tags match the service's wire names; the TOML tags let an operator
// override parts of it from SESSION_CONFIG_FILE.
type SessionConfig struct {
	ASR    ASRConfig    `json:"asr" toml:"asr"`
	TTS    TTSConfig    `json:"tts" toml:"tts"`
	Dialog DialogConfig `json:"dialog" toml:"dialog"`
}

type ASRConfig struct {
	Extra ASRExtra `json:"extra" toml:"extra"`
}

type ASRExtra struct {
	EndSmoothWindowMs int `json:"end_smooth_window_ms" toml:"end_smooth_window_ms"`
}

type TTSConfig struct {
	Speaker     string      `json:"speaker" toml:"speaker"`
	AudioConfig AudioConfig `json:"audio_config" toml:"audio_config"`
}

type AudioConfig struct {
	Channel    int    `json:"channel" toml:"channel"`
	Format     string `json:"format" toml:"format"`
	SampleRate int    `json:"sample_rate" toml:"sample_rate"`
}

type DialogConfig struct {
	BotName       string         `json:"bot_name" toml:"bot_name"`
	SystemRole    string         `json:"system_role" toml:"system_role"`
	SpeakingStyle string         `json:"speaking_style" toml:"speaking_style"`
	Location      LocationConfig `json:"location" toml:"location"`
	Extra         DialogExtra    `json:"extra" toml:"extra"`
}

type LocationConfig struct {
	City string `json:"city" toml:"city"`
}

type DialogExtra struct {
	StrictAudit bool   `json:"strict_audit" toml:"strict_audit"`
	RecvTimeout int    `json:"recv_timeout" toml:"recv_timeout"`
	InputMod    string `json:"input_mod" toml:"input_mod"`
}

// DefaultSessionConfig returns the built-in persona and audio settings
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ASR: ASRConfig{
			Extra: ASRExtra{EndSmoothWindowMs: 1500},
		},
		TTS: TTSConfig{
			Speaker: "zh_male_yunzhou_jupiter_bigtts",
			AudioConfig: AudioConfig{
				Channel:    1,
				Format:     "pcm",
				SampleRate: 24000,
			},
		},
		Dialog: DialogConfig{
			BotName: "Doubao",
			SystemRole: "You are a friendly voice assistant living inside a small speaker. " +
				"Answer in short spoken sentences and ask a follow-up question when it helps.",
			SpeakingStyle: "Warm and relaxed, with a natural pace.",
			Location:      LocationConfig{City: "Beijing"},
			Extra: DialogExtra{
				StrictAudit: false,
				RecvTimeout: 10,
				InputMod:    "audio",
			},
		},
	}
}

// LoadFile overlays the TOML file at path. Keys missing from the file keep
// their current values.
func (sc *SessionConfig) LoadFile(path string) error {
	if _, err := toml.DecodeFile(path, sc); err != nil {
		return fmt.Errorf("invalid SESSION_CONFIG_FILE: %w", err)
	}
	return nil
}

// Validate rejects settings the relay cannot serve
func (sc *SessionConfig) Validate() error {
	ac := sc.TTS.AudioConfig
	if ac.Channel != 1 {
		return fmt.Errorf("invalid session config: tts.audio_config.channel must be 1, got %d", ac.Channel)
	}
	switch ac.Format {
	case "pcm", "pcm_f32le", "pcm_s16le":
	default:
		return fmt.Errorf("invalid session config: unsupported tts.audio_config.format %q", ac.Format)
	}
	if ac.SampleRate <= 0 {
		return fmt.Errorf("invalid session config: tts.audio_config.sample_rate must be positive")
	}
	if sc.Dialog.Extra.RecvTimeout <= 0 {
		return fmt.Errorf("invalid session config: dialog.extra.recv_timeout must be positive")
	}
	return nil
}
