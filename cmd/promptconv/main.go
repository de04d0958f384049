// Command promptconv turns an MP3 prompt into a C header of 16 kHz mono
// s16le PCM for the device firmware.
package main

import (
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/room4-2/voicebridge/audio"
	"github.com/room4-2/voicebridge/logging"
)

func main() {
	in := flag.String("in", "", "input MP3 file")
	out := flag.String("out", "", "output header (default: <name>.h)")
	name := flag.String("name", "", "C identifier (default: input file stem)")
	flag.Parse()

	logging.Init("promptconv", "info")

	if *in == "" {
		log.Fatal().Msg("-in is required")
	}
	if *name == "" {
		*name = identifier(strings.TrimSuffix(filepath.Base(*in), filepath.Ext(*in)))
	}
	if *out == "" {
		*out = *name + ".h"
	}

	f, err := os.Open(*in)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open input")
	}
	defer f.Close()

	samples, rate, err := audio.DecodeMP3(f)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to decode")
	}
	resampled, err := audio.ResampleFloat(samples, rate, audio.TargetRate)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resample")
	}
	pcm := audio.EncodeS16(resampled)

	w, err := os.Create(*out)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create output")
	}
	defer w.Close()
	if err := audio.WriteCHeader(w, *name, pcm); err != nil {
		log.Fatal().Err(err).Msg("Failed to write header")
	}

	log.Info().
		Int("src_rate", rate).
		Int("bytes", len(pcm)).
		Str("out", *out).
		Msg("✅ Prompt converted")
}

// identifier maps a file stem to a valid C name
func identifier(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "prompt"
	}
	return b.String()
}
