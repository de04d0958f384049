package audio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 decodes an MP3 stream to mono samples in [-1, 1] and returns
// them with the stream's sample rate.
func DecodeMP3(r io.Reader) ([]float64, int, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open mp3: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode mp3: %w", err)
	}
	samples, err := downmixStereoS16(raw)
	if err != nil {
		return nil, 0, err
	}
	return samples, dec.SampleRate(), nil
}

// downmixStereoS16 averages interleaved little-endian int16 stereo frames
func downmixStereoS16(raw []byte) ([]float64, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not whole stereo frames", ErrResample, len(raw))
	}
	out := make([]float64, len(raw)/4)
	for i := range out {
		l := int16(binary.LittleEndian.Uint16(raw[i*4:]))
		r := int16(binary.LittleEndian.Uint16(raw[i*4+2:]))
		out[i] = (float64(l) + float64(r)) / 2 / math.MaxInt16
	}
	return out, nil
}

// WriteCHeader renders data as a byte array plus its length, the layout the
// device firmware embeds prompt sounds with.
func WriteCHeader(w io.Writer, name string, data []byte) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "const unsigned char %s[] = {\n", name)
	for i, b := range data {
		if i%12 == 0 {
			bw.WriteString("  ")
		}
		fmt.Fprintf(bw, "0x%02x", b)
		if i < len(data)-1 {
			bw.WriteString(",")
		}
		if i%12 == 11 || i == len(data)-1 {
			bw.WriteString("\n")
		} else {
			bw.WriteString(" ")
		}
	}
	fmt.Fprintf(bw, "};\nconst unsigned int %s_len = %d;\n", name, len(data))
	return bw.Flush()
}
