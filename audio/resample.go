package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/faiface/beep"
	"github.com/mjibson/go-dsp/window"
)

const (
	// SourceRate is the synthesizer's native output rate.
	SourceRate = 24000
	// TargetRate is the rate the embedded client plays back.
	TargetRate = 16000

	lagrangeQuality = 4
	lowPassTaps     = 31
	// fraction of the output Nyquist kept by the anti-alias filter
	lowPassMargin = 0.9
)

var (
	ErrMisaligned = errors.New("audio: input is not a whole number of samples")
	ErrResample   = errors.New("audio: resample failed")
)

// SampleFormat is the encoding of upstream PCM.
type SampleFormat int

const (
	FormatFloat32 SampleFormat = iota // little-endian IEEE 754, [-1, 1]
	FormatS16                         // little-endian signed 16-bit
)

// ParseSampleFormat maps the synthesizer's audio format name to a SampleFormat.
func ParseSampleFormat(name string) (SampleFormat, error) {
	switch name {
	case "pcm", "pcm_f32le":
		return FormatFloat32, nil
	case "pcm_s16le":
		return FormatS16, nil
	default:
		return 0, fmt.Errorf("unsupported audio format %q", name)
	}
}

func (f SampleFormat) bytesPerSample() int {
	if f == FormatS16 {
		return 2
	}
	return 4
}

// Resampler converts upstream PCM into 16-bit little-endian PCM at the
// client rate.
type Resampler interface {
	Resample(pcm []byte) ([]byte, error)
}

// QualityResampler low-pass filters then interpolates, so the output length
// is exactly round(n * dst / src).
type QualityResampler struct {
	format SampleFormat
	src    int
	dst    int
}

func NewQualityResampler(format SampleFormat, srcRate, dstRate int) *QualityResampler {
	return &QualityResampler{format: format, src: srcRate, dst: dstRate}
}

func (r *QualityResampler) Resample(pcm []byte) (out []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("%w: %v", ErrResample, rec)
		}
	}()

	if len(pcm) == 0 {
		return []byte{}, nil
	}
	samples, err := decodeSamples(pcm, r.format)
	if err != nil {
		return nil, err
	}
	resampled, err := ResampleFloat(samples, r.src, r.dst)
	if err != nil {
		return nil, err
	}
	return EncodeS16(resampled), nil
}

// DecimatingResampler keeps two of every three samples without filtering.
// It approximates 24 kHz -> 16 kHz only and aliases high frequencies.
type DecimatingResampler struct {
	format SampleFormat
}

func NewDecimatingResampler(format SampleFormat) *DecimatingResampler {
	return &DecimatingResampler{format: format}
}

func (r *DecimatingResampler) Resample(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return []byte{}, nil
	}
	samples, err := decodeSamples(pcm, r.format)
	if err != nil {
		return nil, err
	}

	kept := make([]float64, 0, len(samples)*2/3+2)
	for i := 0; i < len(samples); i += 3 {
		kept = append(kept, samples[i])
		if i+1 < len(samples) {
			kept = append(kept, samples[i+1])
		}
	}
	return EncodeS16(kept), nil
}

// ResampleFloat converts mono samples between rates. Downsampling applies a
// windowed-sinc low-pass at the output Nyquist first.
func ResampleFloat(samples []float64, srcRate, dstRate int) ([]float64, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("%w: invalid rates %d -> %d", ErrResample, srcRate, dstRate)
	}
	if len(samples) == 0 {
		return []float64{}, nil
	}
	if srcRate == dstRate {
		return append([]float64(nil), samples...), nil
	}
	if dstRate < srcRate {
		cutoff := 0.5 * float64(dstRate) / float64(srcRate) * lowPassMargin
		samples = convolve(samples, lowPass(cutoff, lowPassTaps))
	}

	target := int(math.Round(float64(len(samples)) * float64(dstRate) / float64(srcRate)))
	if target == 0 {
		return []float64{}, nil
	}

	pos := 0
	source := beep.StreamerFunc(func(buf [][2]float64) (int, bool) {
		if pos >= len(samples) {
			return 0, false
		}
		n := 0
		for n < len(buf) && pos < len(samples) {
			buf[n] = [2]float64{samples[pos], samples[pos]}
			n++
			pos++
		}
		return n, true
	})
	resampler := beep.Resample(lagrangeQuality, beep.SampleRate(srcRate), beep.SampleRate(dstRate), source)

	out := make([]float64, target)
	buf := make([][2]float64, 512)
	filled := 0
	for filled < target {
		want := min(len(buf), target-filled)
		n, ok := resampler.Stream(buf[:want])
		for i := 0; i < n; i++ {
			out[filled+i] = buf[i][0]
		}
		filled += n
		if !ok || n == 0 {
			break
		}
	}
	// the interpolator may stop short of the tail; the rest stays silent
	return out, nil
}

// lowPass returns normalized windowed-sinc taps; cutoff is in cycles per
// input sample.
func lowPass(cutoff float64, n int) []float64 {
	taps := window.Hamming(n)
	mid := float64(n-1) / 2
	var sum float64
	for i := range taps {
		x := float64(i) - mid
		taps[i] *= 2 * cutoff * sinc(2*cutoff*x)
		sum += taps[i]
	}
	for i := range taps {
		taps[i] /= sum
	}
	return taps
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

// convolve returns a same-length, centred FIR output with zero padding.
func convolve(in, taps []float64) []float64 {
	half := len(taps) / 2
	out := make([]float64, len(in))
	for i := range in {
		var acc float64
		for k, h := range taps {
			j := i + k - half
			if j < 0 || j >= len(in) {
				continue
			}
			acc += h * in[j]
		}
		out[i] = acc
	}
	return out
}

func decodeSamples(pcm []byte, format SampleFormat) ([]float64, error) {
	width := format.bytesPerSample()
	if len(pcm)%width != 0 {
		return nil, fmt.Errorf("%w: %d bytes, %d-byte samples", ErrMisaligned, len(pcm), width)
	}
	samples := make([]float64, len(pcm)/width)
	for i := range samples {
		off := i * width
		if format == FormatS16 {
			samples[i] = float64(int16(binary.LittleEndian.Uint16(pcm[off:]))) / math.MaxInt16
		} else {
			samples[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(pcm[off:])))
		}
	}
	return samples, nil
}

// EncodeS16 scales [-1, 1] samples to little-endian int16, saturating at
// the type limits. NaN becomes silence.
func EncodeS16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toS16(s)))
	}
	return out
}

func toS16(s float64) int16 {
	if math.IsNaN(s) {
		return 0
	}
	v := math.Round(s * math.MaxInt16)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Resampling modes accepted by New.
const (
	ModeQuality  = "quality"
	ModeDecimate = "decimate"
)

// New returns the resampler for mode.
func New(mode string, format SampleFormat, srcRate, dstRate int) (Resampler, error) {
	switch mode {
	case ModeQuality, "":
		return NewQualityResampler(format, srcRate, dstRate), nil
	case ModeDecimate:
		return NewDecimatingResampler(format), nil
	default:
		return nil, fmt.Errorf("unknown resample mode %q", mode)
	}
}
