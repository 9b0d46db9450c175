// Package analysis computes summary statistics over decoded LD logs.
package analysis

import (
	"math"
	"math/cmplx"

	"github.com/motec-viewer/backend/internal/models"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stats summarises one channel. Non-finite samples are excluded from every
// figure except Count, which is the number of rows. With no finite samples the
// figures stay zero and Valid is 0.
type Stats struct {
	Name       string  `json:"name" yaml:"name"`
	Units      string  `json:"units" yaml:"units"`
	Count      int     `json:"count" yaml:"count"`
	Valid      int     `json:"valid" yaml:"valid"`
	Min        float64 `json:"min" yaml:"min"`
	Max        float64 `json:"max" yaml:"max"`
	Mean       float64 `json:"mean" yaml:"mean"`
	StdDev     float64 `json:"stdDev" yaml:"std_dev"`
	DominantHz float64 `json:"dominantHz" yaml:"dominant_hz"`
}

// TimingInfo describes the time axis of a log.
type TimingInfo struct {
	Rows          int     `json:"rows" yaml:"rows"`
	Start         float64 `json:"start" yaml:"start"`
	End           float64 `json:"end" yaml:"end"`
	Duration      float64 `json:"duration" yaml:"duration"`
	DeclaredRate  float64 `json:"declaredRate" yaml:"declared_rate"`
	EffectiveRate float64 `json:"effectiveRate" yaml:"effective_rate"`
	Monotonic     bool    `json:"monotonic" yaml:"monotonic"`
}

// ChannelStats returns statistics for every channel of ld, in channel order.
func ChannelStats(ld *models.LDFile) []Stats {
	out := make([]Stats, len(ld.Channels))
	rate := effectiveRate(ld)
	for i, ch := range ld.Channels {
		out[i] = Summarize(ld.Column(i), rate)
		out[i].Name = ch.Name
		out[i].Units = ch.Units
	}
	return out
}

// Summarize computes Stats for one column of values sampled at rate Hz.
// A rate of zero skips the frequency estimate.
func Summarize(values []float64, rate float64) Stats {
	s := Stats{Count: len(values)}

	valid := finite(values)
	s.Valid = len(valid)
	if len(valid) == 0 {
		return s
	}

	s.Min = floats.Min(valid)
	s.Max = floats.Max(valid)
	if len(valid) == 1 {
		s.Mean = valid[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(valid, nil)

	if rate > 0 && len(valid) == len(values) {
		s.DominantHz = DominantFrequency(values, rate)
	}
	return s
}

// DominantFrequency returns the frequency, in Hz, of the strongest non-DC
// component of values sampled at rate Hz. It returns 0 for fewer than 4 points.
func DominantFrequency(values []float64, rate float64) float64 {
	n := len(values)
	if n < 4 || rate <= 0 {
		return 0
	}

	mean := stat.Mean(values, nil)
	centered := make([]float64, n)
	for i, v := range values {
		centered[i] = v - mean
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, centered)

	best, bestMag := 0, 0.0
	for i := 1; i < len(coeffs); i++ {
		if mag := cmplx.Abs(coeffs[i]); mag > bestMag {
			best, bestMag = i, mag
		}
	}
	if best == 0 {
		return 0
	}
	return fft.Freq(best) * rate
}

// Timing describes the time axis of ld from its sample timestamps.
func Timing(ld *models.LDFile) TimingInfo {
	info := TimingInfo{
		Rows:         len(ld.Samples),
		DeclaredRate: float64(ld.Header.SampleRate),
		Monotonic:    true,
	}
	if len(ld.Samples) == 0 {
		return info
	}

	info.Start = ld.Samples[0].Timestamp
	info.End = ld.Samples[len(ld.Samples)-1].Timestamp
	info.Duration = info.End - info.Start
	info.EffectiveRate = effectiveRate(ld)

	for i := 1; i < len(ld.Samples); i++ {
		if ld.Samples[i].Timestamp < ld.Samples[i-1].Timestamp {
			info.Monotonic = false
			break
		}
	}
	return info
}

// effectiveRate derives rows per second from the timestamps, falling back to
// the declared header rate when the time axis is degenerate.
func effectiveRate(ld *models.LDFile) float64 {
	n := len(ld.Samples)
	if n >= 2 {
		span := ld.Samples[n-1].Timestamp - ld.Samples[0].Timestamp
		if span > 0 && !math.IsInf(span, 0) {
			return float64(n-1) / span
		}
	}
	return float64(ld.Header.SampleRate)
}

func finite(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}
