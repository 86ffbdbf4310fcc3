package audio

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// BandCount is the number of spectrum slices in a Sample.
const BandCount = 32

// Sample is one visualization frame.
type Sample struct {
	Level float64            `json:"level"`
	Bands [BandCount]float64 `json:"bands"`
}

// Analyser reproduces the byte frequency data of a browser analyser node:
// Blackman window, FFT, temporal smoothing of magnitudes and a dB to byte mapping.
type Analyser struct {
	fftSize   int
	smoothing float64
	minDB     float64
	maxDB     float64

	fft      *fourier.FFT
	window   []float64
	input    []float64
	coeffs   []complex128
	smoothed []float64
	bytes    []uint8
}

func NewAnalyser(fftSize int, smoothing, minDB, maxDB float64) *Analyser {
	if fftSize < 2*BandCount || fftSize&(fftSize-1) != 0 {
		fftSize = 512
	}
	smoothing = math.Max(0, math.Min(smoothing, 1))
	if maxDB <= minDB {
		minDB, maxDB = -90, -10
	}

	bins := fftSize / 2
	a := &Analyser{
		fftSize:   fftSize,
		smoothing: smoothing,
		minDB:     minDB,
		maxDB:     maxDB,
		fft:       fourier.NewFFT(fftSize),
		window:    make([]float64, fftSize),
		input:     make([]float64, fftSize),
		coeffs:    make([]complex128, bins+1),
		smoothed:  make([]float64, bins),
		bytes:     make([]uint8, bins),
	}
	const a0, a1, a2 = 0.42, 0.5, 0.08
	for i := range a.window {
		x := float64(i) / float64(fftSize)
		a.window[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return a
}

// BinCount is the number of frequency bins (half the FFT size).
func (a *Analyser) BinCount() int {
	return a.fftSize / 2
}

// Analyse takes the latest window from src and returns the derived sample.
func (a *Analyser) Analyse(src Source) Sample {
	src.Window(a.input)
	for i, w := range a.window {
		a.input[i] *= w
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.input)

	scale := 1 / float64(a.fftSize)
	byteScale := 255 / (a.maxDB - a.minDB)
	for k := range a.smoothed {
		re, im := real(a.coeffs[k]), imag(a.coeffs[k])
		mag := math.Hypot(re, im) * scale
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag

		v := 0.0
		if a.smoothed[k] > 0 {
			db := 20 * math.Log10(a.smoothed[k])
			v = math.Floor(byteScale * (db - a.minDB))
		}
		a.bytes[k] = uint8(math.Max(0, math.Min(v, 255)))
	}
	return summarize(a.bytes)
}

// Release drops the analysis buffers. The analyser must not be used afterwards.
func (a *Analyser) Release() {
	a.fft = nil
	a.window = nil
	a.input = nil
	a.coeffs = nil
	a.smoothed = nil
	a.bytes = nil
}

func summarize(data []uint8) Sample {
	var s Sample
	if len(data) == 0 {
		return s
	}

	sum := 0
	for _, v := range data {
		sum += int(v)
	}
	s.Level = math.Min(float64(sum)/float64(len(data))/128, 1)

	size := max(len(data)/BandCount, 1)
	for i := range s.Bands {
		start := i * size
		if start >= len(data) {
			break
		}
		end := min(start+size, len(data))
		bandSum := 0
		for _, v := range data[start:end] {
			bandSum += int(v)
		}
		s.Bands[i] = math.Min(float64(bandSum)/float64(end-start)/255, 1)
	}
	return s
}
