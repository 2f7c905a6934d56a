// Package donuts measures sub-pixel translational offsets between science
// frames by cross-correlating their collapsed 1D flux profiles.
package donuts

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Options tunes how frames are reduced to profiles.
type Options struct {
	// SubtractBackground removes the median level from each profile before
	// correlating. Recommended for moonlit or twilight frames.
	SubtractBackground bool

	// PixelMask marks pixels to exclude, already binned and sliced to the
	// active subframe. Nil disables masking.
	PixelMask [][]bool
}

// Analyzer holds a reference frame's profiles and measures shifts of later
// frames against them.
type Analyzer struct {
	refPath  string
	opts     Options
	nx, ny   int
	profileX []float64
	profileY []float64
}

// New builds an analyzer around the reference frame at refPath.
func New(refPath string, opts Options) (*Analyzer, error) {
	a := &Analyzer{refPath: refPath, opts: opts}
	px, py, nx, ny, err := a.profiles(refPath)
	if err != nil {
		return nil, err
	}
	a.profileX = px
	a.profileY = py
	a.nx = nx
	a.ny = ny
	return a, nil
}

// ReferencePath returns the path of the frame this analyzer was built from.
func (a *Analyzer) ReferencePath() string {
	return a.refPath
}

// MeasureShift returns the (dx, dy) offset of the target frame relative to
// the reference, in pixels.
func (a *Analyzer) MeasureShift(targetPath string) (dx, dy float64, err error) {
	px, py, nx, ny, err := a.profiles(targetPath)
	if err != nil {
		return 0, 0, err
	}
	if nx != a.nx || ny != a.ny {
		return 0, 0, fmt.Errorf("measure shift: target %dx%d does not match reference %dx%d", nx, ny, a.nx, a.ny)
	}
	dx = correlate(a.profileX, px)
	dy = correlate(a.profileY, py)
	return dx, dy, nil
}

// profiles collapses a frame to its 1D x and y flux profiles, applying the
// mask and optional background subtraction.
func (a *Analyzer) profiles(path string) (profX, profY []float64, nx, ny int, err error) {
	data, nx, ny, err := readImage(path)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	if a.opts.PixelMask != nil {
		if len(a.opts.PixelMask) != ny || len(a.opts.PixelMask[0]) != nx {
			return nil, nil, 0, 0, fmt.Errorf("pixel mask %dx%d does not match frame %dx%d",
				lenOrZero(a.opts.PixelMask), len(a.opts.PixelMask), nx, ny)
		}
	}

	profX = make([]float64, nx)
	profY = make([]float64, ny)
	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < nx; ix++ {
			if a.opts.PixelMask != nil && a.opts.PixelMask[iy][ix] {
				continue
			}
			v := data[iy*nx+ix]
			profX[ix] += v
			profY[iy] += v
		}
	}

	if a.opts.SubtractBackground {
		subtractMedian(profX)
		subtractMedian(profY)
	}
	return profX, profY, nx, ny, nil
}

func subtractMedian(p []float64) {
	sorted := make([]float64, len(p))
	copy(sorted, p)
	sort.Float64s(sorted)
	var med float64
	n := len(sorted)
	if n%2 == 1 {
		med = sorted[n/2]
	} else {
		med = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	for i := range p {
		p[i] -= med
	}
}

// correlate returns the sub-pixel lag of the cross-correlation peak between
// a reference profile and a target profile. A positive result means the
// target is displaced toward higher indices.
func correlate(ref, tgt []float64) float64 {
	n := len(ref)
	fft := fourier.NewFFT(n)

	refC := fft.Coefficients(nil, ref)
	tgtC := fft.Coefficients(nil, tgt)

	cross := make([]complex128, len(refC))
	for i := range refC {
		// conj(R) * T places the peak at the target's displacement.
		r := refC[i]
		cross[i] = complex(real(r), -imag(r)) * tgtC[i]
	}

	corr := fft.Sequence(nil, cross)

	peak := 0
	for i := 1; i < n; i++ {
		if corr[i] > corr[peak] {
			peak = i
		}
	}

	// Parabolic refinement through the peak and its circular neighbours.
	prev := corr[(peak-1+n)%n]
	next := corr[(peak+1)%n]
	denom := prev - 2*corr[peak] + next
	frac := 0.0
	if denom != 0 {
		frac = 0.5 * (prev - next) / denom
	}

	lag := float64(peak) + frac
	if lag > float64(n)/2 {
		lag -= float64(n)
	}
	return lag
}
