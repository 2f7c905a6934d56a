// Package guide turns raw image shifts into mount corrections: oversize
// gating, stabilisation, ring-buffer outlier rejection, PID filtering and
// the conversion to pulse-guide direction/duration pairs.
package guide

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// ErrStabiliseFailed means the configured number of stabilisation attempts
// was exhausted without the offsets settling. Guiding cannot continue.
var ErrStabiliseFailed = errors.New("failed to stabilise guiding")

// stabiliseThreshold is the per-axis offset (pixels) below which the field
// is considered settled.
const stabiliseThreshold = 2.0

// Tables holds the active per-direction calibration: mount direction ids and
// millisecond-per-pixel scales keyed by "+x", "-x", "+y", "-y".
type Tables struct {
	PixelsToTime    map[string]float64
	GuideDirections map[string]int
}

// Correction is a pair of pulse-guide commands, one per axis. A zero
// duration on both axes is a null correction and sends nothing.
type Correction struct {
	DirX, DirY int
	DurX, DurY float64 // milliseconds
}

// IsNull reports whether the correction carries no pulse on either axis.
func (c Correction) IsNull() bool {
	return c.DurX == 0 && c.DurY == 0
}

// Record is the full audit trail of one correction decision, culled or not.
type Record struct {
	RefPath        string
	TargetPath     string
	Stabilised     bool
	RawX, RawY     float64
	PrePIDX        float64
	PrePIDY        float64
	PostPIDX       float64
	PostPIDY       float64
	FinalX, FinalY float64
	BuffSigmaX     float64
	BuffSigmaY     float64
	CulledOversize bool
	CulledOutlier  bool
	Timestamp      time.Time
}

// Config carries the tuning constants for a Pipeline.
type Config struct {
	MaxErrorPixels    float64
	BufferLength      int
	BufferSigma       float64
	ImagesToStabilise int
	RAAxis            string // "x" or "y"

	PX, IX, DX float64
	PY, IY, DY float64
	SetX, SetY float64
}

// Pipeline is the per-configuration correction state. It is owned by the
// guide worker and not safe for concurrent use.
type Pipeline struct {
	cfg    Config
	tables Tables

	pidX, pidY *PID
	buffX      []float64
	buffY      []float64

	stabilised   bool
	attemptsLeft int
}

// NewPipeline builds a pipeline in the unstabilised state.
func NewPipeline(cfg Config, tables Tables) *Pipeline {
	p := &Pipeline{cfg: cfg, tables: tables}
	p.Reset()
	return p
}

// Reset returns the pipeline to its pre-stabilisation state: pure
// proportional control, empty ring buffer, full attempt budget. Called on
// every observing-key change.
func (p *Pipeline) Reset() {
	p.stabilised = false
	p.attemptsLeft = p.cfg.ImagesToStabilise
	p.initPID(false)
	p.buffX = nil
	p.buffY = nil
}

// SetTables swaps the active calibration tables (pier flip).
func (p *Pipeline) SetTables(t Tables) {
	p.tables = t
}

// Stabilised reports whether the initial acquisition phase has completed.
func (p *Pipeline) Stabilised() bool {
	return p.stabilised
}

func (p *Pipeline) initPID(stabilised bool) {
	if stabilised {
		p.pidX = NewPID(p.cfg.PX, p.cfg.IX, p.cfg.DX)
		p.pidY = NewPID(p.cfg.PY, p.cfg.IY, p.cfg.DY)
	} else {
		// Pure proportional while acquiring the field.
		p.pidX = NewPID(1, 0, 0)
		p.pidY = NewPID(1, 0, 0)
	}
	p.pidX.SetPoint(p.cfg.SetX)
	p.pidY.SetPoint(p.cfg.SetY)
}

// NullCorrection returns a zero-duration correction with the positive-axis
// direction placeholders.
func (p *Pipeline) NullCorrection() Correction {
	return Correction{
		DirX: p.tables.GuideDirections["+x"],
		DirY: p.tables.GuideDirections["+y"],
	}
}

// Process runs one measured shift through the whole decision chain and
// returns the correction plus the record to log. ErrStabiliseFailed is
// terminal for the guiding session.
func (p *Pipeline) Process(refPath, targetPath string, rawX, rawY, decDeg float64, xbin, ybin int) (Correction, *Record, error) {
	rec := &Record{
		RefPath:    refPath,
		TargetPath: targetPath,
		Stabilised: p.stabilised,
		RawX:       rawX,
		RawY:       rawY,
		Timestamp:  time.Now().UTC(),
	}

	oversize := math.Abs(rawX) > p.cfg.MaxErrorPixels || math.Abs(rawY) > p.cfg.MaxErrorPixels

	// Oversize gate: once stabilised a jump this large is noise, not drift.
	if oversize && p.stabilised {
		rec.CulledOversize = true
		return p.NullCorrection(), rec, nil
	}

	prePIDX, prePIDY := rawX, rawY
	if oversize {
		prePIDX, prePIDY = p.truncate(rawX, rawY)
	}
	rec.PrePIDX = prePIDX
	rec.PrePIDY = prePIDY

	if err := p.advanceStabilisation(prePIDX, prePIDY); err != nil {
		return Correction{}, rec, err
	}
	rec.Stabilised = p.stabilised

	// Ring-buffer outlier rejection, active once the buffer is full.
	p.trimBuffers()
	sigmaX, sigmaY := 0.0, 0.0
	if len(p.buffX) >= p.cfg.BufferLength && len(p.buffY) >= p.cfg.BufferLength {
		sigmaX = stat.PopStdDev(p.buffX, nil)
		sigmaY = stat.PopStdDev(p.buffY, nil)
		rec.BuffSigmaX = sigmaX
		rec.BuffSigmaY = sigmaY
		if math.Abs(prePIDX) > p.cfg.BufferSigma*sigmaX || math.Abs(prePIDY) > p.cfg.BufferSigma*sigmaY {
			// Append before culling so a persistent drift widens the
			// statistics and eventually passes.
			p.buffX = append(p.buffX, prePIDX)
			p.buffY = append(p.buffY, prePIDY)
			rec.CulledOutlier = true
			return p.NullCorrection(), rec, nil
		}
	}
	rec.BuffSigmaX = sigmaX
	rec.BuffSigmaY = sigmaY

	postPIDX := p.pidX.Update(prePIDX) * -1
	postPIDY := p.pidY.Update(prePIDY) * -1
	rec.PostPIDX = postPIDX
	rec.PostPIDY = postPIDY

	finalX, finalY := p.truncate(postPIDX, postPIDY)
	rec.FinalX = finalX
	rec.FinalY = finalY

	corr := p.directionAndDuration(finalX, finalY, decDeg, xbin, ybin)

	p.buffX = append(p.buffX, prePIDX)
	p.buffY = append(p.buffY, prePIDY)

	return corr, rec, nil
}

// advanceStabilisation updates the acquisition state machine with the
// clamped pre-PID offsets.
func (p *Pipeline) advanceStabilisation(preX, preY float64) error {
	if p.stabilised {
		return nil
	}
	settled := math.Abs(preX) < stabiliseThreshold && math.Abs(preY) < stabiliseThreshold
	switch {
	case settled:
		p.stabilised = true
		p.attemptsLeft = p.cfg.ImagesToStabilise
		p.initPID(true)
		p.buffX = nil
		p.buffY = nil
	case p.attemptsLeft >= 0:
		p.initPID(false)
		p.attemptsLeft--
	default:
		return fmt.Errorf("%w after %d images", ErrStabiliseFailed, p.cfg.ImagesToStabilise)
	}
	return nil
}

func (p *Pipeline) trimBuffers() {
	for len(p.buffX) > p.cfg.BufferLength {
		p.buffX = p.buffX[1:]
	}
	for len(p.buffY) > p.cfg.BufferLength {
		p.buffY = p.buffY[1:]
	}
}

func (p *Pipeline) truncate(x, y float64) (float64, float64) {
	max := p.cfg.MaxErrorPixels
	return clamp(x, max), clamp(y, max)
}

func clamp(v, max float64) float64 {
	if v >= max {
		return max
	}
	if v <= -max {
		return -max
	}
	return v
}

// directionAndDuration converts the final pixel offsets into mount direction
// ids and pulse durations, scaling the RA axis by 1/cos(dec) and both axes
// by the binning factors.
func (p *Pipeline) directionAndDuration(x, y, decDeg float64, xbin, ybin int) Correction {
	cosDec := math.Cos(decDeg * math.Pi / 180)

	dirX := p.tables.GuideDirections["+x"]
	durX := 0.0
	switch {
	case x > 0:
		durX = x * p.tables.PixelsToTime["+x"]
		dirX = p.tables.GuideDirections["+x"]
	case x < 0:
		durX = math.Abs(x * p.tables.PixelsToTime["-x"])
		dirX = p.tables.GuideDirections["-x"]
	}
	if p.cfg.RAAxis == "x" && durX != 0 {
		durX /= cosDec
	}

	dirY := p.tables.GuideDirections["+y"]
	durY := 0.0
	switch {
	case y > 0:
		durY = y * p.tables.PixelsToTime["+y"]
		dirY = p.tables.GuideDirections["+y"]
	case y < 0:
		durY = math.Abs(y * p.tables.PixelsToTime["-y"])
		dirY = p.tables.GuideDirections["-y"]
	}
	if p.cfg.RAAxis == "y" && durY != 0 {
		durY /= cosDec
	}

	return Correction{
		DirX: dirX,
		DirY: dirY,
		DurX: durX * float64(xbin),
		DurY: durY * float64(ybin),
	}
}
