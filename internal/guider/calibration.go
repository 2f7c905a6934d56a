package guider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/telescope-ops/donutsbridge/internal/config"
	"github.com/telescope-ops/donutsbridge/internal/donuts"
	"github.com/telescope-ops/donutsbridge/internal/events"
	"github.com/telescope-ops/donutsbridge/internal/paths"
)

// commandDriver is the slice of the engine the calibration routine drives.
type commandDriver interface {
	pulseGuide(ctx context.Context, direction int, durationMs float64) error
	cameraShot(ctx context.Context, exptime, filterIndex, binning int, hostFilename string) error
	gotoRADec(ctx context.Context, ra, dec string) error
}

// Calibrator empirically determines, for each mount direction, which image
// axis and sign the mount moves along and how many milliseconds of pulse
// correspond to one pixel.
type Calibrator struct {
	cfg         *config.Config
	log         *events.EventLogger
	mapper      *paths.Mapper
	newAnalyzer AnalyzerFactory
	fullMask    [][]bool

	imageID int
}

// NewCalibrator wires a calibration routine.
func NewCalibrator(cfg *config.Config, log *events.EventLogger, mapper *paths.Mapper,
	newAnalyzer AnalyzerFactory, fullMask [][]bool) *Calibrator {
	return &Calibrator{
		cfg:         cfg,
		log:         log,
		mapper:      mapper,
		newAnalyzer: newAnalyzer,
		fullMask:    fullMask,
	}
}

// run performs the full calibration procedure: a reference exposure, then N
// iterations of pulse-shot-measure over the four mount directions, then the
// aggregation report. Direction inconsistencies suppress the paste-ready
// config lines but never abort the session.
func (c *Calibrator) run(ctx context.Context, drv commandDriver, flip FlipStatus, isGEM bool) error {
	dir, err := c.mapper.DataDir(c.cfg.CalibrationRoot)
	if err != nil {
		return &BridgeError{Kind: ErrKindCalibration, Message: "prepare calibration dir", Cause: err}
	}
	c.clearStaleFrames(dir)

	reportPath := filepath.Join(dir,
		fmt.Sprintf("donuts_calibration_%s.txt", time.Now().UTC().Format("2006-01-02T15:04:05")))

	directionStore := make(map[int][]string)
	scaleStore := make(map[int][]float64)

	// Optional pre-point so calibration runs at a known hour angle.
	if c.cfg.CalibrationPointingRA != "" && c.cfg.CalibrationPointingDec != "" {
		if err := drv.gotoRADec(ctx, c.cfg.CalibrationPointingRA, c.cfg.CalibrationPointingDec); err != nil {
			return &BridgeError{Kind: ErrKindCalibration, Message: "calibration pre-point failed", Cause: err}
		}
	}

	// Reference exposure at the current pointing.
	refCont := c.frameFilename(dir, "R", 0)
	refHost := c.mapper.ToHost(paths.KindCalibration, refCont)
	if err := drv.cameraShot(ctx, c.cfg.CalibrationExptime, c.cfg.CalibrationFilterIndex,
		c.cfg.CalibrationBinning, refHost); err != nil {
		return &BridgeError{Kind: ErrKindCalibration, Message: "reference exposure failed", Cause: err}
	}
	c.imageID++

	analyzer, err := c.buildAnalyzer(refCont)
	if err != nil {
		return &BridgeError{Kind: ErrKindCalibration, Message: "open reference exposure", Cause: err}
	}

	for iter := 0; iter < c.cfg.CalibrationNIterations; iter++ {
		for d := 0; d < 4; d++ {
			if err := drv.pulseGuide(ctx, d, float64(c.cfg.CalibrationStepSizeMs)); err != nil {
				return &BridgeError{Kind: ErrKindCalibration,
					Message: fmt.Sprintf("pulse guide direction %d failed", d), Cause: err}
			}

			frameCont := c.frameFilename(dir, fmt.Sprintf("%d", d), c.cfg.CalibrationStepSizeMs)
			frameHost := c.mapper.ToHost(paths.KindCalibration, frameCont)
			if err := drv.cameraShot(ctx, c.cfg.CalibrationExptime, c.cfg.CalibrationFilterIndex,
				c.cfg.CalibrationBinning, frameHost); err != nil {
				return &BridgeError{Kind: ErrKindCalibration,
					Message: fmt.Sprintf("exposure after direction %d failed", d), Cause: err}
			}
			c.imageID++

			dx, dy, err := analyzer.MeasureShift(frameCont)
			if err != nil {
				return &BridgeError{Kind: ErrKindCalibration, Message: "measure calibration shift", Cause: err}
			}
			shiftDir, magnitude := dominantShift(dx, dy)
			c.log.LogCalibrationStep(d, shiftDir, magnitude)
			directionStore[d] = append(directionStore[d], shiftDir)
			scaleStore[d] = append(scaleStore[d], magnitude)

			// Re-anchor on the frame just taken so each step measures one
			// pulse, not the accumulated offset.
			analyzer, err = c.buildAnalyzer(frameCont)
			if err != nil {
				return &BridgeError{Kind: ErrKindCalibration, Message: "re-anchor reference", Cause: err}
			}
		}
	}

	return c.writeReport(reportPath, directionStore, scaleStore, flip, isGEM)
}

func (c *Calibrator) buildAnalyzer(refPath string) (ShiftAnalyzer, error) {
	var mask [][]bool
	if c.fullMask != nil {
		mask = donuts.BinMask(c.fullMask, c.cfg.CalibrationBinning, c.cfg.CalibrationBinning)
	}
	return c.newAnalyzer(refPath, mask)
}

// frameFilename names a calibration exposure by step counter, direction and
// pulse length.
func (c *Calibrator) frameFilename(dir, direction string, pulseMs int) string {
	return filepath.Join(dir, fmt.Sprintf("step_%06d_d%s_%dms%s",
		c.imageID, direction, pulseMs, c.cfg.ImageExtension))
}

// clearStaleFrames removes leftover exposures from an earlier run so the
// shift measurements cannot pick up the wrong file.
func (c *Calibrator) clearStaleFrames(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if strings.EqualFold(filepath.Ext(entry.Name()), c.cfg.ImageExtension) {
			os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}

// dominantShift reduces a 2D offset to its dominant axis and sign, plus the
// magnitude along that axis. The sign convention is the direction the mount
// must move to undo the shift.
func dominantShift(dx, dy float64) (string, float64) {
	if abs(dx) > abs(dy) {
		if dx > 0 {
			return "-x", abs(dx)
		}
		return "+x", abs(dx)
	}
	if dy > 0 {
		return "-y", abs(dy)
	}
	return "+y", abs(dy)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// writeReport persists the measurement stores, the averaged scales and,
// when every direction was consistent across iterations, the paste-ready
// config lines namespaced for the current pier side.
func (c *Calibrator) writeReport(path string, directions map[int][]string,
	scales map[int][]float64, flip FlipStatus, isGEM bool) error {

	skipConfigLines := false

	dirIDs := sortedKeys(directions)
	for _, d := range dirIDs {
		seen := make(map[string]struct{})
		for _, s := range directions[d] {
			seen[s] = struct{}{}
		}
		if len(seen) != 1 {
			c.log.Raw().Error("calibration_direction_inconsistent",
				"mount_direction", d, "measurements", fmt.Sprintf("%v", directions[d]))
			skipConfigLines = true
		}
		if err := appendToFile(path, fmt.Sprintf("%d %v\n", d, directions[d])); err != nil {
			return err
		}
	}

	ratios := make(map[int]float64)
	for _, d := range dirIDs {
		ratio := float64(c.cfg.CalibrationStepSizeMs) / stat.Mean(scales[d], nil) / float64(c.cfg.CalibrationBinning)
		ratios[d] = ratio
		if err := appendToFile(path, fmt.Sprintf("%d: %v\n", d, scales[d])); err != nil {
			return err
		}
		if err := appendToFile(path, fmt.Sprintf("%d: %.2f ms/pixel\n", d, ratio)); err != nil {
			return err
		}
	}

	if skipConfigLines {
		appendToFile(path, "\nPROBLEM WITH CALIBRATED DIRECTIONS, SKIPPED SUMMARY LINES\n")
		appendToFile(path, "SEE REPORT ABOVE FOR CAUSE OF ISSUE\n")
		return nil
	}

	suffix := ""
	if isGEM {
		if flip == FlipBefore {
			suffix = "_east"
		} else {
			suffix = "_west"
		}
	}
	pixelsLine := fmt.Sprintf("pixels_to_time%s = {", suffix)
	directionsLine := fmt.Sprintf("guide_directions%s = {", suffix)
	for i, d := range dirIDs {
		if i > 0 {
			pixelsLine += ", "
			directionsLine += ", "
		}
		pixelsLine += fmt.Sprintf("%q = %.2f", directions[d][0], ratios[d])
		directionsLine += fmt.Sprintf("%q = %d", directions[d][0], d)
	}
	pixelsLine += "}\n"
	directionsLine += "}\n"

	appendToFile(path, "\nCopy the lines below into the .toml config file\n")
	appendToFile(path, "Be sure to remove any conflicting calibration data\n")
	appendToFile(path, pixelsLine)
	return appendToFile(path, directionsLine)
}

func sortedKeys(m map[int][]string) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func appendToFile(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("append calibration report: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append calibration report: %w", err)
	}
	return nil
}
