package guider

import (
	"github.com/telescope-ops/donutsbridge/internal/config"
	"github.com/telescope-ops/donutsbridge/internal/guide"
)

// FlipTracker follows the mount's pier side across corrections. On a GEM a
// BEFORE/AFTER transition swaps the active calibration tables and counts as
// an observing-key change; a fork mount disables the logic entirely.
type FlipTracker struct {
	isGEM bool
	last  FlipStatus
}

// NewFlipTracker starts tracking from the initial status. isGEM comes from
// configuration but is overridden to false when the mount reports FORK.
func NewFlipTracker(isGEM bool, initial FlipStatus) *FlipTracker {
	if initial == FlipFork {
		isGEM = false
	}
	return &FlipTracker{isGEM: isGEM, last: initial}
}

// IsGEM reports whether flip polling is still required.
func (t *FlipTracker) IsGEM() bool {
	return t.isGEM
}

// Current returns the last known flip status.
func (t *FlipTracker) Current() FlipStatus {
	if !t.isGEM {
		return FlipFork
	}
	return t.last
}

// Update folds a fresh host flip status in and reports whether the pier
// side changed. FORK permanently stops polling.
func (t *FlipTracker) Update(raw int) (FlipStatus, bool, error) {
	status, err := MapHostFlipStatus(raw)
	if err != nil {
		return status, false, err
	}
	if status == FlipFork {
		t.isGEM = false
		t.last = status
		return status, false, nil
	}
	changed := status != t.last
	t.last = status
	return status, changed, nil
}

// ActiveTables selects the calibration tables for the current flip state.
func ActiveTables(cfg *config.Config, flip FlipStatus) guide.Tables {
	if cfg.IsGEM() {
		switch flip {
		case FlipBefore:
			return guide.Tables{
				PixelsToTime:    cfg.PixelsToTimeEast,
				GuideDirections: cfg.GuideDirectionsEast,
			}
		case FlipAfter:
			return guide.Tables{
				PixelsToTime:    cfg.PixelsToTimeWest,
				GuideDirections: cfg.GuideDirectionsWest,
			}
		}
	}
	return guide.Tables{
		PixelsToTime:    cfg.PixelsToTime,
		GuideDirections: cfg.GuideDirections,
	}
}
