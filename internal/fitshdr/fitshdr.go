// Package fitshdr reads the primary-header keywords that identify an
// observing configuration from FITS science frames.
package fitshdr

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
)

// Keywords names the header cards carrying each observing-key field. The
// names come from configuration because every camera vendor spells them
// differently.
type Keywords struct {
	Filter  string
	Field   string
	RA      string
	Dec     string
	XBin    string
	YBin    string
	XSize   string
	YSize   string
	XOrigin string
	YOrigin string
}

// Frame is the observing metadata extracted from one science frame.
type Frame struct {
	Field   string
	Filter  string
	XBin    int
	YBin    int
	XSize   int
	YSize   int
	XOrigin int
	YOrigin int
	DecDeg  float64
}

// Read opens path and extracts the keyed header fields.
func Read(path string, keys Keywords) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fits %s: %w", path, err)
	}
	defer f.Close()

	fits, err := fitsio.Open(f)
	if err != nil {
		return nil, fmt.Errorf("read fits %s: %w", path, err)
	}
	defer fits.Close()

	hdr := fits.HDU(0).Header()

	frame := &Frame{}
	if frame.Field, err = stringCard(hdr, keys.Field); err != nil {
		return nil, err
	}
	if frame.Filter, err = stringCard(hdr, keys.Filter); err != nil {
		return nil, err
	}
	if frame.XBin, err = intCard(hdr, keys.XBin); err != nil {
		return nil, err
	}
	if frame.YBin, err = intCard(hdr, keys.YBin); err != nil {
		return nil, err
	}
	if frame.XSize, err = intCard(hdr, keys.XSize); err != nil {
		return nil, err
	}
	if frame.YSize, err = intCard(hdr, keys.YSize); err != nil {
		return nil, err
	}
	if frame.XOrigin, err = intCard(hdr, keys.XOrigin); err != nil {
		return nil, err
	}
	if frame.YOrigin, err = intCard(hdr, keys.YOrigin); err != nil {
		return nil, err
	}

	decStr, err := stringCard(hdr, keys.Dec)
	if err != nil {
		return nil, err
	}
	if frame.DecDeg, err = ParseSexagesimalDec(decStr); err != nil {
		return nil, err
	}
	return frame, nil
}

// ParseSexagesimalDec converts "DD MM SS.ss" (sign on the degrees field)
// into decimal degrees.
func ParseSexagesimalDec(s string) (float64, error) {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) != 3 {
		return 0, fmt.Errorf("parse declination %q: want \"DD MM SS.ss\"", s)
	}
	d, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse declination %q: %w", s, err)
	}
	m, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parse declination %q: %w", s, err)
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("parse declination %q: %w", s, err)
	}
	if strings.HasPrefix(parts[0], "-") {
		return d - m/60 - sec/3600, nil
	}
	return d + m/60 + sec/3600, nil
}

func stringCard(hdr *fitsio.Header, name string) (string, error) {
	card := hdr.Get(name)
	if card == nil {
		return "", fmt.Errorf("fits header: missing keyword %s", name)
	}
	switch v := card.Value.(type) {
	case string:
		return strings.TrimSpace(v), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func intCard(hdr *fitsio.Header, name string) (int, error) {
	card := hdr.Get(name)
	if card == nil {
		return 0, fmt.Errorf("fits header: missing keyword %s", name)
	}
	switch v := card.Value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("fits header: keyword %s: %w", name, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("fits header: keyword %s has unexpected type %T", name, v)
	}
}
