// Package paths handles nightly data directories and the rewriting of image
// paths between the telescope host's view of shared storage and this
// process's mounted view.
package paths

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// DataKind selects which storage root a path belongs to.
type DataKind int

const (
	KindData DataKind = iota
	KindCalibration
	KindReference
)

// Mapper rewrites paths between the container mounts and the host's
// Windows-style paths. Data and calibration roots carry a nightly
// subdirectory; references are flat.
type Mapper struct {
	DataRoot        string
	CalibrationRoot string
	ReferenceRoot   string

	DataRootHost        string
	CalibrationRootHost string
	ReferenceRootHost   string

	// now is swappable for tests.
	now func() time.Time
}

// NewMapper builds a Mapper from the configured root pairs.
func NewMapper(dataRoot, calibRoot, refRoot, dataHost, calibHost, refHost string) *Mapper {
	return &Mapper{
		DataRoot:            dataRoot,
		CalibrationRoot:     calibRoot,
		ReferenceRoot:       refRoot,
		DataRootHost:        dataHost,
		CalibrationRootHost: calibHost,
		ReferenceRootHost:   refHost,
		now:                 time.Now,
	}
}

// ToContainer takes a host-absolute Windows path and returns the equivalent
// path under this process's mounts.
func (m *Mapper) ToContainer(kind DataKind, hostPath string) string {
	parts := strings.Split(hostPath, `\`)
	filename := parts[len(parts)-1]
	night := tonight(m.now())
	switch kind {
	case KindData:
		return fmt.Sprintf("%s/%s/%s", m.DataRoot, night, filename)
	case KindCalibration:
		return fmt.Sprintf("%s/%s/%s", m.CalibrationRoot, night, filename)
	default:
		return fmt.Sprintf("%s/%s", m.ReferenceRoot, filename)
	}
}

// ToHost takes a container path and returns the Windows path the host sees.
func (m *Mapper) ToHost(kind DataKind, containerPath string) string {
	parts := strings.Split(containerPath, "/")
	filename := parts[len(parts)-1]
	night := tonight(m.now())
	switch kind {
	case KindData:
		return fmt.Sprintf(`%s\%s\%s`, m.DataRootHost, night, filename)
	case KindCalibration:
		return fmt.Sprintf(`%s\%s\%s`, m.CalibrationRootHost, night, filename)
	default:
		return fmt.Sprintf(`%s\%s`, m.ReferenceRootHost, filename)
	}
}

// Tonight returns tonight's date string (YYYY-MM-DD). A local time before
// midday still belongs to the previous evening's night.
func Tonight() string {
	return tonight(time.Now())
}

func tonight(now time.Time) string {
	d := now
	if now.Hour() < 12 {
		d = now.AddDate(0, 0, -1)
	}
	return fmt.Sprintf("%d-%02d-%02d", d.Year(), int(d.Month()), d.Day())
}

// DataDir returns tonight's directory under root, creating it if needed.
func (m *Mapper) DataDir(root string) (string, error) {
	dir := fmt.Sprintf("%s/%s", root, tonight(m.now()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return dir, nil
}
