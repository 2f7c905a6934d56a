package paths

import (
	"testing"
	"time"
)

func fixedMapper(now time.Time) *Mapper {
	m := NewMapper(
		"/data", "/calib", "/refs",
		`H:\data`, `H:\calib`, `H:\refs`,
	)
	m.now = func() time.Time { return now }
	return m
}

func TestTonightEveningVsMorning(t *testing.T) {
	evening := time.Date(2024, 3, 5, 22, 0, 0, 0, time.Local)
	if got := tonight(evening); got != "2024-03-05" {
		t.Errorf("evening tonight = %s, want 2024-03-05", got)
	}

	// Before local midday the night still belongs to the previous date.
	morning := time.Date(2024, 3, 6, 3, 0, 0, 0, time.Local)
	if got := tonight(morning); got != "2024-03-05" {
		t.Errorf("morning tonight = %s, want 2024-03-05", got)
	}
}

func TestToContainerRewritesHostPath(t *testing.T) {
	m := fixedMapper(time.Date(2024, 3, 5, 22, 0, 0, 0, time.Local))

	got := m.ToContainer(KindData, `H:\data\2024-03-05\frame_0001.fit`)
	want := "/data/2024-03-05/frame_0001.fit"
	if got != want {
		t.Errorf("ToContainer = %s, want %s", got, want)
	}

	// References are flat: no nightly subdirectory.
	got = m.ToContainer(KindReference, `H:\refs\ref_0001.fit`)
	if got != "/refs/ref_0001.fit" {
		t.Errorf("ToContainer reference = %s", got)
	}
}

func TestToHostRewritesContainerPath(t *testing.T) {
	m := fixedMapper(time.Date(2024, 3, 5, 22, 0, 0, 0, time.Local))

	got := m.ToHost(KindCalibration, "/calib/2024-03-05/step_000001_d0_500ms.fit")
	want := `H:\calib\2024-03-05\step_000001_d0_500ms.fit`
	if got != want {
		t.Errorf("ToHost = %s, want %s", got, want)
	}
}

func TestRoundTripKeepsFilename(t *testing.T) {
	m := fixedMapper(time.Date(2024, 3, 5, 22, 0, 0, 0, time.Local))
	host := `H:\data\2024-03-05\a.fit`
	if back := m.ToHost(KindData, m.ToContainer(KindData, host)); back != host {
		t.Errorf("round trip = %s, want %s", back, host)
	}
}

func TestDataDirCreates(t *testing.T) {
	m := fixedMapper(time.Date(2024, 3, 5, 22, 0, 0, 0, time.Local))
	root := t.TempDir()
	dir, err := m.DataDir(root)
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}
	if dir != root+"/2024-03-05" {
		t.Errorf("DataDir = %s", dir)
	}
	// Idempotent.
	if _, err := m.DataDir(root); err != nil {
		t.Errorf("second DataDir: %v", err)
	}
}
