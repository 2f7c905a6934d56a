package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const forkConfig = `
socket_ip = "127.0.0.1"
socket_port = 5950
host = "obs-pc"
mount_type = "FORK"
ra_axis = "y"

filter_keyword = "FILTER"
field_keyword = "OBJECT"
ra_keyword = "RA"
dec_keyword = "DEC"
xbin_keyword = "XBINNING"
ybin_keyword = "YBINNING"
xsize_keyword = "NAXIS1"
ysize_keyword = "NAXIS2"
xorigin_keyword = "XORGSUBF"
yorigin_keyword = "YORGSUBF"

data_root = "/donuts/data"
reference_root = "/donuts/refs"
calibration_root = "/donuts/calib"
data_root_host = 'H:\data'
reference_root_host = 'H:\refs'
calibration_root_host = 'H:\calib'

calibration_step_size_ms = 5000
calibration_n_iterations = 3
calibration_exptime = 5
calibration_binning = 1

max_error_pixels = 15.0
guide_buffer_length = 10
guide_buffer_sigma = 4.0
n_images_to_stabilise = 7
donuts_subtract_bkg = true

pixels_to_time = {"+x" = 95.5, "-x" = 94.1, "+y" = 101.0, "-y" = 102.3}
guide_directions = {"+x" = 0, "-x" = 1, "+y" = 2, "-y" = 3}

[pid_coeffs]
set_x = 0.0
set_y = 0.0

[pid_coeffs.x]
p = 0.8
i = 0.1
d = 0.0

[pid_coeffs.y]
p = 0.7
i = 0.2
d = 0.0

[database]
host = "db.local:3306"
user = "donuts"
database = "donuts"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "donuts.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadForkConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, forkConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketPort != 5950 || cfg.Host != "obs-pc" {
		t.Errorf("endpoint = %s:%d host %s", cfg.SocketIP, cfg.SocketPort, cfg.Host)
	}
	if cfg.IsGEM() {
		t.Error("fork config reports GEM")
	}
	if cfg.PixelsToTime["+x"] != 95.5 || cfg.GuideDirections["-y"] != 3 {
		t.Errorf("calibration tables = %v / %v", cfg.PixelsToTime, cfg.GuideDirections)
	}
	if cfg.PIDCoeffs.X.P != 0.8 || cfg.PIDCoeffs.Y.I != 0.2 {
		t.Errorf("pid coeffs = %+v", cfg.PIDCoeffs)
	}
	if cfg.NImagesToStabilise != 7 || cfg.MaxErrorPixels != 15 {
		t.Errorf("tuning = %d / %v", cfg.NImagesToStabilise, cfg.MaxErrorPixels)
	}
	// Defaults fill unset values.
	if cfg.ImageExtension != ".fit" || cfg.LoggingLevel != "info" {
		t.Errorf("defaults not applied: ext=%q level=%q", cfg.ImageExtension, cfg.LoggingLevel)
	}
	if cfg.Database.DSN() != "donuts:@tcp(db.local:3306)/donuts?parseTime=true" {
		t.Errorf("dsn = %s", cfg.Database.DSN())
	}
}

func TestGEMConfigRequiresEastWestTables(t *testing.T) {
	body := forkConfig + "\n"
	body = replaceLine(body, `mount_type = "FORK"`, `mount_type = "GEM"`)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("GEM config without east/west tables loaded")
	}

	body = replaceLine(body,
		`guide_directions = {"+x" = 0, "-x" = 1, "+y" = 2, "-y" = 3}`,
		`guide_directions = {"+x" = 0, "-x" = 1, "+y" = 2, "-y" = 3}
pixels_to_time_east = {"+x" = 95.5, "-x" = 94.1, "+y" = 101.0, "-y" = 102.3}
pixels_to_time_west = {"+x" = 95.5, "-x" = 94.1, "+y" = 101.0, "-y" = 102.3}
guide_directions_east = {"+x" = 0, "-x" = 1, "+y" = 2, "-y" = 3}
guide_directions_west = {"+x" = 1, "-x" = 0, "+y" = 3, "-y" = 2}`)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("full GEM config rejected: %v", err)
	}
	if !cfg.IsGEM() {
		t.Error("GEM config not recognised")
	}
}

func TestForkConfigRequiresTables(t *testing.T) {
	body := replaceLine(forkConfig,
		`pixels_to_time = {"+x" = 95.5, "-x" = 94.1, "+y" = 101.0, "-y" = 102.3}`, "")
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("fork config without pixels_to_time loaded")
	}
}

func TestBadRAAxisRejected(t *testing.T) {
	body := replaceLine(forkConfig, `ra_axis = "y"`, `ra_axis = "z"`)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("ra_axis z accepted")
	}
}

func TestEnvOverridesDatabase(t *testing.T) {
	t.Setenv("DONUTS_DB_PASSWORD", "hunter2")
	cfg, err := Load(writeConfig(t, forkConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Password != "hunter2" {
		t.Errorf("password override not applied")
	}
}

func replaceLine(body, old, repl string) string {
	return strings.Replace(body, old, repl, 1)
}
