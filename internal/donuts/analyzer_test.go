package donuts

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"
)

// writeStarFrame writes an nx x ny frame holding one gaussian star on a flat
// background.
func writeStarFrame(t *testing.T, path string, nx, ny int, starX, starY float64) {
	t.Helper()

	data := make([]int16, nx*ny)
	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < nx; ix++ {
			dx := float64(ix) - starX
			dy := float64(iy) - starY
			flux := 100.0 + 5000.0*math.Exp(-(dx*dx+dy*dy)/(2*2.0*2.0))
			data[iy*nx+ix] = int16(flux)
		}
	}

	w, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer w.Close()

	f, err := fitsio.Create(w)
	if err != nil {
		t.Fatalf("fitsio create: %v", err)
	}
	defer f.Close()

	img := fitsio.NewImage(16, []int{nx, ny})
	defer img.Close()
	if err := img.Write(&data); err != nil {
		t.Fatalf("write pixels: %v", err)
	}
	if err := f.Write(img); err != nil {
		t.Fatalf("write hdu: %v", err)
	}
}

func TestMeasureShiftWholePixels(t *testing.T) {
	dir := t.TempDir()
	ref := filepath.Join(dir, "ref.fit")
	tgt := filepath.Join(dir, "tgt.fit")

	writeStarFrame(t, ref, 64, 64, 30, 30)
	writeStarFrame(t, tgt, 64, 64, 33, 28)

	a, err := New(ref, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dx, dy, err := a.MeasureShift(tgt)
	if err != nil {
		t.Fatalf("MeasureShift: %v", err)
	}
	if math.Abs(dx-3) > 0.2 || math.Abs(dy-(-2)) > 0.2 {
		t.Errorf("shift = (%.3f, %.3f), want (3, -2)", dx, dy)
	}
}

func TestMeasureShiftZeroForSameFrame(t *testing.T) {
	dir := t.TempDir()
	ref := filepath.Join(dir, "ref.fit")
	writeStarFrame(t, ref, 64, 64, 20, 40)

	a, err := New(ref, Options{SubtractBackground: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dx, dy, err := a.MeasureShift(ref)
	if err != nil {
		t.Fatalf("MeasureShift: %v", err)
	}
	if math.Abs(dx) > 0.05 || math.Abs(dy) > 0.05 {
		t.Errorf("self shift = (%.3f, %.3f), want (0, 0)", dx, dy)
	}
}

func TestMeasureShiftSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	ref := filepath.Join(dir, "ref.fit")
	tgt := filepath.Join(dir, "tgt.fit")
	writeStarFrame(t, ref, 64, 64, 30, 30)
	writeStarFrame(t, tgt, 32, 32, 10, 10)

	a, err := New(ref, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := a.MeasureShift(tgt); err == nil {
		t.Fatal("size mismatch not detected")
	}
}

func TestMaskedPixelsIgnored(t *testing.T) {
	dir := t.TempDir()
	ref := filepath.Join(dir, "ref.fit")
	tgt := filepath.Join(dir, "tgt.fit")

	writeStarFrame(t, ref, 64, 64, 30, 30)
	writeStarFrame(t, tgt, 64, 64, 32, 30)

	// Mask an 8x8 corner; the masked pixels must not disturb the shift.
	mask := make([][]bool, 64)
	for iy := range mask {
		mask[iy] = make([]bool, 64)
	}
	for iy := 0; iy < 8; iy++ {
		for ix := 0; ix < 8; ix++ {
			mask[iy][ix] = true
		}
	}

	a, err := New(ref, Options{PixelMask: mask})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dx, _, err := a.MeasureShift(tgt)
	if err != nil {
		t.Fatalf("MeasureShift: %v", err)
	}
	if math.Abs(dx-2) > 0.2 {
		t.Errorf("masked shift dx = %.3f, want 2", dx)
	}
}

func TestBinMask(t *testing.T) {
	mask := [][]bool{
		{true, false, false, false},
		{false, false, false, false},
		{false, false, false, true},
		{false, false, false, false},
		{false, false, false, false}, // incomplete bin row, dropped
	}
	binned := BinMask(mask, 2, 2)
	if len(binned) != 2 || len(binned[0]) != 2 {
		t.Fatalf("binned dims = %dx%d, want 2x2", len(binned), len(binned[0]))
	}
	if !binned[0][0] {
		t.Error("masked pixel lost in binning")
	}
	if !binned[1][1] {
		t.Error("masked pixel lost in second cell")
	}
	if binned[0][1] || binned[1][0] {
		t.Error("unmasked cells became masked")
	}
}

func TestSliceMask(t *testing.T) {
	mask := make([][]bool, 10)
	for iy := range mask {
		mask[iy] = make([]bool, 10)
	}
	mask[5][6] = true

	sliced, err := SliceMask(mask, 4, 4, 4, 4)
	if err != nil {
		t.Fatalf("SliceMask: %v", err)
	}
	if !sliced[1][2] {
		t.Error("mask bit not carried into subframe slice")
	}

	if _, err := SliceMask(mask, 8, 8, 4, 4); err == nil {
		t.Error("out-of-bounds slice not rejected")
	}
}
