package donuts

import (
	"fmt"
	"os"

	"github.com/astrogo/fitsio"
)

// readImage loads the primary HDU of a FITS file as float64 pixels in
// row-major order (NAXIS1 fastest).
func readImage(path string) (data []float64, nx, ny int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open fits %s: %w", path, err)
	}
	defer f.Close()

	fits, err := fitsio.Open(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read fits %s: %w", path, err)
	}
	defer fits.Close()

	hdu := fits.HDU(0)
	img, ok := hdu.(fitsio.Image)
	if !ok {
		return nil, 0, 0, fmt.Errorf("fits %s: primary HDU is not an image", path)
	}

	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) != 2 {
		return nil, 0, 0, fmt.Errorf("fits %s: want 2 axes, got %d", path, len(axes))
	}
	nx, ny = axes[0], axes[1]
	npix := nx * ny

	data = make([]float64, npix)
	switch hdr.Bitpix() {
	case 8:
		raw := make([]int8, npix)
		if err := img.Read(&raw); err != nil {
			return nil, 0, 0, fmt.Errorf("read pixels %s: %w", path, err)
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	case 16:
		raw := make([]int16, npix)
		if err := img.Read(&raw); err != nil {
			return nil, 0, 0, fmt.Errorf("read pixels %s: %w", path, err)
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	case 32:
		raw := make([]int32, npix)
		if err := img.Read(&raw); err != nil {
			return nil, 0, 0, fmt.Errorf("read pixels %s: %w", path, err)
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	case 64:
		raw := make([]int64, npix)
		if err := img.Read(&raw); err != nil {
			return nil, 0, 0, fmt.Errorf("read pixels %s: %w", path, err)
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	case -32:
		raw := make([]float32, npix)
		if err := img.Read(&raw); err != nil {
			return nil, 0, 0, fmt.Errorf("read pixels %s: %w", path, err)
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	case -64:
		if err := img.Read(&data); err != nil {
			return nil, 0, 0, fmt.Errorf("read pixels %s: %w", path, err)
		}
	default:
		return nil, 0, 0, fmt.Errorf("fits %s: unsupported bitpix %d", path, hdr.Bitpix())
	}
	return data, nx, ny, nil
}
