package donuts

import "fmt"

// LoadMask reads a full-frame boolean mask from a FITS file. Nonzero pixels
// are masked (excluded from the profiles).
func LoadMask(path string) ([][]bool, error) {
	data, nx, ny, err := readImage(path)
	if err != nil {
		return nil, err
	}
	mask := make([][]bool, ny)
	for iy := 0; iy < ny; iy++ {
		row := make([]bool, nx)
		for ix := 0; ix < nx; ix++ {
			row[ix] = data[iy*nx+ix] != 0
		}
		mask[iy] = row
	}
	return mask, nil
}

// BinMask reduces a full-frame mask by the given binning factors. Each
// output cell is the max of its input cell so a single masked pixel masks
// the whole binned pixel. Pixels that do not complete a bin are dropped.
func BinMask(mask [][]bool, xbin, ybin int) [][]bool {
	if xbin == 1 && ybin == 1 {
		return mask
	}
	nrows := len(mask)
	if nrows == 0 {
		return mask
	}
	ncols := len(mask[0])
	outRows := nrows / ybin
	outCols := ncols / xbin
	out := make([][]bool, outRows)
	for oy := 0; oy < outRows; oy++ {
		row := make([]bool, outCols)
		for ox := 0; ox < outCols; ox++ {
			for dy := 0; dy < ybin; dy++ {
				for dx := 0; dx < xbin; dx++ {
					if mask[oy*ybin+dy][ox*xbin+dx] {
						row[ox] = true
					}
				}
			}
		}
		out[oy] = row
	}
	return out
}

// SliceMask cuts the active subframe out of a (binned) full-frame mask.
func SliceMask(mask [][]bool, xorigin, yorigin, xsize, ysize int) ([][]bool, error) {
	if yorigin+ysize > len(mask) || len(mask) == 0 || xorigin+xsize > len(mask[0]) {
		return nil, fmt.Errorf("mask slice [%d:%d, %d:%d] outside %dx%d frame",
			yorigin, yorigin+ysize, xorigin, xorigin+xsize, len(mask), lenOrZero(mask))
	}
	out := make([][]bool, ysize)
	for iy := 0; iy < ysize; iy++ {
		out[iy] = mask[yorigin+iy][xorigin : xorigin+xsize]
	}
	return out, nil
}

func lenOrZero(mask [][]bool) int {
	if len(mask) == 0 {
		return 0
	}
	return len(mask[0])
}
