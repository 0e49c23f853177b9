package datasets

import "fmt"

// PadRows right-pads the row dimension of a flat row-major buffer with zero
// rows up to target rows of the given width. The buffer must hold exactly
// rows*width values. When rows == target the original buffer is returned
// unchanged.
//
// Batches fed to the models must keep a fixed shape (gomlx recompiles the
// computation graph for every new shape), so final partial batches and
// missing cell-type profiles are both padded through here.
func PadRows(buf []float32, rows, width, target int) ([]float32, error) {
	if width <= 0 {
		return nil, fmt.Errorf("width must be > 0, got %d", width)
	}
	if len(buf) != rows*width {
		return nil, fmt.Errorf("buffer holds %d values, expected %d (%d rows x %d)", len(buf), rows*width, rows, width)
	}
	if rows > target {
		return nil, fmt.Errorf("cannot pad %d rows down to %d", rows, target)
	}
	if rows == target {
		return buf, nil
	}
	padded := make([]float32, target*width)
	copy(padded, buf)
	return padded, nil
}
