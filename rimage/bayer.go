package rimage

import "github.com/pkg/errors"

// DemosaicRGGB reconstructs an rgb8 image from an 8-bit RGGB Bayer mosaic with bilinear
// interpolation. Edge pixels replicate their nearest neighbors.
//
//	(even row, even col) = R
//	(even row, odd  col) = G
//	(odd  row, even col) = G
//	(odd  row, odd  col) = B
func DemosaicRGGB(img *Image) (*Image, error) {
	if img.encoding != BayerRGGB8 && img.encoding != Mono8 {
		return nil, errors.Errorf("cannot demosaic %s image", img.encoding)
	}
	width, height := img.width, img.height
	out := NewImage(width, height, RGB8)

	px := func(x, y int) int {
		x = min(max(x, 0), width-1)
		y = min(max(y, 0), height-1)
		return int(img.data[y*width+x])
	}

	for y := 0; y < height; y++ {
		evenRow := y%2 == 0
		for x := 0; x < width; x++ {
			evenCol := x%2 == 0
			var r, g, b int
			switch {
			case evenRow && evenCol:
				r = px(x, y)
				g = (px(x-1, y) + px(x+1, y) + px(x, y-1) + px(x, y+1)) / 4
				b = (px(x-1, y-1) + px(x+1, y-1) + px(x-1, y+1) + px(x+1, y+1)) / 4
			case evenRow:
				r = (px(x-1, y) + px(x+1, y)) / 2
				g = px(x, y)
				b = (px(x, y-1) + px(x, y+1)) / 2
			case evenCol:
				r = (px(x, y-1) + px(x, y+1)) / 2
				g = px(x, y)
				b = (px(x-1, y) + px(x+1, y)) / 2
			default:
				r = (px(x-1, y-1) + px(x+1, y-1) + px(x-1, y+1) + px(x+1, y+1)) / 4
				g = (px(x-1, y) + px(x+1, y) + px(x, y-1) + px(x, y+1)) / 4
				b = px(x, y)
			}
			k := 3 * (y*width + x)
			out.data[k], out.data[k+1], out.data[k+2] = byte(r), byte(g), byte(b)
		}
	}
	return out, nil
}

// Luma converts an image to mono8. rgb8 uses BT.601 weights, mono16 keeps the high byte and
// mono8 is returned as is.
func Luma(img *Image) (*Image, error) {
	switch img.encoding {
	case Mono8:
		return img, nil
	case Mono16:
		out := NewImage(img.width, img.height, Mono8)
		for k := range out.data {
			out.data[k] = img.data[2*k+1]
		}
		return out, nil
	case RGB8:
		out := NewImage(img.width, img.height, Mono8)
		for k := range out.data {
			r, g, b := uint32(img.data[3*k]), uint32(img.data[3*k+1]), uint32(img.data[3*k+2])
			out.data[k] = byte((299*r + 587*g + 114*b + 500) / 1000)
		}
		return out, nil
	default:
		return nil, errors.Errorf("cannot compute luma of %s image", img.encoding)
	}
}
