package rimage

import (
	"github.com/pkg/errors"
)

// HistogramBins is the number of bins per channel.
const HistogramBins = 256

// Histogram counts pixel intensities of a raw imager buffer. Bins are laid out channel after
// channel. mono8 and mono16 have one channel, mono16 binned by its high byte. bayer_rggb8 has
// four channels in R, G (red rows), G (blue rows), B order.
func Histogram(img *Image) (channels int, bins []uint32, err error) {
	switch img.encoding {
	case Mono8:
		bins = make([]uint32, HistogramBins)
		for _, v := range img.data {
			bins[v]++
		}
		return 1, bins, nil
	case Mono16:
		bins = make([]uint32, HistogramBins)
		for k := 1; k < len(img.data); k += 2 {
			bins[img.data[k]]++
		}
		return 1, bins, nil
	case BayerRGGB8:
		bins = make([]uint32, 4*HistogramBins)
		for y := 0; y < img.height; y++ {
			row := img.data[y*img.width : (y+1)*img.width]
			for x, v := range row {
				ch := 2*(y&1) + x&1
				bins[ch*HistogramBins+int(v)]++
			}
		}
		return 4, bins, nil
	default:
		return 0, nil, errors.Errorf("cannot compute histogram of %s image", img.encoding)
	}
}
