package engine

import (
	"fmt"
	"image"
	"math/bits"
	"strconv"

	"golang.org/x/image/draw"

	"github.com/zombor/scancore/internal/scanning"
)

// hashSide is the side of the thumbnail the average hash is computed on.
const hashSide = 8

// averageHash returns a 64-bit perceptual hash: one bit per thumbnail cell,
// set when the cell is brighter than the thumbnail mean.
func averageHash(img *image.Gray) uint64 {
	thumb := image.NewGray(image.Rect(0, 0, hashSide, hashSide))
	draw.BiLinear.Scale(thumb, thumb.Bounds(), img, img.Bounds(), draw.Src, nil)

	var sum int
	for _, p := range thumb.Pix {
		sum += int(p)
	}
	mean := sum / len(thumb.Pix)

	var hash uint64
	for i, p := range thumb.Pix {
		if int(p) > mean {
			hash |= 1 << uint(i)
		}
	}
	return hash
}

func distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

func formatFingerprint(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}

func parseFingerprint(s string) (uint64, error) {
	fp, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fingerprint %q: %w", s, err)
	}
	return fp, nil
}

// Fingerprint computes the record fingerprint of a frame, in the format the
// record API serves.
func Fingerprint(f *scanning.Frame) (string, error) {
	img, err := f.Gray()
	if err != nil {
		return "", err
	}
	return formatFingerprint(averageHash(img)), nil
}
