package frames

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// MotionThreshold is the mean red-channel difference above which two
// frames count as different content.
const MotionThreshold = 10.0

// sampleSize is the side of the grid both frames are scaled to before
// comparison.
const sampleSize = 64

// MotionScore returns the mean absolute red-channel difference (0..255)
// between two JPEG frames, compared on a 64x64 downscaled grid.
func MotionScore(a, b []byte) (float64, error) {
	ga, err := sample(a)
	if err != nil {
		return 0, err
	}
	gb, err := sample(b)
	if err != nil {
		return 0, err
	}

	var total int
	for i := 0; i < len(ga.Pix); i += 4 {
		d := int(ga.Pix[i]) - int(gb.Pix[i])
		if d < 0 {
			d = -d
		}
		total += d
	}
	return float64(total) / float64(sampleSize*sampleSize), nil
}

// HasMotion reports whether two JPEG frames differ beyond MotionThreshold.
// Undecodable frames count as motion.
func HasMotion(a, b []byte) bool {
	score, err := MotionScore(a, b)
	if err != nil {
		return true
	}
	return score > MotionThreshold
}

func sample(data []byte) (*image.RGBA, error) {
	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("frames: decode jpeg: %w", err)
	}
	dst := image.NewRGBA(image.Rect(0, 0, sampleSize, sampleSize))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}
