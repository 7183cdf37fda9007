package frames

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const jpegDataURLPrefix = "data:image/jpeg;base64,"

// WireFrame is a frame as the description service receives it.
type WireFrame struct {
	Image     string  `json:"image"` // data URL
	Timestamp float64 `json:"timestamp"`
}

// Payload is the frame batch body of /analyze-video-frames.
type Payload struct {
	Frames []WireFrame `json:"frames"`
	Count  int         `json:"count"`
}

// Encode converts frames to the wire payload.
func Encode(frames []Frame) Payload {
	p := Payload{Frames: make([]WireFrame, 0, len(frames)), Count: len(frames)}
	for _, f := range frames {
		p.Frames = append(p.Frames, WireFrame{Image: DataURL(f.Image), Timestamp: f.Timestamp})
	}
	return p
}

// DataURL encodes JPEG bytes as a data URL.
func DataURL(jpegBytes []byte) string {
	return jpegDataURLPrefix + base64.StdEncoding.EncodeToString(jpegBytes)
}

// DecodeDataURL extracts the bytes of a base64 image data URL of any
// image type.
func DecodeDataURL(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "data:") {
		return nil, fmt.Errorf("frames: not a data URL")
	}
	comma := strings.IndexByte(s, ',')
	if comma < 0 || !strings.HasSuffix(s[:comma], ";base64") {
		return nil, fmt.Errorf("frames: data URL is not base64")
	}
	b, err := base64.StdEncoding.DecodeString(s[comma+1:])
	if err != nil {
		return nil, fmt.Errorf("frames: decode data URL: %w", err)
	}
	return b, nil
}
