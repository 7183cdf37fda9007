package browser

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/hazyhaar/livewatch/livewatch/internal/frames"
	"github.com/hazyhaar/livewatch/livewatch/internal/video"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeHeadless, false},
		{"headless", ModeHeadless, false},
		{" Headful ", ModeHeadful, false},
		{"static", ModeStatic, false},
		{"http", ModeStatic, false},
		{"firefox", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if s := Mode(9).String(); s != "mode(9)" {
		t.Errorf("Mode(9).String() = %q", s)
	}
}

func TestShouldBlock_NeverMedia(t *testing.T) {
	set := map[string]bool{"images": true, "fonts": true, "media": true, "script": true}
	tests := []struct {
		resType string
		want    bool
	}{
		{"Image", true},
		{"Font", true},
		{"Stylesheet", false},
		{"Media", false},
		{"Script", false},
		{"Document", false},
		{"Fetch", false},
	}
	for _, tt := range tests {
		if got := shouldBlock(set, tt.resType); got != tt.want {
			t.Errorf("shouldBlock(%q) = %v, want %v", tt.resType, got, tt.want)
		}
	}
}

func TestPixelReply_Err(t *testing.T) {
	if err := (pixelReply{OK: true}).err(); err != nil {
		t.Fatalf("ok reply: %v", err)
	}
	err := pixelReply{Blocked: true, Message: "tainted canvas"}.err()
	if !errors.Is(err, frames.ErrCaptureBlocked) {
		t.Fatalf("blocked reply = %v, want ErrCaptureBlocked", err)
	}
	if err := (pixelReply{Message: "video not ready"}).err(); !errors.Is(err, frames.ErrNotReady) {
		t.Fatalf("not ready reply = %v", err)
	}
	if err := (pixelReply{Message: "video element gone"}).err(); !errors.Is(err, ErrElementGone) {
		t.Fatalf("gone reply = %v", err)
	}
}

func TestWireMutation_Decode(t *testing.T) {
	payload := `{"added":[{"tag":"p","text":"hello"}],"removed":[],"character_data":true,` +
		`"new_images":["https://x/a.png"],"new_links":["https://x/"]}`
	var w wireMutation
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		t.Fatal(err)
	}
	m := w.mutation()
	if len(m.Added) != 1 || m.Added[0].Tag != "p" || m.Added[0].Text != "hello" {
		t.Fatalf("added = %+v", m.Added)
	}
	if !m.CharacterData || len(m.NewImages) != 1 || len(m.NewLinks) != 1 {
		t.Fatalf("mutation = %+v", m)
	}
}

func TestWireState_Playing(t *testing.T) {
	payload := `{"src":"https://x/v.mp4","current_time":4.2,"duration":60,"paused":false,` +
		`"ended":false,"muted":true,"volume":0.5,"ready_state":4,"video_width":640,"video_height":360}`
	var w wireState
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		t.Fatal(err)
	}
	st := video.ElementState(w)
	if !st.Playing() {
		t.Fatalf("state %+v should be playing", st)
	}
	if md := st.Metadata(); md.Dimensions != "640x360" || !md.Muted {
		t.Fatalf("metadata = %+v", md)
	}
}

func TestXSocket(t *testing.T) {
	tests := []struct {
		display string
		want    string
		wantErr bool
	}{
		{":99", "/tmp/.X11-unix/X99", false},
		{":0.0", "/tmp/.X11-unix/X0", false},
		{"", "", true},
		{":abc", "", true},
	}
	for _, tt := range tests {
		got, err := xSocket(tt.display)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("xSocket(%q) = %q, %v", tt.display, got, err)
		}
	}
}
