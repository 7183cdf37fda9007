// Package check defines what a monitoring check produces and how the
// controller and the per-tab agents talk about it. These types are the
// public contract: sinks, webhooks and API clients decode them.
package check

// Kind tags a Result variant on the wire.
type Kind string

const (
	KindNoChange Kind = "no_change"
	KindVideo    Kind = "video"
	KindPage     Kind = "page"
	KindError    Kind = "error"
)

// Result is the outcome of one check. Exactly one of NoChange, *Video,
// *Page or *Error.
type Result interface {
	Kind() Kind
	// Speech is the narration text for the output service, possibly empty.
	Speech() string
	isResult()
}

// NoChange means nothing material happened since the last reported change.
type NoChange struct{}

// VideoMetadata describes the analysed video element at capture time.
type VideoMetadata struct {
	Src         string  `json:"src"`
	CurrentTime float64 `json:"current_time"`
	Duration    float64 `json:"duration"`
	Dimensions  string  `json:"dimensions"` // "WxH"
	Paused      bool    `json:"paused"`
	Muted       bool    `json:"muted"`
	Volume      float64 `json:"volume"`
}

// Video reports activity of the primary playing video. Degraded results
// carry metadata only: the frames could not be captured.
type Video struct {
	Description string        `json:"description"`
	Objects     []string      `json:"objects,omitempty"`
	Confidence  float64       `json:"confidence,omitempty"`
	Narration   string        `json:"narration"`
	Metadata    VideoMetadata `json:"metadata"`
	Degraded    bool          `json:"degraded,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

// ChangeDetails counts what changed in the page structure.
type ChangeDetails struct {
	NodesAdded   int  `json:"nodes_added"`
	NodesRemoved int  `json:"nodes_removed"`
	NewImages    int  `json:"new_images"`
	TextModified bool `json:"text_modified"`
}

// Page reports a material structural change of the document.
type Page struct {
	Summary           string        `json:"summary"`
	Details           ChangeDetails `json:"details"`
	ImageDescriptions []string      `json:"image_descriptions,omitempty"`
	Narration         string        `json:"narration"`
}

// Category classifies an Error result.
type Category string

const (
	CategoryNotEnabled     Category = "not_enabled"
	CategoryUnavailable    Category = "dependencies_unavailable"
	CategoryCaptureBlocked Category = "capture_blocked"
	CategorySeekTimeout    Category = "seek_timeout"
	CategoryTransport      Category = "transport"
	CategoryDelivery       Category = "delivery"
	CategoryBusy           Category = "busy"
	CategoryInternal       Category = "internal"
)

// Error is a check that could not complete. It is a value, never a Go
// error crossing the check boundary.
type Error struct {
	Category  Category `json:"category"`
	Message   string   `json:"message"`
	Narration string   `json:"narration,omitempty"`
}

func (NoChange) Kind() Kind { return KindNoChange }
func (*Video) Kind() Kind   { return KindVideo }
func (*Page) Kind() Kind    { return KindPage }
func (*Error) Kind() Kind   { return KindError }

func (NoChange) Speech() string { return "" }
func (v *Video) Speech() string { return v.Narration }
func (p *Page) Speech() string  { return p.Narration }
func (e *Error) Speech() string { return e.Narration }

func (NoChange) isResult() {}
func (*Video) isResult()   {}
func (*Page) isResult()    {}
func (*Error) isResult()   {}

// Errorf builds an Error result.
func Errorf(cat Category, msg string) *Error {
	return &Error{Category: cat, Message: msg}
}
