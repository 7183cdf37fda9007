package check

import (
	"encoding/json"
	"fmt"
	"time"
)

// Op is a message-channel operation served by a tab agent.
type Op string

const (
	OpInit   Op = "init"
	OpStop   Op = "stop"
	OpCheck  Op = "check"
	OpStatus Op = "status"
)

// Service returns the router service name of op for tabID.
func Service(tabID string, op Op) string {
	return ServicePrefix(tabID) + string(op)
}

// ServiceComplete is the controller-side service receiving Completion
// notifications from every agent.
const ServiceComplete = "controller/complete"

// ServicePrefix returns the prefix shared by every service of tabID.
func ServicePrefix(tabID string) string {
	return "tab/" + tabID + "/"
}

// Session defaults.
const (
	DefaultIntervalMs = 10_000
	DefaultSpeechRate = 1.0
	MinIntervalMs     = 1_000
)

// SessionConfig is the per-session monitoring configuration sent with
// initializeMonitoring.
type SessionConfig struct {
	IntervalMs    int64   `json:"interval_ms"`
	MonitorVideos bool    `json:"monitor_videos"`
	MonitorPage   bool    `json:"monitor_page"`
	SpeechRate    float64 `json:"speech_rate"`
}

// DefaultSessionConfig returns a 10s interval with both monitors enabled
// and normal speech rate.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		IntervalMs:    DefaultIntervalMs,
		MonitorVideos: true,
		MonitorPage:   true,
		SpeechRate:    DefaultSpeechRate,
	}
}

// Interval returns the trigger period.
func (c SessionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Validate rejects intervals below one second and non-positive rates.
func (c SessionConfig) Validate() error {
	if c.IntervalMs < MinIntervalMs {
		return fmt.Errorf("check: interval %dms below minimum %dms", c.IntervalMs, MinIntervalMs)
	}
	if c.SpeechRate <= 0 || c.SpeechRate > 10 {
		return fmt.Errorf("check: speech rate %v out of range (0, 10]", c.SpeechRate)
	}
	return nil
}

// Status is the coordinator's view of its own state.
type Status struct {
	Enabled          bool           `json:"enabled"`
	Ready            bool           `json:"ready"`
	ReadinessError   string         `json:"readiness_error,omitempty"`
	Config           *SessionConfig `json:"config,omitempty"`
	LastCheck        time.Time      `json:"last_check,omitempty"`
	SinceLastCheckMs int64          `json:"since_last_check_ms,omitempty"`
	HasVideos        *bool          `json:"has_videos,omitempty"`
	Page             *PageBaseline  `json:"page,omitempty"`
}

// PageBaseline describes the snapshot page changes are measured against.
type PageBaseline struct {
	TextLength int       `json:"text_length"`
	Images     int       `json:"images"`
	Links      int       `json:"links"`
	CapturedAt time.Time `json:"captured_at"`
}

// Reply is the response of every tab service.
type Reply struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Status  *Status         `json:"status,omitempty"`
}

// Completion is the checkComplete notification sent upstream after every
// check, fire-and-forget.
type Completion struct {
	CheckID string    `json:"check_id"`
	TabID   string    `json:"tab_id"`
	Result  Result    `json:"-"`
	At      time.Time `json:"at"`
}

type completionWire struct {
	CheckID string          `json:"check_id"`
	TabID   string          `json:"tab_id"`
	Result  json.RawMessage `json:"result"`
	At      time.Time       `json:"at"`
}

// MarshalJSON embeds the tagged Result envelope.
func (c Completion) MarshalJSON() ([]byte, error) {
	w := completionWire{CheckID: c.CheckID, TabID: c.TabID, At: c.At}
	if c.Result != nil {
		data, err := Marshal(c.Result)
		if err != nil {
			return nil, err
		}
		w.Result = data
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the tagged Result envelope.
func (c *Completion) UnmarshalJSON(data []byte) error {
	var w completionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.CheckID, c.TabID, c.At = w.CheckID, w.TabID, w.At
	c.Result = nil
	if len(w.Result) > 0 && string(w.Result) != "null" {
		r, err := Unmarshal(w.Result)
		if err != nil {
			return err
		}
		c.Result = r
	}
	return nil
}

// StatusUpdate is a human-readable progress line for the presentation layer.
type StatusUpdate struct {
	TabID string         `json:"tab_id"`
	Text  string         `json:"text"`
	Data  map[string]any `json:"data,omitempty"`
	At    time.Time      `json:"at"`
}

// Narration is a text handed to the speech output service.
type Narration struct {
	TabID string    `json:"tab_id"`
	Text  string    `json:"text"`
	Rate  float64   `json:"rate"`
	At    time.Time `json:"at"`
}
