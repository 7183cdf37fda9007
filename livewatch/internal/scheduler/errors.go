package scheduler

import "strings"

// StartError is returned when a document refuses to start monitoring.
type StartError struct {
	TabID   string
	Raw     string
	Message string // user-facing
}

func (e *StartError) Error() string { return e.Message }

// UnknownErrorMessage is the text for an empty error.
const UnknownErrorMessage = "Unknown error occurred. Please try again."

type rule struct {
	any     []string
	message string
}

// First match wins.
var rules = []rule{
	{
		any:     []string{"could not establish connection", "receiving end does not exist", "service not routable"},
		message: "Could not communicate with page. Please refresh the page and wait 5 seconds before trying again.",
	},
	{
		any:     []string{"dependencies not ready", "failed to load"},
		message: "Extension components still loading. Please wait 5 seconds and try again. If problem persists, refresh the page.",
	},
	{
		any:     []string{"frameprocessor", "frame pipeline"},
		message: "Video analysis component missing. Please reload the extension or refresh the page.",
	},
	{
		any:     []string{"pagechangedetector", "page monitoring"},
		message: "Page monitoring component missing. Please reload the extension or refresh the page.",
	},
	{
		any:     []string{"videomonitor", "video detector"},
		message: "Video detector component missing. Please reload the extension or refresh the page.",
	},
	{
		any:     []string{"timeout", "timed out", "deadline exceeded"},
		message: "Components took too long to load. Please refresh the page and wait 10 seconds before trying continuous mode.",
	},
	{
		any:     []string{"backend", "fetch", "network", "description service"},
		message: "Cannot connect to backend server. Make sure it's running on http://127.0.0.1:8000",
	},
}

// FriendlyError maps a raw error text to a remediation message. Unmatched
// texts are returned unchanged.
func FriendlyError(raw string) string {
	if raw == "" {
		return UnknownErrorMessage
	}
	msg := strings.ToLower(raw)
	for _, r := range rules {
		for _, s := range r.any {
			if strings.Contains(msg, s) {
				return r.message
			}
		}
	}
	return raw
}
