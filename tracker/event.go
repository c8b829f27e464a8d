package tracker

import (
	"fmt"
)

type AnnounceEvent int32

const (
	// Regular announce, the event field is absent.
	None AnnounceEvent = iota
	Completed
	Started
	Stopped
)

var announceEventStrings = []string{"", "completed", "started", "stopped"}

func (e AnnounceEvent) String() string {
	if e < 0 || int(e) >= len(announceEventStrings) {
		return ""
	}
	return announceEventStrings[e]
}

// UnmarshalText accepts only the events a peer can send explicitly. An empty event is not the same
// as an absent one.
func (e *AnnounceEvent) UnmarshalText(text []byte) error {
	for key, str := range announceEventStrings {
		if key != int(None) && string(text) == str {
			*e = AnnounceEvent(key)
			return nil
		}
	}
	return fmt.Errorf("unknown event %q", text)
}
