// Package media holds the vocabulary shared by playback resources and the
// components that observe them.
package media

// Event is a playback signal a resource delivers to its subscribers.
type Event int

const (
	// EventWaiting fires when playback stops because data is not yet available.
	EventWaiting Event = iota
	// EventPlaying fires when playback starts or resumes.
	EventPlaying
	// EventLoadedMetadata fires once duration and dimensions are known after a load.
	EventLoadedMetadata
)

func (e Event) String() string {
	switch e {
	case EventWaiting:
		return "waiting"
	case EventPlaying:
		return "playing"
	case EventLoadedMetadata:
		return "loadedmetadata"
	default:
		return "unknown"
	}
}

// ReadyState mirrors the HTML media element readiness levels.
type ReadyState int

const (
	HaveNothing ReadyState = iota
	HaveMetadata
	HaveCurrentData
	HaveFutureData
	HaveEnoughData
)

// TimeRange is one contiguous buffered span, in seconds.
type TimeRange struct {
	Start float64
	End   float64
}
