// ABOUTME: Progress events emitted by the reconciler for CLI and TUI consumers
// ABOUTME: Notifiers are fire-and-forget; a slow listener never stalls a run
package sync

import "github.com/harperreed/membersync/models"

// Stage identifies where in the run an event was emitted.
type Stage string

const (
	StageFetchSource Stage = "fetch-source"
	StageFilter      Stage = "filter"
	StageFetchTarget Stage = "fetch-target"
	StageMatch       Stage = "match"
	StageUpsert      Stage = "upsert"
	StageArchive     Stage = "archive"
	StagePublish     Stage = "publish"
	StageCommit      Stage = "commit"
	StageDone        Stage = "done"
)

// Event is one progress update from a running reconciliation.
type Event struct {
	RunID   string
	Stage   Stage
	Message string
	// Current/Total track per-item progress inside the upsert and archive
	// stages; both are zero elsewhere.
	Current int
	Total   int
	Result  *models.SyncResult
	Err     error
}

// Notifier receives progress events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// ChannelNotifier forwards events to a channel, dropping them when the
// receiver falls behind.
type ChannelNotifier struct {
	C chan Event
}

func NewChannelNotifier(buffer int) *ChannelNotifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelNotifier{C: make(chan Event, buffer)}
}

func (n *ChannelNotifier) Notify(e Event) {
	select {
	case n.C <- e:
	default:
	}
}
