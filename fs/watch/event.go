// Package watch implements the change-notification side of the filesystem:
// a glob-based subscription index, event coalescing and batching, per
// subscriber rate limiting, and heartbeat-driven liveness for long-lived
// duplex connections.
package watch

// EventType labels a filesystem mutation.
type EventType string

const (
	EventCreate EventType = "create"
	EventModify EventType = "modify"
	EventDelete EventType = "delete"
	EventRename EventType = "rename"
)

// Event is one filesystem change notification.
type Event struct {
	Type        EventType `json:"type"`
	Path        string    `json:"path"`
	OldPath     string    `json:"oldPath,omitempty"`
	Size        int64     `json:"size,omitempty"`
	MtimeMs     int64     `json:"mtime,omitempty"`
	IsDirectory bool      `json:"isDirectory,omitempty"`
	TimestampMs int64     `json:"timestamp,omitempty"`
}

// priority orders events within a flushed batch: deletes first, then renames,
// creates, and modifies.
func (t EventType) priority() int {
	switch t {
	case EventDelete:
		return 3
	case EventRename:
		return 2
	case EventCreate:
		return 1
	default:
		return 0
	}
}

// coalesce merges a new event into a pending one for the same path. The
// original receive timestamp survives for latency accounting.
func coalesce(existing, incoming Event) Event {
	merged := incoming
	merged.TimestampMs = existing.TimestampMs

	switch {
	case incoming.Type == EventDelete:
		// final state wins
	case existing.Type == EventCreate:
		// a modify of a file the subscriber never saw is still a create
		merged.Type = EventCreate
	case existing.Type == EventRename:
		merged.Type = EventRename
		merged.OldPath = existing.OldPath
	case existing.Type == EventDelete && incoming.Type == EventCreate:
		// delete then recreate nets out to a modify
		merged.Type = EventModify
	}
	return merged
}
