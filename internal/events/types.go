// Package events defines the kernel event subjects published on the bus.
package events

// Task lifecycle events.
const (
	TaskStateChanged    = "task.state.changed"
	TaskNotification    = "task.notification"
	ServiceNotification = "service.notification"
)

// Peer lifecycle events.
const (
	PeerConnected    = "peer.connected"
	PeerDisconnected = "peer.disconnected"
)

// BuildTaskSubject scopes a task event subject to a single task.
func BuildTaskSubject(base, taskID string) string {
	return base + "." + taskID
}

// BuildTaskWildcardSubject subscribes to a task event for all tasks.
func BuildTaskWildcardSubject(base string) string {
	return base + ".*"
}
