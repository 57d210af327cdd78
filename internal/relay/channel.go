// Package relay forwards task events between nodes: a Publisher per locally
// owned task pushes events to the task's channel, and one Listener per node
// feeds received events into proxy queues.
package relay

import "strings"

// DefaultChannelPrefix is prepended to task ids to form relay channel names
const DefaultChannelPrefix = "a2a.event.relay."

// ChannelName returns the relay channel for a task
func ChannelName(prefix, taskID string) string {
	return prefix + taskID
}

// TaskIDFromChannel recovers the task id from a relay channel name. Task ids
// may themselves contain dots, so only the prefix is stripped.
func TaskIDFromChannel(prefix, channel string) (string, bool) {
	taskID, ok := strings.CutPrefix(channel, prefix)
	if !ok || taskID == "" {
		return "", false
	}
	return taskID, true
}
