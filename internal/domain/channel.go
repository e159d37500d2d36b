// Package domain contains the core types of the notification dispatch pipeline.
package domain

// Channel is a delivery medium.
type Channel string

// Delivery channels.
const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"

	// ChannelAuto lets the coordinator pick channels from user preferences.
	// It is never stored on a DeliveryJob.
	ChannelAuto Channel = "auto"
)

// Channels lists the concrete delivery channels in canonical order.
// The order is used whenever a deterministic channel sequence is needed.
var Channels = []Channel{ChannelPush, ChannelEmail, ChannelSMS}

// IsValid checks if the channel is a concrete delivery channel.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelPush, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// IsValidRequest checks if the channel may appear in a send request.
func (c Channel) IsValidRequest() bool {
	return c == ChannelAuto || c.IsValid()
}

// Priority defines the delivery priority of a notification.
type Priority string

// Priorities.
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// IsValid checks if the priority is valid.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// Rank orders priorities for dequeueing: high is 0, low is 2. An empty
// priority ranks as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}
