package domain

// ContactEndpoint is an address a user can be reached at on a channel.
type ContactEndpoint struct {
	Channel Channel `json:"channel"`
	Address string  `json:"address"`
	Active  bool    `json:"active"`
}

// UserPreferenceSnapshot is a read-only copy of a user's delivery preferences.
type UserPreferenceSnapshot struct {
	UserID           string            `json:"user_id"`
	Locale           string            `json:"locale,omitempty"`
	ChannelEnabled   map[Channel]bool  `json:"channel_enabled"`
	ContactEndpoints []ContactEndpoint `json:"contact_endpoints"`
}

// IsEnabled reports whether the user enabled the channel.
func (s *UserPreferenceSnapshot) IsEnabled(ch Channel) bool {
	return s.ChannelEnabled[ch]
}

// EnabledChannels returns enabled channels in canonical order.
func (s *UserPreferenceSnapshot) EnabledChannels() []Channel {
	result := make([]Channel, 0, len(Channels))
	for _, ch := range Channels {
		if s.ChannelEnabled[ch] {
			result = append(result, ch)
		}
	}
	return result
}

// ActiveEndpoints returns active endpoints for the channel, preserving order.
func (s *UserPreferenceSnapshot) ActiveEndpoints(ch Channel) []ContactEndpoint {
	var result []ContactEndpoint
	for _, ep := range s.ContactEndpoints {
		if ep.Channel == ch && ep.Active && ep.Address != "" {
			result = append(result, ep)
		}
	}
	return result
}
