// Package mfa holds the channel table used by one-time-code challenges:
// which destination each channel delivers to, whether it is verified, how
// it is masked for display and which notification template it uses.
package mfa

import (
	"errors"
	"strings"

	"github.com/MrEthical07/fedauth/identity"
)

// Channel is a delivery route for one-time codes.
type Channel string

const (
	ChannelEmail          Channel = "EMAIL"
	ChannelText           Channel = "TEXT"
	ChannelSecondaryEmail Channel = "SECONDARY_EMAIL"
)

// ErrNoVerifiedDestination reports that an identity has no verified channel.
var ErrNoVerifiedDestination = errors.New("no verified mfa destination")

// ErrUnknownChannel reports a channel name outside the table.
var ErrUnknownChannel = errors.New("unknown mfa channel")

// FallbackOrder is the order channels are tried when the preferred channel
// is not verified.
var FallbackOrder = []Channel{ChannelEmail, ChannelText, ChannelSecondaryEmail}

type strategy struct {
	destination func(*identity.Identity) string
	verified    func(*identity.Identity) bool
	mask        func(string) string
	template    string
}

var strategies = map[Channel]strategy{
	ChannelEmail: {
		destination: func(id *identity.Identity) string { return id.Email },
		verified:    func(id *identity.Identity) bool { return id.EmailVerified && id.Email != "" },
		mask:        maskEmail,
		template:    "mfa-email",
	},
	ChannelText: {
		destination: func(id *identity.Identity) string { return id.Mobile },
		verified:    func(id *identity.Identity) bool { return id.MobileVerified && id.Mobile != "" },
		mask:        maskMobile,
		template:    "mfa-text",
	},
	ChannelSecondaryEmail: {
		destination: func(id *identity.Identity) string { return id.SecondaryEmail },
		verified:    func(id *identity.Identity) bool { return id.SecondaryEmailVerified && id.SecondaryEmail != "" },
		mask:        maskEmail,
		template:    "mfa-secondary-email",
	},
}

// ParseChannel maps a case-insensitive name to a Channel.
func ParseChannel(raw string) (Channel, error) {
	c := Channel(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := strategies[c]; !ok {
		return "", ErrUnknownChannel
	}
	return c, nil
}

// FromPreference maps an identity preference to its channel.
func FromPreference(p identity.MFAPreference) Channel {
	switch p {
	case identity.PreferText:
		return ChannelText
	case identity.PreferSecondaryEmail:
		return ChannelSecondaryEmail
	default:
		return ChannelEmail
	}
}

// Destination returns the raw address for channel.
func Destination(id *identity.Identity, c Channel) string {
	s, ok := strategies[c]
	if !ok || id == nil {
		return ""
	}
	return s.destination(id)
}

// Verified reports whether channel can receive codes for id.
func Verified(id *identity.Identity, c Channel) bool {
	s, ok := strategies[c]
	if !ok || id == nil {
		return false
	}
	return s.verified(id)
}

// VerifiedChannels lists the verified channels of id in fallback order.
func VerifiedChannels(id *identity.Identity) []Channel {
	var out []Channel
	for _, c := range FallbackOrder {
		if Verified(id, c) {
			out = append(out, c)
		}
	}
	return out
}

// SelectChannel picks the preferred channel when verified, otherwise the
// first verified channel in FallbackOrder.
func SelectChannel(id *identity.Identity) (Channel, error) {
	if id == nil {
		return "", ErrNoVerifiedDestination
	}
	if preferred := FromPreference(id.MFAPreference); Verified(id, preferred) {
		return preferred, nil
	}
	for _, c := range FallbackOrder {
		if Verified(id, c) {
			return c, nil
		}
	}
	return "", ErrNoVerifiedDestination
}

// Mask renders raw for display on channel.
func Mask(raw string, c Channel) string {
	s, ok := strategies[c]
	if !ok {
		return ""
	}
	return s.mask(raw)
}

// Template returns the default notification template id for channel.
func Template(c Channel) string {
	return strategies[c].template
}
