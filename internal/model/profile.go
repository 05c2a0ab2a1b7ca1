package model

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/socialchat/internal/docstore"
)

// Profile: документ users/<uid>.
type Profile struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	PhotoURL     string    `json:"photoURL"`
	Online       bool      `json:"online"`
	LastActive   time.Time `json:"lastActive"`
	BlockedUsers []string  `json:"blockedUsers,omitempty"`
}

func DecodeProfile(doc docstore.Document) (Profile, error) {
	if doc.ID == "" {
		return Profile{}, malformed(doc, "empty id")
	}
	d := doc.Data
	return Profile{
		ID:           doc.ID,
		DisplayName:  str(d, "displayName"),
		PhotoURL:     str(d, "photoURL"),
		Online:       boolean(d, "online"),
		LastActive:   timestamp(d, "lastActive"),
		BlockedUsers: stringList(d, "blockedUsers"),
	}, nil
}

// HasBlocked: uid есть в блок-листе профиля.
func (p Profile) HasBlocked(uid string) bool {
	for _, b := range p.BlockedUsers {
		if b == uid {
			return true
		}
	}
	return false
}

// Presence: производное состояние присутствия собеседника.
type Presence struct {
	UserID     string    `json:"userId"`
	Online     bool      `json:"online"`
	LastActive time.Time `json:"lastActive"`
	Label      string    `json:"label"`
}

func PresenceOf(p Profile, now time.Time) Presence {
	return Presence{
		UserID:     p.ID,
		Online:     p.Online,
		LastActive: p.LastActive,
		Label:      PresenceLabel(p.Online, p.LastActive, now),
	}
}

// PresenceLabel: "Active now" для онлайна, иначе "Active 5 minutes ago".
func PresenceLabel(online bool, lastActive, now time.Time) string {
	switch {
	case online:
		return "Active now"
	case lastActive.IsZero():
		return "Offline"
	case now.Sub(lastActive) < time.Minute:
		return "Active just now"
	default:
		return "Active " + humanize.RelTime(lastActive, now, "ago", "from now")
	}
}
