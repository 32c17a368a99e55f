// Package core defines the domain types and collaborator interfaces of the audio service.
package core

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const hoursPerDay = 24

// GenerationStatus is the synthesis state of an audio artifact.
type GenerationStatus string

// Generation states. PENDING moves to exactly one of the terminal states.
const (
	StatusPending   GenerationStatus = "PENDING"
	StatusCompleted GenerationStatus = "COMPLETED"
	StatusFailed    GenerationStatus = "FAILED"
)

// LifetimeStatus is the retention state of an audio artifact.
type LifetimeStatus string

// Lifetime states. Only ACTIVE artifacts are considered by the expiry sweep.
const (
	LifetimeActive  LifetimeStatus = "ACTIVE"
	LifetimeExpired LifetimeStatus = "EXPIRED"
	LifetimeDeleted LifetimeStatus = "DELETED"
)

// Voice identifies a synthesis voice.
type Voice string

// Supported voices.
const (
	VoiceIvy      Voice = "Ivy"
	VoiceJoanna   Voice = "Joanna"
	VoiceJoey     Voice = "Joey"
	VoiceJustin   Voice = "Justin"
	VoiceKendra   Voice = "Kendra"
	VoiceKimberly Voice = "Kimberly"
	VoiceMatthew  Voice = "Matthew"
	VoiceSalli    Voice = "Salli"
)

// Voices returns every supported voice in a stable order.
func Voices() []Voice {
	return []Voice{
		VoiceIvy, VoiceJoanna, VoiceJoey, VoiceJustin,
		VoiceKendra, VoiceKimberly, VoiceMatthew, VoiceSalli,
	}
}

// ParseVoice resolves a voice name case-insensitively.
func ParseVoice(name string) (Voice, error) {
	trimmed := strings.TrimSpace(name)

	for _, voice := range Voices() {
		if strings.EqualFold(string(voice), trimmed) {
			return voice, nil
		}
	}

	return "", fmt.Errorf("%w: '%s'", ErrUnsupportedVoice, name)
}

// Valid reports whether v is one of the supported voices.
func (v Voice) Valid() bool {
	for _, voice := range Voices() {
		if voice == v {
			return true
		}
	}

	return false
}

// Audio is one synthesized rendition of a page in one voice.
type Audio struct {
	ID           string
	PageID       string
	DocumentID   string
	Voice        Voice
	RequestedBy  string
	Status       GenerationStatus
	Lifetime     LifetimeStatus
	StorageKey   string
	ErrorMessage string
	CreatedAt    time.Time
	LastPlayedAt *time.Time
	WarnedAt     *time.Time
	ExpiredAt    *time.Time
	DeletedAt    *time.Time
}

// ReferenceDate is the instant retention is measured from: the last playback,
// or creation when the audio was never played.
func (a *Audio) ReferenceDate() time.Time {
	if a.LastPlayedAt != nil {
		return *a.LastPlayedAt
	}

	return a.CreatedAt
}

// ExpiryDate is the reference date plus the retention period.
func (a *Audio) ExpiryDate(retentionDays int) time.Time {
	return a.ReferenceDate().AddDate(0, 0, retentionDays)
}

// DaysUntilExpiry returns the whole days left before expiry, rounded toward
// negative infinity. Zero or less means the artifact is due.
func (a *Audio) DaysUntilExpiry(retentionDays int, now time.Time) int {
	remaining := a.ExpiryDate(retentionDays).Sub(now)

	return int(math.Floor(remaining.Hours() / hoursPerDay))
}

// IsLive reports whether the artifact counts against the one-live-per-voice rule.
func (a *Audio) IsLive() bool {
	return a.Lifetime == LifetimeActive &&
		(a.Status == StatusPending || a.Status == StatusCompleted)
}

// HoldsQuota reports whether the artifact counts toward the requester's page quota.
func (a *Audio) HoldsQuota() bool {
	return a.Lifetime == LifetimeActive && a.Status != StatusFailed
}

// WarnedThisCycle reports whether a warning was already issued since the
// current reference date. A playback after a warning starts a new cycle.
func (a *Audio) WarnedThisCycle() bool {
	return a.WarnedAt != nil && !a.WarnedAt.Before(a.ReferenceDate())
}

// Page is the read-only view of a document page the service synthesizes.
type Page struct {
	ID            string
	DocumentID    string
	DocumentTitle string
	Number        int
	OwnerID       string
	Text          string
}

// Settings is the configuration snapshot every operation receives by value.
type Settings struct {
	RetentionDays        int
	WarningWindowDays    int
	AutoDeleteEnabled    bool
	QuotaPerPage         int
	GenerationEnabled    bool
	NotificationsEnabled bool
}

// Default settings values.
const (
	DefaultRetentionDays     = 180
	DefaultWarningWindowDays = 30
	DefaultQuotaPerPage      = 4
)

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		RetentionDays:        DefaultRetentionDays,
		WarningWindowDays:    DefaultWarningWindowDays,
		AutoDeleteEnabled:    false,
		QuotaPerPage:         DefaultQuotaPerPage,
		GenerationEnabled:    true,
		NotificationsEnabled: true,
	}
}

// ExpiryNotice describes one artifact in a batched expiry warning.
type ExpiryNotice struct {
	AudioID       string `json:"audioId"`
	Voice         Voice  `json:"voice"`
	DocumentTitle string `json:"documentTitle"`
	DaysLeft      int    `json:"daysLeft"`
}
