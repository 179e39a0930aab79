// Package cloudevent provides CloudEvents 1.0 envelopes for distribution
// lifecycle notifications.
package cloudevent

import (
	"time"

	"github.com/google/uuid"
)

// SpecVersion is the CloudEvents version emitted by this package.
const SpecVersion = "1.0"

// Event types emitted for package lifecycle changes.
const (
	TypePackageCreated     = "org.distribution.package.created"
	TypePackageQueued      = "org.distribution.package.queued"
	TypePackageDistributed = "org.distribution.package.distributed"
	TypePackageDropped     = "org.distribution.package.dropped"
	TypePackageImported    = "org.distribution.package.imported"
)

// CloudEvent is a structured-mode CloudEvents 1.0 envelope.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data,omitempty"`
}

// New creates an event with a random ID stamped with the current UTC time.
// Source is the emitting component (for example "agent/publish"), subject
// the package ID.
func New(eventType, source, subject string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              uuid.NewString(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}
