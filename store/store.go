// Package store defines the persistence interfaces for run capsules and
// thread messages, with SQLite and Postgres implementations in
// subpackages.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/tabletalk/tabletalk"
)

// CapsuleStore persists run capsules.
type CapsuleStore interface {
	// Init creates tables and applies migrations. Safe to call on every
	// startup.
	Init(ctx context.Context) error
	// InsertCapsule records one finished run.
	InsertCapsule(ctx context.Context, c tabletalk.Capsule) error
	// GetCapsule returns a capsule by run id, or nil when unknown.
	GetCapsule(ctx context.Context, runID string) (*tabletalk.Capsule, error)
	Close() error
}

// MessageStore persists conversation messages per thread.
type MessageStore interface {
	Init(ctx context.Context) error
	AppendMessage(ctx context.Context, m tabletalk.ThreadMessage) error
	// GetMessages returns the most recent limit messages for a thread in
	// chronological order (oldest first).
	GetMessages(ctx context.Context, threadID string, limit int) ([]tabletalk.ThreadMessage, error)
	Close() error
}

// SupportedProviders lists the storage backends Resolve accepts.
var SupportedProviders = []string{"sqlite", "postgres"}

// ResolveProvider normalizes a storage provider name, defaulting to
// sqlite.
func ResolveProvider(provider string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(provider))
	if normalized == "" {
		normalized = "sqlite"
	}
	for _, p := range SupportedProviders {
		if normalized == p {
			return normalized, nil
		}
	}
	return "", fmt.Errorf("unsupported storage provider: %s (supported: %s)",
		provider, strings.Join(SupportedProviders, ", "))
}
