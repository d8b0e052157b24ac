// Package repository persists conversation messages.
package repository

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"coach-relay/internal/domain"
)

// ErrNotConfigured is returned by Unconfigured for every operation.
var ErrNotConfigured = errors.New("repository: message store is not configured")

// MessageWriter is the write side of a message store.
type MessageWriter interface {
	// Ready reports whether the store is configured. It must not perform I/O.
	Ready(ctx context.Context) error
	InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
}

// Kind names a supported store backend.
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindDynamo   Kind = "dynamodb"
)

// Target is a parsed store location.
type Target struct {
	Kind  Kind
	DSN   string // postgres only
	Table string // dynamodb only
}

// ParseStoreURL resolves a store URL and its service credential into a
// Target. Supported forms:
//
//	postgres://[user[:password]@]host[:port]/db[?params]
//	postgresql://...
//	dynamodb://<table>
//
// For postgres the service key becomes the password when the URL has none.
func ParseStoreURL(raw, serviceKey string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, ErrNotConfigured
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("repository: parse store url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		serviceKey = strings.TrimSpace(serviceKey)
		if _, hasPassword := u.User.Password(); !hasPassword {
			if serviceKey == "" {
				return Target{}, errors.New("repository: postgres store needs a password or service key")
			}
			user := "postgres"
			if u.User != nil && u.User.Username() != "" {
				user = u.User.Username()
			}
			u.User = url.UserPassword(user, serviceKey)
		}
		return Target{Kind: KindPostgres, DSN: u.String()}, nil
	case "dynamodb":
		table := u.Host
		if table == "" {
			table = strings.Trim(u.Path, "/")
		}
		if table == "" {
			return Target{}, errors.New("repository: dynamodb store url needs a table name")
		}
		return Target{Kind: KindDynamo, Table: table}, nil
	default:
		return Target{}, fmt.Errorf("repository: unsupported store scheme %q", u.Scheme)
	}
}

// Unconfigured is a MessageWriter standing in for a missing store. Requests
// fail at entry instead of after the stream has been served.
type Unconfigured struct {
	Reason string
}

func (u Unconfigured) err() error {
	if u.Reason == "" {
		return ErrNotConfigured
	}
	return fmt.Errorf("%w: %s", ErrNotConfigured, u.Reason)
}

func (u Unconfigured) Ready(_ context.Context) error {
	return u.err()
}

func (u Unconfigured) InsertMessage(_ context.Context, _ domain.Message) (domain.Message, error) {
	return domain.Message{}, u.err()
}

func validateMessage(msg domain.Message) error {
	switch {
	case strings.TrimSpace(msg.ConversationID) == "":
		return errors.New("repository: conversation id is required")
	case strings.TrimSpace(msg.SenderID) == "":
		return errors.New("repository: sender id is required")
	case msg.Content == "":
		return errors.New("repository: content is required")
	}
	return nil
}

var newID = func() string {
	return uuid.NewString()
}
