package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// PairingCodeAlphabet excludes 0/O and 1/I so codes survive being read aloud.
const (
	PairingCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	PairingCodeLength   = 8

	DefaultMaxPending = 3
	DefaultPairingTTL = time.Hour
)

// ErrInvalidChannel is returned for channel names that cannot key a store document.
var ErrInvalidChannel = errors.New("invalid pairing channel")

// PendingPairingRequest is an unknown DM sender waiting for operator approval.
// At most one exists per (channel, user).
type PendingPairingRequest struct {
	Channel    string            `json:"channel"`
	UserID     string            `json:"user_id"`
	Code       string            `json:"code"`
	CreatedAt  time.Time         `json:"created_at"`
	LastSeenAt time.Time         `json:"last_seen_at"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// UpsertResult reports what UpsertPairingRequest did.
// Created=false with a code means the sender already has a pending request;
// Created=false without a code means the channel's pending queue is full.
type UpsertResult struct {
	Code    string
	Created bool
}

// QueueFull reports whether the request was refused for capacity.
func (r UpsertResult) QueueFull() bool { return !r.Created && r.Code == "" }

// ApprovedPairing describes a request that was converted into an allowlist entry.
type ApprovedPairing struct {
	Channel    string
	UserID     string
	Code       string
	ApprovedAt time.Time
	Meta       map[string]string
}

// PairingStore persists pending pairing requests, the approved DM allowlist
// and approved groups, one namespace per channel.
//
// Implementations never fail closed on the message path: a read failure
// behaves as empty state and a write failure keeps the in-memory result.
// Both are reported as *StoreIOError alongside a usable result.
type PairingStore interface {
	IsUserAllowed(ctx context.Context, channel, userID string, static []string) (bool, error)
	UpsertPairingRequest(ctx context.Context, channel, userID string, meta map[string]string) (UpsertResult, error)
	ApprovePairingCode(ctx context.Context, channel, code string) (*ApprovedPairing, error)
	DenyPairingCode(ctx context.Context, channel, code string) (*PendingPairingRequest, error)
	ListPairingRequests(ctx context.Context, channel string) ([]PendingPairingRequest, error)
	ListAllowed(ctx context.Context, channel string) ([]string, error)
	ApproveGroup(ctx context.Context, channel, groupID string) error
	IsGroupApproved(ctx context.Context, channel, groupID string) (bool, error)
}

// PairingOptions are the limits shared by every PairingStore implementation.
type PairingOptions struct {
	MaxPending int
	TTL        time.Duration
	Now        func() time.Time
}

// WithDefaults fills zero fields.
func (o PairingOptions) WithDefaults() PairingOptions {
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	if o.TTL <= 0 {
		o.TTL = DefaultPairingTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Expired reports whether a request created at createdAt is past the TTL.
func (o PairingOptions) Expired(createdAt, now time.Time) bool {
	return now.Sub(createdAt) >= o.TTL
}

// StoreIOError wraps a persistence failure that was recovered locally.
type StoreIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreIOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("pairing store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("pairing store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreIOError) Unwrap() error { return e.Err }

// IsStoreIOError reports whether err carries a recovered persistence failure.
func IsStoreIOError(err error) bool {
	var ioErr *StoreIOError
	return errors.As(err, &ioErr)
}

// ValidateChannel accepts lower-case names made of letters, digits, '-' and '_'.
func ValidateChannel(channel string) error {
	if channel == "" {
		return fmt.Errorf("%w: empty", ErrInvalidChannel)
	}
	for _, r := range channel {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
		}
	}
	return nil
}

// NormalizeCode upper-cases and trims a user-typed code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GenerateCode returns a random code not reported as taken by inUse.
func GenerateCode(inUse func(code string) bool) (string, error) {
	max := big.NewInt(int64(len(PairingCodeAlphabet)))
	for attempt := 0; attempt < 500; attempt++ {
		var b strings.Builder
		b.Grow(PairingCodeLength)
		for i := 0; i < PairingCodeLength; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("generate pairing code: %w", err)
			}
			b.WriteByte(PairingCodeAlphabet[n.Int64()])
		}
		code := b.String()
		if inUse == nil || !inUse(code) {
			return code, nil
		}
	}
	return "", errors.New("generate pairing code: too many collisions")
}

// CloneMeta copies a metadata map, returning nil for empty input.
func CloneMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MergeMeta overlays non-empty values from src onto a copy of dst.
func MergeMeta(dst, src map[string]string) map[string]string {
	out := CloneMeta(dst)
	for k, v := range src {
		if v == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(src))
		}
		out[k] = v
	}
	return out
}
