package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/gateclaw/internal/identity"
	"github.com/nextlevelbuilder/gateclaw/internal/store"
)

// PGPairingStore implements store.PairingStore backed by Postgres.
// Mutations of one channel are serialized with a transaction-scoped
// advisory lock so concurrent gateways share the pending cap correctly.
type PGPairingStore struct {
	db   *sql.DB
	opts store.PairingOptions
}

func NewPGPairingStore(db *sql.DB, opts store.PairingOptions) *PGPairingStore {
	return &PGPairingStore{db: db, opts: opts.WithDefaults()}
}

func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &store.StoreIOError{Op: op, Path: "postgres", Err: err}
}

// withChannelLock runs fn in a transaction holding the channel's advisory lock.
func (s *PGPairingStore) withChannelLock(ctx context.Context, channel string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "pairing:"+channel); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGPairingStore) pruneTx(ctx context.Context, tx *sql.Tx, channel string) error {
	cutoff := s.opts.Now().Add(-s.opts.TTL)
	_, err := tx.ExecContext(ctx,
		`DELETE FROM pairing_requests WHERE channel = $1 AND created_at <= $2`, channel, cutoff)
	return err
}

func (s *PGPairingStore) IsUserAllowed(ctx context.Context, channel, userID string, static []string) (bool, error) {
	if identity.MatchAllowList(static, userID) {
		return true, nil
	}
	allowed, err := s.ListAllowed(ctx, channel)
	return identity.MatchAllowList(allowed, userID), err
}

func (s *PGPairingStore) UpsertPairingRequest(ctx context.Context, channel, userID string, meta map[string]string) (store.UpsertResult, error) {
	if err := store.ValidateChannel(channel); err != nil {
		return store.UpsertResult{}, err
	}
	if userID == "" {
		return store.UpsertResult{}, fmt.Errorf("upsert pairing request: empty user id")
	}

	var res store.UpsertResult
	err := s.withChannelLock(ctx, channel, func(tx *sql.Tx) error {
		if err := s.pruneTx(ctx, tx, channel); err != nil {
			return err
		}
		now := s.opts.Now()

		var code string
		var metaJSON []byte
		err := tx.QueryRowContext(ctx,
			`SELECT code, meta FROM pairing_requests WHERE channel = $1 AND user_id = $2`,
			channel, userID).Scan(&code, &metaJSON)
		switch {
		case err == nil:
			merged := store.MergeMeta(decodeMeta(metaJSON), meta)
			if _, err := tx.ExecContext(ctx,
				`UPDATE pairing_requests SET last_seen_at = $3, meta = $4 WHERE channel = $1 AND user_id = $2`,
				channel, userID, now, encodeMeta(merged)); err != nil {
				return err
			}
			res = store.UpsertResult{Code: code}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		rows, err := tx.QueryContext(ctx, `SELECT code FROM pairing_requests WHERE channel = $1`, channel)
		if err != nil {
			return err
		}
		taken := make(map[string]bool)
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				rows.Close()
				return err
			}
			taken[c] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(taken) >= s.opts.MaxPending {
			res = store.UpsertResult{}
			return nil
		}

		code, err = store.GenerateCode(func(c string) bool { return taken[c] })
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pairing_requests (channel, user_id, code, meta, created_at, last_seen_at)
			 VALUES ($1, $2, $3, $4, $5, $5)`,
			channel, userID, code, encodeMeta(meta), now); err != nil {
			return err
		}
		res = store.UpsertResult{Code: code, Created: true}
		return nil
	})
	if err != nil {
		return store.UpsertResult{}, ioErr("upsert", err)
	}
	if res.Created {
		slog.Info("pairing: request created", "channel", channel, "user_id", userID)
	}
	return res, nil
}

// takeRequest deletes and returns the pending request for code, or nil.
func (s *PGPairingStore) takeRequest(ctx context.Context, tx *sql.Tx, channel, code string) (*store.PendingPairingRequest, error) {
	if err := s.pruneTx(ctx, tx, channel); err != nil {
		return nil, err
	}
	req := store.PendingPairingRequest{Channel: channel}
	var metaJSON []byte
	err := tx.QueryRowContext(ctx,
		`DELETE FROM pairing_requests WHERE channel = $1 AND code = $2
		 RETURNING user_id, code, meta, created_at, last_seen_at`,
		channel, store.NormalizeCode(code)).Scan(&req.UserID, &req.Code, &metaJSON, &req.CreatedAt, &req.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	req.Meta = decodeMeta(metaJSON)
	return &req, nil
}

func (s *PGPairingStore) ApprovePairingCode(ctx context.Context, channel, code string) (*store.ApprovedPairing, error) {
	if err := store.ValidateChannel(channel); err != nil {
		return nil, err
	}

	var approved *store.ApprovedPairing
	err := s.withChannelLock(ctx, channel, func(tx *sql.Tx) error {
		req, err := s.takeRequest(ctx, tx, channel, code)
		if err != nil || req == nil {
			return err
		}
		now := s.opts.Now()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pairing_allowlist (channel, user_id, approved_at, meta) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (channel, user_id) DO NOTHING`,
			channel, req.UserID, now, encodeMeta(req.Meta)); err != nil {
			return err
		}
		approved = &store.ApprovedPairing{
			Channel:    channel,
			UserID:     req.UserID,
			Code:       req.Code,
			ApprovedAt: now,
			Meta:       req.Meta,
		}
		return nil
	})
	if err != nil {
		return nil, ioErr("approve", err)
	}
	if approved != nil {
		slog.Info("pairing: request approved", "channel", channel, "user_id", approved.UserID)
	}
	return approved, nil
}

func (s *PGPairingStore) DenyPairingCode(ctx context.Context, channel, code string) (*store.PendingPairingRequest, error) {
	if err := store.ValidateChannel(channel); err != nil {
		return nil, err
	}

	var denied *store.PendingPairingRequest
	err := s.withChannelLock(ctx, channel, func(tx *sql.Tx) error {
		var err error
		denied, err = s.takeRequest(ctx, tx, channel, code)
		return err
	})
	if err != nil {
		return nil, ioErr("deny", err)
	}
	return denied, nil
}

func (s *PGPairingStore) ListPairingRequests(ctx context.Context, channel string) ([]store.PendingPairingRequest, error) {
	if err := store.ValidateChannel(channel); err != nil {
		return nil, err
	}

	cutoff := s.opts.Now().Add(-s.opts.TTL)
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, code, meta, created_at, last_seen_at FROM pairing_requests
		 WHERE channel = $1 AND created_at > $2 ORDER BY created_at`, channel, cutoff)
	if err != nil {
		return nil, ioErr("list", err)
	}
	defer rows.Close()

	var out []store.PendingPairingRequest
	for rows.Next() {
		r := store.PendingPairingRequest{Channel: channel}
		var metaJSON []byte
		if err := rows.Scan(&r.UserID, &r.Code, &metaJSON, &r.CreatedAt, &r.LastSeenAt); err != nil {
			return nil, ioErr("list", err)
		}
		r.Meta = decodeMeta(metaJSON)
		out = append(out, r)
	}
	return out, ioErr("list", rows.Err())
}

func (s *PGPairingStore) ListAllowed(ctx context.Context, channel string) ([]string, error) {
	if err := store.ValidateChannel(channel); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM pairing_allowlist WHERE channel = $1 ORDER BY approved_at`, channel)
	if err != nil {
		return nil, ioErr("list allowed", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ioErr("list allowed", err)
		}
		out = append(out, id)
	}
	return out, ioErr("list allowed", rows.Err())
}

func (s *PGPairingStore) ApproveGroup(ctx context.Context, channel, groupID string) error {
	if err := store.ValidateChannel(channel); err != nil {
		return err
	}
	if groupID == "" {
		return fmt.Errorf("approve group: empty group id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairing_groups (channel, group_id, approved_at) VALUES ($1, $2, $3)
		 ON CONFLICT (channel, group_id) DO NOTHING`, channel, groupID, s.opts.Now())
	return ioErr("approve group", err)
}

func (s *PGPairingStore) IsGroupApproved(ctx context.Context, channel, groupID string) (bool, error) {
	if groupID == "" {
		return false, nil
	}
	if err := store.ValidateChannel(channel); err != nil {
		return false, err
	}
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pairing_groups WHERE channel = $1 AND group_id = $2)`,
		channel, groupID).Scan(&exists)
	if err != nil {
		return false, ioErr("group lookup", err)
	}
	return exists, nil
}

func encodeMeta(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	data, _ := json.Marshal(m)
	return string(data)
}

func decodeMeta(data []byte) map[string]string {
	if len(data) == 0 {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return store.CloneMeta(m)
}

// compile-time check
var _ store.PairingStore = (*PGPairingStore)(nil)
