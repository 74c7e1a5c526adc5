package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/gateclaw/internal/identity"
	"github.com/nextlevelbuilder/gateclaw/internal/store"
)

const fileVersion = 1

const (
	suffixPairing   = "-pairing.json"
	suffixAllowFrom = "-allowFrom.json"
	suffixGroups    = "-groups.json"
)

type pairingDoc struct {
	Version  int                           `json:"version"`
	Requests []store.PendingPairingRequest `json:"requests"`
}

type allowFromDoc struct {
	Version   int      `json:"version"`
	AllowFrom []string `json:"allowFrom"`
}

type groupsDoc struct {
	Version int      `json:"version"`
	Groups  []string `json:"groups"`
}

// docKind identifies one of a channel's three documents.
type docKind int

const (
	docRequests docKind = iota
	docAllowed
	docGroups
	numDocs
)

var docSuffix = [numDocs]string{suffixPairing, suffixAllowFrom, suffixGroups}

// errLoadFailed marks a write skipped because the document on disk could not
// be read. Overwriting it would discard entries memory never saw.
var errLoadFailed = errors.New("document failed to load, change kept in memory")

// channelState is the cached view of one channel's three documents.
type channelState struct {
	requests []store.PendingPairingRequest
	allowed  []string
	groups   []string

	// failed marks documents whose last load failed; they are retried on
	// every access and never written until they load cleanly.
	failed [numDocs]bool

	// unsaved marks documents whose in-memory changes are not on disk.
	unsaved [numDocs]bool
}

// dirty reports whether memory holds changes that external file changes
// must not replace.
func (st *channelState) dirty() bool {
	for _, u := range st.unsaved {
		if u {
			return true
		}
	}
	return false
}

// PairingStore implements store.PairingStore with one JSON document per
// channel and concern under dir. Writes go through a temp file and rename.
type PairingStore struct {
	dir  string
	opts store.PairingOptions

	mu       sync.Mutex
	channels map[string]*channelState
}

// NewPairingStore creates a file-backed store rooted at dir.
func NewPairingStore(dir string, opts store.PairingOptions) *PairingStore {
	return &PairingStore{
		dir:      dir,
		opts:     opts.WithDefaults(),
		channels: make(map[string]*channelState),
	}
}

// Dir returns the storage directory.
func (s *PairingStore) Dir() string { return s.dir }

func (s *PairingStore) path(channel string, kind docKind) string {
	return filepath.Join(s.dir, channel+docSuffix[kind])
}

// state returns the cached channel state, loading it on first use and
// retrying documents whose earlier load failed.
// Caller must hold s.mu. A non-nil error is a recovered *StoreIOError.
func (s *PairingStore) state(channel string) (*channelState, error) {
	st, ok := s.channels[channel]
	if !ok {
		st = &channelState{}
		s.channels[channel] = st
	}

	var errs []error
	recovered := false
	for kind := docRequests; kind < numDocs; kind++ {
		if ok && !st.failed[kind] {
			continue
		}
		wasFailed := st.failed[kind]
		if err := s.load(channel, st, kind); err != nil {
			errs = append(errs, err)
			continue
		}
		recovered = recovered || wasFailed
	}
	if recovered {
		for kind := docRequests; kind < numDocs; kind++ {
			if st.unsaved[kind] && !st.failed[kind] {
				if err := s.persist(channel, st, kind); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	if !ok && !st.failed[docRequests] && s.normalize(channel, st, s.opts.Now()) {
		if err := s.persist(channel, st, docRequests); err != nil {
			errs = append(errs, err)
		}
	}
	return st, errors.Join(errs...)
}

// load reads one document and merges it into st. Entries already in memory
// are kept, so changes made while the document was unreadable survive and
// get written once it loads again.
func (s *PairingStore) load(channel string, st *channelState, kind docKind) error {
	path := s.path(channel, kind)

	var err error
	switch kind {
	case docRequests:
		var d pairingDoc
		if err = s.readJSON(path, &d); err == nil {
			st.requests = mergeRequests(st.requests, d.Requests)
		}
	case docAllowed:
		var d allowFromDoc
		if err = s.readJSON(path, &d); err == nil {
			st.allowed = mergeStrings(d.AllowFrom, st.allowed)
		}
	case docGroups:
		var d groupsDoc
		if err = s.readJSON(path, &d); err == nil {
			st.groups = mergeStrings(d.Groups, st.groups)
		}
	}

	if err != nil {
		if !st.failed[kind] {
			slog.Warn("pairing: store unreadable, treating as empty", "path", path, "error", err)
		}
		st.failed[kind] = true
		return err
	}

	if st.failed[kind] {
		slog.Info("pairing: store readable again", "path", path)
		st.failed[kind] = false
	}
	return nil
}

// normalize prunes expired requests and trims the oldest past the cap.
// Returns true when the request list changed.
func (s *PairingStore) normalize(channel string, st *channelState, now time.Time) bool {
	changed := false
	kept := st.requests[:0]
	for _, r := range st.requests {
		if r.UserID == "" || r.Code == "" || s.opts.Expired(r.CreatedAt, now) {
			changed = true
			continue
		}
		r.Channel = channel
		kept = append(kept, r)
	}
	st.requests = kept

	sort.SliceStable(st.requests, func(i, j int) bool {
		return st.requests[i].CreatedAt.Before(st.requests[j].CreatedAt)
	})
	if excess := len(st.requests) - s.opts.MaxPending; excess > 0 {
		slog.Info("pairing: evicting oldest pending requests", "channel", channel, "count", excess)
		st.requests = append([]store.PendingPairingRequest(nil), st.requests[excess:]...)
		changed = true
	}
	return changed
}

func (s *PairingStore) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &store.StoreIOError{Op: "read", Path: path, Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &store.StoreIOError{Op: "parse", Path: path, Err: err}
	}
	return nil
}

// writeJSON atomically replaces path: temp file, fsync, rename.
func (s *PairingStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &store.StoreIOError{Op: "encode", Path: path, Err: err}
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return &store.StoreIOError{Op: "mkdir", Path: s.dir, Err: err}
	}

	tmpFile, err := os.CreateTemp(s.dir, ".pairing-*.tmp")
	if err != nil {
		return &store.StoreIOError{Op: "write", Path: path, Err: err}
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return &store.StoreIOError{Op: "write", Path: path, Err: err}
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return &store.StoreIOError{Op: "sync", Path: path, Err: err}
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return &store.StoreIOError{Op: "rename", Path: path, Err: err}
	}
	cleanup = false
	return nil
}

// persist writes one document and tracks whether memory diverged from disk.
// A document that failed to load is not written.
func (s *PairingStore) persist(channel string, st *channelState, kind docKind) error {
	path := s.path(channel, kind)
	if st.failed[kind] {
		st.unsaved[kind] = true
		slog.Warn("pairing: deferring write until store is readable", "path", path)
		return &store.StoreIOError{Op: "write", Path: path, Err: errLoadFailed}
	}

	var doc any
	switch kind {
	case docRequests:
		reqs := st.requests
		if reqs == nil {
			reqs = []store.PendingPairingRequest{}
		}
		doc = pairingDoc{Version: fileVersion, Requests: reqs}
	case docAllowed:
		allowed := st.allowed
		if allowed == nil {
			allowed = []string{}
		}
		doc = allowFromDoc{Version: fileVersion, AllowFrom: allowed}
	case docGroups:
		groups := st.groups
		if groups == nil {
			groups = []string{}
		}
		doc = groupsDoc{Version: fileVersion, Groups: groups}
	}

	if err := s.writeJSON(path, doc); err != nil {
		st.unsaved[kind] = true
		slog.Error("pairing: write failed, keeping in-memory state", "channel", channel, "error", err)
		return err
	}
	st.unsaved[kind] = false
	return nil
}

// prune drops expired requests, persisting when anything changed.
func (s *PairingStore) prune(channel string, st *channelState) error {
	if !s.normalize(channel, st, s.opts.Now()) {
		return nil
	}
	return s.persist(channel, st, docRequests)
}

func (s *PairingStore) IsUserAllowed(_ context.Context, channel, userID string, static []string) (bool, error) {
	if identity.MatchAllowList(static, userID) {
		return true, nil
	}
	if err := store.ValidateChannel(channel); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state(channel)
	return identity.MatchAllowList(st.allowed, userID), err
}

func (s *PairingStore) UpsertPairingRequest(_ context.Context, channel, userID string, meta map[string]string) (store.UpsertResult, error) {
	if err := store.ValidateChannel(channel); err != nil {
		return store.UpsertResult{}, err
	}
	if userID == "" {
		return store.UpsertResult{}, fmt.Errorf("upsert pairing request: empty user id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, loadErr := s.state(channel)
	pruneErr := s.prune(channel, st)
	now := s.opts.Now()

	for i := range st.requests {
		r := &st.requests[i]
		if r.UserID != userID {
			continue
		}
		// LastSeenAt stays in memory so a DM flood does not become a write flood.
		r.LastSeenAt = now
		var writeErr error
		if merged := store.MergeMeta(r.Meta, meta); !maps.Equal(merged, r.Meta) {
			r.Meta = merged
			writeErr = s.persist(channel, st, docRequests)
		}
		return store.UpsertResult{Code: r.Code}, errors.Join(loadErr, pruneErr, writeErr)
	}

	if len(st.requests) >= s.opts.MaxPending {
		return store.UpsertResult{}, errors.Join(loadErr, pruneErr)
	}

	code, err := store.GenerateCode(func(c string) bool {
		for _, r := range st.requests {
			if r.Code == c {
				return true
			}
		}
		return false
	})
	if err != nil {
		return store.UpsertResult{}, err
	}

	st.requests = append(st.requests, store.PendingPairingRequest{
		Channel:    channel,
		UserID:     userID,
		Code:       code,
		CreatedAt:  now,
		LastSeenAt: now,
		Meta:       store.CloneMeta(meta),
	})
	writeErr := s.persist(channel, st, docRequests)
	slog.Info("pairing: request created", "channel", channel, "user_id", userID)
	return store.UpsertResult{Code: code, Created: true}, errors.Join(loadErr, pruneErr, writeErr)
}

// takeRequest removes the pending request matching code. Caller holds s.mu.
func (s *PairingStore) takeRequest(channel, code string) (*store.PendingPairingRequest, *channelState, error) {
	st, loadErr := s.state(channel)
	pruneErr := s.prune(channel, st)
	code = store.NormalizeCode(code)
	if code == "" {
		return nil, st, errors.Join(loadErr, pruneErr)
	}
	for i, r := range st.requests {
		if r.Code != code {
			continue
		}
		st.requests = append(st.requests[:i:i], st.requests[i+1:]...)
		return &r, st, errors.Join(loadErr, pruneErr)
	}
	return nil, st, errors.Join(loadErr, pruneErr)
}

func (s *PairingStore) ApprovePairingCode(_ context.Context, channel, code string) (*store.ApprovedPairing, error) {
	if err := store.ValidateChannel(channel); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, st, err := s.takeRequest(channel, code)
	if req == nil {
		return nil, err
	}
	if !containsString(st.allowed, req.UserID) {
		st.allowed = append(st.allowed, req.UserID)
	}
	allowErr := s.persist(channel, st, docAllowed)
	var reqErr error
	if allowErr != nil {
		// Keep the request on disk until the approval itself is saved.
		st.unsaved[docRequests] = true
	} else {
		reqErr = s.persist(channel, st, docRequests)
	}
	slog.Info("pairing: request approved", "channel", channel, "user_id", req.UserID)

	return &store.ApprovedPairing{
		Channel:    channel,
		UserID:     req.UserID,
		Code:       req.Code,
		ApprovedAt: s.opts.Now(),
		Meta:       store.CloneMeta(req.Meta),
	}, errors.Join(err, allowErr, reqErr)
}

func (s *PairingStore) DenyPairingCode(_ context.Context, channel, code string) (*store.PendingPairingRequest, error) {
	if err := store.ValidateChannel(channel); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, st, err := s.takeRequest(channel, code)
	if req == nil {
		return nil, err
	}
	writeErr := s.persist(channel, st, docRequests)
	slog.Info("pairing: request denied", "channel", channel, "user_id", req.UserID)
	return req, errors.Join(err, writeErr)
}

func (s *PairingStore) ListPairingRequests(_ context.Context, channel string) ([]store.PendingPairingRequest, error) {
	if err := store.ValidateChannel(channel); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, loadErr := s.state(channel)
	pruneErr := s.prune(channel, st)
	out := make([]store.PendingPairingRequest, len(st.requests))
	for i, r := range st.requests {
		r.Meta = store.CloneMeta(r.Meta)
		out[i] = r
	}
	return out, errors.Join(loadErr, pruneErr)
}

func (s *PairingStore) ListAllowed(_ context.Context, channel string) ([]string, error) {
	if err := store.ValidateChannel(channel); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.state(channel)
	return append([]string(nil), st.allowed...), err
}

func (s *PairingStore) ApproveGroup(_ context.Context, channel, groupID string) error {
	if err := store.ValidateChannel(channel); err != nil {
		return err
	}
	if groupID == "" {
		return fmt.Errorf("approve group: empty group id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, loadErr := s.state(channel)
	if containsString(st.groups, groupID) {
		return loadErr
	}
	st.groups = append(st.groups, groupID)
	slog.Info("pairing: group approved", "channel", channel, "group_id", groupID)
	return errors.Join(loadErr, s.persist(channel, st, docGroups))
}

func (s *PairingStore) IsGroupApproved(_ context.Context, channel, groupID string) (bool, error) {
	if groupID == "" {
		return false, nil
	}
	if err := store.ValidateChannel(channel); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.state(channel)
	return containsString(st.groups, groupID), err
}

// invalidate drops the cached state for channel unless memory holds unsaved changes.
func (s *PairingStore) invalidate(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.channels[channel]
	if !ok {
		return false
	}
	if st.dirty() {
		slog.Warn("pairing: ignoring external change, in-memory state has unsaved writes", "channel", channel)
		return false
	}
	delete(s.channels, channel)
	return true
}

// mergeRequests keeps every request in mem and adds those from disk for
// users memory has no request for.
func mergeRequests(mem, disk []store.PendingPairingRequest) []store.PendingPairingRequest {
	out := mem
	for _, d := range disk {
		found := false
		for _, m := range mem {
			if m.UserID == d.UserID {
				found = true
				break
			}
		}
		if !found {
			out = append(out, d)
		}
	}
	return out
}

// mergeStrings returns base followed by the entries of extra it lacks.
func mergeStrings(base, extra []string) []string {
	out := base
	for _, v := range extra {
		if !containsString(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

var _ store.PairingStore = (*PairingStore)(nil)
