package file

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads a channel's cached state when another process (typically
// `gateclaw pairing approve`) rewrites one of its documents. It blocks until
// ctx is cancelled.
func (s *PairingStore) Watch(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create pairing dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	slog.Debug("pairing: watching store", "dir", s.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			channel, ok := channelFromFile(filepath.Base(event.Name))
			if !ok {
				continue
			}
			if s.invalidate(channel) {
				slog.Debug("pairing: store changed on disk", "channel", channel, "file", event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("pairing: watcher error", "error", err)
		}
	}
}

// channelFromFile maps "<channel>-pairing.json" style names back to the channel.
func channelFromFile(name string) (string, bool) {
	for _, suffix := range []string{suffixPairing, suffixAllowFrom, suffixGroups} {
		if ch, ok := strings.CutSuffix(name, suffix); ok && ch != "" {
			return ch, true
		}
	}
	return "", false
}
