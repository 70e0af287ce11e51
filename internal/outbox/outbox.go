// Package outbox turns files dropped into a directory into chat
// messages. A file named *.msg is sent as text, *.img holds an image
// URL, and writes to "draft" broadcast that the local user is typing.
// Sent files are removed; failed ones are renamed to *.failed and not
// retried.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/fsnotify/fsnotify"
)

const (
	// outboxDirPerm is the permission mode for the outbox directory.
	outboxDirPerm = fs.FileMode(0o700)

	// debounceInterval is how often the watcher checks for pending
	// files, batching rapid writes into a single send per file.
	debounceInterval = 500 * time.Millisecond

	// settleDelay is how long a file must be quiet before it is sent.
	settleDelay = 300 * time.Millisecond

	// maxFileBytes caps how much of a dropped file is read.
	maxFileBytes = 64 * 1024

	draftName    = "draft"
	textSuffix   = ".msg"
	imageSuffix  = ".img"
	failedSuffix = ".failed"
)

// Sender is the part of chat.Manager the outbox drives.
type Sender interface {
	Send(ctx context.Context, req chat.SendRequest) (chat.Message, error)
	NotifyTyping(ctx context.Context) bool
}

// Outbox watches one directory.
type Outbox struct {
	dir    string
	sender Sender
	logger *slog.Logger
}

// New creates an outbox over dir.
func New(dir string, sender Sender, logger *slog.Logger) *Outbox {
	return &Outbox{dir: dir, sender: sender, logger: logger}
}

// Watch sends files already in the directory, then watches for new
// ones until ctx is cancelled.
func (o *Outbox) Watch(ctx context.Context) error {
	if err := os.MkdirAll(o.dir, outboxDirPerm); err != nil {
		return fmt.Errorf("creating outbox dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(o.dir); err != nil {
		return fmt.Errorf("watching outbox dir: %w", err)
	}

	o.logger.Info("outbox watcher started", slog.String("dir", o.dir))

	if err := o.drainExisting(ctx); err != nil {
		o.logger.Warn("scanning outbox", slog.String("error", err.Error()))
	}

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !wanted(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			o.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < settleDelay {
					continue
				}

				delete(pending, path)
				o.handle(ctx, path)
			}
		}
	}
}

// drainExisting handles files left in the directory from before start.
// A leftover draft is not a typing signal.
func (o *Outbox) drainExisting(ctx context.Context) error {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		path := filepath.Join(o.dir, e.Name())
		if e.Name() == draftName || !wanted(path) {
			continue
		}

		o.handle(ctx, path)
	}

	return nil
}

// wanted reports whether path is a file the outbox acts on.
func wanted(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}

	return name == draftName || strings.HasSuffix(name, textSuffix) || strings.HasSuffix(name, imageSuffix)
}

// handle acts on one settled file.
func (o *Outbox) handle(ctx context.Context, path string) {
	name := filepath.Base(path)

	if name == draftName {
		if o.sender.NotifyTyping(ctx) {
			o.logger.Debug("typing broadcast from draft")
		}

		return
	}

	content, err := readSmallFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			o.logger.Warn("reading outbox file", slog.String("file", name), slog.String("error", err.Error()))
			o.fail(path)
		}

		return
	}

	text := strings.TrimSpace(content)
	if text == "" {
		// Created but not written yet. The write event brings it back.
		return
	}

	var body chat.Body
	if strings.HasSuffix(name, imageSuffix) {
		body.ImageURL = text
	} else {
		body.Text = text
	}

	m, err := o.sender.Send(ctx, chat.SendRequest{Body: body})
	if err != nil {
		o.logger.Warn("outbox send failed", slog.String("file", name), slog.String("error", err.Error()))
		o.fail(path)

		return
	}

	o.logger.Info("outbox message sent", slog.String("file", name), slog.String("message_id", m.ID))

	if err := os.Remove(path); err != nil {
		o.logger.Warn("removing sent outbox file", slog.String("file", name), slog.String("error", err.Error()))
	}
}

func (o *Outbox) fail(path string) {
	if err := os.Rename(path, path+failedSuffix); err != nil {
		o.logger.Warn("marking outbox file failed", slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
	}
}

// readSmallFile reads a regular file, refusing symlinks and anything
// larger than maxFileBytes.
func readSmallFile(path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return "", err
	}

	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", filepath.Base(path))
	}

	if info.Size() > maxFileBytes {
		return "", fmt.Errorf("%s is larger than %d bytes", filepath.Base(path), maxFileBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxFileBytes))
	if err != nil {
		return "", err
	}

	return string(data), nil
}
