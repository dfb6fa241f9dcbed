package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch re-reads the config file after it is written or recreated and
// then calls onChange. The re-read happens under the store's write lock,
// so readers see either the old or the new contents. Watching stops when
// ctx is done. It does nothing when no config file was loaded.
//
// The directory is watched rather than the file so that editors which
// replace the file by rename are still seen.
func (s *Store) Watch(ctx context.Context, logger *zap.Logger, onChange func()) error {
	file := s.ConfigFile()
	if file == "" {
		logger.Debug("no config file loaded, not watching")
		return nil
	}
	file = filepath.Clean(file)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(file)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(file), err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(e.Name) != file || !(e.Has(fsnotify.Write) || e.Has(fsnotify.Create)) {
					continue
				}
				logger.Info("config file changed", zap.String("file", e.Name), zap.Stringer("op", e.Op))
				if err := s.Reload(); err != nil {
					logger.Warn("config reload failed, keeping current settings", zap.Error(err))
					continue
				}
				onChange()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Reload re-reads the config file, e.g. on SIGHUP. It does nothing when no
// config file was loaded. A failed read leaves the previous values in place.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.v.ConfigFileUsed() == "" {
		return nil
	}
	if err := s.v.ReadInConfig(); err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}
	return nil
}
