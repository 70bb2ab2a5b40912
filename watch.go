package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// WatchSecrets rematerializes the secrets whenever the configured env file
// changes, and restarts the gateway too when secrets.restart_on_change is
// set. It blocks until ctx is cancelled.
func (s *Supervisor) WatchSecrets(ctx context.Context) error {
	if s.cfg.Secrets.EnvFile == "" {
		return errors.New("secrets.env_file is not configured")
	}
	abs, err := filepath.Abs(s.cfg.Secrets.EnvFile)
	if err != nil {
		return fmt.Errorf("resolving secrets env file: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen.
	dir := filepath.Dir(abs)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	s.logger.Info("Watcher: watching secrets env file", slog.String("file", abs))

	var (
		mu    sync.Mutex
		timer *time.Timer
		wg    sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		if timer != nil && timer.Stop() {
			wg.Done()
		}
		mu.Unlock()
		wg.Wait()
	}()
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil && timer.Stop() {
			wg.Done()
		}
		wg.Add(1)
		timer = time.AfterFunc(debounceDelay, func() {
			defer wg.Done()
			s.secretsChanged(ctx)
		})
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				s.logger.Info("Watcher: secrets file event", slog.String("file", event.Name), slog.String("op", event.Op.String()))
				debounce()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("Watcher: error", slog.String("err", err.Error()))
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Supervisor) secretsChanged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.cfg.Secrets.RestartOnChange {
		s.logger.Info("Watcher: secrets changed, restarting gateway")
		if _, err := s.Restart(ctx); err != nil {
			s.logger.Error("Watcher: restart after secrets change failed", slog.String("err", err.Error()))
		}
		return
	}
	res := s.RefreshSecrets(ctx)
	s.logger.Info("Watcher: secrets rematerialized", slog.Int("count", res.Count), slog.Bool("written", res.Written))
}
