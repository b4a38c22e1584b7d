package credentials

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounce = 200 * time.Millisecond

// Store holds the current credentials and re-resolves them when the
// credentials file changes.
type Store struct {
	dir     string
	profile string
	logger  zerolog.Logger

	mu       sync.RWMutex
	current  Credentials
	onChange []func(Credentials)
}

// NewStore resolves credentials once and returns a Store holding them.
func NewStore(configDir, profile string, logger zerolog.Logger) (*Store, error) {
	creds, err := Resolve(configDir, profile)
	if err != nil {
		return nil, err
	}
	return &Store{
		dir:     configDir,
		profile: profile,
		logger:  logger.With().Str("component", "credentials").Logger(),
		current: creds,
	}, nil
}

func (s *Store) Current() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers fn to run with the new credentials after each
// successful reload.
func (s *Store) OnChange(fn func(Credentials)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Reload re-resolves the credentials. On error the previous credentials
// are kept.
func (s *Store) Reload() error {
	creds, err := Resolve(s.dir, s.profile)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = creds
	hooks := append([]func(Credentials){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(creds)
	}
	return nil
}

// Watch reloads on changes to the credentials file until ctx is done. The
// directory is watched rather than the file so that editors replacing the
// file are seen.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(s.dir); err != nil {
		return err
	}
	target := filepath.Join(s.dir, FileName)

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			if err := s.Reload(); err != nil {
				s.logger.Warn().Err(err).Msg("reloading credentials, keeping previous")
				continue
			}
			s.logger.Info().Msg("credentials reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("watching credentials")
		}
	}
}
