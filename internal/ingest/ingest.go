// Package ingest receives session lifecycle reports from command wrappers.
// Register creates a push-driven item with its session; UpdateStatus applies
// a status reported for that session.
package ingest

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uesteibar/inloop/internal/db"
	"github.com/uesteibar/inloop/internal/item"
	"github.com/uesteibar/inloop/internal/resolve"
	"github.com/uesteibar/inloop/internal/tracker"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidRequest  = errors.New("invalid request")
)

// Registration describes a command about to run.
type Registration struct {
	Command string    `json:"command"`
	Title   string    `json:"title"`
	Cwd     string    `json:"cwd"`
	Type    item.Type `json:"type,omitempty"`
}

// Registered identifies the records created for a registration.
type Registered struct {
	SessionID      string `json:"id"`
	ItemID         string `json:"item_id"`
	TranscriptPath string `json:"transcript_path,omitempty"`
}

// pushable lists the statuses a wrapper may report.
var pushable = map[item.Status]bool{
	item.StatusInProgress:  true,
	item.StatusInputNeeded: true,
	item.StatusCompleted:   true,
	item.StatusFailed:      true,
}

type Service struct {
	db            *db.DB
	tracker       *tracker.Tracker
	resolver      *resolve.Resolver
	transcriptDir string
	logger        zerolog.Logger

	locks keyedMutex
}

// Config holds the dependencies of a Service.
type Config struct {
	DB       *db.DB
	Tracker  *tracker.Tracker
	Resolver *resolve.Resolver
	// TranscriptDir is where agent session transcripts are written.
	TranscriptDir string
	Logger        zerolog.Logger
}

func New(cfg Config) *Service {
	r := cfg.Resolver
	if r == nil {
		r = resolve.New(nil)
	}
	return &Service{
		db:            cfg.DB,
		tracker:       cfg.Tracker,
		resolver:      r,
		transcriptDir: cfg.TranscriptDir,
		logger:        cfg.Logger.With().Str("component", "ingest").Logger(),
		locks:         keyedMutex{locks: make(map[string]*keyedLock)},
	}
}

// Register creates a waiting item and its session. Every call creates new
// records; registrations are not deduplicated.
func (s *Service) Register(req Registration) (Registered, error) {
	res, err := s.resolver.ResolveCommand(req.Command, req.Title)
	if err != nil {
		return Registered{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	typ := req.Type
	if typ == "" {
		typ = item.TypeCLISession
	}

	sess := item.Session{
		ID:      uuid.New().String(),
		Command: strings.TrimSpace(req.Command),
		Cwd:     req.Cwd,
	}
	var md item.Metadata
	switch typ {
	case item.TypeCLISession:
		md = item.CLISession{SessionID: sess.ID, Command: sess.Command, Cwd: req.Cwd}
	case item.TypeAgentSession:
		if s.transcriptDir != "" {
			sess.TranscriptPath = filepath.Join(s.transcriptDir, sess.ID+".log")
		}
		md = item.AgentSession{SessionID: sess.ID, Command: sess.Command, Cwd: req.Cwd, TranscriptPath: sess.TranscriptPath}
	default:
		return Registered{}, fmt.Errorf("%w: sessions cannot be %q", ErrInvalidRequest, typ)
	}

	it, err := item.New(typ, res.Title, md)
	if err != nil {
		return Registered{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	it, sess, err = s.tracker.TrackSession(it, sess)
	if err != nil {
		return Registered{}, fmt.Errorf("registering session: %w", err)
	}

	s.logger.Info().Str("session_id", sess.ID).Str("item_id", it.ID).Str("type", string(typ)).Msg("session registered")
	return Registered{SessionID: sess.ID, ItemID: it.ID, TranscriptPath: sess.TranscriptPath}, nil
}

// UpdateStatus applies a status reported for a session. Reporting the
// status the item already holds writes nothing; changed reports whether it
// wrote. Calls for the same session are serialized.
func (s *Service) UpdateStatus(sessionID string, status item.Status) (it item.Item, changed bool, err error) {
	if !pushable[status] {
		return item.Item{}, false, fmt.Errorf("%w: status %q", ErrInvalidRequest, status)
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.db.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return item.Item{}, false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return item.Item{}, false, err
	}

	it, changed, err = s.tracker.ApplyPush(sess.ItemID, status)
	if err != nil {
		if errors.Is(err, item.ErrInvalidStatus) {
			return item.Item{}, false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if errors.Is(err, db.ErrNotFound) {
			return item.Item{}, false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return item.Item{}, false, err
	}
	return it, changed, nil
}

// Session returns a registered session.
func (s *Service) Session(sessionID string) (item.Session, error) {
	sess, err := s.db.GetSession(sessionID)
	if errors.Is(err, db.ErrNotFound) {
		return item.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, err
}

// keyedMutex hands out one mutex per key, dropping it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
