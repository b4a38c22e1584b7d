// Package waitdetect infers that an interactive agent is idle and waiting
// for the user by watching its terminal transcript. Matching is best-effort
// substring search over normalized text.
package waitdetect

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"github.com/rs/zerolog"

	"github.com/uesteibar/inloop/internal/item"
)

const DefaultPollInterval = time.Second

// DefaultIdleMarkers are phrases agents print when asking what to do next.
var DefaultIdleMarkers = []string{
	"what would you like",
	"what should i do next",
	"how can i help",
	"anything else",
	"let me know if",
	"is there anything",
}

// DefaultActivityMarkers are phrases that show work actually happened.
var DefaultActivityMarkers = []string{
	"wrote ",
	"edited ",
	"created ",
	"updated ",
	"applied ",
	"ran ",
	"tests passed",
	"changes made",
	"done",
}

// overlap is how many raw bytes of the previous read are rescanned so
// that markers split across reads are still found.
const overlap = 256

type Config struct {
	PollInterval    time.Duration
	IdleMarkers     []string
	ActivityMarkers []string
	Logger          zerolog.Logger
}

// Detector watches one transcript. It fires at most once.
type Detector struct {
	buf      *Buffer
	interval time.Duration
	idle     []string
	activity []string
	logger   zerolog.Logger

	mu           sync.Mutex
	offset       int
	tail         []byte
	idleSeen     bool
	activitySeen bool
	fired        bool
}

func New(buf *Buffer, cfg Config) *Detector {
	d := &Detector{
		buf:      buf,
		interval: cfg.PollInterval,
		idle:     lowerAll(cfg.IdleMarkers),
		activity: lowerAll(cfg.ActivityMarkers),
		logger:   cfg.Logger.With().Str("component", "waitdetect").Logger(),
	}
	if d.interval <= 0 {
		d.interval = DefaultPollInterval
	}
	if len(d.idle) == 0 {
		d.idle = DefaultIdleMarkers
	}
	if len(d.activity) == 0 {
		d.activity = DefaultActivityMarkers
	}
	return d
}

func lowerAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Check scans output written since the last check. It returns true exactly
// once: the first time the transcript has shown both an idle marker and an
// activity marker.
func (d *Detector) Check() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired {
		return false
	}

	chunk, end := d.buf.Since(d.offset)
	if len(chunk) == 0 {
		return false
	}
	d.offset = end

	window := append(d.tail, chunk...)
	text := Normalize(string(window))
	if len(window) > overlap {
		d.tail = append([]byte(nil), window[len(window)-overlap:]...)
	} else {
		d.tail = window
	}

	if !d.idleSeen && containsAny(text, d.idle) {
		d.idleSeen = true
	}
	if !d.activitySeen && containsAny(text, d.activity) {
		d.activitySeen = true
	}
	if d.idleSeen && d.activitySeen {
		d.fired = true
		d.tail = nil
		d.buf.Stop()
		return true
	}
	return false
}

// Fired reports whether the detector has triggered.
func (d *Detector) Fired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

// Watch polls the transcript until the detector fires or ctx is done. It
// returns true if it fired.
func (d *Detector) Watch(ctx context.Context) bool {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if d.Check() {
				d.logger.Info().Msg("agent looks idle")
				return true
			}
		}
	}
}

// Normalize strips escape sequences and control characters and lower-cases
// the result. Line breaks and tabs become spaces so words stay separated.
func Normalize(s string) string {
	s = ansi.Strip(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			b.WriteRune(' ')
		case r < 32 || r == 127 || r == utf8.RuneError:
		default:
			b.WriteRune(r)
		}
	}
	return strings.ToLower(b.String())
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Outcome describes how a supervised command ended.
type Outcome struct {
	// Status is the terminal status reported for the command.
	Status item.Status
	// Detected is true when the detector reported completion before exit.
	Detected bool
	// Err is the command's wait error.
	Err error
}

// Classify maps a process wait error to a terminal status.
func Classify(waitErr error) item.Status {
	if waitErr == nil {
		return item.StatusCompleted
	}
	return item.StatusFailed
}

// Supervise runs the detector alongside a wrapped command. wait blocks until
// the command exits. report is called at most once: with completed when the
// detector fires first, or with the exit classification otherwise. The
// detector's watch loop is cancelled as soon as the command exits.
func Supervise(ctx context.Context, d *Detector, wait func() error, report func(item.Status)) Outcome {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if d.Watch(watchCtx) {
			report(item.StatusCompleted)
		}
	}()

	err := wait()
	cancel()
	<-done

	if d.Fired() {
		return Outcome{Status: item.StatusCompleted, Detected: true, Err: err}
	}
	status := Classify(err)
	report(status)
	return Outcome{Status: status, Err: err}
}
