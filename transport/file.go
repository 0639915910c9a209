package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/semmission/mission"
)

// ErrEventNotFound is returned when a log ends before the event to resume
// after was seen.
var ErrEventNotFound = errors.New("resume event not found in log")

// File replays a recorded event log: one JSON envelope per line. With follow
// set, the stream waits for the file to grow instead of ending at EOF.
type File struct {
	path   string
	follow bool
	logger *slog.Logger
}

// NewFile creates a file transport for path.
func NewFile(path string, follow bool, opts ...Option) *File {
	o := newOptions(opts)
	return &File{path: path, follow: follow, logger: o.logger}
}

// Dial opens the log. Lines for other missions are skipped when ref.ID is
// set; lines up to and including lastEventID are skipped when it is set.
func (t *File) Dial(ctx context.Context, ref mission.Ref, lastEventID string) (Stream, error) {
	f, err := os.Open(t.path)
	if err != nil {
		status := 0
		if errors.Is(err, os.ErrNotExist) {
			status = http.StatusNotFound
		}
		return nil, &Error{Op: "open", URL: t.path, StatusCode: status, Err: err}
	}

	s := &fileStream{
		ctx:       ctx,
		path:      t.path,
		file:      f,
		reader:    bufio.NewReader(f),
		missionID: ref.ID,
		skipUntil: lastEventID,
		logger:    t.logger,
	}

	if t.follow {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			f.Close()
			return nil, &Error{Op: "watch", URL: t.path, Err: err}
		}
		if err := watcher.Add(t.path); err != nil {
			watcher.Close()
			f.Close()
			return nil, &Error{Op: "watch", URL: t.path, Err: err}
		}
		s.watcher = watcher
	}

	t.logger.Debug("Event log opened", "path", t.path, "follow", t.follow, "last_event_id", lastEventID)
	return s, nil
}

type fileStream struct {
	ctx       context.Context
	path      string
	file      *os.File
	reader    *bufio.Reader
	watcher   *fsnotify.Watcher
	missionID string
	skipUntil string
	warned    bool
	partial   string
	logger    *slog.Logger
	closeOnce sync.Once
}

func (s *fileStream) Next() (mission.Event, error) {
	for {
		line, err := s.reader.ReadString('\n')
		s.partial += line

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if s.watcher == nil {
				if strings.TrimSpace(s.partial) == "" {
					if s.skipUntil != "" {
						return mission.Event{}, &Error{Op: "read", URL: s.path, Err: fmt.Errorf("%w: %s", ErrEventNotFound, s.skipUntil)}
					}
					return mission.Event{}, io.EOF
				}
				// Last line without a trailing newline.
			} else {
				if s.skipUntil != "" && !s.warned {
					s.warned = true
					s.logger.Warn("Resume event not in log yet, waiting", "path", s.path, "last_event_id", s.skipUntil)
				}
				if err := s.waitForWrite(); err != nil {
					return mission.Event{}, err
				}
				continue
			}
		default:
			return mission.Event{}, &Error{Op: "read", URL: s.path, Err: err}
		}

		text := s.partial
		s.partial = ""
		if ev, ok := s.decodeLine(text); ok {
			return ev, nil
		}
	}
}

// waitForWrite blocks until the file changes. A removed or renamed log ends
// the stream.
func (s *fileStream) waitForWrite() error {
	for {
		select {
		case <-s.ctx.Done():
			return &Error{Op: "read", URL: s.path, Err: s.ctx.Err()}
		case event, ok := <-s.watcher.Events:
			if !ok {
				return io.EOF
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				return io.EOF
			}
			if event.Has(fsnotify.Write) {
				return nil
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return io.EOF
			}
			return &Error{Op: "watch", URL: s.path, Err: err}
		}
	}
}

func (s *fileStream) decodeLine(text string) (mission.Event, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return mission.Event{}, false
	}

	var ev mission.Event
	if err := json.Unmarshal([]byte(text), &ev); err != nil {
		s.logger.Warn("Malformed event log line", "path", s.path, "error", err)
		return mission.Event{Data: json.RawMessage(fmt.Sprintf("%q", text))}, true
	}

	if s.missionID != "" && ev.MissionID != "" && ev.MissionID != s.missionID {
		return mission.Event{}, false
	}
	if s.skipUntil != "" {
		if ev.ID == s.skipUntil {
			s.skipUntil = ""
		}
		return mission.Event{}, false
	}
	return ev, true
}

func (s *fileStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Close()
		}
		err = s.file.Close()
	})
	return err
}

// Recorder appends events to a log that File can replay.
type Recorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewRecorder opens path for appending, creating it if needed.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Recorder{file: f, enc: json.NewEncoder(f)}, nil
}

// Record appends one event as a single line.
func (r *Recorder) Record(ev mission.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(ev); err != nil {
		return fmt.Errorf("record event %s: %w", ev.Type, err)
	}
	return nil
}

// Close closes the log.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
