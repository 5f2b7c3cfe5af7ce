package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// ErrUnavailable is returned when local capture devices cannot be acquired.
// Pairing must not proceed without local media.
var ErrUnavailable = errors.New("media: capture unavailable")

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Constraints selects which kinds of local media to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// Capture acquires local media. Implementations wrap whatever device access
// the host platform offers; tests and loopback demos use StaticCapture.
type Capture interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

type localTrack struct {
	kind  Kind
	track webrtc.TrackLocal

	mu      sync.Mutex
	enabled bool
}

// Stream is a set of acquired local tracks with per-kind mute state. Toggling
// a kind never detaches the track from the peer connection; a disabled kind
// simply stops producing samples, mirroring how a muted device behaves.
type Stream struct {
	mu       sync.Mutex
	tracks   []*localTrack
	released bool
	release  func()
}

// NewStream wraps already-constructed tracks. release, if non-nil, runs once
// when the stream is released.
func NewStream(release func()) *Stream {
	return &Stream{release: release}
}

// AddTrack registers a local track under the given kind, initially enabled.
func (s *Stream) AddTrack(kind Kind, track webrtc.TrackLocal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, &localTrack{kind: kind, track: track, enabled: true})
}

// Tracks returns every track regardless of mute state, in add order.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.track)
	}
	return out
}

// SetEnabled flips the mute state for every track of the given kind and
// returns the resulting state. Unknown kinds report false.
func (s *Stream) SetEnabled(kind Kind, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, t := range s.tracks {
		if t.kind != kind {
			continue
		}
		t.mu.Lock()
		t.enabled = enabled
		t.mu.Unlock()
		found = true
	}
	return found && enabled
}

// Enabled reports whether any track of the kind is currently producing.
func (s *Stream) Enabled(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.kind != kind {
			continue
		}
		t.mu.Lock()
		e := t.enabled
		t.mu.Unlock()
		if e {
			return true
		}
	}
	return false
}

// Has reports whether the stream carries any track of the kind.
func (s *Stream) Has(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.kind == kind {
			return true
		}
	}
	return false
}

// WriteSample feeds one sample into every enabled sample-based track of the
// kind. Samples for disabled kinds are silently dropped, which is what keeps
// a muted track attached but dark.
func (s *Stream) WriteSample(kind Kind, data []byte, duration time.Duration) error {
	s.mu.Lock()
	tracks := make([]*localTrack, len(s.tracks))
	copy(tracks, s.tracks)
	released := s.released
	s.mu.Unlock()
	if released {
		return fmt.Errorf("media: stream released")
	}

	for _, t := range tracks {
		if t.kind != kind {
			continue
		}
		t.mu.Lock()
		enabled := t.enabled
		t.mu.Unlock()
		if !enabled {
			continue
		}
		sampler, ok := t.track.(*webrtc.TrackLocalStaticSample)
		if !ok {
			continue
		}
		if err := sampler.WriteSample(pionmedia.Sample{Data: data, Duration: duration}); err != nil {
			return fmt.Errorf("media: write %s sample: %w", kind, err)
		}
	}
	return nil
}

// Release returns the underlying devices. Idempotent.
func (s *Stream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	release := s.release
	s.mu.Unlock()
	if release != nil {
		release()
	}
}
