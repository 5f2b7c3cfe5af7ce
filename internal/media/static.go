package media

import (
	"context"
	"fmt"

	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"
)

// StaticCapture satisfies Capture without touching real devices. Each Acquire
// yields fresh TrackLocalStaticSample tracks that stay silent until someone
// pumps them through Stream.WriteSample. Used by tests and the loopback demo.
type StaticCapture struct{}

func (StaticCapture) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no kinds requested", ErrUnavailable)
	}

	streamID, err := randutil.GenerateCryptoRandomString(8, "abcdefghijklmnopqrstuvwxyz0123456789")
	if err != nil {
		return nil, fmt.Errorf("%w: stream id: %v", ErrUnavailable, err)
	}

	s := NewStream(nil)
	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, "audio0", streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: audio track: %v", ErrUnavailable, err)
		}
		s.AddTrack(KindAudio, track)
	}
	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video0", streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: video track: %v", ErrUnavailable, err)
		}
		s.AddTrack(KindVideo, track)
	}
	return s, nil
}
