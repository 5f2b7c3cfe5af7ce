package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// EnvelopeType identifies what a signaling envelope carries.
type EnvelopeType string

const (
	EnvelopeOffer     EnvelopeType = "offer"
	EnvelopeAnswer    EnvelopeType = "answer"
	EnvelopeCandidate EnvelopeType = "ice-candidate"
	EnvelopeEndCall   EnvelopeType = "end-call"
)

// SDP is the wire form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is one signaling message stored in a recipient mailbox. From and
// SessionID let the receiving side reject echoes and strays; the payload
// fields are exclusive per Type.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	From      string       `json:"from"`
	SessionID string       `json:"session_id"`
	SentAt    int64        `json:"sent_at"` // unix milliseconds

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// ParseEnvelope decodes and validates one stored envelope. Unknown fields and
// trailing data are rejected.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

func (e Envelope) Validate() error {
	if e.From == "" {
		return fmt.Errorf("envelope missing from")
	}
	if e.SessionID == "" {
		return fmt.Errorf("envelope missing session_id")
	}
	switch e.Type {
	case EnvelopeOffer:
		if e.SDP == nil {
			return fmt.Errorf("offer envelope missing sdp")
		}
		if e.SDP.Type != "offer" {
			return fmt.Errorf("offer envelope has sdp.type=%q", e.SDP.Type)
		}
		if e.Candidate != nil {
			return fmt.Errorf("offer envelope has unexpected candidate")
		}
	case EnvelopeAnswer:
		if e.SDP == nil {
			return fmt.Errorf("answer envelope missing sdp")
		}
		if e.SDP.Type != "answer" {
			return fmt.Errorf("answer envelope has sdp.type=%q", e.SDP.Type)
		}
		if e.Candidate != nil {
			return fmt.Errorf("answer envelope has unexpected candidate")
		}
	case EnvelopeCandidate:
		if e.Candidate == nil {
			return fmt.Errorf("candidate envelope missing candidate")
		}
		if e.SDP != nil {
			return fmt.Errorf("candidate envelope has unexpected sdp")
		}
	case EnvelopeEndCall:
		if e.SDP != nil || e.Candidate != nil {
			return fmt.Errorf("end-call envelope has unexpected payload")
		}
	default:
		return fmt.Errorf("unsupported envelope type %q", e.Type)
	}
	return nil
}
