package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Kind is the wire type tag of a signaling message.
type Kind string

const (
	KindCallRequest      Kind = "call_request"
	KindCallAnswer       Kind = "call_answer"
	KindCallIceCandidate Kind = "call_ice_candidate"
	KindCallIce          Kind = "call_ice"
	KindCallHangup       Kind = "call_hangup"
	KindCallBusy         Kind = "call_busy"
	KindCallOffer        Kind = "call_offer"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownKind = errors.New("unknown message kind")
)

// IsKnownKind reports whether t is one of the call_* tags this package decodes.
func IsKnownKind(t string) bool {
	switch Kind(t) {
	case KindCallRequest, KindCallAnswer, KindCallIceCandidate, KindCallIce,
		KindCallHangup, KindCallBusy, KindCallOffer:
		return true
	}
	return false
}

// Message is one typed signaling message.
type Message interface {
	Kind() Kind
	Validate() error
}

type CallRequest struct {
	CallID CallID
	From   PeerID
	To     PeerID
	Offer  webrtc.SessionDescription
}

type CallAnswer struct {
	CallID CallID
	From   PeerID
	To     PeerID
	Answer webrtc.SessionDescription
}

type CallIceCandidate struct {
	CallID    CallID
	From      PeerID
	To        PeerID
	Candidate webrtc.ICECandidateInit
}

type CallHangup struct {
	CallID CallID
	From   PeerID
	To     PeerID
	Reason HangupReason
}

type CallBusy struct {
	CallID CallID
	From   PeerID
	To     PeerID
	Reason HangupReason
}

type DeskOffer struct {
	DeskID DeskID
	From   SessionID
	To     SessionID
	SDP    webrtc.SessionDescription
}

type DeskAnswer struct {
	DeskID DeskID
	From   SessionID
	To     SessionID
	SDP    webrtc.SessionDescription
}

type DeskIce struct {
	DeskID    DeskID
	From      SessionID
	To        SessionID
	Candidate webrtc.ICECandidateInit
}

type DeskHangup struct {
	DeskID DeskID
	From   SessionID
	To     SessionID
	Reason HangupReason
}

func (CallRequest) Kind() Kind      { return KindCallRequest }
func (CallAnswer) Kind() Kind       { return KindCallAnswer }
func (CallIceCandidate) Kind() Kind { return KindCallIceCandidate }
func (CallHangup) Kind() Kind       { return KindCallHangup }
func (CallBusy) Kind() Kind         { return KindCallBusy }
func (DeskOffer) Kind() Kind        { return KindCallOffer }
func (DeskAnswer) Kind() Kind       { return KindCallAnswer }
func (DeskIce) Kind() Kind          { return KindCallIce }
func (DeskHangup) Kind() Kind       { return KindCallHangup }

func malformed(k Kind, what string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, k, what)
}

func validateDirect(k Kind, id CallID, from PeerID) error {
	if id == "" {
		return malformed(k, "missing callId")
	}
	if from == "" {
		return malformed(k, "missing from")
	}
	return nil
}

func validateDesk(k Kind, desk DeskID, from, to SessionID) error {
	if desk == "" {
		return malformed(k, "missing deskId")
	}
	if from == "" {
		return malformed(k, "missing fromSessionId")
	}
	if to == "" {
		return malformed(k, "missing toSessionId")
	}
	return nil
}

func (m CallRequest) Validate() error {
	if err := validateDirect(m.Kind(), m.CallID, m.From); err != nil {
		return err
	}
	if m.Offer.Type != webrtc.SDPTypeOffer || m.Offer.SDP == "" {
		return malformed(m.Kind(), "missing offer")
	}
	return nil
}

func (m CallAnswer) Validate() error {
	if err := validateDirect(m.Kind(), m.CallID, m.From); err != nil {
		return err
	}
	if m.Answer.Type != webrtc.SDPTypeAnswer || m.Answer.SDP == "" {
		return malformed(m.Kind(), "missing answer")
	}
	return nil
}

func (m CallIceCandidate) Validate() error {
	if m.CallID == "" {
		return malformed(m.Kind(), "missing callId")
	}
	if m.Candidate.Candidate == "" {
		return malformed(m.Kind(), "missing candidate")
	}
	return nil
}

func (m CallHangup) Validate() error {
	if m.CallID == "" {
		return malformed(m.Kind(), "missing callId")
	}
	return nil
}

func (m CallBusy) Validate() error {
	if m.CallID == "" {
		return malformed(m.Kind(), "missing callId")
	}
	return nil
}

func (m DeskOffer) Validate() error {
	if err := validateDesk(m.Kind(), m.DeskID, m.From, m.To); err != nil {
		return err
	}
	if m.SDP.Type != webrtc.SDPTypeOffer || m.SDP.SDP == "" {
		return malformed(m.Kind(), "missing sdp")
	}
	return nil
}

func (m DeskAnswer) Validate() error {
	if err := validateDesk(m.Kind(), m.DeskID, m.From, m.To); err != nil {
		return err
	}
	if m.SDP.Type != webrtc.SDPTypeAnswer || m.SDP.SDP == "" {
		return malformed(m.Kind(), "missing sdp")
	}
	return nil
}

func (m DeskIce) Validate() error {
	if err := validateDesk(m.Kind(), m.DeskID, m.From, m.To); err != nil {
		return err
	}
	if m.Candidate.Candidate == "" {
		return malformed(m.Kind(), "missing candidate")
	}
	return nil
}

func (m DeskHangup) Validate() error {
	return validateDesk(m.Kind(), m.DeskID, m.From, m.To)
}

// wireMessage is the canonical JSON shape shared by every kind.
type wireMessage struct {
	Type          Kind                       `json:"type"`
	CallID        CallID                     `json:"callId,omitempty"`
	DeskID        DeskID                     `json:"deskId,omitempty"`
	From          PeerID                     `json:"from,omitempty"`
	To            PeerID                     `json:"to,omitempty"`
	FromSessionID SessionID                  `json:"fromSessionId,omitempty"`
	ToSessionID   SessionID                  `json:"toSessionId,omitempty"`
	Offer         *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer        *webrtc.SessionDescription `json:"answer,omitempty"`
	SDP           *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate     *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Reason        HangupReason               `json:"reason,omitempty"`
}

// Encode renders m in the canonical wire shape.
func Encode(m Message) ([]byte, error) {
	w := wireMessage{Type: m.Kind()}
	switch v := m.(type) {
	case CallRequest:
		w.CallID, w.From, w.To, w.Offer = v.CallID, v.From, v.To, &v.Offer
	case CallAnswer:
		w.CallID, w.From, w.To, w.Answer = v.CallID, v.From, v.To, &v.Answer
	case CallIceCandidate:
		w.CallID, w.From, w.To, w.Candidate = v.CallID, v.From, v.To, &v.Candidate
	case CallHangup:
		w.CallID, w.From, w.To, w.Reason = v.CallID, v.From, v.To, v.Reason
	case CallBusy:
		w.CallID, w.From, w.To, w.Reason = v.CallID, v.From, v.To, v.Reason
	case DeskOffer:
		w.DeskID, w.FromSessionID, w.ToSessionID, w.SDP = v.DeskID, v.From, v.To, &v.SDP
	case DeskAnswer:
		w.DeskID, w.FromSessionID, w.ToSessionID, w.SDP = v.DeskID, v.From, v.To, &v.SDP
	case DeskIce:
		w.DeskID, w.FromSessionID, w.ToSessionID, w.Candidate = v.DeskID, v.From, v.To, &v.Candidate
	case DeskHangup:
		w.DeskID, w.FromSessionID, w.ToSessionID, w.Reason = v.DeskID, v.From, v.To, v.Reason
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}
	return json.Marshal(w)
}

// Decode parses one canonical message object and validates it. Desk-scoped
// kinds are told apart from direct ones by the presence of deskId.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m, err := w.typed()
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (w wireMessage) typed() (Message, error) {
	desk := w.DeskID != ""
	switch w.Type {
	case KindCallRequest:
		return CallRequest{CallID: w.CallID, From: w.From, To: w.To, Offer: deref(w.Offer)}, nil
	case KindCallOffer:
		return DeskOffer{DeskID: w.DeskID, From: w.FromSessionID, To: w.ToSessionID, SDP: deref(w.SDP)}, nil
	case KindCallAnswer:
		if desk {
			return DeskAnswer{DeskID: w.DeskID, From: w.FromSessionID, To: w.ToSessionID, SDP: deref(w.SDP)}, nil
		}
		return CallAnswer{CallID: w.CallID, From: w.From, To: w.To, Answer: deref(w.Answer)}, nil
	case KindCallIceCandidate, KindCallIce:
		var c webrtc.ICECandidateInit
		if w.Candidate != nil {
			c = *w.Candidate
		}
		if desk {
			return DeskIce{DeskID: w.DeskID, From: w.FromSessionID, To: w.ToSessionID, Candidate: c}, nil
		}
		return CallIceCandidate{CallID: w.CallID, From: w.From, To: w.To, Candidate: c}, nil
	case KindCallHangup:
		if desk {
			return DeskHangup{DeskID: w.DeskID, From: w.FromSessionID, To: w.ToSessionID, Reason: w.Reason}, nil
		}
		return CallHangup{CallID: w.CallID, From: w.From, To: w.To, Reason: w.Reason}, nil
	case KindCallBusy:
		return CallBusy{CallID: w.CallID, From: w.From, To: w.To, Reason: w.Reason}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
}

func deref(sd *webrtc.SessionDescription) webrtc.SessionDescription {
	if sd == nil {
		return webrtc.SessionDescription{}
	}
	return *sd
}
