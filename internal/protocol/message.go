// Package protocol defines the signaling wire vocabulary shared by the
// signaling server and the client coordinator.
//
// The package models the protocol surface only; it depends on pion types just
// for lossless conversion at the boundary.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	// Peer-to-peer negotiation.
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"

	// Room membership.
	TypeJoinRoom   MessageType = "join-room"
	TypeLeaveRoom  MessageType = "leave-room"
	TypeRoomJoined MessageType = "room-joined"
	TypeUserJoined MessageType = "user-joined"
	TypeUserLeft   MessageType = "user-left"

	TypeError      MessageType = "error"
	TypeICEServers MessageType = "ice-servers"

	// Topology coordination.
	TypeArchitectureMode MessageType = "architecture-mode"

	// SFU vocabulary. The server relays these to the room; the client-side
	// bridge translates them to publish/subscribe semantics.
	TypeSFUConnect           MessageType = "sfu-connect"
	TypeSFUDisconnect        MessageType = "sfu-disconnect"
	TypeSFUPublish           MessageType = "sfu-publish"
	TypeSFUSubscribe         MessageType = "sfu-subscribe"
	TypeSFUUnsubscribe       MessageType = "sfu-unsubscribe"
	TypeSFUStreamPublished   MessageType = "sfu-stream-published"
	TypeSFUStreamUnpublished MessageType = "sfu-stream-unpublished"
)

// IsSFU reports whether t belongs to the SFU relay vocabulary.
func (t MessageType) IsSFU() bool {
	switch t {
	case TypeSFUConnect, TypeSFUDisconnect, TypeSFUPublish, TypeSFUSubscribe,
		TypeSFUUnsubscribe, TypeSFUStreamPublished, TypeSFUStreamUnpublished:
		return true
	}
	return false
}

type ArchitectureMode string

const (
	ModeMesh ArchitectureMode = "mesh"
	ModeSFU  ArchitectureMode = "sfu"
	ModeAuto ArchitectureMode = "auto"
)

func ParseArchitectureMode(s string) (ArchitectureMode, error) {
	switch ArchitectureMode(s) {
	case ModeMesh, ModeSFU, ModeAuto:
		return ArchitectureMode(s), nil
	}
	return "", fmt.Errorf("unsupported architecture mode %q", s)
}

// SessionDescription is a JSON-friendly SDP offer/answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
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

// ICEServers is the server-provided NAT traversal configuration, sent once on
// connect.
type ICEServers struct {
	STUNServers []string     `json:"stunServers"`
	TURNServers []TURNServer `json:"turnServers"`
}

type TURNServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Message is the signaling envelope. Exactly one Type is set; the remaining
// fields are populated per type and left zero otherwise. The router stamps
// From and RoomID before dispatch; a message is immutable once sent.
type Message struct {
	Type   MessageType `json:"type"`
	From   string      `json:"from,omitempty"`
	To     string      `json:"to,omitempty"`
	RoomID string      `json:"roomId,omitempty"`
	UserID string      `json:"userId,omitempty"`

	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`

	ArchitectureMode ArchitectureMode `json:"architectureMode,omitempty"`
	SFUURL           string           `json:"sfuUrl,omitempty"`
	StreamID         string           `json:"streamId,omitempty"`

	Users      []string    `json:"users,omitempty"`
	ICEServers *ICEServers `json:"iceServers,omitempty"`

	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}
