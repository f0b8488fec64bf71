package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ParseMessage decodes a signaling envelope strictly: unknown fields and
// trailing data are rejected, and the per-type shape is validated.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks the per-type shape of the envelope. Stamped fields (from,
// roomId) are not required on inbound messages; the router fills them in.
func (m Message) Validate() error {
	switch m.Type {
	case TypeOffer:
		if m.SDP == nil {
			return fmt.Errorf("offer message missing sdp")
		}
		if m.SDP.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", m.SDP.Type)
		}
	case TypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("answer message missing sdp")
		}
		if m.SDP.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", m.SDP.Type)
		}
	case TypeICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
	case TypeJoinRoom:
		if m.RoomID == "" {
			return fmt.Errorf("join-room message missing roomId")
		}
	case TypeLeaveRoom:
		// No required fields; the server resolves the sender's current room.
	case TypeRoomJoined:
		if m.RoomID == "" || m.UserID == "" {
			return fmt.Errorf("room-joined message missing roomId/userId")
		}
	case TypeUserJoined, TypeUserLeft:
		if m.UserID == "" {
			return fmt.Errorf("%s message missing userId", m.Type)
		}
	case TypeError:
		if m.Error == "" {
			return fmt.Errorf("error message missing error text")
		}
	case TypeICEServers:
		if m.ICEServers == nil {
			return fmt.Errorf("ice-servers message missing server lists")
		}
	case TypeArchitectureMode:
		if _, err := ParseArchitectureMode(string(m.ArchitectureMode)); err != nil {
			return fmt.Errorf("architecture-mode message: %w", err)
		}
	case TypeSFUConnect:
		// sfuUrl is optional; clients without an endpoint stay on mesh.
	case TypeSFUDisconnect:
	case TypeSFUPublish, TypeSFUStreamPublished, TypeSFUStreamUnpublished:
		if m.StreamID == "" {
			return fmt.Errorf("%s message missing streamId", m.Type)
		}
	case TypeSFUSubscribe, TypeSFUUnsubscribe:
		if m.UserID == "" {
			return fmt.Errorf("%s message missing userId", m.Type)
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// Encode marshals the envelope for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
