// Package registry owns the authoritative room/user/socket state for one
// signaling server instance.
//
// All three maps live behind a single Registry constructed once per server;
// there is no ambient global state. Mutations come only from the signaling
// layer's join/leave/disconnect handlers.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/meshvoice/meshvoice/internal/protocol"
	"github.com/meshvoice/meshvoice/internal/ratelimit"
)

// Sender delivers a signaling message to one connected user's socket.
type Sender interface {
	Send(msg protocol.Message) error
}

type room struct {
	id        string
	members   map[string]struct{}
	createdAt time.Time
}

type user struct {
	id        string
	roomID    string
	connected bool
	joinedAt  time.Time
}

// RoomInfo is the inspection-surface view of a room.
type RoomInfo struct {
	ID          string    `json:"id"`
	MemberCount int       `json:"memberCount"`
	Members     []string  `json:"members"`
	CreatedAt   time.Time `json:"createdAt"`
}

// UserInfo is the inspection-surface view of a user.
type UserInfo struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId,omitempty"`
	Connected bool      `json:"connected"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Registry maps rooms to member users and users to their socket identity.
// A room exists iff it has at least one member: created on first join,
// destroyed on last leave.
type Registry struct {
	mu sync.Mutex

	clock  ratelimit.Clock
	mirror *PresenceMirror

	rooms   map[string]*room
	users   map[string]*user
	senders map[string]Sender
}

func New(clock ratelimit.Clock, mirror *PresenceMirror) *Registry {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Registry{
		clock:   clock,
		mirror:  mirror,
		rooms:   make(map[string]*room),
		users:   make(map[string]*user),
		senders: make(map[string]Sender),
	}
}

// RegisterSocket records userID's socket as soon as the connection is up,
// before any room membership, so error replies reach clients that signal
// without joining. Disconnect removes the mapping.
func (r *Registry) RegisterSocket(userID string, s Sender) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.senders[userID] = s
	r.mu.Unlock()
}

// Join adds userID to roomID, creating the room if absent, and records the
// user's socket. It returns the member list excluding the joiner.
//
// A user already in a different room is moved: the previous membership is
// dropped first, so no room ever references a departed user. The room left
// behind is returned so the caller can notify its remaining members.
func (r *Registry) Join(userID, roomID string, s Sender) (peers []string, prevRoomID string) {
	r.mu.Lock()

	now := r.clock.Now()

	u, ok := r.users[userID]
	if !ok {
		u = &user{id: userID}
		r.users[userID] = u
	}
	var prevDeleted bool
	if u.roomID != "" && u.roomID != roomID {
		prevRoomID = u.roomID
		_, prevDeleted = r.leaveLocked(u)
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			id:        roomID,
			members:   make(map[string]struct{}),
			createdAt: now,
		}
		r.rooms[roomID] = rm
	}
	rm.members[userID] = struct{}{}

	u.roomID = roomID
	u.connected = true
	u.joinedAt = now
	if s != nil {
		r.senders[userID] = s
	}

	peers = make([]string, 0, len(rm.members)-1)
	for id := range rm.members {
		if id != userID {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	r.mu.Unlock()

	// Mirror writes happen outside the lock so a slow Redis cannot stall
	// membership changes or routing lookups.
	if prevRoomID != "" {
		r.mirror.onLeave(prevRoomID, userID)
		if prevDeleted {
			r.mirror.onRoomDeleted(prevRoomID)
		}
	}
	r.mirror.onJoin(roomID, userID)
	return peers, prevRoomID
}

// Leave removes userID from its current room, deleting the room if it
// becomes empty. It returns the room left and the remaining members so the
// caller can emit user-left events. Calling Leave on a user without a room
// is a no-op.
func (r *Registry) Leave(userID string) (roomID string, remaining []string, ok bool) {
	r.mu.Lock()
	u, exists := r.users[userID]
	if !exists || u.roomID == "" {
		r.mu.Unlock()
		return "", nil, false
	}
	roomID = u.roomID
	var deleted bool
	remaining, deleted = r.leaveLocked(u)
	r.mu.Unlock()

	r.mirror.onLeave(roomID, userID)
	if deleted {
		r.mirror.onRoomDeleted(roomID)
	}
	return roomID, remaining, true
}

// leaveLocked drops u's current membership and returns the remaining member
// ids of the room it left (nil plus deleted=true if the room emptied). The
// caller owns the corresponding mirror writes, after unlock.
func (r *Registry) leaveLocked(u *user) (remaining []string, deleted bool) {
	rm, ok := r.rooms[u.roomID]
	roomID := u.roomID
	u.roomID = ""
	if !ok {
		return nil, false
	}

	delete(rm.members, u.id)
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		return nil, true
	}

	remaining = make([]string, 0, len(rm.members))
	for id := range rm.members {
		remaining = append(remaining, id)
	}
	sort.Strings(remaining)
	return remaining, false
}

// Disconnect is Leave followed by deletion of the user record and its socket
// mapping. Safe to call for unknown users.
func (r *Registry) Disconnect(userID string) (roomID string, remaining []string, ok bool) {
	r.mu.Lock()
	u, exists := r.users[userID]
	var deleted bool
	if exists && u.roomID != "" {
		roomID = u.roomID
		remaining, deleted = r.leaveLocked(u)
		ok = true
	}
	delete(r.users, userID)
	delete(r.senders, userID)
	r.mu.Unlock()

	if ok {
		r.mirror.onLeave(roomID, userID)
		if deleted {
			r.mirror.onRoomDeleted(roomID)
		}
	}
	return roomID, remaining, ok
}

// Sender returns the socket for userID, for O(1) unicast routing.
func (r *Registry) Sender(userID string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.senders[userID]
	return s, ok
}

// RoomSenders returns the sockets of every member of roomID except exclude.
func (r *Registry) RoomSenders(roomID, exclude string) []Sender {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Sender, 0, len(rm.members))
	for id := range rm.members {
		if id == exclude {
			continue
		}
		if s, ok := r.senders[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// UserRoom returns the room the user currently belongs to.
func (r *Registry) UserRoom(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok || u.roomID == "" {
		return "", false
	}
	return u.roomID, true
}

// Room returns the inspection view of one room.
func (r *Registry) Room(roomID string) (RoomInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return r.roomInfoLocked(rm), true
}

// Rooms lists all rooms sorted by id.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, r.roomInfoLocked(rm))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) roomInfoLocked(rm *room) RoomInfo {
	members := make([]string, 0, len(rm.members))
	for id := range rm.members {
		members = append(members, id)
	}
	sort.Strings(members)
	return RoomInfo{
		ID:          rm.id,
		MemberCount: len(members),
		Members:     members,
		CreatedAt:   rm.createdAt,
	}
}

// RoomUserIDs returns the member ids of roomID, sorted; nil if absent.
func (r *Registry) RoomUserIDs(roomID string) []string {
	info, ok := r.Room(roomID)
	if !ok {
		return nil
	}
	return info.Members
}

// User returns the inspection view of one user.
func (r *Registry) User(userID string) (UserInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return UserInfo{}, false
	}
	return UserInfo{
		ID:        u.id,
		RoomID:    u.roomID,
		Connected: u.connected,
		JoinedAt:  u.joinedAt,
	}, true
}

// Counts returns the active room and user counts.
func (r *Registry) Counts() (rooms, users int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms), len(r.users)
}
