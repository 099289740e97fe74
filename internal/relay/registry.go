package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pscheid92/chatrelay/internal/adapter/metrics"
	"github.com/pscheid92/chatrelay/internal/domain"
)

const maxRoomIDLength = 128

// ValidateRoomID rejects empty, oversized, non-UTF-8 ids and ids containing
// whitespace, control characters or '/'.
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: empty", domain.ErrInvalidRoomID)
	}
	if len(roomID) > maxRoomIDLength {
		return fmt.Errorf("%w: longer than %d bytes", domain.ErrInvalidRoomID, maxRoomIDLength)
	}
	if !utf8.ValidString(roomID) {
		return fmt.Errorf("%w: not valid UTF-8", domain.ErrInvalidRoomID)
	}
	for _, r := range roomID {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '/' {
			return fmt.Errorf("%w: contains %q", domain.ErrInvalidRoomID, r)
		}
	}
	return nil
}

// Registry maps room ids to Rooms. An entry exists only while the room has members.
//
// Lock order is registry then room: ReclaimIfEmpty holds both, so an emptiness check
// and the removal cannot interleave with a join on the same id.
type Registry struct {
	metrics *metrics.RelayMetrics

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(relayMetrics *metrics.RelayMetrics) *Registry {
	return &Registry{
		metrics: relayMetrics,
		rooms:   make(map[string]*Room),
	}
}

// ResolveOrCreate returns the Room for roomID, creating an empty one if absent.
func (g *Registry) ResolveOrCreate(roomID string) (*Room, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if room, exists := g.rooms[roomID]; exists {
		return room, nil
	}

	room := newRoom(roomID, g.metrics)
	g.rooms[roomID] = room
	g.updateRoomGauge()
	slog.Debug("Room created", "room_id", roomID, "rooms", len(g.rooms))
	return room, nil
}

// Join resolves roomID and adds conn to it. A room reclaimed between resolve and
// join is retired, so the loop resolves again and lands in a fresh room.
func (g *Registry) Join(roomID string, conn *Connection) (*Room, error) {
	for {
		room, err := g.ResolveOrCreate(roomID)
		if err != nil {
			return nil, err
		}

		err = room.Join(conn)
		if errors.Is(err, errRoomRetired) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return room, nil
	}
}

// ReclaimIfEmpty removes the room if it currently has no members.
func (g *Registry) ReclaimIfEmpty(roomID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, exists := g.rooms[roomID]
	if !exists {
		return false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if len(room.members) > 0 {
		return false
	}

	room.retired = true
	delete(g.rooms, roomID)
	g.updateRoomGauge()
	slog.Debug("Room reclaimed", "room_id", roomID, "rooms", len(g.rooms))
	return true
}

// Lookup returns the Room for roomID without creating it.
func (g *Registry) Lookup(roomID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, exists := g.rooms[roomID]
	return room, exists
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Rooms lists every room with its member count, ordered by id.
func (g *Registry) Rooms() []domain.RoomInfo {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	infos := make([]domain.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, domain.RoomInfo{ID: room.ID(), Members: room.Size()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// updateRoomGauge must be called with mu held.
func (g *Registry) updateRoomGauge() {
	if g.metrics != nil {
		g.metrics.ActiveRooms.Set(float64(len(g.rooms)))
	}
}
