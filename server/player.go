package main

import (
	"sync"
	"sync/atomic"
	"time"
)

// StateFlagPosition marks the x/y/direction fields as changed. It is the
// only state group the current protocol defines (§3), but dirty bytes are
// an OR of flags so more groups can be added without changing the wire
// shape of PLAYER_POSITION.
const StateFlagPosition byte = 1 << 0

// Player is one registered presence: a stable slot, a 64-bit identity, a
// reference count from bound connections, and the position/orientation
// state fields grouped under StateFlagPosition.
type Player struct {
	ID  uint64
	Num int // stable for the lifetime of the record; the registry never reassigns it

	refCount   atomic.Int32
	lastUpdate atomic.Int64 // UnixNano

	mu    sync.RWMutex
	state PositionState
}

func newPlayer(id uint64, num int) *Player {
	p := &Player{ID: id, Num: num}
	p.touch()
	return p
}

func (p *Player) Ref() int32   { return p.refCount.Add(1) }
func (p *Player) Unref() int32 { return p.refCount.Add(-1) }
func (p *Player) RefCount() int32 {
	return p.refCount.Load()
}

func (p *Player) touch() {
	p.lastUpdate.Store(time.Now().UnixNano())
}

// Touch refreshes the idle clock without changing position state, used for
// KEEP_ALIVE and any other traffic that should keep a player off the sweep.
func (p *Player) Touch() {
	p.touch()
}

func (p *Player) LastUpdate() time.Time {
	return time.Unix(0, p.lastUpdate.Load())
}

func (p *Player) Position() PositionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Player) setPosition(s PositionState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.touch()
}

// dirtyListener receives player-state-change notifications from the
// registry. Server connections implement it to maintain their per-peer
// dirty vector (§4.3).
type dirtyListener interface {
	markDirty(playerNum int, mask byte)
}

// Registry is the player directory: 64-bit id -> record, and a stable,
// append-only slot ordering. Slots are never reassigned or compacted
// within a session (§3 invariants); a swept (idle, unreferenced) player's
// id is forgotten but its slot stays counted, so every connection's
// renumbering stays consistent.
type Registry struct {
	mu        sync.RWMutex
	players   []*Player
	byID      map[uint64]int // id -> index into players
	listeners map[dirtyListener]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[uint64]int),
		listeners: make(map[dirtyListener]struct{}),
	}
}

// AddPlayer creates a new record, assigning Num to the registry's current
// length and appending it. Duplicate ids are the caller's problem — callers
// handling RECONNECT must look up by id first.
func (r *Registry) AddPlayer(id uint64) *Player {
	r.mu.Lock()
	p := newPlayer(id, len(r.players))
	r.players = append(r.players, p)
	r.byID[id] = p.Num
	listeners := make([]dirtyListener, 0, len(r.listeners))
	for l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()

	// A new slot changes N_PLAYERS for every connection already
	// subscribed; notifying them the same way a position change does is
	// what clears their CONSISTENT state and drives a refill. The
	// joining connection itself subscribes after AddPlayer returns, so
	// it is never in listeners yet and needs no origin exclusion here.
	for _, l := range listeners {
		l.markDirty(p.Num, StateFlagPosition)
	}
	return p
}

func (r *Registry) GetByID(id uint64) (*Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return r.players[idx], true
}

func (r *Registry) GetByNum(num int) (*Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if num < 0 || num >= len(r.players) {
		return nil, false
	}
	return r.players[num], true
}

// Count returns the number of slots ever assigned in this session,
// including retired (swept) ones, because the protocol's N_PLAYERS and
// renumbering are defined against slot count, not active-player count.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

func (r *Registry) Subscribe(l dirtyListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[l] = struct{}{}
}

func (r *Registry) Unsubscribe(l dirtyListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, l)
}

// UpdatePosition writes p's state through and notifies every subscribed
// listener except origin (a player is never informed of itself, §3).
func (r *Registry) UpdatePosition(p *Player, s PositionState, origin dirtyListener) {
	p.setPosition(s)
	r.notifyDirty(p.Num, StateFlagPosition, origin)
}

// speechRelay is implemented by listeners that also carry voice traffic.
// It reuses the dirtyListener subscription set rather than a second one,
// since every connection that wants position updates also wants speech.
type speechRelay interface {
	relaySpeech(fromNum int, data []byte)
}

// BroadcastSpeech relays an opaque voice payload from the player at fromNum
// to every subscribed listener that implements speechRelay, except origin.
func (r *Registry) BroadcastSpeech(fromNum int, data []byte, origin dirtyListener) {
	r.mu.RLock()
	listeners := make([]dirtyListener, 0, len(r.listeners))
	for l := range r.listeners {
		if l != origin {
			listeners = append(listeners, l)
		}
	}
	r.mu.RUnlock()
	for _, l := range listeners {
		if sr, ok := l.(speechRelay); ok {
			sr.relaySpeech(fromNum, data)
		}
	}
}

func (r *Registry) notifyDirty(num int, mask byte, origin dirtyListener) {
	r.mu.RLock()
	listeners := make([]dirtyListener, 0, len(r.listeners))
	for l := range r.listeners {
		if l != origin {
			listeners = append(listeners, l)
		}
	}
	r.mu.RUnlock()
	for _, l := range listeners {
		l.markDirty(num, mask)
	}
}

// Sweep removes the id mapping (not the slot) for every player with zero
// references whose last update is older than idle. It returns the swept
// players for logging. Call periodically to enforce an idle-sweep policy.
func (r *Registry) Sweep(idle time.Duration) []*Player {
	cutoff := time.Now().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()

	var swept []*Player
	for _, p := range r.players {
		if p.RefCount() > 0 {
			continue
		}
		if p.LastUpdate().After(cutoff) {
			continue
		}
		if _, ok := r.byID[p.ID]; !ok {
			continue // already swept
		}
		delete(r.byID, p.ID)
		swept = append(swept, p)
	}
	return swept
}
