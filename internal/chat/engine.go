package chat

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cortexuvula/etagchat/internal/enrich"
)

// RoomStrategy decides which room a read or write is scoped to.
type RoomStrategy int

const (
	// RoomFromRequest uses the room the client names, or the baseline room.
	RoomFromRequest RoomStrategy = iota
	// BaselineRoom ignores the client and always uses the baseline room.
	BaselineRoom
)

// CreateScope decides when a write counts as a creation.
type CreateScope int

const (
	// ScopeParticipant: created iff the (timestamp, participant) pair is new.
	ScopeParticipant CreateScope = iota
	// ScopeBucket: created iff the timestamp bucket is new.
	ScopeBucket
)

// Variant parameterizes the engine for one pair of read/write routes.
type Variant struct {
	Name  string
	Rooms RoomStrategy
	Scope CreateScope
}

var (
	// Messages is the room-aware variant behind /getMessages and /addMsg.
	Messages = Variant{Name: "messages", Rooms: RoomFromRequest, Scope: ScopeParticipant}
	// Users is the single-room variant behind /getUsers and /addUser.
	Users = Variant{Name: "users", Rooms: BaselineRoom, Scope: ScopeBucket}
)

// ValidationError is returned when a write is missing required fields.
type ValidationError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.ID + ": " + e.Message
}

// Post is a pre-parsed write request.
type Post struct {
	Timestamp   string
	Participant string
	Room        string
	Body        string
}

// WriteStatus is the terminal state of a committed write.
type WriteStatus int

const (
	Created WriteStatus = iota
	Updated
)

func (s WriteStatus) String() string {
	if s == Created {
		return "created"
	}
	return "updated"
}

// WriteResult echoes what was stored.
type WriteResult struct {
	Status      WriteStatus
	Timestamp   string
	Participant string
	Room        string
	Body        string
	Fingerprint string
}

// ReadResult is the outcome of a conditional read.
type ReadResult struct {
	NotModified bool
	Messages    Snapshot
	Fingerprint string
}

// EmbedQueue accepts URLs for background embed upgrades.
type EmbedQueue interface {
	Enqueue(url string) bool
}

// Engine runs reads and writes against a Store.
type Engine struct {
	store       *Store
	embeds      EmbedQueue
	defaultRoom string
	now         func() time.Time

	// mu guards lastAuto, the last server-assigned timestamp key.
	mu       sync.Mutex
	lastAuto int64
}

// NewEngine creates an engine over store. embeds may be nil to disable
// embed upgrades.
func NewEngine(store *Store, defaultRoom string, embeds EmbedQueue) *Engine {
	return &Engine{
		store:       store,
		embeds:      embeds,
		defaultRoom: defaultRoom,
		now:         time.Now,
	}
}

// Store returns the underlying store.
func (e *Engine) Store() *Store {
	return e.store
}

// ResolveRoom applies the variant's room strategy to the requested room.
func (e *Engine) ResolveRoom(v Variant, requested string) string {
	if v.Rooms == BaselineRoom || requested == "" {
		return e.defaultRoom
	}
	return requested
}

// Read answers a conditional read for the variant.
func (e *Engine) Read(v Variant, validator, room string) ReadResult {
	snap, fp, notModified := e.store.Conditional(validator, e.ResolveRoom(v, room))
	return ReadResult{NotModified: notModified, Messages: snap, Fingerprint: fp}
}

// Head compares validator without building a payload.
func (e *Engine) Head(validator string) (notModified bool, fingerprint string) {
	return e.store.Matches(validator)
}

// autoTimestamp returns the current Unix time in milliseconds, bumped past
// the previous assigned key so two posts in one millisecond never share it.
func (e *Engine) autoTimestamp() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms := e.now().UnixMilli()
	if ms <= e.lastAuto {
		ms = e.lastAuto + 1
	}
	e.lastAuto = ms
	return strconv.FormatInt(ms, 10)
}

// Submit validates p, enriches the body and commits it. A rejected post
// returns a *ValidationError and leaves the store untouched.
func (e *Engine) Submit(v Variant, p Post) (WriteResult, error) {
	participant := strings.TrimSpace(p.Participant)
	if participant == "" || p.Body == "" {
		return WriteResult{}, &ValidationError{
			ID:      "missingParams",
			Message: "Name and message are both required.",
		}
	}

	ts := p.Timestamp
	if ts == "" {
		ts = e.autoTimestamp()
	}
	room := e.ResolveRoom(v, p.Room)

	body, url := enrich.Enrich(p.Body)
	out := e.store.Write(ts, participant, room, body)

	status := Updated
	switch v.Scope {
	case ScopeBucket:
		if out.BucketCreated {
			status = Created
		}
	default:
		if out.EntryCreated {
			status = Created
		}
	}

	if url != "" && e.embeds != nil {
		e.embeds.Enqueue(url)
	}

	slog.Debug("message committed",
		"variant", v.Name,
		"status", status.String(),
		"timestamp", ts,
		"participant", participant,
		"room", room,
	)

	return WriteResult{
		Status:      status,
		Timestamp:   ts,
		Participant: participant,
		Room:        room,
		Body:        body,
		Fingerprint: out.Fingerprint,
	}, nil
}
