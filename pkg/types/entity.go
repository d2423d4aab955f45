// Package types defines the entities the room coordination engine operates
// on: players, rooms, stories, chapters, messages, todos, and progress
// tracking. Identifiers are opaque strings; timestamps are UTC instants.
package types

import "time"

// PlayerRole distinguishes the room creator from other members.
type PlayerRole string

const (
	RoleHost   PlayerRole = "host"
	RolePlayer PlayerRole = "player"
)

// Player is created once on first appearance and shared across rooms.
type Player struct {
	ID         string
	Name       string
	Stats      map[string]any
	LastActive time.Time
	Online     bool
}

// PlayerRef is a room's reference to a member, carrying their role in that room.
type PlayerRef struct {
	ID   string
	Role PlayerRole
}

// RoomStatus is a Room's lifecycle state, mirrored by pkg/room's state machine.
type RoomStatus string

const (
	RoomWaiting RoomStatus = "waiting"
	RoomPlaying RoomStatus = "playing"
	RoomPaused  RoomStatus = "paused"
	RoomEnded   RoomStatus = "ended"
)

// Room is owned and mutated by the Room Engine, persisted by the repository.
type Room struct {
	ID           string
	Name         string
	HostPlayerID string
	Status       RoomStatus
	Players      []PlayerRef
	StoryID      string // empty until initializeStory succeeds
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPlayer reports whether playerID is currently a room member.
func (r *Room) HasPlayer(playerID string) bool {
	for _, p := range r.Players {
		if p.ID == playerID {
			return true
		}
	}
	return false
}

// Story is created exactly once per room lifecycle; a failed initialization
// rolls back to no story.
type Story struct {
	ID         string
	RoomID     string
	Title      string
	Background string
	CreatedAt  time.Time
}

// ChapterStatus tracks whether a chapter is the story's live chapter.
type ChapterStatus string

const (
	ChapterActive    ChapterStatus = "active"
	ChapterCompleted ChapterStatus = "completed"
)

// Chapter is a contiguous narrative segment; exactly one per story has
// status=active at any time after initialization. Number is 1-based, dense,
// and strictly increasing.
type Chapter struct {
	ID         string
	StoryID    string
	Number     int
	Content    string
	Summary    string
	AuthorID   string // empty for system/AI-authored chapters
	Status     ChapterStatus
	StartTime  time.Time
	EndTime    time.Time // zero until completed
	WordCount  int
}

// MessageType names the kind of message sent, which determines routing and
// the derived Visibility.
type MessageType string

const (
	MessageGlobal        MessageType = "global"
	MessagePrivate       MessageType = "private"
	MessagePlayerToPlayer MessageType = "player_to_player"
	MessageStoryMachine  MessageType = "story_machine"
	MessageChapter       MessageType = "chapter"
)

// Visibility names who may read a message.
type Visibility string

const (
	VisibilityGlobal  Visibility = "global"
	VisibilityPrivate Visibility = "private"
	VisibilityDirect  Visibility = "direct"
)

// VisibilityOf derives a message's visibility from its type: global→global;
// private/story_machine→private; player_to_player→direct. Visibility is
// never a stored field to be kept in sync — it is always computed.
func VisibilityOf(t MessageType) Visibility {
	switch t {
	case MessageGlobal, MessageChapter:
		return VisibilityGlobal
	case MessagePrivate, MessageStoryMachine:
		return VisibilityPrivate
	case MessagePlayerToPlayer:
		return VisibilityDirect
	default:
		return VisibilityGlobal
	}
}

// Message is immutable once written. RecipientID/RecipientName are set only
// for player_to_player messages; ChapterNumber is set when the message is
// attributable to a specific chapter.
type Message struct {
	ID              string
	RoomID          string
	StoryID         string
	SenderID        string
	SenderName      string
	RecipientID     string
	RecipientName   string
	Type            MessageType
	Content         string
	ChapterNumber   int
	CreatedAt       time.Time
}

// Visibility derives this message's visibility from its Type.
func (m *Message) Visibility() Visibility {
	return VisibilityOf(m.Type)
}

// VisibleTo reports whether playerID may see this message. Story_machine and
// private messages are visible only to the player on the private side of
// that dialog — the sender of a private message, or the recipient of a
// story_machine reply.
func (m *Message) VisibleTo(playerID string) bool {
	switch m.Visibility() {
	case VisibilityGlobal:
		return true
	case VisibilityPrivate:
		return playerID == m.SenderID || (m.RecipientID != "" && playerID == m.RecipientID)
	case VisibilityDirect:
		return playerID == m.SenderID || playerID == m.RecipientID
	default:
		return false
	}
}

// TodoStatus is monotone: pending never reverts once completed.
type TodoStatus string

const (
	TodoPending   TodoStatus = "pending"
	TodoCompleted TodoStatus = "completed"
)

// Todo is a per-chapter information-gathering objective; 3-5 are created
// atomically at chapter activation.
type Todo struct {
	ID             string
	ChapterID      string
	Content        string
	ExpectedAnswer string
	Priority       int // 1..5
	Status         TodoStatus
}

// PlayerProgress tracks one player's completion of one chapter's todos.
type PlayerProgress struct {
	ChapterID         string
	PlayerID          string
	CompletedTodoCount int
	TotalTodoCount     int
	CompletionRate     float64
	TimeoutAt          time.Time
}

// Recompute derives CompletionRate from CompletedTodoCount/TotalTodoCount
// (0 if there are no todos).
func (p *PlayerProgress) Recompute() {
	if p.TotalTodoCount == 0 {
		p.CompletionRate = 0
		return
	}
	p.CompletionRate = float64(p.CompletedTodoCount) / float64(p.TotalTodoCount)
}

// Interaction is one short-term-memory entry: a player's input and the
// system's response, scored by importance at insert time.
type Interaction struct {
	PlayerID   string
	Input      string
	Response   string
	Importance float64 // [0,1]
	Keywords   []string
	Timestamp  time.Time
}

// KeyEvent is a long-term-memory fact mined from chapter content.
type KeyEvent struct {
	Text       string
	Importance int // 1..5
}

// CharacterRelation is a long-term-memory relation mined from chapter
// content, with weight in {-0.7, 0, +0.7} per the two recognized patterns.
type CharacterRelation struct {
	A        string
	B        string
	Weight   float64
	Evidence string
}

// RelevantMemories is the shape getRelevantMemories returns: a budgeted,
// relevance-ranked slice across every memory layer.
type RelevantMemories struct {
	ShortTerm     []Interaction
	Chapters      []string // chapter summaries
	KeyEvents     []KeyEvent
	Relations     []CharacterRelation
	Themes        []string
	WorldSettings []string
}
