// Package room implements the central room coordination state machine
// (C7): lifecycle, message ingress/dispatch by visibility, chapter
// progression, timers, and empty-room garbage collection. It is the
// process's single point of serialization per room — every mutation for a
// given room (inbound command, timer callback) is funneled through that
// room's mailbox so writes never race within a room, while rooms proceed
// independently of one another.
package room

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyroom/pkg/chapter"
	"storyroom/pkg/config"
	"storyroom/pkg/egress"
	"storyroom/pkg/feedback"
	"storyroom/pkg/logx"
	"storyroom/pkg/memory"
	"storyroom/pkg/persistence"
	llm "storyroom/pkg/provider"
	"storyroom/pkg/queue"
	"storyroom/pkg/statemachine"
	"storyroom/pkg/types"
)

const maxMessageLength = 1000

// syntheticAISenderID is the sender attributed to story_machine replies.
const syntheticAISenderID = "story-machine"

// Engine owns every live room's actor and wires together the repository,
// request queue, memory subsystem, chapter manager, feedback evaluator, and
// egress bus that a room's handlers call out to.
type Engine struct {
	repo         *persistence.Repository
	q            *queue.Queue
	memoryStore  *memory.Store
	chapterMgr   *chapter.Manager
	history      *chapter.History
	feedbackEval *feedback.Evaluator
	bus          egress.Bus
	logger       *logx.Logger

	mu    sync.Mutex
	rooms map[string]*roomActor
}

// New builds an Engine over its already-constructed collaborators.
func New(repo *persistence.Repository, q *queue.Queue, memoryStore *memory.Store, chapterMgr *chapter.Manager, history *chapter.History, feedbackEval *feedback.Evaluator, bus egress.Bus) *Engine {
	return &Engine{
		repo:         repo,
		q:            q,
		memoryStore:  memoryStore,
		chapterMgr:   chapterMgr,
		history:      history,
		feedbackEval: feedbackEval,
		bus:          bus,
		logger:       logx.NewLogger("room"),
		rooms:        make(map[string]*roomActor),
	}
}

// roomState is the mutable state a roomActor's mailbox goroutine guards.
// Only the mailbox goroutine ever touches it, so no lock is needed once a
// closure is running inside the mailbox.
type roomState struct {
	room                *types.Room
	activeChapter       *types.Chapter
	lastAIOutputAt      time.Time
	messagesSinceLastAI int
	globalMessageCount  int
	lastPlayerActivity  time.Time
	keyEventCount       int
	feedbackTimer       *time.Timer
	gcTimer             *time.Timer
	transitionInFlight  bool
}

// roomActor is one room's serialization boundary: a single goroutine drains
// its mailbox in FIFO order, so every mutation for this room is strictly
// ordered relative to every other mutation for this room.
type roomActor struct {
	id          string
	mailbox     chan func()
	lifecycleSM *statemachine.BaseStateMachine
	progressSM  *statemachine.BaseStateMachine
	notifCh     chan *statemachine.StateChangeNotification
	state       *roomState
	engine      *Engine
	done        chan struct{}
	closeOnce   sync.Once
}

func (e *Engine) newActor(r *types.Room) *roomActor {
	notifCh := make(chan *statemachine.StateChangeNotification, 32)
	lifecycleSM := statemachine.NewBaseStateMachine(r.ID, StateWaiting, nil, lifecycleTransitions())
	lifecycleSM.SetErrorState(StateEnded)
	lifecycleSM.SetStateNotificationChannel(notifCh)

	progressSM := statemachine.NewBaseStateMachine(r.ID+":chapter", ChapterGenerating0, nil, progressionTransitions())

	a := &roomActor{
		id:          r.ID,
		mailbox:     make(chan func(), 64),
		lifecycleSM: lifecycleSM,
		progressSM:  progressSM,
		notifCh:     notifCh,
		state:       &roomState{room: r, lastPlayerActivity: time.Now().UTC()},
		engine:      e,
		done:        make(chan struct{}),
	}
	go a.run()
	go a.drainNotifications()
	return a
}

func (a *roomActor) run() {
	for {
		select {
		case task := <-a.mailbox:
			task()
		case <-a.done:
			return
		}
	}
}

// drainNotifications forwards lifecycle transitions onto the egress bus as
// room_updated events, decoupling state-machine bookkeeping from transport.
func (a *roomActor) drainNotifications() {
	for {
		select {
		case n := <-a.notifCh:
			_ = a.engine.bus.Emit(context.Background(), egress.RoomScope(a.id), "room_updated", map[string]any{
				"from": string(n.FromState), "to": string(n.ToState),
			})
		case <-a.done:
			return
		}
	}
}

// exec runs fn inside the room's mailbox and blocks until it completes,
// returning its error. This is the "read" or "apply" half of the two-phase
// pattern handlers use around external calls: fn must never itself block on
// a provider or repository call, since doing so would stall the room's
// entire mailbox for the duration (spec §5).
func (a *roomActor) exec(ctx context.Context, fn func(*roomState) error) error {
	errCh := make(chan error, 1)
	select {
	case a.mailbox <- func() { errCh <- fn(a.state) }:
	case <-a.done:
		return ErrRoomShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *roomActor) shutdown() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.state.stopTimers()
	})
}

// stopTimers cancels any pending timers. Safe to call after done has
// closed, since the mailbox loop has exited by then and nothing else
// touches roomState concurrently.
func (s *roomState) stopTimers() {
	if s.feedbackTimer != nil {
		s.feedbackTimer.Stop()
	}
	if s.gcTimer != nil {
		s.gcTimer.Stop()
	}
}

func (e *Engine) actor(roomID string) (*roomActor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.rooms[roomID]
	return a, ok
}

func (e *Engine) registerActor(a *roomActor) {
	e.mu.Lock()
	e.rooms[a.id] = a
	e.mu.Unlock()
}

// hydrate loads a room an engine instance has not yet seen live (e.g. after
// a restart) from the repository and spins up its actor.
func (e *Engine) hydrate(ctx context.Context, roomID string) (*roomActor, error) {
	r, err := e.repo.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, newError(CodeRoomNotFound, "room not found")
		}
		return nil, fmt.Errorf("room: failed to load room %s: %w", roomID, err)
	}
	a := e.newActor(r)
	if r.Status == types.RoomPlaying || r.Status == types.RoomPaused {
		_ = a.lifecycleSM.TransitionTo(ctx, StatePlaying, nil)
		if r.Status == types.RoomPaused {
			_ = a.lifecycleSM.TransitionTo(ctx, StatePaused, nil)
		}
	}
	if r.StoryID != "" {
		if ch, err := e.repo.GetActiveChapter(ctx, r.StoryID); err == nil {
			a.state.activeChapter = ch
			_ = a.progressSM.TransitionTo(ctx, ChapterActiveState, nil)
			_ = a.progressSM.TransitionTo(ctx, ChapterCollecting, nil)
		}
	}
	e.registerActor(a)
	return a, nil
}

func (e *Engine) resolveActor(ctx context.Context, roomID string) (*roomActor, error) {
	if a, ok := e.actor(roomID); ok {
		return a, nil
	}
	return e.hydrate(ctx, roomID)
}

// CreateRoom implements the create_room command.
func (e *Engine) CreateRoom(ctx context.Context, name, playerID, username string) (*types.Room, error) {
	if name == "" || playerID == "" || username == "" {
		return nil, newError(CodeMissingParameters, "name, playerId, and username are required")
	}
	if len(name) > 50 {
		return nil, newError(CodeInvalidInput, "name must be at most 50 characters")
	}

	if err := e.repo.UpsertPlayer(ctx, &types.Player{ID: playerID, Name: username, LastActive: time.Now().UTC(), Online: true}); err != nil {
		return nil, fmt.Errorf("room: failed to upsert player: %w", err)
	}

	r := &types.Room{
		ID:           uuid.New().String(),
		Name:         name,
		HostPlayerID: playerID,
		Status:       types.RoomWaiting,
		Players:      []types.PlayerRef{{ID: playerID, Role: types.RoleHost}},
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := e.repo.CreateRoom(ctx, r); err != nil {
		return nil, fmt.Errorf("room: failed to create room: %w", err)
	}

	a := e.newActor(r)
	e.registerActor(a)
	return r, nil
}

// JoinRoom implements the join_room command. Rejoining a room that has a
// pending empty-room deletion cancels it.
func (e *Engine) JoinRoom(ctx context.Context, roomID, playerID, username string) (*types.Room, error) {
	if roomID == "" || playerID == "" || username == "" {
		return nil, newError(CodeMissingParameters, "roomId, playerId, and username are required")
	}
	a, err := e.resolveActor(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := e.repo.UpsertPlayer(ctx, &types.Player{ID: playerID, Name: username, LastActive: time.Now().UTC(), Online: true}); err != nil {
		return nil, fmt.Errorf("room: failed to upsert player: %w", err)
	}

	var result *types.Room
	err = a.exec(ctx, func(s *roomState) error {
		if s.gcTimer != nil {
			s.gcTimer.Stop()
			s.gcTimer = nil
		}
		if !s.room.HasPlayer(playerID) {
			s.room.Players = append(s.room.Players, types.PlayerRef{ID: playerID, Role: types.RolePlayer})
		}
		s.lastPlayerActivity = time.Now().UTC()
		result = s.room
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.repo.AddPlayerToRoom(ctx, roomID, playerID, types.RolePlayer); err != nil {
		return nil, fmt.Errorf("room: failed to persist room membership: %w", err)
	}
	_ = e.bus.Emit(ctx, egress.RoomScope(roomID), "room_updated", result)
	return result, nil
}

// LeaveRoom removes playerID from roomID. An empty room afterward schedules
// deletion after the configured grace period.
func (e *Engine) LeaveRoom(ctx context.Context, roomID, playerID string) error {
	a, err := e.resolveActor(ctx, roomID)
	if err != nil {
		return err
	}
	var becameEmpty bool
	err = a.exec(ctx, func(s *roomState) error {
		kept := s.room.Players[:0]
		for _, p := range s.room.Players {
			if p.ID != playerID {
				kept = append(kept, p)
			}
		}
		s.room.Players = kept
		becameEmpty = len(s.room.Players) == 0
		if becameEmpty {
			grace := config.GetConfig().EmptyRoomGracePeriod
			s.gcTimer = time.AfterFunc(grace, func() { a.scheduleGC() })
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.repo.RemovePlayerFromRoom(ctx, roomID, playerID); err != nil {
		return fmt.Errorf("room: failed to persist leave: %w", err)
	}
	_ = e.bus.Emit(ctx, egress.RoomScope(roomID), "player_left", playerID)
	return nil
}

// scheduleGC runs as a timer callback; it re-enters the room's mailbox just
// like any inbound message (spec §5 Timers).
func (a *roomActor) scheduleGC() {
	ctx := context.Background()
	_ = a.exec(ctx, func(s *roomState) error {
		if len(s.room.Players) > 0 {
			return nil // a rejoin raced the timer; nothing to do
		}
		_ = a.lifecycleSM.TransitionTo(ctx, StateEnded, nil)
		return nil
	})
	if err := a.engine.repo.DeleteRoom(ctx, a.id); err != nil {
		a.engine.logger.Error("room: failed to delete empty room %s: %v", a.id, err)
		return
	}
	a.engine.mu.Lock()
	delete(a.engine.rooms, a.id)
	a.engine.mu.Unlock()
	a.shutdown()
}

// GetRoomStatus implements the get_room_status command.
func (e *Engine) GetRoomStatus(ctx context.Context, roomID string) (*types.Room, error) {
	a, err := e.resolveActor(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var result *types.Room
	err = a.exec(ctx, func(s *roomState) error {
		cp := *s.room
		result = &cp
		return nil
	})
	return result, err
}

// GetMessages implements the get_messages command: history is the source
// of truth for reconnecting clients (spec §4.8).
func (e *Engine) GetMessages(ctx context.Context, roomID, playerID string) ([]types.Message, error) {
	if _, err := e.resolveActor(ctx, roomID); err != nil {
		return nil, err
	}
	msgs, err := e.repo.MessagesVisibleTo(ctx, roomID, playerID)
	if err != nil {
		return nil, fmt.Errorf("room: failed to load messages: %w", err)
	}
	return msgs, nil
}

// randFloat64 is overridable by tests for deterministic random-event rolls.
var randFloat64 = rand.Float64
