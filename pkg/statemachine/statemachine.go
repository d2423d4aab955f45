// Package statemachine provides a generic, persistable finite-state machine
// used for both room lifecycle and chapter progression.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"storyroom/pkg/logx"
)

const (
	// DefaultMaxRetries is the default maximum number of retries for operations.
	DefaultMaxRetries = 3
)

// State names a node in a state machine's transition graph. Callers define
// their own State constants and TransitionTable per domain (see
// pkg/room).
type State string

func (s State) String() string { return string(s) }

// StateTransition represents a transition between states.
type StateTransition struct {
	FromState State          `json:"from_state"`
	ToState   State          `json:"to_state"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// StateChangeNotification is emitted on every successful transition for
// observers (e.g. the egress bus) that want to react to lifecycle changes
// without polling.
type StateChangeNotification struct {
	EntityID  string
	FromState State
	ToState   State
	Timestamp time.Time
	Metadata  map[string]any
}

// Machine defines the interface for state machine implementations.
type Machine interface {
	GetCurrentState() State
	TransitionTo(ctx context.Context, newState State, metadata map[string]any) error
	Initialize(ctx context.Context) error
	Persist() error
	CompactIfNeeded() error
}

// StateData represents generic state storage.
type StateData map[string]any

// TransitionTable represents valid state transitions for a single entity.
type TransitionTable map[State][]State

// StateStore defines the interface for state persistence.
type StateStore interface {
	// Save persists a value with the given ID.
	Save(id string, value any) error
	// Load retrieves a value by ID into the provided destination.
	Load(id string, dest any) error
}

// ErrStateNotFound is returned by a StateStore when no state exists for an ID.
var ErrStateNotFound = errors.New("no state found")

// ErrInvalidTransition is returned when a transition is not present in the
// machine's TransitionTable.
var ErrInvalidTransition = errors.New("invalid state transition")

// BaseStateMachine provides common state machine functionality shared by the
// room lifecycle and chapter progression machines.
type BaseStateMachine struct {
	entityID     string
	currentState State
	stateData    StateData
	transitions  []StateTransition
	store        StateStore      // State persistence
	table        TransitionTable // Instance-local transition table
	mu           sync.Mutex      // Protects state changes
	retryCount   int             // Tracks retry attempts
	maxRetries   int             // Maximum retries before failing
	logger       *logx.Logger

	// errStateOverride, when non-empty, is allowed as a transition target
	// from any state — mirrors a generic "any state can fail" invariant
	// without hardcoding a domain-specific error state name.
	errStateOverride State

	stateNotifCh chan<- *StateChangeNotification
}

// NewBaseStateMachine creates a new base state machine bound to table, the
// entity's valid transition graph. table must not be nil — callers own their
// domain's states and transitions (pkg/room).
func NewBaseStateMachine(entityID string, initialState State, store StateStore, table TransitionTable) *BaseStateMachine {
	if table == nil {
		table = TransitionTable{}
	}
	return &BaseStateMachine{
		entityID:     entityID,
		currentState: initialState,
		stateData:    make(StateData),
		transitions:  make([]StateTransition, 0),
		store:        store,
		table:        table,
		maxRetries:   DefaultMaxRetries,
		logger:       logx.NewLogger(entityID),
	}
}

// SetErrorState designates a state that is always a valid transition target,
// regardless of the current state — used for a domain's terminal failure
// state (e.g. room StateEnded on an unrecoverable error).
func (sm *BaseStateMachine) SetErrorState(s State) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.errStateOverride = s
}

// GetCurrentState returns the current state.
func (sm *BaseStateMachine) GetCurrentState() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.currentState
}

// GetStateData returns a copy of the current state data.
func (sm *BaseStateMachine) GetStateData() StateData {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	result := make(StateData)
	for k, v := range sm.stateData {
		result[k] = v
	}
	return result
}

// SetStateData sets a value in the state data.
func (sm *BaseStateMachine) SetStateData(key string, value any) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stateData[key] = value
}

// GetStateValue gets a value from the state data.
func (sm *BaseStateMachine) GetStateValue(key string) (any, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	value, exists := sm.stateData[key]
	return value, exists
}

// SetTyped stores a typed value in the state data with compile-time type safety.
func SetTyped[T any](sm *BaseStateMachine, key string, value T) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stateData[key] = value
}

// GetTyped retrieves a typed value from the state data with compile-time type safety.
func GetTyped[T any](sm *BaseStateMachine, key string) (T, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var zero T
	value, exists := sm.stateData[key]
	if !exists {
		return zero, false
	}
	typedValue, ok := value.(T)
	if !ok {
		return zero, false
	}
	return typedValue, true
}

// IsValidTransition checks if a state transition is allowed.
func (sm *BaseStateMachine) IsValidTransition(from, to State) bool {
	if sm.errStateOverride != "" && to == sm.errStateOverride {
		return true
	}
	allowed, ok := sm.table[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionTo moves to a new state and records the transition.
func (sm *BaseStateMachine) TransitionTo(ctx context.Context, newState State, metadata map[string]any) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("state transition cancelled: %w", ctx.Err())
	default:
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	oldState := sm.currentState

	if !sm.IsValidTransition(oldState, newState) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, oldState, newState)
	}

	transition := StateTransition{
		FromState: oldState,
		ToState:   newState,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	sm.transitions = append(sm.transitions, transition)
	sm.currentState = newState

	sm.logger.Info("state transition: %s -> %s", oldState, newState)

	if sm.stateNotifCh != nil {
		notification := &StateChangeNotification{
			EntityID:  sm.entityID,
			FromState: oldState,
			ToState:   newState,
			Timestamp: transition.Timestamp,
			Metadata:  metadata,
		}
		select {
		case sm.stateNotifCh <- notification:
		default:
			sm.logger.Warn("state notification channel full, dropping notification for %s: %s->%s",
				sm.entityID, oldState, newState)
		}
	}

	sm.stateData["previous_state"] = oldState.String()
	sm.stateData["current_state"] = newState.String()
	sm.stateData["transition_at"] = transition.Timestamp

	if oldState != newState {
		sm.retryCount = 0
	}

	for k, v := range metadata {
		sm.stateData[k] = v
	}

	if err := sm.Persist(); err != nil {
		return fmt.Errorf("failed to persist state transition: %w", err)
	}

	return nil
}

// GetTransitions returns the state transition history.
func (sm *BaseStateMachine) GetTransitions() []StateTransition {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]StateTransition{}, sm.transitions...)
}

// GetEntityID returns the ID of the entity this machine governs.
func (sm *BaseStateMachine) GetEntityID() string {
	return sm.entityID
}

// Persist saves the current state to durable storage.
func (sm *BaseStateMachine) Persist() error {
	if sm.store == nil {
		return nil
	}

	state := map[string]any{
		"current_state": sm.currentState.String(),
		"state_data":    sm.stateData,
		"transitions":   sm.transitions,
		"retry_count":   sm.retryCount,
	}

	if err := sm.store.Save(sm.entityID, state); err != nil {
		return fmt.Errorf("failed to save entity state: %w", err)
	}
	return nil
}

// CompactIfNeeded compacts state data if size threshold is exceeded.
func (sm *BaseStateMachine) CompactIfNeeded() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	const maxTransitions = 100
	if len(sm.transitions) > maxTransitions {
		sm.transitions = sm.transitions[len(sm.transitions)-maxTransitions:]
	}
	return nil
}

// IncrementRetry increments the retry counter and checks against max retries.
func (sm *BaseStateMachine) IncrementRetry() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.retryCount++
	if sm.retryCount >= sm.maxRetries {
		return fmt.Errorf("exceeded maximum retries (%d)", sm.maxRetries)
	}
	return nil
}

// SetMaxRetries sets the maximum number of retries.
func (sm *BaseStateMachine) SetMaxRetries(maxRetries int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.maxRetries = maxRetries
}

// SetStateNotificationChannel sets the channel for state change notifications.
func (sm *BaseStateMachine) SetStateNotificationChannel(ch chan<- *StateChangeNotification) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stateNotifCh = ch
}

// Initialize restores previously persisted state, if any.
func (sm *BaseStateMachine) Initialize(_ context.Context) error {
	if sm.store == nil {
		return nil
	}

	var state map[string]any
	if err := sm.store.Load(sm.entityID, &state); err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load state: %w", err)
	}
	if state == nil {
		return nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if transitions, ok := state["transitions"].([]StateTransition); ok {
		sm.transitions = append([]StateTransition{}, transitions...)
	}
	if transitionsAny, ok := state["transitions"].([]any); ok {
		transitions := make([]StateTransition, 0, len(transitionsAny))
		for _, t := range transitionsAny {
			tMap, ok := t.(map[string]any)
			if !ok {
				continue
			}
			transition := StateTransition{}
			if fromState, ok := tMap["from_state"].(string); ok {
				transition.FromState = State(fromState)
			}
			if toState, ok := tMap["to_state"].(string); ok {
				transition.ToState = State(toState)
			}
			if ts, ok := tMap["timestamp"].(string); ok {
				if t, err := time.Parse(time.RFC3339, ts); err == nil {
					transition.Timestamp = t
				}
			}
			if meta, ok := tMap["metadata"].(map[string]any); ok {
				transition.Metadata = meta
			}
			transitions = append(transitions, transition)
		}
		sm.transitions = transitions
	}

	if stateData, ok := state["state_data"].(StateData); ok {
		sm.stateData = make(StateData)
		for k, v := range stateData {
			sm.stateData[k] = v
		}
	}
	if stateData, ok := state["state_data"].(map[string]any); ok {
		sm.stateData = make(StateData)
		for k, v := range stateData {
			sm.stateData[k] = v
		}
	}

	if retryCount, ok := state["retry_count"].(float64); ok {
		sm.retryCount = int(retryCount)
	}
	if retryCount, ok := state["retry_count"].(int); ok {
		sm.retryCount = retryCount
	}

	if currentState, ok := state["current_state"].(string); ok {
		sm.currentState = State(currentState)
	}

	return nil
}
