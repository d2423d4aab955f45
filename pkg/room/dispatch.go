package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyroom/pkg/chapter"
	"storyroom/pkg/config"
	"storyroom/pkg/egress"
	llm "storyroom/pkg/provider"
	"storyroom/pkg/types"
)

// errTransitionSkipped marks advanceChapter bailing out because a
// transition for this chapter is already running — never returned to a
// caller, only used to short-circuit.
var errTransitionSkipped = errors.New("room: chapter transition already in flight")

// SendMessage implements the send_message command (spec §4.4/§4.7):
// validates the message, records it, and dispatches it through the lane its
// type requires — global messages may provoke story advancement, private
// messages always run feedback evaluation, player_to_player messages are
// delivered with no provider involvement.
func (e *Engine) SendMessage(ctx context.Context, roomID, senderID string, msgType types.MessageType, content, recipientID, recipientName string) (*types.Message, error) {
	if content == "" {
		return nil, newError(CodeEmptyMessage, "message content must not be empty")
	}
	if len(content) > maxMessageLength {
		return nil, newError(CodeMessageTooLong, "message exceeds maximum length")
	}
	switch msgType {
	case types.MessageGlobal, types.MessagePrivate, types.MessagePlayerToPlayer:
	default:
		return nil, newError(CodeInvalidMessageType, "unsupported message type")
	}
	if msgType == types.MessagePlayerToPlayer && recipientID == "" {
		return nil, newError(CodeMissingRecipient, "player_to_player messages require a recipientId")
	}

	a, err := e.resolveActor(ctx, roomID)
	if err != nil {
		return nil, err
	}

	var room types.Room
	var activeChapter *types.Chapter
	if err := a.exec(ctx, func(s *roomState) error {
		if !s.room.HasPlayer(senderID) {
			return newError(CodeNotInRoom, "sender is not a member of this room")
		}
		room = *s.room
		if s.activeChapter != nil {
			cp := *s.activeChapter
			activeChapter = &cp
		}
		s.lastPlayerActivity = time.Now().UTC()
		return nil
	}); err != nil {
		return nil, err
	}

	senderName := e.playerName(ctx, senderID)

	switch msgType {
	case types.MessagePlayerToPlayer:
		return e.dispatchDirect(ctx, &room, senderID, senderName, recipientID, recipientName, content)
	case types.MessagePrivate:
		return e.dispatchPrivate(ctx, a, &room, activeChapter, senderID, senderName, content)
	default:
		return e.dispatchGlobal(ctx, a, &room, activeChapter, senderID, senderName, content)
	}
}

func (e *Engine) playerName(ctx context.Context, playerID string) string {
	p, err := e.repo.GetPlayer(ctx, playerID)
	if err != nil || p == nil {
		return playerID
	}
	return p.Name
}

// dispatchDirect delivers a player_to_player message to sender and
// recipient only — it never touches the provider, the memory subsystem, or
// chapter state (spec §4.4 privacy).
func (e *Engine) dispatchDirect(ctx context.Context, room *types.Room, senderID, senderName, recipientID, recipientName, content string) (*types.Message, error) {
	if !room.HasPlayer(recipientID) {
		return nil, newError(CodeNotInRoom, "recipient is not a member of this room")
	}
	msg := &types.Message{
		ID: uuid.New().String(), RoomID: room.ID, StoryID: room.StoryID,
		SenderID: senderID, SenderName: senderName,
		RecipientID: recipientID, RecipientName: recipientName,
		Type: types.MessagePlayerToPlayer, Content: content, CreatedAt: time.Now().UTC(),
	}
	if err := e.repo.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("room: failed to persist message: %w", err)
	}
	_ = e.bus.Emit(ctx, egress.PlayerScope(room.ID, senderID), "new_message", msg)
	_ = e.bus.Emit(ctx, egress.PlayerScope(room.ID, recipientID), "new_message", msg)
	return msg, nil
}

// dispatchPrivate implements the private-message lane: a provider
// availability pre-flight check runs before anything is persisted, so an
// unavailable provider leaves zero Message and zero PlayerProgress rows
// behind (spec §8 S6) rather than persisting first and compensating after.
func (e *Engine) dispatchPrivate(ctx context.Context, a *roomActor, room *types.Room, ch *types.Chapter, senderID, senderName, content string) (*types.Message, error) {
	if ch == nil {
		return nil, newError(CodeInvalidInput, "room has no active chapter")
	}
	if ok, reason := e.q.Available(ctx); !ok {
		return nil, &CommandError{Code: CodeProviderUnavailable, Message: reason}
	}

	msg := &types.Message{
		ID: uuid.New().String(), RoomID: room.ID, StoryID: room.StoryID,
		SenderID: senderID, SenderName: senderName,
		Type: types.MessagePrivate, Content: content, ChapterNumber: ch.Number, CreatedAt: time.Now().UTC(),
	}
	if err := e.repo.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("room: failed to persist message: %w", err)
	}
	_ = e.bus.Emit(ctx, egress.PlayerScope(room.ID, senderID), "new_message", msg)

	todos, err := e.repo.TodosForChapter(ctx, ch.ID)
	if err != nil {
		e.logger.Error("room: failed to load todos for chapter %s: %v", ch.ID, err)
		return msg, nil
	}
	if _, err := e.feedbackEval.Evaluate(ctx, ch.ID, senderID, content, ch.Content, todos); err != nil {
		e.logger.Error("room: feedback evaluation failed for player %s: %v", senderID, err)
	}

	progress, err := e.repo.ProgressForChapter(ctx, ch.ID)
	if err != nil {
		e.logger.Error("room: failed to load progress after evaluation: %v", err)
	} else {
		_ = e.bus.Emit(ctx, egress.RoomScope(room.ID), "feedback_progress_update", progress)
	}

	if reply := e.generateStoryMachineReply(ctx, ch, content); reply != "" {
		replyMsg := &types.Message{
			ID: uuid.New().String(), RoomID: room.ID, StoryID: room.StoryID,
			SenderID: syntheticAISenderID, SenderName: "Story Machine", RecipientID: senderID,
			Type: types.MessageStoryMachine, Content: reply, ChapterNumber: ch.Number, CreatedAt: time.Now().UTC(),
		}
		if err := e.repo.InsertMessage(ctx, replyMsg); err != nil {
			e.logger.Error("room: failed to persist story-machine reply: %v", err)
		} else {
			_ = e.bus.Emit(ctx, egress.PlayerScope(room.ID, senderID), "new_message", replyMsg)
		}
	}

	if progress != nil && allPlayersAtThreshold(progress, room, config.GetConfig().ProgressionThreshold) {
		a.triggerProgression(ctx, "progression_threshold")
	}
	return msg, nil
}

// generateStoryMachineReply asks the provider for a short in-character
// acknowledgement of a private message; a failure here is not fatal to the
// command since the feedback evaluation itself already completed.
func (e *Engine) generateStoryMachineReply(ctx context.Context, ch *types.Chapter, message string) string {
	prompt := fmt.Sprintf(
		"You are the story's narrator, replying privately to one player's in-character message. Chapter context: %s\nPlayer said: %q\nReply with 1-2 short in-character sentences.",
		ch.Content, message)
	result, err := e.q.Submit(ctx, 2, time.Time{}, func(ctx context.Context, p llm.Provider) (llm.Result, error) {
		return p.Chat(ctx, []llm.ChatMessage{{Role: llm.RoleSystem, Content: prompt}}, llm.DefaultChatOptions())
	})
	if err != nil {
		e.logger.Warn("room: story-machine reply generation failed: %v", err)
		return ""
	}
	return result.Content
}

// allPlayersAtThreshold reports whether every current room member has
// reached threshold completion on chapterID's todos (spec §4.7 Progressing:
// a single-player room needs only that player).
func allPlayersAtThreshold(progress []types.PlayerProgress, room *types.Room, threshold float64) bool {
	if len(room.Players) == 0 {
		return false
	}
	byPlayer := make(map[string]types.PlayerProgress, len(progress))
	for _, p := range progress {
		byPlayer[p.PlayerID] = p
	}
	for _, pl := range room.Players {
		p, ok := byPlayer[pl.ID]
		if !ok || p.CompletionRate < threshold {
			return false
		}
	}
	return true
}

// dispatchGlobal implements the global-message lane: it always records the
// message, then consults the story-generation trigger rules (spec §4.6) to
// decide whether this message provokes a narrative continuation.
func (e *Engine) dispatchGlobal(ctx context.Context, a *roomActor, room *types.Room, ch *types.Chapter, senderID, senderName, content string) (*types.Message, error) {
	if ch == nil {
		return nil, newError(CodeInvalidInput, "room has no active chapter")
	}
	msg := &types.Message{
		ID: uuid.New().String(), RoomID: room.ID, StoryID: room.StoryID,
		SenderID: senderID, SenderName: senderName,
		Type: types.MessageGlobal, Content: content, ChapterNumber: ch.Number, CreatedAt: time.Now().UTC(),
	}
	if err := e.repo.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("room: failed to persist message: %w", err)
	}
	_ = e.bus.Emit(ctx, egress.RoomScope(room.ID), "new_message", msg)

	var globalCount, sinceLastAI int
	var lastAI time.Time
	_ = a.exec(ctx, func(s *roomState) error {
		s.globalMessageCount++
		s.messagesSinceLastAI++
		globalCount = s.globalMessageCount
		sinceLastAI = s.messagesSinceLastAI
		lastAI = s.lastAIOutputAt
		return nil
	})

	reason := e.evaluateStoryTriggerSafe(config.GetConfig().StoryTrigger, storyTriggerInput{
		GlobalMessageCount:  globalCount,
		MessagesSinceLastAI: sinceLastAI,
		TimeSinceLastAI:     time.Since(lastAI),
		Message:             content,
	})
	if reason == TriggerNone {
		return msg, nil
	}

	addition, err := e.generateContinuation(ctx, ch, content, reason)
	if err != nil {
		e.logger.Warn("room: failed to generate continuation for story %s (%s): %v", room.StoryID, reason, err)
		return msg, nil
	}

	updatedContent := ch.Content + "\n\n" + addition
	updatedWordCount := wordsIn(updatedContent)
	if err := e.repo.AppendChapterContent(ctx, ch.ID, addition, updatedWordCount); err != nil {
		e.logger.Error("room: failed to persist chapter continuation: %v", err)
		return msg, nil
	}
	if err := e.memoryStore.RecordInteraction(ctx, room.StoryID, senderID, content, addition); err != nil {
		e.logger.Warn("room: failed to record interaction: %v", err)
	}

	var updated types.Chapter
	var triggerReason chapter.TriggerReason
	_ = a.exec(ctx, func(s *roomState) error {
		if s.activeChapter == nil || s.activeChapter.ID != ch.ID {
			return nil // a transition already replaced this chapter while the call was outstanding
		}
		s.activeChapter.Content = updatedContent
		s.activeChapter.WordCount = updatedWordCount
		s.lastAIOutputAt = time.Now().UTC()
		s.messagesSinceLastAI = 0
		s.keyEventCount++
		updated = *s.activeChapter
		triggerReason = chapter.EvaluateTrigger(config.GetConfig().Chapter, s.activeChapter, s.keyEventCount, s.globalMessageCount, s.lastPlayerActivity, time.Now().UTC())
		return nil
	})
	if updated.ID != "" {
		_ = e.bus.Emit(ctx, egress.RoomScope(room.ID), "chapter_updated", updated)
	}

	if triggerReason != chapter.TriggerNone {
		a.triggerProgression(ctx, string(triggerReason))
	}
	return msg, nil
}

// evaluateStoryTriggerSafe recovers around the pure trigger evaluation so a
// rule that panics still defaults to "generate" rather than silently
// dropping story advancement (spec §4.7 exception handling).
func (e *Engine) evaluateStoryTriggerSafe(cfg config.StoryTriggers, in storyTriggerInput) (reason StoryTriggerReason) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("room: story trigger evaluation panicked, defaulting to generate: %v", r)
			reason = TriggerFirstMessage
		}
	}()
	return EvaluateStoryTrigger(cfg, in)
}

func (e *Engine) generateContinuation(ctx context.Context, ch *types.Chapter, latestMessage string, reason StoryTriggerReason) (string, error) {
	prompt := fmt.Sprintf(
		"A player just said: %q\nThis continuation was triggered by: %s.\nContinue the story with 2-4 sentences reacting to what the player said, staying consistent with the chapter so far.",
		latestMessage, reason)
	result, err := e.q.Submit(ctx, 1, time.Time{}, func(ctx context.Context, p llm.Provider) (llm.Result, error) {
		return p.GenerateStory(ctx, ch.Content, prompt)
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

func wordsIn(text string) int {
	return len(strings.Fields(text))
}

// triggerProgression cancels any pending feedback timeout and advances the
// chapter organically (a random event may still fire, unlike a forced
// advance).
func (a *roomActor) triggerProgression(ctx context.Context, reason string) {
	_ = a.exec(ctx, func(s *roomState) error {
		if s.feedbackTimer != nil {
			s.feedbackTimer.Stop()
		}
		return nil
	})
	a.advanceChapter(ctx, false, reason)
}

// onFeedbackTimeout runs as a timer callback when a chapter's feedback
// window elapses without every present player reaching the progression
// threshold: remaining players are force-completed and the chapter
// transitions regardless. advanceChapter's transitionInFlight guard means
// this fires at most once per chapter even if a progression trigger races
// it (spec §8 S4).
func (a *roomActor) onFeedbackTimeout() {
	ctx := context.Background()
	e := a.engine

	var chapterID string
	_ = a.exec(ctx, func(s *roomState) error {
		if s.activeChapter != nil {
			chapterID = s.activeChapter.ID
		}
		return nil
	})
	if chapterID == "" {
		return
	}

	if _, err := e.repo.MarkTimeoutPlayersComplete(ctx, chapterID, time.Now().UTC()); err != nil {
		e.logger.Error("room: failed to force-complete timed-out players for chapter %s: %v", chapterID, err)
	}
	if progress, err := e.repo.ProgressForChapter(ctx, chapterID); err == nil {
		_ = e.bus.Emit(ctx, egress.RoomScope(a.id), "feedback_progress_update", progress)
	}
	a.advanceChapter(ctx, true, "feedback_timeout")
}

// advanceChapter is the two-phase chapter transition: state is read and the
// transitionInFlight guard is claimed inside the mailbox, the (slow)
// provider-backed transition runs as an ordinary goroutine outside it, and
// the result is applied inside the mailbox again only if the chapter read
// at the start is still the active one — a concurrent transition finishing
// first means this one's result is discarded instead of corrupting newer
// state.
func (a *roomActor) advanceChapter(ctx context.Context, forced bool, reason string) {
	e := a.engine

	var storyID string
	var prev *types.Chapter
	var members []string
	if err := a.exec(ctx, func(s *roomState) error {
		if s.transitionInFlight || s.activeChapter == nil {
			return errTransitionSkipped
		}
		s.transitionInFlight = true
		storyID = s.room.StoryID
		cp := *s.activeChapter
		prev = &cp
		members = memberIDs(s.room)
		return nil
	}); err != nil {
		return
	}

	clearInFlight := func() {
		_ = a.exec(ctx, func(s *roomState) error { s.transitionInFlight = false; return nil })
	}

	var result *chapter.TransitionResult
	var err error
	if forced {
		result, err = e.chapterMgr.ForceSplit(ctx, storyID, prev)
	} else {
		result, err = e.chapterMgr.Transition(ctx, storyID, prev, randFloat64(), randFloat64())
	}
	if err != nil {
		e.logger.Error("room: chapter transition failed for story %s: %v", storyID, err)
		clearInFlight()
		return
	}
	result.NextChapter.ID = uuid.New().String()

	if err := e.repo.CompleteChapter(ctx, prev.ID, result.CompletedContent, result.CompletedSummary, prev.WordCount); err != nil {
		e.logger.Error("room: failed to persist chapter completion for %s: %v", prev.ID, err)
	}

	todos, err := e.generateTodos(ctx, result.NextChapter.Content)
	if err != nil {
		e.logger.Warn("room: failed to generate todos for chapter %d, using placeholders: %v", result.NextChapter.Number, err)
		todos = placeholderTodos(minTodos)
	}
	for i := range todos {
		todos[i].ID = uuid.New().String()
		todos[i].ChapterID = result.NextChapter.ID
	}

	cfg := config.GetConfig()
	if err := e.repo.ActivateChapter(ctx, result.NextChapter, todos, members, cfg.FeedbackTimeout); err != nil {
		e.logger.Error("room: failed to activate chapter %d: %v", result.NextChapter.Number, err)
		clearInFlight()
		return
	}
	e.history.Append(storyID, *result.NextChapter)

	_ = a.exec(ctx, func(s *roomState) error {
		s.activeChapter = result.NextChapter
		s.lastAIOutputAt = time.Now().UTC()
		s.messagesSinceLastAI = 0
		s.keyEventCount = 0
		s.transitionInFlight = false
		if s.feedbackTimer != nil {
			s.feedbackTimer.Stop()
		}
		s.feedbackTimer = time.AfterFunc(cfg.FeedbackTimeout, func() { a.onFeedbackTimeout() })
		return nil
	})
	// advanceChapter always runs from Collecting (the state a chapter sits in
	// for its entire feedback-gathering lifetime), so re-entering Active for
	// the new chapter must pass back through Progressing first —
	// progressionTransitions only allows Collecting -> {Progressing,
	// Collecting} directly.
	_ = a.progressSM.TransitionTo(ctx, ChapterProgressing, nil)
	_ = a.progressSM.TransitionTo(ctx, ChapterActiveState, nil)
	_ = a.progressSM.TransitionTo(ctx, ChapterCollecting, nil)

	e.broadcastChapterActivation(ctx, a.id, storyID, result.NextChapter, todos, members)
	e.logger.Info("room: chapter %d activated for story %s (%s)", result.NextChapter.Number, storyID, reason)
}
