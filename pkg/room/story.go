package room

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"storyroom/pkg/config"
	"storyroom/pkg/egress"
	llm "storyroom/pkg/provider"
	"storyroom/pkg/types"
)

const (
	minTodos    = 3
	maxTodos    = 5
	todoPriorityDefault = 3
)

// InitializeStory implements the initialize_story command: only the room's
// host may call it, and only when the room has no story yet or the
// previous attempt failed and rolled back. Chapter-0 generation and story
// creation are transactional as a pair — a failed generation rolls the
// story back entirely and the room stays in Waiting (spec §4.7 Failure
// semantics).
func (e *Engine) InitializeStory(ctx context.Context, roomID, playerID, title, background string) (*types.Room, error) {
	if title == "" || background == "" {
		return nil, newError(CodeMissingParameters, "title and background are required")
	}
	a, err := e.resolveActor(ctx, roomID)
	if err != nil {
		return nil, err
	}

	var room types.Room
	var alreadyHasStory bool
	if err := a.exec(ctx, func(s *roomState) error {
		if s.room.HostPlayerID != playerID {
			return newError(CodePermissionDenied, "only the host may initialize the story")
		}
		alreadyHasStory = s.room.StoryID != ""
		room = *s.room
		return nil
	}); err != nil {
		return nil, err
	}
	if alreadyHasStory {
		return nil, newError(CodeInvalidInput, "room already has a story")
	}

	story := &types.Story{ID: uuid.New().String(), RoomID: roomID, Title: title, Background: background, CreatedAt: time.Now().UTC()}
	if err := e.repo.CreateStory(ctx, story); err != nil {
		return nil, fmt.Errorf("room: failed to create story: %w", err)
	}

	firstChapter, err := e.chapterMgr.GenerateFirst(ctx, story.ID, title, background)
	if err != nil {
		if rbErr := e.repo.DeleteStory(ctx, story.ID, roomID); rbErr != nil {
			e.logger.Error("room: failed to roll back story %s after generation failure: %v", story.ID, rbErr)
		}
		return nil, newError(CodeAIServiceError, "failed to generate the opening chapter")
	}
	firstChapter.ID = uuid.New().String()

	members := memberIDs(&room)
	todos, err := e.generateTodos(ctx, firstChapter.Content)
	if err != nil {
		e.logger.Warn("room: failed to generate todos for story %s, using placeholders: %v", story.ID, err)
		todos = placeholderTodos(minTodos)
	}
	for i := range todos {
		todos[i].ID = uuid.New().String()
		todos[i].ChapterID = firstChapter.ID
	}

	cfg := config.GetConfig()
	if err := e.repo.ActivateChapter(ctx, firstChapter, todos, members, cfg.FeedbackTimeout); err != nil {
		if rbErr := e.repo.DeleteStory(ctx, story.ID, roomID); rbErr != nil {
			e.logger.Error("room: failed to roll back story %s after activation failure: %v", story.ID, rbErr)
		}
		return nil, fmt.Errorf("room: failed to activate chapter 1: %w", err)
	}

	var result *types.Room
	if err := a.exec(ctx, func(s *roomState) error {
		s.room.StoryID = story.ID
		s.activeChapter = firstChapter
		s.lastAIOutputAt = time.Now().UTC()
		s.globalMessageCount = 0
		s.messagesSinceLastAI = 0
		cp := *s.room
		result = &cp
		if s.feedbackTimer != nil {
			s.feedbackTimer.Stop()
		}
		s.feedbackTimer = time.AfterFunc(cfg.FeedbackTimeout, func() { a.onFeedbackTimeout() })
		return nil
	}); err != nil {
		return nil, err
	}
	_ = a.lifecycleSM.TransitionTo(ctx, StatePlaying, nil)
	_ = a.progressSM.TransitionTo(ctx, ChapterActiveState, nil)
	_ = a.progressSM.TransitionTo(ctx, ChapterCollecting, nil)
	if err := e.repo.UpdateRoomStatus(ctx, roomID, types.RoomPlaying); err != nil {
		e.logger.Error("room: failed to persist room status: %v", err)
	}
	e.history.Append(story.ID, *firstChapter)

	e.broadcastChapterActivation(ctx, roomID, story.ID, firstChapter, todos, members)
	return result, nil
}

func memberIDs(r *types.Room) []string {
	ids := make([]string, len(r.Players))
	for i, p := range r.Players {
		ids[i] = p.ID
	}
	return ids
}

// broadcastChapterActivation emits the story_initialized/new_chapter/
// story_machine_init/feedback_progress_update events a freshly activated
// chapter always produces, whether from InitializeStory or a Transition.
func (e *Engine) broadcastChapterActivation(ctx context.Context, roomID, storyID string, ch *types.Chapter, todos []types.Todo, members []string) {
	_ = e.bus.Emit(ctx, egress.RoomScope(roomID), "story_initialized", map[string]any{"storyId": storyID, "chapter": ch.Number})
	_ = e.bus.Emit(ctx, egress.RoomScope(roomID), "new_chapter", ch)

	progress, err := e.repo.ProgressForChapter(ctx, ch.ID)
	if err != nil {
		e.logger.Error("room: failed to load progress for chapter %s: %v", ch.ID, err)
		progress = nil
	}
	for _, playerID := range members {
		_ = e.bus.Emit(ctx, egress.PlayerScope(roomID, playerID), "story_machine_init", openingMessageFor(ch, todos))
	}
	_ = e.bus.Emit(ctx, egress.RoomScope(roomID), "feedback_progress_update", progress)
}

// openingMessageFor templates a per-player story-machine opening locally
// from the chapter's todos rather than issuing a second provider call per
// player — the chapter's own narrative content is already the opening
// beat; the story machine only needs to list what it wants to learn.
func openingMessageFor(ch *types.Chapter, todos []types.Todo) string {
	msg := fmt.Sprintf("Chapter %d has begun. Tell me what you discover about:\n", ch.Number)
	for _, t := range todos {
		msg += "- " + t.Content + "\n"
	}
	return msg
}

func placeholderTodos(n int) []types.Todo {
	todos := make([]types.Todo, n)
	for i := range todos {
		todos[i] = types.Todo{Content: fmt.Sprintf("Investigate clue %d", i+1), Priority: todoPriorityDefault, Status: types.TodoPending}
	}
	return todos
}

var todoArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

// generateTodos asks the provider for 3-5 information-gathering objectives
// derived from a chapter's content (spec §4.7 Active bootstrap step a).
func (e *Engine) generateTodos(ctx context.Context, chapterContent string) ([]types.Todo, error) {
	prompt := fmt.Sprintf(
		`Given this chapter of a mystery story, list 3 to 5 short investigation objectives a player should pursue, each with an expected answer.
Reply with a JSON array: [{"content": "...", "expectedAnswer": "...", "priority": 1-5}, ...]
Chapter:
%s`, chapterContent)

	result, err := e.q.Submit(ctx, 0, time.Time{}, func(ctx context.Context, p llm.Provider) (llm.Result, error) {
		return p.Chat(ctx, []llm.ChatMessage{{Role: llm.RoleSystem, Content: prompt}}, llm.DefaultChatOptions())
	})
	if err != nil {
		return nil, err
	}

	match := todoArrayPattern.FindString(result.Content)
	if match == "" {
		return nil, fmt.Errorf("room: no JSON array found in todo-generation reply")
	}
	var parsed []struct {
		Content        string `json:"content"`
		ExpectedAnswer string `json:"expectedAnswer"`
		Priority       int    `json:"priority"`
	}
	if err := json.Unmarshal([]byte(match), &parsed); err != nil {
		return nil, fmt.Errorf("room: failed to parse todo-generation reply: %w", err)
	}
	if len(parsed) < minTodos {
		return nil, fmt.Errorf("room: provider returned only %d todos, need at least %d", len(parsed), minTodos)
	}
	if len(parsed) > maxTodos {
		parsed = parsed[:maxTodos]
	}

	todos := make([]types.Todo, len(parsed))
	for i, p := range parsed {
		priority := p.Priority
		if priority < 1 || priority > 5 {
			priority = todoPriorityDefault
		}
		todos[i] = types.Todo{Content: p.Content, ExpectedAnswer: p.ExpectedAnswer, Priority: priority, Status: types.TodoPending}
	}
	return todos, nil
}
