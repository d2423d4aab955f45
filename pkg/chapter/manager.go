// Package chapter implements the per-story chapter manager (C5): the
// auto-progression trigger policy, chapter transition (summary, key-memory
// extraction, new chapter opening, optional random event), and an in-memory
// chapter history cache.
package chapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"storyroom/pkg/config"
	llm "storyroom/pkg/provider"
	"storyroom/pkg/queue"

	"storyroom/pkg/logx"
	"storyroom/pkg/memory"
	"storyroom/pkg/types"
)

const maxSummaryChars = 200

// Manager drives chapter transitions for every story; it holds no per-story
// state of its own (that lives in History and the repository).
type Manager struct {
	queue  *queue.Queue
	memory *memory.Store
	logger *logx.Logger
}

// NewManager builds a Manager over a request queue and the memory subsystem.
func NewManager(q *queue.Queue, mem *memory.Store) *Manager {
	return &Manager{queue: q, memory: mem, logger: logx.NewLogger("chapter")}
}

// TransitionResult is what Transition/ForceSplit/GenerateFirst hand back for
// the caller (the room engine) to persist — Manager never writes to the
// repository itself; §4.7 has C7 own persistence of the transition.
type TransitionResult struct {
	CompletedContent string // prev chapter's content as-is; no ending text is generated or appended to it
	CompletedSummary string
	NextChapter      *types.Chapter // unsaved: Number, Content, Status=Active, StartTime set
	RandomEvent      RandomEvent
}

// GenerateFirst produces chapter 1's opening for a freshly initialized story
// (the Generating0 state).
func (m *Manager) GenerateFirst(ctx context.Context, storyID, title, background string) (*types.Chapter, error) {
	prompt := openingPrompt(config.GetConfig().StoryPromptStyle, title, background)

	result, err := m.queue.Submit(ctx, 0, time.Time{}, func(ctx context.Context, p llm.Provider) (llm.Result, error) {
		return p.GenerateStory(ctx, background, prompt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate opening chapter: %w", err)
	}

	return &types.Chapter{
		StoryID:   storyID,
		Number:    1,
		Content:   result.Content,
		Status:    types.ChapterActive,
		StartTime: time.Now().UTC(),
		WordCount: wordCount(result.Content),
	}, nil
}

// Transition ends prev and opens the next chapter: summarizes prev's
// content, mines it for long-term memory, optionally rolls a random event,
// then generates the next chapter's opening using recent relevant memory as
// context. randomRoll/eventRoll are both in [0,1) — callers pass a live PRNG
// draw; tests pass fixed values for determinism.
func (m *Manager) Transition(ctx context.Context, storyID string, prev *types.Chapter, randomRoll, eventRoll float64) (*TransitionResult, error) {
	summaryResult, err := m.queue.Submit(ctx, 1, time.Time{}, func(ctx context.Context, p llm.Provider) (llm.Result, error) {
		return p.Summarize(ctx, prev.Content)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to summarize chapter %d: %w", prev.Number, err)
	}
	summary := truncateToChars(summaryResult.Content, maxSummaryChars)

	if err := m.memory.MineLongTerm(ctx, storyID, prev.Content); err != nil {
		m.logger.Warn("failed to mine long-term memory for chapter %d: %v", prev.Number, err)
	}

	cfg := config.GetConfig()
	event := rollRandomEvent(cfg.Chapter.RandomEventChance, randomRoll, eventRoll)

	relevant, err := m.memory.GetRelevantMemories(ctx, storyID, prev.Content, 4000)
	if err != nil {
		m.logger.Warn("failed to load relevant memories for chapter %d transition: %v", prev.Number, err)
		relevant = &types.RelevantMemories{}
	}

	prompt := transitionPrompt(cfg.StoryPromptStyle, prev, summary, relevant, event)
	storyResult, err := m.queue.Submit(ctx, 0, time.Time{}, func(ctx context.Context, p llm.Provider) (llm.Result, error) {
		return p.GenerateStory(ctx, buildStoryContext(relevant), prompt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate chapter %d: %w", prev.Number+1, err)
	}

	next := &types.Chapter{
		StoryID:   storyID,
		Number:    prev.Number + 1,
		Content:   storyResult.Content,
		Status:    types.ChapterActive,
		StartTime: time.Now().UTC(),
		WordCount: wordCount(storyResult.Content),
	}

	return &TransitionResult{
		CompletedContent: prev.Content,
		CompletedSummary: summary,
		NextChapter:      next,
		RandomEvent:      event,
	}, nil
}

// ForceSplit transitions prev exactly as Transition does but suppresses the
// random event — it is invoked by a feedback timeout or an operator request
// rather than organic story flow, and the resulting chapter is
// system-authored (types.Chapter.AuthorID is left empty, per the open
// question resolution: system-authored chapters carry no author).
func (m *Manager) ForceSplit(ctx context.Context, storyID string, prev *types.Chapter) (*TransitionResult, error) {
	result, err := m.Transition(ctx, storyID, prev, 1.0, 0)
	if err != nil {
		return nil, err
	}
	result.NextChapter.AuthorID = ""
	return result, nil
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

func truncateToChars(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	if limit <= 3 {
		return text[:limit]
	}
	return text[:limit-3] + "..."
}

func buildStoryContext(relevant *types.RelevantMemories) string {
	var b strings.Builder
	for _, summary := range relevant.Chapters {
		b.WriteString(summary)
		b.WriteString("\n")
	}
	for _, event := range relevant.KeyEvents {
		b.WriteString(event.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func openingPrompt(style config.PromptStyle, title, background string) string {
	switch style {
	case config.PromptStyleGeneric:
		return fmt.Sprintf("Begin a new collaborative story titled %q. Setting: %s", title, background)
	default: // PromptStyleMystery
		return fmt.Sprintf("Open a murder-mystery titled %q set in: %s. Introduce the victim, the setting, and the first clue.", title, background)
	}
}

func transitionPrompt(style config.PromptStyle, prev *types.Chapter, summary string, relevant *types.RelevantMemories, event RandomEvent) string {
	var b strings.Builder
	switch style {
	case config.PromptStyleGeneric:
		b.WriteString("Continue the story.\n")
	default:
		b.WriteString("Continue the murder mystery.\n")
	}
	fmt.Fprintf(&b, "Chapter %d ending: %s\n", prev.Number, summary)
	if len(relevant.Relations) > 0 {
		b.WriteString("Known relationships:\n")
		for _, rel := range relevant.Relations {
			fmt.Fprintf(&b, "- %s and %s: %.1f\n", rel.A, rel.B, rel.Weight)
		}
	}
	if event != EventNone {
		fmt.Fprintf(&b, "Weave in a %s event.\n", event)
	}
	return b.String()
}
