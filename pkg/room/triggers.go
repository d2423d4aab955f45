package room

import (
	"strings"
	"time"

	"storyroom/pkg/config"
)

// StoryTriggerReason names which per-message rule fired a story-generation
// call (spec §4.7 "Story-generation trigger rules").
type StoryTriggerReason string

const (
	TriggerFirstMessage    StoryTriggerReason = "first_message"
	TriggerMessageCount    StoryTriggerReason = "message_count"
	TriggerActionKeyword   StoryTriggerReason = "action_keyword"
	TriggerQuestionPhrase  StoryTriggerReason = "question_phrase"
	TriggerDramaticKeyword StoryTriggerReason = "dramatic_keyword"
	TriggerLongMessage     StoryTriggerReason = "long_message"
	TriggerTimeElapsed     StoryTriggerReason = "time_elapsed"
	TriggerNone            StoryTriggerReason = ""
)

// storyTriggerInput carries exactly the facts EvaluateStoryTrigger needs
// about the chapter's current global-message stream.
type storyTriggerInput struct {
	GlobalMessageCount  int // global messages in the active chapter so far, including this one
	MessagesSinceLastAI int // count since the last AI-authored appendix, including this one
	TimeSinceLastAI     time.Duration
	Message             string
}

// EvaluateStoryTrigger runs the rule list in spec order and returns the
// first rule that fires, or TriggerNone. Any single rule's own evaluation
// never panics; callers that want the "default to generate on exception"
// behavior (spec §4.7) should recover around the call and treat a panic as
// TriggerFirstMessage-equivalent liveness, since a concrete reason can't be
// known once a rule has failed.
func EvaluateStoryTrigger(cfg config.StoryTriggers, in storyTriggerInput) StoryTriggerReason {
	if in.GlobalMessageCount <= 1 {
		return TriggerFirstMessage
	}
	if cfg.MessageThreshold > 0 && in.MessagesSinceLastAI > 0 && in.MessagesSinceLastAI%cfg.MessageThreshold == 0 {
		return TriggerMessageCount
	}
	lower := strings.ToLower(in.Message)
	if containsAny(lower, cfg.ActionKeywords) || containsAny(lower, cfg.HighPriorityKeywords) {
		return TriggerActionKeyword
	}
	if containsAny(lower, cfg.QuestionTriggers) {
		return TriggerQuestionPhrase
	}
	if containsAny(lower, cfg.DramaticKeywords) || containsAny(lower, cfg.EmotionKeywords) {
		return TriggerDramaticKeyword
	}
	if cfg.LongMessageThreshold > 0 && len(in.Message) > cfg.LongMessageThreshold {
		return TriggerLongMessage
	}
	if cfg.TimeThreshold > 0 && in.TimeSinceLastAI > cfg.TimeThreshold {
		return TriggerTimeElapsed
	}
	return TriggerNone
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if n == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
