// Package memory implements the layered memory subsystem (C4): a bounded
// short-term interaction buffer with importance-ranked compression, chapter
// summaries, a mined long-term store of key events and character relations,
// and relevance-ranked retrieval under a token budget.
package memory

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"storyroom/pkg/persistence"
	"storyroom/pkg/types"
	"storyroom/pkg/utils"
)

// defaultSalienceKeywords mark a sentence as salient when folding an
// overflowing short-term buffer into a synthetic interaction (spec §4.4).
// Localizable: callers may override via WithSalienceKeywords.
//
//nolint:gochecknoglobals // immutable default, overridden via functional option
var defaultSalienceKeywords = []string{
	"discover", "decide", "secret", "relationship", "setting",
}

//nolint:gochecknoglobals // compiled once; relation-extraction patterns are fixed by spec §4.4
var (
	becomePattern = regexp.MustCompile(`(?i)\b(\w+)\s+and\s+(\w+)\s+become\s+(friends?|enemy|enemies|partners?)\b`)
	tellPattern   = regexp.MustCompile(`(?i)\b(\w+)\s+tell(?:s)?\s+(\w+)\s+(.{1,80})`)
	interrogative = regexp.MustCompile(`(?i)\b(who|what|where|when|why|how)\b|\?`)
)

//nolint:gochecknoglobals // fixed small stopword list for keyword extraction
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "of": true, "to": true,
	"in": true, "on": true, "at": true, "for": true, "with": true, "it": true,
	"this": true, "that": true, "i": true, "you": true, "he": true, "she": true,
	"they": true, "we": true, "be": true, "as": true, "by": true, "not": true,
}

const (
	defaultMinSize = 20
	defaultMaxSize = 50

	budgetShortTermShare = 0.30
	budgetChaptersShare  = 0.30
	budgetKeyEventsShare = 0.20
	// Relations/themes/settings split the remainder (0.20).
)

// Store is the story-scoped memory subsystem. One Store instance serves all
// stories; callers always pass the story id explicitly.
type Store struct {
	repo      *persistence.Repository
	tokens    *utils.TokenCounter
	keywords  []string
	minSize   int
	maxSize   int
}

// Option configures a Store at construction.
type Option func(*Store)

// WithSalienceKeywords overrides the default salience keyword set used for
// importance scoring and synthetic-fold sentence selection.
func WithSalienceKeywords(keywords []string) Option {
	return func(s *Store) { s.keywords = keywords }
}

// WithBufferBounds overrides the short-term buffer's {minSize, maxSize}.
func WithBufferBounds(minSize, maxSize int) Option {
	return func(s *Store) { s.minSize, s.maxSize = minSize, maxSize }
}

// NewStore builds a Store over repo. tokenCounter is used to convert the
// caller-provided character budget in GetRelevantMemories to an approximate
// token count.
func NewStore(repo *persistence.Repository, tokenCounter *utils.TokenCounter, opts ...Option) *Store {
	s := &Store{
		repo:     repo,
		tokens:   tokenCounter,
		keywords: defaultSalienceKeywords,
		minSize:  defaultMinSize,
		maxSize:  defaultMaxSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordInteraction scores and inserts a short-term memory entry, then
// compresses the buffer if it has grown past maxSize.
func (s *Store) RecordInteraction(ctx context.Context, storyID, playerID, input, response string) error {
	interaction := types.Interaction{
		PlayerID:   playerID,
		Input:      input,
		Response:   response,
		Keywords:   extractKeywords(input + " " + response),
		Importance: s.scoreImportance(input, response),
	}

	if err := s.repo.InsertInteraction(ctx, storyID, &interaction); err != nil {
		return fmt.Errorf("failed to record interaction: %w", err)
	}
	return s.compressIfNeeded(ctx, storyID)
}

// scoreImportance implements spec §4.4's formula: base 0.5 + 0.1 per matched
// salience keyword + 0.1 if combined length > 500 + 0.1 if > 1000 + 0.1 if
// input contains an interrogative marker, capped at 1.0.
func (s *Store) scoreImportance(input, response string) float64 {
	combined := input + " " + response
	lower := strings.ToLower(combined)

	importance := 0.5
	for _, kw := range s.keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			importance += 0.1
		}
	}
	if len(combined) > 500 {
		importance += 0.1
	}
	if len(combined) > 1000 {
		importance += 0.1
	}
	if interrogative.MatchString(input) {
		importance += 0.1
	}
	return math.Min(importance, 1.0)
}

// extractKeywords returns the first 10 non-stopword tokens of text.
func extractKeywords(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	keywords := make([]string, 0, 10)
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if f == "" || stopwords[f] {
			continue
		}
		keywords = append(keywords, f)
		if len(keywords) == 10 {
			break
		}
	}
	return keywords
}

// compressIfNeeded folds an overflowing short-term buffer: it ranks items by
// importance, retains the top minSize, and folds the tail into one
// synthetic interaction built from salient sentences.
func (s *Store) compressIfNeeded(ctx context.Context, storyID string) error {
	all, err := s.repo.RecentInteractions(ctx, storyID, s.maxSize+1)
	if err != nil {
		return fmt.Errorf("failed to load short-term buffer: %w", err)
	}
	if len(all) <= s.maxSize {
		return nil
	}

	ranked := make([]types.Interaction, len(all))
	copy(ranked, all)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Importance > ranked[j].Importance })

	kept := ranked[:s.minSize]
	tail := ranked[s.minSize:]

	synthetic := s.foldTail(tail)

	if err := s.repo.ReplaceShortTermBuffer(ctx, storyID, append(kept, synthetic)); err != nil {
		return fmt.Errorf("failed to replace short-term buffer: %w", err)
	}
	return nil
}

// foldTail concatenates sentences containing a salience keyword from the
// folded interactions into one synthetic interaction.
func (s *Store) foldTail(tail []types.Interaction) types.Interaction {
	var sentences []string
	for _, in := range tail {
		for _, sentence := range splitSentences(in.Input + ". " + in.Response) {
			lower := strings.ToLower(sentence)
			for _, kw := range s.keywords {
				if strings.Contains(lower, strings.ToLower(kw)) {
					sentences = append(sentences, strings.TrimSpace(sentence))
					break
				}
			}
		}
	}
	content := strings.Join(sentences, ". ")
	return types.Interaction{
		PlayerID:   "system",
		Input:      "(compressed)",
		Response:   content,
		Importance: 0.5,
		Keywords:   extractKeywords(content),
	}
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' })
}

// MineLongTerm extracts key events and character relations from a chapter's
// content and merges them into the story's long-term store. Two textual
// patterns are recognized for relations: "A and B become friend/enemy/
// partner" and "A tell B X" (spec §4.4).
func (s *Store) MineLongTerm(ctx context.Context, storyID, chapterContent string) error {
	events, relations, themes, settings, err := s.repo.LoadLongTerm(ctx, storyID)
	if err != nil {
		return fmt.Errorf("failed to load long-term memory: %w", err)
	}

	for _, m := range becomePattern.FindAllStringSubmatch(chapterContent, -1) {
		weight := relationWeight(m[3])
		relations = append(relations, types.CharacterRelation{A: m[1], B: m[2], Weight: weight, Evidence: m[0]})
	}
	for _, m := range tellPattern.FindAllStringSubmatch(chapterContent, -1) {
		relations = append(relations, types.CharacterRelation{A: m[1], B: m[2], Weight: 0, Evidence: strings.TrimSpace(m[0])})
	}

	for _, sentence := range splitSentences(chapterContent) {
		lower := strings.ToLower(sentence)
		for _, kw := range s.keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				events = append(events, types.KeyEvent{Text: strings.TrimSpace(sentence), Importance: 3})
				break
			}
		}
	}

	if err := s.repo.SaveLongTerm(ctx, storyID, events, relations, themes, settings); err != nil {
		return fmt.Errorf("failed to save long-term memory: %w", err)
	}
	return nil
}

// relationWeight maps the become-pattern's verb to spec §4.4's fixed weights.
func relationWeight(verb string) float64 {
	switch strings.ToLower(verb) {
	case "friend", "friends", "partner", "partners":
		return 0.7
	case "enemy", "enemies":
		return -0.7
	default:
		return 0
	}
}

// GetRelevantMemoriesForTokenBudget is GetRelevantMemories for callers that
// think in tokens (e.g. a prompt assembler sizing against a model's context
// window) rather than characters.
func (s *Store) GetRelevantMemoriesForTokenBudget(ctx context.Context, storyID, topic string, tokenBudget int) (*types.RelevantMemories, error) {
	avgCharsPerToken := 4
	if sample := s.tokens.CountTokens(topic); sample > 0 && len(topic) > 0 {
		avgCharsPerToken = len(topic) / sample
		if avgCharsPerToken < 1 {
			avgCharsPerToken = 1
		}
	}
	return s.GetRelevantMemories(ctx, storyID, topic, tokenBudget*avgCharsPerToken)
}

// GetRelevantMemories returns a relevance-ranked, budget-truncated view of
// every memory layer for topic (spec §4.4).
func (s *Store) GetRelevantMemories(ctx context.Context, storyID, topic string, charBudget int) (*types.RelevantMemories, error) {
	shortTerm, err := s.repo.RecentInteractions(ctx, storyID, s.maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load short-term memory: %w", err)
	}
	chapters, err := s.repo.ListChaptersForStory(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chapters: %w", err)
	}
	events, relations, themes, settings, err := s.repo.LoadLongTerm(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load long-term memory: %w", err)
	}

	topicSet := tokenSet(topic)

	sort.SliceStable(shortTerm, func(i, j int) bool {
		return relevance(topicSet, strings.Join(shortTerm[i].Keywords, " ")) > relevance(topicSet, strings.Join(shortTerm[j].Keywords, " "))
	})
	var summaries []string
	for _, c := range chapters {
		if c.Summary != "" {
			summaries = append(summaries, c.Summary)
		}
	}
	sort.SliceStable(summaries, func(i, j int) bool { return relevance(topicSet, summaries[i]) > relevance(topicSet, summaries[j]) })
	sort.SliceStable(events, func(i, j int) bool { return relevance(topicSet, events[i].Text) > relevance(topicSet, events[j].Text) })
	sort.SliceStable(relations, func(i, j int) bool { return relevance(topicSet, relations[i].Evidence) > relevance(topicSet, relations[j].Evidence) })

	shortTermBudget := int(float64(charBudget) * budgetShortTermShare)
	chaptersBudget := int(float64(charBudget) * budgetChaptersShare)
	keyEventsBudget := int(float64(charBudget) * budgetKeyEventsShare)
	remainder := charBudget - shortTermBudget - chaptersBudget - keyEventsBudget

	result := &types.RelevantMemories{
		ShortTerm:     truncateInteractions(shortTerm, shortTermBudget),
		Chapters:      truncateStrings(summaries, chaptersBudget),
		KeyEvents:     truncateKeyEvents(events, keyEventsBudget),
		Relations:     truncateRelations(relations, remainder/2),
		Themes:        truncateStrings(themes, remainder/4),
		WorldSettings: truncateStrings(settings, remainder/4),
	}
	return result, nil
}

// tokenSet lowercases and tokenizes text into a set for Jaccard comparison.
func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(text)) {
		set[strings.Trim(f, ".,!?;:\"'()")] = true
	}
	return set
}

// relevance blends Jaccard similarity (60%) with a keyword-coverage ratio
// (40%) between topic and item, per spec §4.4.
func relevance(topic map[string]bool, item string) float64 {
	itemSet := tokenSet(item)
	if len(topic) == 0 || len(itemSet) == 0 {
		return 0
	}

	intersection, union := 0, 0
	covered := 0
	seen := make(map[string]bool)
	for t := range topic {
		seen[t] = true
	}
	for t := range itemSet {
		seen[t] = true
	}
	for t := range seen {
		inTopic := topic[t]
		inItem := itemSet[t]
		if inTopic && inItem {
			intersection++
			covered++
		}
		if inTopic || inItem {
			union++
		}
	}
	jaccard := 0.0
	if union > 0 {
		jaccard = float64(intersection) / float64(union)
	}
	coverage := float64(covered) / float64(len(topic))
	return 0.6*jaccard + 0.4*coverage
}

func truncateInteractions(items []types.Interaction, budget int) []types.Interaction {
	if budget <= 0 {
		return nil
	}
	var out []types.Interaction
	used := 0
	for _, in := range items {
		text := in.Input + " " + in.Response
		if used+len(text) > budget {
			remaining := budget - used
			if remaining > 10 {
				in.Input = truncateWithEllipsis(in.Input, remaining)
				in.Response = truncateWithEllipsis(in.Response, remaining-len(in.Input))
				out = append(out, in)
			}
			break
		}
		used += len(text)
		out = append(out, in)
	}
	return out
}

func truncateStrings(items []string, budget int) []string {
	if budget <= 0 {
		return nil
	}
	var out []string
	used := 0
	for _, item := range items {
		if used+len(item) > budget {
			remaining := budget - used
			if remaining > 10 {
				out = append(out, truncateWithEllipsis(item, remaining))
			}
			break
		}
		used += len(item)
		out = append(out, item)
	}
	return out
}

func truncateKeyEvents(items []types.KeyEvent, budget int) []types.KeyEvent {
	if budget <= 0 {
		return nil
	}
	var out []types.KeyEvent
	used := 0
	for _, item := range items {
		if used+len(item.Text) > budget {
			break
		}
		used += len(item.Text)
		out = append(out, item)
	}
	return out
}

func truncateRelations(items []types.CharacterRelation, budget int) []types.CharacterRelation {
	if budget <= 0 {
		return nil
	}
	var out []types.CharacterRelation
	used := 0
	for _, item := range items {
		if used+len(item.Evidence) > budget {
			break
		}
		used += len(item.Evidence)
		out = append(out, item)
	}
	return out
}

func truncateWithEllipsis(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	if limit <= 3 {
		return text[:limit]
	}
	return text[:limit-3] + "..."
}
