package chapter

import (
	"time"

	"storyroom/pkg/config"
	"storyroom/pkg/types"
)

// TriggerReason names why auto-progression fired; TriggerNone means no
// trigger condition is currently met.
type TriggerReason string

const (
	TriggerNone             TriggerReason = ""
	TriggerWordCount        TriggerReason = "word_count"
	TriggerKeyEvents        TriggerReason = "key_events"
	TriggerMessageCount     TriggerReason = "message_count"
	TriggerElapsedTime      TriggerReason = "elapsed_time"
	TriggerPlayerInactivity TriggerReason = "player_inactivity"
)

// EvaluateTrigger checks the auto-progression thresholds in priority order
// (word count, key events, message count, elapsed wall-clock, player
// inactivity) and returns the highest-priority reason that currently fires,
// or TriggerNone.
func EvaluateTrigger(
	cfg config.ChapterTriggers,
	chapter *types.Chapter,
	keyEventCount int,
	messagesSinceStart int,
	lastPlayerActivity time.Time,
	now time.Time,
) TriggerReason {
	if cfg.WordCount > 0 && chapter.WordCount >= cfg.WordCount {
		return TriggerWordCount
	}
	if cfg.KeyEvents > 0 && keyEventCount >= cfg.KeyEvents {
		return TriggerKeyEvents
	}
	if cfg.MessageCount > 0 && messagesSinceStart >= cfg.MessageCount {
		return TriggerMessageCount
	}
	if cfg.TimeElapsed > 0 && now.Sub(chapter.StartTime) >= cfg.TimeElapsed {
		return TriggerElapsedTime
	}
	if cfg.PlayerInactivity > 0 && !lastPlayerActivity.IsZero() && now.Sub(lastPlayerActivity) >= cfg.PlayerInactivity {
		return TriggerPlayerInactivity
	}
	return TriggerNone
}

// RandomEvent names an optional narrative beat Transition may inject
// alongside a chapter opening.
type RandomEvent string

const (
	EventNone        RandomEvent = ""
	EventEncounter   RandomEvent = "encounter"
	EventDiscovery   RandomEvent = "discovery"
	EventWeather     RandomEvent = "weather"
	EventRumor       RandomEvent = "rumor"
	EventOpportunity RandomEvent = "opportunity"
	EventCrisis      RandomEvent = "crisis"
)

// eventWeights gives the relative likelihood of each event once a random
// event has been decided to fire; weights need not sum to 1, they're
// normalized at sample time.
//
//nolint:gochecknoglobals // fixed weighted set named by spec §4.5
var eventWeights = []struct {
	event  RandomEvent
	weight float64
}{
	{EventEncounter, 3},
	{EventDiscovery, 3},
	{EventWeather, 1},
	{EventRumor, 2},
	{EventOpportunity, 2},
	{EventCrisis, 1},
}

// sampleRandomEvent picks an event deterministically given r ∈ [0,1) — the
// caller supplies r (e.g. from a PRNG) so the selection stays reproducible
// in tests.
func sampleRandomEvent(r float64) RandomEvent {
	total := 0.0
	for _, ew := range eventWeights {
		total += ew.weight
	}
	target := r * total
	cursor := 0.0
	for _, ew := range eventWeights {
		cursor += ew.weight
		if target < cursor {
			return ew.event
		}
	}
	return eventWeights[len(eventWeights)-1].event
}

// rollRandomEvent reports whether a random event fires for roll ∈ [0,1)
// under chance, and if so which event eventRoll ∈ [0,1) selects.
func rollRandomEvent(chance, roll, eventRoll float64) RandomEvent {
	if roll >= chance {
		return EventNone
	}
	return sampleRandomEvent(eventRoll)
}
