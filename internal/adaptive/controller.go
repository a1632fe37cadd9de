// Package adaptive shifts generation effort between three quality levels based
// on the recent success rate of runs.
package adaptive

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Level is a discrete operating point.
type Level int

const (
	High Level = iota
	Medium
	Low
)

func (l Level) String() string {
	switch l {
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Settings parameterize generation at a level.
type Settings struct {
	MaxDimension            int     `json:"max_dimension"`
	QualityThreshold        float64 `json:"quality_threshold"`
	MaxAttemptsPerVariation int     `json:"max_attempts_per_variation"`
}

var levelSettings = map[Level]Settings{
	High:   {MaxDimension: 2048, QualityThreshold: 0.8, MaxAttemptsPerVariation: 3},
	Medium: {MaxDimension: 1536, QualityThreshold: 0.6, MaxAttemptsPerVariation: 2},
	Low:    {MaxDimension: 1024, QualityThreshold: 0.4, MaxAttemptsPerVariation: 1},
}

// SettingsFor returns the settings of level l.
func SettingsFor(l Level) Settings {
	return levelSettings[l]
}

// Window is the number of trailing outcomes averaged before any transition.
const Window = 5

// Transition thresholds on the trailing average.
const (
	demoteToMedium = 0.5
	demoteToLow    = 0.3
	promoteToHigh  = 0.8
)

// Controller holds the level and success-rate history of one orchestrator.
// It is safe for concurrent use.
type Controller struct {
	mu      sync.Mutex
	level   Level
	history []float64
}

// NewController starts at High with no history.
func NewController() *Controller {
	return &Controller{level: High}
}

// RecordOutcome appends a run's success rate and re-evaluates the level once
// at least Window outcomes exist. Demotion moves one step at a time; a good
// window promotes straight to High from any level. Rates are clamped to [0,1].
func (c *Controller) RecordOutcome(rate float64) Level {
	if rate < 0 || rate != rate {
		rate = 0
	} else if rate > 1 {
		rate = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, rate)
	if len(c.history) < Window {
		return c.level
	}

	var sum float64
	for _, r := range c.history[len(c.history)-Window:] {
		sum += r
	}
	avg := sum / Window

	prev := c.level
	switch {
	case avg < demoteToMedium && c.level == High:
		c.level = Medium
	case avg < demoteToLow && c.level == Medium:
		c.level = Low
	case avg > promoteToHigh && c.level != High:
		c.level = High
	}
	if c.level != prev {
		log.Info().
			Str("from", prev.String()).
			Str("to", c.level.String()).
			Float64("trailing_avg", avg).
			Msg("Adaptive quality level changed")
	}
	return c.level
}

// Level returns the current level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// CurrentSettings returns the settings of the current level.
func (c *Controller) CurrentSettings() Settings {
	return SettingsFor(c.Level())
}

// History returns a copy of every recorded success rate.
func (c *Controller) History() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]float64, len(c.history))
	copy(out, c.history)
	return out
}
