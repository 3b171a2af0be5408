package model

import (
	"errors"
	"fmt"
)

// BetType tags the market a tip recommends.
type BetType string

// Supported bet types.
const (
	BetHomeWin        BetType = "home_win"
	BetAwayWin        BetType = "away_win"
	BetDraw           BetType = "draw"
	BetOverGoals      BetType = "over_goals"
	BetUnderGoals     BetType = "under_goals"
	BetBTTSYes        BetType = "btts_yes"
	BetBTTSNo         BetType = "btts_no"
	BetHandicapHome   BetType = "handicap_home"
	BetHandicapAway   BetType = "handicap_away"
	BetDoubleChance1X BetType = "double_chance_1x"
	BetDoubleChanceX2 BetType = "double_chance_x2"
	BetDoubleChance12 BetType = "double_chance_12"
	BetCleanSheetHome BetType = "clean_sheet_home"
	BetCleanSheetAway BetType = "clean_sheet_away"
)

var betTypes = map[BetType]bool{
	BetHomeWin:        false,
	BetAwayWin:        false,
	BetDraw:           false,
	BetOverGoals:      true,
	BetUnderGoals:     true,
	BetBTTSYes:        false,
	BetBTTSNo:         false,
	BetHandicapHome:   true,
	BetHandicapAway:   true,
	BetDoubleChance1X: false,
	BetDoubleChanceX2: false,
	BetDoubleChance12: false,
	BetCleanSheetHome: false,
	BetCleanSheetAway: false,
}

// Valid reports whether b is one of the supported bet types.
func (b BetType) Valid() bool {
	_, ok := betTypes[b]
	return ok
}

// NeedsLine reports whether the bet type is priced against a threshold
// (goals line or handicap).
func (b BetType) NeedsLine() bool {
	return betTypes[b]
}

// Candidate validation errors.
var (
	ErrInvalidBetType    = errors.New("invalid bet type")
	ErrMissingLine       = errors.New("bet type requires a line")
	ErrInvalidOdds       = errors.New("odds must be at least 1.0")
	ErrInvalidConfidence = errors.New("confidence must be between 0 and 100")
	ErrInvalidRating     = errors.New("value rating must be between 0 and 10")
)

// Candidate is an annotation produced for a fixture before admission.
type Candidate struct {
	FixtureID   int64
	BetType     BetType
	Line        *float64
	Odds        float64
	Confidence  int
	Explanation string
	Analysis    *TipAnalysis
}

// Validate checks the candidate against the tip invariants.
func (c *Candidate) Validate() error {
	if !c.BetType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidBetType, c.BetType)
	}
	if c.BetType.NeedsLine() && c.Line == nil {
		return fmt.Errorf("%w: %s", ErrMissingLine, c.BetType)
	}
	if c.Odds < 1.0 {
		return fmt.Errorf("%w: %.3f", ErrInvalidOdds, c.Odds)
	}
	if c.Confidence < 0 || c.Confidence > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidConfidence, c.Confidence)
	}
	if c.Analysis != nil && (c.Analysis.ValueRating < 0 || c.Analysis.ValueRating > 10) {
		return fmt.Errorf("%w: %.2f", ErrInvalidRating, c.Analysis.ValueRating)
	}
	return nil
}

// Tip builds a draft tip from the candidate.
func (c *Candidate) Tip(premiumThreshold int) *Tip {
	return &Tip{
		FixtureID:   c.FixtureID,
		BetType:     c.BetType,
		Line:        c.Line,
		Odds:        c.Odds,
		Confidence:  c.Confidence,
		Explanation: c.Explanation,
		Premium:     c.Confidence >= premiumThreshold,
		State:       StateDraft,
	}
}
