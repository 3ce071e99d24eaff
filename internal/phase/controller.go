package phase

import (
	"fmt"
	"sort"
)

// SubPhase modulates sigma within the current stage's range. It is driven by
// a local plateau detector and is independent of stage advancement.
type SubPhase string

const (
	SubPhaseBroad         SubPhase = "broad"
	SubPhaseRefinement    SubPhase = "refinement"
	SubPhasePlateauEscape SubPhase = "plateau_escape"
	SubPhaseFineTune      SubPhase = "fine_tune"
)

const (
	broadScale      = 1.0
	refinementScale = 0.65
	escapeScale     = 1.3
	fineTuneScale   = 1.5
	escapeOvershoot = 1.3
)

// Stage is one main phase of the search: an active feature-group union, a
// sigma range, and transition bounds. Stages are totally ordered and the
// controller never regresses.
type Stage struct {
	Name          string
	Description   string
	MinIterations int
	MaxIterations int
	SigmaMin      float64
	SigmaMax      float64
	// Groups is the union of active feature groups; empty means all
	// dimensions.
	Groups []string
	// QualityGate, when positive, advances the stage early once every
	// relevant group score exceeds it.
	QualityGate float64
	// WidenWorstGroup adds the currently worst-scoring group to the active
	// set when this stage is entered.
	WidenWorstGroup bool
}

type Config struct {
	Stages []Stage
	Groups *GroupSet

	PlateauWindow        int     // recent-score window length
	PlateauThreshold     float64 // max-min range counted as flat
	PlateauChecks        int     // consecutive flat checks per counter increment
	SubPlateauThreshold  int     // sub-phase escape trigger
	MainPlateauThreshold int     // stage advancement trigger
	BroadScoreThreshold  float64 // broad -> refinement group-average gate
	BroadIterationCap    int
	RefinementIterations int // refinement -> fine_tune
	EscapeBurst          int // plateau_escape -> refinement
	GateFloorExtra       int // iterations beyond the minimum before the quality gate applies
}

func normalizeConfig(cfg Config) Config {
	if cfg.PlateauWindow <= 1 {
		cfg.PlateauWindow = 10
	}
	if cfg.PlateauThreshold <= 0 {
		cfg.PlateauThreshold = 1e-3
	}
	if cfg.PlateauChecks <= 0 {
		cfg.PlateauChecks = 3
	}
	if cfg.SubPlateauThreshold <= 0 {
		cfg.SubPlateauThreshold = 5
	}
	if cfg.MainPlateauThreshold <= 0 {
		cfg.MainPlateauThreshold = 12
	}
	if cfg.BroadScoreThreshold <= 0 {
		cfg.BroadScoreThreshold = 0.6
	}
	if cfg.BroadIterationCap <= 0 {
		cfg.BroadIterationCap = 40
	}
	if cfg.RefinementIterations <= 0 {
		cfg.RefinementIterations = 60
	}
	if cfg.EscapeBurst <= 0 {
		cfg.EscapeBurst = 8
	}
	if cfg.GateFloorExtra <= 0 {
		cfg.GateFloorExtra = 10
	}
	return cfg
}

// Controller sequences the search through ordered stages, tracking a recent
// fitness window for plateau detection and a sub-phase machine for sigma
// modulation. It does not own the genome; inactive dimensions must be held
// at their best-known values by the caller.
type Controller struct {
	cfg    Config
	groups *GroupSet

	stageIdx int
	sub      SubPhase
	subIter  int
	iter     int
	total    int
	done     bool

	window      []float64
	flatStreak  int
	subPlateau  int
	mainPlateau int

	active      []bool
	widened     []string
	groupScores map[string]float64
}

func NewController(cfg Config) (*Controller, error) {
	if len(cfg.Stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}
	if cfg.Groups == nil {
		return nil, fmt.Errorf("group set is required")
	}
	for i, stage := range cfg.Stages {
		if stage.Name == "" {
			return nil, fmt.Errorf("stage name is required at index %d", i)
		}
		if stage.MaxIterations <= 0 {
			return nil, fmt.Errorf("stage %s max iterations must be > 0", stage.Name)
		}
		if stage.MinIterations < 0 || stage.MinIterations > stage.MaxIterations {
			return nil, fmt.Errorf("stage %s min iterations must be in [0, max]", stage.Name)
		}
		if stage.SigmaMin <= 0 || stage.SigmaMax < stage.SigmaMin {
			return nil, fmt.Errorf("stage %s sigma range invalid: [%f, %f]", stage.Name, stage.SigmaMin, stage.SigmaMax)
		}
		for _, name := range stage.Groups {
			if !cfg.Groups.Has(name) {
				return nil, fmt.Errorf("stage %s references unknown group %s", stage.Name, name)
			}
		}
	}

	c := &Controller{
		cfg:         normalizeConfig(cfg),
		groups:      cfg.Groups,
		sub:         SubPhaseBroad,
		groupScores: map[string]float64{},
	}
	if err := c.recomputeActive(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) stage() Stage {
	return c.cfg.Stages[c.stageIdx]
}

// Iterate records one evaluation outcome and advances the sub-phase and
// stage machines. It reports whether the main stage changed (or the last
// stage terminated).
func (c *Controller) Iterate(score float64, groupScores map[string]float64) bool {
	if c.done {
		return false
	}
	c.iter++
	c.subIter++
	c.total++
	for name, v := range groupScores {
		c.groupScores[name] = v
	}
	c.observeScore(score)
	c.updateSubPhase()
	return c.updateStage()
}

func (c *Controller) observeScore(score float64) {
	c.window = append(c.window, score)
	if len(c.window) > c.cfg.PlateauWindow {
		c.window = c.window[1:]
	}
	if len(c.window) < c.cfg.PlateauWindow {
		return
	}
	low, high := c.window[0], c.window[0]
	for _, v := range c.window[1:] {
		if v < low {
			low = v
		}
		if v > high {
			high = v
		}
	}
	if high-low < c.cfg.PlateauThreshold {
		c.flatStreak++
		if c.flatStreak >= c.cfg.PlateauChecks {
			c.subPlateau++
			c.mainPlateau++
			c.flatStreak = 0
		}
		return
	}
	c.flatStreak = 0
	if c.subPlateau > 0 {
		c.subPlateau--
	}
	if c.mainPlateau > 0 {
		c.mainPlateau--
	}
}

func (c *Controller) updateSubPhase() {
	switch c.sub {
	case SubPhaseBroad:
		if c.relevantGroupAverage() > c.cfg.BroadScoreThreshold || c.subIter >= c.cfg.BroadIterationCap {
			c.setSubPhase(SubPhaseRefinement)
		}
	case SubPhaseRefinement:
		if c.subPlateau >= c.cfg.SubPlateauThreshold {
			c.setSubPhase(SubPhasePlateauEscape)
		} else if c.subIter >= c.cfg.RefinementIterations {
			c.setSubPhase(SubPhaseFineTune)
		}
	case SubPhasePlateauEscape:
		if c.subIter >= c.cfg.EscapeBurst {
			c.setSubPhase(SubPhaseRefinement)
		}
	case SubPhaseFineTune:
		if c.subPlateau >= c.cfg.SubPlateauThreshold {
			c.setSubPhase(SubPhasePlateauEscape)
		}
	}
}

func (c *Controller) setSubPhase(sub SubPhase) {
	c.sub = sub
	c.subIter = 0
	c.subPlateau = 0
}

func (c *Controller) updateStage() bool {
	stage := c.stage()
	switch {
	case c.iter >= stage.MaxIterations:
		return c.advance()
	case c.mainPlateau >= c.cfg.MainPlateauThreshold && c.iter >= stage.MinIterations:
		return c.advance()
	case stage.QualityGate > 0 && c.iter >= stage.MinIterations+c.cfg.GateFloorExtra && c.relevantGroupsAbove(stage.QualityGate):
		return c.advance()
	}
	return false
}

func (c *Controller) advance() bool {
	if c.stageIdx+1 >= len(c.cfg.Stages) {
		c.done = true
		return true
	}
	c.stageIdx++
	c.iter = 0
	c.setSubPhase(SubPhaseBroad)
	c.mainPlateau = 0
	c.flatStreak = 0
	c.window = c.window[:0]
	c.widened = nil
	if c.stage().WidenWorstGroup {
		if worst, ok := c.worstGroup(); ok {
			c.widened = []string{worst}
		}
	}
	// Group resolution was validated at construction; the recompute cannot
	// fail for configured stages.
	_ = c.recomputeActive()
	return true
}

func (c *Controller) recomputeActive() error {
	names := c.stage().Groups
	if len(names) == 0 {
		mask, err := c.groups.Mask(nil)
		if err != nil {
			return err
		}
		c.active = mask
		return nil
	}
	union := append([]string(nil), names...)
	for _, extra := range c.widened {
		found := false
		for _, name := range union {
			if name == extra {
				found = true
				break
			}
		}
		if !found {
			union = append(union, extra)
		}
	}
	mask, err := c.groups.Mask(union)
	if err != nil {
		return err
	}
	c.active = mask
	return nil
}

func (c *Controller) relevantGroups() []string {
	if names := c.stage().Groups; len(names) != 0 {
		return names
	}
	return c.groups.Names()
}

func (c *Controller) relevantGroupAverage() float64 {
	names := c.relevantGroups()
	total, count := 0.0, 0
	for _, name := range names {
		if v, ok := c.groupScores[name]; ok {
			total += v
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func (c *Controller) relevantGroupsAbove(gate float64) bool {
	names := c.relevantGroups()
	if len(names) == 0 {
		return false
	}
	for _, name := range names {
		v, ok := c.groupScores[name]
		if !ok || v < gate {
			return false
		}
	}
	return true
}

func (c *Controller) worstGroup() (string, bool) {
	worst := ""
	worstScore := 0.0
	for _, name := range c.groups.Names() {
		v, ok := c.groupScores[name]
		if !ok {
			continue
		}
		if worst == "" || v < worstScore {
			worst = name
			worstScore = v
		}
	}
	return worst, worst != ""
}

// RecommendedSigma scales the stage's sigma range by the current sub-phase.
// PlateauEscape is allowed a small overshoot above the stage maximum.
func (c *Controller) RecommendedSigma() float64 {
	stage := c.stage()
	var sigma float64
	switch c.sub {
	case SubPhaseBroad:
		sigma = stage.SigmaMax * broadScale
	case SubPhaseRefinement:
		sigma = stage.SigmaMax * refinementScale
	case SubPhasePlateauEscape:
		sigma = stage.SigmaMax * escapeScale
	case SubPhaseFineTune:
		sigma = stage.SigmaMin * fineTuneScale
	default:
		sigma = stage.SigmaMax
	}
	limit := stage.SigmaMax
	if c.sub == SubPhasePlateauEscape {
		limit = stage.SigmaMax * escapeOvershoot
	}
	if sigma > limit {
		sigma = limit
	}
	if sigma < stage.SigmaMin {
		sigma = stage.SigmaMin
	}
	return sigma
}

func (c *Controller) IsMorphActive(index int) bool {
	if index < 0 || index >= len(c.active) {
		return false
	}
	return c.active[index]
}

func (c *Controller) ActiveMask() []bool {
	return append([]bool(nil), c.active...)
}

func (c *Controller) ActiveDimensions() []int {
	out := make([]int, 0, len(c.active))
	for i, on := range c.active {
		if on {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

func (c *Controller) StageName() string         { return c.stage().Name }
func (c *Controller) StageIndex() int           { return c.stageIdx }
func (c *Controller) StageSigmaRange() (float64, float64) {
	stage := c.stage()
	return stage.SigmaMin, stage.SigmaMax
}
func (c *Controller) CurrentSubPhase() SubPhase { return c.sub }
func (c *Controller) StageIterations() int      { return c.iter }
func (c *Controller) TotalIterations() int      { return c.total }
func (c *Controller) Done() bool                { return c.done }
