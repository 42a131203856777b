package quality

import (
	"sync"

	"model_optimizer/internal/models"
)

// Blend weights used when human feedback exists. Without feedback the
// heuristic is used as-is.
const (
	HeuristicWeight = 0.6
	FeedbackWeight  = 0.4

	// RejectedScore is the fixed floor a rejected output is forced to.
	RejectedScore = 10.0

	// defaultEditRatio is assumed for "edited" feedback that carries neither
	// an edited text nor an explicit distance.
	defaultEditRatio = 0.5
)

// ScoreFunc computes a deterministic 0-100 heuristic for one task type.
type ScoreFunc func(output string) float64

// Feedback is the human verdict submitted for an execution.
type Feedback struct {
	Kind         models.FeedbackKind `json:"kind"`
	EditedOutput string              `json:"edited_output,omitempty"`
	EditDistance *int                `json:"edit_distance,omitempty"`
}

// Scorer dispatches to a scoring function per task type. New task types are
// added with Register; nothing else needs to change.
type Scorer struct {
	mu    sync.RWMutex
	funcs map[models.TaskType]ScoreFunc
}

// NewScorer returns a scorer with the built-in heuristics registered.
func NewScorer() *Scorer {
	s := &Scorer{funcs: make(map[models.TaskType]ScoreFunc, len(models.AllTaskTypes))}
	s.funcs[models.TaskWebsiteAnalysis] = scoreWebsiteAnalysis
	s.funcs[models.TaskCodeGeneration] = scoreCodeGeneration
	s.funcs[models.TaskEmailWriting] = scoreEmailWriting
	s.funcs[models.TaskConversationResponse] = scoreConversationResponse
	s.funcs[models.TaskVideoScript] = scoreVideoScript
	s.funcs[models.TaskLeadScoring] = scoreLeadScoring
	s.funcs[models.TaskGeneral] = scoreGeneral
	return s
}

// Register installs or replaces the scoring function for a task type.
func (s *Scorer) Register(task models.TaskType, fn ScoreFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[task] = fn
}

// Score returns the heuristic quality of output for the task type. Task
// types without a registered function use the general heuristic.
func (s *Scorer) Score(task models.TaskType, output string) float64 {
	s.mu.RLock()
	fn, ok := s.funcs[task]
	if !ok {
		fn = s.funcs[models.TaskGeneral]
	}
	s.mu.RUnlock()

	if fn == nil {
		return 0
	}
	return models.ClampScore(fn(output))
}

// Finalize blends a heuristic score with feedback. original is the output
// the heuristic was computed from; it is only needed to derive an edit
// distance for "edited" feedback. The returned distance is nil unless one
// was supplied or computed.
func (s *Scorer) Finalize(heuristic float64, original string, fb Feedback) (float64, *int) {
	return Blend(heuristic, original, fb)
}

// Blend is the pure scoring rule behind Scorer.Finalize.
func Blend(heuristic float64, original string, fb Feedback) (float64, *int) {
	h := models.ClampScore(heuristic)

	switch fb.Kind {
	case models.FeedbackApproved:
		return models.ClampScore(HeuristicWeight*h + FeedbackWeight*100), nil
	case models.FeedbackRejected:
		return RejectedScore, nil
	case models.FeedbackEdited:
		ratio, dist := editRatio(original, fb)
		return models.ClampScore(HeuristicWeight*h + FeedbackWeight*100*(1-ratio)), dist
	default:
		return h, nil
	}
}

// editRatio returns the share of the text that was changed, in [0,1].
func editRatio(original string, fb Feedback) (float64, *int) {
	longest := maxInt(runeLen(original), runeLen(fb.EditedOutput))

	if fb.EditDistance != nil {
		d := *fb.EditDistance
		if d < 0 {
			d = 0
		}
		if longest == 0 {
			return defaultEditRatio, &d
		}
		return clampUnit(float64(d) / float64(longest)), &d
	}

	if fb.EditedOutput == "" || original == "" {
		return defaultEditRatio, nil
	}

	d := Levenshtein(original, fb.EditedOutput)
	return clampUnit(float64(d) / float64(longest)), &d
}

func clampUnit(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
