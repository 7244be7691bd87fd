package trend

import (
	"math"

	"github.com/promptstack/guardrail/internal/config"
)

// maxDays is the depth of the scoring window: today plus six prior days.
const maxDays = 7

// DailyMetricPoint is one day's engagement totals, supplied by an external
// metrics store. DaysAgo 0 is today.
type DailyMetricPoint struct {
	DaysAgo int
	Views   int
	Copies  int
	Saves   int
	Votes   int
}

// Calculator produces the public-facing trending score from up to a week of
// daily engagement, decaying older days exponentially. Pure function of its
// input; no hidden state.
type Calculator struct {
	lambda  float64
	weights config.TrendWeights
}

func NewCalculator(cfg config.TrendCfg) *Calculator {
	return &Calculator{lambda: cfg.Lambda, weights: cfg.Weights}
}

// Calculate scores the supplied days. Days outside [0, 6] are ignored and
// missing days contribute nothing; the result is rounded to 2 decimals.
func (c *Calculator) Calculate(points []DailyMetricPoint) float64 {
	var score float64
	for _, p := range points {
		if p.DaysAgo < 0 || p.DaysAgo >= maxDays {
			continue
		}
		decay := math.Exp(-c.lambda * float64(p.DaysAgo))
		engagement := c.weights.Views*float64(p.Views) +
			c.weights.Copies*float64(p.Copies) +
			c.weights.Saves*float64(p.Saves) +
			c.weights.Votes*float64(p.Votes)
		score += decay * engagement
	}
	return math.Round(score*100) / 100
}
