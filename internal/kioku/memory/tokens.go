package memory

// TokenEstimator estimates how many model tokens a message will consume.
type TokenEstimator interface {
	Estimate(role, content string) int
}

// EstimatorFunc adapts a plain function to TokenEstimator.
type EstimatorFunc func(role, content string) int

// Estimate implements TokenEstimator.
func (f EstimatorFunc) Estimate(role, content string) int { return f(role, content) }

// HeuristicEstimator approximates tokens as one per CharsPerToken bytes of
// content (rounded up) plus a fixed per-message framing overhead.
type HeuristicEstimator struct {
	CharsPerToken   int
	MessageOverhead int
}

// DefaultEstimator is ~4 characters per token plus 4 tokens of overhead.
var DefaultEstimator TokenEstimator = HeuristicEstimator{CharsPerToken: 4, MessageOverhead: 4}

// Estimate implements TokenEstimator.
func (e HeuristicEstimator) Estimate(_ string, content string) int {
	per := e.CharsPerToken
	if per <= 0 {
		per = 4
	}
	return (len(content)+per-1)/per + e.MessageOverhead
}

// EstimateMessages sums est over msgs.
func EstimateMessages(est TokenEstimator, msgs []ContextMessage) int {
	total := 0
	for _, m := range msgs {
		total += est.Estimate(m.Role, m.Content)
	}
	return total
}
