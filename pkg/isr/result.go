package isr

// Decision is the audit verdict. The wire values match the tool enum the
// compliance agent exchanges with the model.
type Decision string

const (
	Approve Decision = "APROVADO"
	Block   Decision = "BLOQUEADO"
)

// Approved reports whether d is Approve.
func (d Decision) Approved() bool { return d == Approve }

// Path names the branch of the decision policy that produced a result.
type Path string

const (
	PathShortcut Path = "shortcut"
	PathVeto     Path = "veto"
	PathStandard Path = "standard"
)

const (
	// SymbolicInfinity stands in for an unbounded ISR on the shortcut path
	// and an unbounded B2T on the veto path.
	SymbolicInfinity = 999.0
	// StandardISRCap is reported when B2T is below MinB2T.
	StandardISRCap = 100.0
	// DecisionThreshold is the ISR at or above which a decision is approved.
	DecisionThreshold = 1.0
)

// Metrics is the numeric support for a verdict, rounded to four places.
type Metrics struct {
	ISR             float64 `json:"ISR"`
	B2T             float64 `json:"B2T"`
	Delta           float64 `json:"Delta"`
	JSBound         float64 `json:"JS_Bound"`
	POriginal       float64 `json:"P_Original"`
	PMinPermutation float64 `json:"P_Min_Permutation"`
}

// Result is the outcome of one Audit call.
type Result struct {
	Decision       Decision  `json:"decision"`
	Metrics        Metrics   `json:"metrics"`
	Reason         string    `json:"reason"`
	Path           Path      `json:"path"`
	DegradedProbes int       `json:"degraded_probes"`
	Probabilities  []float64 `json:"probabilities,omitempty"`
}
