package domain

// TaskTemplate is an immutable workflow definition. (namespace, name,
// version) is unique; templates are loaded once and never mutated.
type TaskTemplate struct {
	Namespace   string
	Name        string
	Version     int
	Description string
	Steps       []StepDef
	Edges       []EdgeDef
	RetryPolicy RetryPolicy
	InputSchema []byte // JSON schema, optional
}

// StepDef is a named step within a template.
type StepDef struct {
	Name        string
	Kind        StepKind
	HandlerName string
	MaxAttempts int
	Retryable   bool
	// WorkerTemplate names the StepDef a batch analyzer spawns workers
	// from; only meaningful when Kind == StepKindBatchAnalyzer.
	WorkerTemplate string
	// DynamicOnly marks a step that carries no static edge in the
	// template and is reachable only through a runtime decision-point
	// expansion (spec §4.6) — a branch target such as "finance_review" in
	// a Route outcome. BeginTask inserts it StepBlocked instead of
	// StepPending so the readiness engine never dispatches an unselected
	// branch; the decision expander unblocks exactly the branches it
	// wires an edge to.
	DynamicOnly bool
}

// EdgeDef is a static dependency edge declared by the template, resolved by
// step name at instantiation time.
type EdgeDef struct {
	From string
	To   string
}

// RetryPolicy carries the backoff parameters for a template's namespace,
// overridable per step kind (spec §6 backoff.* options).
type RetryPolicy struct {
	Base       float64 // seconds
	Max        float64 // seconds
	Multiplier float64
	MaxJitter  float64 // seconds
}

// DefaultRetryPolicy matches the conservative defaults used across the
// corpus: a one-second base doubling up to a five-minute ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 1, Max: 300, Multiplier: 2, MaxJitter: 0.5}
}
