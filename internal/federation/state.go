package federation

// State is a step of a pull. A pull moves forward through
// Fetching, Verifying, Filtering, Merging and Logging, and finishes in
// Done or Failed.
type State string

const (
	StateFetching  State = "fetching"
	StateVerifying State = "verifying"
	StateFiltering State = "filtering"
	StateMerging   State = "merging"
	StateLogging   State = "logging"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Terminal reports whether s ends a pull.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
