package federation

// Verdict is the precedence decision for one incoming record.
type Verdict int

const (
	// Admit lets the record be merged.
	Admit Verdict = iota
	// RejectLocal refuses a record claiming the local authority. The local
	// instance is the only writer of its own authority's records.
	RejectLocal
	// RejectForeign refuses a record claiming an authority other than the
	// remote being pulled. A remote only publishes its own partition.
	RejectForeign
)

func (v Verdict) String() string {
	switch v {
	case Admit:
		return "admit"
	case RejectLocal:
		return "reject_local"
	case RejectForeign:
		return "reject_foreign"
	default:
		return "unknown"
	}
}

// Precedence decides whether an incoming record may overwrite local state.
type Precedence struct {
	LocalAuthorityID string
}

// Decide classifies a record owned by authorityID arriving in a pull of
// remoteID.
func (p Precedence) Decide(remoteID, authorityID string) Verdict {
	switch {
	case authorityID == p.LocalAuthorityID:
		return RejectLocal
	case authorityID != remoteID:
		return RejectForeign
	default:
		return Admit
	}
}
