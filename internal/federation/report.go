package federation

import (
	"time"
)

// RecordCounts tallies what a pull did with one kind of record.
type RecordCounts struct {
	Considered             int `json:"considered"`
	Filtered               int `json:"filtered"`
	Inserted               int `json:"inserted"`
	Updated                int `json:"updated"`
	Unchanged              int `json:"unchanged"`
	RejectedLocalAuthority int `json:"rejected_local_authority"`

	// RejectedForeignAuthority counts records owned by an authority other
	// than the pulled remote.
	RejectedForeignAuthority int `json:"rejected_foreign_authority"`

	// RejectedUnderivedID counts records whose id does not derive from
	// their content, when the remote's trust policy requires derived ids.
	RejectedUnderivedID int `json:"rejected_underived_id"`
}

// SourceCounts tallies provenance records. Sources are never filtered and
// produce no changelog events. A pull only inserts sources: an incoming
// source whose id is already stored with different content is a conflict
// and the stored record is kept.
type SourceCounts struct {
	Considered int `json:"considered"`
	Inserted   int `json:"inserted"`
	Unchanged  int `json:"unchanged"`
	Conflicts  int `json:"conflicts"`
}

// Report describes one pull. It is returned for failed pulls as well, with
// State set to StateFailed and Error holding the cause.
type Report struct {
	RunID       string `json:"run_id"`
	RemoteID    string `json:"remote_id"`
	AuthorityID string `json:"authority_id,omitempty"`
	State       State  `json:"state"`

	Entities RecordCounts `json:"entities"`
	Edges    RecordCounts `json:"edges"`
	Sources  SourceCounts `json:"sources"`

	// FirstSeq and LastSeq bound the changelog events appended by this
	// pull. Both are zero when nothing was appended.
	FirstSeq int64 `json:"first_seq"`
	LastSeq  int64 `json:"last_seq"`

	Warnings []string `json:"warnings"`
	Error    string   `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// EventsAppended returns how many changelog events the pull wrote.
func (r *Report) EventsAppended() int64 {
	if r.LastSeq == 0 {
		return 0
	}
	return r.LastSeq - r.FirstSeq + 1
}

// Changed reports whether the pull inserted or updated anything.
func (r *Report) Changed() bool {
	return r.Entities.Inserted+r.Entities.Updated+r.Edges.Inserted+r.Edges.Updated+
		r.Sources.Inserted > 0
}

func (r *Report) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
