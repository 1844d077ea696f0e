package snapshot

import (
	"github.com/roach88/fkg/internal/model"
)

// Verifier checks a manifest signature. It is only consulted when the
// remote's trust policy requires signature verification.
type Verifier interface {
	// Name identifies the verifier in logs and reports.
	Name() string

	// Verify returns nil when the snapshot's signature is acceptable.
	Verify(m *model.Manifest, files FileSet, publicKey string) error
}

// NoopAllow accepts every snapshot. Selecting it is an explicit decision to
// run without signature checks; the decoder logs a warning each time it
// lets a required check pass.
type NoopAllow struct{}

func (NoopAllow) Name() string { return "noop-allow" }

func (NoopAllow) Verify(*model.Manifest, FileSet, string) error { return nil }

// RequireAndFail rejects every snapshot whose policy requires a signature,
// since no signature scheme is implemented yet.
type RequireAndFail struct{}

func (RequireAndFail) Name() string { return "require-and-fail" }

func (RequireAndFail) Verify(m *model.Manifest, _ FileSet, _ string) error {
	if m.Signature == "" {
		return model.NewSignatureRequiredButUnverifiable("signature required but manifest carries none")
	}
	return model.NewSignatureRequiredButUnverifiable("signature required but no signature scheme is available")
}

// VerifierByName resolves a configured verifier name. Unknown names and the
// empty string resolve to RequireAndFail.
func VerifierByName(name string) Verifier {
	if name == (NoopAllow{}).Name() {
		return NoopAllow{}
	}
	return RequireAndFail{}
}
