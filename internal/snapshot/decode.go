package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/fkg/internal/identity"
	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/schema"
)

// Policy is the caller's trust policy for one decode.
type Policy struct {
	// VerifySignatures requires the signature step to succeed.
	VerifySignatures bool

	// PublicKey is handed to the verifier.
	PublicKey string

	// AllowPartial returns well-formed records alongside malformed-line
	// errors instead of rejecting the whole snapshot.
	AllowPartial bool
}

// Decoder runs the snapshot verification pipeline.
type Decoder struct {
	validator *schema.Validator
	verifier  Verifier
	logger    *slog.Logger
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithVerifier sets the signature verifier. A nil verifier makes every
// required signature check fail.
func WithVerifier(v Verifier) DecoderOption {
	return func(d *Decoder) { d.verifier = v }
}

// WithLogger sets the logger used for decode warnings.
func WithLogger(l *slog.Logger) DecoderOption {
	return func(d *Decoder) { d.logger = l }
}

// NewDecoder creates a decoder validating against v. The default verifier
// is RequireAndFail.
func NewDecoder(v *schema.Validator, opts ...DecoderOption) *Decoder {
	d := &Decoder{validator: v, verifier: RequireAndFail{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// line is one parsed record line.
type line struct {
	num    int
	record map[string]any
}

// Decode verifies and parses files. Steps run strictly in order:
//
//  1. parse and schema-validate the manifest
//  2. verify every checksum listed in the manifest, then the counts
//  3. verify the signature when the policy requires it
//  4. parse every record line, collecting per-line errors
//  5. schema-validate every record, collecting every violation
//
// Steps 1 to 3 stop at the first failure. Steps 4 and 5 report all errors
// as a model.ErrorList. With AllowPartial, malformed lines do not reject the
// snapshot: the well-formed records are returned together with the errors.
func (d *Decoder) Decode(files FileSet, policy Policy) (*Snapshot, error) {
	m, err := d.decodeManifest(files)
	if err != nil {
		return nil, err
	}

	if err := verifyChecksums(m, files); err != nil {
		return nil, err
	}
	if err := verifyCounts(m, files); err != nil {
		return nil, err
	}

	if err := d.verifySignature(m, files, policy); err != nil {
		return nil, err
	}

	snap := &Snapshot{Manifest: *m}
	snap.Warnings = uncheckedFiles(m, files)

	var lineErrs model.ErrorList
	parsed := make(map[string][]line, 4)
	for _, logical := range []string{"entities", "edges", "sources", "changelog"} {
		path := m.Path(logical)
		data, ok := files[path]
		if !ok {
			if logical != "changelog" {
				return nil, &model.Error{
					Kind:    model.KindSchemaViolation,
					Message: "required record file is missing",
					File:    path,
				}
			}
			continue
		}
		if logical == "changelog" {
			snap.HasChangelog = true
		}
		lines, errs := parseLines(path, data)
		parsed[logical] = lines
		lineErrs = append(lineErrs, errs...)
	}
	if len(lineErrs) > 0 && !policy.AllowPartial {
		return nil, lineErrs
	}

	var recordErrs model.ErrorList
	recordErrs = append(recordErrs, d.decodeEntities(m, parsed["entities"], snap)...)
	recordErrs = append(recordErrs, d.decodeEdges(m, parsed["edges"], snap)...)
	recordErrs = append(recordErrs, d.decodeSources(m, parsed["sources"], snap)...)
	recordErrs = append(recordErrs, decodeChangelog(m, parsed["changelog"], snap)...)
	if len(recordErrs) > 0 {
		return nil, append(lineErrs, recordErrs...)
	}

	if len(lineErrs) > 0 {
		return snap, lineErrs
	}
	return snap, nil
}

func (d *Decoder) decodeManifest(files FileSet) (*model.Manifest, error) {
	data, ok := files[model.FileManifest]
	if !ok {
		return nil, &model.Error{
			Kind:    model.KindSchemaViolation,
			Message: "snapshot has no manifest",
			File:    model.FileManifest,
		}
	}

	raw, err := model.DecodeObject(data)
	if err != nil {
		return nil, &model.Error{
			Kind:    model.KindSchemaViolation,
			Message: "manifest is not a JSON object",
			File:    model.FileManifest,
			Err:     err,
		}
	}

	version, _ := raw["schema_version"].(string)
	if version == "" {
		version = model.SchemaVersion
	}
	if res := d.validator.Validate(data, version, schema.KindManifest); !res.Valid() {
		e := res.Err()
		e.File = model.FileManifest
		return nil, e
	}

	var m model.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &model.Error{
			Kind:    model.KindSchemaViolation,
			Message: "manifest does not match the manifest structure",
			File:    model.FileManifest,
			Err:     err,
		}
	}
	if m.Version != model.FormatVersion {
		return nil, &model.Error{
			Kind:       model.KindSchemaViolation,
			Message:    "unsupported snapshot format",
			File:       model.FileManifest,
			Violations: []model.Violation{{Field: "version", Reason: fmt.Sprintf("unsupported format version %q", m.Version)}},
		}
	}
	return &m, nil
}

// verifyChecksums recomputes the digest of every file the manifest lists.
// The first missing or mismatching file fails the decode, as does a record
// file that is present but has no manifest checksum.
func verifyChecksums(m *model.Manifest, files FileSet) error {
	for _, logical := range []string{"entities", "edges", "sources", "changelog"} {
		path := m.Path(logical)
		if _, present := files[path]; !present {
			continue
		}
		if _, listed := m.Checksums[path]; !listed {
			return model.NewChecksumMismatch(path, "a manifest checksum", "none")
		}
	}

	paths := make([]string, 0, len(m.Checksums))
	for path := range m.Checksums {
		paths = append(paths, path)
	}
	slices.Sort(paths)

	for _, path := range paths {
		expected := m.Checksums[path]
		data, ok := files[path]
		if !ok {
			return model.NewChecksumMismatch(path, expected, "missing file")
		}
		if actual := Checksum(data); actual != expected {
			return model.NewChecksumMismatch(path, expected, actual)
		}
	}
	return nil
}

// verifyCounts checks manifest counts against the record lines present.
func verifyCounts(m *model.Manifest, files FileSet) error {
	if m.Counts == nil {
		return nil
	}

	checks := []struct {
		logical string
		want    *int
	}{
		{"entities", &m.Counts.Entities},
		{"edges", &m.Counts.Edges},
		{"sources", &m.Counts.Sources},
		{"changelog", m.Counts.Changelog},
	}
	var violations []model.Violation
	for _, c := range checks {
		if c.want == nil {
			continue
		}
		data, ok := files[m.Path(c.logical)]
		if !ok {
			continue
		}
		if got := countLines(data); got != *c.want {
			violations = append(violations, model.Violation{
				Field:  "counts." + c.logical,
				Reason: fmt.Sprintf("manifest declares %d records, %s has %d", *c.want, m.Path(c.logical), got),
			})
		}
	}
	if len(violations) > 0 {
		e := model.NewSchemaViolation(violations)
		e.File = model.FileManifest
		return e
	}
	return nil
}

func (d *Decoder) verifySignature(m *model.Manifest, files FileSet, policy Policy) error {
	if !policy.VerifySignatures {
		return nil
	}
	if d.verifier == nil {
		return model.NewSignatureRequiredButUnverifiable("signature required but no verifier is configured")
	}
	if err := d.verifier.Verify(m, files, policy.PublicKey); err != nil {
		return err
	}
	if _, ok := d.verifier.(NoopAllow); ok {
		d.logger.Warn("signature check required but skipped by verifier",
			"verifier", d.verifier.Name(),
			"authority", m.AuthorityID)
	}
	return nil
}

// uncheckedFiles reports extra files that are present but not covered by a
// manifest checksum. Record files never reach here unchecked.
func uncheckedFiles(m *model.Manifest, files FileSet) []string {
	var warnings []string
	for _, path := range files.Paths() {
		if path == model.FileManifest || strings.HasPrefix(path, model.DirSignatures) {
			continue
		}
		if _, ok := m.Checksums[path]; !ok {
			warnings = append(warnings, fmt.Sprintf("%s is not covered by a manifest checksum", path))
		}
	}
	return warnings
}

// recordLines splits data into lines, skipping blank ones. The callback
// receives 1-based line numbers.
func recordLines(data []byte, fn func(num int, text []byte)) {
	num := 0
	for len(data) > 0 {
		num++
		text, rest, _ := bytes.Cut(data, []byte{'\n'})
		data = rest
		text = bytes.TrimSpace(text)
		if len(text) == 0 {
			continue
		}
		fn(num, text)
	}
}

func countLines(data []byte) int {
	n := 0
	recordLines(data, func(int, []byte) { n++ })
	return n
}

func parseLines(path string, data []byte) ([]line, model.ErrorList) {
	var lines []line
	var errs model.ErrorList
	recordLines(data, func(num int, text []byte) {
		record, err := model.DecodeObject(text)
		if err != nil {
			errs = append(errs, model.NewMalformedRecordLine(path, num, err))
			return
		}
		lines = append(lines, line{num: num, record: record})
	})
	return lines, errs
}

// recordError builds the error for one invalid record line.
func recordError(path string, l line, res schema.Result) *model.Error {
	e := res.Err()
	e.File = path
	e.Line = l.num
	e.RecordID, _ = l.record["id"].(string)
	return e
}

func shapeError(path string, l line, field, reason string) *model.Error {
	e := model.NewSchemaViolation([]model.Violation{{Field: field, Reason: reason}})
	e.File = path
	e.Line = l.num
	e.RecordID, _ = l.record["id"].(string)
	return e
}

func recordVersion(m *model.Manifest, record map[string]any) string {
	if v, ok := record["schema_version"].(string); ok && v != "" {
		return v
	}
	return m.SchemaVersion
}

func (d *Decoder) decodeEntities(m *model.Manifest, lines []line, snap *Snapshot) model.ErrorList {
	path := m.Path("entities")
	var errs model.ErrorList
	for _, l := range lines {
		if res := d.validator.Validate(l.record, recordVersion(m, l.record), schema.KindEntity); !res.Valid() {
			errs = append(errs, recordError(path, l, res))
			continue
		}
		e, err := model.EntityFromMap(l.record)
		if err != nil {
			errs = append(errs, shapeError(path, l, "", err.Error()))
			continue
		}
		if reason := checkIDShape(e.ID, e.AuthorityID, e.Type); reason != "" {
			errs = append(errs, shapeError(path, l, "id", reason))
			continue
		}
		snap.Entities = append(snap.Entities, e)
	}
	return errs
}

func (d *Decoder) decodeEdges(m *model.Manifest, lines []line, snap *Snapshot) model.ErrorList {
	path := m.Path("edges")
	var errs model.ErrorList
	for _, l := range lines {
		if res := d.validator.Validate(l.record, recordVersion(m, l.record), schema.KindEdge); !res.Valid() {
			errs = append(errs, recordError(path, l, res))
			continue
		}
		e, err := model.EdgeFromMap(l.record)
		if err != nil {
			errs = append(errs, shapeError(path, l, "", err.Error()))
			continue
		}
		if reason := checkIDShape(e.ID, e.AuthorityID, identity.EdgeTag); reason != "" {
			errs = append(errs, shapeError(path, l, "id", reason))
			continue
		}
		snap.Edges = append(snap.Edges, e)
	}
	return errs
}

func (d *Decoder) decodeSources(m *model.Manifest, lines []line, snap *Snapshot) model.ErrorList {
	path := m.Path("sources")
	var errs model.ErrorList
	for _, l := range lines {
		if res := d.validator.Validate(l.record, m.SchemaVersion, schema.KindSource); !res.Valid() {
			errs = append(errs, recordError(path, l, res))
			continue
		}
		s, err := model.SourceFromMap(l.record)
		if err != nil {
			errs = append(errs, shapeError(path, l, "", err.Error()))
			continue
		}
		snap.Sources = append(snap.Sources, s)
	}
	return errs
}

// decodeChangelog checks event structure and that seq strictly increases.
func decodeChangelog(m *model.Manifest, lines []line, snap *Snapshot) model.ErrorList {
	path := m.Path("changelog")
	var errs model.ErrorList
	var last int64
	for _, l := range lines {
		raw, err := json.Marshal(l.record)
		if err != nil {
			errs = append(errs, shapeError(path, l, "", err.Error()))
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			errs = append(errs, shapeError(path, l, "", err.Error()))
			continue
		}

		var violations []model.Violation
		if ev.Seq <= last {
			violations = append(violations, model.Violation{
				Field:  "seq",
				Reason: fmt.Sprintf("seq %d does not increase past %d", ev.Seq, last),
			})
		}
		if !slices.Contains(model.EventTypes, ev.EventType) {
			violations = append(violations, model.Violation{
				Field:  "event_type",
				Reason: fmt.Sprintf("unknown event type %q", ev.EventType),
			})
		}
		if ev.RecordID() == "" {
			violations = append(violations, model.Violation{
				Field:  "payload",
				Reason: "payload must reference the affected record id",
			})
		}
		if len(violations) > 0 {
			e := model.NewSchemaViolation(violations)
			e.File = path
			e.Line = l.num
			errs = append(errs, e)
			continue
		}
		last = ev.Seq
		snap.Changelog = append(snap.Changelog, ev)
	}
	return errs
}

// checkIDShape verifies that id parses and that its segments agree with the
// record it names. It returns "" when the id is well formed.
func checkIDShape(id, authorityID, typeTag string) string {
	parts, err := identity.Parse(id)
	if err != nil {
		return err.Error()
	}
	if parts.AuthorityID != authorityID {
		return fmt.Sprintf("id authority %q does not match authority_id %q", parts.AuthorityID, authorityID)
	}
	if parts.TypeTag != typeTag {
		return fmt.Sprintf("id type %q does not match %q", parts.TypeTag, typeTag)
	}
	return ""
}
