// Package provenance reports which sources back an entity and how much they
// can be trusted.
//
// Evidence travels inside the entity record: an "evidence" list names a
// source with an extraction confidence, and every id in "source_ids" that
// has no evidence entry counts as evidence at full confidence.
package provenance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/go-viper/mapstructure/v2"

	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/store"
)

// DefaultConfidence applies to evidence that states no confidence.
const DefaultConfidence = 1.0

// Entity fields carrying evidence.
const (
	FieldEvidence  = "evidence"
	FieldSourceIDs = "source_ids"
)

// Evidence links an entity to one source.
type Evidence struct {
	SourceID    string  `json:"source_id"`
	Confidence  float64 `json:"confidence"`
	ExtractedAt string  `json:"extracted_at,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

type rawEvidence struct {
	SourceID    string   `mapstructure:"source_id"`
	Confidence  *float64 `mapstructure:"confidence"`
	ExtractedAt string   `mapstructure:"extracted_at"`
	Notes       string   `mapstructure:"notes"`
}

// FromEntity collects the evidence recorded on e. Explicit evidence comes
// first in record order, then source ids without an evidence entry.
func FromEntity(e model.Entity) ([]Evidence, error) {
	var raw []rawEvidence
	if err := decodeField(e.Fields, FieldEvidence, &raw); err != nil {
		return nil, fmt.Errorf("entity %s: %w", e.ID, err)
	}
	var sourceIDs []string
	if err := decodeField(e.Fields, FieldSourceIDs, &sourceIDs); err != nil {
		return nil, fmt.Errorf("entity %s: %w", e.ID, err)
	}

	out := make([]Evidence, 0, len(raw)+len(sourceIDs))
	seen := make(map[string]bool, len(raw))
	for i, r := range raw {
		if r.SourceID == "" {
			return nil, fmt.Errorf("entity %s: evidence[%d] has no source_id", e.ID, i)
		}
		ev := Evidence{
			SourceID:    r.SourceID,
			Confidence:  DefaultConfidence,
			ExtractedAt: r.ExtractedAt,
			Notes:       r.Notes,
		}
		if r.Confidence != nil {
			ev.Confidence = *r.Confidence
		}
		if ev.Confidence < 0 || ev.Confidence > 1 || math.IsNaN(ev.Confidence) {
			return nil, fmt.Errorf("entity %s: evidence[%d] confidence %v is outside [0, 1]", e.ID, i, ev.Confidence)
		}
		seen[r.SourceID] = true
		out = append(out, ev)
	}
	for _, id := range sourceIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Evidence{SourceID: id, Confidence: DefaultConfidence})
	}
	return out, nil
}

func decodeField(fields map[string]any, key string, out any) error {
	v, ok := fields[key]
	if !ok || v == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Score summarizes the evidence behind an entity.
type Score struct {
	Confidence  float64  `json:"confidence"`
	SourceCount int      `json:"source_count"`
	SourceTypes []string `json:"source_types"`

	// RecencyDays is reserved for age-based scoring and is always nil.
	RecencyDays *float64 `json:"recency_days"`
}

// SourcedEvidence is one piece of evidence joined with its source record.
// Source is nil when the source is not in the store.
type SourcedEvidence struct {
	Evidence
	Source *model.Source `json:"source"`
	Weight float64       `json:"weight"`
}

// Calculate scores evidence. Confidence is the mean evidence confidence
// plus 0.05 for every distinct source type beyond the first, with the bonus
// capped at 0.1 and the total at 1.0. No evidence scores zero.
func Calculate(evidence []SourcedEvidence) Score {
	score := Score{SourceCount: len(evidence), SourceTypes: []string{}}
	if len(evidence) == 0 {
		return score
	}

	var sum float64
	types := make(map[string]bool)
	for _, ev := range evidence {
		sum += ev.Confidence
		if ev.Source != nil && ev.Source.Type != "" {
			types[ev.Source.Type] = true
		}
	}
	for typ := range types {
		score.SourceTypes = append(score.SourceTypes, typ)
	}
	slices.Sort(score.SourceTypes)

	var bonus float64
	if n := len(score.SourceTypes); n > 1 {
		bonus = min(0.1, float64(n-1)*0.05)
	}
	score.Confidence = round3(min(1.0, sum/float64(len(evidence))+bonus))
	return score
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

var sourceWeights = map[string]float64{
	"api":     0.9,
	"dataset": 0.9,
	"url":     0.7,
	"file":    0.7,
	"manual":  0.8,
}

// SourceWeight is the reliability weight of a source type. Unknown types
// weigh 0.5.
func SourceWeight(typ string) float64 {
	if w, ok := sourceWeights[typ]; ok {
		return w
	}
	return 0.5
}

// Report is the provenance of one entity.
type Report struct {
	EntityID          string            `json:"entity_id"`
	SourceCount       int               `json:"source_count"`
	AverageConfidence *float64          `json:"average_confidence"`
	Score             Score             `json:"score"`
	Sources           []SourcedEvidence `json:"sources"`
}

// ForEntity builds the provenance report of entity id. It returns
// store.ErrNotFound when the entity does not exist. Evidence naming an
// unknown source is reported with a nil Source.
func ForEntity(ctx context.Context, r store.Reader, id string) (*Report, error) {
	e, err := r.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	evidence, err := FromEntity(e)
	if err != nil {
		return nil, err
	}

	report := &Report{
		EntityID:    id,
		SourceCount: len(evidence),
		Sources:     make([]SourcedEvidence, 0, len(evidence)),
	}
	var sum float64
	for _, ev := range evidence {
		item := SourcedEvidence{Evidence: ev, Weight: SourceWeight("")}
		src, err := r.GetSource(ctx, ev.SourceID)
		switch {
		case err == nil:
			item.Source = &src
			item.Weight = SourceWeight(src.Type)
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("get source %s: %w", ev.SourceID, err)
		}
		sum += ev.Confidence
		report.Sources = append(report.Sources, item)
	}
	if len(evidence) > 0 {
		avg := sum / float64(len(evidence))
		report.AverageConfidence = &avg
	}
	report.Score = Calculate(report.Sources)
	return report, nil
}
