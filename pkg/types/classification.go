package types

import "time"

// Intent is the closed set of departments the classifier can route to.
type Intent string

const (
	IntentCommunications Intent = "communications"
	IntentAnalysis       Intent = "analysis"
	IntentAutomation     Intent = "automation"
	IntentCoordination   Intent = "coordination"
)

// ValidIntents lists the closed set in tie-break order, matching spec.md
// §4.4 ("ties broken by list order").
var ValidIntents = []Intent{IntentCommunications, IntentAnalysis, IntentAutomation, IntentCoordination}

// IsValid reports whether i belongs to the closed intent set.
func (i Intent) IsValid() bool {
	for _, v := range ValidIntents {
		if v == i {
			return true
		}
	}
	return false
}

// ClassificationMethod records how an intent was produced.
type ClassificationMethod string

const (
	ClassificationMethodKeyword ClassificationMethod = "keyword"
	ClassificationMethodLLM     ClassificationMethod = "llm"
)

// ClassificationEntry is a cache row keyed by a hash of normalized task text.
type ClassificationEntry struct {
	TextHash   string
	Intent     Intent
	Confidence float64
	Method     ClassificationMethod
	Timestamp  time.Time
	HitCount   int64
}

// Expired reports whether the entry has aged past maxAge.
func (e *ClassificationEntry) Expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(e.Timestamp) > maxAge
}

// ClassificationFeedback is an append-only correction record.
type ClassificationFeedback struct {
	TaskID               string
	PredictedIntent       Intent
	PredictedConfidence   float64
	ActualIntent          Intent
	Source                string
	Method                ClassificationMethod
	Timestamp             time.Time
}
