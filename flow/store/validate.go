package store

import (
	"context"
	"regexp"
	"time"

	"github.com/stateflow-io/stateflow-go/flow/state"
)

// Severity grades a validation finding.
type Severity int

const (
	// SeverityInfo marks observations that need no action.
	SeverityInfo Severity = iota

	// SeverityWarning marks cosmetic problems that do not block
	// execution.
	SeverityWarning

	// SeverityError marks problems that will break stepping, such as a
	// missing current state.
	SeverityError

	// SeverityCritical marks unrecoverable corruption.
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Issue is one validation finding.
type Issue struct {
	Severity   Severity `json:"severity"`
	Field      string   `json:"field"`
	Message    string   `json:"message"`
	Repairable bool     `json:"repairable"`
}

// ValidationResult is the report for one context. Valid is true when no
// finding is of Error or Critical severity.
type ValidationResult struct {
	ContextID string    `json:"contextId"`
	Valid     bool      `json:"valid"`
	Issues    []Issue   `json:"issues,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Repairable reports whether every finding can be fixed by Repair.
func (r *ValidationResult) Repairable() bool {
	for _, is := range r.Issues {
		if !is.Repairable {
			return false
		}
	}
	return true
}

var validStateID = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
var stateIDSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Validate inspects a context for structural problems: missing ids,
// empty or malformed state references, nil collections, nil metadata
// values, and inconsistent timestamps.
func Validate(sc *state.Context) *ValidationResult {
	res := &ValidationResult{CheckedAt: time.Now().UTC()}
	if sc == nil {
		res.Issues = append(res.Issues, Issue{
			Severity: SeverityCritical,
			Field:    "context",
			Message:  "context is nil",
		})
		return res
	}
	res.ContextID = sc.ID

	if sc.ID == "" {
		res.Issues = append(res.Issues, Issue{
			Severity: SeverityCritical,
			Field:    "id",
			Message:  "context has no id",
		})
	}
	if sc.CurrentStateID == "" {
		res.Issues = append(res.Issues, Issue{
			Severity:   SeverityError,
			Field:      "currentStateId",
			Message:    "current state is empty",
			Repairable: true,
		})
	} else if !validStateID.MatchString(sc.CurrentStateID) {
		res.Issues = append(res.Issues, Issue{
			Severity:   SeverityWarning,
			Field:      "currentStateId",
			Message:    "current state contains characters outside [A-Za-z0-9_]",
			Repairable: true,
		})
	}
	if sc.Local == nil {
		res.Issues = append(res.Issues, Issue{
			Severity:   SeverityWarning,
			Field:      "localState",
			Message:    "local state map is nil",
			Repairable: true,
		})
	}
	if sc.Global == nil {
		res.Issues = append(res.Issues, Issue{
			Severity:   SeverityWarning,
			Field:      "globalState",
			Message:    "global state map is nil",
			Repairable: true,
		})
	}
	if sc.Metadata == nil {
		res.Issues = append(res.Issues, Issue{
			Severity:   SeverityWarning,
			Field:      "metadata",
			Message:    "metadata map is nil",
			Repairable: true,
		})
	} else {
		for k, v := range sc.Metadata {
			if v == nil {
				res.Issues = append(res.Issues, Issue{
					Severity:   SeverityWarning,
					Field:      "metadata." + k,
					Message:    "metadata value is nil",
					Repairable: true,
				})
			}
		}
	}
	if sc.CreatedAt.IsZero() {
		res.Issues = append(res.Issues, Issue{
			Severity:   SeverityWarning,
			Field:      "createdAt",
			Message:    "creation time is unset",
			Repairable: true,
		})
	}
	if !sc.CreatedAt.IsZero() && !sc.LastUpdatedAt.IsZero() && sc.LastUpdatedAt.Before(sc.CreatedAt) {
		res.Issues = append(res.Issues, Issue{
			Severity:   SeverityWarning,
			Field:      "lastUpdatedAt",
			Message:    "last update precedes creation",
			Repairable: true,
		})
	}

	res.Valid = true
	for _, is := range res.Issues {
		if is.Severity >= SeverityError {
			res.Valid = false
			break
		}
	}
	return res
}

// Repair returns a copy of the context with every repairable finding
// fixed: empty current state becomes "unknown", malformed state ids are
// sanitized, nil collections are allocated, nil metadata values are
// dropped, and timestamps are normalized. The second return lists the
// fixes applied.
func Repair(sc *state.Context) (*state.Context, []Issue) {
	res := Validate(sc)
	if sc == nil {
		return nil, res.Issues
	}

	var applied []Issue
	out := sc.Clone()
	for _, is := range res.Issues {
		if !is.Repairable {
			continue
		}
		switch {
		case is.Field == "currentStateId" && out.CurrentStateID == "":
			out.CurrentStateID = "unknown"
		case is.Field == "currentStateId":
			out.CurrentStateID = stateIDSanitizer.ReplaceAllString(out.CurrentStateID, "_")
		case is.Field == "localState":
			out.Local = map[string]any{}
		case is.Field == "globalState":
			out.Global = map[string]any{}
		case is.Field == "metadata":
			out.Metadata = map[string]any{}
		case is.Field == "createdAt":
			if out.LastUpdatedAt.IsZero() {
				out.CreatedAt = time.Now().UTC()
			} else {
				out.CreatedAt = out.LastUpdatedAt
			}
		case is.Field == "lastUpdatedAt":
			out.LastUpdatedAt = out.CreatedAt
		default: // metadata.KEY
			if len(is.Field) > len("metadata.") && is.Field[:len("metadata.")] == "metadata." {
				delete(out.Metadata, is.Field[len("metadata."):])
			}
		}
		applied = append(applied, is)
	}
	return out, applied
}

// ValidateStored loads an instance and validates it.
func ValidateStored(ctx context.Context, s Store, contextID string) (*ValidationResult, error) {
	sc, err := s.LoadContext(ctx, contextID)
	if err != nil {
		return nil, err
	}
	return Validate(sc), nil
}

// RepairStored loads an instance, applies every repairable fix, and
// persists the result when anything changed. It returns the (possibly
// repaired) context and the fresh validation report for it.
func RepairStored(ctx context.Context, s Store, contextID string) (*state.Context, *ValidationResult, error) {
	sc, err := s.LoadContext(ctx, contextID)
	if err != nil {
		return nil, nil, err
	}
	repaired, applied := Repair(sc)
	if len(applied) > 0 {
		if err := s.SaveContext(ctx, repaired); err != nil {
			return nil, nil, err
		}
	}
	return repaired, Validate(repaired), nil
}
