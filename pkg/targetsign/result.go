package targetsign

import (
	"fmt"

	"github.com/aluedeke/go-targetsign/pkg/correlate"
)

// Steps of a run, in pipeline order.
const (
	StepValidate      = "validate"
	StepUnpack        = "unpack"
	StepDecode        = "decode"
	StepStage         = "stage"
	StepIdentity      = "identity"
	StepExpiry        = "expiry"
	StepPlace         = "place"
	StepCorrelate     = "correlate"
	StepTeam          = "team"
	StepPatch         = "patch-build"
	StepExportOptions = "patch-export-options"
	StepAddTarget     = "add-target"
)

// OutcomeKind classifies a step outcome.
type OutcomeKind string

const (
	KindOK      OutcomeKind = "ok"
	KindWarning OutcomeKind = "warning"
	KindSkipped OutcomeKind = "skipped"
	KindFailed  OutcomeKind = "failed"
	KindFatal   OutcomeKind = "fatal"
)

// StepOutcome records what one step did. Failed outcomes are recorded and
// the run continues; a fatal outcome ends it.
type StepOutcome struct {
	Step    string
	Kind    OutcomeKind
	Message string
	Err     error
}

func (o StepOutcome) String() string {
	if o.Err != nil && o.Message == "" {
		return fmt.Sprintf("[%s] %s: %v", o.Kind, o.Step, o.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", o.Kind, o.Step, o.Message)
}

// RunResult is the outcome of a whole run.
type RunResult struct {
	Success bool
	Steps   []StepOutcome
	// Mapping is empty unless correlation succeeded.
	Mapping correlate.Mapping
}

// Err returns the error of the fatal outcome, if any.
func (r RunResult) Err() error {
	for _, s := range r.Steps {
		if s.Kind == KindFatal {
			return s.Err
		}
	}
	return nil
}

// Outcomes returns the outcomes of the given kind.
func (r RunResult) Outcomes(kind OutcomeKind) []StepOutcome {
	var out []StepOutcome
	for _, s := range r.Steps {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}
