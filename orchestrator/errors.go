package orchestrator

import "fmt"

// Step names a stage of the copy state machine.
type Step string

const (
	StepResolve     Step = "resolve"
	StepSnapshot    Step = "snapshot"
	StepReEncrypt   Step = "re-encrypt"
	StepShare       Step = "share"
	StepTransfer    Step = "transfer"
	StepMaterialize Step = "materialize"
	StepCleanup     Step = "cleanup"
)

// CopyError reports the step a copy failed in. Err is the primary cause;
// Cleanup holds failures to release intermediate resources, if any.
type CopyError struct {
	Step    Step
	Err     error
	Cleanup error
}

func (e *CopyError) Error() string {
	if e.Cleanup != nil {
		return fmt.Sprintf("volume copy failed at %s: %v (cleanup: %v)", e.Step, e.Err, e.Cleanup)
	}
	return fmt.Sprintf("volume copy failed at %s: %v", e.Step, e.Err)
}

func (e *CopyError) Unwrap() error {
	return e.Err
}
