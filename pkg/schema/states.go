package schema

// RunStatus enumerates run lifecycle states.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusError     RunStatus = "error"
)

// StepStatus enumerates step lifecycle states.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// FinalStatus is the user-visible run outcome, mapped 1:1 to process exit
// codes by the CLI.
type FinalStatus int

const (
	FinalSuccess   FinalStatus = 0
	FinalError     FinalStatus = 1
	FinalCancelled FinalStatus = 2
	FinalTimeout   FinalStatus = 3
	// FinalHalted means strict-flow mode found no valid transition for a
	// non-success step outcome.
	FinalHalted FinalStatus = 4
)

// ExitCode returns the process exit code for a final status.
func (f FinalStatus) ExitCode() int { return int(f) }

// TerminationReason records why a while loop stopped. Exactly one is set.
type TerminationReason string

const (
	TermConditionFalse TerminationReason = "condition_false"
	TermMaxIterations  TerminationReason = "max_iterations"
	TermTimeout        TerminationReason = "timeout"
	TermExplicitBreak  TerminationReason = "explicit_break"
	TermCancelled      TerminationReason = "cancelled"
)

// Provider shim exit-code contract.
const (
	ShimExitOK           = 0   // success
	ShimExitRetryable    = 1   // retryable error
	ShimExitInvalidInput = 2   // non-retryable invalid input
	ShimExitTimeout      = 124 // retryable timeout
)
