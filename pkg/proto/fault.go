package proto

import (
	"errors"
	"fmt"
)

// FaultKind categorizes a failure per the system error taxonomy. Faults are
// never swallowed: every fault produces a failure event, a Conductor pause,
// and release of the request lock.
type FaultKind string

const (
	FaultProtocol       FaultKind = "PROTOCOL"
	FaultIntegrity      FaultKind = "INTEGRITY"
	FaultConstitutional FaultKind = "CONSTITUTIONAL"
	FaultContract       FaultKind = "CONTRACT"
	FaultDependency     FaultKind = "DEPENDENCY"
	FaultRepairBound    FaultKind = "REPAIR_BOUND"
)

// Fault is the structured error carried through the core. Wrap with %w as usual;
// use KindOf to recover the category at the surfacing boundary.
type Fault struct {
	Kind    FaultKind
	Code    string // stable short code, e.g. "CONTEXT_VIOLATION"
	Message string
	Err     error // optional underlying cause
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", f.Kind, f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s %s: %s", f.Kind, f.Code, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault constructs a fault with the given kind and stable code.
func NewFault(kind FaultKind, code, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapFault constructs a fault wrapping an underlying cause.
func WrapFault(kind FaultKind, code string, err error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the fault kind from an error chain. Unclassified errors
// surface as DEPENDENCY faults: something outside the core misbehaved.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultDependency
}

// IsFault reports whether err carries the given fault kind.
func IsFault(err error, kind FaultKind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}

// Stable fault codes used across packages.
const (
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodeConductorStateViol     = "CONDUCTOR_STATE_VIOLATION"
	CodeMissingInput           = "MISSING_REQUIRED_INPUT"
	CodeDuplicateApproval      = "DUPLICATE_APPROVAL"
	CodeHashIntegrity          = "HASH_INTEGRITY"
	CodeChainBroken            = "CHAIN_BROKEN"
	CodeForbiddenAction        = "FORBIDDEN_ACTION"
	CodeUnauthorizedAction     = "UNAUTHORIZED_ACTION"
	CodeContextViolation       = "CONTEXT_VIOLATION"
	CodeScopeViolation         = "SCOPE_VIOLATION"
	CodeContractViolation      = "CONTRACT_VIOLATION"
	CodeCanonicalization       = "CANONICALIZATION_FAILURE"
	CodeLLMTimeout             = "LLM_TIMEOUT"
	CodeLLMProvider            = "LLM_PROVIDER"
	CodeWorkspaceIO            = "WORKSPACE_IO"
	CodeFileNotAllowed         = "FILE_NOT_ALLOWED"
	CodeLineRangeOutOfBounds   = "LINE_RANGE_OUT_OF_BOUNDS"
	CodeOldContentNotFound     = "OLD_CONTENT_NOT_FOUND"
	CodePreconditionViolated   = "PRECONDITION_VIOLATED"
	CodeContextBudgetExceeded  = "CONTEXT_BUDGET_EXCEEDED"
	CodeDeterminismConstraint  = "DETERMINISM_CONSTRAINT"
	CodeLockHeld               = "LOCK_HELD"
	CodeAwaitingHuman          = "AWAITING_HUMAN"
	CodeStateMissing           = "STATE_MISSING"
	CodeStateExists            = "STATE_EXISTS"
	CodeDraftPending           = "DRAFT_PENDING"
	CodeTerminalPhase          = "TERMINAL_PHASE"
)
