package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"conductor/pkg/canon"
	"conductor/pkg/ledger"
	"conductor/pkg/llm"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

// Draft is a typed agent output before canonicalisation. Exactly one of
// Content (structured) and Text is set.
type Draft struct {
	Content any
	Text    string
}

// Bundle is the isolated input set handed to an agent: only the artifacts its
// envelope declared, keyed by role, with their approved hashes captured.
type Bundle struct {
	artifacts map[string]*persistence.Artifact
	Hashes    map[string]string
}

// Runtime enforces envelopes: bundle isolation, action gating, output
// validation, determinism, and request-hash deduplication.
type Runtime struct {
	ledger           *ledger.Ledger
	client           llm.Client
	counter          *utils.TokenCounter
	logger           *logx.Logger
	maxContextTokens int
	temperatureCap   float32
}

// NewRuntime creates the envelope runtime. temperatureCap bounds determinism-
// constrained envelopes; maxContextTokens bounds every LLM input bundle.
func NewRuntime(led *ledger.Ledger, client llm.Client, maxContextTokens int, temperatureCap float32) *Runtime {
	counter, _ := utils.NewTokenCounter(client.ModelName())
	return &Runtime{
		ledger:           led,
		client:           client,
		counter:          counter,
		logger:           logx.NewLogger("envelope"),
		maxContextTokens: maxContextTokens,
		temperatureCap:   temperatureCap,
	}
}

// BuildBundle assembles the isolated input bundle for an envelope. Every
// required input must be approved, and its stored bytes must still match its
// hash; a tampered upstream artifact stops the agent before it starts.
func (r *Runtime) BuildBundle(requestID string, env *Envelope) (*Bundle, error) {
	b := &Bundle{
		artifacts: make(map[string]*persistence.Artifact, len(env.RequiredInputs)),
		Hashes:    make(map[string]string, len(env.RequiredInputs)),
	}
	for _, in := range env.RequiredInputs {
		a, err := r.ledger.CurrentApproved(requestID, in.Type)
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, proto.NewFault(proto.FaultProtocol, proto.CodeMissingInput,
				"agent %s requires approved %s for role %q", env.Name, in.Type, in.Role)
		}
		if err != nil {
			return nil, err
		}
		if got := canon.Hash(a.Content); got != a.ContentHash {
			return nil, proto.NewFault(proto.FaultIntegrity, proto.CodeHashIntegrity,
				"input %s (%s) bytes no longer match stored hash", a.ID, in.Type)
		}
		if err := r.ledger.VerifyChain(requestID, a.ID); err != nil {
			return nil, err
		}
		b.artifacts[in.Role] = a
		b.Hashes[in.Role] = a.ContentHash
	}

	// A repair mutates the workspace without changing any upstream artifact,
	// so the approved repair log is part of every later bundle's identity.
	// Hash only: it never becomes a readable input role.
	if env.Produces != proto.TypeRepairExecutionLog {
		if _, declared := b.Hashes[repairLogRole]; !declared {
			log, err := r.ledger.CurrentApproved(requestID, proto.TypeRepairExecutionLog)
			switch {
			case err == nil:
				b.Hashes[repairLogRole] = log.ContentHash
			case !errors.Is(err, persistence.ErrNotFound):
				return nil, err
			}
		}
	}
	return b, nil
}

// repairLogRole keys the repair-log hash mixed into bundle identities.
const repairLogRole = "repair_execution_log"

// RequestHash computes the dedup key for an envelope over a bundle.
func (r *Runtime) RequestHash(env *Envelope, b *Bundle) string {
	return canon.RequestHash(env.Name, b.Hashes, canon.SchemaVersion)
}

// FindDuplicate returns the live artifact already produced for this exact
// (envelope, inputs) pair, or nil.
func (r *Runtime) FindDuplicate(requestID string, env *Envelope, b *Bundle) (*persistence.Artifact, error) {
	a, err := r.ledger.FindLive(requestID, r.RequestHash(env, b))
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// authorize gates one action dispatch against the envelope.
func (r *Runtime) authorize(env *Envelope, action proto.Action) error {
	if env.Forbids(action) {
		return proto.NewFault(proto.FaultConstitutional, proto.CodeForbiddenAction,
			"agent %s attempted forbidden action %s", env.Name, action)
	}
	if !env.Allows(action) {
		return proto.NewFault(proto.FaultConstitutional, proto.CodeUnauthorizedAction,
			"agent %s attempted undeclared action %s", env.Name, action)
	}
	return nil
}

// ValidateDraft checks an agent's output against the envelope's scope rules:
// required fields, closed vocabularies, density caps, forbidden keywords.
func (r *Runtime) ValidateDraft(env *Envelope, draft *Draft) error {
	if draft == nil || (draft.Content == nil && draft.Text == "") {
		return proto.NewFault(proto.FaultContract, proto.CodeContractViolation,
			"agent %s produced an empty draft", env.Name)
	}

	var canonical []byte
	var fields map[string]any
	if draft.Content != nil {
		b, err := canon.JSON(draft.Content)
		if err != nil {
			return proto.WrapFault(proto.FaultContract, proto.CodeCanonicalization, err,
				"agent %s output does not canonicalise", env.Name)
		}
		canonical = b
		if err := json.Unmarshal(b, &fields); err != nil {
			// Non-object structured output: field rules do not apply.
			fields = nil
		}
	} else {
		canonical = canon.Text(draft.Text)
	}

	scope := &env.Scope
	for _, field := range scope.RequiredFields {
		v, ok := fields[field]
		if !ok || isEmptyValue(v) {
			return proto.NewFault(proto.FaultContract, proto.CodeContractViolation,
				"agent %s output missing required field %q", env.Name, field)
		}
	}

	for field, vocab := range scope.ClosedVocabularies {
		v, ok := fields[field]
		if !ok {
			continue
		}
		for _, value := range stringValues(v) {
			if !contains(vocab, value) {
				return proto.NewFault(proto.FaultConstitutional, proto.CodeScopeViolation,
					"agent %s used %q outside the closed vocabulary of %q", env.Name, value, field)
			}
		}
	}

	for field, limit := range scope.DensityCaps {
		if list, ok := fields[field].([]any); ok && len(list) > limit {
			return proto.NewFault(proto.FaultConstitutional, proto.CodeScopeViolation,
				"agent %s exceeded density cap on %q: %d > %d", env.Name, field, len(list), limit)
		}
	}

	lower := strings.ToLower(string(canonical))
	for _, kw := range scope.ForbiddenKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return proto.NewFault(proto.FaultConstitutional, proto.CodeScopeViolation,
				"agent %s output contains forbidden keyword %q", env.Name, kw)
		}
	}
	return nil
}

// Toolkit is the gated action surface handed to an agent body. Every call is
// dispatched through the envelope; the body holds no other capability.
type Toolkit struct {
	ctx       context.Context
	rt        *Runtime
	env       *Envelope
	bundle    *Bundle
	requestID string
}

// NewToolkit binds a runtime, envelope, and bundle into an action surface.
func (r *Runtime) NewToolkit(ctx context.Context, env *Envelope, requestID string, b *Bundle) *Toolkit {
	return &Toolkit{ctx: ctx, rt: r, env: env, bundle: b, requestID: requestID}
}

// Envelope returns the contract this toolkit enforces.
func (t *Toolkit) Envelope() *Envelope {
	return t.env
}

// ReadInput returns the canonical bytes of a declared input role. Reading
// anything the envelope did not declare is a context violation.
func (t *Toolkit) ReadInput(role string) ([]byte, error) {
	if err := t.rt.authorize(t.env, proto.ActionReadArtifact); err != nil {
		return nil, err
	}
	a, ok := t.bundle.artifacts[role]
	if !ok {
		return nil, proto.NewFault(proto.FaultConstitutional, proto.CodeContextViolation,
			"agent %s read undeclared input role %q", t.env.Name, role)
	}
	return a.Content, nil
}

// InputHash returns the approved hash captured for a declared input role.
func (t *Toolkit) InputHash(role string) (string, error) {
	h, ok := t.bundle.Hashes[role]
	if !ok {
		return "", proto.NewFault(proto.FaultConstitutional, proto.CodeContextViolation,
			"agent %s read undeclared input role %q", t.env.Name, role)
	}
	return h, nil
}

// CallLLM issues one completion under the envelope's constraints: the action
// must be declared, determinism-constrained envelopes cap temperature, and the
// input bundle must fit the context budget.
func (t *Toolkit) CallLLM(systemPrompt, userPrompt string, temperature float32, maxTokens int) (string, error) {
	if err := t.rt.authorize(t.env, proto.ActionCallLLM); err != nil {
		return "", err
	}
	if t.env.Scope.Deterministic {
		limit := t.rt.temperatureCap
		if t.env.Scope.MaxTemperature > 0 {
			limit = t.env.Scope.MaxTemperature
		}
		if temperature > limit {
			return "", proto.NewFault(proto.FaultConstitutional, proto.CodeDeterminismConstraint,
				"agent %s requested temperature %.2f above the %.2f determinism cap",
				t.env.Name, temperature, limit)
		}
	}
	if t.rt.maxContextTokens > 0 {
		tokens := t.rt.counter.CountTokens(systemPrompt) + t.rt.counter.CountTokens(userPrompt)
		if tokens > t.rt.maxContextTokens {
			return "", proto.NewFault(proto.FaultDependency, proto.CodeContextBudgetExceeded,
				"agent %s input bundle is %d tokens, budget %d",
				t.env.Name, tokens, t.rt.maxContextTokens)
		}
	}

	resp, err := t.rt.client.Complete(t.ctx, llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

// stringValues flattens a field value into the strings it carries, so closed
// vocabularies apply to scalars and string lists alike.
func stringValues(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// DescribeBundle renders role=hash pairs for logging.
func DescribeBundle(b *Bundle) string {
	if len(b.Hashes) == 0 {
		return "(no inputs)"
	}
	parts := make([]string, 0, len(b.Hashes))
	for role, hash := range b.Hashes {
		short := hash
		if len(short) > 12 {
			short = short[:12]
		}
		parts = append(parts, fmt.Sprintf("%s=%s", role, short))
	}
	return strings.Join(parts, " ")
}
