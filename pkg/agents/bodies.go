package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"conductor/pkg/envelope"
	"conductor/pkg/proto"
)

// Temperature used by determinism-constrained bodies. Kept below the runtime's
// cap so a catalog agent can never trip its own constraint.
const deterministicTemperature = 0.2

const defaultMaxOutputTokens = 8192

// intentCollector is the only agent that sees the raw request prompt: it has
// no artifact inputs, so the prompt is its entire context.
func intentCollector(tk *envelope.Toolkit, prompt string) (*envelope.Draft, error) {
	out, err := tk.CallLLM(
		"You collect build intent. Ask the clarifying questions this idea needs and answer "+
			"them from the idea text where possible. Respond as JSON: "+
			`{"questions": [...], "answers": [...]}.`,
		prompt, deterministicTemperature, defaultMaxOutputTokens)
	if err != nil {
		return nil, err
	}
	return parseStructured("intent-collector", out)
}

// textBody builds a body that concatenates its declared inputs into the user
// prompt and returns the completion as a text draft.
func textBody(name, system string, roles ...string) Body {
	return func(tk *envelope.Toolkit, _ string) (*envelope.Draft, error) {
		user, err := assembleInputs(tk, roles)
		if err != nil {
			return nil, err
		}
		out, err := tk.CallLLM(system, user, deterministicTemperature, defaultMaxOutputTokens)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(out) == "" {
			return nil, proto.NewFault(proto.FaultContract, proto.CodeContractViolation,
				"agent %s received an empty completion", name)
		}
		return &envelope.Draft{Text: out}, nil
	}
}

// jsonBody builds a body whose completion must parse as a JSON object.
func jsonBody(name, system string, roles ...string) Body {
	return func(tk *envelope.Toolkit, _ string) (*envelope.Draft, error) {
		user, err := assembleInputs(tk, roles)
		if err != nil {
			return nil, err
		}
		out, err := tk.CallLLM(system, user, deterministicTemperature, defaultMaxOutputTokens)
		if err != nil {
			return nil, err
		}
		return parseStructured(name, out)
	}
}

// assembleInputs renders the declared input artifacts into one deterministic
// user prompt: roles in declaration order, each under a fixed header.
func assembleInputs(tk *envelope.Toolkit, roles []string) (string, error) {
	var b strings.Builder
	for _, role := range roles {
		content, err := tk.ReadInput(role)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", role, content)
	}
	return b.String(), nil
}

// parseStructured decodes a completion as a JSON object, stripping a Markdown
// code fence if the model wrapped its output in one.
func parseStructured(name, out string) (*envelope.Draft, error) {
	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, proto.WrapFault(proto.FaultContract, proto.CodeContractViolation, err,
			"agent %s completion is not a JSON object", name)
	}
	return &envelope.Draft{Content: fields}, nil
}
