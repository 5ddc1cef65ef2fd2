package executor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/linsight/internal/helpers"
	"github.com/mohammad-safakhou/linsight/internal/llm"
	"github.com/mohammad-safakhou/linsight/models"
)

// ReAct guard markers.
const (
	markerThought     = "Thought:"
	markerAction      = "Action:"
	markerActionInput = "Action Input:"
	markerObservation = "Observation:"
	markerFinal       = "Final Answer:"
)

// FinishTool ends a function-call run with {"answer": "..."}.
const FinishTool = "finish"

var actionLine = regexp.MustCompile(`(?m)^[ \t]*Action:[ \t]*([A-Za-z0-9_.\-]+)`)

// decision is what one model reply asks the executor to do.
type decision struct {
	Thought  string
	Action   *models.Action
	CallID   string
	Final    string
	IsFinal  bool
	ParseErr error // the reply named an action with unusable arguments
}

// parseReact reads a ReAct-formatted reply.
func parseReact(text string) decision {
	if i := strings.Index(text, markerObservation); i >= 0 {
		// the model started inventing an observation
		text = text[:i]
	}
	if i := strings.Index(text, markerFinal); i >= 0 {
		return decision{
			Thought: cleanThought(text[:i]),
			Final:   strings.TrimSpace(text[i+len(markerFinal):]),
			IsFinal: true,
		}
	}
	loc := actionLine.FindStringSubmatchIndex(text)
	if loc == nil {
		return decision{Final: cleanThought(text), IsFinal: true}
	}
	d := decision{Thought: cleanThought(text[:loc[0]])}
	name := strings.TrimSpace(text[loc[2]:loc[3]])
	rest := text[loc[1]:]
	if j := strings.Index(rest, markerActionInput); j >= 0 {
		rest = rest[j+len(markerActionInput):]
	}
	args := map[string]interface{}{}
	if obj := helpers.FirstObject(rest); obj != "" {
		if err := json.Unmarshal([]byte(obj), &args); err != nil {
			d.ParseErr = fmt.Errorf("arguments for %s are not valid JSON: %v", name, err)
		}
	} else if strings.Contains(rest, "{") {
		d.ParseErr = fmt.Errorf("arguments for %s are not a complete JSON object", name)
	}
	d.Action = &models.Action{Tool: name, Args: args}
	return d
}

// parseFunctionCall reads a native tool-call reply.
func parseFunctionCall(resp llm.Response) decision {
	thought := strings.TrimSpace(resp.Content)
	if len(resp.ToolCalls) == 0 {
		return decision{Final: thought, IsFinal: true}
	}
	call := resp.ToolCalls[0]
	d := decision{Thought: thought, CallID: call.ID}
	args := map[string]interface{}{}
	if raw := strings.TrimSpace(call.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			d.ParseErr = fmt.Errorf("arguments for %s are not valid JSON: %v", call.Name, err)
		}
	}
	if call.Name == FinishTool && d.ParseErr == nil {
		answer, _ := args["answer"].(string)
		return decision{Thought: thought, Final: strings.TrimSpace(answer), IsFinal: true}
	}
	d.Action = &models.Action{Tool: call.Name, Args: args}
	return d
}

func cleanThought(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, markerThought)
	return strings.TrimSpace(s)
}

// renderReactStep writes a past step back in the protocol the model produced it in.
func renderReactStep(step models.StepRecord) (assistant, observation string) {
	var b strings.Builder
	if step.Thought != "" {
		fmt.Fprintf(&b, "%s %s\n", markerThought, step.Thought)
	}
	if step.Action != nil {
		args, _ := json.Marshal(step.Action.Args)
		fmt.Fprintf(&b, "%s %s\n```json\n%s\n```", markerAction, step.Action.Tool, args)
	}
	return strings.TrimSpace(b.String()), markerObservation + " " + step.Observation
}
