package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/linsight/config"
	"github.com/mohammad-safakhou/linsight/internal/helpers"
	"github.com/mohammad-safakhou/linsight/internal/llm"
	"github.com/mohammad-safakhou/linsight/internal/tools"
	"github.com/mohammad-safakhou/linsight/models"
)

// Prompt headers, matched by scripted clients in tests.
const (
	SystemHeader  = "You are Linsight, an agent executing one task of a larger plan."
	SummaryHeader = "Summarise the progress of an agent task."
)

const maxSOPExcerpt = 6000

func systemPrompt(run Run, mode config.ExecutorMode, toolset []tools.Tool) string {
	var b strings.Builder
	b.WriteString(SystemHeader)
	b.WriteString("\nFollow the SOP. Work step by step and stop as soon as your task is done.\n")
	if sop := strings.TrimSpace(run.SOP); sop != "" {
		if len(sop) > maxSOPExcerpt {
			sop = helpers.Truncate(sop, maxSOPExcerpt) + "\n..."
		}
		fmt.Fprintf(&b, "\nSOP:\n%s\n", sop)
	}
	fmt.Fprintf(&b, "\nYour task: %s\nResponsibility: %s\n", run.Task.Title, run.Task.Profile)
	if len(run.Task.OutputSchema) > 0 {
		schema, _ := json.Marshal(run.Task.OutputSchema)
		fmt.Fprintf(&b, "Expected output shape: %s\n", schema)
	}
	if len(run.Task.InputHistory) > 0 {
		b.WriteString("\nValues the user already provided:\n")
		for _, a := range run.Task.InputHistory {
			for k, v := range a.Values {
				fmt.Fprintf(&b, "- %s: %v\n", k, v)
			}
		}
	}

	switch mode {
	case config.ModeReact:
		b.WriteString("\nTools:\n")
		for _, t := range toolset {
			schema, _ := json.Marshal(t.Schema())
			fmt.Fprintf(&b, "- %s: %s Arguments schema: %s\n", t.Name(), t.Description(), schema)
		}
		inputSchema, _ := json.Marshal(UserInputSchema())
		fmt.Fprintf(&b, "- %s: %s Arguments schema: %s\n", models.UserInputTool, userInputDescription, inputSchema)
		b.WriteString(`
Reply in exactly one of these forms:
Thought: <reasoning>
Action: <tool name>
` + "```json\n{<arguments>}\n```" + `

Thought: <reasoning>
Final Answer: <the result of your task>

Never write an Observation yourself; it is provided after each action.`)
	default:
		b.WriteString("\nCall a tool when you need one. Ask the user with " + models.UserInputTool +
			" only for information you cannot obtain otherwise. When the task is done, reply with the final result or call " + FinishTool + ".")
	}
	return b.String()
}

func taskPrompt(run Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", strings.TrimSpace(run.Question))
	if len(run.Task.Inputs) > 0 {
		b.WriteString("\nInputs:\n")
		for k, ref := range run.Task.Inputs {
			value := ref
			if v, ok := run.Inputs[k]; ok {
				value = v
			}
			fmt.Fprintf(&b, "- %s: %s\n", k, value)
		}
	}
	if len(run.Dependencies) > 0 {
		b.WriteString("\nResults of prior tasks:\n")
		for _, d := range run.Dependencies {
			fmt.Fprintf(&b, "### %s\n%s\n", d.Title, strings.TrimSpace(d.Result))
		}
	}
	if s := strings.TrimSpace(run.Task.Summary); s != "" {
		fmt.Fprintf(&b, "\nProgress so far (summarised):\n%s\n", s)
	}
	return b.String()
}

// transcript builds the messages for the next step.
func transcript(run Run, mode config.ExecutorMode, toolset []tools.Tool) []llm.Message {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(run, mode, toolset)},
		{Role: llm.RoleUser, Content: taskPrompt(run)},
	}
	steps := run.Task.Steps
	from := run.Task.SummaryUpTo
	if from > len(steps) {
		from = len(steps)
	}
	for i := from; i < len(steps); i++ {
		step := steps[i]
		if step.Action == nil {
			if step.Thought != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: step.Thought})
			}
			if step.Observation != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: step.Observation})
			}
			continue
		}
		if mode == config.ModeReact {
			assistant, obs := renderReactStep(step)
			msgs = append(msgs,
				llm.Message{Role: llm.RoleAssistant, Content: assistant},
				llm.Message{Role: llm.RoleUser, Content: obs},
			)
			continue
		}
		args, _ := json.Marshal(step.Action.Args)
		id := callID(i)
		msgs = append(msgs,
			llm.Message{Role: llm.RoleAssistant, Content: step.Thought, ToolCalls: []llm.ToolCall{{ID: id, Name: step.Action.Tool, Arguments: string(args)}}},
			llm.Message{Role: llm.RoleTool, ToolCallID: id, Content: step.Observation},
		)
	}
	return msgs
}

func callID(step int) string { return fmt.Sprintf("call_%d", step+1) }

// toolSpecs binds the task's tools plus the synthetic ones for function-call mode.
func toolSpecs(toolset []tools.Tool) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(toolset)+2)
	for _, t := range toolset {
		specs = append(specs, llm.ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()})
	}
	specs = append(specs,
		llm.ToolSpec{Name: models.UserInputTool, Description: userInputDescription, Parameters: UserInputSchema()},
		llm.ToolSpec{Name: FinishTool, Description: "Finish the task with its final result.", Parameters: tools.ObjectSchema(map[string]interface{}{
			"answer": tools.Prop("string", "the final result of the task"),
		}, "answer")},
	)
	return specs
}

func summaryPrompt(run Run, upTo int) []llm.Message {
	var b strings.Builder
	if s := strings.TrimSpace(run.Task.Summary); s != "" {
		fmt.Fprintf(&b, "Earlier summary:\n%s\n\n", s)
	}
	for i := run.Task.SummaryUpTo; i < upTo; i++ {
		step := run.Task.Steps[i]
		fmt.Fprintf(&b, "Step %d\n", i+1)
		if step.Thought != "" {
			fmt.Fprintf(&b, "Thought: %s\n", step.Thought)
		}
		if step.Action != nil {
			args, _ := json.Marshal(step.Action.Args)
			fmt.Fprintf(&b, "Action: %s %s\n", step.Action.Tool, args)
		}
		if step.Observation != "" {
			fmt.Fprintf(&b, "Observation: %s\n", step.Observation)
		}
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: SummaryHeader + "\nKeep every fact, number and source the task still needs. Drop repetition. Reply with the summary only."},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Task: %s\n\n%s", run.Task.Title, b.String())},
	}
}
