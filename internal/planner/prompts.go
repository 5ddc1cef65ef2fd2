package planner

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/linsight/internal/helpers"
	"github.com/mohammad-safakhou/linsight/internal/retriever"
	"github.com/mohammad-safakhou/linsight/models"
)

// Prompt headers open the system message of each planner call.
const (
	SOPPromptHeader       = "You are drafting a Standard Operating Procedure (SOP)."
	DecomposePromptHeader = "You are decomposing an SOP into executable tasks."
	ReplanPromptHeader    = "You are re-planning the remaining tasks of a running SOP."
)

const maxSOPSnippet = 1500

func sopSystemPrompt() string {
	return SOPPromptHeader + `
Write a markdown SOP that an agent with the listed tools can follow to answer the user's question.
Structure it as: a one-line goal, numbered steps, and the expected final deliverable.
Reuse the reference SOPs where they fit the question; ignore them when they do not.
Do not call tools and do not answer the question yourself. Return only the SOP markdown.`
}

func decomposeSystemPrompt() string {
	return DecomposePromptHeader + `
Split the SOP into the smallest set of tasks an agent can run one at a time.
Return ONLY a JSON array. Each element:
{"ordinal": 1, "title": "...", "profile": "what this task is responsible for", "depends_on": [ordinals of prior tasks],
 "tools": ["tool keys from the list"], "inputs": {"name": "task:<ordinal> or question"}, "output_schema": {}}
Rules:
- ordinals start at 1 and increase; depends_on may only name smaller ordinals.
- tools may only use keys from the available tool list; use [] when none is needed.
- a task that needs information only the user has will ask for it itself; do not plan a separate task for it.
- keep the array short; a single task is fine for simple questions.`
}

func replanSystemPrompt(next int) string {
	return ReplanPromptHeader + fmt.Sprintf(`
The user amended the SOP. Completed tasks keep their ordinals and results; plan only the remaining work.
Return ONLY a JSON array in the same shape as before, numbering new tasks from %d.
depends_on may name completed or kept ordinals or smaller new ordinals, never a removed task.
Use only the available tool keys.`, next)
}

func describeRequest(b *strings.Builder, req Request) {
	fmt.Fprintf(b, "User question:\n%s\n", strings.TrimSpace(req.Question))
	if p := strings.TrimSpace(req.UserProfile); p != "" {
		fmt.Fprintf(b, "\nUser profile:\n%s\n", p)
	}
	if len(req.Tools) > 0 {
		b.WriteString("\nAvailable tools:\n")
		for _, t := range req.Tools {
			fmt.Fprintf(b, "- %s: %s\n", t.Key, oneLine(t.Description))
		}
	} else {
		b.WriteString("\nAvailable tools: none\n")
	}
	if len(req.Files) > 0 {
		b.WriteString("\nUploaded files:\n")
		for _, f := range req.Files {
			summary := strings.TrimSpace(f.Summary)
			if summary == "" {
				summary = "(no summary, parsing status " + f.ParsingStatus + ")"
			}
			fmt.Fprintf(b, "- %s [%s]: %s\n", f.FileName, f.FileID, oneLine(summary))
		}
	}
	if fb := strings.TrimSpace(req.Feedback); fb != "" {
		fmt.Fprintf(b, "\nFeedback on the previous attempt:\n%s\n", fb)
	}
}

func sopUserPrompt(req Request, refs []retriever.Scored) string {
	var b strings.Builder
	describeRequest(&b, req)
	if len(refs) > 0 {
		b.WriteString("\nReference SOPs:\n")
		for i, r := range refs {
			content := r.Content
			if len(content) > maxSOPSnippet {
				content = helpers.Truncate(content, maxSOPSnippet) + "..."
			}
			fmt.Fprintf(&b, "--- reference %d: %s ---\n%s\n", i+1, r.Title, content)
		}
	}
	return b.String()
}

func decomposeUserPrompt(req Request, sop string) string {
	var b strings.Builder
	describeRequest(&b, req)
	fmt.Fprintf(&b, "\nSOP:\n%s\n", strings.TrimSpace(sop))
	return b.String()
}

func replanUserPrompt(req ReplanRequest) string {
	var b strings.Builder
	describeRequest(&b, req.Request)
	fmt.Fprintf(&b, "\nAmended SOP:\n%s\n", strings.TrimSpace(req.SOP))
	if len(req.Completed) > 0 {
		b.WriteString("\nCompleted tasks:\n")
		for _, c := range req.Completed {
			fmt.Fprintf(&b, "- %d. %s => %s\n", c.Ordinal, c.Title, oneLine(c.Result))
		}
	}
	if len(req.Removed) > 0 {
		b.WriteString("\nRemoved tasks (do not depend on or reuse these ordinals):\n")
		for _, r := range req.Removed {
			fmt.Fprintf(&b, "- %d. %s\n", r.Ordinal, r.Title)
		}
	}
	return b.String()
}

func correctionPrompt(err error) string {
	return fmt.Sprintf("Your previous answer was rejected: %v\nReturn a corrected JSON array only.", err)
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 300 {
		s = helpers.Truncate(s, 300) + "..."
	}
	return s
}

// Snapshot of the file list the planner sees.
func filesFrom(v models.SessionVersion) []models.FileRef {
	out := make([]models.FileRef, 0, len(v.Files))
	for _, f := range v.Files {
		if f.FileID != "" {
			out = append(out, f)
		}
	}
	return out
}
