package agent

import (
	"fmt"
	"strings"

	"github.com/mfenderov/specialist/pkg/models"
)

const systemPrompt = `You are the Specialist, a regulatory affairs assistant for clinical development teams.
Answer the question using the numbered reference excerpts. Cite excerpts as [n].
If the excerpts do not cover the question, say so plainly instead of guessing.

After the answer you may suggest follow-up work as a fenced block labelled tasks
containing a JSON array. Each task has a short "title", a one-sentence "description"
and a "module", one of: %s. Example:

` + "```tasks" + `
[{"title": "Update the SAP", "description": "Add the interim analysis rules.", "module": "protocol"}]
` + "```" + `

Omit the block when there is nothing worth suggesting.`

// BuildPrompt returns the system instruction and the user prompt for q.
func BuildPrompt(q models.QueryContext, ctx models.RetrievalResult) (system, prompt string) {
	modules := make([]string, len(models.Modules))
	for i, m := range models.Modules {
		modules[i] = string(m)
	}
	system = fmt.Sprintf(systemPrompt, strings.Join(modules, ", "))

	var b strings.Builder
	fmt.Fprintf(&b, "Module: %s\n\n", q.Module)
	if len(ctx.Chunks) == 0 {
		b.WriteString("No reference excerpts were found.\n\n")
	} else {
		b.WriteString("Reference excerpts:\n\n")
		for i, hit := range ctx.Chunks {
			title := hit.Chunk.Title
			if title == "" {
				title = hit.Chunk.SourceID
			}
			fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, title, hit.Chunk.SourceID, hit.Chunk.Text)
		}
	}
	fmt.Fprintf(&b, "Question: %s\n", q.Question)
	return system, b.String()
}
