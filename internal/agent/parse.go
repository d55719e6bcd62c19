package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mfenderov/specialist/pkg/models"
)

// Kind tells whether a completion carried usable tasks.
type Kind int

const (
	AnswerOnly Kind = iota
	AnswerWithTasks
)

func (k Kind) String() string {
	if k == AnswerWithTasks {
		return "answer_with_tasks"
	}
	return "answer_only"
}

// Parsed is a completion split into answer text and tasks.
type Parsed struct {
	Kind   Kind
	Answer string
	Tasks  []models.Task
	// TaskErr is set when a task block was present but unusable.
	TaskErr error
}

// taskFence matches an opening fence labelled tasks. Other fenced blocks,
// json examples included, belong to the answer. The closing fence is searched
// separately so a truncated block is still recognised.
var taskFence = regexp.MustCompile("(?m)^[ \t]*```[ \t]*tasks[ \t]*$")

// ParseCompletion splits a completion into answer and tasks. Missing or
// malformed task blocks degrade to AnswerOnly. Only an empty answer is an error.
// Tasks with an unknown module fall back to module.
func ParseCompletion(text string, module models.Module) (Parsed, error) {
	answer, block, found := splitTaskBlock(text)
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return Parsed{}, models.NewError(models.KindCompletionFailure, "parse completion", fmt.Errorf("completion has no answer text"))
	}

	p := Parsed{Kind: AnswerOnly, Answer: answer, Tasks: []models.Task{}}
	if !found {
		return p, nil
	}

	tasks, err := decodeTasks(block)
	if err != nil {
		p.TaskErr = models.NewError(models.KindMalformedTaskOutput, "parse tasks", err)
		return p, nil
	}
	for _, t := range tasks {
		t.Title = strings.TrimSpace(t.Title)
		t.Description = strings.TrimSpace(t.Description)
		if t.Title == "" {
			continue
		}
		m, err := models.ParseModule(string(t.Module))
		if err != nil || t.Module == "" {
			m = module
		}
		t.Module = m
		p.Tasks = append(p.Tasks, t)
	}
	if len(p.Tasks) > 0 {
		p.Kind = AnswerWithTasks
	}
	return p, nil
}

// splitTaskBlock removes the last task block from text.
func splitTaskBlock(text string) (answer, block string, found bool) {
	all := taskFence.FindAllStringIndex(text, -1)
	if all == nil {
		return text, "", false
	}
	loc := all[len(all)-1]
	rest := text[loc[1]:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return text[:loc[0]], rest, true
	}
	return text[:loc[0]] + rest[end+3:], rest[:end], true
}

// decodeTasks accepts a JSON array, a YAML list, or either wrapped in {tasks: ...}.
func decodeTasks(block string) ([]models.Task, error) {
	block = strings.TrimSpace(block)
	if block == "" {
		return nil, fmt.Errorf("empty task block")
	}

	var tasks []models.Task
	if err := json.Unmarshal([]byte(block), &tasks); err == nil {
		return tasks, nil
	}
	var wrapped struct {
		Tasks []models.Task `json:"tasks" yaml:"tasks"`
	}
	if err := json.Unmarshal([]byte(block), &wrapped); err == nil && wrapped.Tasks != nil {
		return wrapped.Tasks, nil
	}

	// Models sometimes answer in YAML despite the instructions.
	if err := yaml.Unmarshal([]byte(block), &tasks); err == nil {
		return tasks, nil
	}
	if err := yaml.Unmarshal([]byte(block), &wrapped); err != nil {
		return nil, fmt.Errorf("decoding task block: %w", err)
	}
	if wrapped.Tasks == nil {
		return nil, fmt.Errorf("task block has no task list")
	}
	return wrapped.Tasks, nil
}
