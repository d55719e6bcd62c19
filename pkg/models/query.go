package models

// QueryContext is one question put to the Specialist.
type QueryContext struct {
	Question string `json:"question"`
	Module   Module `json:"module,omitempty"`
}

// RetrievalResult is the assembled context for a query, ordered by descending relevance.
type RetrievalResult struct {
	Chunks      []ScoredChunk `json:"chunks"`
	TotalTokens int           `json:"total_tokens"`
	Budget      int           `json:"budget"`
	Dropped     int           `json:"dropped"` // ranked hits left out by the budget
}

// Task is a structured follow-up suggested alongside an answer.
type Task struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Module      Module `json:"module" yaml:"module"`
}

// AgentResponse is the answer returned to the caller.
type AgentResponse struct {
	Answer string `json:"answer"`
	Tasks  []Task `json:"tasks"`
}
