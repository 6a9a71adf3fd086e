package nl2sql

import "context"

// Request carries the two strings handed to the model: the system prompt built
// from the dataset and the user's question.
type Request struct {
	SystemPrompt string
	Question     string
}

// Result is the raw model output. It still has to go through NormalizeQuery.
type Result struct {
	Text     string
	Provider string
	Model    string
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}
