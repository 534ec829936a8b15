// Package agent runs the model side of an interactive session and reports
// its progress as session stream events.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Andrejs1979/cloud-code/common/clock"
	"github.com/Andrejs1979/cloud-code/common/llm"
	"github.com/Andrejs1979/cloud-code/common/logger"
	"github.com/Andrejs1979/cloud-code/internal/sessionstream"
)

const continuePrompt = "Continue from exactly where you stopped."

const baseSystemPrompt = `You are Cloud Code, a software engineering assistant working inside a user's GitHub repository.
Answer precisely. When proposing code changes, show complete, compilable snippets and name the files they belong to.`

// ErrNoTurns is returned when a request allows zero turns.
var ErrNoTurns = errors.New("agent: max turns must be positive")

// Emit receives events in production order.
type Emit func(sessionstream.Event)

type Request struct {
	Prompt string
	// RepoContext describes the target repository, if any.
	RepoContext string
	MaxTurns    int
}

type Result struct {
	Turns            int
	PromptTokens     int
	CompletionTokens int
}

type Executor struct {
	llm       llm.StreamClient
	maxTokens int
	clock     clock.Clock
}

func NewExecutor(client llm.StreamClient, maxTokens int, c clock.Clock) *Executor {
	if c == nil {
		c = clock.Real()
	}
	return &Executor{llm: client, maxTokens: maxTokens, clock: c}
}

// Run streams up to req.MaxTurns completions. A turn that stops for length
// is followed by a continuation turn; any other stop ends the session.
// Cancelling ctx stops the run at the next delta.
func (e *Executor) Run(ctx context.Context, req Request, emit Emit) (*Result, error) {
	if req.MaxTurns <= 0 {
		return nil, ErrNoTurns
	}

	sc := logger.StartSpan(ctx, "agent.run")
	defer sc.End()
	ctx = sc.Context()

	start := e.clock.Now()
	messages := []llm.Message{{Role: "user", Content: req.Prompt}}
	result := &Result{}

	for turn := 1; turn <= req.MaxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		prompt := messages[len(messages)-1].Content
		emit(sessionstream.TurnStart{At: e.clock.Now(), Turn: turn, Prompt: prompt})

		out, err := e.llm.Stream(ctx, llm.StreamRequest{
			System:    e.systemPrompt(req.RepoContext),
			Messages:  messages,
			MaxTokens: e.maxTokens,
		}, func(text string) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			emit(sessionstream.Delta{At: e.clock.Now(), Content: text})
			return nil
		})
		if err != nil {
			sc.RecordError(err)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			return result, fmt.Errorf("turn %d: %w", turn, err)
		}

		emit(sessionstream.TurnEnd{At: e.clock.Now(), Turn: turn})
		result.Turns = turn
		result.PromptTokens += out.PromptTokens
		result.CompletionTokens += out.CompletionTokens

		if out.FinishReason != llm.FinishLength {
			break
		}
		messages = append(messages,
			llm.Message{Role: "assistant", Content: out.Content},
			llm.Message{Role: "user", Content: continuePrompt},
		)
	}

	sc.SetAttributes(
		attribute.Int("agent.turns", result.Turns),
		attribute.String("agent.model", e.llm.Model()),
	)
	slog.InfoContext(ctx, "agent run completed",
		"turns", result.Turns,
		"prompt_tokens", result.PromptTokens,
		"completion_tokens", result.CompletionTokens,
		"latency_ms", e.clock.Now().Sub(start).Milliseconds())

	return result, nil
}

func (e *Executor) systemPrompt(repoContext string) string {
	if repoContext == "" {
		return baseSystemPrompt
	}
	var b strings.Builder
	b.WriteString(baseSystemPrompt)
	b.WriteString("\n\nRepository:\n")
	b.WriteString(repoContext)
	return b.String()
}
