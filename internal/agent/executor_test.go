package agent_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Andrejs1979/cloud-code/common/llm"
	"github.com/Andrejs1979/cloud-code/internal/agent"
	"github.com/Andrejs1979/cloud-code/internal/sessionstream"
)

type mockStreamClient struct {
	streamFn func(ctx context.Context, req llm.StreamRequest, onDelta llm.DeltaFunc) (*llm.StreamResult, error)
	requests []llm.StreamRequest
}

func (m *mockStreamClient) Stream(ctx context.Context, req llm.StreamRequest, onDelta llm.DeltaFunc) (*llm.StreamResult, error) {
	m.requests = append(m.requests, req)
	if m.streamFn != nil {
		return m.streamFn(ctx, req, onDelta)
	}
	return &llm.StreamResult{FinishReason: llm.FinishStop}, nil
}

func (m *mockStreamClient) Model() string { return "mock" }

func reply(finish string, chunks ...string) func(context.Context, llm.StreamRequest, llm.DeltaFunc) (*llm.StreamResult, error) {
	return func(_ context.Context, _ llm.StreamRequest, onDelta llm.DeltaFunc) (*llm.StreamResult, error) {
		var content string
		for _, c := range chunks {
			if err := onDelta(c); err != nil {
				return nil, err
			}
			content += c
		}
		return &llm.StreamResult{Content: content, FinishReason: finish, PromptTokens: 10, CompletionTokens: 5}, nil
	}
}

var _ = Describe("Executor", func() {
	var (
		ctx    context.Context
		client *mockStreamClient
		exec   *agent.Executor
		events []sessionstream.Event
		emit   agent.Emit
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = &mockStreamClient{}
		exec = agent.NewExecutor(client, 1024, nil)
		events = nil
		emit = func(ev sessionstream.Event) { events = append(events, ev) }
	})

	kinds := func() []sessionstream.Kind {
		out := make([]sessionstream.Kind, len(events))
		for i, ev := range events {
			out[i] = ev.Kind()
		}
		return out
	}

	It("runs a single turn when the model stops", func() {
		client.streamFn = reply(llm.FinishStop, "Hel", "lo")

		res, err := exec.Run(ctx, agent.Request{Prompt: "hi", MaxTurns: 5}, emit)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Turns).To(Equal(1))
		Expect(kinds()).To(Equal([]sessionstream.Kind{
			sessionstream.KindTurnStart, sessionstream.KindDelta, sessionstream.KindDelta, sessionstream.KindTurnEnd,
		}))
		Expect(events[0].(sessionstream.TurnStart).Prompt).To(Equal("hi"))
		Expect(client.requests[0].MaxTokens).To(Equal(1024))
	})

	It("continues while the model stops for length", func() {
		calls := 0
		client.streamFn = func(ctx context.Context, req llm.StreamRequest, onDelta llm.DeltaFunc) (*llm.StreamResult, error) {
			calls++
			if calls < 3 {
				return reply(llm.FinishLength, "part")(ctx, req, onDelta)
			}
			return reply(llm.FinishStop, "end")(ctx, req, onDelta)
		}

		res, err := exec.Run(ctx, agent.Request{Prompt: "long answer", MaxTurns: 10}, emit)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Turns).To(Equal(3))
		Expect(res.PromptTokens).To(Equal(30))
		Expect(client.requests[2].Messages).To(HaveLen(5))
		Expect(client.requests[2].Messages[1]).To(Equal(llm.Message{Role: "assistant", Content: "part"}))
	})

	It("stops at max turns", func() {
		client.streamFn = reply(llm.FinishLength, "x")

		res, err := exec.Run(ctx, agent.Request{Prompt: "p", MaxTurns: 2}, emit)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Turns).To(Equal(2))
		Expect(client.requests).To(HaveLen(2))
	})

	It("includes the repository in the system prompt", func() {
		_, err := exec.Run(ctx, agent.Request{Prompt: "p", RepoContext: "acme/api (default branch main)", MaxTurns: 1}, emit)
		Expect(err).NotTo(HaveOccurred())
		Expect(client.requests[0].System).To(ContainSubstring("acme/api (default branch main)"))
	})

	It("stops emitting once the context is cancelled", func() {
		cctx, cancel := context.WithCancel(ctx)
		client.streamFn = func(_ context.Context, _ llm.StreamRequest, onDelta llm.DeltaFunc) (*llm.StreamResult, error) {
			Expect(onDelta("first")).To(Succeed())
			cancel()
			return nil, onDelta("second")
		}

		_, err := exec.Run(cctx, agent.Request{Prompt: "p", MaxTurns: 3}, emit)
		Expect(err).To(MatchError(context.Canceled))
		Expect(kinds()).To(Equal([]sessionstream.Kind{sessionstream.KindTurnStart, sessionstream.KindDelta}))
	})

	It("wraps provider failures with the turn number", func() {
		client.streamFn = func(context.Context, llm.StreamRequest, llm.DeltaFunc) (*llm.StreamResult, error) {
			return nil, errors.New("overloaded")
		}

		_, err := exec.Run(ctx, agent.Request{Prompt: "p", MaxTurns: 1}, emit)
		Expect(err).To(MatchError("turn 1: overloaded"))
	})

	It("rejects zero turns", func() {
		_, err := exec.Run(ctx, agent.Request{Prompt: "p"}, emit)
		Expect(err).To(MatchError(agent.ErrNoTurns))
	})
})
