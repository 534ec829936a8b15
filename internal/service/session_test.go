package service_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Andrejs1979/cloud-code/internal/agent"
	"github.com/Andrejs1979/cloud-code/internal/model"
	"github.com/Andrejs1979/cloud-code/internal/service"
	"github.com/Andrejs1979/cloud-code/internal/sessionstream"
)

type recorder struct {
	mu     sync.Mutex
	events []sessionstream.Event
}

func (r *recorder) emit(ev sessionstream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []sessionstream.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sessionstream.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind()
	}
	return out
}

func (r *recorder) last() sessionstream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

var _ = Describe("SessionService", func() {
	var (
		ctx      context.Context
		sessions *memorySessionStore
		runner   *mockRunner
		creds    *mockCredentialService
		svc      service.SessionService
		rec      *recorder
	)

	BeforeEach(func() {
		ctx = context.Background()
		sessions = newMemorySessionStore()
		runner = &mockRunner{}
		creds = &mockCredentialService{}
		rec = &recorder{}
		svc = service.NewSessionService(sessions, creds, runner, service.SessionServiceConfig{
			DefaultMaxTurns: 10,
			MaxTurns:        50,
		})
	})

	Describe("Start", func() {
		It("creates a starting record with default turns", func() {
			r, err := svc.Start(ctx, service.StartInput{Prompt: "  fix the tests  "})
			Expect(err).NotTo(HaveOccurred())
			Expect(r.ID).NotTo(BeEmpty())
			Expect(r.Prompt).To(Equal("fix the tests"))
			Expect(r.Options.MaxTurns).To(Equal(10))
			Expect(sessions.status(r.ID)).To(Equal(model.SessionStatusStarting))
		})

		It("caps max turns", func() {
			r, err := svc.Start(ctx, service.StartInput{Prompt: "p", Options: model.SessionOptions{MaxTurns: 500}})
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Options.MaxTurns).To(Equal(50))
		})

		It("requires a prompt", func() {
			_, err := svc.Start(ctx, service.StartInput{Prompt: " "})
			Expect(err).To(MatchError(service.ErrInvalidInput))
		})
	})

	Describe("Run", func() {
		It("emits the full lifecycle and records completion", func() {
			runner.runFn = func(_ context.Context, req agent.Request, emit agent.Emit) (*agent.Result, error) {
				emit(sessionstream.TurnStart{Turn: 1, Prompt: req.Prompt})
				emit(sessionstream.Delta{Content: "done"})
				emit(sessionstream.TurnEnd{Turn: 1})
				return &agent.Result{Turns: 1}, nil
			}

			r, err := svc.Start(ctx, service.StartInput{Prompt: "p"})
			Expect(err).NotTo(HaveOccurred())
			svc.Run(ctx, r, rec.emit)

			Expect(rec.kinds()).To(Equal([]sessionstream.Kind{
				sessionstream.KindConnected, sessionstream.KindStatus,
				sessionstream.KindTurnStart, sessionstream.KindDelta, sessionstream.KindTurnEnd,
				sessionstream.KindComplete,
			}))
			Expect(rec.events[0].(sessionstream.Connected).SessionID).To(Equal(r.ID))
			Expect(rec.last().(sessionstream.Complete).Turns).To(Equal(1))

			stored, err := svc.Get(ctx, r.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(model.SessionStatusCompleted))
			Expect(stored.Turns).To(Equal(1))
		})

		It("passes repository details to the agent", func() {
			var got agent.Request
			runner.runFn = func(_ context.Context, req agent.Request, _ agent.Emit) (*agent.Result, error) {
				got = req
				return &agent.Result{Turns: 1}, nil
			}
			creds.repositoryFn = func(_ context.Context, fullName string) (*model.Repository, error) {
				Expect(fullName).To(Equal("acme/api"))
				return &model.Repository{FullName: "acme/api", DefaultBranch: "main"}, nil
			}

			r, err := svc.Start(ctx, service.StartInput{
				Prompt:     "p",
				Repository: &model.SessionRepository{URL: "https://github.com/acme/api.git"},
			})
			Expect(err).NotTo(HaveOccurred())
			svc.Run(ctx, r, rec.emit)

			Expect(got.RepoContext).To(Equal("acme/api (branch main)"))
			Expect(got.MaxTurns).To(Equal(10))
			Expect(rec.last().Kind()).To(Equal(sessionstream.KindComplete))
		})

		It("fails with a user-facing message when GitHub is not configured", func() {
			r, err := svc.Start(ctx, service.StartInput{
				Prompt:     "p",
				Repository: &model.SessionRepository{Name: "acme/api"},
			})
			Expect(err).NotTo(HaveOccurred())
			svc.Run(ctx, r, rec.emit)

			last := rec.last().(sessionstream.ErrorEvent)
			Expect(last.Message).To(ContainSubstring("GitHub App is not configured"))
			Expect(sessions.status(r.ID)).To(Equal(model.SessionStatusFailed))
		})

		It("surfaces agent errors verbatim", func() {
			runner.runFn = func(context.Context, agent.Request, agent.Emit) (*agent.Result, error) {
				return &agent.Result{}, errors.New("turn 1: overloaded")
			}

			r, _ := svc.Start(ctx, service.StartInput{Prompt: "p"})
			svc.Run(ctx, r, rec.emit)

			Expect(rec.last().(sessionstream.ErrorEvent).Message).To(Equal("turn 1: overloaded"))
			stored, _ := svc.Get(ctx, r.ID)
			Expect(stored.Error).To(Equal("turn 1: overloaded"))
		})

		It("fails when no model is configured", func() {
			svc = service.NewSessionService(sessions, creds, nil, service.SessionServiceConfig{})
			r, _ := svc.Start(ctx, service.StartInput{Prompt: "p"})
			svc.Run(ctx, r, rec.emit)

			Expect(rec.last().(sessionstream.ErrorEvent).Message).To(Equal("No language model is configured on this server."))
		})

		It("stops the agent when the session is cancelled", func() {
			started := make(chan string)
			runner.runFn = func(ctx context.Context, _ agent.Request, emit agent.Emit) (*agent.Result, error) {
				emit(sessionstream.TurnStart{Turn: 1})
				started <- "running"
				select {
				case <-ctx.Done():
					return &agent.Result{Turns: 1}, ctx.Err()
				case <-time.After(5 * time.Second):
					return &agent.Result{Turns: 1}, nil
				}
			}

			r, _ := svc.Start(ctx, service.StartInput{Prompt: "p"})
			finished := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(finished)
				svc.Run(ctx, r, rec.emit)
			}()

			Eventually(started).Should(Receive())
			cancelled, err := svc.Cancel(ctx, r.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cancelled.Status).To(Equal(model.SessionStatusCancelled))

			Eventually(finished, time.Second).Should(BeClosed())
			Expect(rec.last().(sessionstream.ErrorEvent).Message).To(Equal("session cancelled"))
			Expect(sessions.status(r.ID)).To(Equal(model.SessionStatusCancelled))
		})
	})

	Describe("Cancel", func() {
		It("honours a cancel that lands while the repository is being resolved", func() {
			var (
				r   *model.SessionRecord
				ran bool
			)
			runner.runFn = func(context.Context, agent.Request, agent.Emit) (*agent.Result, error) {
				ran = true
				return &agent.Result{Turns: 1}, nil
			}
			creds.repositoryFn = func(ctx context.Context, _ string) (*model.Repository, error) {
				_, err := svc.Cancel(ctx, r.ID)
				Expect(err).NotTo(HaveOccurred())
				return &model.Repository{FullName: "acme/api", DefaultBranch: "main"}, nil
			}

			var err error
			r, err = svc.Start(ctx, service.StartInput{
				Prompt:     "p",
				Repository: &model.SessionRepository{Name: "acme/api"},
			})
			Expect(err).NotTo(HaveOccurred())
			svc.Run(ctx, r, rec.emit)

			Expect(ran).To(BeFalse())
			Expect(rec.kinds()).To(Equal([]sessionstream.Kind{
				sessionstream.KindConnected, sessionstream.KindStatus, sessionstream.KindStatus,
				sessionstream.KindError,
			}))
			for _, ev := range rec.events {
				if st, ok := ev.(sessionstream.Status); ok {
					Expect(st.Message).NotTo(HavePrefix("Repository ready"))
				}
			}
			Expect(rec.last().(sessionstream.ErrorEvent).Message).To(Equal("session cancelled"))
			Expect(sessions.status(r.ID)).To(Equal(model.SessionStatusCancelled))
		})

		It("does not start the agent when cancelled before the listener subscribes", func() {
			ran := false
			runner.runFn = func(context.Context, agent.Request, agent.Emit) (*agent.Result, error) {
				ran = true
				return &agent.Result{Turns: 1}, nil
			}
			r, _ := svc.Start(ctx, service.StartInput{Prompt: "p"})
			sessions.subscribeFn = func(id string) {
				_, err := svc.Cancel(ctx, id)
				Expect(err).NotTo(HaveOccurred())
			}
			svc.Run(ctx, r, rec.emit)

			Expect(ran).To(BeFalse())
			Expect(rec.last().(sessionstream.ErrorEvent).Message).To(Equal("session cancelled"))
		})

		It("returns ErrSessionNotFound for unknown ids", func() {
			_, err := svc.Cancel(ctx, "404")
			Expect(err).To(MatchError(service.ErrSessionNotFound))
		})

		It("refuses finished sessions", func() {
			r, _ := svc.Start(ctx, service.StartInput{Prompt: "p"})
			svc.Run(ctx, r, rec.emit)

			_, err := svc.Cancel(ctx, r.ID)
			Expect(err).To(MatchError(service.ErrSessionTerminal))
			Expect(sessions.published).To(BeEmpty())
		})

		It("publishes the cancel signal", func() {
			r, _ := svc.Start(ctx, service.StartInput{Prompt: "p"})
			_, err := svc.Cancel(ctx, r.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(sessions.published).To(Equal([]string{r.ID}))
		})
	})

	It("lists recent sessions newest first", func() {
		first, _ := svc.Start(ctx, service.StartInput{Prompt: "one"})
		second, _ := svc.Start(ctx, service.StartInput{Prompt: "two"})

		list, err := svc.List(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(HaveLen(2))
		Expect(list[0].ID).To(Equal(second.ID))
		Expect(list[1].ID).To(Equal(first.ID))
	})
})
