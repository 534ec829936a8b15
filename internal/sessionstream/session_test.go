package sessionstream_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Andrejs1979/cloud-code/internal/sessionstream"
)

var _ = Describe("Session", func() {
	var s *sessionstream.Session

	BeforeEach(func() {
		s = sessionstream.NewSession(sessionstream.StartRequest{Prompt: "add tests"})
	})

	It("starts in Starting and stays there on connect", func() {
		Expect(s.Apply(sessionstream.Connected{SessionID: "7"})).To(BeTrue())
		Expect(s.State()).To(Equal(sessionstream.StateStarting))
		Expect(s.ID()).To(Equal("7"))
	})

	It("replaces the status message", func() {
		s.Apply(sessionstream.Status{Message: "cloning"})
		s.Apply(sessionstream.Status{Message: "thinking"})
		Expect(s.LastStatus()).To(Equal("thinking"))
	})

	It("accumulates deltas and flushes them on turn end", func() {
		s.Apply(sessionstream.TurnStart{Turn: 1})
		s.Apply(sessionstream.Delta{Content: "hel"})
		s.Apply(sessionstream.Delta{Content: "lo"})
		Expect(s.State()).To(Equal(sessionstream.StateRunning))
		Expect(s.Output()).To(Equal("hello"))

		s.Apply(sessionstream.TurnEnd{Turn: 1})
		Expect(s.Output()).To(BeEmpty())
		Expect(s.History()).To(Equal([]string{"hello"}))
	})

	It("records the final turn count on complete", func() {
		s.Apply(sessionstream.Delta{Content: "done"})
		s.Apply(sessionstream.Complete{Turns: 4})
		Expect(s.State()).To(Equal(sessionstream.StateCompleted))
		Expect(s.Turns()).To(Equal(4))
		Expect(s.History()).To(Equal([]string{"done"}))
	})

	It("surfaces the server error verbatim", func() {
		s.Apply(sessionstream.ErrorEvent{Message: "Repository not found: acme/api"})
		Expect(s.State()).To(Equal(sessionstream.StateFailed))
		Expect(s.Err()).To(Equal("Repository not found: acme/api"))
	})

	DescribeTable("terminal states absorb every later event",
		func(end func(*sessionstream.Session)) {
			end(s)
			state := s.State()

			for _, ev := range []sessionstream.Event{
				sessionstream.Status{Message: "late"},
				sessionstream.Delta{Content: "late"},
				sessionstream.TurnEnd{Turn: 9},
				sessionstream.Complete{Turns: 9},
				sessionstream.ErrorEvent{Message: "late"},
			} {
				Expect(s.Apply(ev)).To(BeFalse())
			}
			Expect(s.State()).To(Equal(state))
			Expect(s.Output()).To(BeEmpty())
			Expect(s.LastStatus()).To(BeEmpty())
			Expect(s.Cancel()).To(BeFalse())
			Expect(s.Fail("again")).To(BeFalse())
		},
		Entry("completed", func(s *sessionstream.Session) { s.Apply(sessionstream.Complete{Turns: 1}) }),
		Entry("failed", func(s *sessionstream.Session) { s.Apply(sessionstream.ErrorEvent{Message: "x"}) }),
		Entry("cancelled", func(s *sessionstream.Session) { s.Cancel() }),
		Entry("timed out", func(s *sessionstream.Session) { s.Fail("timed out") }),
	)

	It("offers the original request for a manual retry", func() {
		s.Apply(sessionstream.ErrorEvent{Message: "x"})
		Expect(s.RetryRequest().Prompt).To(Equal("add tests"))
	})
})
