package sessionstream_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Andrejs1979/cloud-code/internal/sessionstream"
)

type fakeServer struct {
	mu        sync.Mutex
	body      string
	hang      bool
	startCode int
	started   sessionstream.StartRequest
	cancelled []string
	release   chan struct{}
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /interactive/start", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&f.started)
		code, body, hang := f.startCode, f.body, f.hang
		f.mu.Unlock()

		if code != 0 {
			http.Error(w, "missing prompt", code)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set(sessionstream.SessionIDHeader, "1001")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, body)
		w.(http.Flusher).Flush()

		if hang {
			select {
			case <-r.Context().Done():
			case <-f.release:
			}
		}
	})

	mux.HandleFunc("DELETE /interactive/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.cancelled = append(f.cancelled, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /interactive/status", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sessionId") != "1001" {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1001","prompt":"p","status":"running","turns":2}`)
	})

	return mux
}

func (f *fakeServer) startRequest() sessionstream.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeServer) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

var _ = Describe("Client", func() {
	var (
		fake   *fakeServer
		server *httptest.Server
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		fake = &fakeServer{release: make(chan struct{})}
		server = httptest.NewServer(fake.handler())
	})

	AfterEach(func() {
		close(fake.release)
		server.Close()
	})

	It("consumes a session to completion", func() {
		fake.body = "event:connected\ndata:{\"type\":\"connected\",\"sessionId\":\"1001\"}\n\n" +
			"event:claude_start\ndata:{\"type\":\"claude_start\",\"turn\":1,\"prompt\":\"p\"}\n\n" +
			"event:claude_delta\ndata:{\"type\":\"claude_delta\",\"content\":\"patched\"}\n\n" +
			"event:claude_end\ndata:{\"type\":\"claude_end\",\"turn\":1}\n\n" +
			"event:complete\ndata:{\"type\":\"complete\",\"turns\":1}\n\n" +
			"data:[DONE]\n\n"

		client := sessionstream.NewClient(server.URL)
		stream, err := client.Start(ctx, sessionstream.StartRequest{
			Prompt:     "p",
			Repository: &sessionstream.Repository{URL: "https://github.com/acme/api", Name: "acme/api"},
			Options:    sessionstream.Options{MaxTurns: 3, PermissionMode: "bypassPermissions"},
		})
		Expect(err).NotTo(HaveOccurred())

		var kinds []sessionstream.Kind
		Expect(stream.Consume(ctx, func(ev sessionstream.Event) { kinds = append(kinds, ev.Kind()) })).To(Succeed())

		Expect(kinds).To(Equal([]sessionstream.Kind{
			sessionstream.KindConnected, sessionstream.KindTurnStart, sessionstream.KindDelta,
			sessionstream.KindTurnEnd, sessionstream.KindComplete,
		}))
		Expect(stream.Session.State()).To(Equal(sessionstream.StateCompleted))
		Expect(stream.Session.History()).To(Equal([]string{"patched"}))
		Expect(stream.Session.ID()).To(Equal("1001"))
		started := fake.startRequest()
		Expect(started.Options.MaxTurns).To(Equal(3))
		Expect(started.Repository.Name).To(Equal("acme/api"))
	})

	It("fails the session when the stream ends without a terminal event", func() {
		fake.body = "data:{\"type\":\"status\",\"message\":\"working\"}\n\n"

		stream, err := sessionstream.NewClient(server.URL).Start(ctx, sessionstream.StartRequest{Prompt: "p"})
		Expect(err).NotTo(HaveOccurred())
		Expect(stream.Consume(ctx, nil)).To(Succeed())

		Expect(stream.Session.State()).To(Equal(sessionstream.StateFailed))
		Expect(stream.Session.Err()).To(Equal(sessionstream.ErrStreamEnded.Error()))
	})

	It("fails the session after the timeout", func() {
		fake.body = "data:{\"type\":\"status\",\"message\":\"working\"}\n\n"
		fake.hang = true

		client := sessionstream.NewClient(server.URL, sessionstream.WithTimeout(100*time.Millisecond))
		stream, err := client.Start(ctx, sessionstream.StartRequest{Prompt: "p"})
		Expect(err).NotTo(HaveOccurred())

		Expect(stream.Consume(ctx, nil)).To(Succeed())
		Expect(stream.Session.State()).To(Equal(sessionstream.StateFailed))
		Expect(stream.Session.Err()).To(Equal("session timed out after 100ms"))
		Expect(stream.Session.LastStatus()).To(Equal("working"))
	})

	DescribeTable("keeps the default timeout for non-positive values",
		func(d time.Duration) {
			fake.body = "data:{\"type\":\"status\",\"message\":\"working\"}\n\n" +
				"data:{\"type\":\"complete\",\"turns\":1}\n\n"
			fake.hang = true

			stream, err := sessionstream.NewClient(server.URL, sessionstream.WithTimeout(d)).Start(ctx, sessionstream.StartRequest{Prompt: "p"})
			Expect(err).NotTo(HaveOccurred())

			Expect(stream.Consume(ctx, nil)).To(Succeed())
			Expect(stream.Session.State()).To(Equal(sessionstream.StateCompleted))
			Expect(stream.Session.Err()).To(BeEmpty())
		},
		Entry("zero", time.Duration(0)),
		Entry("negative", -time.Second),
	)

	It("applies nothing after a cancel", func() {
		fake.body = "data:{\"type\":\"claude_delta\",\"content\":\"a\"}\n\n" +
			"data:{\"type\":\"claude_delta\",\"content\":\"b\"}\n\n" +
			"data:{\"type\":\"complete\",\"turns\":1}\n\n"
		fake.hang = true

		stream, err := sessionstream.NewClient(server.URL).Start(ctx, sessionstream.StartRequest{Prompt: "p"})
		Expect(err).NotTo(HaveOccurred())

		var applied []sessionstream.Event
		Expect(stream.Consume(ctx, func(ev sessionstream.Event) {
			applied = append(applied, ev)
			if len(applied) == 1 {
				Expect(stream.Cancel(ctx)).To(Succeed())
			}
		})).To(Succeed())

		Expect(applied).To(HaveLen(1))
		Expect(stream.Session.State()).To(Equal(sessionstream.StateCancelled))
		Expect(stream.Session.Output()).To(Equal("a"))
		Expect(fake.cancelledIDs()).To(Equal([]string{"1001"}))
	})

	It("returns the server error when start is rejected", func() {
		fake.startCode = http.StatusBadRequest

		_, err := sessionstream.NewClient(server.URL).Start(ctx, sessionstream.StartRequest{})
		Expect(err).To(MatchError(ContainSubstring("HTTP 400")))
		Expect(err).To(MatchError(ContainSubstring("missing prompt")))
	})

	It("fetches session status", func() {
		remote, err := sessionstream.NewClient(server.URL+"/").Status(ctx, "1001")
		Expect(err).NotTo(HaveOccurred())
		Expect(remote.Status).To(Equal(sessionstream.StateRunning))
		Expect(remote.Turns).To(Equal(2))

		_, err = sessionstream.NewClient(server.URL).Status(ctx, "nope")
		Expect(err).To(MatchError(ContainSubstring("HTTP 404")))
	})
})
