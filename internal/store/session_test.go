package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/Andrejs1979/cloud-code/internal/model"
	"github.com/Andrejs1979/cloud-code/internal/store"
)

var _ = Describe("SessionStore", func() {
	var (
		ctx      context.Context
		client   *redis.Client
		sessions store.SessionStore
		id       string
	)

	BeforeEach(func() {
		url := os.Getenv("CLOUDCODE_TEST_REDIS_URL")
		if url == "" {
			Skip("CLOUDCODE_TEST_REDIS_URL not set")
		}
		opts, err := redis.ParseURL(url)
		Expect(err).NotTo(HaveOccurred())

		ctx = context.Background()
		client = redis.NewClient(opts)
		DeferCleanup(client.Close)

		sessions = store.NewSessionStore(client, time.Minute)
		id = fmt.Sprintf("test-%d", time.Now().UnixNano())
		DeferCleanup(func() {
			client.Del(ctx, "session:"+id)
			client.ZRem(ctx, "sessions:recent", id)
		})

		Expect(sessions.Create(ctx, &model.SessionRecord{
			ID:        id,
			Prompt:    "explain the build",
			Status:    model.SessionStatusStarting,
			CreatedAt: time.Now(),
		})).To(Succeed())
	})

	It("reads back a created record with a ttl", func() {
		rec, err := sessions.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Prompt).To(Equal("explain the build"))
		Expect(client.TTL(ctx, "session:"+id).Val()).To(BeNumerically(">", 0))
	})

	It("returns ErrNotFound for unknown ids", func() {
		_, err := sessions.Get(ctx, "missing-"+id)
		Expect(err).To(MatchError(store.ErrNotFound))
	})

	It("updates a record in place", func() {
		rec, err := sessions.Update(ctx, id, func(r *model.SessionRecord) error {
			r.Status = model.SessionStatusRunning
			r.Turns = 2
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Turns).To(Equal(2))

		rec, err = sessions.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Status).To(Equal(model.SessionStatusRunning))
	})

	It("leaves the record untouched when the mutation fails", func() {
		boom := errors.New("boom")
		_, err := sessions.Update(ctx, id, func(r *model.SessionRecord) error {
			r.Status = model.SessionStatusFailed
			return boom
		})
		Expect(err).To(MatchError(boom))

		rec, err := sessions.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Status).To(Equal(model.SessionStatusStarting))
	})

	It("lists recent records newest first", func() {
		recs, err := sessions.ListRecent(ctx, 50)
		Expect(err).NotTo(HaveOccurred())
		Expect(recs).NotTo(BeEmpty())
		Expect(recs[0].ID).To(Equal(id))
	})

	It("trims index entries older than the record ttl on create", func() {
		stale := "stale-" + id
		Expect(client.ZAdd(ctx, "sessions:recent", redis.Z{
			Score:  float64(time.Now().Add(-2 * time.Minute).UnixMilli()),
			Member: stale,
		}).Err()).To(Succeed())
		DeferCleanup(func() { client.ZRem(ctx, "sessions:recent", stale) })

		next := "next-" + id
		DeferCleanup(func() {
			client.Del(ctx, "session:"+next)
			client.ZRem(ctx, "sessions:recent", next)
		})
		Expect(sessions.Create(ctx, &model.SessionRecord{
			ID:        next,
			Prompt:    "run the linter",
			Status:    model.SessionStatusStarting,
			CreatedAt: time.Now(),
		})).To(Succeed())

		_, err := client.ZScore(ctx, "sessions:recent", stale).Result()
		Expect(err).To(MatchError(redis.Nil))
		Expect(client.ZScore(ctx, "sessions:recent", next).Val()).To(BeNumerically(">", 0))
		Expect(client.ZScore(ctx, "sessions:recent", id).Val()).To(BeNumerically(">", 0))
	})

	It("delivers a published cancel to subscribers", func() {
		sub, err := sessions.SubscribeCancel(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		defer sub.Close()

		Expect(sessions.PublishCancel(ctx, id)).To(Succeed())
		Eventually(sub.Done()).Should(BeClosed())
	})
})
