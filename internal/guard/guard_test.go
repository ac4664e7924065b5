package guard_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/basegraph-relay/reactor/internal/guard"
)

var _ = Describe("memoryGuard", func() {
	var (
		ctx context.Context
		g   guard.StepGuard
	)

	BeforeEach(func() {
		ctx = context.Background()
		g = guard.NewMemoryGuard()
	})

	It("fails fast on a contended lease instead of waiting", func() {
		start := time.Now()
		token, err := g.Acquire(ctx, "sess-1", time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(token).NotTo(BeEmpty())

		_, err = g.Acquire(ctx, "sess-1", time.Second)
		Expect(err).To(MatchError(guard.ErrBusy))
		Expect(time.Since(start)).To(BeNumerically("<", 100*time.Millisecond),
			"Acquire must not wait internally on contention (§4.2)")

		g.Release(ctx, "sess-1", token)
	})

	It("only releases the lease when the token still matches", func() {
		token, err := g.Acquire(ctx, "sess-2", time.Second)
		Expect(err).NotTo(HaveOccurred())

		g.Release(ctx, "sess-2", "not-the-real-token")
		_, err = g.Acquire(ctx, "sess-2", time.Second)
		Expect(err).To(MatchError(guard.ErrBusy), "a mismatched token must not drop someone else's lease")

		g.Release(ctx, "sess-2", token)
		_, err = g.Acquire(ctx, "sess-2", time.Second)
		Expect(err).NotTo(HaveOccurred(), "the correct token must release the lease")
	})

	It("lets a new lease through once the old one's TTL has passed", func() {
		_, err := g.Acquire(ctx, "sess-3", 20*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() error {
			_, err := g.Acquire(ctx, "sess-3", time.Second)
			return err
		}, time.Second, 10*time.Millisecond).Should(Succeed())
	})
})

var _ = Describe("redisGuard", func() {
	var (
		ctx context.Context
		mr  *miniredis.Miniredis
		g   guard.StepGuard
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(mr.Close)

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(client.Close)
		g = guard.NewRedisGuard(client)
	})

	It("fails fast with ErrBusy on a contended SET NX lease", func() {
		token, err := g.Acquire(ctx, "sess-redis-1", time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(token).NotTo(BeEmpty())

		_, err = g.Acquire(ctx, "sess-redis-1", time.Second)
		Expect(err).To(MatchError(guard.ErrBusy))
	})

	It("only deletes the key when the stored token matches", func() {
		token, err := g.Acquire(ctx, "sess-redis-2", time.Second)
		Expect(err).NotTo(HaveOccurred())

		g.Release(ctx, "sess-redis-2", "some-other-token")
		_, err = g.Acquire(ctx, "sess-redis-2", time.Second)
		Expect(err).To(MatchError(guard.ErrBusy))

		g.Release(ctx, "sess-redis-2", token)
		_, err = g.Acquire(ctx, "sess-redis-2", time.Second)
		Expect(err).NotTo(HaveOccurred())
	})

	It("frees the lease once the PX lease expires in Redis", func() {
		_, err := g.Acquire(ctx, "sess-redis-3", 50*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())

		mr.FastForward(100 * time.Millisecond)

		_, err = g.Acquire(ctx, "sess-redis-3", time.Second)
		Expect(err).NotTo(HaveOccurred())
	})
})
