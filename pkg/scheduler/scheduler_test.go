package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/polos-dev/orchestrator/pkg/scheduler"
)

func TestScheduler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "scheduler suite")
}

var _ = Describe("Scheduler", func() {
	var sched *scheduler.Scheduler

	AfterEach(func() {
		sched.Close()
	})

	It("runs work and returns its result", func() {
		sched = scheduler.NewScheduler(2)
		future := sched.AddWork(func(ctx context.Context) (any, error) {
			return "done", nil
		})
		result := <-future.C()
		Expect(result.Err).NotTo(HaveOccurred())
		Expect(result.Data).To(Equal("done"))
	})

	It("bounds concurrency to the configured worker count", func() {
		sched = scheduler.NewScheduler(1)
		started := make(chan struct{})
		release := make(chan struct{})

		first := sched.AddWork(func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return 1, nil
		})

		second := sched.AddWork(func(ctx context.Context) (any, error) {
			return 2, nil
		})

		<-started
		Consistently(second.C(), 50*time.Millisecond).ShouldNot(Receive())

		close(release)
		Expect((<-first.C()).Data).To(Equal(1))
		Expect((<-second.C()).Data).To(Equal(2))
	})

	It("recovers from a panicking work function", func() {
		sched = scheduler.NewScheduler(1)
		future := sched.AddWork(func(ctx context.Context) (any, error) {
			panic("boom")
		})
		result := <-future.C()
		Expect(result.Err).To(HaveOccurred())
	})

	It("cancels a pending work's context via Stop", func() {
		sched = scheduler.NewScheduler(1)
		future := sched.AddWork(func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		future.Stop()
		result := <-future.C()
		Expect(errors.Is(result.Err, context.Canceled)).To(BeTrue())
	})
})
