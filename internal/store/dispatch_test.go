package store_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/internal/store"
)

var _ = Describe("ExecutionStore.ClaimNext", func() {
	var (
		ctx       context.Context
		s         *store.Store
		projectID uuid.UUID
		deployID  uuid.UUID
		workflow  uuid.UUID
		workerID  uuid.UUID
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = newTestStore(ctx)
		truncateAll(ctx, s)

		projectID = uuid.New()
		deployID = uuid.New()
		workflow = uuid.New()
		workerID = uuid.New()

		_, err := s.API.Exec(ctx, `insert into workers
			(id, project_id, current_deployment_id, mode, push_endpoint_url, max_concurrent_executions, status, last_heartbeat)
			values ($1,$2,$3,'push','http://worker.local',2,'online', now())`,
			workerID, projectID, deployID)
		Expect(err).NotTo(HaveOccurred())
	})

	It("returns nil when there is no queued work", func() {
		a, err := s.Executions.ClaimNext(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(a).To(BeNil())
	})

	It("claims a queued execution against an eligible online worker", func() {
		exec, err := s.Executions.Submit(ctx, store.SubmitInput{
			WorkflowID: workflow, DeploymentID: deployID, ProjectID: projectID, QueueName: "default",
		})
		Expect(err).NotTo(HaveOccurred())

		a, err := s.Executions.ClaimNext(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(a).NotTo(BeNil())
		Expect(a.ExecutionID).To(Equal(exec.ID))
		Expect(a.WorkerID).To(Equal(workerID))
		Expect(a.PushEndpointURL).To(Equal("http://worker.local"))

		var count int
		err = s.API.QueryRow(ctx, `select current_execution_count from workers where id=$1`, workerID).Scan(&count)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(1))
	})

	It("never double-claims the same execution under concurrent callers", func() {
		_, err := s.Executions.Submit(ctx, store.SubmitInput{
			WorkflowID: workflow, DeploymentID: deployID, ProjectID: projectID, QueueName: "default",
		})
		Expect(err).NotTo(HaveOccurred())

		const attempts = 5
		var wg sync.WaitGroup
		claims := make([]*store.Assignment, attempts)
		errs := make([]error, attempts)

		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				claims[i], errs[i] = s.Executions.ClaimNext(ctx)
			}(i)
		}
		wg.Wait()

		claimed := 0
		for i := 0; i < attempts; i++ {
			Expect(errs[i]).NotTo(HaveOccurred())
			if claims[i] != nil {
				claimed++
			}
		}
		Expect(claimed).To(Equal(1))
	})

	It("skips a deployment whose only worker is at max concurrency", func() {
		_, err := s.API.Exec(ctx, `update workers set current_execution_count = max_concurrent_executions where id=$1`, workerID)
		Expect(err).NotTo(HaveOccurred())

		_, err = s.Executions.Submit(ctx, store.SubmitInput{
			WorkflowID: workflow, DeploymentID: deployID, ProjectID: projectID, QueueName: "default",
		})
		Expect(err).NotTo(HaveOccurred())

		a, err := s.Executions.ClaimNext(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(a).To(BeNil())
	})
})
