package store_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/internal/models"
	"github.com/polos-dev/orchestrator/internal/store"
)

var _ = Describe("EventStore.Publish", func() {
	var (
		ctx       context.Context
		s         *store.Store
		projectID uuid.UUID
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = newTestStore(ctx)
		truncateAll(ctx, s)
		projectID = uuid.New()
	})

	It("wakes an execution waiting on the published topic", func() {
		exec, err := s.Executions.Submit(ctx, store.SubmitInput{
			WorkflowID: uuid.New(), DeploymentID: uuid.New(), ProjectID: projectID, QueueName: "default",
		})
		Expect(err).NotTo(HaveOccurred())
		_, err = s.API.Exec(ctx, `update workflow_executions set status='running' where id=$1`, exec.ID)
		Expect(err).NotTo(HaveOccurred())

		topic := "t1"
		err = s.Executions.SetWaiting(ctx, projectID, exec.ID, "wait-for-event", models.WaitEvent, nil, &topic, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = s.Events.Publish(ctx, store.PublishInput{
			ProjectID: projectID,
			Events:    []store.PublishEvent{{Topic: topic, Data: []byte(`{"a":1}`)}},
		})
		Expect(err).NotTo(HaveOccurred())

		got, err := s.Executions.Get(ctx, projectID, exec.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.ExecutionQueued))

		out, err := s.Executions.GetStepOutput(ctx, projectID, exec.ID, "wait-for-event")
		Expect(err).NotTo(HaveOccurred())
		Expect(*out.Success).To(BeTrue())
		Expect(out.Outputs).To(ContainSubstring(`"topic": "t1"`))
		Expect(out.Outputs).To(ContainSubstring(`"a": 1`))
	})

	It("leaves an unrelated waiting execution untouched", func() {
		exec, err := s.Executions.Submit(ctx, store.SubmitInput{
			WorkflowID: uuid.New(), DeploymentID: uuid.New(), ProjectID: projectID, QueueName: "default",
		})
		Expect(err).NotTo(HaveOccurred())
		_, err = s.API.Exec(ctx, `update workflow_executions set status='running' where id=$1`, exec.ID)
		Expect(err).NotTo(HaveOccurred())

		otherTopic := "t-other"
		err = s.Executions.SetWaiting(ctx, projectID, exec.ID, "wait-for-event", models.WaitEvent, nil, &otherTopic, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = s.Events.Publish(ctx, store.PublishInput{
			ProjectID: projectID,
			Events:    []store.PublishEvent{{Topic: "t1", Data: []byte(`{"a":1}`)}},
		})
		Expect(err).NotTo(HaveOccurred())

		got, err := s.Executions.Get(ctx, projectID, exec.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.ExecutionWaiting))
	})

	It("returns monotonically increasing sequence ids across publishes", func() {
		ids1, err := s.Events.Publish(ctx, store.PublishInput{
			ProjectID: projectID, Events: []store.PublishEvent{{Topic: "t1", Data: []byte(`{}`)}},
		})
		Expect(err).NotTo(HaveOccurred())

		ids2, err := s.Events.Publish(ctx, store.PublishInput{
			ProjectID: projectID, Events: []store.PublishEvent{{Topic: "t1", Data: []byte(`{}`)}},
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(ids2[0]).To(BeNumerically(">", ids1[0]))
	})

	It("rejects a durable event with no source execution", func() {
		_, err := s.Events.Publish(ctx, store.PublishInput{
			ProjectID: projectID, Durable: true,
			Events: []store.PublishEvent{{Topic: "t1", Data: []byte(`{}`)}},
		})
		Expect(err).To(HaveOccurred())
	})
})
