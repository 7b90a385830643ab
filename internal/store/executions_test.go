package store_test

import (
	"context"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/internal/models"
	"github.com/polos-dev/orchestrator/internal/store"
	orcherrors "github.com/polos-dev/orchestrator/pkg/errors"
)

var _ = Describe("ExecutionStore", func() {
	var (
		ctx       context.Context
		s         *store.Store
		projectID uuid.UUID
		deployID  uuid.UUID
		workflow  uuid.UUID
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = newTestStore(ctx)
		truncateAll(ctx, s)

		projectID = uuid.New()
		deployID = uuid.New()
		workflow = uuid.New()
	})

	Describe("Submit and Get", func() {
		It("inserts a queued execution and returns it by id", func() {
			exec, err := s.Executions.Submit(ctx, store.SubmitInput{
				WorkflowID:   workflow,
				DeploymentID: deployID,
				ProjectID:    projectID,
				Payload:      []byte(`{"a":1}`),
				QueueName:    "default",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(exec.Status).To(Equal(models.ExecutionQueued))
			Expect(exec.QueuedAt).NotTo(BeNil())

			got, err := s.Executions.Get(ctx, projectID, exec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(exec.ID))
			Expect(got.Status).To(Equal(models.ExecutionQueued))
		})

		It("returns a not-found error for an unknown id", func() {
			_, err := s.Executions.Get(ctx, projectID, uuid.New())
			Expect(orcherrors.CodeOf(err)).To(Equal(orcherrors.CodeNotFound))
		})
	})

	Describe("Complete and Fail", func() {
		var workerID uuid.UUID

		BeforeEach(func() {
			workerID = uuid.New()
			_, err := s.API.Exec(ctx, `insert into workers
				(id, project_id, current_deployment_id, mode, push_endpoint_url, max_concurrent_executions, status)
				values ($1,$2,$3,'push','http://worker.local',4,'online')`,
				workerID, projectID, deployID)
			Expect(err).NotTo(HaveOccurred())
		})

		claimedExec := func() *models.Execution {
			exec, err := s.Executions.Submit(ctx, store.SubmitInput{
				WorkflowID: workflow, DeploymentID: deployID, ProjectID: projectID, QueueName: "default",
			})
			Expect(err).NotTo(HaveOccurred())
			_, err = s.API.Exec(ctx, `update workflow_executions
				set status='running', assigned_to_worker=$2, claimed_at=now(), started_at=now()
				where id=$1`, exec.ID, workerID)
			Expect(err).NotTo(HaveOccurred())
			return exec
		}

		It("marks a running execution completed", func() {
			exec := claimedExec()

			_, err := s.Executions.Complete(ctx, projectID, exec.ID, workerID, []byte(`{"ok":true}`), nil)
			Expect(err).NotTo(HaveOccurred())

			got, err := s.Executions.Get(ctx, projectID, exec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.ExecutionCompleted))
			Expect(got.Result).To(MatchJSON(`{"ok":true}`))
		})

		It("refuses to complete an execution assigned to a different worker", func() {
			exec := claimedExec()

			_, err := s.Executions.Complete(ctx, projectID, exec.ID, uuid.New(), nil, nil)
			Expect(orcherrors.CodeOf(err)).To(Equal(orcherrors.CodeConflict))
		})

		It("requeues a retryable failure under max_retries", func() {
			exec := claimedExec()

			resumed, willRetry, err := s.Executions.Fail(ctx, projectID, exec.ID, workerID, "boom", true, 3, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(willRetry).To(BeTrue())
			Expect(resumed).To(BeNil())

			got, err := s.Executions.Get(ctx, projectID, exec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.ExecutionQueued))
			Expect(got.RetryCount).To(Equal(1))
		})

		It("marks failed once retries are exhausted", func() {
			exec := claimedExec()

			_, willRetry, err := s.Executions.Fail(ctx, projectID, exec.ID, workerID, "boom", true, 0, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(willRetry).To(BeFalse())

			got, err := s.Executions.Get(ctx, projectID, exec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.ExecutionFailed))
		})
	})

	Describe("subworkflow completion propagation", func() {
		It("resumes a waiting parent once its child completes", func() {
			parent, err := s.Executions.Submit(ctx, store.SubmitInput{
				WorkflowID: workflow, DeploymentID: deployID, ProjectID: projectID, QueueName: "default",
			})
			Expect(err).NotTo(HaveOccurred())

			stepKey := "call-subworkflow"
			child, err := s.Executions.Submit(ctx, store.SubmitInput{
				WorkflowID: workflow, DeploymentID: deployID, ProjectID: projectID, QueueName: "default",
				ParentExecutionID: &parent.ID, StepKey: &stepKey, WaitForSubworkflow: true,
			})
			Expect(err).NotTo(HaveOccurred())

			parentAfterSubmit, err := s.Executions.Get(ctx, projectID, parent.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(parentAfterSubmit.Status).To(Equal(models.ExecutionWaiting))

			workerID := uuid.New()
			_, err = s.API.Exec(ctx, `insert into workers
				(id, project_id, current_deployment_id, mode, push_endpoint_url, max_concurrent_executions, status)
				values ($1,$2,$3,'push','http://worker.local',4,'online')`,
				workerID, projectID, deployID)
			Expect(err).NotTo(HaveOccurred())
			_, err = s.API.Exec(ctx, `update workflow_executions set status='running', assigned_to_worker=$2 where id=$1`, child.ID, workerID)
			Expect(err).NotTo(HaveOccurred())

			resumed, err := s.Executions.Complete(ctx, projectID, child.ID, workerID, []byte(`{"v":1}`), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resumed).NotTo(BeNil())
			Expect(resumed.ExecutionID).To(Equal(parent.ID))

			parentAfterComplete, err := s.Executions.Get(ctx, projectID, parent.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(parentAfterComplete.Status).To(Equal(models.ExecutionQueued))

			out, err := s.Executions.GetStepOutput(ctx, projectID, parent.ID, stepKey)
			Expect(err).NotTo(HaveOccurred())
			Expect(*out.Success).To(BeTrue())
			Expect(json.RawMessage(out.Outputs)).To(MatchJSON(`{"v":1}`))
			Expect(*out.SourceExecutionID).To(Equal(child.ID))
		})
	})

	Describe("Cancel", func() {
		It("cascades pending_cancel to descendants", func() {
			parent, err := s.Executions.Submit(ctx, store.SubmitInput{
				WorkflowID: workflow, DeploymentID: deployID, ProjectID: projectID, QueueName: "default",
			})
			Expect(err).NotTo(HaveOccurred())

			stepKey := "child-step"
			child, err := s.Executions.Submit(ctx, store.SubmitInput{
				WorkflowID: workflow, DeploymentID: deployID, ProjectID: projectID, QueueName: "default",
				ParentExecutionID: &parent.ID, StepKey: &stepKey,
			})
			Expect(err).NotTo(HaveOccurred())

			targets, err := s.Executions.Cancel(ctx, projectID, parent.ID, "user:abc")
			Expect(err).NotTo(HaveOccurred())
			Expect(targets).To(HaveLen(2))

			gotParent, err := s.Executions.Get(ctx, projectID, parent.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(gotParent.Status).To(Equal(models.ExecutionPendingCancel))

			gotChild, err := s.Executions.Get(ctx, projectID, child.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(gotChild.Status).To(Equal(models.ExecutionPendingCancel))
		})

		It("is a no-op cascade for an already-terminal execution", func() {
			exec, err := s.Executions.Submit(ctx, store.SubmitInput{
				WorkflowID: workflow, DeploymentID: deployID, ProjectID: projectID, QueueName: "default",
			})
			Expect(err).NotTo(HaveOccurred())
			_, err = s.API.Exec(ctx, `update workflow_executions set status='completed', completed_at=now() where id=$1`, exec.ID)
			Expect(err).NotTo(HaveOccurred())

			targets, err := s.Executions.Cancel(ctx, projectID, exec.ID, "user:abc")
			Expect(err).NotTo(HaveOccurred())
			Expect(targets).To(BeEmpty())
		})
	})
})
