// Package e2e drives the execution lifecycle engine end to end against a
// real Postgres instance and an httptest stand-in worker, covering the
// same scenarios documented for the push dispatcher and wait/resume
// subsystem: submit, dispatch, complete, retry, and cancel cascade.
package e2e_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/polos-dev/orchestrator/internal/models"
	"github.com/polos-dev/orchestrator/internal/services"
	"github.com/polos-dev/orchestrator/internal/store"
	"github.com/polos-dev/orchestrator/pkg/pushclient"
)

func testDSN() string { return os.Getenv("ORCHESTRATOR_TEST_DSN") }

func TestE2E(t *testing.T) {
	if testDSN() == "" {
		t.Skip("ORCHESTRATOR_TEST_DSN not set, skipping end-to-end scenarios")
	}
	RegisterFailHandler(Fail)
	RunSpecs(t, "End-to-end Suite")
}

func schemaPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations", "schema.sql")
}

func newStack(ctx context.Context) (*store.Store, *services.Dispatch, *services.Executions, *services.Workers) {
	dsn := testDSN()

	probe, err := store.New(ctx, store.Config{APIDSN: dsn, StreamDSN: dsn, ReconcileDSN: dsn})
	Expect(err).NotTo(HaveOccurred())

	var exists bool
	err = probe.API.QueryRow(ctx, "select exists (select 1 from information_schema.tables where table_name = 'workflow_executions')").Scan(&exists)
	Expect(err).NotTo(HaveOccurred())
	if !exists {
		sql, err := os.ReadFile(schemaPath())
		Expect(err).NotTo(HaveOccurred())
		_, err = probe.API.Exec(ctx, string(sql))
		Expect(err).NotTo(HaveOccurred())
	}
	_, err = probe.API.Exec(ctx, `truncate table
		workflow_executions, wait_steps, step_outputs, workers, queues,
		event_topics, events, event_triggers, schedules,
		deployment_workflows, agent_definitions, tool_definitions, deployments
		restart identity cascade`)
	Expect(err).NotTo(HaveOccurred())

	log := zap.NewNop()
	client := pushclient.New()
	dispatch := services.NewDispatch(probe, client, 4, log)
	runCtx, cancel := context.WithCancel(ctx)
	DeferCleanup(cancel)
	go dispatch.Run(runCtx)
	executions := services.NewExecutions(probe, dispatch)
	workers := services.NewWorkers(probe, client)
	return probe, dispatch, executions, workers
}

// worker is a minimal httptest stand-in that records /execute calls and
// answers each with a fixed outcome, simulating a real push worker.
type worker struct {
	srv    *httptest.Server
	calls  int32
	status int
}

func newWorker(status int) *worker {
	w := &worker{status: status}
	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&w.calls, 1)
		rw.WriteHeader(w.status)
	}))
	return w
}

func (w *worker) Close() { w.srv.Close() }

var _ = Describe("happy path", func() {
	It("moves an execution from queued to running to completed", func() {
		ctx := context.Background()
		st, dispatch, executions, workers := newStack(ctx)
		defer st.Close()

		projectID := uuid.New()
		deploymentID := uuid.New()
		wrk := newWorker(http.StatusOK)
		defer wrk.Close()

		registered, err := workers.Register(ctx, store.RegisterWorkerInput{
			ProjectID: projectID, DeploymentID: deploymentID,
			Mode: models.WorkerModePush, PushEndpointURL: wrk.srv.URL, MaxConcurrentExecutions: 2,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(workers.MarkOnline(ctx, projectID, registered.ID)).To(Succeed())

		exec, err := executions.Submit(ctx, services.SubmitRequest{
			ProjectID: projectID, WorkflowID: uuid.New(), Payload: []byte(`{"x":1}`),
			Options: models.SubmitOptions{DeploymentID: &deploymentID},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(exec.Status).To(Equal(models.ExecutionQueued))

		dispatch.Trigger()
		Eventually(func() models.ExecutionStatus {
			got, err := executions.Get(ctx, projectID, exec.ID)
			Expect(err).NotTo(HaveOccurred())
			return got.Status
		}, 2*time.Second, 20*time.Millisecond).Should(Equal(models.ExecutionRunning))

		Expect(executions.Complete(ctx, projectID, exec.ID, registered.ID, []byte(`{"x":1}`), nil)).To(Succeed())

		got, err := executions.Get(ctx, projectID, exec.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.ExecutionCompleted))
		Expect(got.CompletedAt).NotTo(BeNil())
		Expect(json.RawMessage(got.Result)).To(MatchJSON(`{"x":1}`))
	})
})

var _ = Describe("retry", func() {
	It("requeues twice then fails on the third attempt", func() {
		ctx := context.Background()
		st, dispatch, executions, workers := newStack(ctx)
		defer st.Close()

		projectID := uuid.New()
		deploymentID := uuid.New()
		wrk := newWorker(http.StatusOK)
		defer wrk.Close()

		registered, err := workers.Register(ctx, store.RegisterWorkerInput{
			ProjectID: projectID, DeploymentID: deploymentID,
			Mode: models.WorkerModePush, PushEndpointURL: wrk.srv.URL, MaxConcurrentExecutions: 2,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(workers.MarkOnline(ctx, projectID, registered.ID)).To(Succeed())

		exec, err := executions.Submit(ctx, services.SubmitRequest{
			ProjectID: projectID, WorkflowID: uuid.New(),
			Options: models.SubmitOptions{DeploymentID: &deploymentID},
		})
		Expect(err).NotTo(HaveOccurred())

		dispatch.Trigger()
		Eventually(func() models.ExecutionStatus {
			got, err := executions.Get(ctx, projectID, exec.ID)
			Expect(err).NotTo(HaveOccurred())
			return got.Status
		}, 2*time.Second, 20*time.Millisecond).Should(Equal(models.ExecutionRunning))

		for i := 1; i <= 2; i++ {
			willRetry, err := executions.Fail(ctx, projectID, exec.ID, registered.ID, "boom", true, 2, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(willRetry).To(BeTrue())

			got, err := executions.Get(ctx, projectID, exec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.ExecutionQueued))
			Expect(got.RetryCount).To(Equal(i))

			dispatch.Trigger()
			Eventually(func() models.ExecutionStatus {
				got, err := executions.Get(ctx, projectID, exec.ID)
				Expect(err).NotTo(HaveOccurred())
				return got.Status
			}, 2*time.Second, 20*time.Millisecond).Should(Equal(models.ExecutionRunning))
		}

		willRetry, err := executions.Fail(ctx, projectID, exec.ID, registered.ID, "boom", true, 2, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(willRetry).To(BeFalse())

		got, err := executions.Get(ctx, projectID, exec.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.ExecutionFailed))
		Expect(*got.Error).To(Equal("boom"))
	})
})

var _ = Describe("cancel cascade", func() {
	It("marks root, cancelled child, and its grandchild pending_cancel, leaving an uninvolved sibling untouched", func() {
		ctx := context.Background()
		st, _, executions, _ := newStack(ctx)
		defer st.Close()

		projectID := uuid.New()
		deploymentID := uuid.New()
		workflowID := uuid.New()
		opts := models.SubmitOptions{DeploymentID: &deploymentID}

		root, err := executions.Submit(ctx, services.SubmitRequest{ProjectID: projectID, WorkflowID: workflowID, Options: opts})
		Expect(err).NotTo(HaveOccurred())

		c1StepKey := "c1"
		c1Opts := opts
		c1Opts.ParentExecutionID = &root.ID
		c1Opts.StepKey = &c1StepKey
		c1, err := executions.Submit(ctx, services.SubmitRequest{ProjectID: projectID, WorkflowID: workflowID, Options: c1Opts})
		Expect(err).NotTo(HaveOccurred())

		c2StepKey := "c2"
		c2Opts := opts
		c2Opts.ParentExecutionID = &root.ID
		c2Opts.StepKey = &c2StepKey
		c2, err := executions.Submit(ctx, services.SubmitRequest{ProjectID: projectID, WorkflowID: workflowID, Options: c2Opts})
		Expect(err).NotTo(HaveOccurred())

		gStepKey := "g"
		gOpts := opts
		gOpts.ParentExecutionID = &c1.ID
		gOpts.StepKey = &gStepKey
		g, err := executions.Submit(ctx, services.SubmitRequest{ProjectID: projectID, WorkflowID: workflowID, Options: gOpts})
		Expect(err).NotTo(HaveOccurred())

		result, err := executions.Cancel(ctx, projectID, c1.ID, "user:abc")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Targets).To(HaveLen(3))

		for _, id := range []uuid.UUID{root.ID, c1.ID, g.ID} {
			got, err := executions.Get(ctx, projectID, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.ExecutionPendingCancel))
		}

		untouchedSibling, err := executions.Get(ctx, projectID, c2.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(untouchedSibling.Status).To(Equal(models.ExecutionQueued))
	})
})
