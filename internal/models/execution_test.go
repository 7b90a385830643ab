package models_test

import (
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/internal/models"
)

func TestModels(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Models Suite")
}

var _ = Describe("ExecutionStatus.Terminal", func() {
	It("is terminal for completed, failed, and cancelled", func() {
		Expect(models.ExecutionCompleted.Terminal()).To(BeTrue())
		Expect(models.ExecutionFailed.Terminal()).To(BeTrue())
		Expect(models.ExecutionCancelled.Terminal()).To(BeTrue())
	})

	It("is not terminal for every other status", func() {
		for _, s := range []models.ExecutionStatus{
			models.ExecutionQueued, models.ExecutionClaimed, models.ExecutionRunning,
			models.ExecutionWaiting, models.ExecutionPendingCancel,
		} {
			Expect(s.Terminal()).To(BeFalse(), string(s))
		}
	})
})

var _ = Describe("Execution.TraceID", func() {
	It("strips every hyphen from the execution id", func() {
		id := uuid.New()
		exec := &models.Execution{ID: id}

		traceID := exec.TraceID()
		Expect(traceID).NotTo(ContainSubstring("-"))
		Expect(traceID).To(Equal(strings.ReplaceAll(id.String(), "-", "")))
		Expect(traceID).To(HaveLen(32))
	})
})
