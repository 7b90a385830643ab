package errors_test

import (
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	orcherrors "github.com/polos-dev/orchestrator/pkg/errors"
)

func TestErrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Errors Suite")
}

var _ = Describe("Error", func() {
	It("wraps the underlying error in its message", func() {
		cause := fmt.Errorf("connection refused")
		err := orcherrors.BadRequest("bad payload", cause)

		Expect(err.Error()).To(ContainSubstring("BAD_REQUEST"))
		Expect(err.Error()).To(ContainSubstring("bad payload"))
		Expect(err.Error()).To(ContainSubstring("connection refused"))
	})

	It("omits the cause clause when there is none", func() {
		err := orcherrors.Conflict("already running")
		Expect(err.Error()).To(Equal("CONFLICT: already running"))
	})

	It("unwraps to the original cause", func() {
		cause := fmt.Errorf("boom")
		err := orcherrors.Internal("failed", cause)
		Expect(errorsUnwrap(err)).To(Equal(cause))
	})

	Describe("CodeOf", func() {
		It("extracts the tagged code through a wrapped chain", func() {
			err := fmt.Errorf("submit: %w", orcherrors.NotFound("execution", "abc"))
			Expect(orcherrors.CodeOf(err)).To(Equal(orcherrors.CodeNotFound))
		})

		It("defaults to internal for an untagged error", func() {
			Expect(orcherrors.CodeOf(fmt.Errorf("plain"))).To(Equal(orcherrors.CodeInternal))
		})
	})

	Describe("domain helpers", func() {
		It("builds a conflict for a worker mismatch", func() {
			err := orcherrors.AssignedToDifferentWorker("exec-1")
			Expect(err.Code).To(Equal(orcherrors.CodeConflict))
			Expect(err.Error()).To(ContainSubstring("exec-1"))
		})

		It("builds a conflict for an already-handled wait", func() {
			err := orcherrors.AlreadyHandled("approval", "tok-1")
			Expect(err.Code).To(Equal(orcherrors.CodeConflict))
			Expect(err.Error()).To(ContainSubstring("approval"))
		})
	})
})

func errorsUnwrap(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}
