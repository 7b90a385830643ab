package pushclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/pkg/pushclient"
)

func TestPushClient(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Pushclient Suite")
}

var _ = Describe("Client.Push", func() {
	var client *pushclient.Client

	BeforeEach(func() {
		client = pushclient.New()
	})

	It("classifies a 200 as accepted", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/execute"))
			Expect(r.Header.Get("X-Worker-ID")).NotTo(BeEmpty())
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		outcome, err := client.Push(context.Background(), srv.URL, uuid.New(), map[string]string{"a": "b"})
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(pushclient.OutcomeAccepted))
	})

	It("classifies a 429 as overloaded without retrying", func() {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		outcome, err := client.Push(context.Background(), srv.URL, uuid.New(), map[string]string{})
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(pushclient.OutcomeOverloaded))
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))
	})

	It("classifies a connection failure as failed after retrying", func() {
		outcome, err := client.Push(context.Background(), "http://127.0.0.1:0", uuid.New(), map[string]string{})
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(pushclient.OutcomeFailed))
	})
})

var _ = Describe("Client.Cancel", func() {
	It("classifies a 404 as gone", func() {
		client := pushclient.New()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		result, err := client.Cancel(context.Background(), srv.URL, uuid.New())
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(pushclient.CancelGone))
	})

	It("classifies a 200 as acknowledged", func() {
		client := pushclient.New()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		result, err := client.Cancel(context.Background(), srv.URL, uuid.New())
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(pushclient.CancelAcknowledged))
	})
})
