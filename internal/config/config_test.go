package config_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/internal/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("WithDefaults", func() {
	It("fills in every default from the struct tags", func() {
		cfg := &config.Configuration{}
		Expect(config.WithDefaults(cfg)).To(Succeed())

		Expect(cfg.Server.ServerMode).To(Equal("dev"))
		Expect(cfg.Server.HTTPPort).To(Equal(8080))
		Expect(cfg.Dispatch.Concurrency).To(Equal(32))
		Expect(cfg.LogFormat).To(Equal("json"))
		Expect(cfg.LogLevel).To(Equal("info"))
		Expect(cfg.Reconcile.StaleWorkerCleanup.Seconds()).To(Equal(60.0))
		Expect(cfg.Reconcile.RetentionMaxAge.Hours()).To(Equal(720.0))
	})

	It("does not clobber a value already set", func() {
		cfg := &config.Configuration{Server: config.Server{HTTPPort: 9000}}
		Expect(config.WithDefaults(cfg)).To(Succeed())
		Expect(cfg.Server.HTTPPort).To(Equal(9000))
	})
})

var _ = Describe("ParseAPIKeys", func() {
	It("parses a comma-separated key=project-id table", func() {
		projectA := uuid.New()
		projectB := uuid.New()
		raw := "sk_a=" + projectA.String() + ", sk_b=" + projectB.String()

		keys, err := config.ParseAPIKeys(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(keys).To(HaveLen(2))
		Expect(keys["sk_a"]).To(Equal(projectA))
		Expect(keys["sk_b"]).To(Equal(projectB))
	})

	It("returns an empty map for an empty string", func() {
		keys, err := config.ParseAPIKeys("")
		Expect(err).NotTo(HaveOccurred())
		Expect(keys).To(BeEmpty())
	})

	It("rejects a malformed entry", func() {
		_, err := config.ParseAPIKeys("not-a-valid-entry")
		Expect(err).To(HaveOccurred())
	})

	It("rejects an invalid project id", func() {
		_, err := config.ParseAPIKeys("sk_a=not-a-uuid")
		Expect(err).To(HaveOccurred())
	})
})
