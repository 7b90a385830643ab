package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestHandlers(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Handlers Suite")
}

func newTestContext(req *http.Request) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = req
	return c, rec
}

var _ = Describe("APIKeyAuth", func() {
	var apiKeys map[string]uuid.UUID
	var jwtSecret []byte

	BeforeEach(func() {
		apiKeys = map[string]uuid.UUID{}
		jwtSecret = []byte("test-secret")
	})

	It("rejects a request with no bearer token", func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		c, rec := newTestContext(req)

		APIKeyAuth(jwtSecret, apiKeys)(c)

		Expect(c.IsAborted()).To(BeTrue())
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})

	It("resolves a project id from a known api key", func() {
		projectID := uuid.New()
		apiKeys["sk_test"] = projectID

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer sk_test")
		c, _ := newTestContext(req)

		APIKeyAuth(jwtSecret, apiKeys)(c)

		Expect(c.IsAborted()).To(BeFalse())
		Expect(projectIDFromContext(c)).To(Equal(projectID))
	})

	It("rejects an unknown api key", func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer sk_unknown")
		c, rec := newTestContext(req)

		APIKeyAuth(jwtSecret, apiKeys)(c)

		Expect(c.IsAborted()).To(BeTrue())
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})

	It("resolves a project id from a valid session jwt", func() {
		projectID := uuid.New()
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
			ProjectID: projectID.String(),
			IsAdmin:   true,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		signed, err := tok.SignedString(jwtSecret)
		Expect(err).NotTo(HaveOccurred())

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		c, _ := newTestContext(req)

		APIKeyAuth(jwtSecret, apiKeys)(c)

		Expect(c.IsAborted()).To(BeFalse())
		Expect(projectIDFromContext(c)).To(Equal(projectID))
		v, _ := c.Get(isAdminKey)
		Expect(v).To(Equal(true))
	})

	It("rejects a jwt signed with the wrong secret", func() {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
			ProjectID: uuid.New().String(),
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		signed, err := tok.SignedString([]byte("wrong-secret"))
		Expect(err).NotTo(HaveOccurred())

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		c, rec := newTestContext(req)

		APIKeyAuth(jwtSecret, apiKeys)(c)

		Expect(c.IsAborted()).To(BeTrue())
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})

	It("falls back to the session cookie when no header is set", func() {
		projectID := uuid.New()
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
			ProjectID: projectID.String(),
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		signed, err := tok.SignedString(jwtSecret)
		Expect(err).NotTo(HaveOccurred())

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: "session", Value: signed})
		c, _ := newTestContext(req)

		APIKeyAuth(jwtSecret, apiKeys)(c)

		Expect(c.IsAborted()).To(BeFalse())
		Expect(projectIDFromContext(c)).To(Equal(projectID))
	})
})
