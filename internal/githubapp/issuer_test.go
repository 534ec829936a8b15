package githubapp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Andrejs1979/cloud-code/common/clock"
	"github.com/Andrejs1979/cloud-code/internal/githubapp"
)

var _ = Describe("Issuer", func() {
	var (
		fakeClock *clock.Fake
		now       time.Time
	)

	BeforeEach(func() {
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		fakeClock = clock.NewFake(now)
	})

	newIssuer := func(baseURL string, key []byte) *githubapp.Issuer {
		issuer, err := githubapp.NewIssuer(githubapp.IssuerConfig{
			AppID:         "12345",
			PrivateKeyPEM: key,
			BaseURL:       baseURL,
			Clock:         fakeClock,
		})
		Expect(err).NotTo(HaveOccurred())
		return issuer
	}

	Describe("NewIssuer", func() {
		It("accepts PKCS#8 keys", func() {
			Expect(newIssuer("", testKeyPKCS8).AppID()).To(Equal("12345"))
		})

		It("rejects non-PEM input", func() {
			_, err := githubapp.NewIssuer(githubapp.IssuerConfig{AppID: "1", PrivateKeyPEM: []byte("nope")})
			Expect(err).To(MatchError(ContainSubstring("failed to decode PEM block")))
		})

		It("requires an app id", func() {
			_, err := githubapp.NewIssuer(githubapp.IssuerConfig{PrivateKeyPEM: testKeyPKCS1})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("MintAssertion", func() {
		It("signs RS256 claims backdated 60s and valid for 600s", func() {
			signed, err := newIssuer("", testKeyPKCS1).MintAssertion()
			Expect(err).NotTo(HaveOccurred())

			claims := &jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(signed, claims, func(t *jwt.Token) (any, error) {
				return &testKey.PublicKey, nil
			}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation())
			Expect(err).NotTo(HaveOccurred())
			Expect(token.Valid).To(BeTrue())

			Expect(claims.Issuer).To(Equal("12345"))
			Expect(claims.IssuedAt.Unix()).To(Equal(now.Unix() - 60))
			Expect(claims.ExpiresAt.Unix()).To(Equal(now.Unix() + 600))
		})

		It("always keeps exp - iat at 660s with iat not after now", func() {
			issuer := newIssuer("", testKeyPKCS1)
			for _, offset := range []time.Duration{0, 499 * time.Millisecond, 17 * time.Hour} {
				at := now.Add(offset)
				claims := issuer.Claims(at)
				Expect(claims.ExpiresAt.Unix() - claims.IssuedAt.Unix()).To(Equal(int64(660)))
				Expect(claims.IssuedAt.Time.After(at)).To(BeFalse())
			}
		})
	})

	Describe("InstallationToken", func() {
		var (
			server  *httptest.Server
			handler http.HandlerFunc
		)

		BeforeEach(func() {
			handler = nil
			server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handler(w, r)
			}))
			DeferCleanup(server.Close)
		})

		It("exchanges the assertion for a token", func() {
			expires := now.Add(time.Hour)
			handler = func(w http.ResponseWriter, r *http.Request) {
				defer GinkgoRecover()
				Expect(r.Method).To(Equal(http.MethodPost))
				Expect(r.URL.Path).To(Equal("/app/installations/777/access_tokens"))
				Expect(r.Header.Get("Accept")).To(Equal("application/vnd.github+json"))
				Expect(r.Header.Get("User-Agent")).NotTo(BeEmpty())
				Expect(r.Header.Get("Authorization")).To(HavePrefix("Bearer "))

				w.WriteHeader(http.StatusCreated)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"token":      "ghs_installation",
					"expires_at": expires.Format(time.RFC3339),
				})
			}

			tok, ok := newIssuer(server.URL, testKeyPKCS1).InstallationToken(context.Background(), "777")
			Expect(ok).To(BeTrue())
			Expect(tok.Token).To(Equal("ghs_installation"))
			Expect(tok.ExpiresAt.Equal(expires)).To(BeTrue())
			Expect(tok.Valid(now)).To(BeTrue())
			Expect(tok.Valid(expires)).To(BeFalse())
		})

		DescribeTable("returns an absent result on failure",
			func(status int, body string) {
				handler = func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(status)
					_, _ = w.Write([]byte(body))
				}

				tok, ok := newIssuer(server.URL, testKeyPKCS1).InstallationToken(context.Background(), "777")
				Expect(ok).To(BeFalse())
				Expect(tok).To(BeNil())
			},
			Entry("revoked installation", http.StatusNotFound, `{"message":"Not Found"}`),
			Entry("bad credentials", http.StatusUnauthorized, `{"message":"Bad credentials"}`),
			Entry("server error", http.StatusBadGateway, ``),
			Entry("malformed body", http.StatusCreated, `{"token":`),
			Entry("empty token", http.StatusCreated, `{"token":"","expires_at":"2026-03-01T13:00:00Z"}`),
		)

		It("returns an absent result when the endpoint is unreachable", func() {
			url := server.URL
			server.Close()

			tok, ok := newIssuer(url, testKeyPKCS1).InstallationToken(context.Background(), "777")
			Expect(ok).To(BeFalse())
			Expect(tok).To(BeNil())
		})

		It("returns an absent result without an installation id", func() {
			_, ok := newIssuer(server.URL, testKeyPKCS1).InstallationToken(context.Background(), "")
			Expect(ok).To(BeFalse())
		})

		It("escapes the installation id in the path", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				defer GinkgoRecover()
				Expect(strings.Contains(r.URL.RawPath+r.URL.Path, "/app/installations/")).To(BeTrue())
				w.WriteHeader(http.StatusNotFound)
			}

			_, ok := newIssuer(server.URL, testKeyPKCS1).InstallationToken(context.Background(), "../../repos")
			Expect(ok).To(BeFalse())
		})
	})
})
