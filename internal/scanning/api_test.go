package scanning

import (
	"context"
	"errors"
	"image"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("APIClient", func() {
	var (
		server *ghttp.Server
		client *APIClient
		creds  Credentials
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var err error
		client, err = NewAPIClient(server.URL(), time.Second)
		Expect(err).NotTo(HaveOccurred())
		creds = Credentials{Key: "key", Secret: "secret"}
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("Search", func() {
		var (
			id  string
			err error
		)

		JustBeforeEach(func() {
			id, err = client.Search(context.Background(), creds, image.NewGray(image.Rect(0, 0, 8, 8)))
		})

		When("the service finds a match", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPost, "/v1/search"),
					ghttp.VerifyBasicAuth("key", "secret"),
					ghttp.VerifyContentType("image/png"),
					ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{"found": true, "id": "A1"}),
				))
			})

			It("should return the id", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(id).To(Equal("A1"))
			})
		})

		When("the service finds nothing", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{"found": false}))
			})

			It("should return an empty id", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(id).To(BeEmpty())
			})
		})

		When("the credentials are rejected", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusUnauthorized, "nope"))
			})

			It("returns an unauthorized error", func() {
				Expect(errors.Is(err, ErrUnauthorized)).To(BeTrue())
				Expect(CodeOf(err).Retryable()).To(BeFalse())
			})
		})

		When("the service is rate limiting", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusTooManyRequests, ""))
			})

			It("returns a slow connection error", func() {
				Expect(errors.Is(err, ErrSlowConnection)).To(BeTrue())
			})
		})

		When("the gateway times out", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusGatewayTimeout, ""))
			})

			It("returns a timeout error", func() {
				Expect(errors.Is(err, ErrTimeout)).To(BeTrue())
			})
		})

		When("the response is too slow", func() {
			BeforeEach(func() {
				server.AppendHandlers(func(w http.ResponseWriter, r *http.Request) {
					time.Sleep(1500 * time.Millisecond)
				})
			})

			It("returns a slow connection error", func() {
				Expect(errors.Is(err, ErrSlowConnection)).To(BeTrue())
			})
		})
	})

	Describe("Search without a server", func() {
		It("returns a no connection error", func() {
			url := server.URL()
			server.Close()
			offline, err := NewAPIClient(url, time.Second)
			Expect(err).NotTo(HaveOccurred())

			_, err = offline.Search(context.Background(), creds, image.NewGray(image.Rect(0, 0, 8, 8)))
			Expect(errors.Is(err, ErrNoConnection)).To(BeTrue())
		})
	})

	Describe("Search with an expired context", func() {
		It("returns a timeout error", func() {
			ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
			defer cancel()

			_, err := client.Search(ctx, creds, image.NewGray(image.Rect(0, 0, 8, 8)))
			Expect(errors.Is(err, ErrTimeout)).To(BeTrue())
		})
	})

	Describe("Records", func() {
		It("should request the page and decode it", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodGet, "/v1/records", "limit=2&offset=4"),
				ghttp.VerifyBasicAuth("key", "secret"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, RecordPage{
					Total:   6,
					Records: []Record{{ID: "a", Fingerprint: "00ff"}, {ID: "b", Fingerprint: "ff00"}},
				}),
			))

			page, err := client.Records(context.Background(), creds, 4, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Total).To(Equal(6))
			Expect(page.Records).To(HaveLen(2))
			Expect(page.Records[1].ID).To(Equal("b"))
		})
	})
})
