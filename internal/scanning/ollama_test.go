package scanning

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		ollama *Ollama
		id     string
		err    error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		ollama, err = NewOllama(server.URL(), "llava")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		id, err = ollama.Search(context.Background(), Credentials{}, image.NewGray(image.Rect(0, 0, 8, 8)))
	})

	When("the model identifies the image", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					var req ollamaChatRequest
					Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
					Expect(req.Model).To(Equal("llava"))
					Expect(req.Stream).To(BeFalse())
					Expect(req.Messages).To(HaveLen(2))
					Expect(req.Messages[1].Images).To(HaveLen(1))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: "```json\n{\"found\": true, \"id\": \"Red Mug\"}\n```"},
					Done:    true,
				}),
			))
		})

		It("should return the slug", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("red-mug"))
		})
	})

	When("the model finds nothing", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Role: "assistant", Content: `{"found": false, "id": null}`},
				Done:    true,
			}))
		})

		It("should return no id", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(BeEmpty())
		})
	})

	When("the model answers with prose", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Role: "assistant", Content: "I cannot tell."},
				Done:    true,
			}))
		})

		It("should return a generic error", func() {
			Expect(CodeOf(err)).To(Equal(CodeGeneric))
		})
	})

	When("the server rejects the request", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusUnauthorized, "no"))
		})

		It("should return an authorization error", func() {
			Expect(errors.Is(err, ErrAuthDenied)).To(BeTrue())
		})
	})
})
