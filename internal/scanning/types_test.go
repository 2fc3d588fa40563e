package scanning

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Result", func() {
	It("should compare by type and payload", func() {
		a := NewResult(ResultQRCode, []byte("http://example.com"))
		b := NewResult(ResultQRCode, []byte("http://example.com"))
		c := NewResult(ResultEAN13, []byte("http://example.com"))

		Expect(a.Equal(b)).To(BeTrue())
		Expect(a.Equal(c)).To(BeFalse())
		Expect(a.Equal(nil)).To(BeFalse())
		Expect((*Result)(nil).Equal(nil)).To(BeTrue())
	})

	It("should not share its payload with the caller", func() {
		data := []byte("4006381333931")
		r := NewResult(ResultEAN13, data)
		data[0] = 'X'
		Expect(r.Value()).To(Equal("4006381333931"))

		out := r.Bytes()
		out[0] = 'Y'
		Expect(r.Value()).To(Equal("4006381333931"))
	})

	It("should clone into an equal result", func() {
		r := NewImageResult("A1")
		c := r.Clone()
		Expect(c).NotTo(BeIdenticalTo(r))
		Expect(c.Equal(r)).To(BeTrue())
		Expect(c.Type()).To(Equal(ResultImage))
	})

	It("should check mask bits", func() {
		mask := ResultImage | ResultQRCode
		Expect(mask.Has(ResultImage)).To(BeTrue())
		Expect(mask.Has(ResultEAN8)).To(BeFalse())
		Expect(mask.Has(ResultNone)).To(BeFalse())
	})
})

var _ = Describe("Error", func() {
	It("should match sentinels by code", func() {
		err := fmt.Errorf("syncing: %w", NewError(CodeNoConnection, "sync", errors.New("dial tcp: refused")))
		Expect(errors.Is(err, ErrNoConnection)).To(BeTrue())
		Expect(errors.Is(err, ErrTimeout)).To(BeFalse())
		Expect(CodeOf(err)).To(Equal(CodeNoConnection))
	})

	It("should report unknown errors as generic", func() {
		Expect(CodeOf(errors.New("boom"))).To(Equal(CodeGeneric))
		Expect(CodeOf(nil)).To(Equal(CodeSuccess))
	})

	It("should treat unauthorized as authorization denied", func() {
		Expect(errors.Is(NewError(CodeAuthDenied, "api search", nil), ErrUnauthorized)).To(BeTrue())
	})

	DescribeTable("taxonomy",
		func(code Code, class Class, retryable bool) {
			Expect(code.Class()).To(Equal(class))
			Expect(code.Retryable()).To(Equal(retryable))
		},
		Entry("already open", CodeAlreadyOpen, ClassResourceState, false),
		Entry("not open", CodeNotOpen, ClassResourceState, false),
		Entry("busy", CodeBusy, ClassResourceState, false),
		Entry("corrupt", CodeCorrupt, ClassDataIntegrity, false),
		Entry("empty", CodeEmptyDatabase, ClassDataIntegrity, false),
		Entry("no record", CodeRecordNotFound, ClassDataIntegrity, false),
		Entry("no connection", CodeNoConnection, ClassNetwork, true),
		Entry("timeout", CodeTimeout, ClassNetwork, true),
		Entry("slow connection", CodeSlowConnection, ClassNetwork, true),
		Entry("auth denied", CodeAuthDenied, ClassNetwork, false),
		Entry("credential mismatch", CodeCredentialMismatch, ClassNetwork, false),
		Entry("misuse", CodeMisuse, ClassMisuse, false),
		Entry("invalid state", CodeInvalidState, ClassMisuse, false),
		Entry("no file", CodeNoFile, ClassIO, false),
		Entry("threading", CodeThreading, ClassInternal, false),
	)

	It("should include the operation in the message", func() {
		err := NewError(CodeCorrupt, "open", errors.New("bad digest"))
		Expect(err.Error()).To(Equal("open: database file corrupted: bad digest"))
	})
})
