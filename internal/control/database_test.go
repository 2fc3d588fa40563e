package control

import (
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	var (
		db   *BoltDB
		base time.Time
	)

	BeforeEach(func() {
		var err error
		db, err = NewBoltDB(filepath.Join(GinkgoT().TempDir(), "history.db"))
		Expect(err).NotTo(HaveOccurred())
		base = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	})

	AfterEach(func() {
		Expect(db.Close()).To(Succeed())
	})

	It("should save and get an entry", func() {
		entry := &Entry{ID: "a", SessionID: "s", Source: "snap", Type: "image", Value: "A1", Filename: "a.png", CreatedAt: base}
		Expect(db.SaveEntry(entry)).To(Succeed())

		got, err := db.GetEntry("a")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(entry))
	})

	It("returns ErrEntryNotFound for unknown ids", func() {
		_, err := db.GetEntry("missing")
		Expect(errors.Is(err, ErrEntryNotFound)).To(BeTrue())
	})

	It("should list entries oldest first", func() {
		Expect(db.SaveEntry(&Entry{ID: "a", CreatedAt: base.Add(2 * time.Minute)})).To(Succeed())
		Expect(db.SaveEntry(&Entry{ID: "b", CreatedAt: base})).To(Succeed())
		Expect(db.SaveEntry(&Entry{ID: "c", CreatedAt: base.Add(time.Minute)})).To(Succeed())

		entries, err := db.ListEntries()
		Expect(err).NotTo(HaveOccurred())
		ids := []string{}
		for _, e := range entries {
			ids = append(ids, e.ID)
		}
		Expect(ids).To(Equal([]string{"b", "c", "a"}))
	})

	It("should return an empty list", func() {
		entries, err := db.ListEntries()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(BeEmpty())
		Expect(entries).NotTo(BeNil())
	})

	It("should delete entries", func() {
		Expect(db.SaveEntry(&Entry{ID: "a"})).To(Succeed())
		Expect(db.DeleteEntry("a")).To(Succeed())
		_, err := db.GetEntry("a")
		Expect(err).To(HaveOccurred())
	})
})
