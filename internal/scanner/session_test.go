package scanner

import (
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/scancore/internal/scanning"
)

var _ = Describe("Session", func() {
	var (
		eng    *mockEngine
		res    *Resource
		queue  *Queue
		search *SearchCoordinator
		syncs  *SyncCoordinator
		opts   SessionOptions
		s      *Session
		obs    *recorder
	)

	BeforeEach(func() {
		eng = newMockEngine()
		res = NewResource(eng)
		queue = NewQueue()
		opts = SessionOptions{}
		obs = &recorder{}
	})

	JustBeforeEach(func() {
		Expect(res.Open("/tmp/db", testCreds)).To(Succeed())
		search = NewSearchCoordinator(res, queue)
		syncs = NewSyncCoordinator(res, queue, SyncOptions{})
		s = NewSession(res, search, syncs, opts)
		s.Delegates.Add(obs)
	})

	AfterEach(func() {
		s.Close()
	})

	searchEvents := func() []string {
		var out []string
		for _, e := range obs.Events() {
			if !strings.HasPrefix(e, "state") {
				out = append(out, e)
			}
		}
		return out
	}

	It("should start in the default state", func() {
		Expect(s.State()).To(Equal(StateDefault))
	})

	Describe("Scan", func() {
		It("rejects invalid frames", func() {
			_, err := s.Scan(&scanning.Frame{}, scanning.ResultImage)
			Expect(errors.Is(err, scanning.ErrInvalidArgument)).To(BeTrue())
		})

		It("rejects an empty type mask", func() {
			_, err := s.Scan(testFrame(), scanning.ResultNone)
			Expect(errors.Is(err, scanning.ErrInvalidArgument)).To(BeTrue())
			Expect(scanning.CodeOf(err).Class()).To(Equal(scanning.ClassMisuse))
		})

		It("is refused while paused", func() {
			Expect(s.Pause()).To(BeTrue())
			_, err := s.Scan(testFrame(), scanning.ResultImage)
			Expect(errors.Is(err, scanning.ErrInvalidState)).To(BeTrue())
		})

		It("returns the image record found", func() {
			eng.searchID = "A1"
			r, err := s.Scan(testFrame(), scanning.ResultImage)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Type()).To(Equal(scanning.ResultImage))
			Expect(r.Value()).To(Equal("A1"))
		})

		It("returns nothing when nothing matches", func() {
			r, err := s.Scan(testFrame(), scanning.ResultImage)
			Expect(err).NotTo(HaveOccurred())
			Expect(r).To(BeNil())
		})

		It("treats an empty database as no match", func() {
			eng.searchErr = scanning.NewError(scanning.CodeEmptyDatabase, "search", nil)
			r, err := s.Scan(testFrame(), scanning.ResultImage)
			Expect(err).NotTo(HaveOccurred())
			Expect(r).To(BeNil())
		})

		It("returns other engine errors", func() {
			eng.searchErr = scanning.NewError(scanning.CodeCorrupt, "search", nil)
			_, err := s.Scan(testFrame(), scanning.ResultImage)
			Expect(errors.Is(err, scanning.ErrCorrupt)).To(BeTrue())
		})

		It("returns not open once the resource is closed", func() {
			Expect(res.Close()).To(Succeed())
			_, err := s.Scan(testFrame(), scanning.ResultImage)
			Expect(errors.Is(err, scanning.ErrNotOpen)).To(BeTrue())
		})

		When("both barcodes and images are requested", func() {
			BeforeEach(func() {
				eng.searchID = "A1"
				eng.decodeRes = scanning.NewResult(scanning.ResultEAN13, []byte("4006381333931"))
			})

			It("should prefer the barcode", func() {
				r, err := s.Scan(testFrame(), scanning.BarcodeTypes|scanning.ResultImage)
				Expect(err).NotTo(HaveOccurred())
				Expect(r.Type()).To(Equal(scanning.ResultEAN13))
				Expect(r.Value()).To(Equal("4006381333931"))
				Expect(eng.Calls()).To(Equal([]string{"open", "decode"}))
			})

			It("should not decode when only images are requested", func() {
				r, err := s.Scan(testFrame(), scanning.ResultImage)
				Expect(err).NotTo(HaveOccurred())
				Expect(r.Value()).To(Equal("A1"))
				Expect(eng.Calls()).To(Equal([]string{"open", "search"}))
			})

			It("should fall back to images when no barcode is found", func() {
				eng.decodeRes = nil
				r, err := s.Scan(testFrame(), scanning.BarcodeTypes|scanning.ResultImage)
				Expect(err).NotTo(HaveOccurred())
				Expect(r.Value()).To(Equal("A1"))
				Expect(eng.Calls()).To(Equal([]string{"open", "decode", "search"}))
			})
		})

		When("the previous result is an image", func() {
			BeforeEach(func() {
				eng.searchID = "A1"
			})

			JustBeforeEach(func() {
				r, err := s.Scan(testFrame(), scanning.ResultImage)
				Expect(err).NotTo(HaveOccurred())
				Expect(r.Value()).To(Equal("A1"))
			})

			It("should match it before searching", func() {
				r, err := s.Scan(testFrame(), scanning.ResultImage)
				Expect(err).NotTo(HaveOccurred())
				Expect(r).To(BeNil())
				Expect(eng.Calls()).To(Equal([]string{"open", "search", "match"}))
			})

			It("should search when the previous record no longer matches", func() {
				eng.set(func(m *mockEngine) { m.searchID = "B2" })
				r, err := s.Scan(testFrame(), scanning.ResultImage)
				Expect(err).NotTo(HaveOccurred())
				Expect(r.Value()).To(Equal("B2"))
				Expect(eng.Calls()).To(Equal([]string{"open", "search", "match", "search"}))
			})

			It("should search when the previous record is gone", func() {
				eng.set(func(m *mockEngine) {
					m.matchErr = scanning.NewError(scanning.CodeRecordNotFound, "match", nil)
				})
				r, err := s.Scan(testFrame(), scanning.ResultImage)
				Expect(err).NotTo(HaveOccurred())
				Expect(r).To(BeNil())
				Expect(eng.Calls()).To(Equal([]string{"open", "search", "match", "search"}))
			})
		})

		Describe("lost frames", func() {
			BeforeEach(func() {
				eng.searchID = "A1"
				opts.LostFrames = 2
			})

			scan := func() *scanning.Result {
				r, err := s.Scan(testFrame(), scanning.ResultImage)
				Expect(err).NotTo(HaveOccurred())
				return r
			}
			target := func(id string) {
				eng.set(func(m *mockEngine) { m.searchID = id })
			}

			It("should suppress repeated results until enough frames are lost", func() {
				Expect(scan().Value()).To(Equal("A1"))
				Expect(scan()).To(BeNil())

				target("")
				Expect(scan()).To(BeNil())
				target("A1")
				Expect(scan()).To(BeNil())

				target("")
				Expect(scan()).To(BeNil())
				Expect(scan()).To(BeNil())
				target("A1")
				Expect(scan().Value()).To(Equal("A1"))
			})

			It("should report a different result immediately", func() {
				Expect(scan().Value()).To(Equal("A1"))
				target("B2")
				Expect(scan().Value()).To(Equal("B2"))
				target("A1")
				Expect(scan().Value()).To(Equal("A1"))
			})
		})

		It("drops the result of a scan that straddles a transition", func() {
			gate := make(chan struct{})
			eng.searchID = "A1"
			eng.searchGate = gate

			type scanResult struct {
				r   *scanning.Result
				err error
			}
			done := make(chan scanResult, 1)
			go func() {
				r, err := s.Scan(testFrame(), scanning.ResultImage)
				done <- scanResult{r, err}
			}()
			Eventually(eng.Calls).Should(ContainElement("search"))

			Expect(s.Pause()).To(BeTrue())
			Expect(s.Resume()).To(BeTrue())
			close(gate)

			var got scanResult
			Eventually(done).Should(Receive(&got))
			Expect(got.err).NotTo(HaveOccurred())
			Expect(got.r).To(BeNil())

			r, err := s.Scan(testFrame(), scanning.ResultImage)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Value()).To(Equal("A1"))
		})
	})

	Describe("Pause and Resume", func() {
		It("should pause from default", func() {
			Expect(s.Pause()).To(BeTrue())
			Expect(s.State()).To(Equal(StatePaused))
		})

		It("should treat pausing twice as a no-op", func() {
			Expect(s.Pause()).To(BeTrue())
			Expect(s.Pause()).To(BeTrue())
			Expect(s.State()).To(Equal(StatePaused))
		})

		It("refuses to resume unless paused", func() {
			Expect(s.Resume()).To(BeFalse())
			Expect(s.State()).To(Equal(StateDefault))
		})

		It("requires a fresh match after resume", func() {
			eng.searchID = "A1"
			r, err := s.Scan(testFrame(), scanning.ResultImage)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Value()).To(Equal("A1"))
			r, err = s.Scan(testFrame(), scanning.ResultImage)
			Expect(err).NotTo(HaveOccurred())
			Expect(r).To(BeNil())

			Expect(s.Pause()).To(BeTrue())
			Expect(s.Resume()).To(BeTrue())

			r, err = s.Scan(testFrame(), scanning.ResultImage)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Value()).To(Equal("A1"))
			Expect(eng.Calls()).To(Equal([]string{"open", "search", "match", "search"}))
		})

		It("should report state transitions to the delegate", func() {
			Expect(s.Pause()).To(BeTrue())
			Expect(s.Resume()).To(BeTrue())
			Eventually(obs.States).Should(Equal([]map[string]any{
				{"state": "paused", "syncing": false},
				{"state": "default", "syncing": false},
			}))
		})
	})

	Describe("Snap", func() {
		BeforeEach(func() {
			eng.apiIDs = []string{"A1"}
		})

		It("should search the next frame and return to default", func() {
			Expect(s.Snap()).To(BeTrue())
			Expect(s.State()).To(Equal(StateSearching))

			r, err := s.Scan(testFrame(), scanning.ResultImage)
			Expect(err).NotTo(HaveOccurred())
			Expect(r).To(BeNil())

			Eventually(obs.Events).Should(Equal([]string{
				"state searching", "willSearch", "didSearch image:A1", "state default",
			}))
			Expect(s.State()).To(Equal(StateDefault))
			Consistently(searchEvents, 100*time.Millisecond).Should(HaveLen(2))
			Expect(eng.Calls()).To(Equal([]string{"open", "api search"}))
		})

		It("refuses further scans while the search is outstanding", func() {
			eng.apiGate = make(chan struct{})
			Expect(s.Snap()).To(BeTrue())
			_, err := s.Scan(testFrame(), scanning.ResultImage)
			Expect(err).NotTo(HaveOccurred())

			_, err = s.Scan(testFrame(), scanning.ResultImage)
			Expect(errors.Is(err, scanning.ErrInvalidState)).To(BeTrue())
			close(eng.apiGate)
		})

		It("forgets the last local result", func() {
			eng.searchID = "A1"
			r, err := s.Scan(testFrame(), scanning.ResultImage)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Value()).To(Equal("A1"))

			Expect(s.Snap()).To(BeTrue())
			Expect(s.Cancel()).To(BeTrue())

			r, err = s.Scan(testFrame(), scanning.ResultImage)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Value()).To(Equal("A1"))
		})

		It("is refused while paused or searching", func() {
			Expect(s.Pause()).To(BeTrue())
			Expect(s.Snap()).To(BeFalse())
			Expect(s.Resume()).To(BeTrue())
			Expect(s.Snap()).To(BeTrue())
			Expect(s.Snap()).To(BeFalse())
		})

		It("should forward search failures", func() {
			eng.apiErr = scanning.NewError(scanning.CodeAuthDenied, "api search", nil)
			Expect(s.Snap()).To(BeTrue())
			_, err := s.Scan(testFrame(), scanning.ResultImage)
			Expect(err).NotTo(HaveOccurred())

			Eventually(searchEvents).Should(Equal([]string{"willSearch", "failedToSearch"}))
			Expect(errors.Is(obs.Errors()[0], scanning.ErrUnauthorized)).To(BeTrue())
			Eventually(s.State).Should(Equal(StateDefault))
		})
	})

	Describe("Cancel", func() {
		It("refuses unless searching", func() {
			Expect(s.Cancel()).To(BeFalse())
			Expect(s.Pause()).To(BeTrue())
			Expect(s.Cancel()).To(BeFalse())
			Expect(s.State()).To(Equal(StatePaused))
		})

		It("refuses to pause while searching until cancelled", func() {
			Expect(s.Snap()).To(BeTrue())
			Expect(s.Pause()).To(BeFalse())
			Expect(s.State()).To(Equal(StateSearching))

			Expect(s.Cancel()).To(BeTrue())
			Expect(s.Pause()).To(BeTrue())
			Expect(s.State()).To(Equal(StatePaused))
		})

		It("should drop the result of the cancelled search", func() {
			gate := make(chan struct{})
			eng.apiGate = gate
			eng.apiIDs = []string{"A1"}

			Expect(s.Snap()).To(BeTrue())
			_, err := s.Scan(testFrame(), scanning.ResultImage)
			Expect(err).NotTo(HaveOccurred())
			Eventually(eng.apiCalls.Load).Should(BeEquivalentTo(1))

			Expect(s.Cancel()).To(BeTrue())
			close(gate)

			Consistently(searchEvents, 100*time.Millisecond).ShouldNot(ContainElement(HavePrefix("didSearch")))
			Expect(s.State()).To(Equal(StateDefault))
		})

		It("should drop events from a stale search observer", func() {
			eng.apiGate = make(chan struct{})
			Expect(s.Snap()).To(BeTrue())
			_, err := s.Scan(testFrame(), scanning.ResultImage)
			Expect(err).NotTo(HaveOccurred())

			s.mu.Lock()
			stale := s.forward
			s.mu.Unlock()
			Expect(s.Cancel()).To(BeTrue())
			Expect(s.Snap()).To(BeTrue())

			done := make(chan struct{})
			queue.Dispatch(func() {
				stale.DidSearch(scanning.NewImageResult("STALE"))
				close(done)
			})
			Eventually(done).Should(BeClosed())

			Expect(searchEvents()).NotTo(ContainElement("didSearch image:STALE"))
			Expect(s.State()).To(Equal(StateSearching))
			close(eng.apiGate)
		})
	})

	Describe("Sync", func() {
		BeforeEach(func() {
			eng.syncSteps = [][2]int{{1, 1}}
		})

		It("should forward the run to the delegates", func() {
			Expect(s.Sync()).To(BeTrue())
			Eventually(obs.Events).Should(Equal([]string{"willSync", "progress 1/1", "didSync"}))
		})

		It("should report syncing in state updates", func() {
			gate := make(chan struct{})
			eng.syncGate = gate
			Expect(s.Sync()).To(BeTrue())
			Expect(s.Pause()).To(BeTrue())
			close(gate)

			Eventually(obs.States).Should(ContainElement(map[string]any{"state": "paused", "syncing": true}))
		})
	})

	It("keeps every transition sequence within the state machine", func() {
		eng.set(func(m *mockEngine) { m.apiBlock = true })

		state, pending := s.State(), false
		for seed := uint64(1); seed <= 5; seed++ {
			rng := rand.New(rand.NewPCG(seed, 0))
			for i := 0; i < 200; i++ {
				switch rng.IntN(5) {
				case 0:
					ok := s.Pause()
					Expect(ok).To(Equal(state != StateSearching))
					if ok {
						state = StatePaused
					}
				case 1:
					ok := s.Resume()
					Expect(ok).To(Equal(state == StatePaused))
					if ok {
						state = StateDefault
					}
				case 2:
					ok := s.Snap()
					Expect(ok).To(Equal(state == StateDefault))
					if ok {
						state, pending = StateSearching, true
					}
				case 3:
					ok := s.Cancel()
					Expect(ok).To(Equal(state == StateSearching))
					if ok {
						state, pending = StateDefault, false
					}
				case 4:
					_, err := s.Scan(testFrame(), scanning.ResultImage)
					switch {
					case state == StatePaused, state == StateSearching && !pending:
						Expect(errors.Is(err, scanning.ErrInvalidState)).To(BeTrue())
					default:
						Expect(err).NotTo(HaveOccurred())
						pending = false
					}
				}
				Expect(s.State()).To(Equal(state))
				Expect(s.State()).To(BeElementOf(StateDefault, StateSearching, StatePaused))
			}
		}
	})

	It("never overlaps scans with a background sync inside the engine", func() {
		eng.delay = time.Millisecond
		eng.searchID = "A1"
		eng.syncSteps = [][2]int{{1, 2}, {2, 2}}

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				for j := 0; j < 20; j++ {
					_, err := s.Scan(testFrame(), scanning.BarcodeTypes|scanning.ResultImage)
					Expect(err).NotTo(HaveOccurred())
					if j%5 == 0 {
						s.Sync()
					}
				}
			}()
		}
		wg.Wait()
		Eventually(syncs.IsSyncing).Should(BeFalse())

		Expect(eng.overlaps.Load()).To(BeZero())
		Expect(eng.syncCalls.Load()).To(BeNumerically(">=", 1))
	})
})
