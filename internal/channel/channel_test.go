package channel_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/cbm-fles/tscpipe/internal/channel"
	"github.com/cbm-fles/tscpipe/internal/mdformat"
	"github.com/cbm-fles/tscpipe/internal/ringbuf"
)

// buildChannel lays out n microslices, each msDurationNs apart and
// msSize bytes long, back to back starting at offset 0, and returns
// the channel plus its backing descriptor ring (so tests can still
// reach into the mdformat.Descriptor values for assertions).
func buildChannel(n int, msDurationNs, msSize uint64, overlapBefore, overlapAfter uint64) (*channel.Channel, *ringbuf.View[mdformat.Descriptor]) {
	descRing := ringbuf.New(make([]mdformat.Descriptor, n))
	dataRing := ringbuf.New(make([]byte, n*int(msSize)))

	for i := 0; i < n; i++ {
		descRing.Set(uint64(i), mdformat.Descriptor{
			Idx:    uint64(i+1) * msDurationNs,
			Offset: uint64(i) * msSize,
			Size:   uint32(msSize),
		})
	}

	ch := channel.New(descRing, dataRing, "desc-arena", "data-arena", overlapBefore, overlapAfter, 0)
	ch.SetWriteIndex(uint64(n))
	return ch, descRing
}

var _ = Describe("Channel", func() {
	const msDuration = uint64(1000) // ns between microslices

	Describe("CheckAvailability", func() {
		It("reports OK once the write index covers the requested window", func() {
			ch, _ := buildChannel(8, msDuration, 16, 0, 0)
			status := ch.CheckAvailability(msDuration, 5*msDuration)
			Expect(status).To(Equal(channel.StatusOK))
		})

		It("reports TryLater when the producer hasn't written far enough yet", func() {
			descRing := ringbuf.New(make([]mdformat.Descriptor, 8))
			dataRing := ringbuf.New(make([]byte, 8*16))
			for i := 0; i < 8; i++ {
				descRing.Set(uint64(i), mdformat.Descriptor{Idx: uint64(i+1) * msDuration, Offset: uint64(i) * 16, Size: 16})
			}
			ch := channel.New(descRing, dataRing, "d", "c", 0, 0, 0)
			ch.SetWriteIndex(3) // only the first 3 microslices exist so far

			status := ch.CheckAvailability(msDuration, 6*msDuration)
			Expect(status).To(Equal(channel.StatusTryLater))
		})

		It("reports Failed once the requested window has already scrolled out of the ring", func() {
			ch, _ := buildChannel(8, msDuration, 16, 0, 0)
			Expect(ch.AckBefore(6 * msDuration)).To(Succeed())

			status := ch.CheckAvailability(msDuration, 2*msDuration)
			Expect(status).To(Equal(channel.StatusFailed))
		})

		It("reports TryLater on an empty ring (read index equals write index)", func() {
			descRing := ringbuf.New(make([]mdformat.Descriptor, 4))
			dataRing := ringbuf.New(make([]byte, 4))
			ch := channel.New(descRing, dataRing, "d", "c", 0, 0, 0)
			// write index defaults to 0, matching the initial read index
			Expect(ch.CheckAvailability(0, 1)).To(Equal(channel.StatusTryLater))
		})
	})

	Describe("AckBefore", func() {
		It("never moves the read index backward", func() {
			ch, _ := buildChannel(8, msDuration, 16, 0, 0)
			Expect(ch.AckBefore(5 * msDuration)).To(Succeed())
			advanced := ch.ReadIndex()
			Expect(advanced).To(BeNumerically(">", 0))

			Expect(ch.AckBefore(2 * msDuration)).To(Succeed())
			Expect(ch.ReadIndex()).To(Equal(advanced), "an earlier ack must not roll the read index back")
		})

		It("accounts for the configured lead-in overlap", func() {
			withOverlap, _ := buildChannel(8, msDuration, 16, 2*msDuration, 0)
			withoutOverlap, _ := buildChannel(8, msDuration, 16, 0, 0)

			Expect(withOverlap.AckBefore(5 * msDuration)).To(Succeed())
			Expect(withoutOverlap.AckBefore(5 * msDuration)).To(Succeed())

			Expect(withOverlap.ReadIndex()).To(BeNumerically("<=", withoutOverlap.ReadIndex()),
				"a larger overlap-before window acks fewer (or equal) microslices for the same timestamp")
		})
	})

	Describe("GetDescriptor", func() {
		It("flags MissingMicroslices when the leading edge of the window has already scrolled out", func() {
			ch, _ := buildChannel(8, msDuration, 16, 0, 0)
			Expect(ch.AckBefore(3 * msDuration)).To(Succeed())

			handle, err := ch.GetDescriptor(msDuration, 5*msDuration)
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.MissingMicroslices).To(BeTrue())
		})

		It("does not flag MissingMicroslices when the whole window is still present", func() {
			ch, _ := buildChannel(8, msDuration, 16, 0, 0)

			handle, err := ch.GetDescriptor(msDuration, 4*msDuration)
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.MissingMicroslices).To(BeFalse())
			Expect(handle.Descriptors).NotTo(BeEmpty())
			Expect(handle.Contents).NotTo(BeEmpty())
		})

		It("flags MissingMicroslices when an overflow was recorded in the window", func() {
			descRing := ringbuf.New(make([]mdformat.Descriptor, 8))
			dataRing := ringbuf.New(make([]byte, 8*16))
			for i := 0; i < 8; i++ {
				flags := uint16(0)
				if i == 3 {
					flags = mdformat.FlagOverflowFlim
				}
				descRing.Set(uint64(i), mdformat.Descriptor{
					Idx: uint64(i+1) * msDuration, Offset: uint64(i) * 16, Size: 16, Flags: flags,
				})
			}
			ch := channel.New(descRing, dataRing, "d", "c", 0, 0, 0)
			ch.SetWriteIndex(8)

			handle, err := ch.GetDescriptor(msDuration, 6*msDuration)
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.MissingMicroslices).To(BeTrue())
		})
	})

	Describe("GetMonitoring", func() {
		It("reports a growing delay once the wall clock passes the newest microslice", func() {
			ch, _ := buildChannel(4, msDuration, 16, 0, 0)
			mon := ch.GetMonitoring(100 * msDuration)
			Expect(mon.Delay).To(BeNumerically(">", 0))
			Expect(mon.WriteIndex).To(Equal(uint64(4)))
		})
	})
})
