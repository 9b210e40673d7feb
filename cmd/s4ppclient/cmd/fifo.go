package cmd

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/s4pp/gos4pp/internal/flashfifo"
	"github.com/s4pp/gos4pp/pkg/session"
)

var (
	fifoCount      uint32
	fifoTag        string
	fifoSourceID   string
	fifoSectors    int
	fifoSectorSize int
)

var fifoCmd = &cobra.Command{
	Use:   "fifo-upload",
	Short: "Upload a flash-FIFO-backed sample stream",
	Long: `fifo-upload pre-fills an in-memory flash FIFO (internal/flashfifo)
with synthetic samples, then uploads from it exactly as firmware would:
samples only leave the FIFO once the server has acknowledged the
sequence they were part of.`,
	RunE: runFIFO,
}

func init() {
	fifoCmd.Flags().Uint32Var(&fifoCount, "count", 100, "number of synthetic samples to seed the FIFO with")
	fifoCmd.Flags().StringVar(&fifoTag, "tag", "temp", "sensor tag to stamp every sample with")
	fifoCmd.Flags().StringVar(&fifoSourceID, "source-id", "demo", "source id recorded against every sample")
	fifoCmd.Flags().IntVar(&fifoSectors, "sectors", 4, "data sectors to give the FIFO")
	fifoCmd.Flags().IntVar(&fifoSectorSize, "sector-size", 4096, "bytes per flash sector")
}

func runFIFO(_ *cobra.Command, _ []string) error {
	cfg, err := sessionConfigFromFlags()
	if err != nil {
		return err
	}
	cfg.FlashBase = fifoSourceID

	dev := flashfifo.NewMemoryDevice(fifoSectorSize, 4+fifoSectors)
	fifo, err := flashfifo.New(dev, fifoSectors)
	if err != nil {
		return err
	}
	if err := fifo.Prepare(); err != nil {
		return err
	}

	// instantNoDuration mirrors internal/s4pp's "instant" sentinel: a
	// sample with no meaningful duration span.
	const instantNoDuration = 0xfffff

	base := uint32(time.Now().Unix())
	var tag [4]byte
	copy(tag[:], fifoTag)
	for i := uint32(0); i < fifoCount; i++ {
		if err := fifo.Store(base+i, int32(i), 0, instantNoDuration, tag, fifoSourceID); err != nil {
			return err
		}
	}
	log.Infof("[s4ppclient] seeded FIFO with %d sample(s)", fifoCount)

	sess, _, err := session.OpenFIFO(cfg, dev, fifoSectors, &logNotifier{})
	if err != nil {
		return err
	}
	finalErr, committed := sess.Wait()
	if finalErr != nil {
		return finalErr
	}
	log.Infof("[s4ppclient] fifo upload finished, committed=%d", committed)
	return nil
}
