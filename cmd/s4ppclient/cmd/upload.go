package cmd

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/s4pp/gos4pp/pkg/session"
)

var (
	uploadCount uint32
	uploadTag   string
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a synthetic pull-mode sample stream",
	RunE:  runUpload,
}

func init() {
	uploadCmd.Flags().Uint32Var(&uploadCount, "count", 100, "number of synthetic samples to upload")
	uploadCmd.Flags().StringVar(&uploadTag, "tag", "temp", "sensor tag to stamp every sample with")
}

// runUpload drives pkg/session against a counting synthetic
// PullFunc: each call yields one more sample until count is reached,
// matching the pull-mode contract (spec §4.J).
func runUpload(_ *cobra.Command, _ []string) error {
	cfg, err := sessionConfigFromFlags()
	if err != nil {
		return err
	}

	var produced uint32
	base := time.Now().Unix()
	next := func(heartbeat uint32) (session.Sample, bool) {
		if produced >= uploadCount {
			return session.Sample{}, false
		}
		s := session.Sample{
			Timestamp: uint32(base) + produced,
			Value:     int32(produced),
			Decimals:  0,
			Tag:       uploadTag,
		}
		produced++
		return s, true
	}

	sess, err := session.Open(cfg, session.NewPullSource(next), &logNotifier{})
	if err != nil {
		return err
	}
	finalErr, committed := sess.Wait()
	if finalErr != nil {
		return finalErr
	}
	log.Infof("[s4ppclient] upload finished, committed=%d", committed)
	return nil
}
