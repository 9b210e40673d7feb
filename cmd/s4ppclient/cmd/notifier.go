package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/s4pp/gos4pp/pkg/session"
)

// logNotifier reports every session callback through logrus, in the
// teacher's "log then move on" style (see pkg/node/controller.go).
type logNotifier struct{}

func (n *logNotifier) OnNotify(code int, args []string) {
	switch code {
	case session.NtfyTime:
		log.Infof("[s4ppclient] NTFY time: %v", args)
	case session.NtfyFirmware:
		log.Infof("[s4ppclient] NTFY firmware: %v", args)
	case session.NtfyFlags:
		log.Infof("[s4ppclient] NTFY flags: %v", args)
	default:
		log.Infof("[s4ppclient] NTFY %d: %v", code, args)
	}
}

func (n *logNotifier) OnCommit(nCommitted uint32) {
	log.Infof("[s4ppclient] committed %d sample(s)", nCommitted)
}

func (n *logNotifier) OnDisconnect(err *session.SessionError, nCommitted uint32) {
	if err != nil {
		log.Errorf("[s4ppclient] disconnected after %d committed: %v", nCommitted, err)
	} else {
		log.Infof("[s4ppclient] disconnected cleanly after %d committed", nCommitted)
	}
}

// sessionConfigFromFlags builds a session.Config from whatever viper has
// resolved (flags, then INI defaults).
func sessionConfigFromFlags() (session.Config, error) {
	cfg := session.Config{
		Server:              viper.GetString("server"),
		Port:                viper.GetInt("port"),
		User:                viper.GetString("user"),
		Key:                 viper.GetString("key"),
		Secure:              viper.GetBool("secure"),
		MaxBatchSize:        viper.GetUint32("max-batch"),
		LegacyKeyTruncation: viper.GetBool("legacy-key-truncation"),
	}
	switch viper.GetString("hide") {
	case "", "auto":
		// leave HideSet false: session.Config.resolveHide picks preferred
		// unless Secure is set.
	case "off":
		cfg.Hide, cfg.HideSet = session.HideDisabled, true
	case "preferred":
		cfg.Hide, cfg.HideSet = session.HidePreferred, true
	case "mandatory":
		cfg.Hide, cfg.HideSet = session.HideMandatory, true
	default:
		return session.Config{}, fmt.Errorf("s4ppclient: unknown --hide value %q", viper.GetString("hide"))
	}
	if cfg.Server == "" {
		return session.Config{}, fmt.Errorf("s4ppclient: --server is required")
	}
	return cfg, nil
}
