package cmd

import (
	"errors"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/s4pp/gos4pp/pkg/session"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "s4ppclient",
	Short: "Upload a sample stream to an S4PP collection server",
	Long: `s4ppclient opens one S4PP session and uploads either a
synthetic pull-mode sample stream or a flash-FIFO-backed stream,
reporting every notification and the final disconnect reason.`,
}

// Execute runs the root command. It is called once from main.main.
// Session failures exit with a distinct code per ErrorKind (see
// exitCode); anything else exits 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps a *session.SessionError to 10 plus its kind (11 config,
// 12 network, 13 protocol, 14 server reject, 15 resource, 16 contract),
// so scripts can tell a server rejection from a transport failure. Any
// other error maps to 1.
func exitCode(err error) int {
	var sessErr *session.SessionError
	if errors.As(err, &sessErr) {
		return 10 + int(sessErr.Kind)
	}
	return 1
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (INI format, see [s4pp] section)")
	rootCmd.PersistentFlags().String("server", "", "S4PP server hostname or address")
	rootCmd.PersistentFlags().Int("port", 0, "S4PP server port (default 22226)")
	rootCmd.PersistentFlags().String("user", "", "S4PP user name")
	rootCmd.PersistentFlags().String("key", "", "S4PP shared key")
	rootCmd.PersistentFlags().Bool("secure", false, "connect over TLS")
	rootCmd.PersistentFlags().String("hide", "auto", "payload encryption: auto, off, preferred, mandatory")
	rootCmd.PersistentFlags().Uint32("max-batch", 0, "cap samples per sequence (0: server default)")
	rootCmd.PersistentFlags().Bool("legacy-key-truncation", false, "reproduce the legacy truncated HIDE session-key derivation")
	rootCmd.PersistentFlags().Bool("debug", false, "verbose protocol logging")

	for _, name := range []string{"server", "port", "user", "key", "secure", "hide", "max-batch", "legacy-key-truncation", "debug"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(fifoCmd)
}

func initConfig() {
	if viper.GetBool("debug") {
		log.SetLevel(log.DebugLevel)
	}
	if cfgFile == "" {
		return
	}
	if err := loadINIConfig(cfgFile); err != nil {
		log.Fatalf("[s4ppclient] loading %s: %v", cfgFile, err)
	}
}
