// Command s4ppclient is a demo S4PP uploader: it drives pkg/session
// against a real server either as a synthetic pull-mode sample stream
// or as a flash-FIFO-backed stream, so the protocol engine and the
// FIFO can both be exercised from the command line.
package main

import "github.com/s4pp/gos4pp/cmd/s4ppclient/cmd"

func main() {
	cmd.Execute()
}
