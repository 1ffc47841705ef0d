// Command cindermq runs the broker server and its companion setup
// commands. The command tree follows the hlindberg-mezquit pack
// entry's cobra layout (one file per subcommand, package-level flag
// vars bound in init) rather than the teacher's bare main() with a
// single yaml.Unmarshal — the teacher has no CLI surface to generalize
// from, so this part is grounded in the rest of the pack instead.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the entrypoint every subcommand attaches to in its own
// init().
var rootCmd = &cobra.Command{
	Use:   "cindermq",
	Short: "cindermq is an MQTT / MQTT-SN publish-subscribe broker",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
