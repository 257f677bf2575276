// Command profiler drives a target model-host server at increasing
// concurrency, searching for the operating point that meets a latency
// threshold while throughput and latency have stabilized (spec section
// 4.5), reporting per-request client-side measurements alongside the
// server's own differenced statistics fetched over the control plane.
package main

import (
	"fmt"
	"os"

	"github.com/nova-infer/server/cmd/profiler/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(commands.ExitCode(err))
	}
}
