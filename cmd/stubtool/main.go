// Command stubtool is a demonstration tool server for agentd. It speaks the
// newline-delimited JSON tool protocol on stdin/stdout.
package main

import (
	"fmt"
	"os"

	"github.com/rtreit/stockripperv2/internal/toolstub"
)

func main() {
	opts := toolstub.Options{Prefix: os.Getenv(toolstub.EnvPrefix)}
	if err := toolstub.Serve(os.Stdin, os.Stdout, opts); err != nil {
		fmt.Fprintf(os.Stderr, "stubtool: %v\n", err)
		os.Exit(1)
	}
}
