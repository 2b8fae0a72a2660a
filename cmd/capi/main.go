// capi is a local inference runtime for quantized LLMs, exposing an
// OpenAI-compatible HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/tiagoflino/capi/cmd/capi/commands"
	"github.com/tiagoflino/capi/internal/apperr"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(apperr.ExitCode(err))
	}
}
