// Command sentinel-gate runs the governance runtime for MCP tool calls.
package main

import "github.com/Sentinel-Gate/Sentinelgate/cmd/sentinel-gate/cmd"

func main() {
	cmd.Execute()
}
