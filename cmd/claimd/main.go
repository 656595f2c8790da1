// Command claimd serves claim sessions over HTTP. It is a demo of the
// library: payloads are opaque JSON documents held in memory by the daemon
// and persisted to Redis (or kept in memory when no Redis is configured).
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
