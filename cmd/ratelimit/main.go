// Command ratelimit starts one node of the distributed rate limiter
// cluster, wired by the cobra command tree in flags.go.
package main

import "os"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fatalf("%v", err)
	}
	os.Exit(0)
}
