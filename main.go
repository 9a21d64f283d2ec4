// Command polite-crawler crawls the web from seed URLs while contacting each
// host at most once per politeness interval.
//
// Subcommands:
//   - crawl runs the single-worker crawl loop, and the ops HTTP server when
//     server.enabled is set, until SIGINT or SIGTERM.
//   - frontier tables|view|drop|add|remove administers the persistent store.
//
// Configuration comes from an optional --config file, CRAWLER_* environment
// variables (CRAWLER_STORE_DRIVER, CRAWLER_CRAWLER_POLITENESS_INTERVAL, ...),
// and flags, in increasing precedence.
package main

import (
	"github.com/JakeFAU/polite-crawler/cmd"
)

func main() {
	cmd.Execute()
}
