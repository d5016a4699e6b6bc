// Command eventfeed serves live per-recipient event streams and maintains the event store.
//
//	eventfeed serve          run the tailer, dispatcher and HTTP/SSE API
//	eventfeed schema         print or apply the events table DDL
//	eventfeed partitions     create upcoming partitions and drop expired ones
//	eventfeed heads-cleanup  prune MySQL recipient heads (and events of unpartitioned tables)
//	eventfeed bench          measure append throughput and commit-to-emit latency
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
