package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"msgsync/pkg/logger"
	"msgsync/pkg/store"
)

// inspect dumps a local store for debugging: conversations, ordered
// messages, and queued sends. Run it only against a store no daemon
// has open.
func main() {
	var (
		path string
		conv string
		asJS bool
	)
	flag.StringVar(&path, "path", "", "store directory (e.g. .msgsync/store)")
	flag.StringVar(&conv, "conv", "", "limit to one conversation")
	flag.BoolVar(&asJS, "json", false, "emit raw JSON rows")
	flag.Parse()
	if path == "" {
		fmt.Fprintln(os.Stderr, "--path required")
		os.Exit(2)
	}

	logger.Init("error")
	st, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	convs, err := st.ListConversations()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list conversations: %v\n", err)
		os.Exit(1)
	}

	for _, c := range convs {
		if conv != "" && c.ID != conv {
			continue
		}
		fmt.Printf("conversation %s kind=%s participants=%v unread=%d watermark=%d\n",
			c.ID, c.Kind, c.ParticipantIDs, c.Unread, c.LastSyncedTS)

		msgs, err := st.GetOrdered(c.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  list messages: %v\n", err)
			continue
		}
		for _, m := range msgs {
			if asJS {
				b, _ := json.Marshal(m)
				fmt.Printf("  %s\n", b)
				continue
			}
			ts := m.ServerTS
			if ts == 0 {
				ts = m.ClientTS
			}
			fmt.Printf("  [%s] ts=%d corr=%s canon=%s from=%s delivered=%d read=%d attempts=%d\n",
				m.Status, ts, m.CorrelationID, m.CanonicalID, m.SenderID,
				len(m.DeliveredTo), len(m.ReadBy), m.Attempts)
		}

		pend, err := st.PendingCorrIDs(c.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  list pending: %v\n", err)
			continue
		}
		if len(pend) > 0 {
			fmt.Printf("  queued sends (fifo): %v\n", pend)
		}
	}
}
