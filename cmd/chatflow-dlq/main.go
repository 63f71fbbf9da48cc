// chatflow-dlq is the operator tool for the dead-letter queue: list failed
// batches, inspect one, and drain entries once they are handled. Draining
// prints the recovered messages as JSON so they can be piped onward.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/joelkehle/chatflow/internal/chat"
	"github.com/joelkehle/chatflow/internal/client"
	"github.com/joelkehle/chatflow/internal/durable"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: chatflow-dlq [flags] <command>

commands:
  list            list undrained dead letters (-all includes drained)
  show <id>       print one entry with its messages
  drain <id>      mark an entry drained and print its messages
  replay <id>     re-merge an entry's messages into the durable store
                  and drain it (requires -db, bypasses the API)

flags:
`)
	flag.PrintDefaults()
}

func main() {
	apiURL := flag.String("api-url", "http://localhost:8080", "chatflow base URL")
	dbPath := flag.String("db", "", "path to the SQLite database file (replay only)")
	all := flag.Bool("all", false, "include drained entries in list")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := client.NewClient(*apiURL, "")

	switch args[0] {
	case "list":
		entries, err := c.ListDeadLetters(ctx, *all)
		if err != nil {
			log.Fatalf("list: %v", err)
		}
		printList(entries)
	case "show":
		entry := fetchOne(ctx, c, args)
		printEntry(entry)
	case "drain":
		id := parseID(args)
		entry, err := c.DrainDeadLetter(ctx, id)
		if err != nil {
			log.Fatalf("drain: %v", err)
		}
		log.Printf("drained dead letter %d (%d messages)", entry.ID, len(entry.Messages))
		printEntry(entry)
	case "replay":
		replay(ctx, *dbPath, parseID(args))
	default:
		usage()
		os.Exit(2)
	}
}

func parseID(args []string) int64 {
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		log.Fatalf("invalid id %q", args[1])
	}
	return id
}

func fetchOne(ctx context.Context, c *client.Client, args []string) chat.DeadLetterEntry {
	id := parseID(args)
	entries, err := c.ListDeadLetters(ctx, true)
	if err != nil {
		log.Fatalf("list: %v", err)
	}
	for _, e := range entries {
		if e.ID == id {
			return e
		}
	}
	log.Fatalf("dead letter %d not found", id)
	return chat.DeadLetterEntry{}
}

// replay merges the entry's messages back into the durable store and marks
// it drained. The merge is idempotent, so a replay that raced an earlier
// partial success cannot duplicate messages.
func replay(ctx context.Context, dbPath string, id int64) {
	if dbPath == "" {
		log.Fatal("replay requires -db")
	}
	store, err := durable.NewStore(dbPath, nil)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	deadLetters := durable.NewDeadLetters(store.DB())
	entry, err := deadLetters.Get(ctx, id)
	if err != nil {
		log.Fatalf("get: %v", err)
	}
	if !entry.DrainedAt.IsZero() {
		log.Fatalf("dead letter %d already drained", id)
	}
	if err := store.MergeMessages(ctx, entry.ConversationID, entry.UserID, entry.CharacterID, entry.Messages); err != nil {
		log.Fatalf("merge: %v", err)
	}
	if _, err := deadLetters.Drain(ctx, id); err != nil {
		log.Fatalf("drain after merge: %v", err)
	}
	log.Printf("replayed dead letter %d: %d messages merged into %s", id, len(entry.Messages), entry.ConversationID)
}

func printList(entries []chat.DeadLetterEntry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCONVERSATION\tMESSAGES\tFAILED AT\tDRAINED\tERROR")
	for _, e := range entries {
		drained := ""
		if !e.DrainedAt.IsZero() {
			drained = e.DrainedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
			e.ID, e.ConversationID, len(e.Messages),
			e.FailedAt.Format("2006-01-02 15:04:05"), drained, e.Error)
	}
	w.Flush()
}

func printEntry(entry chat.DeadLetterEntry) {
	blob, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		log.Fatalf("encode: %v", err)
	}
	fmt.Println(string(blob))
}
