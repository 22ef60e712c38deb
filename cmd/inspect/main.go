package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatvault/internal/archive"
	"github.com/eldtechnologies/chatvault/internal/config"
	"github.com/eldtechnologies/chatvault/internal/store"
)

func main() {
	roomID := flag.Int64("room", 0, "Room id")
	day := flag.String("day", "", "Day bucket to print as YYYY/MM/DD (default: most recent)")
	indexOnly := flag.Bool("index", false, "Print only the room index")
	flag.Parse()

	if *roomID <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: inspect -room <id> [-day YYYY/MM/DD] [-index]")
		fmt.Fprintln(os.Stderr, "  Reads the blob store selected by BLOB_BACKEND")
		os.Exit(1)
	}

	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	blobs, err := store.OpenBlobStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s blob store: %v\n", cfg.BlobBackend, err)
		os.Exit(1)
	}
	defer blobs.Close()

	arch, err := archive.New(blobs, zerolog.Nop(), archive.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	idx, err := arch.GetRoomIndex(ctx, *roomID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading index: %v\n", err)
		os.Exit(1)
	}
	if idx == nil {
		fmt.Fprintf(os.Stderr, "Room %d has no archived messages\n", *roomID)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	fmt.Println("# index")
	enc.Encode(idx)
	if total, ok, err := blobs.TotalBytes(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: size query failed: %v\n", err)
	} else if ok {
		fmt.Printf("# %s backend holds %d compressed bytes\n", cfg.BlobBackend, total)
	}
	if *indexOnly {
		return
	}

	target := *day
	if target == "" && len(idx.Days) > 0 {
		target = idx.Days[0]
	}
	if target == "" {
		return
	}

	msgs, err := arch.GetDayBucket(ctx, *roomID, target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading bucket %s: %v\n", target, err)
		os.Exit(1)
	}

	fmt.Printf("# %s (%d messages)\n", store.DayBucketKey(*roomID, target), len(msgs))
	enc.Encode(msgs)
}
