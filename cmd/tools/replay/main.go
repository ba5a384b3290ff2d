package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"tradecore/internal/codec"
	"tradecore/internal/recorder"
	"tradecore/internal/schema"
)

func main() {
	dir := flag.String("dir", "data/journal", "Journal directory")
	prefix := flag.String("prefix", "", "Journal file prefix (default: journal)")
	after := flag.Uint64("after", 0, "Skip records with seq <= after")
	speed := flag.Float64("speed", 0, "Playback speed (1=real-time, 0=no pacing)")
	noChecksum := flag.Bool("no-checksum", false, "Disable checksum validation")
	maxPayload := flag.Int("max-payload", 0, "Max payload size in bytes (0=unlimited)")
	decode := flag.Bool("decode", false, "Decode payloads")
	only := flag.String("type", "", "Only print records of this type, e.g. fill")
	flag.Parse()

	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:             *dir,
		FilePrefix:      *prefix,
		Speed:           *speed,
		AfterSeq:        *after,
		DisableChecksum: *noChecksum,
		MaxPayloadSize:  *maxPayload,
	})
	if err != nil {
		log.Fatalf("playback init failed: %v", err)
	}

	counts := make(map[schema.EventType]int)
	err = pb.Run(context.Background(), func(e recorder.Entry) error {
		h := e.Header
		counts[h.Type]++
		if *only != "" && h.Type.String() != *only {
			return nil
		}
		fmt.Printf("seq=%d type=%s v=%d ts_event=%s ts_recv=%s trace=%d len=%d\n",
			h.Seq, h.Type, h.Version, stamp(h.TsEvent), stamp(h.TsRecv), h.Trace, len(e.Payload))
		if *decode {
			v, err := codec.Decode(h.Type, e.Payload)
			if err != nil {
				fmt.Printf("  decode failed: %v\n", err)
				return nil
			}
			fmt.Printf("  %+v\n", v)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("playback run failed: %v", err)
	}
	log.Printf("records by type: %v", counts)
}

func stamp(ns int64) string {
	return time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
}
