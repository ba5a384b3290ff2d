package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"tradecore/internal/mdg"
	"tradecore/internal/ops"
)

// mdg writes seeded random-walk bars for every configured symbol as <SYMBOL>.csv,
// ready to be read back with data.source=csv.
func main() {
	configPath := flag.String("config", "", "Config file (registry, session and data.window/data.generator are used)")
	outDir := flag.String("out", "data/bars", "Output directory")
	seed := flag.Uint64("seed", 0, "Override data.generator.seed (0=keep)")
	regularOnly := flag.Bool("regular-hours", true, "Only emit bars inside the regular session")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	cfg := loaded.Data.Generator
	if *seed != 0 {
		cfg.Seed = *seed
	}
	var hours mdg.TradingHours
	if *regularOnly {
		hours = loaded.Calendar
	}
	gen, err := mdg.NewGenerator(loaded.Registry, cfg, hours)
	if err != nil {
		log.Fatalf("generator init failed: %v", err)
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("create %s failed: %v", *outDir, err)
	}

	ctx := context.Background()
	w := loaded.Data.Window
	for _, sym := range loaded.Registry.Symbols() {
		bars, err := gen.FetchHistorical(ctx, sym, w.From, w.To, w.Resolution)
		if err != nil {
			log.Fatalf("generate %s failed: %v", sym, err)
		}
		path := filepath.Join(*outDir, sym+".csv")
		if err := writeFile(path, bars); err != nil {
			log.Fatalf("write %s failed: %v", path, err)
		}
		log.Printf("wrote %d bars to %s", len(bars), path)
	}
}

func writeFile(path string, bars []mdg.RawRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := mdg.WriteCSV(f, bars); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
