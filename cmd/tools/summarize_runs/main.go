package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/ayakokk/DNAStorage-sub000/internal/report"
)

func main() {
	var runsDir, outPath, csvPath string
	flag.StringVar(&runsDir, "runs", "runs", "directory of run files (*.json, *.json.zst)")
	flag.StringVar(&outPath, "out", "docs/reports/summary.md", "output markdown path")
	flag.StringVar(&csvPath, "csv", "", "optional CSV of the merged records")
	flag.Parse()

	runs, err := loadRuns(runsDir)
	if err != nil {
		fatalf("%v", err)
	}
	if len(runs) == 0 {
		fatalf("no run files in %s", runsDir)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		fatalf("mkdir %s: %v", filepath.Dir(outPath), err)
	}
	f, err := os.Create(outPath)
	if err != nil {
		fatalf("create %s: %v", outPath, err)
	}
	defer f.Close()
	if err := report.WriteMarkdown(f, "IDS run summary", runs); err != nil {
		fatalf("write %s: %v", outPath, err)
	}
	fmt.Printf("wrote %s (%d runs)\n", outPath, len(runs))

	if csvPath != "" {
		if err := writeCSV(csvPath, report.Merge(runs)); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("wrote %s\n", csvPath)
	}
}

func loadRuns(dir string) ([]*report.Run, error) {
	var paths []string
	for _, pat := range []string{"*.json", "*.json.zst"} {
		m, err := filepath.Glob(filepath.Join(dir, pat))
		if err != nil {
			return nil, err
		}
		paths = append(paths, m...)
	}
	sort.Strings(paths)
	var out []*report.Run
	seen := map[string]string{}
	for _, p := range paths {
		r, err := report.LoadRun(p)
		if err != nil {
			// Not every JSON file in the directory has to be a run.
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", p, err)
			continue
		}
		if prev, ok := seen[r.ID]; ok {
			fmt.Fprintf(os.Stderr, "skip %s: run %s already read from %s\n", p, r.ID, prev)
			continue
		}
		seen[r.ID] = p
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func writeCSV(path string, recs []*report.Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	_ = w.Write([]string{"codebook", "q", "nu", "Q", "ns", "nseq", "num_iter", "error_states", "kmer",
		"pi", "pd", "ps", "trials", "symbols", "symbol_errors", "ser", "ber", "ixy", "strands", "erased", "blocks", "recovered"})
	ff := func(v float64) string { return strconv.FormatFloat(v, 'g', 6, 64) }
	for _, r := range recs {
		_ = w.Write([]string{
			r.Codebook,
			strconv.Itoa(r.Alphabet), strconv.Itoa(r.Nu), strconv.Itoa(r.Size), strconv.Itoa(r.Ns),
			strconv.Itoa(r.Nseq), strconv.Itoa(r.NumIter), strconv.Itoa(r.ErrorStates), strconv.FormatBool(r.Kmer),
			ff(r.Pi), ff(r.Pd), ff(r.Ps),
			strconv.Itoa(r.Trials), strconv.Itoa(r.Symbols), strconv.Itoa(r.SymbolErrors),
			ff(r.SER), ff(r.BER), ff(r.Ixy),
			strconv.Itoa(r.Strands), strconv.Itoa(r.Erased), strconv.Itoa(r.Blocks), strconv.Itoa(r.Recovered),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func fatalf(f string, a ...any) { fmt.Fprintf(os.Stderr, f+"\n", a...); os.Exit(1) }
