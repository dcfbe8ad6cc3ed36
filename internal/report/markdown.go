package report

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"time"
)

// Merge sums the counters of records with the same Key across runs. The
// result is sorted by configuration and then by channel parameters.
func Merge(runs []*Run) []*Record {
	byKey := map[string]*Record{}
	var out []*Record
	for _, run := range runs {
		for _, r := range run.Records {
			k := r.Key()
			m, ok := byKey[k]
			if !ok {
				c := *r
				byKey[k] = &c
				out = append(out, &c)
				continue
			}
			// Ixy is estimated per run; weight it by symbols.
			if n := m.Symbols + r.Symbols; n > 0 {
				m.Ixy = (m.Ixy*float64(m.Symbols) + r.Ixy*float64(r.Symbols)) / float64(n)
			}
			m.Trials += r.Trials
			m.Symbols += r.Symbols
			m.SymbolErrors += r.SymbolErrors
			m.MaxErrors = max(m.MaxErrors, r.MaxErrors)
			m.Bits += r.Bits
			m.BitErrors += r.BitErrors
			m.TransmitErrors += r.TransmitErrors
			m.Fallbacks += r.Fallbacks
			m.DecodeMS += r.DecodeMS
			m.Strands += r.Strands
			m.Erased += r.Erased
			m.Recovered += r.Recovered
			m.Blocks += r.Blocks
		}
	}
	for _, r := range out {
		r.Finish()
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ka, kb := a.group(), b.group(); ka != kb {
			return ka < kb
		}
		if a.Pi+a.Pd+a.Ps != b.Pi+b.Pd+b.Ps {
			return a.Pi+a.Pd+a.Ps < b.Pi+b.Pd+b.Ps
		}
		if a.Pi != b.Pi {
			return a.Pi < b.Pi
		}
		return a.Pd < b.Pd
	})
	return out
}

func (r *Record) group() string {
	return fmt.Sprintf("%s (q=%d nu=%d Q=%d) ns=%d nseq=%d iter=%d states=%d kmer=%t",
		r.Codebook, r.Alphabet, r.Nu, r.Size, r.Ns, r.Nseq, r.NumIter, r.ErrorStates, r.Kmer)
}

// WriteMarkdown renders merged records as one table per configuration.
func WriteMarkdown(w io.Writer, title string, runs []*Run) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# %s\n\n", title)
	fmt.Fprintf(bw, "Generated: %s\n\n", time.Now().Format(time.RFC3339))
	if len(runs) > 0 {
		fmt.Fprintln(bw, "| Run | Tool | Created | Seed | Records |")
		fmt.Fprintln(bw, "|---|---|---|---:|---:|")
		for _, r := range runs {
			fmt.Fprintf(bw, "| %s | %s | %s | %d | %d |\n", r.ID, r.Tool, r.Created.Format(time.RFC3339), r.Seed, len(r.Records))
		}
		fmt.Fprintln(bw)
	}
	recs := Merge(runs)
	group := ""
	for _, r := range recs {
		if g := r.group(); g != group {
			group = g
			fmt.Fprintf(bw, "## %s\n\n", g)
			if r.Strands > 0 {
				fmt.Fprintln(bw, "| Pi | Pd | Ps | Trials | SER | BER | Ixy | Strands | Erased | Blocks | Recovered |")
				fmt.Fprintln(bw, "|---:|---:|---:|---:|---:|---:|---:|---:|---:|---:|---:|")
			} else {
				fmt.Fprintln(bw, "| Pi | Pd | Ps | Trials | SER | BER | Ixy | Max err | Fallbacks | Decode ms |")
				fmt.Fprintln(bw, "|---:|---:|---:|---:|---:|---:|---:|---:|---:|---:|")
			}
		}
		if r.Strands > 0 {
			fmt.Fprintf(bw, "| %.4f | %.4f | %.4f | %d | %.3e | %.3e | %.4f | %d | %d | %d | %d |\n",
				r.Pi, r.Pd, r.Ps, r.Trials, r.SER, r.BER, r.Ixy, r.Strands, r.Erased, r.Blocks, r.Recovered)
		} else {
			fmt.Fprintf(bw, "| %.4f | %.4f | %.4f | %d | %.3e | %.3e | %.4f | %d | %d | %d |\n",
				r.Pi, r.Pd, r.Ps, r.Trials, r.SER, r.BER, r.Ixy, r.MaxErrors, r.Fallbacks, r.DecodeMS)
		}
	}
	if len(recs) > 0 {
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}
