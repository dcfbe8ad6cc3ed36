package ids

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// KmerLen is the context length of the k-mer dependent rates.
const KmerLen = 4

const numKmers = 1 << (2 * KmerLen)

// ErrorState is the edit that produced the previous base.
type ErrorState int

const (
	StateMatch ErrorState = iota
	StateIns
	StateDel
	StateSub
	NumErrorStates
)

func (e ErrorState) String() string {
	switch e {
	case StateMatch:
		return "M"
	case StateIns:
		return "I"
	case StateDel:
		return "D"
	case StateSub:
		return "S"
	}
	return "?"
}

// KmerRate is one row of a rates file.
type KmerRate struct {
	Ins, Del, Subst, Err, Match float64
}

var fallbackRate = KmerRate{Ins: 0.05, Del: 0.05, Subst: 0.05, Err: 0.15, Match: 0.85}

// KmerRates holds the edit rates per previous error state and k-mer.
type KmerRates struct {
	rates     [NumErrorStates][numKmers]KmerRate
	Loaded    int
	Fallbacks int
}

// KmerRatesFile is the rates file for previous error state e.
func KmerRatesFile(e ErrorState) string {
	return "KmerYi_prevYi" + e.String() + "_RatesAvg.txt"
}

// KmerRatesDir is where a simulator checkout keeps the rates files.
func KmerRatesDir(root string) string {
	return filepath.Join(root, "simulator", "probEdit", "k"+strconv.Itoa(KmerLen))
}

// LoadKmerRates reads the four rates files from dir, or from
// KmerRatesDir(dir) when dir does not hold them directly. Missing files and
// rows use the fallback rate.
func LoadKmerRates(dir string) (*KmerRates, error) {
	if _, err := os.Stat(filepath.Join(dir, KmerRatesFile(StateMatch))); errors.Is(err, fs.ErrNotExist) {
		dir = KmerRatesDir(dir)
	}
	r := &KmerRates{}
	var seen [NumErrorStates][numKmers]bool
	for e := StateMatch; e < NumErrorStates; e++ {
		f, err := os.Open(filepath.Join(dir, KmerRatesFile(e)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("open rates: %w", err)
		}
		s := bufio.NewScanner(f)
		for s.Scan() {
			fields := strings.Fields(s.Text())
			if len(fields) < 6 || len(fields[0]) != KmerLen {
				continue
			}
			km, err := ParseSymbols(fields[0])
			if err != nil || strings.ContainsAny(fields[0], "0123") {
				continue
			}
			var v [5]float64
			ok := true
			for i := range v {
				if v[i], err = strconv.ParseFloat(fields[i+1], 64); err != nil || v[i] < 0 {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			k := SymbolsToIndex(km, 4)
			r.rates[e][k] = KmerRate{Ins: v[0], Del: v[1], Subst: v[2], Err: v[3], Match: v[4]}
			if !seen[e][k] {
				seen[e][k] = true
				r.Loaded++
			}
		}
		err = s.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read rates: %w", err)
		}
	}
	for e := range r.rates {
		for k := range r.rates[e] {
			if !seen[e][k] {
				r.rates[e][k] = fallbackRate
				r.Fallbacks++
			}
		}
	}
	return r, nil
}

// UniformKmerRates uses the same rate for every state and k-mer.
func UniformKmerRates(rate KmerRate) *KmerRates {
	r := &KmerRates{}
	for e := range r.rates {
		for k := range r.rates[e] {
			r.rates[e][k] = rate
		}
	}
	return r
}

func (r *KmerRates) Rate(e ErrorState, kmer int) KmerRate { return r.rates[e][kmer] }

// Params converts a rate row to channel parameters. Substitution is taken
// relative to the bases that are neither inserted nor deleted, and every
// value is kept inside the valid range.
func (k KmerRate) Params() ChannelParams {
	const hi = 0.49
	p := ChannelParams{Pi: min(k.Ins, hi), Pd: min(k.Del, hi)}
	if pt := 1 - k.Ins - k.Del; pt > 0 {
		p.Ps = min(k.Subst/pt, hi)
	}
	return p
}

// Next is P(next state | this row) over M, I, D, S.
func (k KmerRate) Next() [NumErrorStates]float64 {
	v := [NumErrorStates]float64{k.Match, k.Ins, k.Del, k.Subst}
	Normalize(v[:])
	return v
}

// CodewordKmer is the k-mer ending a codeword, padded with A on the left
// for codewords shorter than KmerLen.
func CodewordKmer(w []byte) int {
	k := 0
	for i := len(w) - KmerLen; i < len(w); i++ {
		k <<= 2
		if i >= 0 {
			k |= int(w[i] & 3)
		}
	}
	return k
}
