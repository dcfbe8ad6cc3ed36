package config

import (
	"flag"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ayakokk/DNAStorage-sub000/ids"
)

func TestParsePoints(t *testing.T) {
	pts, err := ParsePoints("0.01,0.02,0.03; 0.05 ;")
	require.NoError(t, err)
	require.Equal(t, []ids.ChannelParams{
		{Pi: 0.01, Pd: 0.02, Ps: 0.03},
		{Pi: 0.05, Pd: 0.05, Ps: 0.05},
	}, pts)

	for _, bad := range []string{"", ";", "0.1,x,0.1", "0.6", "0.1,0.1"} {
		_, err := ParsePoints(bad)
		require.Error(t, err, bad)
	}
}

func TestLoadWithOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "icb", CodebookFile), "2 4\n0011\n1100\n0101\n1010\n")
	writeFile(t, filepath.Join(dir, "icb", EncodingFile), "")

	var o Overrides
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	o.Register(fs)
	require.NoError(t, fs.Parse([]string{
		"-cb", filepath.Join(dir, "icb"),
		"-p", "0.01,0.01,0.02;0.03",
		"-ns", "20", "-nseq", "2", "-seed", "9", "-out", "reports",
	}))

	c, err := Load("", &o)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "icb", CodebookFile), c.Codebook.File)
	require.Equal(t, filepath.Join(dir, "icb", EncodingFile), c.Codebook.Encoding)
	require.Equal(t, "icb", c.CodebookName())
	require.Equal(t, ids.ChannelParams{Pi: 0.01, Pd: 0.01, Ps: 0.02}, c.Channel.Params)
	require.Len(t, c.Points(), 2)
	require.Equal(t, 20, c.Run.Ns)
	require.Equal(t, 100, c.Run.Trials, "defaults survive")
	require.Equal(t, 2, c.Decoder.Nseq)
	require.Equal(t, int64(9), c.Run.Seed)
	require.Equal(t, "reports", c.Run.Out)
}

func TestOverridesKmer(t *testing.T) {
	dir := t.TempDir()
	cbFile := filepath.Join(dir, "cb.txt")
	writeFile(t, cbFile, "2 4\n0011\n1100\n0101\n1010\n")
	c := Default()
	o := &Overrides{Codebook: cbFile, RatesDir: dir}
	require.NoError(t, o.Apply(c))
	require.Equal(t, cbFile, c.Codebook.File)
	require.True(t, c.Decoder.Kmer)
	require.Equal(t, int(ids.NumErrorStates), c.Decoder.ErrorStates)

	require.Error(t, (&Overrides{Codebook: filepath.Join(dir, "missing")}).Apply(Default()))
}

func TestLoadRequiresCodebook(t *testing.T) {
	_, err := Load("", &Overrides{})
	require.Error(t, err)
}
