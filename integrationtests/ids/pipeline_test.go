package ids_test

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ayakokk/DNAStorage-sub000/ids"
	"github.com/ayakokk/DNAStorage-sub000/internal/config"
	"github.com/ayakokk/DNAStorage-sub000/internal/report"
	"github.com/ayakokk/DNAStorage-sub000/internal/simenv"
)

// writeQuaternaryDir writes every quaternary word of length 2 as a codebook
// directory and a run configuration next to it.
func writeQuaternaryDir(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	var b strings.Builder
	b.WriteString("2 16\n")
	for i := 0; i < 16; i++ {
		fmt.Fprintf(&b, "%d%d\n", i/4, i%4)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "icb"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "icb", config.CodebookFile), []byte(b.String()), 0o644))
	yaml := `
codebook:
  dir: icb
channel:
  pi: 0.005
  pd: 0.005
  ps: 0.005
decoder:
  nseq: 2
  workers: 2
run:
  ns: 20
  trials: 25
  seed: 3
` + extra
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestEvaluationPipeline(t *testing.T) {
	cfg, err := config.LoadConfig(writeQuaternaryDir(t, ""))
	require.NoError(t, err)
	cb, err := cfg.LoadCodebook()
	require.NoError(t, err)
	require.Equal(t, 4, cb.Alphabet())
	dcfg, err := cfg.DecoderConfig(cb, nil)
	require.NoError(t, err)

	env := simenv.NewServer(cb, cfg.NewChannel, nil, nil)
	defer env.Close()
	require.NoError(t, env.Configure(context.Background(), &simenv.Experiment{
		Params: cfg.Channel.Params, Ns: cfg.Run.Ns, Seed: cfg.Run.Seed, Decoder: dcfg,
	}))
	for range cfg.Run.Trials {
		_, err := env.Step(context.Background())
		require.NoError(t, err)
	}
	obs := env.Observation()
	require.Equal(t, cfg.Run.Trials, obs.Trials)
	require.Less(t, obs.SER, 0.1)
	require.Greater(t, obs.Ixy, 2.5)

	run := report.NewRun("pipeline", cfg.Run.Seed)
	rec := &report.Record{Codebook: cfg.CodebookName(), Alphabet: 4, Nu: 2, Size: 16, Ns: cfg.Run.Ns,
		Trials: obs.Trials, Symbols: obs.Symbols, SymbolErrors: obs.SymbolErrors, Ixy: obs.Ixy}
	rec.Finish()
	run.Add(rec)
	path := filepath.Join(t.TempDir(), "run.json.zst")
	require.NoError(t, run.Save(path))
	back, err := report.LoadRun(path)
	require.NoError(t, err)
	require.Equal(t, obs.SER, back.Records[0].SER)

	var md bytes.Buffer
	require.NoError(t, report.WriteMarkdown(&md, "pipeline", []*report.Run{back}))
	require.Contains(t, md.String(), "## icb (q=4 nu=2 Q=16) ns=20")
}

func TestExternalChannelPipeline(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "echo.sh")
	require.NoError(t, os.WriteFile(script, []byte(`echo DNA_SERVER_READY
while read line; do
  [ "$line" = EXIT ] && exit 0
  echo "RESULT:$line"
done
`), 0o755))
	path := writeQuaternaryDir(t, fmt.Sprintf(`
external:
  command: [/bin/sh, %q]
  start_timeout: 5s
`, script))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	cfg.Channel.Kind = config.ChannelExternal
	cb, err := cfg.LoadCodebook()
	require.NoError(t, err)
	dcfg, err := cfg.DecoderConfig(cb, nil)
	require.NoError(t, err)

	env := simenv.NewServer(cb, cfg.NewChannel, nil, nil)
	defer env.Close()
	exp := &simenv.Experiment{Params: cfg.Channel.Params, Ns: 10, Seed: 1, Decoder: dcfg}
	require.NoError(t, env.Configure(context.Background(), exp))
	for range 5 {
		tr, err := env.Step(context.Background())
		require.NoError(t, err)
		require.Equal(t, tr.Sent, tr.Decoded)
	}
	require.Zero(t, env.Observation().SymbolErrors)
}

func TestExportedTablesThroughConfig(t *testing.T) {
	path := writeQuaternaryDir(t, "")
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	cb, err := cfg.LoadCodebook()
	require.NoError(t, err)
	dcfg, err := cfg.DecoderConfig(cb, nil)
	require.NoError(t, err)
	built, err := ids.NewDecoder(cb, cfg.Channel.Params, cfg.Run.Ns, dcfg)
	require.NoError(t, err)

	tables := filepath.Join(filepath.Dir(path), "tables")
	_, err = ids.ExportTables(tables, built.Tables(), cb, ids.ExportOptions{Compress: true, Key: built.TableKey()})
	require.NoError(t, err)

	cfg.Decoder.TablesDir = tables
	dcfg, err = cfg.DecoderConfig(cb, nil)
	require.NoError(t, err)
	require.NotNil(t, dcfg.Tables)
	loaded, err := ids.NewDecoder(cb, cfg.Channel.Params, cfg.Run.Ns, dcfg)
	require.NoError(t, err)

	ch, err := ids.NewIDSChannel(cfg.Channel.Params, 4, 11)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(5))
	iw := make([]int, cfg.Run.Ns)
	for i := range iw {
		iw[i] = rng.Intn(cb.Size())
	}
	x, err := cb.Encode(iw)
	require.NoError(t, err)
	recv := make([][]byte, 2)
	for j := range recv {
		recv[j], err = ch.Transmit(context.Background(), x)
		require.NoError(t, err)
	}
	a, err := built.Decode(recv, nil)
	require.NoError(t, err)
	b, err := loaded.Decode(recv, nil)
	require.NoError(t, err)
	require.Equal(t, a.Posterior, b.Posterior)
	require.Equal(t, a.LogLikelihood, b.LogLikelihood)
}

func TestConcatenatedOuterCode(t *testing.T) {
	cfg, err := config.LoadConfig(writeQuaternaryDir(t, ""))
	require.NoError(t, err)
	cb, err := cfg.LoadCodebook()
	require.NoError(t, err)
	outer, err := ids.NewOuterCode(cb, 24, 8, 16)
	require.NoError(t, err)
	p := ids.ChannelParams{Pi: 0.002, Pd: 0.002, Ps: 0.002}
	dcfg, err := cfg.DecoderConfig(cb, nil)
	require.NoError(t, err)
	dec, err := ids.NewDecoder(cb, p, outer.Ns(), dcfg)
	require.NoError(t, err)
	ch, err := ids.NewIDSChannel(p, 4, 21)
	require.NoError(t, err)

	data := make([]byte, 8*16)
	rand.New(rand.NewSource(9)).Read(data)
	infos, err := outer.Encode(data)
	require.NoError(t, err)

	strands := make([]ids.Strand, len(infos))
	for s, info := range infos {
		x, err := cb.Encode(info)
		require.NoError(t, err)
		recv := make([][]byte, dec.Nseq())
		for j := range recv {
			recv[j], err = ch.Transmit(context.Background(), x)
			require.NoError(t, err)
		}
		res, err := dec.Decode(recv, nil)
		require.NoError(t, err)
		strands[s] = ids.Strand{Info: res.HardDecision(), Erased: ids.Confidence(res.Posterior) < 0.5}
	}
	got, used, err := outer.Decode(strands, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
	t.Logf("outer decode used %d of %d strands", used, len(strands))
}

func TestLoadedTablesFollowSweepPoint(t *testing.T) {
	path := writeQuaternaryDir(t, "  sweep:\n    - {pi: 0.02, pd: 0.01, ps: 0.01}\n")
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	cb, err := cfg.LoadCodebook()
	require.NoError(t, err)
	dcfg, err := cfg.DecoderConfig(cb, nil)
	require.NoError(t, err)
	built, err := ids.NewDecoder(cb, cfg.Channel.Params, cfg.Run.Ns, dcfg)
	require.NoError(t, err)
	tables := filepath.Join(filepath.Dir(path), "tables")
	_, err = ids.ExportTables(tables, built.Tables(), cb, ids.ExportOptions{})
	require.NoError(t, err)

	cfg.Decoder.TablesDir = tables
	dcfg, err = cfg.DecoderConfig(cb, nil)
	require.NoError(t, err)
	other := ids.ChannelParams{Pi: 0.02, Pd: 0.02, Ps: 0.05}
	_, err = ids.NewDecoder(cb, other, cfg.Run.Ns, dcfg)
	require.ErrorIs(t, err, ids.ErrTableMismatch)

	same, err := config.NewDecoder(cb, cfg.Channel.Params, cfg.Run.Ns, dcfg, nil)
	require.NoError(t, err)
	require.Same(t, dcfg.Tables, same.Tables())
	rebuilt, err := config.NewDecoder(cb, other, cfg.Run.Ns, dcfg, nil)
	require.NoError(t, err)
	require.Equal(t, other, rebuilt.Tables().Base())
	fresh, err := ids.NewDecoder(cb, other, cfg.Run.Ns, ids.Config{Nseq: dcfg.Nseq, Sub: dcfg.Sub})
	require.NoError(t, err)
	require.Equal(t, fresh.TableKey(), rebuilt.TableKey())

	env := simenv.NewServer(cb, cfg.NewChannel, nil, nil)
	defer env.Close()
	for _, p := range cfg.Points() {
		require.NoError(t, env.Configure(context.Background(), &simenv.Experiment{
			Params: p, Ns: cfg.Run.Ns, Seed: cfg.Run.Seed, Decoder: dcfg,
		}))
		require.Equal(t, p, env.Decoder().Tables().Base())
	}
}

// TestChainedReadStages re-reads every strand and decodes the new copies
// with the first stage's soft output, carried through the per-bit tables,
// as prior. The chained stage must know more about the sent codewords than
// the second read alone.
func TestChainedReadStages(t *testing.T) {
	cfg, err := config.LoadConfig(writeQuaternaryDir(t, ""))
	require.NoError(t, err)
	cb, err := cfg.LoadCodebook()
	require.NoError(t, err)
	p := ids.ChannelParams{Pi: 0.03, Pd: 0.03, Ps: 0.03}
	dcfg, err := cfg.DecoderConfig(cb, nil)
	require.NoError(t, err)
	dec, err := ids.NewDecoder(cb, p, cfg.Run.Ns, dcfg)
	require.NoError(t, err)
	ch, err := ids.NewIDSChannel(p, 4, 31)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(17))

	read := func(x []byte) [][]byte {
		recv := make([][]byte, dec.Nseq())
		for j := range recv {
			recv[j], err = ch.Transmit(context.Background(), x)
			require.NoError(t, err)
		}
		return recv
	}
	var chained, alone float64
	for range 10 {
		iw := make([]int, cfg.Run.Ns)
		for i := range iw {
			iw[i] = rng.Intn(cb.Size())
		}
		x, err := cb.Encode(iw)
		require.NoError(t, err)

		first, err := dec.Decode(read(x), nil)
		require.NoError(t, err)
		bp, err := ids.BitPosteriors(cb, first.Posterior)
		require.NoError(t, err)
		require.Len(t, bp, len(ids.SymbolBits(x, 4)))
		for _, row := range bp {
			require.InDelta(t, 1, row[0]+row[1], 1e-12)
		}
		prior, err := ids.ChainPrior(cb, first.Posterior)
		require.NoError(t, err)

		second := read(x)
		withPrior, err := dec.Decode(second, prior)
		require.NoError(t, err)
		noPrior, err := dec.Decode(second, nil)
		require.NoError(t, err)
		for i, u := range iw {
			chained += math.Log(max(withPrior.Posterior[i][u], 1e-300))
			alone += math.Log(max(noPrior.Posterior[i][u], 1e-300))
		}
	}
	t.Logf("log posterior of sent codewords: chained %.2f, second read alone %.2f", chained, alone)
	require.Greater(t, chained, alone)
}
