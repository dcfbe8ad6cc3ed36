package extchan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const fakeEmulator = `echo "loading model"
echo DNA_SERVER_READY
while read line; do
  case "$line" in
    EXIT) exit 0 ;;
    TTTT) echo "ERROR:cannot synthesize" ;;
    GGGG) ;;
    *) echo "RESULT:${line}A" ;;
  esac
done
`

func fakeServer(t *testing.T, script string, cfg Config) (*Server, error) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "emu.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	cfg.Command = []string{"/bin/sh", path}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 5 * time.Second
	}
	return Start(context.Background(), cfg)
}

func TestTransmit(t *testing.T) {
	s, err := fakeServer(t, fakeEmulator, Config{})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	y, err := s.Transmit(ctx, []byte{0, 1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2, 3, 0}, y)

	_, err = s.Transmit(ctx, []byte{3, 3, 3, 3})
	require.ErrorIs(t, err, ErrRemote)

	// the server stays usable after a remote error
	y, err = s.Transmit(ctx, []byte{1})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 0}, y)

	require.NoError(t, s.Close())
	_, err = s.Transmit(ctx, []byte{1})
	require.ErrorIs(t, err, ErrClosed)
}

func TestTransmitBinary(t *testing.T) {
	s, err := fakeServer(t, fakeEmulator, Config{Alphabet: 2})
	require.NoError(t, err)
	defer s.Close()
	y, err := s.Transmit(context.Background(), []byte{0, 1, 1, 1})
	require.NoError(t, err)
	// TC plus the appended A
	require.Equal(t, []byte{0, 1, 1, 1, 0, 0}, y)

	_, err = s.Transmit(context.Background(), []byte{0, 1, 1})
	require.Error(t, err)
}

func TestReplyTimeout(t *testing.T) {
	s, err := fakeServer(t, fakeEmulator, Config{ReplyTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Transmit(context.Background(), []byte{2, 2, 2, 2})
	require.ErrorIs(t, err, ErrTimeout)
	// out of sync from now on
	_, err = s.Transmit(context.Background(), []byte{0})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestStartFailures(t *testing.T) {
	_, err := fakeServer(t, "echo starting\nexit 3\n", Config{})
	require.ErrorIs(t, err, ErrNotReady)

	t0 := time.Now()
	_, err = fakeServer(t, "sleep 30\n", Config{StartTimeout: 300 * time.Millisecond})
	require.ErrorIs(t, err, ErrNotReady)
	require.Less(t, time.Since(t0), 10*time.Second)

	_, err = Start(context.Background(), Config{Command: []string{filepath.Join(t.TempDir(), "missing")}})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNotReady))
}
