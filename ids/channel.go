package ids

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/ayakokk/DNAStorage-sub000/internal/edits"
)

// Channel transmits a symbol sequence and returns what the receiver sees,
// possibly of a different length.
type Channel interface {
	Transmit(ctx context.Context, x []byte) ([]byte, error)
}

// IDSChannel is the in-process insertion/deletion/substitution channel. The
// drift performs a walk bounded by [Dmin, Dmax]; every transmitted symbol is
// emitted once, twice (insertion) or not at all (deletion), and every emitted
// copy is substituted independently with probability Ps.
type IDSChannel struct {
	params   ChannelParams
	alphabet int
	sub      SubMatrix
	dmin     int
	dmax     int

	mu  sync.Mutex
	rng *rand.Rand
}

// IDSChannelOption customizes an IDSChannel.
type IDSChannelOption func(*IDSChannel)

// WithDriftBounds fixes the drift range. By default it is [-N, 2N] for an
// input of N symbols.
func WithDriftBounds(dmin, dmax int) IDSChannelOption {
	return func(c *IDSChannel) { c.dmin, c.dmax = dmin, dmax }
}

// WithSubMatrix sets the quaternary substitution profile.
func WithSubMatrix(m SubMatrix) IDSChannelOption {
	return func(c *IDSChannel) { c.sub = m }
}

func NewIDSChannel(p ChannelParams, alphabet int, seed int64, opts ...IDSChannelOption) (*IDSChannel, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if alphabet != 2 && alphabet != 4 {
		return nil, fmt.Errorf("%w: alphabet %d", ErrBadParams, alphabet)
	}
	c := &IDSChannel{
		params:   p,
		alphabet: alphabet,
		rng:      rand.New(rand.NewSource(seed)),
	}
	for _, o := range opts {
		o(c)
	}
	if c.sub == nil {
		c.sub = UniformSubMatrix(alphabet)
	}
	if err := c.sub.Validate(alphabet); err != nil {
		return nil, err
	}
	if c.dmin > 0 || c.dmax < 0 {
		return nil, fmt.Errorf("%w: drift bounds [%d,%d] exclude 0", ErrBadParams, c.dmin, c.dmax)
	}
	return c, nil
}

func (c *IDSChannel) Params() ChannelParams { return c.params }

func (c *IDSChannel) Transmit(ctx context.Context, x []byte) ([]byte, error) {
	y, _, err := c.TransmitTrace(ctx, x)
	return y, err
}

// TransmitTrace also returns the drift after each transmitted symbol
// (len(x)+1 values, starting at 0).
func (c *IDSChannel) TransmitTrace(ctx context.Context, x []byte) ([]byte, []int, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	for i, s := range x {
		if int(s) >= c.alphabet {
			return nil, nil, fmt.Errorf("%w: symbol %d at %d", ErrShape, s, i)
		}
	}
	n := len(x)
	lo, hi := c.dmin, c.dmax
	if lo == 0 && hi == 0 {
		lo, hi = -n, 2*n
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dr := make([]int, n+1)
	step := edits.NewStep(c.params.Pi, c.params.Pd, c.rng)
	for i := 0; i < n; i++ {
		dr[i+1] = dr[i] + step.Next(dr[i], lo, hi)
	}
	subst := edits.New(c.params.Ps, c.rng)
	y := make([]byte, 0, n+dr[n])
	for i := 0; i < n; i++ {
		for k := dr[i]; k <= dr[i+1]; k++ {
			s := x[i]
			if subst.Hit() {
				s = c.substitute(s)
			}
			y = append(y, s)
		}
	}
	return y, dr, nil
}

func (c *IDSChannel) substitute(s byte) byte {
	if c.alphabet == 2 {
		return s ^ 1
	}
	return byte(edits.Pick(c.sub[s], c.rng))
}
