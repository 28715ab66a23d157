package collab

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync/atomic"
	"time"

	"github.com/ashureev/outreach/internal/domain"
	"github.com/ashureev/outreach/internal/healing"
	"github.com/ashureev/outreach/internal/workflow"
)

const maxFrameSize = 1 << 20

var errStreamError = errors.New("search stream returned error")

// searchFrame is one NDJSON line of a search response.
type searchFrame struct {
	Batch []domain.Record `json:"batch,omitempty"`
	Final []domain.Record `json:"final,omitempty"`
	Error string          `json:"error,omitempty"`
}

type searchRequest struct {
	Strategy *domain.Strategy `json:"strategy"`
	Options  healing.Context  `json:"options"`
}

// Search streams prospects for strategy. Every batch line is handed to opts.OnBatch as it
// arrives; the final line, or the concatenated batches when the stream ends without one, is
// returned. The stream may run as long as ctx allows, but the call's timeout applies to the wait
// for each frame: a stream that goes quiet for longer is a network timeout.
func (c *Client) Search(ctx context.Context, strategy *domain.Strategy, opts workflow.SearchOptions) ([]domain.Record, error) {
	idle := opts.Call.EffectiveTimeout()
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stalled atomic.Bool
	watchdog := time.AfterFunc(idle, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	stallErr := func() error {
		return healing.Tag(fmt.Errorf("search stream idle for %s: %w", idle, context.DeadlineExceeded))
	}

	resp, err := c.do(streamCtx, c.streamClient(opts.Call), "/v1/search", opts.Call,
		searchRequest{Strategy: strategy, Options: opts.Call})
	if err != nil {
		if ctx.Err() == nil && stalled.Load() {
			return nil, stallErr()
		}
		return nil, err
	}
	defer resp.Body.Close()

	var streamed []domain.Record
	for frame, err := range frames(resp.Body) {
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if stalled.Load() {
				return nil, stallErr()
			}
			return nil, healing.Tag(fmt.Errorf("read search stream: %w", err))
		}
		watchdog.Reset(idle)
		switch {
		case frame.Error != "":
			return nil, healing.Tag(fmt.Errorf("%w: %s", errStreamError, frame.Error))
		case frame.Final != nil:
			return frame.Final, nil
		case len(frame.Batch) > 0:
			streamed = append(streamed, frame.Batch...)
			if opts.OnBatch != nil {
				opts.OnBatch(frame.Batch)
			}
		}
	}
	return streamed, nil
}

// frames decodes newline-delimited JSON frames from r. Blank lines are skipped.
func frames(r io.Reader) iter.Seq2[searchFrame, error] {
	return func(yield func(searchFrame, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64<<10), maxFrameSize)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var f searchFrame
			if err := json.Unmarshal(line, &f); err != nil {
				yield(searchFrame{}, fmt.Errorf("decode frame: %w", err))
				return
			}
			if !yield(f, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(searchFrame{}, err)
		}
	}
}
