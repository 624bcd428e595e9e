package inference

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/brensch/sixzero/game"
)

var errEmptyPool = errors.New("onnx pool has no sessions")

// OnnxPool spreads Evaluate calls over several ONNX Runtime sessions, each
// with its own batching loop. A call goes to the session with the shortest
// queue, so one slow batch does not hold up every worker.
//
// Per-session batch sizes, run times and queue lengths are exported as
// sixzero_onnx_* metrics labelled by session index.
type OnnxPool struct {
	clients []*OnnxClient
}

// NewOnnxClientPoolWithConfig opens sessions clients on modelPath. A failure
// closes the clients already opened.
func NewOnnxClientPoolWithConfig(modelPath string, sessions int, cfg OnnxClientConfig) (*OnnxPool, error) {
	if sessions <= 0 {
		sessions = 1
	}
	p := &OnnxPool{clients: make([]*OnnxClient, 0, sessions)}
	for i := 0; i < sessions; i++ {
		sessionCfg := cfg
		sessionCfg.Session = strconv.Itoa(i)
		c, err := NewOnnxClientWithConfig(modelPath, sessionCfg)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("open onnx session %d of %d: %w", i+1, sessions, err)
		}
		p.clients = append(p.clients, c)
	}
	return p, nil
}

// Sessions reports how many sessions serve the pool.
func (p *OnnxPool) Sessions() int { return len(p.clients) }

// pick returns the client with the fewest queued requests, preferring the
// lowest index on ties.
func (p *OnnxPool) pick() *OnnxClient {
	best := p.clients[0]
	for _, c := range p.clients[1:] {
		if len(c.requestsChan) < len(best.requestsChan) {
			best = c
		}
	}
	return best
}

// Reentrant reports that the pool accepts concurrent callers.
func (p *OnnxPool) Reentrant() bool { return true }

// Evaluate implements Evaluator.
func (p *OnnxPool) Evaluate(player game.Player, boards []float32, count int, values, policies []float32) error {
	if len(p.clients) == 0 {
		return errEmptyPool
	}
	return p.pick().Evaluate(player, boards, count, values, policies)
}

// Close stops every session and returns the first error.
func (p *OnnxPool) Close() error {
	var first error
	for _, c := range p.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
