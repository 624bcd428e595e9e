package mcts

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/brensch/sixzero/executor/convert"
	"github.com/brensch/sixzero/game"
	"gonum.org/v1/gonum/stat/distmv"
)

// evaluate scores the position for the player to move. It returns the
// absolute value estimate and a prior over empty cells that sums to one.
func (m *MCTS) evaluate(g *game.Game, priors []float32) (float32, error) {
	board := g.Board()
	count := 1
	if m.Config.Augment {
		count = Symmetries
	}

	boardsPtr := convert.GetFloatBuffer(count * game.BoardCapacity)
	policiesPtr := convert.GetFloatBuffer(count * game.BoardCapacity)
	valuesPtr := convert.GetFloatBuffer(count)
	defer convert.PutFloatBuffer(boardsPtr)
	defer convert.PutFloatBuffer(policiesPtr)
	defer convert.PutFloatBuffer(valuesPtr)
	boards, policies, values := *boardsPtr, *policiesPtr, *valuesPtr

	if m.Config.Augment {
		augment(&board, boards)
	} else {
		board.Flatten(boards)
	}

	if err := m.Client.Evaluate(g.Turn(), boards, count, values, policies); err != nil {
		return 0, fmt.Errorf("evaluate position: %w", err)
	}

	var value float32
	for _, v := range values {
		value += v
	}
	value /= float32(count)

	if m.Config.Augment {
		recover8(policies, priors)
	} else {
		copy(priors, policies[:game.BoardCapacity])
	}
	maskPriors(&board, priors)
	return value, nil
}

// maskPriors zeroes occupied cells and renormalizes the rest. If the
// evaluator put no mass on any empty cell the prior becomes uniform over them.
func maskPriors(board *game.Board, priors []float32) {
	var sum float32
	empty := 0
	for i, p := range board {
		if p != game.None || priors[i] < 0 || priors[i] != priors[i] {
			priors[i] = 0
		}
		if p == game.None {
			empty++
			sum += priors[i]
		}
	}
	if empty == 0 {
		return
	}
	if sum <= 0 {
		u := 1 / float32(empty)
		for i, p := range board {
			if p == game.None {
				priors[i] = u
			}
		}
		return
	}
	for i := range priors {
		priors[i] /= sum
	}
}

// expand adds one child per legal move with its prior.
func (m *MCTS) expand(node *Node, g *game.Game, priors []float32) {
	legal := g.LegalMoves()
	node.Children = make([]*Node, 0, len(legal))
	for _, mv := range legal {
		node.Children = append(node.Children, NewNode(mv, priors[mv.Index()]))
	}
	node.IsExpanded = true
}

// addNoise mixes Dirichlet noise into the root priors.
func (m *MCTS) addNoise(root *Node, rng *rand.Rand) {
	if m.Config.Epsilon <= 0 || len(root.Children) < 2 {
		return
	}
	alpha := make([]float64, len(root.Children))
	for i := range alpha {
		alpha[i] = m.Config.DirichletAlpha
	}
	noise := distmv.NewDirichlet(alpha, rng).Rand(nil)
	for _, n := range noise {
		// Small alphas can underflow every gamma draw to zero.
		if math.IsNaN(n) {
			return
		}
	}
	eps := m.Config.Epsilon
	for i, c := range root.Children {
		c.PriorProb = (1-eps)*c.PriorProb + eps*float32(noise[i])
	}
}

// selectChild picks the child maximizing the PUCT score from the point of view
// of the player to move.
func (m *MCTS) selectChild(node *Node, turn game.Player) *Node {
	sqrtSumN := float32(math.Sqrt(float64(node.VisitCount)))
	sign := turn.Float()

	var best *Node
	bestScore := float32(math.Inf(-1))
	for _, child := range node.Children {
		// U(s,a) = Q(s,a) + C_puct * P(s,a) * sqrt(sum(N)) / (1 + N)
		u := sign*child.Q() + m.Config.Cpuct*child.PriorProb*sqrtSumN/(1+float32(child.VisitCount))
		if u > bestScore {
			bestScore = u
			best = child
		}
	}
	return best
}

// Search runs the configured number of simulations from rootState and returns
// the root with its visit statistics and the deepest path explored.
func (m *MCTS) Search(ctx context.Context, rootState *game.Game, rng *rand.Rand) (*Node, int, error) {
	if rootState.Over() {
		return nil, 0, game.ErrGameIsOver
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	root := NewNode(game.Move{Row: -1, Col: -1}, 1.0)
	maxDepth := 0
	priors := make([]float32, game.BoardCapacity)

	for i := 0; i < m.Config.NumSimulation; i++ {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return root, maxDepth, ctx.Err()
			default:
			}
		}

		node := root
		path := []*Node{node}
		sim := rootState.Clone()

		// Selection
		for node.IsExpanded && !sim.Over() {
			child := m.selectChild(node, sim.Turn())
			if child == nil {
				break
			}
			if err := sim.Set(child.Move); err != nil {
				return nil, 0, fmt.Errorf("replay move %s: %w", child.Move, err)
			}
			node = child
			path = append(path, node)
		}

		if d := len(path) - 1; d > maxDepth {
			maxDepth = d
		}

		// Expansion & Evaluation
		var value float32
		if sim.Over() {
			value = sim.Winner().Float()
		} else {
			v, err := m.evaluate(sim, priors)
			if err != nil {
				return nil, 0, err
			}
			value = v
			m.expand(node, sim, priors)
			if node == root {
				m.addNoise(root, rng)
			}
		}

		// Backpropagation
		for _, n := range path {
			n.VisitCount++
			n.ValueSum += value
		}
	}

	return root, maxDepth, nil
}
