package mcts

import (
	"github.com/brensch/sixzero/executor/inference"
	"github.com/brensch/sixzero/game"
)

// Node represents a position in the search tree.
//
// ValueSum accumulates values in absolute terms (White positive), so a node
// can be scored from either side without flipping signs along the path.
type Node struct {
	Move       game.Move
	VisitCount int
	ValueSum   float32
	PriorProb  float32
	Children   []*Node
	IsExpanded bool
}

// NewNode creates a new search node reached by move.
func NewNode(move game.Move, prior float32) *Node {
	return &Node{
		Move:      move,
		PriorProb: prior,
	}
}

// Q returns the mean absolute value, or zero for an unvisited node.
func (n *Node) Q() float32 {
	if n.VisitCount == 0 {
		return 0
	}
	return n.ValueSum / float32(n.VisitCount)
}

// Best returns the most visited child, or nil when the node has none.
func (n *Node) Best() *Node {
	var best *Node
	for _, c := range n.Children {
		if best == nil || c.VisitCount > best.VisitCount {
			best = c
		}
	}
	return best
}

// Config holds search configuration.
type Config struct {
	NumSimulation  int
	Epsilon        float32
	DirichletAlpha float64
	Cpuct          float32
	// Augment evaluates the eight board symmetries and averages them.
	Augment bool
}

// MCTS holds the search context.
type MCTS struct {
	Config Config
	Client inference.Evaluator
}
