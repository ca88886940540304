package rbtree

import (
	"fmt"

	"github.com/emicklei/dot"
)

// RenderDotGraph renders the tree in graphviz dot form for debugging.
// Writers must be quiesced.
func (t *Tree[K]) RenderDotGraph() string {
	graph := dot.NewGraph(dot.Directed)

	root := t.loadRoot()
	if root == t.sentinel {
		return graph.String()
	}

	var traverse func(x *Node[K], parent *dot.Node, direction string)
	traverse = func(x *Node[K], parent *dot.Node, direction string) {
		color := "black"
		if x.color == colorRed {
			color = "red"
		}
		label := fmt.Sprintf("[%v,%v) max:%v", x.begin, x.end, x.maxEnd)
		n := graph.Node(label)
		n.Attr("color", color)
		if parent != nil {
			parent.Edge(n, direction)
		}
		if l := x.leftNode(); l != t.sentinel {
			traverse(l, &n, "l")
		}
		if r := x.rightNode(); r != t.sentinel {
			traverse(r, &n, "r")
		}
	}
	traverse(root, nil, "")
	return graph.String()
}
