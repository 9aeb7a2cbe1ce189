package schedule

import (
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

type graphNode struct {
	Label      Label    `json:"label"`
	Set        bool     `json:"set"`
	System     string   `json:"system,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
	Edges
}

type graph struct {
	Schedule string      `json:"schedule"`
	Nodes    []graphNode `json:"nodes"`
	Order    []Label     `json:"order"`
}

// Graph returns a JSON dump of the prepared schedule: every node with its resolved edges, and the
// topological order.
func (s *Schedule) Graph() ([]byte, error) {
	order, err := s.Order()
	if err != nil {
		return nil, err
	}

	g := graph{Schedule: s.name, Nodes: make([]graphNode, 0, len(s.cache.nodes)), Order: order}
	for _, node := range s.cache.nodes {
		gn := graphNode{Label: node.Label, Set: node.Label.IsSet(), Edges: node.Edges}
		if node.System != nil {
			gn.System = node.System.Name()
		}
		for _, cond := range node.Conditions {
			gn.Conditions = append(gn.Conditions, cond.Name())
		}
		g.Nodes = append(g.Nodes, gn)
	}

	out, err := json.Marshal(g)
	if err != nil {
		return nil, eris.Wrapf(err, "schedule %s: failed to encode graph", s.name)
	}
	return out, nil
}
