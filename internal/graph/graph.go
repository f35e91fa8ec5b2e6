package graph

import (
	"fmt"
	"strings"
)

// NodeKind is the executable element kind, matching the BPMN local name.
type NodeKind string

const (
	NodeStart            NodeKind = "startEvent"
	NodeEnd              NodeKind = "endEvent"
	NodeUserTask         NodeKind = "userTask"
	NodeServiceTask      NodeKind = "serviceTask"
	NodeExclusiveGateway NodeKind = "exclusiveGateway"
	NodeParallelGateway  NodeKind = "parallelGateway"
)

// Node is one executable element of the process.
type Node struct {
	ID   string
	Name string
	Kind NodeKind

	// DefaultFlow is the default sequence flow id on an exclusive gateway,
	// taken when no condition matches.
	DefaultFlow string

	// Catalog binding placeholders declared on a service task element.
	CatalogEntryID string
	CatalogTaskID  string
}

// Edge is one sequence flow. Condition holds the raw condition expression
// text, empty for unconditional flows.
type Edge struct {
	ID        string
	From      string
	To        string
	Condition string
}

// ProcessGraph is the immutable executable view of one definition version.
// Outgoing edges preserve document order, which is the order exclusive
// gateway conditions are evaluated in.
type ProcessGraph struct {
	ProcessKey  string
	ProcessName string

	nodes    map[string]*Node
	edges    map[string]*Edge
	outgoing map[string][]*Edge
	incoming map[string][]*Edge
	start    *Node
}

// Start returns the process's single start event.
func (g *ProcessGraph) Start() *Node { return g.start }

// Node returns the node with the given element id, or nil.
func (g *ProcessGraph) Node(id string) *Node { return g.nodes[id] }

// Edge returns the sequence flow with the given id, or nil.
func (g *ProcessGraph) Edge(id string) *Edge { return g.edges[id] }

// Outgoing returns the node's outgoing flows in document order.
func (g *ProcessGraph) Outgoing(id string) []*Edge { return g.outgoing[id] }

// Incoming returns the node's incoming flows in document order.
func (g *ProcessGraph) Incoming(id string) []*Edge { return g.incoming[id] }

// NodeCount reports the number of executable nodes, used to bound traversal.
func (g *ProcessGraph) NodeCount() int { return len(g.nodes) }

var executableKinds = map[string]NodeKind{
	"startEvent":       NodeStart,
	"endEvent":         NodeEnd,
	"userTask":         NodeUserTask,
	"serviceTask":      NodeServiceTask,
	"exclusiveGateway": NodeExclusiveGateway,
	"parallelGateway":  NodeParallelGateway,
}

// Parse validates a BPMN document and builds its executable graph. The error
// list is sorted and non-empty exactly when the graph is nil.
func Parse(xmlText []byte) (*ProcessGraph, []ValidationError) {
	root, err := parseTree(xmlText)
	if err != nil {
		return nil, sortErrors([]ValidationError{{Path: "", Code: "invalid_bpmn_xml", Message: "Invalid BPMN XML."}})
	}

	process, errs := validateDocument(root)
	if len(errs) > 0 || process == nil {
		return nil, sortErrors(errs)
	}

	g := &ProcessGraph{
		ProcessKey:  strings.TrimSpace(process.attr("id")),
		ProcessName: process.attr("name"),
		nodes:       map[string]*Node{},
		edges:       map[string]*Edge{},
		outgoing:    map[string][]*Edge{},
		incoming:    map[string][]*Edge{},
	}

	for _, child := range process.children {
		if child.space != bpmnModelNS {
			continue
		}
		kind, ok := executableKinds[child.local]
		if ok {
			node := &Node{ID: child.attr("id"), Name: child.attr("name"), Kind: kind}
			if node.ID == "" {
				errs = append(errs, ValidationError{Path: child.local, Code: "missing_element_id", Message: fmt.Sprintf("Element %s requires an id.", child.local)})
				continue
			}
			if kind == NodeExclusiveGateway {
				node.DefaultFlow = child.attr("default")
			}
			if kind == NodeServiceTask {
				node.CatalogEntryID, node.CatalogTaskID = catalogBinding(child)
			}
			if g.nodes[node.ID] != nil {
				errs = append(errs, ValidationError{Path: child.local, Code: "duplicate_element_id", Message: fmt.Sprintf("Duplicate element id: %s.", node.ID)})
				continue
			}
			g.nodes[node.ID] = node
			continue
		}
		if child.local == "sequenceFlow" {
			edge := &Edge{
				ID:   child.attr("id"),
				From: child.attr("sourceRef"),
				To:   child.attr("targetRef"),
			}
			for _, grand := range child.children {
				if grand.local == "conditionExpression" {
					edge.Condition = strings.TrimSpace(grand.text)
				}
			}
			if edge.ID == "" || edge.From == "" || edge.To == "" {
				errs = append(errs, ValidationError{Path: "sequenceFlow", Code: "invalid_sequence_flow", Message: "Sequence flow requires id, sourceRef and targetRef."})
				continue
			}
			g.edges[edge.ID] = edge
		}
	}
	if len(errs) > 0 {
		return nil, sortErrors(errs)
	}

	for _, edge := range g.edges {
		if g.nodes[edge.From] == nil || g.nodes[edge.To] == nil {
			errs = append(errs, ValidationError{Path: "sequenceFlow", Code: "dangling_flow_reference", Message: fmt.Sprintf("Sequence flow %s references an unknown element.", edge.ID)})
		}
	}
	if len(errs) > 0 {
		return nil, sortErrors(errs)
	}

	// Rebuild adjacency in document order from the process children so
	// exclusive gateway evaluation order is well defined.
	for _, child := range process.children {
		if child.space == bpmnModelNS && child.local == "sequenceFlow" {
			edge := g.edges[child.attr("id")]
			if edge == nil {
				continue
			}
			g.outgoing[edge.From] = append(g.outgoing[edge.From], edge)
			g.incoming[edge.To] = append(g.incoming[edge.To], edge)
		}
	}

	errs = append(errs, g.validateStructure()...)
	if len(errs) > 0 {
		return nil, sortErrors(errs)
	}
	return g, nil
}

func (g *ProcessGraph) validateStructure() []ValidationError {
	var errs []ValidationError

	var starts []*Node
	for _, n := range g.nodes {
		if n.Kind == NodeStart {
			starts = append(starts, n)
		}
	}
	switch {
	case len(starts) == 0:
		errs = append(errs, ValidationError{Path: "process", Code: "missing_start_event", Message: "Process requires a start event."})
	case len(starts) > 1:
		errs = append(errs, ValidationError{Path: "process", Code: "multiple_start_events", Message: "Only one start event is supported."})
	default:
		g.start = starts[0]
	}

	for _, n := range g.nodes {
		out := g.outgoing[n.ID]
		switch n.Kind {
		case NodeEnd:
			if len(out) != 0 {
				errs = append(errs, ValidationError{Path: n.ID, Code: "invalid_outgoing_flows", Message: "End event must have no outgoing flows."})
			}
		case NodeExclusiveGateway, NodeParallelGateway:
			if len(out) == 0 {
				errs = append(errs, ValidationError{Path: n.ID, Code: "invalid_outgoing_flows", Message: "Gateway requires at least one outgoing flow."})
			}
			if n.DefaultFlow != "" {
				def := g.edges[n.DefaultFlow]
				if def == nil || def.From != n.ID {
					errs = append(errs, ValidationError{Path: n.ID, Code: "invalid_default_flow", Message: "Default flow must leave the gateway that declares it."})
				}
			}
		default:
			if len(out) != 1 {
				errs = append(errs, ValidationError{Path: n.ID, Code: "invalid_outgoing_flows", Message: fmt.Sprintf("Element %s requires exactly one outgoing flow.", n.ID)})
			}
		}
	}
	return errs
}
