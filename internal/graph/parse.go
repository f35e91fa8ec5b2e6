package graph

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	bpmnModelNS = "http://www.omg.org/spec/BPMN/20100524/MODEL"
	bpmnDINS    = "http://www.omg.org/spec/BPMN/20100524/DI"
	diNS        = "http://www.omg.org/spec/DD/20100524/DI"
	dcNS        = "http://www.omg.org/spec/DD/20100524/DC"
)

// Elements the executor understands. Anything else in the BPMN model
// namespace is rejected at upload time so a definition never reaches the
// engine with a construct it cannot walk.
var supportedElements = map[string]struct{}{
	"definitions":         {},
	"process":             {},
	"startEvent":          {},
	"endEvent":            {},
	"sequenceFlow":        {},
	"exclusiveGateway":    {},
	"parallelGateway":     {},
	"userTask":            {},
	"serviceTask":         {},
	"incoming":            {},
	"outgoing":            {},
	"extensionElements":   {},
	"documentation":       {},
	"text":                {},
	"conditionExpression": {},
}

var unsupportedElementMessages = map[string]string{
	"boundaryEvent":                    "Boundary events are not supported.",
	"timerEventDefinition":             "Timer events are not supported.",
	"messageEventDefinition":           "Message events are not supported.",
	"signalEventDefinition":            "Signal events are not supported.",
	"multiInstanceLoopCharacteristics": "Multi-instance is not supported.",
	"compensateEventDefinition":        "Compensation is not supported.",
}

var catalogBindingMarkers = []string{"catalog", "capability", "binding"}

// ValidationError is one structured upload rejection. The triple sorts
// deterministically so repeated uploads of the same document produce the same
// error list.
type ValidationError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Path, e.Message, e.Code)
}

type element struct {
	space    string
	local    string
	attrs    []xml.Attr
	children []*element
	text     string
}

func (el *element) attr(local string) string {
	for _, a := range el.attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// parseTree decodes the document into a namespace-aware element tree.
func parseTree(xmlText []byte) (*element, error) {
	dec := xml.NewDecoder(bytes.NewReader(xmlText))
	var root *element
	var stack []*element

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := &element{space: t.Name.Space, local: t.Name.Local, attrs: t.Attr}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("multiple document roots")
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, el)
			}
			stack = append(stack, el)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("unbalanced end element %s", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text += string(t)
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("empty document")
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("unterminated element %s", stack[len(stack)-1].local)
	}
	return root, nil
}

// walk visits every element depth-first with its indexed path
// (definitions.process[0].userTask[1] and so on).
func walk(el *element, path string, visit func(el *element, path string)) {
	visit(el, path)
	counts := map[string]int{}
	for _, child := range el.children {
		idx := counts[child.local]
		counts[child.local] = idx + 1
		walk(child, fmt.Sprintf("%s.%s[%d]", path, child.local, idx), visit)
	}
}

func sortErrors(errs []ValidationError) []ValidationError {
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].Path != errs[j].Path {
			return errs[i].Path < errs[j].Path
		}
		if errs[i].Code != errs[j].Code {
			return errs[i].Code < errs[j].Code
		}
		return errs[i].Message < errs[j].Message
	})
	return errs
}

func findProcesses(root *element) []*element {
	var procs []*element
	walk(root, root.local, func(el *element, _ string) {
		if el.space == bpmnModelNS && el.local == "process" {
			procs = append(procs, el)
		}
	})
	return procs
}

// validateDocument runs the element-level checks shared by Validate and
// Parse: single process with an id, whitelist membership, explicit rejection
// of the event kinds the engine does not model.
func validateDocument(root *element) (process *element, errs []ValidationError) {
	procs := findProcesses(root)
	switch {
	case len(procs) == 0:
		errs = append(errs, ValidationError{Path: "process", Code: "missing_process_key", Message: "Process id is required."})
	case len(procs) > 1:
		errs = append(errs, ValidationError{Path: "process", Code: "multiple_processes", Message: "Only one process is supported."})
	default:
		process = procs[0]
		if strings.TrimSpace(process.attr("id")) == "" {
			errs = append(errs, ValidationError{Path: "process", Code: "missing_process_key", Message: "Process id is required."})
		}
	}

	walk(root, root.local, func(el *element, path string) {
		if el.space != bpmnModelNS {
			return
		}
		if msg, ok := unsupportedElementMessages[el.local]; ok {
			errs = append(errs, ValidationError{Path: path, Code: "unsupported_bpmn_element", Message: msg})
		} else if _, ok := supportedElements[el.local]; !ok {
			errs = append(errs, ValidationError{Path: path, Code: "unsupported_bpmn_element", Message: fmt.Sprintf("Unsupported BPMN element: %s.", el.local)})
		}
		for _, a := range el.attrs {
			if a.Name.Local == "isForCompensation" && strings.EqualFold(a.Value, "true") {
				errs = append(errs, ValidationError{Path: path, Code: "unsupported_bpmn_element", Message: "Compensation is not supported."})
			}
		}
	})
	return process, errs
}

// catalogBinding extracts the catalog placeholder attributes from a service
// task element. Vendor extensions carry them under arbitrary namespaces, so
// matching is by attribute local-name marker.
func catalogBinding(el *element) (entryID, taskID string) {
	catalogKeys := map[string]struct{}{
		"catalog_entry_id": {}, "catalogentryid": {},
		"catalog_id": {}, "catalogid": {},
		"capability_id": {}, "capabilityid": {},
	}
	taskKeys := map[string]struct{}{
		"service_task_id": {}, "servicetaskid": {},
		"task_id": {}, "taskid": {},
		"service_task": {}, "servicetask": {},
	}
	for _, a := range el.attrs {
		lowered := strings.ToLower(a.Name.Local)
		marked := false
		for _, m := range catalogBindingMarkers {
			if strings.Contains(lowered, m) {
				marked = true
				break
			}
		}
		if !marked {
			if _, ok := taskKeys[lowered]; !ok {
				continue
			}
		}
		if _, ok := catalogKeys[lowered]; ok && entryID == "" {
			entryID = a.Value
		}
		if _, ok := taskKeys[lowered]; ok && taskID == "" {
			taskID = a.Value
		}
	}
	return entryID, taskID
}

// Validate checks a BPMN document without building the executable graph.
// It returns the sorted error list; an empty list means the document parses
// into a runnable process.
func Validate(xmlText []byte) []ValidationError {
	_, errs := Parse(xmlText)
	return errs
}
