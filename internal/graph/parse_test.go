package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const approvalXML = `<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs1">
  <process id="approval" name="Approval Flow">
    <startEvent id="start"/>
    <userTask id="approve" name="Approve request"/>
    <serviceTask id="send_email" name="Send email" catalogEntryId="notify" serviceTaskId="send-email"/>
    <endEvent id="done"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="approve"/>
    <sequenceFlow id="f2" sourceRef="approve" targetRef="send_email"/>
    <sequenceFlow id="f3" sourceRef="send_email" targetRef="done"/>
  </process>
</definitions>`

const gatewayXML = `<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs2">
  <process id="expense" name="Expense Review">
    <startEvent id="start"/>
    <exclusiveGateway id="route" default="to_low"/>
    <userTask id="high_approval" name="Manager approval"/>
    <userTask id="low_approval" name="Auto approval"/>
    <endEvent id="end_high"/>
    <endEvent id="end_low"/>
    <sequenceFlow id="to_route" sourceRef="start" targetRef="route"/>
    <sequenceFlow id="to_high" sourceRef="route" targetRef="high_approval">
      <conditionExpression>amount &gt; 100</conditionExpression>
    </sequenceFlow>
    <sequenceFlow id="to_low" sourceRef="route" targetRef="low_approval"/>
    <sequenceFlow id="high_done" sourceRef="high_approval" targetRef="end_high"/>
    <sequenceFlow id="low_done" sourceRef="low_approval" targetRef="end_low"/>
  </process>
</definitions>`

func TestParse_BuildsGraph(t *testing.T) {
	g, errs := Parse([]byte(approvalXML))
	require.Empty(t, errs)
	require.NotNil(t, g)

	assert.Equal(t, "approval", g.ProcessKey)
	assert.Equal(t, "Approval Flow", g.ProcessName)
	assert.Equal(t, 4, g.NodeCount())

	require.NotNil(t, g.Start())
	assert.Equal(t, "start", g.Start().ID)

	approve := g.Node("approve")
	require.NotNil(t, approve)
	assert.Equal(t, NodeUserTask, approve.Kind)
	assert.Equal(t, "Approve request", approve.Name)

	out := g.Outgoing("approve")
	require.Len(t, out, 1)
	assert.Equal(t, "send_email", out[0].To)
}

func TestParse_CatalogBindingPlaceholders(t *testing.T) {
	g, errs := Parse([]byte(approvalXML))
	require.Empty(t, errs)

	task := g.Node("send_email")
	require.NotNil(t, task)
	assert.Equal(t, "notify", task.CatalogEntryID)
	assert.Equal(t, "send-email", task.CatalogTaskID)
}

func TestParse_GatewayConditionsAndDefault(t *testing.T) {
	g, errs := Parse([]byte(gatewayXML))
	require.Empty(t, errs)

	route := g.Node("route")
	require.NotNil(t, route)
	assert.Equal(t, NodeExclusiveGateway, route.Kind)
	assert.Equal(t, "to_low", route.DefaultFlow)

	out := g.Outgoing("route")
	require.Len(t, out, 2)
	assert.Equal(t, "to_high", out[0].ID)
	assert.Equal(t, "amount > 100", out[0].Condition)
	assert.Empty(t, out[1].Condition)
}

func TestParse_InvalidXML(t *testing.T) {
	g, errs := Parse([]byte("<definitions><process"))
	assert.Nil(t, g)
	require.Len(t, errs, 1)
	assert.Equal(t, "invalid_bpmn_xml", errs[0].Code)
}

func TestParse_MissingProcessID(t *testing.T) {
	xml := `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL"><process name="nameless"/></definitions>`
	g, errs := Parse([]byte(xml))
	assert.Nil(t, g)
	require.NotEmpty(t, errs)
	assert.Equal(t, "missing_process_key", errs[0].Code)
}

func TestParse_MultipleProcesses(t *testing.T) {
	xml := `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="one"/>
  <process id="two"/>
</definitions>`
	g, errs := Parse([]byte(xml))
	assert.Nil(t, g)
	require.NotEmpty(t, errs)
	assert.Equal(t, "multiple_processes", errs[0].Code)
}

func TestParse_UnsupportedElements(t *testing.T) {
	xml := `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="s"/>
    <userTask id="u"/>
    <boundaryEvent id="b" attachedToRef="u"/>
    <endEvent id="e"/>
    <sequenceFlow id="f1" sourceRef="s" targetRef="u"/>
    <sequenceFlow id="f2" sourceRef="u" targetRef="e"/>
  </process>
</definitions>`
	g, errs := Parse([]byte(xml))
	assert.Nil(t, g)
	require.Len(t, errs, 1)
	assert.Equal(t, "unsupported_bpmn_element", errs[0].Code)
	assert.Equal(t, "Boundary events are not supported.", errs[0].Message)
	assert.Contains(t, errs[0].Path, "boundaryEvent")
}

func TestParse_UnknownElementNamed(t *testing.T) {
	xml := `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="s"/>
    <callActivity id="c"/>
    <endEvent id="e"/>
    <sequenceFlow id="f1" sourceRef="s" targetRef="c"/>
    <sequenceFlow id="f2" sourceRef="c" targetRef="e"/>
  </process>
</definitions>`
	_, errs := Parse([]byte(xml))
	require.Len(t, errs, 1)
	assert.Equal(t, "Unsupported BPMN element: callActivity.", errs[0].Message)
}

func TestParse_CompensationAttributeRejected(t *testing.T) {
	xml := `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="s"/>
    <userTask id="u" isForCompensation="true"/>
    <endEvent id="e"/>
    <sequenceFlow id="f1" sourceRef="s" targetRef="u"/>
    <sequenceFlow id="f2" sourceRef="u" targetRef="e"/>
  </process>
</definitions>`
	_, errs := Parse([]byte(xml))
	require.Len(t, errs, 1)
	assert.Equal(t, "Compensation is not supported.", errs[0].Message)
}

func TestParse_StructuralErrors(t *testing.T) {
	t.Run("missing start event", func(t *testing.T) {
		xml := `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <userTask id="u"/>
    <endEvent id="e"/>
    <sequenceFlow id="f1" sourceRef="u" targetRef="e"/>
  </process>
</definitions>`
		_, errs := Parse([]byte(xml))
		require.NotEmpty(t, errs)
		assert.Equal(t, "missing_start_event", errs[0].Code)
	})

	t.Run("dangling flow reference", func(t *testing.T) {
		xml := `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="s"/>
    <endEvent id="e"/>
    <sequenceFlow id="f1" sourceRef="s" targetRef="ghost"/>
  </process>
</definitions>`
		_, errs := Parse([]byte(xml))
		require.NotEmpty(t, errs)
		assert.Equal(t, "dangling_flow_reference", errs[0].Code)
	})

	t.Run("default flow leaving another node", func(t *testing.T) {
		xml := `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="s"/>
    <exclusiveGateway id="g" default="f1"/>
    <endEvent id="e"/>
    <sequenceFlow id="f1" sourceRef="s" targetRef="g"/>
    <sequenceFlow id="f2" sourceRef="g" targetRef="e"/>
  </process>
</definitions>`
		_, errs := Parse([]byte(xml))
		require.NotEmpty(t, errs)
		assert.Equal(t, "invalid_default_flow", errs[0].Code)
	})
}

func TestParse_ErrorsSortDeterministically(t *testing.T) {
	xml := `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <boundaryEvent id="b"/>
    <callActivity id="c"/>
  </process>
</definitions>`
	_, first := Parse([]byte(xml))
	_, second := Parse([]byte(xml))
	require.Equal(t, first, second)
	require.Len(t, first, 2)
	assert.True(t, first[0].Path < first[1].Path)
}

func TestValidate_AcceptsCleanDocument(t *testing.T) {
	assert.Empty(t, Validate([]byte(approvalXML)))
	assert.Empty(t, Validate([]byte(gatewayXML)))
}
