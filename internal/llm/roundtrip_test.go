package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/revibe/internal/llmtypes"
)

// TestOpenAIRoundTrip_PreservesMessageShape exercises universal property 1
// (round-trip message normalisation) for the OpenAI-family wire format:
// denormalise a Message, marshal/unmarshal it as the provider would echo
// it back in a non-streaming response, and normalise again.
func TestOpenAIRoundTrip_PreservesMessageShape(t *testing.T) {
	content := "let me check that file"
	args := `{"path":"/a"}`
	name := "read_file"
	original := llmtypes.Message{
		Role:    llmtypes.RoleAssistant,
		Content: &content,
		ToolCalls: []*llmtypes.ToolCall{
			{Index: 0, ID: strPtrLLM("call_1"), Function: llmtypes.FunctionCall{Name: &name, Arguments: &args}},
		},
	}

	wire := toOAMessages([]llmtypes.Message{original})[0]
	data, err := json.Marshal(wire)
	require.NoError(t, err)

	var echoed oaDelta
	require.NoError(t, json.Unmarshal(data, &echoed))

	roundTripped := deltaToMessage(echoed)
	assert.Equal(t, llmtypes.RoleAssistant, roundTripped.Role)
	require.NotNil(t, roundTripped.Content)
	assert.Equal(t, content, *roundTripped.Content)
	require.Len(t, roundTripped.ToolCalls, 1)
	assert.Equal(t, 0, roundTripped.ToolCalls[0].Index)
	require.NotNil(t, roundTripped.ToolCalls[0].Function.Name)
	assert.Equal(t, name, *roundTripped.ToolCalls[0].Function.Name)
	require.NotNil(t, roundTripped.ToolCalls[0].Function.Arguments)
	assert.Equal(t, args, *roundTripped.ToolCalls[0].Function.Arguments)
}

// TestAntigravityRoundTrip_PreservesMessageShape is the Gemini-family
// counterpart: a Message with a tool call goes through toAGContents and
// back through agContentToMessage as if echoed in the next turn's history.
func TestAntigravityRoundTrip_PreservesMessageShape(t *testing.T) {
	content := "on it"
	args := `{"offset":0}`
	name := "read_file"
	original := llmtypes.Message{
		Role:    llmtypes.RoleAssistant,
		Content: &content,
		ToolCalls: []*llmtypes.ToolCall{
			{Index: 0, Function: llmtypes.FunctionCall{Name: &name, Arguments: &args}},
		},
	}

	contents, _ := toAGContents([]llmtypes.Message{original})
	require.Len(t, contents, 1)

	idx := newToolCallIndexer()
	roundTripped := agContentToMessage(contents[0], idx)
	assert.Equal(t, llmtypes.RoleAssistant, roundTripped.Role)
	require.NotNil(t, roundTripped.Content)
	assert.Equal(t, content, *roundTripped.Content)
	require.Len(t, roundTripped.ToolCalls, 1)
	require.NotNil(t, roundTripped.ToolCalls[0].Function.Name)
	assert.Equal(t, name, *roundTripped.ToolCalls[0].Function.Name)
	require.NotNil(t, roundTripped.ToolCalls[0].Function.Arguments)

	var gotArgs, wantArgs map[string]any
	require.NoError(t, json.Unmarshal([]byte(*roundTripped.ToolCalls[0].Function.Arguments), &gotArgs))
	require.NoError(t, json.Unmarshal([]byte(args), &wantArgs))
	assert.Equal(t, wantArgs, gotArgs)
}

// TestAntigravityRoundTrip_ToolRoleReplyCarriesFunctionName covers a
// tool-role message following the assistant's tool call: the
// functionResponse part must carry the original function name, looked up
// by tool_call_id, not the id itself.
func TestAntigravityRoundTrip_ToolRoleReplyCarriesFunctionName(t *testing.T) {
	name := "read_file"
	args := `{"path":"/a"}`
	callID := "call_1"
	result := "file contents here"

	messages := []llmtypes.Message{
		{
			Role: llmtypes.RoleAssistant,
			ToolCalls: []*llmtypes.ToolCall{
				{Index: 0, ID: &callID, Function: llmtypes.FunctionCall{Name: &name, Arguments: &args}},
			},
		},
		{Role: llmtypes.RoleTool, Content: &result, ToolCallID: &callID},
	}

	contents, _ := toAGContents(messages)
	require.Len(t, contents, 2)

	toolContent := contents[1]
	require.Len(t, toolContent.Parts, 1)
	require.NotNil(t, toolContent.Parts[0].FunctionResp)
	assert.Equal(t, name, toolContent.Parts[0].FunctionResp.Name)
	assert.Equal(t, result, toolContent.Parts[0].FunctionResp.Response.Result)
}

// TestToolCall_ArgumentsAlwaysStringOrNil covers universal property 2: the
// adapter-facing FunctionCall.Arguments field is always *string, never a
// parsed object, so it encodes as a JSON string or is omitted entirely.
func TestToolCall_ArgumentsAlwaysStringOrNil(t *testing.T) {
	withArgs := llmtypes.FunctionCall{Name: strPtrLLM("f"), Arguments: strPtrLLM(`{"a":1}`)}
	data, err := json.Marshal(withArgs)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	var s string
	assert.NoError(t, json.Unmarshal(raw["arguments"], &s))

	noArgs := llmtypes.FunctionCall{Name: strPtrLLM("f")}
	data, err = json.Marshal(noArgs)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	_, present := raw["arguments"]
	assert.False(t, present, "omitempty should drop a nil Arguments field entirely, never emit null")
}
