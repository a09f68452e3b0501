package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/kalambet/medbridge/internal/pipeline"
	"github.com/kalambet/medbridge/internal/retrieval"
	"github.com/kalambet/medbridge/internal/storage"
	"github.com/mark3labs/mcp-go/mcp"
)

type fakeQueueStats []storage.QueueStats

func (f fakeQueueStats) QueueStats() ([]storage.QueueStats, error) { return f, nil }

func newTestMCPDeps() (MCPDeps, *fakeMessages, *fakeRetriever) {
	msgs := newFakeMessages()
	ret := &fakeRetriever{}
	return MCPDeps{
		Messages:  msgs,
		Retriever: ret,
		Queues:    fakeQueueStats{{Queue: "translation", Pending: 2}},
	}, msgs, ret
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCP_ServerRegistersTools(t *testing.T) {
	deps, _, _ := newTestMCPDeps()
	s := NewMCPServer(deps, "test")
	tools := s.ListTools()
	for _, name := range []string{"retrieve_context", "message_status", "submit_message", "request_assistance", "assistance_result"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestMCP_RetrieveContext(t *testing.T) {
	deps, _, ret := newTestMCPDeps()
	ret.result = retrieval.RankedContext{
		Chunks: []retrieval.ScoredChunk{{
			Chunk:          retrieval.Chunk{Name: "Chest pain", Text: "ubuhlungu besifuba"},
			CollectionName: "Zulu Phrases",
			Score:          0.82,
		}},
	}

	result, err := mcpRetrieveContext(deps)(context.Background(), makeCallToolRequest("retrieve_context", map[string]interface{}{
		"query":            "chest pain",
		"conversation_id":  "c1",
		"top_k":            float64(3),
		"include_defaults": true,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var out struct {
		Chunks []struct {
			Collection string  `json:"collection"`
			Text       string  `json:"text"`
			Score      float32 `json:"score"`
		} `json:"chunks"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(out.Chunks) != 1 || out.Chunks[0].Collection != "Zulu Phrases" {
		t.Errorf("chunks = %+v", out.Chunks)
	}
	if ret.topK != 3 {
		t.Errorf("topK = %d, want 3", ret.topK)
	}
	if s := ret.scopes[0]; s.ConversationID != "c1" || !s.IncludeDefaults {
		t.Errorf("scope = %+v", s)
	}
}

func TestMCP_RetrieveContext_MissingQuery(t *testing.T) {
	deps, _, _ := newTestMCPDeps()
	result, _ := mcpRetrieveContext(deps)(context.Background(), makeCallToolRequest("retrieve_context", map[string]interface{}{}))
	if !result.IsError {
		t.Error("expected error result")
	}
}

func TestMCP_SubmitAndStatus(t *testing.T) {
	deps, msgs, _ := newTestMCPDeps()

	result, err := mcpSubmitMessage(deps)(context.Background(), makeCallToolRequest("submit_message", map[string]interface{}{
		"conversation_id": "c1",
		"sender_role":     "clinician",
		"text":            "Where does it hurt?",
	}))
	if err != nil || result.IsError {
		t.Fatalf("submit failed: %v %s", err, toolText(t, result))
	}
	var receipt pipeline.Receipt
	if err := json.Unmarshal([]byte(toolText(t, result)), &receipt); err != nil {
		t.Fatalf("decoding receipt: %v", err)
	}
	if msgs.submitted[0].SenderRole != "clinician" {
		t.Errorf("submitted = %+v", msgs.submitted[0])
	}

	result, _ = mcpMessageStatus(deps)(context.Background(), makeCallToolRequest("message_status", map[string]interface{}{
		"message_id": receipt.MessageID,
	}))
	if result.IsError {
		t.Fatalf("status failed: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), `"stage":"translating"`) {
		t.Errorf("status = %s", toolText(t, result))
	}

	result, _ = mcpMessageStatus(deps)(context.Background(), makeCallToolRequest("message_status", map[string]interface{}{
		"message_id": "nope",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("missing message result = %s", toolText(t, result))
	}
}

func TestMCP_SubmitMessage_MissingText(t *testing.T) {
	deps, _, _ := newTestMCPDeps()
	result, _ := mcpSubmitMessage(deps)(context.Background(), makeCallToolRequest("submit_message", map[string]interface{}{
		"conversation_id": "c1",
		"sender_role":     "patient",
	}))
	if !result.IsError {
		t.Error("expected error result")
	}
}

func TestMCP_Assistance(t *testing.T) {
	deps, msgs, _ := newTestMCPDeps()

	result, _ := mcpRequestAssistance(deps)(context.Background(), makeCallToolRequest("request_assistance", map[string]interface{}{
		"conversation_id": "c1",
		"kind":            "medical",
	}))
	if result.IsError {
		t.Fatalf("request failed: %s", toolText(t, result))
	}
	if msgs.assistKind != "medical" {
		t.Errorf("kind = %q, want medical", msgs.assistKind)
	}

	result, _ = mcpAssistanceResult(deps)(context.Background(), makeCallToolRequest("assistance_result", map[string]interface{}{
		"id": "assist-1",
	}))
	if result.IsError {
		t.Fatalf("result failed: %s", toolText(t, result))
	}
	var a pipeline.Assistance
	if err := json.Unmarshal([]byte(toolText(t, result)), &a); err != nil {
		t.Fatalf("decoding assistance: %v", err)
	}
	if a.Status != "pending" {
		t.Errorf("status = %q, want pending", a.Status)
	}

	result, _ = mcpRequestAssistance(deps)(context.Background(), makeCallToolRequest("request_assistance", map[string]interface{}{
		"conversation_id": "c1",
		"kind":            "astrology",
	}))
	if !result.IsError {
		t.Error("expected error for invalid kind")
	}
}

func TestMCP_QueuesResource(t *testing.T) {
	deps, _, _ := newTestMCPDeps()
	contents, err := mcpResourceQueues(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "medbridge://queues"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if !strings.Contains(tc.Text, `"pending":2`) {
		t.Errorf("resource = %s", tc.Text)
	}
}
