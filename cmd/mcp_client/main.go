// Command mcp_client is a minimal downstream MCP server used to exercise
// the broker end to end: it speaks the same newline-delimited JSON-RPC
// protocol the broker's downstream client expects, answering initialize,
// tools/list, and tools/call for two toy tools ("echo" and "get_servers").
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ravelsys/mcp-broker/internal/jsonrpc"
)

func main() {
	reader := bufio.NewReaderSize(os.Stdin, 64*1024)
	writer := os.Stdout

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			handleLine(writer, line)
		}
		if err != nil {
			return
		}
	}
}

func handleLine(w *os.File, line string) {
	var req jsonrpc.Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return
	}
	if req.IsNotification() {
		return
	}

	switch req.Method {
	case "initialize":
		writeResult(w, req.ID, map[string]any{
			"serverInfo": map[string]any{"name": "mcp_client", "version": "0.1.0"},
		})
	case "tools/list":
		writeResult(w, req.ID, map[string]any{
			"tools": []map[string]any{
				{
					"name":        "echo",
					"description": "echoes the msg argument back as the result",
					"inputSchema": map[string]any{
						"type":       "object",
						"properties": map[string]any{"msg": map[string]any{"type": "string"}},
					},
				},
				{
					"name":        "get_servers",
					"description": "returns the static list of servers this demo client knows about",
					"inputSchema": map[string]any{"type": "object"},
				},
			},
		})
	case "tools/call":
		handleToolsCall(w, req)
	default:
		writeError(w, req.ID, jsonrpc.CodeMethodNotFound, "Method not found")
	}
}

func handleToolsCall(w *os.File, req jsonrpc.Request) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(w, req.ID, jsonrpc.CodeInvalidParams, "Invalid params")
		return
	}

	switch params.Name {
	case "echo":
		msg, _ := params.Arguments["msg"].(string)
		writeResult(w, req.ID, msg)
	case "get_servers":
		writeResult(w, req.ID, []string{"mcp_client"})
	default:
		writeError(w, req.ID, jsonrpc.CodeInvalidParams, "unknown tool "+params.Name)
	}
}

func writeResult(w *os.File, id any, result any) {
	resp, err := jsonrpc.NewResult(id, result)
	if err != nil {
		writeError(w, id, jsonrpc.CodeInternalError, "Internal error")
		return
	}
	writeResponse(w, resp)
}

func writeError(w *os.File, id any, code int, message string) {
	writeResponse(w, jsonrpc.NewError(id, code, message, nil))
}

func writeResponse(w *os.File, resp *jsonrpc.Response) {
	encoded, err := json.Marshal(resp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mcp_client: encode response:", err)
		return
	}
	fmt.Fprintln(w, string(encoded))
}
