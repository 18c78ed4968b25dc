// Package stdio fronts one broker session over a newline-delimited
// JSON-RPC stream, the shape an editor or chat UI speaks when it spawns
// the broker as a child process.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/ravelsys/mcp-broker/internal/authjwt"
	"github.com/ravelsys/mcp-broker/internal/broker"
	"github.com/ravelsys/mcp-broker/internal/jsonrpc"
)

// Shell reads newline-delimited JSON-RPC requests from r, dispatches each
// to a single broker.Session, and writes newline-delimited responses to w.
type Shell struct {
	session *broker.Session
	reader  *bufio.Reader
	writer  io.Writer
}

// New constructs a stdio shell bound to one fresh session on b. Before the
// session starts reading requests, it attempts the client auth-discovery
// order (MCP_CLIENT_JWT, then ~/.mcp/client.json) and silently authenticates
// the session if a token is found; otherwise the session remains
// unauthenticated and falls back to the broker's development-mode policy.
func New(b *broker.Broker, r io.Reader, w io.Writer) *Shell {
	session := b.NewSession()
	if token, found := authjwt.DiscoverToken(); found {
		authReq, _ := jsonrpc.NewRequest(0, "authenticate", map[string]any{"jwt_token": token})
		if resp := session.Handle(context.Background(), authReq); resp != nil && resp.Error != nil {
			log.Printf("stdio shell: discovered client token was rejected: %s", resp.Error.Message)
		}
	} else {
		log.Printf("stdio shell: session %s: no client token discovered (MCP_CLIENT_JWT or ~/.mcp/client.json); session is unauthenticated and sees tools only if the broker allows unauthenticated sessions (development mode)", session.ID())
	}
	return &Shell{session: session, reader: bufio.NewReaderSize(r, 64*1024), writer: w}
}

// Run reads requests until EOF or ctx is cancelled, returning nil on a
// clean EOF and an error otherwise (matching the spec's exit-code
// contract: 0 on EOF, 1 on stream error).
func (s *Shell) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := s.reader.ReadString('\n')
		if len(line) > 0 {
			if handleErr := s.handleLine(ctx, line); handleErr != nil {
				log.Printf("stdio shell: %v", handleErr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
	}
}

func (s *Shell) handleLine(ctx context.Context, line string) error {
	trimmed := []byte(line)
	if len(trimmed) == 0 {
		return nil
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		resp := jsonrpc.NewError(nil, jsonrpc.CodeParseError, "Parse error", nil)
		return s.writeResponse(resp)
	}

	resp := s.session.Handle(ctx, &req)
	if resp == nil {
		return nil
	}
	return s.writeResponse(resp)
}

func (s *Shell) writeResponse(resp *jsonrpc.Response) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	encoded = append(encoded, '\n')
	_, err = s.writer.Write(encoded)
	return err
}
