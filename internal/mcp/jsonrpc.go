package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/agentoven/chatbridge/pkg/models"
)

// JSON-RPC 2.0 specification: https://www.jsonrpc.org/specification

const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2024-11-05"
)

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// idGenerator hands out increasing request IDs.
type idGenerator struct {
	counter atomic.Int64
}

func (g *idGenerator) next() string {
	return strconv.FormatInt(g.counter.Add(1), 10)
}

func newRequest(id any, method string, params any) *models.MCPRequest {
	return &models.MCPRequest{
		Jsonrpc: jsonrpcVersion,
		Method:  method,
		Params:  params,
		ID:      id,
	}
}

func newNotification(method string, params any) *models.MCPRequest {
	return &models.MCPRequest{
		Jsonrpc: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// decodeResponse parses one JSON-RPC response frame.
func decodeResponse(data []byte) (*models.MCPResponse, error) {
	var resp models.MCPResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &models.MCPError{
			Code:    ParseError,
			Message: "Failed to parse JSON-RPC response",
			Data:    err.Error(),
		}
	}
	if resp.Jsonrpc != jsonrpcVersion {
		return nil, &models.MCPError{
			Code:    InvalidRequest,
			Message: fmt.Sprintf("Invalid JSON-RPC version: %s", resp.Jsonrpc),
		}
	}
	return &resp, nil
}

// idKey normalizes a response ID so numeric and string IDs route alike.
func idKey(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
