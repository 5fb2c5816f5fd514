package schema

import (
	"encoding/json"
	"errors"
)

// A2A RPC method names.
const (
	MethodSendTask            = "tasks/send"
	MethodSendTaskSubscribe   = "tasks/sendSubscribe"
	MethodGetTask             = "tasks/get"
	MethodCancelTask          = "tasks/cancel"
	MethodSetPushNotification = "tasks/pushNotification/set"
	MethodGetPushNotification = "tasks/pushNotification/get"
	MethodResubscribe         = "tasks/resubscribe"
)

// JSONRPCVersion is the only supported envelope version.
const JSONRPCVersion = "2.0"

// RPCRequest is the JSON-RPC request envelope.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RPCResponse is the JSON-RPC response envelope.
type RPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// NewRPCResult builds a success envelope.
func NewRPCResult(id any, result any) RPCResponse {
	return RPCResponse{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

// NewRPCError builds an error envelope from any error, mapping RuntimeErrors
// onto their JSON-RPC codes.
func NewRPCError(id any, err error) RPCResponse {
	rpcErr := &RPCError{Code: RPCInternalError, Message: err.Error()}
	var rt *RuntimeError
	if errors.As(err, &rt) {
		rpcErr.Code = rt.RPCCode()
		rpcErr.Message = rt.Message
		if len(rt.Details) > 0 {
			rpcErr.Data = rt.Details
		}
	}
	return RPCResponse{JSONRPC: JSONRPCVersion, ID: id, Error: rpcErr}
}
