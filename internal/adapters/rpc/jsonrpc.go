package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"cometshift/go-backend/internal/fault"
	"cometshift/go-backend/pkg/models"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const maxRPCBodyBytes int64 = 1 << 20 // 1 MiB

const (
	codeParse         = -32700
	codeInvalid       = -32600
	codeMethod        = -32601
	codeParams        = -32602
	codeAuthorization = -32001
	codeBusinessRule  = -32002
	codeBlockchain    = -32003
	codeInternal      = -32099
	codeRateLimited   = -32005
)

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.limiter.Allow(s.rateLimitKey(r), time.Now()) {
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeRateLimited, Message: "rate limit exceeded"},
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParse, Message: "parse error"},
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	reqID := uuid.NewString()
	started := time.Now()
	result, rpcErr := s.dispatch(ctx, req.Method, req.Params)
	if rpcErr != nil {
		s.logger.Error("rpc failed",
			slog.String("request_id", reqID),
			slog.String("method", req.Method),
			slog.Int("rpc_code", rpcErr.Code),
			slog.Int64("latency_ms", time.Since(started).Milliseconds()))
	} else {
		s.logger.Info("rpc ok",
			slog.String("request_id", reqID),
			slog.String("method", req.Method),
			slog.Int64("latency_ms", time.Since(started).Milliseconds()))
	}

	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	})
}

type accountParams struct {
	Account string `json:"account"`
}

type computeAddressParams struct {
	Owner string `json:"owner"`
}

type buildGrantParams struct {
	Owner      string    `json:"owner"`
	ValidUntil time.Time `json:"valid_until"`
}

type submitGrantParams struct {
	Account   string `json:"account"`
	Signature string `json:"signature"`
}

type executeParams struct {
	Account string        `json:"account"`
	Calls   []models.Call `json:"calls"`
}

type switchMarketParams struct {
	Account          string `json:"account"`
	SourceMarket     string `json:"source_market"`
	TargetMarket     string `json:"target_market"`
	CollateralAmount string `json:"collateral_amount"`
}

func (s *Server) dispatch(ctx context.Context, method string, raw json.RawMessage) (any, *rpcError) {
	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil

	case "wallet_computeAddress":
		var p computeAddressParams
		if rpcErr := decodeParams(raw, &p); rpcErr != nil {
			return nil, rpcErr
		}
		return asRPC(s.svc.ComputeAddress(ctx, p.Owner))

	case "session_buildGrant":
		var p buildGrantParams
		if rpcErr := decodeParams(raw, &p); rpcErr != nil {
			return nil, rpcErr
		}
		return asRPC(s.svc.BuildGrant(ctx, p.Owner, p.ValidUntil))

	case "session_submitGrant":
		var p submitGrantParams
		if rpcErr := decodeParams(raw, &p); rpcErr != nil {
			return nil, rpcErr
		}
		return asRPC(s.svc.SubmitGrant(ctx, p.Account, p.Signature))

	case "session_info":
		var p accountParams
		if rpcErr := decodeParams(raw, &p); rpcErr != nil {
			return nil, rpcErr
		}
		return asRPC(s.svc.SessionKeyInfo(ctx, p.Account))

	case "exec_withSessionKey":
		var p executeParams
		if rpcErr := decodeParams(raw, &p); rpcErr != nil {
			return nil, rpcErr
		}
		return asRPC(s.svc.ExecuteWithSessionKey(ctx, p.Account, p.Calls))

	case "position_switchMarket":
		var p switchMarketParams
		if rpcErr := decodeParams(raw, &p); rpcErr != nil {
			return nil, rpcErr
		}
		return asRPC(s.svc.SwitchMarket(ctx, p.Account, p.SourceMarket, p.TargetMarket, p.CollateralAmount))

	case "oracle_getBalances":
		var p accountParams
		if rpcErr := decodeParams(raw, &p); rpcErr != nil {
			return nil, rpcErr
		}
		return asRPC(s.svc.GetBalances(ctx, p.Account))

	case "oracle_getPositions":
		var p accountParams
		if rpcErr := decodeParams(raw, &p); rpcErr != nil {
			return nil, rpcErr
		}
		return asRPC(s.svc.GetPositions(ctx, p.Account))
	}
	return nil, &rpcError{Code: codeMethod, Message: "method not found"}
}

func decodeParams(raw json.RawMessage, into any) *rpcError {
	if len(raw) == 0 {
		return &rpcError{Code: codeParams, Message: "params are required"}
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &rpcError{Code: codeParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

// asRPC maps a service result to the wire. Fault kinds carry stable codes
// so clients can distinguish caller mistakes from chain failures; the
// retryable flag rides along in the error data.
func asRPC(result any, err error) (any, *rpcError) {
	if err == nil {
		return result, nil
	}
	code := codeInternal
	switch fault.KindOf(err) {
	case fault.KindValidation:
		code = codeParams
	case fault.KindAuthorization:
		code = codeAuthorization
	case fault.KindBusinessRule:
		code = codeBusinessRule
	case fault.KindBlockchain:
		code = codeBlockchain
	}
	rpcErr := &rpcError{Code: code, Message: err.Error()}
	if fault.IsRetryable(err) {
		rpcErr.Data = map[string]bool{"retryable": true}
	}
	return nil, rpcErr
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: codeInvalid, Message: "invalid request"},
	})
}
