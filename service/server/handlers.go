package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/brojonat/dccwallet/service/network"
	"github.com/brojonat/dccwallet/service/txpipeline"
	"github.com/brojonat/dccwallet/service/walleterr"
)

const maxRequestBodySize = 1 << 20 // 1MB, far above any transaction payload

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Title string `json:"title,omitempty"`
}

// txRequest is the body of the transaction endpoints.
type txRequest struct {
	Tx json.RawMessage `json:"tx"`
	// Wait holds the request open until the transaction is confirmed, failed
	// or timed out. Otherwise the response is sent once the id is known.
	Wait bool `json:"wait,omitempty"`
}

type signedTxResponse struct {
	ID  string          `json:"id"`
	Raw json.RawMessage `json:"raw"`
}

// handleGetState returns the connection state.
// GET /api/v1/state
func handleGetState(wallet Wallet) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, wallet.State(), http.StatusOK)
	})
}

// handleListNetworks returns every supported network.
// GET /api/v1/networks
func handleListNetworks() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, network.All(), http.StatusOK)
	})
}

// handleGetNetwork resolves a network by byte, code or name.
// GET /api/v1/networks/{network}
func handleGetNetwork(logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := network.Lookup(r.PathValue("network"))
		if err != nil {
			logger.DebugContext(r.Context(), "network lookup failed", "network", r.PathValue("network"), "error", err)
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, d, http.StatusOK)
	})
}

// handleLogin asks the connector for its account.
// POST /api/v1/login
func handleLogin(wallet Wallet, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state, err := wallet.Login(r.Context())
		if err != nil {
			logger.InfoContext(r.Context(), "login did not complete", "error", err)
			writeWalletError(w, err)
			return
		}
		logger.InfoContext(r.Context(), "logged in", "connection", state.Connection)
		writeJSON(w, state, http.StatusOK)
	})
}

// handleLogout drops the authorization.
// POST /api/v1/logout
func handleLogout(wallet Wallet, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := wallet.Logout(r.Context())
		logger.InfoContext(r.Context(), "logged out")
		writeJSON(w, state, http.StatusOK)
	})
}

// handleSendTransaction signs, broadcasts and confirms a transaction.
// POST /api/v1/transactions
func handleSendTransaction(wallet Wallet, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeTxRequest(w, r)
		if !ok {
			return
		}

		// confirmation outlives the request unless the client waits for it
		ctx := r.Context()
		if !req.Wait {
			ctx = context.WithoutCancel(ctx)
		}

		outcomes, err := wallet.SendTx(ctx, req.Tx)
		if err != nil {
			writeWalletError(w, err)
			return
		}

		var last txpipeline.Outcome
		for out := range outcomes {
			last = out
			if out.Status == txpipeline.StatusSubmitted && !req.Wait {
				break
			}
		}

		logger.InfoContext(r.Context(), "transaction request handled",
			"tx_id", last.ID,
			"status", last.Status,
			"wait", req.Wait,
		)
		writeJSON(w, last, outcomeStatusCode(last))
	})
}

// handleSignTransaction signs a transaction without publishing it.
// POST /api/v1/transactions/sign
func handleSignTransaction(wallet Wallet, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeTxRequest(w, r)
		if !ok {
			return
		}

		tx, err := wallet.BuildTx(r.Context(), req.Tx)
		if err != nil {
			writeWalletError(w, err)
			return
		}
		logger.InfoContext(r.Context(), "transaction signed", "tx_id", tx.ID)
		writeJSON(w, signedTxResponse{ID: tx.ID, Raw: tx.Raw}, http.StatusOK)
	})
}

func decodeTxRequest(w http.ResponseWriter, r *http.Request) (txRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req txRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", http.StatusBadRequest)
			return txRequest{}, false
		}
		writeError(w, "invalid request body", http.StatusBadRequest)
		return txRequest{}, false
	}
	if len(req.Tx) == 0 || string(req.Tx) == "null" {
		writeError(w, "tx is required", http.StatusBadRequest)
		return txRequest{}, false
	}
	return req, true
}

// outcomeStatusCode maps an outcome to an HTTP status. A transaction that
// made it on chain is a successful request even when its script failed.
func outcomeStatusCode(o txpipeline.Outcome) int {
	switch o.Status {
	case txpipeline.StatusSubmitted:
		return http.StatusAccepted
	case txpipeline.StatusConfirmed, txpipeline.StatusFailed:
		return http.StatusOK
	case txpipeline.StatusTimedOut:
		return http.StatusGatewayTimeout
	case txpipeline.StatusRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// kindStatusCode maps an error kind to an HTTP status.
func kindStatusCode(kind walleterr.Kind) int {
	switch kind {
	case walleterr.EnvironmentUnsupported:
		return http.StatusPreconditionFailed
	case walleterr.ConnectorNotFound:
		return http.StatusServiceUnavailable
	case walleterr.AuthorizationPending:
		return http.StatusConflict
	case walleterr.AuthorizationDenied:
		return http.StatusForbidden
	case walleterr.ConnectorCallFailed:
		return http.StatusBadGateway
	case walleterr.TransactionRejected, walleterr.TransactionExecutionFailed:
		return http.StatusUnprocessableEntity
	case walleterr.ConfirmationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, errorResponse{Error: message}, statusCode)
}

// writeWalletError writes a classified error with its kind and title.
func writeWalletError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var we *walleterr.Error
	if errors.As(err, &we) {
		resp.Kind = we.Kind.String()
		resp.Title = we.Title
		if we.Message != "" {
			resp.Error = we.Message
		}
	}
	writeJSON(w, resp, kindStatusCode(walleterr.KindOf(err)))
}
