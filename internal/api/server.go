package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"txcore/internal/account"
	"txcore/internal/config"
	"txcore/internal/router"
	"txcore/internal/signer"
	"txcore/internal/store"
	"txcore/internal/txpopulate"
)

type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	keys   *signer.Keystore
	router *router.Router
}

func NewServer(cfg *config.Config, logger *slog.Logger, keys *signer.Keystore, rt *router.Router) *Server {
	return &Server{cfg: cfg, logger: logger, keys: keys, router: rt}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.withAuth(s.handleHealth))
	mux.HandleFunc("/keys", s.withAuth(s.handleKeys))
	mux.HandleFunc("/balances", s.withAuth(s.handleBalances))
	mux.HandleFunc("/fees", s.withAuth(s.handleFees))
	mux.HandleFunc("/tx/populate", s.withAuth(s.handlePopulate))
	mux.HandleFunc("/tx/send", s.withAuth(s.handleSend))
	mux.HandleFunc("/tx/send_raw", s.withAuth(s.handleSendRaw))
	mux.HandleFunc("/tx/wait", s.withAuth(s.handleWait))
	mux.HandleFunc("/history/sync", s.withAuth(s.handleSync))
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.API.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctxTimeout)
	}()
	return server.ListenAndServe()
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API.AuthToken != "" {
			token := r.Header.Get("X-API-Key")
			if token == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
					token = strings.TrimSpace(auth[7:])
				}
			}
			if token != s.cfg.API.AuthToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		addrs := s.keys.Accounts()
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, a.Hex())
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": out})
	case http.MethodPost:
		addr, err := s.keys.CreateAccount()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"address": addr.Hex()})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type balancesRequest struct {
	ChainID   uint64   `json:"chain_id"`
	Addresses []string `json:"addresses"`
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req balancesRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	addrs := make([]common.Address, 0, len(req.Addresses))
	for _, a := range req.Addresses {
		addr, err := parseAddress(a)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		addrs = append(addrs, addr)
	}
	balances, err := s.router.Balances(r.Context(), req.ChainID, addrs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out := make([]map[string]string, len(addrs))
	for i, addr := range addrs {
		out[i] = map[string]string{"address": addr.Hex(), "balance_wei": balances[i].String()}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chain_id": req.ChainID, "balances": out})
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	chainID, err := strconv.ParseUint(r.URL.Query().Get("chain_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "chain_id is required")
		return
	}
	est, err := s.router.EstimateGasFee(r.Context(), chainID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// accountBody is the wire form of account metadata.
type accountBody struct {
	KeyUID      string `json:"key_uid"`
	Path        uint32 `json:"path"`
	NetworkKind string `json:"network_kind"`
	ChainID     uint64 `json:"chain_id"`
	Address     string `json:"address"`

	EntryPoint     string   `json:"entry_point,omitempty"`
	AccountFactory string   `json:"account_factory,omitempty"`
	Owners         []string `json:"owners,omitempty"`
	Threshold      uint32   `json:"threshold,omitempty"`
}

func (a *accountBody) metadata() (account.Metadata, error) {
	addr, err := parseAddress(a.Address)
	if err != nil {
		return account.Metadata{}, err
	}
	meta := account.Metadata{
		Ref: account.Ref{
			KeyUID:      a.KeyUID,
			Path:        a.Path,
			NetworkKind: a.NetworkKind,
			ChainID:     a.ChainID,
			Address:     addr,
		},
		Threshold: a.Threshold,
	}
	if a.EntryPoint != "" {
		ep, err := parseAddress(a.EntryPoint)
		if err != nil {
			return account.Metadata{}, err
		}
		meta.EntryPoint = &ep
	}
	if a.AccountFactory != "" {
		af, err := parseAddress(a.AccountFactory)
		if err != nil {
			return account.Metadata{}, err
		}
		meta.AccountFactory = &af
	}
	for _, o := range a.Owners {
		owner, err := parseAddress(o)
		if err != nil {
			return account.Metadata{}, err
		}
		meta.Owners = append(meta.Owners, owner)
	}
	return meta, nil
}

type populateRequest struct {
	Account accountBody        `json:"account"`
	Request txpopulate.Request `json:"request"`
}

func (s *Server) handlePopulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req populateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	meta, err := req.Account.metadata()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.router.Populate(r.Context(), meta, req.Request)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out := map[string]any{"request": res.Request, "populated": res.Populated}
	if res.EstimateErr != nil {
		out["estimate_error"] = res.EstimateErr.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

type sendRequest struct {
	Account accountBody        `json:"account"`
	Request txpopulate.Request `json:"request"`
	Replace bool               `json:"replace,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req sendRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	meta, err := req.Account.metadata()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.router.SignAndSend(r.Context(), meta, req.Request, req.Replace)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, router.ErrPendingExists) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type sendRawRequest struct {
	ChainID uint64        `json:"chain_id"`
	Raw     hexutil.Bytes `json:"raw"`
}

func (s *Server) handleSendRaw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req sendRawRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Raw) == 0 {
		writeError(w, http.StatusBadRequest, "raw is required")
		return
	}
	hash, err := s.router.SendRaw(r.Context(), req.ChainID, req.Raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tx_hash": hash.Hex()})
}

type waitRequest struct {
	Account accountBody `json:"account"`
	Nonce   uint64      `json:"nonce"`
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req waitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	meta, err := req.Account.metadata()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.router.Wait(r.Context(), store.PendingKey{Account: meta.Ref, Nonce: req.Nonce})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	out := map[string]any{"outcome": res.Outcome.String()}
	if res.Confirmed != nil {
		out["confirmed"] = res.Confirmed
	}
	writeJSON(w, http.StatusOK, out)
}

type syncRequest struct {
	Account accountBody `json:"account"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req syncRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	meta, err := req.Account.metadata()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	count, err := s.router.FetchTransactions(r.Context(), meta)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": count})
}

func readJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(b, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parseAddress(value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return common.Address{}, errors.New("address is required")
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, errors.New("invalid address")
	}
	return common.HexToAddress(value), nil
}
