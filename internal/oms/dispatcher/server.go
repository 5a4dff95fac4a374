package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rspadim/oms-position/internal/auth"
	"github.com/rspadim/oms-position/internal/exchange"
	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/oms/common"
	"github.com/rspadim/oms-position/internal/oms/events"
	"github.com/rspadim/oms-position/internal/oms/intake"
	"github.com/rspadim/oms-position/internal/store"
)

// defaultOpenQueryLimit caps oms_query's orders_open/positions_open
// sub-queries when open_limit is omitted, matching oms_query's
// open_limit default in dispatcher_server.py.
const defaultOpenQueryLimit = 500

// defaultRawQueryPageSize and maxRawQueryPageSize bound
// ccxt_raw_query_multi's page_size, matching its 100-default/500-cap.
const (
	defaultRawQueryPageSize = 100
	maxRawQueryPageSize     = 500
)

// maxFrameBytes bounds one TCP request/response line, per spec.md §6.
const maxFrameBytes = 8 << 20

// accountRequiredOps lists the ops that must carry a positive account_id;
// everything else (status, auth_check, accounts_list) runs account-less
// inline on the connection's goroutine, without a pool worker, per
// dispatcher_server.py's _handle_client.
var accountRequiredOps = map[string]bool{
	"oms_commands_batch":            true,
	"ccxt_call":                     true,
	"ccxt_batch":                    true,
	"reconcile_now":                 true,
	"reconcile_status_account":      true,
	"risk_set_allow_new_positions":  true,
	"risk_set_account_status":       true,
	"ws_pull_events":                true,
	"ws_tail_id":                    true,
	"oms_reassign":                  true,
	"oms_query":                     true,
	"ccxt_raw_query":                true,
	"authorize_account":             true,
	"risk_set_strategy_allow_new_positions": true,
	// ccxt_raw_query_multi carries account_ids (plural) instead of a single
	// account_id, so it is validated inside its own handler rather than
	// gated here.
}

// Reconciler is the seam the dispatcher calls into for reconcile_now /
// reconcile_status_account, satisfied by internal/oms/reconciler.Reconciler.
// Defined here (consumer side) so dispatcher never imports reconciler.
type Reconciler interface {
	ReconcileAccount(ctx context.Context, accountID int64) (*ReconcileSummary, error)
}

// ReconcileSummary is the result of one reconciliation pass, echoed back by
// reconcile_now.
type ReconcileSummary struct {
	AccountID       int64  `json:"account_id"`
	TradesProcessed int    `json:"trades_processed"`
	CursorValue     string `json:"cursor_value"`
}

// Request is one line of the TCP JSON-RPC protocol, per spec.md §6.
type Request struct {
	Op        string              `json:"op"`
	AccountID int64               `json:"account_id"`
	APIKey    string              `json:"api_key"`
	RequestID *string             `json:"request_id"`
	Engine    string              `json:"engine"`
	Items     []intake.CommandInput `json:"items"`
	Method    string              `json:"method"`
	Args      []any               `json:"args"`
	Kwargs    map[string]any      `json:"kwargs"`
	Calls     []CcxtCall          `json:"calls"`
	Allow     *bool               `json:"allow"`
	Status    *string             `json:"status"`
	StaleAfterSeconds int         `json:"stale_after_seconds"`
	SinceSeq  int64               `json:"since_seq"`
	Limit     int                 `json:"limit"`
	WorkerID  *int                `json:"worker_id"`
	UserName        string  `json:"user_name"`
	Password        string  `json:"password"`
	CurrentPassword string  `json:"current_password"`
	NewPassword     string  `json:"new_password"`
	APIKeyID        *int64  `json:"api_key_id"`
	Query           *string `json:"query"`
	StrategyID      *int64  `json:"strategy_id"`
	DateFrom        *string `json:"date_from"`
	DateTo          *string `json:"date_to"`
	OpenLimit       int     `json:"open_limit"`
	AccountIDs      []int64 `json:"account_ids"`
	Page            int     `json:"page"`
	PageSize        int     `json:"page_size"`
	Comment         *string `json:"comment"`
	RequireTrade    bool    `json:"require_trade"`
	ForWS           bool    `json:"for_ws"`
	// NewAPIKey is the plaintext key user_api_key_create mints a hash for.
	// Named apart from APIKey (this protocol's per-request credential) since
	// the same request also authenticates the caller minting it.
	NewAPIKey *string `json:"new_api_key"`
	Label     string  `json:"label"`
}

// CcxtCall is one entry of a ccxt_batch request.
type CcxtCall struct {
	Method string         `json:"method"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// CcxtCallResult is the per-call outcome of ccxt_batch, mirroring
// intake.CommandResult's never-throws-the-batch shape.
type CcxtCallResult struct {
	Index  int             `json:"index"`
	OK     bool            `json:"ok"`
	Result any             `json:"result,omitempty"`
	Error  *intake.RPCError `json:"error,omitempty"`
}

// Response is one line of the TCP JSON-RPC protocol response.
type Response struct {
	OK     bool             `json:"ok"`
	Error  *intake.RPCError `json:"error,omitempty"`
	Result any              `json:"result,omitempty"`
}

// Server is the dispatcher's TCP entrypoint: one request per connection,
// in/out on a single newline-delimited JSON line each, per spec.md §6.
type Server struct {
	store      store.Store
	pool       *Pool
	intake     *intake.Intake
	adapter    *exchange.Adapter
	resolver   *common.ExchangeResolver
	authn      *auth.Authenticator
	bus        *events.Bus
	reconciler Reconciler
	log        *logrus.Entry
}

// NewServer builds a Server. reconciler may be nil; reconcile_now then
// returns unsupported_op until one is wired in cmd/oms-dispatcher's main.
func NewServer(s store.Store, pool *Pool, in *intake.Intake, adapter *exchange.Adapter, resolver *common.ExchangeResolver, authn *auth.Authenticator, bus *events.Bus, reconciler Reconciler, log *logrus.Entry) *Server {
	return &Server{store: s, pool: pool, intake: in, adapter: adapter, resolver: resolver, authn: authn, bus: bus, reconciler: reconciler, log: log}
}

// ListenAndServe accepts connections on addr until ctx is canceled.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	srv.log.WithField("addr", addr).Info("dispatcher listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				srv.log.WithError(err).Warn("accept failed")
				continue
			}
		}
		go srv.handleConn(ctx, conn)
	}
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	if !scanner.Scan() {
		return
	}
	line := scanner.Bytes()

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		writeResponse(conn, Response{OK: false, Error: &intake.RPCError{Code: "invalid_json", Message: err.Error()}})
		return
	}
	resp := srv.dispatch(ctx, &req)
	writeResponse(conn, resp)
}

func writeResponse(conn net.Conn, resp Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(Response{OK: false, Error: &intake.RPCError{Code: "internal_error", Message: err.Error()}})
	}
	b = append(b, '\n')
	_, _ = conn.Write(b)
}

// dispatch special-cases account-less ops, then requires a positive
// account_id for the rest, resolving the caller's identity first (every op
// needs a valid api key) — except auth_login_password, which is how a
// caller obtains one in the first place.
func (srv *Server) dispatch(ctx context.Context, req *Request) Response {
	if req.Op == "auth_login_password" {
		return srv.authLoginPassword(ctx, req)
	}

	authCtx, err := srv.authn.Authenticate(ctx, req.APIKey)
	if err != nil {
		return errResponse(authErrCode(err))
	}

	if accountRequiredOps[req.Op] && req.AccountID <= 0 {
		return errResponse("missing_account_id")
	}

	switch req.Op {
	case "status":
		return Response{OK: true, Result: srv.pool.Status()}
	case "auth_check":
		return Response{OK: true, Result: map[string]any{
			"api_key_id": authCtx.APIKeyID, "user_id": authCtx.UserID, "role": authCtx.Role,
		}}
	case "accounts_list":
		return srv.accountsList(ctx, authCtx)
	case "oms_commands_batch":
		return srv.omsCommandsBatch(ctx, authCtx, req)
	case "ccxt_call":
		return srv.ccxtCall(ctx, authCtx, req)
	case "ccxt_batch":
		return srv.ccxtBatch(ctx, authCtx, req)
	case "reconcile_now":
		return srv.reconcileNow(ctx, authCtx, req)
	case "reconcile_status_account":
		return srv.reconcileStatus(ctx, authCtx, req)
	case "reconcile_status_list":
		return srv.reconcileStatusList(ctx, authCtx, req)
	case "risk_set_allow_new_positions":
		return srv.riskSetAllowNewPositions(ctx, authCtx, req)
	case "risk_set_account_status":
		return srv.riskSetAccountStatus(ctx, authCtx, req)
	case "ws_pull_events":
		return srv.wsPullEvents(ctx, authCtx, req)
	case "ws_tail_id":
		return srv.wsTailID(ctx, authCtx, req)
	case "oms_reassign":
		return srv.omsReassign(ctx, authCtx, req)
	case "user_profile_get":
		return srv.userProfileGet(ctx, authCtx)
	case "user_profile_update":
		return srv.userProfileUpdate(ctx, authCtx, req)
	case "user_password_update":
		return srv.userPasswordUpdate(ctx, authCtx, req)
	case "user_api_keys_list":
		return srv.userAPIKeysList(ctx, authCtx)
	case "user_api_key_create":
		return srv.userAPIKeyCreate(ctx, authCtx, req)
	case "user_api_key_update":
		return srv.userAPIKeyUpdate(ctx, authCtx, req)
	case "authorize_account":
		return srv.authorizeAccount(ctx, authCtx, req)
	case "meta_ccxt_exchanges":
		return srv.metaCcxtExchanges(ctx, authCtx)
	case "oms_query":
		return srv.omsQuery(ctx, authCtx, req)
	case "ccxt_raw_query":
		return srv.ccxtRawQuery(ctx, authCtx, req)
	case "ccxt_raw_query_multi":
		return srv.ccxtRawQueryMulti(ctx, authCtx, req)
	case "risk_set_strategy_allow_new_positions":
		return srv.riskSetStrategyAllowNewPositions(ctx, authCtx, req)
	default:
		// admin/RBAC user and strategy management ops (e.g. admin_create_user,
		// strategy_create, admin_oms_mutate) are an external collaborator
		// per spec.md §1's explicit Non-goals; the dispatcher does not
		// implement them.
		return errResponse("unsupported_op")
	}
}

func (srv *Server) accountsList(ctx context.Context, authCtx *auth.Context) Response {
	if err := auth.RequireAdmin(authCtx); err != nil {
		return errResponse(authErrCode(err))
	}
	tx, err := srv.store.BeginTx(ctx)
	if err != nil {
		return internalErrResponse(err)
	}
	defer tx.Rollback()
	accounts, err := srv.store.ListAccounts(ctx, tx)
	if err != nil {
		return internalErrResponse(err)
	}
	return Response{OK: true, Result: accounts}
}

func (srv *Server) omsCommandsBatch(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	if srv.intake == nil {
		return errResponse("unsupported_op")
	}
	var results []intake.CommandResult
	dispatchErr := srv.pool.Dispatch(ctx, req.AccountID, "ccxt", func(ctx context.Context) error {
		results = srv.intake.ProcessBatch(ctx, authCtx, req.Items)
		return nil
	})
	if dispatchErr != nil {
		return internalErrResponse(dispatchErr)
	}
	return Response{OK: true, Result: results}
}

func (srv *Server) ccxtCall(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	var result any
	dispatchErr := srv.pool.Dispatch(ctx, req.AccountID, "ccxt", func(ctx context.Context) error {
		tx, err := srv.store.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := auth.RequireAccountPermission(ctx, srv.store, tx, authCtx.APIKeyID, req.AccountID, true); err != nil {
			return err
		}
		exchangeID, creds, err := srv.resolver.Resolve(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		r, err := srv.adapter.ExecuteMethod(ctx, exchangeID, creds, common.SessionKey(req.AccountID), req.Method, req.Args, req.Kwargs)
		result = r
		return err
	})
	if dispatchErr != nil {
		return errOrInternal(dispatchErr)
	}
	return Response{OK: true, Result: result}
}

func (srv *Server) ccxtBatch(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	results := make([]CcxtCallResult, len(req.Calls))
	dispatchErr := srv.pool.Dispatch(ctx, req.AccountID, "ccxt", func(ctx context.Context) error {
		tx, err := srv.store.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := auth.RequireAccountPermission(ctx, srv.store, tx, authCtx.APIKeyID, req.AccountID, true); err != nil {
			return err
		}
		exchangeID, creds, err := srv.resolver.Resolve(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		sessionKey := common.SessionKey(req.AccountID)
		for i, call := range req.Calls {
			r, err := srv.adapter.ExecuteMethod(ctx, exchangeID, creds, sessionKey, call.Method, call.Args, call.Kwargs)
			if err != nil {
				results[i] = CcxtCallResult{Index: i, OK: false, Error: &intake.RPCError{Code: "internal_error", Message: err.Error()}}
				continue
			}
			results[i] = CcxtCallResult{Index: i, OK: true, Result: r}
		}
		return nil
	})
	if dispatchErr != nil {
		return errOrInternal(dispatchErr)
	}
	return Response{OK: true, Result: results}
}

func (srv *Server) reconcileNow(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	if srv.reconciler == nil {
		return errResponse("unsupported_op")
	}
	if err := srv.requireAccountRead(ctx, authCtx, req.AccountID); err != nil {
		return errResponse(authErrCode(err))
	}
	summary, err := srv.reconciler.ReconcileAccount(ctx, req.AccountID)
	if err != nil {
		return internalErrResponse(err)
	}
	return Response{OK: true, Result: summary}
}

// defaultStaleAfterSeconds is _reconcile_status_of's stale_after_seconds
// default when the caller omits it.
const defaultStaleAfterSeconds = 120

func (srv *Server) reconcileStatus(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	if err := srv.requireAccountRead(ctx, authCtx, req.AccountID); err != nil {
		return errResponse(authErrCode(err))
	}
	tx, err := srv.store.BeginTx(ctx)
	if err != nil {
		return internalErrResponse(err)
	}
	defer tx.Rollback()
	cursor, err := srv.store.FetchReconciliationCursor(ctx, tx, req.AccountID, model.ReconciliationEntityTrades)
	if err != nil {
		return internalErrResponse(err)
	}
	return Response{OK: true, Result: reconcileStatusResult(req.AccountID, cursor, staleAfterOrDefault(req.StaleAfterSeconds))}
}

// reconcileStatusList reports every account the caller can read, classified
// never/fresh/stale against stale_after_seconds, optionally filtered to one
// status value. Mirrors dispatcher_server.py's reconcile_status_list,
// reusing RequireAccountPermission per account instead of a dedicated
// list-accounts-for-api-key query since account counts here are small.
func (srv *Server) reconcileStatusList(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	tx, err := srv.store.BeginTx(ctx)
	if err != nil {
		return internalErrResponse(err)
	}
	defer tx.Rollback()
	accounts, err := srv.store.ListAccounts(ctx, tx)
	if err != nil {
		return internalErrResponse(err)
	}
	staleAfter := staleAfterOrDefault(req.StaleAfterSeconds)
	items := make([]map[string]any, 0, len(accounts))
	for _, acc := range accounts {
		if err := auth.RequireAccountPermission(ctx, srv.store, tx, authCtx.APIKeyID, acc.ID, false); err != nil {
			continue
		}
		cursor, err := srv.store.FetchReconciliationCursor(ctx, tx, acc.ID, model.ReconciliationEntityTrades)
		if err != nil {
			return internalErrResponse(err)
		}
		result := reconcileStatusResult(acc.ID, cursor, staleAfter)
		if req.Status != nil && result["status"] != *req.Status {
			continue
		}
		items = append(items, result)
	}
	return Response{OK: true, Result: items}
}

func staleAfterOrDefault(staleAfterSeconds int) int {
	if staleAfterSeconds <= 0 {
		return defaultStaleAfterSeconds
	}
	return staleAfterSeconds
}

// reconcileStatusResult implements _reconcile_status_of: "never" when the
// account has no cursor row yet, "stale" once the cursor's age exceeds
// staleAfterSeconds, "fresh" otherwise.
func reconcileStatusResult(accountID int64, cursor *model.ReconciliationCursor, staleAfterSeconds int) map[string]any {
	if cursor == nil {
		return map[string]any{
			"account_id": accountID, "status": "never", "cursor_value": nil, "updated_at": nil, "age_seconds": nil,
		}
	}
	age := int(time.Since(cursor.UpdatedAt).Seconds())
	status := "fresh"
	if age > staleAfterSeconds {
		status = "stale"
	}
	return map[string]any{
		"account_id": accountID, "status": status, "cursor_value": cursor.CursorValue,
		"updated_at": cursor.UpdatedAt, "age_seconds": age,
	}
}

func (srv *Server) riskSetAllowNewPositions(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	if err := auth.RequireAdmin(authCtx); err != nil {
		return errResponse(authErrCode(err))
	}
	if req.Allow == nil {
		return errResponse("validation_error")
	}
	tx, err := srv.store.BeginTx(ctx)
	if err != nil {
		return internalErrResponse(err)
	}
	defer tx.Rollback()
	if err := srv.store.SetAccountAllowNewPositions(ctx, tx, req.AccountID, *req.Allow); err != nil {
		return internalErrResponse(err)
	}
	if err := tx.Commit(); err != nil {
		return internalErrResponse(err)
	}
	return Response{OK: true}
}

func (srv *Server) riskSetAccountStatus(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	if err := auth.RequireAdmin(authCtx); err != nil {
		return errResponse(authErrCode(err))
	}
	if req.Status == nil {
		return errResponse("validation_error")
	}
	status := model.AccountStatus(*req.Status)
	if status != model.AccountStatusActive && status != model.AccountStatusBlocked {
		return errResponse("validation_error")
	}
	tx, err := srv.store.BeginTx(ctx)
	if err != nil {
		return internalErrResponse(err)
	}
	defer tx.Rollback()
	if err := srv.store.SetAccountStatus(ctx, tx, req.AccountID, status); err != nil {
		return internalErrResponse(err)
	}
	if err := tx.Commit(); err != nil {
		return internalErrResponse(err)
	}
	return Response{OK: true}
}

func (srv *Server) wsPullEvents(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	if err := srv.requireAccountRead(ctx, authCtx, req.AccountID); err != nil {
		return errResponse(authErrCode(err))
	}
	items := srv.bus.Pull(req.AccountID, req.SinceSeq, req.Limit)
	return Response{OK: true, Result: items}
}

func (srv *Server) wsTailID(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	if err := srv.requireAccountRead(ctx, authCtx, req.AccountID); err != nil {
		return errResponse(authErrCode(err))
	}
	return Response{OK: true, Result: map[string]int64{"tail_id": srv.bus.TailID(req.AccountID)}}
}

func (srv *Server) omsReassign(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	if err := auth.RequireAdmin(authCtx); err != nil {
		return errResponse(authErrCode(err))
	}
	if req.WorkerID == nil || req.Engine == "" {
		return errResponse("validation_error")
	}
	if err := srv.pool.Reassign(ctx, req.AccountID, req.Engine, *req.WorkerID); err != nil {
		return internalErrResponse(err)
	}
	return Response{OK: true}
}

// authLoginPassword mints a bearer token for a username/password login,
// bypassing the api-key authentication dispatch() otherwise requires.
func (srv *Server) authLoginPassword(ctx context.Context, req *Request) Response {
	result, err := srv.authn.LoginWithPassword(ctx, req.UserName, req.Password, req.APIKeyID)
	if err != nil {
		return errResponse(authErrCode(err))
	}
	return Response{OK: true, Result: map[string]any{
		"token":      result.Token,
		"token_type": "bearer",
		"expires_at": result.ExpiresAt,
		"user_id":    result.UserID,
		"role":       result.Role,
		"api_key_id": result.APIKeyID,
	}}
}

func (srv *Server) userProfileGet(ctx context.Context, authCtx *auth.Context) Response {
	user, err := srv.authn.Profile(ctx, authCtx.UserID)
	if err != nil {
		return errResponse(authErrCode(err))
	}
	return Response{OK: true, Result: user}
}

func (srv *Server) userProfileUpdate(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	if req.UserName == "" {
		return errResponse("validation_error")
	}
	user, err := srv.authn.UpdateProfile(ctx, authCtx.UserID, req.UserName)
	if err != nil {
		return errResponse(authErrCode(err))
	}
	return Response{OK: true, Result: user}
}

func (srv *Server) userPasswordUpdate(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	if req.CurrentPassword == "" || req.NewPassword == "" {
		return errResponse("validation_error")
	}
	if err := srv.authn.UpdatePassword(ctx, authCtx.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		return errResponse(authErrCode(err))
	}
	return Response{OK: true}
}

func (srv *Server) userAPIKeysList(ctx context.Context, authCtx *auth.Context) Response {
	tx, err := srv.store.BeginTx(ctx)
	if err != nil {
		return internalErrResponse(err)
	}
	defer tx.Rollback()
	keys, err := srv.store.ListAPIKeysForUser(ctx, tx, authCtx.UserID)
	if err != nil {
		return internalErrResponse(err)
	}
	return Response{OK: true, Result: keys}
}

// userAPIKeyCreate mints a new api key for the caller. new_api_key lets the
// caller pin the plaintext value (matching user_api_key_create's optional
// msg["api_key"]); otherwise one is generated.
func (srv *Server) userAPIKeyCreate(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	plain := ""
	if req.NewAPIKey != nil && *req.NewAPIKey != "" {
		plain = *req.NewAPIKey
	} else {
		generated, err := auth.GenerateAPIKey()
		if err != nil {
			return internalErrResponse(err)
		}
		plain = generated
	}
	tx, err := srv.store.BeginTx(ctx)
	if err != nil {
		return internalErrResponse(err)
	}
	defer tx.Rollback()
	apiKeyID, err := srv.store.CreateAPIKey(ctx, tx, authCtx.UserID, auth.HashAPIKey(plain), req.Label)
	if err != nil {
		return internalErrResponse(err)
	}
	if err := tx.Commit(); err != nil {
		return internalErrResponse(err)
	}
	return Response{OK: true, Result: map[string]any{
		"user_id": authCtx.UserID, "api_key_id": apiKeyID, "api_key_plain": plain,
	}}
}

func (srv *Server) userAPIKeyUpdate(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	if req.APIKeyID == nil || *req.APIKeyID <= 0 {
		return errResponse("validation_error")
	}
	status := ""
	if req.Status != nil {
		status = strings.ToLower(strings.TrimSpace(*req.Status))
	}
	if status != "active" && status != "disabled" {
		return errResponse("validation_error")
	}
	tx, err := srv.store.BeginTx(ctx)
	if err != nil {
		return internalErrResponse(err)
	}
	defer tx.Rollback()
	owner, err := srv.store.FetchAPIKeyOwner(ctx, tx, *req.APIKeyID)
	if err != nil {
		if err == store.ErrAPIKeyNotFound {
			return errResponse("not_found")
		}
		return internalErrResponse(err)
	}
	if owner != authCtx.UserID {
		return errResponse("permission_denied")
	}
	rows, err := srv.store.SetAPIKeyStatus(ctx, tx, *req.APIKeyID, status)
	if err != nil {
		return internalErrResponse(err)
	}
	if err := tx.Commit(); err != nil {
		return internalErrResponse(err)
	}
	return Response{OK: true, Result: map[string]any{"api_key_id": *req.APIKeyID, "rows": rows}}
}

// authorizeAccount is the pre-flight check a client runs before opening a
// direct session against an account (e.g. before subscribing over a ws
// channel). for_ws is accepted but unused: it only changes behavior in
// dispatcher_server.py when combined with per-strategy permission
// restriction, a concept this store doesn't model (see DESIGN.md).
func (srv *Server) authorizeAccount(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	tx, err := srv.store.BeginTx(ctx)
	if err != nil {
		return internalErrResponse(err)
	}
	defer tx.Rollback()
	account, err := srv.store.FetchAccount(ctx, tx, req.AccountID)
	if err != nil {
		if err == store.ErrAccountNotFound {
			return errResponse("account_not_found")
		}
		return internalErrResponse(err)
	}
	if err := auth.RequireAccountPermission(ctx, srv.store, tx, authCtx.APIKeyID, req.AccountID, req.RequireTrade); err != nil {
		return errOrInternal(err)
	}
	return Response{OK: true, Result: map[string]any{
		"account_id": req.AccountID, "exchange_id": account.ExchangeID,
	}}
}

// metaCcxtExchanges reports the exchange ids actually configured across
// accounts. dispatcher_server.py's meta_ccxt_exchanges instead enumerates
// every exchange the live ccxt/ccxtpro libraries ship; this codebase keeps
// no such catalog (see DESIGN.md), so it answers from real account data.
func (srv *Server) metaCcxtExchanges(ctx context.Context, authCtx *auth.Context) Response {
	tx, err := srv.store.BeginTx(ctx)
	if err != nil {
		return internalErrResponse(err)
	}
	defer tx.Rollback()
	ids, err := srv.store.ListDistinctExchangeIDs(ctx, tx)
	if err != nil {
		return internalErrResponse(err)
	}
	return Response{OK: true, Result: ids}
}

// parseQueryTime parses an oms_query/ccxt_raw_query date bound, accepting
// both RFC3339 timestamps and bare dates.
func parseQueryTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, *s); err == nil {
		return &t, nil
	}
	if t, err := time.Parse("2006-01-02", *s); err == nil {
		return &t, nil
	}
	return nil, fmt.Errorf("invalid date %q", *s)
}

// omsQuery is the OMS's read path over its own orders/positions/deals state,
// mirroring dispatcher_server.py's oms_query. restrict_to_strategies isn't a
// permission this store models, so a supplied strategy_id is checked
// directly via RequireStrategyPermission instead, a stricter simplification
// (see DESIGN.md).
func (srv *Server) omsQuery(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	if req.Query == nil || *req.Query == "" {
		return errResponse("unsupported_query")
	}
	if (req.DateFrom != nil) != (req.DateTo != nil) {
		return errResponse("validation_error")
	}
	dateFrom, err := parseQueryTime(req.DateFrom)
	if err != nil {
		return errResponse("validation_error")
	}
	dateTo, err := parseQueryTime(req.DateTo)
	if err != nil {
		return errResponse("validation_error")
	}
	openLimit := req.OpenLimit
	if openLimit <= 0 {
		openLimit = defaultOpenQueryLimit
	}

	tx, err := srv.store.BeginTx(ctx)
	if err != nil {
		return internalErrResponse(err)
	}
	defer tx.Rollback()
	if err := auth.RequireAccountPermission(ctx, srv.store, tx, authCtx.APIKeyID, req.AccountID, false); err != nil {
		return errOrInternal(err)
	}
	if req.StrategyID != nil {
		if err := auth.RequireStrategyPermission(ctx, srv.store, tx, authCtx, *req.StrategyID, false); err != nil {
			return errOrInternal(err)
		}
	}

	var result any
	switch *req.Query {
	case "orders_open":
		result, err = srv.store.ListOrders(ctx, tx, req.AccountID, req.StrategyID, true, nil, nil, openLimit)
	case "orders_history":
		result, err = srv.store.ListOrders(ctx, tx, req.AccountID, req.StrategyID, false, dateFrom, dateTo, 0)
	case "deals":
		result, err = srv.store.ListDeals(ctx, tx, req.AccountID, req.StrategyID, dateFrom, dateTo)
	case "positions_open":
		result, err = srv.store.ListPositions(ctx, tx, req.AccountID, req.StrategyID, true, nil, nil, openLimit)
	case "positions_history":
		result, err = srv.store.ListPositions(ctx, tx, req.AccountID, req.StrategyID, false, dateFrom, dateTo, 0)
	default:
		return errResponse("unsupported_query")
	}
	if err != nil {
		return internalErrResponse(err)
	}
	return Response{OK: true, Result: result}
}

// ccxtRawQuery is the single-account read path over the raw ccxt
// orders/trades snapshots an account's reconciliation cycle persisted,
// mirroring dispatcher_server.py's ccxt_raw_query.
func (srv *Server) ccxtRawQuery(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	if req.Query == nil || *req.Query == "" {
		return errResponse("unsupported_query")
	}
	dateFrom, err := parseQueryTime(req.DateFrom)
	if err != nil || dateFrom == nil {
		return errResponse("validation_error")
	}
	dateTo, err := parseQueryTime(req.DateTo)
	if err != nil || dateTo == nil {
		return errResponse("validation_error")
	}

	tx, err := srv.store.BeginTx(ctx)
	if err != nil {
		return internalErrResponse(err)
	}
	defer tx.Rollback()
	if err := auth.RequireAccountPermission(ctx, srv.store, tx, authCtx.APIKeyID, req.AccountID, false); err != nil {
		return errOrInternal(err)
	}

	var result any
	switch *req.Query {
	case "orders_raw":
		result, err = srv.store.ListCcxtOrdersRaw(ctx, tx, req.AccountID, *dateFrom, *dateTo)
	case "trades_raw":
		result, err = srv.store.ListCcxtTradesRaw(ctx, tx, req.AccountID, *dateFrom, *dateTo)
	default:
		return errResponse("unsupported_query")
	}
	if err != nil {
		return internalErrResponse(err)
	}
	return Response{OK: true, Result: result}
}

// dedupePositiveAccountIDs drops non-positive and repeated account ids,
// replacing ccxt_raw_query_multi's JSON-list-or-comma-string parsing of
// account_ids (this protocol's account_ids is already a JSON array — see
// DESIGN.md).
func dedupePositiveAccountIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// ccxtRawQueryMulti is the paginated, multi-account counterpart of
// ccxt_raw_query, mirroring dispatcher_server.py's ccxt_raw_query_multi.
// The response omits _decorate_exchange_ids' per-row exchange annotation
// (this store has no equivalent lookup wired for it yet — see DESIGN.md).
func (srv *Server) ccxtRawQueryMulti(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	accountIDs := dedupePositiveAccountIDs(req.AccountIDs)
	if len(accountIDs) == 0 {
		return errResponse("validation_error")
	}
	if req.Query == nil || *req.Query == "" {
		return errResponse("unsupported_query")
	}
	dateFrom, err := parseQueryTime(req.DateFrom)
	if err != nil || dateFrom == nil {
		return errResponse("validation_error")
	}
	dateTo, err := parseQueryTime(req.DateTo)
	if err != nil || dateTo == nil {
		return errResponse("validation_error")
	}
	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultRawQueryPageSize
	}
	if pageSize > maxRawQueryPageSize {
		pageSize = maxRawQueryPageSize
	}
	offset := (page - 1) * pageSize

	tx, err := srv.store.BeginTx(ctx)
	if err != nil {
		return internalErrResponse(err)
	}
	defer tx.Rollback()
	for _, accountID := range accountIDs {
		if err := auth.RequireAccountPermission(ctx, srv.store, tx, authCtx.APIKeyID, accountID, false); err != nil {
			return errOrInternal(err)
		}
	}

	var total int64
	var rows any
	switch *req.Query {
	case "orders_raw":
		if total, err = srv.store.CountCcxtOrdersRawMulti(ctx, tx, accountIDs, *dateFrom, *dateTo); err == nil {
			rows, err = srv.store.ListCcxtOrdersRawMulti(ctx, tx, accountIDs, *dateFrom, *dateTo, pageSize, offset)
		}
	case "trades_raw":
		if total, err = srv.store.CountCcxtTradesRawMulti(ctx, tx, accountIDs, *dateFrom, *dateTo); err == nil {
			rows, err = srv.store.ListCcxtTradesRawMulti(ctx, tx, accountIDs, *dateFrom, *dateTo, pageSize, offset)
		}
	default:
		return errResponse("unsupported_query")
	}
	if err != nil {
		return internalErrResponse(err)
	}
	return Response{OK: true, Result: map[string]any{
		"items": rows, "total": total, "page": page, "page_size": pageSize,
	}}
}

// riskSetStrategyAllowNewPositions gates new position opens for one
// strategy under an account, mirroring dispatcher_server.py's
// risk_set_strategy_allow_new_positions. require_block_new_positions has no
// counterpart permission field here, so only CanRiskManage is checked (see
// DESIGN.md, same simplification riskSetAllowNewPositions's sibling op
// would need).
func (srv *Server) riskSetStrategyAllowNewPositions(ctx context.Context, authCtx *auth.Context, req *Request) Response {
	if req.StrategyID == nil || *req.StrategyID <= 0 {
		return errResponse("validation_error")
	}
	if req.Comment == nil || strings.TrimSpace(*req.Comment) == "" {
		return errResponse("validation_error")
	}
	allow := true
	if req.Allow != nil {
		allow = *req.Allow
	}

	tx, err := srv.store.BeginTx(ctx)
	if err != nil {
		return internalErrResponse(err)
	}
	defer tx.Rollback()
	if err := auth.RequireAccountRiskManage(ctx, srv.store, tx, authCtx.APIKeyID, req.AccountID); err != nil {
		return errOrInternal(err)
	}
	rows, err := srv.store.SetStrategyAllowNewPositions(ctx, tx, *req.StrategyID, allow)
	if err != nil {
		return internalErrResponse(err)
	}
	payload, err := json.Marshal(map[string]any{
		"account_id": req.AccountID, "strategy_id": *req.StrategyID, "allow_new_positions": allow,
		"comment": *req.Comment, "actor_user_id": authCtx.UserID, "actor_api_key_id": authCtx.APIKeyID,
	})
	if err != nil {
		return internalErrResponse(err)
	}
	if _, err := srv.store.InsertEvent(ctx, tx, req.AccountID, model.EventNamespaceRisk, "strategy_allow_new_positions_changed", payload); err != nil {
		return internalErrResponse(err)
	}
	if err := tx.Commit(); err != nil {
		return internalErrResponse(err)
	}
	return Response{OK: true, Result: map[string]any{
		"account_id": req.AccountID, "strategy_id": *req.StrategyID, "allow_new_positions": allow, "rows": rows,
	}}
}

func (srv *Server) requireAccountRead(ctx context.Context, authCtx *auth.Context, accountID int64) error {
	tx, err := srv.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return auth.RequireAccountPermission(ctx, srv.store, tx, authCtx.APIKeyID, accountID, false)
}

func errResponse(code string) Response {
	return Response{OK: false, Error: &intake.RPCError{Code: code}}
}

func internalErrResponse(err error) Response {
	return Response{OK: false, Error: &intake.RPCError{Code: "internal_error", Message: err.Error()}}
}

func authErrCode(err error) string {
	switch err {
	case auth.ErrMissingAPIKey:
		return "missing_api_key"
	case auth.ErrInvalidAPIKey:
		return "invalid_api_key"
	case auth.ErrPermissionDenied:
		return "permission_denied"
	case auth.ErrStrategyPermissionDenied:
		return "strategy_permission_denied"
	case auth.ErrAdminRequired:
		return "admin_required"
	case auth.ErrAdminReadOnly:
		return "admin_read_only"
	case auth.ErrInvalidCredentials:
		return "invalid_credentials"
	case auth.ErrNoActiveAPIKey:
		return "no_active_api_key"
	case auth.ErrAPIKeyNotAllowed:
		return "api_key_not_allowed"
	case auth.ErrUserNotFound:
		return "user_not_found"
	default:
		return "internal_error"
	}
}

// errOrInternal maps auth sentinel errors to their RPC code with no
// message (the code is self-explanatory), and anything else to
// internal_error carrying the error's text for diagnosis.
func errOrInternal(err error) Response {
	switch err {
	case auth.ErrPermissionDenied, auth.ErrStrategyPermissionDenied, auth.ErrAdminReadOnly, auth.ErrAdminRequired, auth.ErrMissingAPIKey, auth.ErrInvalidAPIKey:
		return errResponse(authErrCode(err))
	default:
		return internalErrResponse(err)
	}
}
