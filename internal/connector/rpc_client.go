package connector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"wallet-sync/internal/domain"
	"wallet-sync/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout = 30 * time.Second
)

// JSON-RPC methods served by the ledger gateway.
const (
	methodGetAccountState = "getAccountState"
	methodEstimateFee     = "estimateFee"
	methodSendMessage     = "sendMessage"
	methodGetStakingPool  = "getStakingPool"
	methodGetJob          = "getJob"
)

// HTTPClient implements Connector, StakingSource and JobSource using HTTP JSON-RPC 2.0.
// Every call is a single attempt; retry policy belongs to the caller.
type HTTPClient struct {
	endpoint  string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *zap.Logger
	requestID atomic.Uint64
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithRateLimit limits outgoing calls to rps requests per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *HTTPClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *HTTPClient) {
		c.logger = logger
	}
}

// NewHTTPClient creates a new ledger JSON-RPC client.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("rpc")
	return c
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC 2.0 error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// serverError reports whether the code is in the JSON-RPC implementation-defined
// server error range, which gateways use for upstream outages.
func (e *rpcError) serverError() bool {
	return e.Code <= -32000 && e.Code >= -32099
}

// call performs a single JSON-RPC call and classifies failures.
func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}, result interface{}) (err error) {
	start := time.Now()
	defer func() {
		observability.RecordRPCLatency(method, time.Since(start).Seconds())
		if err != nil {
			observability.RecordRPCError(method, classify(err))
			c.logger.Debug("rpc call failed", zap.String("method", method), zap.Error(err))
		}
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &NetworkError{Method: method, Err: err}
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return &NetworkError{Method: method, Err: fmt.Errorf("read response: %w", err)}
	}

	// Rate limiting and gateway outages are transient
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &NetworkError{Method: method, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return &DecodeError{Method: method, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return &DecodeError{Method: method, Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	if rpcResp.Error != nil {
		if method == methodSendMessage && !rpcResp.Error.serverError() {
			return &RejectedError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
		}
		if rpcResp.Error.serverError() {
			return &NetworkError{Method: method, Err: rpcResp.Error}
		}
		return &DecodeError{Method: method, Err: rpcResp.Error}
	}

	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return &DecodeError{Method: method, Err: fmt.Errorf("unmarshal result: %w", err)}
		}
	}

	return nil
}

func classify(err error) string {
	var netErr *NetworkError
	var rejErr *RejectedError
	switch {
	case errors.As(err, &netErr):
		return classNetwork
	case errors.As(err, &rejErr):
		return classRejected
	default:
		return classDecode
	}
}

// accountStateResult is the raw RPC response for getAccountState.
type accountStateResult struct {
	Balance           string  `json:"balance"` // decimal nanocoins
	Seqno             uint32  `json:"seqno"`
	LastTransactionLt *string `json:"lastTransactionLt"`
}

func (r *accountStateResult) toDomain() (*domain.AccountState, error) {
	balance, err := uint256.FromDecimal(r.Balance)
	if err != nil {
		return nil, fmt.Errorf("balance %q: %w", r.Balance, err)
	}
	state := &domain.AccountState{Balance: balance, Seqno: r.Seqno}
	if r.LastTransactionLt != nil {
		lt, err := strconv.ParseUint(*r.LastTransactionLt, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("lastTransactionLt %q: %w", *r.LastTransactionLt, err)
		}
		state.LastTransactionLt = &lt
	}
	return state, nil
}

// FetchAccountState reads confirmed account state.
func (c *HTTPClient) FetchAccountState(ctx context.Context, address domain.Address) (*domain.AccountState, error) {
	var result *accountStateResult
	if err := c.call(ctx, methodGetAccountState, []interface{}{address.String()}, &result); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, &DecodeError{Method: methodGetAccountState, Err: errors.New("empty result")}
	}

	state, err := result.toDomain()
	if err != nil {
		return nil, &DecodeError{Method: methodGetAccountState, Err: err}
	}
	return state, nil
}

// draftParams is the wire form of a MessageDraft.
type draftParams struct {
	From      string `json:"from"`
	Seqno     uint32 `json:"seqno"`
	To        string `json:"to"`
	Value     string `json:"value"`
	SendAll   bool   `json:"sendAll,omitempty"`
	Bounce    bool   `json:"bounce"`
	Payload   string `json:"payload,omitempty"`   // base64
	StateInit string `json:"stateInit,omitempty"` // base64
	Comment   string `json:"comment,omitempty"`
}

func encodeDraft(d *MessageDraft) draftParams {
	p := draftParams{
		From:    d.From.String(),
		Seqno:   d.Seqno,
		To:      d.To.String(),
		Value:   "0",
		SendAll: d.SendAll,
		Bounce:  d.Bounce,
		Comment: d.Comment,
	}
	if d.Value != nil {
		p.Value = d.Value.Dec()
	}
	if len(d.Payload) > 0 {
		p.Payload = base64.StdEncoding.EncodeToString(d.Payload)
		p.Comment = ""
	}
	if len(d.StateInit) > 0 {
		p.StateInit = base64.StdEncoding.EncodeToString(d.StateInit)
	}
	return p
}

type estimateFeeResult struct {
	Fee string `json:"fee"` // decimal nanocoins, sum of all fee components
}

// EstimateFee returns the total fee the draft would pay.
func (c *HTTPClient) EstimateFee(ctx context.Context, draft *MessageDraft) (*uint256.Int, error) {
	if draft == nil {
		return nil, errors.New("nil draft")
	}

	var result estimateFeeResult
	if err := c.call(ctx, methodEstimateFee, []interface{}{encodeDraft(draft)}, &result); err != nil {
		return nil, err
	}

	fee, err := uint256.FromDecimal(result.Fee)
	if err != nil {
		return nil, &DecodeError{Method: methodEstimateFee, Err: fmt.Errorf("fee %q: %w", result.Fee, err)}
	}
	return fee, nil
}

type sendMessageResult struct {
	Hash string `json:"hash"`
}

// SubmitMessage broadcasts a signed message.
func (c *HTTPClient) SubmitMessage(ctx context.Context, msg *SignedMessage) (*Ack, error) {
	if msg == nil || len(msg.Body) == 0 {
		return nil, errors.New("empty message")
	}

	params := []interface{}{map[string]interface{}{
		"from": msg.From.String(),
		"boc":  base64.StdEncoding.EncodeToString(msg.Body),
	}}

	var result sendMessageResult
	if err := c.call(ctx, methodSendMessage, params, &result); err != nil {
		return nil, err
	}
	return &Ack{Hash: result.Hash}, nil
}

// stakingPoolResult is the raw RPC response for getStakingPool.
type stakingPoolResult struct {
	Params struct {
		MinStake     string `json:"minStake"`
		DepositFee   string `json:"depositFee"`
		WithdrawFee  string `json:"withdrawFee"`
		ReceiptPrice string `json:"receiptPrice"`
	} `json:"params"`
	Member *struct {
		Balance         string `json:"balance"`
		PendingDeposit  string `json:"pendingDeposit"`
		PendingWithdraw string `json:"pendingWithdraw"`
		Withdraw        string `json:"withdraw"`
	} `json:"member"`
}

// FetchStakingPool reads pool parameters and, if member is set, the member's position.
func (c *HTTPClient) FetchStakingPool(ctx context.Context, pool, member domain.Address) (*domain.StakingPoolState, error) {
	params := []interface{}{pool.String()}
	if !member.IsZero() {
		params = append(params, member.String())
	}

	var result *stakingPoolResult
	if err := c.call(ctx, methodGetStakingPool, params, &result); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, &DecodeError{Method: methodGetStakingPool, Err: errors.New("empty result")}
	}

	var d decimals
	state := &domain.StakingPoolState{
		Address: pool,
		Params: domain.StakingParams{
			MinStake:     d.parse("minStake", result.Params.MinStake),
			DepositFee:   d.parse("depositFee", result.Params.DepositFee),
			WithdrawFee:  d.parse("withdrawFee", result.Params.WithdrawFee),
			ReceiptPrice: d.parse("receiptPrice", result.Params.ReceiptPrice),
		},
	}
	if result.Member != nil {
		state.Member = &domain.StakingMember{
			Balance:         d.parse("member.balance", result.Member.Balance),
			PendingDeposit:  d.parse("member.pendingDeposit", result.Member.PendingDeposit),
			PendingWithdraw: d.parse("member.pendingWithdraw", result.Member.PendingWithdraw),
			Withdraw:        d.parse("member.withdraw", result.Member.Withdraw),
		}
	}
	if d.err != nil {
		return nil, &DecodeError{Method: methodGetStakingPool, Err: d.err}
	}
	return state, nil
}

// jobResult is the raw RPC response for getJob.
type jobResult struct {
	Raw string `json:"raw"`
	Job struct {
		Type      string `json:"type"`
		Target    string `json:"target"`
		Amount    string `json:"amount"`
		Text      string `json:"text"`
		Payload   []byte `json:"payload"`   // base64
		StateInit []byte `json:"stateInit"` // base64
		ExpiresAt int64  `json:"expiresAt"`
	} `json:"job"`
}

// FetchJob reads the pending app job for address. A null result means no job.
func (c *HTTPClient) FetchJob(ctx context.Context, address domain.Address) (*domain.JobState, error) {
	var result *jobResult
	if err := c.call(ctx, methodGetJob, []interface{}{address.String()}, &result); err != nil {
		return nil, err
	}
	if result == nil {
		return &domain.JobState{}, nil
	}

	job := &domain.Job{
		Type:      domain.JobType(result.Job.Type),
		Target:    domain.Address(result.Job.Target),
		Text:      result.Job.Text,
		Payload:   result.Job.Payload,
		StateInit: result.Job.StateInit,
		ExpiresAt: result.Job.ExpiresAt,
	}
	if !job.Type.IsValid() {
		return nil, &DecodeError{Method: methodGetJob, Err: fmt.Errorf("unknown job type %q", result.Job.Type)}
	}
	if result.Job.Amount != "" {
		amount, err := uint256.FromDecimal(result.Job.Amount)
		if err != nil {
			return nil, &DecodeError{Method: methodGetJob, Err: fmt.Errorf("amount %q: %w", result.Job.Amount, err)}
		}
		job.Amount = amount
	}

	return &domain.JobState{Job: job, Raw: result.Raw}, nil
}

// decimals parses a series of decimal fields, keeping the first error.
type decimals struct {
	err error
}

func (d *decimals) parse(field, s string) *uint256.Int {
	if s == "" {
		return new(uint256.Int)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		if d.err == nil {
			d.err = fmt.Errorf("%s %q: %w", field, s, err)
		}
		return new(uint256.Int)
	}
	return v
}
