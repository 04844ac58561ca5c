// Package broker implements the brokerage REST and WebSocket clients.
//
// The REST client (Client) covers everything the engine needs from the
// brokerage API:
//   - GetCurrentPrice / GetBestAsk / GetBestBid — quote inquiries
//   - GetDailyCandles / GetMinuteCandles       — chart history
//   - PlaceMarketOrder / PlaceLimitOrder        — cash orders
//   - ModifyOrder / CancelOrder                 — order revision
//   - GetOrderStatus / GetTodayOrders           — fill reconciliation
//   - GetBalance / GetBuyableQuantity           — account state
//
// Every request carries the bearer token, app-key headers, and a TR
// identifier selecting the endpoint semantics. Paper mode rewrites TR
// identifiers (leading T/J/C becomes V) before sending. Transport errors,
// 5xx, and 429 retry with exponential backoff; auth-expired broker codes
// trigger one forced re-authentication; transient account-validation codes
// retry on a fixed 1s delay. All other broker errors go back to the caller.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"leverage-worker/internal/config"
	"leverage-worker/pkg/types"
)

// TR identifiers for the live environment. See rewriteTRID for paper mode.
const (
	trCurrentPrice = "FHKST01010100"
	trAskingPrice  = "FHKST01010200"
	trDailyChart   = "FHKST03010100"
	trMinuteChart  = "FHKST03010200"
	trOrderBuy     = "TTTC0802U"
	trOrderSell    = "TTTC0801U"
	trOrderRevise  = "TTTC0803U"
	trTodayOrders  = "TTTC8001R"
	trBalance      = "TTTC8434R"
	trBuyable      = "TTTC8908R"
)

const (
	transientRetries  = 3
	transientDelay    = time.Second
	maxCandlesPerCall = 30
)

// Client is the brokerage REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and bearer auth.
type Client struct {
	http    *resty.Client
	auth    *Auth
	rl      *RateLimiter
	mode    types.Mode
	account string // account number (CANO)
	product string // account product code (ACNT_PRDT_CD)
	logger  *slog.Logger
}

// NewClient creates a REST client for one broker environment.
func NewClient(baseURL string, auth *Auth, creds *config.Credentials, mode types.Mode, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2). // 3 attempts total
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json; charset=utf-8")

	return &Client{
		http:    httpClient,
		auth:    auth,
		rl:      NewRateLimiter(mode),
		mode:    mode,
		account: creds.AccountNumber,
		product: creds.AccountProductCode,
		logger:  logger.With("component", "broker"),
	}
}

// rewriteTRID translates live TR identifiers for the paper environment.
// Order and account TRs prefixed T/J/C become V; quote TRs are shared.
func (c *Client) rewriteTRID(trID string) string {
	if c.mode != types.ModePaper || trID == "" {
		return trID
	}
	switch trID[0] {
	case 'T', 'J', 'C':
		return "V" + trID[1:]
	}
	return trID
}

func (c *Client) headers(trID string) map[string]string {
	return map[string]string{
		"authorization": "Bearer " + c.auth.Token(),
		"appkey":        c.auth.AppKey(),
		"appsecret":     c.auth.AppSecret(),
		"tr_id":         c.rewriteTRID(trID),
		"custtype":      "P",
	}
}

// envelope is the common broker response wrapper. rt_cd "0" means success.
type envelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

func (e envelope) err(trID string) error {
	if e.RtCd == "0" {
		return nil
	}
	return &APIError{Code: e.MsgCd, Message: e.Msg1, TRID: trID}
}

// call executes fn with the broker-code retry taxonomy. fn must be safe to
// repeat: every gateway operation is a single idempotent HTTP exchange from
// the broker's perspective (order placement is retried only on broker-coded
// rejections, never on ambiguous transport failures, which resty already
// handled before fn returns).
func (c *Client) call(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}

	if IsAuthExpired(err) {
		c.logger.Warn("token expired mid-session, re-authenticating")
		if reauthErr := c.auth.ForceReauth(ctx); reauthErr != nil {
			return fmt.Errorf("re-auth after expiry: %w", reauthErr)
		}
		return fn()
	}

	for attempt := 1; IsTransientAccount(err) && attempt < transientRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(transientDelay):
		}
		err = fn()
		if err == nil {
			return nil
		}
	}
	return err
}

// ————————————————————————————————————————————————————————————————————————
// Quotes
// ————————————————————————————————————————————————————————————————————————

type priceResponse struct {
	envelope
	Output struct {
		Price      string `json:"stck_prpr"`
		Open       string `json:"stck_oprc"`
		High       string `json:"stck_hgpr"`
		Low        string `json:"stck_lwpr"`
		PrevClose  string `json:"stck_sdpr"`
		Volume     string `json:"acml_vol"`
		Change     string `json:"prdy_vrss"`
		ChangeRate string `json:"prdy_ctrt"`
	} `json:"output"`
}

// GetCurrentPrice fetches the current-price snapshot for a symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (*types.StockPrice, error) {
	if err := c.rl.Quote.Wait(ctx); err != nil {
		return nil, err
	}

	var out *types.StockPrice
	err := c.call(ctx, func() error {
		var result priceResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.headers(trCurrentPrice)).
			SetQueryParams(map[string]string{
				"FID_COND_MRKT_DIV_CODE": "J",
				"FID_INPUT_ISCD":         symbol,
			}).
			SetResult(&result).
			Get("/uapi/domestic-stock/v1/quotations/inquire-price")
		if err != nil {
			return fmt.Errorf("get price %s: %w", symbol, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("get price %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
		}
		if err := result.err(trCurrentPrice); err != nil {
			return err
		}

		out = &types.StockPrice{
			Symbol:     symbol,
			Price:      atoi(result.Output.Price),
			Open:       atoi(result.Output.Open),
			High:       atoi(result.Output.High),
			Low:        atoi(result.Output.Low),
			PrevClose:  atoi(result.Output.PrevClose),
			Volume:     atoi(result.Output.Volume),
			Change:     atoi(result.Output.Change),
			ChangeRate: atof(result.Output.ChangeRate),
			Timestamp:  time.Now(),
		}
		return nil
	})
	return out, err
}

type askingPriceResponse struct {
	envelope
	Output struct {
		Ask1 string `json:"askp1"`
		Bid1 string `json:"bidp1"`
	} `json:"output1"`
}

func (c *Client) bestQuote(ctx context.Context, symbol string) (ask, bid int64, err error) {
	if err := c.rl.Quote.Wait(ctx); err != nil {
		return 0, 0, err
	}

	err = c.call(ctx, func() error {
		var result askingPriceResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.headers(trAskingPrice)).
			SetQueryParams(map[string]string{
				"FID_COND_MRKT_DIV_CODE": "J",
				"FID_INPUT_ISCD":         symbol,
			}).
			SetResult(&result).
			Get("/uapi/domestic-stock/v1/quotations/inquire-asking-price-exp-ccn")
		if err != nil {
			return fmt.Errorf("get quote %s: %w", symbol, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("get quote %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
		}
		if err := result.err(trAskingPrice); err != nil {
			return err
		}
		ask = atoi(result.Output.Ask1)
		bid = atoi(result.Output.Bid1)
		return nil
	})
	return ask, bid, err
}

// GetBestAsk returns the top-of-book ask price.
func (c *Client) GetBestAsk(ctx context.Context, symbol string) (int64, error) {
	ask, _, err := c.bestQuote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if ask <= 0 {
		return 0, fmt.Errorf("get quote %s: empty ask", symbol)
	}
	return ask, nil
}

// GetBestBid returns the top-of-book bid price.
func (c *Client) GetBestBid(ctx context.Context, symbol string) (int64, error) {
	_, bid, err := c.bestQuote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if bid <= 0 {
		return 0, fmt.Errorf("get quote %s: empty bid", symbol)
	}
	return bid, nil
}

// ————————————————————————————————————————————————————————————————————————
// Chart history
// ————————————————————————————————————————————————————————————————————————

type dailyChartResponse struct {
	envelope
	Output []struct {
		Date   string `json:"stck_bsop_date"` // yyyymmdd
		Open   string `json:"stck_oprc"`
		High   string `json:"stck_hgpr"`
		Low    string `json:"stck_lwpr"`
		Close  string `json:"stck_clpr"`
		Volume string `json:"acml_vol"`
	} `json:"output2"`
}

// GetDailyCandles fetches daily bars in [from, to], oldest first.
func (c *Client) GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]types.Candle, error) {
	if err := c.rl.Quote.Wait(ctx); err != nil {
		return nil, err
	}

	var candles []types.Candle
	err := c.call(ctx, func() error {
		var result dailyChartResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.headers(trDailyChart)).
			SetQueryParams(map[string]string{
				"FID_COND_MRKT_DIV_CODE": "J",
				"FID_INPUT_ISCD":         symbol,
				"FID_INPUT_DATE_1":       from.Format("20060102"),
				"FID_INPUT_DATE_2":       to.Format("20060102"),
				"FID_PERIOD_DIV_CODE":    "D",
				"FID_ORG_ADJ_PRC":        "0",
			}).
			SetResult(&result).
			Get("/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice")
		if err != nil {
			return fmt.Errorf("daily chart %s: %w", symbol, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("daily chart %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
		}
		if err := result.err(trDailyChart); err != nil {
			return err
		}

		candles = candles[:0]
		// Broker returns newest first; reverse to oldest first.
		for i := len(result.Output) - 1; i >= 0; i-- {
			row := result.Output[i]
			ts, err := time.ParseInLocation("20060102", row.Date, time.Local)
			if err != nil {
				c.logger.Warn("skipping unparseable daily row", "symbol", symbol, "date", row.Date)
				continue
			}
			candles = append(candles, types.Candle{
				Symbol:    symbol,
				Timestamp: ts,
				Open:      atoi(row.Open),
				High:      atoi(row.High),
				Low:       atoi(row.Low),
				Close:     atoi(row.Close),
				Volume:    atoi(row.Volume),
			})
		}
		return nil
	})
	return candles, err
}

type minuteChartResponse struct {
	envelope
	Output []struct {
		Date   string `json:"stck_bsop_date"` // yyyymmdd
		Time   string `json:"stck_cntg_hour"` // HHMMSS
		Open   string `json:"stck_oprc"`
		High   string `json:"stck_hgpr"`
		Low    string `json:"stck_lwpr"`
		Close  string `json:"stck_prpr"`
		Volume string `json:"cntg_vol"`
	} `json:"output2"`
}

// GetMinuteCandles fetches up to 30 minute bars ending at anchorHMS
// ("HHMMSS", empty for now), oldest first. Callers walk history backward by
// anchoring successive calls at the oldest returned bar.
func (c *Client) GetMinuteCandles(ctx context.Context, symbol, anchorHMS string) ([]types.Candle, error) {
	if err := c.rl.Quote.Wait(ctx); err != nil {
		return nil, err
	}
	if anchorHMS == "" {
		anchorHMS = time.Now().Format("150405")
	}

	var candles []types.Candle
	err := c.call(ctx, func() error {
		var result minuteChartResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.headers(trMinuteChart)).
			SetQueryParams(map[string]string{
				"FID_COND_MRKT_DIV_CODE": "J",
				"FID_INPUT_ISCD":         symbol,
				"FID_INPUT_HOUR_1":       anchorHMS,
				"FID_PW_DATA_INCU_YN":    "Y",
				"FID_ETC_CLS_CODE":       "",
			}).
			SetResult(&result).
			Get("/uapi/domestic-stock/v1/quotations/inquire-time-itemchartprice")
		if err != nil {
			return fmt.Errorf("minute chart %s: %w", symbol, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("minute chart %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
		}
		if err := result.err(trMinuteChart); err != nil {
			return err
		}

		candles = candles[:0]
		for i := len(result.Output) - 1; i >= 0 && len(candles) < maxCandlesPerCall; i-- {
			row := result.Output[i]
			ts, err := time.ParseInLocation("20060102150405", row.Date+row.Time, time.Local)
			if err != nil {
				c.logger.Warn("skipping unparseable minute row", "symbol", symbol, "time", row.Time)
				continue
			}
			candles = append(candles, types.Candle{
				Symbol:    symbol,
				Timestamp: ts.Truncate(time.Minute),
				Open:      atoi(row.Open),
				High:      atoi(row.High),
				Low:       atoi(row.Low),
				Close:     atoi(row.Close),
				Volume:    atoi(row.Volume),
			})
		}
		return nil
	})
	return candles, err
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

type orderResponse struct {
	envelope
	Output struct {
		BranchCode string `json:"KRX_FWDG_ORD_ORGNO"`
		OrderID    string `json:"ODNO"`
		OrderTime  string `json:"ORD_TMD"`
	} `json:"output"`
}

func (c *Client) placeOrder(ctx context.Context, symbol string, side types.Side, qty, price int64) (*types.OrderResult, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	trID := trOrderBuy
	if side == types.SELL {
		trID = trOrderSell
	}
	// ORD_DVSN 01 = market, 00 = limit.
	division := "01"
	priceStr := "0"
	if price > 0 {
		division = "00"
		priceStr = strconv.FormatInt(price, 10)
	}

	body := map[string]string{
		"CANO":         c.account,
		"ACNT_PRDT_CD": c.product,
		"PDNO":         symbol,
		"ORD_DVSN":     division,
		"ORD_QTY":      strconv.FormatInt(qty, 10),
		"ORD_UNPR":     priceStr,
	}

	var out *types.OrderResult
	err := c.call(ctx, func() error {
		var result orderResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.headers(trID)).
			SetBody(body).
			SetResult(&result).
			Post("/uapi/domestic-stock/v1/trading/order-cash")
		if err != nil {
			return fmt.Errorf("place order %s %s: %w", side, symbol, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("place order %s %s: status %d: %s", side, symbol, resp.StatusCode(), resp.String())
		}
		if err := result.err(trID); err != nil {
			return err
		}

		out = &types.OrderResult{
			Accepted:   true,
			OrderID:    result.Output.OrderID,
			BranchCode: result.Output.BranchCode,
			OrderTime:  result.Output.OrderTime,
		}
		return nil
	})
	if err != nil {
		if apiErr, ok := err.(*APIError); ok {
			// Broker-level rejection is a result, not a transport failure.
			return &types.OrderResult{Accepted: false, Message: apiErr.Message}, err
		}
		return nil, err
	}

	c.logger.Info("order accepted",
		"symbol", symbol, "side", side, "qty", qty, "price", price,
		"order_id", out.OrderID,
	)
	return out, nil
}

// PlaceMarketOrder submits a market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty int64) (*types.OrderResult, error) {
	return c.placeOrder(ctx, symbol, side, qty, 0)
}

// PlaceLimitOrder submits a limit order at an integer KRW price.
func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, qty, price int64) (*types.OrderResult, error) {
	if price <= 0 {
		return nil, fmt.Errorf("place limit order %s: price must be positive", symbol)
	}
	return c.placeOrder(ctx, symbol, side, qty, price)
}

func (c *Client) reviseOrder(ctx context.Context, orderID, branch string, qty, newPrice int64, cancel bool) (string, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	// RVSE_CNCL_DVSN_CD: 01 = modify, 02 = cancel.
	code := "01"
	division := "00"
	priceStr := strconv.FormatInt(newPrice, 10)
	if cancel {
		code = "02"
		priceStr = "0"
	}

	body := map[string]string{
		"CANO":               c.account,
		"ACNT_PRDT_CD":       c.product,
		"KRX_FWDG_ORD_ORGNO": branch,
		"ORGN_ODNO":          orderID,
		"ORD_DVSN":           division,
		"RVSE_CNCL_DVSN_CD":  code,
		"ORD_QTY":            strconv.FormatInt(qty, 10),
		"ORD_UNPR":           priceStr,
		"QTY_ALL_ORD_YN":     "Y",
	}

	var newID string
	err := c.call(ctx, func() error {
		var result orderResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.headers(trOrderRevise)).
			SetBody(body).
			SetResult(&result).
			Post("/uapi/domestic-stock/v1/trading/order-rvsecncl")
		if err != nil {
			return fmt.Errorf("revise order %s: %w", orderID, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("revise order %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
		}
		if err := result.err(trOrderRevise); err != nil {
			return err
		}
		newID = result.Output.OrderID
		if newID == "" {
			newID = orderID
		}
		return nil
	})
	return newID, err
}

// CancelOrder cancels the unfilled remainder of an order.
func (c *Client) CancelOrder(ctx context.Context, orderID, branch string, qty int64) error {
	_, err := c.reviseOrder(ctx, orderID, branch, qty, 0, true)
	if err == nil {
		c.logger.Info("order cancelled", "order_id", orderID)
	}
	return err
}

// ModifyOrder re-prices the unfilled remainder and returns the tracking
// order id (the broker may assign a new one).
func (c *Client) ModifyOrder(ctx context.Context, orderID, branch string, qty, newPrice int64) (string, error) {
	return c.reviseOrder(ctx, orderID, branch, qty, newPrice, false)
}

// ————————————————————————————————————————————————————————————————————————
// Order status and today's orders
// ————————————————————————————————————————————————————————————————————————

type todayOrdersResponse struct {
	envelope
	Output []struct {
		OrderID     string `json:"odno"`
		Symbol      string `json:"pdno"`
		SideCode    string `json:"sll_buy_dvsn_cd"` // 01 sell, 02 buy
		OrderedQty  string `json:"ord_qty"`
		FilledQty   string `json:"tot_ccld_qty"`
		FilledPrice string `json:"avg_prvs"`
		Price       string `json:"ord_unpr"`
		OrderTime   string `json:"ord_tmd"`
		State       string `json:"ord_stat_nm"`
	} `json:"output1"`
}

// GetTodayOrders returns every order placed today for the account.
func (c *Client) GetTodayOrders(ctx context.Context) ([]types.OrderInfo, error) {
	if err := c.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	today := time.Now().Format("20060102")
	var orders []types.OrderInfo
	err := c.call(ctx, func() error {
		var result todayOrdersResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.headers(trTodayOrders)).
			SetQueryParams(map[string]string{
				"CANO":              c.account,
				"ACNT_PRDT_CD":      c.product,
				"INQR_STRT_DT":      today,
				"INQR_END_DT":       today,
				"SLL_BUY_DVSN_CD":   "00",
				"CCLD_DVSN":         "00",
				"INQR_DVSN":         "00",
				"INQR_DVSN_1":       "0",
				"INQR_DVSN_3":       "00",
				"CTX_AREA_FK100":    "",
				"CTX_AREA_NK100":    "",
				"UNPR_DVSN":         "01",
				"EXCG_ID_DVSN_CD":   "KRX",
				"ORD_GNO_BRNO":      "",
				"ODNO":              "",
				"PDNO":              "",
			}).
			SetResult(&result).
			Get("/uapi/domestic-stock/v1/trading/inquire-daily-ccld")
		if err != nil {
			return fmt.Errorf("today orders: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("today orders: status %d: %s", resp.StatusCode(), resp.String())
		}
		if err := result.err(trTodayOrders); err != nil {
			return err
		}

		orders = orders[:0]
		for _, row := range result.Output {
			side := types.BUY
			if row.SideCode == "01" {
				side = types.SELL
			}
			orders = append(orders, types.OrderInfo{
				OrderID:     row.OrderID,
				Symbol:      row.Symbol,
				Side:        side,
				OrderedQty:  atoi(row.OrderedQty),
				FilledQty:   atoi(row.FilledQty),
				FilledPrice: atoi(row.FilledPrice),
				Price:       atoi(row.Price),
				State:       row.State,
				OrderTime:   row.OrderTime,
			})
		}
		return nil
	})
	return orders, err
}

// OrderStatusHint lets GetOrderStatus fall back to a balance diff when the
// status endpoint is unreliable (paper mode): a buy is treated as filled
// when holdings reach OrderedQty, a sell when the position is gone.
type OrderStatusHint struct {
	Symbol     string
	OrderedQty int64
	Side       types.Side
}

// GetOrderStatus returns the filled/unfilled split for one order.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string, hint *OrderStatusHint) (types.FillStatus, error) {
	orders, err := c.GetTodayOrders(ctx)
	if err == nil {
		for _, o := range orders {
			if o.OrderID == orderID {
				return types.FillStatus{
					FilledQty:   o.FilledQty,
					UnfilledQty: o.OrderedQty - o.FilledQty,
					FilledPrice: o.FilledPrice,
				}, nil
			}
		}
	}
	if hint == nil {
		if err != nil {
			return types.FillStatus{}, err
		}
		return types.FillStatus{}, fmt.Errorf("order status: order %s not found in today's orders", orderID)
	}
	return c.statusFromBalance(ctx, orderID, hint)
}

func (c *Client) statusFromBalance(ctx context.Context, orderID string, hint *OrderStatusHint) (types.FillStatus, error) {
	positions, _, err := c.GetBalance(ctx)
	if err != nil {
		return types.FillStatus{}, fmt.Errorf("order status fallback %s: %w", orderID, err)
	}

	var held int64
	var avg float64
	for _, p := range positions {
		if p.Symbol == hint.Symbol {
			held = p.Quantity
			avg = p.AvgCost
			break
		}
	}

	if hint.Side == types.BUY {
		if held >= hint.OrderedQty {
			return types.FillStatus{FilledQty: hint.OrderedQty, FilledPrice: int64(avg)}, nil
		}
		return types.FillStatus{FilledQty: held, UnfilledQty: hint.OrderedQty - held, FilledPrice: int64(avg)}, nil
	}
	// Sell: absence of the position means fully filled.
	if held == 0 {
		return types.FillStatus{FilledQty: hint.OrderedQty}, nil
	}
	filled := hint.OrderedQty - held
	if filled < 0 {
		filled = 0
	}
	return types.FillStatus{FilledQty: filled, UnfilledQty: hint.OrderedQty - filled}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Balance and buyable quantity
// ————————————————————————————————————————————————————————————————————————

type balanceResponse struct {
	envelope
	Output1 []struct {
		Symbol       string `json:"pdno"`
		Name         string `json:"prdt_name"`
		Quantity     string `json:"hldg_qty"`
		AvgCost      string `json:"pchs_avg_pric"`
		CurrentPrice string `json:"prpr"`
		EvalAmount   string `json:"evlu_amt"`
		ProfitLoss   string `json:"evlu_pfls_amt"`
		ProfitRate   string `json:"evlu_pfls_rt"`
	} `json:"output1"`
	Output2 []struct {
		Deposit     string `json:"dnca_tot_amt"`
		TotalEval   string `json:"tot_evlu_amt"`
		TotalProfit string `json:"evlu_pfls_smtl_amt"`
	} `json:"output2"`
}

// GetBalance returns held positions (zero-quantity rows filtered) and the
// account summary.
func (c *Client) GetBalance(ctx context.Context) ([]types.BalancePosition, *types.BalanceSummary, error) {
	if err := c.rl.Quote.Wait(ctx); err != nil {
		return nil, nil, err
	}

	var positions []types.BalancePosition
	var summary *types.BalanceSummary
	err := c.call(ctx, func() error {
		var result balanceResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.headers(trBalance)).
			SetQueryParams(map[string]string{
				"CANO":                 c.account,
				"ACNT_PRDT_CD":         c.product,
				"AFHR_FLPR_YN":         "N",
				"OFL_YN":               "",
				"INQR_DVSN":            "02",
				"UNPR_DVSN":            "01",
				"FUND_STTL_ICLD_YN":    "N",
				"FNCG_AMT_AUTO_RDPT_YN": "N",
				"PRCS_DVSN":            "00",
				"CTX_AREA_FK100":       "",
				"CTX_AREA_NK100":       "",
			}).
			SetResult(&result).
			Get("/uapi/domestic-stock/v1/trading/inquire-balance")
		if err != nil {
			return fmt.Errorf("balance: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("balance: status %d: %s", resp.StatusCode(), resp.String())
		}
		if err := result.err(trBalance); err != nil {
			return err
		}

		positions = positions[:0]
		for _, row := range result.Output1 {
			qty := atoi(row.Quantity)
			if qty <= 0 {
				continue
			}
			positions = append(positions, types.BalancePosition{
				Symbol:       row.Symbol,
				Name:         row.Name,
				Quantity:     qty,
				AvgCost:      atof(row.AvgCost),
				CurrentPrice: atoi(row.CurrentPrice),
				EvalAmount:   atoi(row.EvalAmount),
				ProfitLoss:   atoi(row.ProfitLoss),
				ProfitRate:   atof(row.ProfitRate),
			})
		}
		summary = &types.BalanceSummary{}
		if len(result.Output2) > 0 {
			summary.Deposit = atoi(result.Output2[0].Deposit)
			summary.TotalEval = atoi(result.Output2[0].TotalEval)
			summary.TotalProfit = atoi(result.Output2[0].TotalProfit)
		}
		return nil
	})
	return positions, summary, err
}

type buyableResponse struct {
	envelope
	Output struct {
		MaxQty  string `json:"nrcvb_buy_qty"`
		MaxCash string `json:"nrcvb_buy_amt"`
	} `json:"output"`
}

// GetBuyableQuantity returns how many shares of symbol the account can buy
// at currentPrice, and the orderable cash.
func (c *Client) GetBuyableQuantity(ctx context.Context, symbol string, currentPrice int64) (qty, maxCash int64, err error) {
	if err := c.rl.Misc.Wait(ctx); err != nil {
		return 0, 0, err
	}

	err = c.call(ctx, func() error {
		var result buyableResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.headers(trBuyable)).
			SetQueryParams(map[string]string{
				"CANO":             c.account,
				"ACNT_PRDT_CD":     c.product,
				"PDNO":             symbol,
				"ORD_UNPR":         strconv.FormatInt(currentPrice, 10),
				"ORD_DVSN":         "01",
				"CMA_EVLU_AMT_ICLD_YN": "N",
				"OVRS_ICLD_YN":     "N",
			}).
			SetResult(&result).
			Get("/uapi/domestic-stock/v1/trading/inquire-psbl-order")
		if err != nil {
			return fmt.Errorf("buyable %s: %w", symbol, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("buyable %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
		}
		if err := result.err(trBuyable); err != nil {
			return err
		}
		qty = atoi(result.Output.MaxQty)
		maxCash = atoi(result.Output.MaxCash)
		return nil
	})
	return qty, maxCash, err
}

// Broker numeric fields arrive as strings; blank or malformed values are
// data errors, logged upstream and treated as zero.
func atoi(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func atof(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
