// ws.go implements the real-time WebSocket stream from the brokerage.
//
// One connection carries two subscription kinds:
//
//   - Per-symbol trade ticks (one subscription per symbol), decoded into
//     TickEvent.
//   - The account-wide execution notice stream (requires the HTS identity),
//     decoded into OrderNoticeEvent. Only fills are forwarded; order
//     acknowledgments and cancel confirmations are dropped at this layer.
//
// Data frames are positional: "0|<TR>|<count>|f0^f1^f2...". Control frames
// are JSON; PINGPONG frames are echoed back verbatim.
//
// The connection only runs inside the trading session window: Run is a
// no-op outside it, and the reconnect loop exits once the session ends.
// Within the session it auto-reconnects with exponential backoff (1s → 30s
// cap), bounded at wsMaxReconnects consecutive failures, and re-subscribes
// everything on reconnection. Consumers watch IsOrderNoticeActive to decide
// between WS-primary and REST-polling-primary fill detection: while
// disconnected it reports false and callers fall back to polling, trading
// latency for completeness.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"leverage-worker/internal/clock"
	"leverage-worker/pkg/types"
)

const (
	trTick         = "H0STCNT0" // per-symbol trade tick stream
	trNoticeLive   = "H0STCNI0" // execution notices, live account
	trNoticePaper  = "H0STCNI9" // execution notices, paper account
	wsWriteTimeout  = 10 * time.Second
	wsReadTimeout   = 90 * time.Second
	wsBaseBackoff   = time.Second
	wsMaxBackoff    = 30 * time.Second
	wsMaxReconnects = 10
	// A connection that held this long resets the failure budget.
	wsStableAge = time.Minute
	noticeStaleAge = 10 * time.Second
	tickBufferSize = 256
	fillBufferSize = 64
)

// Stream manages the broker WebSocket connection: subscription tracking,
// frame decoding, and automatic reconnection.
type Stream struct {
	url    string
	auth   *Auth
	mode   types.Mode
	htsID  string // empty disables the execution-notice subscription
	logger *slog.Logger

	start, end    clock.HHMM
	now           func() time.Time
	maxReconnects int
	baseBackoff   time.Duration

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // symbols with an active tick subscription

	// Ticks drop oldest under back-pressure; fills are never dropped.
	tickCh   chan types.TickEvent
	noticeCh chan types.OrderNoticeEvent

	stateMu      sync.RWMutex
	running      bool
	noticeSubbed bool
	lastData     time.Time
}

// NewStream creates the realtime stream. htsID may be empty to skip the
// execution-notice subscription; start/end bound the session window the
// stream is allowed to run in.
func NewStream(wsURL string, auth *Auth, mode types.Mode, htsID string, start, end clock.HHMM, logger *slog.Logger) *Stream {
	return &Stream{
		url:           wsURL,
		auth:          auth,
		mode:          mode,
		htsID:         htsID,
		start:         start,
		end:           end,
		now:           time.Now,
		maxReconnects: wsMaxReconnects,
		baseBackoff:   wsBaseBackoff,
		subscribed:    make(map[string]bool),
		tickCh:        make(chan types.TickEvent, tickBufferSize),
		noticeCh:      make(chan types.OrderNoticeEvent, fillBufferSize),
		logger:        logger.With("component", "ws"),
	}
}

// inSession widens the configured window by one minute at the open so a
// boot just before 09:00 still brings the stream up.
func (s *Stream) inSession(t time.Time) bool {
	if clock.IsWeekend(t) {
		return false
	}
	mod := t.Hour()*60 + t.Minute()
	return mod >= s.start.MinuteOfDay()-1 && mod < s.end.MinuteOfDay()
}

// Ticks returns the read-only tick event channel.
func (s *Stream) Ticks() <-chan types.TickEvent { return s.tickCh }

// OrderNotices returns the read-only execution notice channel.
func (s *Stream) OrderNotices() <-chan types.OrderNoticeEvent { return s.noticeCh }

// IsOrderNoticeActive reports whether the fill fast path is trustworthy:
// connected, subscribed, and data seen within the staleness window.
func (s *Stream) IsOrderNoticeActive() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.running && s.noticeSubbed && time.Since(s.lastData) < noticeStaleAge
}

// Subscribe adds tick subscriptions for symbols, effective immediately if
// connected and re-applied after every reconnect.
func (s *Stream) Subscribe(symbols []string) error {
	s.subscribedMu.Lock()
	for _, sym := range symbols {
		s.subscribed[sym] = true
	}
	s.subscribedMu.Unlock()

	for _, sym := range symbols {
		if err := s.writeSubscription(trTick, sym, true); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes tick subscriptions.
func (s *Stream) Unsubscribe(symbols []string) error {
	s.subscribedMu.Lock()
	for _, sym := range symbols {
		delete(s.subscribed, sym)
	}
	s.subscribedMu.Unlock()

	for _, sym := range symbols {
		if err := s.writeSubscription(trTick, sym, false); err != nil {
			return err
		}
	}
	return nil
}

// Run connects and maintains the stream until ctx is cancelled, the session
// window ends, or the consecutive-failure budget runs out. Outside the
// session window Run is a no-op.
func (s *Stream) Run(ctx context.Context) error {
	if !s.inSession(s.now()) {
		s.logger.Info("outside trading hours, stream not started")
		return nil
	}

	defer func() {
		s.stateMu.Lock()
		s.running = false
		s.stateMu.Unlock()
	}()

	failures := 0
	backoff := s.baseBackoff
	for {
		started := s.now()
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.inSession(s.now()) {
			s.logger.Info("trading session over, stream stopping")
			return nil
		}
		if s.now().Sub(started) >= wsStableAge {
			failures = 0
			backoff = s.baseBackoff
		}

		failures++
		if failures > s.maxReconnects {
			return fmt.Errorf("websocket gave up after %d consecutive failures: %w", s.maxReconnects, err)
		}
		s.logger.Warn("websocket disconnected, reconnecting",
			"error", err, "backoff", backoff, "failures", failures)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsMaxBackoff {
			backoff = wsMaxBackoff
		}
	}
}

// Close closes the underlying connection, waking a blocked reader.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) noticeTR() string {
	if s.mode == types.ModeLive {
		return trNoticeLive
	}
	return trNoticePaper
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()

		s.stateMu.Lock()
		s.running = false
		s.noticeSubbed = false
		s.stateMu.Unlock()
	}()

	if err := s.resubscribeAll(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.stateMu.Lock()
	s.running = true
	s.lastData = time.Now()
	s.stateMu.Unlock()

	s.logger.Info("websocket connected", "url", s.url)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.stateMu.Lock()
		s.lastData = time.Now()
		s.stateMu.Unlock()

		s.dispatchFrame(msg)
	}
}

func (s *Stream) resubscribeAll() error {
	s.subscribedMu.RLock()
	symbols := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		symbols = append(symbols, sym)
	}
	s.subscribedMu.RUnlock()

	for _, sym := range symbols {
		if err := s.writeSubscription(trTick, sym, true); err != nil {
			return err
		}
	}

	if s.htsID != "" {
		if err := s.writeSubscription(s.noticeTR(), s.htsID, true); err != nil {
			return err
		}
		s.stateMu.Lock()
		s.noticeSubbed = true
		s.stateMu.Unlock()
	}
	return nil
}

type wsSubscribeMsg struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		CustType    string `json:"custtype"`
		TRType      string `json:"tr_type"` // "1" subscribe, "2" unsubscribe
		ContentType string `json:"content-type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TRID  string `json:"tr_id"`
			TRKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

func (s *Stream) writeSubscription(trID, trKey string, subscribe bool) error {
	key, err := s.auth.ApprovalKey(context.Background())
	if err != nil {
		return err
	}

	var msg wsSubscribeMsg
	msg.Header.ApprovalKey = key
	msg.Header.CustType = "P"
	msg.Header.TRType = "1"
	if !subscribe {
		msg.Header.TRType = "2"
	}
	msg.Header.ContentType = "utf-8"
	msg.Body.Input.TRID = trID
	msg.Body.Input.TRKey = trKey

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		// Not connected yet; resubscribeAll applies it after dial.
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(msg)
}

// dispatchFrame routes one wire frame. Data frames start with '0' (plain)
// or '1' (encrypted notice); everything else is a JSON control frame.
func (s *Stream) dispatchFrame(data []byte) {
	if len(data) == 0 {
		return
	}

	if data[0] == '0' || data[0] == '1' {
		parts := strings.SplitN(string(data), "|", 4)
		if len(parts) < 4 {
			s.logger.Warn("malformed data frame", "frame", truncate(string(data), 80))
			return
		}
		switch parts[1] {
		case trTick:
			s.handleTickPayload(parts[3])
		case trNoticeLive, trNoticePaper:
			s.handleNoticePayload(parts[3])
		default:
			s.logger.Debug("ignoring data frame", "tr_id", parts[1])
		}
		return
	}

	var ctrl struct {
		Header struct {
			TRID string `json:"tr_id"`
		} `json:"header"`
		Body struct {
			RtCd string `json:"rt_cd"`
			Msg1 string `json:"msg1"`
		} `json:"body"`
	}
	if err := json.Unmarshal(data, &ctrl); err != nil {
		s.logger.Debug("ignoring non-json ws message", "data", truncate(string(data), 80))
		return
	}

	switch ctrl.Header.TRID {
	case "PINGPONG":
		s.echoPing(data)
	default:
		if ctrl.Body.RtCd != "" && ctrl.Body.RtCd != "0" {
			s.logger.Warn("subscription rejected", "tr_id", ctrl.Header.TRID, "msg", ctrl.Body.Msg1)
		} else {
			s.logger.Debug("ws control", "tr_id", ctrl.Header.TRID, "msg", ctrl.Body.Msg1)
		}
	}
}

// Tick payload positional fields (caret-separated).
const (
	tickFieldSymbol     = 0
	tickFieldTime       = 1 // HHMMSS
	tickFieldPrice      = 2
	tickFieldChange     = 4
	tickFieldChangeRate = 5
	tickFieldOpen       = 7
	tickFieldHigh       = 8
	tickFieldLow        = 9
	tickFieldVolume     = 13 // cumulative session volume
	tickFieldCount      = 14
)

func (s *Stream) handleTickPayload(payload string) {
	fields := strings.Split(payload, "^")
	if len(fields) < tickFieldCount {
		s.logger.Warn("short tick payload", "fields", len(fields))
		return
	}

	ts, err := time.ParseInLocation("150405", fields[tickFieldTime], time.Local)
	if err != nil {
		ts = time.Now()
	} else {
		now := time.Now()
		ts = time.Date(now.Year(), now.Month(), now.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, time.Local)
	}

	evt := types.TickEvent{
		Symbol:     fields[tickFieldSymbol],
		Price:      atoi(fields[tickFieldPrice]),
		Change:     atoi(fields[tickFieldChange]),
		ChangeRate: atof(fields[tickFieldChangeRate]),
		Open:       atoi(fields[tickFieldOpen]),
		High:       atoi(fields[tickFieldHigh]),
		Low:        atoi(fields[tickFieldLow]),
		Volume:     atoi(fields[tickFieldVolume]),
		Timestamp:  ts,
	}
	if evt.Price <= 0 {
		return
	}

	// Drop the oldest tick under back-pressure; a fresher tick is always
	// worth more than a stale one.
	select {
	case s.tickCh <- evt:
	default:
		select {
		case <-s.tickCh:
		default:
		}
		select {
		case s.tickCh <- evt:
		default:
		}
	}
}

// Notice payload positional fields.
const (
	noticeFieldOrderID    = 2
	noticeFieldOrigID     = 3
	noticeFieldSide       = 4 // 01 sell, 02 buy
	noticeFieldSymbol     = 8
	noticeFieldQty        = 9
	noticeFieldPrice      = 10
	noticeFieldTime       = 11
	noticeFieldRefused    = 12
	noticeFieldFilledFlag = 13 // "2" = fill, "1" = acknowledgment
	noticeFieldOrderedQty = 16
	noticeFieldCount      = 17
)

func (s *Stream) handleNoticePayload(payload string) {
	fields := strings.Split(payload, "^")
	if len(fields) < noticeFieldCount {
		s.logger.Warn("short notice payload", "fields", len(fields))
		return
	}
	// Fills only; acknowledgments, cancels and refusals are not forwarded.
	if fields[noticeFieldFilledFlag] != "2" || fields[noticeFieldRefused] == "Y" {
		return
	}

	side := types.BUY
	if fields[noticeFieldSide] == "01" {
		side = types.SELL
	}

	ts, err := time.ParseInLocation("150405", fields[noticeFieldTime], time.Local)
	if err != nil {
		ts = time.Now()
	} else {
		now := time.Now()
		ts = time.Date(now.Year(), now.Month(), now.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, time.Local)
	}

	evt := types.OrderNoticeEvent{
		Symbol:      fields[noticeFieldSymbol],
		OrderID:     fields[noticeFieldOrderID],
		Side:        side,
		FilledQty:   atoi(fields[noticeFieldQty]),
		FilledPrice: atoi(fields[noticeFieldPrice]),
		OrderedQty:  atoi(fields[noticeFieldOrderedQty]),
		FillTime:    ts,
	}
	if evt.FilledQty <= 0 {
		return
	}

	// Fills must never be dropped; block until the consumer drains.
	s.noticeCh <- evt
}

func (s *Stream) echoPing(frame []byte) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.logger.Warn("pingpong echo failed", "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
