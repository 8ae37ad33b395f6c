// Package stream implements the chat session client: one WebSocket to the
// backend, a session handshake, streamed answers and automatic reconnection.
//
// A Client moves through
//
//	disconnected -> connecting -> uninitialized -> ready <-> busy
//
// Open dials and sends the init message; the server's "initialized" event
// makes the client ready. Ask submits a question and makes it busy until the
// server sends "complete" or "error". Abnormal closes are retried with
// exponential backoff until the attempt budget runs out.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"sagechat/internal/protocol"
	"sagechat/internal/session"
)

// MaxQuestionLength is the longest question, in characters, the client will
// send.
const MaxQuestionLength = 2000

const (
	writeWait        = 10 * time.Second
	instrumentation  = "sagechat/stream"
	maxLoggedPayload = 256
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrNotReady        = errors.New("session not initialized")
	ErrBusy            = errors.New("an answer is still streaming")
	ErrEmptyQuestion   = errors.New("question is empty")
	ErrQuestionTooLong = fmt.Errorf("question exceeds %d characters", MaxQuestionLength)
	ErrUnauthorized    = errors.New("unauthorized")
	ErrAlreadyOpen     = errors.New("client already open")
	ErrClosed          = errors.New("client closed")
	ErrConnectionLost  = errors.New("connection lost")
)

// ServerError is an "error" event sent by the backend.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// exchange is the question currently awaiting its answer.
type exchange struct {
	question string
	askedAt  time.Time
	buf      strings.Builder
	ctx      context.Context
	span     trace.Span
}

// Client is a chat session client bound to one socket URL. It is safe for
// concurrent use.
type Client struct {
	url      string
	dialer   *websocket.Dialer
	header   http.Header
	backoff  Backoff
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer

	reconnectCounter metric.Int64Counter
	tokenCounter     metric.Int64Counter
	exchangeDuration metric.Float64Histogram

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	sessionID string
	failures  int // consecutive abnormal closes
	timer     *time.Timer
	pending   *exchange
	history   []session.Exchange
	closed    bool
	epoch     uint64 // bumped by Open, NewChat and Close; older dials are discarded
	life      context.Context
	stop      context.CancelFunc
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithBackoff overrides the reconnect policy.
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithHeader adds headers to the handshake request.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithSessionID resumes an existing server session on the first handshake.
func WithSessionID(id string) Option {
	return func(c *Client) { c.sessionID = id }
}

// WithTracer sets the tracer used for exchange spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithMeter sets the meter used for reconnect, token and latency metrics.
func WithMeter(m metric.Meter) Option {
	return func(c *Client) { c.initInstruments(m) }
}

// New creates a disconnected client for the given ws:// or wss:// URL.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:      url,
		dialer:   websocket.DefaultDialer,
		backoff:  DefaultBackoff(),
		observer: nopObserver{},
		logger:   slog.Default(),
		tracer:   otel.Tracer(instrumentation),
		state:    StateDisconnected,
	}
	c.initInstruments(otel.Meter(instrumentation))

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) initInstruments(m metric.Meter) {
	var err error
	c.reconnectCounter, err = m.Int64Counter("chat.reconnects",
		metric.WithDescription("Reconnect attempts scheduled after abnormal closes"))
	if err != nil {
		slog.Warn("failed to create counter", "name", "chat.reconnects", "error", err)
	}
	c.tokenCounter, err = m.Int64Counter("chat.tokens",
		metric.WithDescription("Streamed answer tokens received"))
	if err != nil {
		slog.Warn("failed to create counter", "name", "chat.tokens", "error", err)
	}
	c.exchangeDuration, err = m.Float64Histogram("chat.exchange.duration",
		metric.WithDescription("Time from question to complete answer in milliseconds"))
	if err != nil {
		slog.Warn("failed to create histogram", "name", "chat.exchange.duration", "error", err)
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-assigned session id, or "" before the first
// handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Partial returns the pending question and the answer text streamed so far.
func (c *Client) Partial() (question, text string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return "", "", false
	}
	return c.pending.question, c.pending.buf.String(), true
}

// History returns the exchanges completed on this client.
func (c *Client) History() []session.Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]session.Exchange, len(c.history))
	copy(out, c.history)
	return out
}

// Open dials the server and sends the init message. It also serves as the
// manual retry after the client gave up: the reconnect counter is reset.
// Authentication failures return ErrUnauthorized and are never retried.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.closed = false
	c.failures = 0
	c.stopTimerLocked()
	if c.stop != nil {
		c.stop()
	}
	c.life, c.stop = context.WithCancel(context.Background())
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	return c.connect(ctx, epoch)
}

// Retry dials immediately after the client gave up, or cuts short a
// scheduled reconnect. The attempt counter starts over.
func (c *Client) Retry(ctx context.Context) error {
	c.logger.Info("manual reconnect requested")
	return c.Open(ctx)
}

// connect dials and performs the client half of the handshake. The dial is
// abandoned if Open, NewChat or Close moved the client to a newer epoch
// meanwhile.
func (c *Client) connect(ctx context.Context, epoch uint64) error {
	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	events := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.emit(events)

	c.logger.Info("connecting to chat server", "url", redact(c.url))
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if c.closed || c.epoch != epoch || c.state != StateConnecting {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosed
	}

	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			err = fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		events := c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.emit(events)
		c.logger.Warn("failed to connect to chat server", "error", err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.conn = conn
	c.failures = 0

	if err := c.writeLocked(protocol.NewInitMessage(c.sessionID)); err != nil {
		c.conn = nil
		conn.Close()
		events := c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.emit(events)
		return fmt.Errorf("failed to send init message: %w", err)
	}

	events = c.setStateLocked(StateUninitialized)
	sessionID := c.sessionID
	c.mu.Unlock()

	c.logger.Info("chat connection established", "session_id", sessionID)
	c.emit(events)

	go c.readLoop(conn)
	return nil
}

// Ask submits a question. It fails without touching the socket unless the
// session is ready.
func (c *Client) Ask(ctx context.Context, question string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return ErrEmptyQuestion
	}
	if utf8.RuneCountInString(question) > MaxQuestionLength {
		return ErrQuestionTooLong
	}

	c.mu.Lock()
	switch c.state {
	case StateDisconnected, StateConnecting:
		c.mu.Unlock()
		return ErrNotConnected
	case StateUninitialized:
		c.mu.Unlock()
		return ErrNotReady
	case StateBusy:
		c.mu.Unlock()
		return ErrBusy
	}

	if err := c.writeLocked(protocol.QuestionMessage{Question: question}); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to send question: %w", err)
	}

	spanCtx, span := c.tracer.Start(ctx, "chat.exchange",
		trace.WithAttributes(
			attribute.String("chat.session_id", c.sessionID),
			attribute.Int("chat.question_length", len(question)),
		))
	c.pending = &exchange{
		question: question,
		askedAt:  time.Now(),
		ctx:      spanCtx,
		span:     span,
	}
	events := c.setStateLocked(StateBusy)
	c.mu.Unlock()

	c.emit(events)
	return nil
}

// NewChat forgets the current session id and starts a fresh server session.
// The server reads the init message only as the first frame of a
// connection, so a live socket is closed normally and redialed. While
// disconnected or connecting only the id is cleared; the next handshake
// sends null.
func (c *Client) NewChat(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateBusy:
		c.mu.Unlock()
		return ErrBusy
	case StateDisconnected, StateConnecting:
		c.sessionID = ""
		c.mu.Unlock()
		return nil
	}

	c.sessionID = ""
	c.stopTimerLocked()
	c.epoch++
	epoch := c.epoch
	conn := c.conn
	c.conn = nil
	events := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		c.closeNormally(conn)
	}
	c.emit(events)

	c.logger.Info("starting a new chat session")
	return c.connect(ctx, epoch)
}

// Close closes the socket with a normal close code and cancels any pending
// reconnect. A pending exchange is aborted.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.epoch++
	c.stopTimerLocked()
	if c.stop != nil {
		c.stop()
	}
	conn := c.conn
	c.conn = nil
	events := c.abortPendingLocked(ErrClosed)
	events = append(events, c.setStateLocked(StateDisconnected)...)
	c.mu.Unlock()

	if conn != nil {
		c.closeNormally(conn)
		c.logger.Info("closed chat connection")
	}

	c.emit(events)
	return nil
}

// closeNormally sends a 1000 close frame and closes conn.
func (c *Client) closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.logger.Debug("failed to send close frame", "error", err)
	}
	conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, closeCode(err), err)
			return
		}
		c.handleMessage(conn, data)
	}
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

func (c *Client) handleClose(conn *websocket.Conn, code int, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	conn.Close()

	c.logger.Info("chat connection closed", "code", code, "error", err)
	events := c.abortPendingLocked(ErrConnectionLost)
	events = append(events, c.setStateLocked(StateDisconnected)...)
	events = append(events, c.dropLocked(code)...)
	c.mu.Unlock()

	c.emit(events)
}

// dropLocked applies the reconnect policy after a close with the given code.
func (c *Client) dropLocked(code int) []Event {
	if c.closed || code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway {
		return nil
	}

	c.failures++
	if c.backoff.Exhausted(c.failures) {
		c.logger.Warn("giving up on chat connection", "attempts", c.failures)
		return []Event{GaveUp{Attempts: c.failures}}
	}

	attempt := c.failures
	delay := c.backoff.Delay(attempt)
	epoch := c.epoch
	c.timer = time.AfterFunc(delay, func() { c.reconnect(epoch) })
	if c.reconnectCounter != nil {
		c.reconnectCounter.Add(c.life, 1)
	}
	c.logger.Info("scheduled reconnect", "attempt", attempt, "delay", delay)
	return []Event{ReconnectScheduled{Attempt: attempt, Delay: delay}}
}

func (c *Client) reconnect(epoch uint64) {
	c.mu.Lock()
	if c.closed || c.epoch != epoch || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	life := c.life
	c.mu.Unlock()

	err := c.connect(life, epoch)
	if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, ErrAlreadyOpen) {
		return
	}

	if errors.Is(err, ErrUnauthorized) {
		c.emit([]Event{Failed{Err: err}})
		return
	}

	c.mu.Lock()
	if c.epoch != epoch || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	events := c.dropLocked(websocket.CloseAbnormalClosure)
	c.mu.Unlock()
	c.emit(events)
}

func (c *Client) handleMessage(conn *websocket.Conn, data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("dropping malformed server event", "error", err, "payload", truncate(data))
		return
	}
	if !protocol.Known(ev.Status) {
		c.logger.Warn("ignoring unknown server event", "status", ev.Status)
		return
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	events := c.applyLocked(ev)
	c.mu.Unlock()

	c.emit(events)
}

// applyLocked advances the state machine for one server event.
func (c *Client) applyLocked(ev protocol.ServerEvent) []Event {
	switch ev.Status {
	case protocol.StatusInitialized:
		if c.state != StateUninitialized {
			c.logger.Warn("unexpected initialized event", "state", c.state.String())
			return nil
		}
		if ev.SessionID != "" {
			c.sessionID = ev.SessionID
		}
		c.logger.Info("chat session initialized", "session_id", c.sessionID)
		events := []Event{Initialized{
			SessionID:     c.sessionID,
			Message:       ev.Message,
			KnowledgeBase: ev.KBStatus,
		}}
		return append(events, c.setStateLocked(StateReady)...)

	case protocol.StatusSearching:
		if c.pending == nil {
			return nil
		}
		return []Event{Searching{Message: ev.Message}}

	case protocol.StatusStreaming:
		if c.pending == nil {
			c.logger.Warn("token received with no pending question")
			return nil
		}
		c.pending.buf.WriteString(ev.Token)
		if c.tokenCounter != nil {
			c.tokenCounter.Add(c.pending.ctx, 1)
		}
		return []Event{TokenReceived{Token: ev.Token, Text: c.pending.buf.String()}}

	case protocol.StatusComplete:
		if c.pending == nil {
			c.logger.Warn("complete received with no pending question")
			return nil
		}
		return c.completeLocked(ev)

	case protocol.StatusError:
		err := &ServerError{Message: ev.Error}
		c.logger.Warn("chat server reported an error", "error", ev.Error)
		if c.pending == nil {
			return []Event{Failed{Err: err}}
		}
		events := c.abortPendingLocked(err)
		return append(events, c.setStateLocked(StateReady)...)

	case protocol.StatusHeartbeat:
		return nil
	}
	return nil
}

func (c *Client) completeLocked(ev protocol.ServerEvent) []Event {
	p := c.pending
	c.pending = nil

	answer := ev.Answer
	if answer == "" {
		answer = p.buf.String()
	}

	ex := session.Exchange{
		Question:   p.question,
		Answer:     answer,
		AskedAt:    p.askedAt,
		AnsweredAt: time.Now(),
	}
	c.history = append(c.history, ex)

	newSession := false
	if ev.SessionID != "" && ev.SessionID != c.sessionID {
		c.sessionID = ev.SessionID
		newSession = true
	}

	elapsed := ex.AnsweredAt.Sub(ex.AskedAt)
	if c.exchangeDuration != nil {
		c.exchangeDuration.Record(p.ctx, float64(elapsed.Milliseconds()))
	}
	p.span.SetAttributes(attribute.Int("chat.answer_length", len(answer)))
	p.span.End()

	c.logger.Info("answer complete", "session_id", c.sessionID, "duration_ms", elapsed.Milliseconds())

	events := []Event{Completed{
		Exchange:   ex,
		SessionID:  c.sessionID,
		NewSession: newSession,
		ServerTime: time.Duration(ev.Time * float64(time.Second)),
	}}
	return append(events, c.setStateLocked(StateReady)...)
}

// abortPendingLocked discards the pending exchange and its partial text.
func (c *Client) abortPendingLocked(err error) []Event {
	p := c.pending
	if p == nil {
		return nil
	}
	c.pending = nil

	p.span.RecordError(err)
	p.span.SetStatus(codes.Error, err.Error())
	p.span.End()

	return []Event{Failed{Question: p.question, Err: err}}
}

func (c *Client) setStateLocked(s State) []Event {
	if c.state == s {
		return nil
	}
	from := c.state
	c.state = s
	c.logger.Debug("chat state changed", "from", from.String(), "to", s.String())
	return []Event{StateChanged{From: from, To: s}}
}

func (c *Client) writeLocked(v any) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) emit(events []Event) {
	for _, e := range events {
		c.observer.OnEvent(e)
	}
}

// redact hides the token path segment of a chat socket URL.
func redact(url string) string {
	if i := strings.LastIndex(url, "/"); i >= 0 && i < len(url)-1 {
		return url[:i+1] + "***"
	}
	return url
}

func truncate(data []byte) string {
	if len(data) > maxLoggedPayload {
		return string(data[:maxLoggedPayload]) + "..."
	}
	return string(data)
}
