// Package client layers an asynchronous, handler-driven messaging API over a
// communicator: futures for posted operations, a dispatcher goroutine that
// resolves request completion, and pluggable logging, tracing, and metric
// hooks.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/commgroup-go/comm"
)

// ErrClosed indicates the client has already been closed.
var ErrClosed = errors.New("commgroup client: closed")

// Config controls New behaviour for the high-level Client.
type Config struct {
	// Comm is the communicator the client issues traffic on. The caller
	// retains ownership; Close does not free it.
	Comm *comm.Communicator
	// Tag is the tag namespace for client traffic. Defaults to 0.
	Tag comm.Tag
	// Timeout bounds blocking Send/Receive calls when the supplied context
	// carries no deadline. Defaults to 5s.
	Timeout time.Duration
	// PollInterval paces the dispatcher between completion sweeps.
	// Defaults to 1ms with backoff to 10ms while idle.
	PollInterval     time.Duration
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Client owns the dispatcher resources necessary to perform asynchronous
// message send/receive operations over a communicator.
type Client struct {
	cfg    Config
	comm   *comm.Communicator
	tag    comm.Tag
	poll   time.Duration
	closed atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	pendingMu sync.Mutex
	pending   []*operation

	handlersMu      sync.RWMutex
	sendHandlers    map[uint64]SendHandler
	receiveHandlers map[uint64]ReceiveHandler
	handlerSeq      atomic.Uint64

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            clientStats
}

// OperationKind identifies the type of operation tracked by a future.
type OperationKind int

const (
	OperationSend OperationKind = iota
	OperationReceive
)

func (k OperationKind) String() string {
	switch k {
	case OperationSend:
		return "send"
	case OperationReceive:
		return "receive"
	default:
		return "operation"
	}
}

// OperationError exposes detailed completion error information surfaced by the
// engine for one operation.
type OperationError struct {
	Kind   OperationKind
	Source comm.Rank
	Tag    comm.Tag
	Err    error
}

func (e OperationError) Error() string {
	return fmt.Sprintf("commgroup %s completion error: %v (source=%d tag=%d)", e.Kind, e.Err, e.Source, e.Tag)
}

// Unwrap allows errors.Is / errors.As to match against the underlying cause.
func (e OperationError) Unwrap() error {
	return e.Err
}

// SendCompletion describes the outcome of a send operation delivered through a handler.
type SendCompletion struct {
	Size int
	Dest comm.Rank
	Err  error
}

// ReceiveCompletion describes a completed receive operation delivered through a handler.
type ReceiveCompletion struct {
	Payload []byte
	Source  comm.Rank
	Err     error
}

// SendHandler is invoked when a send operation completes.
type SendHandler func(SendCompletion)

// ReceiveHandler is invoked when a receive operation completes.
type ReceiveHandler func(ReceiveCompletion)

// Logger provides debug logging hooks for the client.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to dispatcher spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap dispatcher activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records dispatcher lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// Stats contains counters for client operations.
type Stats struct {
	SendPosted     uint64
	SendCompleted  uint64
	SendErrored    uint64
	ReceivePosted  uint64
	ReceiveMatched uint64
	ReceiveErrored uint64
}

type clientStats struct {
	sendPosted    atomic.Uint64
	sendCompleted atomic.Uint64
	sendErrored   atomic.Uint64
	recvPosted    atomic.Uint64
	recvMatched   atomic.Uint64
	recvErrored   atomic.Uint64
}

// MetricHook captures dispatcher telemetry events.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	DispatcherPollError(kind string, err error, attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	ReceiveCompleted(attrs map[string]string)
	ReceiveFailed(err error, attrs map[string]string)
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

// New wraps a communicator in a client and starts its dispatcher.
func New(cfg Config) (*Client, error) {
	if cfg.Comm == nil {
		return nil, errors.New("commgroup client: communicator required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Millisecond
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	c := &Client{
		cfg:              cfg,
		comm:             cfg.Comm,
		tag:              cfg.Tag,
		poll:             poll,
		stopCh:           make(chan struct{}),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}

	c.wg.Add(1)
	go c.dispatch()

	return c, nil
}

// Rank returns the rank of the underlying communicator.
func (c *Client) Rank() comm.Rank {
	return c.comm.Rank()
}

// Size returns the group size of the underlying communicator.
func (c *Client) Size() int {
	return c.comm.Size()
}

// Close stops the dispatcher and cancels outstanding receives. The underlying
// communicator stays open; it belongs to the caller.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.pendingMu.Lock()
	pending := append([]*operation(nil), c.pending...)
	c.pendingMu.Unlock()
	for _, op := range pending {
		_ = op.req.Cancel()
	}

	close(c.stopCh)
	c.wg.Wait()

	c.handlersMu.Lock()
	c.sendHandlers = nil
	c.receiveHandlers = nil
	c.handlersMu.Unlock()
	return nil
}

func (c *Client) ensureOpen() error {
	if c == nil {
		return ErrClosed
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Send transmits payload to dest, blocking until the engine reports completion
// or the context (bounded by the configured timeout) expires.
func (c *Client) Send(ctx context.Context, payload []byte, dest comm.Rank) error {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	future, err := c.SendAsync(payload, dest)
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

// SendAsync posts a send and returns a future that resolves when the engine
// reports completion.
func (c *Client) SendAsync(payload []byte, dest comm.Rank) (*SendFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.New("commgroup client: empty payload")
	}
	req, err := c.comm.Isend(comm.ByteBuffer(payload), dest, c.tag)
	if err != nil {
		return nil, fmt.Errorf("post send: %w", err)
	}
	op := newOperation(c, OperationSend, len(payload), req)
	op.dest = dest
	c.track(op)
	c.stats.sendPosted.Add(1)
	c.logf("client: send posted size=%d dest=%v", len(payload), dest)
	return &SendFuture{op: op}, nil
}

// SendObjectAsync encodes a value through the communicator's codec and posts
// it asynchronously. The encoded scratch stays alive inside the request until
// the engine reports completion.
func (c *Client) SendObjectAsync(v any, dest comm.Rank) (*SendFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	req, err := c.comm.IsendObject(v, dest, c.tag)
	if err != nil {
		return nil, fmt.Errorf("post object send: %w", err)
	}
	op := newOperation(c, OperationSend, 0, req)
	op.dest = dest
	c.track(op)
	c.stats.sendPosted.Add(1)
	c.logf("client: object send posted dest=%v", dest)
	return &SendFuture{op: op}, nil
}

// Receive blocks until a message from source arrives in buf, returning the
// received length and the actual source rank. Pass comm.AnySource to accept
// any peer.
func (c *Client) Receive(ctx context.Context, buf []byte, source comm.Rank) (int, comm.Rank, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return 0, comm.AnySource, err
	}
	future, err := c.ReceiveAsync(buf, source)
	if err != nil {
		return 0, comm.AnySource, err
	}
	n, err := future.Await(ctx)
	if err != nil {
		return 0, comm.AnySource, err
	}
	return n, future.Source(), nil
}

// ReceiveAsync posts a receive and returns a future that resolves when data
// arrives.
func (c *Client) ReceiveAsync(buf []byte, source comm.Rank) (*ReceiveFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, errors.New("commgroup client: buffer must be non-empty")
	}
	req, err := c.comm.Irecv(comm.ByteBuffer(buf), source, c.tag)
	if err != nil {
		return nil, fmt.Errorf("post recv: %w", err)
	}
	op := newOperation(c, OperationReceive, len(buf), req)
	op.buffer = buf
	c.track(op)
	c.stats.recvPosted.Add(1)
	c.logf("client: receive posted size=%d", len(buf))
	return &ReceiveFuture{op: op}, nil
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		SendPosted:     c.stats.sendPosted.Load(),
		SendCompleted:  c.stats.sendCompleted.Load(),
		SendErrored:    c.stats.sendErrored.Load(),
		ReceivePosted:  c.stats.recvPosted.Load(),
		ReceiveMatched: c.stats.recvMatched.Load(),
		ReceiveErrored: c.stats.recvErrored.Load(),
	}
}

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = ensureContext(ctx)
	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx, func() {}
		}
		if timeout <= 0 || remaining < timeout {
			return ctx, func() {}
		}
		timeout = remaining
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// RegisterSendHandler installs a callback invoked for every completed send. The returned
// function unregisters the handler when invoked. Passing a nil handler is a no-op.
func (c *Client) RegisterSendHandler(handler SendHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.sendHandlers == nil {
		c.sendHandlers = make(map[uint64]SendHandler)
	}
	c.sendHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.sendHandlers, id)
		c.handlersMu.Unlock()
	}
}

// RegisterReceiveHandler installs a callback invoked for every completed receive. The returned
// function unregisters the handler when invoked. Passing a nil handler is a no-op.
func (c *Client) RegisterReceiveHandler(handler ReceiveHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.receiveHandlers == nil {
		c.receiveHandlers = make(map[uint64]ReceiveHandler)
	}
	c.receiveHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.receiveHandlers, id)
		c.handlersMu.Unlock()
	}
}

func (c *Client) track(op *operation) {
	c.pendingMu.Lock()
	c.pending = append(c.pending, op)
	c.pendingMu.Unlock()
}

// sweep polls every pending request once, completing those the engine reports
// done. It returns the number of completions resolved.
func (c *Client) sweep(span Span) int {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	resolved := 0
	var remaining []*operation
	for _, op := range pending {
		st, done, err := op.req.Test()
		if err != nil {
			c.recordDispatcherFailure(span, "request_test_error", fmt.Errorf("request test: %w", err))
			c.completeOperation(op, nil, err, span)
			resolved++
			continue
		}
		if !done {
			remaining = append(remaining, op)
			continue
		}
		_ = op.req.Free()
		c.completeOperation(op, st, nil, span)
		resolved++
	}

	if len(remaining) > 0 {
		c.pendingMu.Lock()
		c.pending = append(remaining, c.pending...)
		c.pendingMu.Unlock()
	}
	return resolved
}

func (c *Client) dispatch() {
	defer c.wg.Done()

	span := c.startDispatcherSpan()
	startFields := []logField{
		logKV("rank", int(c.comm.Rank())),
		logKV("size", c.comm.Size()),
	}
	c.logDispatcherEvent("start", startFields...)
	spanAddEvent(span, "start", startFields...)
	c.metricDispatcherStarted(startFields...)

	defer func() {
		fields := []logField{logKV("status", "ok")}
		c.logDispatcherEvent("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		c.metricDispatcherStopped(fields...)
		c.finishDispatcherSpan(span, nil)
	}()

	backoff := c.poll
	for {
		select {
		case <-c.stopCh:
			// Final sweep resolves cancelled receives so their futures settle.
			c.sweep(span)
			return
		default:
		}

		if c.sweep(span) > 0 {
			backoff = c.poll
			continue
		}

		select {
		case <-c.stopCh:
			c.sweep(span)
			return
		case <-time.After(backoff):
		}

		if backoff < 10*time.Millisecond {
			backoff *= 2
		}
	}
}

func (c *Client) completeOperation(op *operation, st *comm.Status, err error, span Span) {
	result := operationResult{source: comm.AnySource}
	if st != nil {
		result.length = st.Count
		result.source = st.Source
		if st.Cancelled {
			result.err = context.Canceled
		} else if st.Err != nil {
			result.err = OperationError{Kind: op.kind, Source: st.Source, Tag: st.Tag, Err: st.Err}
		}
	}
	if err != nil {
		result.err = OperationError{Kind: op.kind, Err: err}
	}
	if op.kind == OperationSend && result.err == nil && result.length == 0 {
		result.length = op.size
	}
	c.logOperationCompletion(op, result, span)
	op.complete(result)
}

func (c *Client) emit(op *operation, res operationResult) {
	if c == nil {
		return
	}
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			c.stats.sendErrored.Add(1)
			c.logf("client: send errored: %v", res.err)
		} else {
			c.stats.sendCompleted.Add(1)
			c.logf("client: send completed size=%d", res.length)
		}
		c.handlersMu.RLock()
		handlers := make([]SendHandler, 0, len(c.sendHandlers))
		for _, h := range c.sendHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		if len(handlers) == 0 {
			return
		}
		completion := SendCompletion{Size: res.length, Dest: op.dest, Err: res.err}
		for _, handler := range handlers {
			h := handler
			go h(completion)
		}
	case OperationReceive:
		if res.err != nil {
			c.stats.recvErrored.Add(1)
			c.logf("client: receive errored: %v", res.err)
		} else {
			c.stats.recvMatched.Add(1)
			c.logf("client: receive completed size=%d source=%v", res.length, res.source)
		}
		c.handlersMu.RLock()
		handlers := make([]ReceiveHandler, 0, len(c.receiveHandlers))
		for _, h := range c.receiveHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		if len(handlers) == 0 {
			return
		}
		for _, handler := range handlers {
			h := handler
			// Each handler gets a private copy; the caller may reuse the
			// receive buffer as soon as the future resolves.
			var payload []byte
			if res.err == nil && res.length > 0 && len(op.buffer) >= res.length {
				payload = append([]byte(nil), op.buffer[:res.length]...)
			}
			go h(ReceiveCompletion{Payload: payload, Source: res.source, Err: res.err})
		}
	}
}

func (c *Client) startDispatcherSpan() Span {
	if c == nil || c.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "commgroup-client"},
		{Key: "rank", Value: int(c.comm.Rank())},
		{Key: "size", Value: c.comm.Size()},
	}
	return c.tracer.StartSpan("commgroup-client-dispatcher", attrs...)
}

func (c *Client) finishDispatcherSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func (c *Client) recordDispatcherFailure(span Span, event string, err error) {
	if err == nil {
		return
	}
	fields := []logField{logKV("error", err)}
	c.logDispatcherEvent(event, fields...)
	spanAddEvent(span, event, fields...)
	spanRecordError(span, err)
	c.metricDispatcherPollError(event, err, fields...)
}

func (c *Client) logOperationCompletion(op *operation, res operationResult, span Span) {
	if c == nil || op == nil {
		return
	}
	status := "ok"
	eventName := "completion"
	if res.err != nil {
		status = "error"
		eventName = "completion_error"
	}
	fields := []logField{
		logKV("operation", op.kind.String()),
		logKV("status", status),
	}
	if op.size > 0 {
		fields = append(fields, logKV("requested_size", op.size))
	}
	if res.length > 0 {
		fields = append(fields, logKV("length", res.length))
	}
	if op.kind == OperationReceive && res.source != comm.AnySource {
		fields = append(fields, logKV("source", int(res.source)))
	}
	if res.err != nil {
		fields = append(fields, logKV("error", res.err))
	}
	c.logDispatcherEvent(eventName, fields...)
	spanAddEvent(span, eventName, fields...)
	if res.err != nil {
		spanRecordError(span, res.err)
	}
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			c.metricSendFailed(res.err, fields...)
		} else {
			c.metricSendCompleted(fields...)
		}
	case OperationReceive:
		if res.err != nil {
			c.metricReceiveFailed(res.err, fields...)
		} else {
			c.metricReceiveCompleted(fields...)
		}
	}
}

func (c *Client) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	attrs["rank"] = fmt.Sprint(int(c.comm.Rank()))
	attrs["size"] = fmt.Sprint(c.comm.Size())
	attrs["tag"] = fmt.Sprint(int(c.tag))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Client) logDispatcherEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if c.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		c.structuredLogger.Debugw("commgroup client dispatcher", kv...)
		return
	}
	if c.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	c.logger.Debugf("client dispatcher %s", b.String())
}

func (c *Client) metricDispatcherStarted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherStarted(c.metricAttrs(fields...))
}

func (c *Client) metricDispatcherStopped(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherStopped(c.metricAttrs(fields...))
}

func (c *Client) metricDispatcherPollError(kind string, err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherPollError(kind, err, c.metricAttrs(fields...))
}

func (c *Client) metricSendCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.SendCompleted(c.metricAttrs(fields...))
}

func (c *Client) metricSendFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.SendFailed(err, c.metricAttrs(fields...))
}

func (c *Client) metricReceiveCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReceiveCompleted(c.metricAttrs(fields...))
}

func (c *Client) metricReceiveFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReceiveFailed(err, c.metricAttrs(fields...))
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func (c *Client) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Debugf(format, args...)
}
