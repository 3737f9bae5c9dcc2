// Package capture runs the voice count session: it accumulates speech fragments,
// decides when the utterance is complete, hands the transcript to an extractor and
// keeps the resulting draft until the operator confirms it.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stockcount/internal/extract"
	"github.com/loqalabs/loqa-stockcount/internal/inventory"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-stockcount/internal/capture"

// EventKind tags a speech engine callback.
type EventKind string

const (
	EventStart   EventKind = "start"
	EventInterim EventKind = "interim"
	EventFinal   EventKind = "final"
	EventEnd     EventKind = "end"
	EventError   EventKind = "error"
)

// Event is a speech engine callback. An empty SessionID addresses the current session.
type Event struct {
	Kind      EventKind `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Code      string    `json:"code,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// Engine is the continuous speech recognizer. Start is called when a session begins
// listening and Stop on every exit from listening.
type Engine interface {
	Start(ctx context.Context, sessionID string) error
	Stop(sessionID string)
}

// NopEngine is used when recognition events are pushed from outside (HTTP) and no
// engine needs to be driven.
type NopEngine struct{}

func (NopEngine) Start(context.Context, string) error { return nil }
func (NopEngine) Stop(string)                         {}

// Snapshot is the host-facing view of the controller.
type Snapshot struct {
	State       State                 `json:"state"`
	SessionID   string                `json:"session_id,omitempty"`
	Transcript  string                `json:"transcript"`
	Draft       *inventory.Record     `json:"draft,omitempty"`
	Records     []inventory.Confirmed `json:"records"`
	Error       string                `json:"error,omitempty"`
	ErrorKind   string                `json:"error_kind,omitempty"`
	CompletedBy CompletionReason      `json:"completed_by,omitempty"`
}

// Transition describes one state change. Fragment updates while listening are reported
// with From and To both StateListening and Reason "fragment".
type Transition struct {
	SessionID     string
	From          State
	To            State
	Reason        string
	Transcript    string
	ReferenceDate string
	Draft         *inventory.Record
	Confirmed     *inventory.Confirmed
	Err           error
	At            time.Time
}

// Observer is called synchronously from the controller loop and must not block.
type Observer func(Transition)

// Options configure a Controller.
type Options struct {
	TriggerPhrase  string
	SilenceTimeout time.Duration
	// Location resolves the reference date ("hoje") for extraction.
	Location *time.Location
	Logger   *slog.Logger
	Meter    metric.Meter
}

type command struct {
	run   func(ctx context.Context) error
	reply chan commandResult
}

type commandResult struct {
	snapshot Snapshot
	err      error
}

type extractionResult struct {
	sessionID string
	record    inventory.Record
	err       error
	latency   time.Duration
}

type instruments struct {
	started   metric.Int64Counter
	completed metric.Int64Counter
	failures  metric.Int64Counter
	confirmed metric.Int64Counter
	latency   metric.Float64Histogram
}

// Controller owns the single active capture session. All state changes happen on the
// goroutine running Run.
type Controller struct {
	engine    Engine
	extractor extract.Extractor
	records   *inventory.Log
	trigger   *TriggerDetector
	silence   time.Duration
	location  *time.Location
	logger    *slog.Logger
	metrics   instruments

	clock     func() time.Time
	afterFunc afterFunc
	newID     func() string

	events   chan Event
	commands chan command
	fires    chan string
	results  chan extractionResult
	done     chan struct{}
	runCtx   context.Context

	state   State
	session *Session
	draft   *inventory.Record
	lastErr error

	obsMu     sync.RWMutex
	observers []Observer
}

// NewController wires a controller. Call Run to start processing.
func NewController(engine Engine, extractor extract.Extractor, records *inventory.Log, opts Options) (*Controller, error) {
	if extractor == nil {
		return nil, errors.New("capture controller requires an extractor")
	}
	if engine == nil {
		engine = NopEngine{}
	}
	if records == nil {
		records = inventory.NewLog()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter(meterName)
	}
	metrics, err := newInstruments(opts.Meter)
	if err != nil {
		return nil, err
	}
	return &Controller{
		engine:    engine,
		extractor: extractor,
		records:   records,
		trigger:   NewTriggerDetector(opts.TriggerPhrase),
		silence:   opts.SilenceTimeout,
		location:  opts.Location,
		logger:    opts.Logger.With(slog.String("component", "capture")),
		metrics:   metrics,
		clock:     time.Now,
		afterFunc: realAfterFunc,
		newID:     uuid.NewString,
		events:    make(chan Event, 256),
		commands:  make(chan command),
		fires:     make(chan string, 1),
		results:   make(chan extractionResult, 1),
		done:      make(chan struct{}),
		state:     StateIdle,
	}, nil
}

func newInstruments(meter metric.Meter) (instruments, error) {
	var m instruments
	var err error
	if m.started, err = meter.Int64Counter("stockcount.sessions.started",
		metric.WithDescription("Capture sessions that began listening")); err != nil {
		return m, fmt.Errorf("create sessions.started counter: %w", err)
	}
	if m.completed, err = meter.Int64Counter("stockcount.sessions.completed",
		metric.WithDescription("Capture sessions that stopped listening, by reason")); err != nil {
		return m, fmt.Errorf("create sessions.completed counter: %w", err)
	}
	if m.failures, err = meter.Int64Counter("stockcount.extraction.failures",
		metric.WithDescription("Extractions that ended in the error state")); err != nil {
		return m, fmt.Errorf("create extraction.failures counter: %w", err)
	}
	if m.confirmed, err = meter.Int64Counter("stockcount.records.confirmed",
		metric.WithDescription("Draft records confirmed by the operator")); err != nil {
		return m, fmt.Errorf("create records.confirmed counter: %w", err)
	}
	if m.latency, err = meter.Float64Histogram("stockcount.extraction.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Time from capture completion to extraction result")); err != nil {
		return m, fmt.Errorf("create extraction.latency histogram: %w", err)
	}
	return m, nil
}

// Observe registers fn for every transition. Register observers before Run.
func (c *Controller) Observe(fn Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, fn)
}

// Records exposes the confirmed log for read-only consumers.
func (c *Controller) Records() *inventory.Log {
	return c.records
}

// Run processes events until ctx is cancelled. It must be called exactly once.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case cmd := <-c.commands:
			err := cmd.run(ctx)
			cmd.reply <- commandResult{snapshot: c.snapshot(), err: err}
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		case id := <-c.fires:
			// A trigger already queued in the same tick wins over silence.
			c.drainEvents(ctx)
			c.handleSilence(ctx, id)
		case res := <-c.results:
			c.handleResult(res)
		}
	}
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Deliver queues a speech engine event.
func (c *Controller) Deliver(ctx context.Context, ev Event) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartCapture begins a new session. It is accepted from idle, error and draft-ready;
// an unconfirmed draft is discarded.
func (c *Controller) StartCapture(ctx context.Context) (Snapshot, error) {
	return c.do(ctx, c.startSession)
}

// StopCapture ends listening as if the operator finished speaking.
func (c *Controller) StopCapture(ctx context.Context) (Snapshot, error) {
	return c.do(ctx, func(ctx context.Context) error {
		if c.state != StateListening {
			return ErrNotListening
		}
		c.complete(ctx, CompletedByManual, c.session.Buffer.Text())
		return nil
	})
}

// EditDraftField overwrites one draft field. The value is normalized the same way
// extraction output is; an empty value clears the field.
func (c *Controller) EditDraftField(ctx context.Context, field, value string) (Snapshot, error) {
	return c.do(ctx, func(context.Context) error {
		return c.editDraft(field, value)
	})
}

// ConfirmDraft prepends the draft to the confirmed log and starts the next session.
func (c *Controller) ConfirmDraft(ctx context.Context) (Snapshot, error) {
	return c.do(ctx, c.confirm)
}

// Snapshot returns the current view.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	return c.do(ctx, func(context.Context) error { return nil })
}

func (c *Controller) do(ctx context.Context, fn func(ctx context.Context) error) (Snapshot, error) {
	cmd := command{run: fn, reply: make(chan commandResult, 1)}
	select {
	case c.commands <- cmd:
	case <-c.done:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res.snapshot, res.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (c *Controller) startSession(ctx context.Context) error {
	switch c.state {
	case StateListening, StateCompleting:
		return ErrSessionActive
	case StateAwaitingExtraction:
		return ErrExtractionInFlight
	case StateDraftReady:
		c.transition(StateIdle, "discarded", nil)
	}

	now := c.clock()
	id := c.newID()
	sess := &Session{
		ID:            id,
		State:         StateIdle,
		StartedAt:     now.UTC(),
		ReferenceDate: now.In(c.location).Format(extract.DateLayout),
	}
	sess.Watchdog = newWatchdog(c.silence, func() { c.fire(id) }, c.afterFunc)
	c.session = sess
	c.draft = nil
	c.lastErr = nil

	if err := c.engine.Start(ctx, id); err != nil {
		engineErr := &EngineError{Code: "start_failed", Err: err}
		c.lastErr = engineErr
		c.transition(StateIdle, "engine_error", engineErr)
		return engineErr
	}
	sess.Watchdog.Reset()
	c.metrics.started.Add(ctx, 1)
	c.transition(StateListening, "start", nil)
	c.logger.Info("capture session started",
		slog.String("session_id", id),
		slog.String("reference_date", sess.ReferenceDate))
	return nil
}

func (c *Controller) handleEvent(ctx context.Context, ev Event) {
	if c.session == nil || (ev.SessionID != "" && ev.SessionID != c.session.ID) {
		c.logger.Debug("discarding event for superseded session",
			slog.String("event_session_id", ev.SessionID),
			slog.String("kind", string(ev.Kind)))
		return
	}
	if c.state != StateListening {
		return
	}
	switch ev.Kind {
	case EventStart:
		c.logger.Debug("speech engine listening", slog.String("session_id", c.session.ID))
	case EventInterim, EventFinal:
		c.session.Buffer.Apply(Fragment{Text: ev.Text, Final: ev.Kind == EventFinal})
		c.session.Watchdog.Reset()
		text := c.session.Buffer.Text()
		if cleaned, found := c.trigger.Detect(text); found {
			c.session.TriggerFound = true
			c.complete(ctx, CompletedByTrigger, cleaned)
			return
		}
		c.transition(StateListening, "fragment", nil)
	case EventEnd:
		c.complete(ctx, CompletedByEngineEnd, c.session.Buffer.Text())
	case EventError:
		c.abort(&EngineError{Code: ev.Code, Message: ev.Text})
	default:
		c.logger.Warn("unknown speech event kind", slog.String("kind", string(ev.Kind)))
	}
}

func (c *Controller) drainEvents(ctx context.Context) {
	for {
		select {
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		default:
			return
		}
	}
}

func (c *Controller) handleSilence(ctx context.Context, sessionID string) {
	if c.session == nil || c.session.ID != sessionID || c.state != StateListening {
		return
	}
	c.complete(ctx, CompletedBySilence, c.session.Buffer.Text())
}

func (c *Controller) fire(sessionID string) {
	select {
	case c.fires <- sessionID:
	case <-c.done:
	}
}

// complete freezes the transcript and either hands it to extraction or, when blank,
// returns to idle.
func (c *Controller) complete(ctx context.Context, reason CompletionReason, text string) {
	sess := c.session
	sess.Watchdog.Cancel()
	c.engine.Stop(sess.ID)
	sess.CompletedBy = reason
	sess.Frozen = strings.TrimSpace(text)
	c.metrics.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	c.transition(StateCompleting, string(reason), nil)

	if sess.Frozen == "" {
		c.logger.Info("capture ended without speech",
			slog.String("session_id", sess.ID),
			slog.String("completed_by", string(reason)))
		c.transition(StateIdle, "empty", ErrEmptyInput)
		return
	}

	c.transition(StateAwaitingExtraction, "extract", nil)
	req := extract.Request{
		SessionID:     sess.ID,
		UtteranceText: sess.Frozen,
		ReferenceDate: sess.ReferenceDate,
	}
	go c.runExtraction(c.runCtx, req)
}

func (c *Controller) runExtraction(ctx context.Context, req extract.Request) {
	start := time.Now()
	record, err := c.extractor.Extract(ctx, req)
	res := extractionResult{sessionID: req.SessionID, record: record, err: err, latency: time.Since(start)}
	select {
	case c.results <- res:
	case <-c.done:
	}
}

func (c *Controller) handleResult(res extractionResult) {
	if c.session == nil || c.session.ID != res.sessionID || c.state != StateAwaitingExtraction {
		return
	}
	ctx := c.runCtx
	c.metrics.latency.Record(ctx, float64(res.latency.Microseconds())/1000)
	if res.err != nil {
		failure := extract.AsFailure(res.err)
		c.lastErr = failure
		c.metrics.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", failure.Reason)))
		c.logger.Warn("extraction failed",
			slog.String("session_id", res.sessionID),
			slog.String("reason", failure.Reason),
			slogError(failure))
		c.transition(StateError, "failed", failure)
		return
	}
	ref, err := time.Parse(extract.DateLayout, c.session.ReferenceDate)
	if err != nil {
		ref = c.clock().In(c.location)
	}
	record := extract.Normalize(res.record, ref)
	c.draft = &record
	c.logger.Info("draft ready",
		slog.String("session_id", res.sessionID),
		slog.Duration("latency", res.latency))
	c.transition(StateDraftReady, "extracted", nil)
}

func (c *Controller) abort(err *EngineError) {
	sess := c.session
	sess.Watchdog.Cancel()
	c.engine.Stop(sess.ID)
	sess.Frozen = sess.Buffer.Text()
	c.lastErr = err
	c.logger.Warn("speech engine failed", slog.String("session_id", sess.ID), slogError(err))
	c.transition(StateIdle, "engine_error", err)
}

func (c *Controller) editDraft(name, value string) error {
	if c.state != StateDraftReady || c.draft == nil {
		return ErrNoDraft
	}
	field, err := inventory.ParseField(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidField, err)
	}
	value = strings.TrimSpace(value)
	ref, err := time.Parse(extract.DateLayout, c.session.ReferenceDate)
	if err != nil {
		ref = c.clock().In(c.location)
	}

	draft := c.draft.Clone()
	switch field {
	case inventory.FieldProductCode:
		draft.ProductCode, err = editText(value, extract.NormalizeProductCode)
	case inventory.FieldBoxCount:
		draft.BoxCount, err = editCount(value)
	case inventory.FieldUnitCount:
		draft.UnitCount, err = editCount(value)
	case inventory.FieldManufactureDate:
		draft.ManufactureDate, err = editText(value, func(v string) *string { return extract.NormalizeDate(v, ref) })
	case inventory.FieldAddress:
		draft.Address, err = editText(value, extract.NormalizeAddress)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidField, field, err)
	}
	c.draft = &draft
	c.transition(StateDraftReady, "edited", nil)
	return nil
}

func editText(value string, normalize func(string) *string) (*string, error) {
	if value == "" {
		return nil, nil
	}
	out := normalize(value)
	if out == nil {
		return nil, fmt.Errorf("cannot interpret %q", value)
	}
	return out, nil
}

func editCount(value string) (*int, error) {
	if value == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("expected a non-negative integer, got %q", value)
	}
	return inventory.Int(n), nil
}

func (c *Controller) confirm(ctx context.Context) error {
	if c.state != StateDraftReady || c.draft == nil {
		return ErrNoDraft
	}
	entry := c.records.Prepend(c.session.ID, *c.draft)
	c.metrics.confirmed.Add(ctx, 1)
	c.logger.Info("record confirmed",
		slog.String("session_id", c.session.ID),
		slog.String("record", entry.Record.String()))
	c.notify(Transition{
		SessionID:  c.session.ID,
		From:       StateDraftReady,
		To:         StateIdle,
		Reason:     "confirmed",
		Transcript: c.session.Frozen,
		Draft:      c.draft,
		Confirmed:  &entry,
		At:         c.clock(),
	})
	c.state = StateIdle
	c.session.State = StateIdle
	c.draft = nil

	if err := c.startSession(ctx); err != nil {
		// The record is confirmed; the failed restart is visible in the snapshot.
		c.logger.Warn("could not start next capture session", slogError(err))
	}
	return nil
}

func (c *Controller) shutdown() {
	if c.state == StateListening && c.session != nil {
		c.session.Watchdog.Cancel()
		c.engine.Stop(c.session.ID)
	}
}

func (c *Controller) transition(to State, reason string, err error) {
	from := c.state
	c.state = to
	tr := Transition{
		From:   from,
		To:     to,
		Reason: reason,
		Err:    err,
		At:     c.clock(),
	}
	if c.session != nil {
		c.session.State = to
		tr.SessionID = c.session.ID
		tr.Transcript = c.session.Transcript()
		tr.ReferenceDate = c.session.ReferenceDate
	}
	if c.draft != nil {
		d := c.draft.Clone()
		tr.Draft = &d
	}
	c.notify(tr)
}

func (c *Controller) notify(tr Transition) {
	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(tr)
	}
}

func (c *Controller) snapshot() Snapshot {
	snap := Snapshot{
		State:   c.state,
		Records: c.records.Entries(),
	}
	if c.session != nil {
		snap.SessionID = c.session.ID
		snap.Transcript = c.session.Transcript()
		snap.CompletedBy = c.session.CompletedBy
	}
	if c.draft != nil {
		d := c.draft.Clone()
		snap.Draft = &d
	}
	if c.lastErr != nil {
		snap.Error = c.lastErr.Error()
		snap.ErrorKind = errorKind(c.lastErr)
	}
	return snap
}

func errorKind(err error) string {
	var engineErr *EngineError
	var failure *extract.Failure
	switch {
	case errors.As(err, &engineErr):
		return "engine"
	case errors.As(err, &failure):
		return "extraction"
	default:
		return "internal"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
