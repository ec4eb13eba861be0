// Package session owns the "which identity is active" state machine.
//
// All state transitions are serialized through a single run goroutine fed by
// a command channel. Asynchronous work (opening a session, consuming its
// snapshot stream) reports back by posting commands tagged with the
// generation that started it; commands from superseded generations are
// dropped, so stale completions are no-ops.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/xabirequejo/feditext/internal/domain"
	"github.com/xabirequejo/feditext/internal/metrics"
)

const (
	cmdChannelSize    = 256
	watcherBufferSize = 16
	stopTimeout       = 10 * time.Second
)

// Selection origins, used for logging and metrics.
const (
	OriginUser         = "user"
	OriginStartup      = "startup"
	OriginCreated      = "created"
	OriginRecovery     = "recovery"
	OriginNotification = "notification"
	OriginReload       = "reload"
)

// NoticeEnqueuer is the slice of the notification gateway the coordinator
// needs: presenting the "switched account" notice.
type NoticeEnqueuer interface {
	Enqueue(ctx context.Context, notice domain.Notice) error
}

// ActivationHook is invoked after an authenticated, non-pending identity
// becomes the active session. ctx is cancelled when the activation is
// superseded.
type ActivationHook func(ctx context.Context, session *domain.ActiveSession)

// --- Command types ---

type coordinatorCmd interface{ coordinatorCmd() }

type cmdSelect struct {
	id        uuid.UUID
	immediate bool
	notify    bool
	origin    string
}

func (cmdSelect) coordinatorCmd() {}

type cmdActivated struct {
	gen    uint64
	id     uuid.UUID
	handle domain.SessionHandle
	first  domain.Identity
	stream <-chan domain.SnapshotUpdate
}

func (cmdActivated) coordinatorCmd() {}

type cmdOpenFailed struct {
	gen uint64
	id  uuid.UUID
	err error
}

func (cmdOpenFailed) coordinatorCmd() {}

type cmdSnapshot struct {
	gen    uint64
	update domain.SnapshotUpdate
}

func (cmdSnapshot) coordinatorCmd() {}

type cmdIdentityCreated struct{ id uuid.UUID }

func (cmdIdentityCreated) coordinatorCmd() {}

type cmdMostRecentlyUsed struct{ id uuid.UUID }

func (cmdMostRecentlyUsed) coordinatorCmd() {}

type cmdDeleteFollowup struct{ deleted uuid.UUID }

func (cmdDeleteFollowup) coordinatorCmd() {}

type cmdCurrent struct {
	reply chan *domain.ActiveSession
}

func (cmdCurrent) coordinatorCmd() {}

type cmdTint struct {
	reply chan string
}

func (cmdTint) coordinatorCmd() {}

type cmdWatch struct {
	tint  bool
	reply chan watchRegistration
}

func (cmdWatch) coordinatorCmd() {}

type cmdUnwatch struct {
	tint bool
	id   int
}

func (cmdUnwatch) coordinatorCmd() {}

type cmdStop struct{}

func (cmdStop) coordinatorCmd() {}

type watchRegistration struct {
	id       int
	sessions chan *domain.ActiveSession
	tints    chan string
}

// --- Coordinator ---

// pendingOpen tracks an in-flight session open started by the latest select.
type pendingOpen struct {
	gen    uint64
	id     uuid.UUID
	notify bool
	origin string
	ctx    context.Context
	cancel context.CancelFunc
}

// activeState is the loop-private view of the current activation.
type activeState struct {
	gen       uint64
	id        uuid.UUID
	identity  domain.Identity
	session   *domain.ActiveSession
	updates   chan domain.SnapshotUpdate
	ctx       context.Context
	cancel    context.CancelFunc
	recovered bool
}

// Coordinator selects and publishes the active session. Exactly one
// ActiveSession is published as current at any instant; re-selecting the
// same identity produces a fresh instance.
type Coordinator struct {
	cmdCh    chan coordinatorCmd
	clock    clockwork.Clock
	registry domain.IdentityRegistry
	notices  NoticeEnqueuer
	hook     ActivationHook

	runCtx context.Context
	done   chan struct{}

	// loop state, owned by run()
	gen             uint64
	current         *activeState
	pending         *pendingOpen
	preferred       uuid.UUID
	selectedOnce    bool
	sessionWatchers map[int]chan *domain.ActiveSession
	tintWatchers    map[int]chan string
	nextWatcherID   int
}

// NewCoordinator creates a coordinator. hook may be nil.
func NewCoordinator(registry domain.IdentityRegistry, notices NoticeEnqueuer, hook ActivationHook, clock clockwork.Clock) *Coordinator {
	return &Coordinator{
		cmdCh:           make(chan coordinatorCmd, cmdChannelSize),
		clock:           clock,
		registry:        registry,
		notices:         notices,
		hook:            hook,
		done:            make(chan struct{}),
		sessionWatchers: make(map[int]chan *domain.ActiveSession),
		tintWatchers:    make(map[int]chan string),
	}
}

// Start subscribes to the registry's event streams and starts the run loop.
// The first most-recently-used value triggers the initial selection with
// immediate snapshots, so consumers see a session without waiting for a
// live refresh.
func (c *Coordinator) Start(ctx context.Context) error {
	created, err := c.registry.IdentityCreatedEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to identity creation events: %w", err)
	}
	mru, err := c.registry.MostRecentlyUsedID(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to most-recently-used stream: %w", err)
	}

	c.runCtx = ctx

	go func() {
		for id := range created {
			c.post(ctx, cmdIdentityCreated{id: id})
		}
	}()
	go func() {
		for id := range mru {
			c.post(ctx, cmdMostRecentlyUsed{id: id})
		}
	}()

	go c.run(ctx)
	return nil
}

func (c *Coordinator) post(ctx context.Context, cmd coordinatorCmd) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case c.cmdCh <- cmd:
	case <-ctx.Done():
	case <-c.done:
	}
}

// Select requests a transition to the given identity. uuid.Nil clears the
// active session. immediate serves the first snapshot from local state;
// notify enqueues a user-facing "switched account" notice once the new
// session is live.
func (c *Coordinator) Select(id uuid.UUID, immediate, notify bool) {
	c.post(c.runCtx, cmdSelect{id: id, immediate: immediate, notify: notify, origin: OriginUser})
}

// SelectForNotification switches to a notification's target identity. Like
// recovery, this is an automatic switch: a "switched account" notice is
// enqueued once the new session is live.
func (c *Coordinator) SelectForNotification(id uuid.UUID) {
	c.post(c.runCtx, cmdSelect{id: id, notify: true, origin: OriginNotification})
}

// ForceReload re-selects the current identity, producing a fresh
// ActiveSession. Debug surface.
func (c *Coordinator) ForceReload() {
	current := c.Current()
	if current == nil {
		return
	}
	c.post(c.runCtx, cmdSelect{id: current.Identity.ID, origin: OriginReload})
}

// Current returns the currently published active session, or nil.
func (c *Coordinator) Current() *domain.ActiveSession {
	reply := make(chan *domain.ActiveSession, 1)
	c.post(c.runCtx, cmdCurrent{reply: reply})
	select {
	case s := <-reply:
		return s
	case <-c.done:
		return nil
	}
}

// TintColor returns the current identity's tint color, or "" when there is
// no active session.
func (c *Coordinator) TintColor() string {
	reply := make(chan string, 1)
	c.post(c.runCtx, cmdTint{reply: reply})
	select {
	case t := <-reply:
		return t
	case <-c.done:
		return ""
	}
}

// Watch subscribes to active-session transitions. The current value
// (possibly nil) is delivered immediately. Delivery is best-effort over a
// small buffer: a watcher that stops draining misses transitions rather
// than blocking the loop. The returned func cancels the subscription.
func (c *Coordinator) Watch() (<-chan *domain.ActiveSession, func()) {
	reply := make(chan watchRegistration, 1)
	c.post(c.runCtx, cmdWatch{reply: reply})
	select {
	case reg := <-reply:
		return reg.sessions, func() { c.post(c.runCtx, cmdUnwatch{id: reg.id}) }
	case <-c.done:
		closed := make(chan *domain.ActiveSession)
		close(closed)
		return closed, func() {}
	}
}

// WatchTint subscribes to tint color changes, current value first.
func (c *Coordinator) WatchTint() (<-chan string, func()) {
	reply := make(chan watchRegistration, 1)
	c.post(c.runCtx, cmdWatch{tint: true, reply: reply})
	select {
	case reg := <-reply:
		return reg.tints, func() { c.post(c.runCtx, cmdUnwatch{tint: true, id: reg.id}) }
	case <-c.done:
		closed := make(chan string)
		close(closed)
		return closed, func() {}
	}
}

// DeleteIdentity removes the identity from the registry. If it backed the
// current session, the coordinator falls back to the most recently used
// remaining identity.
func (c *Coordinator) DeleteIdentity(ctx context.Context, id uuid.UUID) error {
	if err := c.registry.DeleteIdentity(ctx, id); err != nil {
		return err
	}
	c.post(c.runCtx, cmdDeleteFollowup{deleted: id})
	return nil
}

// ClearCache drops the registry's cached snapshot state. Debug surface.
func (c *Coordinator) ClearCache(ctx context.Context) error {
	return c.registry.ClearCache(ctx)
}

// Stop shuts down the run loop, superseding any current activation.
func (c *Coordinator) Stop() {
	c.post(c.runCtx, cmdStop{})

	timeout := c.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-c.done:
	case <-timeout.Chan():
		slog.Warn("Coordinator stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	depthTicker := c.clock.NewTicker(1 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			metrics.CoordinatorCommandChannelDepth.Set(float64(len(c.cmdCh)))

		case cmd := <-c.cmdCh:
			switch t := cmd.(type) {
			case cmdSelect:
				c.handleSelect(ctx, t)
			case cmdActivated:
				c.handleActivated(ctx, t)
			case cmdOpenFailed:
				c.handleOpenFailed(t)
			case cmdSnapshot:
				c.handleSnapshot(ctx, t)
			case cmdIdentityCreated:
				slog.Info("Identity created, selecting it", "identity_id", t.id)
				c.handleSelect(ctx, cmdSelect{id: t.id, origin: OriginCreated})
			case cmdMostRecentlyUsed:
				c.handleMostRecentlyUsed(ctx, t)
			case cmdDeleteFollowup:
				c.handleDeleteFollowup(ctx, t)
			case cmdCurrent:
				if c.current != nil {
					t.reply <- c.current.session
				} else {
					t.reply <- nil
				}
			case cmdTint:
				t.reply <- c.tintColor()
			case cmdWatch:
				c.handleWatch(t)
			case cmdUnwatch:
				if t.tint {
					delete(c.tintWatchers, t.id)
				} else {
					delete(c.sessionWatchers, t.id)
				}
			case cmdStop:
				c.supersede()
				c.publishSession(nil)
				return
			}

		case <-ctx.Done():
			c.supersede()
			return
		}
	}
}

// supersede cancels the current activation and any pending open. Their
// in-flight completions become stale and will be dropped by generation
// comparison.
func (c *Coordinator) supersede() {
	if c.pending != nil {
		c.pending.cancel()
		c.pending = nil
	}
	if c.current != nil {
		c.current.cancel()
		close(c.current.updates)
		c.current = nil
	}
}

func (c *Coordinator) handleSelect(ctx context.Context, cmd cmdSelect) {
	c.gen++
	c.selectedOnce = true
	c.supersede()

	if cmd.id == uuid.Nil {
		slog.Info("Active session cleared", "origin", cmd.origin)
		metrics.SelectionsTotal.WithLabelValues(cmd.origin, "cleared").Inc()
		c.publishSession(nil)
		return
	}

	octx, cancel := context.WithCancel(ctx)
	c.pending = &pendingOpen{
		gen:    c.gen,
		id:     cmd.id,
		notify: cmd.notify,
		origin: cmd.origin,
		ctx:    octx,
		cancel: cancel,
	}

	go c.open(octx, c.gen, cmd.id, cmd.immediate)
}

// open runs off the loop: it opens the session, obtains its snapshot
// stream, waits for the first snapshot, and posts the result back.
func (c *Coordinator) open(ctx context.Context, gen uint64, id uuid.UUID, immediate bool) {
	handle, err := c.registry.OpenSession(ctx, id)
	if err != nil {
		c.post(ctx, cmdOpenFailed{gen: gen, id: id, err: err})
		return
	}

	stream, err := handle.Snapshots(ctx, immediate)
	if err != nil {
		c.post(ctx, cmdOpenFailed{gen: gen, id: id, err: err})
		return
	}

	select {
	case first, ok := <-stream:
		if !ok {
			c.post(ctx, cmdOpenFailed{gen: gen, id: id, err: domain.ErrIdentityNotFound})
			return
		}
		if first.Err != nil {
			c.post(ctx, cmdOpenFailed{gen: gen, id: id, err: first.Err})
			return
		}
		c.post(ctx, cmdActivated{gen: gen, id: id, handle: handle, first: first.Identity, stream: stream})
	case <-ctx.Done():
	}
}

func (c *Coordinator) handleActivated(ctx context.Context, cmd cmdActivated) {
	if c.pending == nil || c.pending.gen != cmd.gen {
		// Superseded while opening; its context is already cancelled.
		return
	}
	pending := c.pending
	c.pending = nil

	updates := make(chan domain.SnapshotUpdate, watcherBufferSize)
	session := &domain.ActiveSession{
		Identity: cmd.first,
		Updates:  updates,
		Handle:   cmd.handle,
	}
	c.current = &activeState{
		gen:       cmd.gen,
		id:        cmd.id,
		identity:  cmd.first,
		session:   session,
		updates:   updates,
		ctx:       pending.ctx,
		cancel:    pending.cancel,
		recovered: pending.origin == OriginRecovery,
	}

	slog.Info("Active session switched",
		"identity_id", cmd.id,
		"handle", cmd.first.Handle,
		"origin", pending.origin)
	metrics.SelectionsTotal.WithLabelValues(pending.origin, "activated").Inc()

	c.publishSession(session)

	// Side effects run off the loop, bound to this activation's context.
	go c.markLastUse(pending.ctx, cmd.handle, cmd.id)
	if pending.notify {
		go c.enqueueSwitchNotice(pending.ctx, cmd.first)
	}
	if cmd.first.UsableForPush() && c.hook != nil {
		go c.hook(pending.ctx, session)
	}

	go c.consume(pending.ctx, cmd.gen, cmd.stream)
}

func (c *Coordinator) handleOpenFailed(cmd cmdOpenFailed) {
	if c.pending == nil || c.pending.gen != cmd.gen {
		return
	}
	origin := c.pending.origin
	c.pending.cancel()
	c.pending = nil

	slog.Warn("Failed to open session, clearing active session",
		"identity_id", cmd.id, "origin", origin, "error", cmd.err)
	metrics.SelectionsTotal.WithLabelValues(origin, "failed").Inc()

	c.publishSession(nil)
}

// consume forwards the session's snapshot stream into the loop. It exits
// after a terminal error update or when the activation is superseded.
func (c *Coordinator) consume(ctx context.Context, gen uint64, stream <-chan domain.SnapshotUpdate) {
	for {
		select {
		case update, ok := <-stream:
			if !ok {
				return
			}
			c.post(ctx, cmdSnapshot{gen: gen, update: update})
			if update.Err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handleSnapshot(ctx context.Context, cmd cmdSnapshot) {
	if c.current == nil || c.current.gen != cmd.gen {
		return
	}

	if cmd.update.Err != nil {
		c.handleStreamError(ctx, cmd.update.Err)
		return
	}

	metrics.SnapshotUpdatesTotal.Inc()
	c.current.identity = cmd.update.Identity

	// Forward to the published session's update stream; a consumer that
	// stopped draining loses updates rather than stalling the loop.
	select {
	case c.current.updates <- cmd.update:
	default:
	}

	c.publishTint(cmd.update.Identity.Preferences.TintColor)
}

// handleStreamError implements bounded recovery: one automatic re-selection
// of the preferred (most recently used) identity. A session that was itself
// activated by recovery is not recovered again; its failure clears the
// active session.
func (c *Coordinator) handleStreamError(ctx context.Context, err error) {
	failed := c.current
	slog.Warn("Session snapshot stream failed",
		"identity_id", failed.id, "recovered", failed.recovered, "error", err)

	if failed.recovered || c.preferred == uuid.Nil {
		c.handleSelect(ctx, cmdSelect{id: uuid.Nil, origin: OriginRecovery})
		return
	}

	metrics.RecoveriesTotal.Inc()
	c.handleSelect(ctx, cmdSelect{id: c.preferred, notify: true, origin: OriginRecovery})
}

func (c *Coordinator) handleMostRecentlyUsed(ctx context.Context, cmd cmdMostRecentlyUsed) {
	c.preferred = cmd.id

	// The first value after subscribing drives the startup selection.
	if !c.selectedOnce {
		c.handleSelect(ctx, cmdSelect{id: cmd.id, immediate: true, origin: OriginStartup})
	}
}

func (c *Coordinator) handleDeleteFollowup(ctx context.Context, cmd cmdDeleteFollowup) {
	if c.preferred == cmd.deleted {
		c.preferred = uuid.Nil
	}
	if c.current == nil || c.current.id != cmd.deleted {
		return
	}
	c.handleSelect(ctx, cmdSelect{id: c.preferred, origin: OriginUser})
}

func (c *Coordinator) handleWatch(cmd cmdWatch) {
	c.nextWatcherID++
	reg := watchRegistration{id: c.nextWatcherID}

	if cmd.tint {
		reg.tints = make(chan string, watcherBufferSize)
		reg.tints <- c.tintColor()
		c.tintWatchers[reg.id] = reg.tints
	} else {
		reg.sessions = make(chan *domain.ActiveSession, watcherBufferSize)
		if c.current != nil {
			reg.sessions <- c.current.session
		} else {
			reg.sessions <- nil
		}
		c.sessionWatchers[reg.id] = reg.sessions
	}

	cmd.reply <- reg
}

func (c *Coordinator) tintColor() string {
	if c.current == nil {
		return ""
	}
	return c.current.identity.Preferences.TintColor
}

func (c *Coordinator) publishSession(session *domain.ActiveSession) {
	if session != nil {
		metrics.ActiveSessionGauge.Set(1)
	} else {
		metrics.ActiveSessionGauge.Set(0)
	}

	for _, ch := range c.sessionWatchers {
		select {
		case ch <- session:
		default:
		}
	}

	tint := ""
	if session != nil {
		tint = session.Identity.Preferences.TintColor
	}
	c.publishTint(tint)
}

func (c *Coordinator) publishTint(tint string) {
	for _, ch := range c.tintWatchers {
		select {
		case ch <- tint:
		default:
		}
	}
}

func (c *Coordinator) markLastUse(ctx context.Context, handle domain.SessionHandle, id uuid.UUID) {
	if err := handle.MarkLastUse(ctx); err != nil {
		slog.Debug("Failed to mark identity as last used", "identity_id", id, "error", err)
	}
}

func (c *Coordinator) enqueueSwitchNotice(ctx context.Context, identity domain.Identity) {
	if c.notices == nil {
		return
	}
	notice := domain.Notice{
		ID:       uuid.NewString(),
		Category: domain.NoticeCategoryAccountSwitch,
		Title:    "Account switched",
		Body:     identity.Handle,
	}
	if err := c.notices.Enqueue(ctx, notice); err != nil {
		slog.Debug("Failed to enqueue switch notice", "identity_id", identity.ID, "error", err)
		return
	}
	metrics.NoticesEnqueuedTotal.Inc()
}
