package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tsarna/broadcaster/pkg/broadcaster/o11y"
	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

// ErrStopped is returned by calls made after Stop.
var ErrStopped = errors.New("manager is stopped")

// Manager keeps a set of channel subscriptions alive on a Transport. All of
// its state is owned by one goroutine fed from an unbounded inbox; transport
// calls run in their own goroutines and post their results back.
type Manager struct {
	cfg       Config
	transport transport.Transport
	clock     Clock
	faults    FaultProvider
	logger    *zap.Logger
	catchUp   *CatchUp

	inbox    *queue[input]
	dispatch *dispatcher

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	io       sync.WaitGroup
	started  int32
	stopping int32

	tracingProvider  o11y.TracingProvider
	statusCounter    o11y.Counter
	messageCounter   o11y.Counter
	grantCounter     o11y.Counter
	catchUpCounter   o11y.Counter
	catchUpHistogram o11y.Histogram
	channelGauge     o11y.Gauge

	// Everything below is owned by the loop goroutine.

	table  *channelTable
	filter *messageFilter

	pending        bool
	catchingUp     bool
	aborted        bool
	offline        bool
	offlineProblem bool
	needConnected  bool
	hadTrouble     bool

	numResubscribes int
	lastSuccess     time.Time
	lastMessageAt   time.Time
	initializedAt   time.Time
	lastTick        time.Time

	// epoch invalidates in-flight results when the session is reset or aborted.
	epoch int

	timers         map[int]Timer
	nextTimerID    int
	tickTimer      int
	subscribeTimer int
}

// State is a point-in-time view of the manager, for diagnostics and tests.
type State struct {
	Channels              map[string]string
	Pending               bool
	Offline               bool
	Aborted               bool
	Resubscribes          int
	LastMessageReceivedAt time.Time
}

type input any

type (
	subscribeCmd   struct{ channels []string }
	unsubscribeCmd struct{ channels []string }
	setOnlineCmd   struct{ online bool }
	lastMessageCmd struct{ at time.Time }
	netErrorCmd    struct{ delay time.Duration }
	longTickCmd    struct{}
	stateQuery     struct{ responseCh chan State }

	tickIn          struct{}
	startTickingIn  struct{}
	subscribeTimeIn struct{}
	eventIn         struct{ event transport.Event }
	messageIn       struct{ msg transport.Message }

	timerFired struct {
		id int
		in input
	}
	resubscribeIn struct {
		channels []string
		epoch    int
	}
	confirmResult struct {
		channels []string
		missing  []string
		err      error
		epoch    int
	}
	historyResult struct {
		result CatchUpResult
		err    error
		epoch  int
	}
	grantResult struct {
		granted []string
		failed  []string
		retry   []string
		epoch   int
	}
)

// Start opens the transport and begins processing. The context bounds the
// manager's lifetime together with Stop.
func (m *Manager) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return fmt.Errorf("manager already started")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	if err := m.transport.Open(m.ctx, transportHandler{m}); err != nil {
		m.cancel()
		atomic.StoreInt32(&m.started, 0)
		return fmt.Errorf("failed to open transport: %w", err)
	}

	m.initializedAt = m.clock.Now()
	m.lastTick = m.initializedAt
	m.dispatch.start()
	m.scheduleTick()

	go m.loop()

	m.logger.Info("Broadcaster started")
	return nil
}

// Stop cancels every timer and in-flight transport call and closes the
// transport. Events already emitted are still delivered; nothing new is.
// Called from a listener, Stop returns without waiting for the remaining
// events.
func (m *Manager) Stop() error {
	if atomic.LoadInt32(&m.started) == 0 || !atomic.CompareAndSwapInt32(&m.stopping, 0, 1) {
		return nil
	}

	m.inbox.Close()
	<-m.loopDone

	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.cancel()
	m.io.Wait()

	err := m.transport.Close()
	m.dispatch.stop()

	m.logger.Info("Broadcaster stopped")
	return err
}

func (m *Manager) loop() {
	defer close(m.loopDone)

	for {
		in, ok := m.inbox.Pop()
		if !ok || atomic.LoadInt32(&m.stopping) == 1 {
			return
		}
		m.handle(in)
	}
}

func (m *Manager) post(in input) bool {
	return m.inbox.Push(in)
}

// Subscribe asks for channels to be subscribed. Channels requested while a
// handshake is in flight are queued and reported with a Queued event.
func (m *Manager) Subscribe(channels ...string) {
	m.post(subscribeCmd{channels: channels})
}

// Unsubscribe drops channels from the subscription set.
func (m *Manager) Unsubscribe(channels ...string) {
	m.post(unsubscribeCmd{channels: channels})
}

// SetOnline tells the manager whether the application has network access.
// Going offline emits Offline once; coming back online confirms the
// subscriptions and replays missed history.
func (m *Manager) SetOnline(online bool) {
	m.post(setOnlineCmd{online: online})
}

// OnStatusChange registers fn for status events.
func (m *Manager) OnStatusChange(fn func(StatusChangeEvent)) Disposable {
	return m.dispatch.onStatus(fn)
}

// OnMessages registers fn for message batches.
func (m *Manager) OnMessages(fn func([]transport.Message)) Disposable {
	return m.dispatch.onMessages(fn)
}

// State returns a snapshot of the manager's state.
func (m *Manager) State(ctx context.Context) (State, error) {
	responseCh := make(chan State, 1)
	if atomic.LoadInt32(&m.started) == 0 || !m.post(stateQuery{responseCh: responseCh}) {
		return State{}, ErrStopped
	}

	select {
	case state := <-responseCh:
		return state, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-m.loopDone:
		return State{}, ErrStopped
	}
}

// SetLastMessageReceivedAt moves the catch-up anchor.
func (m *Manager) SetLastMessageReceivedAt(at time.Time) {
	m.post(lastMessageCmd{at: at})
}

// SimulateOffline makes the manager ignore live messages while set.
func (m *Manager) SimulateOffline(offline bool) {
	if f, ok := m.injector(); ok {
		f.SetOffline(offline)
	}
}

// SimulateNetError reports a transport network error after delay.
func (m *Manager) SimulateNetError(delay time.Duration) {
	m.post(netErrorCmd{delay: delay})
}

// SimulateConfirmFailure makes presence confirms report every channel missing while set.
func (m *Manager) SimulateConfirmFailure(fail bool) {
	if f, ok := m.injector(); ok {
		f.SetConfirmFailure(fail)
	}
}

// SimulateLongTick pauses the tick timer for longer than the stall threshold.
func (m *Manager) SimulateLongTick() {
	m.post(longTickCmd{})
}

// SimulateSubscriptionTimeout swallows the next subscribe acknowledgement.
func (m *Manager) SimulateSubscriptionTimeout() {
	if f, ok := m.injector(); ok {
		f.ArmSubscriptionTimeout()
	}
}

// SimulateGrantFailure makes the next grant for channel fail.
func (m *Manager) SimulateGrantFailure(channel string) {
	if f, ok := m.injector(); ok {
		f.FailGrant(channel)
	}
}

func (m *Manager) injector() (*Faults, bool) {
	f, ok := m.faults.(*Faults)
	if !ok {
		m.logger.Warn("Fault injection requested but the fault provider does not support it")
	}
	return f, ok
}

type transportHandler struct {
	m *Manager
}

func (h transportHandler) OnMessage(msg transport.Message) {
	h.m.post(messageIn{msg: msg})
}

func (h transportHandler) OnEvent(ev transport.Event) {
	h.m.post(eventIn{event: ev})
}

func (m *Manager) handle(in input) {
	switch in := in.(type) {
	case timerFired:
		if _, live := m.timers[in.id]; !live {
			return
		}
		delete(m.timers, in.id)
		if in.id == m.tickTimer {
			m.tickTimer = 0
		}
		if in.id == m.subscribeTimer {
			m.subscribeTimer = 0
		}
		m.handle(in.in)

	case subscribeCmd:
		m.subscribe(in.channels)
	case unsubscribeCmd:
		m.unsubscribe(in.channels)
	case setOnlineCmd:
		m.setOnline(in.online)
	case lastMessageCmd:
		m.lastMessageAt = in.at
	case netErrorCmd:
		m.after(in.delay, eventIn{event: transport.Event{Kind: transport.EventNetworkError}})
	case longTickCmd:
		m.cancelTimer(m.tickTimer)
		m.tickTimer = 0
		m.after(m.cfg.LongTick+m.cfg.TickInterval, startTickingIn{})
	case stateQuery:
		in.responseCh <- m.state()

	case tickIn:
		m.tick()
	case startTickingIn:
		if m.tickTimer == 0 {
			m.scheduleTick()
		}
	case subscribeTimeIn:
		m.subscriptionTimeout()
	case eventIn:
		m.onTransportEvent(in.event)
	case messageIn:
		m.onMessage(in.msg)

	case resubscribeIn:
		m.onResubscribe(in)
	case confirmResult:
		m.onConfirmResult(in)
	case historyResult:
		m.onHistoryResult(in)
	case grantResult:
		m.onGrantResult(in)

	default:
		m.logger.Debug("Broadcaster received unknown input", zap.String("type", fmt.Sprintf("%T", in)))
	}
}

// after schedules in to be handled after d. A non-positive d posts it
// immediately. It returns the timer id, or 0 when no timer was needed.
func (m *Manager) after(d time.Duration, in input) int {
	if d <= 0 {
		m.post(in)
		return 0
	}

	m.nextTimerID++
	id := m.nextTimerID
	m.timers[id] = m.clock.AfterFunc(d, func() {
		m.post(timerFired{id: id, in: in})
	})
	return id
}

func (m *Manager) cancelTimer(id int) {
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// goIO runs a transport call outside the loop, tracked for Stop.
func (m *Manager) goIO(f func(ctx context.Context)) {
	m.io.Add(1)
	go func() {
		defer m.io.Done()
		f(m.ctx)
	}()
}

func (m *Manager) emit(ev StatusChangeEvent) {
	m.logger.Debug("Emitting status", zap.Stringer("status", ev.Status), zap.Strings("channels", ev.Channels))
	if m.statusCounter != nil {
		m.statusCounter.Add(m.ctx, 1, o11y.Label{Key: "status", Value: ev.Status.String()})
	}
	m.dispatch.emitStatus(ev)
}

func (m *Manager) emitStatus(status Status, channels []string) {
	ev := StatusChangeEvent{Status: status}
	if len(channels) > 0 {
		ev.Channels = sortedCopy(channels)
	}
	m.emit(ev)
}

// emitTrouble reports channels in trouble; the next Connected event will be
// sent even if no channel was added, and flagged as a reconnection.
func (m *Manager) emitTrouble(channels []string) {
	m.hadTrouble = true
	m.needConnected = true
	m.emitStatus(Trouble, channels)
}

func (m *Manager) emitConnected() {
	m.emit(connectedEvent(m.table, m.hadTrouble))
	m.needConnected = false
	m.hadTrouble = false
	m.updateChannelGauge()
}

func (m *Manager) deliver(messages []transport.Message, source string) {
	out := m.filter.process(m.clock.Now(), messages)
	if len(out) == 0 {
		return
	}
	if m.messageCounter != nil {
		m.messageCounter.Add(m.ctx, int64(len(out)), o11y.Label{Key: "source", Value: source})
	}
	m.dispatch.emitMessages(out)
}

func (m *Manager) subscribe(channels []string) {
	m.logger.Debug("Request to subscribe", zap.Strings("channels", channels))
	if m.aborted {
		m.emitStatus(Aborted, nil)
		return
	}

	if m.pending {
		if queued := m.table.queue(channels); len(queued) > 0 {
			m.logger.Debug("Subscriptions are pending, queueing", zap.Strings("channels", queued))
			m.emitStatus(Queued, queued)
		}
		return
	}

	m.subscribeToChannels(channels)
}

func (m *Manager) unsubscribe(channels []string) {
	m.logger.Debug("Request to unsubscribe", zap.Strings("channels", channels))
	m.table.remove(channels)
	m.unsubscribeIO(channels)
	m.updateChannelGauge()

	if m.subscribeTimer != 0 {
		m.checkFullySubscribed()
	}
}

func (m *Manager) subscribeToChannels(channels []string) {
	if added := m.table.add(channels); len(added) > 0 {
		m.needConnected = true
	}
	m.pending = true
	m.subscribeAll()
}

// drainQueue merges queued channels into a new handshake.
func (m *Manager) drainQueue() {
	if promoted := m.table.promoteQueued(); len(promoted) > 0 {
		m.logger.Debug("Draining subscription queue", zap.Strings("channels", promoted))
		m.needConnected = true
	}
	m.pending = true
	m.subscribeAll()
}

// subscribeAll subscribes every pending channel and arms the subscribe timeout.
func (m *Manager) subscribeAll() {
	channels := m.table.in(statePending)
	if len(channels) == 0 {
		if m.table.count(stateRecovering) == 0 {
			m.logger.Debug("No unsubscribed channels, we are fully subscribed")
			m.subscribed()
		}
		return
	}

	m.logger.Debug("Subscribing", zap.Strings("channels", channels))
	m.goIO(func(ctx context.Context) {
		m.subscribeIO(ctx, channels)
	})

	if m.subscribeTimer == 0 {
		m.subscribeTimer = m.after(m.cfg.SubscribeTimeout, subscribeTimeIn{})
	}
}

func (m *Manager) subscribeIO(ctx context.Context, channels []string) {
	err := m.transport.Subscribe(ctx, channels)
	if errors.Is(err, transport.ErrNotConnected) {
		if err = m.transport.Reconnect(ctx); err == nil {
			err = m.transport.Subscribe(ctx, channels)
		}
	}

	switch {
	case err == nil || ctx.Err() != nil:
	case errors.Is(err, transport.ErrAccessDenied), errors.Is(err, transport.ErrInvalidCredential):
		m.post(eventIn{event: transport.Event{Kind: transport.EventAccessDenied, Channels: channels, Err: err}})
	default:
		m.logger.Warn("Subscribe request failed, waiting for timeout", zap.Strings("channels", channels), zap.Error(err))
	}
}

func (m *Manager) unsubscribeIO(channels []string) {
	if len(channels) == 0 {
		return
	}
	m.goIO(func(ctx context.Context) {
		if err := m.transport.Unsubscribe(ctx, channels); err != nil && ctx.Err() == nil {
			m.logger.Debug("Unsubscribe request failed", zap.Strings("channels", channels), zap.Error(err))
		}
	})
}

func (m *Manager) onTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		if m.faults.SwallowSubscribeAck() {
			m.logger.Debug("Simulating subscription timeout", zap.Strings("channels", ev.Channels))
			return
		}
		m.setConnected(ev.Channels)
	case transport.EventAccessDenied:
		m.subscriptionFailure(ev.Channels)
	case transport.EventNetworkError:
		if ev.Err != nil {
			m.logger.Debug("Transport network error", zap.Error(ev.Err))
		}
		m.netHiccup()
	case transport.EventResetRequired:
		m.reset()
	}
}

func (m *Manager) setConnected(channels []string) {
	m.logger.Debug("Channels are connected", zap.Strings("channels", channels))
	m.table.markActive(channels)
	m.checkFullySubscribed()
}

// checkFullySubscribed starts catch-up once no channel is waiting for an
// acknowledgement or a grant.
func (m *Manager) checkFullySubscribed() {
	if !m.pending || len(m.table.unsubscribed()) > 0 {
		return
	}
	m.cancelTimer(m.subscribeTimer)
	m.subscribeTimer = 0
	m.startCatchUp()
}

func (m *Manager) subscriptionTimeout() {
	failed := m.table.in(statePending)
	m.logger.Debug("Subscription timed out", zap.Strings("channels", failed))
	m.subscriptionFailure(failed)
}

// subscriptionFailure reports channels that could not be subscribed and asks
// for access grants. A session that has never subscribed anything and keeps
// failing is aborted.
func (m *Manager) subscriptionFailure(failed []string) {
	var channels []string
	for _, channel := range failed {
		if s, ok := m.table.state(channel); ok && s == statePending {
			channels = append(channels, channel)
		}
	}
	if len(channels) == 0 {
		m.logger.Debug("Already handling subscription failures, ignoring", zap.Strings("channels", failed))
		return
	}

	for _, channel := range channels {
		m.table.set(channel, stateRecovering)
	}
	m.emitTrouble(channels)

	if m.table.count(stateActive) == 0 && m.lastSuccess.IsZero() && m.numResubscribes >= m.cfg.AbortAfterResubscribes {
		m.logger.Warn("All subscriptions have failed, aborting", zap.Int("resubscribes", m.numResubscribes))
		m.abort()
		return
	}

	m.requestGrants(channels)
}

func (m *Manager) requestGrants(channels []string) {
	epoch := m.epoch
	m.goIO(func(ctx context.Context) {
		var span o11y.Span
		if m.tracingProvider != nil {
			ctx, span = m.tracingProvider.StartSpan(ctx, "broadcaster.grant")
			span.SetAttributes(o11y.Label{Key: "channels", Value: fmt.Sprint(channels)})
		}

		var mu sync.Mutex
		result := grantResult{epoch: epoch}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.cfg.FetchConcurrency)
		for _, channel := range channels {
			g.Go(func() error {
				var err error
				if m.faults.GrantFails(channel) {
					err = fmt.Errorf("%w: simulated failure for %s", transport.ErrGrantDenied, channel)
				} else {
					err = m.transport.Grant(gctx, channel)
				}

				if m.grantCounter != nil {
					m.grantCounter.Add(ctx, 1, o11y.StatusLabel(err))
				}

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					result.granted = append(result.granted, channel)
				case errors.Is(err, transport.ErrGrantDenied), errors.Is(err, transport.ErrNoSuchChannel):
					m.logger.Debug("Grant refused", zap.String("channel", channel), zap.Error(err))
					result.failed = append(result.failed, channel)
				default:
					m.logger.Debug("Grant request failed, will retry", zap.String("channel", channel), zap.Error(err))
					result.retry = append(result.retry, channel)
				}
				return nil
			})
		}
		_ = g.Wait()

		o11y.EndSpan(span, nil)
		m.post(result)
	})
}

func (m *Manager) onGrantResult(r grantResult) {
	if r.epoch != m.epoch || m.aborted {
		return
	}

	failed := m.stillIn(stateRecovering, r.failed)
	granted := m.stillIn(stateRecovering, r.granted)
	retry := append(granted, m.stillIn(stateRecovering, r.retry)...)

	if len(failed) > 0 {
		for _, channel := range failed {
			m.table.set(channel, stateDropped)
		}
		m.unsubscribeIO(failed)
		m.emitStatus(Failed, failed)
	}
	if len(granted) > 0 {
		m.emitStatus(Granted, granted)
	}

	if len(retry) > 0 {
		delay := m.cfg.Throttle.delay(m.numResubscribes)
		m.logger.Debug("Resubscribing", zap.Strings("channels", retry), zap.Duration("in", delay))
		m.after(delay, resubscribeIn{channels: retry, epoch: m.epoch})
		return
	}

	m.checkFullySubscribed()
}

func (m *Manager) onResubscribe(in resubscribeIn) {
	if in.epoch != m.epoch || m.aborted {
		return
	}

	channels := m.stillIn(stateRecovering, in.channels)
	if len(channels) == 0 {
		m.checkFullySubscribed()
		return
	}
	m.resubscribe(channels)
}

// resubscribe marks channels unsubscribed and runs a new handshake that also
// picks up anything queued. A nil channels resubscribes everything.
func (m *Manager) resubscribe(channels []string) {
	if channels == nil {
		channels = m.table.requested()
	}

	m.numResubscribes++
	m.logger.Debug("Resubscribing", zap.Strings("channels", channels), zap.Int("resubscribes", m.numResubscribes))
	m.table.markPending(channels)
	m.pending = true
	m.drainQueue()
}

// subscribed settles a handshake: queued channels start the next one,
// otherwise Connected is emitted if anything changed since the last one.
func (m *Manager) subscribed() {
	if m.table.count(stateQueued) > 0 {
		m.logger.Debug("Subscribed, but there are queued subscriptions")
		m.drainQueue()
		return
	}

	m.pending = false
	if m.table.count(stateActive) > 0 {
		m.lastSuccess = m.clock.Now()
		m.numResubscribes = 0
	}
	if m.needConnected {
		m.emitConnected()
	}
}

func (m *Manager) setOnline(online bool) {
	if !online {
		if !m.offline {
			m.offline = true
			m.emitStatus(Offline, nil)
		}
		return
	}

	if m.offline {
		m.offline = false
		m.offlineProblem = false
		m.netHiccup()
	}
}

func (m *Manager) tick() {
	now := m.clock.Now()
	if !m.lastTick.IsZero() && now.Sub(m.lastTick) > m.cfg.LongTick {
		m.logger.Debug("Long tick detected", zap.Duration("gap", now.Sub(m.lastTick)))
		m.netHiccup()
	}
	m.lastTick = now
	m.scheduleTick()
}

func (m *Manager) scheduleTick() {
	if m.aborted {
		return
	}
	m.tickTimer = m.after(m.cfg.TickInterval, tickIn{})
}

// netHiccup reacts to a possible outage by confirming subscriptions. It is
// ignored while a handshake is already in flight, and deferred until the
// application is back online.
func (m *Manager) netHiccup() {
	if m.aborted {
		return
	}
	if m.offline {
		if !m.offlineProblem {
			m.offlineProblem = true
			m.emitStatus(NetworkProblem, nil)
		}
		return
	}
	if m.pending {
		m.logger.Debug("Ignoring network hiccup because subscriptions are already pending")
		return
	}

	m.pending = true
	m.emitStatus(NetworkProblem, nil)

	if m.table.count(stateRecovering) > 0 {
		m.logger.Debug("There are active failures in progress, ignoring network hiccup")
		return
	}
	m.confirm()
}

// confirm checks presence on every active channel.
func (m *Manager) confirm() {
	channels := m.table.active()
	if len(channels) == 0 {
		m.logger.Debug("No subscribed channels to confirm")
		m.subscribed()
		return
	}

	if m.faults.ConfirmFails() {
		m.logger.Debug("Simulating a confirm failure")
		m.onConfirmResult(confirmResult{channels: channels, missing: channels, epoch: m.epoch})
		return
	}

	epoch := m.epoch
	m.goIO(func(ctx context.Context) {
		var span o11y.Span
		if m.tracingProvider != nil {
			ctx, span = m.tracingProvider.StartSpan(ctx, "broadcaster.confirm")
		}
		missing, err := m.transport.Confirm(ctx, channels)
		o11y.EndSpan(span, err)
		m.post(confirmResult{channels: channels, missing: missing, err: err, epoch: epoch})
	})
}

func (m *Manager) onConfirmResult(r confirmResult) {
	if r.epoch != m.epoch || m.aborted {
		return
	}

	trouble := r.missing
	if r.err != nil {
		m.logger.Debug("Confirm failed, assuming every channel is lost", zap.Error(r.err))
		trouble = r.channels
	}
	trouble = m.stillIn(stateActive, trouble)

	if len(trouble) > 0 {
		m.logger.Debug("Failed to confirm subscriptions, resubscribing", zap.Strings("channels", trouble))
		m.emitTrouble(trouble)
		m.resubscribe(trouble)
		return
	}

	m.emitStatus(Confirmed, nil)
	m.goIO(func(ctx context.Context) {
		if err := m.transport.Reconnect(ctx); err != nil && ctx.Err() == nil {
			m.logger.Debug("Reconnect failed", zap.Error(err))
		}
	})
	m.startCatchUp()
}

// startCatchUp replays history missed since the anchor, or resets when the
// anchor is older than the history the transport retains.
func (m *Manager) startCatchUp() {
	if m.catchingUp {
		return
	}

	channels := m.table.active()
	if len(channels) == 0 {
		m.logger.Debug("No channels to catch up with")
		m.subscribed()
		return
	}

	now := m.clock.Now()
	var since time.Time
	if !m.lastMessageAt.IsZero() {
		since = m.lastMessageAt.Add(-m.cfg.ThresholdBuffer)
	} else {
		since = m.initializedAt.Add(-m.cfg.FreshSessionLookback)
	}

	if now.Sub(since) > m.cfg.CatchUpWindow {
		m.logger.Info("Been away for too long, forcing reset", zap.Time("since", since))
		m.reset()
		return
	}

	m.catchingUp = true
	epoch := m.epoch
	m.goIO(func(ctx context.Context) {
		start := time.Now()

		var span o11y.Span
		if m.tracingProvider != nil {
			ctx, span = m.tracingProvider.StartSpan(ctx, "broadcaster.catch_up")
			span.SetAttributes(o11y.Label{Key: "channels", Value: fmt.Sprint(channels)})
		}

		result, err := m.catchUp.Fetch(ctx, channels, since)
		o11y.EndSpan(span, err)

		if m.catchUpCounter != nil {
			m.catchUpCounter.Add(ctx, 1, o11y.StatusLabel(err))
		}
		if m.catchUpHistogram != nil {
			m.catchUpHistogram.Record(ctx, time.Since(start).Seconds())
		}

		m.post(historyResult{result: result, err: err, epoch: epoch})
	})
}

func (m *Manager) onHistoryResult(r historyResult) {
	if r.epoch != m.epoch || m.aborted {
		return
	}
	m.catchingUp = false

	if errors.Is(r.err, ErrTooMuchHistory) {
		m.logger.Info("Too much history, forcing reset", zap.Error(r.err))
		m.reset()
		return
	}
	if r.err != nil {
		m.logger.Warn("Fetch history error, resubscribing", zap.Error(r.err))
		m.emitTrouble(nil)
		m.resubscribe(nil)
		return
	}

	if n := len(r.result.Messages); n > 0 {
		m.lastMessageAt = r.result.Latest
		m.logger.Debug("Messages received from history", zap.Int("count", n))
		m.deliver(r.result.Messages, "history")
	}

	m.subscribed()
}

func (m *Manager) onMessage(msg transport.Message) {
	if m.faults.DropLiveMessages() {
		return
	}

	at := msg.ReceivedAt()
	if at.After(m.lastMessageAt) && !m.pending {
		m.lastMessageAt = at
	}
	m.deliver([]transport.Message{msg}, "live")
}

// unsubscribeAll forgets every channel and abandons work in flight.
func (m *Manager) unsubscribeAll() {
	m.unsubscribeIO(m.table.in(statePending, stateActive, stateRecovering))
	m.table.clear()
	m.filter.reset()

	m.cancelTimer(m.subscribeTimer)
	m.subscribeTimer = 0

	m.epoch++
	m.pending = false
	m.catchingUp = false
	m.needConnected = false
	m.hadTrouble = false
	m.updateChannelGauge()
}

func (m *Manager) reset() {
	m.unsubscribeAll()
	m.emitStatus(Reset, nil)
}

func (m *Manager) abort() {
	m.aborted = true
	m.unsubscribeAll()
	m.cancelTimer(m.tickTimer)
	m.tickTimer = 0
	m.emitStatus(Aborted, nil)
}

func (m *Manager) state() State {
	channels := make(map[string]string, len(m.table.states))
	for channel, s := range m.table.states {
		channels[channel] = s.String()
	}
	return State{
		Channels:              channels,
		Pending:               m.pending,
		Offline:               m.offline,
		Aborted:               m.aborted,
		Resubscribes:          m.numResubscribes,
		LastMessageReceivedAt: m.lastMessageAt,
	}
}

// stillIn filters channels down to those currently in state s.
func (m *Manager) stillIn(s channelState, channels []string) []string {
	var out []string
	for _, channel := range channels {
		if current, ok := m.table.state(channel); ok && current == s {
			out = append(out, channel)
		}
	}
	return out
}

func (m *Manager) updateChannelGauge() {
	if m.channelGauge != nil {
		m.channelGauge.Set(m.ctx, float64(m.table.count(stateActive)))
	}
}
