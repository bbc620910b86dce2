package detector

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meftunca/lifeguard/pkg/config"
	"github.com/meftunca/lifeguard/pkg/protocol"
	"github.com/meftunca/lifeguard/pkg/storage"
	"github.com/meftunca/lifeguard/pkg/swim"
	"github.com/meftunca/lifeguard/pkg/transport"
	"github.com/meftunca/lifeguard/pkg/types"
)

// Transport is the send capability the shell consumes. The UDP transport
// implements it; tests substitute a fake.
type Transport interface {
	LocalNode() types.Node
	SetHandler(h transport.Handler)
	NextSeqNo() uint64
	Request(to types.Node, msgType protocol.MessageType, env *types.Envelope, timeout time.Duration) (*transport.Response, error)
	Send(to types.Node, msgType protocol.MessageType, env *types.Envelope) error
}

// Observer receives detector state changes for metrics export. All methods
// are called from the event loop and must not block.
type Observer interface {
	ObserveProbe(result string, rtt time.Duration)
	SetHealth(score int)
	SetMemberCount(state string, count int)
	ReachabilityChanged(r types.Reachability)
}

// ReachabilityEvent is the single outbound event stream of the detector:
// a member crossed the reachable/unreachable boundary.
type ReachabilityEvent struct {
	Node         types.Node         `json:"node"`
	Reachability types.Reachability `json:"reachability"`
	Status       types.Status       `json:"status"`
	ObservedAt   time.Time          `json:"observed_at"`
}

// Stats is a point-in-time view of the shell for the admin API.
type Stats struct {
	ProtocolPeriod uint64         `json:"protocol_period"`
	Health         int            `json:"local_health_multiplier"`
	Incarnation    uint64         `json:"incarnation"`
	Members        map[string]int `json:"members_by_state"`
	PendingGossip  int            `json:"pending_gossip_facts"`
}

// pingReqOrigin identifies the node a relayed probe is performed for, and
// the sequence number its pingReq carried so the forwarded ack or nack
// correlates on its side.
type pingReqOrigin struct {
	node  types.Node
	seqNo uint64
}

// Shell drives the SWIM instance. It owns the event loop, all timers, and
// the transport; every instance mutation happens on the single loop
// goroutine, so the instance needs no locking.
type Shell struct {
	inst       *swim.Instance
	tr         Transport
	tombstones storage.TombstoneStore
	cfg        *config.Config
	log        logrus.FieldLogger
	observer   Observer

	events chan func()

	timerMu   sync.Mutex
	pingTimer *time.Timer

	subsMu sync.Mutex
	subs   []chan ReachabilityEvent

	stopOnce sync.Once
	stopped  chan struct{}
	loopDone chan struct{}
}

// New wires a shell around an instance. Call Start to begin probing.
func New(inst *swim.Instance, tr Transport, tombstones storage.TombstoneStore, cfg *config.Config, log logrus.FieldLogger, observer Observer) *Shell {
	s := &Shell{
		inst:       inst,
		tr:         tr,
		tombstones: tombstones,
		cfg:        cfg,
		log:        log,
		observer:   observer,
		events:     make(chan func(), 1024),
		stopped:    make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	tr.SetHandler(s.onInbound)
	return s
}

// Start launches the event loop and schedules the first periodic probe.
func (s *Shell) Start() {
	go s.run()
	s.schedulePeriodicPing(s.inst.ProbeInterval())
}

// Stop terminates the event loop. Outstanding probe goroutines drain into
// the closed shell and are discarded.
func (s *Shell) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.timerMu.Lock()
		if s.pingTimer != nil {
			s.pingTimer.Stop()
		}
		s.timerMu.Unlock()
		<-s.loopDone
	})
}

// Monitor asks the detector to begin watching a node.
func (s *Shell) Monitor(node types.Node) {
	s.post(func() { s.handleMonitor(node) })
}

// ConfirmDead forces a member into the terminal dead state.
func (s *Shell) ConfirmDead(node types.Node) {
	s.post(func() { s.handleConfirmDead(node) })
}

// Subscribe returns a channel of reachability changes. Slow consumers drop
// events rather than stalling the loop.
func (s *Shell) Subscribe() <-chan ReachabilityEvent {
	ch := make(chan ReachabilityEvent, 64)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

// MembershipSnapshot returns the node-to-status view, computed on the
// event loop.
func (s *Shell) MembershipSnapshot() map[types.NodeAddr]types.Status {
	reply := make(chan map[types.NodeAddr]types.Status, 1)
	if !s.post(func() { reply <- s.inst.Snapshot() }) {
		return nil
	}
	select {
	case snap := <-reply:
		return snap
	case <-s.stopped:
		return nil
	}
}

// ShellStats returns counters for the admin API, computed on the event
// loop.
func (s *Shell) ShellStats() Stats {
	reply := make(chan Stats, 1)
	if !s.post(func() { reply <- s.statsLocked() }) {
		return Stats{}
	}
	select {
	case st := <-reply:
		return st
	case <-s.stopped:
		return Stats{}
	}
}

func (s *Shell) statsLocked() Stats {
	members := make(map[string]int)
	for _, m := range s.inst.AllMembers() {
		members[m.Status.State.String()]++
	}
	return Stats{
		ProtocolPeriod: s.inst.ProtocolPeriod(),
		Health:         s.inst.Health(),
		Incarnation:    s.inst.Incarnation(),
		Members:        members,
		PendingGossip:  s.inst.PendingGossip(),
	}
}

// post enqueues work for the event loop in FIFO order. Returns false when
// the shell is stopped.
func (s *Shell) post(fn func()) bool {
	select {
	case <-s.stopped:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Shell) run() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.stopped:
			return
		case fn := <-s.events:
			fn()
		}
	}
}

// schedulePeriodicPing (re)arms the periodic-ping timer, cancelling any
// prior schedule.
func (s *Shell) schedulePeriodicPing(delay time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	s.pingTimer = time.AfterFunc(delay, func() {
		s.post(s.handlePeriodicPing)
	})
}

// handlePeriodicPing is one protocol-period tick: sweep suspicion
// timeouts, probe the next member, advance the period, and re-arm the
// timer with the health-scaled interval.
func (s *Shell) handlePeriodicPing() {
	s.checkSuspicionTimeouts()
	s.pruneTombstones()

	if target, ok := s.inst.NextMemberToPing(); ok {
		s.sendPing(target.Node, nil)
	}

	s.inst.IncrementProtocolPeriod()
	s.refreshObserver()
	s.schedulePeriodicPing(s.inst.DynamicProtocolInterval())
}

// checkSuspicionTimeouts promotes suspects whose lifeguard window has
// elapsed to unreachable.
func (s *Shell) checkSuspicionTimeouts() {
	for _, m := range s.inst.Suspects() {
		deadline := s.inst.SuspicionDeadline(m)
		if !s.inst.IsExpired(deadline) {
			continue
		}
		s.log.WithFields(logrus.Fields{
			"swim/member":           m.Node.String(),
			"swim/suspectedBy":      len(m.Status.SuspectedBy),
			"swim/suspicionTimeout": s.inst.SuspicionTimeout(len(m.Status.SuspectedBy)).String(),
			"swim/incarnation":      m.Status.Incarnation,
			"swim/protocolPeriod":   s.inst.ProtocolPeriod(),
		}).Warn("suspicion timeout expired, marking member unreachable")

		res := s.inst.Mark(m.Node, types.Unreachable(m.Status.Incarnation))
		s.recordTransition(m.Node, res)
	}
}

func (s *Shell) pruneTombstones() {
	for _, addr := range s.inst.PruneTombstones() {
		s.log.WithField("swim/member", string(addr)).Debug("tombstone grace elapsed, forgetting member")
	}
}

// sendPing probes target directly. origin is nil for our own periodic
// probes and set when the probe is relayed on behalf of a pingReq.
func (s *Shell) sendPing(target types.Node, origin *pingReqOrigin) {
	env := &types.Envelope{
		From:   s.tr.LocalNode(),
		SeqNo:  s.tr.NextSeqNo(),
		Gossip: s.inst.MakeGossipPayload(target),
	}
	timeout := s.inst.DynamicPingTimeout()
	started := time.Now()

	go func() {
		resp, err := s.tr.Request(target, protocol.MessageTypePing, env, timeout)
		s.post(func() {
			s.handlePingResponse(target, origin, resp, err, time.Since(started))
		})
	}()
}

// handlePingResponse lands a direct probe result back on the loop.
func (s *Shell) handlePingResponse(target types.Node, origin *pingReqOrigin, resp *transport.Response, err error, rtt time.Duration) {
	if err != nil {
		if origin != nil {
			// We probed on someone else's behalf and our own probe
			// missed: tell them and reflect the miss in our health.
			s.inst.AdjustHealth(swim.EventProbeWithMissedNack)
			s.observeProbe("missed_nack", rtt)
			s.sendNack(*origin, target)
			return
		}
		s.inst.AdjustHealth(swim.EventFailedProbe)
		s.observeProbe("timeout", rtt)
		s.log.WithFields(logrus.Fields{
			"swim/target":         target.String(),
			"swim/protocolPeriod": s.inst.ProtocolPeriod(),
		}).Debug("direct probe timed out, starting indirect probes")
		s.sendPingRequests(target)
		return
	}

	if !resp.IsAck() {
		// A nack answers a pingReq relay; for a direct probe it carries
		// no membership information.
		return
	}

	s.processGossipPayload(resp.Envelope.Gossip)

	// Prefer the responder's self-identification: it carries the UID a
	// monitor-admitted member was missing.
	node := target
	if resp.Envelope.From.SameAddress(target) {
		node = resp.Envelope.From
	}
	res := s.inst.Mark(node, types.Alive(resp.Envelope.Incarnation))
	s.recordTransition(node, res)

	if origin != nil {
		s.forwardAck(*origin, target, resp.Envelope.Incarnation)
		return
	}
	s.inst.AdjustHealth(swim.EventSuccessfulProbe)
	s.observeProbe("ack", rtt)
}

// sendPingRequests fans a probe of target out to k helpers after a direct
// timeout.
func (s *Shell) sendPingRequests(target types.Node) {
	if !s.inst.IsMember(target) {
		return
	}

	helpers := s.inst.MembersToPingRequest(target)
	if len(helpers) == 0 {
		// Nobody can vouch for the target; suspect it directly.
		if status, ok := s.inst.Status(target); ok && !status.IsDead() && !status.IsUnreachable() {
			res := s.inst.Mark(target, s.inst.MakeSuspicion(status.Incarnation))
			s.recordTransition(target, res)
		}
		return
	}

	timeout := s.inst.DynamicPingTimeout()
	type relayed struct {
		env    *types.Envelope
		helper types.Node
	}
	relays := make([]relayed, 0, len(helpers))
	for _, helper := range helpers {
		relays = append(relays, relayed{
			helper: helper.Node,
			env: &types.Envelope{
				From:   s.tr.LocalNode(),
				SeqNo:  s.tr.NextSeqNo(),
				Target: target,
				Gossip: s.inst.MakeGossipPayload(helper.Node),
			},
		})
	}

	go func() {
		type outcome struct {
			resp *transport.Response
			err  error
		}
		results := make(chan outcome, len(relays))
		for _, r := range relays {
			r := r
			go func() {
				resp, err := s.tr.Request(r.helper, protocol.MessageTypePingReq, r.env, timeout)
				results <- outcome{resp: resp, err: err}
			}()
		}

		// The aggregate resolves on the first ack; nacks and errors are
		// collected until every helper has answered or timed out.
		var sawNack bool
		agg := swim.IndirectResult{Timeout: true}
		for range relays {
			out := <-results
			if out.err != nil {
				continue
			}
			if out.resp.IsAck() {
				agg = swim.IndirectResult{
					Incarnation: out.resp.Envelope.Incarnation,
					Payload:     out.resp.Envelope.Gossip,
				}
				break
			}
			sawNack = true
		}
		if agg.Timeout && sawNack {
			agg = swim.IndirectResult{Nack: true}
		}

		s.post(func() { s.handlePingRequestResult(target, agg) })
	}()
}

// handlePingRequestResult delegates the aggregated indirect outcome to the
// instance.
func (s *Shell) handlePingRequestResult(target types.Node, result swim.IndirectResult) {
	outcome := s.inst.OnPingRequestResponse(result, target)
	switch outcome.Kind {
	case swim.IndirectAlive:
		s.processGossipPayload(outcome.Payload)
		res := s.inst.Mark(target, types.Alive(outcome.Incarnation))
		s.recordTransition(target, res)

	case swim.IndirectNewlySuspect:
		if m, ok := s.inst.Member(target); ok {
			s.log.WithFields(logrus.Fields{
				"swim/suspect":          target.String(),
				"swim/suspectedBy":      len(m.Status.SuspectedBy),
				"swim/suspicionTimeout": s.inst.SuspicionTimeout(len(m.Status.SuspectedBy)).String(),
				"swim/protocolPeriod":   s.inst.ProtocolPeriod(),
			}).Info("member did not answer direct or indirect probes, now suspect")
		}

	case swim.IndirectNackReceived:
		s.log.WithField("swim/target", target.String()).Trace("helpers answered with nacks, target stays as-is")

	case swim.IndirectIgnored:
	}
}

func (s *Shell) forwardAck(origin pingReqOrigin, target types.Node, incarnation uint64) {
	err := s.tr.Send(origin.node, protocol.MessageTypeAck, &types.Envelope{
		From:        s.tr.LocalNode(),
		SeqNo:       origin.seqNo,
		Target:      target,
		Incarnation: incarnation,
		Gossip:      s.inst.MakeGossipPayload(origin.node),
	})
	if err != nil {
		s.log.WithError(err).WithField("swim/target", origin.node.String()).Debug("failed to forward ack")
	}
}

func (s *Shell) sendNack(origin pingReqOrigin, target types.Node) {
	err := s.tr.Send(origin.node, protocol.MessageTypeNack, &types.Envelope{
		From:   s.tr.LocalNode(),
		SeqNo:  origin.seqNo,
		Target: target,
	})
	if err != nil {
		s.log.WithError(err).WithField("swim/target", origin.node.String()).Debug("failed to send nack")
	}
}

// onInbound runs on the transport's read goroutine and hops onto the loop.
func (s *Shell) onInbound(msg *transport.InboundMessage) {
	s.post(func() { s.handleInbound(msg) })
}

func (s *Shell) handleInbound(msg *transport.InboundMessage) {
	switch msg.Type {
	case protocol.MessageTypePing:
		s.handlePing(msg.Envelope)
	case protocol.MessageTypePingReq:
		s.handlePingReq(msg.Envelope)
	default:
		s.log.WithField("swim/messageType", msg.Type.String()).Debug("unexpected inbound message type")
	}
}

func (s *Shell) handlePing(env *types.Envelope) {
	s.processGossipPayload(env.Gossip)

	// The pinger proves its own liveness; admit it if unknown.
	if !env.From.SameAddress(s.tr.LocalNode()) && !s.inst.IsMember(env.From) {
		s.admit(env.From, types.Alive(0))
	}

	ack := s.inst.OnPing(env.From)
	err := s.tr.Send(env.From, protocol.MessageTypeAck, &types.Envelope{
		From:        s.tr.LocalNode(),
		SeqNo:       env.SeqNo,
		Target:      s.tr.LocalNode(),
		Incarnation: ack.Incarnation,
		Gossip:      ack.Payload,
	})
	if err != nil {
		s.log.WithError(err).WithField("swim/target", env.From.String()).Debug("failed to ack ping")
	}
}

func (s *Shell) handlePingReq(env *types.Envelope) {
	s.processGossipPayload(env.Gossip)
	if env.Target.IsZero() {
		s.log.Warn("pingReq without target dropped")
		return
	}
	s.sendPing(env.Target, &pingReqOrigin{node: env.From, seqNo: env.SeqNo})
}

// processGossipPayload folds every piggybacked fact into the instance and
// reacts to the returned directives.
func (s *Shell) processGossipPayload(payload types.GossipPayload) {
	if payload.IsNone() {
		return
	}
	for _, entry := range payload.Entries {
		directive := s.inst.OnGossipPayload(entry)
		s.applyGossipDirective(entry, directive)
	}
}

func (s *Shell) applyGossipDirective(entry types.GossipEntry, directive swim.GossipDirective) {
	switch directive.Kind {
	case swim.GossipConnect:
		node := directive.Node
		s.withEnsuredAssociation(node, func(resolved types.Node, err error) {
			if err == nil && s.tombstones != nil {
				if dead, lookupErr := s.tombstones.Contains(resolved); lookupErr == nil && dead {
					s.log.WithField("swim/member", resolved.String()).Warn("refusing to admit tombstoned node identity")
					return
				}
			}
			res := directive.Continue(resolved, err)
			if res.Kind == swim.GossipApplied {
				s.recordTransition(resolved, res.Result)
				return
			}
			s.logIgnored(entry, res)
		})

	case swim.GossipApplied:
		s.recordTransition(entry.Node, directive.Result)
		if s.inst.LocalDeclaredDead() && entry.Node.SameAddress(s.tr.LocalNode()) {
			s.log.Error("the cluster has declared this node dead; probes will keep reporting it dead")
		}

	case swim.GossipIgnored:
		s.logIgnored(entry, directive)
		if directive.Level == swim.LevelWarn && entry.Node.SameAddress(s.tr.LocalNode()) && s.inst.LocalDeclaredDead() {
			s.log.Error("the cluster has declared this node dead; probes will keep reporting it dead")
		}
	}
}

func (s *Shell) logIgnored(entry types.GossipEntry, directive swim.GossipDirective) {
	logger := s.log.WithFields(logrus.Fields{
		"swim/member": entry.Node.String(),
		"swim/status": entry.Status.String(),
	})
	switch directive.Level {
	case swim.LevelWarn:
		logger.Warn(directive.Message)
	case swim.LevelDebug:
		logger.Debug(directive.Message)
	default:
		logger.Trace(directive.Message)
	}
}

// withEnsuredAssociation makes sure the transport can address the node
// before the callback runs. Associations over UDP need no handshake, so
// any non-zero node resolves immediately; the callback shape stays so a
// connected transport can slot in later.
func (s *Shell) withEnsuredAssociation(node types.Node, fn func(types.Node, error)) {
	if node.IsZero() {
		fn(node, types.ErrAssociationError(node, nil))
		return
	}
	fn(node, nil)
}

// admit adds a previously unknown member, refusing identities that are
// tombstoned.
func (s *Shell) admit(node types.Node, status types.Status) {
	if s.tombstones != nil {
		if dead, err := s.tombstones.Contains(node); err != nil {
			s.log.WithError(err).Warn("tombstone lookup failed, admitting member anyway")
		} else if dead {
			s.log.WithField("swim/member", node.String()).Warn("refusing to admit tombstoned node identity")
			return
		}
	}
	res := s.inst.AddMember(node, status)
	s.recordTransition(node, res)
}

// handleMonitor begins monitoring a node on behalf of the cluster layer.
func (s *Shell) handleMonitor(node types.Node) {
	// Compare by address: a monitor request for ourselves under a stale
	// UID is still ourselves.
	if node.SameAddress(s.tr.LocalNode()) {
		return
	}
	if s.inst.IsMember(node) {
		return
	}

	s.withEnsuredAssociation(node, func(resolved types.Node, err error) {
		if err != nil {
			s.log.WithError(err).WithField("swim/member", node.String()).Warn("cannot associate with node to monitor")
			return
		}
		s.admit(resolved, types.Alive(0))
		if s.inst.IsMember(resolved) {
			s.sendPing(resolved, nil)
		}
	})
}

// handleConfirmDead applies a forced death declaration from the cluster
// layer.
func (s *Shell) handleConfirmDead(node types.Node) {
	member, ok := s.inst.Member(node)
	if !ok {
		s.log.WithField("swim/member", node.String()).Warn("confirmDead for unknown member")
		return
	}
	if member.Status.IsDead() {
		return
	}

	res := s.inst.Mark(member.Node, types.Dead())
	if !res.Applied {
		// Dead is the top of the status order; a refused dead mark means
		// the table is corrupt.
		violation := types.ErrInvariantViolation("mark dead was refused for a non-dead member")
		if s.cfg.Logging.StrictInvariants {
			s.log.WithError(violation).Fatal("membership invariant violated")
		}
		s.log.WithError(violation).Error("membership invariant violated")
		return
	}
	s.recordTransition(member.Node, res)
}

// recordTransition persists tombstones and announces reachability changes
// for an applied mark.
func (s *Shell) recordTransition(node types.Node, res swim.MarkResult) {
	if !res.Applied {
		return
	}
	if res.Current.IsDead() && s.tombstones != nil {
		if err := s.tombstones.Put(node); err != nil {
			s.log.WithError(err).WithField("swim/member", node.String()).Warn("failed to persist tombstone")
		}
	}
	s.tryAnnounceMemberReachability(node, res)
}

// tryAnnounceMemberReachability emits exactly one event per crossing of
// the reachable/unreachable boundary.
func (s *Shell) tryAnnounceMemberReachability(node types.Node, res swim.MarkResult) {
	if !res.ReachabilityChanged() {
		return
	}

	event := ReachabilityEvent{
		Node:         node,
		Reachability: res.Current.Reachability(),
		Status:       res.Current,
		ObservedAt:   s.inst.Now(),
	}
	s.log.WithFields(logrus.Fields{
		"swim/member":         node.String(),
		"swim/reachability":   event.Reachability.String(),
		"swim/status":         res.Current.String(),
		"swim/protocolPeriod": s.inst.ProtocolPeriod(),
	}).Info("member reachability changed")

	if s.observer != nil {
		s.observer.ReachabilityChanged(event.Reachability)
	}

	s.subsMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
	s.subsMu.Unlock()
}

func (s *Shell) observeProbe(result string, rtt time.Duration) {
	if s.observer != nil {
		s.observer.ObserveProbe(result, rtt)
	}
}

func (s *Shell) refreshObserver() {
	if s.observer == nil {
		return
	}
	s.observer.SetHealth(s.inst.Health())
	counts := map[string]int{"alive": 0, "suspect": 0, "unreachable": 0, "dead": 0}
	for _, m := range s.inst.AllMembers() {
		counts[m.Status.State.String()]++
	}
	for state, count := range counts {
		s.observer.SetMemberCount(state, count)
	}
}
