package swim

import (
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/meftunca/lifeguard/pkg/config"
	"github.com/meftunca/lifeguard/pkg/types"
)

// LogLevel is the severity the instance suggests for an ignored gossip
// fact. The instance itself never logs; the shell decides what to do with
// the suggestion.
type LogLevel uint8

const (
	LevelTrace LogLevel = iota
	LevelDebug
	LevelWarn
)

// MarkResult reports the outcome of merging a status into the table.
type MarkResult struct {
	// Applied is false when the incoming status was older than the
	// current one.
	Applied bool

	// Previous is nil when the mark created the member.
	Previous *types.Status

	// Current is the post-merge status.
	Current types.Status
}

// ReachabilityChanged reports whether the merge crossed the
// reachable/unreachable boundary.
func (r MarkResult) ReachabilityChanged() bool {
	if !r.Applied {
		return false
	}
	if r.Previous == nil {
		return r.Current.Reachability() == types.ReachabilityUnreachable
	}
	return r.Previous.Reachability() != r.Current.Reachability()
}

// GossipDirectiveKind discriminates the directives returned by
// OnGossipPayload.
type GossipDirectiveKind uint8

const (
	// GossipConnect asks the shell to ensure a transport association
	// before the fact is applied.
	GossipConnect GossipDirectiveKind = iota

	// GossipApplied reports a merged change.
	GossipApplied

	// GossipIgnored reports a fact that produced no change.
	GossipIgnored
)

// GossipDirective is the instance's answer to a single gossip fact.
type GossipDirective struct {
	Kind GossipDirectiveKind

	// Node is the association target for GossipConnect.
	Node types.Node

	// Continue finishes applying the fact once the shell has ensured the
	// association. Only set for GossipConnect.
	Continue func(resolved types.Node, err error) GossipDirective

	// Result carries the merge outcome for GossipApplied.
	Result MarkResult

	// Level and Message describe a GossipIgnored fact.
	Level   LogLevel
	Message string
}

func gossipIgnored(level LogLevel, message string) GossipDirective {
	return GossipDirective{Kind: GossipIgnored, Level: level, Message: message}
}

// Ack is the instance's reply to an incoming ping.
type Ack struct {
	Incarnation uint64
	Payload     types.GossipPayload
}

// IndirectResult is the aggregated outcome of an indirect probe round.
type IndirectResult struct {
	// Timeout is set when no helper produced an ack in time.
	Timeout bool

	// Nack is set when helpers answered but none could reach the target.
	Nack bool

	// Incarnation and Payload are meaningful on success.
	Incarnation uint64
	Payload     types.GossipPayload
}

// IndirectOutcomeKind discriminates OnPingRequestResponse results.
type IndirectOutcomeKind uint8

const (
	IndirectAlive IndirectOutcomeKind = iota
	IndirectNewlySuspect
	IndirectNackReceived
	IndirectIgnored
)

// IndirectOutcome is the instance's reaction to an indirect probe round.
type IndirectOutcome struct {
	Kind        IndirectOutcomeKind
	Incarnation uint64
	Payload     types.GossipPayload
}

// Instance is the pure SWIM state machine. It owns the membership table,
// the gossip dissemination state and the local health multiplier. Every
// operation is deterministic given the instance state and its inputs; the
// instance performs no I/O and reads time only through the injected clock.
//
// The instance is not safe for concurrent use. The shell serializes all
// access on its event loop.
type Instance struct {
	cfg   config.SwimConfig
	clock Clock
	rng   *rand.Rand

	localNode   types.Node
	incarnation uint64

	table  *memberTable
	gossip *disseminator
	health *HealthMultiplier

	protocolPeriod    uint64
	localDeclaredDead bool
}

// NewInstance creates an instance for the given local node. The local node
// is immediately a member with status alive(0).
func NewInstance(localNode types.Node, cfg config.SwimConfig, clock Clock, sizer PayloadSizer) *Instance {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	inst := &Instance{
		cfg:       cfg,
		clock:     clock,
		rng:       rng,
		localNode: localNode,
		table:     newMemberTable(localNode, rng, clock, cfg.TombstoneTTL),
		gossip:    newDisseminator(cfg.RetransmitMult, cfg.MaxGossipBytes, cfg.MaxGossipFacts, sizer),
		health:    NewHealthMultiplier(cfg.LHMMax),
	}

	inst.table.add(&Member{Node: localNode, Status: types.Alive(0)})
	return inst
}

// LocalNode returns the node the instance runs on.
func (i *Instance) LocalNode() types.Node {
	return i.localNode
}

// Incarnation returns the local incarnation number.
func (i *Instance) Incarnation() uint64 {
	return i.incarnation
}

// LocalDeclaredDead reports whether the cluster has declared this node
// dead. The local table still shows the node alive; the shell surfaces the
// condition.
func (i *Instance) LocalDeclaredDead() bool {
	return i.localDeclaredDead
}

// OnPing answers an incoming ping with the local incarnation and a gossip
// payload aimed at the caller.
func (i *Instance) OnPing(from types.Node) Ack {
	return Ack{
		Incarnation: i.incarnation,
		Payload:     i.MakeGossipPayload(from),
	}
}

// OnPingRequestResponse digests the aggregated result of an indirect probe
// round for pinged.
func (i *Instance) OnPingRequestResponse(result IndirectResult, pinged types.Node) IndirectOutcome {
	if result.Nack {
		return IndirectOutcome{Kind: IndirectNackReceived}
	}
	if !result.Timeout {
		return IndirectOutcome{
			Kind:        IndirectAlive,
			Incarnation: result.Incarnation,
			Payload:     result.Payload,
		}
	}

	// Every helper timed out alongside the direct probe. Move the target
	// toward suspect at its last known incarnation.
	member := i.table.get(pinged.Addr())
	if member == nil || member.Status.IsDead() || member.Status.IsUnreachable() {
		return IndirectOutcome{Kind: IndirectIgnored}
	}
	if member.Status.IsSuspect() && member.Status.SuspectedByContains(i.localNode) {
		return IndirectOutcome{Kind: IndirectIgnored}
	}

	res := i.Mark(member.Node, i.MakeSuspicion(member.Status.Incarnation))
	if !res.Applied {
		return IndirectOutcome{Kind: IndirectIgnored}
	}
	return IndirectOutcome{Kind: IndirectNewlySuspect}
}

// MakeSuspicion builds a suspect status at the given incarnation with the
// local node as the sole suspecter.
func (i *Instance) MakeSuspicion(incarnation uint64) types.Status {
	return types.Suspect(incarnation, i.localNode)
}

// Mark merges a status into an existing member. Unknown nodes are ignored;
// use AddMember to create them.
func (i *Instance) Mark(node types.Node, status types.Status) MarkResult {
	return i.apply(node, status, false)
}

// AddMember creates the member if absent and merges the status.
func (i *Instance) AddMember(node types.Node, status types.Status) MarkResult {
	return i.apply(node, status, true)
}

func (i *Instance) apply(node types.Node, status types.Status, createIfAbsent bool) MarkResult {
	addr := node.Addr()
	member := i.table.get(addr)

	if member == nil {
		if !createIfAbsent {
			return MarkResult{Applied: false}
		}
		// Members are born alive(0); the incoming fact merges on top.
		born, _ := types.Alive(0).Merge(status)
		member = &Member{Node: node, Status: born}
		member.LastUpdatedPeriod = i.protocolPeriod
		if status.IsSuspect() {
			member.SuspicionStartedAt = i.clock.Now()
		}
		i.table.add(member)
		if status.IsDead() {
			i.table.markDead(addr)
		}
		i.gossip.enqueue(node, member.Status)
		return MarkResult{Applied: true, Current: member.Status}
	}

	// A member admitted by address alone learns its UID from the first
	// message that carries it.
	if member.Node.UID == uuid.Nil && node.UID != uuid.Nil {
		member.Node = node
	}

	previous := member.Status
	merged, changed := previous.Merge(status)
	if !changed {
		prev := previous
		return MarkResult{Applied: false, Previous: &prev, Current: previous}
	}

	member.Status = merged
	member.LastUpdatedPeriod = i.protocolPeriod
	if merged.IsSuspect() && !previous.IsSuspect() {
		member.SuspicionStartedAt = i.clock.Now()
	}
	if !merged.IsSuspect() {
		member.SuspicionStartedAt = time.Time{}
	}
	if merged.IsDead() {
		i.table.markDead(addr)
	}
	i.gossip.enqueue(member.Node, merged)

	prev := previous
	return MarkResult{Applied: true, Previous: &prev, Current: merged}
}

// Status returns the member's current status.
func (i *Instance) Status(node types.Node) (types.Status, bool) {
	if m := i.table.get(node.Addr()); m != nil {
		return m.Status, true
	}
	return types.Status{}, false
}

// IsMember reports whether the node is known to the table.
func (i *Instance) IsMember(node types.Node) bool {
	return i.table.get(node.Addr()) != nil
}

// Member returns a copy of the member for the node.
func (i *Instance) Member(node types.Node) (Member, bool) {
	if m := i.table.get(node.Addr()); m != nil {
		return m.Copy(), true
	}
	return Member{}, false
}

// NextMemberToPing returns the next probe target per the shuffled
// round-robin, or false when no eligible member exists.
func (i *Instance) NextMemberToPing() (Member, bool) {
	if m := i.table.nextToPing(); m != nil {
		return m.Copy(), true
	}
	return Member{}, false
}

// MembersToPingRequest picks up to indirect_checks helper members for an
// indirect probe of target, excluding target and the local node.
func (i *Instance) MembersToPingRequest(target types.Node) []Member {
	picked := i.table.kRandom(i.cfg.IndirectChecks, target.Addr())
	out := make([]Member, 0, len(picked))
	for _, m := range picked {
		out = append(out, m.Copy())
	}
	return out
}

// MakeGossipPayload builds a payload for the recipient, bounded by the
// configured byte and fact budgets.
func (i *Instance) MakeGossipPayload(to types.Node) types.GossipPayload {
	return i.gossip.makePayload(i.localNode, to, i.table.countLiveish())
}

// OnGossipPayload processes one incoming membership fact.
func (i *Instance) OnGossipPayload(entry types.GossipEntry) GossipDirective {
	if entry.Node.SameAddress(i.localNode) {
		return i.onLocalGossip(entry.Status)
	}

	if member := i.table.get(entry.Node.Addr()); member != nil {
		res := i.Mark(entry.Node, entry.Status)
		if !res.Applied {
			return gossipIgnored(LevelTrace, "gossip fact older than local state")
		}
		return GossipDirective{Kind: GossipApplied, Result: res}
	}

	if entry.Status.IsDead() {
		// A tombstone for a node we never met. Record it so the node
		// cannot be admitted later under the same identity.
		res := i.AddMember(entry.Node, entry.Status)
		return GossipDirective{Kind: GossipApplied, Result: res}
	}

	// Unknown member: the shell must ensure a transport association
	// before the fact lands in the table.
	node := entry.Node
	status := entry.Status
	return GossipDirective{
		Kind: GossipConnect,
		Node: node,
		Continue: func(resolved types.Node, err error) GossipDirective {
			if err != nil {
				return gossipIgnored(LevelWarn, "association failed, member not added")
			}
			res := i.AddMember(resolved, status)
			if !res.Applied {
				return gossipIgnored(LevelTrace, "gossip fact older than local state")
			}
			return GossipDirective{Kind: GossipApplied, Result: res}
		},
	}
}

// onLocalGossip handles facts about the local node. Suspicion and
// unreachability are refuted by bumping the incarnation; a dead claim is
// accepted as the cluster's verdict.
func (i *Instance) onLocalGossip(status types.Status) GossipDirective {
	switch status.State {
	case types.StateSuspect, types.StateUnreachable:
		if status.Incarnation < i.incarnation {
			return gossipIgnored(LevelTrace, "stale suspicion about local node already refuted")
		}
		i.refute(status.Incarnation)
		local := i.table.get(i.localNode.Addr())
		cur := local.Status
		return GossipDirective{Kind: GossipApplied, Result: MarkResult{Applied: true, Current: cur}}

	case types.StateDead:
		i.localDeclaredDead = true
		return gossipIgnored(LevelWarn, "local node declared dead by the cluster")

	default:
		return gossipIgnored(LevelTrace, "gossip about local node carries no new information")
	}
}

// refute bumps the local incarnation above the offending one and queues
// the refutation with dissemination priority.
func (i *Instance) refute(offending uint64) {
	next := i.incarnation
	if offending > next {
		next = offending
	}
	next++

	i.incarnation = next
	local := i.table.get(i.localNode.Addr())
	local.Status = types.Alive(next)
	local.LastUpdatedPeriod = i.protocolPeriod
	i.gossip.enqueue(i.localNode, local.Status)
	i.health.Observe(EventRefutedSuspicion)
}

// SuspicionTimeout computes the lifeguard suspicion window for a member
// with the given number of independent suspecters. The first suspecter
// opens the full window; each further confirmation shrinks it toward the
// configured minimum:
//
//	timeout = max(min, max * (1 - log(c+1)/log(cap+1)))
//
// where c is the number of confirmations beyond the initial suspecter,
// capped at suspicion_max_independent_suspicions.
func (i *Instance) SuspicionTimeout(suspectedByCount int) time.Duration {
	minT := i.cfg.MinSuspicionTimeout()
	maxT := i.cfg.MaxSuspicionTimeout()

	confirmations := suspectedByCount - 1
	if confirmations < 0 {
		confirmations = 0
	}
	if confirmations > i.cfg.MaxIndependentSuspicions {
		confirmations = i.cfg.MaxIndependentSuspicions
	}

	frac := math.Log(float64(confirmations)+1) / math.Log(float64(i.cfg.MaxIndependentSuspicions)+1)
	timeout := time.Duration(float64(maxT) * (1 - frac))
	if timeout < minT {
		timeout = minT
	}
	return timeout
}

// SuspicionDeadline returns the instant a suspect member escalates to
// unreachable.
func (i *Instance) SuspicionDeadline(m Member) time.Time {
	return m.SuspicionStartedAt.Add(i.SuspicionTimeout(len(m.Status.SuspectedBy)))
}

// IsExpired reports whether the deadline has passed on the instance clock.
func (i *Instance) IsExpired(deadline time.Time) bool {
	return !i.clock.Now().Before(deadline)
}

// Now exposes the instance clock.
func (i *Instance) Now() time.Time {
	return i.clock.Now()
}

// Suspects returns copies of all members currently under suspicion.
func (i *Instance) Suspects() []Member {
	ms := i.table.suspects()
	out := make([]Member, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Copy())
	}
	return out
}

// AllMembers returns copies of every member, tombstones included.
func (i *Instance) AllMembers() []Member {
	ms := i.table.all()
	out := make([]Member, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Copy())
	}
	return out
}

// Snapshot returns the node-to-status view for the testing interface.
func (i *Instance) Snapshot() map[types.NodeAddr]types.Status {
	out := make(map[types.NodeAddr]types.Status, len(i.table.members))
	for addr, m := range i.table.members {
		out[addr] = m.Status
	}
	return out
}

// IncrementProtocolPeriod advances the protocol period counter.
func (i *Instance) IncrementProtocolPeriod() {
	i.protocolPeriod++
}

// ProtocolPeriod returns the current protocol period.
func (i *Instance) ProtocolPeriod() uint64 {
	return i.protocolPeriod
}

// AdjustHealth applies a local health event.
func (i *Instance) AdjustHealth(event HealthEvent) {
	i.health.Observe(event)
}

// Health returns the current local health multiplier.
func (i *Instance) Health() int {
	return i.health.Score()
}

// ProbeInterval returns the unscaled probe interval.
func (i *Instance) ProbeInterval() time.Duration {
	return i.cfg.ProbeInterval
}

// DynamicProtocolInterval returns the probe interval scaled by the local
// health multiplier.
func (i *Instance) DynamicProtocolInterval() time.Duration {
	return i.health.Scale(i.cfg.ProbeInterval)
}

// DynamicPingTimeout returns the ping timeout scaled by the local health
// multiplier.
func (i *Instance) DynamicPingTimeout() time.Duration {
	return i.health.Scale(i.cfg.PingTimeout)
}

// PruneTombstones drops dead members past the tombstone grace period and
// returns their addresses.
func (i *Instance) PruneTombstones() []types.NodeAddr {
	return i.table.pruneTombstones()
}

// PendingGossip returns the number of facts queued for dissemination.
func (i *Instance) PendingGossip() int {
	return i.gossip.pending()
}
