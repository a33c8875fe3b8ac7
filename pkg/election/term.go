package election

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"k8s.io/klog/v2"

	"github.com/htafolla/strray-coordinator/pkg/breaker"
	"github.com/htafolla/strray-coordinator/pkg/config"
	"github.com/htafolla/strray-coordinator/pkg/store"
)

const (
	electionChannel = "events:election"
	leaderKey       = "election:leader"

	msgVoteRequest  = "vote-request"
	msgVoteResponse = "vote-response"

	// storeTarget names the breaker guarding election store traffic.
	storeTarget = "election-store"
)

// ErrNoQuorum is returned by Elect when a strict majority of known
// instances could not be gathered and self-election is disabled.
var ErrNoQuorum = errors.New("no quorum for leader election")

// ErrNoLeader is returned by Leader when no instance is currently
// recognized as leader.
var ErrNoLeader = errors.New("no leader elected")

type role int

const (
	follower role = iota
	candidate
	leader
)

// message is the vote traffic exchanged over the store's pub/sub.
type message struct {
	Type      string `json:"type"`
	Term      int64  `json:"term"`
	From      string `json:"from"`
	Candidate string `json:"candidate,omitempty"`
	Granted   bool   `json:"granted,omitempty"`
}

// leaderRecord is the assertion a leader periodically refreshes so
// followers do not time out.
type leaderRecord struct {
	LeaderID  string `json:"leaderId"`
	Term      int64  `json:"term"`
	Timestamp int64  `json:"timestamp"`
}

// TermStrategy elects a single coordinator with a simplified term-based
// voting protocol over the replicated state store. It is not a full
// consensus implementation: there is no replicated log, only the guarantee
// that within one term at most one instance gathers a majority.
type TermStrategy struct {
	store    *store.Store
	breakers *breaker.Registry
	cfg      config.ElectionConfig
	clock    clock.Clock
	rand     *rand.Rand

	mu       sync.RWMutex
	role     role
	term     int64
	leaderID string

	msgCh      chan message
	forceCh    chan chan forcedResult
	leaderSeen chan struct{}

	cancel    context.CancelFunc
	stopSub   func()
	stopWatch func()
	done      chan struct{}
}

type forcedResult struct {
	leaderID string
	err      error
}

// NewTermStrategy creates the strategy. Store calls are guarded by the
// given breaker registry.
func NewTermStrategy(st *store.Store, br *breaker.Registry, cfg config.ElectionConfig, c clock.Clock) *TermStrategy {
	if c == nil {
		c = clock.New()
	}
	return &TermStrategy{
		store:      st,
		breakers:   br,
		cfg:        cfg,
		clock:      c,
		rand:       rand.New(rand.NewSource(c.Now().UnixNano())),
		msgCh:      make(chan message, 64),
		forceCh:    make(chan chan forcedResult),
		leaderSeen: make(chan struct{}, 1),
	}
}

// Start begins following: listening for vote traffic and leader
// assertions, campaigning when no leader is heard from.
func (s *TermStrategy) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	msgs, stopSub, err := s.store.SubscribeEvents(ctx, electionChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to election channel: %w", err)
	}
	s.stopSub = stopSub

	go func() {
		for payload := range msgs {
			var m message
			if err := json.Unmarshal(payload, &m); err != nil {
				klog.V(2).InfoS("Dropping malformed election message", "error", err)
				continue
			}
			if m.From == s.store.InstanceID() {
				continue
			}
			select {
			case s.msgCh <- m:
			default:
				klog.V(2).InfoS("Election message queue full, dropping", "type", m.Type)
			}
		}
	}()

	// A leader assertion from any peer resets the follower timeout.
	s.stopWatch = s.store.Watch(leaderKey, func(n store.Notification) {
		var rec leaderRecord
		if err := json.Unmarshal(n.Value, &rec); err != nil {
			return
		}
		s.observeLeader(rec)
	})

	s.done = make(chan struct{})
	go s.run(ctx)

	klog.InfoS("Started term election strategy", "instance", s.store.InstanceID())
	return nil
}

// Stop halts election activity.
func (s *TermStrategy) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.stopWatch != nil {
		s.stopWatch()
	}
	if s.stopSub != nil {
		s.stopSub()
	}
	if s.done != nil {
		<-s.done
	}
	return nil
}

func (s *TermStrategy) Name() string { return "term" }

// IsLeader reports this instance's current belief about its own role.
func (s *TermStrategy) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role == leader
}

// Leader returns the currently recognized leader id.
func (s *TermStrategy) Leader() (string, error) {
	s.mu.RLock()
	id := s.leaderID
	s.mu.RUnlock()
	if id != "" {
		return id, nil
	}

	var rec leaderRecord
	ctx, cancel := s.clock.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.GetJSON(ctx, leaderKey, &rec); err != nil {
		return "", ErrNoLeader
	}
	s.observeLeader(rec)
	return rec.LeaderID, nil
}

// Elect forces a new election cycle and blocks until it resolves. Without
// quorum it fails with ErrNoQuorum unless self-election is configured, in
// which case this instance claims leadership and the split-leader risk
// documented in the config applies.
func (s *TermStrategy) Elect(ctx context.Context) (string, error) {
	reply := make(chan forcedResult, 1)
	select {
	case s.forceCh <- reply:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case res := <-reply:
		return res.leaderID, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// run is the single goroutine that owns role transitions.
func (s *TermStrategy) run(ctx context.Context) {
	defer close(s.done)
	for ctx.Err() == nil {
		if s.IsLeader() {
			s.runLeader(ctx)
		} else {
			s.runFollower(ctx)
		}
	}
}

// runFollower waits for leader assertions; when none arrive inside the
// randomized election timeout, it campaigns.
func (s *TermStrategy) runFollower(ctx context.Context) {
	timer := s.clock.Timer(s.electionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			won, _, err := s.campaign(ctx)
			if err != nil {
				klog.V(2).InfoS("Campaign failed", "error", err)
			}
			if won {
				return
			}
			timer.Reset(s.electionTimeout())

		case <-s.leaderSeen:
			timer.Reset(s.electionTimeout())

		case m := <-s.msgCh:
			s.handleMessage(ctx, m)
			if m.Type == msgVoteRequest {
				// Someone else is campaigning; give them room.
				timer.Reset(s.electionTimeout())
			}

		case reply := <-s.forceCh:
			reply <- s.forcedCampaign(ctx)
			if s.IsLeader() {
				return
			}
			timer.Reset(s.electionTimeout())
		}
	}
}

// runLeader re-asserts the term until deposed or stopped.
func (s *TermStrategy) runLeader(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.AssertInterval)
	defer ticker.Stop()

	s.assertLeadership(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.assertLeadership(ctx)

		case m := <-s.msgCh:
			s.handleMessage(ctx, m)
			if !s.IsLeader() {
				return
			}

		case reply := <-s.forceCh:
			// Already leader; a forced election re-asserts the term.
			s.assertLeadership(ctx)
			reply <- forcedResult{leaderID: s.store.InstanceID()}
		}
	}
}

// campaign runs one voting round for the next term. Returns whether this
// instance won and how many infra errors short of quorum it was.
func (s *TermStrategy) campaign(ctx context.Context) (bool, int, error) {
	s.mu.Lock()
	s.term++
	s.role = candidate
	myTerm := s.term
	s.mu.Unlock()

	self := s.store.InstanceID()

	// Vote for ourselves first; SetNX guarantees one vote per term even if
	// a competing request arrives concurrently.
	granted, err := s.grantVote(ctx, myTerm, self)
	if err != nil {
		s.stepDown(0)
		return false, 0, err
	}

	votes := 0
	if granted {
		votes = 1
	}

	needed, err := s.quorum(ctx)
	if err != nil {
		s.stepDown(0)
		return false, 0, err
	}

	klog.V(2).InfoS("Campaigning", "instance", self, "term", myTerm, "quorum", needed)

	if err := s.store.PublishEvent(ctx, electionChannel, message{
		Type:      msgVoteRequest,
		Term:      myTerm,
		From:      self,
		Candidate: self,
	}); err != nil {
		s.stepDown(0)
		return false, 0, fmt.Errorf("failed to broadcast vote request: %w", err)
	}

	deadline := s.clock.Timer(s.cfg.TimeoutMax)
	defer deadline.Stop()

	for votes < needed {
		select {
		case <-ctx.Done():
			s.stepDown(0)
			return false, needed, ctx.Err()

		case <-deadline.C:
			s.stepDown(0)
			klog.V(2).InfoS("Campaign timed out", "term", myTerm, "votes", votes, "needed", needed)
			return false, needed, nil

		case m := <-s.msgCh:
			switch m.Type {
			case msgVoteResponse:
				if m.Term == myTerm && m.Candidate == self && m.Granted {
					votes++
				}
			case msgVoteRequest:
				s.handleVoteRequest(ctx, m)
				if s.currentTerm() > myTerm {
					// A higher term supersedes this campaign.
					s.stepDown(0)
					return false, needed, nil
				}
			}
		}
	}

	s.becomeLeader(ctx, myTerm)
	return true, needed, nil
}

// forcedCampaign backs Elect: campaign, then apply the configured
// no-quorum policy.
func (s *TermStrategy) forcedCampaign(ctx context.Context) forcedResult {
	won, _, err := s.campaign(ctx)
	if won {
		return forcedResult{leaderID: s.store.InstanceID()}
	}
	if err != nil {
		return forcedResult{err: err}
	}

	// Someone else may have won while we campaigned.
	if id, lerr := s.Leader(); lerr == nil && id != "" {
		return forcedResult{leaderID: id}
	}

	if s.cfg.AllowSelfElection {
		klog.Warning("Electing self without quorum; split leadership is possible under partition")
		s.becomeLeader(ctx, s.currentTerm())
		return forcedResult{leaderID: s.store.InstanceID()}
	}
	return forcedResult{err: ErrNoQuorum}
}

// handleMessage processes vote traffic received outside a campaign.
func (s *TermStrategy) handleMessage(ctx context.Context, m message) {
	switch m.Type {
	case msgVoteRequest:
		s.handleVoteRequest(ctx, m)
	case msgVoteResponse:
		// Stale response from an earlier campaign; nothing to do.
	}
}

// handleVoteRequest grants or denies a vote. The vote record is written
// with SetNX so an instance can never vote twice in the same term.
func (s *TermStrategy) handleVoteRequest(ctx context.Context, m message) {
	s.mu.Lock()
	if m.Term > s.term {
		if s.role == leader {
			klog.InfoS("Deposed by higher term", "ourTerm", s.term, "theirTerm", m.Term)
		}
		s.term = m.Term
		s.role = follower
		s.leaderID = ""
	}
	current := s.term
	s.mu.Unlock()

	granted := false
	if m.Term >= current {
		var err error
		granted, err = s.grantVote(ctx, m.Term, m.Candidate)
		if err != nil {
			klog.V(2).InfoS("Failed to record vote", "term", m.Term, "error", err)
			return
		}
	}

	if err := s.store.PublishEvent(ctx, electionChannel, message{
		Type:      msgVoteResponse,
		Term:      m.Term,
		From:      s.store.InstanceID(),
		Candidate: m.Candidate,
		Granted:   granted,
	}); err != nil {
		klog.V(2).InfoS("Failed to respond to vote request", "error", err)
	}
}

// grantVote records this instance's vote for candidate in term, or
// re-affirms an identical earlier vote.
func (s *TermStrategy) grantVote(ctx context.Context, term int64, candidateID string) (bool, error) {
	key := fmt.Sprintf("election:vote:%d:%s", term, s.store.InstanceID())
	ttl := 20 * s.cfg.TimeoutMax

	res := s.breakers.Execute(ctx, storeTarget, func(ctx context.Context) (interface{}, error) {
		ok, err := s.store.Backend().SetNX(ctx, key, []byte(candidateID), ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return true, nil
		}
		prior, err := s.store.Backend().Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return string(prior) == candidateID, nil
	})
	if !res.Success {
		return false, res.Err
	}
	return res.Data.(bool), nil
}

// quorum returns the strict majority of currently known instances.
func (s *TermStrategy) quorum(ctx context.Context) (int, error) {
	res := s.breakers.Execute(ctx, storeTarget, func(ctx context.Context) (interface{}, error) {
		return s.store.ActiveInstances(ctx)
	})
	if !res.Success {
		return 0, fmt.Errorf("failed to count instances: %w", res.Err)
	}

	n := len(res.Data.([]store.InstanceHealth))
	if n < 1 {
		n = 1
	}
	return n/2 + 1, nil
}

func (s *TermStrategy) becomeLeader(ctx context.Context, term int64) {
	s.mu.Lock()
	s.role = leader
	s.term = term
	s.leaderID = s.store.InstanceID()
	s.mu.Unlock()

	klog.InfoS("Won leader election", "instance", s.store.InstanceID(), "term", term)
	s.assertLeadership(ctx)
}

// assertLeadership refreshes the leader record. Losing the ability to
// write it long enough for followers to time out is how a partitioned
// leader gets replaced.
func (s *TermStrategy) assertLeadership(ctx context.Context) {
	s.mu.RLock()
	rec := leaderRecord{
		LeaderID:  s.leaderID,
		Term:      s.term,
		Timestamp: s.clock.Now().UnixMilli(),
	}
	s.mu.RUnlock()

	res := s.breakers.Execute(ctx, storeTarget, func(ctx context.Context) (interface{}, error) {
		ok, err := s.store.Set(ctx, leaderKey, rec, store.SetOptions{
			TTL:   4 * s.cfg.AssertInterval,
			Force: true,
		})
		if err != nil {
			return nil, err
		}
		return ok, nil
	})
	if !res.Success {
		klog.ErrorS(res.Err, "Failed to assert leadership", "term", rec.Term)
	}
}

// observeLeader folds a peer's assertion into local state.
func (s *TermStrategy) observeLeader(rec leaderRecord) {
	s.mu.Lock()
	if rec.Term >= s.term {
		if s.role == leader && rec.LeaderID != s.store.InstanceID() {
			klog.InfoS("Yielding to asserted leader", "leader", rec.LeaderID, "term", rec.Term)
		}
		s.term = rec.Term
		s.leaderID = rec.LeaderID
		if rec.LeaderID != s.store.InstanceID() {
			s.role = follower
		}
	}
	s.mu.Unlock()

	select {
	case s.leaderSeen <- struct{}{}:
	default:
	}
}

func (s *TermStrategy) currentTerm() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.term
}

func (s *TermStrategy) stepDown(term int64) {
	s.mu.Lock()
	s.role = follower
	if term > s.term {
		s.term = term
	}
	s.mu.Unlock()
}

// electionTimeout returns a randomized duration in [TimeoutMin, TimeoutMax)
// to reduce split votes.
func (s *TermStrategy) electionTimeout() time.Duration {
	span := s.cfg.TimeoutMax - s.cfg.TimeoutMin
	if span <= 0 {
		return s.cfg.TimeoutMin
	}
	s.mu.Lock()
	jitter := time.Duration(s.rand.Int63n(int64(span)))
	s.mu.Unlock()
	return s.cfg.TimeoutMin + jitter
}
