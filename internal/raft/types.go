// Package raft implements the Follower/Candidate/Leader consensus state
// machine: term and vote bookkeeping, randomized election, AppendEntries
// log replication, commit-index advancement, and the ProposeEntry entry
// point leaders use to grow the log.
package raft

import (
	"context"
	"time"

	"github.com/ReshiAdavan/raftcoordinator/internal/store"
)

// Role is one of the three Raft roles (spec.md §3).
type Role int32

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// RequestVoteArgs is the candidate's vote solicitation (spec.md §4.3.3).
type RequestVoteArgs struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidateId"`
	LastLogIndex uint64 `json:"lastLogIndex"`
	LastLogTerm  uint64 `json:"lastLogTerm"`
}

// RequestVoteReply is a voter's response.
type RequestVoteReply struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"voteGranted"`
}

// AppendEntriesArgs carries both heartbeats (Entries == nil) and log
// replication (spec.md §4.3.4).
type AppendEntriesArgs struct {
	Term         uint64           `json:"term"`
	LeaderID     string           `json:"leaderId"`
	PrevLogIndex uint64           `json:"prevLogIndex"`
	PrevLogTerm  uint64           `json:"prevLogTerm"`
	Entries      []store.LogEntry `json:"entries"`
	LeaderCommit uint64           `json:"leaderCommit"`
}

// AppendEntriesReply is a follower's response, with a conflict hint in
// LastLogIndex when Success is false.
type AppendEntriesReply struct {
	Term         uint64 `json:"term"`
	Success      bool   `json:"success"`
	LastLogIndex uint64 `json:"lastLogIndex"`
}

// Transport is everything Node needs from the network layer. The
// production implementation is transportAdapter, wrapping
// internal/transport.Client; tests supply in-memory fakes.
type Transport interface {
	RequestVote(ctx context.Context, addr string, args RequestVoteArgs, timeout time.Duration) (RequestVoteReply, error)
	AppendEntries(ctx context.Context, addr string, args AppendEntriesArgs, timeout time.Duration) (AppendEntriesReply, error)
}

// Metrics is the subset of internal/telemetry.Metrics that Node reports
// to. Kept as an interface so tests don't need a real Prometheus registry.
type Metrics interface {
	SetTerm(uint64)
	SetLeader(bool)
	SetLogLength(int)
	SetCommitIndex(uint64)
	ObserveRPCSent(msgType, outcome string)
	ObserveRPCReceived(msgType string)
}

// noopMetrics discards everything; used when Config.Metrics is nil.
type noopMetrics struct{}

func (noopMetrics) SetTerm(uint64)             {}
func (noopMetrics) SetLeader(bool)             {}
func (noopMetrics) SetLogLength(int)           {}
func (noopMetrics) SetCommitIndex(uint64)      {}
func (noopMetrics) ObserveRPCSent(_, _ string) {}
func (noopMetrics) ObserveRPCReceived(_ string) {}

// Config is a node's immutable construction-time configuration
// (spec.md §3).
type Config struct {
	ServerID string
	Peers    []string // consensus addresses of every other node, excludes self

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration

	// RPCTimeout bounds connect+write+read for a single outbound RPC.
	// Defaults to 5s (spec.md §4.2) if zero.
	RPCTimeout time.Duration

	// MaxEntriesPerRPC caps how many log entries a single AppendEntries
	// carries. Defaults to 8 (spec.md §4.3.4) if zero.
	MaxEntriesPerRPC int

	Metrics Metrics
}

func (c Config) withDefaults() Config {
	if c.RPCTimeout == 0 {
		c.RPCTimeout = 5 * time.Second
	}
	if c.MaxEntriesPerRPC == 0 {
		c.MaxEntriesPerRPC = 8
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	return c
}
