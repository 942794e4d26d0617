package raft

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/ReshiAdavan/raftcoordinator/internal/transport"
)

// transportAdapter implements Transport on top of a generic
// *transport.Client, translating Raft's argument/reply structs to and
// from transport.Envelope so internal/transport never needs to know
// about Raft's RPC shapes.
type transportAdapter struct {
	client *transport.Client
}

// NewTransportAdapter wraps client so a Node can use it as a Transport.
func NewTransportAdapter(client *transport.Client) Transport {
	return &transportAdapter{client: client}
}

func (a *transportAdapter) RequestVote(ctx context.Context, addr string, args RequestVoteArgs, timeout time.Duration) (RequestVoteReply, error) {
	env, err := a.client.Call(ctx, addr, transport.TypeRequestVote, args, timeout)
	if err != nil {
		return RequestVoteReply{}, err
	}
	var reply RequestVoteReply
	if err := env.Decode(&reply); err != nil {
		return RequestVoteReply{}, errors.Wrap(err, "decode RequestVote reply")
	}
	return reply, nil
}

func (a *transportAdapter) AppendEntries(ctx context.Context, addr string, args AppendEntriesArgs, timeout time.Duration) (AppendEntriesReply, error) {
	env, err := a.client.Call(ctx, addr, transport.TypeAppendEntries, args, timeout)
	if err != nil {
		return AppendEntriesReply{}, err
	}
	var reply AppendEntriesReply
	if err := env.Decode(&reply); err != nil {
		return AppendEntriesReply{}, errors.Wrap(err, "decode AppendEntries reply")
	}
	return reply, nil
}

// NewPeerHandler builds the transport.Handler a Server dispatches inbound
// consensus RPCs to, routing each Envelope type to the matching Node
// method (spec.md §4.2).
func NewPeerHandler(node *Node) transport.Handler {
	return func(env transport.Envelope) transport.Envelope {
		switch env.Type {
		case transport.TypeRequestVote:
			var args RequestVoteArgs
			if err := env.Decode(&args); err != nil {
				return transport.Envelope{}
			}
			reply := node.HandleRequestVote(args)
			out, err := transport.NewEnvelope(transport.TypeRequestVoteResponse, reply)
			if err != nil {
				return transport.Envelope{}
			}
			return out

		case transport.TypeAppendEntries:
			var args AppendEntriesArgs
			if err := env.Decode(&args); err != nil {
				return transport.Envelope{}
			}
			reply := node.HandleAppendEntries(args)
			out, err := transport.NewEnvelope(transport.TypeAppendEntriesResponse, reply)
			if err != nil {
				return transport.Envelope{}
			}
			return out

		default:
			return transport.Envelope{}
		}
	}
}
