package dispatcher

import (
	"context"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Response is one server's answer: either a redirect or work output.
type Response struct {
	Redirect     bool
	NotLeaderID  string // set when Redirect is true and a leader is known
	Body         []byte // set when Redirect is false
}

// Request dials addr and performs one (meta, payload) request/response,
// exactly the shape cmd/raftclient sends to each configured server in
// turn (spec.md §6).
func Request(ctx context.Context, addr string, meta, payload []byte) (Response, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Response{}, errors.Wrap(err, "dial server")
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return Response{}, errors.Wrap(err, "set connection deadline")
		}
	}

	if err := writeFrame(conn, meta); err != nil {
		return Response{}, err
	}
	if err := writeFrame(conn, payload); err != nil {
		return Response{}, err
	}

	body, err := readFrame(conn)
	if err != nil {
		return Response{}, err
	}

	if strings.HasPrefix(string(body), "NOT_LEADER:") {
		return Response{Redirect: true, NotLeaderID: strings.TrimPrefix(string(body), "NOT_LEADER:")}, nil
	}
	if string(body) == "NO_LEADER" {
		return Response{Redirect: true}, nil
	}
	return Response{Body: body}, nil
}
