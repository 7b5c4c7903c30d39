package proxy

import (
	"net/http"
	"time"

	"go.uber.org/atomic"

	"github.com/kainwinterheart/routerd/graph"
	"github.com/kainwinterheart/routerd/multipart"
)

// NestedRequestHeader marks requests that originated from a routerd
// instance. The dispatcher stamps it on every outgoing call; inbound
// requests carrying it are rejected unless nested requests are allowed.
const NestedRequestHeader = "X-Routerd-Request"

// ErrorHeader carries the error text on synthetic replies.
const ErrorHeader = "X-Routerd-Error"

// reply is one downstream completion delivered to the scheduler.
type reply struct {
	service string
	payload []byte
	status  int
	// synthetic is set when routerd fabricated the reply itself instead of
	// receiving it from a downstream.
	synthetic bool
	host      string
	elapsed   time.Duration
}

// inboundRequest is an immutable snapshot of the inbound request, shared by
// all dispatch goroutines of one request.
type inboundRequest struct {
	method string
	uri    string
	header http.Header
	body   []byte
}

// hop-by-hop headers never forwarded downstream.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

func snapshotInbound(r *http.Request, body []byte) *inboundRequest {
	header := r.Header.Clone()
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}

	return &inboundRequest{
		method: r.Method,
		uri:    r.URL.RequestURI(),
		header: header,
		body:   body,
	}
}

// requestState is the mutable bookkeeping of one inbound request. Only the
// scheduler goroutine touches remaining, inProgress, parts and finalized;
// dispatch goroutines only send on replies.
type requestState struct {
	remaining  graph.Tree
	inProgress graph.Set
	parts      *multipart.Response
	finalized  atomic.Bool

	// replies is buffered to the service count: every service sends at most
	// once, so sends never block even after finalization.
	replies chan reply
}

func newRequestState(g *graph.Graph) *requestState {
	return &requestState{
		remaining:  g.CloneDeps(),
		inProgress: make(graph.Set),
		parts:      multipart.New(),
		replies:    make(chan reply, g.Len()),
	}
}

// drained reports that no service is pending or in flight.
func (s *requestState) drained() bool {
	return len(s.remaining) == 0 && len(s.inProgress) == 0
}
