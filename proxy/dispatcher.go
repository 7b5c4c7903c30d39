package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/kainwinterheart/routerd/graph"
)

// dispatch issues one outgoing call for svc and delivers the outcome on the
// state's reply channel. Every failure mode converts to a synthetic reply;
// a dispatched service always completes exactly once.
//
// The call context is detached from the inbound request so that in-flight
// calls run to completion for connection-pool hygiene even when the client
// disconnects; their replies are dropped by the scheduler.
func (h *Handler) dispatch(state *requestState, svc graph.Service, inbound *inboundRequest) {
	start := time.Now()

	host, err := h.pool.Pick(svc.HostsFrom)
	if err != nil {
		h.deliver(state, reply{
			service:   svc.Name,
			payload:   syntheticReply(http.StatusServiceUnavailable, err.Error()),
			status:    http.StatusServiceUnavailable,
			synthetic: true,
			elapsed:   time.Since(start),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.CallTimeout)
	defer cancel()

	payload, status, synthetic := h.call(ctx, svc, host.String(), inbound)

	h.deliver(state, reply{
		service:   svc.Name,
		payload:   payload,
		status:    status,
		synthetic: synthetic,
		host:      host.String(),
		elapsed:   time.Since(start),
	})
}

func (h *Handler) call(ctx context.Context, svc graph.Service, host string, inbound *inboundRequest) (payload []byte, status int, synthetic bool) {
	uri := svc.Path
	if uri == "" {
		uri = inbound.uri
	}

	req, err := http.NewRequestWithContext(ctx, inbound.method, "http://"+host+uri, bytes.NewReader(inbound.body))
	if err != nil {
		return syntheticReply(http.StatusInternalServerError, err.Error()), http.StatusInternalServerError, true
	}

	req.Header = inbound.header.Clone()
	req.Header.Set(NestedRequestHeader, "1")

	if h.opts.PrepareOutgoing != nil {
		h.opts.PrepareOutgoing(req)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		return syntheticReply(status, err.Error()), status, true
	}
	defer resp.Body.Close()

	// Full buffering, no streaming: the part carries the complete reply.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return syntheticReply(http.StatusInternalServerError, err.Error()), http.StatusInternalServerError, true
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.TransferEncoding = nil

	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return syntheticReply(http.StatusInternalServerError, err.Error()), http.StatusInternalServerError, true
	}

	return dump, resp.StatusCode, false
}

// deliver sends the reply and records its measurement. The channel is
// buffered to the graph size, so the send cannot block.
func (h *Handler) deliver(state *requestState, rep reply) {
	if h.opts.Recorder != nil {
		h.opts.Recorder.Record(h.measurement(rep))
	}
	state.replies <- rep
}

// syntheticReply renders a minimal raw HTTP reply with an empty body and
// the error text in a diagnostic header.
func syntheticReply(status int, errText string) []byte {
	header := make(http.Header)
	if errText != "" {
		header.Set(ErrorHeader, errText)
	}

	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          http.NoBody,
		ContentLength: 0,
	}

	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		// DumpResponse cannot fail on a fully in-memory response; keep a
		// fallback to avoid losing the part entirely.
		return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: 0\r\n\r\n", status, http.StatusText(status)))
	}
	return dump
}
