package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"larkstream/internal/adapter/pbframe"
	"larkstream/internal/domain"
	"larkstream/internal/infra/tracer"
	"larkstream/internal/usecase/stream"
)

type pingPayload struct {
	DeviceID  string `json:"device_id"`
	ServiceID int32  `json:"service_id"`
}

type ackPayload struct {
	Code int `json:"code"`
}

// serve dials rawURL and runs the three connection loops until one of them
// fails or ctx is cancelled. The returned error is never nil unless ctx
// was cancelled.
func (c *Client) serve(ctx context.Context, rawURL string) (connected bool, err error) {
	connID, serviceID, err := parseEndpointURL(rawURL)
	if err != nil {
		return false, fmt.Errorf("%w: endpoint url: %v", domain.ErrServerError, err)
	}

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	// The dial context lives as long as the connection, so the handshake
	// timeout is enforced separately.
	handshake := time.AfterFunc(c.cfg.HandshakeTimeout, cancelConn)
	conn, resp, err := websocket.Dial(connCtx, rawURL, &websocket.DialOptions{HTTPClient: c.httpClient})
	if !handshake.Stop() && err == nil {
		_ = conn.Close(websocket.StatusGoingAway, "handshake timeout")
		err = context.DeadlineExceeded
	}
	if err != nil {
		return false, classifyDialError(resp, err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageSize)

	out := newOutbox()
	c.handler.Reset()
	c.mu.Lock()
	c.connID, c.serviceID = connID, serviceID
	c.out = out
	c.connectedAt = time.Now()
	c.attempts = 0
	c.mu.Unlock()
	c.setState(domain.StateConnected, nil)

	c.logger.Info("connected", "conn_id", connID, "service_id", serviceID)

	defer func() {
		dropped := out.close()
		c.mu.Lock()
		c.out = nil
		c.mu.Unlock()
		c.metrics.SetOutboxDepth(0)
		if dropped > 0 {
			c.logger.Warn("discarded unsent frames", "conn_id", connID, "count", dropped)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	g, gctx := errgroup.WithContext(connCtx)
	g.Go(func() error { return c.senderLoop(gctx, conn, out) })
	g.Go(func() error { return c.readerLoop(gctx, ctx, conn, out, connID) })
	g.Go(func() error { return c.keepaliveLoop(gctx, out, connID, serviceID) })
	return true, g.Wait()
}

func (c *Client) senderLoop(ctx context.Context, conn *websocket.Conn, out *outbox) error {
	for {
		f, err := out.pop(ctx)
		if err != nil {
			return err
		}
		c.metrics.SetOutboxDepth(out.len())

		wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		err = conn.Write(wctx, websocket.MessageBinary, pbframe.Encode(f))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: write: %v", domain.ErrConnectivity, err)
		}
		typ, _ := f.Type()
		c.metrics.FrameSent(typ)
	}
}

// readerLoop decodes and handles inbound messages. runCtx outlives the
// connection and is handed to the dispatcher.
func (c *Client) readerLoop(ctx, runCtx context.Context, conn *websocket.Conn, out *outbox, connID string) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if status := websocket.CloseStatus(err); status != -1 {
				c.logger.Info("server closed connection", "conn_id", connID, "status", status.String())
			}
			return fmt.Errorf("%w: read: %v", domain.ErrConnectivity, err)
		}
		if typ != websocket.MessageBinary {
			c.logger.Debug("ignoring non-binary message", "conn_id", connID, "type", typ.String(), "size", len(data))
			continue
		}

		f, err := pbframe.Decode(data)
		if err != nil {
			c.metrics.FrameDropped(err)
			c.logger.Warn("dropping undecodable frame", "conn_id", connID, "error", err)
			continue
		}
		c.metrics.FrameReceived(f.Method)

		d, err := c.handler.Handle(f)
		if err != nil {
			c.metrics.FrameDropped(err)
			c.logger.Warn("dropping malformed frame", "conn_id", connID, "error", err, "code", string(domain.ErrorCodeOf(err)))
			continue
		}
		if d != nil {
			c.deliver(runCtx, out, connID, d)
		}
	}
}

func (c *Client) keepaliveLoop(ctx context.Context, out *outbox, connID string, serviceID int32) error {
	payload, err := json.Marshal(pingPayload{DeviceID: connID, ServiceID: serviceID})
	if err != nil {
		return err
	}
	for {
		if !sleep(ctx, c.Settings().PingInterval) {
			return ctx.Err()
		}
		c.reassembler.Sweep()
		if !out.push(domain.NewPingFrame(serviceID, payload)) {
			return ctx.Err()
		}
		c.logger.Debug("ping queued", "conn_id", connID)
	}
}

// deliver hands a reassembled message to the dispatcher and queues the
// acknowledgement. The ack carries the dispatch latency in biz_rt and
// code 500 when the dispatcher refused the event.
func (c *Client) deliver(ctx context.Context, out *outbox, connID string, d *stream.Delivery) {
	ctx, span := tracer.StartConsumerSpan(ctx, "event.dispatch")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("message_id", d.MessageID),
		tracer.StringAttr("trace_id", d.TraceID),
		tracer.StringAttr("frame_type", d.Type),
		tracer.StringAttr("event_kind", d.EventKind),
		tracer.IntAttr("payload_bytes", len(d.Payload)),
	)

	start := time.Now()
	var err error
	if c.dispatcher == nil {
		err = domain.ErrClosed
	} else {
		err = c.dispatcher.Dispatch(ctx, domain.Event{
			Type:      domain.EventReceived,
			Timestamp: start,
			MessageID: d.MessageID,
			TraceID:   d.TraceID,
			Service:   d.Service,
			FrameType: d.Type,
			EventID:   d.EventID,
			EventKind: d.EventKind,
			Payload:   d.Payload,
			ConnID:    connID,
		})
	}
	elapsed := time.Since(start)
	c.metrics.EventDelivered(d.Type, err, elapsed)

	code := http.StatusOK
	if err != nil {
		code = http.StatusInternalServerError
		tracer.RecordError(span, err)
		level := c.logger.Warn
		if errors.Is(err, domain.ErrClosed) {
			level = c.logger.Info
		}
		level("event not accepted", "message_id", d.MessageID, "trace_id", d.TraceID, "error", err)
	} else {
		tracer.SetOK(span)
		c.logger.Debug("event dispatched",
			"message_id", d.MessageID,
			"trace_id", d.TraceID,
			"event_id", d.EventID,
			"event_kind", d.EventKind,
		)
	}

	out.push(ackFrame(d.Frame, code, elapsed))
}

func ackFrame(in *domain.Frame, code int, bizRT time.Duration) *domain.Frame {
	payload, _ := json.Marshal(ackPayload{Code: code})
	ack := *in
	ack.Headers = in.Headers.Clone()
	ack.Headers.Set(domain.HeaderBizRT, strconv.FormatInt(bizRT.Milliseconds(), 10))
	ack.Payload = payload
	return &ack
}
