package agent

import (
	"context"

	"github.com/guseggert/rsupport/protocol"
	"github.com/guseggert/rsupport/transport"
	"go.uber.org/zap"
)

// serve dispatches requests from sub until the session ends. Each request runs in its own
// goroutine under runCtx, not the session context, so that work in flight when the
// connection drops still completes. Its reply is then discarded by the closed bus.
func (a *Agent) serve(runCtx, ctx context.Context, bus transport.Bus, sub transport.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return transport.ErrClosed
			}
			req, ok := a.accept(msg)
			if !ok {
				continue
			}
			a.inflight.Add(1)
			go func() {
				defer a.inflight.Done()
				a.handle(runCtx, bus, req)
			}()
		}
	}
}

// accept decodes a message and checks that it is a request meant for this client.
func (a *Agent) accept(msg *transport.Message) (*protocol.Envelope, bool) {
	kind, id, err := protocol.Parse(a.prefix, msg.Subject)
	if err != nil || id != a.clientID || kind.FromClient() {
		a.log.Debugw("ignoring message", "Subject", msg.Subject, "Error", err)
		return nil, false
	}
	req, err := a.codec.Decode(msg.Data)
	if err != nil {
		a.log.Warnw("dropping malformed request", "Subject", msg.Subject, "Error", err)
		return nil, false
	}
	if want, ok := req.Type.SubjectKind(); !ok || want != kind {
		a.log.Warnw("dropping request on wrong subject", "Subject", msg.Subject, "Type", req.Type)
		return nil, false
	}
	return req, true
}

// handle answers a request. Every request gets exactly one reply with its request id.
func (a *Agent) handle(ctx context.Context, bus transport.Bus, req *protocol.Envelope) {
	log := a.log.With("RequestID", req.RequestID, "Type", req.Type)
	log.Debugw("handling request")

	resp := a.respond(ctx, log, req)
	resp.RequestID = req.RequestID

	subject, err := protocol.Address(a.prefix, a.clientID, protocol.KindReply)
	if err != nil {
		log.Errorw("building reply subject", "Error", err)
		return
	}
	b, err := a.codec.Encode(resp)
	if err != nil {
		log.Errorw("encoding reply", "Error", err)
		return
	}
	if err := bus.Publish(subject, b); err != nil {
		log.Debugw("discarding undeliverable reply", "Error", err)
	}

	if req.Type == protocol.TypeShutdownRequest {
		a.requestShutdown()
	}
}

func (a *Agent) respond(ctx context.Context, log *zap.SugaredLogger, req *protocol.Envelope) *protocol.Envelope {
	switch req.Type {
	case protocol.TypeCommandRequest:
		res := a.host.Execute(ctx, req.Command.CommandLine)
		cr := res.Response()
		return &protocol.Envelope{Type: protocol.TypeCommandResponse, CommandResponse: &cr}

	case protocol.TypeSysInfoRequest:
		info, err := a.host.SysInfo(ctx)
		if err != nil {
			log.Debugw("incomplete system info", "Error", err)
		}
		return &protocol.Envelope{Type: protocol.TypeSysInfoResponse, SysInfo: &info}

	case protocol.TypePing:
		return &protocol.Envelope{Type: protocol.TypePong}

	case protocol.TypeShutdownRequest:
		return &protocol.Envelope{Type: protocol.TypeAck, Ack: &protocol.Ack{OK: true, Message: "shutting down"}}

	case protocol.TypeLogRequest:
		return &protocol.Envelope{Type: protocol.TypeAck, Ack: a.logRemote(req.Log)}
	}
	// unreachable: accept only lets requests through
	return &protocol.Envelope{Type: protocol.TypeAck, Ack: &protocol.Ack{Message: "unsupported request"}}
}

// logRemote writes an operator supplied message to the client's log.
func (a *Agent) logRemote(req *protocol.LogRequest) *protocol.Ack {
	level, ok := protocol.ParseLogLevel(string(req.Level))
	if !ok {
		return &protocol.Ack{Message: "unknown log level " + string(req.Level)}
	}
	log := a.log.Named("remote")
	switch level {
	case protocol.LogDebug:
		log.Debug(req.Message)
	case protocol.LogInfo:
		log.Info(req.Message)
	case protocol.LogWarning:
		log.Warn(req.Message)
	case protocol.LogError:
		log.Error(req.Message)
	}
	return &protocol.Ack{OK: true}
}
