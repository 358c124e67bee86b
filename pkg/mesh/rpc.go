// rpc.go: RPC server and client — request/reply pairing with
// queue-group load balancing.
package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// RPCHandler implements one RPC method. Any returned error becomes a
// failed RPCResponse; handlers never need to build the envelope
// themselves.
type RPCHandler func(ctx context.Context, req RPCRequest) (result any, err error)

// RPCServer owns the handler registry for one service's RPC methods and
// subscribes each to rpc.<service>.<method> with queue group
// rpc.<service>, so every instance of the service shares one consumer
// group per method.
type RPCServer struct {
	bus     *Bus
	service string
	logger  Logger
	metrics Metrics

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewRPCServer builds an RPCServer for service, bound to bus.
func NewRPCServer(bus *Bus, service string, logger Logger, metrics Metrics) *RPCServer {
	if logger == nil {
		logger = NopLogger()
	}
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	return &RPCServer{bus: bus, service: service, logger: logger, metrics: metrics, subs: make(map[string]*nats.Subscription)}
}

// RegisterHandler subscribes handler to rpc.<service>.<method>. Any
// handler failure is converted into a failed RPCResponse rather than
// propagating to the transport.
func (s *RPCServer) RegisterHandler(method string, handler RPCHandler) error {
	if !IsValidMethodName(method) {
		return ValidationError("method", fmt.Sprintf("invalid method name %q", method))
	}

	subject := RPCSubject(s.service, method)
	queue := "rpc." + s.service

	sub, err := s.bus.Subscribe(subject, queue, func(msg *nats.Msg) {
		s.handle(msg, handler)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.subs[method] = sub
	s.mu.Unlock()
	return nil
}

func (s *RPCServer) handle(msg *nats.Msg, handler RPCHandler) {
	var req RPCRequest
	if err := s.bus.Codec().Deserialize(msg.Data, &req); err != nil {
		s.logger.Warn("rpc: failed to decode request", "subject", msg.Subject, "error", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(req.TimeoutSeconds*float64(time.Second)))
	defer cancel()

	result, err := func() (res any, herr error) {
		defer func() {
			if r := recover(); r != nil {
				herr = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, req)
	}()

	var resp RPCResponse
	if err != nil {
		resp = NewErrorResponse(req, err.Error())
	} else {
		resp = NewSuccessResponse(req, result)
	}

	data, encErr := s.bus.Codec().Serialize(resp)
	if encErr != nil {
		s.logger.Error("rpc: failed to encode response", encErr, "subject", msg.Subject)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("rpc: failed to send response", "subject", msg.Subject, "error", err.Error())
	}
}

// Unregister drains the subscription for method, if any.
func (s *RPCServer) Unregister(method string) error {
	s.mu.Lock()
	sub, ok := s.subs[method]
	if ok {
		delete(s.subs, method)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Drain()
}

// RPCClient calls RPC methods exposed by RPCServer instances elsewhere in
// the mesh.
type RPCClient struct {
	bus     *Bus
	metrics Metrics
}

// NewRPCClient builds an RPCClient bound to bus.
func NewRPCClient(bus *Bus, metrics Metrics) *RPCClient {
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	return &RPCClient{bus: bus, metrics: metrics}
}

// CallRPC sends req to rpc.<target>.<method> and always returns an
// RPCResponse — timeouts and transport errors are folded into
// success=false responses rather than surfaced as Go errors, so callers
// on both sides handle failure uniformly.
func (c *RPCClient) CallRPC(ctx context.Context, req RPCRequest) RPCResponse {
	service := req.Target
	method := req.Method
	metricBase := fmt.Sprintf("rpc.client.%s.%s", service, method)

	stop := c.metrics.Timer(metricBase)
	defer stop()

	subject := RPCSubject(service, method)
	data, err := c.bus.Codec().Serialize(req)
	if err != nil {
		c.metrics.Increment(metricBase+".error", 1)
		return NewErrorResponse(req, err.Error())
	}

	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	replyData, err := c.bus.Request(ctx, subject, data, timeout)
	if err != nil {
		if err == ErrTimeout {
			c.metrics.Increment(metricBase+".timeout", 1)
			return NewErrorResponse(req, fmt.Sprintf("Timeout waiting for %s.%s", service, method))
		}
		c.metrics.Increment(metricBase+".error", 1)
		return NewErrorResponse(req, err.Error())
	}

	var resp RPCResponse
	if err := c.bus.Codec().Deserialize(replyData, &resp); err != nil {
		c.metrics.Increment(metricBase+".error", 1)
		return NewErrorResponse(req, err.Error())
	}

	c.metrics.Increment(metricBase+".success", 1)
	return resp
}
