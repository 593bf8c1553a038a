// Package client connects to domain services: it performs the version
// handshake, holds one connection per service, and classifies every
// failure into the retry taxonomy.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cogworks/cogworks/pkg/extension/protocol"
	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

// Config tunes connection handling.
type Config struct {
	// ClientName is announced in HELLO.
	ClientName string

	// Version is the protocol version this client requires.
	Version pipeline.APIVersion

	// Backoff spaces redial attempts.
	Backoff pipeline.Backoff

	// MaxReconnectAttempts bounds redials after the first dial fails.
	MaxReconnectAttempts int

	// DefaultTimeout applies to calls whose registration and caller set none.
	DefaultTimeout time.Duration
}

// DefaultConfig returns the settings used by the CLI.
func DefaultConfig() Config {
	return Config{
		ClientName:           "cogworks",
		Version:              protocol.CurrentVersion,
		Backoff:              pipeline.Backoff{Base: 200 * time.Millisecond, Max: 5 * time.Second, Jitter: 1},
		MaxReconnectAttempts: 3,
		DefaultTimeout:       30 * time.Second,
	}
}

// Capabilities is what a service announced in its handshake.
type Capabilities struct {
	Version  pipeline.APIVersion
	Methods  map[string]bool
	Metadata map[string]string
}

// Has reports whether method was announced.
func (c Capabilities) Has(method string) bool { return c.Methods[method] }

// List returns the announced methods in order.
func (c Capabilities) List() []string {
	out := make([]string, 0, len(c.Methods))
	for m, ok := range c.Methods {
		if ok {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

// Response is a successful call result.
type Response struct {
	Result   json.RawMessage
	Duration time.Duration
}

// Status describes one registered service.
type Status struct {
	Name         pipeline.ServiceName
	Transport    TransportKind
	Connected    bool
	Capabilities *Capabilities
	Unusable     error
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the dialer of one transport.
func WithDialer(kind TransportKind, d Dialer) Option {
	return func(c *Client) { c.dialers[kind] = d }
}

// WithTelemetry wires logging, tracing and metrics.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *Client) {
		if t == nil {
			return
		}
		if t.Logger != nil {
			c.logger = t.Logger.NewComponentLogger("extension")
		}
		c.tracer = t.Tracer
		c.metrics = t.Metrics
	}
}

type service struct {
	mu       sync.Mutex
	reg      Registration
	conn     Conn
	caps     *Capabilities
	unusable *pipeline.Error
}

// Client owns the connections to every registered domain service. It is
// safe for concurrent use; calls to one service are serialized.
type Client struct {
	cfg     Config
	dialers map[TransportKind]Dialer
	logger  *telemetry.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
	seq     atomic.Uint64
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	services map[pipeline.ServiceName]*service
}

// New returns a client with the default dialers.
func New(cfg Config, opts ...Option) *Client {
	if cfg.ClientName == "" {
		cfg.ClientName = "cogworks"
	}
	if cfg.Version == (pipeline.APIVersion{}) {
		cfg.Version = protocol.CurrentVersion
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}

	c := &Client{
		cfg: cfg,
		dialers: map[TransportKind]Dialer{
			TransportUnix: UnixDialer(),
			TransportHTTP: HTTPDialer(&http.Client{}),
			TransportSSH:  SSHDialer(),
		},
		logger:   telemetry.Nop(),
		sleep:    sleepContext,
		services: make(map[pipeline.ServiceName]*service),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromRegistry registers every service of reg.
func FromRegistry(reg *Registry, cfg Config, opts ...Option) (*Client, error) {
	c := New(cfg, opts...)
	for _, r := range reg.Services {
		if err := c.Register(r); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds a service. Nothing is dialed until first use.
func (c *Client) Register(reg Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.services[reg.Name]; ok {
		return pipeline.NewConfigurationError(fmt.Sprintf("service %q already registered", reg.Name), nil)
	}
	c.services[reg.Name] = &service{reg: reg}
	return nil
}

// Reconfigure replaces a registration, dropping its connection and any
// incompatibility verdict.
func (c *Client) Reconfigure(reg Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	svc, ok := c.services[reg.Name]
	if !ok {
		c.services[reg.Name] = &service{reg: reg}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.teardown()
	svc.reg = reg
	svc.unusable = nil
	c.logger.WithField("service", reg.Name).Info("Service reconfigured")
	return nil
}

// Services returns the registered names in order.
func (c *Client) Services() []pipeline.ServiceName {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]pipeline.ServiceName, 0, len(c.services))
	for name := range c.services {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Client) lookup(name pipeline.ServiceName) (*service, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[name]
	if !ok {
		return nil, pipeline.NewConfigurationError(fmt.Sprintf("unknown domain service %q", name), nil).
			WithService(name)
	}
	return svc, nil
}

// Negotiate connects to a service if needed and returns its capabilities.
func (c *Client) Negotiate(ctx context.Context, name pipeline.ServiceName) (Capabilities, error) {
	svc, err := c.lookup(name)
	if err != nil {
		return Capabilities{}, err
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.unusable != nil {
		return Capabilities{}, svc.unusable
	}

	timeout := svc.reg.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.connect(nctx, svc); err != nil {
		return Capabilities{}, c.contextError(ctx, nctx, name, "handshake", timeout, err)
	}
	return *svc.caps, nil
}

// Call invokes method on a service. A zero timeout uses the registration's,
// then the client default.
func (c *Client) Call(ctx context.Context, name pipeline.ServiceName, method string, payload json.RawMessage, timeout time.Duration) (*Response, error) {
	ctx, span := c.tracer.StartServiceSpan(ctx, string(name), method)
	defer span.End()

	start := time.Now()
	resp, err := c.call(ctx, name, method, payload, timeout)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		perr := pipeline.Classify(err)
		outcome = string(perr.Kind)
		if perr.Code == pipeline.CodeTimeout {
			outcome = "timeout"
		}
		telemetry.RecordError(span, err)
		c.logger.WithField("service", name).WithField("method", method).WithError(err).
			Debugf("Domain service call failed after %s", elapsed)
	} else {
		telemetry.RecordSuccess(span)
		resp.Duration = elapsed
	}
	c.metrics.RecordServiceCall(string(name), method, outcome, elapsed)
	return resp, err
}

func (c *Client) call(ctx context.Context, name pipeline.ServiceName, method string, payload json.RawMessage, timeout time.Duration) (*Response, error) {
	svc, err := c.lookup(name)
	if err != nil {
		return nil, err
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.unusable != nil {
		return nil, svc.unusable
	}

	if timeout <= 0 {
		timeout = svc.reg.Timeout
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.connect(callCtx, svc); err != nil {
		return nil, c.contextError(ctx, callCtx, name, method, timeout, err)
	}
	if !svc.caps.Has(method) {
		return nil, pipeline.NewConfigurationError(
			fmt.Sprintf("service %q does not provide %q", name, method), nil).
			WithCode(pipeline.CodeCapabilityMissing).
			WithService(name)
	}

	msg, err := protocol.NewMessage(protocol.MessageTypeRequest, c.nextID(), &protocol.RequestMessage{
		Method:    method,
		TimeoutMS: timeout.Milliseconds(),
		Payload:   payload,
	})
	if err != nil {
		return nil, pipeline.NewConfigurationError("invalid request payload", err).WithService(name)
	}

	reply, err := svc.conn.Exchange(callCtx, msg)
	if err != nil {
		if isBroken(err) {
			svc.teardown()
		}
		return nil, c.contextError(ctx, callCtx, name, method, timeout, err)
	}

	switch reply.Type {
	case protocol.MessageTypeResponse:
		var body protocol.ResponseMessage
		if err := reply.ParseData(&body); err != nil {
			svc.teardown()
			return nil, pipeline.NewTransientError(fmt.Sprintf("malformed response from %s", name), err).WithService(name)
		}
		return &Response{Result: body.Result}, nil
	case protocol.MessageTypeError:
		return nil, remoteError(name, method, reply)
	default:
		svc.teardown()
		return nil, pipeline.NewTransientError(
			fmt.Sprintf("unexpected %s reply from %s", reply.Type, name), nil).WithService(name)
	}
}

// contextError classifies a connection or exchange failure.
func (c *Client) contextError(parent, callCtx context.Context, name pipeline.ServiceName, method string, timeout time.Duration, err error) error {
	if perr, ok := pipeline.AsError(err); ok {
		return perr.WithService(name)
	}
	switch {
	case parent.Err() != nil:
		return &pipeline.Error{
			Kind:    pipeline.KindTransient,
			Code:    pipeline.CodeCancelled,
			Message: fmt.Sprintf("call %s.%s cancelled", name, method),
			Policy:  pipeline.NonRetryable(),
			Service: name,
			Err:     parent.Err(),
		}
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) || isTimeout(err):
		return pipeline.NewTimeoutError(
			fmt.Sprintf("call %s.%s timed out after %s", name, method, timeout), err).WithService(name)
	default:
		return pipeline.NewTransientError(fmt.Sprintf("service %s unavailable", name), err).WithService(name)
	}
}

// remoteError maps an ERROR frame using the service's own classification.
func remoteError(name pipeline.ServiceName, method string, reply *protocol.Message) error {
	var em protocol.ErrorMessage
	if err := reply.ParseData(&em); err != nil {
		return pipeline.NewTransientError(fmt.Sprintf("malformed error from %s", name), err).WithService(name)
	}
	code := em.Code
	if code == "" {
		code = pipeline.CodeRemote
	}
	e := &pipeline.Error{
		Kind:    pipeline.KindTransient,
		Code:    code,
		Message: fmt.Sprintf("%s.%s: %s", name, method, em.Message),
		Policy:  pipeline.NonRetryable(),
		Service: name,
	}
	for k, v := range em.Details {
		e.WithDetail(k, v)
	}
	if em.Retryable {
		e.Policy = pipeline.RetryWithBackoff()
		if em.RetryAfterMS > 0 {
			e.Policy = pipeline.RetryAfter(time.Duration(em.RetryAfterMS) * time.Millisecond)
		}
	}
	return e
}

// connect dials and handshakes if svc has no live connection. Dial and
// handshake failures are retried with back-off; an incompatible version is
// final. Caller holds svc.mu.
func (c *Client) connect(ctx context.Context, svc *service) error {
	if svc.conn != nil {
		return nil
	}

	dialer, ok := c.dialers[svc.reg.Kind()]
	if !ok {
		return pipeline.NewConfigurationError(fmt.Sprintf("no dialer for transport %q", svc.reg.Kind()), nil)
	}
	name := svc.reg.Name
	log := c.logger.WithField("service", name)

	var lastErr error
	for attempt := 0; ; attempt++ {
		conn, err := dialer.Dial(ctx, svc.reg)
		if err == nil {
			var caps *Capabilities
			caps, err = c.handshake(ctx, svc, conn)
			if err == nil {
				svc.conn = conn
				svc.caps = caps
				log.Debugf("Connected, protocol %s, %d methods", caps.Version, len(caps.Methods))
				return nil
			}
			_ = conn.Close()
		}
		lastErr = err

		if pipeline.IsConfiguration(err) || ctx.Err() != nil {
			return err
		}
		if attempt >= c.cfg.MaxReconnectAttempts {
			break
		}

		delay := c.cfg.Backoff.Delay(attempt)
		log.WithError(err).Warnf("Connect failed, retrying in %s", delay)
		c.metrics.RecordReconnect(string(name))
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return pipeline.NewTransientError(
		fmt.Sprintf("service %s unavailable after %d attempts", name, c.cfg.MaxReconnectAttempts+1), lastErr).
		WithService(name)
}

// handshake sends HELLO and checks the READY answer.
func (c *Client) handshake(ctx context.Context, svc *service, conn Conn) (*Capabilities, error) {
	name := svc.reg.Name
	hello, err := protocol.NewMessage(protocol.MessageTypeHello, c.nextID(), &protocol.HelloMessage{
		Version: c.cfg.Version,
		Client:  c.cfg.ClientName,
	})
	if err != nil {
		return nil, err
	}

	reply, err := conn.Exchange(ctx, hello)
	if err != nil {
		return nil, err
	}

	switch reply.Type {
	case protocol.MessageTypeReady:
	case protocol.MessageTypeError:
		return nil, remoteError(name, "handshake", reply)
	default:
		return nil, fmt.Errorf("expected READY from %s, got %s", name, reply.Type)
	}

	var ready protocol.ReadyMessage
	if err := reply.ParseData(&ready); err != nil {
		return nil, err
	}

	if !c.cfg.Version.IsCompatibleWith(ready.Version) {
		svc.unusable = pipeline.NewConfigurationError(
			fmt.Sprintf("service %s speaks protocol %s, client requires %s", name, ready.Version, c.cfg.Version), nil).
			WithCode(pipeline.CodeIncompatibleVersion).
			WithService(name).
			WithDetail("local_version", c.cfg.Version.String()).
			WithDetail("remote_version", ready.Version.String())
		c.logger.WithField("service", name).WithError(svc.unusable).
			Error("Incompatible domain service, marked unusable until reconfigured")
		return nil, svc.unusable
	}

	return &Capabilities{
		Version:  ready.Version,
		Methods:  ready.Capabilities,
		Metadata: ready.Metadata,
	}, nil
}

func (s *service) teardown() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.caps = nil
}

func (c *Client) nextID() string {
	return strconv.FormatUint(c.seq.Add(1), 10)
}

// Status reports every registered service without dialing.
func (c *Client) Status() []Status {
	names := c.Services()
	out := make([]Status, 0, len(names))
	for _, name := range names {
		svc, err := c.lookup(name)
		if err != nil {
			continue
		}
		svc.mu.Lock()
		st := Status{Name: name, Transport: svc.reg.Kind(), Connected: svc.conn != nil}
		if svc.caps != nil {
			caps := *svc.caps
			st.Capabilities = &caps
		}
		if svc.unusable != nil {
			st.Unusable = svc.unusable
		}
		svc.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Close drops every connection.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, svc := range c.services {
		svc.mu.Lock()
		svc.teardown()
		svc.mu.Unlock()
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
