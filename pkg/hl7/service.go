package hl7

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/conduit-hie/conduit/pkg/broker"
	"github.com/conduit-hie/conduit/pkg/cerrors"
	"github.com/conduit-hie/conduit/pkg/config"
	"github.com/conduit-hie/conduit/pkg/envelope"
	"github.com/conduit-hie/conduit/pkg/mllp"
	"github.com/conduit-hie/conduit/pkg/telemetry"
	"github.com/conduit-hie/conduit/pkg/tracer"
	"github.com/conduit-hie/conduit/pkg/wal"
)

// ServiceClassName is the class_name a Production item uses to select this
// host implementation.
const ServiceClassName = "hl7.tcp.Service"

// Service is the inbound HL7 TCP host: it binds a listener,
// decodes MLLP frames per connection, stamps each message with a fresh
// session id, WAL-appends it, emits the configured ACK, and dispatches to
// its targets through the Broker.
type Service struct {
	name      string
	projectID string
	settings  config.HostSettings

	broker *broker.Broker
	wal    wal.WAL
	trace  *tracer.Tracer
	logger *telemetry.Logger

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	acceptWG sync.WaitGroup
	cancel   context.CancelFunc
	sem      chan struct{}

	failHost func(error)
}

// ServiceOptions wires a Service's collaborators. Broker and WAL are
// required; Tracer and Logger may be nil.
type ServiceOptions struct {
	Name      string
	ProjectID string
	Settings  config.HostSettings
	Broker    *broker.Broker
	WAL       wal.WAL
	Tracer    *tracer.Tracer
	Logger    *telemetry.Logger
}

func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Service{
		name:      opts.Name,
		projectID: opts.ProjectID,
		settings:  opts.Settings,
		broker:    opts.Broker,
		wal:       opts.WAL,
		trace:     opts.Tracer,
		logger:    logger,
		conns:     make(map[net.Conn]struct{}),
	}
}

// NotifyFailure receives the Host's fail callback (host.FailureNotifier) so
// an accept-loop death is visible to the supervisor.
func (s *Service) NotifyFailure(fail func(error)) { s.failHost = fail }

func (s *Service) OnInit(ctx context.Context) error {
	if s.settings.ListenPort <= 0 {
		return cerrors.New(cerrors.InvalidConfig, fmt.Sprintf("hl7 service %s: listen_port required", s.name))
	}
	if s.settings.AckMode == "" {
		s.settings.AckMode = config.AckApplication
	}
	return nil
}

// OnStart binds the listener and launches the accept loop. Binding happens
// here, not in OnInit, so reload releases and reacquires the port.
func (s *Service) OnStart(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.settings.ListenHost, s.settings.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return cerrors.Wrap(cerrors.ConnectFailed, "hl7 service "+s.name+": bind "+addr, err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.ln = ln
	s.cancel = cancel
	maxConns := s.settings.MaxConnections
	if maxConns <= 0 {
		maxConns = 64
	}
	s.sem = make(chan struct{}, maxConns)
	s.mu.Unlock()

	s.acceptWG.Add(1)
	go s.acceptLoop(loopCtx, ln)
	s.logger.Info(ctx, "hl7_service_listening", map[string]any{"host": s.name, "addr": ln.Addr().String()})
	return nil
}

// OnStop quiesces ingress: close the listener, then every open connection,
// then wait for the readers to drain.
func (s *Service) OnStop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ln := s.ln
	s.ln = nil
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.acceptWG.Wait()
	return nil
}

func (s *Service) OnTeardown(ctx context.Context) error { return nil }

// Process handles envelopes that arrive on the Service's own queue — WAL
// replay republishing an in-flight ingress message. Delivery to targets is
// the Host base's job, so this is identity.
func (s *Service) Process(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error) {
	return env, nil
}

// Addr reports the bound listener address, for tests binding port 0.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Service) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.acceptWG.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error(ctx, "hl7_service_accept_failed", map[string]any{"host": s.name, "error": err.Error()})
			if s.failHost != nil {
				s.failHost(cerrors.Wrap(cerrors.ConnectFailed, "hl7 service "+s.name+": accept", err))
			}
			return
		}
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.acceptWG.Add(1)
		go func(c net.Conn) {
			defer s.acceptWG.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, c)
				s.mu.Unlock()
				<-s.sem
				_ = c.Close()
			}()
			s.serveConn(ctx, c)
		}(conn)
	}
}

// serveConn runs the per-connection MLLP reader. Frame-level errors NACK
// and continue; durability errors NACK and close the connection.
func (s *Service) serveConn(ctx context.Context, conn net.Conn) {
	dec := mllp.NewDecoder(conn, mllp.Options{
		MaxMessageSize: s.settings.MaxMessageSize,
		ReadTimeout:    time.Duration(s.settings.ReadTimeoutMS) * time.Millisecond,
	})
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if !s.handleDecodeError(ctx, conn, err) {
				return
			}
			continue
		}
		if !s.handleMessage(ctx, conn, payload) {
			return
		}
	}
}

// handleDecodeError reports whether the connection is still usable.
func (s *Service) handleDecodeError(ctx context.Context, conn net.Conn, err error) bool {
	s.logger.Warn(ctx, "hl7_service_decode_failed", map[string]any{"host": s.name, "error": err.Error()})
	switch {
	case errors.Is(err, mllp.ErrTooLarge):
		s.writeAck(conn, mllp.Header{}, mllp.AckApplicationReject, "message too large")
		return true
	case errors.Is(err, mllp.ErrFraming):
		s.writeAck(conn, mllp.Header{}, mllp.AckApplicationError, "framing error")
		return true
	default:
		// Truncated, read timeout, connection reset: the stream is gone.
		return false
	}
}

// handleMessage runs the ingress pipeline for one decoded payload and
// reports whether the connection should stay open.
func (s *Service) handleMessage(ctx context.Context, conn net.Conn, payload []byte) bool {
	received := time.Now().UTC()
	header, err := mllp.ParseHeader(payload)
	if err != nil {
		s.routeBadMessage(ctx, payload, err)
		s.writeAck(conn, mllp.Header{}, mllp.AckApplicationError, "MSH not found")
		return true
	}

	env := s.buildEnvelope(payload, header)
	if err := s.appendWAL(ctx, env); err != nil {
		// DurabilityError is fatal for the message and the connection.
		s.recordVisit(ctx, env.WithState(envelope.StateFailed), "failed", err.Error(), received)
		s.writeAck(conn, header, mllp.AckApplicationError, "durability failure")
		return false
	}

	switch s.settings.AckMode {
	case config.AckImmediate:
		// CA only after the WAL append above is durable.
		s.writeAck(conn, header, mllp.AckCommitAccept, "")
		s.recordVisit(ctx, env, "received", "", received)
		s.dispatchAsync(ctx, env)
		s.commitIngress(ctx, env.WithState(envelope.StateDelivered))
	case config.AckNever:
		s.recordVisit(ctx, env, "received", "", received)
		s.dispatchAsync(ctx, env)
		s.commitIngress(ctx, env.WithState(envelope.StateDelivered))
	default: // Application: ACK reflects downstream processing.
		code, errText := s.dispatchApplication(ctx, env)
		status := "delivered"
		final := envelope.StateDelivered
		if code != mllp.AckApplicationAccept {
			status = "failed"
			final = envelope.StateFailed
		}
		s.recordVisit(ctx, env, status, errText, received)
		s.commitIngress(ctx, env.WithState(final))
		s.writeAck(conn, header, code, errText)
	}
	return true
}

// commitIngress settles the ingress WAL record once the message has been
// handed to (or refused by) downstream, so replay does not re-dispatch it.
// The downstream enqueues have their own WAL records by now.
func (s *Service) commitIngress(ctx context.Context, env envelope.Envelope) {
	if err := s.appendWAL(ctx, env); err != nil {
		s.logger.Error(ctx, "hl7_service_wal_commit_failed", map[string]any{
			"host": s.name, "message_id": env.MessageID, "error": err.Error(),
		})
	}
}

func (s *Service) buildEnvelope(payload []byte, header mllp.Header) envelope.Envelope {
	env := envelope.New(s.name, envelope.NewSessionID(), header.MessageType)
	env.BodyClassName = "hl7.Message"
	schema := schemaNameFor(header.MessageType)
	if cat := s.settings.MessageSchemaCategory; cat != "" {
		schema = cat + ":" + schema
	}
	env.Payload = envelope.NewPayload(payload, "application/hl7-v2", "UTF-8",
		schema, "urn:hl7-org:v2", Properties)
	return env
}

// schemaNameFor maps "ADT^A01" onto the schema identifier "ADT_A01".
func schemaNameFor(messageType string) string {
	out := make([]byte, 0, len(messageType))
	for i := 0; i < len(messageType); i++ {
		c := messageType[i]
		if c == '^' {
			c = '_'
		}
		out = append(out, c)
	}
	return string(out)
}

func (s *Service) appendWAL(ctx context.Context, env envelope.Envelope) error {
	if s.wal == nil {
		return nil
	}
	rec := wal.Record{
		ProjectID: s.projectID,
		ItemName:  s.name,
		Envelope:  env,
		Payload:   env.Payload,
		WrittenAt: time.Now().UTC(),
	}
	if err := s.wal.Append(ctx, rec); err != nil {
		return cerrors.Wrap(cerrors.DurabilityFailed, "hl7 service "+s.name+": WAL append", err)
	}
	return nil
}

// dispatchAsync fans the envelope out to every configured target without
// waiting for processing.
func (s *Service) dispatchAsync(ctx context.Context, env envelope.Envelope) {
	for _, target := range s.settings.TargetConfigNames {
		if _, err := s.broker.SendRequestAsync(ctx, s.name, target, env); err != nil {
			s.logger.Error(ctx, "hl7_service_dispatch_failed", map[string]any{
				"host": s.name, "target": target, "message_id": env.MessageID, "error": err.Error(),
			})
		}
	}
}

// dispatchApplication delivers synchronously and maps the outcome onto the
// application-level ACK code: AA when every target succeeded, AE on any
// failure or timeout.
func (s *Service) dispatchApplication(ctx context.Context, env envelope.Envelope) (mllp.AckCode, string) {
	timeout := time.Duration(s.settings.MessageTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	for _, target := range s.settings.TargetConfigNames {
		if _, err := s.broker.SendRequestSync(ctx, s.name, target, env, timeout); err != nil {
			return mllp.AckApplicationError, err.Error()
		}
	}
	return mllp.AckApplicationAccept, ""
}

// routeBadMessage forwards undecodable payloads to bad_message_handler
// when one is configured.
func (s *Service) routeBadMessage(ctx context.Context, payload []byte, cause error) {
	handler := s.settings.BadMessageHandler
	if handler == "" {
		return
	}
	env := envelope.New(s.name, envelope.NewSessionID(), "")
	env.BodyClassName = "hl7.BadMessage"
	env.Tags = []string{"bad_message"}
	env.Payload = envelope.NewPayload(payload, "application/octet-stream", "UTF-8", "", "", nil)
	if _, err := s.broker.SendRequestAsync(ctx, s.name, handler, env); err != nil {
		s.logger.Error(ctx, "hl7_service_bad_message_route_failed", map[string]any{
			"host": s.name, "handler": handler, "cause": cause.Error(), "error": err.Error(),
		})
	}
}

func (s *Service) writeAck(conn net.Conn, header mllp.Header, code mllp.AckCode, errText string) {
	if s.settings.AckMode == config.AckNever {
		return
	}
	body := mllp.BuildAck(header, code, envelope.NewMessageID(), errText, time.Now())
	writeTimeout := time.Duration(s.settings.WriteTimeoutMS) * time.Millisecond
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(mllp.Encode(body)); err != nil {
		s.logger.Warn(context.Background(), "hl7_service_ack_write_failed", map[string]any{"host": s.name, "error": err.Error()})
	}
	_ = conn.SetWriteDeadline(time.Time{})
}

// recordVisit appends the single inbound trace row for a message: the row
// every downstream row of the session chains from.
func (s *Service) recordVisit(ctx context.Context, env envelope.Envelope, status, errMsg string, received time.Time) {
	if s.trace == nil {
		return
	}
	_ = s.trace.Record(ctx, tracer.Visit{
		Item:         s.name,
		ItemType:     string(config.ItemService),
		Direction:    wal.DirectionInbound,
		Envelope:     env,
		Status:       status,
		ErrorMessage: errMsg,
		ReceivedAt:   received,
		CompletedAt:  time.Now().UTC(),
	})
}
