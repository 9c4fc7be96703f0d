package hl7

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/conduit-hie/conduit/pkg/cerrors"
	"github.com/conduit-hie/conduit/pkg/config"
	"github.com/conduit-hie/conduit/pkg/envelope"
	"github.com/conduit-hie/conduit/pkg/mllp"
	"github.com/conduit-hie/conduit/pkg/telemetry"
	"github.com/conduit-hie/conduit/pkg/tracer"
)

// OperationClassName is the class_name selecting the outbound HL7 TCP host.
const OperationClassName = "hl7.tcp.Operation"

// Operation is the outbound HL7 TCP host: it maintains a
// client connection to remote_host:remote_port, frames each dequeued
// envelope with MLLP, awaits the peer's ACK, and interprets the ACK code
// through reply_code_actions.
type Operation struct {
	name      string
	projectID string
	settings  config.HostSettings
	actions   *ReplyCodeActions
	logger    *telemetry.Logger

	connMu      sync.Mutex
	conn        net.Conn
	failedSince time.Time

	// ackByMessage holds the last exchange per message id so AnnotateVisit
	// can attach it to the trace row the Host base records.
	ackMu        sync.Mutex
	ackByMessage map[string]ackInfo
}

type ackInfo struct {
	content string
	code    mllp.AckCode
	retries int
}

// OperationOptions wires an Operation. Logger may be nil.
type OperationOptions struct {
	Name      string
	ProjectID string
	Settings  config.HostSettings
	Logger    *telemetry.Logger
}

func NewOperation(opts OperationOptions) (*Operation, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.Nop
	}
	actions, err := ParseReplyCodeActions(opts.Settings.ReplyCodeActions)
	if err != nil {
		return nil, err
	}
	return &Operation{
		name:         opts.Name,
		projectID:    opts.ProjectID,
		settings:     opts.Settings,
		actions:      actions,
		logger:       logger,
		ackByMessage: make(map[string]ackInfo),
	}, nil
}

func (o *Operation) OnInit(ctx context.Context) error {
	if o.settings.RemoteHost == "" || o.settings.RemotePort <= 0 {
		return cerrors.New(cerrors.InvalidConfig, fmt.Sprintf("hl7 operation %s: remote_host and remote_port required", o.name))
	}
	return nil
}

// OnStart is a no-op: the connection is dialled lazily so a peer that is
// down at deploy time does not block the Production from starting. The
// dial in ensureConnLocked covers both cases identically.
func (o *Operation) OnStart(ctx context.Context) error { return nil }

func (o *Operation) OnStop(ctx context.Context) error {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	if o.conn != nil {
		_ = o.conn.Close()
		o.conn = nil
	}
	return nil
}

func (o *Operation) OnTeardown(ctx context.Context) error { return nil }

// Process delivers one envelope: frame, write, await ACK, act on the code.
// Retries (action R, or transport failures) happen inside this call, so
// per-worker ordering is preserved while a message retries.
func (o *Operation) Process(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error) {
	maxRetries := env.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.settings.MaxRetries
	}
	retryInterval := time.Duration(o.settings.RetryIntervalMS) * time.Millisecond
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}

	attempt := 0
	for {
		ack, err := o.exchange(ctx, env.Payload.Raw())
		if err != nil {
			o.dropConn()
			if attempt < maxRetries && retryableTransport(err) {
				attempt++
				o.logger.Warn(ctx, "hl7_operation_retry", map[string]any{
					"host": o.name, "message_id": env.MessageID, "attempt": attempt, "error": err.Error(),
				})
				if serr := sleepCtx(ctx, retryInterval); serr != nil {
					return env, serr
				}
				continue
			}
			o.noteAck(env.MessageID, ackInfo{retries: attempt})
			return env, err
		}

		code, _, msaErr := mllp.ExtractMSA(ack)
		if msaErr != nil {
			o.noteAck(env.MessageID, ackInfo{content: string(ack), retries: attempt})
			return env, cerrors.Wrap(cerrors.RequestErrored, "hl7 operation "+o.name+": unreadable ACK", msaErr)
		}
		o.noteAck(env.MessageID, ackInfo{content: string(ack), code: code, retries: attempt})

		switch o.actions.ActionFor(code) {
		case ActionSuccess:
			return env, nil
		case ActionWarn:
			o.logger.Warn(ctx, "hl7_operation_reply_warn", map[string]any{
				"host": o.name, "message_id": env.MessageID, "ack_code": string(code),
			})
			warned := env
			warned.Tags = append(append([]string{}, env.Tags...), "reply_warn:"+string(code))
			return warned, nil
		case ActionRetry:
			if attempt < maxRetries {
				attempt++
				if serr := sleepCtx(ctx, retryInterval); serr != nil {
					return env, serr
				}
				continue
			}
			return env, cerrors.New(cerrors.RequestErrored, fmt.Sprintf("hl7 operation %s: ACK %s after %d retries", o.name, code, attempt))
		default: // ActionFail
			if code == mllp.AckApplicationReject {
				return env, cerrors.New(cerrors.RequestRejected, "hl7 operation "+o.name+": remote rejected (AR)")
			}
			return env, cerrors.New(cerrors.RequestErrored, fmt.Sprintf("hl7 operation %s: remote ACK %s", o.name, code))
		}
	}
}

// AnnotateVisit implements host.VisitAnnotator: the trace row for this
// envelope carries the remote endpoint and the ACK exchange.
func (o *Operation) AnnotateVisit(env envelope.Envelope, v *tracer.Visit) {
	v.RemoteHost = o.settings.RemoteHost
	v.RemotePort = o.settings.RemotePort
	v.DestinationItem = o.name
	o.ackMu.Lock()
	info, ok := o.ackByMessage[env.MessageID]
	if ok {
		delete(o.ackByMessage, env.MessageID)
	}
	o.ackMu.Unlock()
	if ok {
		v.AckContent = info.content
		v.AckType = string(info.code)
		v.RetryCount = info.retries
	}
}

// SendRaw frames and sends one raw HL7 message outside the queue path and
// returns the peer's ACK — the admin test_send verb.
func (o *Operation) SendRaw(ctx context.Context, raw []byte) ([]byte, error) {
	ack, err := o.exchange(ctx, raw)
	if err != nil {
		o.dropConn()
	}
	return ack, err
}

func (o *Operation) noteAck(messageID string, info ackInfo) {
	o.ackMu.Lock()
	o.ackByMessage[messageID] = info
	o.ackMu.Unlock()
}

// exchange writes one framed message and reads one framed ACK, holding the
// connection lock for the whole round trip so concurrent workers cannot
// interleave frames on the wire.
func (o *Operation) exchange(ctx context.Context, raw []byte) ([]byte, error) {
	o.connMu.Lock()
	defer o.connMu.Unlock()

	conn, err := o.ensureConnLocked(ctx)
	if err != nil {
		return nil, err
	}

	writeTimeout := time.Duration(o.settings.WriteTimeoutMS) * time.Millisecond
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(mllp.Encode(raw)); err != nil {
		return nil, cerrors.Wrap(cerrors.WriteTimeout, "hl7 operation "+o.name+": write", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	ackTimeout := time.Duration(o.settings.AckTimeoutMS) * time.Millisecond
	if ackTimeout <= 0 {
		ackTimeout = 15 * time.Second
	}
	dec := mllp.NewDecoder(conn, mllp.Options{ReadTimeout: ackTimeout})
	ack, err := dec.Next()
	if err != nil {
		if err == io.EOF {
			return nil, cerrors.New(cerrors.Truncated, "hl7 operation "+o.name+": peer closed before ACK")
		}
		return nil, cerrors.Wrap(cerrors.ReadTimeout, "hl7 operation "+o.name+": await ACK", err)
	}
	if o.settings.ArchiveIO {
		o.logger.Debug(ctx, "hl7_operation_io", map[string]any{
			"host": o.name, "sent": string(raw), "ack": string(ack),
		})
	}
	return ack, nil
}

// ensureConnLocked dials if no connection is live. With failure_timeout
// set, failed dials are retried with exponential backoff bounded by
// reconnect_interval until the failure window elapses; without it, one
// dial is attempted and its failure is returned to the caller.
func (o *Operation) ensureConnLocked(ctx context.Context) (net.Conn, error) {
	if o.conn != nil {
		return o.conn, nil
	}
	connectTimeout := time.Duration(o.settings.ConnectTimeoutMS) * time.Millisecond
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	maxBackoff := time.Duration(o.settings.ReconnectIntervalMS) * time.Millisecond
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	addr := fmt.Sprintf("%s:%d", o.settings.RemoteHost, o.settings.RemotePort)
	backoff := 250 * time.Millisecond
	for {
		d := net.Dialer{Timeout: connectTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			o.conn = conn
			o.failedSince = time.Time{}
			return conn, nil
		}
		if o.failedSince.IsZero() {
			o.failedSince = time.Now()
		}
		failureTimeout := time.Duration(o.settings.FailureTimeoutMS) * time.Millisecond
		if failureTimeout > 0 && time.Since(o.failedSince) >= failureTimeout {
			return nil, cerrors.Wrap(cerrors.ConnectFailed, "hl7 operation "+o.name+": "+addr+" unreachable past failure_timeout", err)
		}
		if failureTimeout <= 0 {
			// No failure window configured: surface the failure to the
			// caller's retry policy instead of spinning here.
			return nil, cerrors.Wrap(cerrors.ConnectFailed, "hl7 operation "+o.name+": dial "+addr, err)
		}
		if serr := sleepCtx(ctx, backoff); serr != nil {
			return nil, serr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (o *Operation) dropConn() {
	o.connMu.Lock()
	if o.conn != nil {
		_ = o.conn.Close()
		o.conn = nil
	}
	o.connMu.Unlock()
}

// retryableTransport reports whether a delivery failure is worth retrying
// per the cerrors registry (connect/write/read timeouts are; a peer that
// answered with garbage is not).
func retryableTransport(err error) bool {
	var ce *cerrors.Error
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
