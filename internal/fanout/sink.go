package fanout

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rzbill/fanq/internal/envelope"
	"github.com/rzbill/fanq/pkg/log"
)

// Header names carried by every network sink.
const (
	HeaderDedupKey   = "Fanq-Dedup-Key"
	HeaderSourceID   = "Fanq-Source-Id"
	HeaderSubscriber = "Fanq-Subscriber"
	HeaderAttempt    = "Fanq-Attempt"
	HeaderAttrPrefix = "Fanq-Attr-"
)

// Delivery is one attempt to hand an event to one subscriber.
type Delivery struct {
	Subscriber string
	DedupKey   string
	Attempt    int
	Event      *envelope.ProcessedEvent
}

// headers flattens d into the header map shared by the NATS and HTTP sinks.
func (d Delivery) headers() map[string]string {
	h := map[string]string{
		HeaderDedupKey:   d.DedupKey,
		HeaderSourceID:   d.Event.SourceEnvelopeID.String(),
		HeaderSubscriber: d.Subscriber,
		HeaderAttempt:    strconv.Itoa(d.Attempt),
	}
	for k, v := range d.Event.Attributes {
		h[HeaderAttrPrefix+k] = v
	}
	return h
}

// Sink delivers events to one destination.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d Delivery) error

func (f SinkFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// natsConn is the slice of *nats.Conn the NATS sink needs.
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// NATSSink publishes to a subject with delivery headers.
type NATSSink struct {
	conn    natsConn
	subject string
}

func (s *NATSSink) Deliver(ctx context.Context, d Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &nats.Msg{Subject: s.subject, Data: d.Event.ResultPayload, Header: make(nats.Header)}
	for k, v := range d.headers() {
		msg.Header.Set(k, v)
	}
	if err := s.conn.PublishMsg(msg); err != nil {
		return err
	}
	// flush so a dead server surfaces as a failed attempt
	return s.conn.FlushWithContext(ctx)
}

// HTTPSink POSTs the event body to a webhook.
type HTTPSink struct {
	client *http.Client
	url    string
}

func (s *HTTPSink) Deliver(ctx context.Context, d Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(d.Event.ResultPayload))
	if err != nil {
		return err
	}
	ct := d.Event.Attributes[envelope.AttrContentType]
	if ct == "" {
		ct = "application/octet-stream"
	}
	req.Header.Set("Content-Type", ct)
	for k, v := range d.headers() {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s returned %s", s.url, resp.Status)
	}
	return nil
}

// LogSink writes events through the structured logger.
type LogSink struct {
	logger log.Logger
}

func (s *LogSink) Deliver(_ context.Context, d Delivery) error {
	s.logger.Info("event delivered",
		log.Str("subscriber", d.Subscriber),
		log.Str("dedup_key", d.DedupKey),
		log.Str("source_id", d.Event.SourceEnvelopeID.String()),
		log.Int("size", len(d.Event.ResultPayload)),
		log.Str("payload", string(d.Event.ResultPayload)))
	return nil
}

// Resolver builds sinks from endpoint URLs:
//
//	nats://host:port/subject
//	http(s)://...
//	log://name
//	func://name   (looked up in Funcs)
//
// NATS connections are shared per server and closed by Close.
type Resolver struct {
	HTTPClient *http.Client
	Logger     log.Logger
	Funcs      map[string]Sink
	// NATSURL is the server for nats:///subject endpoints that name none.
	NATSURL string
	// NATSOptions are appended to the defaults for every connection.
	NATSOptions []nats.Option

	mu    sync.Mutex
	conns map[string]*nats.Conn
}

// Resolve returns the sink for endpoint.
func (r *Resolver) Resolve(endpoint string) (Sink, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	switch u.Scheme {
	case "nats":
		subject := strings.Trim(u.Path, "/")
		if subject == "" {
			return nil, fmt.Errorf("%w: %q has no subject", ErrInvalidEndpoint, endpoint)
		}
		conn, err := r.natsConn(u)
		if err != nil {
			return nil, err
		}
		return &NATSSink{conn: conn, subject: strings.ReplaceAll(subject, "/", ".")}, nil
	case "http", "https":
		client := r.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: 30 * time.Second}
		}
		return &HTTPSink{client: client, url: endpoint}, nil
	case "log":
		logger := r.Logger
		if logger == nil {
			logger = log.NewNopLogger()
		}
		return &LogSink{logger: logger.With(log.Component("sink"), log.Str("sink", u.Host))}, nil
	case "func":
		if s, ok := r.Funcs[u.Host]; ok {
			return s, nil
		}
		return nil, fmt.Errorf("%w: no func sink named %q", ErrInvalidEndpoint, u.Host)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
}

func (r *Resolver) natsConn(u *url.URL) (*nats.Conn, error) {
	if u.Host == "" {
		if r.NATSURL == "" {
			return nil, fmt.Errorf("%w: nats endpoint has no server", ErrInvalidEndpoint)
		}
		d, err := url.Parse(r.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
		}
		u = &url.URL{Scheme: "nats", User: d.User, Host: d.Host}
	}
	server := (&url.URL{Scheme: "nats", User: u.User, Host: u.Host}).String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[server]; ok {
		return c, nil
	}
	opts := append([]nats.Option{
		nats.Name("fanq-fanout"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.RetryOnFailedConnect(true),
	}, r.NATSOptions...)
	if r.Logger != nil {
		logger := r.Logger
		opts = append(opts,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("NATS disconnected", log.Str("server", u.Host), log.Err(err))
				}
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				logger.Info("NATS reconnected", log.Str("server", u.Host))
			}))
	}
	c, err := nats.Connect(server, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if r.conns == nil {
		r.conns = make(map[string]*nats.Conn)
	}
	r.conns[server] = c
	return c, nil
}

// Close drains shared NATS connections.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, c := range r.conns {
		_ = c.Drain()
		delete(r.conns, k)
	}
	return nil
}
