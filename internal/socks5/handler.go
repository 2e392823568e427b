package socks5

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/JoshCap20/simple-socks5/internal/logging"
)

// HandlerConfig is the read-only, process-wide configuration a Handler
// needs to service one connection.
type HandlerConfig struct {
	Authenticators []Authenticator
	Resolver       *Resolver

	// ResolveTimeout bounds the forward-DNS lookup when a request names a
	// domain (spec: DNS resolution budget). ConnectTimeout separately
	// bounds the outbound net.DialTimeout to the resolved destination, so a
	// slow-but-reachable destination is never penalized by the DNS
	// resolver's own budget.
	ResolveTimeout time.Duration
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
	UDPIdleTimeout time.Duration
	UDPForward     time.Duration

	// EnableUDP gates UDP_ASSOCIATE; when false it is treated like BIND.
	EnableUDP bool

	Logger  *slog.Logger
	Metrics RequestObserver
}

// RequestObserver receives handler-level events for metrics collection.
// A nil-safe no-op implementation is used when Metrics is not configured.
type RequestObserver interface {
	ConnectionOpened()
	ConnectionClosed()
	ConnectionRejected()
	AuthFailure()
	ConnectLatency(d time.Duration)
	BytesRelayed(n int64)
	UDPAssociationOpened()
	UDPAssociationClosed()
	UDPDatagramDropped()
}

// Handler drives one accepted TCP connection through its state machine:
// AWAIT_GREETING -> AWAIT_AUTH -> AWAIT_REQUEST -> DISPATCH ->
// {TCP_RELAY | UDP_RELAY} -> CLOSED, with any error routing to
// REPLY_ERROR -> CLOSED.
type Handler struct {
	cfg HandlerConfig
}

// NewHandler builds a Handler from cfg, filling in defaults for anything
// left zero.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolverTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = AuthTimeout * time.Second
	}
	if cfg.UDPIdleTimeout <= 0 {
		cfg.UDPIdleTimeout = DefaultUDPIdleTimeout
	}
	if cfg.UDPForward <= 0 {
		cfg.UDPForward = DefaultUDPForwardTimeout
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver(DefaultResolverTimeout, DefaultResolverCacheSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopObserver{}
	}
	if len(cfg.Authenticators) == 0 {
		cfg.Authenticators = []Authenticator{&NoAuthAuthenticator{}}
	}
	return &Handler{cfg: cfg}
}

// Handle services one accepted connection to completion and closes it on
// every exit path.
func (h *Handler) Handle(conn net.Conn) {
	defer conn.Close()

	log := h.cfg.Logger.With(logging.KeyRemoteAddr, conn.RemoteAddr().String())
	h.cfg.Metrics.ConnectionOpened()
	defer h.cfg.Metrics.ConnectionClosed()

	method, err := h.negotiateMethod(conn, log)
	if err != nil {
		// No bytes have been written past method-selection failure states
		// that already sent 0xFF; a read/version failure closes silently.
		log.Debug("greeting failed", logging.KeyError, err)
		return
	}

	user, err := h.authenticate(conn, method, log)
	if err != nil {
		if !errors.Is(err, ErrAuthFailed) {
			log.Debug("auth sub-negotiation failed", logging.KeyError, err)
		}
		return
	}
	if user != "" {
		log = log.With(logging.KeyUser, user)
	}

	req, err := parseRequest(conn, h.cfg.Resolver, h.cfg.ResolveTimeout)
	if err != nil {
		// A request could not even be parsed: if the header decoded far
		// enough to know it was a genuine (if invalid) SOCKS5 record, send
		// the reply code replyForError maps the error to (GENERAL_FAILURE
		// unless the error has a more specific code); a short stream closes
		// silently.
		if errors.Is(err, ErrShortRead) {
			return
		}
		replyForErrAndSend(conn, err)
		return
	}

	switch req.Command {
	case CmdConnect:
		h.handleConnect(conn, req, log)
	case CmdUDPAssociate:
		if !h.cfg.EnableUDP {
			replyError(conn, ReplyCmdNotSupported)
			return
		}
		h.handleUDPAssociate(conn, req, log)
	default:
		log.Debug("command not supported", logging.KeyCommand, req.Command)
		replyError(conn, ReplyCmdNotSupported)
	}
}

// negotiateMethod runs the greeting/method-selection exchange and returns
// the chosen authenticator. Selection policy: USERPASS is preferred when
// offered, NO_AUTH otherwise, else NO_ACCEPTABLE_METHODS.
func (h *Handler) negotiateMethod(conn net.Conn, log *slog.Logger) (Authenticator, error) {
	_, offered, err := DecodeGreeting(conn)
	if err != nil {
		return nil, err
	}

	offeredSet := make(map[byte]bool, len(offered))
	for _, m := range offered {
		offeredSet[m] = true
	}

	for _, auth := range h.cfg.Authenticators {
		if auth.Method() == AuthMethodNoAuth {
			continue
		}
		if offeredSet[auth.Method()] {
			if _, err := conn.Write(EncodeMethodSelection(auth.Method())); err != nil {
				return nil, err
			}
			return auth, nil
		}
	}
	for _, auth := range h.cfg.Authenticators {
		if auth.Method() == AuthMethodNoAuth && offeredSet[AuthMethodNoAuth] {
			if _, err := conn.Write(EncodeMethodSelection(AuthMethodNoAuth)); err != nil {
				return nil, err
			}
			return auth, nil
		}
	}

	conn.Write(EncodeMethodSelection(AuthMethodNoAcceptable))
	log.Debug("no acceptable authentication method", "offered", offered)
	return nil, ErrNoAcceptableMethods
}

// authenticate runs the chosen method's sub-negotiation under the
// configured auth deadline.
func (h *Handler) authenticate(conn net.Conn, method Authenticator, log *slog.Logger) (string, error) {
	if method.Method() == AuthMethodNoAuth {
		return method.Authenticate(conn, conn)
	}

	conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	defer conn.SetReadDeadline(time.Time{})

	user, err := method.Authenticate(conn, conn)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			h.cfg.Metrics.AuthFailure()
			log.Debug("authentication rejected")
		}
		return "", err
	}
	return user, nil
}

// handleConnect dials the resolved destination, replies, then relays
// until either side is done.
func (h *Handler) handleConnect(conn net.Conn, req Request, log *slog.Logger) {
	network := "tcp4"
	if req.Addr.IsIPv6() {
		network = "tcp6"
	}

	start := time.Now()
	target, err := net.DialTimeout(network, req.Addr.HostPort(), h.cfg.ConnectTimeout)
	if err != nil {
		log.Debug("connect failed", logging.KeyDestAddr, fmtAddr(req.Addr), logging.KeyError, err)
		replyForErrAndSend(conn, err)
		return
	}
	defer target.Close()
	h.cfg.Metrics.ConnectLatency(time.Since(start))

	if err := replySucceeded(conn, target.LocalAddr()); err != nil {
		log.Debug("reply write failed", logging.KeyError, err)
		return
	}

	destName := fmtAddr(req.Addr)
	if tcpAddr, ok := target.RemoteAddr().(*net.TCPAddr); ok {
		destName = h.cfg.Resolver.Reverse(tcpAddr.IP)
	}
	log.Debug("relaying", logging.KeyDestAddr, fmtAddr(req.Addr), logging.KeyDestName, destName)
	if err := relayTCP(conn, target, h.cfg.Metrics.BytesRelayed); err != nil {
		log.Debug("relay ended", logging.KeyError, err)
	}
}

// handleUDPAssociate binds a relay socket, replies with its address, then
// keeps the association alive for as long as this (blocking) control
// connection stays open.
func (h *Handler) handleUDPAssociate(conn net.Conn, req Request, log *slog.Logger) {
	bindIP := net.IPv4zero
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok && tcpAddr.IP.To4() == nil {
		bindIP = net.IPv6zero
	}

	assoc, err := newUDPAssociation(bindIP, h.cfg.Resolver, h.cfg.UDPIdleTimeout, h.cfg.UDPForward, h.cfg.Logger)
	if err != nil {
		log.Debug("udp bind failed", logging.KeyError, err)
		replyError(conn, ReplyServerFailure)
		return
	}
	defer assoc.Close()
	assoc.onDrop = h.cfg.Metrics.UDPDatagramDropped
	assoc.onBytes = h.cfg.Metrics.BytesRelayed

	if err := replySucceeded(conn, assoc.LocalAddr()); err != nil {
		log.Debug("reply write failed", logging.KeyError, err)
		return
	}

	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		log.Debug("udp association established", logging.KeyDestName, h.cfg.Resolver.Reverse(tcpAddr.IP))
	}

	h.cfg.Metrics.UDPAssociationOpened()
	defer h.cfg.Metrics.UDPAssociationClosed()

	done := make(chan struct{})
	go func() {
		assoc.run()
		close(done)
	}()

	// The control connection's only remaining job is to detect its own
	// closure; any byte or EOF on it ends the association (RFC 1928
	// section 4).
	go func() {
		buf := make([]byte, 1)
		conn.Read(buf)
		assoc.Close()
	}()

	<-done
}

// noopObserver discards every metrics event; used when a Handler is built
// without RequestObserver wiring (tests, or metrics disabled).
type noopObserver struct{}

func (noopObserver) ConnectionOpened()            {}
func (noopObserver) ConnectionClosed()            {}
func (noopObserver) ConnectionRejected()          {}
func (noopObserver) AuthFailure()                 {}
func (noopObserver) ConnectLatency(time.Duration) {}
func (noopObserver) BytesRelayed(int64)           {}
func (noopObserver) UDPAssociationOpened()        {}
func (noopObserver) UDPAssociationClosed()        {}
func (noopObserver) UDPDatagramDropped()          {}
