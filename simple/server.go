package simple

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rocketbitz/pmi-go/keyval"
	"github.com/rocketbitz/pmi-go/pmi"
)

// ErrPending is returned by Handler callbacks whose result will be delivered
// later through Server.KVSGetComplete or Server.BarrierComplete.
var ErrPending = errors.New("simple server: response deferred")

// ErrNotPending indicates a completion with no matching deferred request.
var ErrNotPending = errors.New("simple server: no pending request")

// Status tells the caller of Request what to do with the connection.
type Status int

const (
	// StatusContinue keeps the connection open.
	StatusContinue Status = 0
	// StatusFinalized reports a finalize exchange; the caller should close the connection.
	StatusFinalized Status = 1
)

// Conn is the server side handle of one task's connection.
type Conn interface {
	// Respond sends one response line. The line carries its trailing newline.
	Respond(line string) error
}

// Handler supplies the KVS and barrier behaviour behind the protocol engine.
// Callbacks run with the server locked and must not call back into the
// Server synchronously.
type Handler interface {
	// KVSPut stores a key. A returned error is reported through its pmi.Result.
	KVSPut(kvsname, key, value string) error
	// KVSGet returns the value, a not-found error (pmi.ErrInvalidKey), or
	// ErrPending after arranging a later call to KVSGetComplete for conn.
	KVSGet(conn Conn, kvsname, key string) (string, error)
	// BarrierEnter runs once all local tasks entered the barrier. Returning
	// nil completes the barrier with success, ErrPending defers completion to
	// BarrierComplete, and any other error fails the barrier for everyone.
	BarrierEnter() error
}

// Aborter is an optional Handler extension notified of abort requests.
type Aborter interface {
	Abort(conn Conn, exitcode int, msg string)
}

// ServerConfig controls the protocol engine for one job.
type ServerConfig struct {
	KVSName          string
	AppNum           int
	UniverseSize     int
	LocalSize        int
	Maxes            pmi.Maxes
	Trace            bool
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

type clientState struct {
	rank       int
	conn       Conn
	inMultiCmd bool
	pendingGet int
}

// Server is the per-job PMI-1 wire protocol engine. It keeps one record per
// rank that has sent a request and owns the local barrier counter.
type Server struct {
	mu      sync.Mutex
	cfg     ServerConfig
	maxes   pmi.Maxes
	handler Handler
	clients map[int]*clientState
	tel     telemetry

	barrierCount   int
	barrierPending bool
	barrierCycle   int
	barrierSpan    Span
}

// NewServer validates cfg and returns an engine dispatching to handler.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("simple server: handler required")
	}
	if cfg.LocalSize <= 0 {
		return nil, fmt.Errorf("simple server: invalid local size %d", cfg.LocalSize)
	}
	if cfg.UniverseSize <= 0 {
		cfg.UniverseSize = cfg.LocalSize
	}
	if cfg.Maxes == (pmi.Maxes{}) {
		cfg.Maxes = pmi.DefaultMaxes()
	}
	if cfg.KVSName == "" {
		cfg.KVSName = NewKVSName()
	}
	if err := cfg.Maxes.CheckKVSName(cfg.KVSName); err != nil {
		return nil, fmt.Errorf("simple server: kvsname %q: %w", cfg.KVSName, err)
	}
	s := &Server{
		cfg:     cfg,
		maxes:   cfg.Maxes,
		handler: handler,
		clients: make(map[int]*clientState),
		tel:     newTelemetry("pmi simple server", cfg.Logger, cfg.StructuredLogger, cfg.Tracer, cfg.Metrics),
	}
	s.tel.base[labelKVSName] = cfg.KVSName
	return s, nil
}

// KVSName returns the job's kvs name.
func (s *Server) KVSName() string {
	return s.cfg.KVSName
}

// Maxes returns the limits advertised in get_maxes.
func (s *Server) Maxes() pmi.Maxes {
	return s.maxes
}

// Request dispatches one request line received from rank over conn. It
// returns StatusFinalized after answering finalize. An error wrapping
// pmi.ErrProtocol means the connection is unusable.
func (s *Server) Request(conn Conn, rank int, line string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line = strings.TrimRight(line, "\r\n")
	cli := s.track(conn, rank)
	s.trace(rank, "<", line)

	if len(line) > s.maxes.LineMax() {
		return StatusContinue, s.protocolError(rank, line, "line too long")
	}

	if cli.inMultiCmd {
		if strings.TrimSpace(line) == "endcmd" {
			cli.inMultiCmd = false
			return StatusContinue, s.respond(cli, "spawn", pmi.Fail, reply("spawn_result", pmi.Fail))
		}
		return StatusContinue, nil
	}

	if mcmd, err := keyval.ParseWord(line, "mcmd", 0); err == nil {
		if mcmd != "spawn" {
			return StatusContinue, s.protocolError(rank, line, "unknown mcmd")
		}
		cli.inMultiCmd = true
		return StatusContinue, nil
	}

	cmd, err := keyval.ParseWord(line, "cmd", 0)
	if err != nil {
		return StatusContinue, s.protocolError(rank, line, "missing cmd")
	}

	switch cmd {
	case "init":
		return StatusContinue, s.handleInit(cli, line)
	case "get_maxes":
		return StatusContinue, s.respond(cli, cmd, pmi.Success, reply("maxes", pmi.Success).
			Int("kvsname_max", s.maxes.KVSNameMax).
			Int("keylen_max", s.maxes.KeyLenMax).
			Int("vallen_max", s.maxes.ValLenMax))
	case "get_appnum":
		return StatusContinue, s.respond(cli, cmd, pmi.Success, reply("appnum", pmi.Success).Int("appnum", s.cfg.AppNum))
	case "get_my_kvsname":
		return StatusContinue, s.respond(cli, cmd, pmi.Success, reply("my_kvsname", pmi.Success).Word("kvsname", s.cfg.KVSName))
	case "get_universe_size":
		return StatusContinue, s.respond(cli, cmd, pmi.Success, reply("universe_size", pmi.Success).Int("size", s.cfg.UniverseSize))
	case "put":
		return StatusContinue, s.handlePut(cli, line)
	case "get":
		return StatusContinue, s.handleGet(cli, line)
	case "barrier_in":
		return StatusContinue, s.handleBarrierIn(cli)
	case "finalize":
		if err := s.respond(cli, cmd, pmi.Success, reply("finalize_ack", pmi.Success)); err != nil {
			return StatusContinue, err
		}
		return StatusFinalized, nil
	case "abort":
		s.handleAbort(cli, line)
		return StatusContinue, nil
	case "publish_name":
		return StatusContinue, s.respond(cli, cmd, pmi.Fail, reply("publish_result", pmi.Fail))
	case "unpublish_name":
		return StatusContinue, s.respond(cli, cmd, pmi.Fail, reply("unpublish_result", pmi.Fail))
	case "lookup_name":
		return StatusContinue, s.respond(cli, cmd, pmi.Fail, reply("lookup_result", pmi.Fail))
	default:
		return StatusContinue, s.protocolError(rank, line, "unknown command")
	}
}

func (s *Server) track(conn Conn, rank int) *clientState {
	cli, ok := s.clients[rank]
	if !ok || cli.conn != conn {
		cli = &clientState{rank: rank, conn: conn}
		s.clients[rank] = cli
	}
	return cli
}

// Disconnect forgets rank's connection. Later barrier broadcasts skip it.
func (s *Server) Disconnect(rank int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, rank)
}

// Clients returns the number of tracked connections.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleInit(cli *clientState, line string) error {
	version, err := keyval.ParseInt(line, "pmi_version")
	if err != nil {
		return s.protocolError(cli.rank, line, "pmi_version")
	}
	subversion, err := keyval.ParseInt(line, "pmi_subversion")
	if err != nil {
		return s.protocolError(cli.rank, line, "pmi_subversion")
	}
	rc := pmi.Success
	if version < pmi.Version || (version == pmi.Version && subversion < pmi.Subversion) {
		rc = pmi.Fail
	}
	return s.respond(cli, "init", rc, reply("response_to_init", rc).
		Int("pmi_version", pmi.Version).
		Int("pmi_subversion", pmi.Subversion))
}

// parseNameKey extracts kvsname and key, mapping overflow to field specific codes.
func (s *Server) parseNameKey(line string) (string, string, pmi.Result, error) {
	kvsname, err := keyval.ParseWord(line, "kvsname", s.maxes.KVSNameMax)
	switch {
	case errors.Is(err, keyval.ErrValLen):
		return "", "", pmi.ErrInvalidLength, nil
	case err != nil:
		return "", "", 0, err
	}
	key, err := keyval.ParseWord(line, "key", s.maxes.KeyLenMax)
	switch {
	case errors.Is(err, keyval.ErrValLen):
		return "", "", pmi.ErrInvalidKeyLength, nil
	case err != nil:
		return "", "", 0, err
	}
	return kvsname, key, pmi.Success, nil
}

func (s *Server) handlePut(cli *clientState, line string) error {
	kvsname, key, rc, err := s.parseNameKey(line)
	if err != nil {
		return s.protocolError(cli.rank, line, "put fields")
	}
	if rc == pmi.Success {
		value, err := keyval.ParseString(line, "value", s.maxes.ValLenMax)
		switch {
		case errors.Is(err, keyval.ErrValLen):
			rc = pmi.ErrInvalidValLength
		case err != nil:
			return s.protocolError(cli.rank, line, "put value")
		default:
			rc = pmi.ResultOf(s.handler.KVSPut(kvsname, key, value))
		}
	}
	return s.respond(cli, "put", rc, reply("put_result", rc))
}

func (s *Server) handleGet(cli *clientState, line string) error {
	kvsname, key, rc, err := s.parseNameKey(line)
	if err != nil {
		return s.protocolError(cli.rank, line, "get fields")
	}
	if rc != pmi.Success {
		return s.respond(cli, "get", rc, reply("get_result", rc))
	}
	cli.pendingGet++
	value, err := s.handler.KVSGet(cli.conn, kvsname, key)
	if errors.Is(err, ErrPending) {
		s.tel.logEvent("get_deferred", logKV("rank", cli.rank), logKV("key", key))
		if s.tel.metrics != nil {
			s.tel.metrics.GetDeferred(s.tel.metricAttrs())
		}
		return nil
	}
	return s.finishGet(cli, value, err)
}

func (s *Server) finishGet(cli *clientState, value string, err error) error {
	cli.pendingGet--
	rc := pmi.ResultOf(err)
	b := reply("get_result", rc)
	if err == nil {
		b.Word("value", value)
	}
	return s.respond(cli, "get", rc, b)
}

// KVSGetComplete answers a get previously deferred by Handler.KVSGet. A nil
// err sends value; otherwise err's pmi.Result is reported, typically
// pmi.ErrInvalidKey for a key that does not exist.
func (s *Server) KVSGetComplete(conn Conn, value string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cli := range s.clients {
		if cli.conn == conn && cli.pendingGet > 0 {
			return s.finishGet(cli, value, err)
		}
	}
	return ErrNotPending
}

func (s *Server) handleBarrierIn(cli *clientState) error {
	if s.barrierCount == 0 {
		s.barrierCycle++
		s.barrierSpan = s.tel.startSpan("pmi-barrier",
			logKV("kvsname", s.cfg.KVSName),
			logKV("cycle", s.barrierCycle),
			logKV("local_size", s.cfg.LocalSize))
	}
	s.barrierCount++
	spanAddEvent(s.barrierSpan, "enter", logKV("rank", cli.rank))
	s.recordRequest("barrier_in", pmi.Success)
	if s.barrierCount < s.cfg.LocalSize || s.barrierPending {
		return nil
	}
	err := s.handler.BarrierEnter()
	if errors.Is(err, ErrPending) {
		s.barrierPending = true
		spanAddEvent(s.barrierSpan, "deferred")
		return nil
	}
	return s.completeBarrier(pmi.ResultOf(err))
}

// BarrierComplete finishes a barrier deferred by Handler.BarrierEnter,
// broadcasting rc to every tracked connection.
func (s *Server) BarrierComplete(rc pmi.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.barrierPending {
		return ErrNotPending
	}
	return s.completeBarrier(rc)
}

func (s *Server) completeBarrier(rc pmi.Result) error {
	s.barrierPending = false
	s.barrierCount = 0
	status := "ok"
	var rcErr error
	if rc != pmi.Success {
		status = "error"
		rcErr = rc.WithOp("barrier")
	}
	line := reply("barrier_out", rc).String()
	var errs []error
	for _, cli := range s.clients {
		s.trace(cli.rank, ">", line)
		if err := cli.conn.Respond(line); err != nil {
			errs = append(errs, fmt.Errorf("rank %d: %w", cli.rank, err))
		}
	}
	s.tel.logEvent("barrier_complete", logKV("cycle", s.barrierCycle), logKV("rc", int(rc)), logKV("clients", len(s.clients)))
	if s.tel.metrics != nil {
		s.tel.metrics.BarrierCompleted(s.tel.metricAttrs(logKV(labelStatus, status)))
	}
	spanRecordError(s.barrierSpan, rcErr)
	spanEnd(s.barrierSpan, rcErr)
	s.barrierSpan = nil
	return errors.Join(errs...)
}

func (s *Server) handleAbort(cli *clientState, line string) {
	exitcode, err := keyval.ParseInt(line, "exitcode")
	if err != nil {
		exitcode = 1
	}
	msg, _ := keyval.ParseString(line, "error_msg", 0)
	s.tel.logEvent("abort", logKV("rank", cli.rank), logKV("exitcode", exitcode), logKV("msg", msg))
	s.recordRequest("abort", pmi.Success)
	if a, ok := s.handler.(Aborter); ok {
		a.Abort(cli.conn, exitcode, msg)
	}
}

// reply starts a response line carrying rc.
func reply(name string, rc pmi.Result) *keyval.Builder {
	return keyval.Command(name).Int("rc", int(rc))
}

func (s *Server) respond(cli *clientState, cmd string, rc pmi.Result, b *keyval.Builder) error {
	line := b.String()
	s.recordRequest(cmd, rc)
	s.trace(cli.rank, ">", line)
	if err := cli.conn.Respond(line); err != nil {
		return fmt.Errorf("respond to rank %d: %w", cli.rank, err)
	}
	return nil
}

func (s *Server) recordRequest(cmd string, rc pmi.Result) {
	if s.tel.metrics == nil {
		return
	}
	status := "ok"
	if rc != pmi.Success {
		status = "error"
	}
	s.tel.metrics.RequestHandled(s.tel.metricAttrs(logKV(labelCommand, cmd), logKV(labelStatus, status)))
}

func (s *Server) protocolError(rank int, line, reason string) error {
	s.tel.logEvent("protocol_error", logKV("rank", rank), logKV("reason", reason), logKV("line", line))
	if s.tel.metrics != nil {
		s.tel.metrics.ProtocolError(s.tel.metricAttrs())
	}
	return fmt.Errorf("rank %d: %s: %w", rank, reason, pmi.ErrProtocol)
}

func (s *Server) trace(rank int, direction, line string) {
	if !s.cfg.Trace {
		return
	}
	s.tel.logEvent("trace", logKV("rank", rank), logKV("direction", direction), logKV("line", strings.TrimRight(line, "\n")))
}
