package simple

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rocketbitz/pmi-go/clique"
	"github.com/rocketbitz/pmi-go/keyval"
	"github.com/rocketbitz/pmi-go/pmi"
)

// ClientConfig identifies the task owning a Client.
type ClientConfig struct {
	Rank             int
	Size             int
	Spawned          bool
	Logger           Logger
	StructuredLogger StructuredLogger
}

// Client speaks the PMI-1 wire protocol over one stream. Every call writes a
// request and blocks for its response; a Client must not be shared between
// goroutines.
type Client struct {
	cfg         ClientConfig
	rw          io.ReadWriter
	reader      *bufio.Reader
	tel         telemetry
	initialized bool
	maxes       pmi.Maxes
	kvsname     string

	// taskmap caches the decoded process mapping for clique queries.
	taskmap       clique.Blocks
	taskmapLoaded bool
}

// NewClient returns a client using rw as its PMI channel.
func NewClient(rw io.ReadWriter, cfg ClientConfig) *Client {
	return &Client{
		cfg:    cfg,
		rw:     rw,
		reader: bufio.NewReader(rw),
		tel:    newTelemetry("pmi simple client", cfg.Logger, cfg.StructuredLogger, nil, nil),
		maxes:  pmi.DefaultMaxes(),
	}
}

// NewClientFromEnv opens the descriptor named by PMI_FD and returns a client
// for the rank and size from the environment.
func NewClientFromEnv(getenv func(string) string, logger Logger) (*Client, io.Closer, error) {
	env, err := ParseEnv(getenv)
	if err != nil {
		return nil, nil, err
	}
	f, err := OpenFD(env.FD)
	if err != nil {
		return nil, nil, err
	}
	cli := NewClient(f, ClientConfig{Rank: env.Rank, Size: env.Size, Spawned: env.Spawned, Logger: logger})
	return cli, f, nil
}

// Rank returns the task's rank.
func (c *Client) Rank() int { return c.cfg.Rank }

// Size returns the job size.
func (c *Client) Size() int { return c.cfg.Size }

// Spawned reports whether the task was started by PMI spawn.
func (c *Client) Spawned() bool { return c.cfg.Spawned }

// Initialized reports whether Init succeeded and Finalize has not run.
func (c *Client) Initialized() bool { return c.initialized }

// Maxes returns the limits negotiated at Init.
func (c *Client) Maxes() pmi.Maxes { return c.maxes }

func (c *Client) send(req string) error {
	n, err := io.WriteString(c.rw, req)
	if err != nil {
		return fmt.Errorf("write: %w: %v", pmi.ErrIO, err)
	}
	if n != len(req) {
		return fmt.Errorf("short write: %w", pmi.ErrIO)
	}
	return nil
}

func (c *Client) recv() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read: unexpected EOF: %w", pmi.ErrIO)
		}
		return "", fmt.Errorf("read: %w: %v", pmi.ErrIO, err)
	}
	if len(line) > c.maxes.LineMax() {
		return "", fmt.Errorf("response exceeds %d bytes: %w", c.maxes.LineMax(), pmi.ErrProtocol)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// rpc sends req and returns the response after checking its cmd= tag and rc=
// field. A non-zero rc is returned as its pmi.Result.
func (c *Client) rpc(op string, req *keyval.Builder, want string) (string, error) {
	if err := c.send(req.String()); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	resp, err := c.recv()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := keyval.ParseIsWord(resp, "cmd", want); err != nil {
		return "", fmt.Errorf("%s: expected cmd=%s in %q: %w", op, want, resp, pmi.ErrProtocol)
	}
	rc, err := keyval.ParseInt(resp, "rc")
	if err != nil {
		return "", fmt.Errorf("%s: missing rc in %q: %w", op, resp, pmi.ErrProtocol)
	}
	c.tel.logEvent(op, logKV("rank", c.cfg.Rank), logKV("rc", rc))
	if rc != 0 {
		return "", pmi.Result(rc).WithOp(op)
	}
	return resp, nil
}

func (c *Client) ensureInit(op string) error {
	if !c.initialized {
		return pmi.ErrInit.WithOp(op)
	}
	return nil
}

func protoField(op, field, resp string) error {
	return fmt.Errorf("%s: bad %s in %q: %w", op, field, resp, pmi.ErrProtocol)
}

// Init performs the init and get_maxes exchanges.
func (c *Client) Init() error {
	resp, err := c.rpc("init", keyval.Command("init").
		Int("pmi_version", pmi.Version).
		Int("pmi_subversion", pmi.Subversion), "response_to_init")
	if err != nil {
		return err
	}
	version, err := keyval.ParseInt(resp, "pmi_version")
	if err != nil {
		return protoField("init", "pmi_version", resp)
	}
	subversion, err := keyval.ParseInt(resp, "pmi_subversion")
	if err != nil {
		return protoField("init", "pmi_subversion", resp)
	}
	if version != pmi.Version || subversion != pmi.Subversion {
		return pmi.Fail.WithOp(fmt.Sprintf("init: server speaks %d.%d", version, subversion))
	}
	maxes, err := c.getMaxes()
	if err != nil {
		return err
	}
	c.maxes = maxes
	c.initialized = true
	return nil
}

func (c *Client) getMaxes() (pmi.Maxes, error) {
	resp, err := c.rpc("get_maxes", keyval.Command("get_maxes"), "maxes")
	if err != nil {
		return pmi.Maxes{}, err
	}
	var m pmi.Maxes
	for _, f := range []struct {
		key string
		dst *int
	}{
		{"kvsname_max", &m.KVSNameMax},
		{"keylen_max", &m.KeyLenMax},
		{"vallen_max", &m.ValLenMax},
	} {
		n, err := keyval.ParseUint(resp, f.key)
		if err != nil || n == 0 {
			return pmi.Maxes{}, protoField("get_maxes", f.key, resp)
		}
		*f.dst = int(n)
	}
	return m, nil
}

// Finalize performs the finalize exchange. The stream stays open.
func (c *Client) Finalize() error {
	if err := c.ensureInit("finalize"); err != nil {
		return err
	}
	if _, err := c.rpc("finalize", keyval.Command("finalize"), "finalize_ack"); err != nil {
		return err
	}
	c.initialized = false
	return nil
}

// Abort asks the server to terminate the job. No response is read.
func (c *Client) Abort(exitcode int, msg string) error {
	b := keyval.Command("abort").Int("exitcode", exitcode)
	if msg != "" {
		b.Word("error_msg", strings.ReplaceAll(msg, "\n", " "))
	}
	if err := c.send(b.String()); err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	return nil
}

// GetUniverseSize returns the universe size.
func (c *Client) GetUniverseSize() (int, error) {
	if err := c.ensureInit("get_universe_size"); err != nil {
		return 0, err
	}
	resp, err := c.rpc("get_universe_size", keyval.Command("get_universe_size"), "universe_size")
	if err != nil {
		return 0, err
	}
	n, err := keyval.ParseInt(resp, "size")
	if err != nil {
		return 0, protoField("get_universe_size", "size", resp)
	}
	return n, nil
}

// GetAppNum returns the application number.
func (c *Client) GetAppNum() (int, error) {
	if err := c.ensureInit("get_appnum"); err != nil {
		return 0, err
	}
	resp, err := c.rpc("get_appnum", keyval.Command("get_appnum"), "appnum")
	if err != nil {
		return 0, err
	}
	n, err := keyval.ParseInt(resp, "appnum")
	if err != nil {
		return 0, protoField("get_appnum", "appnum", resp)
	}
	return n, nil
}

// Barrier blocks until every task of the job has entered the barrier. It
// also makes committed puts visible job wide.
func (c *Client) Barrier() error {
	if err := c.ensureInit("barrier"); err != nil {
		return err
	}
	_, err := c.rpc("barrier", keyval.Command("barrier_in"), "barrier_out")
	return err
}

// KVSGetMyName returns the job's kvs name. The answer is cached.
func (c *Client) KVSGetMyName() (string, error) {
	if err := c.ensureInit("kvs_get_my_name"); err != nil {
		return "", err
	}
	if c.kvsname != "" {
		return c.kvsname, nil
	}
	resp, err := c.rpc("kvs_get_my_name", keyval.Command("get_my_kvsname"), "my_kvsname")
	if err != nil {
		return "", err
	}
	name, err := keyval.ParseWord(resp, "kvsname", c.maxes.KVSNameMax)
	if err != nil {
		return "", protoField("kvs_get_my_name", "kvsname", resp)
	}
	c.kvsname = name
	return name, nil
}

func (c *Client) checkKey(op, kvsname, key string) error {
	if err := c.maxes.CheckKVSName(kvsname); err != nil {
		return fmt.Errorf("%s: kvsname: %w", op, err)
	}
	if strings.ContainsAny(kvsname, " \t\n") {
		return pmi.ErrInvalidArg.WithOp(op + ": kvsname")
	}
	if err := c.maxes.CheckKey(key); err != nil {
		return fmt.Errorf("%s: key: %w", op, err)
	}
	if strings.ContainsAny(key, " \t\n=") {
		return pmi.ErrInvalidKey.WithOp(op)
	}
	return nil
}

// KVSPut stores key=value in the job's kvs. The value becomes visible to
// other tasks after the next Barrier.
func (c *Client) KVSPut(kvsname, key, value string) error {
	if err := c.ensureInit("kvs_put"); err != nil {
		return err
	}
	if err := c.checkKey("kvs_put", kvsname, key); err != nil {
		return err
	}
	if err := c.maxes.CheckValue(value); err != nil {
		return fmt.Errorf("kvs_put: value: %w", err)
	}
	if strings.Contains(value, "\n") {
		return pmi.ErrInvalidVal.WithOp("kvs_put")
	}
	_, err := c.rpc("kvs_put", keyval.Command("put").
		Word("kvsname", kvsname).
		Word("key", key).
		Word("value", value), "put_result")
	return err
}

// KVSCommit validates kvsname. Puts are committed by Barrier.
func (c *Client) KVSCommit(kvsname string) error {
	if err := c.ensureInit("kvs_commit"); err != nil {
		return err
	}
	if err := c.maxes.CheckKVSName(kvsname); err != nil {
		return fmt.Errorf("kvs_commit: kvsname: %w", err)
	}
	return nil
}

// KVSGet fetches the value of key. A key that does not exist fails with
// pmi.ErrInvalidKey.
func (c *Client) KVSGet(kvsname, key string) (string, error) {
	if err := c.ensureInit("kvs_get"); err != nil {
		return "", err
	}
	if err := c.checkKey("kvs_get", kvsname, key); err != nil {
		return "", err
	}
	resp, err := c.rpc("kvs_get", keyval.Command("get").
		Word("kvsname", kvsname).
		Word("key", key), "get_result")
	if err != nil {
		return "", err
	}
	value, err := keyval.ParseString(resp, "value", c.maxes.ValLenMax)
	if err != nil {
		return "", protoField("kvs_get", "value", resp)
	}
	return value, nil
}

// loadTaskmap fetches and decodes the process mapping once. A missing or
// empty mapping leaves the rank alone in its clique.
func (c *Client) loadTaskmap() (clique.Blocks, error) {
	if c.taskmapLoaded {
		return c.taskmap, nil
	}
	name, err := c.KVSGetMyName()
	if err != nil {
		return nil, err
	}
	val, err := c.KVSGet(name, pmi.ProcessMappingKey)
	switch {
	case errors.Is(err, pmi.ErrInvalidKey):
		val = ""
	case err != nil:
		return nil, err
	}
	blocks, err := clique.Decode(val)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pmi.ProcessMappingKey, err)
	}
	c.taskmap = blocks
	c.taskmapLoaded = true
	return blocks, nil
}

// GetCliqueRanks returns the ranks sharing this task's node.
func (c *Client) GetCliqueRanks() ([]int, error) {
	if err := c.ensureInit("get_clique_ranks"); err != nil {
		return nil, err
	}
	blocks, err := c.loadTaskmap()
	if err != nil {
		return nil, err
	}
	return blocks.Of(c.cfg.Rank, c.cfg.Size)
}

// GetCliqueSize returns the number of ranks sharing this task's node.
func (c *Client) GetCliqueSize() (int, error) {
	ranks, err := c.GetCliqueRanks()
	if err != nil {
		return 0, err
	}
	return len(ranks), nil
}
