// Command pmi exercises the bootstrap of the process it runs in.
//
//	pmi [-method m] [-v] barrier|exchange|get|info [args]
//
// Launch one copy per task; each copy bootstraps through upmi and runs the
// named subcommand.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rocketbitz/pmi-go/pmi"
	"github.com/rocketbitz/pmi-go/upmi"
)

var errUsage = errors.New("usage")

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "usage: %s [flags] barrier|exchange|get|info [args]\n", fs.Name())
	fs.SetOutput(w)
	fs.PrintDefaults()
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr, os.Getenv); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "pmi: %v\n", err)
		}
		os.Exit(1)
	}
}

type task struct {
	h    *upmi.Handle
	info upmi.Info
	out  io.Writer
	log  *zap.SugaredLogger
}

func run(args []string, stdout, stderr io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet("pmi", flag.ContinueOnError)
	fs.SetOutput(stderr)
	method := fs.String("method", "", "space separated bootstrap methods to try")
	verbose := fs.Bool("v", false, "log each PMI call to stderr")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() < 1 {
		usage(stderr, fs)
		return errUsage
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		logger = l
	}
	defer func() { _ = logger.Sync() }()

	cfg := upmi.Config{Getenv: getenv, Methods: strings.Fields(*method)}
	if *verbose {
		cfg.Logger = logger.Sugar()
	}
	h, err := upmi.Open(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()
	info, err := h.Initialize()
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	t := &task{h: h, info: info, out: stdout, log: logger.Sugar()}

	sub := fs.Arg(0)
	subArgs := fs.Args()[1:]
	switch sub {
	case "barrier":
		err = t.barrier(subArgs)
	case "exchange":
		err = t.exchange(subArgs)
	case "get":
		err = t.get(subArgs)
	case "info":
		err = t.printInfo()
	default:
		usage(stderr, fs)
		err = errUsage
	}
	if err != nil {
		_ = h.Finalize()
		return err
	}
	return h.Finalize()
}

func (t *task) barrier(args []string) error {
	fs := flag.NewFlagSet("barrier", flag.ContinueOnError)
	count := fs.Int("count", 1, "number of barriers")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	for i := 0; i < *count; i++ {
		start := time.Now()
		if err := t.h.Barrier(); err != nil {
			return fmt.Errorf("barrier %d: %w", i, err)
		}
		if t.info.Rank == 0 {
			fmt.Fprintf(t.out, "%s: completed pmi barrier on %d tasks in %.3fs.\n",
				t.info.KVSName, t.info.Size, time.Since(start).Seconds())
		}
	}
	return nil
}

func exchangeKey(rank int) string {
	return "pmi.exchange." + strconv.Itoa(rank)
}

func (t *task) exchange(args []string) error {
	fs := flag.NewFlagSet("exchange", flag.ContinueOnError)
	count := fs.Int("count", 1, "number of exchanges")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	for i := 0; i < *count; i++ {
		start := time.Now()
		value := fmt.Sprintf("%d-%d", i, t.info.Rank)
		if err := t.h.Put(exchangeKey(t.info.Rank), value); err != nil {
			return fmt.Errorf("put: %w", err)
		}
		if err := t.h.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if err := t.h.Barrier(); err != nil {
			return fmt.Errorf("barrier: %w", err)
		}
		for peer := 0; peer < t.info.Size; peer++ {
			got, err := t.h.Get(exchangeKey(peer))
			if err != nil {
				return fmt.Errorf("get rank %d: %w", peer, err)
			}
			if want := fmt.Sprintf("%d-%d", i, peer); got != want {
				return fmt.Errorf("rank %d: got %q want %q: %w", peer, got, want, pmi.ErrInvalidVal)
			}
		}
		if err := t.h.Barrier(); err != nil {
			return fmt.Errorf("barrier: %w", err)
		}
		t.log.Debugw("exchange", "round", i, "elapsed", time.Since(start))
		if t.info.Rank == 0 {
			fmt.Fprintf(t.out, "%s: completed pmi exchange on %d tasks in %.3fs.\n",
				t.info.KVSName, t.info.Size, time.Since(start).Seconds())
		}
	}
	return nil
}

func (t *task) get(args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	ranks := fs.String("ranks", "0", "ranks that print the value, or \"all\"")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		return errUsage
	}
	value, err := t.h.Get(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("get %s: %w", fs.Arg(0), err)
	}
	if *ranks == "all" || *ranks == strconv.Itoa(t.info.Rank) {
		fmt.Fprintf(t.out, "%s\n", value)
	}
	return nil
}

func (t *task) printInfo() error {
	clique, err := t.h.CliqueRanks()
	if err != nil {
		return fmt.Errorf("clique: %w", err)
	}
	parts := make([]string, len(clique))
	for i, r := range clique {
		parts[i] = strconv.Itoa(r)
	}
	fmt.Fprintf(t.out, "%d: method=%s size=%d appnum=%d universe=%d kvsname=%s clique=%s\n",
		t.info.Rank, t.h.Mode(), t.info.Size, t.info.AppNum, t.info.UniverseSize,
		t.info.KVSName, strings.Join(parts, ","))
	return nil
}
