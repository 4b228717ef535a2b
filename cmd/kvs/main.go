package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ryansann/kvs"
	"github.com/ryansann/kvs/config"
	"github.com/ryansann/kvs/pkg/engine"
)

func usage() {
	fmt.Fprint(os.Stderr, `kvs - operate on a local kvs data directory

Usage:
  kvs [-config path] [-dir path] get <key>
  kvs [-config path] [-dir path] set <key> <value>
  kvs [-config path] [-dir path] rm <key>
`)
}

func main() {
	cfgPath := flag.String("config", "config.json", "path to an optional JSON config file")
	dir := flag.String("dir", "", "data directory, overrides the config")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *dir != "" {
		cfg.Storage.Directory = *dir
	}

	// keep the command's stdout clean, only warnings and worse reach stderr
	if os.Getenv(config.LogLevelVar) == "" {
		cfg.Log.Level = "warn"
	}

	err = run(cfg, flag.Arg(0), flag.Args()[1:])
	if err != nil {
		if errors.Is(err, kvs.ErrKeyNotFound) {
			fmt.Println("Key not found")
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run(cfg config.Config, cmd string, args []string) error {
	log, err := cfg.Log.Logger()
	if err != nil {
		return err
	}

	var kind engine.Kind
	if cfg.Storage.Engine != "" {
		kind, err = engine.ParseKind(cfg.Storage.Engine)
		if err != nil {
			return err
		}
	}

	e, err := engine.Open(log, kind, cfg.Storage.Directory, engine.Options{
		SegmentSize:    cfg.Storage.SegmentBytes,
		MergeThreshold: cfg.Storage.MergeBytes,
		SyncInterval:   time.Duration(cfg.Storage.SyncInterval),
	})
	if err != nil {
		return err
	}
	defer e.Close()

	switch cmd {
	case "get":
		if len(args) != 1 {
			return errors.New("get takes exactly one argument: <key>")
		}

		val, ok, err := e.Get(args[0])
		if err != nil {
			return err
		}

		if !ok {
			fmt.Println("Key not found")
			return nil
		}

		fmt.Println(val)
	case "set":
		if len(args) != 2 {
			return errors.New("set takes exactly two arguments: <key> <value>")
		}

		return e.Set(args[0], args[1])
	case "rm":
		if len(args) != 1 {
			return errors.New("rm takes exactly one argument: <key>")
		}

		return e.Remove(args[0])
	default:
		usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}

	return nil
}
