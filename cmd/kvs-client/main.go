package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ryansann/kvs"
	"github.com/ryansann/kvs/pkg/tcp"
)

const defaultAddr = "127.0.0.1:4000"

func usage() {
	fmt.Fprint(os.Stderr, `kvs-client - talk to a kvs-server

Usage:
  kvs-client [-addr host:port] get <key>
  kvs-client [-addr host:port] set <key> <value>
  kvs-client [-addr host:port] rm <key>

The -addr flag may also follow the command.
`)
}

func main() {
	global := flag.NewFlagSet("kvs-client", flag.ExitOnError)
	global.Usage = usage
	addr := global.String("addr", defaultAddr, "server address")
	timeout := global.Duration("timeout", 10*time.Second, "request timeout")
	global.Parse(os.Args[1:])

	if global.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := global.Arg(0)

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.Usage = usage
	fs.StringVar(addr, "addr", *addr, "server address")
	fs.DurationVar(timeout, "timeout", *timeout, "request timeout")
	fs.Parse(global.Args()[1:])

	client := tcp.NewClient(*addr, tcp.Timeout(*timeout))

	err := run(client, cmd, fs.Args())
	if err != nil {
		if errors.Is(err, kvs.ErrKeyNotFound) {
			fmt.Println("Key not found")
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run(client *tcp.Client, cmd string, args []string) error {
	switch cmd {
	case "get":
		if len(args) != 1 {
			return errors.New("get takes exactly one argument: <key>")
		}

		val, ok, err := client.Get(args[0])
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

		return client.Set(args[0], args[1])
	case "rm":
		if len(args) != 1 {
			return errors.New("rm takes exactly one argument: <key>")
		}

		return client.Remove(args[0])
	default:
		usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}

	return nil
}
