// storagectl talks to a storage server through the storage proxy.
//
//	storagectl call dbEnvGet '"gameTime"'
//	storagectl publish tickStarted 1234
//	storagectl tail '*'
//
// The server is found through STORAGE_HOST/STORAGE_PORT or, without a port, through
// etcd discovery.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog/log"

	"storage-rpc/config"
	"storage-rpc/logging"
	"storage-rpc/storage"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	timeout := flag.Duration("timeout", 10*time.Second, "how long to wait for a call")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] call METHOD [JSON_ARG...] | publish CHANNEL JSON | tail CHANNEL\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if _, err := logging.Configure(cfg.Log, "storagectl"); err != nil {
		log.Fatal().Err(err).Msg("failed to configure logging")
	}

	proxy, err := storage.FromConfig(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create storage proxy")
	}
	defer proxy.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	err = proxy.Connect(ctx)
	if err == nil {
		err = run(ctx, proxy, *timeout, flag.Arg(0), flag.Args()[1:])
	}
	if err != nil {
		log.Error().Err(err).Msg("failed")
		proxy.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, proxy *storage.Proxy, timeout time.Duration, cmd string, args []string) error {
	switch cmd {
	case "call":
		return call(ctx, proxy, timeout, args[0], args[1:])
	case "publish":
		return publish(ctx, proxy, timeout, args)
	case "tail":
		return tail(ctx, proxy, args[0])
	}
	flag.Usage()
	return errors.Errorf("unknown command %q", cmd)
}

func parseArgs(raw []string) ([]any, error) {
	args := make([]any, 0, len(raw))
	for i, a := range raw {
		if !json.Valid([]byte(a)) {
			return nil, errors.Errorf("argument %d is not valid JSON: %s", i+1, a)
		}
		args = append(args, json.RawMessage(a))
	}
	return args, nil
}

func call(ctx context.Context, proxy *storage.Proxy, timeout time.Duration, method string, raw []string) error {
	args, err := parseArgs(raw)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result, err := proxy.Call(ctx, method, args...)
	if err != nil {
		return errors.Trace(err)
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	fmt.Println(string(result))
	return nil
}

func publish(ctx context.Context, proxy *storage.Proxy, timeout time.Duration, raw []string) error {
	if len(raw) != 2 {
		return errors.New("publish needs CHANNEL and JSON data")
	}
	data, err := parseArgs(raw[1:])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return errors.Trace(proxy.PubSub().Publish(ctx, raw[0], data[0]))
}

// tail prints publications until interrupted. The proxy resubscribes by itself
// after a reconnect.
func tail(ctx context.Context, proxy *storage.Proxy, channel string) error {
	err := proxy.PubSub().Subscribe(channel, func(channel string, data json.RawMessage) {
		fmt.Printf("%s %s\n", channel, data)
	})
	if err != nil {
		return errors.Trace(err)
	}
	<-ctx.Done()
	return nil
}
