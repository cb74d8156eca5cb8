// Command dispatchctl is a small interactive/scripted client for exercising
// a dispatch broker connection from the shell: connect, publish, subscribe,
// get, and erase against a running broker using the options documented in
// spec §6.4/§6.6.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dispatchmq/client/pkg/dispatch"
)

const usage = `dispatchctl - talk to a dispatch broker from the command line

Usage: dispatchctl [options]

Every option consumes the next token as its value; there are no bare
boolean flags.

  -hostname <host>        broker hostname (default localhost)
  -port <n>                broker port (default 7607)
  -localHostname <host>    local bind address
  -localPort <n>           local bind port
  -useUdpForOneway <bool>  use UDP for oneway publishes
  -compress <type>         "zlib:stream" or empty
  -pingInterval <ms>       ping period while ALIVE, 0 disables
  -retries <n>             reconnect attempts while POLLING, -1 forever
  -delay <ms>              delay between reconnect attempts, >0 (with -retries
                           not 0) enables failsafe
  -queueMaxEntries <n>     persistent queue entry cap
  -queueMaxBytes <n>       persistent queue byte cap
  -queueDbName <path>      persistent queue sqlite file
  -queueNodeId <id>        persistent queue node identity
  -queueName <name>        persistent queue name
  -queueTablePrefix <pfx>  persistent queue table prefix
  -sessionName <name>      logical session name
  -user <name>             connect-time user identity
  -logLevel <level>        error | warn | info | trace | dump
  -subscribe <key>         subscribe to key and print updates to stdout
  -publish <key>           publish stdin's content under key, then exit
  -get <key>               get key's current content and print it, then exit
  -erase <key>             erase key, then exit
  -help, --help            print this message and exit
`

// parsedArgs holds the CLI-convention single-dash/double-dash values (spec
// §6.6: any other token starting with - or -- names an option whose value
// is unconditionally the next token, never a flag-style boolean).
type parsedArgs map[string]string

func parseArgs(argv []string) (parsedArgs, error) {
	out := parsedArgs{}
	for i := 0; i < len(argv); i++ {
		tok := argv[i]
		if tok == "-help" || tok == "--help" {
			out["help"] = "true"
			continue
		}
		if !strings.HasPrefix(tok, "-") {
			return nil, fmt.Errorf("unexpected token %q: every option must start with - or --", tok)
		}
		name := strings.TrimLeft(tok, "-")
		if i+1 >= len(argv) {
			return nil, fmt.Errorf("option %q requires a value", tok)
		}
		i++
		out[name] = argv[i]
	}
	return out, nil
}

func main() {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, ok := args["help"]; ok || len(os.Args) == 1 {
		fmt.Print(usage)
		os.Exit(0)
	}

	opts := buildOpts(args)
	client, err := dispatch.New(opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dispatchctl: construct client:", err)
		os.Exit(1)
	}
	defer client.Shutdown()

	if _, err := client.Connect(""); err != nil {
		fmt.Fprintln(os.Stderr, "dispatchctl: connect:", err)
		os.Exit(1)
	}

	switch {
	case args["get"] != "":
		runGet(client, args["get"])
	case args["erase"] != "":
		runErase(client, args["erase"])
	case args["publish"] != "":
		runPublish(client, args["publish"])
	case args["subscribe"] != "":
		runSubscribe(client, args["subscribe"])
	default:
		fmt.Fprintln(os.Stderr, "dispatchctl: nothing to do; pass -get, -publish, -subscribe, or -erase")
		os.Exit(1)
	}
}

func runGet(client *dispatch.Client, key string) {
	units, err := client.Get(key, "<qos/>")
	if err != nil {
		fmt.Fprintln(os.Stderr, "dispatchctl: get:", err)
		os.Exit(1)
	}
	for _, u := range units {
		fmt.Println(string(u.Content))
	}
}

func runErase(client *dispatch.Client, key string) {
	if _, err := client.Erase(key, "<qos/>"); err != nil {
		fmt.Fprintln(os.Stderr, "dispatchctl: erase:", err)
		os.Exit(1)
	}
}

func runPublish(client *dispatch.Client, key string) {
	content, err := readAllStdin()
	if err != nil {
		fmt.Fprintln(os.Stderr, "dispatchctl: read stdin:", err)
		os.Exit(1)
	}
	if _, err := client.Publish(dispatch.MessageUnit{Key: key, Content: content, Qos: "<qos/>"}); err != nil {
		fmt.Fprintln(os.Stderr, "dispatchctl: publish:", err)
		os.Exit(1)
	}
}

func runSubscribe(client *dispatch.Client, key string) {
	_, err := client.Subscribe(key, "<qos/>", func(u dispatch.MessageUnit) (string, error) {
		fmt.Printf("%s: %s\n", u.Key, u.Content)
		return "<qos><state id='OK'/></qos>", nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "dispatchctl: subscribe:", err)
		os.Exit(1)
	}
	// Block until interrupted; updates print from the handler goroutine.
	select {}
}

func readAllStdin() ([]byte, error) {
	r := bufio.NewReader(os.Stdin)
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			if err == io.EOF {
				return buf, nil
			}
			return buf, err
		}
	}
}

func buildOpts(args parsedArgs) []dispatch.Opt {
	var opts []dispatch.Opt

	if v, ok := args["hostname"]; ok {
		opts = append(opts, dispatch.WithHostname(v))
	}
	if v, ok := args["port"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			opts = append(opts, dispatch.WithPort(n))
		}
	}
	if host, ok := args["localHostname"]; ok {
		port := 0
		if v, ok := args["localPort"]; ok {
			port, _ = strconv.Atoi(v)
		}
		opts = append(opts, dispatch.WithLocalAddr(host, port))
	}
	if v, ok := args["useUdpForOneway"]; ok {
		opts = append(opts, dispatch.WithUDPForOneway(v == "true" || v == "1"))
	}
	if v, ok := args["compress"]; ok && v == "zlib:stream" {
		opts = append(opts, dispatch.WithCompression(dispatch.CompressionZlibStream))
	}
	if v, ok := args["pingInterval"]; ok {
		if ms, err := strconv.Atoi(v); err == nil {
			opts = append(opts, dispatch.WithPingInterval(time.Duration(ms)*time.Millisecond))
		}
	}
	if v, ok := args["retries"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			opts = append(opts, dispatch.WithRetries(n))
		}
	}
	if v, ok := args["delay"]; ok {
		if ms, err := strconv.Atoi(v); err == nil {
			opts = append(opts, dispatch.WithDelay(time.Duration(ms)*time.Millisecond))
		}
	}
	if v, ok := args["sessionName"]; ok {
		opts = append(opts, dispatch.WithSessionName(v))
	}
	if v, ok := args["user"]; ok {
		opts = append(opts, dispatch.WithUser(v))
	}
	if v, ok := args["logLevel"]; ok {
		opts = append(opts, dispatch.WithLogger(dispatch.NewBasicLogger(os.Stderr, dispatch.ParseLogLevel(v))))
	}

	maxEntries, maxBytes := 0, int64(0)
	dbName, nodeID, queueName, tablePrefix := "", "", "", ""
	haveQueueOpt := false
	if v, ok := args["queueMaxEntries"]; ok {
		maxEntries, _ = strconv.Atoi(v)
		haveQueueOpt = true
	}
	if v, ok := args["queueMaxBytes"]; ok {
		maxBytes, _ = strconv.ParseInt(v, 10, 64)
		haveQueueOpt = true
	}
	if v, ok := args["queueDbName"]; ok {
		dbName = v
		haveQueueOpt = true
	}
	if v, ok := args["queueNodeId"]; ok {
		nodeID = v
		haveQueueOpt = true
	}
	if v, ok := args["queueName"]; ok {
		queueName = v
		haveQueueOpt = true
	}
	if v, ok := args["queueTablePrefix"]; ok {
		tablePrefix = v
		haveQueueOpt = true
	}
	if haveQueueOpt {
		opts = append(opts, dispatch.WithQueue(maxEntries, maxBytes, dbName, nodeID, queueName, tablePrefix))
	}

	return opts
}
