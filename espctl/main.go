package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bringyour/espconnect/connect"
	"github.com/bringyour/espconnect/protocol"
)

const EspCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `ESP control.

Window paths are project/contquery/window.

Usage:
    espctl collection <server_url> <path> [--token=<token>]
        [--filter=<filter>]
        [--option=<option>...]
        [--count=<count>]
    espctl stream <server_url> <path> [--token=<token>]
        [--maxevents=<maxevents>]
        [--ignore_deletes]
        [--option=<option>...]
        [--count=<count>]
    espctl publish <server_url> <path> [--token=<token>]
        --row=<row>...
    espctl publish-csv <server_url> <path> [--token=<token>]
        [--header]
        [--opcodes]
        [--flags]
        [--opcode=<opcode>]
        [<csv_file>]
    espctl publish-url <server_url> <path> <event_url> [--token=<token>]
        [--blocksize=<blocksize>]
    espctl stats <server_url> [--token=<token>]
        [--interval=<interval>]
        [--min_cpu=<min_cpu>]
        [--count=<count>]
    espctl logs <server_url> [--token=<token>]
        [--count=<count>]
    espctl encode [<json>]
    espctl decode [<hex>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --token=<token>              Bearer token. Without a token, a 401 prompts on the terminal.
    --filter=<filter>            Collection filter expression.
    --option=<option>            name=value subscription option.
    --count=<count>              Print this many updates then exit.
    --maxevents=<maxevents>      Stream window size [default: 50].
    --ignore_deletes             Do not retain deletes in the stream.
    --row=<row>                  Comma separated name=value pairs, one row each.
    --header                     The first csv record names the columns.
    --opcodes                    The first csv column is an opcode (i, u, p, d).
    --flags                      The csv column after the opcode is a flags column.
    --opcode=<opcode>            Opcode for csv rows without one [default: insert].
    --blocksize=<blocksize>      Events per injected block.
    --interval=<interval>        Seconds between stats reports [default: 1].
    --min_cpu=<min_cpu>          Minimum window cpu to report [default: 5].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], EspCtlVersion)
	if err != nil {
		panic(err)
	}

	if collection_, _ := opts.Bool("collection"); collection_ {
		collection(opts)
	} else if stream_, _ := opts.Bool("stream"); stream_ {
		stream(opts)
	} else if publish_, _ := opts.Bool("publish"); publish_ {
		publish(opts)
	} else if publishCsv_, _ := opts.Bool("publish-csv"); publishCsv_ {
		publishCsv(opts)
	} else if publishUrl_, _ := opts.Bool("publish-url"); publishUrl_ {
		publishUrl(opts)
	} else if stats_, _ := opts.Bool("stats"); stats_ {
		stats(opts)
	} else if logs_, _ := opts.Bool("logs"); logs_ {
		logs(opts)
	} else if encode_, _ := opts.Bool("encode"); encode_ {
		encode(opts)
	} else if decode_, _ := opts.Bool("decode"); decode_ {
		decode(opts)
	}
}

// answers authentication challenges and reports errors
type cliDelegate struct {
	ready     chan struct{}
	readyOnce sync.Once

	stateLock sync.Mutex
	prompted  bool
}

func newCliDelegate() *cliDelegate {
	return &cliDelegate{
		ready: make(chan struct{}),
	}
}

func (self *cliDelegate) Ready(server *connect.ServerConnection) {
	self.readyOnce.Do(func() {
		close(self.ready)
	})
}

func (self *cliDelegate) Authenticate(server *connect.ServerConnection, scheme string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	// one prompt per process. A rejected credential is not asked for again.
	if self.prompted {
		return
	}
	self.prompted = true

	authorization, err := promptAuthorization(scheme)
	if err != nil {
		Err.Printf("Cannot authenticate (%s).\n", err)
		return
	}
	if err := server.SetAuthorization(authorization); err != nil {
		Err.Printf("Cannot send credential (%s).\n", err)
	}
}

func (self *cliDelegate) Closed(server *connect.ServerConnection) {
	Err.Printf("Disconnected from %s.\n", server.Url())
}

func (self *cliDelegate) Error(server *connect.ServerConnection, err error) {
	Err.Printf("%s\n", err)
}

func promptAuthorization(scheme string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("server requires %s authentication and stdin is not a terminal", scheme)
	}

	switch strings.ToLower(scheme) {
	case "basic":
		fmt.Fprint(os.Stderr, "User: ")
		user, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return "", err
		}
		fmt.Fprint(os.Stderr, "Password: ")
		password, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		credential := fmt.Sprintf("%s:%s", strings.TrimSpace(user), string(password))
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(credential)), nil
	default:
		fmt.Fprint(os.Stderr, "Token: ")
		token, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return connect.BearerAuthorization(strings.TrimSpace(string(token))), nil
	}
}

// connects, waits for the server to be ready, then calls `attach`
// runs until interrupted or `done` closes
func run(opts docopt.Opts, attach func(server *connect.ServerConnection) (done <-chan struct{}, err error)) {
	serverUrl, _ := opts.String("<server_url>")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := connect.NewServerConnectionWithDefaults(ctx, serverUrl)
	if err != nil {
		Err.Printf("Invalid server url (%s).\n", err)
		return
	}
	defer server.Close()

	if token, _ := opts.String("--token"); token != "" {
		authorization := connect.BearerAuthorization(token)
		if claims, err := connect.ParseAuthorizationUnverified(authorization); err == nil && claims.Expired(time.Now()) {
			Err.Printf("Token for %s expired at %s.\n", claims.Subject, claims.ExpiresAt)
		}
		server.SetAuthorization(authorization)
	}

	delegate := newCliDelegate()
	server.AddDelegate(delegate)
	if err := server.Start(); err != nil {
		Err.Printf("Cannot connect (%s).\n", err)
		return
	}

	select {
	case <-delegate.ready:
	case <-ctx.Done():
		return
	}

	done, err := attach(server)
	if err != nil {
		Err.Printf("%s\n", err)
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func subscriptionOptions(opts docopt.Opts) map[string]string {
	options := map[string]string{}
	if values, ok := opts["--option"].([]string); ok {
		for _, value := range values {
			name, v, _ := strings.Cut(value, "=")
			options[strings.TrimSpace(name)] = strings.TrimSpace(v)
		}
	}
	return options
}

func countOpt(opts docopt.Opts) int {
	if count, err := opts.Int("--count"); err == nil {
		return count
	}
	return -1
}

// decoded values are rendered as json through the protobuf struct types
func jsonString(value any) string {
	v, err := structpb.NewValue(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	b, err := protojson.Marshal(v)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(b)
}

func rowValue(row connect.Row) map[string]any {
	value := map[string]any{}
	for name, v := range row {
		value[name] = v
	}
	return value
}

// closes `done` after `remaining` updates. Negative is unbounded.
type counter struct {
	stateLock sync.Mutex
	remaining int
	done      chan struct{}
}

func newCounter(count int) *counter {
	return &counter{
		remaining: count,
		done:      make(chan struct{}),
	}
}

func (self *counter) countDown() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.remaining <= 0 {
		return
	}
	self.remaining -= 1
	if self.remaining == 0 {
		close(self.done)
	}
}

type printDataDelegate struct {
	*counter
	// set for paged subscriptions
	collection *connect.EventCollection
}

func (self *printDataDelegate) DataChanged(ds *connect.Datasource, events []*connect.Event, clear bool) {
	if clear {
		Out.Printf("-- clear\n")
	}
	if events == nil {
		return
	}
	for _, event := range events {
		Out.Printf("%s %s\n", event.Opcode, jsonString(rowValue(event.Values)))
	}
	self.countDown()
}

func (self *printDataDelegate) InfoChanged(ds *connect.Datasource) {
	if self.collection != nil {
		Out.Printf("-- page %d/%d\n", self.collection.Page(), self.collection.Pages())
	}
}

func (self *printDataDelegate) SchemaSet(ds *connect.Datasource) {
	Out.Printf("-- schema %s\n", ds.Schema())
}

func collection(opts docopt.Opts) {
	run(opts, func(server *connect.ServerConnection) (<-chan struct{}, error) {
		path, _ := opts.String("<path>")
		options := subscriptionOptions(opts)
		if filter, _ := opts.String("--filter"); filter != "" {
			options["filter"] = filter
		}
		collection, err := server.GetEventCollection(path, options)
		if err != nil {
			return nil, err
		}
		delegate := &printDataDelegate{
			counter:    newCounter(countOpt(opts)),
			collection: collection,
		}
		if err := collection.AddDelegate(delegate); err != nil {
			return nil, err
		}
		return delegate.done, nil
	})
}

func stream(opts docopt.Opts) {
	run(opts, func(server *connect.ServerConnection) (<-chan struct{}, error) {
		path, _ := opts.String("<path>")
		options := subscriptionOptions(opts)
		if maxEvents, _ := opts.String("--maxevents"); maxEvents != "" {
			options["maxevents"] = maxEvents
		}
		if ignoreDeletes, _ := opts.Bool("--ignore_deletes"); ignoreDeletes {
			options["ignore_deletes"] = "true"
		}
		stream, err := server.GetEventStream(path, options)
		if err != nil {
			return nil, err
		}
		delegate := &printDataDelegate{
			counter: newCounter(countOpt(opts)),
		}
		if err := stream.AddDelegate(delegate); err != nil {
			return nil, err
		}
		return delegate.done, nil
	})
}

// `a=1,b=2`
func parseRow(rowStr string) connect.Row {
	row := connect.Row{}
	for _, pair := range strings.Split(rowStr, ",") {
		name, value, _ := strings.Cut(pair, "=")
		if name = strings.TrimSpace(name); name != "" {
			row[name] = strings.TrimSpace(value)
		}
	}
	return row
}

func publish(opts docopt.Opts) {
	run(opts, func(server *connect.ServerConnection) (<-chan struct{}, error) {
		path, _ := opts.String("<path>")
		publisher, err := server.GetPublisher(path, nil)
		if err != nil {
			return nil, err
		}
		rows, _ := opts["--row"].([]string)
		for _, rowStr := range rows {
			publisher.Add(parseRow(rowStr))
		}
		if err := waitPublisherReady(publisher); err != nil {
			return nil, err
		}
		if err := publisher.Publish(); err != nil {
			return nil, err
		}
		Out.Printf("Published %d rows.\n", len(rows))
		done := make(chan struct{})
		close(done)
		return done, nil
	})
}

func waitPublisherReady(publisher *connect.Publisher) error {
	timeout := time.Now().Add(30 * time.Second)
	for !publisher.Connection().IsReady() {
		if timeout.Before(time.Now()) {
			return fmt.Errorf("publisher %s not ready", publisher.Path())
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

func publishCsv(opts docopt.Opts) {
	var data []byte
	var err error
	if csvFile, _ := opts.String("<csv_file>"); csvFile != "" {
		data, err = os.ReadFile(csvFile)
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		Err.Printf("Cannot read csv (%s).\n", err)
		return
	}

	run(opts, func(server *connect.ServerConnection) (<-chan struct{}, error) {
		path, _ := opts.String("<path>")
		publisher, err := server.GetPublisher(path, nil)
		if err != nil {
			return nil, err
		}
		header, _ := opts.Bool("--header")
		opcodes, _ := opts.Bool("--opcodes")
		flags, _ := opts.Bool("--flags")
		opcode, _ := opts.String("--opcode")
		err = publisher.PublishCsv(string(data), &connect.PublishCsvOptions{
			CsvOptions: connect.CsvOptions{
				Header:  header,
				Opcodes: opcodes,
				Flags:   flags,
			},
			Opcode:          opcode,
			CloseOnComplete: true,
		})
		if err != nil {
			return nil, err
		}

		// the csv is sent once the server sends the window schema
		done := make(chan struct{})
		go func() {
			defer close(done)
			for publisher.Schema().Size() == 0 {
				time.Sleep(50 * time.Millisecond)
			}
			for publisher.Connection().IsConnected() {
				time.Sleep(50 * time.Millisecond)
			}
			Out.Printf("Published %s.\n", path)
		}()
		return done, nil
	})
}

func publishUrl(opts docopt.Opts) {
	run(opts, func(server *connect.ServerConnection) (<-chan struct{}, error) {
		path, _ := opts.String("<path>")
		eventUrl, _ := opts.String("<event_url>")
		blocksize, err := opts.Int("--blocksize")
		if err != nil {
			blocksize = 0
		}

		callback, results := connect.NewBlockingApiCallback[*connect.PublishUrlResult]()
		server.PublishUrl(path, eventUrl, blocksize, callback)
		result := <-results
		if result.Error != nil {
			return nil, result.Error
		}
		Out.Printf("Injected %s into %s (%d).\n", eventUrl, path, result.Result.StatusCode)
		done := make(chan struct{})
		close(done)
		return done, nil
	})
}

type printStatsDelegate struct {
	*counter
}

func (self *printStatsDelegate) HandleStats(stats *connect.Stats) {
	Out.Printf("-- %s\n", time.Now().Format(time.TimeOnly))
	for _, record := range stats.Records() {
		Out.Printf("%-40s cpu=%.1f interval=%.1f count=%.0f\n", record.Key, record.Cpu, record.Interval, record.Count)
	}
	if memory := stats.Memory(); memory != nil {
		Out.Printf("memory system=%d virtual=%d resident=%d\n", memory.System, memory.Virtual, memory.Resident)
	}
	self.countDown()
}

func stats(opts docopt.Opts) {
	run(opts, func(server *connect.ServerConnection) (<-chan struct{}, error) {
		options := connect.DefaultStatsOptions()
		if interval, err := opts.Int("--interval"); err == nil {
			options.Interval = interval
		}
		if minCpu, err := opts.Int("--min_cpu"); err == nil {
			options.MinCpu = minCpu
		}
		server.Stats().SetOptions(options)

		delegate := &printStatsDelegate{
			counter: newCounter(countOpt(opts)),
		}
		if err := server.Stats().AddDelegate(delegate); err != nil {
			return nil, err
		}
		return delegate.done, nil
	})
}

type printLogDelegate struct {
	*counter
}

func (self *printLogDelegate) HandleLog(log *connect.Log, message string) {
	Out.Printf("%s\n", strings.TrimRight(message, "\n"))
	self.countDown()
}

func logs(opts docopt.Opts) {
	run(opts, func(server *connect.ServerConnection) (<-chan struct{}, error) {
		delegate := &printLogDelegate{
			counter: newCounter(countOpt(opts)),
		}
		if err := server.Log().AddDelegate(delegate); err != nil {
			return nil, err
		}
		return delegate.done, nil
	})
}

func argOrStdin(opts docopt.Opts, name string) (string, error) {
	if value, _ := opts.String(name); value != "" {
		return value, nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// json in, hex encoded binary payload out
func encode(opts docopt.Opts) {
	jsonStr, err := argOrStdin(opts, "<json>")
	if err != nil {
		Err.Printf("Cannot read input (%s).\n", err)
		return
	}
	value := &structpb.Value{}
	if err := protojson.Unmarshal([]byte(jsonStr), value); err != nil {
		Err.Printf("Invalid json (%s).\n", err)
		return
	}
	data, err := protocol.Encode(value.AsInterface())
	if err != nil {
		Err.Printf("Cannot encode (%s).\n", err)
		return
	}
	Out.Printf("%s\n", hex.EncodeToString(data))
}

// hex encoded binary payload in, json out
func decode(opts docopt.Opts) {
	hexStr, err := argOrStdin(opts, "<hex>")
	if err != nil {
		Err.Printf("Cannot read input (%s).\n", err)
		return
	}
	data, err := hex.DecodeString(hexStr)
	if err != nil {
		Err.Printf("Invalid hex (%s).\n", err)
		return
	}
	value, err := protocol.Decode(data)
	if err != nil {
		Err.Printf("Cannot decode (%s).\n", err)
		return
	}
	Out.Printf("%s\n", jsonString(value))
}
