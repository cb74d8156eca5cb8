package dispatch

import "time"

// CompressionType selects the stream wrapper C2 Transport applies to the
// raw socket. Only zlib:stream (spec §6.4) is implemented; the empty value
// disables compression.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionZlibStream
)

// cfg mirrors the teacher's unexported cfg struct populated by Opt values;
// cfg is never constructed directly by callers, only through New(opts...).
type cfg struct {
	logger Logger

	// connection
	pingInterval time.Duration
	retries      int // -1 forever, 0 no polling, >0 bounded
	delay        time.Duration

	// transport
	hostname      string
	port          int
	localHostname string
	localPort     int
	useUDPOneway  bool
	compression   CompressionType

	dialTimeout    time.Duration
	responseTimeout time.Duration

	// queue
	queueMaxEntries int
	queueMaxBytes   int64
	queueDBName     string
	queueNodeID     string
	queueName       string
	queueTablePrefix string

	sessionName string
	clientUser  string
}

func defaultCfg() cfg {
	return cfg{
		logger:           nopLogger{},
		pingInterval:     10 * time.Second,
		retries:          0,
		delay:            0,
		hostname:         "localhost",
		port:             7607,
		compression:      CompressionNone,
		dialTimeout:      10 * time.Second,
		responseTimeout:  0,
		queueMaxEntries:  1000,
		queueMaxBytes:    10 * 1000 * 1000,
		queueDBName:      "dispatch.db",
		queueNodeID:      "client",
		queueName:        "connection_queue",
		queueTablePrefix: "XB_",
		sessionName:      "client",
	}
}

// Opt configures a Client at construction time, mirroring the teacher's
// functional-options Opt type.
type Opt interface {
	apply(*cfg)
}

type opt func(*cfg)

func (o opt) apply(c *cfg) { o(c) }

// WithLogger installs a Logger; the default is a no-op logger.
func WithLogger(l Logger) Opt { return opt(func(c *cfg) { c.logger = l }) }

// WithPingInterval sets spec §6.4's dispatch/connection/pingInterval. Zero
// disables pings.
func WithPingInterval(d time.Duration) Opt { return opt(func(c *cfg) { c.pingInterval = d }) }

// WithRetries sets dispatch/connection/retries. -1 means retry forever; 0
// disables failsafe polling entirely.
func WithRetries(n int) Opt { return opt(func(c *cfg) { c.retries = n }) }

// WithDelay sets dispatch/connection/delay, the interval between reconnect
// attempts. Failsafe mode (spec §4.7) needs a positive delay and a
// non-zero retries.
func WithDelay(d time.Duration) Opt { return opt(func(c *cfg) { c.delay = d }) }

// WithHostname sets the broker's hostname or literal IP.
func WithHostname(h string) Opt { return opt(func(c *cfg) { c.hostname = h }) }

// WithPort sets the broker's request-socket port.
func WithPort(p int) Opt { return opt(func(c *cfg) { c.port = p }) }

// WithLocalAddr binds the outgoing socket to a specific local address.
func WithLocalAddr(host string, port int) Opt {
	return opt(func(c *cfg) { c.localHostname = host; c.localPort = port })
}

// WithUDPForOneway enables a parallel UDP socket for oneway publishes
// (dispatch/connection/plugin/socket/useUdpForOneway).
func WithUDPForOneway(v bool) Opt { return opt(func(c *cfg) { c.useUDPOneway = v }) }

// WithCompression selects a stream compressor for the socket.
func WithCompression(t CompressionType) Opt { return opt(func(c *cfg) { c.compression = t }) }

// WithDialTimeout bounds how long Connect waits for the TCP handshake.
func WithDialTimeout(d time.Duration) Opt { return opt(func(c *cfg) { c.dialTimeout = d }) }

// WithResponseTimeout bounds how long any synchronous invocation waits for
// its response; zero means wait indefinitely (subject to ConnectionLost).
func WithResponseTimeout(d time.Duration) Opt { return opt(func(c *cfg) { c.responseTimeout = d }) }

// WithQueue configures the persistent queue's caps and storage identity
// (queue/connection/maxEntries, maxBytes, dbName, nodeId, queueName,
// tablePrefix).
func WithQueue(maxEntries int, maxBytes int64, dbName, nodeID, queueName, tablePrefix string) Opt {
	return opt(func(c *cfg) {
		c.queueMaxEntries = maxEntries
		c.queueMaxBytes = maxBytes
		c.queueDBName = dbName
		c.queueNodeID = nodeID
		c.queueName = queueName
		c.queueTablePrefix = tablePrefix
	})
}

// WithSessionName sets the logical session name used as input to the
// deterministic subscriptionId derivation (spec §4.7), as the fallback
// session path of SetCallbackDispatcherActive, and as the prefix of
// Request's temporary reply topic.
func WithSessionName(name string) Opt { return opt(func(c *cfg) { c.sessionName = name }) }

// WithUser sets the connect-time user identity (xmlBlaster calls this the
// login name; it has no other effect on the core beyond being carried in
// the connect qos by the caller).
func WithUser(user string) Opt { return opt(func(c *cfg) { c.clientUser = user }) }

// failsafe reports whether the configured retries/delay enable POLLING
// rather than going straight to DEAD on a communication failure.
func (c cfg) failsafe() bool { return c.delay > 0 && c.retries != 0 }
