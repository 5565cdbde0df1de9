// Package driverctx builds the immutable configuration every agent shares:
// the aeron directory, default term length and MTU, socket buffer sizes,
// timer constants, and threading mode. It is built once at startup from a
// flat key=value properties file (spec.md §6) with an optional YAML
// structured override (§6.4), then validated before any agent starts.
package driverctx

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ThreadingMode selects how the three agents are scheduled.
type ThreadingMode string

const (
	// ThreadingDedicated runs Conductor, Sender, and Receiver each on their
	// own goroutine with an independent idle strategy.
	ThreadingDedicated ThreadingMode = "dedicated"
	// ThreadingSharedNetwork runs Sender and Receiver on one goroutine,
	// Conductor on another.
	ThreadingSharedNetwork ThreadingMode = "shared-network"
	// ThreadingShared runs all three agents on a single goroutine.
	ThreadingShared ThreadingMode = "shared"
)

func (m ThreadingMode) valid() bool {
	switch m {
	case ThreadingDedicated, ThreadingSharedNetwork, ThreadingShared:
		return true
	default:
		return false
	}
}

// Context is the fully-validated, read-only configuration shared by all
// three agents. Nothing mutates a Context after Validate succeeds.
type Context struct {
	AeronDir   string
	TermLength int32
	MTU        int32

	SocketSndBufSize int
	SocketRcvBufSize int

	ClientLivenessTimeout   time.Duration
	PublicationLingerTimeout time.Duration
	ImageLivenessTimeout    time.Duration
	PublicationUnblockTimeout time.Duration

	Threading ThreadingMode

	MetricsAddr string

	// ReceiverInitialWindow is the constant receiverWindow value every SM
	// advertises; consumptionTermId/consumptionTermOffset advance as data
	// is consumed but the window size itself is not dynamically resized
	// (spec.md §4.6/§4.8).
	ReceiverInitialWindow int32

	// MulticastGroupSizeEstimate seeds the OMFB delay formula for receiver
	// sets the driver cannot otherwise measure. See DESIGN.md: kept a fixed
	// tunable rather than adaptive estimation, matching spec.md §9 future work.
	MulticastGroupSizeEstimate int

	// ChannelTermLengths overrides TermLength for specific channels (keyed
	// by canonical URI), set via the structured -config YAML file's
	// channelTermLength map. Channels absent from the map use TermLength.
	ChannelTermLengths map[string]int32
}

// TermLengthFor returns the term length to use for canonical, honoring a
// per-channel override if one was loaded via LoadOverrides.
func (c *Context) TermLengthFor(canonical string) int32 {
	if v, ok := c.ChannelTermLengths[canonical]; ok {
		return v
	}
	return c.TermLength
}

// Defaults returns a Context with the spec's default constants, before a
// properties file or override is applied.
func Defaults() *Context {
	return &Context{
		AeronDir:                  defaultAeronDir(),
		TermLength:                16 * 1024 * 1024,
		MTU:                       1408,
		SocketSndBufSize:          2 * 1024 * 1024,
		SocketRcvBufSize:          2 * 1024 * 1024,
		ClientLivenessTimeout:     10 * time.Second,
		PublicationLingerTimeout:  5 * time.Second,
		ImageLivenessTimeout:      10 * time.Second,
		PublicationUnblockTimeout: 15 * time.Second,
		Threading:                  ThreadingDedicated,
		MulticastGroupSizeEstimate: 10,
		ReceiverInitialWindow:      128 * 1024,
	}
}

func defaultAeronDir() string {
	if dir := os.Getenv("AERON_DIR"); dir != "" {
		return dir
	}
	return os.TempDir() + "/aeron-mediadriver"
}

// LoadProperties reads a flat key=value properties file, applying each
// recognized key onto a copy of base. Unrecognized keys are rejected: a
// typo'd key should fail fast, not be silently ignored.
func LoadProperties(base *Context, path string) (*Context, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("driverctx: open properties file: %w", err)
	}
	defer f.Close()

	cfg := *base
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("driverctx: %s:%d: expected key=value", path, lineNo)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if err := applyProperty(&cfg, key, value); err != nil {
			return nil, fmt.Errorf("driverctx: %s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("driverctx: read properties file: %w", err)
	}
	return &cfg, nil
}

func applyProperty(cfg *Context, key, value string) error {
	switch key {
	case "aeron.dir":
		cfg.AeronDir = value
	case "aeron.term.length":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		cfg.TermLength = v
	case "aeron.mtu.length":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		cfg.MTU = v
	case "aeron.socket.so_sndbuf":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.SocketSndBufSize = v
	case "aeron.socket.so_rcvbuf":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.SocketRcvBufSize = v
	case "aeron.client.liveness.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.ClientLivenessTimeout = d
	case "aeron.publication.linger.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.PublicationLingerTimeout = d
	case "aeron.image.liveness.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.ImageLivenessTimeout = d
	case "aeron.publication.unblock.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.PublicationUnblockTimeout = d
	case "aeron.threading.mode":
		cfg.Threading = ThreadingMode(value)
	case "aeron.rcv.initial.window":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		cfg.ReceiverInitialWindow = v
	default:
		return fmt.Errorf("unrecognized property %q", key)
	}
	return nil
}

func parseInt32(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

// Overrides is the optional structured tuning file layered onto a
// properties-derived Context via -config. It only carries the handful of
// settings operators reach for beyond the flat file: per-channel term
// length overrides and the multicast group-size estimate.
//
// ChannelTermLength keys must be the channel's canonical form (the same
// string channel.URI.Canonical produces), since that is what
// Conductor.onAddPublication keys its lookup by.
type Overrides struct {
	MulticastGroupSizeEstimate *int             `yaml:"multicastGroupSizeEstimate"`
	ChannelTermLength          map[string]int32 `yaml:"channelTermLength"`
}

// LoadOverrides parses a YAML overrides file and applies it onto a copy of base.
func LoadOverrides(base *Context, path string) (*Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("driverctx: read config file: %w", err)
	}
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("driverctx: parse config file: %w", err)
	}
	cfg := *base
	if o.MulticastGroupSizeEstimate != nil {
		cfg.MulticastGroupSizeEstimate = *o.MulticastGroupSizeEstimate
	}
	if len(o.ChannelTermLength) > 0 {
		cfg.ChannelTermLengths = o.ChannelTermLength
	}
	return &cfg, nil
}

// Validate checks the Context is internally consistent, per spec.md §6's
// "exit code 1 on config/validation error" contract.
func (c *Context) Validate() error {
	if c.AeronDir == "" {
		return fmt.Errorf("driverctx: aeron.dir must not be empty")
	}
	if c.TermLength < 64*1024 || c.TermLength&(c.TermLength-1) != 0 {
		return fmt.Errorf("driverctx: aeron.term.length %d must be a power of two >= 64KiB", c.TermLength)
	}
	if c.MTU <= 0 || c.MTU > c.TermLength {
		return fmt.Errorf("driverctx: aeron.mtu.length %d out of range", c.MTU)
	}
	if !c.Threading.valid() {
		return fmt.Errorf("driverctx: unknown threading mode %q", c.Threading)
	}
	if c.MulticastGroupSizeEstimate <= 0 {
		return fmt.Errorf("driverctx: multicastGroupSizeEstimate must be positive")
	}
	if c.ReceiverInitialWindow <= 0 {
		return fmt.Errorf("driverctx: aeron.rcv.initial.window must be positive")
	}
	for ch, tl := range c.ChannelTermLengths {
		if tl < 64*1024 || tl&(tl-1) != 0 {
			return fmt.Errorf("driverctx: channelTermLength[%s] %d must be a power of two >= 64KiB", ch, tl)
		}
	}
	return nil
}
