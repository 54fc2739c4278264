// SPDX-License-Identifier: GPL-3.0-or-later

package netsim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rbmk-project/tcpchain/netipx"
	"github.com/rbmk-project/tcpchain/netsim/errmodel"
	"github.com/rbmk-project/tcpchain/netsim/link"
	"github.com/rbmk-project/tcpchain/netsim/tcp"
	"github.com/rbmk-project/tcpchain/netsim/trace"
	"github.com/rbmk-project/tcpchain/netsim/units"
	"gopkg.in/yaml.v3"
)

// LinkConfig configures a point-to-point link of the chain.
type LinkConfig struct {
	// DataRate is the link bandwidth.
	DataRate units.DataRate `yaml:"dataRate"`

	// Delay is the propagation delay.
	Delay time.Duration `yaml:"delay"`

	// Network is the address block of the link. The left device
	// gets the first host address and the right device the second.
	Network netip.Prefix `yaml:"network"`
}

// ErrorModelConfig configures the error model of the lossy interface.
type ErrorModelConfig struct {
	// Link is the index of the link carrying the error model.
	Link int `yaml:"link"`

	// Device is the index of the receiving device on the link:
	// 0 for the left device and 1 for the right device.
	Device int `yaml:"device"`

	// Rate is the per-unit error rate within [0, 1].
	Rate float64 `yaml:"rate"`

	// Unit is the unit of the rate.
	Unit errmodel.Unit `yaml:"unit"`
}

// GeneratorConfig configures the traffic generator.
type GeneratorConfig struct {
	Node        int            `yaml:"node"`
	PacketSize  uint32         `yaml:"packetSize"`
	PacketCount uint32         `yaml:"packetCount"`
	DataRate    units.DataRate `yaml:"dataRate"`
	Start       time.Duration  `yaml:"start"`
	Stop        time.Duration  `yaml:"stop"`
}

// SinkConfig configures the packet sink.
type SinkConfig struct {
	Node  int           `yaml:"node"`
	Port  uint16        `yaml:"port"`
	Start time.Duration `yaml:"start"`
	Stop  time.Duration `yaml:"stop"`
}

// TCPConfig overrides the TCP defaults. Zero fields keep the
// value of [tcp.DefaultConfig].
type TCPConfig struct {
	SegmentSize uint32        `yaml:"segmentSize"`
	InitialCwnd uint32        `yaml:"initialCwnd"`
	SndBufSize  uint32        `yaml:"sndBufSize"`
	RcvBufSize  uint32        `yaml:"rcvBufSize,omitempty"`
	MinRTO      time.Duration `yaml:"minRTO"`
	InitialRTO  time.Duration `yaml:"initialRTO"`
}

// OutputsConfig names the output files, relative to the output
// directory. An empty name disables the corresponding output.
type OutputsConfig struct {
	Cwnd      string `yaml:"cwnd"`
	Pcap      string `yaml:"pcap"`
	Animation string `yaml:"animation"`
}

// Config is the scenario configuration.
//
// Construct using [DefaultConfig], [LoadConfig], or [ReadConfigFile].
type Config struct {
	// Name is the scenario name.
	Name string `yaml:"name"`

	// Seed seeds the error model.
	Seed uint64 `yaml:"seed"`

	// StopTime is the global stop time of the simulation.
	StopTime time.Duration `yaml:"stopTime"`

	// Links contains the links of the chain, which has one more
	// node than links.
	Links []LinkConfig `yaml:"links"`

	// QueueSize is the transmit queue size of every device.
	QueueSize int `yaml:"queueSize"`

	// ErrorModel configures the lossy interface.
	ErrorModel ErrorModelConfig `yaml:"errorModel"`

	// Generator configures the traffic generator.
	Generator GeneratorConfig `yaml:"generator"`

	// Sink configures the packet sink.
	Sink SinkConfig `yaml:"sink"`

	// TCP overrides the TCP defaults.
	TCP TCPConfig `yaml:"tcp"`

	// Layout contains one position per node for the animation.
	Layout []trace.Position `yaml:"layout"`

	// Outputs names the output files.
	Outputs OutputsConfig `yaml:"outputs"`
}

// DefaultConfig returns the default four-node chain scenario.
func DefaultConfig() *Config {
	return &Config{
		Name:     "tcpchain",
		Seed:     1,
		StopTime: 20 * time.Second,
		Links: []LinkConfig{
			{DataRate: 5 * units.MbitPerSecond, Delay: 2 * time.Millisecond, Network: netip.MustParsePrefix("10.0.0.0/24")},
			{DataRate: 5 * units.MbitPerSecond, Delay: 2 * time.Millisecond, Network: netip.MustParsePrefix("10.0.1.0/24")},
			{DataRate: 5 * units.MbitPerSecond, Delay: 2 * time.Millisecond, Network: netip.MustParsePrefix("10.0.2.0/24")},
		},
		QueueSize: link.DefaultQueueSize,
		ErrorModel: ErrorModelConfig{
			Link:   0,
			Device: 1,
			Rate:   0.00001,
			Unit:   errmodel.UnitByte,
		},
		Generator: GeneratorConfig{
			Node:        0,
			PacketSize:  1040,
			PacketCount: 1000,
			DataRate:    units.MbitPerSecond,
			Start:       0,
			Stop:        20 * time.Second,
		},
		Sink: SinkConfig{
			Node:  3,
			Port:  1090,
			Start: 0,
			Stop:  20 * time.Second,
		},
		TCP: TCPConfig{
			SegmentSize: 536,
			InitialCwnd: 10,
			SndBufSize:  131072,
			MinRTO:      time.Second,
			InitialRTO:  time.Second,
		},
		Layout: DefaultLayout(4),
		Outputs: OutputsConfig{
			Cwnd:      "sixth.cwnd",
			Pcap:      "sixth.pcap",
			Animation: "animation.xml",
		},
	}
}

// DefaultLayout places nodes left to right, ten units apart.
func DefaultLayout(nodes int) []trace.Position {
	layout := make([]trace.Position, 0, nodes)
	for idx := range nodes {
		layout = append(layout, trace.Position{X: float64(1 + 10*idx), Y: 2})
	}
	return layout
}

// ErrInvalidConfig indicates an invalid scenario configuration.
var ErrInvalidConfig = errors.New("invalid scenario configuration")

// LoadConfig reads a YAML configuration from r. Fields missing from
// the document keep the values of [DefaultConfig], except a missing
// layout, which is derived from the number of nodes using [DefaultLayout].
// Unknown fields are an error.
func LoadConfig(r io.Reader) (*Config, error) {
	config := DefaultConfig()
	config.Layout = nil
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if config.Layout == nil {
		config.Layout = DefaultLayout(config.Nodes())
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ReadConfigFile is like [LoadConfig] but reads from a file.
func ReadConfigFile(path string) (*Config, error) {
	filep, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer filep.Close()
	return LoadConfig(filep)
}

// Nodes returns the number of nodes of the chain.
func (c *Config) Nodes() int {
	return len(c.Links) + 1
}

// Validate returns an error wrapping [ErrInvalidConfig] when
// the configuration is not valid.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) validate() error {
	if len(c.Links) <= 0 {
		return errors.New("no links")
	}
	if c.StopTime <= 0 {
		return fmt.Errorf("non-positive stop time %s", c.StopTime)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("negative queue size %d", c.QueueSize)
	}
	for idx, lc := range c.Links {
		if lc.DataRate == 0 {
			return fmt.Errorf("link %d: zero data rate", idx)
		}
		if lc.Delay < 0 {
			return fmt.Errorf("link %d: negative delay %s", idx, lc.Delay)
		}
		if _, err := netipx.NewAllocator(lc.Network); err != nil {
			return fmt.Errorf("link %d: %w", idx, err)
		}
		for prev := range idx {
			if c.Links[prev].Network.Overlaps(lc.Network) {
				return fmt.Errorf("link %d: network %s overlaps link %d", idx, lc.Network, prev)
			}
		}
	}

	em := &c.ErrorModel
	if em.Link < 0 || em.Link >= len(c.Links) {
		return fmt.Errorf("errorModel: link %d out of range", em.Link)
	}
	if em.Device < 0 || em.Device > 1 {
		return fmt.Errorf("errorModel: device %d out of range", em.Device)
	}
	if _, err := errmodel.NewRateModel(em.Rate, em.Unit, c.Seed); err != nil {
		return fmt.Errorf("errorModel: %w", err)
	}

	gc := &c.Generator
	if gc.Node < 0 || gc.Node >= c.Nodes() {
		return fmt.Errorf("generator: node %d out of range", gc.Node)
	}
	if gc.PacketSize == 0 || gc.PacketCount == 0 || gc.DataRate == 0 {
		return errors.New("generator: packet size, packet count, and data rate must be positive")
	}
	if err := validateSchedule(gc.Start, gc.Stop); err != nil {
		return fmt.Errorf("generator: %w", err)
	}

	sc := &c.Sink
	if sc.Node < 0 || sc.Node >= c.Nodes() {
		return fmt.Errorf("sink: node %d out of range", sc.Node)
	}
	if sc.Node == gc.Node {
		return fmt.Errorf("sink: same node as the generator (%d)", sc.Node)
	}
	if sc.Port == 0 {
		return errors.New("sink: zero port")
	}
	if err := validateSchedule(sc.Start, sc.Stop); err != nil {
		return fmt.Errorf("sink: %w", err)
	}

	if _, err := c.tcpConfig(); err != nil {
		return fmt.Errorf("tcp: %w", err)
	}

	if len(c.Layout) > 0 && len(c.Layout) != c.Nodes() {
		return fmt.Errorf("layout: %d positions for %d nodes", len(c.Layout), c.Nodes())
	}
	return nil
}

// validateSchedule validates application start and stop times.
func validateSchedule(start, stop time.Duration) error {
	if start < 0 {
		return fmt.Errorf("negative start time %s", start)
	}
	if stop < start {
		return fmt.Errorf("stop time %s before start time %s", stop, start)
	}
	return nil
}

// tcpConfig returns the effective TCP configuration.
func (c *Config) tcpConfig() (*tcp.Config, error) {
	config := tcp.DefaultConfig()
	if v := c.TCP.SegmentSize; v > 0 {
		config.SegmentSize = v
	}
	if v := c.TCP.InitialCwnd; v > 0 {
		config.InitialCwnd = v
	}
	if v := c.TCP.SndBufSize; v > 0 {
		config.SndBufSize = v
	}
	if v := c.TCP.RcvBufSize; v > 0 {
		config.RcvBufSize = v
	}
	if v := c.TCP.MinRTO; v > 0 {
		config.MinRTO = v
	}
	if v := c.TCP.InitialRTO; v > 0 {
		config.InitialRTO = v
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Dumps renders the configuration as YAML.
func (c *Config) Dumps() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// simulationNamespace is the namespace of simulation identifiers.
var simulationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/rbmk-project/tcpchain"))

// SimulationID returns a name-based UUID derived from the
// configuration, so that identical configurations share an ID.
func (c *Config) SimulationID() (string, error) {
	dump, err := c.Dumps()
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(simulationNamespace, []byte(dump)).String(), nil
}
