// SPDX-License-Identifier: GPL-3.0-or-later

package netsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/tcpchain/closepool"
	"github.com/rbmk-project/tcpchain/internal/slogx"
	"github.com/rbmk-project/tcpchain/netipx"
	"github.com/rbmk-project/tcpchain/netsim/app"
	"github.com/rbmk-project/tcpchain/netsim/errmodel"
	"github.com/rbmk-project/tcpchain/netsim/link"
	"github.com/rbmk-project/tcpchain/netsim/netstack"
	"github.com/rbmk-project/tcpchain/netsim/router"
	"github.com/rbmk-project/tcpchain/netsim/tcp"
	"github.com/rbmk-project/tcpchain/netsim/trace"
)

// ScenarioOptions contains optional [*Scenario] settings.
type ScenarioOptions struct {
	// OutputDir is the directory where the output files named by
	// [OutputsConfig] are created. Empty disables the output files.
	OutputDir string

	// Metrics, if not nil, is updated while the simulation runs.
	Metrics *Metrics

	// Logger is the structured logger. Nil disables logging.
	Logger *slog.Logger
}

// Result summarizes a simulation run.
type Result struct {
	// SimulationID identifies the configuration of the run.
	SimulationID string

	// PacketsSent is the number of packets handed to the sender socket.
	PacketsSent uint32

	// SendFailures is the number of packets the sender socket rejected.
	SendFailures uint32

	// BytesReceived is the number of bytes delivered to the sink.
	BytesReceived uint64

	// Drops counts the packets dropped by the error model.
	Drops int

	// QueueDrops counts the packets dropped by full transmit queues.
	QueueDrops int

	// CwndSamples counts the congestion window changes.
	CwndSamples int

	// TCP contains the statistics of the sender socket.
	TCP tcp.Stats

	// EndTime is the simulated time when the run ended.
	EndTime time.Duration
}

// ErrAlreadyRan indicates that a [*Scenario] already ran.
var ErrAlreadyRan = errors.New("scenario already ran")

// Scenario is a linear chain of nodes carrying one TCP flow from a
// constant-bit-rate generator to a sink across one lossy interface.
//
// The zero value is not ready to use; construct using [NewScenario].
type Scenario struct {
	config    *Config
	cwndCount int
	drops     int
	generator *app.Generator
	id        string
	links     []*Link
	logger    *slog.Logger
	metrics   *Metrics
	nodes     []*Node
	pool      closepool.Pool
	qdrops    int
	ran       bool
	sim       *Simulator
	sink      *app.Sink
	socket    *tcp.Socket
}

// NewScenario assembles the scenario described by config: topology,
// addressing, routing, error model, applications, observers, and
// output files. The simulation does not start until [*Scenario.Run].
func NewScenario(config *Config, options *ScenarioOptions) (*Scenario, error) {
	if options == nil {
		options = &ScenarioOptions{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	id, err := config.SimulationID()
	if err != nil {
		return nil, err
	}
	logger := slogx.OrDiscard(options.Logger).With(slog.String("simulationId", id))
	if dump, err := config.Dumps(); err == nil {
		logger.Debug("scenarioConfig", slog.String("config", dump))
	}
	s := &Scenario{
		config:  config,
		id:      id,
		logger:  logger,
		metrics: options.Metrics,
		sim:     NewSimulator(logger),
	}
	if err := s.setup(options.OutputDir); err != nil {
		_ = s.pool.Close()
		return nil, err
	}
	return s, nil
}

// MustNewScenario is like [NewScenario] but panics on error.
func MustNewScenario(config *Config, options *ScenarioOptions) *Scenario {
	return runtimex.Try1(NewScenario(config, options))
}

// setup assembles the scenario in order.
func (s *Scenario) setup(outputDir string) error {
	if err := s.setupTopology(); err != nil {
		return err
	}
	if err := s.setupErrorModel(); err != nil {
		return err
	}
	if err := s.setupApplications(); err != nil {
		return err
	}
	return s.setupObservers(outputDir)
}

// setupTopology creates the nodes and the links, assigns the
// addresses, and populates the routing tables.
func (s *Scenario) setupTopology() error {
	tcpConfig, err := s.config.tcpConfig()
	if err != nil {
		return err
	}
	uids := &netstack.UIDSource{}
	hosts := make([]router.Host, 0, s.config.Nodes())
	for idx := range s.config.Nodes() {
		node, err := NewNode(idx, s.sim, uids, tcpConfig, s.logger)
		if err != nil {
			return err
		}
		s.nodes = append(s.nodes, node)
		hosts = append(hosts, node)
	}
	for idx, lc := range s.config.Links {
		left, right := s.nodes[idx], s.nodes[idx+1]
		lnk, err := NewLink(s.sim, &link.Config{
			DataRate:  lc.DataRate,
			Delay:     lc.Delay,
			QueueSize: s.config.QueueSize,
		}, left, right, s.logger)
		if err != nil {
			return err
		}
		alloc, err := netipx.NewAllocator(lc.Network)
		if err != nil {
			return err
		}
		for side, node := range []*Node{left, right} {
			addr, err := alloc.Next()
			if err != nil {
				return err
			}
			lnk.Device(side).SetAddr(addr)
			node.AddDevice(lnk.Device(side))
		}
		s.links = append(s.links, lnk)
		s.logger.Debug("linkInstalled",
			slog.Int("link", idx),
			slog.String("left", lnk.Device(0).Addr().String()),
			slog.String("right", lnk.Device(1).Addr().String()),
			slog.String("dataRate", lc.DataRate.String()),
			slog.Duration("delay", lc.Delay),
		)
	}
	router.Populate(hosts...)
	return nil
}

// lossyDevice returns the device carrying the error model.
func (s *Scenario) lossyDevice() *link.Device {
	return s.links[s.config.ErrorModel.Link].Device(s.config.ErrorModel.Device)
}

// setupErrorModel installs the error model on the lossy device.
func (s *Scenario) setupErrorModel() error {
	em := &s.config.ErrorModel
	model, err := errmodel.NewRateModel(em.Rate, em.Unit, s.config.Seed)
	if err != nil {
		return err
	}
	dev := s.lossyDevice()
	dev.SetReceiveFilter(model)
	s.logger.Info("errorModelInstalled",
		slog.String("device", dev.Addr().String()),
		slog.Float64("rate", em.Rate),
		slog.String("unit", em.Unit.String()),
	)
	return nil
}

// setupApplications creates the sink and the generator and
// schedules their start and stop times.
func (s *Scenario) setupApplications() error {
	sc := &s.config.Sink
	sinkNode := s.nodes[sc.Node]
	s.sink = app.NewSink(s.sim, sinkNode.TCP(), netip.AddrPortFrom(netip.IPv4Unspecified(), sc.Port), s.logger)
	if err := sinkNode.AddApplication(s.sink, sc.Start, sc.Stop); err != nil {
		return fmt.Errorf("sink: %w", err)
	}

	gc := &s.config.Generator
	genNode := s.nodes[gc.Node]
	peer := netip.AddrPortFrom(sinkNode.Addresses()[0], sc.Port)
	s.socket = genNode.TCP().NewSocket()
	s.generator = app.NewGenerator(s.sim, s.logger)
	if err := s.generator.Configure(s.socket, peer, gc.PacketSize, gc.PacketCount, gc.DataRate); err != nil {
		return err
	}
	if err := genNode.AddApplication(s.generator, gc.Start, gc.Stop); err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	return nil
}

// setupObservers opens the output files and subscribes the observers.
func (s *Scenario) setupObservers(outputDir string) error {
	var (
		cwndWriter *trace.CwndWriter
		pcapWriter *trace.PcapWriter
	)
	if outputDir != "" {
		outputs := &s.config.Outputs
		if outputs.Animation != "" {
			if err := s.writeAnimation(filepath.Join(outputDir, outputs.Animation)); err != nil {
				return err
			}
		}
		if outputs.Cwnd != "" {
			filep, err := os.Create(filepath.Join(outputDir, outputs.Cwnd))
			if err != nil {
				return err
			}
			cwndWriter = trace.NewCwndWriter(filep)
			s.pool.Add(outputs.Cwnd, cwndWriter)
		}
		if outputs.Pcap != "" {
			filep, err := os.Create(filepath.Join(outputDir, outputs.Pcap))
			if err != nil {
				return err
			}
			pcapWriter, err = trace.NewPcapWriter(filep, 0)
			if err != nil {
				filep.Close()
				return err
			}
			s.pool.Add(outputs.Pcap, pcapWriter)
		}
	}

	s.socket.CongestionWindow().Subscribe(trace.CwndObserver(cwndWriter, s.logger))
	s.socket.CongestionWindow().Subscribe(func(tcp.CwndSample) { s.cwndCount++ })
	s.lossyDevice().Drops().Subscribe(trace.DropObserver(pcapWriter, s.logger))
	for _, lnk := range s.links {
		for side := range 2 {
			lnk.Device(side).Drops().Subscribe(s.countDrop)
		}
	}
	for _, node := range s.nodes {
		node.Drops().Subscribe(s.countDrop)
	}
	if s.metrics != nil {
		s.observeMetrics()
	}

	// Stop the applications before closing the sinks they feed.
	s.pool.AddFunc("applications", func() error {
		s.generator.Stop()
		s.sink.Stop()
		return nil
	})
	return nil
}

// countDrop accounts for a dropped packet.
func (s *Scenario) countDrop(drop link.Drop) {
	switch drop.Reason {
	case link.DropPhyRx:
		s.drops++
	case link.DropQueue:
		s.qdrops++
	}
	if s.metrics != nil {
		s.metrics.Drops.WithLabelValues(s.id, string(drop.Reason)).Inc()
	}
}

// observeMetrics subscribes the metrics to the simulation events.
func (s *Scenario) observeMetrics() {
	sent := s.metrics.PacketsSent.WithLabelValues(s.id)
	failures := s.metrics.SendFailures.WithLabelValues(s.id)
	s.generator.Sent().Subscribe(func(ev app.Sent) {
		sent.Inc()
		if ev.Err != nil {
			failures.Inc()
		}
	})
	rx := s.metrics.SinkBytes.WithLabelValues(s.id)
	s.sink.Received().Subscribe(func(ev app.Received) {
		rx.Add(float64(ev.Size))
	})
	cwnd := s.metrics.Cwnd.WithLabelValues(s.id)
	cwnd.Set(float64(s.socket.Cwnd()))
	s.socket.CongestionWindow().Subscribe(func(sample tcp.CwndSample) {
		cwnd.Set(float64(sample.New))
	})
}

// writeAnimation writes the node layout to path.
func (s *Scenario) writeAnimation(path string) error {
	layout := &trace.Layout{Nodes: s.config.Layout}
	for idx, lnk := range s.links {
		layout.Links = append(layout.Links, trace.LayoutLink{
			From:     idx,
			To:       idx + 1,
			FromAddr: lnk.Device(0).Addr().Addr(),
			ToAddr:   lnk.Device(1).Addr().Addr(),
		})
	}
	filep, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := trace.WriteAnimation(filep, layout); err != nil {
		filep.Close()
		return err
	}
	return filep.Close()
}

// ID returns the simulation identifier.
func (s *Scenario) ID() string {
	return s.id
}

// Simulator returns the event scheduler.
func (s *Scenario) Simulator() *Simulator {
	return s.sim
}

// Nodes returns the nodes of the chain.
func (s *Scenario) Nodes() []*Node {
	return s.nodes
}

// Links returns the links of the chain.
func (s *Scenario) Links() []*Link {
	return s.links
}

// Generator returns the traffic generator.
func (s *Scenario) Generator() *app.Generator {
	return s.generator
}

// Sink returns the packet sink.
func (s *Scenario) Sink() *app.Sink {
	return s.sink
}

// Socket returns the sender socket.
func (s *Scenario) Socket() *tcp.Socket {
	return s.socket
}

// Run runs the simulation until the event queue empties, the stop time
// is reached, or the context is done, then tears the scenario down. The
// result is valid even when the returned error is not nil.
func (s *Scenario) Run(ctx context.Context) (*Result, error) {
	if s.ran {
		return nil, ErrAlreadyRan
	}
	s.ran = true
	s.logger.Info("simulationStart",
		slog.String("name", s.config.Name),
		slog.Int("nodes", len(s.nodes)),
		slog.Duration("stopTime", s.config.StopTime),
	)
	s.sim.Stop(s.config.StopTime)
	runErr := s.sim.Run(ctx)
	result := s.result()
	closeErr := s.pool.Close()
	if s.metrics != nil {
		s.metrics.SimulatedSeconds.WithLabelValues(s.id).Set(result.EndTime.Seconds())
	}
	s.logger.Info("simulationDone",
		slog.Duration("t", result.EndTime),
		slog.Uint64("packetsSent", uint64(result.PacketsSent)),
		slog.Uint64("bytesReceived", result.BytesReceived),
		slog.Int("drops", result.Drops),
		slog.Int("queueDrops", result.QueueDrops),
		slog.Uint64("fastRetransmits", result.TCP.FastRetransmits),
		slog.Uint64("timeouts", result.TCP.Timeouts),
	)
	return result, errors.Join(runErr, closeErr)
}

// result collects the results of the run.
func (s *Scenario) result() *Result {
	return &Result{
		SimulationID:  s.id,
		PacketsSent:   s.generator.PacketsSent(),
		SendFailures:  s.generator.Failures(),
		BytesReceived: s.sink.TotalRx(),
		Drops:         s.drops,
		QueueDrops:    s.qdrops,
		CwndSamples:   s.cwndCount,
		TCP:           s.socket.Stats(),
		EndTime:       s.sim.Now(),
	}
}

// Close releases the resources of a scenario that did not run.
// It is a no-op after [*Scenario.Run].
func (s *Scenario) Close() error {
	return s.pool.Close()
}
