// SPDX-License-Identifier: GPL-3.0-or-later

package netsim_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/rbmk-project/tcpchain/netsim"
	"github.com/rbmk-project/tcpchain/netsim/app"
	"github.com/rbmk-project/tcpchain/netsim/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// losslessConfig returns the default configuration without losses.
func losslessConfig() *netsim.Config {
	config := netsim.DefaultConfig()
	config.ErrorModel.Rate = 0
	return config
}

func TestScenarioLossless(t *testing.T) {
	scenario, err := netsim.NewScenario(losslessConfig(), nil)
	require.NoError(t, err)
	assert.Len(t, scenario.Nodes(), 4)
	assert.Len(t, scenario.Links(), 3)
	assert.Equal(t, "10.0.2.2/24", scenario.Links()[2].Device(1).Addr().String())

	result, err := scenario.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scenario.ID(), result.SimulationID)
	assert.Equal(t, uint32(1000), result.PacketsSent)
	assert.Zero(t, result.SendFailures)
	assert.Equal(t, uint64(1040000), result.BytesReceived)
	assert.Zero(t, result.Drops)
	assert.Zero(t, result.QueueDrops)
	assert.Zero(t, result.TCP.FastRetransmits)
	assert.Zero(t, result.TCP.Timeouts)
	assert.Equal(t, 20*time.Second, result.EndTime)

	assert.Equal(t, app.StateStopped, scenario.Generator().State())
	assert.Equal(t, app.StateStopped, scenario.Sink().State())
	assert.Equal(t, 1, scenario.Sink().Accepted())

	// The intermediate nodes forward every segment of the flow.
	assert.Positive(t, scenario.Nodes()[1].Forwarded())
	assert.Positive(t, scenario.Nodes()[2].Forwarded())
	assert.Zero(t, scenario.Nodes()[0].Forwarded())
}

func TestScenarioOutputs(t *testing.T) {
	dir := t.TempDir()
	scenario, err := netsim.NewScenario(netsim.DefaultConfig(), &netsim.ScenarioOptions{OutputDir: dir})
	require.NoError(t, err)

	// The animation is written while assembling the scenario.
	anim, err := os.ReadFile(filepath.Join(dir, "animation.xml"))
	require.NoError(t, err)
	assert.Contains(t, string(anim), `<node id="3"`)

	result, err := scenario.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), result.PacketsSent)
	assert.Positive(t, result.Drops)
	assert.Positive(t, result.CwndSamples)
	assert.LessOrEqual(t, result.BytesReceived, uint64(1040000))

	t.Run("pcap", func(t *testing.T) {
		filep, err := os.Open(filepath.Join(dir, "sixth.pcap"))
		require.NoError(t, err)
		defer filep.Close()
		reader, err := pcapgo.NewReader(filep)
		require.NoError(t, err)
		var count int
		for {
			_, _, err := reader.ReadPacketData()
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			count++
		}
		assert.Equal(t, result.Drops, count)
	})

	t.Run("cwnd", func(t *testing.T) {
		filep, err := os.Open(filepath.Join(dir, "sixth.cwnd"))
		require.NoError(t, err)
		defer filep.Close()
		scanner := bufio.NewScanner(filep)
		var count int
		for scanner.Scan() {
			assert.Len(t, strings.Split(scanner.Text(), "\t"), 3)
			count++
		}
		require.NoError(t, scanner.Err())
		assert.Equal(t, result.CwndSamples, count)
	})
}

func TestScenarioDeterminism(t *testing.T) {
	run := func() *netsim.Result {
		scenario := netsim.MustNewScenario(netsim.DefaultConfig(), nil)
		result, err := scenario.Run(context.Background())
		require.NoError(t, err)
		return result
	}
	assert.Equal(t, run(), run())
}

func TestScenarioCwndSamples(t *testing.T) {
	scenario := netsim.MustNewScenario(netsim.DefaultConfig(), nil)
	var samples []tcp.CwndSample
	scenario.Socket().CongestionWindow().Subscribe(func(sample tcp.CwndSample) {
		samples = append(samples, sample)
	})
	result, err := scenario.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, result.CwndSamples)
	for idx, sample := range samples {
		assert.NotEqual(t, sample.Old, sample.New)
		if idx > 0 {
			assert.Equal(t, samples[idx-1].New, sample.Old)
			assert.GreaterOrEqual(t, sample.At, samples[idx-1].At)
		}
	}
}

func TestScenarioRunTwice(t *testing.T) {
	scenario := netsim.MustNewScenario(losslessConfig(), nil)
	_, err := scenario.Run(context.Background())
	require.NoError(t, err)
	_, err = scenario.Run(context.Background())
	assert.ErrorIs(t, err, netsim.ErrAlreadyRan)
}

func TestScenarioCanceled(t *testing.T) {
	scenario := netsim.MustNewScenario(losslessConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := scenario.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Zero(t, result.PacketsSent)
	assert.Zero(t, result.EndTime)
}

func TestScenarioInvalid(t *testing.T) {
	config := netsim.DefaultConfig()
	config.Generator.PacketCount = 0
	_, err := netsim.NewScenario(config, nil)
	assert.ErrorIs(t, err, netsim.ErrInvalidConfig)
	assert.Panics(t, func() { netsim.MustNewScenario(config, nil) })

	config = netsim.DefaultConfig()
	_, err = netsim.NewScenario(config, &netsim.ScenarioOptions{
		OutputDir: filepath.Join(t.TempDir(), "nonexistent"),
	})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestScenarioMetrics(t *testing.T) {
	metrics := netsim.NewMetrics()
	scenario := netsim.MustNewScenario(losslessConfig(), &netsim.ScenarioOptions{Metrics: metrics})
	result, err := scenario.Run(context.Background())
	require.NoError(t, err)

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "simulationId" {
					assert.Equal(t, scenario.ID(), label.GetValue())
				}
			}
			switch {
			case metric.GetCounter() != nil:
				values[family.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[family.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1000), values["tcpchain_packets_sent_total"])
	assert.Equal(t, float64(0), values["tcpchain_send_failures_total"])
	assert.Equal(t, float64(result.BytesReceived), values["tcpchain_sink_bytes_total"])
	assert.Equal(t, float64(20), values["tcpchain_simulated_seconds"])
	assert.Equal(t, float64(scenario.Socket().Cwnd()), values["tcpchain_cwnd_bytes"])

	path := filepath.Join(t.TempDir(), "tcpchain.prom")
	require.NoError(t, metrics.WriteToTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data),
		`tcpchain_packets_sent_total{simulationId="`+scenario.ID()+`"} 1000`)
}

func TestScenarioClose(t *testing.T) {
	dir := t.TempDir()
	scenario := netsim.MustNewScenario(losslessConfig(), &netsim.ScenarioOptions{OutputDir: dir})
	require.NoError(t, scenario.Close())
	data, err := os.ReadFile(filepath.Join(dir, "sixth.pcap"))
	require.NoError(t, err)

	// Only the file header, since nothing ran.
	assert.Len(t, data, 24)
}
