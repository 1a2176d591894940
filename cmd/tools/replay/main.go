// Command replay runs a captured byte stream through the full decode path
// offline: frame sync, parse, sequence accounting and the per-modality
// filter chains. The capture is a PCAP of the UDP bridge that mirrors the
// serial link, so field recordings replay bit-for-bit with their original
// timing.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/biostream/internal/config"
	"github.com/banshee-data/biostream/internal/dsp"
	"github.com/banshee-data/biostream/internal/frame"
)

var (
	pcapFile   = flag.String("pcap", "", "Path to PCAP file (required)")
	udpPort    = flag.Int("port", 5555, "UDP port carrying the mirrored serial stream (0 accepts any)")
	configPath = flag.String("config", "", "Path to a sensor config JSON file (defaults used when empty)")
	verbose    = flag.Bool("v", false, "Log per-frame reject detail")
)

type channelStats struct {
	count int
	sumSq float64
	min   float64
	max   float64
}

func main() {
	flag.Parse()
	if *pcapFile == "" {
		fmt.Fprintln(os.Stderr, "Error: PCAP file is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.DefaultSensorConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadSensorConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("failed to open PCAP: %v", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		log.Fatalf("failed to read PCAP header: %v", err)
	}

	kinds := cfg.ChannelKinds()
	framer := frame.NewSynchronizer(*cfg.Packet)
	parser := frame.NewParser(*cfg.Packet, frame.RangeLimits(kinds))
	router := dsp.NewRouter(kinds, cfg.Filters, float64(*cfg.SamplingRate))

	stats := make([]channelStats, cfg.Packet.ChannelCount)
	for i := range stats {
		stats[i].min = math.Inf(1)
		stats[i].max = math.Inf(-1)
	}

	var packets, payloadBytes, parsed, rejected int
	var firstTS, lastTS time.Time

	for {
		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("failed to read packet: %v", err)
		}

		pkt := gopacket.NewPacket(data, r.LinkType(), gopacket.Default)
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)
		if *udpPort != 0 && int(udp.DstPort) != *udpPort {
			continue
		}
		payload := udp.Payload
		if len(payload) == 0 {
			continue
		}

		packets++
		payloadBytes += len(payload)
		if firstTS.IsZero() {
			firstTS = ci.Timestamp
		}
		lastTS = ci.Timestamp

		framer.Feed(payload)
		for {
			candidate, ok := framer.Next()
			if !ok {
				break
			}
			// Capture timestamps stand in for arrival time so replayed
			// data keeps its original clock.
			res, err := parser.Parse(candidate, ci.Timestamp)
			if err != nil {
				rejected++
				var rej *frame.RejectError
				if errors.As(err, &rej) {
					framer.Resync(candidate)
					if *verbose {
						log.Printf("frame rejected: %s", rej.Reason)
					}
				}
				continue
			}
			if res.Duplicate {
				continue
			}
			parsed++

			routed := router.Route(res.Sample)
			for _, ch := range routed.Channels {
				s := &stats[ch.Channel]
				s.count++
				s.sumSq += ch.Filtered * ch.Filtered
				s.min = math.Min(s.min, ch.Filtered)
				s.max = math.Max(s.max, ch.Filtered)
			}
		}
	}

	printSummary(cfg, kinds, framer, parser, stats, packets, payloadBytes, parsed, rejected, firstTS, lastTS)
}

func printSummary(cfg *config.SensorConfig, kinds []config.SignalKind,
	framer *frame.Synchronizer, parser *frame.Parser, stats []channelStats,
	packets, payloadBytes, parsed, rejected int, firstTS, lastTS time.Time) {

	pstats := parser.Stats()
	duration := lastTS.Sub(firstTS).Seconds()

	fmt.Println("\n========== Replay Summary ==========")
	fmt.Printf("File: %s\n", *pcapFile)
	if duration > 0 {
		fmt.Printf("Duration: %.1f seconds\n", duration)
	}
	fmt.Printf("UDP packets: %d (%d payload bytes)\n", packets, payloadBytes)
	fmt.Println()
	fmt.Printf("Frames parsed: %d", parsed)
	if duration > 0 {
		fmt.Printf(" (%.1f Hz effective, %d Hz nominal)", float64(parsed)/duration, *cfg.SamplingRate)
	}
	fmt.Println()
	fmt.Printf("Frames rejected: %d (trailer %d, range %d)\n",
		rejected, pstats.TrailerErrors, pstats.RangeErrors)
	fmt.Printf("Sync: %d bytes skipped, %d resyncs\n", framer.SkippedBytes(), framer.Resyncs())
	fmt.Printf("Sequence: %d samples dropped, %d duplicates\n",
		pstats.DroppedSamples, pstats.Duplicates)
	fmt.Println("\nFiltered output per channel:")
	for ch, s := range stats {
		if s.count == 0 {
			fmt.Printf("  ch%d (%s): no samples\n", ch, kinds[ch])
			continue
		}
		rms := math.Sqrt(s.sumSq / float64(s.count))
		fmt.Printf("  ch%d (%s): %d samples, rms %.1f uV, range [%.1f, %.1f] uV\n",
			ch, kinds[ch], s.count, rms, s.min, s.max)
	}
	fmt.Println("====================================")
}
