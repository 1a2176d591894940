package main

import (
	"context"
	"flag"
	"io/fs"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/biostream"
	"github.com/banshee-data/biostream/internal/api"
	"github.com/banshee-data/biostream/internal/config"
	"github.com/banshee-data/biostream/internal/db"
	"github.com/banshee-data/biostream/internal/serialport"
)

var (
	devMode    = flag.Bool("dev", false, "Run in dev mode with a synthetic signal source")
	listen     = flag.String("listen", ":8080", "Listen address")
	port       = flag.String("port", "/dev/ttyUSB0", "Serial port to use (ignored in dev mode)")
	configPath = flag.String("config", "", "Path to a sensor config JSON file (defaults used when empty)")
	dbFile     = flag.String("db", "biostream.db", "SQLite database path (empty disables recording)")
)

// encodeFrame packs microvolt values into one wire frame:
// [SYNC.. CTR CHn_H CHn_L .. END].
func encodeFrame(p *config.PacketFormat, seq byte, uvs ...float64) []byte {
	fullScale := float64(int(1) << p.ADCBits)
	frame := append([]byte(nil), p.SyncBytes...)
	frame = append(frame, seq)
	for _, uv := range uvs {
		raw := int(math.Round((uv + p.VRefMillivolts/2) * fullScale / p.VRefMillivolts))
		if raw < 0 {
			raw = 0
		}
		if raw > int(fullScale)-1 {
			raw = int(fullScale) - 1
		}
		frame = append(frame, byte(raw>>8), byte(raw))
	}
	return append(frame, p.EndByte)
}

// synthPort returns a mock port generating an endless synthetic signal: a
// gated EMG burst on ch0 and a blink-shaped EOG pulse on ch1 every three
// seconds. Frames are paced to roughly the configured sampling rate so the
// dev server behaves like real hardware.
func synthPort(cfg *config.SensorConfig) *serialport.MockPort {
	rate := float64(*cfg.SamplingRate)
	batch := int(rate / 4)
	mock := serialport.NewMockPort()

	var seq byte
	var n int
	refill := func() {
		time.Sleep(time.Duration(float64(batch) / rate * float64(time.Second)))
		buf := make([]byte, 0, batch*cfg.Packet.Length)
		for i := 0; i < batch; i++ {
			t := float64(n) / rate
			n++
			seq++

			// EMG: half-second 80 Hz burst every two seconds, plus noise.
			uv0 := 20 * (rand.Float64() - 0.5)
			if math.Mod(t, 2) < 0.5 {
				uv0 += 400 * math.Sin(2*math.Pi*80*t)
			}

			// EOG: a 200 ms half-sine pulse every three seconds.
			uv1 := 0.0
			if phase := math.Mod(t, 3); phase < 0.2 {
				uv1 = 350 * math.Sin(math.Pi*phase/0.2)
			}

			buf = append(buf, encodeFrame(cfg.Packet, seq, uv0, uv1)...)
		}
		mock.QueueRead(buf)
	}
	refill()
	mock.OnEmpty(refill)
	return mock
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.DefaultSensorConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadSensorConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	portName := *port
	if portName == "" {
		portName = cfg.Port
	}
	if !*devMode && portName == "" {
		log.Fatal("Serial port is required")
	}

	var opener api.PortOpener
	if *devMode {
		portName = "synthetic"
		opener = func() (serialport.Porter, error) {
			return synthPort(cfg), nil
		}
	} else {
		opts := serialport.Options{}
		if cfg.BaudRate != nil {
			opts.BaudRate = *cfg.BaudRate
		}
		opener = func() (serialport.Porter, error) {
			return serialport.Open(portName, opts)
		}
	}

	var database *db.DB
	if *dbFile != "" {
		var err error
		database, err = db.NewDB(*dbFile)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiServer := api.NewServer(cfg, opener, portName, database)

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := apiServer.ServeMux()
		if database != nil {
			database.AttachAdminRoutes(mux)
		}

		// read static files from the embedded filesystem in production or
		// from the local ./static in dev for easier iteration without
		// restarting the server
		if *devMode {
			mux.Handle("/", http.FileServer(http.Dir("./static")))
		} else {
			staticFS, err := fs.Sub(biostream.StaticFiles, "static")
			if err != nil {
				log.Fatalf("failed to mount static files: %v", err)
			}
			mux.Handle("/", http.FileServer(http.FS(staticFS)))
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("listening on %s (port %s)", *listen, portName)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		// Stop any live session and let the recorder finish flushing.
		apiServer.Shutdown()

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
