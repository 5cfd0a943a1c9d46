// Package main implements telemetryd, the vehicle-mounted telemetry
// daemon.
//
// telemetryd is designed for unattended 24/7 operation on a vehicle's
// onboard computer: it samples an IMU at high rate, detects driving
// events (hard brakes, big corners, high-g, rough road), keeps a
// rolling video buffer so an event can be saved with pre/post
// padding, persists everything durably, and syncs to a remote sink
// whenever connectivity allows.
//
// Usage:
//
//	telemetryd [options]
//
// Options:
//
//	--config=PATH   Path to config file (default: /etc/telemetryd/config.yaml)
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--log-file=PATH Rotated log file; empty means stderr only
//	--help          Show this help message
//
// Signals:
//
//	SIGINT, SIGTERM  Graceful shutdown
//	SIGUSR1          Manual capture
//	SIGUSR2          Manual sync
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/telemetryd/telemetryd/internal/audio"
	"github.com/telemetryd/telemetryd/internal/config"
	"github.com/telemetryd/telemetryd/internal/daemon"
	"github.com/telemetryd/telemetryd/internal/detector"
	"github.com/telemetryd/telemetryd/internal/gps"
	"github.com/telemetryd/telemetryd/internal/health"
	"github.com/telemetryd/telemetryd/internal/i2cbus"
	"github.com/telemetryd/telemetryd/internal/lock"
	"github.com/telemetryd/telemetryd/internal/lowrate"
	"github.com/telemetryd/telemetryd/internal/peripheral"
	"github.com/telemetryd/telemetryd/internal/sampler"
	"github.com/telemetryd/telemetryd/internal/sharedstate"
	"github.com/telemetryd/telemetryd/internal/store"
	"github.com/telemetryd/telemetryd/internal/stream"
	"github.com/telemetryd/telemetryd/internal/supervisor"
	"github.com/telemetryd/telemetryd/internal/uplink"
	"github.com/telemetryd/telemetryd/internal/util"
	"github.com/telemetryd/telemetryd/internal/video"
)

// singleInstanceLockPath is where telemetryd records its PID to prevent
// two instances from fighting over the same I2C bus and capture buffer.
const singleInstanceLockPath = "/run/telemetryd/telemetryd.lock"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath = flag.String("config", config.ConfigFilePath, "Path to configuration file")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFile    = flag.String("log-file", "", "Path to a rotated log file; empty means stderr only")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	logWriter, closeLog, err := openLogWriter(*logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetryd: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	logger.Info("telemetryd starting", "version", Version, "commit", Commit, "built", BuildTime)

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "path", *configPath)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	resTracker := util.NewResourceTracker()
	defer func() {
		if leaked := resTracker.LeakedResources(); len(leaked) > 0 {
			logger.Warn("resources not released cleanly at shutdown", "leaked", leaked)
		}
	}()

	instanceLock, err := lock.NewFileLock(singleInstanceLockPath)
	if err != nil {
		return fmt.Errorf("single-instance lock: %w", err)
	}
	if err := instanceLock.Acquire(5 * time.Second); err != nil {
		return fmt.Errorf("another telemetryd instance is already running: %w", err)
	}
	resTracker.TrackResource("single-instance-lock", instanceLock)
	defer func() {
		resTracker.UntrackResource("single-instance-lock")
		if err := instanceLock.Release(); err != nil {
			logger.Warn("failed to release single-instance lock", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.Capture.BufferDir, 0750); err != nil { //nolint:gosec
		return fmt.Errorf("buffer dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Capture.OutputDir, 0750); err != nil { //nolint:gosec
		return fmt.Errorf("output dir: %w", err)
	}

	shared := sharedstate.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logUSBPeripheralHints(logger)

	announcer := newAnnouncer(cfg.Audio, logger)
	var audioStarted atomic.Bool

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	report, err := st.ReconcileOnBoot(context.Background())
	if err != nil {
		return fmt.Errorf("boot reconcile: %w", err)
	}
	logger.Info("boot reconcile complete", "closed_events", report.EventsClosed, "was_unclean", report.WasUnclean)

	ring := video.NewSegmentRing(cfg.Capture.BufferDir, cfg.Capture.SegmentCount, cfg.Capture.MinSegmentBytes)

	ffmpegPath, err := findFFmpegPath()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}

	encoder, err := video.NewEncoder(video.EncoderConfig{
		EncoderPath:    ffmpegPath,
		Args:           ringBufferArgs(cfg.Capture),
		BufferDir:      cfg.Capture.BufferDir,
		SegmentSeconds: cfg.Capture.SegmentSeconds,
		StallFactor:    int(cfg.Capture.StallFactor),
		LockPath:       filepath.Join(cfg.Capture.BufferDir, ".encoder.lock"),
		Logger:         logger,
	}, ring)
	if err != nil {
		return fmt.Errorf("video encoder: %w", err)
	}

	stitcher := video.NewStitcher(ring, cfg.Capture.SegmentSeconds, ffmpegPath, cfg.Capture.OutputDir, announcer, logger)

	sink := &eventSink{store: st, stitcher: stitcher, cfg: cfg.Capture, logger: logger, openIDs: make(map[detector.Kind]int64)}

	bus, err := i2cbus.Open(i2cDevicePath(), cfg.Sampler.I2CAddress)
	if err != nil {
		return fmt.Errorf("i2c bus: %w", err)
	}

	reader := &rawIMUReader{bus: bus, accelRangeG: cfg.Sampler.AccelRangeG, gyroRangeDPS: cfg.Sampler.GyroRangeDPS}

	requestReboot := func(reason string) {
		logger.Error("reboot requested", "reason", reason)
		// Actually rebooting a production vehicle computer from inside
		// this process is intentionally not automatic here; the
		// supervisor's reboot path writes the request to the log and
		// shared state so an external watchdog (systemd, a hardware
		// watchdog timer) can act on it.
		shared.PublishFunc(func(snap *sharedstate.Snapshot) {
			snap.ThrottleBitmask |= 0x1
		})
	}

	recover := func(ctx context.Context) error {
		newBus, err := i2cbus.Recover(i2cDevicePath(), cfg.Sampler.I2CAddress)
		if err != nil {
			return err
		}
		reader.mu.Lock()
		oldBus := reader.bus
		reader.bus = newBus
		reader.mu.Unlock()
		if oldBus != nil {
			_ = oldBus.Close()
		}
		return nil
	}

	samplerCfg := sampler.Config{
		Period:                      time.Duration(cfg.Sampler.PeriodMS) * time.Millisecond,
		ConsecutiveFailureThreshold: cfg.Sampler.ConsecutiveFailureThreshold,
	}
	smp := sampler.New(samplerCfg, reader, recover, shared, announcer, sink, requestReboot, logger)

	var lowRateSources []lowrate.Source
	if cfg.Sensors.Enabled["environment"] {
		lowRateSources = append(lowRateSources, lowrate.NewEnvironmentSource(readCPUTempC, cfg.LowRate.EnvironmentPeriodS))
	}
	if cfg.Sensors.Enabled["power"] {
		lowRateSources = append(lowRateSources, lowrate.NewPowerSource(lowrate.DefaultPowerSupplySysfsPath, cfg.LowRate.PowerSupplyName, cfg.LowRate.PowerPeriodS))
	}
	if cfg.Sensors.Enabled["gps"] {
		gpsPath := resolveGPSDevicePath(cfg.LowRate)
		gpsReader, err := gps.Open(gpsPath)
		if err != nil {
			logger.Warn("gps_open_failed", "path", gpsPath, "error", err)
		} else {
			defer gpsReader.Close()
			posSrc := lowrate.NewPositionSource(gpsReader, shared, cfg.LowRate.PositionPeriodS)
			if pub, ok := lowrate.Source(posSrc).(lowrate.PositionPublisher); ok {
				logger.Info("position_source_wired", "path", gpsPath, "shared_state_linked", pub.Shared() != nil)
			}
			lowRateSources = append(lowRateSources, posSrc)
		}
	}
	lowRate := lowrate.New(st, lowRateSources, logger)

	probe := uplink.NewTCPProbe(cfg.Uplink.ConnectivityProbeHost, 2*time.Second, 10*time.Second)
	httpSink := uplink.NewHTTPSink(cfg.Uplink.RemoteWriteURL)

	up := uplink.New(st, httpSink, probe, uplink.Config{
		PollInterval:     time.Duration(cfg.Uplink.PollIntervalS) * time.Second,
		BatchSize:        cfg.Uplink.BatchSize,
		MaxTooOldRetries: cfg.Uplink.MaxTooOldRetries,
	}, logger)

	sup := supervisor.New(supervisor.Config{
		ScanPeriod:       time.Duration(cfg.Supervisor.HealthPeriodS) * time.Second,
		ThermalWarnC:     cfg.Supervisor.ThermalWarnC,
		ThermalThrottleC: cfg.Supervisor.ThermalThrottleC,
		RequestReboot:    requestReboot,
		Announcer:        announcer,
		Shared:           shared,
		Logger:           logger,
	}, readCPUTempC)

	sup.Register(supervisor.NewLivenessCheck("sampler",
		func() (time.Duration, bool) {
			snap := shared.Get()
			if snap.UpdatedAt.IsZero() {
				return 0, false
			}
			return time.Since(snap.UpdatedAt), true
		},
		3*samplerCfg.Period,
		func(ctx context.Context) error { return recover(ctx) },
		cfg.Sampler.MaxResets,
		true,
	))

	sup.Register(supervisor.NewStallCheck("video",
		func(now time.Time) (bool, string) {
			info := encoder.CheckStall(now)
			if info == nil {
				return false, ""
			}
			return true, fmt.Sprintf("no new segment for %s", info.Since)
		},
		func(ctx context.Context) error { encoder.Restart(); return nil },
		3,
	))

	sup.Register(supervisor.NewDiskCheck("disk", cfg.Capture.BufferDir, 80, 90))

	sup.Register(supervisor.NewLivenessCheck("low-rate-collector",
		func() (time.Duration, bool) { return lowRate.OldestAge() },
		3*maxLowRatePeriod(cfg.LowRate),
		nil, 0, false,
	))

	sup.Register(supervisor.NewDegradedLivenessCheck("gps",
		func() (time.Duration, bool) {
			fix := shared.Get().LastFix
			if fix.At.IsZero() {
				return 0, false
			}
			return time.Since(fix.At), true
		},
		5*time.Duration(cfg.LowRate.PositionPeriodS)*time.Second,
	))

	sup.Register(supervisor.Check{
		Name: "audio-worker",
		Run: func(context.Context) (bool, error) {
			sa, ok := announcer.(*audio.SerialAnnouncer)
			if !ok {
				return true, nil
			}
			age, known := sa.Age()
			if !known {
				return true, nil
			}
			if age > 15*time.Second {
				return false, fmt.Errorf("audio worker: no heartbeat for %s", age)
			}
			return true, nil
		},
		Recover: supervisor.GuardedRecoverFunc(audioStarted.Load, func(context.Context) error {
			logger.Warn("audio_worker_unresponsive", "detail", "daemon supervisor restarts the worker goroutine on exit")
			return nil
		}),
		MaxAttempts: 3,
	})

	daemonCfg := daemon.DefaultConfig()
	daemonCfg.Logger = logger
	d := daemon.New(daemonCfg)
	d.Add("sampler", smp)
	d.Add("video-encoder", encoder)
	d.Add("uplink", up)
	d.Add("supervisor", sup)
	d.Add("lowrate-collector", lowRate)
	if sa, ok := announcer.(*audio.SerialAnnouncer); ok {
		d.Add("audio-announcer", runnableFunc(func(ctx context.Context) error {
			audioStarted.Store(true)
			sa.Run(ctx)
			return ctx.Err()
		}))
	}

	healthHandler := health.NewHandler(&componentStatus{daemon: d})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("received shutdown signal", "signal", sig)
				cancel()
				return
			case syscall.SIGUSR1:
				logger.Info("manual capture requested")
				util.SafeGo("manual-capture", logSink{logger}, func() {
					if err := sink.SaveManual(context.Background()); err != nil {
						logger.Error("manual capture failed", "error", err)
					}
				}, nil)
			case syscall.SIGUSR2:
				logger.Info("manual sync requested")
				util.SafeGo("manual-sync", logSink{logger}, func() {
					if err := up.TriggerManualSync(context.Background()); err != nil {
						logger.Warn("manual sync skipped", "error", err)
					}
				}, nil)
			}
		}
	}()

	go func() {
		if err := health.ListenAndServe(ctx, "127.0.0.1:9998", healthHandler); err != nil {
			logger.Warn("health server stopped", "error", err)
		}
	}()

	return d.Run(ctx)
}

// loadConfiguration loads the config file. When the file does not
// exist it returns the built-in defaults without creating a file.
func loadConfiguration(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newAnnouncer(cfg config.AudioConfig, logger *slog.Logger) audio.Announcer {
	if !cfg.Enabled {
		return audio.NullAnnouncer{}
	}
	settings := probeAudioSettings(cfg, logger)
	// The concrete synthesizer/tone generator is an external
	// collaborator outside this daemon's scope; the sender here only
	// logs, matching audio.SerialAnnouncer's contract of a side-effecting
	// sender function supplied by the caller.
	return audio.NewSerialAnnouncer(func(a audio.Announcement) error {
		logger.Info("driver feedback", "kind", a.Kind, "codec", settings.Codec, "sample_rate", settings.SampleRate)
		return nil
	}, logger)
}

// probeAudioSettings detects the configured output device's ALSA
// capabilities and derives the settings an announcement should use,
// falling back to a conservative default when the device can't be
// probed (not yet enumerated at startup, or no /proc/asound present).
func probeAudioSettings(cfg config.AudioConfig, logger *slog.Logger) audio.RecommendedSettings {
	fallback := audio.RecommendedSettings{SampleRate: 16000, Channels: 1, Codec: "opus", Bitrate: "24k", Format: "S16_LE"}

	card := parseALSACardNumber(cfg.DeviceHint)
	caps, err := audio.DetectCapabilities("/proc/asound", card)
	if err != nil {
		logger.Warn("audio_capability_probe_failed", "card", card, "error", err)
		return fallback
	}
	if caps.IsBusy {
		logger.Warn("audio_device_busy", "card", card, "busy_by", caps.BusyBy)
	}

	settings := audio.RecommendSettings(caps, audio.QualityLow)
	logger.Info("audio_capabilities_detected", "card", card, "device", caps.DeviceName,
		"sample_rate", settings.SampleRate, "format", settings.Format)
	return *settings
}

// parseALSACardNumber interprets AudioConfig.DeviceHint as an ALSA
// card number, defaulting to card 0 when the hint is empty or not
// numeric (e.g. a device name rather than an index).
func parseALSACardNumber(hint string) int {
	n, err := strconv.Atoi(hint)
	if err != nil {
		return 0
	}
	return n
}

func i2cDevicePath() string {
	if p := os.Getenv("TELEMETRYD_I2C_DEVICE"); p != "" {
		return p
	}
	if info, ok := resolvePeripheralPort("TELEMETRYD_I2C_USB_BUS", "TELEMETRYD_I2C_USB_DEV"); ok {
		return byPortPath(info.PortPath)
	}
	return "/dev/i2c-1"
}

// resolveGPSDevicePath prefers a live USB-topology resolution (so the
// GPS receiver's stable alias survives re-enumeration across a
// reconnect), then the configured static by-port alias, then falls
// back to the raw configured device path.
func resolveGPSDevicePath(cfg config.LowRateConfig) string {
	if info, ok := resolvePeripheralPort("TELEMETRYD_GPS_USB_BUS", "TELEMETRYD_GPS_USB_DEV"); ok {
		return byPortPath(info.PortPath)
	}
	if cfg.GPSUSBPortPath != "" {
		return byPortPath(cfg.GPSUSBPortPath)
	}
	return cfg.GPSDevicePath
}

// resolvePeripheralPort resolves a USB peripheral's physical port from
// a pair of env vars holding its kernel-assigned bus/device numbers.
// It reports ok=false when either env var is unset, malformed, or the
// device cannot currently be found (e.g. disconnected), in which case
// the caller falls back to its own statically configured device path.
func resolvePeripheralPort(busEnv, devEnv string) (peripheral.PortInfo, bool) {
	busStr, devStr := os.Getenv(busEnv), os.Getenv(devEnv)
	if busStr == "" || devStr == "" {
		return peripheral.PortInfo{}, false
	}
	bus, err := peripheral.SafeAtoi(busStr)
	if err != nil {
		return peripheral.PortInfo{}, false
	}
	dev, err := peripheral.SafeAtoi(devStr)
	if err != nil {
		return peripheral.PortInfo{}, false
	}
	info, err := peripheral.ResolvePhysicalPort("/sys/bus/usb/devices", bus, dev)
	if err != nil {
		return peripheral.PortInfo{}, false
	}
	return info, true
}

// byPortPath returns the stable udev-generated symlink path for a USB
// peripheral at portPath (see peripheral.SymlinkRule).
func byPortPath(portPath string) string {
	return filepath.Join("/dev/telemetry/by-port", portPath)
}

// logUSBPeripheralHints resolves every USB-attached peripheral whose
// bus/device env vars are set and logs the udev rule an operator would
// install to give it the stable by-port alias this daemon resolves at
// startup, so a fresh deployment's udev rules can be generated from
// the running system rather than hand-written from the topology.
func logUSBPeripheralHints(logger *slog.Logger) {
	hint := func(label, busEnv, devEnv, subsystem, kernelMatch string) {
		busStr, devStr := os.Getenv(busEnv), os.Getenv(devEnv)
		if busStr == "" || devStr == "" {
			return
		}
		bus, err := peripheral.SafeAtoi(busStr)
		if err != nil {
			logger.Warn("usb_peripheral_bus_invalid", "label", label, "error", err)
			return
		}
		dev, err := peripheral.SafeAtoi(devStr)
		if err != nil {
			logger.Warn("usb_peripheral_dev_invalid", "label", label, "error", err)
			return
		}
		info, err := peripheral.ResolvePhysicalPort("/sys/bus/usb/devices", bus, dev)
		if err != nil {
			logger.Warn("usb_peripheral_not_found", "label", label, "error", err)
			return
		}
		logger.Info("usb_peripheral_resolved", "label", label, "port", info.PortPath, "product", info.Product,
			"udev_rule", peripheral.SymlinkRule(subsystem, kernelMatch, info.PortPath, bus, dev))
	}
	hint("i2c-usb-bridge", "TELEMETRYD_I2C_USB_BUS", "TELEMETRYD_I2C_USB_DEV", "i2c-dev", "i2c-[0-9]*")
	hint("gps-receiver", "TELEMETRYD_GPS_USB_BUS", "TELEMETRYD_GPS_USB_DEV", "tty", "ttyUSB[0-9]*")
}

// maxLowRatePeriod returns the slowest configured low-rate cadence, used
// to size the aggregate staleness check's tolerance: the collector as a
// whole should not be flagged stale faster than its slowest source is
// expected to report.
func maxLowRatePeriod(cfg config.LowRateConfig) time.Duration {
	maxS := cfg.EnvironmentPeriodS
	if cfg.PowerPeriodS > maxS {
		maxS = cfg.PowerPeriodS
	}
	if cfg.PositionPeriodS > maxS {
		maxS = cfg.PositionPeriodS
	}
	if maxS <= 0 {
		maxS = 60
	}
	return time.Duration(maxS) * time.Second
}

// runnableFunc adapts a plain function to daemon.Runnable, for hosting
// a component (like the audio announcer's worker loop) that has no
// natural Run(ctx) error method of its own under the supervision tree.
type runnableFunc func(ctx context.Context) error

func (f runnableFunc) Run(ctx context.Context) error { return f(ctx) }

func findFFmpegPath() (string, error) {
	paths := []string{"/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		p := filepath.Join(dir, "ffmpeg")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("ffmpeg not found in common locations or PATH")
}

func ringBufferArgs(cap config.CaptureConfig) []string {
	return []string{
		"-f", "v4l2", "-i", "/dev/video0",
		"-f", "segment",
		"-segment_time", fmt.Sprintf("%d", cap.SegmentSeconds),
		"-reset_timestamps", "1",
		filepath.Join(cap.BufferDir, "seg_%06d.ts"),
	}
}

func readCPUTempC(ctx context.Context) (float64, error) {
	data, err := os.ReadFile("/sys/class/thermal/thermal_zone0/temp")
	if err != nil {
		return 0, err
	}
	var milliC int
	if _, err := fmt.Sscanf(string(data), "%d", &milliC); err != nil {
		return 0, err
	}
	return float64(milliC) / 1000.0, nil
}

// eventSink routes every closed detector event to the durable store
// and, once the event's post-roll window has elapsed, asks the
// stitcher to save the corresponding clip.
type eventSink struct {
	store    *store.Store
	stitcher *video.Stitcher
	cfg      config.CaptureConfig
	logger   *slog.Logger

	mu sync.Mutex
	// openIDs tracks the most recently opened event row per kind, so a
	// CLOSE with Extends set can extend that row's end timestamp in
	// place instead of opening (and separately saving video for) a new
	// row within the same suppression window.
	openIDs map[detector.Kind]int64
}

func (s *eventSink) HandleEvent(ctx context.Context, ev detector.CloseEvent) {
	if ev.Extends {
		s.mu.Lock()
		id, ok := s.openIDs[ev.Kind]
		s.mu.Unlock()
		if ok {
			if err := s.store.ExtendEvent(ctx, id, ev.End); err != nil {
				s.logger.Error("extend event failed", "id", id, "kind", ev.Kind, "error", err)
			}
			return
		}
		// No row on record for this kind (e.g. the process restarted
		// mid-suppression-window): fall through and open a fresh one
		// rather than silently dropping the event.
	}

	id, err := s.store.OpenEvent(ctx, string(ev.Kind), ev.Start, ev.Peaks.X, ev.Peaks.Y, ev.Peaks.Z)
	if err != nil {
		s.logger.Error("open event failed", "kind", ev.Kind, "error", err)
		return
	}
	if err := s.store.CloseEvent(ctx, id, ev.End, false); err != nil {
		s.logger.Error("close event failed", "id", id, "error", err)
		return
	}

	s.mu.Lock()
	s.openIDs[ev.Kind] = id
	s.mu.Unlock()

	go func() {
		path, err := s.stitcher.SaveEvent(ctx, s.cfg.PreEventS, s.cfg.PostEventS, string(ev.Kind))
		if err != nil {
			s.logger.Error("video save failed", "id", id, "error", err)
			return
		}
		if err := s.store.AttachVideo(ctx, id, path); err != nil {
			s.logger.Error("attach video failed", "id", id, "error", err)
		}
	}()
}

// SaveManual opens a manual-kind event row, saves its clip, attaches
// the clip path, and closes the row — the same open/save/attach/close
// sequence HandleEvent runs for a detector-sourced event, so a
// SIGUSR1-triggered capture leaves an identical durable trail instead
// of a clip with no corresponding row.
func (s *eventSink) SaveManual(ctx context.Context) error {
	id, err := s.store.OpenEvent(ctx, string(detector.KindManual), time.Now(), 0, 0, 0)
	if err != nil {
		return fmt.Errorf("open manual event: %w", err)
	}

	path, err := s.stitcher.SaveEvent(ctx, s.cfg.PreEventS, s.cfg.PostEventS, string(detector.KindManual))
	if err != nil {
		if closeErr := s.store.CloseEvent(ctx, id, time.Now(), true); closeErr != nil {
			s.logger.Error("close interrupted manual event failed", "id", id, "error", closeErr)
		}
		return fmt.Errorf("save manual clip: %w", err)
	}

	if err := s.store.AttachVideo(ctx, id, path); err != nil {
		s.logger.Error("attach video failed", "id", id, "error", err)
	}
	return s.store.CloseEvent(ctx, id, time.Now(), false)
}

// rawIMUReader performs a fixed 12-byte burst read (accel x/y/z, gyro
// x/y/z, each a big-endian int16) and decodes the three accel words,
// scaled to m/s², into a detector.Sample; the gyro words are read but
// not decoded. This is the
// generic register layout shared by the common I2C IMU family this
// daemon targets; a deployment using a different chip swaps this for
// its own sampler.Reader implementation.
type rawIMUReader struct {
	mu           sync.Mutex
	bus          *i2cbus.Bus
	accelRangeG  float64
	gyroRangeDPS float64
}

func (r *rawIMUReader) Read(ctx context.Context) (detector.Sample, error) {
	buf := make([]byte, 12)
	r.mu.Lock()
	bus := r.bus
	r.mu.Unlock()

	if err := bus.Read(buf); err != nil {
		return detector.Sample{}, err
	}

	toG := func(raw int16, rangeG float64) float64 {
		return (float64(raw) / math.MaxInt16) * rangeG * 9.80665
	}

	ax := toG(int16(binary.BigEndian.Uint16(buf[0:2])), r.accelRangeG)
	ay := toG(int16(binary.BigEndian.Uint16(buf[2:4])), r.accelRangeG)
	az := toG(int16(binary.BigEndian.Uint16(buf[4:6])), r.accelRangeG)

	return detector.Sample{At: time.Now(), Ax: ax, Ay: ay, Az: az}, nil
}

// componentStatus adapts the daemon to health.StatusProvider. The
// daemon's underlying suture.Supervisor does not expose per-service
// health directly, so this reports the single aggregate "daemon" unit;
// the supervisor's own health scan (internal/supervisor) is the
// source of per-subsystem detail surfaced through driver-feedback
// announcements and logs instead.
type componentStatus struct {
	daemon *daemon.Daemon
}

// logSink adapts a structured logger to the io.Writer util.SafeGo expects
// when reporting a recovered panic from a background goroutine.
type logSink struct{ logger *slog.Logger }

func (s logSink) Write(p []byte) (int, error) {
	s.logger.Error(string(p))
	return len(p), nil
}

func (c *componentStatus) Components() []health.ComponentInfo {
	return []health.ComponentInfo{
		{Name: "daemon", State: "running", Healthy: true},
	}
}

// openLogWriter returns the destination for the daemon's structured
// log lines. An empty path means stderr only. A non-empty path writes
// to both stderr (so systemd/journald still captures it) and a
// size-rotated, gzip-compressed file on disk, via
// stream.RotatingWriter.
func openLogWriter(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stderr, func() {}, nil
	}
	rw, err := stream.NewRotatingWriter(path,
		stream.WithMaxSize(stream.DefaultMaxLogSize),
		stream.WithMaxFiles(stream.DefaultMaxLogFiles),
		stream.WithCompression(true))
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return io.MultiWriter(os.Stderr, rw), func() { rw.Close() }, nil
}

func printUsage() {
	fmt.Println("telemetryd - vehicle-mounted telemetry daemon")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: telemetryd [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown")
	fmt.Println("  SIGUSR1          Manual capture")
	fmt.Println("  SIGUSR2          Manual sync")
}
