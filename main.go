//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"log/slog"
	"machine"
	"net/netip"
	"runtime"
	"time"

	"openenterprise/weatherstation/config"
	"openenterprise/weatherstation/credentials"
	"openenterprise/weatherstation/fwupdate"
	"openenterprise/weatherstation/ota"
	"openenterprise/weatherstation/telemetry"
	"openenterprise/weatherstation/transport"
	"openenterprise/weatherstation/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/x/xnet"
)

// Global WiFi stack reference for shutdown
var globalCyStack *cywnet.Stack

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 1, 99}

// Functional watchdog state
var systemHealthy = true // When false, stop feeding watchdog to trigger reset

// NTP tracking
var (
	lastNTPSync   time.Time
	ntpSyncCount  int
	ntpFailCount  int
	ntpTimeOffset time.Duration // Last known offset from NTP
	dnsServers    []netip.Addr  // DNS servers from DHCP (for NTP lookups)
)

// fatalError handles unrecoverable errors by waiting for watchdog reset
// with a software reset fallback. This ensures the device always recovers.
func fatalError(msg string) {
	println(msg)
	// Stop feeding watchdog (in case loopForeverStack is running)
	systemHealthy = false
	// Wait for watchdog timeout (8s timeout + margin)
	// If watchdog doesn't trigger, fall back to software reset
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	// Watchdog didn't trigger - use software reset
	println("Watchdog timeout - forcing software reset...")
	ota.Reboot()
	// Should never reach here
	for {
		time.Sleep(time.Second)
	}
}

func main() {
	// CRITICAL: Confirm OTA partition IMMEDIATELY to prevent TBYB auto-revert.
	// Must be called within 16.7s of boot. Do this before ANY delays!
	confirmResult := ota.ConfirmPartitionWithCode()

	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  Weather Station")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	// Show which partition we booted from
	currentPart := ota.GetCurrentPartition()
	if currentPart == ota.PartitionA {
		println("OTA: booted from partition A")
	} else {
		println("OTA: booted from partition B")
	}

	// Report confirm result
	if confirmResult != 0 {
		println("OTA: partition confirm returned:", confirmResult)
	} else {
		println("OTA: partition confirmed")
	}

	// Setup application logger (debug level for our code)
	// Uses telemetry.SlogHandler to bridge logs to both console and OpenTelemetry
	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Setup network stack logger (error+4 level to suppress all network stack noise)
	// The cywnet library logs "packet dropped" at ERROR level which is normal for WiFi
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12), // Higher than ERROR(8) to suppress all network stack logging
	}))

	initConsole()

	// Configure watchdog for reliability (8 second timeout)
	machine.Watchdog.Configure(machine.WatchdogConfig{
		TimeoutMillis: 8000,
	})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	// Log boot info
	bootPartition := "A"
	if ota.GetCurrentPartition() == ota.PartitionB {
		bootPartition = "B"
	}
	shortSHA := version.GitSHA
	if len(shortSHA) > 7 {
		shortSHA = shortSHA[:7]
	}
	logger.Info("init:complete",
		slog.String("version", version.Version),
		slog.String("sha", shortSHA),
		slog.String("partition", bootPartition),
	)

	// Get MQTT broker address from config
	brokerAddr, err := config.BrokerAddr()
	if err != nil {
		logger.Error("config:broker-invalid", slog.String("err", err.Error()))
		fatalError("Invalid broker address - waiting for reset...")
	}
	logger.Info("config:broker", slog.String("addr", brokerAddr.String()))

	otaCfg := fwupdate.DefaultConfig()
	otaCfg.ChunkSize = config.ChunkSize()
	otaCfg.PipelineDepth = config.PipelineDepth()
	otaCfg.ChunkTimeout = config.ChunkTimeout()
	otaCfg.DownloadingTelemetryInterval = config.DownloadingTelemetryInterval()
	otaCfg.ReorderBufferCap = config.ReorderBufferCap()
	logger.Info("config:ota",
		slog.Int("chunk_size", otaCfg.ChunkSize),
		slog.Int("pipeline_depth", otaCfg.PipelineDepth),
		slog.Duration("chunk_timeout", otaCfg.ChunkTimeout),
	)

	// Initialize WiFi (use quieter logger for network stack)
	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "weatherstation",
			MaxTCPPorts: 3, // MQTT + debug console + future use
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("WiFi setup failed - waiting for reset...")
	}

	// Store global reference for OTA shutdown
	globalCyStack = cystack

	// Register WiFi shutdown callback for OTA (like Pico SDK's cyw43_arch_deinit)
	ota.SetWiFiShutdown(func() {
		// Note: TinyGo's cyw43439 driver doesn't have a full deinit,
		// but stopping processing helps ensure clean state before reboot
		logger.Info("ota:wifi-shutdown")
		time.Sleep(100 * time.Millisecond) // Allow pending packets to drain
	})

	// Start background goroutine for network stack processing
	go loopForeverStack(cystack)

	// DHCP
	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError("DHCP failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))

	// Store DNS servers for NTP lookups
	dnsServers = dhcpResults.DNSServers

	// Get network stack reference
	stack := cystack.LnetoStack()

	// Sync time via NTP before telemetry init (so telemetry has correct timestamps)
	logger.Info("ntp:init", slog.String("server", config.NTPServer()))
	if _, err := syncNTP(stack, dnsServers, logger); err != nil {
		// NTP failure is non-fatal, but log it prominently
		logger.Warn("ntp:init-failed", slog.String("err", err.Error()))
		logger.Warn("ntp:time-not-synced", slog.String("fallback", "flash-retained identity only"))
	}

	// Initialize telemetry (non-fatal if collector not configured)
	collectorAddr, err := config.TelemetryCollectorAddr()
	if err != nil {
		logger.Warn("telemetry:config-invalid", slog.String("err", err.Error()))
	} else if err := telemetry.Init(stack, logger, collectorAddr); err != nil {
		logger.Warn("telemetry:init-failed", slog.String("err", err.Error()))
	}

	// Build the OTA transport, controller, and assembler.
	device := transport.NewDevice(stack, brokerAddr, logger)
	flash := &ota.HWDriver{}
	ctrl := fwupdate.NewController(device, flash, otaCfg, version.CurrentTitle, version.CurrentVersion, logger)
	ctrl.PauseTelemetry = telemetry.Pause
	ctrl.ResumeTelemetry = telemetry.Resume
	assembler := fwupdate.NewAssembler(ctrl)

	for {
		if err := device.Connect(assembler.HandleFragment); err != nil {
			logger.Error("transport:connect-failed", slog.String("err", err.Error()))
			sleepWithWatchdog(5 * time.Second)
			continue
		}
		break
	}
	logger.Info("ota:ready")
	ctrl.Start()
	ctrl.RequestFirmwareInfo()

	// Start debug console server
	go consoleServer(stack, ctrl, logger)

	// Main loop: the scheduler tick cadence depends on OTA state (spec's
	// tight tick while Downloading, relaxed tick otherwise) so that a
	// stalled download is noticed quickly without busy-polling while idle.
	for {
		feedWatchdogIfHealthy()

		if err := device.Poll(); err != nil {
			logger.Warn("transport:poll-error", slog.String("err", err.Error()))
		}

		ctrl.OnTick(time.Now())

		tick := config.DefaultLoopTickIdle
		if ctrl.State() == fwupdate.Downloading {
			tick = config.DefaultLoopTickDownloading
		}
		time.Sleep(tick)
	}
}

// feedWatchdogIfHealthy only feeds the watchdog if the system is healthy.
// When unhealthy, the watchdog will timeout and reset the device.
func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

// loopForeverStack processes network packets in the background
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		// Update watchdog every ~100 iterations (~500ms)
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}

// NTP fallback servers if primary fails
var ntpFallbackServers = []string{
	"time.cloudflare.com",
	"time.google.com",
	"pool.ntp.org",
}

// syncNTP performs NTP time synchronization.
// Tries configured server first, then fallbacks. Tries all resolved IPs.
// Uses exponential backoff between attempts (max 30s) to avoid hammering servers.
// Returns the time offset applied, or an error if all attempts fail.
func syncNTP(stack *xnet.StackAsync, dnsServers []netip.Addr, logger *slog.Logger) (time.Duration, error) {
	// Build list of servers to try: configured first, then fallbacks
	servers := []string{config.NTPServer()}
	for _, fallback := range ntpFallbackServers {
		if fallback != servers[0] { // Don't duplicate if configured matches fallback
			servers = append(servers, fallback)
		}
	}

	rstack := stack.StackRetrying(pollTime)
	var lastErr error
	backoff := 500 * time.Millisecond // Initial backoff
	const maxBackoff = 30 * time.Second

	for _, ntpHost := range servers {
		logger.Info("ntp:trying", slog.String("server", ntpHost))
		feedWatchdogIfHealthy()

		// Small delay to let network stack settle
		time.Sleep(100 * time.Millisecond)

		// DNS lookup for NTP server
		addrs, err := rstack.DoLookupIP(ntpHost, 5*time.Second, 2)
		if err != nil {
			logger.Warn("ntp:dns-failed", slog.String("server", ntpHost), slog.String("err", err.Error()))
			lastErr = err

			// Exponential backoff before trying next server
			logger.Info("ntp:backoff", slog.Duration("wait", backoff))
			sleepWithWatchdog(backoff)
			backoff = backoff * 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		logger.Info("ntp:dns-resolved", slog.String("server", ntpHost), slog.Int("addrs", len(addrs)))

		// Try each resolved address
		for i, addr := range addrs {
			feedWatchdogIfHealthy()

			// Delay between attempts to let network stack process
			time.Sleep(200 * time.Millisecond)

			logger.Info("ntp:requesting", slog.String("addr", addr.String()), slog.Int("attempt", i+1))

			// Use shorter timeout per address since we'll try multiple
			offset, err := rstack.DoNTP(addr, 5*time.Second, 3)
			if err != nil {
				logger.Warn("ntp:addr-failed", slog.String("addr", addr.String()), slog.String("err", err.Error()))
				lastErr = err

				// Exponential backoff before trying next address
				logger.Info("ntp:backoff", slog.Duration("wait", backoff))
				sleepWithWatchdog(backoff)
				backoff = backoff * 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			// Success - apply time offset
			runtime.AdjustTimeOffset(int64(offset))
			ntpTimeOffset = offset
			lastNTPSync = time.Now()
			ntpSyncCount++

			logger.Info("ntp:synced",
				slog.String("server", ntpHost),
				slog.String("addr", addr.String()),
				slog.String("time", time.Now().Format("2006-01-02 15:04:05")),
				slog.Duration("offset", offset),
			)
			return offset, nil
		}
	}

	// All servers/addresses failed
	ntpFailCount++
	logger.Error("ntp:all-failed", slog.Int("servers_tried", len(servers)))
	return 0, lastErr
}

// sleepWithWatchdog sleeps for the given duration while keeping the watchdog fed
func sleepWithWatchdog(d time.Duration) {
	// Sleep in 2-second chunks to keep watchdog fed (8s timeout)
	for d > 0 {
		chunk := 2 * time.Second
		if d < chunk {
			chunk = d
		}
		time.Sleep(chunk)
		feedWatchdogIfHealthy()
		d -= chunk
	}
}
