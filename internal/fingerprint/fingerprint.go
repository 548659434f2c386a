// Package fingerprint derives a stable machine identifier from hardware and
// OS attributes. The identifier binds a license to one physical machine: it
// must be deterministic across reboots and must not depend on volatile inputs
// such as time, process id, or network address.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Attribute names, in the order they feed the final hash.
const (
	AttrMachineID = "machine_id"
	AttrMAC       = "mac_address"
	AttrHostname  = "hostname"
	AttrOS        = "os"
	AttrArch      = "arch"
)

// Fallback values substituted when an attribute cannot be read. A fingerprint
// built with any fallback is marked Degraded; callers should reduce trust
// (the validator shortens the offline grace window).
const (
	fallbackMachineID = "unknown-machine-id"
	fallbackMAC       = "unknown-mac"
	fallbackHostname  = "unknown-host"
)

// Fingerprint is the derived machine identity.
type Fingerprint struct {
	ID          string    `json:"id"`
	DerivedFrom []string  `json:"derived_from"`
	Degraded    bool      `json:"degraded"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Generator computes fingerprints with a short in-memory cache; the inputs
// only change on hardware or OS reconfiguration, so recomputing every call
// would be wasted syscalls.
type Generator struct {
	cache         *Fingerprint
	cacheMutex    sync.RWMutex
	cacheExpiry   time.Time
	cacheDuration time.Duration
	logger        *slog.Logger
}

// NewGenerator creates a fingerprint generator with a one-hour cache.
func NewGenerator(logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		cacheDuration: time.Hour,
		logger:        logger.With(slog.String("component", "fingerprint")),
	}
}

// Generate computes the machine fingerprint. It never fails outright: an
// unreadable attribute is replaced by its documented fallback and the result
// is marked degraded.
func (g *Generator) Generate() (*Fingerprint, error) {
	g.cacheMutex.RLock()
	if g.cache != nil && time.Now().Before(g.cacheExpiry) {
		cached := *g.cache
		g.cacheMutex.RUnlock()
		return &cached, nil
	}
	g.cacheMutex.RUnlock()

	degraded := false

	machineID, err := g.machineID()
	if err != nil {
		machineID = fallbackMachineID
		degraded = true
		g.logger.Warn("failed to read machine id, using fallback",
			slog.String("error", err.Error()),
		)
	}

	mac, err := g.macAddress()
	if err != nil {
		mac = fallbackMAC
		degraded = true
		g.logger.Warn("failed to read MAC address, using fallback",
			slog.String("error", err.Error()),
		)
	}

	hostname, err := g.hostname()
	if err != nil {
		hostname = fallbackHostname
		degraded = true
		g.logger.Warn("failed to read hostname, using fallback",
			slog.String("error", err.Error()),
		)
	}

	// Join attributes in a fixed order and hash, so no single leaked
	// attribute reveals the final id.
	combined := strings.Join([]string{machineID, mac, hostname, runtime.GOOS, runtime.GOARCH}, "|")
	sum := sha256.Sum256([]byte(combined))

	fp := &Fingerprint{
		ID:          hex.EncodeToString(sum[:]),
		DerivedFrom: []string{AttrMachineID, AttrMAC, AttrHostname, AttrOS, AttrArch},
		Degraded:    degraded,
		GeneratedAt: time.Now(),
	}

	g.cacheMutex.Lock()
	g.cache = fp
	g.cacheExpiry = time.Now().Add(g.cacheDuration)
	g.cacheMutex.Unlock()

	g.logger.Debug("machine fingerprint generated",
		slog.String("fingerprint", fp.ID),
		slog.Bool("degraded", fp.Degraded),
	)

	return fp, nil
}

// machineID reads the OS-level machine identifier. Sources per platform:
// /etc/machine-id (or the dbus copy) on Linux, PROCESSOR_IDENTIFIER plus
// HOSTTYPE on Windows and macOS where a world-readable id file does not
// exist. The raw value is hashed so the id itself never leaves the process.
func (g *Generator) machineID() (string, error) {
	switch runtime.GOOS {
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			id := strings.TrimSpace(string(data))
			if id != "" {
				return hashAttribute(id), nil
			}
		}
		return "", fmt.Errorf("no machine-id file readable")
	case "windows":
		if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
			return hashAttribute("windows|" + procID + "|" + os.Getenv("PROCESSOR_ARCHITECTURE")), nil
		}
		return "", fmt.Errorf("PROCESSOR_IDENTIFIER not set")
	case "darwin":
		host := os.Getenv("HOSTTYPE")
		if host == "" {
			return "", fmt.Errorf("no stable machine identifier available")
		}
		return hashAttribute("darwin|" + host + "|" + runtime.GOARCH), nil
	default:
		return "", fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
}

// macAddress returns the hardware address of the first up, non-loopback
// interface, falling back to any interface with a hardware address.
func (g *Generator) macAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return hashAttribute(mac), nil
		}
	}

	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return hashAttribute(mac), nil
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

// hostname returns the normalized machine hostname.
func (g *Generator) hostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// hashAttribute normalizes an attribute to a fixed-length hex digest.
func hashAttribute(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}

// Components returns the raw attribute digests for diagnostics.
func (g *Generator) Components() map[string]string {
	machineID, _ := g.machineID()
	mac, _ := g.macAddress()
	hostname, _ := g.hostname()

	return map[string]string{
		AttrMachineID: machineID,
		AttrMAC:       mac,
		AttrHostname:  hostname,
		AttrOS:        runtime.GOOS,
		AttrArch:      runtime.GOARCH,
	}
}

// ClearCache drops the cached fingerprint, forcing the next Generate to
// recompute. Used by tests and the re-activation path.
func (g *Generator) ClearCache() {
	g.cacheMutex.Lock()
	defer g.cacheMutex.Unlock()
	g.cache = nil
	g.cacheExpiry = time.Time{}
}
