package driver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Controller drives a wireless interface with the ip and iw tools.
type Controller struct {
	runner Runner
	logger *slog.Logger
}

// NewController creates a Controller. A nil runner executes on the host.
func NewController(runner Runner, logger *slog.Logger) *Controller {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{runner: runner, logger: logger.With("component", "driver")}
}

// SetChannel tunes iface. iw reads bare channel numbers as 2.4 or 5 GHz, so
// 6 GHz stops are set by frequency.
func (c *Controller) SetChannel(ctx context.Context, iface string, t domain.Tuning) error {
	if !domain.IsValidInterface(iface) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidInterfaceName, iface)
	}
	if !domain.IsValidChannel(t.Channel) {
		return fmt.Errorf("%w: %d", domain.ErrInvalidChannel, t.Channel)
	}
	if t.Band == domain.Band6 {
		return c.run(ctx, "iw", "dev", iface, "set", "freq", strconv.Itoa(t.Frequency()))
	}
	return c.run(ctx, "iw", "dev", iface, "set", "channel", strconv.Itoa(t.Channel))
}

// EnableMonitorMode puts the interface into monitor mode and brings it up.
func (c *Controller) EnableMonitorMode(ctx context.Context, iface string) error {
	if !domain.IsValidInterface(iface) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidInterfaceName, iface)
	}
	c.logger.Info("enabling monitor mode", "interface", iface)
	if err := c.run(ctx, "ip", "link", "set", iface, "down"); err != nil {
		return err
	}
	if err := c.run(ctx, "iw", "dev", iface, "set", "type", "monitor"); err != nil {
		c.logger.Warn("could not set monitor mode; if the device is busy, stop NetworkManager or wpa_supplicant and retry",
			"interface", iface)
		return err
	}
	return c.run(ctx, "ip", "link", "set", iface, "up")
}

// AddMonitorInterface creates a monitor vif named name on the same radio as
// parent and brings it up.
func (c *Controller) AddMonitorInterface(ctx context.Context, parent, name string) error {
	if !domain.IsValidInterface(parent) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidInterfaceName, parent)
	}
	if !domain.IsValidInterface(name) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidInterfaceName, name)
	}
	c.logger.Info("adding monitor interface", "parent", parent, "name", name)
	if err := c.run(ctx, "iw", "dev", parent, "interface", "add", name, "type", "monitor"); err != nil {
		return err
	}
	return c.run(ctx, "ip", "link", "set", name, "up")
}

// State reports whether iface exists, is up, its type and its channel.
// A missing interface is not an error: Exists is false.
func (c *Controller) State(ctx context.Context, iface string) (domain.InterfaceState, error) {
	st := domain.InterfaceState{Name: iface}
	if !domain.IsValidInterface(iface) {
		return st, fmt.Errorf("%w: %q", domain.ErrInvalidInterfaceName, iface)
	}

	out, err := c.runner.Run(ctx, "ip", "link", "show", iface)
	if err != nil {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		// ip exits non-zero when the device does not exist
		return st, nil
	}
	st.Exists = true
	st.Up = parseLinkUp(out)

	out, err = c.runner.Run(ctx, "iw", "dev", iface, "info")
	if err != nil {
		c.logger.Debug("iw info failed", "interface", iface, "error", err, "output", strings.TrimSpace(string(out)))
		return st, nil
	}
	st.Type, st.Channel, st.Frequency = parseIwInfo(out)
	return st, nil
}

// SupportedChannels lists the enabled channels of the radio behind iface.
func (c *Controller) SupportedChannels(ctx context.Context, iface string) ([]int, error) {
	out, err := c.runner.Run(ctx, "iw", "dev")
	if err != nil {
		return nil, fmt.Errorf("iw dev: %w", err)
	}
	phy, err := phyForInterface(out, iface)
	if err != nil {
		return nil, err
	}
	// "iw phy phy0 info" gives the same output as "iw list" but just for that phy
	out, err = c.runner.Run(ctx, "iw", "phy", phy, "info")
	if err != nil {
		return nil, fmt.Errorf("iw phy %s info: %w", phy, err)
	}
	return parsePhyChannels(out), nil
}

func (c *Controller) run(ctx context.Context, name string, args ...string) error {
	output, err := c.runner.Run(ctx, name, args...)
	if err != nil {
		c.logger.Warn("command failed", "command", name, "args", args, "output", strings.TrimSpace(string(output)))
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

// parseLinkUp reads the flag list of `ip link show`, e.g.
// "3: wlan0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 ..."
func parseLinkUp(out []byte) bool {
	line, _, _ := strings.Cut(string(out), "\n")
	start := strings.Index(line, "<")
	end := strings.Index(line, ">")
	if start < 0 || end < start {
		return false
	}
	for _, flag := range strings.Split(line[start+1:end], ",") {
		if flag == "UP" {
			return true
		}
	}
	return false
}

var reIwChannel = regexp.MustCompile(`^channel\s+(\d+)\s+\((\d+)\s+MHz\)`)

// parseIwInfo extracts the type and channel from `iw dev <if> info`.
func parseIwInfo(out []byte) (ifType string, channel, freq int) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "type "):
			ifType = strings.TrimSpace(strings.TrimPrefix(line, "type "))
		case strings.HasPrefix(line, "channel "):
			if m := reIwChannel.FindStringSubmatch(line); m != nil {
				channel, _ = strconv.Atoi(m[1])
				freq, _ = strconv.Atoi(m[2])
			}
		}
	}
	return ifType, channel, freq
}

// phyForInterface maps an interface to its phy from `iw dev` output:
//
//	phy#0
//		Interface wlan0
func phyForInterface(out []byte, iface string) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	currentPhy := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "phy#") {
			currentPhy = line
		} else if line == "Interface "+iface && currentPhy != "" {
			// "phy#0" -> "phy0"
			return strings.Replace(currentPhy, "#", "", 1), nil
		}
	}
	return "", fmt.Errorf("interface %s not found in iw dev output", iface)
}

var reChannel = regexp.MustCompile(`\[([0-9]+)\]`)

// parsePhyChannels reads the Frequencies blocks of `iw phy <phy> info`.
// Example: * 5180 MHz [36] (22.0 dBm)
// Disabled channels are skipped.
func parsePhyChannels(out []byte) []int {
	var channels []int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	inFrequencies := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "Frequencies:" {
			inFrequencies = true
			continue
		}
		if !inFrequencies {
			continue
		}
		// Bitrates lists also start with "*", so the block ends at the first other line
		if !strings.HasPrefix(line, "*") {
			inFrequencies = false
			continue
		}
		if strings.Contains(line, "(disabled)") {
			continue
		}
		if m := reChannel.FindStringSubmatch(line); len(m) > 1 {
			ch, _ := strconv.Atoi(m[1])
			channels = append(channels, ch)
		}
	}
	return channels
}

// Ensure interface compliance
var _ ports.InterfaceController = (*Controller)(nil)
