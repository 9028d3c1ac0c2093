package connwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/termkeep/internal/config"
	"github.com/nugget/termkeep/internal/shellexec"
)

// Network controls the device radio.
type Network interface {
	// Connect issues the connect command for p. It returns once the
	// command has been accepted, not when the network is active.
	Connect(ctx context.Context, p config.NetworkProfile) error
	// Current returns the name of the active, fully associated network,
	// or "" when there is none.
	Current(ctx context.Context) (string, error)
}

// TermuxNetwork drives Wi-Fi through the Termux:API command-line tools.
type TermuxNetwork struct {
	Runner shellexec.Runner
}

// Connect implements [Network].
func (n *TermuxNetwork) Connect(ctx context.Context, p config.NetworkProfile) error {
	args := []string{"-s", p.Name}
	if p.Secret != "" {
		args = append(args, "-p", p.Secret)
	}
	if _, err := n.Runner.Run(ctx, "termux-wifi-connect", args...); err != nil {
		return fmt.Errorf("connect %s: %w", p.Name, err)
	}
	return nil
}

// connectionInfo is the subset of termux-wifi-connectioninfo output we use.
type connectionInfo struct {
	SSID            string `json:"ssid"`
	SupplicantState string `json:"supplicant_state"`
}

// unknownSSID is what Android reports when no network is associated or
// location permission is missing.
const unknownSSID = "<unknown ssid>"

// Current implements [Network]. A network only counts once the
// supplicant reports COMPLETED; older Termux:API builds omit the field
// and are trusted on the SSID alone.
func (n *TermuxNetwork) Current(ctx context.Context) (string, error) {
	res, err := n.Runner.Run(ctx, "termux-wifi-connectioninfo")
	if err != nil {
		return "", fmt.Errorf("connection info: %w", err)
	}
	return parseConnectionInfo(res.Output)
}

func parseConnectionInfo(out string) (string, error) {
	var info connectionInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return "", fmt.Errorf("parse connection info: %w", err)
	}
	if info.SupplicantState != "" && !strings.EqualFold(info.SupplicantState, "COMPLETED") {
		return "", nil
	}
	ssid := strings.Trim(info.SSID, `"`)
	if ssid == unknownSSID {
		return "", nil
	}
	return ssid, nil
}

// Scanner is implemented by a [Network] that can list visible access
// points.
type Scanner interface {
	Scan(ctx context.Context) ([]ScanResult, error)
}

// ScanResult is one visible access point.
type ScanResult struct {
	SSID string `json:"ssid"`
	RSSI int    `json:"rssi"`
}

// Scan lists visible networks, strongest first. Hidden networks and
// duplicate SSIDs (several access points for one network) are folded.
func (n *TermuxNetwork) Scan(ctx context.Context) ([]ScanResult, error) {
	res, err := n.Runner.Run(ctx, "termux-wifi-scaninfo")
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return parseScanInfo(res.Output)
}

func parseScanInfo(out string) ([]ScanResult, error) {
	var raw []ScanResult
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse scan info: %w", err)
	}

	best := make(map[string]ScanResult)
	for _, r := range raw {
		r.SSID = strings.Trim(r.SSID, `"`)
		if r.SSID == "" {
			continue
		}
		if cur, ok := best[r.SSID]; !ok || r.RSSI > cur.RSSI {
			best[r.SSID] = r
		}
	}

	results := make([]ScanResult, 0, len(best))
	for _, r := range best {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].RSSI != results[j].RSSI {
			return results[i].RSSI > results[j].RSSI
		}
		return results[i].SSID < results[j].SSID
	})
	return results, nil
}
