package provision

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	qrcode "github.com/skip2/go-qrcode"
)

// Status is the outcome of one step.
type Status string

const (
	StatusOK       Status = "ok"
	StatusSkipped  Status = "skipped"
	StatusChanged  Status = "changed"
	StatusFailed   Status = "failed"
	StatusDegraded Status = "degraded"
)

// StepResult is one line of the summary.
type StepResult struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
	// Required steps are ones later steps cannot work without.
	Required bool `json:"required"`
}

// Report is the summary of a provisioning run.
type Report struct {
	Steps      []StepResult `json:"steps"`
	StorageURL string       `json:"storage_url"`
	// LANURL is the storage URL with the device's LAN address, for
	// opening from another machine. Empty when unknown.
	LANURL     string    `json:"lan_url,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Step returns the result for name.
func (r *Report) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Err is non-nil when a required step failed. Optional failures and a
// degraded token leave the device usable and return nil.
func (r *Report) Err() error {
	var names []string
	for _, s := range r.Steps {
		if s.Required && s.Status == StatusFailed {
			names = append(names, s.Name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return fmt.Errorf("provision incomplete: %s failed", strings.Join(names, ", "))
}

// Outcome summarizes the run as failed, degraded, or ok.
func (r *Report) Outcome() Status {
	if r.Err() != nil {
		return StatusFailed
	}
	for _, s := range r.Steps {
		if s.Status == StatusFailed || s.Status == StatusDegraded {
			return StatusDegraded
		}
	}
	return StatusOK
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	nameStyle   = lipgloss.NewStyle().Width(22)
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	labelStyle  = lipgloss.NewStyle().Bold(true)

	statusStyles = map[Status]lipgloss.Style{
		StatusOK:       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		StatusChanged:  lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		StatusSkipped:  lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		StatusDegraded: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		StatusFailed:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}
)

// Render writes the styled summary followed by a QR code of the LAN
// URL when one is known.
func (r *Report) Render(w io.Writer) error {
	var b strings.Builder

	b.WriteString(titleStyle.Render("termkeep provision") + "\n\n")
	for _, s := range r.Steps {
		st := statusStyles[s.Status].Width(9).Render(string(s.Status))
		line := nameStyle.Render(s.Name) + st
		if s.Detail != "" {
			line += " " + detailStyle.Render(s.Detail)
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("storage:"), r.StorageURL)
	if r.LANURL != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("lan:    "), r.LANURL)
	}
	switch r.Outcome() {
	case StatusFailed:
		b.WriteString(statusStyles[StatusFailed].Render(r.Err().Error()) + "\n")
	case StatusDegraded:
		b.WriteString(statusStyles[StatusDegraded].Render("finished with warnings") + "\n")
	default:
		b.WriteString(statusStyles[StatusOK].Render("done") + "\n")
	}

	if r.LANURL != "" {
		qr, err := qrcode.New(r.LANURL, qrcode.Medium)
		if err == nil {
			b.WriteString("\n" + qr.ToSmallString(false))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// lanAddr returns the address of the interface that routes outward.
// No packet is sent: a UDP "connect" only selects a route.
func lanAddr() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsLoopback() {
		return ""
	}
	return addr.IP.String()
}

// lanURL replaces a loopback host in storageURL with lan.
func lanURL(storageURL, lan string) string {
	if lan == "" {
		return ""
	}
	u, err := url.Parse(storageURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return storageURL
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(lan, port)
	} else {
		u.Host = lan
	}
	return u.String()
}
