package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"archive-agent/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}

func newDoctorCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run health checks on the configuration and environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.OutOrStdout(), *cfgPath)
		},
	}
}

// runDoctor executes all health checks and reports results.
func runDoctor(w io.Writer, cfgPath string) error {
	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Extraction temp dir", Fn: checkTempDir},
		{Name: "Input root", Fn: checkInputRoot},
		{Name: "Storage backend", Fn: checkStorage},
		{Name: "Audit log", Fn: checkAudit},
		{Name: "Gateway address", Fn: checkGatewayAddr},
		{Name: "Disk space", Fn: checkDiskSpace},
	}

	fmt.Fprintln(w, "archive-agent doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file loaded. A
// missing file is only a warning: the defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Check %s syntax, permissions and ARCHIVEAGENT_* overrides", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkTempDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	dir := cfg.Archive.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	return checkWritableDir(dir)
}

func checkInputRoot(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	root := cfg.Archive.InputRoot
	if root == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "archive.input_root not set: gateway and MCP accept any path",
			Fix:     "Set archive.input_root to the directory archives are read from",
		}
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("input root %s is not a directory", root),
			Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", root),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("paths confined to %s", root)}
}

func checkStorage(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	switch strings.ToLower(cfg.Storage.Backend) {
	case "", "none":
		return CheckResult{Status: StatusPass, Message: "offload disabled"}
	case "local":
		return checkWritableDir(cfg.Storage.Local.BasePath)
	case "s3":
		s := cfg.Storage.S3
		if s.AccessKeyID == "" && os.Getenv("AWS_ACCESS_KEY_ID") == "" && os.Getenv("AWS_PROFILE") == "" {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("bucket %s: no static credentials, relying on the default AWS chain", s.Bucket),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("s3 bucket %s", s.Bucket)}
	case "nats":
		return checkDial(cfg.Storage.NATS.URL)
	default:
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("unknown backend %q", cfg.Storage.Backend)}
	}
}

func checkAudit(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if !cfg.Security.Audit.Enabled {
		return CheckResult{
			Status:  StatusWarn,
			Message: "audit log disabled",
			Fix:     "Set security.audit.enabled: true to record extractions and dispatches",
		}
	}
	res := checkWritableDir(filepath.Dir(cfg.Security.Audit.Path))
	if res.Status == StatusPass {
		res.Message = fmt.Sprintf("audit log at %s", cfg.Security.Audit.Path)
	}
	return res
}

// checkGatewayAddr reports whether the gateway address can be bound.
func checkGatewayAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot bind %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Stop the process using the port or change gateway.addr",
		}
	}
	ln.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.Gateway.Addr)}
}

func checkDiskSpace(cfg *config.Config) CheckResult {
	dir := os.TempDir()
	if cfg != nil && cfg.Archive.TempDir != "" {
		dir = cfg.Archive.TempDir
	}
	absDir, _ := filepath.Abs(dir)
	if info, err := os.Stat(absDir); err != nil || !info.IsDir() {
		return CheckResult{Status: StatusPass, Message: "temp directory does not exist yet, space check skipped"}
	}

	out, err := exec.Command("df", "-h", absDir).Output()
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: "could not determine disk space (df command failed)"}
	}
	return diskResult(string(out))
}

// diskResult grades df -h output by the use percentage of its last line.
func diskResult(out string) CheckResult {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return CheckResult{Status: StatusWarn, Message: "unexpected df output format"}
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return CheckResult{Status: StatusWarn, Message: "unexpected df output format"}
	}

	available, usePercent := fields[3], fields[4]
	var pct int
	fmt.Sscanf(strings.TrimSuffix(usePercent, "%"), "%d", &pct)

	switch {
	case pct >= 95:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("disk almost full: %s used, %s available", usePercent, available),
			Fix:     "Free up disk space or point archive.temp_dir at a different partition",
		}
	case pct >= 85:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("disk usage high: %s used, %s available", usePercent, available),
		}
	default:
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("disk usage: %s used, %s available", usePercent, available),
		}
	}
}

// checkWritableDir verifies dir exists, creating it if needed, and
// accepts writes.
func checkWritableDir(dir string) CheckResult {
	absDir, _ := filepath.Abs(dir)

	info, err := os.Stat(absDir)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(absDir, 0o755); mkErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("%s does not exist and cannot be created: %v", absDir, mkErr),
				Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", absDir),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s created", absDir)}
	}
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot stat %s: %v", absDir, err)}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s exists but is not a directory", absDir)}
	}

	probe := filepath.Join(absDir, ".doctor-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", absDir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 755 %s", absDir),
		}
	}
	os.Remove(probe)
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s writable", absDir)}
}

// checkDial verifies a TCP connection to the host of rawURL.
func checkDial(rawURL string) CheckResult {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid url %q", rawURL)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", u.Host, err),
			Fix:     "Check the server is running and reachable",
		}
	}
	conn.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s reachable", u.Host)}
}
