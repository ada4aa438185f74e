// Package auth resolves which credential mechanism authorizes backend calls.
//
// Four strategies are probed in fixed priority order: Bedrock (explicit flag
// plus AWS credentials), Vertex (explicit flag plus a service-account file),
// a direct API key in the environment, and finally the backend CLI's own
// login verified through a version probe. Probe failures accumulate into the
// status instead of failing resolution, so the status endpoint always has
// something to report.
package auth

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"golang.org/x/oauth2/google"
)

// Method identifies the selected credential mechanism.
type Method string

const (
	MethodAnthropic Method = "anthropic"
	MethodBedrock   Method = "bedrock"
	MethodVertex    Method = "vertex"
	MethodCLI       Method = "cli"
	MethodNone      Method = "none"
)

// Environment variables consulted during detection. Values are never stored
// in a Status; only presence is reported.
const (
	envAPIKey      = "ANTHROPIC_API_KEY"
	envUseBedrock  = "AGENTGATE_USE_BEDROCK"
	envUseVertex   = "AGENTGATE_USE_VERTEX"
	envAWSKey      = "AWS_ACCESS_KEY_ID"
	envAWSSecret   = "AWS_SECRET_ACCESS_KEY"
	envAWSRegion   = "AWS_REGION"
	envGoogleCreds = "GOOGLE_APPLICATION_CREDENTIALS"
	envGoogleProj  = "GOOGLE_CLOUD_PROJECT"
)

// Status is the cached detection result. Config holds method-specific,
// non-secret diagnostic fields only.
type Status struct {
	Method         Method            `json:"method"`
	Valid          bool              `json:"valid"`
	Errors         []string          `json:"errors"`
	Config         map[string]string `json:"config,omitempty"`
	EnvVarsPresent []string          `json:"environment_variables_present"`
	CheckedAt      time.Time         `json:"checked_at"`
}

// Options configure a Resolver.
type Options struct {
	// CLIPath is the backend binary probed by the fallback strategy.
	CLIPath string
	// UseBedrock/UseVertex mirror the config flags; the matching env vars
	// are also honored at detect time.
	UseBedrock bool
	UseVertex  bool
	// ProbeTimeout bounds each individual probe. Zero means 10s.
	ProbeTimeout time.Duration
}

// Resolver detects and caches the usable credential mechanism. The cache
// read path takes only the read lock since it runs on every request;
// detection and invalidation are rare and take the write lock.
type Resolver struct {
	opts Options

	mu     sync.RWMutex
	cached *Status

	// Overridable probes, swapped out in tests.
	probeAWS    func(ctx context.Context) error
	probeVertex func(ctx context.Context, credsPath string) error
	probeCLI    func(ctx context.Context, path string) (string, error)
}

// NewResolver builds a Resolver with the default probes.
func NewResolver(opts Options) *Resolver {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	r := &Resolver{opts: opts}
	r.probeAWS = r.defaultAWSProbe
	r.probeVertex = defaultVertexProbe
	r.probeCLI = defaultCLIProbe
	return r
}

// Detect returns the current status, running the probe chain only when no
// cached result exists. Invalidate clears the cache and forces a re-run.
func (r *Resolver) Detect(ctx context.Context) Status {
	r.mu.RLock()
	if r.cached != nil {
		st := *r.cached
		r.mu.RUnlock()
		return st
	}
	r.mu.RUnlock()

	st := r.runDetection(ctx)

	r.mu.Lock()
	r.cached = &st
	r.mu.Unlock()
	return st
}

// CachedStatus returns the last detection result without re-running probes.
// ok is false when no detection has run since startup or invalidation.
func (r *Resolver) CachedStatus() (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cached == nil {
		return Status{}, false
	}
	return *r.cached, true
}

// Invalidate forces the next Detect to re-run the probe chain.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

func (r *Resolver) runDetection(ctx context.Context) Status {
	st := Status{
		Method:         MethodNone,
		Errors:         []string{},
		Config:         map[string]string{},
		EnvVarsPresent: presentEnvVars(),
		CheckedAt:      time.Now().UTC(),
	}

	// Strategy 1: Bedrock. Requires the explicit flag; credential depth is
	// verified by resolving the default AWS chain.
	if r.opts.UseBedrock || boolEnv(envUseBedrock) {
		st.Method = MethodBedrock
		st.Config["region"] = os.Getenv(envAWSRegion)
		pctx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
		err := r.probeAWS(pctx)
		cancel()
		if err == nil {
			st.Valid = true
			return st
		}
		st.Errors = append(st.Errors, fmt.Sprintf("bedrock: %v", err))
		return st
	}

	// Strategy 2: Vertex. Requires the explicit flag plus a readable
	// service-account file.
	if r.opts.UseVertex || boolEnv(envUseVertex) {
		st.Method = MethodVertex
		credsPath := os.Getenv(envGoogleCreds)
		st.Config["project"] = os.Getenv(envGoogleProj)
		if strings.TrimSpace(credsPath) == "" {
			st.Errors = append(st.Errors, "vertex: "+envGoogleCreds+" not set")
			return st
		}
		pctx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
		err := r.probeVertex(pctx, credsPath)
		cancel()
		if err == nil {
			st.Valid = true
			return st
		}
		st.Errors = append(st.Errors, fmt.Sprintf("vertex: %v", err))
		return st
	}

	// Strategy 3: direct API key.
	if key := os.Getenv(envAPIKey); strings.TrimSpace(key) != "" {
		st.Method = MethodAnthropic
		st.Config["key_prefix"] = keyPrefix(key)
		if err := validateAPIKey(key); err == nil {
			st.Valid = true
			return st
		} else {
			st.Errors = append(st.Errors, fmt.Sprintf("anthropic: %v", err))
			return st
		}
	}

	// Strategy 4: the CLI's own login, verified via a version probe.
	pctx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
	version, err := r.probeCLI(pctx, r.opts.CLIPath)
	cancel()
	if err == nil {
		st.Method = MethodCLI
		st.Config["cli_path"] = r.opts.CLIPath
		st.Config["cli_version"] = version
		st.Valid = true
		return st
	}
	st.Errors = append(st.Errors, fmt.Sprintf("cli: %v", err))
	return st
}

func (r *Resolver) defaultAWSProbe(ctx context.Context) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("resolve aws credentials: %w", err)
	}
	if len(creds.AccessKeyID) < 16 {
		return fmt.Errorf("access key id too short (%d chars)", len(creds.AccessKeyID))
	}
	return nil
}

func defaultVertexProbe(ctx context.Context, credsPath string) error {
	raw, err := os.ReadFile(credsPath)
	if err != nil {
		return fmt.Errorf("read service account file: %w", err)
	}
	if _, err := google.CredentialsFromJSON(ctx, raw, "https://www.googleapis.com/auth/cloud-platform"); err != nil {
		return fmt.Errorf("parse service account: %w", err)
	}
	return nil
}

func defaultCLIProbe(ctx context.Context, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("backend cli path not configured")
	}
	bin, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("backend cli not found: %w", err)
	}
	out, err := exec.CommandContext(ctx, bin, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("version probe failed: %w", err)
	}
	version := strings.TrimSpace(string(out))
	if version == "" {
		return "", fmt.Errorf("version probe returned no output")
	}
	return version, nil
}

func validateAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if len(key) < 20 {
		return fmt.Errorf("key too short (%d chars)", len(key))
	}
	if !strings.HasPrefix(key, "sk-") {
		return fmt.Errorf("key does not look like an API key")
	}
	return nil
}

func keyPrefix(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "..."
}

func presentEnvVars() []string {
	candidates := []string{
		envAPIKey, envUseBedrock, envUseVertex,
		envAWSKey, envAWSSecret, envAWSRegion,
		envGoogleCreds, envGoogleProj,
	}
	var present []string
	for _, name := range candidates {
		if os.Getenv(name) != "" {
			present = append(present, name)
		}
	}
	sort.Strings(present)
	return present
}

func boolEnv(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
