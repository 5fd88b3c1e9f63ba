// Package runner is the action execution service. It accepts signed
// dispatches over HTTP and executes each action: remote shell on allowlisted
// hosts, outbound web fetches, media transcription, and long-running code
// tasks in foreground or background mode.
package runner

import (
	"time"
)

// Output limits. Stdout and stderr keep their head; fetched bodies keep their
// first FetchBodyLimit bytes.
const (
	StdoutLimit    = 100_000
	StderrLimit    = 10_000
	FetchBodyLimit = 12_000
)

// Config configures the runner service.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`

	// DispatchSecret verifies the HMAC on /dispatch. Empty disables
	// verification (local development only).
	DispatchSecret string `yaml:"dispatch_secret"`

	// RunnerSecret gates the run management API via x-ops-runner-secret.
	RunnerSecret string `yaml:"runner_secret"`

	// MaxParallel bounds concurrent execution of grouped actions.
	MaxParallel int `yaml:"max_parallel"`

	// SSHHosts maps logical target names to reachable addresses.
	SSHHosts map[string]string `yaml:"ssh_hosts"`

	// SSHUser is the remote login user.
	SSHUser string `yaml:"ssh_user"`

	// SSHConnectTimeout bounds connection establishment.
	SSHConnectTimeout time.Duration `yaml:"ssh_connect_timeout"`

	// SSHCommandTimeout is the per-invocation wall clock limit.
	SSHCommandTimeout time.Duration `yaml:"ssh_command_timeout"`

	// SSHStrictHostKeyChecking is passed through to the ssh binary
	// (yes, no, accept-new).
	SSHStrictHostKeyChecking string `yaml:"ssh_strict_host_key_checking"`

	// FetchTimeout bounds one web fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// FetchUserAgent is sent on every outbound fetch.
	FetchUserAgent string `yaml:"fetch_user_agent"`

	// ReadableMirrorURL is the prefix of a readable-mirror endpoint used when
	// the browser driver is unavailable (the page URL is appended). Empty
	// means the raw page is fetched and simplified locally.
	ReadableMirrorURL string `yaml:"readable_mirror_url"`

	// ImageEndpointURL and VoiceEndpointURL are the transcription services.
	ImageEndpointURL string `yaml:"image_endpoint_url"`
	VoiceEndpointURL string `yaml:"voice_endpoint_url"`

	// MediaBearerToken authenticates against the transcription services.
	MediaBearerToken string `yaml:"media_bearer_token"`

	// OpencodeURL is the code-task service endpoint.
	OpencodeURL string `yaml:"opencode_url"`

	// OpencodeDefaultTimeout applies when the action carries none.
	OpencodeDefaultTimeout time.Duration `yaml:"opencode_default_timeout"`
}

// DefaultConfig returns runner defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        ":8790",
		MaxParallel: 4,
		SSHHosts: map[string]string{
			"william":      "william",
			"willy-ubuntu": "willy-ubuntu",
		},
		SSHConnectTimeout:        10 * time.Second,
		SSHCommandTimeout:        60 * time.Second,
		SSHStrictHostKeyChecking: "accept-new",
		FetchTimeout:             20 * time.Second,
		FetchUserAgent:           "nanoclaw-runner/1.0 (+https://github.com/c360studio/nanoclaw)",
		OpencodeDefaultTimeout:   300 * time.Second,
	}
}
