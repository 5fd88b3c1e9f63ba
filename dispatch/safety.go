package dispatch

import (
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"github.com/c360studio/nanoclaw/plan"
)

// sshMetacharPattern bans shell metacharacters outright; the allowlist below
// never needs them.
var sshMetacharPattern = regexp.MustCompile("[;&|`$<>{}\\\\]")

// readonlyCommandPatterns is the closed set of remote commands the dispatcher
// will sign. Everything here is read-only on the target host.
var readonlyCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^uptime$`),
	regexp.MustCompile(`^whoami$`),
	regexp.MustCompile(`^id$`),
	regexp.MustCompile(`^hostname$`),
	regexp.MustCompile(`^date$`),
	regexp.MustCompile(`^ping -c [1-9] [A-Za-z0-9.:_-]+$`),
	regexp.MustCompile(`^ls(?: -[a-zA-Z]+)? /[A-Za-z0-9._/-]*$`),
	regexp.MustCompile(`^uname(?: -[a-z])?$`),
	regexp.MustCompile(`^free(?: -[hmg])?$`),
	regexp.MustCompile(`^df(?: -[hTi])?$`),
	regexp.MustCompile(`^docker ps(?: -a)?$`),
	regexp.MustCompile(`^docker stats --no-stream$`),
	regexp.MustCompile(`^systemctl status [A-Za-z0-9@._-]+$`),
	regexp.MustCompile(`^journalctl -u [A-Za-z0-9@._-]+(?: -n [0-9]{1,4})?(?: --no-pager)?$`),
}

// blockedHostSuffixes never resolve to something we want to fetch.
var blockedHostSuffixes = []string{".local", ".internal"}

// blockedHosts are denied exactly.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// CheckSSHCommand reports whether a remote command may be dispatched. The
// command must match one of the read-only patterns and carry no shell
// metacharacters.
func CheckSSHCommand(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return fmt.Errorf("empty command")
	}
	if sshMetacharPattern.MatchString(trimmed) {
		return fmt.Errorf("command contains shell metacharacters")
	}
	for _, p := range readonlyCommandPatterns {
		if p.MatchString(trimmed) {
			return nil
		}
	}
	return fmt.Errorf("command not in read-only allowlist")
}

// CheckFetchURL applies the SSRF policy: http/https only, no loopback or
// internal hostnames, no private or link-local address literals, no cloud
// metadata endpoint.
func CheckFetchURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("unparseable url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if blockedHosts[host] {
		return fmt.Errorf("host %q is blocked", host)
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return fmt.Errorf("host %q is blocked", host)
		}
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		if err := checkAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	if addr.Is4() || addr.Is4In6() {
		v4 := addr.Unmap()
		b := v4.As4()
		switch {
		case b[0] == 0:
			return fmt.Errorf("address in 0.0.0.0/8 is blocked")
		case b[0] == 10:
			return fmt.Errorf("address in 10.0.0.0/8 is blocked")
		case b[0] == 127:
			return fmt.Errorf("loopback address is blocked")
		case b[0] == 169 && b[1] == 254:
			return fmt.Errorf("link-local address is blocked")
		case b[0] == 172 && b[1] >= 16 && b[1] <= 31:
			return fmt.Errorf("address in 172.16.0.0/12 is blocked")
		case b[0] == 192 && b[1] == 168:
			return fmt.Errorf("address in 192.168.0.0/16 is blocked")
		}
		return nil
	}
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("IPv6 loopback is blocked")
	case addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast():
		return fmt.Errorf("IPv6 link-local address is blocked")
	case isULA(addr):
		return fmt.Errorf("IPv6 unique-local address is blocked")
	}
	return nil
}

// isULA reports fc00::/7 membership.
func isULA(addr netip.Addr) bool {
	b := addr.As16()
	return b[0]&0xfe == 0xfc
}

// CheckAction applies the pre-dispatch safety policy for one action. A nil
// return means the action may be signed and sent.
func CheckAction(a *plan.Action) error {
	switch a.Type {
	case plan.ActionSSH:
		if err := CheckSSHCommand(a.Command); err != nil {
			return fmt.Errorf("ssh command blocked by safety policy: %w", err)
		}
	case plan.ActionWebFetch:
		if err := CheckFetchURL(a.URL); err != nil {
			return fmt.Errorf("URL blocked by web fetch safety policy: %w", err)
		}
		if a.Mode == plan.FetchModeBrowser && !a.RequiresApproval {
			return fmt.Errorf("browser-mode fetch requires approval")
		}
	case plan.ActionImageToText:
		if err := CheckFetchURL(a.ImageURL); err != nil {
			return fmt.Errorf("URL blocked by web fetch safety policy: %w", err)
		}
	case plan.ActionVoiceToText:
		if err := CheckFetchURL(a.AudioURL); err != nil {
			return fmt.Errorf("URL blocked by web fetch safety policy: %w", err)
		}
	}
	return nil
}
