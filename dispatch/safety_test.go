package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckSSHCommand(t *testing.T) {
	allowed := []string{
		"uptime",
		"whoami",
		"id",
		"hostname",
		"date",
		"ping -c 3 example.com",
		"ls /var/log",
		"ls -la /home/user",
		"uname -a",
		"free -h",
		"df -h",
		"docker ps",
		"docker ps -a",
		"docker stats --no-stream",
		"systemctl status nginx",
		"journalctl -u nginx -n 100 --no-pager",
	}
	for _, cmd := range allowed {
		assert.NoError(t, CheckSSHCommand(cmd), cmd)
	}

	blocked := []string{
		"",
		"rm -rf /",
		"uptime; rm -rf /",
		"uptime && whoami",
		"cat /etc/shadow",
		"ls relative/path",
		"echo `whoami`",
		"ls /tmp | grep secret",
		"ping -c 100 example.com",
		"systemctl restart nginx",
		"df -h > /tmp/out",
		"uptime $HOME",
	}
	for _, cmd := range blocked {
		assert.Error(t, CheckSSHCommand(cmd), cmd)
	}
}

func TestCheckFetchURL(t *testing.T) {
	allowed := []string{
		"https://example.com",
		"http://example.com/path?q=1",
		"https://93.184.216.34/resource",
		"https://sub.domain.example.org",
	}
	for _, u := range allowed {
		assert.NoError(t, CheckFetchURL(u), u)
	}

	blocked := []string{
		"ftp://example.com",
		"file:///etc/passwd",
		"http://localhost:8080",
		"http://printer.local",
		"http://service.internal/api",
		"http://metadata.google.internal/computeMetadata/v1/",
		"http://169.254.169.254/latest/meta-data",
		"http://10.0.0.1/admin",
		"http://127.0.0.1/",
		"http://0.0.0.0/",
		"http://172.16.5.5/",
		"http://172.31.255.255/",
		"http://192.168.1.1/router",
		"http://[::1]/",
		"http://[fe80::1]/",
		"http://[fd00::1]/",
	}
	for _, u := range blocked {
		assert.Error(t, CheckFetchURL(u), u)
	}
}

func TestSignatureDeterministic(t *testing.T) {
	body := []byte(`{"event":"approved_actions.dispatch"}`)
	a := Signature("secret", "1700000000000", body)
	b := Signature("secret", "1700000000000", body)
	assert.Equal(t, a, b)
	assert.Contains(t, a, "sha256=")

	assert.NotEqual(t, a, Signature("other-secret", "1700000000000", body))
	assert.NotEqual(t, a, Signature("secret", "1700000000001", body))

	assert.True(t, VerifySignature("secret", "1700000000000", body, a))
	assert.False(t, VerifySignature("secret", "1700000000000", body, "sha256=deadbeef"))
}
