package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	Version, Commit = "1.2.3", "abc123"
	t.Cleanup(func() { Version, Commit = "dev", "unknown" })

	info := Info()
	if !strings.Contains(info, "version: 1.2.3") || !strings.Contains(info, "commit: abc123") {
		t.Fatalf("版本信息错误: %q", info)
	}
	if UserAgent() != "spreadwatch/1.2.3" {
		t.Fatalf("User-Agent 错误: %s", UserAgent())
	}
}
