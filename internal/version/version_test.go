package version

import (
	"bytes"
	"encoding/json"
	"runtime/debug"
	"strings"
	"testing"
)

func TestGet_Defaults(t *testing.T) {
	i := Get()
	if i.App != App || i.Version == "" {
		t.Fatalf("Get = %+v", i)
	}
}

func TestFromBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.24.11",
		Main:      debug.Module{Version: "v1.4.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "deadbeef"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := fromBuildInfo(Info{App: App, Version: "dev", Commit: "none"}, bi)

	if got.Version != "v1.4.0" || got.Commit != "deadbeef" || got.CommitDate != "2026-01-02T03:04:05Z" {
		t.Fatalf("got %+v", got)
	}
	if got.VCSDirty == nil || !*got.VCSDirty {
		t.Fatal("dirty flag not set")
	}
	if !strings.Contains(got.String(), "dirty") {
		t.Fatalf("String = %q", got.String())
	}

	// ldflags win
	got = fromBuildInfo(Info{Version: "2.0.0", Commit: "cafe"}, bi)
	if got.Version != "2.0.0" || got.Commit != "cafe" {
		t.Fatalf("ldflags overridden: %+v", got)
	}
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	if err := Print(&buf, Info{App: App, Version: "1.0.0", Commit: "abc", GoVersion: "go1.24"}); err != nil {
		t.Fatal(err)
	}
	var back Info
	if err := json.Unmarshal(buf.Bytes(), &back); err != nil || back.Version != "1.0.0" {
		t.Fatalf("Print output %s: %v", buf.String(), err)
	}
}
