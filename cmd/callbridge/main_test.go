package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/teslashibe/go-callbridge/internal/config"
	"github.com/teslashibe/go-callbridge/internal/log"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "call"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Find(%q) = %v, %v", name, cmd, err)
		}
	}
}

func TestCallRequiresDestination(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"call", "--name", "Dana"})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), `"to"`) {
		t.Errorf("Execute() error = %v, want missing --to", err)
	}
}

func TestBuildDepsMinimal(t *testing.T) {
	cfg := config.Default()
	cfg.OpenAI.APIKey = "sk-test"

	deps, cleanup := buildDeps(cfg, log.Discard())
	defer cleanup()

	if deps.Calls != nil {
		t.Error("origination should be disabled without credentials")
	}
	if deps.Archive != nil {
		t.Error("archive should be disabled without Google credentials")
	}
	if deps.Finalizer == nil || deps.Events == nil || deps.Monitor == nil {
		t.Error("finalizer, events and monitor should always be wired")
	}

	ai, err := deps.NewAI()
	if err != nil || ai == nil {
		t.Errorf("NewAI() = %v, %v", ai, err)
	}
}

func TestBuildDepsWithCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.OpenAI.APIKey = "sk-test"
	cfg.Twilio.AccountSID = "AC1"
	cfg.Twilio.AuthToken = "tok"

	deps, cleanup := buildDeps(cfg, log.Discard())
	defer cleanup()

	if deps.Calls == nil {
		t.Error("origination should be enabled with credentials")
	}
}
