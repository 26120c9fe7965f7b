package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bigkaa/fileshare/internal/config"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()

	want := []string{"serve", "purge", "reconcile", "version"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil {
			t.Fatalf("команда %q не найдена: %v", name, err)
		}
		if cmd.Name() != name {
			t.Errorf("хотели команду %q, получили %q", name, cmd.Name())
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != config.Version {
		t.Errorf("хотели %q, получили %q", config.Version, got)
	}
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		cmd  string
		flag string
	}{
		{"purge", "all"},
		{"reconcile", "fix"},
	}

	root := newRootCommand()
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			cmd, _, err := root.Find([]string{tt.cmd})
			if err != nil {
				t.Fatalf("Find: %v", err)
			}
			f := cmd.Flags().Lookup(tt.flag)
			if f == nil {
				t.Fatalf("флаг --%s не найден", tt.flag)
			}
			if f.DefValue != "false" {
				t.Errorf("хотели значение по умолчанию false, получили %q", f.DefValue)
			}
		})
	}
}

func TestVersionCommand_RejectsArgs(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"version", "extra"})

	if err := root.Execute(); err == nil {
		t.Fatal("ожидалась ошибка для лишнего аргумента")
	}
}

type stubLease struct {
	held   bool
	holder string
}

func (l stubLease) IsHeld() bool   { return l.held }
func (l stubLease) Holder() string { return l.holder }

func TestRequireSoleInstance(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		held    bool
		wantErr bool
	}{
		{"memory, аренда у нас", config.DriverMemory, true, false},
		{"memory, аренда у соседа", config.DriverMemory, false, true},
		{"sqlite, аренда у соседа", config.DriverSQLite, false, false},
		{"postgres, аренда у соседа", config.DriverPostgres, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{MetadataDriver: tt.driver, DataDir: "/srv/files"}
			err := requireSoleInstance(cfg, stubLease{held: tt.held, holder: "node-2"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("ошибка: %v, ожидалась: %v", err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), "node-2") {
				t.Errorf("в ошибке нет держателя аренды: %v", err)
			}
		})
	}
}
