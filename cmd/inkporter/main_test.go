package main

import (
	"errors"
	"testing"

	"github.com/inkporter/inkporter/internal/bot"
	"github.com/inkporter/inkporter/internal/types"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{errInterrupted, exitInterrupted},
		{types.NewConfigError("DATA_ROOT", "required"), exitConfig},
		{types.NewStoreCorrupt(errors.New("migration checksum mismatch")), exitData},
		{unavailable(errors.New("remote unreachable")), exitUnavailable},
		{errors.New("boom"), exitInternal},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{
		"run": false, "migrate": false, "verify": false,
		"replay-dead": false, "reconcile": false, "stats": false, "version": false,
	}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("command %s not registered", name)
		}
	}
}

func TestEventFromLine(t *testing.T) {
	ev, ok := eventFromLine("remember the milk").(bot.TextMessage)
	if !ok || ev.Content != "remember the milk" {
		t.Errorf("text event %#v", ev)
	}
	if ev.EventID == "" || ev.ActorID != "console" {
		t.Errorf("provenance %#v", ev)
	}

	cmd, ok := eventFromLine("/search milk runs").(bot.Command)
	if !ok || cmd.Name != "search" {
		t.Fatalf("command event %#v", cmd)
	}
	if len(cmd.Args) != 2 || cmd.Args[0] != "milk" || cmd.Args[1] != "runs" {
		t.Errorf("args %v", cmd.Args)
	}

	bare, ok := eventFromLine("/").(bot.Command)
	if !ok || bare.Name != "" {
		t.Errorf("bare slash %#v", bare)
	}
}
