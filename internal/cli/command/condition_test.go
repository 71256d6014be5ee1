package command

import "testing"

func TestConditionCommand_Subcommands(t *testing.T) {
	cmd := ConditionCommand()
	names := make(map[string]bool)
	for _, sub := range cmd.Subcommands {
		names[sub.Name] = true
	}
	for _, want := range []string{"get", "set", "clear"} {
		if !names[want] {
			t.Errorf("missing subcommand: %s", want)
		}
	}
}

func TestTimeoutCommand_Subcommands(t *testing.T) {
	cmd := TimeoutCommand()
	names := make(map[string]bool)
	for _, sub := range cmd.Subcommands {
		names[sub.Name] = true
	}
	for _, want := range []string{"get", "set"} {
		if !names[want] {
			t.Errorf("missing subcommand: %s", want)
		}
	}
}
