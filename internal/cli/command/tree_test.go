package command

import "testing"

func TestMakeDirectoryCommand_Name(t *testing.T) {
	cmd := MakeDirectoryCommand()
	if cmd.Name != "mkdir" {
		t.Errorf("Name = %q, want %q", cmd.Name, "mkdir")
	}
}

func TestListDirectoryCommand_Name(t *testing.T) {
	cmd := ListDirectoryCommand()
	if cmd.Name != "ls" {
		t.Errorf("Name = %q, want %q", cmd.Name, "ls")
	}
}

func TestRemoveDirectoryCommand_Name(t *testing.T) {
	cmd := RemoveDirectoryCommand()
	if cmd.Name != "rmdir" {
		t.Errorf("Name = %q, want %q", cmd.Name, "rmdir")
	}
}

func TestWriteCommand_HasFileFlag(t *testing.T) {
	cmd := WriteCommand()
	if cmd.Name != "write" {
		t.Errorf("Name = %q, want %q", cmd.Name, "write")
	}
	var found bool
	for _, f := range cmd.Flags {
		if f.Names()[0] == "file" {
			found = true
		}
	}
	if !found {
		t.Error("expected a -file flag")
	}
}

func TestReadCommand_Name(t *testing.T) {
	cmd := ReadCommand()
	if cmd.Name != "cat" {
		t.Errorf("Name = %q, want %q", cmd.Name, "cat")
	}
}

func TestRemoveFileCommand_Name(t *testing.T) {
	cmd := RemoveFileCommand()
	if cmd.Name != "rm" {
		t.Errorf("Name = %q, want %q", cmd.Name, "rm")
	}
}

func TestPrintWorkingDirectoryCommand_Name(t *testing.T) {
	cmd := PrintWorkingDirectoryCommand()
	if cmd.Name != "pwd" {
		t.Errorf("Name = %q, want %q", cmd.Name, "pwd")
	}
}

func TestChangeDirectoryCommand_Name(t *testing.T) {
	cmd := ChangeDirectoryCommand()
	if cmd.Name != "cd" {
		t.Errorf("Name = %q, want %q", cmd.Name, "cd")
	}
}
