package command

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/kvtree/kvtree/internal/cli/output"
)

func requirePathArg(c *cli.Context) (string, error) {
	path := c.Args().First()
	if path == "" {
		return "", fmt.Errorf("missing required path argument")
	}
	return path, nil
}

// MakeDirectoryCommand creates all missing directories along a path.
func MakeDirectoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "mkdir",
		Usage:     "create a directory (and any missing parents)",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path, err := requirePathArg(c)
			if err != nil {
				return err
			}
			cluster := GetCluster(c)
			if err := cluster.MakeDirectory(c.Context, path); err != nil {
				PrintError("mkdir %s: %v", path, err)
				return err
			}
			return nil
		},
	}
}

// ListDirectoryCommand lists a directory's children.
func ListDirectoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "list a directory's children",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path, err := requirePathArg(c)
			if err != nil {
				return err
			}
			cluster := GetCluster(c)
			children, err := cluster.ListDirectory(c.Context, path)
			if err != nil {
				PrintError("ls %s: %v", path, err)
				return err
			}
			flags := ParseGlobalFlags(c)
			formatter := output.NewFormatter(output.Format(flags.Output), false)
			return formatter.Format(os.Stdout, children)
		},
	}
}

// RemoveDirectoryCommand recursively removes a directory.
func RemoveDirectoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "rmdir",
		Usage:     "recursively remove a directory and its descendants",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path, err := requirePathArg(c)
			if err != nil {
				return err
			}
			cluster := GetCluster(c)
			if err := cluster.RemoveDirectory(c.Context, path); err != nil {
				PrintError("rmdir %s: %v", path, err)
				return err
			}
			return nil
		},
	}
}

// WriteCommand creates or overwrites a file. Contents come from -file, or
// stdin if -file is omitted.
func WriteCommand() *cli.Command {
	return &cli.Command{
		Name:      "write",
		Usage:     "create or overwrite a file",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Usage: "read contents from this file instead of stdin"},
		},
		Action: func(c *cli.Context) error {
			path, err := requirePathArg(c)
			if err != nil {
				return err
			}
			contents, err := readContents(c.String("file"))
			if err != nil {
				return fmt.Errorf("read contents: %w", err)
			}
			cluster := GetCluster(c)
			if err := cluster.Write(c.Context, path, contents); err != nil {
				PrintError("write %s: %v", path, err)
				return err
			}
			return nil
		},
	}
}

func readContents(file string) ([]byte, error) {
	if file != "" {
		return os.ReadFile(file)
	}
	return readAllStdin()
}

func readAllStdin() ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	return buf, nil
}

// ReadCommand prints a file's contents.
func ReadCommand() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "print a file's contents",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path, err := requirePathArg(c)
			if err != nil {
				return err
			}
			cluster := GetCluster(c)
			contents, err := cluster.Read(c.Context, path)
			if err != nil {
				PrintError("cat %s: %v", path, err)
				return err
			}
			_, err = os.Stdout.Write(contents)
			return err
		},
	}
}

// RemoveFileCommand removes a file.
func RemoveFileCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "remove a file",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path, err := requirePathArg(c)
			if err != nil {
				return err
			}
			cluster := GetCluster(c)
			if err := cluster.RemoveFile(c.Context, path); err != nil {
				PrintError("rm %s: %v", path, err)
				return err
			}
			return nil
		},
	}
}

// PrintWorkingDirectoryCommand prints the facade's current working
// directory.
func PrintWorkingDirectoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "pwd",
		Usage: "print the current working directory",
		Action: func(c *cli.Context) error {
			fmt.Println(GetCluster(c).GetWorkingDirectory())
			return nil
		},
	}
}

// ChangeDirectoryCommand changes the facade's working directory, creating
// it first if it doesn't yet exist (Cluster.SetWorkingDirectory's own
// behavior).
func ChangeDirectoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "cd",
		Usage:     "change the working directory (creating it if needed)",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path, err := requirePathArg(c)
			if err != nil {
				return err
			}
			cluster := GetCluster(c)
			if err := cluster.SetWorkingDirectory(c.Context, path); err != nil {
				PrintError("cd %s: %v", path, err)
				return err
			}
			return nil
		},
	}
}
