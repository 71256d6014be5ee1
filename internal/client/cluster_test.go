package client

import (
	"context"
	"testing"

	"github.com/kvtree/kvtree/internal/status"
	"github.com/kvtree/kvtree/internal/tree"
)

func TestClusterBasicTree(t *testing.T) {
	ctx := context.Background()
	c := NewTestingCluster(tree.New())

	if err := c.MakeDirectory(ctx, "/foo"); err != nil {
		t.Fatalf("MakeDirectory: %v", err)
	}
	children, err := c.ListDirectory(ctx, "/")
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if len(children) != 1 || children[0] != "foo/" {
		t.Fatalf("got %v, want [foo/]", children)
	}
	if err := c.Write(ctx, "/foo/x", []byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := c.Read(ctx, "/foo/x")
	if err != nil || string(got) != "hi" {
		t.Fatalf("Read = %q, %v", got, err)
	}
	if err := c.RemoveFile(ctx, "/foo/x"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	children, err = c.ListDirectory(ctx, "/foo")
	if err != nil || len(children) != 0 {
		t.Fatalf("ListDirectory(/foo) = %v, %v", children, err)
	}
}

func TestClusterConditionGate(t *testing.T) {
	ctx := context.Background()
	c := NewTestingCluster(tree.New())

	if err := c.Write(ctx, "/a", []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.SetCondition("/a", []byte("v2")); err != nil {
		t.Fatalf("SetCondition: %v", err)
	}
	err := c.Write(ctx, "/b", []byte("x"))
	if status.FromError(err) != status.ConditionNotMet {
		t.Fatalf("expected ConditionNotMet, got %v", err)
	}

	if err := c.SetCondition("/a", []byte("v1")); err != nil {
		t.Fatalf("SetCondition: %v", err)
	}
	if err := c.Write(ctx, "/b", []byte("x")); err != nil {
		t.Fatalf("Write after matching condition: %v", err)
	}
}

func TestClusterRootSemantics(t *testing.T) {
	ctx := context.Background()
	c := NewTestingCluster(tree.New())

	if err := c.MakeDirectory(ctx, "/x/y"); err != nil {
		t.Fatalf("MakeDirectory: %v", err)
	}
	if err := c.Write(ctx, "/x/y/z", []byte("d")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.RemoveDirectory(ctx, "/"); err != nil {
		t.Fatalf("RemoveDirectory(/): %v", err)
	}
	children, err := c.ListDirectory(ctx, "/")
	if err != nil || len(children) != 0 {
		t.Fatalf("ListDirectory(/) = %v, %v", children, err)
	}
}

func TestClusterTraversalRejectionPoisonsWorkingDirectory(t *testing.T) {
	ctx := context.Background()
	c := NewTestingCluster(tree.New())

	if err := c.SetWorkingDirectory(ctx, "/foo"); err != nil {
		t.Fatalf("SetWorkingDirectory(/foo): %v", err)
	}
	err := c.SetWorkingDirectory(ctx, "../..")
	if status.FromError(err) != status.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}

	err = c.MakeDirectory(ctx, "x")
	if status.FromError(err) != status.InvalidArgument {
		t.Fatalf("expected subsequent relative call to fail InvalidArgument, got %v", err)
	}
}

func TestClusterSetWorkingDirectoryCreatesIt(t *testing.T) {
	ctx := context.Background()
	c := NewTestingCluster(tree.New())

	if err := c.SetWorkingDirectory(ctx, "/a/b"); err != nil {
		t.Fatalf("SetWorkingDirectory: %v", err)
	}
	children, err := c.ListDirectory(ctx, "/a")
	if err != nil || len(children) != 1 || children[0] != "b/" {
		t.Fatalf("got %v, %v", children, err)
	}
}
