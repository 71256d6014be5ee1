package tree

import (
	"bufio"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers for the snapshot encoding, mirroring the shape of the
// original LogCabin Snapshot.Directory/Snapshot.File protobuf messages
// (Tree::dumpSnapshot/loadSnapshot): a directory message lists its child
// directory names and child file names, and the dump recurses into each
// child in that same order so the stream can be replayed without needing a
// length-prefixed framing per subtree.
const (
	fieldDirectoryNames protowire.Number = 1
	fieldFileNames      protowire.Number = 2
	fieldFileContents   protowire.Number = 1
)

// Dump serializes the tree to w in the order superRoot, root, root's
// children depth-first -- directories before files at every level, as in
// Directory::dumpSnapshot.
func (t *Tree) Dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := dumpDirectory(bw, t.superRoot); err != nil {
		return err
	}
	return bw.Flush()
}

func dumpDirectory(w *bufio.Writer, d *Directory) error {
	names := make([]string, 0, len(d.directories))
	for name := range d.directories {
		names = append(names, name)
	}
	fileNames := make([]string, 0, len(d.files))
	for name := range d.files {
		fileNames = append(fileNames, name)
	}

	var buf []byte
	for _, name := range names {
		buf = protowire.AppendTag(buf, fieldDirectoryNames, protowire.BytesType)
		buf = protowire.AppendString(buf, name)
	}
	for _, name := range fileNames {
		buf = protowire.AppendTag(buf, fieldFileNames, protowire.BytesType)
		buf = protowire.AppendString(buf, name)
	}
	if err := writeFramed(w, buf); err != nil {
		return err
	}

	for _, name := range names {
		if err := dumpDirectory(w, d.directories[name]); err != nil {
			return err
		}
	}
	for _, name := range fileNames {
		if err := dumpFile(w, d.files[name]); err != nil {
			return err
		}
	}
	return nil
}

func dumpFile(w *bufio.Writer, f *File) error {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldFileContents, protowire.BytesType)
	buf = protowire.AppendBytes(buf, f.Contents)
	return writeFramed(w, buf)
}

func writeFramed(w *bufio.Writer, message []byte) error {
	var header []byte
	header = protowire.AppendVarint(header, uint64(len(message)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(message)
	return err
}

// Load replaces the tree's contents with the snapshot read from r, which
// must have been produced by Dump. A truncated or malformed stream is
// reported as an error rather than a panic, so the caller (the Raft FSM's
// Restore) can decide whether a corrupt snapshot is fatal.
func (t *Tree) Load(r io.Reader) error {
	br := bufio.NewReader(r)
	fresh := newDirectory()
	fresh.makeDirectory("root")
	if err := loadDirectory(br, fresh); err != nil {
		return err
	}
	t.superRoot = fresh
	return nil
}

func readFramed(r *bufio.Reader) ([]byte, error) {
	length, err := binaryReadVarint(r)
	if err != nil {
		return nil, err
	}
	message := make([]byte, length)
	if _, err := io.ReadFull(r, message); err != nil {
		return nil, fmt.Errorf("truncated snapshot message: %w", err)
	}
	return message, nil
}

// binaryReadVarint reads a protobuf-encoded varint one byte at a time from
// r, since protowire only parses varints out of an in-memory byte slice.
func binaryReadVarint(r *bufio.Reader) (uint64, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		buf = append(buf, b)
		if b < 0x80 {
			break
		}
	}
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, fmt.Errorf("malformed snapshot length varint")
	}
	return v, nil
}

func loadDirectory(r *bufio.Reader, d *Directory) error {
	message, err := readFramed(r)
	if err != nil {
		return fmt.Errorf("reading directory header: %w", err)
	}

	var dirNames, fileNames []string
	for len(message) > 0 {
		num, typ, n := protowire.ConsumeTag(message)
		if n < 0 {
			return fmt.Errorf("malformed directory header: %w", protowire.ParseError(n))
		}
		message = message[n:]
		switch num {
		case fieldDirectoryNames:
			s, m := protowire.ConsumeString(message)
			if m < 0 {
				return fmt.Errorf("malformed directory name: %w", protowire.ParseError(m))
			}
			dirNames = append(dirNames, s)
			message = message[m:]
		case fieldFileNames:
			s, m := protowire.ConsumeString(message)
			if m < 0 {
				return fmt.Errorf("malformed file name: %w", protowire.ParseError(m))
			}
			fileNames = append(fileNames, s)
			message = message[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, message)
			if m < 0 {
				return fmt.Errorf("malformed directory field: %w", protowire.ParseError(m))
			}
			message = message[m:]
		}
	}

	for _, name := range dirNames {
		sub := newDirectory()
		d.directories[name] = sub
		if err := loadDirectory(r, sub); err != nil {
			return err
		}
	}
	for _, name := range fileNames {
		f := &File{}
		d.files[name] = f
		if err := loadFile(r, f); err != nil {
			return err
		}
	}
	return nil
}

func loadFile(r *bufio.Reader, f *File) error {
	message, err := readFramed(r)
	if err != nil {
		return fmt.Errorf("reading file header: %w", err)
	}
	for len(message) > 0 {
		num, typ, n := protowire.ConsumeTag(message)
		if n < 0 {
			return fmt.Errorf("malformed file header: %w", protowire.ParseError(n))
		}
		message = message[n:]
		switch num {
		case fieldFileContents:
			b, m := protowire.ConsumeBytes(message)
			if m < 0 {
				return fmt.Errorf("malformed file contents: %w", protowire.ParseError(m))
			}
			f.Contents = append([]byte(nil), b...)
			message = message[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, message)
			if m < 0 {
				return fmt.Errorf("malformed file field: %w", protowire.ParseError(m))
			}
			message = message[m:]
		}
	}
	return nil
}
