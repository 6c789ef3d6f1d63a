package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	pagestore "github.com/sushant-115/gojopage/core/storage_engine/page_store"
	pagemanager "github.com/sushant-115/gojopage/core/write_engine/page_manager"
)

var errQuit = errors.New("quit")

const helpText = `Commands:
  open <group> <partition>     open a partition and make it current
  partitions                   list open partitions
  alloc                        allocate a page in the current partition
  free <page>                  return a page to the free list
  write <page> <text>          replace the payload of a page
  read <page>                  print the payload of a page
  root <page|none>             set or clear the tree root
  meta                         print the current partition meta
  checkpoint [reason]          run a checkpoint now
  destroy <group> <partition>  drop a partition and its files
  backup <dir>                 checkpoint and copy the partition files to dir
  verify <dir>                 check a backup against its manifest
  pageid <page>                decode a page id
  help                         show this text
  quit                         checkpoint and exit
Page ids are printed and accepted as 0x prefixed hex.`

// shell runs commands against an embedded engine.
type shell struct {
	engine  *pagestore.Engine
	out     io.Writer
	current *pagestore.Partition
}

func newShell(engine *pagestore.Engine, out io.Writer) *shell {
	return &shell{engine: engine, out: out}
}

func formatPageID(id pagemanager.PageID) string { return fmt.Sprintf("0x%016x", uint64(id)) }

func parsePageID(s string) (pagemanager.PageID, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("bad page id %q: %w", s, err)
	}
	return pagemanager.PageID(v), nil
}

func parsePartition(args []string) (int32, int, error) {
	if len(args) != 2 {
		return 0, 0, errors.New("expected <group> <partition>")
	}
	g, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad group id %q: %w", args[0], err)
	}
	p, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad partition id %q: %w", args[1], err)
	}
	return int32(g), p, nil
}

func (s *shell) partition() (*pagestore.Partition, error) {
	if s.current == nil {
		return nil, errors.New("no partition open, use: open <group> <partition>")
	}
	return s.current, nil
}

// exec runs one command line. It returns errQuit when the session should end.
func (s *shell) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help":
		fmt.Fprintln(s.out, helpText)
	case "quit", "exit":
		return errQuit
	case "open":
		g, p, err := parsePartition(args)
		if err != nil {
			return err
		}
		part, err := s.engine.OpenPartition(ctx, g, p)
		if err != nil {
			return err
		}
		s.current = part
		fmt.Fprintf(s.out, "opened %d:%d, %d pages, %d free\n", g, p, part.Meta().PageCount(), part.FreePages())
	case "partitions":
		for _, p := range s.engine.Partitions() {
			state := "ok"
			if c, ok := p.Quarantined(); ok {
				state = "quarantined: " + c.Error()
			}
			fmt.Fprintf(s.out, "%d:%d pages=%d free=%d %s\n", p.GroupID(), p.PartitionID(), p.Meta().PageCount(), p.FreePages(), state)
		}
	case "alloc":
		part, err := s.partition()
		if err != nil {
			return err
		}
		id, err := part.AllocatePage(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, formatPageID(id))
	case "free", "read", "pageid":
		if len(args) != 1 {
			return fmt.Errorf("expected: %s <page>", cmd)
		}
		id, err := parsePageID(args[0])
		if err != nil {
			return err
		}
		return s.pageCommand(ctx, cmd, id)
	case "write":
		if len(args) < 2 {
			return errors.New("expected: write <page> <text>")
		}
		id, err := parsePageID(args[0])
		if err != nil {
			return err
		}
		part, err := s.partition()
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		if err := part.WritePage(ctx, id, []byte(text)); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "wrote %d bytes\n", len(text))
	case "root":
		if len(args) != 1 {
			return errors.New("expected: root <page|none>")
		}
		part, err := s.partition()
		if err != nil {
			return err
		}
		id := pagemanager.InvalidPageID
		if args[0] != "none" {
			if id, err = parsePageID(args[0]); err != nil {
				return err
			}
		}
		return part.SetTreeRoot(ctx, id)
	case "meta":
		part, err := s.partition()
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, part.Meta().String())
	case "checkpoint":
		reason := "cli"
		if len(args) > 0 {
			reason = strings.Join(args, " ")
		}
		if err := s.engine.Checkpoint(ctx, reason); err != nil {
			return err
		}
		if res, ok := s.engine.LastCheckpoint(); ok {
			fmt.Fprintf(s.out, "checkpoint %s: %d pages, %d metas in %s\n", res.ID, res.Pages, res.Metas, res.Duration)
		}
	case "destroy":
		g, p, err := parsePartition(args)
		if err != nil {
			return err
		}
		if s.current != nil && s.current.GroupID() == g && s.current.PartitionID() == p {
			s.current = nil
		}
		return s.engine.DestroyPartition(g, p)
	case "backup", "verify":
		if len(args) != 1 {
			return fmt.Errorf("expected: %s <dir>", cmd)
		}
		var manifest pagestore.BackupManifest
		var err error
		if cmd == "backup" {
			manifest, err = s.engine.Backup(ctx, args[0])
		} else {
			manifest, err = pagestore.VerifyBackup(args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s ok: checkpoint %s, %d files\n", cmd, manifest.CheckpointID, len(manifest.Files))
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func (s *shell) pageCommand(ctx context.Context, cmd string, id pagemanager.PageID) error {
	if cmd == "pageid" {
		fmt.Fprintln(s.out, id.String())
		return nil
	}
	part, err := s.partition()
	if err != nil {
		return err
	}
	if cmd == "free" {
		return part.FreePage(ctx, id)
	}
	payload, err := part.ReadPage(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%q\n", strings.TrimRight(string(payload), "\x00"))
	return nil
}
