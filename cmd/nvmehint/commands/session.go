package commands

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sushant-115/nvmehint/core/hint_engine/dispatcher"
	flushmanager "github.com/sushant-115/nvmehint/core/write_engine/flush_manager"
	"github.com/sushant-115/nvmehint/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/nvmehint/core/write_engine/page_manager"
	"github.com/sushant-115/nvmehint/pkg/config"
	"go.uber.org/zap"
)

var errExit = errors.New("exit")

const shellHelp = `Commands:
  open <path>                 open or create a space file, prints its id
  new <space>                 allocate a page in a space and pin it dirty
  fetch <space> <page>        pin a page, reading it from disk if needed
  unpin <space> <page> [dirty]
  write <space> <page> <text> fetch, overwrite with text, unpin dirty
  flush [<space> <page>]      flush one page, or every dirty page
  evict <space> <page>        write back and drop an unpinned page
  stats                       dispatcher and sector cache counters
  reclaim                     take the next reclaim batch
  toggle [on|off]             enable or disable hint dispatch
  help
  exit`

// session is a buffer pool wired to a live dispatcher, driven one command
// line at a time.
type session struct {
	dm     *flushmanager.DiskManager
	bpm    *memtable.BufferPoolManager
	disp   *dispatcher.Dispatcher
	out    io.Writer
	logger *zap.Logger
}

func newSession(cfg config.Config, opts dispatcher.Options, out io.Writer) (*session, error) {
	dm, err := flushmanager.NewDiskManager(cfg.BufferPool.PageSize, opts.Logger)
	if err != nil {
		return nil, err
	}
	bpm, err := memtable.NewBufferPoolManager(cfg.BufferPool.PoolSize, dm, opts.Logger)
	if err != nil {
		dm.Close()
		return nil, err
	}
	disp, err := dispatcher.New(cfg.Hints, bpm, opts)
	if err != nil {
		dm.Close()
		return nil, err
	}
	if err := disp.Initialize(); err != nil {
		dm.Close()
		return nil, err
	}
	bpm.SetHintSink(disp)

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &session{dm: dm, bpm: bpm, disp: disp, out: out, logger: logger}, nil
}

// close writes back and evicts what it can, drains the hints and closes the
// spaces.
func (s *session) close() error {
	var errs []error
	if err := s.bpm.FlushAllPages(); err != nil {
		errs = append(errs, err)
	}
	if err := s.bpm.EvictAll(); err != nil {
		errs = append(errs, err)
	}
	s.disp.Shutdown()
	if err := s.dm.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// exec runs one command. errExit asks the caller to leave the loop.
func (s *session) exec(args []string) error {
	if len(args) == 0 {
		return nil
	}
	switch strings.ToLower(args[0]) {
	case "open":
		if len(args) != 2 {
			return fmt.Errorf("usage: open <path>")
		}
		id, err := s.dm.OpenSpace(args[1])
		if err != nil {
			return err
		}
		n, _ := s.dm.NumPages(id)
		fmt.Fprintf(s.out, "space %d (%d pages)\n", id, n)
	case "new":
		if len(args) != 2 {
			return fmt.Errorf("usage: new <space>")
		}
		space, err := parseSpace(args[1])
		if err != nil {
			return err
		}
		page, id, err := s.bpm.NewPage(space)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "page %s handle %#x\n", id, uint64(page.Handle()))
	case "fetch":
		id, err := parsePageArgs("fetch", args)
		if err != nil {
			return err
		}
		page, err := s.bpm.FetchPage(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "page %s handle %#x pins %d\n", id, uint64(page.Handle()), page.GetPinCount())
	case "unpin":
		if len(args) != 3 && len(args) != 4 {
			return fmt.Errorf("usage: unpin <space> <page> [dirty]")
		}
		id, err := parsePageArgs("unpin", args[:3])
		if err != nil {
			return err
		}
		return s.bpm.UnpinPage(id, len(args) == 4 && args[3] == "dirty")
	case "write":
		if len(args) < 4 {
			return fmt.Errorf("usage: write <space> <page> <text>")
		}
		id, err := parsePageArgs("write", args[:3])
		if err != nil {
			return err
		}
		page, err := s.bpm.FetchPage(id)
		if err != nil {
			return err
		}
		page.Lock()
		clear(page.GetData())
		page.SetData([]byte(strings.Join(args[3:], " ")))
		page.Unlock()
		return s.bpm.UnpinPage(id, true)
	case "flush":
		if len(args) == 1 {
			return s.bpm.FlushAllPages()
		}
		id, err := parsePageArgs("flush", args)
		if err != nil {
			return err
		}
		return s.bpm.FlushPage(id)
	case "evict":
		id, err := parsePageArgs("evict", args)
		if err != nil {
			return err
		}
		return s.bpm.EvictPage(id)
	case "stats":
		st := s.disp.Stats()
		fmt.Fprintf(s.out, "enabled=%t queued=%d submitted=%d issued=%d failed=%d skipped=%d dropped=%d\n",
			s.disp.Enabled(), st.QueueLen, st.Submitted, st.Issued, st.Failed, st.Skipped, st.Dropped)
		fmt.Fprintf(s.out, "cache entries=%d hits=%d misses=%d queries=%d failures=%d\n",
			st.Cache.Entries, st.Cache.Hits, st.Cache.Misses, st.Cache.Queries, st.Cache.Failures)
		fmt.Fprintf(s.out, "pool resident=%d/%d\n", s.bpm.ResidentPages(), s.bpm.PoolSize())
	case "reclaim":
		batch := s.disp.NextReclaimBatch()
		fmt.Fprintf(s.out, "%d sector(s)", batch.PageCount)
		for _, sector := range batch.Sectors {
			fmt.Fprintf(s.out, " %d", sector)
		}
		fmt.Fprintln(s.out)
	case "toggle":
		enabled := !s.disp.Enabled()
		if len(args) == 2 {
			switch args[1] {
			case "on":
				enabled = true
			case "off":
				enabled = false
			default:
				return fmt.Errorf("usage: toggle [on|off]")
			}
		}
		s.disp.SetEnabled(enabled)
		fmt.Fprintf(s.out, "hints enabled=%t\n", enabled)
	case "help":
		fmt.Fprintln(s.out, shellHelp)
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, try 'help'", args[0])
	}
	return nil
}

func parseSpace(s string) (pagemanager.SpaceID, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid space id %q", s)
	}
	return pagemanager.SpaceID(n), nil
}

func parsePageArgs(name string, args []string) (pagemanager.PageID, error) {
	if len(args) != 3 {
		return pagemanager.InvalidPageID, fmt.Errorf("usage: %s <space> <page>", name)
	}
	space, err := parseSpace(args[1])
	if err != nil {
		return pagemanager.InvalidPageID, err
	}
	n, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("invalid page number %q", args[2])
	}
	return pagemanager.PageID{Space: space, PageNo: pagemanager.PageNo(n)}, nil
}
