package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/sushant-115/nvmehint/core/hint_engine/dispatcher"
	hinttypes "github.com/sushant-115/nvmehint/core/hint_engine/hint_types"
)

var (
	hintState    string
	hintPageSize int
)

var hintCmd = &cobra.Command{
	Use:   "hint <file> <page-no>",
	Short: "Send one lifecycle hint for a page",
	Long: `Hint runs the dispatcher for a single page: it resolves the page's
sector, sends one Dataset Management lifecycle hint to the configured
device and waits for it to complete.

Examples:
  nvmehint hint --state clean /var/lib/db/t1.ibd 3
  nvmehint --config /etc/nvmehint.yaml hint --state evicted /var/lib/db/t1.ibd 3`,
	Args: cobra.ExactArgs(2),
	RunE: runHint,
}

func init() {
	hintCmd.Flags().StringVar(&hintState, "state", "clean", "lifecycle state (clean|dirty|evicted)")
	hintCmd.Flags().IntVar(&hintPageSize, "page-size", 0, "page size in bytes (default: buffer_pool.page_size)")
}

// singlePage locates exactly one page under handle 1.
type singlePage struct {
	loc hinttypes.PageLocation
}

func (s singlePage) Locate(page hinttypes.PageHandle) (hinttypes.PageLocation, bool) {
	return s.loc, page == 1
}

func runHint(cmd *cobra.Command, args []string) error {
	flag, err := hinttypes.ParseLifecycle(hintState)
	if err != nil {
		return err
	}
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	pageSize := e.cfg.BufferPool.PageSize
	if hintPageSize > 0 {
		pageSize = hintPageSize
	}
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	loc, err := pageLocation(path, args[1], pageSize)
	if err != nil {
		return err
	}

	hints := e.cfg.Hints
	hints.Enabled = true
	hints.Workers = 1
	d, err := dispatcher.New(hints, singlePage{loc}, e.dispatcherOptions())
	if err != nil {
		return err
	}
	if err := d.Initialize(); err != nil {
		return err
	}
	switch flag {
	case hinttypes.LifecycleClean:
		d.NotifyClean(1)
	case hinttypes.LifecycleDirty:
		d.NotifyDirty(1)
	case hinttypes.LifecycleEvicted:
		d.NotifyEvicted(1)
	}
	d.Shutdown()

	s := d.Stats()
	switch {
	case s.Skipped > 0:
		return fmt.Errorf("page %s of %s has no known sector", args[1], path)
	case s.Dropped > 0:
		return fmt.Errorf("hint dropped: could not open %s", hints.DevicePath)
	case s.Failed > 0:
		return fmt.Errorf("device rejected the %s hint", flag)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %d %s hint(s) for %s page %s\n", s.Issued, flag, path, args[1])
	return nil
}
