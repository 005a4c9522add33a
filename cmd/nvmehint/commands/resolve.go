package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	extentresolver "github.com/sushant-115/nvmehint/core/hint_engine/extent_resolver"
	hinttypes "github.com/sushant-115/nvmehint/core/hint_engine/hint_types"
	sectorcache "github.com/sushant-115/nvmehint/core/hint_engine/sector_cache"
)

var (
	resolvePageSize int
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <file> <page-no>",
	Short: "Show the physical extents and sector of a page",
	Long: `Resolve asks the filesystem where page <page-no> of <file> lives on the
block device and prints the extents and the starting sector that a hint
for the page would address.

Examples:
  nvmehint resolve /var/lib/db/t1.ibd 3
  nvmehint resolve --page-size 8192 /var/lib/db/t1.ibd 3`,
	Args: cobra.ExactArgs(2),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().IntVar(&resolvePageSize, "page-size", 0, "page size in bytes (default: buffer_pool.page_size)")
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pageSize := cfg.BufferPool.PageSize
	if resolvePageSize > 0 {
		pageSize = resolvePageSize
	}
	loc, err := pageLocation(args[0], args[1], pageSize)
	if err != nil {
		return err
	}

	resolver := extentresolver.NewFiemapResolver()
	extents, err := resolver.ResolvePath(loc.Path, uint64(loc.Offset), uint64(loc.Size), extentresolver.MaxExtents)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s page %s (offset %d, %d bytes)\n", loc.Path, args[1], loc.Offset, loc.Size)
	for i, ext := range extents {
		fmt.Fprintf(out, "  extent %d: logical=%d physical=%d length=%d flags=0x%x\n",
			i, ext.Logical, ext.Physical, ext.Length, ext.Flags)
	}

	cache, err := sectorcache.New(staticResolver{extents}, nil, sectorcache.Options{
		SectorSize: cfg.Hints.SectorSize,
		Policy:     sectorcache.ExtentPolicyAll,
	})
	if err != nil {
		return err
	}
	m, ok := cache.ResolveUncached(loc)
	if !ok {
		fmt.Fprintln(out, "  sector: unknown")
		return nil
	}
	fmt.Fprintf(out, "  sector: %d\n", m.Sector)
	for _, r := range m.Ranges {
		fmt.Fprintf(out, "  range: slba=%d bytes=%d\n", r.Start, r.Bytes)
	}
	return nil
}

// staticResolver replays an extent list that was already fetched.
type staticResolver struct {
	extents []extentresolver.Extent
}

func (r staticResolver) ResolvePath(string, uint64, uint64, int) ([]extentresolver.Extent, error) {
	return r.extents, nil
}

func pageLocation(path, pageNo string, pageSize int) (hinttypes.PageLocation, error) {
	n, err := strconv.ParseInt(pageNo, 10, 64)
	if err != nil || n < 0 {
		return hinttypes.PageLocation{}, fmt.Errorf("invalid page number %q", pageNo)
	}
	if pageSize <= 0 {
		return hinttypes.PageLocation{}, fmt.Errorf("invalid page size %d", pageSize)
	}
	return hinttypes.PageLocation{Path: path, Offset: n * int64(pageSize), Size: int64(pageSize)}, nil
}
