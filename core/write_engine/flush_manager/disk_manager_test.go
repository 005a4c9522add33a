package flushmanager

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/nvmehint/core/write_engine/page_manager"
	"go.uber.org/zap"
)

const testPageSize = 4096

func newTestDiskManager(t *testing.T) *DiskManager {
	t.Helper()
	dm, err := NewDiskManager(testPageSize, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	return dm
}

func TestNewDiskManagerRejectsBadPageSize(t *testing.T) {
	_, err := NewDiskManager(100, nil)
	require.Error(t, err)
	_, err = NewDiskManager(3*512, nil)
	require.Error(t, err)
}

func TestOpenSpaceFormatsNewFile(t *testing.T) {
	dm := newTestDiskManager(t)
	path := filepath.Join(t.TempDir(), "t1.ibd")

	id, err := dm.OpenSpace(path)
	require.NoError(t, err)
	n, err := dm.NumPages(id)
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "header page only")

	again, err := dm.OpenSpace(path)
	require.NoError(t, err)
	require.Equal(t, id, again)

	got, ok := dm.SpacePath(id)
	require.True(t, ok)
	require.Equal(t, path, got)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, testPageSize, fi.Size())
}

func TestAllocateWriteReadRoundTrip(t *testing.T) {
	dm := newTestDiskManager(t)
	id, err := dm.OpenSpace(filepath.Join(t.TempDir(), "t1.ibd"))
	require.NoError(t, err)

	pid, err := dm.AllocatePage(id)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID{Space: id, PageNo: 1}, pid)

	data := bytes.Repeat([]byte{0xAB}, testPageSize)
	require.NoError(t, dm.WritePage(pid, data))
	require.NoError(t, dm.Sync())

	out := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(pid, out))
	require.Equal(t, data, out)

	loc, ok := dm.PageLocation(pid)
	require.True(t, ok)
	require.EqualValues(t, testPageSize, loc.Offset)
	require.EqualValues(t, testPageSize, loc.Size)
	require.True(t, loc.Valid())
}

func TestPageBoundsAreChecked(t *testing.T) {
	dm := newTestDiskManager(t)
	id, err := dm.OpenSpace(filepath.Join(t.TempDir(), "t1.ibd"))
	require.NoError(t, err)
	buf := make([]byte, testPageSize)

	require.ErrorIs(t, dm.ReadPage(pagemanager.PageID{Space: id, PageNo: 5}, buf), ErrPageOutOfRange)
	require.ErrorIs(t, dm.WritePage(pagemanager.PageID{Space: id, PageNo: pagemanager.HeaderPageNo}, buf), ErrPageOutOfRange)
	require.ErrorIs(t, dm.ReadPage(pagemanager.PageID{Space: 99, PageNo: 1}, buf), ErrSpaceNotFound)
	require.ErrorIs(t, dm.ReadPage(pagemanager.PageID{Space: id, PageNo: 1}, buf[:10]), ErrInvalidPageData)

	_, ok := dm.PageLocation(pagemanager.PageID{Space: id, PageNo: 1})
	require.False(t, ok)
}

func TestReopenChecksHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t1.ibd")

	dm := newTestDiskManager(t)
	id, err := dm.OpenSpace(path)
	require.NoError(t, err)
	_, err = dm.AllocatePage(id)
	require.NoError(t, err)
	require.NoError(t, dm.Close())

	reopened := newTestDiskManager(t)
	id, err = reopened.OpenSpace(path)
	require.NoError(t, err)
	n, err := reopened.NumPages(id)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	other, err := NewDiskManager(2*testPageSize, nil)
	require.NoError(t, err)
	defer other.Close()
	_, err = other.OpenSpace(path)
	require.ErrorIs(t, err, ErrPageSizeMismatch)

	junk := filepath.Join(dir, "junk.ibd")
	require.NoError(t, os.WriteFile(junk, bytes.Repeat([]byte{1}, testPageSize), 0o644))
	_, err = reopened.OpenSpace(junk)
	require.ErrorIs(t, err, ErrInvalidSpaceFile)
}

func TestClosedDiskManager(t *testing.T) {
	dm := newTestDiskManager(t)
	require.NoError(t, dm.Close())
	require.NoError(t, dm.Close())
	_, err := dm.OpenSpace(filepath.Join(t.TempDir(), "t1.ibd"))
	require.ErrorIs(t, err, ErrDiskManagerClosed)
	require.ErrorIs(t, dm.Sync(), ErrDiskManagerClosed)
}
