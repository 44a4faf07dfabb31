package testutil

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

// Entry 测试 APK 条目
type Entry struct {
	Name   string
	Data   []byte
	Stored bool
}

// FixedTime 测试 APK 条目统一使用的修改时间
var FixedTime = time.Date(2020, 1, 2, 3, 4, 6, 0, time.UTC)

// WriteAPK 把条目写成 zip 文件
func WriteAPK(t *testing.T, path string, entries []Entry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.Name, Method: zip.Deflate, Modified: FixedTime}
		if e.Stored {
			hdr.Method = zip.Store
		}
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write(e.Data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

// ReadAPK 读取 zip 中所有文件条目
func ReadAPK(t *testing.T, path string) map[string]*zip.File {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	out := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		out[f.Name] = f
	}
	return out
}

// ReadEntry 读取单个条目的内容
func ReadEntry(t *testing.T, f *zip.File) []byte {
	t.Helper()
	rc, err := f.Open()
	require.NoError(t, err)
	defer rc.Close()
	buf := make([]byte, f.UncompressedSize64)
	_, err = io.ReadFull(rc, buf)
	require.NoError(t, err)
	return buf
}
