package logfilewriter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber/warmlsp/src/warmlsp/internal/fs"
	"github.com/uber/warmlsp/src/warmlsp/internal/fs/fsmock"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRotatingWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "daemon.log")
	w, err := NewRotatingWriter(fs.New(), path, 16)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("0123456789\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("abcdefghij\n"))
	require.NoError(t, err)

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij\n", string(current))

	backup, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "0123456789\n", string(backup))

	_, err = w.Write([]byte("ABCDEFGHIJ\n"))
	require.NoError(t, err)
	backup, err = os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij\n", string(backup), "only one backup is kept")

	require.NoError(t, w.Sync())
	assert.Equal(t, path, w.Path())
}

func TestRotatingWriterAppendsToExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, os.WriteFile(path, []byte("previous\n"), 0644))

	w, err := NewRotatingWriter(fs.New(), path, 0)
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Repeat("x", 64) + "\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "previous\n"))

	_, err = w.Write([]byte("after close"))
	assert.Error(t, err)
	assert.NoError(t, w.Close())
}

func TestRotatingWriterMkdirError(t *testing.T) {
	ctrl := gomock.NewController(t)
	fsMock := fsmock.NewMockWarmFS(ctrl)
	fsMock.EXPECT().MkdirAll(gomock.Any()).Return(assert.AnError)

	_, err := NewRotatingWriter(fsMock, "/nonexistent/daemon.log", 10)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRotatingWriterOpensThroughFS(t *testing.T) {
	ctrl := gomock.NewController(t)
	fsMock := fsmock.NewMockWarmFS(ctrl)
	fsMock.EXPECT().MkdirAll("/var/log/warmlsp").Return(nil)
	fsMock.EXPECT().OpenAppend("/var/log/warmlsp/daemon.log").Return(nil, assert.AnError)

	_, err := NewRotatingWriter(fsMock, "/var/log/warmlsp/daemon.log", 10)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRotatingWriterReopenFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	disk := fs.New()
	ctrl := gomock.NewController(t)
	fsMock := fsmock.NewMockWarmFS(ctrl)
	fsMock.EXPECT().MkdirAll(gomock.Any()).Return(nil)
	gomock.InOrder(
		fsMock.EXPECT().OpenAppend(path).DoAndReturn(disk.OpenAppend),
		fsMock.EXPECT().OpenAppend(path).Return(nil, assert.AnError),
	)
	fsMock.EXPECT().FileExists(path + ".1").Return(false, nil)
	fsMock.EXPECT().Rename(path, path+".1").DoAndReturn(disk.Rename)

	w, err := NewRotatingWriter(fsMock, path, 8)
	require.NoError(t, err)
	_, err = w.Write([]byte("0123456\n"))
	require.NoError(t, err)

	_, err = w.Write([]byte("next\n"))
	assert.ErrorIs(t, err, assert.AnError)
	_, err = w.Write([]byte("later\n"))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.NoError(t, w.Close())
}

func TestLineWriter(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	w := NewLineWriter(zap.New(core).Sugar())

	n, err := w.Write([]byte("first\n\nsecond part"))
	require.NoError(t, err)
	assert.Equal(t, 18, n)
	_, err = w.Write([]byte(" continued\r\n"))
	require.NoError(t, err)
	w.Write([]byte("tail"))
	w.Flush()

	var messages []string
	for _, entry := range logs.All() {
		messages = append(messages, entry.Message)
	}
	assert.Equal(t, []string{"first", "second part continued", "tail"}, messages)
}
