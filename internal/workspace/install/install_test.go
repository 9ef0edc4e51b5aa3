package install

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"testing"
	"testing/fstest"

	"github.com/pwncollege/workspace-core/internal/jobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFlagContent_Practice(t *testing.T) {
	job := &jobstore.Job{UserID: 1, ChallengeID: 9, Practice: true}
	assert.Equal(t, "practice", FlagContent("secret", job))
}

func TestFlagContent_Impersonating(t *testing.T) {
	asUser := int64(2)
	job := &jobstore.Job{UserID: 1, AsUserID: &asUser, ChallengeID: 9}
	assert.Equal(t, "support_flag", FlagContent("secret", job))
}

func TestFlagContent_NormalUser_IsDeterministic(t *testing.T) {
	job := &jobstore.Job{UserID: 1, ChallengeID: 9}
	a := FlagContent("secret", job)
	b := FlagContent("secret", job)
	assert.Equal(t, a, b)
	assert.NotContains(t, []string{"practice", "support_flag"}, a)
}

func TestSerializeUserFlag_VariesByInput(t *testing.T) {
	a := SerializeUserFlag("secret", 1, 9)
	b := SerializeUserFlag("secret", 1, 10)
	c := SerializeUserFlag("other", 1, 9)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, SerializeUserFlag("secret", 1, 9))
}

func TestSelectOption_Deterministic(t *testing.T) {
	options := []string{"_easy", "_hard", "_medium"}
	a := SelectOption("secret", "user:1:challenge:9", options)
	b := SelectOption("secret", "user:1:challenge:9", options)
	assert.Equal(t, a, b)
	assert.Contains(t, options, a)
}

func TestSelectOption_Empty(t *testing.T) {
	assert.Equal(t, "", SelectOption("secret", "seed", nil))
}

type recordingOps struct {
	archive *bytes.Buffer
	dst     string
	execs   [][]string
	conn    *fakeConn
}

func (r *recordingOps) PutArchive(ctx context.Context, id, dstPath string, tarReader io.Reader) error {
	r.dst = dstPath
	r.archive = &bytes.Buffer{}
	_, err := io.Copy(r.archive, tarReader)
	return err
}

func (r *recordingOps) Exec(ctx context.Context, id string, cmd []string, user string) (int, error) {
	r.execs = append(r.execs, cmd)
	return 0, nil
}

func (r *recordingOps) AttachStdin(ctx context.Context, id string) (HijackedConn, error) {
	r.conn = &fakeConn{}
	return r.conn, nil
}

type fakeConn struct {
	bytes.Buffer
	closed bool
}

func (f *fakeConn) Close() { f.closed = true }

func tarNames(t *testing.T, data []byte) []string {
	t.Helper()
	var names []string
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}

func TestInstallChallenge_SkipsUnselectedOptions(t *testing.T) {
	materials := fstest.MapFS{
		"_easy/hint.txt":   {Data: []byte("easy hint")},
		"_hard/hint.txt":   {Data: []byte("hard hint")},
		"common/setup.sh":  {Data: []byte("#!/bin/sh")},
	}

	ops := &recordingOps{}
	in := New(ops, zap.NewNop())

	err := in.InstallChallenge(context.Background(), "c1", materials, "_easy")
	require.NoError(t, err)

	names := tarNames(t, ops.archive.Bytes())
	assert.Contains(t, names, "hint.txt")
	assert.Contains(t, names, "common")
	assert.Contains(t, names, "common/setup.sh")
	for _, n := range names {
		assert.NotContains(t, n, "_hard")
	}

	assert.Equal(t, challengeDest, ops.dst)
	require.Len(t, ops.execs, 2)
	assert.Equal(t, []string{"chown", "-R", "root:root", challengeDest}, ops.execs[0])
}

func TestInstallFlag_WritesSingleLine(t *testing.T) {
	ops := &recordingOps{}
	in := New(ops, zap.NewNop())

	err := in.InstallFlag(context.Background(), "c1", "test_flag")
	require.NoError(t, err)

	require.NotNil(t, ops.conn)
	assert.Equal(t, "pwn.college{test_flag}\n", ops.conn.String())
	assert.True(t, ops.conn.closed)
}
