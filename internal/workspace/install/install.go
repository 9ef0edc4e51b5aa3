// Package install places challenge material into a running workspace
// container, grounded on dojo_plugin's insert_challenge (tar injection +
// deterministic option selection) and insert_flag (stdin attach write).
package install

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"

	"github.com/pwncollege/workspace-core/internal/jobstore"
	"go.uber.org/zap"
)

// ContainerOps is the engine surface the installer needs. Satisfied by
// *engine.Driver via NewDriverAdapter, since Go requires AttachStdin's
// return type here to match exactly and *engine.Driver's concrete
// *engine.StdinConn return can't satisfy that directly.
type ContainerOps interface {
	PutArchive(ctx context.Context, id, dstPath string, tarReader io.Reader) error
	Exec(ctx context.Context, id string, cmd []string, user string) (int, error)
	AttachStdin(ctx context.Context, id string) (HijackedConn, error)
}

// HijackedConn is the subset of types.HijackedResponse the installer
// needs: a writable, closable connection to the container's stdin.
type HijackedConn interface {
	io.Writer
	Close()
}

const (
	challengeDest = "/challenge"
	optionDirPrefix = "_"
)

// Installer writes challenge material and the flag into a running
// container.
type Installer struct {
	drv    ContainerOps
	logger *zap.Logger
}

// New constructs an Installer.
func New(drv ContainerOps, logger *zap.Logger) *Installer {
	return &Installer{drv: drv, logger: logger}
}

// MaterialFS is the minimal filesystem view over a challenge's material
// directory the installer needs, satisfied by fs.FS (e.g. os.DirFS).
type MaterialFS interface {
	fs.FS
}

// SelectOption deterministically picks one of a challenge's option
// subdirectories for a given job: SHA-256 over secretKey + "_" + seed
// (the orchestrator passes "<user_id>_<challenge_id>"), with the first
// 8 bytes read as a little-endian uint64 and reduced modulo the option
// count over the sorted option list — the same user+challenge
// combination always lands on the same option across retries and
// re-provisions.
func SelectOption(secretKey string, seed string, options []string) string {
	if len(options) == 0 {
		return ""
	}
	sorted := append([]string(nil), options...)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(secretKey + "_" + seed))

	idx := binary.LittleEndian.Uint64(sum[:8]) % uint64(len(sorted))
	return sorted[idx]
}

// InstallChallenge walks materials (the challenge's extracted material
// directory, rooted at "."), skips "_"-prefixed option directories other
// than the one selectedOption names, tars the rest,
// and copies it into the container at /challenge.
func (in *Installer) InstallChallenge(ctx context.Context, containerID string, materials MaterialFS, selectedOption string) error {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)

	err := fs.WalkDir(materials, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == "." {
			return nil
		}

		if skipped, rel := skipUnselectedOption(p, selectedOption, d.IsDir()); skipped {
			if d.IsDir() {
				return fs.SkipDir
			}
			_ = rel
			return nil
		}

		if d.IsDir() && p == selectedOption {
			// don't emit the selected option's own directory entry; its
			// contents are re-rooted to / by normalizeTarName.
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = normalizeTarName(p, selectedOption)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := materials.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to build challenge archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize challenge archive: %w", err)
	}

	if err := in.drv.PutArchive(ctx, containerID, challengeDest, buf); err != nil {
		return fmt.Errorf("failed to install challenge material: %w", err)
	}

	if _, err := in.drv.Exec(ctx, containerID, []string{"chown", "-R", "root:root", challengeDest}, "root"); err != nil {
		return fmt.Errorf("failed to chown challenge material: %w", err)
	}
	if _, err := in.drv.Exec(ctx, containerID, []string{"chmod", "-R", "4755", challengeDest}, "root"); err != nil {
		return fmt.Errorf("failed to chmod challenge material: %w", err)
	}

	return nil
}

// skipUnselectedOption reports whether p is, or falls inside, an option
// directory (an immediate child directory of the material root whose
// name starts with "_") other than the selected one, in which case the
// whole subtree is skipped. isDir tells whether p itself is a directory.
func skipUnselectedOption(p, selectedOption string, isDir bool) (bool, string) {
	top, _, nested := strings.Cut(p, "/")
	if !nested && !isDir {
		return false, p
	}
	if strings.HasPrefix(top, optionDirPrefix) && top != selectedOption {
		return true, p
	}
	return false, p
}

// normalizeTarName drops the selected option's own directory segment so
// its contents land directly under /challenge rather than nested beneath
// its option name.
func normalizeTarName(p, selectedOption string) string {
	if selectedOption == "" {
		return p
	}
	prefix := selectedOption + "/"
	if strings.HasPrefix(p, prefix) {
		return strings.TrimPrefix(p, prefix)
	}
	return p
}

// FlagContent resolves the actual flag value for a job, grounded on the
// original's insert_flag selection: practice workspaces get the literal
// "practice" flag, impersonated (support) sessions get "support_flag",
// and everyone else gets a deterministic, per-user per-challenge flag
// derived from the shared secret key.
func FlagContent(secretKey string, job *jobstore.Job) string {
	if job.Practice {
		return "practice"
	}
	if job.Impersonating() {
		return "support_flag"
	}
	return SerializeUserFlag(secretKey, job.EffectiveUserID(), job.ChallengeID)
}

// SerializeUserFlag deterministically derives a per-user, per-challenge
// flag value, grounded on the original's serialize_user_flag: an
// HMAC-SHA256 over "<user_id>:<challenge_id>" keyed by the process
// secret, hex-encoded so it's safe to embed directly in the flag file.
func SerializeUserFlag(secretKey string, userID, challengeID int64) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	fmt.Fprintf(mac, "%d:%d", userID, challengeID)
	return hex.EncodeToString(mac.Sum(nil))
}

// InstallFlag streams flag, wrapped in the standard pwn.college{...}
// envelope, into the container's stdin as a single line, grounded on
// the original's attach_socket-based flag write — the container's init
// process reads exactly one line from stdin at startup and installs it
// at a fixed, non-world-readable path.
func (in *Installer) InstallFlag(ctx context.Context, containerID, flag string) error {
	conn, err := in.drv.AttachStdin(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to attach stdin for flag install: %w", err)
	}
	defer conn.Close()

	wrapped := fmt.Sprintf("pwn.college{%s}\n", flag)
	if _, err := conn.Write([]byte(wrapped)); err != nil {
		return fmt.Errorf("failed to write flag: %w", err)
	}
	return nil
}
