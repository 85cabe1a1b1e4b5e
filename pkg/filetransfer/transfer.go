// Package filetransfer streams files over an established file socket.
//
// A transfer is one header frame followed by the file body in fixed-size
// binary chunks. The header is the JSON form of protocol.FileInfo and
// carries the name, the exact byte size and a BLAKE2b-256 checksum. The
// receiver counts bytes against the declared size, so no trailer frame is
// needed, and verifies the checksum once the last chunk has landed.
// Multiple files share one socket back to back in list order.
package filetransfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pairlink/pairlink/pkg/crypto"
	"github.com/pairlink/pairlink/pkg/network"
	"github.com/pairlink/pairlink/pkg/protocol"
)

// ChunkSize is the maximum payload of one body frame.
const ChunkSize = 32 * 1024

var (
	// ErrChecksumMismatch means the received bytes do not hash to the
	// checksum the sender declared.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrOverrun means the sender delivered more bytes than the header
	// declared.
	ErrOverrun = errors.New("transfer exceeded declared size")
)

// ProgressFunc observes transfer progress after every chunk.
type ProgressFunc func(name string, transferred, total int64)

// FileChecksum hashes a file on disk the same way transfer headers do.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	hasher := crypto.NewHasher()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// Describe builds the FileInfo for a file on disk, including its checksum.
// The name is the base name only, never a path.
func Describe(path string) (*protocol.FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if !stat.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}

	checksum, err := FileChecksum(path)
	if err != nil {
		return nil, err
	}

	return &protocol.FileInfo{
		Name:     filepath.Base(path),
		Size:     stat.Size(),
		Checksum: checksum,
	}, nil
}

// Send streams one file over the socket: header frame first, then the
// body in chunks. Returns the header that was sent.
func Send(ctx context.Context, sock *network.Socket, path string, progress ProgressFunc) (*protocol.FileInfo, error) {
	info, err := Describe(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	header, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer header: %w", err)
	}
	if err := sock.Write(header); err != nil {
		return nil, fmt.Errorf("failed to send transfer header: %w", err)
	}

	buf := make([]byte, ChunkSize)
	var sent int64
	for sent < info.Size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := f.Read(buf)
		if n > 0 {
			if err := sock.Write(buf[:n]); err != nil {
				return nil, fmt.Errorf("failed to send chunk at %d bytes: %w", sent, err)
			}
			sent += int64(n)
			if progress != nil {
				progress(info.Name, sent, info.Size)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read file at %d bytes: %w", sent, err)
		}
	}

	if sent != info.Size {
		return nil, fmt.Errorf("file shrank while sending: sent %d of %d bytes", sent, info.Size)
	}
	return info, nil
}

// Receive reads one file off the socket into dir and returns the decoded
// header plus the path the file landed at. The body is written to a
// temporary sibling and only renamed into place after the checksum
// verifies, so a failed transfer never leaves a plausible-looking file.
func Receive(ctx context.Context, sock *network.Socket, dir string, progress ProgressFunc) (*protocol.FileInfo, string, error) {
	header, err := sock.ReadFrame()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read transfer header: %w", err)
	}

	var info protocol.FileInfo
	if err := json.Unmarshal(header, &info); err != nil {
		return nil, "", fmt.Errorf("failed to decode transfer header: %w", err)
	}
	if info.Size < 0 {
		return nil, "", fmt.Errorf("invalid declared size %d", info.Size)
	}

	// The sender's name is untrusted; keep only the base name so it can
	// never escape the target directory.
	name := filepath.Base(info.Name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return nil, "", fmt.Errorf("invalid file name %q", info.Name)
	}
	info.Name = name

	dest := filepath.Join(dir, name)
	partial := dest + ".part"

	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file: %w", err)
	}

	hasher := crypto.NewHasher()
	var received int64

	fail := func(err error) (*protocol.FileInfo, string, error) {
		f.Close()
		os.Remove(partial)
		return nil, "", err
	}

	for received < info.Size {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		chunk, err := sock.ReadFrame()
		if err != nil {
			return fail(fmt.Errorf("transfer interrupted at %d of %d bytes: %w", received, info.Size, err))
		}
		if received+int64(len(chunk)) > info.Size {
			return fail(fmt.Errorf("%w: got %d bytes, declared %d", ErrOverrun, received+int64(len(chunk)), info.Size))
		}

		if _, err := f.Write(chunk); err != nil {
			return fail(fmt.Errorf("failed to write chunk: %w", err))
		}
		hasher.Write(chunk)
		received += int64(len(chunk))

		if progress != nil {
			progress(info.Name, received, info.Size)
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(partial)
		return nil, "", fmt.Errorf("failed to finish file: %w", err)
	}

	if info.Checksum != "" {
		sum := fmt.Sprintf("%x", hasher.Sum(nil))
		if sum != info.Checksum {
			os.Remove(partial)
			return nil, "", fmt.Errorf("%w: got %s, declared %s", ErrChecksumMismatch, sum, info.Checksum)
		}
	}

	if err := os.Rename(partial, dest); err != nil {
		os.Remove(partial)
		return nil, "", fmt.Errorf("failed to move file into place: %w", err)
	}
	return &info, dest, nil
}

// SendAll streams the listed files back to back over one socket.
func SendAll(ctx context.Context, sock *network.Socket, paths []string, progress ProgressFunc) ([]protocol.FileInfo, error) {
	infos := make([]protocol.FileInfo, 0, len(paths))
	for _, path := range paths {
		info, err := Send(ctx, sock, path, progress)
		if err != nil {
			return infos, fmt.Errorf("failed to send %s: %w", filepath.Base(path), err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// ReceiveAll reads count files off the socket into dir.
func ReceiveAll(ctx context.Context, sock *network.Socket, dir string, count int, progress ProgressFunc) ([]protocol.FileInfo, error) {
	infos := make([]protocol.FileInfo, 0, count)
	for i := 0; i < count; i++ {
		info, _, err := Receive(ctx, sock, dir, progress)
		if err != nil {
			return infos, fmt.Errorf("failed to receive file %d of %d: %w", i+1, count, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}
