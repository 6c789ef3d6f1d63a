// Package common holds file helpers shared by storage engine components.
package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1 << 20

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyResult describes a finished copy.
type CopyResult struct {
	Bytes  int64
	SHA256 string
}

// CopyFileThrottled copies srcPath to dstPath, creating missing parent
// directories, at no more than limiter allows. A nil limiter copies at full
// speed. The destination is synced before returning.
func CopyFileThrottled(ctx context.Context, srcPath, dstPath string, limiter *rate.Limiter) (CopyResult, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return CopyResult{}, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return CopyResult{}, fmt.Errorf("create dst dir: %w", err)
	}
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return CopyResult{}, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	sum := sha256.New()
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := waitBytes(ctx, limiter, n); err != nil {
				return CopyResult{}, fmt.Errorf("rate limiter error: %w", err)
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return CopyResult{}, fmt.Errorf("write error: %w", err)
			}
			sum.Write(buf[:n])
			written += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return CopyResult{}, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return CopyResult{}, fmt.Errorf("sync error: %w", err)
	}
	return CopyResult{Bytes: written, SHA256: hex.EncodeToString(sum.Sum(nil))}, nil
}

// waitBytes takes n tokens in steps no larger than the limiter burst.
func waitBytes(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil {
		return ctx.Err()
	}
	for n > 0 {
		step := min(n, limiter.Burst())
		if err := limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// FileSHA256 returns the hex encoded SHA-256 of a file.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
