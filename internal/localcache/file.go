package localcache

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	syncerrors "github.com/rcourtman/quillboard/internal/errors"
)

const (
	privateDirPerm   = 0o700
	privateFilePerm  = 0o600
	maxCacheFileSize = 1 << 20 // 1 MiB

	encryptedPrefix = "enc:v1:"
)

var errUnsafeCachePath = errors.New("unsafe local cache path")

// FileCache persists every entry in one owner-only JSON file. When a secret
// is configured the file is sealed with AES-GCM.
type FileCache struct {
	path string
	key  []byte // nil when unencrypted

	mu     sync.Mutex
	data   map[string]string
	loaded bool
}

// NewFileCache returns a cache stored at path. An empty secret disables
// encryption.
func NewFileCache(path, secret string) (*FileCache, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("cache path cannot be empty")
	}
	fc := &FileCache{path: filepath.Clean(path)}
	if secret = strings.TrimSpace(secret); secret != "" {
		sum := sha256.Sum256([]byte(secret))
		fc.key = sum[:]
	}
	return fc, nil
}

// Path returns the backing file location.
func (f *FileCache) Path() string { return f.path }

func (f *FileCache) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return "", false, err
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *FileCache) Set(ctx context.Context, key, value string) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		// A corrupt file is replaced rather than blocking writes.
		f.data = make(map[string]string)
		f.loaded = true
	}
	prev, had := f.data[key]
	f.data[key] = value
	if err := f.flushLocked(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *FileCache) Delete(ctx context.Context, key string) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		f.data = make(map[string]string)
		f.loaded = true
	}
	if _, ok := f.data[key]; !ok {
		return nil
	}
	delete(f.data, key)
	return f.flushLocked()
}

func (f *FileCache) loadLocked() error {
	if f.loaded {
		return nil
	}
	raw, err := readBoundedRegularFile(f.path, maxCacheFileSize)
	if err != nil {
		if isMissingPathError(err) {
			f.data = make(map[string]string)
			f.loaded = true
			return nil
		}
		return fmt.Errorf("read local cache: %w", err)
	}

	plain, err := f.open(raw)
	if err != nil {
		return syncerrors.WrapMalformedCache(filepath.Base(f.path), err)
	}
	data := make(map[string]string)
	if len(strings.TrimSpace(string(plain))) > 0 {
		if err := json.Unmarshal(plain, &data); err != nil {
			return syncerrors.WrapMalformedCache(filepath.Base(f.path), err)
		}
	}
	f.data = data
	f.loaded = true
	return nil
}

func (f *FileCache) flushLocked() error {
	plain, err := json.Marshal(f.data)
	if err != nil {
		return fmt.Errorf("marshal local cache: %w", err)
	}
	sealed, err := f.seal(plain)
	if err != nil {
		return err
	}
	if err := writeOwnerOnlyFileAtomic(f.path, sealed); err != nil {
		return fmt.Errorf("write local cache: %w", err)
	}
	return nil
}

func (f *FileCache) seal(plain []byte) ([]byte, error) {
	if f.key == nil {
		return plain, nil
	}
	gcm, err := newGCM(f.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plain, nil)
	return []byte(encryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func (f *FileCache) open(raw []byte) ([]byte, error) {
	text := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(text, encryptedPrefix) {
		if f.key != nil && text != "" {
			return nil, errors.New("expected encrypted cache file")
		}
		return []byte(text), nil
	}
	if f.key == nil {
		return nil, errors.New("cache file is encrypted but no secret is configured")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(text, encryptedPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode cache file: %w", err)
	}
	gcm, err := newGCM(f.key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes, need at least %d", len(ciphertext), gcm.NonceSize())
	}
	nonce := ciphertext[:gcm.NonceSize()]
	plain, err := gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt cache file: %w", err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", errUnsafeCachePath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", errUnsafeCachePath, path)
	}
	return nil
}

func readBoundedRegularFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if err := validateRegularFile(path, info); err != nil {
		return nil, err
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeds size limit (%d bytes)", errUnsafeCachePath, path, info.Size())
	}
	return os.ReadFile(path)
}

func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}
	if info, err := os.Lstat(path); err == nil {
		if err := validateRegularFile(path, info); err != nil {
			return err
		}
	} else if !isMissingPathError(err) {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(privateFilePerm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
