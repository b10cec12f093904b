package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
)

const sniffLen = 3072

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".webp": true,
	".tif":  true,
	".tiff": true,
}

// ImageStore keeps uploaded images on local disk under generated names.
type ImageStore struct {
	dir string
}

func NewImageStore(dir string) (*ImageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &ImageStore{dir: dir}, nil
}

func (s *ImageStore) Dir() string { return s.dir }

// Extension returns the lowercased extension of a client filename if it is
// an accepted image type. Directory parts of the name are ignored.
func Extension(filename string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filepath.Clean("/" + filename))))
	if ext == ".jpeg" {
		ext = ".jpg"
	}
	return ext, allowedExtensions[ext]
}

// Save writes the upload as <uuid><ext> and returns the stored path. The
// content must sniff as an image.
func (s *ImageStore) Save(upload domain.ImageUpload) (string, error) {
	ext, ok := Extension(upload.Filename)
	if !ok {
		return "", domain.NewValidationError("unsupported image type %q", filepath.Ext(upload.Filename))
	}

	src, err := upload.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(src, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if mime := mimetype.Detect(head); !strings.HasPrefix(mime.String(), "image/") {
		return "", domain.NewValidationError("upload %q is %s, not an image", filepath.Base(upload.Filename), mime.String())
	}

	path := filepath.Join(s.dir, uuid.NewString()+ext)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("create image file: %w", err)
	}

	_, err = io.Copy(dst, io.MultiReader(bytes.NewReader(head), src))
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write image file: %w", err)
	}
	return path, nil
}

// Remove deletes stored images, ignoring files that are already gone.
func (s *ImageStore) Remove(paths ...string) error {
	var firstErr error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
