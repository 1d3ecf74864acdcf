package casebook

import (
	"errors"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/sbenjam1n/tutorsim/internal/generation"
	"github.com/sbenjam1n/tutorsim/internal/logger"
)

// LoadImages reads the case images under dir. Missing files are skipped with
// a warning.
func LoadImages(dir string, names []string, log *logger.Logger) ([]generation.Attachment, error) {
	if log == nil {
		log = logger.Nop()
	}
	var out []generation.Attachment
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("image file not found, skipping", "image", name, "dir", dir)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, generation.Attachment{MediaType: mediaType(name), Data: data})
	}
	return out, nil
}

func mediaType(name string) string {
	t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if !strings.HasPrefix(t, "image/") {
		return "image/jpeg"
	}
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return t
}
