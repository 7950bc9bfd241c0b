package channel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/constitutional-mesh/iaer/pkg/types"
)

// File writes rendered messages to timestamped files under a directory; used
// for local development. Directory
// creation failures are classified TransientError rather than PermanentError:
// a read-only or not-yet-mounted output volume is exactly the kind of
// environment failure that resolves itself on retry, not a defect in the
// notification itself.
type File struct {
	dir             string
	capacity        int
	refillPerSecond float64
}

// NewFile builds a File channel adapter writing under dir.
func NewFile(dir string) *File {
	return &File{dir: dir, capacity: 100, refillPerSecond: 50}
}

func (f *File) Kind() types.ChannelKind { return types.ChannelFile }

func (f *File) RateLimit() (int, float64) { return f.capacity, f.refillPerSecond }

func (f *File) Send(ctx context.Context, renderedMessage string, address string) (Outcome, error) {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return TransientError, fmt.Errorf("failed to create output directory: %w", err)
	}
	name := fmt.Sprintf("%s-%s.txt", time.Now().UTC().Format("20060102T150405.000000000"), sanitizeAddress(address))
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte(renderedMessage), 0o644); err != nil {
		return TransientError, fmt.Errorf("failed to write notification file: %w", err)
	}
	return Delivered, nil
}

func sanitizeAddress(address string) string {
	out := make([]rune, 0, len(address))
	for _, r := range address {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}
