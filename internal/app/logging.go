package app

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"

	"github.com/petervdpas/counselcall/internal/viewer"
)

var log = logging.Logger("app")

const logSinkScheme = "logbuf"

var (
	sinkOnce sync.Once
	sinkErr  error
	sinkBuf  atomic.Pointer[viewer.LogBuffer]
)

// SetupLogging sends every subsystem logger to stderr and into buf, which
// the viewer serves as /api/logs.
func SetupLogging(buf *viewer.LogBuffer, debug bool) error {
	// zap keeps registered schemes for the life of the process
	sinkOnce.Do(func() {
		sinkErr = zap.RegisterSink(logSinkScheme, func(*url.URL) (zap.Sink, error) {
			b := sinkBuf.Load()
			if b == nil {
				return nil, errors.New("no log buffer")
			}
			return b, nil
		})
	})
	if sinkErr != nil {
		return fmt.Errorf("register log sink: %w", sinkErr)
	}
	sinkBuf.Store(buf)

	logging.SetupLogging(logging.Config{
		Format: logging.PlaintextOutput,
		Stderr: true,
		Level:  logLevel(debug),
		URL:    logSinkScheme + "://",
	})
	return nil
}

// SetDebug switches every subsystem between debug and info.
func SetDebug(debug bool) {
	logging.SetAllLoggers(logLevel(debug))
}

func logLevel(debug bool) logging.LogLevel {
	if debug {
		return logging.LevelDebug
	}
	return logging.LevelInfo
}
