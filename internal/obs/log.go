package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the process-wide JSON line logger. Every component of the
// clinical API (request logging, audit events, background failures) writes
// through it so log aggregation sees a single stdout stream.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest marshals entry as one JSON line. Entries must carry
// identifiers only, never clinical payloads.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log_marshal_failed"}`)
		return
	}
	Logger().Println(string(data))
}
