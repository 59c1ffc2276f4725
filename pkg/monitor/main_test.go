package monitor

import (
	"io"
	"os"
	"testing"

	"github.com/cuemby/drover/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}
