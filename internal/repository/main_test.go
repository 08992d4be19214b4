package repository

import (
	"os"
	"testing"

	"github.com/ayo6706/payout-accumulator/internal/testutil/dblock"
)

func TestMain(m *testing.M) {
	release := dblock.Acquire()
	code := m.Run()
	release()
	os.Exit(code)
}
