package logging

import "testing"

func TestNew(t *testing.T) {
	for _, dev := range []bool{true, false} {
		logger, err := New("debug", dev)
		if err != nil {
			t.Fatalf("New(dev=%v) failed: %v", dev, err)
		}
		if !logger.Core().Enabled(-1) {
			t.Errorf("debug level should be enabled (dev=%v)", dev)
		}
	}

	logger, err := New("bogus", false)
	if err != nil {
		t.Fatalf("New with bad level failed: %v", err)
	}
	if logger.Core().Enabled(-1) {
		t.Error("bad level should fall back to info")
	}
}
