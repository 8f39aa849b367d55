package platform

import "testing"

func TestUsableSpace(t *testing.T) {
	t.Parallel()

	n, err := UsableSpace(t.TempDir())
	if err != nil {
		t.Fatalf("UsableSpace() error = %v", err)
	}
	if n == 0 {
		t.Fatal("UsableSpace() = 0, want > 0")
	}
}
