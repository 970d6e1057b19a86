package config

import "testing"

func TestDefaultConfig(t *testing.T) {
	c, err := defaultConfig()
	if err != nil {
		t.Fatalf("defaultConfig() error: %v", err)
	}

	if c.MaxPeers <= 0 {
		t.Errorf("MaxPeers = %d, want > 0", c.MaxPeers)
	}
	if c.PieceDownloadStrategy != PieceDownloadStrategyRarestFirst {
		t.Errorf("default strategy = %v, want RarestFirst", c.PieceDownloadStrategy)
	}
	if c.MinInflightRequestsPerPeer < 2 {
		t.Errorf("MinInflightRequestsPerPeer = %d, want >= 2", c.MinInflightRequestsPerPeer)
	}
	prefix := string(c.ClientID[:6])
	if prefix != "-RBBT-" {
		t.Errorf("ClientID prefix = %q, want -RBBT-", prefix)
	}
}

func TestLoadUpdateSwap(t *testing.T) {
	Init()

	before := Load().UploadSlots
	Update(func(c *Config) { c.UploadSlots = before + 1 })

	if got := Load().UploadSlots; got != before+1 {
		t.Fatalf("Load().UploadSlots = %d, want %d", got, before+1)
	}

	Swap(Config{UploadSlots: 99})
	if got := Load().UploadSlots; got != 99 {
		t.Fatalf("after Swap, UploadSlots = %d, want 99", got)
	}
}
